package services

import (
	"context"
	"fmt"
	"time"

	"fmsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionStore persists executor ticket sessions.
// At most one awaiting_input session exists per (ticket, chat).
type SessionStore struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewSessionStore(db *gorm.DB, logger *logrus.Logger) *SessionStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CancelAwaiting cancels every live session for the ticket in this chat.
func (s *SessionStore) CancelAwaiting(ctx context.Context, ticketID string, chatID int64) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.ExecutorTicketSession{}).
		Where("ticket_id = ? AND telegram_chat_id = ? AND state = ?", ticketID, chatID, models.SessionAwaitingInput).
		Updates(map[string]interface{}{"state": models.SessionCancelled, "updated_at": s.now()})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel sessions for ticket %s: %w", ticketID, res.Error)
	}
	return res.RowsAffected, nil
}

// Create 插入一个新的等待输入会话
func (s *SessionStore) Create(ctx context.Context, session *models.ExecutorTicketSession) error {
	if session.State == "" {
		session.State = models.SessionAwaitingInput
	}
	if session.State != models.SessionAwaitingInput {
		return fmt.Errorf("%w: new session must start in %s, got %s", ErrInvalidTransition, models.SessionAwaitingInput, session.State)
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// RecordStatusChange 写入一条已完成的 status_change 会话，仅作按钮操作的审计记录
func (s *SessionStore) RecordStatusChange(ctx context.Context, session *models.ExecutorTicketSession) error {
	session.SessionType = models.SessionTypeStatusChange
	session.State = models.SessionCompleted
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("record status change session: %w", err)
	}
	return nil
}

// FindAwaiting returns the live session for a chat. A session whose prompt
// matches replyToMessageID wins; otherwise the most recent one is used.
// Returns nil when the chat has no live session.
func (s *SessionStore) FindAwaiting(ctx context.Context, chatID int64, replyToMessageID *int64) (*models.ExecutorTicketSession, error) {
	base := func() *gorm.DB {
		return s.db.WithContext(ctx).
			Where("telegram_chat_id = ? AND state = ?", chatID, models.SessionAwaitingInput)
	}

	var sessions []models.ExecutorTicketSession
	if replyToMessageID != nil {
		if err := base().Where("prompt_message_id = ?", *replyToMessageID).
			Order("created_at DESC").Limit(1).Find(&sessions).Error; err != nil {
			return nil, fmt.Errorf("find session by prompt: %w", err)
		}
		if len(sessions) > 0 {
			return &sessions[0], nil
		}
	}

	if err := base().Order("created_at DESC").Limit(1).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("find awaiting session: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// Transition moves a session to the next state. The update is conditional on
// the session still being in its current state, so a concurrent transition
// makes this one fail with ErrInvalidTransition.
func (s *SessionStore) Transition(ctx context.Context, session *models.ExecutorTicketSession, next models.SessionState, metadata map[string]interface{}) error {
	if !session.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: session %s %s -> %s", ErrInvalidTransition, session.ID, session.State, next)
	}
	updates := map[string]interface{}{
		"state":      next,
		"updated_at": s.now(),
	}
	if len(metadata) > 0 {
		merged := make(map[string]interface{}, len(session.Metadata)+len(metadata))
		for k, v := range session.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
		updates["metadata"] = datatypes.JSONMap(merged)
	}
	res := s.db.WithContext(ctx).Model(&models.ExecutorTicketSession{}).
		Where("id = ? AND state = ?", session.ID, session.State).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("transition session %s: %w", session.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: session %s is no longer %s", ErrInvalidTransition, session.ID, session.State)
	}
	session.State = next
	return nil
}

// ListExpiredAwaiting returns live sessions whose window has already closed.
// Expiry is otherwise only applied lazily when a reply arrives.
func (s *SessionStore) ListExpiredAwaiting(ctx context.Context, now time.Time, limit int) ([]models.ExecutorTicketSession, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.ExecutorTicketSession
	err := s.db.WithContext(ctx).
		Where("state = ? AND expires_at < ?", models.SessionAwaitingInput, now).
		Order("expires_at ASC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return out, nil
}

// ExpireStale marks up to limit overdue live sessions as expired.
func (s *SessionStore) ExpireStale(ctx context.Context, limit int) (int, error) {
	now := s.now()
	stale, err := s.ListExpiredAwaiting(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		err := s.Transition(ctx, &stale[i], models.SessionExpired, map[string]interface{}{"expired_by": "sweep"})
		if err != nil {
			s.logger.WithField("session_id", stale[i].ID).Warnf("expire session: %v", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Infof("Expired %d stale executor sessions", expired)
	}
	return expired, nil
}
