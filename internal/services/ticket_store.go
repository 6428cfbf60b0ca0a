package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fmsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TicketStore 工单读写：状态变更、活动记录与执行人工单列表
type TicketStore struct {
	db                *gorm.DB
	logger            *logrus.Logger
	enqueueOnActivity bool
	now               func() time.Time
}

// NewTicketStore 创建工单存储
func NewTicketStore(db *gorm.DB, logger *logrus.Logger) *TicketStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetEnqueueOnActivity makes every inserted activity enqueue a webhook delivery,
// in the same transaction as the activity row.
func (s *TicketStore) SetEnqueueOnActivity(enabled bool) {
	s.enqueueOnActivity = enabled
}

// GetTicket 根据 ID 获取工单
func (s *TicketStore) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", id, err)
	}
	return &ticket, nil
}

// UpdateStatus 更新工单状态；进入 resolved 时记录解决时间
func (s *TicketStore) UpdateStatus(ctx context.Context, id string, status models.TicketStatus) error {
	now := s.now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if status == models.TicketResolved {
		updates["resolved_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&models.Ticket{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update ticket %s status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTicketNotFound
	}
	return nil
}

// InsertActivity 追加一条工单活动
func (s *TicketStore) InsertActivity(ctx context.Context, activity *models.TicketActivity) error {
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = s.now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(activity).Error; err != nil {
			return fmt.Errorf("insert activity for ticket %s: %w", activity.TicketID, err)
		}
		if !s.enqueueOnActivity {
			return nil
		}
		activityID := activity.ID
		return enqueueWebhook(tx, activity.TicketID, activity.TenantID, &activityID, activity.CreatedAt)
	})
}

// ListOpenForExecutor 列出执行人名下 open / in-progress 的工单，按状态、创建时间排序
func (s *TicketStore) ListOpenForExecutor(ctx context.Context, profileID *string, userID string) ([]models.Ticket, error) {
	q := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("status IN ?", []models.TicketStatus{models.TicketOpen, models.TicketInProgress})

	switch {
	case profileID != nil && *profileID != "" && userID != "":
		q = q.Where("executor_profile_id = ? OR executor_id = ?", *profileID, userID)
	case profileID != nil && *profileID != "":
		q = q.Where("executor_profile_id = ?", *profileID)
	case userID != "":
		q = q.Where("executor_id = ?", userID)
	default:
		return nil, nil
	}

	var tickets []models.Ticket
	if err := q.Order("status ASC").Order("created_at ASC").Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("list executor tickets: %w", err)
	}
	return tickets, nil
}

// ListActivities 按时间顺序返回工单的活动记录
func (s *TicketStore) ListActivities(ctx context.Context, ticketID string) ([]models.TicketActivity, error) {
	var out []models.TicketActivity
	err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("created_at ASC").Find(&out).Error
	return out, err
}

func enqueueWebhook(tx *gorm.DB, ticketID, tenantID string, activityID *string, now time.Time) error {
	item := &models.WebhookQueueItem{
		TicketID:      ticketID,
		ActivityID:    activityID,
		TenantID:      tenantID,
		Status:        models.QueuePending,
		NextAttemptAt: now,
	}
	if err := tx.Create(item).Error; err != nil {
		return fmt.Errorf("enqueue webhook for ticket %s: %w", ticketID, err)
	}
	return nil
}
