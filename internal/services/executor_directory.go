package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"fmsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExecutorContext 是一个 Telegram 聊天解析出的执行人身份，每次更新重新构建，不做缓存
type ExecutorContext struct {
	ChatID            int64
	UserID            string
	ExecutorProfileID *string
	TenantID          string
	FullName          string
}

// Owns reports whether the ticket is assigned to this executor, either through
// the executor profile or the legacy executor_id column.
func (e *ExecutorContext) Owns(ticket *models.Ticket) bool {
	if ticket == nil {
		return false
	}
	if e.ExecutorProfileID != nil && ticket.ExecutorProfileID != nil && *e.ExecutorProfileID == *ticket.ExecutorProfileID {
		return true
	}
	return ticket.ExecutorID != nil && *ticket.ExecutorID == e.UserID
}

// ExecutorDirectory resolves chats to executor accounts.
type ExecutorDirectory struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewExecutorDirectory(db *gorm.DB, logger *logrus.Logger) *ExecutorDirectory {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutorDirectory{db: db, logger: logger}
}

// Resolve looks the chat up by the canonical telegram_chat_id first and then by
// the legacy telegram_user_id string. First match wins.
func (d *ExecutorDirectory) Resolve(ctx context.Context, chatID int64) (*ExecutorContext, error) {
	var user models.User
	err := d.db.WithContext(ctx).Where("telegram_chat_id = ?", chatID).Order("created_at ASC").Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = d.db.WithContext(ctx).Where("telegram_user_id = ?", strconv.FormatInt(chatID, 10)).
			Order("created_at ASC").Take(&user).Error
		if err == nil {
			d.logger.WithField("user_id", user.ID).Debug("executor resolved through legacy telegram_user_id")
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve chat %d: %w", chatID, err)
	}

	ec := &ExecutorContext{
		ChatID:   chatID,
		UserID:   user.ID,
		TenantID: user.TenantID,
		FullName: user.FullName,
	}

	var profiles []models.ExecutorProfile
	if err := d.db.WithContext(ctx).Where("user_id = ?", user.ID).
		Order("created_at ASC").Limit(1).Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("load executor profile for %s: %w", user.ID, err)
	}
	if len(profiles) > 0 {
		id := profiles[0].ID
		ec.ExecutorProfileID = &id
		if profiles[0].FullName != "" {
			ec.FullName = profiles[0].FullName
		}
	}
	if ec.FullName == "" {
		ec.FullName = "Executor"
	}
	return ec, nil
}
