package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 租户：每个租户可以配置自己的自动化 webhook
type Tenant struct {
	ID                   string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name                 string    `gorm:"not null" json:"name"`
	AutomationWebhookURL *string   `json:"automation_webhook_url"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

// 用户账号。TelegramChatID 是规范化后的聊天标识；TelegramUserID 为历史字段
type User struct {
	ID                    string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TenantID              string     `gorm:"index;type:varchar(36)" json:"tenant_id"`
	FullName              string     `json:"full_name"`
	Email                 string     `gorm:"index" json:"email"`
	Role                  string     `gorm:"default:'executor'" json:"role"` // super_admin, tenant_admin, executor, complainant
	TelegramChatID        *int64     `gorm:"index" json:"telegram_chat_id"`
	TelegramUserID        *string    `gorm:"index" json:"telegram_user_id"`
	TelegramCorrelationID *string    `gorm:"uniqueIndex" json:"telegram_correlation_id"`
	TelegramStatus        string     `gorm:"default:'none'" json:"telegram_status"` // none, pending, connected
	TelegramJoinedAt      *time.Time `json:"telegram_joined_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	ensureID(&u.ID)
	return nil
}

const (
	TelegramStatusNone      = "none"
	TelegramStatusPending   = "pending"
	TelegramStatusConnected = "connected"
)

// 执行人档案
type ExecutorProfile struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TenantID  string    `gorm:"index;type:varchar(36)" json:"tenant_id"`
	UserID    string    `gorm:"index;type:varchar(36)" json:"user_id"`
	FullName  string    `json:"full_name"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *ExecutorProfile) BeforeCreate(tx *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

// 工单
type Ticket struct {
	ID                string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TenantID          string       `gorm:"index;type:varchar(36)" json:"tenant_id"`
	TicketNumber      string       `gorm:"index" json:"ticket_number"`
	Title             string       `gorm:"not null" json:"title"`
	Description       string       `gorm:"type:text" json:"description"`
	Status            TicketStatus `gorm:"index;default:'open'" json:"status"`
	Priority          string       `gorm:"default:'medium'" json:"priority"` // low, medium, high, critical
	Category          string       `json:"category"`
	Location          string       `json:"location"`
	SLADueDate        *time.Time   `json:"sla_due_date"`
	ExecutorProfileID *string      `gorm:"index;type:varchar(36)" json:"executor_profile_id"`
	ExecutorID        *string      `gorm:"index;type:varchar(36)" json:"executor_id"` // 历史字段：直接指向 users.id
	CreatedBy         *string      `gorm:"type:varchar(36)" json:"created_by"`
	ResolvedAt        *time.Time   `json:"resolved_at"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (t *Ticket) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

// 工单活动：只追加，不修改
type TicketActivity struct {
	ID           string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TicketID     string            `gorm:"index;type:varchar(36)" json:"ticket_id"`
	TenantID     string            `gorm:"index;type:varchar(36)" json:"tenant_id"`
	ActivityType string            `gorm:"index;not null" json:"activity_type"`
	Comment      string            `gorm:"type:text" json:"comment"`
	CreatedBy    *string           `gorm:"type:varchar(36)" json:"created_by"`
	Metadata     datatypes.JSONMap `json:"metadata"`
	CreatedAt    time.Time         `gorm:"index" json:"created_at"`
}

func (a *TicketActivity) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

const (
	ActivityStatusChange   = "status_change"
	ActivityExecutorUpdate = "executor_update"
)

// 执行人工单会话：把机器人发出的提示与执行人的下一条回复关联起来
type ExecutorTicketSession struct {
	ID                string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TicketID          string            `gorm:"index:idx_session_ticket_chat_state,priority:1;type:varchar(36)" json:"ticket_id"`
	ExecutorProfileID *string           `gorm:"type:varchar(36)" json:"executor_profile_id"`
	ExecutorUserID    string            `gorm:"type:varchar(36)" json:"executor_user_id"`
	TelegramChatID    int64             `gorm:"index:idx_session_ticket_chat_state,priority:2" json:"telegram_chat_id"`
	TelegramMessageID *int64            `json:"telegram_message_id"`
	PromptMessageID   *int64            `gorm:"index" json:"prompt_message_id"`
	SessionType       SessionType       `gorm:"not null" json:"session_type"`
	State             SessionState      `gorm:"index:idx_session_ticket_chat_state,priority:3;not null" json:"state"`
	ExpiresAt         time.Time         `gorm:"index" json:"expires_at"`
	Metadata          datatypes.JSONMap `json:"metadata"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (s *ExecutorTicketSession) BeforeCreate(tx *gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

// Webhook 投递队列
type WebhookQueueItem struct {
	ID            string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TicketID      string            `gorm:"index;type:varchar(36)" json:"ticket_id"`
	ActivityID    *string           `gorm:"index;type:varchar(36)" json:"activity_id"`
	TenantID      string            `gorm:"index;type:varchar(36)" json:"tenant_id"`
	Status        QueueStatus       `gorm:"index:idx_queue_due,priority:1;not null;default:'pending'" json:"status"`
	AttemptCount  int               `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt time.Time         `gorm:"index:idx_queue_due,priority:2" json:"next_attempt_at"`
	Payload       datatypes.JSONMap `json:"payload"`
	LastError     *string           `gorm:"type:text" json:"last_error"`
	DeliveredAt   *time.Time        `json:"delivered_at"`
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (q *WebhookQueueItem) BeforeCreate(tx *gorm.DB) error {
	ensureID(&q.ID)
	return nil
}

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&Tenant{}, &User{}, &ExecutorProfile{}, &Ticket{}, &TicketActivity{},
		&ExecutorTicketSession{}, &WebhookQueueItem{},
	}
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}
