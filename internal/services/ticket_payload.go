package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fmsdesk/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const EventTicketActivity = "ticket.activity"

// TicketPayload 是投递给租户自动化端点的请求体
type TicketPayload struct {
	Event      string            `json:"event"`
	QueueID    string            `json:"queue_id"`
	TenantID   string            `json:"tenant_id"`
	TenantName string            `json:"tenant_name"`
	Ticket     TicketSnapshot    `json:"ticket"`
	Activity   *ActivitySnapshot `json:"activity,omitempty"`
	Attempt    int               `json:"attempt"`
	SentAt     time.Time         `json:"sent_at"`
}

type TicketSnapshot struct {
	ID                string     `json:"id"`
	TicketNumber      string     `json:"ticket_number"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Status            string     `json:"status"`
	Priority          string     `json:"priority"`
	Category          string     `json:"category"`
	Location          string     `json:"location"`
	SLADueDate        *time.Time `json:"sla_due_date"`
	ExecutorProfileID *string    `json:"executor_profile_id"`
	ExecutorID        *string    `json:"executor_id"`
	CreatedBy         *string    `json:"created_by"`
	ResolvedAt        *time.Time `json:"resolved_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type ActivitySnapshot struct {
	ID           string                 `json:"id"`
	ActivityType string                 `json:"activity_type"`
	Comment      string                 `json:"comment"`
	CreatedBy    *string                `json:"created_by"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
}

// BuildPayload assembles the snapshot for a claimed queue item. A vanished
// ticket or a ticket owned by another tenant is an error.
func BuildPayload(ctx context.Context, db *gorm.DB, item *models.WebhookQueueItem, tenant *models.Tenant, now time.Time) (*TicketPayload, error) {
	var ticket models.Ticket
	err := db.WithContext(ctx).Where("id = ?", item.TicketID).Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, item.TicketID)
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", item.TicketID, err)
	}
	if ticket.TenantID != tenant.ID {
		return nil, fmt.Errorf("ticket %s belongs to tenant %s, queue item is for %s", ticket.ID, ticket.TenantID, tenant.ID)
	}

	payload := &TicketPayload{
		Event:      EventTicketActivity,
		QueueID:    item.ID,
		TenantID:   tenant.ID,
		TenantName: tenant.Name,
		Ticket: TicketSnapshot{
			ID:                ticket.ID,
			TicketNumber:      ticket.TicketNumber,
			Title:             ticket.Title,
			Description:       ticket.Description,
			Status:            string(ticket.Status),
			Priority:          ticket.Priority,
			Category:          ticket.Category,
			Location:          ticket.Location,
			SLADueDate:        ticket.SLADueDate,
			ExecutorProfileID: ticket.ExecutorProfileID,
			ExecutorID:        ticket.ExecutorID,
			CreatedBy:         ticket.CreatedBy,
			ResolvedAt:        ticket.ResolvedAt,
			CreatedAt:         ticket.CreatedAt,
			UpdatedAt:         ticket.UpdatedAt,
		},
		Attempt: item.AttemptCount,
		SentAt:  now,
	}

	if item.ActivityID != nil && *item.ActivityID != "" {
		var activity models.TicketActivity
		err := db.WithContext(ctx).Where("id = ? AND ticket_id = ?", *item.ActivityID, ticket.ID).Take(&activity).Error
		switch {
		case err == nil:
			payload.Activity = &ActivitySnapshot{
				ID:           activity.ID,
				ActivityType: activity.ActivityType,
				Comment:      activity.Comment,
				CreatedBy:    activity.CreatedBy,
				Metadata:     activity.Metadata,
				CreatedAt:    activity.CreatedAt,
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// 活动不存在时仍投递工单快照
		default:
			return nil, fmt.Errorf("load activity %s: %w", *item.ActivityID, err)
		}
	}
	return payload, nil
}

// toJSONMap 把载荷转换为可写入 jsonb 列的 map
func toJSONMap(v interface{}) (datatypes.JSONMap, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := datatypes.JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
