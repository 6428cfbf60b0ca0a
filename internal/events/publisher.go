package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"fmsdesk/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const EventTicketActivity = "ticket.activity"

// ActivityPublisher fans out ticket activities to downstream consumers.
// Publishing is best effort and never blocks a ticket mutation on failure.
type ActivityPublisher interface {
	PublishActivity(ctx context.Context, activity *models.TicketActivity)
}

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes activity events to a topic; without brokers it is a no-op.
type KafkaPublisher struct {
	writer messageWriter
	logger *logrus.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *logrus.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	if len(brokers) == 0 || topic == "" {
		return &KafkaPublisher{logger: logger}
	}
	return &KafkaPublisher{
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

type activityEvent struct {
	Event        string                 `json:"event"`
	ActivityID   string                 `json:"activity_id"`
	TicketID     string                 `json:"ticket_id"`
	TenantID     string                 `json:"tenant_id"`
	ActivityType string                 `json:"activity_type"`
	Comment      string                 `json:"comment"`
	CreatedBy    *string                `json:"created_by,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

func (p *KafkaPublisher) PublishActivity(ctx context.Context, activity *models.TicketActivity) {
	if p == nil || p.writer == nil || activity == nil {
		return
	}
	body, err := json.Marshal(activityEvent{
		Event:        EventTicketActivity,
		ActivityID:   activity.ID,
		TicketID:     activity.TicketID,
		TenantID:     activity.TenantID,
		ActivityType: activity.ActivityType,
		Comment:      activity.Comment,
		CreatedBy:    activity.CreatedBy,
		Metadata:     activity.Metadata,
		CreatedAt:    activity.CreatedAt,
	})
	if err != nil {
		p.logger.Warnf("kafka: marshal activity event: %v", err)
		return
	}
	// 以工单 ID 为 key，保证同一工单的事件有序
	msg := kafka.Message{Key: []byte(activity.TicketID), Value: body}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithField("ticket_id", activity.TicketID).Warnf("kafka: write activity event: %v", err)
	}
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// ParseBrokers splits "host1:9092,host2:9092" into a slice.
func ParseBrokers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishActivity(context.Context, *models.TicketActivity) {}
