package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"fmsdesk/internal/metrics"
	"fmsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxLastErrorLen = 500

// WebhookQueueConfig 队列处理参数
type WebhookQueueConfig struct {
	Batch          int
	RequestTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int // 0 表示无限重试
	PollInterval   time.Duration
}

func DefaultWebhookQueueConfig() WebhookQueueConfig {
	return WebhookQueueConfig{
		Batch:          10,
		RequestTimeout: 10 * time.Second,
		BaseBackoff:    30 * time.Second,
		MaxBackoff:     time.Hour,
	}
}

// ProcessResult 单次处理的统计
type ProcessResult struct {
	Processed int `json:"processed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// WebhookQueue delivers queued ticket activity to tenant automation endpoints,
// at least once. Claiming a row is a conditional update; a processor that
// loses the race skips the row.
type WebhookQueue struct {
	db     *gorm.DB
	sender WebhookSender
	config WebhookQueueConfig
	logger *logrus.Logger
	now    func() time.Time
}

func NewWebhookQueue(db *gorm.DB, sender WebhookSender, config WebhookQueueConfig, logger *logrus.Logger) *WebhookQueue {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultWebhookQueueConfig()
	if config.Batch <= 0 {
		config.Batch = def.Batch
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = def.BaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if sender == nil {
		sender = NewHTTPWebhookSender(config.RequestTimeout, "")
	}
	return &WebhookQueue{
		db:     db,
		sender: sender,
		config: config,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BackoffDelay = min(base * 2^(attempt-1), max)
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ProcessPending runs one pass over due rows, oldest first.
func (q *WebhookQueue) ProcessPending(ctx context.Context) (ProcessResult, error) {
	var result ProcessResult
	now := q.now()

	var due []models.WebhookQueueItem
	err := q.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?", models.Claimable(), now).
		Order("created_at ASC").
		Limit(q.config.Batch).
		Find(&due).Error
	if err != nil {
		return result, fmt.Errorf("select due queue items: %w", err)
	}
	if len(due) == 0 {
		return result, nil
	}

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		item, err := q.claim(ctx, due[i].ID, now)
		if err != nil {
			q.logger.WithField("queue_id", due[i].ID).Errorf("claim queue item: %v", err)
			continue
		}
		if item == nil {
			continue
		}
		result.Processed++
		if q.processItem(ctx, item) {
			result.Delivered++
		} else {
			result.Failed++
		}
	}

	q.logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"delivered": result.Delivered,
		"failed":    result.Failed,
	}).Info("webhook queue pass finished")
	return result, nil
}

// claim flips a due row to processing and bumps attempt_count. Returns nil
// when another processor got there first.
func (q *WebhookQueue) claim(ctx context.Context, id string, now time.Time) (*models.WebhookQueueItem, error) {
	res := q.db.WithContext(ctx).Model(&models.WebhookQueueItem{}).
		Where("id = ? AND status IN ? AND next_attempt_at <= ?", id, models.Claimable(), now).
		Updates(map[string]interface{}{
			"status":        models.QueueProcessing,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    q.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	var item models.WebhookQueueItem
	if err := q.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		return nil, fmt.Errorf("reload claimed item: %w", err)
	}
	return &item, nil
}

// processItem returns true when the row ended up delivered.
func (q *WebhookQueue) processItem(ctx context.Context, item *models.WebhookQueueItem) bool {
	log := q.logger.WithFields(logrus.Fields{"queue_id": item.ID, "ticket_id": item.TicketID, "attempt": item.AttemptCount})

	var tenant models.Tenant
	err := q.db.WithContext(ctx).Where("id = ?", item.TenantID).Take(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = fmt.Errorf("%w: %s", ErrTenantNotFound, item.TenantID)
	}
	if err != nil {
		q.markFailed(ctx, item, err, nil)
		return false
	}

	url := ""
	if tenant.AutomationWebhookURL != nil {
		url = strings.TrimSpace(*tenant.AutomationWebhookURL)
	}
	if url == "" {
		// 租户未配置 webhook：视为投递成功
		metrics.IncDelivery("skipped")
		return q.markDelivered(ctx, item, nil) == nil
	}

	payload, err := BuildPayload(ctx, q.db, item, &tenant, q.now())
	if err != nil {
		q.markFailed(ctx, item, err, nil)
		return false
	}
	body, err := json.Marshal(payload)
	if err != nil {
		q.markFailed(ctx, item, fmt.Errorf("marshal payload: %w", err), nil)
		return false
	}

	if err := q.sender.Send(ctx, url, body); err != nil {
		log.Warnf("webhook delivery failed: %v", err)
		q.markFailed(ctx, item, err, payload)
		return false
	}
	if err := q.markDelivered(ctx, item, payload); err != nil {
		log.Errorf("mark delivered: %v", err)
		return false
	}
	log.Debug("webhook delivered")
	return true
}

func (q *WebhookQueue) markDelivered(ctx context.Context, item *models.WebhookQueueItem, payload *TicketPayload) error {
	if !item.Status.CanTransitionTo(models.QueueDelivered) {
		return fmt.Errorf("%w: queue item %s %s -> %s", ErrInvalidTransition, item.ID, item.Status, models.QueueDelivered)
	}
	now := q.now()
	updates := map[string]interface{}{
		"status":       models.QueueDelivered,
		"payload":      nil,
		"last_error":   nil,
		"delivered_at": now,
		"updated_at":   now,
	}
	if payload != nil {
		m, err := toJSONMap(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		updates["payload"] = m
	}
	if err := q.transition(ctx, item, updates); err != nil {
		return err
	}
	item.Status = models.QueueDelivered
	if payload != nil {
		metrics.IncDelivery("delivered")
	}
	return nil
}

// markFailed schedules the next attempt, or dead-letters the row once
// MaxAttempts is reached.
func (q *WebhookQueue) markFailed(ctx context.Context, item *models.WebhookQueueItem, cause error, payload *TicketPayload) {
	next := models.QueueFailed
	if q.config.MaxAttempts > 0 && item.AttemptCount >= q.config.MaxAttempts {
		next = models.QueueDeadLetter
	}
	log := q.logger.WithFields(logrus.Fields{"queue_id": item.ID, "attempt": item.AttemptCount, "status": next})
	if !item.Status.CanTransitionTo(next) {
		log.Errorf("illegal queue transition from %s", item.Status)
		return
	}

	now := q.now()
	msg := truncateError(cause.Error(), maxLastErrorLen)
	updates := map[string]interface{}{
		"status":          next,
		"last_error":      msg,
		"next_attempt_at": now.Add(BackoffDelay(item.AttemptCount, q.config.BaseBackoff, q.config.MaxBackoff)),
		"updated_at":      now,
	}
	if payload != nil {
		if m, err := toJSONMap(payload); err == nil {
			updates["payload"] = m
		}
	}
	if err := q.transition(ctx, item, updates); err != nil {
		log.Errorf("mark failed: %v", err)
		return
	}
	item.Status = next
	item.LastError = &msg
	metrics.IncDelivery(string(next))
	log.Warnf("queue item failed: %s", msg)
}

// transition 只更新仍处于 processing 的行
func (q *WebhookQueue) transition(ctx context.Context, item *models.WebhookQueueItem, updates map[string]interface{}) error {
	res := q.db.WithContext(ctx).Model(&models.WebhookQueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.QueueProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update queue item %s: %w", item.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: queue item %s is no longer processing", ErrInvalidTransition, item.ID)
	}
	return nil
}

func truncateError(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Requeue puts rows stuck in processing for longer than stuckFor back to
// pending, due immediately. A crash between claim and mark leaves them there.
func (q *WebhookQueue) Requeue(ctx context.Context, stuckFor time.Duration) (int64, error) {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.WebhookQueueItem{}).
		Where("status = ? AND updated_at <= ?", models.QueueProcessing, now.Add(-stuckFor)).
		Updates(map[string]interface{}{
			"status":          models.QueuePending,
			"next_attempt_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue stuck items: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Infof("Requeued %d stuck webhook queue items", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// EnqueueSnapshot queues a ticket-level snapshot with no activity attached.
func (q *WebhookQueue) EnqueueSnapshot(ctx context.Context, ticketID string) (*models.WebhookQueueItem, error) {
	var ticket models.Ticket
	err := q.db.WithContext(ctx).Where("id = ?", ticketID).Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", ticketID, err)
	}
	item := &models.WebhookQueueItem{
		TicketID:      ticket.ID,
		TenantID:      ticket.TenantID,
		Status:        models.QueuePending,
		NextAttemptAt: q.now(),
	}
	if err := q.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("enqueue snapshot for %s: %w", ticketID, err)
	}
	return item, nil
}

// Run 按 PollInterval 周期执行 ProcessPending，直到 ctx 结束
func (q *WebhookQueue) Run(ctx context.Context) {
	if q.config.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()
	q.logger.Infof("webhook queue poller started (interval %s)", q.config.PollInterval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("webhook queue poller stopped")
			return
		case <-ticker.C:
			if _, err := q.ProcessPending(ctx); err != nil {
				q.logger.Errorf("webhook queue pass: %v", err)
			}
		}
	}
}
