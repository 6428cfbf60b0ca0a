package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fmsdesk/internal/events"
	"fmsdesk/internal/metrics"
	"fmsdesk/internal/models"
	"fmsdesk/pkg/telegram"

	"github.com/sirupsen/logrus"
)

// ExecutorBotConfig 会话处理器配置
type ExecutorBotConfig struct {
	SessionTTL time.Duration
}

func DefaultExecutorBotConfig() ExecutorBotConfig {
	return ExecutorBotConfig{SessionTTL: 30 * time.Minute}
}

// ExecutorBot turns Telegram updates into ticket mutations for executors.
// HandleUpdate never returns an error: every failure is logged and, where a
// user is waiting, reported back in the chat.
type ExecutorBot struct {
	bot        telegram.BotAPI
	directory  *ExecutorDirectory
	tickets    *TicketStore
	sessions   *SessionStore
	onboarding OnboardingNotifier
	publisher  events.ActivityPublisher
	config     ExecutorBotConfig
	logger     *logrus.Logger
	now        func() time.Time
}

func NewExecutorBot(
	bot telegram.BotAPI,
	directory *ExecutorDirectory,
	tickets *TicketStore,
	sessions *SessionStore,
	onboarding OnboardingNotifier,
	publisher events.ActivityPublisher,
	config ExecutorBotConfig,
	logger *logrus.Logger,
) *ExecutorBot {
	if logger == nil {
		logger = logrus.New()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultExecutorBotConfig().SessionTTL
	}
	return &ExecutorBot{
		bot:        bot,
		directory:  directory,
		tickets:    tickets,
		sessions:   sessions,
		onboarding: onboarding,
		publisher:  publisher,
		config:     config,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandleUpdate 处理一条更新：callback_query 优先，其次 message，其余忽略
func (b *ExecutorBot) HandleUpdate(ctx context.Context, update *telegram.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("executor bot panic on update %d: %v", updateID(update), r)
		}
	}()
	if update == nil {
		return
	}

	switch {
	case update.CallbackQuery != nil:
		metrics.IncBotUpdate("callback_query")
		b.handleCallbackQuery(ctx, update.CallbackQuery)
	case update.Message != nil:
		metrics.IncBotUpdate("message")
		b.handleIncomingMessage(ctx, update.Message)
	default:
		metrics.IncBotUpdate("ignored")
	}
}

func updateID(u *telegram.Update) int64 {
	if u == nil {
		return 0
	}
	return u.UpdateID
}

func (b *ExecutorBot) reply(ctx context.Context, chatID int64, text string) *telegram.Message {
	return b.bot.SendMessage(ctx, telegram.SendMessageRequest{ChatID: chatID, Text: text})
}

func (b *ExecutorBot) answer(ctx context.Context, callbackID, text string) {
	b.bot.AnswerCallbackQuery(ctx, telegram.AnswerCallbackQueryRequest{CallbackQueryID: callbackID, Text: text})
}

func (b *ExecutorBot) handleIncomingMessage(ctx context.Context, msg *telegram.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	log := b.logger.WithField("chat_id", chatID)

	cmd, arg := parseCommand(text)
	if cmd == "/start" {
		if arg != "" {
			b.completeOnboarding(ctx, msg, arg)
			return
		}
		b.reply(ctx, chatID, msgStartHint)
		return
	}

	ec, err := b.directory.Resolve(ctx, chatID)
	if err != nil {
		if !errors.Is(err, ErrExecutorNotFound) {
			log.Errorf("resolve executor: %v", err)
		}
		b.reply(ctx, chatID, msgUnknownAccount)
		return
	}

	// 命令不会被当作更新内容
	if cmd == "" && b.handleUpdateSessionMessage(ctx, ec, msg, text) {
		return
	}

	if cmd == "/mytickets" {
		b.sendTicketList(ctx, ec)
		return
	}
	b.reply(ctx, chatID, msgHelp)
}

func (b *ExecutorBot) completeOnboarding(ctx context.Context, msg *telegram.Message, correlationID string) {
	chatID := msg.Chat.ID
	telegramUserID := chatID
	if msg.From != nil {
		telegramUserID = msg.From.ID
	}
	if b.onboarding == nil {
		b.logger.WithField("chat_id", chatID).Error("onboarding callback is not configured")
		b.reply(ctx, chatID, msgOnboardingFailed)
		return
	}
	err := b.onboarding.CompleteOnboarding(ctx, OnboardingCompletion{
		CorrelationID:  correlationID,
		ChatID:         chatID,
		TelegramUserID: telegramUserID,
		JoinedAt:       b.now().Format(time.RFC3339),
		Status:         "completed",
	})
	if err != nil {
		b.logger.WithFields(logrus.Fields{"chat_id": chatID, "correlation_id": correlationID}).
			Errorf("onboarding callback failed: %v", err)
		b.reply(ctx, chatID, msgOnboardingFailed)
		return
	}
	b.reply(ctx, chatID, msgOnboardingDone)
}

// handleUpdateSessionMessage consumes the message when the chat has a live
// update session. Returns false when nothing consumed it.
func (b *ExecutorBot) handleUpdateSessionMessage(ctx context.Context, ec *ExecutorContext, msg *telegram.Message, text string) bool {
	var replyTo *int64
	if msg.ReplyToMessage != nil {
		id := msg.ReplyToMessage.MessageID
		replyTo = &id
	}
	session, err := b.sessions.FindAwaiting(ctx, ec.ChatID, replyTo)
	if err != nil {
		b.logger.WithField("chat_id", ec.ChatID).Errorf("find update session: %v", err)
		return false
	}
	if session == nil {
		return false
	}
	log := b.logger.WithFields(logrus.Fields{"session_id": session.ID, "ticket_id": session.TicketID})

	ticket, err := b.tickets.GetTicket(ctx, session.TicketID)
	if err != nil {
		log.Warnf("load session ticket: %v", err)
		if errors.Is(err, ErrTicketNotFound) {
			_ = b.sessions.Transition(ctx, session, models.SessionCancelled, map[string]interface{}{"reason": "ticket_missing"})
		}
		b.reply(ctx, ec.ChatID, answerTicketNotFound)
		return true
	}
	label := ticketLabel(ticket)

	if b.now().After(session.ExpiresAt) {
		if err := b.sessions.Transition(ctx, session, models.SessionExpired, nil); err != nil {
			log.Warnf("expire session: %v", err)
		}
		b.reply(ctx, ec.ChatID, fmt.Sprintf(msgSessionExpired, label))
		return true
	}

	createdBy := ec.UserID
	activity := &models.TicketActivity{
		TicketID:     ticket.ID,
		TenantID:     ticket.TenantID,
		ActivityType: models.ActivityExecutorUpdate,
		Comment:      text,
		CreatedBy:    &createdBy,
		Metadata: map[string]interface{}{
			"source":              "telegram_bot",
			"session_id":          session.ID,
			"telegram_chat_id":    ec.ChatID,
			"telegram_message_id": msg.MessageID,
		},
	}
	if err := b.tickets.InsertActivity(ctx, activity); err != nil {
		log.Errorf("insert executor update: %v", err)
		b.reply(ctx, ec.ChatID, answerFailed)
		return true
	}
	b.publisher.PublishActivity(ctx, activity)

	if err := b.sessions.Transition(ctx, session, models.SessionCompleted, map[string]interface{}{"activity_id": activity.ID}); err != nil {
		log.Warnf("complete session: %v", err)
	}
	b.reply(ctx, ec.ChatID, fmt.Sprintf(msgUpdateCaptured, label))
	return true
}

func (b *ExecutorBot) handleCallbackQuery(ctx context.Context, cb *telegram.CallbackQuery) {
	if cb.Message == nil {
		b.answer(ctx, cb.ID, answerNotRecognized)
		return
	}
	chatID := cb.Message.Chat.ID
	log := b.logger.WithFields(logrus.Fields{"chat_id": chatID, "data": cb.Data})

	ec, err := b.directory.Resolve(ctx, chatID)
	if err != nil {
		if !errors.Is(err, ErrExecutorNotFound) {
			log.Errorf("resolve executor: %v", err)
		}
		b.answer(ctx, cb.ID, answerUnknownAccount)
		return
	}

	action, ticketID, ok := parseCallbackData(cb.Data)
	if !ok {
		b.answer(ctx, cb.ID, answerNotRecognized)
		return
	}
	if action == ActionNoop {
		b.answer(ctx, cb.ID, "")
		return
	}

	ticket, err := b.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		if !errors.Is(err, ErrTicketNotFound) {
			log.Errorf("load ticket: %v", err)
		}
		b.answer(ctx, cb.ID, answerTicketNotFound)
		return
	}
	if !ec.Owns(ticket) {
		log.WithField("user_id", ec.UserID).Warn("callback on ticket not assigned to executor")
		b.answer(ctx, cb.ID, answerNotAssigned)
		return
	}

	switch action {
	case ActionStatusInProgress:
		b.setTicketStatus(ctx, ec, cb, ticket, models.TicketInProgress)
	case ActionStatusResolved:
		b.setTicketStatus(ctx, ec, cb, ticket, models.TicketResolved)
	case ActionUpdate:
		b.startUpdateSession(ctx, ec, cb, ticket)
	default:
		b.answer(ctx, cb.ID, answerUnsupported)
	}
}

func (b *ExecutorBot) setTicketStatus(ctx context.Context, ec *ExecutorContext, cb *telegram.CallbackQuery, ticket *models.Ticket, next models.TicketStatus) {
	if ticket.Status == next {
		b.answer(ctx, cb.ID, fmt.Sprintf(answerAlreadyStatus, next.Label()))
		return
	}
	log := b.logger.WithFields(logrus.Fields{"ticket_id": ticket.ID, "from": ticket.Status, "to": next})
	previous := ticket.Status

	if err := b.tickets.UpdateStatus(ctx, ticket.ID, next); err != nil {
		log.Errorf("update ticket status: %v", err)
		b.answer(ctx, cb.ID, answerFailed)
		return
	}

	createdBy := ec.UserID
	activity := &models.TicketActivity{
		TicketID:     ticket.ID,
		TenantID:     ticket.TenantID,
		ActivityType: models.ActivityStatusChange,
		Comment:      fmt.Sprintf("Status changed from %s to %s by %s", previous.Label(), next.Label(), ec.FullName),
		CreatedBy:    &createdBy,
		Metadata: map[string]interface{}{
			"source":          "telegram_bot",
			"previous_status": string(previous),
			"new_status":      string(next),
		},
	}
	if err := b.tickets.InsertActivity(ctx, activity); err != nil {
		log.Errorf("insert status activity: %v", err)
	} else {
		b.publisher.PublishActivity(ctx, activity)
	}

	messageID := cb.Message.MessageID
	audit := &models.ExecutorTicketSession{
		TicketID:          ticket.ID,
		ExecutorProfileID: ec.ExecutorProfileID,
		ExecutorUserID:    ec.UserID,
		TelegramChatID:    ec.ChatID,
		TelegramMessageID: &messageID,
		Metadata: map[string]interface{}{
			"previous_status": string(previous),
			"new_status":      string(next),
		},
	}
	if err := b.sessions.RecordStatusChange(ctx, audit); err != nil {
		log.Warnf("record status change session: %v", err)
	}

	updated, err := b.tickets.GetTicket(ctx, ticket.ID)
	if err != nil {
		log.Warnf("reload ticket: %v", err)
		updated = ticket
		updated.Status = next
	}

	switch next {
	case models.TicketResolved:
		b.bot.DeleteMessage(ctx, ec.ChatID, messageID)
		b.reply(ctx, ec.ChatID, fmt.Sprintf(msgTicketResolved, ticketLabel(updated)))
	default:
		b.bot.EditMessageText(ctx, telegram.EditMessageTextRequest{
			ChatID:      ec.ChatID,
			MessageID:   messageID,
			Text:        formatTicketBlock(updated),
			ParseMode:   telegram.ParseModeHTML,
			ReplyMarkup: ticketKeyboard(updated),
		})
	}
	b.answer(ctx, cb.ID, fmt.Sprintf(answerStatusUpdated, next.Label()))
}

func (b *ExecutorBot) startUpdateSession(ctx context.Context, ec *ExecutorContext, cb *telegram.CallbackQuery, ticket *models.Ticket) {
	log := b.logger.WithFields(logrus.Fields{"ticket_id": ticket.ID, "chat_id": ec.ChatID})

	if n, err := b.sessions.CancelAwaiting(ctx, ticket.ID, ec.ChatID); err != nil {
		log.Errorf("cancel previous sessions: %v", err)
		b.answer(ctx, cb.ID, answerFailed)
		return
	} else if n > 0 {
		log.Debugf("cancelled %d previous update sessions", n)
	}

	prompt := b.bot.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID: ec.ChatID,
		Text:   fmt.Sprintf(msgUpdatePrompt, ticketLabel(ticket)),
		ReplyMarkup: &telegram.ForceReply{
			ForceReply:            true,
			InputFieldPlaceholder: "Describe the work done",
		},
	})
	if prompt == nil {
		b.answer(ctx, cb.ID, answerPromptFailed)
		return
	}

	messageID := cb.Message.MessageID
	promptID := prompt.MessageID
	session := &models.ExecutorTicketSession{
		TicketID:          ticket.ID,
		ExecutorProfileID: ec.ExecutorProfileID,
		ExecutorUserID:    ec.UserID,
		TelegramChatID:    ec.ChatID,
		TelegramMessageID: &messageID,
		PromptMessageID:   &promptID,
		SessionType:       models.SessionTypeUpdate,
		State:             models.SessionAwaitingInput,
		ExpiresAt:         b.now().Add(b.config.SessionTTL),
	}
	if err := b.sessions.Create(ctx, session); err != nil {
		log.Errorf("create update session: %v", err)
		b.answer(ctx, cb.ID, answerFailed)
		return
	}
	b.answer(ctx, cb.ID, answerReplyPrompt)
}

func (b *ExecutorBot) sendTicketList(ctx context.Context, ec *ExecutorContext) {
	tickets, err := b.tickets.ListOpenForExecutor(ctx, ec.ExecutorProfileID, ec.UserID)
	if err != nil {
		b.logger.WithField("chat_id", ec.ChatID).Errorf("list tickets: %v", err)
		b.reply(ctx, ec.ChatID, answerFailed)
		return
	}
	if len(tickets) == 0 {
		b.reply(ctx, ec.ChatID, msgNoTickets)
		return
	}

	b.reply(ctx, ec.ChatID, fmt.Sprintf("You have %d open ticket(s):", len(tickets)))
	for i := range tickets {
		t := &tickets[i]
		b.bot.SendMessage(ctx, telegram.SendMessageRequest{
			ChatID:      ec.ChatID,
			Text:        formatTicketBlock(t),
			ParseMode:   telegram.ParseModeHTML,
			ReplyMarkup: ticketKeyboard(t),
		})
	}
}
