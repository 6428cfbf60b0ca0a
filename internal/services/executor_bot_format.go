package services

import (
	"fmt"
	"html"
	"strings"

	"fmsdesk/internal/models"
	"fmsdesk/pkg/telegram"
)

// 回调数据格式 "<action>|<ticketId>"
const (
	ActionStatusInProgress = "status_in_progress"
	ActionStatusResolved   = "status_resolved"
	ActionUpdate           = "update"
	ActionNoop             = "noop"
)

func callbackData(action, ticketID string) string {
	return action + "|" + ticketID
}

// parseCallbackData 解析回调数据，必须恰好两段且都非空
func parseCallbackData(data string) (action, ticketID string, ok bool) {
	parts := strings.Split(data, "|")
	if len(parts) != 2 {
		return "", "", false
	}
	action, ticketID = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if action == "" || ticketID == "" {
		return "", "", false
	}
	return action, ticketID, true
}

func ticketLabel(t *models.Ticket) string {
	if t.TicketNumber != "" {
		return t.TicketNumber
	}
	return t.ID
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// formatTicketBlock renders one ticket as an HTML message body.
func formatTicketBlock(t *models.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>🎫 %s</b>\n", html.EscapeString(ticketLabel(t)))
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(orDash(t.Title)))
	fmt.Fprintf(&b, "Status: %s\n", html.EscapeString(t.Status.Label()))
	fmt.Fprintf(&b, "Priority: %s\n", html.EscapeString(capitalize(orDash(t.Priority))))
	fmt.Fprintf(&b, "Location: %s", html.EscapeString(orDash(t.Location)))
	if t.SLADueDate != nil {
		fmt.Fprintf(&b, "\nSLA due: %s", t.SLADueDate.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return b.String()
}

// ticketKeyboard 状态按钮在工单已解决/关闭后不再显示；In Progress 状态下按钮变为 noop
func ticketKeyboard(t *models.Ticket) *telegram.InlineKeyboardMarkup {
	var rows [][]telegram.InlineKeyboardButton
	if !t.Status.IsFinished() {
		progress := telegram.InlineKeyboardButton{Text: "Mark In Progress", CallbackData: callbackData(ActionStatusInProgress, t.ID)}
		if t.Status == models.TicketInProgress {
			progress = telegram.InlineKeyboardButton{Text: "✅ In Progress", CallbackData: callbackData(ActionNoop, t.ID)}
		}
		rows = append(rows, []telegram.InlineKeyboardButton{
			progress,
			{Text: "Resolved", CallbackData: callbackData(ActionStatusResolved, t.ID)},
		})
	}
	rows = append(rows, []telegram.InlineKeyboardButton{
		{Text: "📝 Update", CallbackData: callbackData(ActionUpdate, t.ID)},
	})
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// parseCommand splits "/start@MyBot abc" into ("/start", "abc").
func parseCommand(text string) (cmd, arg string) {
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	fields := strings.SplitN(text, " ", 2)
	cmd = fields[0]
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	return strings.ToLower(cmd), arg
}

const (
	msgOnboardingDone   = "✅ Your Telegram account is now connected. You will receive your ticket assignments here."
	msgOnboardingFailed = "❌ We could not complete your Telegram connection. Please open the invite link again or contact your administrator."
	msgStartHint        = "👋 You are already connected. Use /mytickets to see your open tickets."
	msgUnknownAccount   = "We could not find an executor account linked to this chat. Please complete onboarding from your invite link."
	msgHelp             = "Available commands:\n/mytickets - list your open tickets\n\nUse the buttons under a ticket to change its status or send an update."
	msgNoTickets        = "🎉 You have no open tickets. Great job!"
	msgUpdatePrompt     = "Please reply with your update for ticket %s."
	msgUpdateCaptured   = "Update captured for ticket %s. Thank you!"
	msgSessionExpired   = "⏰ Your update session for ticket %s has expired. Tap \"Update\" on the ticket again to start a new one."
	msgTicketResolved   = "✅ Ticket %s marked as Resolved."

	answerUnknownAccount = "Executor account not found."
	answerNotRecognized  = "Action not recognized."
	answerTicketNotFound = "Ticket not found."
	answerNotAssigned    = "This ticket is not assigned to you."
	answerUnsupported    = "Unsupported action."
	answerAlreadyStatus  = "Ticket already %s."
	answerStatusUpdated  = "Status updated to %s."
	answerReplyPrompt    = "Reply to the prompt with your update."
	answerPromptFailed   = "Could not start the update. Please try again."
	answerFailed         = "Something went wrong. Please try again."
)
