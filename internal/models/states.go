package models

// TicketStatus 工单状态
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in-progress"
	TicketResolved   TicketStatus = "resolved"
	TicketClosed     TicketStatus = "closed"
)

// Label 用于聊天消息中的人类可读名称
func (s TicketStatus) Label() string {
	switch s {
	case TicketOpen:
		return "Open"
	case TicketInProgress:
		return "In Progress"
	case TicketResolved:
		return "Resolved"
	case TicketClosed:
		return "Closed"
	default:
		return string(s)
	}
}

// IsFinished reports whether the ticket no longer needs executor work.
func (s TicketStatus) IsFinished() bool {
	return s == TicketResolved || s == TicketClosed
}

// SessionType 会话类型
type SessionType string

const (
	SessionTypeUpdate       SessionType = "update"
	SessionTypeStatusChange SessionType = "status_change"
)

// SessionState 会话状态机：awaiting_input -> completed | cancelled | expired
type SessionState string

const (
	SessionAwaitingInput SessionState = "awaiting_input"
	SessionCompleted     SessionState = "completed"
	SessionCancelled     SessionState = "cancelled"
	SessionExpired       SessionState = "expired"
)

func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionExpired:
		return true
	case SessionAwaitingInput:
		return false
	default:
		return true
	}
}

// CanTransitionTo reports whether moving from s to next is legal.
// Terminal states are final.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	switch s {
	case SessionAwaitingInput:
		switch next {
		case SessionCompleted, SessionCancelled, SessionExpired:
			return true
		}
		return false
	case SessionCompleted, SessionCancelled, SessionExpired:
		return false
	default:
		return false
	}
}

// QueueStatus webhook 队列项状态
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueDelivered  QueueStatus = "delivered"
	QueueFailed     QueueStatus = "failed"
	QueueDeadLetter QueueStatus = "dead_letter"
)

// Claimable 返回可以被处理器认领的状态
func Claimable() []QueueStatus {
	return []QueueStatus{QueuePending, QueueFailed}
}

func (s QueueStatus) CanTransitionTo(next QueueStatus) bool {
	switch s {
	case QueuePending, QueueFailed:
		return next == QueueProcessing
	case QueueProcessing:
		switch next {
		case QueueDelivered, QueueFailed, QueueDeadLetter, QueuePending:
			return true
		}
		return false
	case QueueDelivered, QueueDeadLetter:
		return false
	default:
		return false
	}
}
