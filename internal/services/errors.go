package services

import "errors"

var (
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrExecutorNotFound    = errors.New("executor account not found")
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrCorrelationNotFound = errors.New("onboarding correlation id not found")
	ErrNotAssigned         = errors.New("ticket is not assigned to executor")
	ErrInvalidTransition   = errors.New("invalid state transition")
)
