package store

import "errors"

var (
	ErrNoTicket                = errors.New("no ticket available")
	ErrAlreadyClaimed          = errors.New("ticket already claimed")
	ErrTicketNotFound          = errors.New("ticket not found")
	ErrTellerNotFound          = errors.New("teller not found")
	ErrTransactionTypeNotFound = errors.New("transaction type not found")
	ErrInvalidState            = errors.New("invalid ticket state")
	ErrTellerMismatch          = errors.New("ticket assigned to different teller")
	ErrStepNotAllowed          = errors.New("teller may not serve this step or transaction type")
	ErrSequenceExhausted       = errors.New("ticket number sequence exhausted for the day")
	ErrSessionNotFound         = errors.New("session not found")
	ErrAccessDenied            = errors.New("access denied")
)
