package store

import (
	"context"
	"time"

	"counterflow/queue-service/internal/models"
)

type CreateTicketInput struct {
	RequestID         string
	TransactionTypeID string
	IsPriority        bool
	CreatedAt         time.Time
}

// PickFilters narrows the queue a teller pulls from. Nil fields mean
// no constraint.
type PickFilters struct {
	TransactionTypeID string
	IsPriority        *bool
}

type GrabInput struct {
	RequestID string
	TellerID  string
	Step      int
	Filters   PickFilters
	GrabbedAt time.Time
}

type FinishInput struct {
	RequestID  string
	TellerID   string
	TicketID   int64
	Outcome    models.Outcome
	FinishedAt time.Time
}

type OverrideInput struct {
	RequestID            string
	TicketID             int64
	NewTellerID          string
	NewTransactionTypeID string
	Reason               string
	OccurredAt           time.Time
}

type ResetInput struct {
	RequestID string
	TellerID  string
	Step      int
}

type ReactivateInput struct {
	RequestID string
	TellerID  string
	TicketID  int64
}

// BoardSnapshot is the public display read model. Serving is capped
// for layout; Waiting is the full eligible queue in pick order.
type BoardSnapshot struct {
	Serving     []models.Ticket `json:"serving"`
	Waiting     []models.Ticket `json:"waiting"`
	GeneratedAt time.Time       `json:"generated_at"`
}

type Session struct {
	SessionID string
	Teller    models.Teller
	ExpiresAt time.Time
}

type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error)
	NextTicket(ctx context.Context, input GrabInput) (models.Ticket, bool, error)
	FinishTicket(ctx context.Context, input FinishInput) (models.Ticket, bool, error)
	OverrideTicket(ctx context.Context, input OverrideInput) (models.Ticket, bool, error)
	ResetTeller(ctx context.Context, input ResetInput) (models.Ticket, bool, error)
	ActiveTicket(ctx context.Context, tellerID string, step int) (models.Ticket, bool, error)
	BoardSnapshot(ctx context.Context, step int) (BoardSnapshot, error)
	SearchNoShow(ctx context.Context, query string, step int) ([]models.Ticket, error)
	ReactivateTicket(ctx context.Context, input ReactivateInput) (models.Ticket, bool, error)
	ListTicketActivities(ctx context.Context, ticketID int64) ([]TicketActivity, error)
	ListTransactionTypes(ctx context.Context) ([]models.TransactionType, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}
