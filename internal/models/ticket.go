package models

import (
	"fmt"
	"time"
)

// Ticket is a single customer visit. Step promotion mutates the same
// row: the step-1 leg is retained in the *Step1 fields so reporting can
// separate step-1 and step-2 timing.
type Ticket struct {
	ID                int64      `json:"id"`
	Number            int        `json:"number"`
	DisplayNumber     string     `json:"display_number"`
	TransactionTypeID string     `json:"transaction_type_id"`
	IsPriority        bool       `json:"is_priority"`
	Step              int        `json:"step"`
	Status            Status     `json:"status"`
	TellerID          *string    `json:"teller_id,omitempty"`
	ServiceDay        time.Time  `json:"service_day"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	TellerIDStep1     *string    `json:"teller_id_step1,omitempty"`
	StartedAtStep1    *time.Time `json:"started_at_step1,omitempty"`
	FinishedAtStep1   *time.Time `json:"finished_at_step1,omitempty"`
	RequestID         string     `json:"request_id,omitempty"`
}

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusServing Status = "serving"
	StatusDone    Status = "done"
	StatusNoShow  Status = "no_show"
)

// Outcome is the teller-chosen result of a finish action.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeNoShow Outcome = "no_show"
)

func (o Outcome) Valid() bool {
	return o == OutcomeDone || o == OutcomeNoShow
}

const (
	StepOne = 1
	StepTwo = 2

	// MaxSequence bounds the per-day, per-class number space; the
	// display format is a single class letter plus four digits.
	MaxSequence      = 9999
	displayNumberPad = 4
	priorityPrefix   = "P"
	regularPrefix    = "R"
)

// FormatDisplayNumber renders the public board label for a sequence
// value, e.g. P0007 or R0042.
func FormatDisplayNumber(number int, isPriority bool) string {
	prefix := regularPrefix
	if isPriority {
		prefix = priorityPrefix
	}
	return fmt.Sprintf("%s%0*d", prefix, displayNumberPad, number)
}

func ValidStep(step int) bool {
	return step == StepOne || step == StepTwo
}
