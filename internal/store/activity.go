package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"counterflow/queue-service/internal/models"
)

// TicketActivity is one link in a ticket's append-only audit chain.
// Each record carries the hash of its predecessor so tampering with
// historic transitions is detectable offline.
type TicketActivity struct {
	TicketID   int64           `json:"ticket_id"`
	Seq        int             `json:"seq"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	OldStatus  models.Status   `json:"old_status"`
	NewStatus  models.Status   `json:"new_status"`
	Properties json.RawMessage `json:"properties,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// ActorSystem marks activity written without a teller context, e.g.
// kiosk intake and automatic step promotion.
const ActorSystem = "system"

// ActionCreate records ticket issuance. It is not a transition and has
// no entry in the transition map.
const ActionCreate = "create"

func ComputeActivityHash(prevHash string, ticketID int64, action, actor string, oldStatus, newStatus models.Status, properties json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s|%d|%s",
		prevHash, ticketID, action, actor, oldStatus, newStatus,
		createdAt.UTC().Format(time.RFC3339Nano), seq, properties)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyActivityChain recomputes every hash in order and reports the
// first sequence number that fails, or 0 when the chain is intact.
func VerifyActivityChain(activities []TicketActivity) int {
	prev := ""
	for _, activity := range activities {
		expected := ComputeActivityHash(prev, activity.TicketID, activity.Action, activity.Actor,
			activity.OldStatus, activity.NewStatus, activity.Properties, activity.CreatedAt, activity.Seq)
		if activity.PrevHash != prev || activity.Hash != expected {
			return activity.Seq
		}
		prev = activity.Hash
	}
	return 0
}
