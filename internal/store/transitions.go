package store

import "counterflow/queue-service/internal/models"

// Every mutation names an action; the map below is the single place
// that decides which source statuses an action may fire from. Anything
// not listed is rejected with ErrInvalidState before touching a row.
var transitionMap = map[string][]models.Status{
	ActionGrab:         {models.StatusWaiting},
	ActionFinishDone:   {models.StatusServing},
	ActionFinishNoShow: {models.StatusServing},
	ActionPromote:      {models.StatusDone},
	ActionOverride:     {models.StatusServing},
	ActionReset:        {models.StatusServing},
	ActionReactivate:   {models.StatusNoShow},
}

const (
	ActionGrab         = "grab"
	ActionFinishDone   = "finish_done"
	ActionFinishNoShow = "finish_no_show"
	ActionPromote      = "promote"
	ActionOverride     = "override"
	ActionReset        = "reset"
	ActionReactivate   = "reactivate"
)

func ValidTransition(action string, from models.Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// TargetStatus is the status an action leaves the ticket in.
func TargetStatus(action string) (models.Status, bool) {
	switch action {
	case ActionGrab:
		return models.StatusServing, true
	case ActionFinishDone:
		return models.StatusDone, true
	case ActionFinishNoShow:
		return models.StatusNoShow, true
	case ActionPromote, ActionReset, ActionReactivate:
		return models.StatusWaiting, true
	case ActionOverride:
		return models.StatusServing, true
	default:
		return "", false
	}
}
