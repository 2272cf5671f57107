package store

import (
	"testing"

	"counterflow/queue-service/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   models.Status
		valid  bool
	}{
		{ActionGrab, models.StatusWaiting, true},
		{ActionGrab, models.StatusServing, false},
		{ActionGrab, models.StatusNoShow, false},
		{ActionFinishDone, models.StatusServing, true},
		{ActionFinishDone, models.StatusWaiting, false},
		{ActionFinishNoShow, models.StatusServing, true},
		{ActionFinishNoShow, models.StatusDone, false},
		{ActionPromote, models.StatusDone, true},
		{ActionPromote, models.StatusServing, false},
		{ActionOverride, models.StatusServing, true},
		{ActionOverride, models.StatusWaiting, false},
		{ActionReset, models.StatusServing, true},
		{ActionReset, models.StatusDone, false},
		{ActionReactivate, models.StatusNoShow, true},
		{ActionReactivate, models.StatusDone, false},
		{ActionReactivate, models.StatusWaiting, false},
		{"unknown", models.StatusWaiting, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	cases := []struct {
		action string
		want   models.Status
		ok     bool
	}{
		{ActionGrab, models.StatusServing, true},
		{ActionFinishDone, models.StatusDone, true},
		{ActionFinishNoShow, models.StatusNoShow, true},
		{ActionPromote, models.StatusWaiting, true},
		{ActionReset, models.StatusWaiting, true},
		{ActionReactivate, models.StatusWaiting, true},
		{"unknown", "", false},
	}
	for _, tt := range cases {
		got, ok := TargetStatus(tt.action)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("TargetStatus(%q)=(%q,%v), want (%q,%v)", tt.action, got, ok, tt.want, tt.ok)
		}
	}
}
