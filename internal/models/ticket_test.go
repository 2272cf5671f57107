package models

import "testing"

func TestFormatDisplayNumber(t *testing.T) {
	cases := []struct {
		number     int
		isPriority bool
		want       string
	}{
		{1, true, "P0001"},
		{1, false, "R0001"},
		{42, false, "R0042"},
		{9999, true, "P9999"},
		{123, true, "P0123"},
	}
	for _, tt := range cases {
		if got := FormatDisplayNumber(tt.number, tt.isPriority); got != tt.want {
			t.Fatalf("FormatDisplayNumber(%d, %v)=%q, want %q", tt.number, tt.isPriority, got, tt.want)
		}
	}
}

func TestTellerServesStep(t *testing.T) {
	teller := Teller{ServesStep1: true}
	if !teller.ServesStep(StepOne) {
		t.Fatalf("expected step 1 allowed")
	}
	if teller.ServesStep(StepTwo) {
		t.Fatalf("expected step 2 denied")
	}
	if teller.ServesStep(3) {
		t.Fatalf("expected unknown step denied")
	}
}

func TestOutcomeValid(t *testing.T) {
	if !OutcomeDone.Valid() || !OutcomeNoShow.Valid() {
		t.Fatalf("expected done and no_show to be valid outcomes")
	}
	if Outcome("cancelled").Valid() {
		t.Fatalf("expected cancelled to be invalid")
	}
}
