package store

import (
	"errors"
	"testing"

	"clinic/visit-queue/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{ActionMarkReady, "waiting", true},
		{ActionMarkReady, "serving", false},
		{ActionUnmarkReady, "ready", true},
		{ActionUnmarkReady, "waiting", false},
		{ActionCallNext, "waiting", true},
		{ActionCallNext, "ready", false},
		{ActionStart, "ready", true},
		{ActionStart, "waiting", false},
		{ActionCallNextAndStart, "waiting", true},
		{ActionCallNextAndStart, "ready", false},
		{ActionCallNextAndStart, "serving", false},
		{ActionComplete, "serving", true},
		{ActionComplete, "waiting", false},
		{ActionForceEnd, "serving", true},
		{ActionMarkMissed, "waiting", true},
		{ActionMarkMissed, "ready", true},
		{ActionMarkMissed, "serving", false},
		{ActionCancel, "waiting", true},
		{ActionCancel, "ready", true},
		{ActionCancel, "serving", true},
		{ActionCancel, "completed", false},
		{ActionCancel, "missed", false},
		{ActionSetDelay, "ready", true},
		{ActionSetDelay, "serving", false},
		{ActionSetPriority, "waiting", true},
		{ActionSetPriority, "completed", false},
		{ActionAttachVisit, "serving", true},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestAlreadyApplied(t *testing.T) {
	cases := []struct {
		action string
		status string
		want   bool
	}{
		{ActionMarkReady, models.StatusReady, true},
		{ActionMarkReady, models.StatusWaiting, false},
		{ActionUnmarkReady, models.StatusWaiting, true},
		{ActionCancel, models.StatusCancelled, true},
		{ActionComplete, models.StatusCompleted, true},
		{ActionMarkMissed, models.StatusMissed, true},
		{ActionCallNext, models.StatusReady, false},
		{ActionCallNextAndStart, models.StatusServing, false},
	}
	for _, tt := range cases {
		if got := AlreadyApplied(tt.action, tt.status); got != tt.want {
			t.Fatalf("AlreadyApplied(%q, %q)=%v, want %v", tt.action, tt.status, got, tt.want)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	if status, ok := TargetStatus(ActionCallNextAndStart); !ok || status != models.StatusServing {
		t.Fatalf("expected serving, got %q", status)
	}
	if _, ok := TargetStatus(ActionSetDelay); ok {
		t.Fatalf("expected annotation action to have no target status")
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	var err error = &TransitionError{From: models.StatusWaiting, Attempted: ActionComplete}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error to match ErrInvalidTransition")
	}
	err = &ActiveConsultationError{Active: models.Token{TokenNumber: 4}}
	if !errors.Is(err, ErrActiveConsultationExists) {
		t.Fatalf("expected active consultation error to match sentinel")
	}
	var active *ActiveConsultationError
	if !errors.As(err, &active) || active.Active.TokenNumber != 4 {
		t.Fatalf("expected active token payload")
	}
	err = &CapacityError{Decision: models.Decision{Reason: "queue full"}}
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity error to match sentinel")
	}
}
