package store

import (
	"encoding/json"
	"testing"
	"time"

	"clinic/visit-queue/internal/models"
)

func buildChain(t *testing.T, snapshots []models.Token, types []string) []TokenEvent {
	t.Helper()
	var events []TokenEvent
	prev := ""
	base := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
	for i, snap := range snapshots {
		payload, err := json.Marshal(NewEventPayload(snap, "", "nurse-1"))
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		createdAt := base.Add(time.Duration(i) * time.Minute)
		hash := ComputeTokenEventHash(prev, snap.TokenID, types[i], payload, createdAt, i+1)
		events = append(events, TokenEvent{
			TokenID:   snap.TokenID,
			TokenSeq:  i + 1,
			Type:      types[i],
			Payload:   payload,
			CreatedAt: createdAt,
			PrevHash:  prev,
			Hash:      hash,
		})
		prev = hash
	}
	return events
}

func TestRehydrateTokenReplaysHistory(t *testing.T) {
	issued := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
	called := issued.Add(5 * time.Minute)
	reason := "stepped out"

	waiting := models.Token{
		TokenID:     "tok-1",
		PatientID:   "pat-1",
		DoctorID:    "doc-1",
		Origin:      models.OriginWalkIn,
		ServiceDay:  "2026-01-12",
		TokenNumber: 7,
		Priority:    models.PriorityNormal,
		Status:      models.StatusWaiting,
		IssuedAt:    issued,
		Version:     1,
	}
	delayed := waiting
	delayed.DelayReason = &reason
	delayed.Version = 2
	ready := delayed
	ready.DelayReason = nil
	ready.Status = models.StatusReady
	ready.CalledAt = &called
	ready.Version = 3

	events := buildChain(t, []models.Token{waiting, delayed, ready}, []string{"token.issued", "token.delayed", "token.called"})
	if err := VerifyTokenEvents(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}

	token, err := RehydrateToken(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if token.Status != models.StatusReady {
		t.Fatalf("expected ready, got %s", token.Status)
	}
	if token.DelayReason != nil {
		t.Fatalf("expected delay to be cleared")
	}
	if token.CalledAt == nil || !token.CalledAt.Equal(called) {
		t.Fatalf("expected called_at %v, got %v", called, token.CalledAt)
	}
	if token.TokenNumber != 7 || token.Version != 3 {
		t.Fatalf("unexpected token number/version: %d/%d", token.TokenNumber, token.Version)
	}
}

func TestVerifyTokenEventsDetectsTampering(t *testing.T) {
	tok := models.Token{TokenID: "tok-1", Status: models.StatusWaiting, Priority: models.PriorityNormal}
	cancelled := tok
	cancelled.Status = models.StatusCancelled
	events := buildChain(t, []models.Token{tok, cancelled}, []string{"token.issued", "token.cancelled"})

	events[1].Payload = json.RawMessage(`{"status":"completed"}`)
	if err := VerifyTokenEvents(events); err == nil {
		t.Fatalf("expected tampered payload to fail verification")
	}
}
