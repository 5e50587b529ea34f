package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"clinic/visit-queue/internal/models"
)

type TokenEvent struct {
	TokenID   string          `json:"token_id"`
	TokenSeq  int             `json:"token_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// EventPayload is the token snapshot written with every event. Nil pointers
// mean "unchanged" when replaying.
type EventPayload struct {
	TokenID          string     `json:"token_id"`
	PatientID        string     `json:"patient_id"`
	DoctorID         string     `json:"doctor_id"`
	VisitID          *string    `json:"visit_id"`
	Origin           string     `json:"origin"`
	AppointmentID    *string    `json:"appointment_id"`
	ServiceDay       string     `json:"service_day"`
	TokenNumber      int64      `json:"token_number"`
	Priority         int        `json:"priority"`
	Status           string     `json:"status"`
	DelayReason      *string    `json:"delay_reason"`
	IssuedAt         *time.Time `json:"issued_at"`
	CalledAt         *time.Time `json:"called_at"`
	ServingStartedAt *time.Time `json:"serving_started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	MissedAt         *time.Time `json:"missed_at"`
	CancelledAt      *time.Time `json:"cancelled_at"`
	Version          int64      `json:"version"`
	RequestID        string     `json:"request_id,omitempty"`
	Actor            string     `json:"actor,omitempty"`
}

func NewEventPayload(token models.Token, requestID, actor string) EventPayload {
	issuedAt := token.IssuedAt
	return EventPayload{
		TokenID:          token.TokenID,
		PatientID:        token.PatientID,
		DoctorID:         token.DoctorID,
		VisitID:          token.VisitID,
		Origin:           token.Origin,
		AppointmentID:    token.AppointmentID,
		ServiceDay:       token.ServiceDay,
		TokenNumber:      token.TokenNumber,
		Priority:         int(token.Priority),
		Status:           token.Status,
		DelayReason:      token.DelayReason,
		IssuedAt:         &issuedAt,
		CalledAt:         token.CalledAt,
		ServingStartedAt: token.ServingStartedAt,
		CompletedAt:      token.CompletedAt,
		MissedAt:         token.MissedAt,
		CancelledAt:      token.CancelledAt,
		Version:          token.Version,
		RequestID:        requestID,
		Actor:            actor,
	}
}

func ComputeTokenEventHash(prevHash, tokenID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, tokenID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyTokenEvents checks sequence numbers and the hash chain.
func VerifyTokenEvents(events []TokenEvent) error {
	prev := ""
	for i, event := range events {
		if event.TokenSeq != i+1 {
			return fmt.Errorf("event %d: unexpected sequence %d", i+1, event.TokenSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("event %d: prev hash mismatch", event.TokenSeq)
		}
		want := ComputeTokenEventHash(prev, event.TokenID, event.Type, event.Payload, event.CreatedAt, event.TokenSeq)
		if event.Hash != want {
			return fmt.Errorf("event %d: hash mismatch", event.TokenSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateToken(events []TokenEvent) (models.Token, error) {
	var token models.Token
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload EventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Token{}, err
		}
		if payload.TokenID != "" {
			token.TokenID = payload.TokenID
		}
		if payload.PatientID != "" {
			token.PatientID = payload.PatientID
		}
		if payload.DoctorID != "" {
			token.DoctorID = payload.DoctorID
		}
		if payload.Origin != "" {
			token.Origin = payload.Origin
		}
		if payload.ServiceDay != "" {
			token.ServiceDay = payload.ServiceDay
		}
		if payload.TokenNumber != 0 {
			token.TokenNumber = payload.TokenNumber
		}
		if payload.Priority != 0 {
			token.Priority = models.Priority(payload.Priority)
		}
		if payload.Status != "" {
			token.Status = payload.Status
		}
		if payload.VisitID != nil {
			token.VisitID = payload.VisitID
		}
		if payload.AppointmentID != nil {
			token.AppointmentID = payload.AppointmentID
		}
		// delay is cleared by writing null, so the latest snapshot wins
		token.DelayReason = payload.DelayReason
		if payload.IssuedAt != nil {
			token.IssuedAt = *payload.IssuedAt
		}
		if payload.CalledAt != nil {
			token.CalledAt = payload.CalledAt
		}
		if payload.ServingStartedAt != nil {
			token.ServingStartedAt = payload.ServingStartedAt
		}
		if payload.CompletedAt != nil {
			token.CompletedAt = payload.CompletedAt
		}
		if payload.MissedAt != nil {
			token.MissedAt = payload.MissedAt
		}
		if payload.CancelledAt != nil {
			token.CancelledAt = payload.CancelledAt
		}
		if payload.Version != 0 {
			token.Version = payload.Version
		}
	}
	return token, nil
}
