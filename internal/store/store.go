package store

import (
	"context"
	"encoding/json"
	"time"

	"clinic/visit-queue/internal/models"
)

type CreateTokenInput struct {
	RequestID         string
	PatientID         string
	DoctorID          string
	ServiceDay        string
	Origin            string
	AppointmentID     string
	VisitID           string
	Priority          models.Priority
	Status            string
	MaxPatientsPerDay int
	IssuedAt          time.Time
	Actor             string
}

// UpdateTokenInput replaces the mutable fields of a token when its stored
// version still equals ExpectedVersion.
type UpdateTokenInput struct {
	Token           models.Token
	ExpectedVersion int64
	Action          string
	EventType       string
	RequestID       string
	Actor           string
	OccurredAt      time.Time
}

type TokenStore interface {
	CreateToken(ctx context.Context, input CreateTokenInput) (models.Token, bool, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	ListActiveForDoctor(ctx context.Context, doctorID, serviceDay string) ([]models.Token, error)
	ListForDoctorDay(ctx context.Context, doctorID, serviceDay string) ([]models.Token, error)
	UpdateToken(ctx context.Context, input UpdateTokenInput) (models.Token, error)
	FindActiveByAppointment(ctx context.Context, appointmentID string) (models.Token, error)
	FindServingForDoctor(ctx context.Context, doctorID string) (models.Token, bool, error)
	ListStaleReady(ctx context.Context, calledBefore time.Time, limit int) ([]models.Token, error)
	FindActionRequest(ctx context.Context, action, requestID string) (models.Token, bool, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
	ListTokenEvents(ctx context.Context, tokenID string) ([]TokenEvent, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	DoctorID  string          `json:"doctor_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
