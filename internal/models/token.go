package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Token struct {
	TokenID          string     `json:"token_id"`
	PatientID        string     `json:"patient_id"`
	DoctorID         string     `json:"doctor_id"`
	VisitID          *string    `json:"visit_id,omitempty"`
	Origin           string     `json:"origin"`
	AppointmentID    *string    `json:"appointment_id,omitempty"`
	ServiceDay       string     `json:"service_day"`
	TokenNumber      int64      `json:"token_number"`
	Priority         Priority   `json:"priority"`
	Status           string     `json:"status"`
	DelayReason      *string    `json:"delay_reason,omitempty"`
	IssuedAt         time.Time  `json:"issued_at"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	ServingStartedAt *time.Time `json:"serving_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	MissedAt         *time.Time `json:"missed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	RequestID        string     `json:"request_id,omitempty"`
	Version          int64      `json:"version"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

const (
	StatusWaiting   = "waiting"
	StatusReady     = "ready"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusMissed    = "missed"
	StatusCancelled = "cancelled"
)

const (
	OriginAppointment = "appointment"
	OriginWalkIn      = "walk-in"
)

// ServiceDayLayout is the calendar day format used to scope token numbers.
const ServiceDayLayout = "2006-01-02"

// IsActive reports whether status is one of the non-terminal statuses.
func IsActive(status string) bool {
	switch status {
	case StatusWaiting, StatusReady, StatusServing:
		return true
	default:
		return false
	}
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusMissed, StatusCancelled:
		return true
	default:
		return false
	}
}

func ValidStatus(status string) bool {
	return IsActive(status) || IsTerminal(status)
}

func (t Token) Delayed() bool {
	return t.DelayReason != nil
}

// Priority is the urgency rank of a token. Higher values are called first.
type Priority int

const (
	PriorityNormal Priority = 3
	PriorityHigh   Priority = 4
	PriorityUrgent Priority = 5
)

func (p Priority) Valid() bool {
	return p >= PriorityNormal && p <= PriorityUrgent
}

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "priority"
	case PriorityUrgent:
		return "urgent"
	default:
		return strconv.Itoa(int(p))
	}
}

func ParsePriority(raw string) (Priority, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "", "normal":
		return PriorityNormal, nil
	case "priority", "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("unknown priority %q", raw)
	}
	p := Priority(n)
	if !p.Valid() {
		return 0, fmt.Errorf("priority %d out of range", n)
	}
	return p, nil
}

// UnmarshalJSON accepts either the numeric rank or its name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		parsed := Priority(n)
		if !parsed.Valid() {
			return fmt.Errorf("priority %d out of range", n)
		}
		*p = parsed
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
