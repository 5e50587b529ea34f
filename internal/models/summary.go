package models

import "time"

type Summary struct {
	DoctorID                   string    `json:"doctor_id"`
	ServiceDay                 string    `json:"service_day"`
	WaitingCount               int       `json:"waiting_count"`
	ReadyCount                 int       `json:"ready_count"`
	DelayedCount               int       `json:"delayed_count"`
	ServingToken               *Token    `json:"serving_token,omitempty"`
	CompletedTodayCount        int       `json:"completed_today_count"`
	MissedTodayCount           int       `json:"missed_today_count"`
	CancelledTodayCount        int       `json:"cancelled_today_count"`
	AverageConsultationSeconds int64     `json:"average_consultation_seconds"`
	NextUpWaitEstimateSeconds  int64     `json:"next_up_wait_estimate_seconds"`
	GeneratedAt                time.Time `json:"generated_at"`
}

type WaitEstimate struct {
	TokenID         string `json:"token_id"`
	TokenNumber     int64  `json:"token_number"`
	Position        int    `json:"position"`
	EstimateSeconds int64  `json:"estimate_seconds"`
}

type QueueStatus struct {
	DoctorID   string         `json:"doctor_id"`
	ServiceDay string         `json:"service_day"`
	Tokens     []Token        `json:"tokens"`
	Summary    Summary        `json:"summary"`
	Estimates  []WaitEstimate `json:"estimates"`
}
