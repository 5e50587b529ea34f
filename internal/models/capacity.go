package models

import "time"

type WorkingWindow struct {
	DoctorID          string    `json:"doctor_id"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	MaxPatientsPerDay int       `json:"max_patients_per_day"`
}

// Contains reports whether at falls inside [Start, End).
func (w WorkingWindow) Contains(at time.Time) bool {
	return !at.Before(w.Start) && at.Before(w.End)
}

type Decision struct {
	CanAccept         bool           `json:"can_accept"`
	Reason            string         `json:"reason,omitempty"`
	AvailableSlots    int            `json:"available_slots"`
	CurrentQueue      int            `json:"current_queue"`
	MaxPatientsPerDay int            `json:"max_patients_per_day"`
	Window            *WorkingWindow `json:"working_window,omitempty"`
}
