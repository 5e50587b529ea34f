// Package capacity decides whether a doctor can admit another token.
package capacity

import (
	"time"

	"clinic/visit-queue/internal/models"
)

const (
	ReasonNotScheduled = "not scheduled today/right now"
	ReasonQueueFull    = "queue full"
)

type Input struct {
	Window            *models.WorkingWindow
	Now               time.Time
	Depth             int
	MaxPatientsPerDay int
}

func Evaluate(in Input) models.Decision {
	if in.Window == nil || !in.Window.Contains(in.Now) {
		decision := models.Decision{
			CanAccept:         false,
			Reason:            ReasonNotScheduled,
			CurrentQueue:      in.Depth,
			MaxPatientsPerDay: in.MaxPatientsPerDay,
			Window:            in.Window,
		}
		return decision
	}
	decision := CheckDepth(in.Depth, in.MaxPatientsPerDay)
	decision.Window = in.Window
	return decision
}

// CheckDepth is the depth half of Evaluate. Stores run it inside the
// admission transaction.
func CheckDepth(depth, maxPatientsPerDay int) models.Decision {
	if depth >= maxPatientsPerDay {
		return models.Decision{
			CanAccept:         false,
			Reason:            ReasonQueueFull,
			CurrentQueue:      depth,
			MaxPatientsPerDay: maxPatientsPerDay,
		}
	}
	return models.Decision{
		CanAccept:         true,
		AvailableSlots:    maxPatientsPerDay - depth,
		CurrentQueue:      depth,
		MaxPatientsPerDay: maxPatientsPerDay,
	}
}

// Depth counts non-terminal tokens.
func Depth(tokens []models.Token) int {
	count := 0
	for _, token := range tokens {
		if models.IsActive(token.Status) {
			count++
		}
	}
	return count
}
