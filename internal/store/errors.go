package store

import (
	"errors"
	"fmt"

	"clinic/visit-queue/internal/models"
)

var (
	ErrTokenNotFound            = errors.New("token not found")
	ErrAppointmentNotFound      = errors.New("no active token for appointment")
	ErrDuplicateActiveToken     = errors.New("patient already has an active token for this doctor today")
	ErrCapacityExceeded         = errors.New("doctor capacity exceeded")
	ErrEmptyQueue               = errors.New("no eligible token in queue")
	ErrNoActiveConsultation     = errors.New("no active consultation")
	ErrActiveConsultationExists = errors.New("doctor already has an active consultation")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrConflict                 = errors.New("token changed concurrently")
	ErrUpstreamUnavailable      = errors.New("upstream service unavailable")
	ErrVitalsMissing            = errors.New("vitals not recorded for visit")
	ErrVisitAlreadyAttached     = errors.New("token already attached to a different visit")
	ErrInvalidInput             = errors.New("invalid input")
)

type TransitionError struct {
	From      string
	Attempted string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s not allowed from %s", e.Attempted, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ActiveConsultationError carries the token currently being served so callers
// can offer to end it.
type ActiveConsultationError struct {
	Active models.Token
}

func (e *ActiveConsultationError) Error() string {
	return fmt.Sprintf("doctor already has an active consultation (token %d)", e.Active.TokenNumber)
}

func (e *ActiveConsultationError) Is(target error) bool {
	return target == ErrActiveConsultationExists
}

type CapacityError struct {
	Decision models.Decision
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("doctor capacity exceeded: %s", e.Decision.Reason)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}
