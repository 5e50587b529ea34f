package queue

import (
	"context"
	"errors"
	"time"

	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/policy"
	"clinic/visit-queue/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

type DoctorActionInput struct {
	RequestID string
	DoctorID  string
	Actor     string
}

// selector picks the token a doctor-level action applies to. It runs under
// the doctor lock against a fresh read.
type selector func(ctx context.Context, doctorID, serviceDay string) (models.Token, error)

// CallNext marks the highest ranked waiting token as ready.
func (s *Service) CallNext(ctx context.Context, in DoctorActionInput) (models.Token, error) {
	return s.applyDoctorAction(ctx, store.ActionCallNext, in, s.nextWaiting, func(current models.Token, now time.Time) (models.Token, bool, error) {
		current.Status = models.StatusReady
		if current.CalledAt == nil {
			current.CalledAt = &now
		}
		return current, true, nil
	})
}

func (s *Service) nextWaiting(ctx context.Context, doctorID, serviceDay string) (models.Token, error) {
	tokens, err := s.store.ListActiveForDoctor(ctx, doctorID, serviceDay)
	if err != nil {
		return models.Token{}, err
	}
	next, ok := policy.Next(tokens, policy.Callable(models.StatusWaiting))
	if !ok {
		return models.Token{}, store.ErrEmptyQueue
	}
	return next, nil
}

// CallNextAndStart picks the token CallNext would and starts it in one step,
// so no other caller ever sees it ready. A running consultation fails the
// call without touching any token.
func (s *Service) CallNextAndStart(ctx context.Context, in DoctorActionInput) (models.Token, error) {
	return s.applyDoctorAction(ctx, store.ActionCallNextAndStart, in, s.nextToServe, func(current models.Token, now time.Time) (models.Token, bool, error) {
		current.Status = models.StatusServing
		if current.CalledAt == nil {
			current.CalledAt = &now
		}
		current.ServingStartedAt = &now
		return current, true, nil
	})
}

func (s *Service) nextToServe(ctx context.Context, doctorID, serviceDay string) (models.Token, error) {
	active, found, err := s.store.FindServingForDoctor(ctx, doctorID)
	if err != nil {
		return models.Token{}, err
	}
	if found {
		return models.Token{}, &store.ActiveConsultationError{Active: active}
	}
	tokens, err := s.store.ListActiveForDoctor(ctx, doctorID, serviceDay)
	if err != nil {
		return models.Token{}, err
	}
	next, ok := policy.Next(tokens, policy.Callable(models.StatusWaiting))
	if !ok {
		return models.Token{}, store.ErrEmptyQueue
	}
	return next, nil
}

// ForceEndConsultation completes whatever the doctor is serving. It is the
// recovery path for consultations left open.
func (s *Service) ForceEndConsultation(ctx context.Context, in DoctorActionInput) (models.Token, error) {
	token, err := s.applyDoctorAction(ctx, store.ActionForceEnd, in, s.serving, func(current models.Token, now time.Time) (models.Token, bool, error) {
		current.Status = models.StatusCompleted
		current.CompletedAt = &now
		return current, true, nil
	})
	if err == nil {
		s.log.Info().
			Str("doctor_id", in.DoctorID).
			Str("token_id", token.TokenID).
			Str("actor", in.Actor).
			Msg("consultation force-ended")
	}
	return token, err
}

func (s *Service) serving(ctx context.Context, doctorID, serviceDay string) (models.Token, error) {
	active, found, err := s.store.FindServingForDoctor(ctx, doctorID)
	if err != nil {
		return models.Token{}, err
	}
	if !found {
		return models.Token{}, store.ErrNoActiveConsultation
	}
	return active, nil
}

func (s *Service) applyDoctorAction(ctx context.Context, action string, in DoctorActionInput, pick selector, mutate mutation) (token models.Token, err error) {
	ctx, span := s.startSpan(ctx, "queue."+action,
		attribute.String("doctor.id", in.DoctorID),
		attribute.String("queue.action", action),
	)
	defer func() { endSpan(span, err) }()

	if in.RequestID != "" {
		existing, found, err := s.store.FindActionRequest(ctx, action, in.RequestID)
		if err != nil {
			return models.Token{}, err
		}
		if found {
			return existing, nil
		}
	}

	day := s.ServiceDay(s.now())
	unlock := s.locks.Lock(in.DoctorID)
	updated, changed, err := s.writeWithRetry(ctx, action, ActionInput{RequestID: in.RequestID, Actor: in.Actor}, func() (models.Token, error) {
		return pick(ctx, in.DoctorID, day)
	}, mutate)
	unlock()
	if err != nil {
		var active *store.ActiveConsultationError
		if errors.As(err, &active) {
			s.log.Debug().Str("doctor_id", in.DoctorID).Str("active_token_id", active.Active.TokenID).Msg("consultation already running")
		}
		return models.Token{}, err
	}
	if changed {
		s.logTransition(action, updated, in.Actor)
		s.publish(ctx, updated, store.EventType(action))
	}
	return updated, nil
}
