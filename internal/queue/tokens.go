package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// ActionInput addresses a single token. Only the fields an operation reads
// need to be set.
type ActionInput struct {
	RequestID string
	TokenID   string
	Actor     string

	// VitalsRecorded is the caller's own readiness signal for MarkReady.
	// When nil the vitals service is asked instead.
	VitalsRecorded *bool
	Reason         string
	Priority       models.Priority
	VisitID        string
}

// mutation derives the next token from the current one. changed=false means
// the token already holds the requested value and nothing is written.
type mutation func(current models.Token, now time.Time) (next models.Token, changed bool, err error)

func (s *Service) MarkReady(ctx context.Context, in ActionInput) (models.Token, error) {
	token, err := s.store.GetToken(ctx, in.TokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status == models.StatusWaiting {
		if err := s.checkVitals(ctx, token, in.VitalsRecorded); err != nil {
			return models.Token{}, err
		}
	}
	return s.applyTokenAction(ctx, store.ActionMarkReady, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		current.Status = models.StatusReady
		if current.CalledAt == nil {
			current.CalledAt = &now
		}
		return current, true, nil
	})
}

// checkVitals runs before any lock is taken. It fails closed when the vitals
// service cannot answer.
func (s *Service) checkVitals(ctx context.Context, token models.Token, signal *bool) error {
	if signal != nil {
		if !*signal {
			return store.ErrVitalsMissing
		}
		return nil
	}
	if s.vitals == nil {
		return nil
	}
	// Vitals are recorded against a visit; without one they cannot exist.
	if token.VisitID == nil {
		return store.ErrVitalsMissing
	}
	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	recorded, err := s.vitals.Recorded(ctx, *token.VisitID)
	if err != nil {
		if errors.Is(err, store.ErrUpstreamUnavailable) {
			return err
		}
		return fmt.Errorf("%w: vitals lookup: %v", store.ErrUpstreamUnavailable, err)
	}
	if !recorded {
		return store.ErrVitalsMissing
	}
	return nil
}

// UnmarkReady moves a ready token back to waiting. calledAt is kept.
func (s *Service) UnmarkReady(ctx context.Context, in ActionInput) (models.Token, error) {
	return s.applyTokenAction(ctx, store.ActionUnmarkReady, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		current.Status = models.StatusWaiting
		return current, true, nil
	})
}

func (s *Service) StartConsultation(ctx context.Context, in ActionInput) (models.Token, error) {
	return s.applyTokenAction(ctx, store.ActionStart, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		current.Status = models.StatusServing
		if current.CalledAt == nil {
			current.CalledAt = &now
		}
		current.ServingStartedAt = &now
		return current, true, nil
	})
}

func (s *Service) ensureNoOtherServing(ctx context.Context, current models.Token) error {
	active, found, err := s.store.FindServingForDoctor(ctx, current.DoctorID)
	if err != nil {
		return err
	}
	if found && active.TokenID != current.TokenID {
		return &store.ActiveConsultationError{Active: active}
	}
	return nil
}

func (s *Service) CompleteConsultation(ctx context.Context, in ActionInput) (models.Token, error) {
	return s.applyTokenAction(ctx, store.ActionComplete, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		current.Status = models.StatusCompleted
		current.CompletedAt = &now
		return current, true, nil
	})
}

// MarkMissed closes a token whose patient did not show. Its history stays.
func (s *Service) MarkMissed(ctx context.Context, in ActionInput) (models.Token, error) {
	return s.applyTokenAction(ctx, store.ActionMarkMissed, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		current.Status = models.StatusMissed
		current.MissedAt = &now
		return current, true, nil
	})
}

func (s *Service) Cancel(ctx context.Context, in ActionInput) (models.Token, error) {
	return s.applyTokenAction(ctx, store.ActionCancel, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		current.Status = models.StatusCancelled
		current.CancelledAt = &now
		return current, true, nil
	})
}

// SetDelay annotates a queued token. Delayed tokens keep their rank but are
// skipped by call-next until the delay is cleared.
func (s *Service) SetDelay(ctx context.Context, in ActionInput) (models.Token, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return models.Token{}, fmt.Errorf("%w: reason is required", store.ErrInvalidInput)
	}
	return s.applyTokenAction(ctx, store.ActionSetDelay, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		if current.DelayReason != nil && *current.DelayReason == reason {
			return current, false, nil
		}
		current.DelayReason = &reason
		return current, true, nil
	})
}

func (s *Service) ClearDelay(ctx context.Context, in ActionInput) (models.Token, error) {
	return s.applyTokenAction(ctx, store.ActionClearDelay, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		if current.DelayReason == nil {
			return current, false, nil
		}
		current.DelayReason = nil
		return current, true, nil
	})
}

func (s *Service) SetPriority(ctx context.Context, in ActionInput) (models.Token, error) {
	if !in.Priority.Valid() {
		return models.Token{}, fmt.Errorf("%w: priority %d out of range", store.ErrInvalidInput, in.Priority)
	}
	return s.applyTokenAction(ctx, store.ActionSetPriority, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		if current.Priority == in.Priority {
			return current, false, nil
		}
		current.Priority = in.Priority
		return current, true, nil
	})
}

// AttachVisit links the clinical visit once. Re-attaching the same visit is
// a no-op; a different visit is refused.
func (s *Service) AttachVisit(ctx context.Context, in ActionInput) (models.Token, error) {
	visitID := strings.TrimSpace(in.VisitID)
	if visitID == "" {
		return models.Token{}, fmt.Errorf("%w: visit_id is required", store.ErrInvalidInput)
	}
	return s.applyTokenAction(ctx, store.ActionAttachVisit, in, func(current models.Token, now time.Time) (models.Token, bool, error) {
		if current.VisitID != nil {
			if *current.VisitID == visitID {
				return current, false, nil
			}
			return models.Token{}, false, store.ErrVisitAlreadyAttached
		}
		current.VisitID = &visitID
		return current, true, nil
	})
}

// applyTokenAction validates action against the freshly read token under
// the doctor lock, writes it with a version check and retries once on a
// concurrent change.
func (s *Service) applyTokenAction(ctx context.Context, action string, in ActionInput, mutate mutation) (token models.Token, err error) {
	ctx, span := s.startSpan(ctx, "queue."+action,
		attribute.String("token.id", in.TokenID),
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

	snapshot, err := s.store.GetToken(ctx, in.TokenID)
	if err != nil {
		return models.Token{}, err
	}

	unlock := s.locks.Lock(snapshot.DoctorID)
	updated, changed, err := s.writeWithRetry(ctx, action, in, func() (models.Token, error) {
		return s.store.GetToken(ctx, in.TokenID)
	}, mutate)
	unlock()
	if err != nil {
		return models.Token{}, err
	}
	if changed {
		s.logTransition(action, updated, in.Actor)
		s.publish(ctx, updated, store.EventType(action))
	}
	return updated, nil
}

// writeWithRetry must be called with the doctor lock held.
func (s *Service) writeWithRetry(ctx context.Context, action string, in ActionInput, load func() (models.Token, error), mutate mutation) (models.Token, bool, error) {
	for attempt := 0; ; attempt++ {
		current, err := load()
		if err != nil {
			return models.Token{}, false, err
		}
		if store.AlreadyApplied(action, current.Status) {
			return current, false, nil
		}
		// A running consultation is reported ahead of any status mismatch.
		if action == store.ActionStart {
			if err := s.ensureNoOtherServing(ctx, current); err != nil {
				return models.Token{}, false, err
			}
		}
		if !store.ValidTransition(action, current.Status) {
			return models.Token{}, false, &store.TransitionError{From: current.Status, Attempted: action}
		}
		now := s.now()
		next, changed, err := mutate(current, now)
		if err != nil {
			return models.Token{}, false, err
		}
		if !changed {
			return current, false, nil
		}
		updated, err := s.store.UpdateToken(ctx, store.UpdateTokenInput{
			Token:           next,
			ExpectedVersion: current.Version,
			Action:          action,
			RequestID:       in.RequestID,
			Actor:           in.Actor,
			OccurredAt:      now,
		})
		if errors.Is(err, store.ErrConflict) && attempt == 0 {
			s.log.Debug().Str("token_id", current.TokenID).Str("action", action).Msg("version conflict, retrying")
			continue
		}
		if err != nil {
			return models.Token{}, false, err
		}
		return updated, true, nil
	}
}

func (s *Service) logTransition(action string, token models.Token, actor string) {
	s.log.Debug().
		Str("action", action).
		Str("token_id", token.TokenID).
		Str("doctor_id", token.DoctorID).
		Str("status", token.Status).
		Str("actor", actor).
		Int64("version", token.Version).
		Msg("token transition")
}
