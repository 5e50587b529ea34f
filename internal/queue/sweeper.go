package queue

import (
	"context"
	"errors"
	"time"

	"clinic/visit-queue/internal/store"
)

// SweepStaleReady marks ready tokens missed once they have been called for
// longer than grace. Tokens that moved on in the meantime are skipped.
func (s *Service) SweepStaleReady(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := s.now().Add(-grace)
	stale, err := s.store.ListStaleReady(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, token := range stale {
		_, err := s.MarkMissed(ctx, ActionInput{TokenID: token.TokenID, Actor: systemActor})
		switch {
		case err == nil:
			count++
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
			s.log.Debug().Str("token_id", token.TokenID).Err(err).Msg("auto-miss skipped")
		default:
			return count, err
		}
	}
	return count, nil
}

// RunSweeper calls SweepStaleReady every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, grace time.Duration, batchSize int) {
	if grace <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		count, err := s.SweepStaleReady(runCtx, grace, batchSize)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Msg("auto-miss sweep failed")
			continue
		}
		if count > 0 {
			s.log.Info().Int("count", count).Msg("auto-miss processed tokens")
		}
	}
}
