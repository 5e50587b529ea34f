// Package readmodel projects a doctor's tokens into the dashboard summary.
// Everything here is recomputed from token snapshots; nothing is cached.
package readmodel

import (
	"time"

	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/policy"
)

const DefaultConsultation = 12 * time.Minute

// Summarize counts tokens per status and derives wait estimates. Tokens that
// belong to another doctor or day are ignored.
func Summarize(doctorID, serviceDay string, tokens []models.Token, now time.Time, defaultConsultation time.Duration) models.Summary {
	summary := models.Summary{
		DoctorID:    doctorID,
		ServiceDay:  serviceDay,
		GeneratedAt: now,
	}

	for i := range tokens {
		token := tokens[i]
		if token.DoctorID != doctorID || token.ServiceDay != serviceDay {
			continue
		}
		switch token.Status {
		case models.StatusWaiting:
			summary.WaitingCount++
		case models.StatusReady:
			summary.ReadyCount++
		case models.StatusServing:
			serving := token
			summary.ServingToken = &serving
		case models.StatusCompleted:
			summary.CompletedTodayCount++
		case models.StatusMissed:
			summary.MissedTodayCount++
		case models.StatusCancelled:
			summary.CancelledTodayCount++
		}
		if models.IsActive(token.Status) && token.Status != models.StatusServing && token.Delayed() {
			summary.DelayedCount++
		}
	}

	avg := AverageConsultation(tokens, defaultConsultation)
	summary.AverageConsultationSeconds = int64(avg / time.Second)
	summary.NextUpWaitEstimateSeconds = int64(nextUpWait(summary, avg, now) / time.Second)
	return summary
}

// AverageConsultation is the mean serving duration over completed tokens.
func AverageConsultation(tokens []models.Token, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = DefaultConsultation
	}
	var total time.Duration
	count := 0
	for _, token := range tokens {
		if token.Status != models.StatusCompleted || token.ServingStartedAt == nil || token.CompletedAt == nil {
			continue
		}
		d := token.CompletedAt.Sub(*token.ServingStartedAt)
		if d <= 0 {
			continue
		}
		total += d
		count++
	}
	if count == 0 {
		return fallback
	}
	return total / time.Duration(count)
}

// nextUpWait is the remaining time of the running consultation, or zero when
// nobody is queued or the doctor is free.
func nextUpWait(summary models.Summary, avg time.Duration, now time.Time) time.Duration {
	if summary.WaitingCount+summary.ReadyCount == 0 {
		return 0
	}
	serving := summary.ServingToken
	if serving == nil || serving.ServingStartedAt == nil {
		return 0
	}
	remaining := avg - now.Sub(*serving.ServingStartedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Estimates lists queued tokens in the order they are expected to be seen:
// ready tokens first, then waiting, each by rank, with delayed tokens last.
func Estimates(tokens []models.Token, summary models.Summary) []models.WaitEstimate {
	var ready, waiting, delayed []models.Token
	for _, token := range tokens {
		switch {
		case token.Status != models.StatusWaiting && token.Status != models.StatusReady:
		case token.Delayed():
			delayed = append(delayed, token)
		case token.Status == models.StatusReady:
			ready = append(ready, token)
		default:
			waiting = append(waiting, token)
		}
	}
	policy.Sort(ready)
	policy.Sort(waiting)
	policy.Sort(delayed)

	ordered := make([]models.Token, 0, len(ready)+len(waiting)+len(delayed))
	ordered = append(ordered, ready...)
	ordered = append(ordered, waiting...)
	ordered = append(ordered, delayed...)

	estimates := make([]models.WaitEstimate, 0, len(ordered))
	for i, token := range ordered {
		estimates = append(estimates, models.WaitEstimate{
			TokenID:         token.TokenID,
			TokenNumber:     token.TokenNumber,
			Position:        i + 1,
			EstimateSeconds: summary.NextUpWaitEstimateSeconds + int64(i)*summary.AverageConsultationSeconds,
		})
	}
	return estimates
}

// Build assembles the full doctor queue view from the day's tokens.
func Build(doctorID, serviceDay string, tokens []models.Token, now time.Time, defaultConsultation time.Duration) models.QueueStatus {
	summary := Summarize(doctorID, serviceDay, tokens, now, defaultConsultation)
	if tokens == nil {
		tokens = []models.Token{}
	}
	return models.QueueStatus{
		DoctorID:   doctorID,
		ServiceDay: serviceDay,
		Tokens:     tokens,
		Summary:    summary,
		Estimates:  Estimates(tokens, summary),
	}
}
