// Package memory is an in-process TokenStore with the same admission and
// concurrency rules as the postgres store. It backs tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"clinic/visit-queue/internal/capacity"
	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu        sync.Mutex
	tokens    map[string]models.Token
	sequences map[string]int64
	requests  map[string]string
	events    map[string][]store.TokenEvent
	outbox    []store.OutboxEvent
	offsets   map[string]store.OutboxCursor
	dead      []store.DeadLetter
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		tokens:    make(map[string]models.Token),
		sequences: make(map[string]int64),
		requests:  make(map[string]string),
		events:    make(map[string][]store.TokenEvent),
		offsets:   make(map[string]store.OutboxCursor),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func sequenceKey(doctorID, serviceDay string) string {
	return doctorID + "|" + serviceDay
}

func requestKey(action, requestID string) string {
	return action + "|" + requestID
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if id, ok := s.requests[requestKey(store.ActionIssue, input.RequestID)]; ok {
			return s.tokens[id], false, nil
		}
	}

	depth := 0
	for _, token := range s.tokens {
		if token.DoctorID != input.DoctorID || token.ServiceDay != input.ServiceDay || !models.IsActive(token.Status) {
			continue
		}
		if token.PatientID == input.PatientID {
			return models.Token{}, false, store.ErrDuplicateActiveToken
		}
		depth++
	}
	if decision := capacity.CheckDepth(depth, input.MaxPatientsPerDay); !decision.CanAccept {
		return models.Token{}, false, &store.CapacityError{Decision: decision}
	}

	key := sequenceKey(input.DoctorID, input.ServiceDay)
	s.sequences[key]++

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}
	status := input.Status
	if status == "" {
		status = models.StatusWaiting
	}
	priority := input.Priority
	if priority == 0 {
		priority = models.PriorityNormal
	}

	token := models.Token{
		TokenID:     uuid.NewString(),
		PatientID:   input.PatientID,
		DoctorID:    input.DoctorID,
		Origin:      input.Origin,
		ServiceDay:  input.ServiceDay,
		TokenNumber: s.sequences[key],
		Priority:    priority,
		Status:      status,
		IssuedAt:    issuedAt,
		RequestID:   input.RequestID,
		Version:     1,
		UpdatedAt:   issuedAt,
	}
	if input.AppointmentID != "" {
		appointmentID := input.AppointmentID
		token.AppointmentID = &appointmentID
	}
	if input.VisitID != "" {
		visitID := input.VisitID
		token.VisitID = &visitID
	}
	if status == models.StatusReady {
		calledAt := issuedAt
		token.CalledAt = &calledAt
	}

	s.tokens[token.TokenID] = token
	if input.RequestID != "" {
		s.requests[requestKey(store.ActionIssue, input.RequestID)] = token.TokenID
	}
	s.appendEvent(token, store.EventType(store.ActionIssue), input.RequestID, input.Actor, issuedAt)
	return token, true, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, nil
}

func (s *Store) ListActiveForDoctor(ctx context.Context, doctorID, serviceDay string) ([]models.Token, error) {
	return s.list(func(token models.Token) bool {
		return token.DoctorID == doctorID && token.ServiceDay == serviceDay && models.IsActive(token.Status)
	}), nil
}

func (s *Store) ListForDoctorDay(ctx context.Context, doctorID, serviceDay string) ([]models.Token, error) {
	return s.list(func(token models.Token) bool {
		return token.DoctorID == doctorID && token.ServiceDay == serviceDay
	}), nil
}

func (s *Store) list(match func(models.Token) bool) []models.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens []models.Token
	for _, token := range s.tokens {
		if match(token) {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].TokenNumber < tokens[j].TokenNumber
	})
	return tokens
}

func (s *Store) UpdateToken(ctx context.Context, input store.UpdateTokenInput) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" && input.Action != "" {
		if id, ok := s.requests[requestKey(input.Action, input.RequestID)]; ok {
			return s.tokens[id], nil
		}
	}

	current, ok := s.tokens[input.Token.TokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if current.Version != input.ExpectedVersion {
		return models.Token{}, store.ErrConflict
	}
	if input.Token.Status == models.StatusServing {
		for _, other := range s.tokens {
			if other.TokenID != current.TokenID && other.DoctorID == current.DoctorID && other.Status == models.StatusServing {
				return models.Token{}, &store.ActiveConsultationError{Active: other}
			}
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	updated := current
	updated.Status = input.Token.Status
	updated.Priority = input.Token.Priority
	updated.VisitID = input.Token.VisitID
	updated.DelayReason = input.Token.DelayReason
	updated.CalledAt = input.Token.CalledAt
	updated.ServingStartedAt = input.Token.ServingStartedAt
	updated.CompletedAt = input.Token.CompletedAt
	updated.MissedAt = input.Token.MissedAt
	updated.CancelledAt = input.Token.CancelledAt
	updated.Version = current.Version + 1
	updated.UpdatedAt = occurredAt

	s.tokens[updated.TokenID] = updated
	if input.RequestID != "" && input.Action != "" {
		s.requests[requestKey(input.Action, input.RequestID)] = updated.TokenID
	}
	eventType := input.EventType
	if eventType == "" {
		eventType = store.EventType(input.Action)
	}
	s.appendEvent(updated, eventType, input.RequestID, input.Actor, occurredAt)
	return updated, nil
}

func (s *Store) FindActiveByAppointment(ctx context.Context, appointmentID string) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tokens {
		if token.AppointmentID != nil && *token.AppointmentID == appointmentID && models.IsActive(token.Status) {
			return token, nil
		}
	}
	return models.Token{}, store.ErrAppointmentNotFound
}

func (s *Store) FindServingForDoctor(ctx context.Context, doctorID string) (models.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tokens {
		if token.DoctorID == doctorID && token.Status == models.StatusServing {
			return token, true, nil
		}
	}
	return models.Token{}, false, nil
}

func (s *Store) ListStaleReady(ctx context.Context, calledBefore time.Time, limit int) ([]models.Token, error) {
	tokens := s.list(func(token models.Token) bool {
		return token.Status == models.StatusReady && token.CalledAt != nil && !token.CalledAt.After(calledBefore)
	})
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CalledAt.Before(*tokens[j].CalledAt)
	})
	if limit > 0 && len(tokens) > limit {
		tokens = tokens[:limit]
	}
	return tokens, nil
}

func (s *Store) FindActionRequest(ctx context.Context, action, requestID string) (models.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.requests[requestKey(action, requestID)]
	if !ok {
		return models.Token{}, false, nil
	}
	return s.tokens[id], true, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	return s.ListOutboxAfter(ctx, store.OutboxCursor{CreatedAt: after, EventID: maxEventID}, limit)
}

// maxEventID sorts after every uuid string, so a cursor carrying it skips
// every event at its timestamp.
const maxEventID = "~"

// ListOutboxAfter returns events strictly after cursor in (created_at,
// event_id) order, matching the postgres index order.
func (s *Store) ListOutboxAfter(ctx context.Context, cursor store.OutboxCursor, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if cursor.Precedes(event) {
			events = append(events, event)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].EventID < events[j].EventID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) LoadOutboxCursor(ctx context.Context, consumer string) (store.OutboxCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[consumer], nil
}

func (s *Store) SaveOutboxCursor(ctx context.Context, consumer string, cursor store.OutboxCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[consumer] = cursor
	return nil
}

func (s *Store) DeadLetterOutboxEvent(ctx context.Context, letter store.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.dead {
		if existing.Consumer == letter.Consumer && existing.EventID == letter.EventID {
			return nil
		}
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = s.now()
	}
	s.dead = append(s.dead, letter)
	return nil
}

func (s *Store) DeadLetters(consumer string) []store.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DeadLetter
	for _, letter := range s.dead {
		if letter.Consumer == consumer {
			out = append(out, letter)
		}
	}
	return out
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[tokenID]
	out := make([]store.TokenEvent, len(events))
	copy(out, events)
	return out, nil
}

// appendEvent must be called with s.mu held.
func (s *Store) appendEvent(token models.Token, eventType, requestID, actor string, createdAt time.Time) {
	payload, _ := json.Marshal(store.NewEventPayload(token, requestID, actor))
	history := s.events[token.TokenID]
	prev := ""
	if len(history) > 0 {
		prev = history[len(history)-1].Hash
	}
	seq := len(history) + 1
	createdAt = createdAt.UTC()
	s.events[token.TokenID] = append(history, store.TokenEvent{
		TokenID:   token.TokenID,
		TokenSeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeTokenEventHash(prev, token.TokenID, eventType, payload, createdAt, seq),
	})
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		DoctorID:  token.DoctorID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	})
}
