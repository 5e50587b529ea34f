package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"clinic/visit-queue/internal/capacity"
	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	servingIndex      = "visit_tokens_one_serving_per_doctor"
	activePatientIdx  = "visit_tokens_one_active_per_patient"
	uniqueViolation   = "23505"
	defaultOutboxPage = 100
)

const tokenColumns = `token_id, request_id, patient_id, doctor_id, visit_id, origin, appointment_id,
	service_day::text, token_number, priority, status, delay_reason, issued_at, called_at,
	serving_started_at, completed_at, missed_at, cancelled_at, version, updated_at`

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

type Options struct {
	Now func() time.Time
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{pool: pool, now: now}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer tx.Rollback(ctx)

	if input.RequestID != "" {
		existing, found, err := findTokenByRequestID(ctx, tx, input.RequestID)
		if err != nil {
			return models.Token{}, false, err
		}
		if found {
			if err := tx.Commit(ctx); err != nil {
				return models.Token{}, false, err
			}
			return existing, false, nil
		}
	}

	if err := lockDoctorDay(ctx, tx, input.DoctorID, input.ServiceDay); err != nil {
		return models.Token{}, false, err
	}

	var depth, samePatient int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE patient_id = $3)
		FROM visit_tokens
		WHERE doctor_id = $1 AND service_day = $2 AND status IN ('waiting','ready','serving')
	`, input.DoctorID, input.ServiceDay, input.PatientID)
	if err := row.Scan(&depth, &samePatient); err != nil {
		return models.Token{}, false, err
	}
	if samePatient > 0 {
		return models.Token{}, false, store.ErrDuplicateActiveToken
	}
	if decision := capacity.CheckDepth(depth, input.MaxPatientsPerDay); !decision.CanAccept {
		return models.Token{}, false, &store.CapacityError{Decision: decision}
	}

	seq, err := nextTokenNumber(ctx, tx, input.DoctorID, input.ServiceDay)
	if err != nil {
		return models.Token{}, false, err
	}

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
	var calledAt *time.Time
	if status == models.StatusReady {
		calledAt = &issuedAt
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO visit_tokens (
			token_id, request_id, patient_id, doctor_id, visit_id, origin, appointment_id,
			service_day, token_number, priority, status, issued_at, called_at, version, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$12)
		RETURNING `+tokenColumns,
		uuid.NewString(), nullIfEmpty(input.RequestID), input.PatientID, input.DoctorID, nullIfEmpty(input.VisitID),
		input.Origin, nullIfEmpty(input.AppointmentID), input.ServiceDay, seq, int(priority), status, issuedAt, calledAt)
	token, err := scanToken(row)
	if err != nil {
		if isUniqueViolation(err, activePatientIdx) {
			return models.Token{}, false, store.ErrDuplicateActiveToken
		}
		return models.Token{}, false, err
	}

	if err := recordEvent(ctx, tx, token, store.EventType(store.ActionIssue), input.RequestID, input.Actor, issuedAt); err != nil {
		return models.Token{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return getTokenByID(ctx, s.pool, tokenID)
}

func (s *Store) ListActiveForDoctor(ctx context.Context, doctorID, serviceDay string) ([]models.Token, error) {
	return s.queryTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM visit_tokens
		WHERE doctor_id = $1 AND service_day = $2 AND status IN ('waiting','ready','serving')
		ORDER BY token_number ASC
	`, doctorID, serviceDay)
}

func (s *Store) ListForDoctorDay(ctx context.Context, doctorID, serviceDay string) ([]models.Token, error) {
	return s.queryTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM visit_tokens
		WHERE doctor_id = $1 AND service_day = $2
		ORDER BY token_number ASC
	`, doctorID, serviceDay)
}

func (s *Store) UpdateToken(ctx context.Context, input store.UpdateTokenInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer tx.Rollback(ctx)

	if input.RequestID != "" && input.Action != "" {
		existing, found, err := findActionRequest(ctx, tx, input.Action, input.RequestID)
		if err != nil {
			return models.Token{}, err
		}
		if found {
			if err := tx.Commit(ctx); err != nil {
				return models.Token{}, err
			}
			return existing, nil
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	next := input.Token
	row := tx.QueryRow(ctx, `
		UPDATE visit_tokens
		SET status = $1,
			priority = $2,
			visit_id = $3,
			delay_reason = $4,
			called_at = $5,
			serving_started_at = $6,
			completed_at = $7,
			missed_at = $8,
			cancelled_at = $9,
			version = version + 1,
			updated_at = $10
		WHERE token_id = $11 AND version = $12
		RETURNING `+tokenColumns,
		next.Status, int(next.Priority), next.VisitID, next.DelayReason, next.CalledAt, next.ServingStartedAt,
		next.CompletedAt, next.MissedAt, next.CancelledAt, occurredAt, next.TokenID, input.ExpectedVersion)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := getTokenByID(ctx, tx, next.TokenID); getErr != nil {
				return models.Token{}, getErr
			}
			return models.Token{}, store.ErrConflict
		}
		if isUniqueViolation(err, servingIndex) {
			_ = tx.Rollback(ctx)
			active, found, lookupErr := s.FindServingForDoctor(ctx, next.DoctorID)
			if lookupErr != nil {
				return models.Token{}, lookupErr
			}
			if found {
				return models.Token{}, &store.ActiveConsultationError{Active: active}
			}
			return models.Token{}, store.ErrConflict
		}
		return models.Token{}, err
	}

	if input.RequestID != "" && input.Action != "" {
		if err := insertActionRequest(ctx, tx, input.Action, input.RequestID, token.TokenID); err != nil {
			return models.Token{}, err
		}
	}

	eventType := input.EventType
	if eventType == "" {
		eventType = store.EventType(input.Action)
	}
	if err := recordEvent(ctx, tx, token, eventType, input.RequestID, input.Actor, occurredAt); err != nil {
		return models.Token{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) FindActiveByAppointment(ctx context.Context, appointmentID string) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM visit_tokens
		WHERE appointment_id = $1 AND status IN ('waiting','ready','serving')
		ORDER BY issued_at DESC
		LIMIT 1
	`, appointmentID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrAppointmentNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) ListStaleReady(ctx context.Context, calledBefore time.Time, limit int) ([]models.Token, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM visit_tokens
		WHERE status = 'ready' AND called_at <= $1
		ORDER BY called_at ASC
		LIMIT $2
	`, calledBefore, limit)
}

func (s *Store) FindActionRequest(ctx context.Context, action, requestID string) (models.Token, bool, error) {
	return findActionRequest(ctx, s.pool, action, requestID)
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = defaultOutboxPage
	}
	return s.queryOutbox(ctx, `
		SELECT event_id, doctor_id, type, payload_json, created_at
		FROM outbox_events
		WHERE created_at > $1
		ORDER BY created_at ASC, event_id ASC
		LIMIT $2
	`, after, limit)
}

// ListOutboxAfter is a keyset read over (created_at, event_id); events that
// share a timestamp with the cursor are not skipped.
func (s *Store) ListOutboxAfter(ctx context.Context, cursor store.OutboxCursor, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = defaultOutboxPage
	}
	eventID := cursor.EventID
	if eventID == "" {
		eventID = uuid.Nil.String()
	}
	return s.queryOutbox(ctx, `
		SELECT event_id, doctor_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2::uuid)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, cursor.CreatedAt, eventID, limit)
}

func (s *Store) queryOutbox(ctx context.Context, query string, args ...any) ([]store.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.DoctorID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) LoadOutboxCursor(ctx context.Context, consumer string) (store.OutboxCursor, error) {
	var cursor store.OutboxCursor
	err := s.pool.QueryRow(ctx, `
		SELECT last_created_at, last_event_id
		FROM outbox_offsets
		WHERE consumer = $1
	`, consumer).Scan(&cursor.CreatedAt, &cursor.EventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.OutboxCursor{}, nil
	}
	if err != nil {
		return store.OutboxCursor{}, err
	}
	return cursor, nil
}

func (s *Store) SaveOutboxCursor(ctx context.Context, consumer string, cursor store.OutboxCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_offsets (consumer, last_created_at, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (consumer) DO UPDATE
		SET last_created_at = EXCLUDED.last_created_at,
		    last_event_id = EXCLUDED.last_event_id,
		    updated_at = EXCLUDED.updated_at
	`, consumer, cursor.CreatedAt, cursor.EventID, s.now())
	return err
}

func (s *Store) DeadLetterOutboxEvent(ctx context.Context, letter store.DeadLetter) error {
	createdAt := letter.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_dead_letters (consumer, event_id, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (consumer, event_id) DO NOTHING
	`, letter.Consumer, letter.EventID, letter.Attempts, letter.LastError, createdAt)
	return err
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_seq, type, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq ASC
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		var payload []byte
		if err := rows.Scan(&event.TokenID, &event.TokenSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) FindServingForDoctor(ctx context.Context, doctorID string) (models.Token, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM visit_tokens
		WHERE doctor_id = $1 AND status = 'serving'
		LIMIT 1
	`, doctorID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) queryTokens(ctx context.Context, query string, args ...any) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func lockDoctorDay(ctx context.Context, tx pgx.Tx, doctorID, serviceDay string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, doctorID+"|"+serviceDay)
	return err
}

func nextTokenNumber(ctx context.Context, tx pgx.Tx, doctorID, serviceDay string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (doctor_id, service_day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (doctor_id, service_day)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, doctorID, serviceDay)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func recordEvent(ctx context.Context, tx pgx.Tx, token models.Token, eventType, requestID, actor string, occurredAt time.Time) error {
	payload, err := json.Marshal(store.NewEventPayload(token, requestID, actor))
	if err != nil {
		return err
	}
	createdAt := occurredAt.UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, doctor_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), token.DoctorID, eventType, payload, createdAt)
	if err != nil {
		return err
	}
	return insertTokenEvent(ctx, tx, token.TokenID, eventType, payload, createdAt)
}

func insertTokenEvent(ctx context.Context, tx pgx.Tx, tokenID, eventType string, payload []byte, createdAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tokenID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT token_seq, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq DESC
		LIMIT 1
		FOR UPDATE
	`, tokenID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	hash := store.ComputeTokenEventHash(prev, tokenID, eventType, payload, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO token_events (token_id, token_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tokenID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

func findTokenByRequestID(ctx context.Context, q querier, requestID string) (models.Token, bool, error) {
	row := q.QueryRow(ctx, `SELECT `+tokenColumns+` FROM visit_tokens WHERE request_id = $1`, requestID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func findActionRequest(ctx context.Context, q querier, action, requestID string) (models.Token, bool, error) {
	if action == store.ActionIssue {
		return findTokenByRequestID(ctx, q, requestID)
	}
	var tokenID sql.NullString
	row := q.QueryRow(ctx, `
		SELECT token_id
		FROM token_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&tokenID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	if !tokenID.Valid {
		return models.Token{}, false, nil
	}
	token, err := getTokenByID(ctx, q, tokenID.String)
	if err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, tokenID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO token_action_requests (request_id, action, token_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id, action) DO NOTHING
	`, requestID, action, nullIfEmpty(tokenID))
	return err
}

func getTokenByID(ctx context.Context, q querier, tokenID string) (models.Token, error) {
	row := q.QueryRow(ctx, `SELECT `+tokenColumns+` FROM visit_tokens WHERE token_id = $1`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func scanToken(row rowScanner) (models.Token, error) {
	var token models.Token
	var requestIDNull sql.NullString
	var visitIDNull sql.NullString
	var appointmentIDNull sql.NullString
	var delayReasonNull sql.NullString
	var calledAtNull sql.NullTime
	var servingStartedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var missedAtNull sql.NullTime
	var cancelledAtNull sql.NullTime
	var priority int
	if err := row.Scan(
		&token.TokenID, &requestIDNull, &token.PatientID, &token.DoctorID, &visitIDNull, &token.Origin, &appointmentIDNull,
		&token.ServiceDay, &token.TokenNumber, &priority, &token.Status, &delayReasonNull, &token.IssuedAt, &calledAtNull,
		&servingStartedAtNull, &completedAtNull, &missedAtNull, &cancelledAtNull, &token.Version, &token.UpdatedAt,
	); err != nil {
		return models.Token{}, err
	}
	token.Priority = models.Priority(priority)
	if requestIDNull.Valid {
		token.RequestID = requestIDNull.String
	}
	token.VisitID = nullStringPtr(visitIDNull)
	token.AppointmentID = nullStringPtr(appointmentIDNull)
	token.DelayReason = nullStringPtr(delayReasonNull)
	token.CalledAt = nullTimePtr(calledAtNull)
	token.ServingStartedAt = nullTimePtr(servingStartedAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	token.MissedAt = nullTimePtr(missedAtNull)
	token.CancelledAt = nullTimePtr(cancelledAtNull)
	return token, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
