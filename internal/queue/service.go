// Package queue is the per-doctor state machine that admits, orders and
// moves visit tokens. All writes for one doctor are serialized by an
// in-process lock; the store's version check covers other instances.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic/visit-queue/internal/availability"
	"clinic/visit-queue/internal/capacity"
	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/readmodel"
	"clinic/visit-queue/internal/store"
	"clinic/visit-queue/internal/vitals"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultUpstreamTimeout = 2 * time.Second
	defaultMaxPatients     = 20
	systemActor            = "system:auto-miss"
)

// Publisher is told about every committed change. It runs after the doctor
// lock is released.
type Publisher interface {
	Publish(ctx context.Context, token models.Token, eventType string)
}

type Options struct {
	Location                 *time.Location
	UpstreamTimeout          time.Duration
	DefaultMaxPatientsPerDay int
	DefaultConsultation      time.Duration
	Now                      func() time.Time
	Logger                   zerolog.Logger
}

type Service struct {
	store     store.TokenStore
	directory availability.Directory
	vitals    vitals.Checker
	publisher Publisher
	locks     *keyedMutex
	tracer    trace.Tracer
	log       zerolog.Logger

	location            *time.Location
	upstreamTimeout     time.Duration
	defaultMax          int
	defaultConsultation time.Duration
	now                 func() time.Time
}

func NewService(st store.TokenStore, directory availability.Directory, checker vitals.Checker, publisher Publisher, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = defaultUpstreamTimeout
	}
	if opts.DefaultMaxPatientsPerDay <= 0 {
		opts.DefaultMaxPatientsPerDay = defaultMaxPatients
	}
	if opts.DefaultConsultation <= 0 {
		opts.DefaultConsultation = readmodel.DefaultConsultation
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if directory == nil {
		directory = availability.AlwaysOpen{Location: opts.Location, DefaultMax: opts.DefaultMaxPatientsPerDay}
	}
	return &Service{
		store:               st,
		directory:           directory,
		vitals:              checker,
		publisher:           publisher,
		locks:               newKeyedMutex(),
		tracer:              otel.Tracer("clinic/visit-queue/queue"),
		log:                 opts.Logger,
		location:            opts.Location,
		upstreamTimeout:     opts.UpstreamTimeout,
		defaultMax:          opts.DefaultMaxPatientsPerDay,
		defaultConsultation: opts.DefaultConsultation,
		now:                 opts.Now,
	}
}

// ServiceDay is the clinic calendar day containing at.
func (s *Service) ServiceDay(at time.Time) string {
	return at.In(s.location).Format(models.ServiceDayLayout)
}

type IssueTokenInput struct {
	RequestID     string
	PatientID     string
	DoctorID      string
	Priority      models.Priority
	Origin        string
	AppointmentID string
	VisitID       string
	InitialStatus string
	Actor         string
}

// IssueToken admits a patient into a doctor's queue for today. created is
// false when RequestID replays an earlier issue.
func (s *Service) IssueToken(ctx context.Context, in IssueTokenInput) (token models.Token, created bool, err error) {
	ctx, span := s.startSpan(ctx, "queue.IssueToken", attribute.String("doctor.id", in.DoctorID))
	defer func() { endSpan(span, err) }()

	if err := normalizeIssue(&in); err != nil {
		return models.Token{}, false, err
	}
	if in.RequestID != "" {
		existing, found, err := s.store.FindActionRequest(ctx, store.ActionIssue, in.RequestID)
		if err != nil {
			return models.Token{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}

	now := s.now()
	window, found, err := s.lookupWindow(ctx, in.DoctorID, now)
	if err != nil {
		return models.Token{}, false, err
	}
	maxPatients := s.defaultMax
	var windowPtr *models.WorkingWindow
	if found {
		windowPtr = &window
		if window.MaxPatientsPerDay > 0 {
			maxPatients = window.MaxPatientsPerDay
		}
	}
	day := s.ServiceDay(now)

	unlock := s.locks.Lock(in.DoctorID)
	active, err := s.store.ListActiveForDoctor(ctx, in.DoctorID, day)
	if err != nil {
		unlock()
		return models.Token{}, false, err
	}
	decision := capacity.Evaluate(capacity.Input{
		Window:            windowPtr,
		Now:               now,
		Depth:             capacity.Depth(active),
		MaxPatientsPerDay: maxPatients,
	})
	if !decision.CanAccept {
		unlock()
		return models.Token{}, false, &store.CapacityError{Decision: decision}
	}
	token, created, err = s.store.CreateToken(ctx, store.CreateTokenInput{
		RequestID:         in.RequestID,
		PatientID:         in.PatientID,
		DoctorID:          in.DoctorID,
		ServiceDay:        day,
		Origin:            in.Origin,
		AppointmentID:     in.AppointmentID,
		VisitID:           in.VisitID,
		Priority:          in.Priority,
		Status:            in.InitialStatus,
		MaxPatientsPerDay: maxPatients,
		IssuedAt:          now,
		Actor:             in.Actor,
	})
	unlock()
	if err != nil {
		return models.Token{}, false, err
	}

	if created {
		s.log.Debug().
			Str("token_id", token.TokenID).
			Str("doctor_id", token.DoctorID).
			Int64("token_number", token.TokenNumber).
			Str("origin", token.Origin).
			Msg("token issued")
		s.publish(ctx, token, store.EventType(store.ActionIssue))
	}
	return token, created, nil
}

func normalizeIssue(in *IssueTokenInput) error {
	if in.PatientID == "" || in.DoctorID == "" {
		return fmt.Errorf("%w: patient_id and doctor_id are required", store.ErrInvalidInput)
	}
	if in.Origin == "" {
		in.Origin = models.OriginWalkIn
		if in.AppointmentID != "" {
			in.Origin = models.OriginAppointment
		}
	}
	switch in.Origin {
	case models.OriginAppointment:
		if in.AppointmentID == "" {
			return fmt.Errorf("%w: appointment_id is required for appointment tokens", store.ErrInvalidInput)
		}
	case models.OriginWalkIn:
		if in.AppointmentID != "" {
			return fmt.Errorf("%w: walk-in tokens cannot carry an appointment_id", store.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown origin %q", store.ErrInvalidInput, in.Origin)
	}
	if in.Priority == 0 {
		in.Priority = models.PriorityNormal
	}
	if !in.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", store.ErrInvalidInput, in.Priority)
	}
	switch in.InitialStatus {
	case "", models.StatusWaiting, models.StatusReady:
	default:
		return fmt.Errorf("%w: tokens start as waiting or ready", store.ErrInvalidInput)
	}
	return nil
}

type CheckInInput struct {
	RequestID     string
	AppointmentID string
	PatientID     string
	DoctorID      string
	VisitID       string
	Priority      models.Priority
	Actor         string
}

// CheckInAppointment issues the token for a scheduled visit. Checking in an
// appointment twice returns the token it already holds.
func (s *Service) CheckInAppointment(ctx context.Context, in CheckInInput) (models.Token, bool, error) {
	if in.AppointmentID == "" {
		return models.Token{}, false, fmt.Errorf("%w: appointment_id is required", store.ErrInvalidInput)
	}
	existing, err := s.store.FindActiveByAppointment(ctx, in.AppointmentID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, store.ErrAppointmentNotFound):
		return models.Token{}, false, err
	}
	return s.IssueToken(ctx, IssueTokenInput{
		RequestID:     in.RequestID,
		PatientID:     in.PatientID,
		DoctorID:      in.DoctorID,
		Priority:      in.Priority,
		Origin:        models.OriginAppointment,
		AppointmentID: in.AppointmentID,
		VisitID:       in.VisitID,
		Actor:         in.Actor,
	})
}

// CancelAppointment cascades an appointment cancellation to its active token.
func (s *Service) CancelAppointment(ctx context.Context, requestID, appointmentID, actor string) (models.Token, error) {
	token, err := s.store.FindActiveByAppointment(ctx, appointmentID)
	if err != nil {
		return models.Token{}, err
	}
	return s.Cancel(ctx, ActionInput{RequestID: requestID, TokenID: token.TokenID, Actor: actor})
}

// CheckCapacity is the advisory admission check shown to receptionists.
func (s *Service) CheckCapacity(ctx context.Context, doctorID string) (decision models.Decision, err error) {
	ctx, span := s.startSpan(ctx, "queue.CheckCapacity", attribute.String("doctor.id", doctorID))
	defer func() { endSpan(span, err) }()

	now := s.now()
	window, found, err := s.lookupWindow(ctx, doctorID, now)
	if err != nil {
		return models.Decision{}, err
	}
	active, err := s.store.ListActiveForDoctor(ctx, doctorID, s.ServiceDay(now))
	if err != nil {
		return models.Decision{}, err
	}
	in := capacity.Input{Now: now, Depth: capacity.Depth(active), MaxPatientsPerDay: s.defaultMax}
	if found {
		in.Window = &window
		if window.MaxPatientsPerDay > 0 {
			in.MaxPatientsPerDay = window.MaxPatientsPerDay
		}
	}
	return capacity.Evaluate(in), nil
}

// QueueStatus returns today's tokens for a doctor with the dashboard
// summary. When statuses is non-empty only matching tokens are listed; the
// summary always covers the whole day.
func (s *Service) QueueStatus(ctx context.Context, doctorID string, statuses []string) (models.QueueStatus, error) {
	now := s.now()
	day := s.ServiceDay(now)
	tokens, err := s.store.ListForDoctorDay(ctx, doctorID, day)
	if err != nil {
		return models.QueueStatus{}, err
	}
	status := readmodel.Build(doctorID, day, tokens, now, s.defaultConsultation)
	if len(statuses) > 0 {
		status.Tokens = filterStatuses(tokens, statuses)
	}
	return status, nil
}

func filterStatuses(tokens []models.Token, statuses []string) []models.Token {
	wanted := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	filtered := []models.Token{}
	for _, token := range tokens {
		if wanted[token.Status] {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

func (s *Service) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return s.store.GetToken(ctx, tokenID)
}

func (s *Service) TokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	if _, err := s.store.GetToken(ctx, tokenID); err != nil {
		return nil, err
	}
	return s.store.ListTokenEvents(ctx, tokenID)
}

func (s *Service) OutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	return s.store.ListOutboxEvents(ctx, after, limit)
}

func (s *Service) lookupWindow(ctx context.Context, doctorID string, at time.Time) (models.WorkingWindow, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	window, found, err := s.directory.WorkingWindow(ctx, doctorID, at)
	if err != nil {
		return models.WorkingWindow{}, false, fmt.Errorf("%w: availability lookup: %v", store.ErrUpstreamUnavailable, err)
	}
	return window, found, nil
}

func (s *Service) publish(ctx context.Context, token models.Token, eventType string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(context.WithoutCancel(ctx), token, eventType)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
