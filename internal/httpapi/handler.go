package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinic/visit-queue/internal/identity"
	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/queue"
	"clinic/visit-queue/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueService is the orchestrator surface the handlers drive.
type QueueService interface {
	IssueToken(ctx context.Context, in queue.IssueTokenInput) (models.Token, bool, error)
	CheckInAppointment(ctx context.Context, in queue.CheckInInput) (models.Token, bool, error)
	CancelAppointment(ctx context.Context, requestID, appointmentID, actor string) (models.Token, error)
	CheckCapacity(ctx context.Context, doctorID string) (models.Decision, error)
	QueueStatus(ctx context.Context, doctorID string, statuses []string) (models.QueueStatus, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	TokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error)
	OutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)

	MarkReady(ctx context.Context, in queue.ActionInput) (models.Token, error)
	UnmarkReady(ctx context.Context, in queue.ActionInput) (models.Token, error)
	StartConsultation(ctx context.Context, in queue.ActionInput) (models.Token, error)
	CompleteConsultation(ctx context.Context, in queue.ActionInput) (models.Token, error)
	MarkMissed(ctx context.Context, in queue.ActionInput) (models.Token, error)
	Cancel(ctx context.Context, in queue.ActionInput) (models.Token, error)
	SetDelay(ctx context.Context, in queue.ActionInput) (models.Token, error)
	ClearDelay(ctx context.Context, in queue.ActionInput) (models.Token, error)
	SetPriority(ctx context.Context, in queue.ActionInput) (models.Token, error)
	AttachVisit(ctx context.Context, in queue.ActionInput) (models.Token, error)

	CallNext(ctx context.Context, in queue.DoctorActionInput) (models.Token, error)
	CallNextAndStart(ctx context.Context, in queue.DoctorActionInput) (models.Token, error)
	ForceEndConsultation(ctx context.Context, in queue.DoctorActionInput) (models.Token, error)
}

// HealthChecker reports dependency health for /healthz.
type HealthChecker interface {
	Check(ctx context.Context) (interface{}, error)
}

type Handler struct {
	service QueueService
	health  HealthChecker
	log     zerolog.Logger
}

type Options struct {
	Health HealthChecker
	Logger zerolog.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func NewHandler(service QueueService, options Options) *Handler {
	return &Handler{
		service: service,
		health:  options.Health,
		log:     options.Logger,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleIssueToken)
	mux.HandleFunc("/api/tokens/", h.handleTokenRoutes)
	mux.HandleFunc("/api/doctors/", h.handleDoctorRoutes)
	mux.HandleFunc("/api/appointments/checkin", h.handleAppointmentCheckin)
	mux.HandleFunc("/api/appointments/", h.handleAppointmentRoutes)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	details, err := h.health.Check(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "database": details})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "database": details})
}

type issueTokenRequest struct {
	RequestID     string          `json:"request_id"`
	PatientID     string          `json:"patient_id"`
	DoctorID      string          `json:"doctor_id"`
	Priority      models.Priority `json:"priority"`
	Origin        string          `json:"origin"`
	AppointmentID string          `json:"appointment_id"`
	VisitID       string          `json:"visit_id"`
	InitialStatus string          `json:"initial_status"`
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = requestIDOrHeader(r, req.RequestID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.Origin = strings.TrimSpace(req.Origin)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.VisitID = strings.TrimSpace(req.VisitID)

	if req.PatientID == "" || req.DoctorID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_id and doctor_id are required", nil)
		return
	}
	if !validIDs(req.RequestID, req.PatientID, req.DoctorID) || !optionalIDs(req.AppointmentID, req.VisitID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "ids must be UUIDs", nil)
		return
	}
	initial := ""
	if req.InitialStatus != "" {
		status, ok := canonicalStatus(req.InitialStatus)
		if !ok {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "initial_status is not a known status", nil)
			return
		}
		initial = status
	}

	token, created, err := h.service.IssueToken(r.Context(), queue.IssueTokenInput{
		RequestID:     req.RequestID,
		PatientID:     req.PatientID,
		DoctorID:      req.DoctorID,
		Priority:      req.Priority,
		Origin:        req.Origin,
		AppointmentID: req.AppointmentID,
		VisitID:       req.VisitID,
		InitialStatus: initial,
		Actor:         actorFromRequest(r),
	})
	if err != nil {
		h.writeServiceError(w, req.RequestID, err)
		return
	}
	writeJSON(w, createdStatus(created), token)
}

type checkInRequest struct {
	RequestID     string          `json:"request_id"`
	AppointmentID string          `json:"appointment_id"`
	PatientID     string          `json:"patient_id"`
	DoctorID      string          `json:"doctor_id"`
	VisitID       string          `json:"visit_id"`
	Priority      models.Priority `json:"priority"`
}

func (h *Handler) handleAppointmentCheckin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req checkInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = requestIDOrHeader(r, req.RequestID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.VisitID = strings.TrimSpace(req.VisitID)
	if req.AppointmentID == "" || req.PatientID == "" || req.DoctorID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "appointment_id, patient_id and doctor_id are required", nil)
		return
	}
	if !validIDs(req.RequestID, req.AppointmentID, req.PatientID, req.DoctorID) || !optionalIDs(req.VisitID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "ids must be UUIDs", nil)
		return
	}

	token, created, err := h.service.CheckInAppointment(r.Context(), queue.CheckInInput{
		RequestID:     req.RequestID,
		AppointmentID: req.AppointmentID,
		PatientID:     req.PatientID,
		DoctorID:      req.DoctorID,
		VisitID:       req.VisitID,
		Priority:      req.Priority,
		Actor:         actorFromRequest(r),
	})
	if err != nil {
		h.writeServiceError(w, req.RequestID, err)
		return
	}
	writeJSON(w, createdStatus(created), token)
}

func (h *Handler) handleAppointmentRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r.URL.Path, "/api/appointments/")
	if len(parts) != 2 || parts[1] != "cancel" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	appointmentID := parts[0]
	if !isValidUUID(appointmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "appointment_id must be a UUID", nil)
		return
	}
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = requestIDOrHeader(r, req.RequestID)
	if !validIDs(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID", nil)
		return
	}

	token, err := h.service.CancelAppointment(r.Context(), req.RequestID, appointmentID, actorFromRequest(r))
	if err != nil {
		h.writeServiceError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp", nil)
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be an integer between 1 and 1000", nil)
			return
		}
		limit = parsed
	}

	events, err := h.service.OutboxEvents(r.Context(), after, limit)
	if err != nil {
		h.writeServiceError(w, "", err)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg, details := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", requestID).Str("code", code).Msg("request failed")
	}
	writeError(w, requestID, status, code, msg, details)
}

func mapError(err error) (int, string, string, map[string]interface{}) {
	var active *store.ActiveConsultationError
	var capacityErr *store.CapacityError
	var transition *store.TransitionError
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error(), nil
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found", nil
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "no active token for appointment", nil
	case errors.Is(err, store.ErrEmptyQueue):
		return http.StatusNotFound, "empty_queue", "no eligible patient in queue", nil
	case errors.Is(err, store.ErrNoActiveConsultation):
		return http.StatusNotFound, "no_active_consultation", "doctor has no active consultation", nil
	case errors.As(err, &active):
		return http.StatusConflict, "active_consultation_exists", "doctor already has an active consultation",
			map[string]interface{}{"active_token": active.Active}
	case errors.Is(err, store.ErrActiveConsultationExists):
		return http.StatusConflict, "active_consultation_exists", "doctor already has an active consultation", nil
	case errors.Is(err, store.ErrDuplicateActiveToken):
		return http.StatusConflict, "duplicate_active_token", "patient already has an active token for this doctor today", nil
	case errors.As(err, &transition):
		return http.StatusConflict, "invalid_transition", transition.Error(),
			map[string]interface{}{"from": transition.From, "attempted": transition.Attempted}
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "token state does not allow this action", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "token changed concurrently, retry", nil
	case errors.Is(err, store.ErrVisitAlreadyAttached):
		return http.StatusConflict, "visit_already_attached", "token already attached to a different visit", nil
	case errors.As(err, &capacityErr):
		return http.StatusUnprocessableEntity, "capacity_exceeded", capacityErr.Error(),
			map[string]interface{}{"decision": capacityErr.Decision}
	case errors.Is(err, store.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity, "capacity_exceeded", "doctor capacity exceeded", nil
	case errors.Is(err, store.ErrVitalsMissing):
		return http.StatusPreconditionFailed, "vitals_missing", "vitals not recorded for visit", nil
	case errors.Is(err, store.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream_unavailable", "dependent service unavailable", nil
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error", nil
	}
}

// decodeBody accepts an empty body so bare action calls need no payload.
func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload", nil)
		return false
	}
	return true
}

func requestIDOrHeader(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	return requestIDFromRequest(r)
}

func requestIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("Idempotency-Key")); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func actorFromRequest(r *http.Request) string {
	if actor, ok := identity.ActorFrom(r.Context()); ok {
		return actor.String()
	}
	return ""
}

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// validIDs treats an empty request id as absent; every other value must parse.
func validIDs(requestID string, ids ...string) bool {
	if requestID != "" && !isValidUUID(requestID) {
		return false
	}
	for _, id := range ids {
		if !isValidUUID(id) {
			return false
		}
	}
	return true
}

func optionalIDs(ids ...string) bool {
	for _, id := range ids {
		if id != "" && !isValidUUID(id) {
			return false
		}
	}
	return true
}

// canonicalStatus folds the legacy names older clients still send.
func canonicalStatus(raw string) (string, bool) {
	status := strings.ToLower(strings.TrimSpace(raw))
	switch status {
	case "called":
		status = models.StatusReady
	case "seeing_doctor", "in_consultation":
		status = models.StatusServing
	}
	return status, models.ValidStatus(status)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string, details map[string]interface{}) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
