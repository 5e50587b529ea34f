package httpapi

import (
	"context"
	"net/http"
	"strings"

	"clinic/visit-queue/internal/models"
	"clinic/visit-queue/internal/queue"
	"clinic/visit-queue/internal/store"
)

type actionRequest struct {
	RequestID      string          `json:"request_id"`
	VitalsRecorded *bool           `json:"vitals_recorded,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Priority       models.Priority `json:"priority,omitempty"`
	VisitID        string          `json:"visit_id,omitempty"`
}

type tokenAction func(ctx context.Context, in queue.ActionInput) (models.Token, error)

type doctorAction func(ctx context.Context, in queue.DoctorActionInput) (models.Token, error)

func (h *Handler) tokenActions() map[string]tokenAction {
	return map[string]tokenAction{
		"ready":       h.service.MarkReady,
		"waiting":     h.service.UnmarkReady,
		"start":       h.service.StartConsultation,
		"complete":    h.service.CompleteConsultation,
		"missed":      h.service.MarkMissed,
		"cancel":      h.service.Cancel,
		"delay":       h.service.SetDelay,
		"clear-delay": h.service.ClearDelay,
		"priority":    h.service.SetPriority,
		"visit":       h.service.AttachVisit,
	}
}

func (h *Handler) doctorActions() map[string]doctorAction {
	return map[string]doctorAction{
		"call-next":           h.service.CallNext,
		"call-next-and-start": h.service.CallNextAndStart,
		"force-end":           h.service.ForceEndConsultation,
	}
}

// handleTokenRoutes serves /api/tokens/{id}, /api/tokens/{id}/events and the
// POST /api/tokens/{id}/{action} transitions.
func (h *Handler) handleTokenRoutes(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/tokens/")
	if len(parts) == 0 || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tokenID := parts[0]
	if !isValidUUID(tokenID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token_id must be a UUID", nil)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		token, err := h.service.GetToken(r.Context(), tokenID)
		if err != nil {
			h.writeServiceError(w, "", err)
			return
		}
		writeJSON(w, http.StatusOK, token)
		return
	}

	if parts[1] == "events" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		events, err := h.service.TokenEvents(r.Context(), tokenID)
		if err != nil {
			h.writeServiceError(w, "", err)
			return
		}
		if events == nil {
			events = []store.TokenEvent{}
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	action, ok := h.tokenActions()[parts[1]]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = requestIDOrHeader(r, req.RequestID)
	req.VisitID = strings.TrimSpace(req.VisitID)
	if !validIDs(req.RequestID) || !optionalIDs(req.VisitID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "ids must be UUIDs", nil)
		return
	}

	token, err := action(r.Context(), queue.ActionInput{
		RequestID:      req.RequestID,
		TokenID:        tokenID,
		Actor:          actorFromRequest(r),
		VitalsRecorded: req.VitalsRecorded,
		Reason:         req.Reason,
		Priority:       req.Priority,
		VisitID:        req.VisitID,
	})
	if err != nil {
		h.writeServiceError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// handleDoctorRoutes serves the per-doctor reads and the call/force-end
// actions under /api/doctors/{doctorId}/.
func (h *Handler) handleDoctorRoutes(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/doctors/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	doctorID := parts[0]
	if !isValidUUID(doctorID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID", nil)
		return
	}

	switch parts[1] {
	case "queue":
		h.handleQueueStatus(w, r, doctorID)
		return
	case "capacity":
		h.handleCapacity(w, r, doctorID)
		return
	}

	action, ok := h.doctorActions()[parts[1]]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
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

	token, err := action(r.Context(), queue.DoctorActionInput{
		RequestID: req.RequestID,
		DoctorID:  doctorID,
		Actor:     actorFromRequest(r),
	})
	if err != nil {
		h.writeServiceError(w, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request, doctorID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var statuses []string
	for _, raw := range r.URL.Query()["status"] {
		for _, item := range strings.Split(raw, ",") {
			if strings.TrimSpace(item) == "" {
				continue
			}
			status, ok := canonicalStatus(item)
			if !ok {
				writeError(w, "", http.StatusBadRequest, "invalid_request", "unknown status "+strings.TrimSpace(item), nil)
				return
			}
			statuses = append(statuses, status)
		}
	}

	status, err := h.service.QueueStatus(r.Context(), doctorID, statuses)
	if err != nil {
		h.writeServiceError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleCapacity(w http.ResponseWriter, r *http.Request, doctorID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	decision, err := h.service.CheckCapacity(r.Context(), doctorID)
	if err != nil {
		h.writeServiceError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}
