// Package handlers provides HTTP handlers for the chart API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/opchart/go-dripline/internal/api/middleware"
	"github.com/opchart/go-dripline/internal/audit"
	"github.com/opchart/go-dripline/internal/domain/infusion"
	"github.com/opchart/go-dripline/internal/fhir/export"
	"github.com/opchart/go-dripline/internal/observability/metrics"
	"github.com/opchart/go-dripline/internal/registry"
)

// ChartHandler serves the dosing chart: derived reads, the command surface,
// and the FHIR export. Record-scoped routes are guarded by the registry
// middleware; lane- and entity-scoped routes resolve the owning record here
// and check access before touching the log.
type ChartHandler struct {
	svc     *infusion.Service
	auth    middleware.Authorizer
	trail   *audit.Trail
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewChartHandler creates a new handler
func NewChartHandler(svc *infusion.Service, logger *zap.Logger) *ChartHandler {
	return &ChartHandler{
		svc:    svc,
		logger: logger,
	}
}

// WithAuthorizer guards routes against the patient registry. Without it all
// records are reachable, which is how standalone deployments run.
func (h *ChartHandler) WithAuthorizer(auth middleware.Authorizer) *ChartHandler {
	h.auth = auth
	return h
}

// WithAuditTrail records every mutation for the historical-edit review
// screen. Nil in standalone mode; the routes depending on it vanish.
func (h *ChartHandler) WithAuditTrail(trail *audit.Trail) *ChartHandler {
	h.trail = trail
	return h
}

// WithMetrics wires command and derive counters.
func (h *ChartHandler) WithMetrics(m *metrics.Metrics) *ChartHandler {
	h.metrics = m
	return h
}

// Routes returns the handler routes
func (h *ChartHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/records/{recordID}", func(r chi.Router) {
		if h.auth != nil {
			r.Use(middleware.RecordAccess(h.auth, h.logger))
		}
		r.Get("/chart", h.GetChart)
		r.Get("/swimlanes", h.ListSwimlanes)
		r.Put("/swimlanes", h.PutSwimlanes)
		if h.trail != nil {
			r.Get("/audit", h.GetAudit)
		}
	})

	r.Route("/swimlanes/{id}", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/segments", h.GetSegments)
		r.Get("/events", h.GetEvents)
		r.Get("/sessions", h.GetSessions)
		r.Get("/doses", h.GetDoses)
		r.Get("/fhir", h.ExportFHIR)
		r.Post("/rate-changes", h.RecordRateChange)
		r.Post("/starts", h.StartNew)
		r.Post("/stop", h.Stop)
		r.Post("/sessions", h.OpenSession)
		r.Post("/doses", h.RecordDose)
	})

	r.Patch("/rate-events/{id}", h.EditRateEvent)
	r.Delete("/rate-events/{id}", h.DeleteRateEvent)

	r.Post("/sessions/{id}/stop", h.StopSession)
	r.Post("/sessions/{id}/duplicate", h.DuplicateSession)
	r.Delete("/sessions/{id}", h.DeleteSession)

	r.Patch("/doses/{id}", h.EditDose)
	r.Delete("/doses/{id}", h.DeleteDose)

	return r
}

// GetChart handles GET /records/{recordID}/chart
func (h *ChartHandler) GetChart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("chart-handler")
	ctx, span := tracer.Start(ctx, "get_chart")
	defer span.End()

	recordID := chi.URLParam(r, "recordID")
	span.SetAttributes(attribute.String("record_id", recordID))

	at, err := queryTime(r, "t")
	if err != nil {
		h.jsonError(w, "invalid t, want RFC 3339", http.StatusBadRequest)
		return
	}

	start := time.Now()
	snap, err := h.svc.Snapshot(ctx, recordID, at)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.DeriveDuration.Observe(time.Since(start).Seconds())
	}
	h.respond(w, http.StatusOK, snap)
}

// ListSwimlanes handles GET /records/{recordID}/swimlanes
func (h *ChartHandler) ListSwimlanes(w http.ResponseWriter, r *http.Request) {
	lanes, err := h.svc.Swimlanes(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, lanes)
}

// PutSwimlanes handles PUT /records/{recordID}/swimlanes. The body is the
// full lane list for the record, as pushed by the ward admin mirror.
func (h *ChartHandler) PutSwimlanes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recordID := chi.URLParam(r, "recordID")

	var lanes []*infusion.Swimlane
	if err := json.NewDecoder(r.Body).Decode(&lanes); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.svc.UpsertSwimlanes(ctx, recordID, lanes); err != nil {
		h.commandFailed(w, err)
		return
	}

	h.recordAudit(ctx, recordID, infusion.EntitySwimlane, recordID, infusion.ActionUpdated, nil, false)
	h.respond(w, http.StatusOK, map[string]interface{}{
		"record_id": recordID,
		"mirrored":  len(lanes),
	})
}

// GetAudit handles GET /records/{recordID}/audit. With ?window=24h only the
// stale-read edits inside the window are returned, which is what the review
// screen asks for.
func (h *ChartHandler) GetAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recordID := chi.URLParam(r, "recordID")

	if raw := r.URL.Query().Get("window"); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil {
			h.jsonError(w, "invalid window, want a duration like 24h", http.StatusBadRequest)
			return
		}
		entries, err := h.trail.StaleEdits(ctx, recordID, window)
		if err != nil {
			h.jsonError(w, "failed to load audit trail", http.StatusInternalServerError)
			return
		}
		h.respond(w, http.StatusOK, entries)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.trail.RecentByRecord(ctx, recordID, limit)
	if err != nil {
		h.jsonError(w, "failed to load audit trail", http.StatusInternalServerError)
		return
	}
	h.respond(w, http.StatusOK, entries)
}

// GetState handles GET /swimlanes/{id}/state
func (h *ChartHandler) GetState(w http.ResponseWriter, r *http.Request) {
	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), false)
	if !ok {
		return
	}
	at, err := queryTime(r, "t")
	if err != nil {
		h.jsonError(w, "invalid t, want RFC 3339", http.StatusBadRequest)
		return
	}

	start := time.Now()
	state, err := h.svc.RunningState(r.Context(), lane.ID, at)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.DeriveDuration.Observe(time.Since(start).Seconds())
	}
	h.respond(w, http.StatusOK, state)
}

// GetSegments handles GET /swimlanes/{id}/segments
func (h *ChartHandler) GetSegments(w http.ResponseWriter, r *http.Request) {
	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), false)
	if !ok {
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		h.jsonError(w, "invalid from, want RFC 3339", http.StatusBadRequest)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		h.jsonError(w, "invalid to, want RFC 3339", http.StatusBadRequest)
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	segments, err := h.svc.Segments(r.Context(), lane.ID, from, to)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, segments)
}

// GetEvents handles GET /swimlanes/{id}/events, the raw log for the editor.
func (h *ChartHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), false)
	if !ok {
		return
	}
	events, err := h.svc.RateEvents(r.Context(), lane.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, events)
}

// GetSessions handles GET /swimlanes/{id}/sessions. With ?t= only the
// sessions running at that instant are returned; without it the full
// history, stopped lines included.
func (h *ChartHandler) GetSessions(w http.ResponseWriter, r *http.Request) {
	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), false)
	if !ok {
		return
	}

	if _, active := r.URL.Query()["t"]; active {
		at, err := queryTime(r, "t")
		if err != nil {
			h.jsonError(w, "invalid t, want RFC 3339", http.StatusBadRequest)
			return
		}
		sessions, err := h.svc.ActiveSessions(r.Context(), lane.ID, at)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		h.respond(w, http.StatusOK, sessions)
		return
	}

	sessions, err := h.svc.Sessions(r.Context(), lane.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, sessions)
}

// GetDoses handles GET /swimlanes/{id}/doses
func (h *ChartHandler) GetDoses(w http.ResponseWriter, r *http.Request) {
	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), false)
	if !ok {
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		h.jsonError(w, "invalid from, want RFC 3339", http.StatusBadRequest)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		h.jsonError(w, "invalid to, want RFC 3339", http.StatusBadRequest)
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	doses, err := h.svc.Doses(r.Context(), lane.ID, from, to)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, doses)
}

// ExportFHIR handles GET /swimlanes/{id}/fhir, rendering the lane's history
// as a FHIR R5 bundle of MedicationAdministration resources.
func (h *ChartHandler) ExportFHIR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), false)
	if !ok {
		return
	}
	now := time.Now().UTC()

	var (
		segments []infusion.Segment
		sessions []*infusion.FreeFlowSession
		doses    []*infusion.DoseEvent
		err      error
	)
	switch lane.Mode {
	case infusion.ModeRate:
		segments, err = h.svc.Segments(ctx, lane.ID, time.Time{}, now)
	case infusion.ModeFreeFlow:
		sessions, err = h.svc.Sessions(ctx, lane.ID)
	case infusion.ModeBolus:
		doses, err = h.svc.Doses(ctx, lane.ID, time.Time{}, now)
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	bundle := export.LaneBundle(lane, segments, sessions, doses, now)
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(bundle)
}

// RateChangeRequest is the body for rate changes and fresh starts. A nil at
// means now.
type RateChangeRequest struct {
	At   *time.Time `json:"at,omitempty"`
	Rate string     `json:"rate"`
}

// RecordRateChange handles POST /swimlanes/{id}/rate-changes
func (h *ChartHandler) RecordRateChange(w http.ResponseWriter, r *http.Request) {
	h.appendStart(w, r, "record_rate_change", h.svc.RecordRateChange)
}

// StartNew handles POST /swimlanes/{id}/starts. On a rate-controlled lane a
// fresh course and a rate change are the same marker; the route exists for
// the caller's intent.
func (h *ChartHandler) StartNew(w http.ResponseWriter, r *http.Request) {
	h.appendStart(w, r, "start_new", h.svc.StartNew)
}

func (h *ChartHandler) appendStart(w http.ResponseWriter, r *http.Request, op string,
	cmd func(context.Context, string, time.Time, string) (*infusion.RateEvent, error)) {
	ctx := r.Context()
	tracer := otel.Tracer("chart-handler")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), true)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("swimlane_id", lane.ID))

	var req RateChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	event, err := cmd(ctx, lane.ID, timeOrZero(req.At), req.Rate)
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RateChangesRecorded.Inc()
	}

	h.logger.Info("rate change accepted",
		zap.String("swimlane_id", lane.ID),
		zap.String("event_id", event.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	h.recordAudit(ctx, lane.RecordID, infusion.EntityRateEvent, event.ID, infusion.ActionCreated, nil, false)
	h.respond(w, http.StatusCreated, event)
}

// StopRequest is the body for stopping a lane or a session. A nil at means
// now.
type StopRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// Stop handles POST /swimlanes/{id}/stop
func (h *ChartHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("chart-handler")
	ctx, span := tracer.Start(ctx, "stop_infusion")
	defer span.End()

	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), true)
	if !ok {
		return
	}

	var req StopRequest
	if err := decodeOptional(r, &req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.svc.Stop(ctx, lane.ID, timeOrZero(req.At))
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.StopsRecorded.Inc()
	}
	if outcome.Event != nil {
		h.recordAudit(ctx, lane.RecordID, infusion.EntityRateEvent, outcome.Event.ID, infusion.ActionCreated, nil, false)
	}
	h.respond(w, http.StatusOK, outcome)
}

// EditRateEventRequest is the body for PATCH /rate-events/{id}. Absent
// fields stay unchanged; read_at is the caller's last read of the event and
// feeds the stale-read advisory.
type EditRateEventRequest struct {
	At     *time.Time `json:"at,omitempty"`
	Kind   *string    `json:"kind,omitempty"`
	Rate   *string    `json:"rate,omitempty"`
	ReadAt *time.Time `json:"read_at,omitempty"`
}

// EventMutationResponse carries the mutated event plus the stale-read
// advisory when one was raised. The advisory never blocks the write.
type EventMutationResponse struct {
	Event   *infusion.RateEvent `json:"event,omitempty"`
	Warning *WarningPayload     `json:"warning,omitempty"`
}

// WarningPayload is the wire form of a concurrent-modification advisory.
type WarningPayload struct {
	Message   string    `json:"message"`
	ReadAt    time.Time `json:"read_at"`
	ChangedAt time.Time `json:"changed_at"`
}

func warningPayload(warn *infusion.ConcurrentModificationWarning) *WarningPayload {
	if warn == nil {
		return nil
	}
	return &WarningPayload{
		Message:   warn.Message(),
		ReadAt:    warn.ReadAt,
		ChangedAt: warn.ChangedAt,
	}
}

// EditRateEvent handles PATCH /rate-events/{id}
func (h *ChartHandler) EditRateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("chart-handler")
	ctx, span := tracer.Start(ctx, "edit_rate_event")
	defer span.End()

	eventID := chi.URLParam(r, "id")
	_, lane, ok := h.eventFor(w, r, eventID)
	if !ok {
		return
	}

	var req EditRateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	patch := infusion.RateEventPatch{
		At:     req.At,
		Rate:   req.Rate,
		ReadAt: req.ReadAt,
	}
	if req.Kind != nil {
		kind := infusion.EventKind(*req.Kind)
		patch.Kind = &kind
	}

	event, warn, err := h.svc.EditRateEvent(ctx, eventID, patch)
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.HistoricalEdits.Inc()
		if warn != nil {
			h.metrics.StaleEdits.Inc()
		}
	}
	h.recordAudit(ctx, lane.RecordID, infusion.EntityRateEvent, eventID, infusion.ActionUpdated, req.ReadAt, warn != nil)
	h.respond(w, http.StatusOK, EventMutationResponse{Event: event, Warning: warningPayload(warn)})
}

// DeleteRateEvent handles DELETE /rate-events/{id}. read_at rides the query
// string because DELETE bodies do not survive every proxy.
func (h *ChartHandler) DeleteRateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("chart-handler")
	ctx, span := tracer.Start(ctx, "delete_rate_event")
	defer span.End()

	eventID := chi.URLParam(r, "id")
	_, lane, ok := h.eventFor(w, r, eventID)
	if !ok {
		return
	}

	readAt, err := queryTimePtr(r, "read_at")
	if err != nil {
		h.jsonError(w, "invalid read_at, want RFC 3339", http.StatusBadRequest)
		return
	}

	warn, err := h.svc.DeleteRateEvent(ctx, eventID, readAt)
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.HistoricalEdits.Inc()
		if warn != nil {
			h.metrics.StaleEdits.Inc()
		}
	}
	h.recordAudit(ctx, lane.RecordID, infusion.EntityRateEvent, eventID, infusion.ActionDeleted, readAt, warn != nil)
	h.respond(w, http.StatusOK, EventMutationResponse{Warning: warningPayload(warn)})
}

// OpenSessionRequest is the body for POST /swimlanes/{id}/sessions.
// replace_existing carries the caller's intent: true stops whatever is
// running and takes over the line, false hangs a parallel line.
type OpenSessionRequest struct {
	Start           *time.Time `json:"start,omitempty"`
	Dose            string     `json:"dose"`
	Label           string     `json:"label,omitempty"`
	ReplaceExisting bool       `json:"replace_existing"`
}

// OpenSession handles POST /swimlanes/{id}/sessions
func (h *ChartHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("chart-handler")
	ctx, span := tracer.Start(ctx, "open_freeflow_session")
	defer span.End()

	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), true)
	if !ok {
		return
	}

	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Bool("replace_existing", req.ReplaceExisting))

	outcome, err := h.svc.OpenFreeFlowSession(ctx, infusion.OpenSessionParams{
		SwimlaneID:      lane.ID,
		Start:           timeOrZero(req.Start),
		Dose:            req.Dose,
		Label:           req.Label,
		ReplaceExisting: req.ReplaceExisting,
	})
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SessionsOpen.Sub(float64(len(outcome.Replaced)))
		h.metrics.SessionsOpen.Inc()
	}
	h.recordAudit(ctx, lane.RecordID, infusion.EntitySession, outcome.Session.ID, infusion.ActionCreated, nil, false)
	h.respond(w, http.StatusCreated, outcome)
}

// StopSession handles POST /sessions/{id}/stop
func (h *ChartHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")
	_, lane, ok := h.sessionFor(w, r, sessionID)
	if !ok {
		return
	}

	var req StopRequest
	if err := decodeOptional(r, &req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.svc.StopFreeFlowSession(ctx, sessionID, timeOrZero(req.At))
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SessionsOpen.Dec()
	}
	h.recordAudit(ctx, lane.RecordID, infusion.EntitySession, sessionID, infusion.ActionUpdated, nil, false)
	h.respond(w, http.StatusOK, session)
}

// DuplicateSessionRequest is the body for POST /sessions/{id}/duplicate. A
// nil start means now.
type DuplicateSessionRequest struct {
	Start *time.Time `json:"start,omitempty"`
}

// DuplicateSession handles POST /sessions/{id}/duplicate, the repeat-dose
// shortcut: same dose and label, fresh start time, fresh line.
func (h *ChartHandler) DuplicateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")
	_, lane, ok := h.sessionFor(w, r, sessionID)
	if !ok {
		return
	}

	var req DuplicateSessionRequest
	if err := decodeOptional(r, &req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.svc.DuplicateFreeFlowSession(ctx, sessionID, timeOrZero(req.Start))
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SessionsOpen.Inc()
	}
	h.recordAudit(ctx, lane.RecordID, infusion.EntitySession, session.ID, infusion.ActionCreated, nil, false)
	h.respond(w, http.StatusCreated, session)
}

// DeleteSession handles DELETE /sessions/{id}
func (h *ChartHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")
	_, lane, ok := h.sessionFor(w, r, sessionID)
	if !ok {
		return
	}

	if err := h.svc.DeleteFreeFlowSession(ctx, sessionID); err != nil {
		h.commandFailed(w, err)
		return
	}
	h.recordAudit(ctx, lane.RecordID, infusion.EntitySession, sessionID, infusion.ActionDeleted, nil, false)
	h.respond(w, http.StatusOK, map[string]string{"deleted": sessionID})
}

// DoseRequest is the body for POST /swimlanes/{id}/doses. A nil at means
// now; an empty dose falls back to the lane default when one is configured.
type DoseRequest struct {
	At   *time.Time `json:"at,omitempty"`
	Dose string     `json:"dose"`
	Note string     `json:"note,omitempty"`
}

// RecordDose handles POST /swimlanes/{id}/doses
func (h *ChartHandler) RecordDose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("chart-handler")
	ctx, span := tracer.Start(ctx, "record_dose")
	defer span.End()

	lane, ok := h.laneFor(w, r, chi.URLParam(r, "id"), true)
	if !ok {
		return
	}

	var req DoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	dose, err := h.svc.RecordDose(ctx, lane.ID, timeOrZero(req.At), req.Dose, req.Note)
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	h.recordAudit(ctx, lane.RecordID, infusion.EntityDose, dose.ID, infusion.ActionCreated, nil, false)
	h.respond(w, http.StatusCreated, dose)
}

// EditDoseRequest is the body for PATCH /doses/{id}.
type EditDoseRequest struct {
	At     *time.Time `json:"at,omitempty"`
	Dose   *string    `json:"dose,omitempty"`
	Note   *string    `json:"note,omitempty"`
	ReadAt *time.Time `json:"read_at,omitempty"`
}

// DoseMutationResponse mirrors EventMutationResponse for point doses.
type DoseMutationResponse struct {
	Dose    *infusion.DoseEvent `json:"dose,omitempty"`
	Warning *WarningPayload     `json:"warning,omitempty"`
}

// EditDose handles PATCH /doses/{id}
func (h *ChartHandler) EditDose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doseID := chi.URLParam(r, "id")
	_, lane, ok := h.doseFor(w, r, doseID)
	if !ok {
		return
	}

	var req EditDoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	dose, warn, err := h.svc.EditDose(ctx, doseID, infusion.DosePatch{
		At:     req.At,
		Dose:   req.Dose,
		Note:   req.Note,
		ReadAt: req.ReadAt,
	})
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.HistoricalEdits.Inc()
		if warn != nil {
			h.metrics.StaleEdits.Inc()
		}
	}
	h.recordAudit(ctx, lane.RecordID, infusion.EntityDose, doseID, infusion.ActionUpdated, req.ReadAt, warn != nil)
	h.respond(w, http.StatusOK, DoseMutationResponse{Dose: dose, Warning: warningPayload(warn)})
}

// DeleteDose handles DELETE /doses/{id}
func (h *ChartHandler) DeleteDose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doseID := chi.URLParam(r, "id")
	_, lane, ok := h.doseFor(w, r, doseID)
	if !ok {
		return
	}

	readAt, err := queryTimePtr(r, "read_at")
	if err != nil {
		h.jsonError(w, "invalid read_at, want RFC 3339", http.StatusBadRequest)
		return
	}

	warn, err := h.svc.DeleteDose(ctx, doseID, readAt)
	if err != nil {
		h.commandFailed(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.HistoricalEdits.Inc()
		if warn != nil {
			h.metrics.StaleEdits.Inc()
		}
	}
	h.recordAudit(ctx, lane.RecordID, infusion.EntityDose, doseID, infusion.ActionDeleted, readAt, warn != nil)
	h.respond(w, http.StatusOK, DoseMutationResponse{Warning: warningPayload(warn)})
}

// laneFor resolves a lane and checks record access, writing the error
// response itself when either step fails.
func (h *ChartHandler) laneFor(w http.ResponseWriter, r *http.Request, swimlaneID string, write bool) (*infusion.Swimlane, bool) {
	lane, err := h.svc.Swimlane(r.Context(), swimlaneID)
	if err != nil {
		h.writeDomainError(w, err)
		return nil, false
	}
	if !h.allowed(w, r, lane.RecordID, write) {
		return nil, false
	}
	return lane, true
}

func (h *ChartHandler) eventFor(w http.ResponseWriter, r *http.Request, eventID string) (*infusion.RateEvent, *infusion.Swimlane, bool) {
	event, err := h.svc.RateEvent(r.Context(), eventID)
	if err != nil {
		h.writeDomainError(w, err)
		return nil, nil, false
	}
	lane, ok := h.laneFor(w, r, event.SwimlaneID, true)
	if !ok {
		return nil, nil, false
	}
	return event, lane, true
}

func (h *ChartHandler) sessionFor(w http.ResponseWriter, r *http.Request, sessionID string) (*infusion.FreeFlowSession, *infusion.Swimlane, bool) {
	session, err := h.svc.Session(r.Context(), sessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return nil, nil, false
	}
	lane, ok := h.laneFor(w, r, session.SwimlaneID, true)
	if !ok {
		return nil, nil, false
	}
	return session, lane, true
}

func (h *ChartHandler) doseFor(w http.ResponseWriter, r *http.Request, doseID string) (*infusion.DoseEvent, *infusion.Swimlane, bool) {
	dose, err := h.svc.Dose(r.Context(), doseID)
	if err != nil {
		h.writeDomainError(w, err)
		return nil, nil, false
	}
	lane, ok := h.laneFor(w, r, dose.SwimlaneID, true)
	if !ok {
		return nil, nil, false
	}
	return dose, lane, true
}

func (h *ChartHandler) allowed(w http.ResponseWriter, r *http.Request, recordID string, write bool) bool {
	if h.auth == nil {
		return true
	}
	if err := h.auth.Authorize(r.Context(), recordID, middleware.GetActor(r.Context()), write); err != nil {
		h.writeDomainError(w, err)
		return false
	}
	return true
}

func (h *ChartHandler) recordAudit(ctx context.Context, recordID string, entity infusion.EntityKind, entityID string, action infusion.ChangeAction, readAt *time.Time, stale bool) {
	if h.trail == nil {
		return
	}
	entry := &audit.Entry{
		RecordID: recordID,
		Entity:   string(entity),
		EntityID: entityID,
		Action:   string(action),
		Actor:    middleware.GetActor(ctx),
		At:       time.Now().UTC(),
		ReadAt:   readAt,
		Stale:    stale,
	}
	if err := h.trail.Record(ctx, entry); err != nil {
		h.logger.Warn("audit entry not recorded",
			zap.String("record_id", recordID),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// commandFailed maps a command error and bumps the failure counter.
func (h *ChartHandler) commandFailed(w http.ResponseWriter, err error) {
	if h.metrics != nil {
		h.metrics.CommandsFailed.Inc()
	}
	h.writeDomainError(w, err)
}

// writeDomainError maps typed domain and registry errors onto HTTP status
// codes. Collisions only reach here when the nudge budget ran out.
func (h *ChartHandler) writeDomainError(w http.ResponseWriter, err error) {
	var verr *infusion.ValidationError
	var nferr *infusion.NotFoundError
	var cerr *infusion.TimestampCollisionError
	switch {
	case errors.As(err, &verr):
		h.jsonError(w, verr.Error(), http.StatusBadRequest)
	case errors.As(err, &nferr):
		h.jsonError(w, nferr.Error(), http.StatusNotFound)
	case errors.As(err, &cerr):
		h.jsonError(w, cerr.Error(), http.StatusConflict)
	case errors.Is(err, registry.ErrAccessDenied):
		h.jsonError(w, "record access denied", http.StatusForbidden)
	case errors.Is(err, registry.ErrRecordUnknown):
		h.jsonError(w, "record not registered", http.StatusNotFound)
	case errors.Is(err, registry.ErrUnavailable):
		h.jsonError(w, "patient registry unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *ChartHandler) respond(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *ChartHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// queryTime parses an RFC 3339 query parameter. Absent or empty means the
// zero time, which commands and reads treat as now.
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func queryTimePtr(r *http.Request, name string) (*time.Time, error) {
	t, err := queryTime(r, name)
	if err != nil {
		return nil, err
	}
	if t.IsZero() {
		return nil, nil
	}
	return &t, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// decodeOptional decodes a body that is allowed to be absent entirely.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
