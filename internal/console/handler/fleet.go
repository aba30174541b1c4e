package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/fleet-orchestrator/internal/audit"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"github.com/xela07ax/fleet-orchestrator/internal/engine"
	"go.uber.org/zap"
)

// FleetService: то, что ops API берет у оркестратора.
type FleetService interface {
	Summary(ctx context.Context) domain.Summary
	Session(ctx context.Context, id string) (*domain.Session, error)
	Endpoints() []domain.Endpoint
	Report() domain.Report
	Events(limit int, subjectID string) []audit.Event
	Health(ctx context.Context) domain.HealthReport
	ScaleUp(ctx context.Context, n int) (int, error)
	ScaleDown(ctx context.Context, n int) (int, error)
	Reconcile(ctx context.Context) (engine.ReconcileResult, error)
}

const maxEventsPage = 500

type FleetHandler struct {
	service FleetService
	logger  *zap.Logger
}

func NewFleetHandler(s FleetService, logger *zap.Logger) *FleetHandler {
	return &FleetHandler{service: s, logger: logger.Named("fleet_handler")}
}

// Health отвечает всегда. critical: 503, чтобы балансировщик увидел проблему.
func (h *FleetHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.service.Health(r.Context())
	status := http.StatusOK
	if report.Status == domain.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *FleetHandler) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Summary(r.Context()))
}

func (h *FleetHandler) Session(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.service.Session(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error("session lookup failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session lookup failed")
	default:
		writeJSON(w, http.StatusOK, s)
	}
}

func (h *FleetHandler) Endpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Endpoints())
}

func (h *FleetHandler) Report(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Report())
}

// Events: GET /v1/events?limit=50&subject=<session или endpoint id>
func (h *FleetHandler) Events(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventsPage)
	}
	writeJSON(w, http.StatusOK, h.service.Events(limit, r.URL.Query().Get("subject")))
}

type ScaleRequest struct {
	Count int `json:"count"`
}

type ScaleResponse struct {
	Requested int `json:"requested"`
	Affected  int `json:"affected"`
}

func (h *FleetHandler) ScaleUp(w http.ResponseWriter, r *http.Request) {
	h.scale(w, r, h.service.ScaleUp)
}

func (h *FleetHandler) ScaleDown(w http.ResponseWriter, r *http.Request) {
	h.scale(w, r, h.service.ScaleDown)
}

func (h *FleetHandler) scale(w http.ResponseWriter, r *http.Request, op func(context.Context, int) (int, error)) {
	var req ScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Count <= 0 {
		writeError(w, http.StatusBadRequest, "count must be a positive integer")
		return
	}
	n, err := op(r.Context(), req.Count)
	if err != nil && n == 0 {
		h.writeCommandError(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("scale partially applied", zap.Int("requested", req.Count), zap.Int("affected", n), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, ScaleResponse{Requested: req.Count, Affected: n})
}

func (h *FleetHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.logger.Warn("manual reconcile failed", zap.Error(err))
		if res.Started == 0 && res.Stopped == 0 {
			h.writeCommandError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *FleetHandler) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotLeader):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrNoAccountAvailable), errors.Is(err, domain.ErrNoEndpointAvailable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("command failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "command failed")
	}
}
