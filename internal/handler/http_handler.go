package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/logger"
	"github.com/pesio-ai/be-proc-approvals/internal/repository"
	"github.com/pesio-ai/be-proc-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine  *service.ApprovalEngine
	catalog *service.CatalogService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.ApprovalEngine, catalog *service.CatalogService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:  engine,
		catalog: catalog,
		log:     log,
	}
}

// Routes mounts the REST API on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/approvals", h.Submit)
		r.Route("/approvals/{id}", func(r chi.Router) {
			r.Get("/", h.GetInstance)
			r.Post("/decisions", h.Decide)
			r.Get("/decisions", h.ListDecisions)
			r.Post("/cancel", h.Cancel)
			r.Get("/history", h.History)
			r.Get("/escalations", h.ListEscalations)
		})
		r.Get("/requests/{requestId}/approval", h.GetByRequest)
		r.Get("/approvers/{approverId}/pending", h.PendingForApprover)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Post("/", h.PublishWorkflow)
			r.Get("/{id}", h.GetWorkflow)
			r.Post("/{id}/revisions", h.ReviseWorkflow)
			r.Post("/{id}/deactivate", h.DeactivateWorkflow)
		})
	})
}

// RequestLogger logs one line per request with the chi request id.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			var ev *zerolog.Event
			if ww.Status() >= http.StatusInternalServerError {
				ev = log.Error()
			} else {
				ev = log.Debug()
			}
			ev.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

// ── Approvals ─────────────────────────────────────────────────────────────────

// Submit handles POST /api/v1/approvals
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.engine.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetInstance handles GET /api/v1/approvals/{id}
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type decideBody struct {
	ApproverID  string              `json:"approver_id"`
	Decision    repository.Decision `json:"decision"`
	Comments    string              `json:"comments"`
	StageNumber int                 `json:"stage_number"`
}

// Decide handles POST /api/v1/approvals/{id}/decisions
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var body decideBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.engine.Decide(r.Context(), service.DecideRequest{
		InstanceID:  chi.URLParam(r, "id"),
		ApproverID:  body.ApproverID,
		Decision:    body.Decision,
		Comments:    body.Comments,
		StageNumber: body.StageNumber,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListDecisions handles GET /api/v1/approvals/{id}/decisions
func (h *HTTPHandler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.engine.ListDecisions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions})
}

type cancelBody struct {
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
}

// Cancel handles POST /api/v1/approvals/{id}/cancel
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if !h.decode(w, r, &body) {
		return
	}

	inst, err := h.engine.Cancel(r.Context(), service.CancelRequest{
		InstanceID:  chi.URLParam(r, "id"),
		Reason:      body.Reason,
		CancelledBy: body.CancelledBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// History handles GET /api/v1/approvals/{id}/history
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ListEscalations handles GET /api/v1/approvals/{id}/escalations
func (h *HTTPHandler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	escalations, err := h.engine.ListEscalations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escalations": escalations})
}

// GetByRequest handles GET /api/v1/requests/{requestId}/approval
func (h *HTTPHandler) GetByRequest(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.GetByRequest(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// PendingForApprover handles GET /api/v1/approvers/{approverId}/pending
func (h *HTTPHandler) PendingForApprover(w http.ResponseWriter, r *http.Request) {
	instances, err := h.engine.PendingForApprover(r.Context(), chi.URLParam(r, "approverId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"instances": instances, "count": len(instances)})
}

// ── Workflow catalog ──────────────────────────────────────────────────────────

// ListWorkflows handles GET /api/v1/workflows?active=true
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	defs, err := h.catalog.List(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": defs})
}

// PublishWorkflow handles POST /api/v1/workflows
func (h *HTTPHandler) PublishWorkflow(w http.ResponseWriter, r *http.Request) {
	var def repository.WorkflowDefinition
	if !h.decode(w, r, &def) {
		return
	}
	out, err := h.catalog.Publish(r.Context(), &def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ReviseWorkflow handles POST /api/v1/workflows/{id}/revisions
func (h *HTTPHandler) ReviseWorkflow(w http.ResponseWriter, r *http.Request) {
	var def repository.WorkflowDefinition
	if !h.decode(w, r, &def) {
		return
	}
	out, err := h.catalog.Revise(r.Context(), chi.URLParam(r, "id"), &def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// DeactivateWorkflow handles POST /api/v1/workflows/{id}/deactivate
func (h *HTTPHandler) DeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.catalog.Deactivate(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "is_active": false})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:    string(errors.ErrCodeInvalidInput),
			Message: "Invalid request body",
		}})
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: err.Error()}})
}

// statusForCode maps application error codes to HTTP status codes.
func statusForCode(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeUnauthorizedApprover:
		return http.StatusForbidden
	case errors.ErrCodeNoApplicableWorkflow:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeConflict, errors.ErrCodeDuplicateDecision,
		errors.ErrCodeStaleDecision, errors.ErrCodeBlockedStage:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
