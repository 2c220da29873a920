package simpleaction

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	applog "github.com/tendant/simple-action/internal/log"
)

// maxRequestBody caps trigger and status request bodies
const maxRequestBody = 1 << 20

type triggerRequest struct {
	WorkflowID        string          `json:"workflow_id"`
	TriggerName       string          `json:"trigger_name"`
	RelatedEntityKind string          `json:"related_entity_kind"`
	RelatedEntityID   string          `json:"related_entity_id"`
	Meta              json.RawMessage `json:"meta,omitempty"`
	EventTime         *time.Time      `json:"event_time,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler exposes the engine over HTTP:
//
//	POST /v1/triggers                 trigger ingestion
//	POST /v1/attempts/{id}/status     status callback (attempt must be dispatching)
//	POST /v1/attempts/{id}/stop       stop a non-terminal attempt
//	POST /v1/attempts/{id}/retry      requeue a failed attempt
//	GET  /v1/attempts/{id}
//	GET  /v1/attempts?kind=&entity_id=
//	GET  /v1/attempts?status=&workflow_id=&limit=
//	GET  /healthz
func NewHandler(engine *Engine, logger logrus.FieldLogger) http.Handler {
	if logger == nil {
		logger = applog.GetLogger()
	}
	h := &apiHandler{engine: engine, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/triggers", h.trigger)
		r.Get("/attempts", h.listAttempts)
		r.Route("/attempts/{id}", func(r chi.Router) {
			r.Get("/", h.getAttempt)
			r.Post("/status", h.reportStatus)
			r.Post("/stop", h.stop)
			r.Post("/retry", h.retry)
		})
	})
	return r
}

type apiHandler struct {
	engine *Engine
	log    logrus.FieldLogger
}

func (h *apiHandler) trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t := Trigger{
		WorkflowID:  req.WorkflowID,
		TriggerName: req.TriggerName,
		Correlation: Correlation{Kind: req.RelatedEntityKind, ID: req.RelatedEntityID},
		Meta:        req.Meta,
	}
	if req.EventTime != nil {
		t.EventTime = *req.EventTime
	}

	attempts, err := h.engine.Expand(r.Context(), t)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"attempts": attempts})
}

func (h *apiHandler) reportStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusReport
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a, err := h.engine.ReportStatus(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *apiHandler) stop(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *apiHandler) retry(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *apiHandler) getAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *apiHandler) listAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		attempts []*ActionAttempt
		err      error
	)
	switch {
	case q.Get("entity_id") != "":
		attempts, err = h.engine.ListByCorrelation(r.Context(), q.Get("kind"), q.Get("entity_id"))
	case q.Get("status") != "":
		filter := ListFilter{WorkflowID: q.Get("workflow_id")}
		if v := q.Get("limit"); v != "" {
			filter.Limit, err = strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
				return
			}
		}
		attempts, err = h.engine.ListByStatus(r.Context(), Status(q.Get("status")), filter)
	default:
		writeError(w, http.StatusBadRequest, errors.New("either entity_id or status is required"))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*ActionAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func (h *apiHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.log.WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateActiveAttempt):
		return http.StatusConflict
	case errors.Is(err, ErrInactiveWorkflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidTrigger):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
