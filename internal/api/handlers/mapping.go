// Package handlers provides HTTP handlers for the mapping API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/navapbc/go-piqi/internal/api/middleware"
	"github.com/navapbc/go-piqi/internal/domain/mapping"
	"github.com/navapbc/go-piqi/internal/mapper"
	"github.com/navapbc/go-piqi/internal/piqi"
	"go.uber.org/zap"
)

// HeaderFHIRVersion selects the FHIR version of a posted bundle.
const HeaderFHIRVersion = "X-FHIR-Version"

// Mapper is the part of the mapping service the handler needs.
type Mapper interface {
	Map(ctx context.Context, in mapping.Input) (*mapping.Result, error)
	Job(ctx context.Context, id string) (*mapping.Job, error)
	Events(ctx context.Context, id string) ([]*mapping.Event, error)
}

// MappingHandler handles mapping endpoints
type MappingHandler struct {
	svc      Mapper
	logger   *zap.Logger
	maxBytes int64
}

// NewMappingHandler creates a new handler. maxBytes <= 0 leaves the body
// unbounded.
func NewMappingHandler(svc Mapper, maxBytes int64, logger *zap.Logger) *MappingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MappingHandler{svc: svc, logger: logger, maxBytes: maxBytes}
}

// Routes returns the handler routes
func (h *MappingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/events", h.GetEvents)
	return r
}

// CreateResponse is the response for a mapped bundle
type CreateResponse struct {
	JobID   string        `json:"job_id"`
	Message *piqi.Message `json:"message"`
}

// ErrorResponse describes a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
	JobID string `json:"job_id,omitempty"`
}

// JobResponse summarizes a recorded job.
type JobResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Version     int             `json:"version"`
	BundleID    string          `json:"bundle_id,omitempty"`
	FHIRVersion string          `json:"fhir_version,omitempty"`
	Traversal   string          `json:"traversal,omitempty"`
	Outputs     []string        `json:"outputs,omitempty"`
	LabResults  int             `json:"lab_results"`
	Topic       string          `json:"topic,omitempty"`
	FailureCode string          `json:"failure_code,omitempty"`
	Failure     string          `json:"failure,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Create handles POST /mappings. The body is a FHIR bundle; outputs are
// chosen with repeated ?output= parameters.
func (h *MappingHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body := r.Body
	if h.maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.jsonError(w, ErrorResponse{Error: "bundle exceeds size limit"}, http.StatusRequestEntityTooLarge)
			return
		}
		h.jsonError(w, ErrorResponse{Error: "failed to read request body"}, http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		h.jsonError(w, ErrorResponse{Error: "request body is empty", Code: mapper.CodeNilInput}, http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	res, err := h.svc.Map(ctx, mapping.Input{
		Payload:       payload,
		Version:       r.Header.Get(HeaderFHIRVersion),
		Outputs:       query["output"],
		Traversal:     query.Get("traversal"),
		Source:        mapping.SourceHTTP,
		CorrelationID: middleware.GetRequestID(ctx),
	})
	if err != nil {
		resp, status := errorFor(err)
		if res != nil {
			resp.JobID = res.JobID
		}
		if status == http.StatusInternalServerError {
			h.logger.Error("mapping failed",
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err))
		}
		h.jsonError(w, resp, status)
		return
	}

	h.logger.Info("bundle mapped",
		zap.String("job_id", res.JobID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)),
		zap.Int("lab_results", len(res.Message.LabResults)),
	)

	h.writeJSON(w, http.StatusCreated, CreateResponse{JobID: res.JobID, Message: res.Message})
}

// Get handles GET /mappings/{id}
func (h *MappingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.svc.Job(r.Context(), id)
	if err != nil {
		h.notFoundOr(w, err, "failed to load mapping job")
		return
	}

	h.writeJSON(w, http.StatusOK, JobResponse{
		ID:          job.ID(),
		Status:      string(job.Status()),
		Version:     job.Version(),
		BundleID:    job.BundleID(),
		FHIRVersion: job.FHIRVersion(),
		Traversal:   job.Traversal(),
		Outputs:     job.Outputs(),
		LabResults:  job.LabResults(),
		Topic:       job.Topic(),
		FailureCode: job.FailureCode(),
		Failure:     job.Failure(),
		Message:     job.Message(),
		CreatedAt:   job.CreatedAt(),
		UpdatedAt:   job.UpdatedAt(),
	})
}

// GetEvents handles GET /mappings/{id}/events
func (h *MappingHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, err := h.svc.Events(r.Context(), id)
	if err != nil {
		h.notFoundOr(w, err, "failed to get events")
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *MappingHandler) notFoundOr(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, mapping.ErrJobNotFound) {
		h.jsonError(w, ErrorResponse{Error: "mapping job not found"}, http.StatusNotFound)
		return
	}
	h.logger.Error(msg, zap.Error(err))
	h.jsonError(w, ErrorResponse{Error: msg}, http.StatusInternalServerError)
}

// errorFor maps a service error onto a response and status code.
func errorFor(err error) (ErrorResponse, int) {
	var mapErr *mapper.MapError
	if !errors.As(err, &mapErr) {
		return ErrorResponse{Error: "failed to map bundle"}, http.StatusInternalServerError
	}
	resp := ErrorResponse{Error: mapErr.Error(), Code: mapErr.Code, Field: mapErr.Field}
	switch mapErr.Code {
	case mapper.CodeUnsupportedMapping:
		return resp, http.StatusUnprocessableEntity
	case mapper.CodeInvalidBundle, mapper.CodeNilInput:
		return resp, http.StatusBadRequest
	}
	return resp, http.StatusInternalServerError
}

func (h *MappingHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *MappingHandler) jsonError(w http.ResponseWriter, resp ErrorResponse, code int) {
	h.writeJSON(w, code, resp)
}
