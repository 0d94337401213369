package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/vdplabs/guidance/internal/calibration"
	"github.com/vdplabs/guidance/internal/guideline"
	"github.com/vdplabs/guidance/internal/provider"
	"github.com/vdplabs/guidance/internal/service"
	"github.com/vdplabs/guidance/internal/store"
)

// GenerateRequest asks for a fresh draft for a program.
type GenerateRequest struct {
	Model string `json:"model"`
}

// GenerateResponse reports the outcome of a generation request.
type GenerateResponse struct {
	Status            string           `json:"status"`
	Draft             *guideline.Draft `json:"draft,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	RetryAfterSeconds int              `json:"retry_after_seconds,omitempty"`
}

// SaveRequest persists a draft document as a new version.
type SaveRequest struct {
	Document  guideline.Document `json:"document"`
	ModelUsed string             `json:"model_used"`
	Notes     string             `json:"notes"`
	Activate  bool               `json:"activate"`
}

// ActivateRequest flips the active pointer to an existing version.
type ActivateRequest struct {
	Version int `json:"version"`
}

// handleProgramGuidelines routes /api/v1/programs/{id}/guidelines/{action}.
func (s *Server) handleProgramGuidelines(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/programs/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "guidelines" {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}
	programID, action := parts[0], parts[2]

	org := orgID(r)
	if org == "" {
		s.respondError(w, http.StatusUnauthorized, "Missing organization")
		return
	}

	switch action {
	case "generate":
		s.handleGenerate(w, r, org, programID)
	case "save":
		s.handleSave(w, r, org, programID)
	case "activate":
		s.handleActivate(w, r, org, programID)
	case "history":
		s.handleHistory(w, r, org, programID)
	case "active":
		s.handleActive(w, r, org, programID)
	case "status":
		s.handleStatus(w, r, org, programID)
	default:
		s.respondError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, org, programID string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req GenerateRequest
	if r.ContentLength > 0 {
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := s.generation.Generate(r.Context(), org, programID, req.Model)
	if err != nil {
		s.respondGenerationError(w, err)
		return
	}

	resp := &GenerateResponse{
		Status: result.Status,
		Draft:  result.Draft,
		Reason: result.Reason,
	}
	status := http.StatusOK
	switch result.Status {
	case service.StatusRateLimited:
		resp.RetryAfterSeconds = int(result.RetryAfter.Seconds())
		status = http.StatusTooManyRequests
	case service.StatusInvalid:
		status = http.StatusUnprocessableEntity
	}
	s.respondJSON(w, status, resp)
}

// respondGenerationError maps pipeline failures onto HTTP statuses without
// leaking tenant details.
func (s *Server) respondGenerationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calibration.ErrNoCalibration):
		s.respondError(w, http.StatusBadRequest, "No calibration data found. Please complete calibration first.")
	case errors.Is(err, store.ErrTenantIsolation):
		s.respondError(w, http.StatusNotFound, store.ErrTenantIsolation.Error())
	case provider.IsKind(err, provider.KindInvalidRequest):
		s.respondError(w, http.StatusBadRequest, "Invalid model request")
	case provider.IsKind(err, provider.KindTimeout):
		s.respondError(w, http.StatusGatewayTimeout, "Model backend timed out, try again or pick another model")
	case provider.IsKind(err, provider.KindUnavailable):
		s.respondError(w, http.StatusBadGateway, "Model backend unavailable, try again later")
	default:
		log.Printf("[API] generation failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Guidelines generation failed")
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, org, programID string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req SaveRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Documents are validated on the way in even when the caller got them
	// from a previous generate call: the store only ever holds documents
	// that pass the same checks as model output.
	if err := guideline.CheckDocument(&req.Document); err != nil {
		var verr *guideline.ValidationError
		if errors.As(err, &verr) {
			s.respondError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		s.respondError(w, http.StatusBadRequest, "Invalid document")
		return
	}

	if req.ModelUsed == "" {
		req.ModelUsed = provider.DefaultModel
	}

	v, err := s.store.SaveDraft(r.Context(), org, programID, req.Document, req.ModelUsed, req.Notes, req.Activate)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.metrics.VersionsSaved.Inc()
	s.events.VersionSaved(v)
	if v.IsActive {
		s.events.VersionActivated(v)
	}
	s.respondJSON(w, http.StatusCreated, v)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request, org, programID string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ActivateRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Version < 1 {
		s.respondError(w, http.StatusBadRequest, "Version must be >= 1")
		return
	}

	v, err := s.store.Activate(r.Context(), org, programID, req.Version)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.metrics.VersionsActivated.Inc()
	s.events.VersionActivated(v)
	s.respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, org, programID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	versions, err := s.store.History(r.Context(), org, programID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if versions == nil {
		versions = []*guideline.Version{}
	}
	s.respondJSON(w, http.StatusOK, versions)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request, org, programID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	v, err := s.store.Active(r.Context(), org, programID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, org, programID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status, err := s.generation.Status(r.Context(), org, programID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

// respondStoreError maps store failures onto HTTP statuses. Tenant
// violations intentionally share the 404 shape with unknown programs.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTenantIsolation):
		s.respondError(w, http.StatusNotFound, store.ErrTenantIsolation.Error())
	case errors.Is(err, store.ErrVersionNotFound):
		s.respondError(w, http.StatusNotFound, store.ErrVersionNotFound.Error())
	default:
		log.Printf("[API] store operation failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Internal error")
	}
}
