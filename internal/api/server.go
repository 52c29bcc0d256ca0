// Package api exposes the ingestion and answering surface over HTTP and MCP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eduverse/engine/internal/ingest"
	"github.com/eduverse/engine/internal/normalize"
	"github.com/eduverse/engine/internal/pipeline"
	"github.com/eduverse/engine/internal/storage"
	"github.com/eduverse/engine/internal/vectorindex"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Asker answers one question; implemented by pipeline.Answerer.
type Asker interface {
	Ask(ctx context.Context, req pipeline.Ask) (pipeline.Answer, error)
}

type Deps struct {
	Store   *storage.Store
	Ingest  *ingest.Service
	Index   vectorindex.Index
	Asker   Asker
	Token   string
	Logger  *slog.Logger
}

// NewHandler builds the HTTP router. Every route except /health requires
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/artifacts", handleSubmitArtifact(deps))
		r.Post("/artifacts/{id}/ingest", handleResubmit(deps))
		r.Get("/artifacts", handleListArtifacts(deps))
		r.Delete("/artifacts/{id}", handleDeleteArtifact(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/cancel", handleCancelJob(deps))
		r.Post("/ask", handleAsk(deps))
	})

	return r
}

// BearerAuth rejects requests whose Authorization header does not carry
// the expected token. Comparison is constant time.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	Locator    string `json:"locator"`
	Modality   string `json:"modality"`
	CourseID   string `json:"course_id"`
	CourseName string `json:"course_name"`
}

func handleSubmitArtifact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.OwnerID == "" || req.Name == "" || req.Locator == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id, name and locator are required")
			return
		}
		if req.Modality == "" {
			req.Modality = normalize.ModalityForFile(req.Name)
		}

		artifact := storage.Artifact{
			ID:         uuid.New().String(),
			OwnerID:    req.OwnerID,
			Name:       req.Name,
			Modality:   req.Modality,
			Locator:    req.Locator,
			CourseID:   req.CourseID,
			CourseName: req.CourseName,
			DocType:    normalize.DetectDocType(req.Name),
			CreatedAt:  time.Now().UTC(),
		}
		if err := deps.Store.SaveArtifact(artifact); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save artifact: %v", err)
			return
		}

		job, err := deps.Ingest.Submit(artifact.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue ingestion: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"artifact_id": artifact.ID,
			"job_id":      job.ID,
			"status":      job.Status,
		})
	}
}

// handleResubmit queues a new ingestion run for an existing artifact.
// An already-active job yields 409 with the conflicting job id.
func handleResubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetArtifact(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "artifact not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load artifact: %v", err)
			return
		}

		job, err := deps.Ingest.Submit(id)
		if errors.Is(err, storage.ErrJobActive) {
			httpError(w, http.StatusConflict, "conflict", "artifact already has an active job: %s", job.ID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue ingestion: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": job.Status})
	}
}

func handleListArtifacts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner_id")
		if owner == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		artifacts, err := deps.Store.ListArtifacts(owner)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list artifacts: %v", err)
			return
		}
		if artifacts == nil {
			artifacts = []storage.Artifact{}
		}
		writeJSON(w, http.StatusOK, artifacts)
	}
}

func handleDeleteArtifact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		artifact, err := deps.Store.GetArtifact(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "artifact not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load artifact: %v", err)
			return
		}

		removed, err := deps.Index.DeleteBySource(r.Context(), artifact.OwnerID, artifact.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete vectors: %v", err)
			return
		}
		if err := deps.Store.DeleteArtifact(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete artifact: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "deleted",
			"chunks_removed": removed,
		})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleCancelJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Ingest.Cancel(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusConflict, "conflict", "job is not cancellable")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel job: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
	}
}

type askRequest struct {
	OwnerID    string   `json:"owner_id"`
	SessionID  string   `json:"session_id"`
	Question   string   `json:"question"`
	CourseID   string   `json:"course_id"`
	SourceID   string   `json:"source_id"`
	Modalities []string `json:"modalities"`
	DocTypes   []string `json:"doc_types"`
	VisualOnly bool     `json:"visual_only"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.OwnerID == "" || strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id and question are required")
			return
		}

		answer, err := deps.Asker.Ask(r.Context(), pipeline.Ask{
			OwnerID:   req.OwnerID,
			SessionID: req.SessionID,
			Question:  req.Question,
			Filter: vectorindex.Filter{
				CourseID:   req.CourseID,
				SourceID:   req.SourceID,
				Modalities: req.Modalities,
				DocTypes:   req.DocTypes,
				VisualOnly: req.VisualOnly,
			},
		})
		if err != nil {
			deps.Logger.Error("ask failed", "owner", req.OwnerID, "error", err)
			httpError(w, http.StatusBadGateway, "api_error", "failed to answer: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, answer)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
