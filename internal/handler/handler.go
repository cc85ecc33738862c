// Package handler exposes the JSON API: rubric schemas, submission
// upload and grading actions, review, export, and user management.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"papergrader/internal/export"
	"papergrader/internal/grader"
	"papergrader/internal/model"
	"papergrader/internal/store"
)

const maxUploadBytes = 32 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	orch     *grader.Orchestrator
	reviewer *grader.Reviewer
	runner   *grader.Runner
	config   model.ServerConfig
}

// New creates a Handler.
func New(s *store.Store, orch *grader.Orchestrator, cfg model.ServerConfig) *Handler {
	return &Handler{
		store:    s,
		orch:     orch,
		reviewer: grader.NewReviewer(s),
		runner:   grader.NewRunner(),
		config:   cfg,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/login", h.handleLogin)
	r.Post("/api/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Route("/api/schemas", func(r chi.Router) {
			r.Get("/", h.handleListSchemas)
			r.Get("/{schemaID}", h.handleGetSchema)
			r.Get("/{schemaID}/export", h.handleExport)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))
				r.Post("/", h.handleCreateSchema)
				r.Put("/{schemaID}", h.handleUpdateSchema)
				r.Delete("/{schemaID}", h.handleDeleteSchema)
			})
		})

		r.Route("/api/submissions", func(r chi.Router) {
			r.Post("/", h.handleUploadSubmission)
			r.Get("/", h.handleListSubmissions)
			r.Get("/{submissionID}", h.handleGetSubmission)
			r.Post("/{submissionID}/process", h.handleProcess)
			r.Post("/{submissionID}/score", h.handleScore)
			r.Post("/{submissionID}/retry", h.handleRetry)
			r.Post("/{submissionID}/cancel", h.handleCancel)
			r.Post("/{submissionID}/review", h.handleReview)
			r.Post("/batch", h.handleBatch)
		})

		r.Route("/api/admin/users", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/", h.handleListUsers)
			r.Post("/", h.handleCreateUser)
			r.Post("/{userID}/toggle", h.handleToggleUserActive)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy onto HTTP statuses: missing records
// to 404, state and version conflicts to 409, validation to 400.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, grader.ErrInvalidTransition),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrSchemaInUse):
		return http.StatusConflict
	case errors.Is(err, store.ErrBreakdownMismatch),
		errors.Is(err, export.ErrNothingToExport):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func (h *Handler) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.store.ListSchemas()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas)
}

func (h *Handler) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "schemaID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	schema, err := h.store.GetSchema(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *Handler) handleCreateSchema(w http.ResponseWriter, r *http.Request) {
	var schema model.RubricSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	id, err := h.store.CreateSchema(schema)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	created, err := h.store.GetSchema(id)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("schema created", "id", id, "name", created.Name)
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "schemaID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var schema model.RubricSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	schema.ID = id
	if err := h.store.UpdateSchema(schema); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, err)
		} else {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return
	}
	updated, err := h.store.GetSchema(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "schemaID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.store.DeleteSchema(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUploadSubmission(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "upload too large"})
		return
	}

	schemaID, err := strconv.ParseInt(r.FormValue("schema_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid schema_id"})
		return
	}
	if _, err := h.store.GetSchema(schemaID); err != nil {
		writeError(w, err)
		return
	}

	files := r.MultipartForm.File["pages"]
	if len(files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one page image required"})
		return
	}

	var images []string
	for _, fh := range files {
		path, err := h.savePage(fh)
		if err != nil {
			slog.Error("save uploaded page", "filename", fh.Filename, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store upload"})
			return
		}
		images = append(images, path)
	}

	id, err := h.store.CreateSubmission(model.Submission{
		SchemaID:      schemaID,
		CandidateName: r.FormValue("candidate_name"),
		Images:        images,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	sub, err := h.store.GetSubmission(id)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("submission uploaded", "id", id, "schema", schemaID, "pages", len(images))
	writeJSON(w, http.StatusCreated, sub)
}

// savePage stores one uploaded page under the data dir with a generated
// name, keeping the original extension for mime detection.
func (h *Handler) savePage(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	if err := os.MkdirAll(h.config.DataDir, 0o755); err != nil {
		return "", err
	}
	name := uuid.NewString() + filepath.Ext(fh.Filename)
	path := filepath.Join(h.config.DataDir, name)

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (h *Handler) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	var schemaID int64
	if v := r.URL.Query().Get("schema_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid schema_id"})
			return
		}
		schemaID = id
	}
	status := model.Status(r.URL.Query().Get("status"))

	subs, err := h.store.ListSubmissions(schemaID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "submissionID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sub, err := h.store.GetSubmission(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// startAction launches a grading action in the background after checking
// the submission's current status permits it. The status is re-checked
// inside the orchestrator; this early check exists only to answer the
// request with a meaningful conflict instead of a silent 202.
func (h *Handler) startAction(w http.ResponseWriter, r *http.Request, required []model.Status, fn func(ctx context.Context, id int64) error) {
	id, err := idParam(r, "submissionID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sub, err := h.store.GetSubmission(id)
	if err != nil {
		writeError(w, err)
		return
	}

	allowed := false
	for _, s := range required {
		if sub.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("submission %d is %s", id, sub.Status),
		})
		return
	}

	key := taskKey(id)
	started := h.runner.Start(key, func(ctx context.Context) {
		if err := fn(ctx, id); err != nil {
			slog.Error("background grading failed", "submission", id, "error", err)
		}
	})
	if !started {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("submission %d is already being processed", id),
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"submission_id": id, "started": true})
}

func taskKey(id int64) string {
	return "submission-" + strconv.FormatInt(id, 10)
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	h.startAction(w, r, []model.Status{model.StatusPending}, h.orch.ProcessSubmission)
}

func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	h.startAction(w, r, []model.Status{model.StatusExtracted}, h.orch.ScoreSubmission)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	h.startAction(w, r, []model.Status{model.StatusError}, h.orch.Retry)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "submissionID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !h.runner.Cancel(taskKey(id)) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("no running task for submission %d", id),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submission_id": id, "cancelled": true})
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmissionIDs []int64 `json:"submission_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if len(req.SubmissionIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "submission_ids required"})
		return
	}

	key := fmt.Sprintf("batch-%s", uuid.NewString())
	h.runner.Start(key, func(ctx context.Context) {
		results := h.orch.RunBatch(ctx, req.SubmissionIDs)
		failed := 0
		for _, res := range results {
			if res.Error != "" {
				failed++
			}
		}
		slog.Info("batch finished", "key", key, "total", len(results), "failed", failed)
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_key":   key,
		"submissions": len(req.SubmissionIDs),
	})
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "submissionID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var in grader.ReviewInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if in.ReviewedBy == "" {
		if user := model.UserFromContext(r.Context()); user != nil {
			in.ReviewedBy = user.Username
		}
	}

	sub, err := h.reviewer.ApplyReview(id, in)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			// Override validation errors carry no sentinel.
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		} else {
			writeError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "schemaID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	schema, err := h.store.GetSchema(id)
	if err != nil {
		writeError(w, err)
		return
	}
	subs, err := h.store.ListExportable(id)
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := export.BuildCSV(schema, subs)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := fmt.Sprintf("results-schema-%d.csv", id)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if _, err := w.Write(data); err != nil {
		slog.Error("write export", "schema", id, "error", err)
	}
}
