package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/storevoice/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", deps.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		storeCode := strings.TrimSpace(r.FormValue("store_code"))
		if storeCode == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "store_code is required")
			return
		}

		recorded := time.Now()
		if s := r.FormValue("recorded_date"); s != "" {
			d, err := storage.ParseDate(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "recorded_date must be YYYY-MM-DD")
				return
			}
			recorded = d
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer file.Close()

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
		if !allowedExtension(deps.AllowedExtensions, ext) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported file type %q (allowed: %s)", ext, strings.Join(deps.AllowedExtensions, ", "))
			return
		}

		id := storage.NewID()
		name := id + "." + ext
		dest := filepath.Join(deps.UploadDir, name)
		if err := saveUpload(dest, file); err != nil {
			deps.logger().Error("saving upload failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save upload")
			return
		}

		f, err := deps.Store.Create(r.Context(), storage.Feedback{
			ID:               id,
			StoreCode:        storeCode,
			RecordedDate:     recorded,
			MediaPath:        name,
			OriginalFilename: header.Filename,
			SubmittedBy:      strings.TrimSpace(r.FormValue("submitted_by")),
		})
		if err != nil {
			os.Remove(dest)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create feedback: %v", err)
			return
		}
		deps.logger().Info("feedback submitted", "id", f.ID, "store", f.StoreCode, "filename", header.Filename)
		writeJSON(w, http.StatusCreated, f)
	}
}

func allowedExtension(allowed []string, ext string) bool {
	if ext == "" {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(a), "."), ext) {
			return true
		}
	}
	return false
}

func saveUpload(dest string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

func handleListFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := storage.ListFilter{
			StoreCode: q.Get("store"),
			Limit:     parseIntParam(r, "limit", defaultListLimit, maxListLimit),
		}
		if s := q.Get("status"); s != "" {
			st := storage.Status(s)
			if !st.Valid() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", s)
				return
			}
			filter.Status = st
		}
		for _, p := range []struct {
			key string
			dst *time.Time
		}{{"from", &filter.From}, {"to", &filter.To}} {
			s := q.Get(p.key)
			if s == "" {
				continue
			}
			d, err := storage.ParseDate(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s must be YYYY-MM-DD", p.key)
				return
			}
			*p.dst = d
		}

		items, err := deps.Store.List(r.Context(), filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list feedback: %v", err)
			return
		}
		if items == nil {
			items = []storage.Feedback{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"feedback": items, "count": len(items)})
	}
}

func handleGetFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		f, err := deps.Store.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "feedback %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load feedback: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}

func handleRetry(deps Deps, stage storage.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.ResetStage(r.Context(), stage, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "feedback %s not found", id)
			return
		case errors.Is(err, storage.ErrInvalidTransition):
			httpError(w, http.StatusConflict, "conflict", "feedback %s is not in %s", id, stage.Failed)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset feedback: %v", err)
			return
		}
		f, err := deps.Store.Get(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load feedback: %v", err)
			return
		}
		deps.logger().Info("feedback requeued", "id", id, "stage", stage.Name)
		writeJSON(w, http.StatusOK, f)
	}
}

func handleStores(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stores, err := deps.Store.Stores(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list stores: %v", err)
			return
		}
		if stores == nil {
			stores = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"stores": stores})
	}
}
