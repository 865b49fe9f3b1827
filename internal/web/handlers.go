package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tororo-hospice/datawash/internal/ingest"
	"github.com/tororo-hospice/datawash/internal/logging"
	"github.com/tororo-hospice/datawash/internal/pipeline"
	"github.com/tororo-hospice/datawash/internal/resolve"
	"github.com/tororo-hospice/datawash/internal/schema"
	"github.com/tororo-hospice/datawash/internal/store"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleListForms returns the registered form names.
func (s *Server) handleListForms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"forms": schema.Names()})
}

// handleSubmitBatch accepts a multipart upload (file + form key) and runs it
// through the pipeline synchronously, returning the run report.
//
// A fatal pipeline error commits nothing: key collisions map to 409, orphan
// references to 422, everything else to 500.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if err := r.ParseMultipartForm(ingest.MaxFileSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	formName := r.FormValue("form")
	if formName == "" {
		writeError(w, http.StatusBadRequest, "missing form field: form")
		return
	}
	if _, ok := schema.Get(formName); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown form %q", formName))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing form field: file")
		return
	}
	defer file.Close()

	rawRows, err := readUpload(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch := pipeline.Batch{Rows: make([]pipeline.Row, 0, len(rawRows))}
	for _, raw := range rawRows {
		batch.Rows = append(batch.Rows, pipeline.Row{
			Source: raw.Source,
			Form:   formName,
			Fields: raw.Fields,
		})
	}

	report, err := s.orch.Run(r.Context(), batch)
	if err != nil {
		log.Error("batch failed", "file", header.Filename, "error", err)
		writeError(w, batchErrorStatus(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, report)
}

// readUpload parses an uploaded file by extension. Excel uploads are
// spooled to a temp file because the workbook reader needs a path.
func readUpload(file io.Reader, name string) ([]ingest.RawRow, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return ingest.ReadCSV(file, name)
	case ".xlsx", ".xls":
		tmp, err := os.CreateTemp("", "datawash-upload-*"+filepath.Ext(name))
		if err != nil {
			return nil, fmt.Errorf("spool upload: %w", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := io.Copy(tmp, io.LimitReader(file, ingest.MaxFileSize+1)); err != nil {
			tmp.Close()
			return nil, fmt.Errorf("spool upload: %w", err)
		}
		tmp.Close()
		return ingest.ReadExcel(tmp.Name())
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(name))
	}
}

// handleBatchReport returns the stored report of a committed batch.
func (s *Server) handleBatchReport(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	report, err := s.store.Report(r.Context(), batchID)
	if errors.Is(err, store.ErrReportNotFound) {
		writeError(w, http.StatusNotFound, "no report for batch "+batchID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(report)
}

// handleReviewQueue lists every entity flagged for manual review.
func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.LoadPool(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load pool")
		return
	}
	items := pipeline.ReviewQueue(g)
	writeJSON(w, map[string]any{
		"count": len(items),
		"items": items,
	})
}

// batchErrorStatus maps pipeline failure modes to HTTP status codes.
func batchErrorStatus(err error) int {
	var collision *resolve.KeyCollisionError
	var storeCollision *store.KeyCollisionError
	var orphan *pipeline.OrphanRefError
	switch {
	case errors.As(err, &collision), errors.As(err, &storeCollision):
		return http.StatusConflict
	case errors.As(err, &orphan):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
