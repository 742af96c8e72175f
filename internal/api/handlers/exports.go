package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/t212-digrin/internal/api/middleware"
	"github.com/dvloznov/t212-digrin/internal/broker"
)

// ExportsHandler handles broker export endpoints.
type ExportsHandler struct {
	svc ExportService
	log zerolog.Logger
}

// NewExportsHandler creates a new exports handler.
func NewExportsHandler(svc ExportService, log zerolog.Logger) *ExportsHandler {
	return &ExportsHandler{
		svc: svc,
		log: log,
	}
}

func writeJobs(w http.ResponseWriter, jobs []broker.ExportJob, fetchedAt time.Time) {
	if jobs == nil {
		jobs = []broker.ExportJob{}
	}
	resp := map[string]interface{}{
		"exports": jobs,
		"count":   len(jobs),
	}
	if !fetchedAt.IsZero() {
		resp["fetched_at"] = fetchedAt.UTC().Format(time.RFC3339)
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// ListExports handles GET /api/exports
func (h *ExportsHandler) ListExports(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.Exports(r.Context())
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list exports")
		return
	}
	writeJobs(w, jobs, h.svc.ExportsFetchedAt())
}

// Refresh handles POST /api/exports/refresh
func (h *ExportsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.Refresh(r.Context())
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to refresh exports")
		return
	}
	writeJobs(w, jobs, h.svc.ExportsFetchedAt())
}

// DefaultPeriod handles GET /api/exports/period
func (h *ExportsHandler) DefaultPeriod(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.svc.DefaultPeriod(r.Context())
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to compute export period")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"from": from.String(),
		"to":   to.String(),
	})
}

// CreateExport handles POST /api/exports. An empty body or empty dates
// fall back to the default period.
func (h *ExportsHandler) CreateExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()

	var from, to civil.Date
	if req.From == "" || req.To == "" {
		defFrom, defTo, err := h.svc.DefaultPeriod(ctx)
		if err != nil {
			writeServiceError(w, h.log, err, "Failed to compute export period")
			return
		}
		from, to = defFrom, defTo
	}
	if req.From != "" {
		d, err := civil.ParseDate(req.From)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid from date, want YYYY-MM-DD")
			return
		}
		from = d
	}
	if req.To != "" {
		d, err := civil.ParseDate(req.To)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid to date, want YYYY-MM-DD")
			return
		}
		to = d
	}

	reportID, err := h.svc.CreateExport(ctx, from, to)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to create export")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"report_id": reportID,
		"from":      from.String(),
		"to":        to.String(),
	})
}

// Download handles POST /api/exports/{reportID}/download. The optional
// "filename" field overrides the stored file name.
func (h *ExportsHandler) Download(w http.ResponseWriter, r *http.Request) {
	reportID, err := strconv.ParseInt(chi.URLParam(r, "reportID"), 10, 64)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid report ID")
		return
	}

	var req struct {
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.svc.Download(r.Context(), reportID, req.Filename)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to download export")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}
