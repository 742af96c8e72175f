package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/t212-digrin/internal/api/middleware"
	"github.com/dvloznov/t212-digrin/internal/ledger"
	"github.com/dvloznov/t212-digrin/internal/pipeline"
)

// FilesHandler handles stored file endpoints.
type FilesHandler struct {
	svc FileService
	log zerolog.Logger
}

// NewFilesHandler creates a new files handler.
func NewFilesHandler(svc FileService, log zerolog.Logger) *FilesHandler {
	return &FilesHandler{
		svc: svc,
		log: log,
	}
}

// ListFiles handles GET /api/files
func (h *FilesHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := h.svc.ListRaw(ctx)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list files")
		return
	}
	transformed, err := h.svc.ListTransformed(ctx)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list files")
		return
	}
	if raw == nil {
		raw = []pipeline.FileInfo{}
	}
	if transformed == nil {
		transformed = []string{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"raw":         raw,
		"transformed": transformed,
	})
}

// Summary handles GET /api/files/{name}/summary
func (h *FilesHandler) Summary(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	sum, err := h.svc.Summary(r.Context(), name)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to summarize file")
		return
	}

	symbols := sum.Tickers()
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"name":        name,
		"summary":     sum,
		"tickers":     symbols,
		"blacklisted": h.svc.BlacklistedTickers(symbols),
	})
}

// Transform handles POST /api/transform
func (h *FilesHandler) Transform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		middleware.WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	res, err := h.svc.TransformFile(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to transform file")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// Merge handles POST /api/merge
func (h *FilesHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.From == "" || req.To == "" {
		middleware.WriteError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	res, err := h.svc.Merge(r.Context(), req.From, req.To)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to merge files")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// History handles GET /api/history
func (h *FilesHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	rows, err := h.svc.History(r.Context(), limit)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to read history")
		return
	}
	if rows == nil {
		rows = []*ledger.StoredFileRow{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"history": rows,
		"count":   len(rows),
	})
}
