package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/t212-digrin/internal/api/middleware"
	"github.com/dvloznov/t212-digrin/internal/broker"
	"github.com/dvloznov/t212-digrin/internal/config"
	"github.com/dvloznov/t212-digrin/internal/ledger"
	"github.com/dvloznov/t212-digrin/internal/pipeline"
	"github.com/dvloznov/t212-digrin/internal/storage"
	"github.com/dvloznov/t212-digrin/internal/transform"
)

// ExportService is the part of pipeline.Service behind the export endpoints.
type ExportService interface {
	Exports(ctx context.Context) ([]broker.ExportJob, error)
	Refresh(ctx context.Context) ([]broker.ExportJob, error)
	ExportsFetchedAt() time.Time
	DefaultPeriod(ctx context.Context) (from, to civil.Date, err error)
	CreateExport(ctx context.Context, from, to civil.Date) (int64, error)
	Download(ctx context.Context, reportID int64, filename string) (*pipeline.DownloadResult, error)
}

// FileService is the part of pipeline.Service behind the file endpoints.
type FileService interface {
	ListRaw(ctx context.Context) ([]pipeline.FileInfo, error)
	ListTransformed(ctx context.Context) ([]string, error)
	TransformFile(ctx context.Context, name string) (*pipeline.DownloadResult, error)
	Merge(ctx context.Context, from, to string) (*pipeline.MergeResult, error)
	Summary(ctx context.Context, name string) (*transform.Summary, error)
	BlacklistedTickers(symbols []string) map[string]string
	History(ctx context.Context, limit int) ([]*ledger.StoredFileRow, error)
}

var (
	_ ExportService = (*pipeline.Service)(nil)
	_ FileService   = (*pipeline.Service)(nil)
)

// writeServiceError maps a service error to an HTTP status. Broker
// failures become 502 with the upstream status in the body.
func writeServiceError(w http.ResponseWriter, log zerolog.Logger, err error, msg string) {
	var statusErr *broker.StatusError
	switch {
	case errors.As(err, &statusErr):
		log.Error().Err(err).Int("status_code", statusErr.StatusCode).Msg(msg)
		middleware.WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":           fmt.Sprintf("%s: broker returned status %d", msg, statusErr.StatusCode),
			"upstream_status": statusErr.StatusCode,
		})
	case errors.Is(err, config.ErrMissingAPIKey):
		middleware.WriteError(w, http.StatusServiceUnavailable, "Broker API key is not configured")
	case errors.Is(err, pipeline.ErrExportNotFound), errors.Is(err, storage.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrExportNotReady):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, pipeline.ErrSameFile),
		errors.Is(err, pipeline.ErrInvalidPeriod):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transform.ErrParse),
		errors.Is(err, transform.ErrMissingColumn),
		errors.Is(err, transform.ErrHeaderMismatch):
		middleware.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error().Err(err).Msg(msg)
		middleware.WriteError(w, http.StatusInternalServerError, msg)
	}
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
