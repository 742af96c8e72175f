// Package broker talks to the Trading 212 history export API.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/t212-digrin/internal/logger"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// Exporter is the subset of the broker API the application uses.
type Exporter interface {
	// ListExports returns every export job known to the broker.
	ListExports(ctx context.Context) ([]ExportJob, error)

	// CreateExport requests a new export for the period and returns its report id.
	CreateExport(ctx context.Context, from, to time.Time) (int64, error)

	// Download fetches the CSV behind a finished job's download link.
	Download(ctx context.Context, link string) ([]byte, error)
}

// Client is the HTTP implementation of Exporter.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for baseURL (e.g. https://live.trading212.com/api/v0).
func NewClient(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("NewClient: api key is required")
	}
	if baseURL == "" {
		return nil, errors.New("NewClient: base URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}, nil
}

func (c *Client) exportsURL() string {
	return c.baseURL + "/history/exports"
}

// ListExports implements Exporter. An empty body or list yields no jobs.
func (c *Client) ListExports(ctx context.Context) ([]ExportJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.exportsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("ListExports: build request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)

	body, err := c.do(req, "ListExports")
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var jobs []ExportJob
	if err := json.Unmarshal(body, &jobs); err != nil {
		return nil, fmt.Errorf("ListExports: decode response: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Debug().Int("exports", len(jobs)).Msg("Listed exports")
	return jobs, nil
}

// CreateExport implements Exporter. Every data category is included.
func (c *Client) CreateExport(ctx context.Context, from, to time.Time) (int64, error) {
	payload, err := json.Marshal(createExportRequest{
		DataIncluded: AllData,
		TimeFrom:     from.UTC().Format(requestTimeLayout),
		TimeTo:       to.UTC().Format(requestTimeLayout),
	})
	if err != nil {
		return 0, fmt.Errorf("CreateExport: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.exportsURL(), bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("CreateExport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	body, err := c.do(req, "CreateExport")
	if err != nil {
		return 0, err
	}

	var resp createExportResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("CreateExport: decode response: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int64("report_id", resp.ReportID).
		Time("time_from", from).
		Time("time_to", to).
		Msg("Export requested")
	return resp.ReportID, nil
}

// Download implements Exporter. The link is pre-signed, so no credentials
// are attached.
func (c *Client) Download(ctx context.Context, link string) ([]byte, error) {
	if link == "" {
		return nil, errors.New("Download: empty download link")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("Download: build request: %w", err)
	}
	return c.do(req, "Download")
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	return body, nil
}

// Ensure Client implements Exporter.
var _ Exporter = (*Client)(nil)
