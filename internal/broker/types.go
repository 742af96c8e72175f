package broker

import (
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
)

// ExportStatus is the broker-side state of an export job.
type ExportStatus string

const (
	StatusQueued     ExportStatus = "Queued"
	StatusProcessing ExportStatus = "Processing"
	StatusRunning    ExportStatus = "Running"
	StatusCanceled   ExportStatus = "Canceled"
	StatusFailed     ExportStatus = "Failed"
	StatusFinished   ExportStatus = "Finished"
)

// DataIncluded selects the categories an export contains.
type DataIncluded struct {
	IncludeDividends    bool `json:"includeDividends"`
	IncludeInterest     bool `json:"includeInterest"`
	IncludeOrders       bool `json:"includeOrders"`
	IncludeTransactions bool `json:"includeTransactions"`
}

// AllData includes every category.
var AllData = DataIncluded{
	IncludeDividends:    true,
	IncludeInterest:     true,
	IncludeOrders:       true,
	IncludeTransactions: true,
}

// ExportJob is one record of the export list.
type ExportJob struct {
	ReportID     int64        `json:"reportId"`
	Status       ExportStatus `json:"status"`
	TimeFrom     string       `json:"timeFrom"`
	TimeTo       string       `json:"timeTo"`
	DownloadLink string       `json:"downloadLink,omitempty"`
	DataIncluded DataIncluded `json:"dataIncluded"`
}

// IsFinished reports whether the export can be downloaded.
func (j ExportJob) IsFinished() bool {
	return j.Status == StatusFinished && j.DownloadLink != ""
}

// ID returns the report id as a string.
func (j ExportJob) ID() string {
	return strconv.FormatInt(j.ReportID, 10)
}

// timestampLayout is the export record time format. It is always UTC with
// a literal Z; the fraction may be omitted.
const timestampLayout = "2006-01-02T15:04:05.999999999Z"

// ParseTimestamp parses the export record time format
// (2024-01-31T23:59:59.000Z). Offsets other than Z are rejected.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse export timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Filename returns the name raw and transformed files of a job are stored
// under: {reportId}_{from}_{to}.csv.
func Filename(j ExportJob) (string, error) {
	from, err := ParseTimestamp(j.TimeFrom)
	if err != nil {
		return "", err
	}
	to, err := ParseTimestamp(j.TimeTo)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d_%s_%s.csv", j.ReportID, civil.DateOf(from), civil.DateOf(to)), nil
}

// ExportPeriod covers whole days: from midnight of from to the last second
// of to, in UTC.
func ExportPeriod(from, to civil.Date) (start, end time.Time) {
	start = from.In(time.UTC)
	end = civil.DateTime{Date: to, Time: civil.Time{Hour: 23, Minute: 59, Second: 59}}.In(time.UTC)
	return start, end
}

// requestTimeLayout is the time format sent when creating exports.
const requestTimeLayout = "2006-01-02T15:04:05Z"

type createExportRequest struct {
	DataIncluded DataIncluded `json:"dataIncluded"`
	TimeFrom     string       `json:"timeFrom"`
	TimeTo       string       `json:"timeTo"`
}

type createExportResponse struct {
	ReportID int64 `json:"reportId"`
}

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}
