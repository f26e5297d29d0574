// Package emitter turns finished crawl jobs into flat record batches and
// hands them off to storage, the job store, and downstream subscribers.
package emitter

import (
	"bytes"
	"cmp"
	"encoding/csv"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
)

// ErrJobNotFinished is returned when Emit is given a job that is still running.
var ErrJobNotFinished = errors.New("job has not finished")

// ContentTypeCSV is the media type of emitted batches.
const ContentTypeCSV = "text/csv; charset=utf-8"

// Fixed columns surrounding the per-domain field columns.
var (
	leadColumns  = []string{"location_id", "provider_id", "domain", "observed_at"}
	trailColumns = []string{"fetch_status", "error"}
)

// Artifact is the emitted form of one job.
type Artifact struct {
	JobID   string
	Domain  crawler.Domain
	CSV     []byte
	Summary crawler.JobSummary
}

type row struct {
	domain     crawler.Domain
	locationID string
	providerID string
	observedAt time.Time
	fields     map[string]crawler.Value
	status     crawler.FetchStatus
	errText    string
}

// Emit renders a finished job. It has no side effects and produces
// byte-identical output for the same job, whatever order its records were
// collected in.
func Emit(job *crawler.CrawlJob) (Artifact, error) {
	if job == nil {
		return Artifact{}, fmt.Errorf("emit: nil job")
	}
	if !job.Status.Terminal() {
		return Artifact{}, fmt.Errorf("emit %s: %w", job.ID, ErrJobNotFinished)
	}

	rows := make([]row, 0, len(job.Records)+len(job.Errors))
	for _, r := range job.Records {
		status := r.Status
		if status == "" {
			status = crawler.FetchOK
		}
		rows = append(rows, row{
			domain:     r.Domain,
			locationID: r.LocationID,
			providerID: r.ProviderID,
			observedAt: r.ObservedAt,
			fields:     r.Fields,
			status:     status,
			errText:    r.Error,
		})
	}
	for _, e := range job.Errors {
		rows = append(rows, row{
			domain:     job.Domain,
			locationID: e.LocationID,
			providerID: e.ProviderID,
			observedAt: job.CompletedAt,
			status:     crawler.FetchFailed,
			errText:    string(e.Kind) + ": " + e.Message,
		})
	}
	slices.SortStableFunc(rows, func(a, b row) int {
		return cmp.Or(
			cmp.Compare(a.domain, b.domain),
			cmp.Compare(a.locationID, b.locationID),
			cmp.Compare(a.providerID, b.providerID),
		)
	})

	fields := FieldsObserved(job.Records)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := slices.Concat(leadColumns, fields, trailColumns)
	if err := w.Write(header); err != nil {
		return Artifact{}, fmt.Errorf("write header: %w", err)
	}
	line := make([]string, len(header))
	for _, r := range rows {
		line[0] = r.locationID
		line[1] = r.providerID
		line[2] = r.domain.String()
		line[3] = formatTime(r.observedAt)
		for i, f := range fields {
			v, ok := r.fields[f]
			if !ok {
				line[len(leadColumns)+i] = ""
				continue
			}
			line[len(leadColumns)+i] = v.String()
		}
		line[len(header)-2] = string(r.status)
		line[len(header)-1] = r.errText
		if err := w.Write(line); err != nil {
			return Artifact{}, fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Artifact{}, fmt.Errorf("flush csv: %w", err)
	}

	return Artifact{
		JobID:   job.ID,
		Domain:  job.Domain,
		CSV:     buf.Bytes(),
		Summary: Summarize(job),
	}, nil
}

// Summarize computes the accounting attached to a job's artifact.
func Summarize(job *crawler.CrawlJob) crawler.JobSummary {
	return crawler.JobSummary{
		TotalRequested:   job.Requested(),
		TotalSucceeded:   len(job.Records),
		TotalFailed:      len(job.Errors),
		CacheHits:        job.CacheHits,
		FieldsObserved:   FieldsObserved(job.Records),
		Status:           job.Status,
		DeadlineExceeded: job.DeadlineExceeded,
	}
}

// FieldsObserved is the sorted union of field names across records.
func FieldsObserved(records []crawler.RawRecord) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for name := range r.Fields {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
