package crawler

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Location is a named geographic point the crawl can target.
type Location struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	AltNames []string `json:"alt_names,omitempty" yaml:"alt_names"`
	Province string   `json:"province" yaml:"province"`
	Lat      float64  `json:"lat" yaml:"lat"`
	Lon      float64  `json:"lon" yaml:"lon"`
	Domains  []Domain `json:"domains" yaml:"domains"`
}

// Names lists the primary name followed by the alternates, skipping blanks
// and repeats. Providers that look places up by name try them in order.
func (l Location) Names() []string {
	names := make([]string, 0, 1+len(l.AltNames))
	for _, n := range append([]string{l.Name}, l.AltNames...) {
		n = strings.TrimSpace(n)
		if n != "" && !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	return names
}

// Supports reports whether the location is applicable to the domain.
func (l Location) Supports(d Domain) bool {
	return slices.Contains(l.Domains, d)
}

// ProviderSpec is the static description an adapter publishes about itself.
type ProviderSpec struct {
	ID           string
	Domain       Domain
	BaseURL      string
	RequiresAuth bool
	// RateKey groups specs that share one upstream quota. Defaults to ID.
	RateKey     string
	MaxRequests int
	Window      time.Duration
	Timeout     time.Duration
}

// LimiterKey returns the key under which the provider's requests are rate limited.
func (s ProviderSpec) LimiterKey() string {
	if s.RateKey != "" {
		return s.RateKey
	}
	return s.ID
}

// FetchStatus describes the outcome of a single fetch.
type FetchStatus string

// Fetch outcomes recorded on raw records.
const (
	FetchOK      FetchStatus = "ok"
	FetchPartial FetchStatus = "partial"
	FetchFailed  FetchStatus = "failed"
)

// Value is a single normalized field value, either numeric or textual.
type Value struct {
	Number float64
	Text   string
	IsText bool
}

// Num wraps a numeric value.
func Num(f float64) Value {
	return Value{Number: f}
}

// Text wraps a textual value.
func Text(s string) Value {
	return Value{Text: s, IsText: true}
}

// String formats the value for flat-file output using the shortest
// representation that round-trips.
func (v Value) String() string {
	if v.IsText {
		return v.Text
	}
	if math.IsNaN(v.Number) || math.IsInf(v.Number, 0) {
		return ""
	}
	return strconv.FormatFloat(v.Number, 'f', -1, 64)
}

// MarshalJSON encodes numbers as JSON numbers and text as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsText {
		return json.Marshal(v.Text)
	}
	return json.Marshal(v.Number)
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (v *Value) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = Num(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	*v = Text(s)
	return nil
}

// RawRecord is one provider's normalized observation for one location.
type RawRecord struct {
	Domain     Domain           `json:"domain"`
	LocationID string           `json:"location_id"`
	ProviderID string           `json:"provider_id"`
	ObservedAt time.Time        `json:"observed_at"`
	Fields     map[string]Value `json:"fields"`
	Status     FetchStatus      `json:"fetch_status"`
	Error      string           `json:"error,omitempty"`
}

// FieldNames returns the record's field names in sorted order.
func (r RawRecord) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// CacheKey identifies one cached provider response.
type CacheKey struct {
	ProviderID string
	LocationID string
	Domain     Domain
}

func (k CacheKey) String() string {
	return string(k.Domain) + ":" + k.ProviderID + ":" + k.LocationID
}

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values.
const (
	JobStatusRunning             JobStatus = "running"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s != JobStatusRunning && s != ""
}

// ItemError records a work item that did not produce a record.
type ItemError struct {
	ProviderID string    `json:"provider_id"`
	LocationID string    `json:"location_id"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts"`
}

// CrawlJob is one invocation of the orchestrator for one domain.
type CrawlJob struct {
	ID               string        `json:"id"`
	Domain           Domain        `json:"domain"`
	Status           JobStatus     `json:"status"`
	RequestedAt      time.Time     `json:"requested_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	Deadline         time.Duration `json:"deadline"`
	Targets          []Location    `json:"targets"`
	Providers        []string      `json:"providers"`
	Records          []RawRecord   `json:"records"`
	Errors           []ItemError   `json:"errors"`
	CacheHits        int           `json:"cache_hits"`
	Retries          int           `json:"retries"`
	DeadlineExceeded bool          `json:"deadline_exceeded"`
}

// Requested is the number of work items (providers x locations).
func (j *CrawlJob) Requested() int {
	return len(j.Targets) * len(j.Providers)
}

// JobSummary is the accounting attached to every emitted artifact.
type JobSummary struct {
	TotalRequested   int       `json:"total_requested"`
	TotalSucceeded   int       `json:"total_succeeded"`
	TotalFailed      int       `json:"total_failed"`
	CacheHits        int       `json:"cache_hits"`
	FieldsObserved   []string  `json:"fields_observed"`
	Status           JobStatus `json:"status"`
	DeadlineExceeded bool      `json:"deadline_exceeded"`
}

// JobRecord is the persisted view of a finished job.
type JobRecord struct {
	ID             string      `json:"id"`
	Domain         Domain      `json:"domain"`
	Status         JobStatus   `json:"status"`
	RequestedAt    time.Time   `json:"requested_at"`
	CompletedAt    time.Time   `json:"completed_at"`
	Summary        JobSummary  `json:"summary"`
	ArtifactPath   string      `json:"artifact_path"`
	ArtifactURI    string      `json:"artifact_uri"`
	// ArtifactSHA256 is the hex digest of the CSV batch.
	ArtifactSHA256 string      `json:"artifact_sha256"`
	Errors         []ItemError `json:"errors,omitempty"`
}
