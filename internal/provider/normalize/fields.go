// Package normalize assembles provider payloads into crawler.RawRecord values
// with consistent partial-record and unit handling.
package normalize

import (
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
)

// ErrNoFields is wrapped into the MalformedResponse returned when a payload
// carries none of the adapter's canonical fields.
var ErrNoFields = errors.New("response carried no usable fields")

// Fields collects canonical fields for one record. Core fields that are
// absent downgrade the record to partial. Defaulted and derived fields are
// carried in the record but do not count as observed.
type Fields struct {
	values  map[string]crawler.Value
	derived map[string]bool
	missing []string
	notes   []string
}

// New returns an empty field set.
func New() *Fields {
	return &Fields{values: make(map[string]crawler.Value), derived: make(map[string]bool)}
}

// Core sets a core field. A nil or non-finite value marks it missing.
func (f *Fields) Core(name string, v *float64) {
	if !f.Optional(name, v) {
		f.missing = append(f.missing, name)
	}
}

// Optional sets a field when v is present and finite and reports whether it
// was set.
func (f *Fields) Optional(name string, v *float64) bool {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return false
	}
	f.observe(name, crawler.Num(*v))
	return true
}

// Default sets a field, substituting def when v is absent. A substituted
// value does not count as observed.
func (f *Fields) Default(name string, v *float64, def float64) {
	if !f.Optional(name, v) {
		f.Derive(name, crawler.Num(def))
	}
}

// Set stores a numeric field unconditionally.
func (f *Fields) Set(name string, v float64) {
	f.observe(name, crawler.Num(v))
}

// Derive stores a value computed from other fields, such as a category or
// an index.
func (f *Fields) Derive(name string, v crawler.Value) {
	f.values[name] = v
	f.derived[name] = true
}

// Text stores a textual field; blank strings are ignored.
func (f *Fields) Text(name, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	f.observe(name, crawler.Text(s))
}

func (f *Fields) observe(name string, v crawler.Value) {
	f.values[name] = v
	delete(f.derived, name)
}

// Note attaches a diagnostic that ends up in the record's error column when
// the record is partial.
func (f *Fields) Note(msg string) {
	f.notes = append(f.notes, msg)
}

// Len counts the fields set so far.
func (f *Fields) Len() int {
	return len(f.values)
}

// Observed counts the fields taken from the payload itself.
func (f *Fields) Observed() int {
	return len(f.values) - len(f.derived)
}

// Missing lists the absent core fields in sorted order.
func (f *Fields) Missing() []string {
	out := slices.Clone(f.missing)
	slices.Sort(out)
	return out
}

// Record finalizes the field set into a record for loc. It fails with a
// MalformedResponse when no field was observed in the payload.
func (f *Fields) Record(spec crawler.ProviderSpec, loc crawler.Location, observedAt time.Time) (crawler.RawRecord, error) {
	if f.Observed() == 0 {
		return crawler.RawRecord{}, crawler.NewProviderError(spec.ID, crawler.KindMalformedResponse, ErrNoFields)
	}
	rec := crawler.RawRecord{
		Domain:     spec.Domain,
		LocationID: loc.ID,
		ProviderID: spec.ID,
		ObservedAt: observedAt.UTC(),
		Fields:     f.values,
		Status:     crawler.FetchOK,
	}
	var problems []string
	if missing := f.Missing(); len(missing) > 0 {
		problems = append(problems, "missing "+strings.Join(missing, ", "))
	}
	problems = append(problems, f.notes...)
	if len(problems) > 0 {
		rec.Status = crawler.FetchPartial
		rec.Error = strings.Join(problems, "; ")
	}
	return rec, nil
}

// Ptr returns a pointer to v. Handy when the payload value is not optional.
func Ptr(v float64) *float64 {
	return &v
}

// Scale divides v by factor, passing nil through.
func Scale(v *float64, factor float64) *float64 {
	if v == nil || factor == 0 {
		return v
	}
	out := *v / factor
	return &out
}

// Summary holds the aggregate of a numeric series.
type Summary struct {
	Avg, Min, Max float64
	Count         int
}

// Summarize aggregates values, skipping any equal to fill (a provider's
// "no data" sentinel) and non-finite entries. ok is false when nothing
// remains.
func Summarize(values []float64, fill float64) (Summary, bool) {
	var s Summary
	sum := 0.0
	for _, v := range values {
		if v == fill || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if s.Count == 0 || v < s.Min {
			s.Min = v
		}
		if s.Count == 0 || v > s.Max {
			s.Max = v
		}
		sum += v
		s.Count++
	}
	if s.Count == 0 {
		return Summary{}, false
	}
	s.Avg = sum / float64(s.Count)
	return s, true
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
