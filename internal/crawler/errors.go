package crawler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

// Provider failure kinds.
const (
	KindRateLimited       ErrorKind = "rate_limited"
	KindTimeout           ErrorKind = "timeout"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindUnreachable       ErrorKind = "unreachable"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindUnreachable:
		return true
	default:
		return false
	}
}

var (
	// ErrJobFailed is returned alongside a job in which every work item failed.
	ErrJobFailed = errors.New("crawl job failed: no work item succeeded")
	// ErrJobTimeout is recorded on work items still unresolved at the job deadline.
	ErrJobTimeout = errors.New("job deadline exceeded")
	// ErrJobNotFound is returned by job stores for unknown ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrObjectNotFound is returned by blob stores for unknown paths.
	ErrObjectNotFound = errors.New("object not found")
)

// ProviderError is the error every adapter returns on failure.
type ProviderError struct {
	Kind       ErrorKind
	ProviderID string
	StatusCode int
	// RetryAfter is the provider-requested cooldown, if any.
	RetryAfter time.Duration
	Err        error
}

// NewProviderError builds a ProviderError.
func NewProviderError(providerID string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, ProviderID: providerID, Err: err}
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.ProviderID)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsKind reports whether err carries a ProviderError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	perr, ok := AsProviderError(err)
	return ok && perr.Kind == kind
}

// UnknownLocationError is returned when a crawl names locations the registry
// does not know.
type UnknownLocationError struct {
	IDs []string
}

func (e *UnknownLocationError) Error() string {
	return "unknown location(s): " + strings.Join(e.IDs, ", ")
}
