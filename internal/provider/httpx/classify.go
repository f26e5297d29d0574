package httpx

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
)

// ClassifyError maps a transport-level failure onto an error kind.
func ClassifyError(providerID string, err error) *crawler.ProviderError {
	if perr, ok := crawler.AsProviderError(err); ok {
		return perr
	}
	if IsDeadline(err) {
		return crawler.NewProviderError(providerID, crawler.KindTimeout, err)
	}
	return crawler.NewProviderError(providerID, crawler.KindUnreachable, err)
}

// ClassifyStatus maps a non-2xx status onto an error kind. It returns nil for
// success codes.
func ClassifyStatus(spec crawler.ProviderSpec, code int, header http.Header, now time.Time) *crawler.ProviderError {
	if code >= 200 && code < 300 {
		return nil
	}

	var kind crawler.ErrorKind
	switch {
	case code == http.StatusTooManyRequests:
		kind = crawler.KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = crawler.KindUnauthorized
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = crawler.KindTimeout
	case code >= 500:
		kind = crawler.KindUnreachable
	default:
		kind = crawler.KindMalformedResponse
	}

	perr := crawler.NewProviderError(spec.ID, kind, fmt.Errorf("unexpected status %s", http.StatusText(code)))
	perr.StatusCode = code
	if kind == crawler.KindRateLimited {
		perr.RetryAfter = RateLimitCooldown(spec, header, now)
	}
	return perr
}

// RateLimitCooldown derives the wait requested by a 429 response, falling
// back to the provider's declared quota window.
func RateLimitCooldown(spec crawler.ProviderSpec, header http.Header, now time.Time) time.Duration {
	if header != nil {
		if d, ok := ParseRetryAfter(header.Get("Retry-After"), now); ok {
			return d
		}
	}
	return spec.Window
}

// ParseRetryAfter understands both delta-seconds and HTTP-date forms.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
