package httpx

import (
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
)

// Settings are the per-provider overrides read from configuration.
type Settings struct {
	APIKey      string
	BaseURL     string
	MaxRequests int
	Window      time.Duration
	Timeout     time.Duration
}

// Apply overlays the non-zero settings onto spec.
func (s Settings) Apply(spec crawler.ProviderSpec) crawler.ProviderSpec {
	if s.BaseURL != "" {
		spec.BaseURL = s.BaseURL
	}
	if s.MaxRequests > 0 {
		spec.MaxRequests = s.MaxRequests
	}
	if s.Window > 0 {
		spec.Window = s.Window
	}
	if s.Timeout > 0 {
		spec.Timeout = s.Timeout
	}
	return spec
}
