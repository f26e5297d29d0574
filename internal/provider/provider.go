// Package provider assembles the configured provider adapters and indexes
// them by domain.
package provider

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/config"
	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/provider/aqicn"
	"github.com/vnenv/envcrawler/internal/provider/httpx"
	"github.com/vnenv/envcrawler/internal/provider/iqair"
	"github.com/vnenv/envcrawler/internal/provider/nasapower"
	"github.com/vnenv/envcrawler/internal/provider/openmeteo"
	"github.com/vnenv/envcrawler/internal/provider/openweather"
	"github.com/vnenv/envcrawler/internal/provider/soilgrids"
	"github.com/vnenv/envcrawler/internal/provider/waqi"
)

// Limiter is the rate limiter adapters wait on. Build registers each provider's
// quota before handing out the adapter.
type Limiter interface {
	httpx.Limiter
	Register(key string, maxRequests int, window time.Duration)
}

// Set is an immutable collection of adapters.
type Set struct {
	adapters []crawler.Adapter
}

// NewSet wraps adapters, keeping their order.
func NewSet(adapters ...crawler.Adapter) *Set {
	return &Set{adapters: slices.Clone(adapters)}
}

// ForDomain returns the adapters applicable to d, sorted by provider id.
func (s *Set) ForDomain(d crawler.Domain) []crawler.Adapter {
	var out []crawler.Adapter
	for _, a := range s.adapters {
		if a.Spec().Domain == d {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b crawler.Adapter) int {
		return cmp.Compare(a.Spec().ID, b.Spec().ID)
	})
	return out
}

// Specs lists every adapter's spec.
func (s *Set) Specs() []crawler.ProviderSpec {
	out := make([]crawler.ProviderSpec, 0, len(s.adapters))
	for _, a := range s.adapters {
		out = append(out, a.Spec())
	}
	return out
}

// Len counts adapters.
func (s *Set) Len() int {
	return len(s.adapters)
}

// Build constructs every enabled adapter from configuration. Providers that
// need a credential which is not configured are skipped with a warning.
func Build(cfg config.Config, limiter Limiter, clock crawler.Clock, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("provider")
	client := httpx.New(httpx.Options{
		UserAgent: cfg.Crawler.UserAgent,
		Limiter:   limiter,
		Clock:     clock,
	})

	var built []crawler.Adapter
	add := func(a crawler.Adapter, apiKey string) {
		spec := a.Spec()
		if spec.RequiresAuth && apiKey == "" {
			logger.Warn("api key not provided, skipping provider",
				zap.String("provider_id", spec.ID),
				zap.String("domain", spec.Domain.String()),
			)
			return
		}
		if limiter != nil {
			limiter.Register(spec.LimiterKey(), spec.MaxRequests, spec.Window)
		}
		built = append(built, a)
	}

	for _, name := range config.KnownProviders {
		pc := cfg.Provider(name)
		if !pc.IsEnabled() {
			logger.Info("provider disabled", zap.String("provider", name))
			continue
		}
		settings := httpx.Settings{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			MaxRequests: pc.MaxRequests,
			Window:      pc.Window,
			Timeout:     pc.Timeout,
		}
		switch name {
		case "openweather":
			for _, d := range openweather.Domains() {
				a, err := openweather.New(d, settings, client, clock)
				if err != nil {
					return nil, fmt.Errorf("build openweather: %w", err)
				}
				add(a, pc.APIKey)
			}
		case "iqair":
			add(iqair.New(settings, client, clock), pc.APIKey)
		case "waqi":
			add(waqi.New(settings, client, clock), pc.APIKey)
		case "aqicn":
			add(aqicn.New(settings, client, clock), pc.APIKey)
		case "openmeteo":
			for _, d := range openmeteo.Domains() {
				a, err := openmeteo.New(d, settings, client, clock)
				if err != nil {
					return nil, fmt.Errorf("build openmeteo: %w", err)
				}
				add(a, pc.APIKey)
			}
		case "soilgrids":
			for _, d := range soilgrids.Domains() {
				a, err := soilgrids.New(d, settings, client, clock)
				if err != nil {
					return nil, fmt.Errorf("build soilgrids: %w", err)
				}
				add(a, pc.APIKey)
			}
		case "nasapower":
			add(nasapower.New(settings, client, clock), pc.APIKey)
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}

	for _, d := range crawler.AllDomains() {
		n := 0
		for _, a := range built {
			if a.Spec().Domain == d {
				n++
			}
		}
		if n == 0 {
			logger.Warn("no provider configured for domain", zap.String("domain", d.String()))
		}
	}
	logger.Info("providers ready", zap.Int("count", len(built)))
	return NewSet(built...), nil
}
