// Package waqi adapts the World Air Quality Index JSON feed to the air domain.
package waqi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/provider/httpx"
	"github.com/vnenv/envcrawler/internal/provider/normalize"
	"github.com/vnenv/envcrawler/internal/registry"
)

// DefaultBaseURL is the public API host.
const DefaultBaseURL = "https://api.waqi.info"

// ProviderID is the stable id used in records and metrics.
const ProviderID = "waqi"

// DemoToken is accepted by the API for evaluation traffic.
const DemoToken = "demo"

// Adapter queries the geo feed for the station nearest a coordinate, then
// the city feeds by name.
type Adapter struct {
	spec   crawler.ProviderSpec
	token  string
	client *httpx.Client
	clock  crawler.Clock
}

// New builds the adapter. An empty token falls back to the demo token.
func New(settings httpx.Settings, client *httpx.Client, clock crawler.Clock) *Adapter {
	spec := settings.Apply(crawler.ProviderSpec{
		ID:          ProviderID,
		Domain:      crawler.DomainAir,
		BaseURL:     DefaultBaseURL,
		MaxRequests: 60,
		Window:      time.Minute,
		Timeout:     20 * time.Second,
	})
	token := settings.APIKey
	if token == "" {
		token = DemoToken
	}
	return &Adapter{spec: spec, token: token, client: client, clock: clock}
}

// Spec implements crawler.Adapter.
func (a *Adapter) Spec() crawler.ProviderSpec {
	return a.spec
}

// Fetch implements crawler.Adapter. The geo feed comes first; with a real
// token the city feeds for each name of the location follow when the geo
// station has no current AQI.
func (a *Adapter) Fetch(ctx context.Context, loc crawler.Location, domain crawler.Domain) (crawler.RawRecord, error) {
	if domain != crawler.DomainAir {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			fmt.Errorf("waqi does not serve %s", domain))
	}

	var (
		fallback *feedData
		lastErr  error
	)
	for _, station := range a.stations(loc) {
		d, err := a.feed(ctx, station)
		if err != nil {
			if !crawler.IsKind(err, crawler.KindMalformedResponse) {
				return crawler.RawRecord{}, err
			}
			lastErr = err
			continue
		}
		if d.AQI.value() != nil {
			return a.record(d, loc)
		}
		if fallback == nil {
			fallback = &d
		}
	}
	if fallback != nil {
		return a.record(*fallback, loc)
	}
	return crawler.RawRecord{}, lastErr
}

// stations lists the feed keys to query for loc.
func (a *Adapter) stations(loc crawler.Location) []string {
	out := []string{"geo:" + strconv.FormatFloat(loc.Lat, 'f', -1, 64) + ";" + strconv.FormatFloat(loc.Lon, 'f', -1, 64)}
	if a.token == DemoToken {
		return out
	}
	for _, name := range loc.Names() {
		if slug := registry.Slug(name); slug != "" && !slices.Contains(out, slug) {
			out = append(out, slug)
		}
	}
	return out
}

func (a *Adapter) feed(ctx context.Context, station string) (feedData, error) {
	endpoint := strings.TrimRight(a.spec.BaseURL, "/") + "/feed/" + station + "/?" + url.Values{"token": {a.token}}.Encode()
	var resp feedResponse
	if err := a.client.GetJSON(ctx, a.spec, endpoint, &resp); err != nil {
		return feedData{}, err
	}
	if resp.Status != "ok" {
		return feedData{}, a.statusError(resp.Message)
	}
	return resp.Data, nil
}

func (a *Adapter) record(d feedData, loc crawler.Location) (crawler.RawRecord, error) {
	f := normalize.New()
	f.Core("aqi", d.AQI.value())
	f.Core("pm25", d.IAQI.get("pm25"))
	f.Optional("pm10", d.IAQI.get("pm10"))
	f.Optional("o3", d.IAQI.get("o3"))
	f.Optional("no2", d.IAQI.get("no2"))
	f.Optional("so2", d.IAQI.get("so2"))
	f.Optional("co", d.IAQI.get("co"))
	f.Optional("temperature", d.IAQI.get("t"))
	f.Optional("humidity", d.IAQI.get("h"))
	f.Optional("pressure", d.IAQI.get("p"))
	f.Optional("wind_speed", d.IAQI.get("w"))
	f.Text("dominant_pollutant", d.DominentPol)
	f.Text("station", d.City.Name)

	observed := a.clock.Now()
	if ts, err := time.Parse(time.RFC3339, d.Time.ISO); err == nil {
		observed = ts
	}
	return f.Record(a.spec, loc, observed)
}

func (a *Adapter) statusError(msg string) error {
	lower := strings.ToLower(msg)
	var kind crawler.ErrorKind
	switch {
	case strings.Contains(lower, "invalid key"):
		kind = crawler.KindUnauthorized
	case strings.Contains(lower, "over quota"):
		kind = crawler.KindRateLimited
	default:
		kind = crawler.KindMalformedResponse
	}
	perr := crawler.NewProviderError(a.spec.ID, kind, errors.New("feed error: "+msg))
	if kind == crawler.KindRateLimited {
		perr.RetryAfter = a.spec.Window
	}
	return perr
}

type feedResponse struct {
	Status  string
	Message string
	Data    feedData
}

// UnmarshalJSON handles data being an object on success and a bare message
// string on error.
func (r *feedResponse) UnmarshalJSON(b []byte) error {
	var env struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	r.Status = env.Status
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &r.Message)
	}
	if env.Status != "ok" || len(trimmed) == 0 {
		return nil
	}
	return json.Unmarshal(trimmed, &r.Data)
}

type feedData struct {
	AQI         aqiValue `json:"aqi"`
	DominentPol string   `json:"dominentpol"`
	IAQI        iaqi     `json:"iaqi"`
	City        struct {
		Name string `json:"name"`
	} `json:"city"`
	Time struct {
		ISO string `json:"iso"`
	} `json:"time"`
}

type iaqi map[string]struct {
	V *float64 `json:"v"`
}

func (m iaqi) get(name string) *float64 {
	entry, ok := m[name]
	if !ok {
		return nil
	}
	return entry.V
}

// aqiValue is a number, or "-" when the station has no current reading.
type aqiValue struct {
	v *float64
}

func (a *aqiValue) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		a.v = &f
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decode aqi: %w", err)
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		a.v = &parsed
	}
	return nil
}

func (a aqiValue) value() *float64 {
	return a.v
}
