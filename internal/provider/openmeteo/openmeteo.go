// Package openmeteo adapts the Open-Meteo forecast API to the soil domain
// (hourly soil temperature and moisture) and the climate domain (current
// conditions). No credential is required.
package openmeteo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/provider/httpx"
	"github.com/vnenv/envcrawler/internal/provider/normalize"
)

// DefaultBaseURL is the public API host.
const DefaultBaseURL = "https://api.open-meteo.com"

const rateKey = "open-meteo"

var (
	soilHourly = []string{
		"soil_temperature_0cm",
		"soil_temperature_6cm",
		"soil_temperature_18cm",
		"soil_temperature_54cm",
		"soil_moisture_0_1cm",
		"soil_moisture_1_3cm",
		"soil_moisture_3_9cm",
		"soil_moisture_9_27cm",
		"soil_moisture_27_81cm",
	}
	soilDaily = []string{
		"temperature_2m_max",
		"temperature_2m_min",
		"precipitation_sum",
		"et0_fao_evapotranspiration",
	}
	soilCore = map[string]bool{"soil_temperature_0cm": true, "soil_moisture_0_1cm": true}

	// climateCurrent maps API variable names onto canonical field names.
	climateCurrent = []struct{ param, field string }{
		{"temperature_2m", "temperature"},
		{"relative_humidity_2m", "humidity"},
		{"surface_pressure", "pressure"},
		{"apparent_temperature", "feels_like"},
		{"precipitation", "rainfall"},
		{"cloud_cover", "clouds"},
		{"wind_speed_10m", "wind_speed"},
		{"wind_direction_10m", "wind_deg"},
		{"wind_gusts_10m", "wind_gust"},
	}
	climateCore = map[string]bool{"temperature": true, "humidity": true, "pressure": true}
)

// Domains lists the domains this provider serves.
func Domains() []crawler.Domain {
	return []crawler.Domain{crawler.DomainSoil, crawler.DomainClimate}
}

// Adapter fetches one domain's view of the forecast API.
type Adapter struct {
	spec   crawler.ProviderSpec
	client *httpx.Client
	clock  crawler.Clock
}

// New builds the adapter for domain.
func New(domain crawler.Domain, settings httpx.Settings, client *httpx.Client, clock crawler.Clock) (*Adapter, error) {
	var id string
	switch domain {
	case crawler.DomainSoil:
		id = "open-meteo-soil"
	case crawler.DomainClimate:
		id = "open-meteo-climate"
	default:
		return nil, fmt.Errorf("open-meteo does not serve domain %q", domain)
	}
	spec := settings.Apply(crawler.ProviderSpec{
		ID:          id,
		Domain:      domain,
		BaseURL:     DefaultBaseURL,
		RateKey:     rateKey,
		MaxRequests: 600,
		Window:      time.Minute,
		Timeout:     30 * time.Second,
	})
	return &Adapter{spec: spec, client: client, clock: clock}, nil
}

// Spec implements crawler.Adapter.
func (a *Adapter) Spec() crawler.ProviderSpec {
	return a.spec
}

// Fetch implements crawler.Adapter.
func (a *Adapter) Fetch(ctx context.Context, loc crawler.Location, domain crawler.Domain) (crawler.RawRecord, error) {
	if domain != a.spec.Domain {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			fmt.Errorf("adapter serves %s, asked for %s", a.spec.Domain, domain))
	}
	if domain == crawler.DomainSoil {
		return a.fetchSoil(ctx, loc)
	}
	return a.fetchClimate(ctx, loc)
}

func (a *Adapter) fetchSoil(ctx context.Context, loc crawler.Location) (crawler.RawRecord, error) {
	q := a.baseQuery(loc)
	q.Set("hourly", strings.Join(soilHourly, ","))
	q.Set("daily", strings.Join(soilDaily, ","))
	q.Set("timezone", "Asia/Bangkok")
	q.Set("forecast_days", "1")

	var resp forecastResponse
	if err := a.client.GetJSON(ctx, a.spec, a.endpoint(q), &resp); err != nil {
		return crawler.RawRecord{}, err
	}
	if len(resp.Hourly) == 0 {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			errors.New("response has no hourly block"))
	}

	f := normalize.New()
	for _, name := range soilHourly {
		v := resp.Hourly.first(name)
		if soilCore[name] {
			f.Core(name, v)
		} else {
			f.Optional(name, v)
		}
	}
	for _, name := range soilDaily {
		f.Optional(name, resp.Daily.first(name))
	}

	observed := a.clock.Now()
	if ts, ok := resp.Hourly.firstTime(resp.UTCOffsetSeconds); ok {
		observed = ts
	}
	return f.Record(a.spec, loc, observed)
}

func (a *Adapter) fetchClimate(ctx context.Context, loc crawler.Location) (crawler.RawRecord, error) {
	params := make([]string, 0, len(climateCurrent))
	for _, c := range climateCurrent {
		params = append(params, c.param)
	}
	q := a.baseQuery(loc)
	q.Set("current", strings.Join(params, ","))
	q.Set("wind_speed_unit", "ms")
	q.Set("timezone", "GMT")

	var resp currentResponse
	if err := a.client.GetJSON(ctx, a.spec, a.endpoint(q), &resp); err != nil {
		return crawler.RawRecord{}, err
	}
	if resp.Current == nil {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			errors.New("response has no current block"))
	}

	f := normalize.New()
	for _, c := range climateCurrent {
		v := resp.Current.number(c.param)
		if climateCore[c.field] {
			f.Core(c.field, v)
		} else {
			f.Optional(c.field, v)
		}
	}

	observed := a.clock.Now()
	if ts, err := time.Parse("2006-01-02T15:04", resp.Current.time()); err == nil {
		observed = ts
	}
	return f.Record(a.spec, loc, observed)
}

func (a *Adapter) baseQuery(loc crawler.Location) url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	return q
}

func (a *Adapter) endpoint(q url.Values) string {
	return strings.TrimRight(a.spec.BaseURL, "/") + "/v1/forecast?" + q.Encode()
}

type forecastResponse struct {
	UTCOffsetSeconds int    `json:"utc_offset_seconds"`
	Hourly           series `json:"hourly"`
	Daily            series `json:"daily"`
}

// series is a columnar block: every key maps to an array, "time" included.
type series map[string][]any

func (s series) first(name string) *float64 {
	col := s[name]
	if len(col) == 0 {
		return nil
	}
	v, ok := col[0].(float64)
	if !ok {
		return nil
	}
	return &v
}

func (s series) firstTime(offsetSeconds int) (time.Time, bool) {
	col := s["time"]
	if len(col) == 0 {
		return time.Time{}, false
	}
	raw, ok := col[0].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation("2006-01-02T15:04", raw, time.FixedZone("", offsetSeconds))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

type currentResponse struct {
	Current currentBlock `json:"current"`
}

type currentBlock map[string]any

func (c currentBlock) number(name string) *float64 {
	v, ok := c[name].(float64)
	if !ok {
		return nil
	}
	return &v
}

func (c currentBlock) time() string {
	s, _ := c["time"].(string)
	return s
}
