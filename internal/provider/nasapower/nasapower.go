// Package nasapower adapts the NASA POWER daily point API (agroclimatology
// community) to the soil domain by summarizing the trailing 30 days.
package nasapower

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/provider/httpx"
	"github.com/vnenv/envcrawler/internal/provider/normalize"
)

// DefaultBaseURL is the public API host.
const DefaultBaseURL = "https://power.larc.nasa.gov"

// ProviderID is the stable id used in records and metrics.
const ProviderID = "nasa-power"

// Lookback is the length of the summarized window.
const Lookback = 30 * 24 * time.Hour

const defaultFill = -999.0

// Parameters requested from the API, in request order.
var Parameters = []string{"T2M", "T2M_MAX", "T2M_MIN", "RH2M", "PRECTOTCORR", "ALLSKY_SFC_SW_DWN", "WS2M"}

var core = map[string]bool{"T2M": true, "RH2M": true, "PRECTOTCORR": true}

// Adapter fetches and summarizes a daily series.
type Adapter struct {
	spec   crawler.ProviderSpec
	client *httpx.Client
	clock  crawler.Clock
}

// New builds the adapter.
func New(settings httpx.Settings, client *httpx.Client, clock crawler.Clock) *Adapter {
	spec := settings.Apply(crawler.ProviderSpec{
		ID:          ProviderID,
		Domain:      crawler.DomainSoil,
		BaseURL:     DefaultBaseURL,
		MaxRequests: 30,
		Window:      time.Minute,
		Timeout:     45 * time.Second,
	})
	return &Adapter{spec: spec, client: client, clock: clock}
}

// Spec implements crawler.Adapter.
func (a *Adapter) Spec() crawler.ProviderSpec {
	return a.spec
}

// Fetch implements crawler.Adapter.
func (a *Adapter) Fetch(ctx context.Context, loc crawler.Location, domain crawler.Domain) (crawler.RawRecord, error) {
	if domain != crawler.DomainSoil {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			fmt.Errorf("nasa-power does not serve %s", domain))
	}

	now := a.clock.Now().UTC()
	q := url.Values{}
	q.Set("parameters", strings.Join(Parameters, ","))
	q.Set("community", "AG")
	q.Set("longitude", strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	q.Set("latitude", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	q.Set("start", now.Add(-Lookback).Format("20060102"))
	q.Set("end", now.Format("20060102"))
	q.Set("format", "JSON")
	endpoint := strings.TrimRight(a.spec.BaseURL, "/") + "/api/temporal/daily/point?" + q.Encode()

	var resp pointResponse
	if err := a.client.GetJSON(ctx, a.spec, endpoint, &resp); err != nil {
		return crawler.RawRecord{}, err
	}
	fill := defaultFill
	if resp.Header.FillValue != nil {
		fill = *resp.Header.FillValue
	}

	f := normalize.New()
	for _, param := range Parameters {
		prefix := strings.ToLower(param)
		series := resp.Properties.Parameter[param]
		s, ok := normalize.Summarize(series.ordered(), fill)
		if !ok {
			if core[param] {
				f.Core(prefix+"_avg", nil)
			}
			continue
		}
		f.Set(prefix+"_avg", normalize.Round(s.Avg, 3))
		f.Set(prefix+"_min", s.Min)
		f.Set(prefix+"_max", s.Max)
	}
	return f.Record(a.spec, loc, now)
}

type pointResponse struct {
	Header struct {
		FillValue *float64 `json:"fill_value"`
	} `json:"header"`
	Properties struct {
		Parameter map[string]daily `json:"parameter"`
	} `json:"properties"`
}

// daily maps YYYYMMDD to a value.
type daily map[string]float64

func (d daily) ordered() []float64 {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]float64, 0, len(keys))
	for _, k := range keys {
		out = append(out, d[k])
	}
	return out
}
