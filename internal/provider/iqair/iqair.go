// Package iqair adapts the IQAir AirVisual API (city and nearest_city) to
// the air domain.
package iqair

import (
	"context"
	"encoding/json"
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
const DefaultBaseURL = "https://api.airvisual.com"

// ProviderID is the stable id used in records and metrics.
const ProviderID = "iqair"

// Country scopes city lookups.
const Country = "Vietnam"

// Adapter fetches nearest-station readings for a coordinate.
type Adapter struct {
	spec   crawler.ProviderSpec
	apiKey string
	client *httpx.Client
	clock  crawler.Clock
}

// New builds the adapter. The free tier allows five calls per minute.
func New(settings httpx.Settings, client *httpx.Client, clock crawler.Clock) *Adapter {
	spec := settings.Apply(crawler.ProviderSpec{
		ID:           ProviderID,
		Domain:       crawler.DomainAir,
		BaseURL:      DefaultBaseURL,
		RequiresAuth: true,
		MaxRequests:  5,
		Window:       time.Minute,
		Timeout:      30 * time.Second,
	})
	return &Adapter{spec: spec, apiKey: settings.APIKey, client: client, clock: clock}
}

// Spec implements crawler.Adapter.
func (a *Adapter) Spec() crawler.ProviderSpec {
	return a.spec
}

// Fetch implements crawler.Adapter. The city endpoint is tried under each
// name of the location before falling back to the station nearest its
// coordinates.
func (a *Adapter) Fetch(ctx context.Context, loc crawler.Location, domain crawler.Domain) (crawler.RawRecord, error) {
	if domain != crawler.DomainAir {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			fmt.Errorf("iqair does not serve %s", domain))
	}

	if loc.Province != "" {
		for _, name := range loc.Names() {
			q := url.Values{}
			q.Set("city", name)
			q.Set("state", loc.Province)
			q.Set("country", Country)
			q.Set("key", a.apiKey)
			rec, err := a.query(ctx, loc, "/v2/city", q)
			if err == nil {
				return rec, nil
			}
			if !crawler.IsKind(err, crawler.KindMalformedResponse) {
				return crawler.RawRecord{}, err
			}
		}
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	q.Set("key", a.apiKey)
	return a.query(ctx, loc, "/v2/nearest_city", q)
}

func (a *Adapter) query(ctx context.Context, loc crawler.Location, path string, q url.Values) (crawler.RawRecord, error) {
	endpoint := strings.TrimRight(a.spec.BaseURL, "/") + path + "?" + q.Encode()
	body, err := a.client.Get(ctx, a.spec, endpoint, nil)
	if err != nil {
		return crawler.RawRecord{}, err
	}
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			fmt.Errorf("decode response: %w", err))
	}
	if resp.Status != "success" {
		return crawler.RawRecord{}, a.statusError(resp)
	}

	pollution := resp.Data.Current.Pollution
	weather := resp.Data.Current.Weather

	f := normalize.New()
	f.Core("aqi", pollution.AQIUS)
	f.Optional("aqi_cn", pollution.AQICN)
	f.Text("main_pollutant", pollution.MainUS)
	f.Optional("temperature", weather.Tp)
	f.Optional("humidity", weather.Hu)
	f.Optional("pressure", weather.Pr)
	f.Optional("wind_speed", weather.Ws)
	f.Optional("wind_direction", weather.Wd)
	f.Text("station", resp.Data.City)

	observed := a.clock.Now()
	if ts, err := time.Parse(time.RFC3339, pollution.Ts); err == nil {
		observed = ts
	}
	return f.Record(a.spec, loc, observed)
}

// statusError maps the API's in-band failure messages onto error kinds.
func (a *Adapter) statusError(resp response) error {
	msg := resp.message()
	var kind crawler.ErrorKind
	switch msg {
	case "call_limit_reached", "too_many_requests":
		kind = crawler.KindRateLimited
	case "incorrect_api_key", "api_key_expired", "permission_denied", "feature_not_available", "forbidden":
		kind = crawler.KindUnauthorized
	default:
		kind = crawler.KindMalformedResponse
	}
	perr := crawler.NewProviderError(a.spec.ID, kind, errors.New("api status "+resp.Status+": "+msg))
	if kind == crawler.KindRateLimited {
		perr.RetryAfter = a.spec.Window
	}
	return perr
}

type response struct {
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"data"`
	Data   struct {
		City    string `json:"city"`
		Current struct {
			Pollution struct {
				Ts     string   `json:"ts"`
				AQIUS  *float64 `json:"aqius"`
				MainUS string   `json:"mainus"`
				AQICN  *float64 `json:"aqicn"`
			} `json:"pollution"`
			Weather struct {
				Tp *float64 `json:"tp"`
				Pr *float64 `json:"pr"`
				Hu *float64 `json:"hu"`
				Ws *float64 `json:"ws"`
				Wd *float64 `json:"wd"`
			} `json:"weather"`
		} `json:"current"`
	} `json:"-"`
}

// UnmarshalJSON decodes data as an object on success and as a message
// object on failure.
func (r *response) UnmarshalJSON(b []byte) error {
	type envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	r.Status = env.Status
	r.Raw = env.Data
	if env.Status == "success" && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &r.Data); err != nil {
			return err
		}
	}
	return nil
}

func (r response) message() string {
	var m struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Raw, &m); err == nil && m.Message != "" {
		return m.Message
	}
	return strings.Trim(string(r.Raw), `"`)
}
