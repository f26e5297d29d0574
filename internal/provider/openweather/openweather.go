// Package openweather adapts the OpenWeatherMap current-data APIs to the
// air, climate, and water domains. All three specs share one API key and
// therefore one rate-limit bucket.
package openweather

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
const DefaultBaseURL = "https://api.openweathermap.org"

const rateKey = "openweather"

// Domains lists the domains this provider serves.
func Domains() []crawler.Domain {
	return []crawler.Domain{crawler.DomainAir, crawler.DomainClimate, crawler.DomainWater}
}

// Adapter fetches one domain's view of OpenWeatherMap data.
type Adapter struct {
	spec   crawler.ProviderSpec
	apiKey string
	client *httpx.Client
	clock  crawler.Clock
}

// New builds the adapter for domain.
func New(domain crawler.Domain, settings httpx.Settings, client *httpx.Client, clock crawler.Clock) (*Adapter, error) {
	var id string
	switch domain {
	case crawler.DomainAir:
		id = "openweather-air"
	case crawler.DomainClimate:
		id = "openweather-climate"
	case crawler.DomainWater:
		id = "openweather-water"
	default:
		return nil, fmt.Errorf("openweather does not serve domain %q", domain)
	}
	spec := settings.Apply(crawler.ProviderSpec{
		ID:           id,
		Domain:       domain,
		BaseURL:      DefaultBaseURL,
		RequiresAuth: true,
		RateKey:      rateKey,
		MaxRequests:  60,
		Window:       time.Minute,
		Timeout:      20 * time.Second,
	})
	return &Adapter{spec: spec, apiKey: settings.APIKey, client: client, clock: clock}, nil
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
	switch domain {
	case crawler.DomainAir:
		return a.fetchAir(ctx, loc)
	case crawler.DomainClimate:
		return a.fetchClimate(ctx, loc)
	default:
		return a.fetchWater(ctx, loc)
	}
}

func (a *Adapter) fetchAir(ctx context.Context, loc crawler.Location) (crawler.RawRecord, error) {
	var air airPollutionResponse
	if err := a.client.GetJSON(ctx, a.spec, a.endpoint("/data/2.5/air_pollution", loc, false), &air); err != nil {
		return crawler.RawRecord{}, err
	}
	if len(air.List) == 0 {
		return crawler.RawRecord{}, crawler.NewProviderError(a.spec.ID, crawler.KindMalformedResponse,
			errors.New("air_pollution returned an empty list"))
	}
	cur := air.List[0]

	f := normalize.New()
	f.Core("aqi", cur.Main.AQI)
	f.Core("pm25", cur.Components.PM25)
	f.Core("pm10", cur.Components.PM10)
	f.Optional("o3", cur.Components.O3)
	f.Optional("no2", cur.Components.NO2)
	f.Optional("so2", cur.Components.SO2)
	f.Optional("co", cur.Components.CO)
	f.Optional("nh3", cur.Components.NH3)

	var w weatherResponse
	if err := a.client.GetJSON(ctx, a.spec, a.endpoint("/data/2.5/weather", loc, true), &w); err != nil {
		if ctx.Err() != nil {
			return crawler.RawRecord{}, err
		}
		f.Note("weather: " + err.Error())
	} else {
		f.Optional("temperature", w.Main.Temp)
		f.Optional("humidity", w.Main.Humidity)
		f.Optional("pressure", w.Main.Pressure)
		f.Optional("wind_speed", w.Wind.Speed)
		f.Optional("wind_direction", w.Wind.Deg)
		f.Optional("visibility_km", normalize.Scale(w.Visibility, 1000))
		f.Text("weather_condition", w.condition())
	}

	return f.Record(a.spec, loc, a.observedAt(cur.Dt))
}

func (a *Adapter) fetchClimate(ctx context.Context, loc crawler.Location) (crawler.RawRecord, error) {
	var w weatherResponse
	if err := a.client.GetJSON(ctx, a.spec, a.endpoint("/data/2.5/weather", loc, true), &w); err != nil {
		return crawler.RawRecord{}, err
	}

	f := normalize.New()
	f.Core("temperature", w.Main.Temp)
	f.Core("humidity", w.Main.Humidity)
	f.Core("pressure", w.Main.Pressure)
	f.Optional("feels_like", w.Main.FeelsLike)
	f.Optional("temp_min", w.Main.TempMin)
	f.Optional("temp_max", w.Main.TempMax)
	f.Optional("wind_speed", w.Wind.Speed)
	f.Optional("wind_deg", w.Wind.Deg)
	f.Optional("wind_gust", w.Wind.Gust)
	f.Optional("clouds", w.Clouds.All)
	f.Optional("visibility_km", normalize.Scale(w.Visibility, 1000))
	f.Default("rainfall", w.Rain.lastHour(), 0)
	f.Text("weather_condition", w.condition())
	f.Text("weather_description", w.description())

	return f.Record(a.spec, loc, a.observedAt(w.Dt))
}

func (a *Adapter) fetchWater(ctx context.Context, loc crawler.Location) (crawler.RawRecord, error) {
	var w weatherResponse
	if err := a.client.GetJSON(ctx, a.spec, a.endpoint("/data/2.5/weather", loc, true), &w); err != nil {
		return crawler.RawRecord{}, err
	}

	f := normalize.New()
	f.Core("temperature", w.Main.Temp)
	f.Core("humidity", w.Main.Humidity)
	f.Default("rain_1h", w.Rain.lastHour(), 0)
	f.Optional("rain_3h", w.Rain.threeHours())
	f.Default("snow_1h", w.Snow.lastHour(), 0)
	f.Optional("pressure", w.Main.Pressure)
	f.Optional("clouds", w.Clouds.All)
	f.Optional("visibility_km", normalize.Scale(w.Visibility, 1000))

	rain := 0.0
	if r := w.Rain.lastHour(); r != nil {
		rain = *r
	}
	f.Derive("flood_risk_weather", crawler.Text(FloodRisk(rain)))
	if t := w.Main.Temp; t != nil {
		f.Derive("temperature_stress", crawler.Text(TemperatureStress(*t)))
		if h := w.Main.Humidity; h != nil {
			f.Derive("evaporation_rate", crawler.Num(EvaporationRate(*t, *h)))
		}
	}

	return f.Record(a.spec, loc, a.observedAt(w.Dt))
}

func (a *Adapter) endpoint(path string, loc crawler.Location, metric bool) string {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	q.Set("appid", a.apiKey)
	if metric {
		q.Set("units", "metric")
	}
	return strings.TrimRight(a.spec.BaseURL, "/") + path + "?" + q.Encode()
}

func (a *Adapter) observedAt(unix int64) time.Time {
	if unix <= 0 {
		return a.clock.Now()
	}
	return time.Unix(unix, 0)
}

type airPollutionResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			AQI *float64 `json:"aqi"`
		} `json:"main"`
		Components struct {
			CO   *float64 `json:"co"`
			NO2  *float64 `json:"no2"`
			O3   *float64 `json:"o3"`
			SO2  *float64 `json:"so2"`
			PM25 *float64 `json:"pm2_5"`
			PM10 *float64 `json:"pm10"`
			NH3  *float64 `json:"nh3"`
		} `json:"components"`
	} `json:"list"`
}

type weatherResponse struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		TempMin   *float64 `json:"temp_min"`
		TempMax   *float64 `json:"temp_max"`
		Pressure  *float64 `json:"pressure"`
		Humidity  *float64 `json:"humidity"`
	} `json:"main"`
	Visibility *float64 `json:"visibility"`
	Wind       struct {
		Speed *float64 `json:"speed"`
		Deg   *float64 `json:"deg"`
		Gust  *float64 `json:"gust"`
	} `json:"wind"`
	Clouds struct {
		All *float64 `json:"all"`
	} `json:"clouds"`
	Rain    *precipitation `json:"rain"`
	Snow    *precipitation `json:"snow"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
}

type precipitation struct {
	OneHour    *float64 `json:"1h"`
	ThreeHours *float64 `json:"3h"`
}

func (p *precipitation) lastHour() *float64 {
	if p == nil {
		return nil
	}
	return p.OneHour
}

func (p *precipitation) threeHours() *float64 {
	if p == nil {
		return nil
	}
	return p.ThreeHours
}

func (w weatherResponse) condition() string {
	if len(w.Weather) == 0 {
		return ""
	}
	return w.Weather[0].Main
}

func (w weatherResponse) description() string {
	if len(w.Weather) == 0 {
		return ""
	}
	return w.Weather[0].Description
}
