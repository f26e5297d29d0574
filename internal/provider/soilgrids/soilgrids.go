// Package soilgrids adapts the ISRIC SoilGrids v2.0 properties API to the
// soil domain (full depth profile) and the water domain (surface chemistry).
package soilgrids

import (
	"context"
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
const DefaultBaseURL = "https://rest.isric.org"

const rateKey = "soilgrids"

// conversion divides mapped integer units into conventional units:
// pH*10 to pH, g/kg to %, cg/kg to g/kg, dg/kg to g/kg, cg/cm3 to g/cm3,
// mmol(c)/kg to cmol(c)/kg.
var conversion = map[string]float64{
	"phh2o":    10,
	"clay":     10,
	"sand":     10,
	"silt":     10,
	"cfvo":     10,
	"nitrogen": 100,
	"soc":      10,
	"ocd":      10,
	"bdod":     100,
	"cec":      10,
}

var (
	soilProperties = []string{"bdod", "cec", "cfvo", "clay", "nitrogen", "ocd", "phh2o", "sand", "silt", "soc"}
	soilDepths     = []string{"0-5cm", "5-15cm", "15-30cm", "30-60cm", "60-100cm", "100-200cm"}
	soilCore       = map[string]bool{
		"phh2o_0_5cm": true,
		"clay_0_5cm":  true,
		"sand_0_5cm":  true,
		"silt_0_5cm":  true,
		"soc_0_5cm":   true,
	}

	waterFields = []struct {
		property, field string
		core            bool
	}{
		{"phh2o", "ph_h2o", true},
		{"ocd", "organic_carbon_density", true},
		{"soc", "soil_organic_carbon", false},
	}
)

// Domains lists the domains this provider serves.
func Domains() []crawler.Domain {
	return []crawler.Domain{crawler.DomainSoil, crawler.DomainWater}
}

// Adapter fetches one domain's view of the SoilGrids layers.
type Adapter struct {
	spec   crawler.ProviderSpec
	client *httpx.Client
	clock  crawler.Clock
}

// New builds the adapter for domain. ISRIC asks for at most five calls per
// minute.
func New(domain crawler.Domain, settings httpx.Settings, client *httpx.Client, clock crawler.Clock) (*Adapter, error) {
	var id string
	switch domain {
	case crawler.DomainSoil:
		id = "soilgrids-soil"
	case crawler.DomainWater:
		id = "soilgrids-water"
	default:
		return nil, fmt.Errorf("soilgrids does not serve domain %q", domain)
	}
	spec := settings.Apply(crawler.ProviderSpec{
		ID:          id,
		Domain:      domain,
		BaseURL:     DefaultBaseURL,
		RateKey:     rateKey,
		MaxRequests: 5,
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

	props, depths := soilProperties, soilDepths
	if domain == crawler.DomainWater {
		props = make([]string, 0, len(waterFields))
		for _, w := range waterFields {
			props = append(props, w.property)
		}
		depths = soilDepths[:1]
	}

	var resp queryResponse
	if err := a.client.GetJSON(ctx, a.spec, a.endpoint(loc, props, depths), &resp); err != nil {
		return crawler.RawRecord{}, err
	}
	values := resp.values()

	f := normalize.New()
	if domain == crawler.DomainWater {
		for _, w := range waterFields {
			v := values[fieldName(w.property, "0-5cm")]
			if w.core {
				f.Core(w.field, v)
			} else {
				f.Optional(w.field, v)
			}
		}
		return f.Record(a.spec, loc, a.clock.Now())
	}

	for _, p := range soilProperties {
		for _, d := range soilDepths {
			name := fieldName(p, d)
			if soilCore[name] {
				f.Core(name, values[name])
			} else {
				f.Optional(name, values[name])
			}
		}
	}
	deriveSoilIndices(f, values)
	return f.Record(a.spec, loc, a.clock.Now())
}

func (a *Adapter) endpoint(loc crawler.Location, props, depths []string) string {
	q := url.Values{}
	q.Set("lon", strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	for _, p := range props {
		q.Add("property", p)
	}
	for _, d := range depths {
		q.Add("depth", d)
	}
	q.Set("value", "mean")
	return strings.TrimRight(a.spec.BaseURL, "/") + "/soilgrids/v2.0/properties/query?" + q.Encode()
}

func fieldName(property, depth string) string {
	return property + "_" + strings.ReplaceAll(depth, "-", "_")
}

type queryResponse struct {
	Properties struct {
		Layers []struct {
			Name        string `json:"name"`
			UnitMeasure struct {
				DFactor float64 `json:"d_factor"`
			} `json:"unit_measure"`
			Depths []struct {
				Label  string `json:"label"`
				Values struct {
					Mean *float64 `json:"mean"`
				} `json:"values"`
			} `json:"depths"`
		} `json:"layers"`
	} `json:"properties"`
}

// values flattens the layers into converted field values keyed by
// property and depth.
func (r queryResponse) values() map[string]*float64 {
	out := make(map[string]*float64)
	for _, layer := range r.Properties.Layers {
		factor, ok := conversion[layer.Name]
		if !ok {
			factor = layer.UnitMeasure.DFactor
		}
		for _, d := range layer.Depths {
			v := normalize.Scale(d.Values.Mean, factor)
			if v != nil {
				rounded := normalize.Round(*v, 3)
				v = &rounded
			}
			out[fieldName(layer.Name, d.Label)] = v
		}
	}
	return out
}
