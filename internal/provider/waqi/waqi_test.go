package waqi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/provider/httpx"
)

var hcmc = crawler.Location{ID: "ho-chi-minh-city", Name: "Ho Chi Minh City", Lat: 10.8231, Lon: 106.6297}

const geoPath = "/feed/geo:10.8231;106.6297/"

// serve answers the geo feed with body and every city feed with an unknown
// station error.
func serve(t *testing.T, body string, gotToken *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != geoPath {
			_, _ = w.Write([]byte(`{"status":"error","data":"Unknown station"}`))
			return
		}
		if gotToken != nil {
			*gotToken = r.URL.Query().Get("token")
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func adapter(baseURL, token string) *Adapter {
	return New(httpx.Settings{APIKey: token, BaseURL: baseURL}, httpx.New(httpx.Options{}), clockwork.NewFakeClock())
}

func TestAdapter_Fetch(t *testing.T) {
	t.Parallel()

	body := `{"status":"ok","data":{"aqi":87,"idx":1584,"dominentpol":"pm25",
"city":{"name":"US Consulate, Ho Chi Minh City"},
"iaqi":{"pm25":{"v":87},"pm10":{"v":41},"t":{"v":31.5},"h":{"v":66}},
"time":{"s":"2025-01-01 14:00:00","tz":"+07:00","iso":"2025-01-01T14:00:00+07:00"}}}`
	var token string
	srv := serve(t, body, &token)

	rec, err := adapter(srv.URL, "").Fetch(context.Background(), hcmc, crawler.DomainAir)
	require.NoError(t, err)
	require.Equal(t, DemoToken, token)
	require.Equal(t, crawler.FetchOK, rec.Status)
	require.Equal(t, crawler.Num(87), rec.Fields["aqi"])
	require.Equal(t, crawler.Num(41), rec.Fields["pm10"])
	require.Equal(t, crawler.Num(31.5), rec.Fields["temperature"])
	require.Equal(t, crawler.Text("pm25"), rec.Fields["dominant_pollutant"])
	require.NotContains(t, rec.Fields, "o3")
	require.Equal(t, time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC), rec.ObservedAt)
}

func TestAdapter_DashAQIIsMissing(t *testing.T) {
	t.Parallel()

	srv := serve(t, `{"status":"ok","data":{"aqi":"-","iaqi":{"pm25":{"v":12}}}}`, nil)
	rec, err := adapter(srv.URL, "tok").Fetch(context.Background(), hcmc, crawler.DomainAir)
	require.NoError(t, err)
	require.Equal(t, crawler.FetchPartial, rec.Status)
	require.NotContains(t, rec.Fields, "aqi")
	require.Equal(t, "missing aqi", rec.Error)
}

func TestAdapter_ErrorStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]crawler.ErrorKind{
		"Invalid key":     crawler.KindUnauthorized,
		"Over quota":      crawler.KindRateLimited,
		"Unknown station": crawler.KindMalformedResponse,
	}
	for msg, kind := range cases {
		t.Run(msg, func(t *testing.T) {
			t.Parallel()
			srv := serve(t, `{"status":"error","data":"`+msg+`"}`, nil)
			_, err := adapter(srv.URL, "tok").Fetch(context.Background(), hcmc, crawler.DomainAir)
			perr, ok := crawler.AsProviderError(err)
			require.True(t, ok)
			require.Equal(t, kind, perr.Kind)
		})
	}
}

func TestAdapter_NoFieldsIsMalformed(t *testing.T) {
	t.Parallel()

	srv := serve(t, `{"status":"ok","data":{"aqi":"-","iaqi":{}}}`, nil)
	_, err := adapter(srv.URL, "tok").Fetch(context.Background(), hcmc, crawler.DomainAir)
	perr, ok := crawler.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, crawler.KindMalformedResponse, perr.Kind)
}

func TestAdapter_FallsBackToCityFeed(t *testing.T) {
	t.Parallel()

	var paths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case geoPath:
			_, _ = w.Write([]byte(`{"status":"ok","data":{"aqi":"-","iaqi":{"pm25":{"v":12}}}}`))
		case "/feed/saigon/":
			_, _ = w.Write([]byte(`{"status":"ok","data":{"aqi":64,"iaqi":{"pm25":{"v":64}},"city":{"name":"Saigon"}}}`))
		default:
			_, _ = w.Write([]byte(`{"status":"error","data":"Unknown station"}`))
		}
	}))
	defer srv.Close()

	loc := hcmc
	loc.AltNames = []string{"Saigon", "HCMC"}
	rec, err := adapter(srv.URL, "tok").Fetch(context.Background(), loc, crawler.DomainAir)
	require.NoError(t, err)
	require.Equal(t, crawler.FetchOK, rec.Status)
	require.Equal(t, crawler.Num(64), rec.Fields["aqi"])
	require.Equal(t, crawler.Text("Saigon"), rec.Fields["station"])
	require.Equal(t, []string{geoPath, "/feed/ho-chi-minh-city/", "/feed/saigon/"}, paths)
}

func TestAdapter_DemoTokenSkipsCityFeeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, geoPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"error","data":"Unknown station"}`))
	}))
	defer srv.Close()

	loc := hcmc
	loc.AltNames = []string{"Saigon"}
	_, err := adapter(srv.URL, "").Fetch(context.Background(), loc, crawler.DomainAir)
	require.True(t, crawler.IsKind(err, crawler.KindMalformedResponse))
	require.Equal(t, int32(1), hits.Load())
}
