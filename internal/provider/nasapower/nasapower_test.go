package nasapower

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/provider/httpx"
)

var vinh = crawler.Location{ID: "vinh", Name: "Vinh", Province: "Nghe An", Lat: 18.6796, Lon: 105.6813}

const body = `{"type":"Feature","header":{"title":"NASA/POWER","fill_value":-999.0},
"properties":{"parameter":{
"T2M":{"20250401":27.0,"20250402":29.0,"20250403":-999.0,"20250404":31.0},
"T2M_MAX":{"20250401":33.1,"20250402":34.0},
"RH2M":{"20250401":80.0,"20250402":70.0},
"PRECTOTCORR":{"20250401":0.0,"20250402":12.5},
"WS2M":{"20250401":-999.0}
}}}`

func TestAdapter_SummarizesTrailingWindow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/temporal/daily/point", r.URL.Path)
		assert.Equal(t, "AG", q.Get("community"))
		assert.Equal(t, "20250402", q.Get("start"))
		assert.Equal(t, "20250502", q.Get("end"))
		assert.Equal(t, "T2M,T2M_MAX,T2M_MIN,RH2M,PRECTOTCORR,ALLSKY_SFC_SW_DWN,WS2M", q.Get("parameters"))
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 5, 2, 9, 30, 0, 0, time.UTC))
	a := New(httpx.Settings{BaseURL: srv.URL}, httpx.New(httpx.Options{}), clock)

	rec, err := a.Fetch(context.Background(), vinh, crawler.DomainSoil)
	require.NoError(t, err)
	require.Equal(t, "nasa-power", rec.ProviderID)
	require.Equal(t, crawler.FetchOK, rec.Status)
	require.Equal(t, crawler.Num(29), rec.Fields["t2m_avg"])
	require.Equal(t, crawler.Num(27), rec.Fields["t2m_min"])
	require.Equal(t, crawler.Num(31), rec.Fields["t2m_max"])
	require.Equal(t, crawler.Num(6.25), rec.Fields["prectotcorr_avg"])
	require.Equal(t, crawler.Num(75), rec.Fields["rh2m_avg"])
	require.NotContains(t, rec.Fields, "ws2m_avg", "series made only of fill values is dropped")
	require.NotContains(t, rec.Fields, "t2m_min_avg")
}

func TestAdapter_MissingCoreSeriesIsPartial(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"properties":{"parameter":{"T2M":{"20250401":25.5}}}}`))
	}))
	defer srv.Close()

	a := New(httpx.Settings{BaseURL: srv.URL}, httpx.New(httpx.Options{}), clockwork.NewFakeClock())
	rec, err := a.Fetch(context.Background(), vinh, crawler.DomainSoil)
	require.NoError(t, err)
	require.Equal(t, crawler.FetchPartial, rec.Status)
	require.Equal(t, "missing prectotcorr_avg, rh2m_avg", rec.Error)
}

func TestAdapter_UnreachableHost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	a := New(httpx.Settings{BaseURL: addr}, httpx.New(httpx.Options{}), clockwork.NewFakeClock())
	_, err := a.Fetch(context.Background(), vinh, crawler.DomainSoil)
	perr, ok := crawler.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, crawler.KindUnreachable, perr.Kind)
}
