package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnenv/envcrawler/internal/crawler"
)

var (
	spec = crawler.ProviderSpec{ID: "waqi", Domain: crawler.DomainAir}
	loc  = crawler.Location{ID: "hanoi", Name: "Hanoi"}
	at   = time.Date(2025, 3, 1, 7, 0, 0, 0, time.FixedZone("ICT", 7*3600))
)

func TestFields_CompleteRecord(t *testing.T) {
	t.Parallel()

	f := New()
	f.Core("aqi", Ptr(151))
	f.Optional("o3", nil)
	f.Text("dominant_pollutant", " pm25 ")

	rec, err := f.Record(spec, loc, at)
	require.NoError(t, err)
	require.Equal(t, crawler.FetchOK, rec.Status)
	require.Empty(t, rec.Error)
	require.Equal(t, crawler.DomainAir, rec.Domain)
	require.Equal(t, "hanoi", rec.LocationID)
	require.Equal(t, "waqi", rec.ProviderID)
	require.Equal(t, time.UTC, rec.ObservedAt.Location())
	require.Equal(t, crawler.Text("pm25"), rec.Fields["dominant_pollutant"])
	require.NotContains(t, rec.Fields, "o3")
}

func TestFields_MissingCoreIsPartial(t *testing.T) {
	t.Parallel()

	f := New()
	f.Core("pm25", nil)
	f.Core("aqi", Ptr(80))
	f.Core("pm10", nil)
	f.Note("weather: timeout")

	rec, err := f.Record(spec, loc, at)
	require.NoError(t, err)
	require.Equal(t, crawler.FetchPartial, rec.Status)
	require.Equal(t, "missing pm10, pm25; weather: timeout", rec.Error)
	require.Equal(t, []string{"pm10", "pm25"}, f.Missing())
}

func TestFields_EmptyIsMalformed(t *testing.T) {
	t.Parallel()

	f := New()
	f.Core("aqi", nil)

	_, err := f.Record(spec, loc, at)
	perr, ok := crawler.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, crawler.KindMalformedResponse, perr.Kind)
	require.ErrorIs(t, err, ErrNoFields)
}

func TestFields_OnlyDefaultsAndDerivedIsMalformed(t *testing.T) {
	t.Parallel()

	f := New()
	f.Core("temperature", nil)
	f.Default("rain_1h", nil, 0)
	f.Default("snow_1h", nil, 0)
	f.Derive("flood_risk_weather", crawler.Text("low"))
	require.Equal(t, 3, f.Len())
	require.Zero(t, f.Observed())

	_, err := f.Record(spec, loc, at)
	perr, ok := crawler.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, crawler.KindMalformedResponse, perr.Kind)
	require.ErrorIs(t, err, ErrNoFields)
}

func TestFields_ObservedValueReplacesDefault(t *testing.T) {
	t.Parallel()

	f := New()
	f.Default("rainfall", nil, 0)
	f.Set("rainfall", 2.5)
	require.Equal(t, 1, f.Observed())

	rec, err := f.Record(spec, loc, at)
	require.NoError(t, err)
	require.Equal(t, crawler.Num(2.5), rec.Fields["rainfall"])
}

func TestFields_DefaultAndScale(t *testing.T) {
	t.Parallel()

	f := New()
	f.Default("rainfall", nil, 0)
	f.Optional("visibility_km", Scale(Ptr(10000), 1000))
	require.Nil(t, Scale(nil, 10))

	rec, err := f.Record(spec, loc, at)
	require.NoError(t, err)
	require.Equal(t, crawler.Num(0), rec.Fields["rainfall"])
	require.Equal(t, crawler.Num(10), rec.Fields["visibility_km"])
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	s, ok := Summarize([]float64{26, -999, 30, 28}, -999)
	require.True(t, ok)
	require.Equal(t, 3, s.Count)
	require.InDelta(t, 28, s.Avg, 1e-9)
	require.Equal(t, 26.0, s.Min)
	require.Equal(t, 30.0, s.Max)

	_, ok = Summarize([]float64{-999, -999}, -999)
	require.False(t, ok)
}

func TestRound(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1.23, Round(1.2345, 2))
	require.Equal(t, 28.0, Round(27.99, 1))
}
