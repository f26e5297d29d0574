package crawler

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDomain(t *testing.T) {
	t.Parallel()

	d, err := ParseDomain(" Soil ")
	require.NoError(t, err)
	require.Equal(t, DomainSoil, d)

	_, err = ParseDomain("noise")
	require.ErrorIs(t, err, ErrUnknownDomain)
}

func TestValueFormatting(t *testing.T) {
	t.Parallel()

	require.Equal(t, "28.5", Num(28.5).String())
	require.Equal(t, "0", Num(0).String())
	require.Equal(t, "0.1", Num(0.1).String())
	require.Equal(t, "Clouds", Text("Clouds").String())

	raw, err := json.Marshal(map[string]Value{"a": Num(1.25), "b": Text("x")})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1.25,"b":"x"}`, string(raw))

	var decoded map[string]Value
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, Num(1.25), decoded["a"])
	require.Equal(t, Text("x"), decoded["b"])
}

func TestProviderErrorClassification(t *testing.T) {
	t.Parallel()

	cause := errors.New("status 429")
	perr := NewProviderError("waqi", KindRateLimited, cause)
	perr.StatusCode = 429
	wrapped := errors.Join(errors.New("outer"), perr)

	got, ok := AsProviderError(wrapped)
	require.True(t, ok)
	require.Same(t, perr, got)
	require.ErrorIs(t, perr, cause)
	require.Contains(t, perr.Error(), "waqi: rate_limited (status 429)")
	require.True(t, KindRateLimited.Retryable())
	require.False(t, KindUnauthorized.Retryable())
}

func TestLocationSupportsAndLimiterKey(t *testing.T) {
	t.Parallel()

	loc := Location{ID: "hanoi", Domains: []Domain{DomainAir, DomainClimate}}
	require.True(t, loc.Supports(DomainAir))
	require.False(t, loc.Supports(DomainSoil))

	require.Equal(t, "openweather", ProviderSpec{ID: "openweather-air", RateKey: "openweather"}.LimiterKey())
	require.Equal(t, "waqi", ProviderSpec{ID: "waqi"}.LimiterKey())
}

func TestLocationNames(t *testing.T) {
	t.Parallel()

	loc := Location{Name: "Ho Chi Minh City", AltNames: []string{"Saigon", " ", "HCMC", "Saigon", "Ho Chi Minh City"}}
	require.Equal(t, []string{"Ho Chi Minh City", "Saigon", "HCMC"}, loc.Names())
	require.Empty(t, Location{}.Names())
}
