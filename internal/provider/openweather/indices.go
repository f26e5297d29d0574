package openweather

import "github.com/vnenv/envcrawler/internal/provider/normalize"

// FloodRisk grades the last hour's rainfall in millimetres.
func FloodRisk(rainMM float64) string {
	switch {
	case rainMM > 50:
		return "high"
	case rainMM > 20:
		return "medium"
	default:
		return "low"
	}
}

// TemperatureStress grades air temperature in °C for surface water.
func TemperatureStress(tempC float64) string {
	switch {
	case tempC > 35:
		return "high"
	case tempC > 30:
		return "medium"
	default:
		return "low"
	}
}

// EvaporationRate is a relative evaporation index: the excess over 20 °C
// weighted by the humidity deficit. It is never negative.
func EvaporationRate(tempC, humidity float64) float64 {
	return normalize.Round(max(0, (tempC-20)*(100-humidity)/100), 4)
}
