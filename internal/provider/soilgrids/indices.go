package soilgrids

import (
	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/provider/normalize"
)

// deriveSoilIndices grades the topsoil layer. Each category is set only when
// its input was observed; the health score averages the graded categories.
func deriveSoilIndices(f *normalize.Fields, values map[string]*float64) {
	clay, sand, silt := values["clay_0_5cm"], values["sand_0_5cm"], values["silt_0_5cm"]
	if clay != nil && sand != nil && silt != nil {
		f.Derive("texture_0_5cm", crawler.Text(Texture(*clay, *sand, *silt)))
	}

	var scores []int
	grade := func(field, name string, classify func(float64) string, score map[string]int) {
		v := values[field]
		if v == nil {
			return
		}
		c := classify(*v)
		f.Derive(name, crawler.Text(c))
		if score != nil {
			scores = append(scores, score[c])
		}
	}
	grade("phh2o_0_5cm", "ph_category", PHCategory, phScore)
	grade("soc_0_5cm", "carbon_level", CarbonLevel, carbonScore)
	grade("bdod_0_5cm", "compaction_risk", CompactionRisk, compactionScore)
	grade("cec_0_5cm", "fertility_level", FertilityLevel, fertilityScore)
	grade("nitrogen_0_5cm", "nitrogen_level", NitrogenLevel, nil)

	if score, status, ok := HealthScore(scores); ok {
		f.Derive("soil_health_score", crawler.Num(score))
		f.Derive("soil_health_status", crawler.Text(status))
	}
}

var (
	phScore = map[string]int{
		"extremely_acidic": 1, "strongly_acidic": 2, "moderately_acidic": 3,
		"neutral": 5, "moderately_alkaline": 3, "strongly_alkaline": 1,
	}
	carbonScore     = map[string]int{"very_low": 1, "low": 2, "medium": 3, "high": 4, "very_high": 5}
	compactionScore = map[string]int{"very_high": 1, "high": 2, "medium": 3, "low": 4, "very_low": 5}
	fertilityScore  = map[string]int{"low": 1, "medium": 3, "high": 4, "very_high": 5}
)

// Texture classifies a fine-earth fraction (percentages) with a simplified
// USDA texture triangle.
func Texture(clay, sand, silt float64) string {
	switch {
	case clay >= 40:
		return "clay"
	case sand >= 85:
		return "sand"
	case silt >= 80:
		return "silt"
	case clay >= 35 && sand <= 45:
		return "clay_loam"
	case clay >= 27 && sand <= 20:
		return "silty_clay"
	case sand >= 45 && clay <= 27:
		return "sandy_loam"
	default:
		return "loam"
	}
}

// PHCategory grades pH in water.
func PHCategory(ph float64) string {
	switch {
	case ph < 4.5:
		return "extremely_acidic"
	case ph < 5.5:
		return "strongly_acidic"
	case ph < 6.5:
		return "moderately_acidic"
	case ph < 7.5:
		return "neutral"
	case ph < 8.5:
		return "moderately_alkaline"
	default:
		return "strongly_alkaline"
	}
}

// CarbonLevel grades soil organic carbon in g/kg.
func CarbonLevel(soc float64) string {
	switch {
	case soc < 6:
		return "very_low"
	case soc < 12:
		return "low"
	case soc < 18:
		return "medium"
	case soc < 25:
		return "high"
	default:
		return "very_high"
	}
}

// CompactionRisk grades bulk density in g/cm³.
func CompactionRisk(bulkDensity float64) string {
	switch {
	case bulkDensity < 1.0:
		return "very_low"
	case bulkDensity < 1.2:
		return "low"
	case bulkDensity < 1.4:
		return "medium"
	case bulkDensity < 1.6:
		return "high"
	default:
		return "very_high"
	}
}

// FertilityLevel grades cation exchange capacity in cmol(c)/kg.
func FertilityLevel(cec float64) string {
	switch {
	case cec < 10:
		return "low"
	case cec < 20:
		return "medium"
	case cec < 30:
		return "high"
	default:
		return "very_high"
	}
}

// NitrogenLevel grades total nitrogen in g/kg (1 g/kg = 0.1 %).
func NitrogenLevel(nitrogen float64) string {
	switch {
	case nitrogen < 1:
		return "deficient"
	case nitrogen < 2:
		return "low"
	case nitrogen < 3:
		return "adequate"
	default:
		return "high"
	}
}

// HealthScore averages category scores on a 1..5 scale. ok is false when
// there is nothing to average.
func HealthScore(scores []int) (score float64, status string, ok bool) {
	if len(scores) == 0 {
		return 0, "", false
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	score = normalize.Round(float64(sum)/float64(len(scores)), 2)
	switch {
	case score < 2:
		status = "poor"
	case score < 3:
		status = "fair"
	case score < 4:
		status = "good"
	default:
		status = "excellent"
	}
	return score, status, true
}
