package forecast

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"visa_bulletin/pkg/core/analytics"
	"visa_bulletin/pkg/models"
)

// featureSchemaVersion guards saved artifacts: a model trained on a
// different feature layout refuses to load.
const featureSchemaVersion = 1

// countryFactors are documented constants of the domain model. They
// encode relative backlog pressure and are never learned or overwritten
// during training.
var countryFactors = map[models.Country]float64{
	models.CountryIndia:       0.3,
	models.CountryChina:       0.5,
	models.CountryMexico:      0.7,
	models.CountryPhilippines: 0.7,
	models.CountryWorldwide:   1.0,
}

// categoryFactors likewise are fixed per-category scalars.
var categoryFactors = map[models.VisaCategory]float64{
	models.CategoryEB1:             0.9,
	models.CategoryEB2:             0.7,
	models.CategoryEB3:             0.6,
	models.CategoryEB3OtherWorkers: 0.4,
	models.CategoryEB4:             0.8,
	models.CategoryEB5:             0.5,
	models.CategoryF1:              0.5,
	models.CategoryF2A:             0.8,
	models.CategoryF2B:             0.5,
	models.CategoryF3:              0.4,
	models.CategoryF4:              0.3,
}

var trendOrdinals = map[models.TrendDirection]float64{
	models.TrendRetrogressing: 0,
	models.TrendMixed:         1,
	models.TrendStable:        2,
	models.TrendAdvancing:     3,
}

// FeatureVector is the model input for one (series, target month) pair.
type FeatureVector struct {
	SchemaVersion int `json:"schema_version"`

	FiscalYear     float64     `json:"fiscal_year"`
	MonthOneHot    [12]float64 `json:"month_one_hot"`
	DaysSinceEpoch float64     `json:"days_since_epoch"`

	MeanDelta3   float64 `json:"mean_delta_3"`
	MeanDelta12  float64 `json:"mean_delta_12"`
	Volatility   float64 `json:"volatility"`
	TrendOrdinal float64 `json:"trend_ordinal"`

	SeasonalFactor float64 `json:"seasonal_factor"`
	CountryFactor  float64 `json:"country_factor"`
	Employment     float64 `json:"employment"`
	CategoryFactor float64 `json:"category_factor"`
}

// featureDim is the flattened length: 1 + 12 + 1 + 4 + 4.
const featureDim = 22

// Flatten serializes the vector in the fixed model order.
func (fv FeatureVector) Flatten() []float64 {
	out := make([]float64, 0, featureDim)
	out = append(out, fv.FiscalYear)
	out = append(out, fv.MonthOneHot[:]...)
	out = append(out, fv.DaysSinceEpoch,
		fv.MeanDelta3, fv.MeanDelta12, fv.Volatility, fv.TrendOrdinal,
		fv.SeasonalFactor, fv.CountryFactor, fv.Employment, fv.CategoryFactor)
	return out
}

// Hash fingerprints the inputs so stored forecasts can be checked for
// staleness against recomputed features.
func (fv FeatureVector) Hash() string {
	data, _ := json.Marshal(fv)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BuildFeatures derives the vector for predicting (targetYear,
// targetMonth) from the dated history. The history must be ordered
// ascending and non-empty.
func BuildFeatures(category models.VisaCategory, country models.Country, chart models.ChartType,
	targetYear, targetMonth int, history []models.SeriesPoint) (FeatureVector, error) {
	if len(history) == 0 {
		return FeatureVector{}, fmt.Errorf("empty history for %s/%s/%s", category, country, chart)
	}
	if targetMonth < 1 || targetMonth > 12 {
		return FeatureVector{}, fmt.Errorf("invalid target month %d", targetMonth)
	}

	key := models.SeriesKey{Category: category, Country: country, Chart: chart}
	summary := analytics.Summarize(key, history, 0)
	deltas := analytics.Deltas(history)

	fv := FeatureVector{
		SchemaVersion:  featureSchemaVersion,
		FiscalYear:     float64(models.FiscalYearFor(targetYear, targetMonth)),
		DaysSinceEpoch: float64(history[len(history)-1].BulletinDate.Unix()) / (24 * 3600),
		MeanDelta3:     tailMean(deltas, 3),
		MeanDelta12:    tailMean(deltas, 12),
		Volatility:     summary.Volatility,
		TrendOrdinal:   trendOrdinals[summary.TrendDirection],
		SeasonalFactor: 1.0,
		CountryFactor:  countryFactors[country],
		CategoryFactor: categoryFactors[category],
	}
	fv.MonthOneHot[targetMonth-1] = 1
	if category.IsEmployment() {
		fv.Employment = 1
	}
	if f, ok := summary.SeasonalFactors[targetMonth]; ok {
		fv.SeasonalFactor = f
	}
	return fv, nil
}

func tailMean(deltas []int, n int) float64 {
	if len(deltas) == 0 {
		return 0
	}
	if len(deltas) > n {
		deltas = deltas[len(deltas)-n:]
	}
	sum := 0
	for _, d := range deltas {
		sum += d
	}
	return float64(sum) / float64(len(deltas))
}

// example is one supervised training pair.
type example struct {
	Features []float64
	Delta    float64
}

// buildDataset slides over the dated history: the features at step i see
// only observations before i, the label is the movement realized at i.
// The key fields are only needed for the fixed scalars; training data
// for a model always comes from the series it will predict.
func buildDataset(key models.ForecastKey, series []models.SeriesPoint) []example {
	dated := datedPoints(series)
	var out []example
	for i := 3; i < len(dated); i++ {
		target := dated[i].BulletinDate
		fv, err := BuildFeatures(key.Category, key.Country, key.Chart,
			target.Year(), int(target.Month()), dated[:i])
		if err != nil {
			continue
		}
		delta := dated[i].PriorityDate.Sub(*dated[i-1].PriorityDate).Hours() / 24
		out = append(out, example{Features: fv.Flatten(), Delta: delta})
	}
	return out
}

// predictionFeatures builds the vector for the live target month.
func predictionFeatures(key models.ForecastKey, series []models.SeriesPoint) (FeatureVector, []models.SeriesPoint, error) {
	dated := datedPoints(series)
	if len(dated) == 0 {
		return FeatureVector{}, nil, fmt.Errorf("series %s/%s/%s has no dated observations",
			key.Category, key.Country, key.Chart)
	}
	fv, err := BuildFeatures(key.Category, key.Country, key.Chart,
		key.TargetYear, key.TargetMonth, dated)
	if err != nil {
		return FeatureVector{}, nil, err
	}
	return fv, dated, nil
}
