// Package forecast predicts next-month cutoff movement for a series.
// Two regressor variants sit behind one Model contract; both reduce the
// problem to "signed day delta for the target month" and reconstruct the
// predicted date from the last observation.
package forecast

import (
	"fmt"
	"math"
	"time"

	"visa_bulletin/pkg/models"
)

const (
	// MinObservations is the floor below which no model is trusted; the
	// null forecaster answers instead.
	MinObservations = 12

	// NullModelID marks forecasts produced without a usable model.
	NullModelID = "null-forecaster"

	// maxDeltaDays clamps any predicted movement to one year either way.
	maxDeltaDays = 365
)

// TrainMetrics reports held-out error after Train.
type TrainMetrics struct {
	MAEDays      float64 `json:"mae_days"`
	RMSEDays     float64 `json:"rmse_days"`
	HeldOutSplit float64 `json:"held_out_split"`
}

// Model is the pluggable regressor contract. Implementations must keep
// the country/category scalars of the feature layer untouched: they are
// domain constants, not parameters.
type Model interface {
	ID() string
	Train(series []models.SeriesPoint) (TrainMetrics, error)
	Predict(key models.ForecastKey, series []models.SeriesPoint) (models.Forecast, error)
	Save(path string) error
	Load(path string) error
}

// NewModel constructs a variant by name: "tree" or "logistic".
func NewModel(variant string) (Model, error) {
	switch variant {
	case "tree":
		return NewTreeEnsemble(), nil
	case "logistic":
		return NewLogisticModel(), nil
	}
	return nil, fmt.Errorf("unknown forecaster variant %q", variant)
}

// datedPoints filters a series down to observations that carry a date.
func datedPoints(series []models.SeriesPoint) []models.SeriesPoint {
	var out []models.SeriesPoint
	for _, p := range series {
		if p.Status == models.StatusDated && p.PriorityDate != nil {
			out = append(out, p)
		}
	}
	return out
}

// nullForecast is the answer when the series is too short to model.
// The prediction is the last observation itself, with zero confidence.
func nullForecast(key models.ForecastKey, series []models.SeriesPoint) models.Forecast {
	dated := datedPoints(series)
	var last time.Time
	if len(dated) > 0 {
		last = *dated[len(dated)-1].PriorityDate
	}
	return models.Forecast{
		Key:           key,
		PredictedDate: last,
		Confidence:    0,
		ModelID:       NullModelID,
		ProducedAt:    time.Now().UTC(),
	}
}

// assembleForecast turns a raw day delta into the final Forecast.
func assembleForecast(key models.ForecastKey, modelID string, dated []models.SeriesPoint, delta, confidence float64, fv FeatureVector) models.Forecast {
	clamped := math.Max(-maxDeltaDays, math.Min(maxDeltaDays, delta))
	last := *dated[len(dated)-1].PriorityDate
	return models.Forecast{
		Key:           key,
		PredictedDate: last.AddDate(0, 0, int(math.Round(clamped))),
		Confidence:    math.Max(0, math.Min(1, confidence)),
		ModelID:       modelID,
		ProducedAt:    time.Now().UTC(),
		FeaturesHash:  fv.Hash(),
	}
}

// splitDataset carves off the held-out tail used for train metrics.
func splitDataset(examples []example, heldOutShare float64) (train, held []example) {
	n := len(examples)
	cut := n - int(math.Round(float64(n)*heldOutShare))
	if cut < 1 {
		cut = 1
	}
	if cut >= n {
		cut = n - 1
	}
	return examples[:cut], examples[cut:]
}

// heldOutError computes MAE and RMSE of predict over held-out examples.
func heldOutError(held []example, predict func([]float64) float64) (mae, rmse float64) {
	if len(held) == 0 {
		return 0, 0
	}
	var sumAbs, sumSq float64
	for _, ex := range held {
		err := predict(ex.Features) - ex.Delta
		sumAbs += math.Abs(err)
		sumSq += err * err
	}
	n := float64(len(held))
	return sumAbs / n, math.Sqrt(sumSq / n)
}
