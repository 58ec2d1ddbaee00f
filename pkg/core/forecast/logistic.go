package forecast

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"visa_bulletin/pkg/models"
)

const (
	logisticModelID = "logistic-magnitude-v1"

	// Direction classes for the first stage.
	classRetrogressing = 0
	classStable        = 1
	classAdvancing     = 2
	classCount         = 3

	// A month moving fewer days than this either way counts as stable.
	stableBandDays = 5.0

	logisticEpochs = 400
	logisticLR     = 0.05
)

// LogisticModel is variant 2: a softmax direction classifier followed by
// a per-class linear magnitude regressor. Confidence is the class
// probability discounted by the held-out magnitude error.
type LogisticModel struct {
	SchemaVersion int    `json:"schema_version"`
	ModelID       string `json:"model_id"`

	// Standardization parameters fitted on the training features.
	FeatureMean []float64 `json:"feature_mean"`
	FeatureStd  []float64 `json:"feature_std"`

	// Weights[c] and Bias[c] define the softmax logit of class c.
	Weights [classCount][]float64 `json:"weights"`
	Bias    [classCount]float64   `json:"bias"`

	// MagWeights[c]/MagBias[c] regress |delta| conditional on class c.
	MagWeights [classCount][]float64 `json:"mag_weights"`
	MagBias    [classCount]float64   `json:"mag_bias"`

	// HeldOutMAE feeds the confidence discount at predict time.
	HeldOutMAE float64 `json:"held_out_mae"`
}

// NewLogisticModel creates an untrained model.
func NewLogisticModel() *LogisticModel {
	return &LogisticModel{SchemaVersion: featureSchemaVersion, ModelID: logisticModelID}
}

func (m *LogisticModel) ID() string { return m.ModelID }

func classOf(delta float64) int {
	switch {
	case delta < -stableBandDays:
		return classRetrogressing
	case delta > stableBandDays:
		return classAdvancing
	}
	return classStable
}

func classSign(class int) float64 {
	switch class {
	case classRetrogressing:
		return -1
	case classAdvancing:
		return 1
	}
	return 0
}

// Train fits the classifier and the per-class magnitude regressors by
// batch gradient descent on standardized features.
func (m *LogisticModel) Train(series []models.SeriesPoint) (TrainMetrics, error) {
	if len(datedPoints(series)) < MinObservations {
		return TrainMetrics{}, fmt.Errorf("need at least %d dated observations, got %d",
			MinObservations, len(datedPoints(series)))
	}
	examples := buildDataset(models.ForecastKey{}, series)
	if len(examples) < 2 {
		return TrainMetrics{}, fmt.Errorf("series too short to build a training set")
	}

	train, held := splitDataset(examples, 0.25)
	m.fitStandardization(train)

	std := make([][]float64, len(train))
	for i, ex := range train {
		std[i] = m.standardize(ex.Features)
	}

	m.fitClassifier(std, train)
	m.fitMagnitudes(std, train)

	mae, rmse := heldOutError(held, m.predictDelta)
	m.HeldOutMAE = mae
	return TrainMetrics{MAEDays: mae, RMSEDays: rmse, HeldOutSplit: 0.25}, nil
}

func (m *LogisticModel) fitStandardization(train []example) {
	m.FeatureMean = make([]float64, featureDim)
	m.FeatureStd = make([]float64, featureDim)
	n := float64(len(train))
	for f := 0; f < featureDim; f++ {
		var sum float64
		for _, ex := range train {
			sum += ex.Features[f]
		}
		mean := sum / n
		var sumSq float64
		for _, ex := range train {
			d := ex.Features[f] - mean
			sumSq += d * d
		}
		m.FeatureMean[f] = mean
		m.FeatureStd[f] = math.Sqrt(sumSq / n)
		if m.FeatureStd[f] == 0 {
			m.FeatureStd[f] = 1
		}
	}
}

func (m *LogisticModel) standardize(x []float64) []float64 {
	out := make([]float64, featureDim)
	for f := 0; f < featureDim; f++ {
		out[f] = (x[f] - m.FeatureMean[f]) / m.FeatureStd[f]
	}
	return out
}

func (m *LogisticModel) fitClassifier(std [][]float64, train []example) {
	for c := 0; c < classCount; c++ {
		m.Weights[c] = make([]float64, featureDim)
		m.Bias[c] = 0
	}
	n := float64(len(train))

	for epoch := 0; epoch < logisticEpochs; epoch++ {
		gradW := [classCount][]float64{}
		gradB := [classCount]float64{}
		for c := 0; c < classCount; c++ {
			gradW[c] = make([]float64, featureDim)
		}

		for i, ex := range train {
			probs := m.softmax(std[i])
			label := classOf(ex.Delta)
			for c := 0; c < classCount; c++ {
				indicator := 0.0
				if c == label {
					indicator = 1.0
				}
				diff := probs[c] - indicator
				for f := 0; f < featureDim; f++ {
					gradW[c][f] += diff * std[i][f]
				}
				gradB[c] += diff
			}
		}

		for c := 0; c < classCount; c++ {
			for f := 0; f < featureDim; f++ {
				m.Weights[c][f] -= logisticLR * gradW[c][f] / n
			}
			m.Bias[c] -= logisticLR * gradB[c] / n
		}
	}
}

// fitMagnitudes solves one least-squares regressor of |delta| per class
// via gradient descent over that class's examples.
func (m *LogisticModel) fitMagnitudes(std [][]float64, train []example) {
	for c := 0; c < classCount; c++ {
		m.MagWeights[c] = make([]float64, featureDim)

		var idxs []int
		for i, ex := range train {
			if classOf(ex.Delta) == c {
				idxs = append(idxs, i)
			}
		}
		if len(idxs) == 0 {
			m.MagBias[c] = 0
			continue
		}

		// Start from the class mean magnitude so an early stop still
		// yields a sane constant model.
		var sum float64
		for _, i := range idxs {
			sum += math.Abs(train[i].Delta)
		}
		m.MagBias[c] = sum / float64(len(idxs))

		n := float64(len(idxs))
		for epoch := 0; epoch < logisticEpochs; epoch++ {
			gradW := make([]float64, featureDim)
			gradB := 0.0
			for _, i := range idxs {
				pred := m.MagBias[c] + dot(m.MagWeights[c], std[i])
				diff := pred - math.Abs(train[i].Delta)
				for f := 0; f < featureDim; f++ {
					gradW[f] += diff * std[i][f]
				}
				gradB += diff
			}
			for f := 0; f < featureDim; f++ {
				m.MagWeights[c][f] -= logisticLR * gradW[f] / n
			}
			m.MagBias[c] -= logisticLR * gradB / n
		}
	}
}

func (m *LogisticModel) softmax(x []float64) [classCount]float64 {
	var logits [classCount]float64
	maxLogit := math.Inf(-1)
	for c := 0; c < classCount; c++ {
		logits[c] = m.Bias[c] + dot(m.Weights[c], x)
		if logits[c] > maxLogit {
			maxLogit = logits[c]
		}
	}
	var sum float64
	var probs [classCount]float64
	for c := 0; c < classCount; c++ {
		probs[c] = math.Exp(logits[c] - maxLogit)
		sum += probs[c]
	}
	for c := 0; c < classCount; c++ {
		probs[c] /= sum
	}
	return probs
}

// predictDelta is the signed composite prediction used for both
// held-out scoring and live forecasts.
func (m *LogisticModel) predictDelta(features []float64) float64 {
	std := m.standardize(features)
	probs := m.softmax(std)

	best := 0
	for c := 1; c < classCount; c++ {
		if probs[c] > probs[best] {
			best = c
		}
	}
	magnitude := m.MagBias[best] + dot(m.MagWeights[best], std)
	if magnitude < 0 {
		magnitude = 0
	}
	return classSign(best) * magnitude
}

// Predict forecasts the target month's movement.
func (m *LogisticModel) Predict(key models.ForecastKey, series []models.SeriesPoint) (models.Forecast, error) {
	if len(datedPoints(series)) < MinObservations || m.FeatureMean == nil {
		return nullForecast(key, series), nil
	}
	fv, dated, err := predictionFeatures(key, series)
	if err != nil {
		return models.Forecast{}, err
	}

	features := fv.Flatten()
	std := m.standardize(features)
	probs := m.softmax(std)
	best := 0
	for c := 1; c < classCount; c++ {
		if probs[c] > probs[best] {
			best = c
		}
	}

	delta := m.predictDelta(features)
	// Class probability discounted by the normalized magnitude error.
	confidence := probs[best] * (1 - math.Min(1, m.HeldOutMAE/maxDeltaDays))
	return assembleForecast(key, m.ModelID, dated, delta, confidence, fv), nil
}

// Save writes the artifact as deterministic JSON.
func (m *LogisticModel) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write model artifact: %w", err)
	}
	return nil
}

// Load reads an artifact, refusing one built on a different feature
// schema.
func (m *LogisticModel) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read model artifact: %w", err)
	}
	var loaded LogisticModel
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse model artifact: %w", err)
	}
	if loaded.SchemaVersion != featureSchemaVersion {
		return fmt.Errorf("model artifact has feature schema v%d, binary wants v%d",
			loaded.SchemaVersion, featureSchemaVersion)
	}
	*m = loaded
	return nil
}

func dot(w, x []float64) float64 {
	var sum float64
	for i := range w {
		sum += w[i] * x[i]
	}
	return sum
}
