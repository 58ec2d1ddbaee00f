package forecast

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"

	"visa_bulletin/pkg/models"
)

const (
	treeModelID  = "tree-ensemble-v1"
	ensembleSize = 30
	maxTreeDepth = 3
	minLeafSize  = 2
)

// treeNode is one node of a regression tree. Leaves carry the mean
// delta of their training subset.
type treeNode struct {
	Leaf      bool      `json:"leaf"`
	Value     float64   `json:"value,omitempty"`
	Feature   int       `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Left      *treeNode `json:"left,omitempty"`
	Right     *treeNode `json:"right,omitempty"`
}

func (n *treeNode) predict(x []float64) float64 {
	if n.Leaf {
		return n.Value
	}
	if x[n.Feature] <= n.Threshold {
		return n.Left.predict(x)
	}
	return n.Right.predict(x)
}

// TreeEnsemble is variant 1: bagged regression trees over day deltas.
// Confidence comes from how tightly the ensemble agrees.
type TreeEnsemble struct {
	SchemaVersion int         `json:"schema_version"`
	ModelID       string      `json:"model_id"`
	Trees         []*treeNode `json:"trees"`
}

// NewTreeEnsemble creates an untrained ensemble.
func NewTreeEnsemble() *TreeEnsemble {
	return &TreeEnsemble{SchemaVersion: featureSchemaVersion, ModelID: treeModelID}
}

func (m *TreeEnsemble) ID() string { return m.ModelID }

// Train fits the ensemble on one series. The RNG is fixed so the same
// series always yields the same artifact.
func (m *TreeEnsemble) Train(series []models.SeriesPoint) (TrainMetrics, error) {
	if len(datedPoints(series)) < MinObservations {
		return TrainMetrics{}, fmt.Errorf("need at least %d dated observations, got %d",
			MinObservations, len(datedPoints(series)))
	}
	examples := buildDataset(models.ForecastKey{}, series)
	if len(examples) < 2 {
		return TrainMetrics{}, fmt.Errorf("series too short to build a training set")
	}

	train, held := splitDataset(examples, 0.25)
	rng := rand.New(rand.NewSource(1))

	m.Trees = m.Trees[:0]
	for b := 0; b < ensembleSize; b++ {
		sample := make([]example, len(train))
		for i := range sample {
			sample[i] = train[rng.Intn(len(train))]
		}
		m.Trees = append(m.Trees, buildTree(sample, maxTreeDepth))
	}

	mae, rmse := heldOutError(held, func(x []float64) float64 {
		mean, _ := m.vote(x)
		return mean
	})
	return TrainMetrics{MAEDays: mae, RMSEDays: rmse, HeldOutSplit: 0.25}, nil
}

// Predict forecasts the target month's movement.
func (m *TreeEnsemble) Predict(key models.ForecastKey, series []models.SeriesPoint) (models.Forecast, error) {
	if len(datedPoints(series)) < MinObservations || len(m.Trees) == 0 {
		return nullForecast(key, series), nil
	}
	fv, dated, err := predictionFeatures(key, series)
	if err != nil {
		return models.Forecast{}, err
	}

	mean, std := m.vote(fv.Flatten())
	confidence := 1 - math.Min(1, std/maxDeltaDays)
	return assembleForecast(key, m.ModelID, dated, mean, confidence, fv), nil
}

// vote returns the ensemble mean and population stddev.
func (m *TreeEnsemble) vote(x []float64) (mean, std float64) {
	var sum float64
	for _, t := range m.Trees {
		sum += t.predict(x)
	}
	mean = sum / float64(len(m.Trees))
	var sumSq float64
	for _, t := range m.Trees {
		d := t.predict(x) - mean
		sumSq += d * d
	}
	return mean, math.Sqrt(sumSq / float64(len(m.Trees)))
}

// Save writes the artifact as deterministic JSON.
func (m *TreeEnsemble) Save(path string) error {
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
func (m *TreeEnsemble) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read model artifact: %w", err)
	}
	var loaded TreeEnsemble
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

// buildTree grows one regression tree by greedy SSE reduction.
func buildTree(examples []example, depth int) *treeNode {
	if depth == 0 || len(examples) < 2*minLeafSize || allEqual(examples) {
		return &treeNode{Leaf: true, Value: meanDelta(examples)}
	}

	bestSSE := math.Inf(1)
	bestFeature, bestThreshold := -1, 0.0
	for f := 0; f < featureDim; f++ {
		for _, ex := range examples {
			threshold := ex.Features[f]
			left, right := partition(examples, f, threshold)
			if len(left) < minLeafSize || len(right) < minLeafSize {
				continue
			}
			sse := subsetSSE(left) + subsetSSE(right)
			if sse < bestSSE {
				bestSSE = sse
				bestFeature, bestThreshold = f, threshold
			}
		}
	}
	if bestFeature < 0 {
		return &treeNode{Leaf: true, Value: meanDelta(examples)}
	}

	left, right := partition(examples, bestFeature, bestThreshold)
	return &treeNode{
		Feature:   bestFeature,
		Threshold: bestThreshold,
		Left:      buildTree(left, depth-1),
		Right:     buildTree(right, depth-1),
	}
}

func partition(examples []example, feature int, threshold float64) (left, right []example) {
	for _, ex := range examples {
		if ex.Features[feature] <= threshold {
			left = append(left, ex)
		} else {
			right = append(right, ex)
		}
	}
	return left, right
}

func meanDelta(examples []example) float64 {
	if len(examples) == 0 {
		return 0
	}
	var sum float64
	for _, ex := range examples {
		sum += ex.Delta
	}
	return sum / float64(len(examples))
}

func subsetSSE(examples []example) float64 {
	mean := meanDelta(examples)
	var sse float64
	for _, ex := range examples {
		d := ex.Delta - mean
		sse += d * d
	}
	return sse
}

func allEqual(examples []example) bool {
	for i := 1; i < len(examples); i++ {
		if examples[i].Delta != examples[0].Delta {
			return false
		}
	}
	return true
}
