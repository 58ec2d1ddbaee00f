// Package analytics computes movement statistics over stored priority
// date series. All math runs on values already ordered by the
// repository; nothing here touches the network.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"visa_bulletin/pkg/core/store"
	"visa_bulletin/pkg/models"
)

// Trend-direction thresholds. Deltas are day counts between consecutive
// bulletins.
const (
	advancingShare    = 0.70 // share of non-negative deltas
	advancingMeanDays = 5.0
	retrogressShare   = 0.40 // share of strictly negative deltas
	stableMeanDays    = 5.0
	stableVolatility  = 10.0
)

// fiscal range wide enough to cover the full archive.
const (
	seriesFYFrom = 1992
	seriesFYTo   = 2100
)

// Engine answers trend queries against a Repository.
type Engine struct {
	repo store.Repository
}

// NewEngine creates an analytics engine.
func NewEngine(repo store.Repository) *Engine {
	return &Engine{repo: repo}
}

// AnalyzeSeries summarizes the last windowMonths observations of one
// series. windowMonths <= 0 means the whole history. A series with no
// dated observations yields a zeroed, Stable summary rather than an
// error.
func (e *Engine) AnalyzeSeries(ctx context.Context, key models.SeriesKey, windowMonths int) (*models.TrendSummary, error) {
	points, err := e.repo.GetSeries(ctx, key, seriesFYFrom, seriesFYTo)
	if err != nil {
		return nil, fmt.Errorf("failed to load series %s: %w", key, err)
	}
	return Summarize(key, points, windowMonths), nil
}

// Summarize computes the TrendSummary from already-ordered observations.
// Split out so tests and the forecaster can feed synthetic series.
func Summarize(key models.SeriesKey, points []models.SeriesPoint, windowMonths int) *models.TrendSummary {
	summary := &models.TrendSummary{
		Key:            key,
		WindowMonths:   windowMonths,
		TrendDirection: models.TrendStable,
	}

	// Only dated observations carry movement information.
	var dated []models.SeriesPoint
	for _, p := range points {
		if p.Status == models.StatusDated && p.PriorityDate != nil {
			dated = append(dated, p)
		}
	}
	if windowMonths > 0 && len(dated) > windowMonths {
		dated = dated[len(dated)-windowMonths:]
	}

	summary.Observations = len(dated)
	if len(dated) == 0 {
		return summary
	}
	summary.StartDate = dated[0].BulletinDate
	summary.EndDate = dated[len(dated)-1].BulletinDate

	deltas := Deltas(dated)
	if len(deltas) == 0 {
		return summary
	}

	total := 0
	negatives := 0
	nonNegatives := 0
	for _, d := range deltas {
		total += d
		if d < 0 {
			negatives++
		} else {
			nonNegatives++
		}
	}
	mean := float64(total) / float64(len(deltas))

	var sumSq float64
	for _, d := range deltas {
		diff := float64(d) - mean
		sumSq += diff * diff
	}
	volatility := math.Sqrt(sumSq / float64(len(deltas)))

	summary.TotalAdvancementDays = total
	summary.MeanMonthlyDays = mean
	summary.Volatility = volatility
	summary.TrendDirection = classify(deltas, mean, volatility, nonNegatives, negatives)
	summary.SeasonalFactors = seasonalFactors(dated, deltas, mean)
	return summary
}

// Deltas returns the day movements between consecutive dated points.
func Deltas(dated []models.SeriesPoint) []int {
	var deltas []int
	for i := 1; i < len(dated); i++ {
		d := dated[i].PriorityDate.Sub(*dated[i-1].PriorityDate).Hours() / 24
		deltas = append(deltas, int(math.Round(d)))
	}
	return deltas
}

func classify(deltas []int, mean, volatility float64, nonNegatives, negatives int) models.TrendDirection {
	n := float64(len(deltas))
	switch {
	case float64(nonNegatives)/n > advancingShare && mean > advancingMeanDays:
		return models.TrendAdvancing
	case float64(negatives)/n > retrogressShare:
		return models.TrendRetrogressing
	case math.Abs(mean) <= stableMeanDays && volatility < stableVolatility:
		return models.TrendStable
	}
	return models.TrendMixed
}

// seasonalFactors groups deltas by the calendar month of the bulletin
// that produced them. A month needs at least two observations for its
// factor to be defined; a flat overall mean leaves all factors
// undefined.
func seasonalFactors(dated []models.SeriesPoint, deltas []int, overallMean float64) map[int]float64 {
	if overallMean == 0 {
		return nil
	}
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for i, d := range deltas {
		m := int(dated[i+1].BulletinDate.Month())
		sums[m] += float64(d)
		counts[m]++
	}

	factors := make(map[int]float64)
	for m, cnt := range counts {
		if cnt < 2 {
			continue
		}
		factors[m] = (sums[m] / float64(cnt)) / overallMean
	}
	if len(factors) == 0 {
		return nil
	}
	return factors
}

// CompareCategories runs AnalyzeSeries for every key in parallel and
// returns the summaries keyed by the series identity.
func (e *Engine) CompareCategories(ctx context.Context, keys []models.SeriesKey, windowMonths int) (map[string]*models.TrendSummary, error) {
	out := make(map[string]*models.TrendSummary, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			summary, err := e.AnalyzeSeries(gctx, key, windowMonths)
			if err != nil {
				return err
			}
			mu.Lock()
			out[key.String()] = summary
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
