// Package collect orchestrates the ingestion pipeline: plan -> fetch ->
// parse -> normalize -> store. Each bulletin is handled independently;
// the Collector is the only component that decides run-level outcomes.
// Lower layers report failures as values, they never terminate the run.
package collect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"visa_bulletin/pkg/core/config"
	"visa_bulletin/pkg/core/fetch"
	"visa_bulletin/pkg/core/normalize"
	"visa_bulletin/pkg/core/parse"
	"visa_bulletin/pkg/core/source"
	"visa_bulletin/pkg/core/store"
	"visa_bulletin/pkg/models"
)

// defaultBulletinBudget bounds parse+normalize+store for one bulletin.
const defaultBulletinBudget = 120 * time.Second

// Options tunes a single run.
type Options struct {
	// Force re-ingests bulletins already present in the store.
	Force bool
	// Verify probes each URL with a HEAD request before fetching.
	Verify bool
}

// Collector wires the pipeline stages together.
type Collector struct {
	planner *source.Planner
	fetcher *fetch.Fetcher
	repo    store.Repository
	cfg     config.Config
	budget  time.Duration
	log     *zap.Logger
}

// New builds a Collector from already-constructed stages.
func New(planner *source.Planner, fetcher *fetch.Fetcher, repo store.Repository, cfg config.Config, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{
		planner: planner,
		fetcher: fetcher,
		repo:    repo,
		cfg:     cfg,
		budget:  defaultBulletinBudget,
		log:     log,
	}
}

// Collect backfills every bulletin in the fiscal-year range. Bulletins
// already stored are skipped unless opts.Force. The report accounts for
// every planned candidate; cancellation returns the partial report
// together with the context error.
func (c *Collector) Collect(ctx context.Context, fyFrom, fyTo int, opts Options) (*models.RunReport, error) {
	report := newReport()
	defer func() { report.FinishedAt = time.Now().UTC() }()

	candidates, err := c.planner.Plan(fyFrom, fyTo)
	if err != nil {
		return report, err
	}
	report.Attempted = len(candidates)

	if err := ctx.Err(); err != nil {
		report.Cancelled = true
		return report, err
	}

	// Resume: drop months the store already has.
	if !opts.Force {
		existing, err := c.repo.ExistingMonths(ctx, fyFrom, fyTo)
		if err != nil {
			if ctx.Err() != nil {
				report.Cancelled = true
				return report, ctx.Err()
			}
			return report, fmt.Errorf("failed to query existing bulletins: %w", err)
		}
		var pending []source.Candidate
		for _, cand := range candidates {
			if existing[store.MonthKey{Year: cand.Year, Month: cand.Month}] {
				report.Skipped++
				continue
			}
			pending = append(pending, cand)
		}
		candidates = pending
	}

	if opts.Verify {
		candidates = c.verifyCandidates(ctx, candidates, report)
	}

	c.log.Info("starting backfill",
		zap.String("run_id", report.RunID),
		zap.Int("fy_from", fyFrom),
		zap.Int("fy_to", fyTo),
		zap.Int("planned", report.Attempted),
		zap.Int("skipped", report.Skipped))

	results := c.fetcher.Fetch(ctx, candidates)
	for res := range results {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			return report, err
		}
		c.ingestResult(ctx, res, report)
	}

	if err := ctx.Err(); err != nil {
		report.Cancelled = true
		return report, err
	}

	c.log.Info("backfill finished",
		zap.String("run_id", report.RunID),
		zap.Int("stored", report.Stored),
		zap.Int("quarantined", report.Quarantined),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// FetchCurrent ingests the bulletin the index page currently points at.
// Safe to invoke from any scheduler; a repeat within the month re-upserts
// the same (year, month) and changes nothing but updated_at.
func (c *Collector) FetchCurrent(ctx context.Context) (*models.RunReport, error) {
	report := newReport()
	defer func() { report.FinishedAt = time.Now().UTC() }()

	cand, err := c.planner.Current(ctx)
	if err != nil {
		return report, err
	}
	report.Attempted = 1

	c.log.Info("fetching current bulletin",
		zap.String("run_id", report.RunID),
		zap.Int("year", cand.Year),
		zap.Int("month", cand.Month),
		zap.String("url", cand.URL))

	for res := range c.fetcher.Fetch(ctx, []source.Candidate{cand}) {
		c.ingestResult(ctx, res, report)
	}
	if err := ctx.Err(); err != nil {
		report.Cancelled = true
		return report, err
	}
	return report, nil
}

// verifyCandidates drops candidates whose URL fails the HEAD probe,
// recording them as fetch failures without a download.
func (c *Collector) verifyCandidates(ctx context.Context, candidates []source.Candidate, report *models.RunReport) []source.Candidate {
	var reachable []source.Candidate
	for _, cand := range candidates {
		ok, err := c.fetcher.Verify(ctx, cand.URL)
		if ok {
			reachable = append(reachable, cand)
			continue
		}
		msg := "not reachable"
		if err != nil {
			msg = err.Error()
		}
		report.Failed = append(report.Failed, outcomeFor(cand, "verify", msg, 0))
	}
	return reachable
}

// ingestResult runs one fetch result through parse -> normalize -> store
// under the per-bulletin budget. Failures are isolated to this bulletin.
func (c *Collector) ingestResult(ctx context.Context, res fetch.Result, report *models.RunReport) {
	cand := res.Candidate

	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
			report.Cancelled = true
			return
		}
		stageMsg := res.Err.Error()
		if errors.Is(res.Err, fetch.ErrNotFound) {
			// The month simply is not published. Logged and recorded, no retry.
			c.log.Debug("bulletin not published",
				zap.Int("year", cand.Year), zap.Int("month", cand.Month))
		}
		report.Failed = append(report.Failed, outcomeFor(cand, "fetch", stageMsg, res.Retries))
		return
	}
	report.Fetched++

	bctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	parsed, err := parse.ParseBulletin(res.Body, cand)
	if err != nil {
		report.Failed = append(report.Failed, outcomeFor(cand, "parse", err.Error(), 0))
		return
	}
	report.Parsed++

	outcome := normalize.Normalize(parsed, normalize.Options{DateParseMinRate: c.cfg.DateParseMinRate})
	for _, w := range outcome.Report.Warnings {
		c.log.Debug("normalize warning",
			zap.Int("year", cand.Year), zap.Int("month", cand.Month), zap.String("warning", w))
	}
	if outcome.Quarantined {
		report.Quarantined++
		report.QuarantinedItems = append(report.QuarantinedItems,
			outcomeFor(cand, "normalize", normalize.QuarantineReason, 0))
		c.log.Warn("bulletin quarantined",
			zap.Int("year", cand.Year), zap.Int("month", cand.Month),
			zap.Float64("date_parse_rate", outcome.Report.DateParseRate))
		return
	}

	if _, err := c.repo.UpsertBulletin(bctx, outcome.Bulletin, outcome.Entries); err != nil {
		report.Failed = append(report.Failed, outcomeFor(cand, "store", err.Error(), 0))
		return
	}
	report.Stored++
	c.log.Info("bulletin stored",
		zap.Int("year", cand.Year), zap.Int("month", cand.Month),
		zap.Int("entries", len(outcome.Entries)),
		zap.Float64("date_parse_rate", outcome.Report.DateParseRate))
}

func newReport() *models.RunReport {
	return &models.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
}

func outcomeFor(cand source.Candidate, stage, msg string, retries int) models.BulletinOutcome {
	return models.BulletinOutcome{
		FiscalYear: cand.FiscalYear,
		Month:      cand.Month,
		URL:        cand.URL,
		Stage:      stage,
		Message:    msg,
		Retries:    retries,
	}
}
