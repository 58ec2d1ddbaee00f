package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"visa_bulletin/pkg/core/analytics"
	"visa_bulletin/pkg/core/collect"
	"visa_bulletin/pkg/core/fetch"
	"visa_bulletin/pkg/core/forecast"
	"visa_bulletin/pkg/core/source"
	"visa_bulletin/pkg/core/store"
	"visa_bulletin/pkg/models"
)

func newCollectCmd() *cobra.Command {
	var (
		startYear int
		endYear   int
		workers   int
		force     bool
		verify    bool
	)
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Backfill bulletins for a fiscal-year range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			if workers > 0 {
				cfg.HTTPMaxWorkers = workers
			}

			repo, err := openRepo(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer repo.Close()

			collector := collect.New(
				source.NewPlanner(cfg.SourceBaseURL, cfg.UserAgent),
				fetch.New(fetch.Options{
					MaxWorkers: cfg.HTTPMaxWorkers,
					Timeout:    cfg.HTTPTimeout(),
					Retries:    cfg.HTTPRetries,
					UserAgent:  cfg.UserAgent,
				}, log),
				repo, cfg, log)

			report, err := collector.Collect(cmd.Context(), startYear, endYear,
				collect.Options{Force: force, Verify: verify})
			renderReport(report)
			if err != nil && !report.Cancelled {
				if errors.Is(err, source.ErrBadYearRange) {
					return exitWith(exitConfig, err)
				}
				return exitWith(exitStorage, err)
			}
			return reportExitCode(report)
		},
	}
	cmd.Flags().IntVar(&startYear, "start-year", 0, "first fiscal year (required)")
	cmd.Flags().IntVar(&endYear, "end-year", 0, "last fiscal year (required)")
	cmd.Flags().IntVar(&workers, "workers", 0, "override fetch worker count")
	cmd.Flags().BoolVar(&force, "force", false, "re-ingest bulletins already stored")
	cmd.Flags().BoolVar(&verify, "verify", false, "probe URLs before fetching")
	cmd.MarkFlagRequired("start-year")
	cmd.MarkFlagRequired("end-year")
	return cmd
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Ingest the current bulletin from the index page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			repo, err := openRepo(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer repo.Close()

			collector := collect.New(
				source.NewPlanner(cfg.SourceBaseURL, cfg.UserAgent),
				fetch.New(fetch.Options{
					MaxWorkers: 1,
					Timeout:    cfg.HTTPTimeout(),
					Retries:    cfg.HTTPRetries,
					UserAgent:  cfg.UserAgent,
				}, log),
				repo, cfg, log)

			report, err := collector.FetchCurrent(cmd.Context())
			renderReport(report)
			if err != nil && !report.Cancelled {
				return exitWith(exitNetwork, err)
			}
			return reportExitCode(report)
		},
	}
}

func newValidateCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Re-check stored entries against the model invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			repo, err := openRepo(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer repo.Close()

			return runValidate(cmd, repo, fix)
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "delete entries that violate invariants")
	return cmd
}

// runValidate walks every stored bulletin and re-applies the entry
// invariants the normalizer enforces at ingest time.
func runValidate(cmd *cobra.Command, repo store.Repository, fix bool) error {
	ctx := cmd.Context()
	bulletins, err := repo.ListBulletins(ctx, 1992, 2100)
	if err != nil {
		return exitWith(exitStorage, err)
	}

	var checked, bad, removed int
	for _, b := range bulletins {
		entries, err := repo.GetEntries(ctx, b.ID)
		if err != nil {
			return exitWith(exitStorage, err)
		}
		for _, e := range entries {
			checked++
			if msg, ok := entryViolation(e); ok {
				bad++
				fmt.Printf("bulletin %d-%02d: entry %d (%s/%s/%s): %s\n",
					b.Year, b.Month, e.ID, e.Category, e.Country, e.Chart, msg)
				if fix {
					if err := repo.DeleteEntry(ctx, e.ID); err != nil {
						return exitWith(exitStorage, err)
					}
					removed++
				}
			}
		}
	}

	fmt.Printf("\nValidated %d entries across %d bulletins: %d violations", checked, len(bulletins), bad)
	if fix {
		fmt.Printf(", %d removed", removed)
	}
	fmt.Println()
	if bad > 0 && !fix {
		return exitWith(exitPartial, fmt.Errorf("%d entries violate invariants", bad))
	}
	return nil
}

// entryViolation applies the status/priority-date rules to one row.
func entryViolation(e models.CategoryEntry) (string, bool) {
	switch e.Status {
	case models.StatusCurrent, models.StatusUnavailable:
		if e.PriorityDate != nil {
			return fmt.Sprintf("status %s carries a priority date", e.Status), true
		}
	case models.StatusDated:
		if e.PriorityDate == nil {
			return "dated status without a priority date", true
		}
	default:
		return fmt.Sprintf("unknown status %q", e.Status), true
	}
	return "", false
}

func newAnalyzeCmd() *cobra.Command {
	var (
		category string
		country  string
		chart    string
		window   int
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Summarize movement of one category/country series",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			key, err := seriesKeyFromFlags(category, country, chart)
			if err != nil {
				return exitWith(exitConfig, err)
			}

			repo, err := openRepo(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer repo.Close()

			summary, err := analytics.NewEngine(repo).AnalyzeSeries(cmd.Context(), key, window)
			if err != nil {
				return exitWith(exitStorage, err)
			}
			renderSummary(summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "visa category, e.g. EB2 (required)")
	cmd.Flags().StringVar(&country, "country", "", "chargeability country, e.g. INDIA (required)")
	cmd.Flags().StringVar(&chart, "chart", "final", "chart: final or filing")
	cmd.Flags().IntVar(&window, "window", 0, "window in months (0 = full history)")
	cmd.MarkFlagRequired("category")
	cmd.MarkFlagRequired("country")
	return cmd
}

func newForecastCmd() *cobra.Command {
	var (
		category  string
		country   string
		chart     string
		target    string
		variant   string
		modelPath string
	)
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Train a regressor on one series and predict a target month",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			key, err := seriesKeyFromFlags(category, country, chart)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			targetTime, err := time.Parse("2006-01", target)
			if err != nil {
				return exitWith(exitConfig, fmt.Errorf("invalid --target %q (want YYYY-MM): %w", target, err))
			}

			repo, err := openRepo(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer repo.Close()

			series, err := repo.GetSeries(cmd.Context(), key, 1992, 2100)
			if err != nil {
				return exitWith(exitStorage, err)
			}

			model, err := forecast.NewModel(variant)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			if metrics, err := model.Train(series); err == nil {
				fmt.Printf("Trained %s: MAE %.1f days, RMSE %.1f days (held-out %.0f%%)\n",
					model.ID(), metrics.MAEDays, metrics.RMSEDays, metrics.HeldOutSplit*100)
			} else {
				fmt.Printf("Training skipped: %v\n", err)
			}

			fkey := models.ForecastKey{
				Category:    key.Category,
				Country:     key.Country,
				Chart:       key.Chart,
				TargetYear:  targetTime.Year(),
				TargetMonth: int(targetTime.Month()),
			}
			f, err := model.Predict(fkey, series)
			if err != nil {
				return exitWith(exitStorage, err)
			}
			if err := repo.PutForecast(cmd.Context(), f); err != nil {
				return exitWith(exitStorage, err)
			}
			if modelPath != "" {
				if err := model.Save(modelPath); err != nil {
					return exitWith(exitStorage, err)
				}
			}

			fmt.Printf("\nForecast %s/%s/%s for %04d-%02d\n",
				fkey.Category, fkey.Country, fkey.Chart, fkey.TargetYear, fkey.TargetMonth)
			fmt.Printf("  Predicted date: %s\n", f.PredictedDate.Format("2006-01-02"))
			fmt.Printf("  Confidence:     %.2f\n", f.Confidence)
			fmt.Printf("  Model:          %s\n", f.ModelID)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "visa category (required)")
	cmd.Flags().StringVar(&country, "country", "", "chargeability country (required)")
	cmd.Flags().StringVar(&chart, "chart", "final", "chart: final or filing")
	cmd.Flags().StringVar(&target, "target", "", "target month YYYY-MM (required)")
	cmd.Flags().StringVar(&variant, "model", "tree", "regressor variant: tree or logistic")
	cmd.Flags().StringVar(&modelPath, "save", "", "write the trained model artifact to this path")
	cmd.MarkFlagRequired("category")
	cmd.MarkFlagRequired("country")
	cmd.MarkFlagRequired("target")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store contents summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			repo, err := openRepo(cmd, cfg, log)
			if err != nil {
				return err
			}
			defer repo.Close()

			stats, err := repo.GetStats(cmd.Context())
			if err != nil {
				return exitWith(exitStorage, err)
			}
			fmt.Printf("Bulletins:   %d\n", stats.BulletinCount)
			fmt.Printf("Entries:     %d\n", stats.EntryCount)
			if stats.BulletinCount > 0 {
				fmt.Printf("Earliest:    %s\n", stats.Earliest.Format("2006-01-02"))
				fmt.Printf("Latest:      %s\n", stats.Latest.Format("2006-01-02"))
				fmt.Printf("Last ingest: %s\n", stats.LastIngestAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// seriesKeyFromFlags parses the shared category/country/chart flags.
func seriesKeyFromFlags(category, country, chart string) (models.SeriesKey, error) {
	cat, err := models.ParseVisaCategory(strings.ToUpper(category))
	if err != nil {
		return models.SeriesKey{}, err
	}
	ctry, err := models.ParseCountry(strings.ToUpper(country))
	if err != nil {
		return models.SeriesKey{}, err
	}
	var ct models.ChartType
	switch strings.ToLower(chart) {
	case "final", "":
		ct = models.ChartFinalAction
	case "filing":
		ct = models.ChartDatesForFiling
	default:
		return models.SeriesKey{}, fmt.Errorf("invalid --chart %q (want final or filing)", chart)
	}
	return models.SeriesKey{Category: cat, Country: ctry, Chart: ct}, nil
}

// renderReport prints the run report as a table.
func renderReport(r *models.RunReport) {
	if r == nil {
		return
	}
	fmt.Printf("\nRun %s (%s)\n", r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Printf("%-12s %d\n", "Attempted:", r.Attempted)
	fmt.Printf("%-12s %d\n", "Fetched:", r.Fetched)
	fmt.Printf("%-12s %d\n", "Parsed:", r.Parsed)
	fmt.Printf("%-12s %d\n", "Stored:", r.Stored)
	fmt.Printf("%-12s %d\n", "Skipped:", r.Skipped)
	fmt.Printf("%-12s %d\n", "Quarantined:", r.Quarantined)
	if r.Cancelled {
		fmt.Println("Run was cancelled; counts reflect work committed before the stop.")
	}

	if len(r.Failed) > 0 {
		fmt.Printf("\n%-9s %-8s %-8s %s\n", "FY/Month", "Stage", "Retries", "Error")
		fmt.Println(strings.Repeat("-", 72))
		for _, f := range r.Failed {
			fmt.Printf("%4d-%02d   %-8s %-8d %s\n", f.FiscalYear, f.Month, f.Stage, f.Retries, f.Message)
		}
	}
	for _, q := range r.QuarantinedItems {
		fmt.Printf("quarantined %4d-%02d: %s\n", q.FiscalYear, q.Month, q.Message)
	}
}

// renderSummary prints one trend summary.
func renderSummary(s *models.TrendSummary) {
	fmt.Printf("Series %s (window %d months)\n", s.Key, s.WindowMonths)
	fmt.Printf("  Observations:      %d\n", s.Observations)
	if s.Observations == 0 {
		fmt.Println("  No dated observations in range.")
		return
	}
	fmt.Printf("  Range:             %s .. %s\n",
		s.StartDate.Format("2006-01-02"), s.EndDate.Format("2006-01-02"))
	fmt.Printf("  Total advancement: %d days\n", s.TotalAdvancementDays)
	fmt.Printf("  Mean monthly:      %.1f days\n", s.MeanMonthlyDays)
	fmt.Printf("  Volatility:        %.1f days\n", s.Volatility)
	fmt.Printf("  Trend:             %s\n", s.TrendDirection)
	if len(s.SeasonalFactors) > 0 {
		fmt.Println("  Seasonal factors:")
		for m := 1; m <= 12; m++ {
			if f, ok := s.SeasonalFactors[m]; ok {
				fmt.Printf("    %-9s %.2f\n", time.Month(m).String()+":", f)
			}
		}
	}
}

// reportExitCode maps run outcomes to shell exit codes.
func reportExitCode(r *models.RunReport) error {
	if r == nil || (!r.HasFailures() && !r.Cancelled) {
		return nil
	}

	// Every failure a network one and nothing fetched at all: the source
	// was unreachable, not merely flaky.
	if r.Fetched == 0 && len(r.Failed) > 0 {
		networkOnly := true
		for _, f := range r.Failed {
			if f.Stage != "fetch" {
				networkOnly = false
				break
			}
		}
		if networkOnly && r.Stored == 0 {
			return exitWith(exitNetwork, fmt.Errorf("all %d fetches failed", len(r.Failed)))
		}
	}
	return exitWith(exitPartial, fmt.Errorf("run completed with failures: %d failed, %d quarantined",
		len(r.Failed), r.Quarantined))
}
