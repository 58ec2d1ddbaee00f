// Package normalize validates parser output and decides whether a
// bulletin is fit to persist. It is a pure CPU stage: records in,
// records out, plus a QualityReport.
package normalize

import (
	"fmt"
	"time"

	"visa_bulletin/pkg/core/parse"
	"visa_bulletin/pkg/models"
)

// MaxDriftYears bounds how far a priority date may sit from the bulletin
// date before it is treated as an obvious parse error.
const MaxDriftYears = 30

// QuarantineReason is the well-known reason string the run report
// carries for bulletins failing the date-parse floor.
const QuarantineReason = "date_parse_rate_below_floor"

// Options tunes the normalizer.
type Options struct {
	// DateParseMinRate is the floor below which the whole bulletin is
	// quarantined instead of committed.
	DateParseMinRate float64
}

// Outcome is the normalizer's verdict on one bulletin.
type Outcome struct {
	Bulletin    models.Bulletin
	Entries     []models.CategoryEntry
	Report      models.QualityReport
	Quarantined bool
}

// Normalize enforces the entry invariants, collapses duplicates, and
// applies the quality gate. Individual bad entries are dropped with a
// warning; only the date-parse floor condemns the whole bulletin.
func Normalize(p *parse.Parsed, opts Options) *Outcome {
	out := &Outcome{
		Bulletin: p.Bulletin,
		Report: models.QualityReport{
			RowsIn:        len(p.Entries),
			Warnings:      append([]string(nil), p.Warnings...),
			DateParseRate: p.DateParseRate(),
		},
	}

	// Duplicate (category, country, chart) rows within one bulletin:
	// last occurrence wins.
	type entryKey struct {
		category models.VisaCategory
		country  models.Country
		chart    models.ChartType
	}
	seen := make(map[entryKey]int)
	var ordered []models.CategoryEntry
	for _, e := range p.Entries {
		k := entryKey{e.Category, e.Country, e.Chart}
		if idx, dup := seen[k]; dup {
			out.Report.Warnings = append(out.Report.Warnings,
				fmt.Sprintf("duplicate entry %s/%s/%s, keeping last occurrence", e.Category, e.Country, e.Chart))
			ordered[idx] = e
			continue
		}
		seen[k] = len(ordered)
		ordered = append(ordered, e)
	}

	for _, e := range ordered {
		if err := validateEntry(e, p.Bulletin.BulletinDate); err != nil {
			out.Report.Errors = append(out.Report.Errors, err.Error())
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	out.Report.RowsOut = len(out.Entries)

	if out.Report.DateParseRate < opts.DateParseMinRate {
		out.Quarantined = true
		out.Report.Errors = append(out.Report.Errors,
			fmt.Sprintf("%s: %.2f < %.2f", QuarantineReason, out.Report.DateParseRate, opts.DateParseMinRate))
	}
	return out
}

// validateEntry enforces the status/priority-date invariant and the
// drift window.
func validateEntry(e models.CategoryEntry, bulletinDate time.Time) error {
	switch e.Status {
	case models.StatusCurrent, models.StatusUnavailable:
		if e.PriorityDate != nil {
			return fmt.Errorf("entry %s/%s/%s: status %s must not carry a priority date",
				e.Category, e.Country, e.Chart, e.Status)
		}
	case models.StatusDated:
		if e.PriorityDate == nil {
			return fmt.Errorf("entry %s/%s/%s: dated status without a priority date",
				e.Category, e.Country, e.Chart)
		}
		drift := bulletinDate.Sub(*e.PriorityDate)
		if drift < 0 {
			drift = -drift
		}
		if drift > time.Duration(MaxDriftYears)*365*24*time.Hour {
			return fmt.Errorf("entry %s/%s/%s: priority date %s more than %d years from bulletin date",
				e.Category, e.Country, e.Chart, e.PriorityDate.Format("2006-01-02"), MaxDriftYears)
		}
	default:
		return fmt.Errorf("entry %s/%s/%s: unknown status %q", e.Category, e.Country, e.Chart, e.Status)
	}
	return nil
}
