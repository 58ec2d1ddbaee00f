// Package parse turns raw bulletin HTML into canonical records. The
// State Department markup drifts across two decades; the parser pins
// itself to the tabular structure (first column = category, remaining
// columns country-keyed) and tolerates everything around it.
package parse

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"visa_bulletin/pkg/core/source"
	"visa_bulletin/pkg/models"
)

var (
	// ErrNoTables means no chart table could be located: a structural
	// failure that aborts this bulletin only.
	ErrNoTables = errors.New("no visa chart tables found")
	// ErrBadDocument means the HTML could not be read at all.
	ErrBadDocument = errors.New("unreadable document")
)

// Parsed is the raw parser output for one bulletin, before normalization.
type Parsed struct {
	Bulletin models.Bulletin
	Entries  []models.CategoryEntry
	Warnings []string

	// CellsSeen counts cells that should have held a cutoff date;
	// CellsParsed counts how many actually did. Their ratio is the
	// quality gate the normalizer applies.
	CellsSeen   int
	CellsParsed int
}

// DateParseRate is the fraction of date cells that parsed. A bulletin
// with no date cells at all rates 1.0 (nothing failed).
func (p *Parsed) DateParseRate() float64 {
	if p.CellsSeen == 0 {
		return 1.0
	}
	return float64(p.CellsParsed) / float64(p.CellsSeen)
}

// ParseBulletin extracts one bulletin and its chart entries from raw
// HTML. label supplies the (year, month) identity and the fallback
// bulletin date.
func ParseBulletin(html []byte, label source.Candidate) (*Parsed, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDocument, err)
	}

	p := &Parsed{
		Bulletin: models.Bulletin{
			FiscalYear: models.FiscalYearFor(label.Year, label.Month),
			Year:       label.Year,
			Month:      label.Month,
			SourceURL:  label.URL,
		},
	}

	// (a) Publication date: first month-day-year pattern in the document,
	// else the first of the bulletin's subject month.
	if pub, ok := findPublicationDate(doc.Text()); ok {
		p.Bulletin.BulletinDate = pub
	} else {
		p.Bulletin.BulletinDate = time.Date(label.Year, time.Month(label.Month), 1, 0, 0, 0, 0, time.UTC)
	}

	// (b) Walk tables in document order, keeping the ones whose header
	// carries both a category and a country signal.
	relevant := 0
	doc.Find("table").Each(func(i int, table *goquery.Selection) {
		headerCells, dataRows := splitHeader(table)
		if len(headerCells) < 2 || !headerLooksRelevant(headerCells) {
			return
		}
		relevant++

		chart, ok := chartForTable(table)
		if !ok {
			// Ambiguous historical layouts mix the two charts; rows from
			// an unclassifiable table are dropped rather than guessed.
			p.warnf("table %d: no Final Action / Dates for Filing heading found, skipping", i)
			return
		}

		p.parseChartTable(headerCells, dataRows, chart, i)
	})

	if relevant == 0 {
		return nil, fmt.Errorf("%w in bulletin %d-%02d", ErrNoTables, label.Year, label.Month)
	}
	return p, nil
}

// splitHeader returns the first non-empty row's cell texts and the
// remaining rows.
func splitHeader(table *goquery.Selection) ([]string, *goquery.Selection) {
	rows := table.Find("tr")
	var header []string
	start := 0
	rows.EachWithBreak(func(i int, row *goquery.Selection) bool {
		cells := row.Find("td, th")
		if cells.Length() == 0 {
			return true
		}
		cells.Each(func(j int, cell *goquery.Selection) {
			header = append(header, CleanCell(cell.Text()))
		})
		start = i + 1
		return false
	})
	return header, rows.Slice(start, rows.Length())
}

// parseChartTable parses the data rows of one classified table.
func (p *Parsed) parseChartTable(headerCells []string, rows *goquery.Selection, chart models.ChartType, tableIdx int) {
	// Column j (j >= 1) of the header names the chargeability country.
	countries := make([]models.Country, len(headerCells))
	known := make([]bool, len(headerCells))
	for j := 1; j < len(headerCells); j++ {
		if c, ok := NormalizeCountryLabel(headerCells[j]); ok {
			countries[j] = c
			known[j] = true
		} else {
			p.warnf("table %d: unrecognized country column %q", tableIdx, headerCells[j])
		}
	}

	rows.Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() < 2 {
			return
		}

		rawLabel := CleanCell(cells.First().Text())
		category, ok := NormalizeCategoryLabel(rawLabel)
		if !ok {
			if rawLabel != "" {
				p.warnf("table %d: unrecognized category label %q, row dropped", tableIdx, rawLabel)
			}
			return
		}

		cells.Each(func(j int, cell *goquery.Selection) {
			if j == 0 || j >= len(countries) || !known[j] {
				return
			}
			entry, ok := p.parseCell(CleanCell(cell.Text()), category, countries[j], chart)
			if ok {
				p.Entries = append(p.Entries, entry)
			}
		})
	})
}

// parseCell interprets one chart cell: "C", "U", a cutoff date, or junk.
func (p *Parsed) parseCell(text string, category models.VisaCategory, country models.Country, chart models.ChartType) (models.CategoryEntry, bool) {
	entry := models.CategoryEntry{
		Category: category,
		Country:  country,
		Chart:    chart,
	}

	switch strings.ToUpper(text) {
	case "C", "CURRENT":
		entry.Status = models.StatusCurrent
		return entry, true
	case "U", "UNAVAILABLE", "UNAUTHORIZED":
		entry.Status = models.StatusUnavailable
		return entry, true
	case "":
		return entry, false
	}

	p.CellsSeen++
	if d, ok := ParseCellDate(text); ok {
		p.CellsParsed++
		entry.Status = models.StatusDated
		entry.PriorityDate = &d
		return entry, true
	}

	p.warnf("unparseable cell %q for %s/%s/%s, dropped", text, category, country, chart)
	return entry, false
}

// chartForTable looks for the nearest preceding heading that announces
// either chart, climbing out of wrapper tags as needed.
func chartForTable(table *goquery.Selection) (models.ChartType, bool) {
	sel := table
	for depth := 0; depth < 5 && sel.Length() > 0; depth++ {
		var chart models.ChartType
		var found bool
		// PrevAll yields siblings nearest-first, which is exactly the
		// "nearest preceding heading" rule.
		sel.PrevAll().EachWithBreak(func(_ int, prev *goquery.Selection) bool {
			if c, ok := classifyChart(prev.Text()); ok {
				chart = c
				found = true
				return false
			}
			return true
		})
		if found {
			return chart, true
		}
		sel = sel.Parent()
	}
	return "", false
}

func (p *Parsed) warnf(format string, args ...interface{}) {
	p.Warnings = append(p.Warnings, fmt.Sprintf(format, args...))
}
