package parse

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"visa_bulletin/pkg/core/source"
	"visa_bulletin/pkg/models"
)

const employmentHeader = `<tr>
	<td>Employment-based</td>
	<td>All Chargeability Areas Except Those Listed</td>
	<td>CHINA-mainland born</td>
	<td>INDIA</td>
	<td>MEXICO</td>
	<td>PHILIPPINES</td>
</tr>`

func wrapBulletin(body string) []byte {
	return []byte(`<html><head><title>Visa Bulletin</title></head><body>
<h1>Visa Bulletin For October 2023</h1>
<p>Number 82 Volume X Washington, D.C.</p>
` + body + `
</body></html>`)
}

func chartSection(heading, rows string) string {
	return fmt.Sprintf(`<p>%s</p><table>%s%s</table>`, heading, employmentHeader, rows)
}

func octoberLabel() source.Candidate {
	return source.Candidate{
		FiscalYear: 2024,
		Year:       2023,
		Month:      10,
		URL:        "https://example.org/visa-bulletin-for-october-2023.html",
	}
}

func findEntry(t *testing.T, entries []models.CategoryEntry, cat models.VisaCategory, country models.Country, chart models.ChartType) models.CategoryEntry {
	t.Helper()
	for _, e := range entries {
		if e.Category == cat && e.Country == country && e.Chart == chart {
			return e
		}
	}
	t.Fatalf("entry %s/%s/%s not found in %d entries", cat, country, chart, len(entries))
	return models.CategoryEntry{}
}

func TestParseCanonicalRow(t *testing.T) {
	html := wrapBulletin(chartSection(
		"A. FINAL ACTION DATES FOR EMPLOYMENT-BASED PREFERENCE CASES",
		`<tr><td>2nd</td><td>C</td><td>15JAN23</td><td>01JAN12</td><td>C</td><td>C</td></tr>`,
	))

	parsed, err := ParseBulletin(html, octoberLabel())
	if err != nil {
		t.Fatalf("ParseBulletin failed: %v", err)
	}
	if len(parsed.Entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(parsed.Entries))
	}

	ww := findEntry(t, parsed.Entries, models.CategoryEB2, models.CountryWorldwide, models.ChartFinalAction)
	if ww.Status != models.StatusCurrent || ww.PriorityDate != nil {
		t.Errorf("worldwide: got %s %v, want CURRENT nil", ww.Status, ww.PriorityDate)
	}

	cn := findEntry(t, parsed.Entries, models.CategoryEB2, models.CountryChina, models.ChartFinalAction)
	if cn.Status != models.StatusDated || cn.PriorityDate == nil ||
		!cn.PriorityDate.Equal(date(2023, time.January, 15)) {
		t.Errorf("china: got %s %v, want DATED 2023-01-15", cn.Status, cn.PriorityDate)
	}

	in := findEntry(t, parsed.Entries, models.CategoryEB2, models.CountryIndia, models.ChartFinalAction)
	if in.Status != models.StatusDated || in.PriorityDate == nil ||
		!in.PriorityDate.Equal(date(2012, time.January, 1)) {
		t.Errorf("india: got %s %v, want DATED 2012-01-01", in.Status, in.PriorityDate)
	}

	for _, country := range []models.Country{models.CountryMexico, models.CountryPhilippines} {
		e := findEntry(t, parsed.Entries, models.CategoryEB2, country, models.ChartFinalAction)
		if e.Status != models.StatusCurrent {
			t.Errorf("%s: got %s, want CURRENT", country, e.Status)
		}
	}
}

func TestParseOtherWorkersRow(t *testing.T) {
	// "Other Workers" must not collapse into plain EB3.
	html := wrapBulletin(chartSection(
		"A. FINAL ACTION DATES FOR EMPLOYMENT-BASED PREFERENCE CASES",
		`<tr><td>Other Workers</td><td>C</td><td>01JUN15</td><td>01JAN12</td><td>C</td><td>C</td></tr>`,
	))

	parsed, err := ParseBulletin(html, octoberLabel())
	if err != nil {
		t.Fatalf("ParseBulletin failed: %v", err)
	}

	cn := findEntry(t, parsed.Entries, models.CategoryEB3OtherWorkers, models.CountryChina, models.ChartFinalAction)
	if cn.Status != models.StatusDated || !cn.PriorityDate.Equal(date(2015, time.June, 1)) {
		t.Errorf("china: got %s %v, want DATED 2015-06-01", cn.Status, cn.PriorityDate)
	}
	for _, e := range parsed.Entries {
		if e.Category == models.CategoryEB3 {
			t.Errorf("Other Workers row leaked a plain EB3 entry: %+v", e)
		}
	}
}

func TestParseDistinguishesCharts(t *testing.T) {
	html := wrapBulletin(
		chartSection("A. FINAL ACTION DATES FOR EMPLOYMENT-BASED PREFERENCE CASES",
			`<tr><td>1st</td><td>C</td><td>01FEB22</td><td>01JAN21</td><td>C</td><td>C</td></tr>`) +
			chartSection("B. DATES FOR FILING OF EMPLOYMENT-BASED VISA APPLICATIONS",
				`<tr><td>1st</td><td>C</td><td>01JUN22</td><td>01MAY21</td><td>C</td><td>C</td></tr>`),
	)

	parsed, err := ParseBulletin(html, octoberLabel())
	if err != nil {
		t.Fatalf("ParseBulletin failed: %v", err)
	}

	fa := findEntry(t, parsed.Entries, models.CategoryEB1, models.CountryChina, models.ChartFinalAction)
	if !fa.PriorityDate.Equal(date(2022, time.February, 1)) {
		t.Errorf("final action china = %v, want 2022-02-01", fa.PriorityDate)
	}
	ff := findEntry(t, parsed.Entries, models.CategoryEB1, models.CountryChina, models.ChartDatesForFiling)
	if !ff.PriorityDate.Equal(date(2022, time.June, 1)) {
		t.Errorf("dates for filing china = %v, want 2022-06-01", ff.PriorityDate)
	}
}

func TestParseDropsUnclassifiableTable(t *testing.T) {
	// A chart table with no recognizable heading must contribute nothing.
	html := wrapBulletin(fmt.Sprintf(`<table>%s<tr><td>2nd</td><td>C</td><td>15JAN23</td><td>C</td><td>C</td><td>C</td></tr></table>`, employmentHeader))

	parsed, err := ParseBulletin(html, octoberLabel())
	if err != nil {
		t.Fatalf("ParseBulletin failed: %v", err)
	}
	if len(parsed.Entries) != 0 {
		t.Errorf("expected 0 entries from unclassifiable table, got %d", len(parsed.Entries))
	}
	if len(parsed.Warnings) == 0 {
		t.Error("expected a warning about the unclassifiable table")
	}
}

func TestParseDropsUnknownCategoryRow(t *testing.T) {
	html := wrapBulletin(chartSection(
		"A. FINAL ACTION DATES FOR EMPLOYMENT-BASED PREFERENCE CASES",
		`<tr><td>2nd</td><td>C</td><td>15JAN23</td><td>C</td><td>C</td><td>C</td></tr>
		 <tr><td>Zeroth Preference</td><td>C</td><td>01JAN20</td><td>C</td><td>C</td><td>C</td></tr>`,
	))

	parsed, err := ParseBulletin(html, octoberLabel())
	if err != nil {
		t.Fatalf("ParseBulletin failed: %v", err)
	}
	for _, e := range parsed.Entries {
		if e.Category != models.CategoryEB2 {
			t.Errorf("unexpected entry from dropped row: %+v", e)
		}
	}
	found := false
	for _, w := range parsed.Warnings {
		if strings.Contains(w, "Zeroth Preference") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected warning about unknown label, got %v", parsed.Warnings)
	}
}

func TestParseRateCounting(t *testing.T) {
	// Two date cells, one garbage cell: 2 of 3 date candidates parse.
	// "C" cells are not date candidates and must not dilute the rate.
	html := wrapBulletin(chartSection(
		"A. FINAL ACTION DATES FOR EMPLOYMENT-BASED PREFERENCE CASES",
		`<tr><td>2nd</td><td>C</td><td>15JAN23</td><td>garbage</td><td>01JAN12</td><td>C</td></tr>`,
	))

	parsed, err := ParseBulletin(html, octoberLabel())
	if err != nil {
		t.Fatalf("ParseBulletin failed: %v", err)
	}
	if parsed.CellsSeen != 3 || parsed.CellsParsed != 2 {
		t.Errorf("cells seen/parsed = %d/%d, want 3/2", parsed.CellsSeen, parsed.CellsParsed)
	}
	if rate := parsed.DateParseRate(); rate < 0.66 || rate > 0.67 {
		t.Errorf("DateParseRate = %f, want 2/3", rate)
	}
}

func TestParseBulletinDateFallback(t *testing.T) {
	// No publication date anywhere: fall back to the label month.
	html := []byte(`<html><body>` + chartSection(
		"FINAL ACTION DATES",
		`<tr><td>2nd</td><td>C</td><td>15JAN23</td><td>C</td><td>C</td><td>C</td></tr>`,
	) + `</body></html>`)

	parsed, err := ParseBulletin(html, octoberLabel())
	if err != nil {
		t.Fatalf("ParseBulletin failed: %v", err)
	}
	want := date(2023, time.October, 1)
	if !parsed.Bulletin.BulletinDate.Equal(want) {
		t.Errorf("BulletinDate = %s, want %s", parsed.Bulletin.BulletinDate, want)
	}
	if parsed.Bulletin.FiscalYear != 2024 {
		t.Errorf("FiscalYear = %d, want 2024", parsed.Bulletin.FiscalYear)
	}
}

func TestParseNoTables(t *testing.T) {
	html := []byte(`<html><body><p>The bulletin is temporarily unavailable.</p></body></html>`)
	_, err := ParseBulletin(html, octoberLabel())
	if !errors.Is(err, ErrNoTables) {
		t.Errorf("expected ErrNoTables, got %v", err)
	}
}

func TestParseFamilyTable(t *testing.T) {
	html := wrapBulletin(`<p>A. FINAL ACTION DATES FOR FAMILY-SPONSORED PREFERENCE CASES</p>
<table>
<tr><td>Family-Sponsored</td><td>All Chargeability Areas Except Those Listed</td><td>CHINA-mainland born</td><td>INDIA</td><td>MEXICO</td><td>PHILIPPINES</td></tr>
<tr><td>F2A</td><td>C</td><td>C</td><td>C</td><td>01NOV21</td><td>C</td></tr>
<tr><td>F4</td><td>22APR07</td><td>22APR07</td><td>15OCT05</td><td>01AUG00</td><td>22AUG02</td></tr>
</table>`)

	parsed, err := ParseBulletin(html, octoberLabel())
	if err != nil {
		t.Fatalf("ParseBulletin failed: %v", err)
	}

	mx := findEntry(t, parsed.Entries, models.CategoryF2A, models.CountryMexico, models.ChartFinalAction)
	if !mx.PriorityDate.Equal(date(2021, time.November, 1)) {
		t.Errorf("F2A mexico = %v, want 2021-11-01", mx.PriorityDate)
	}
	ph := findEntry(t, parsed.Entries, models.CategoryF4, models.CountryPhilippines, models.ChartFinalAction)
	if !ph.PriorityDate.Equal(date(2002, time.August, 22)) {
		t.Errorf("F4 philippines = %v, want 2002-08-22", ph.PriorityDate)
	}
}
