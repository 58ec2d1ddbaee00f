package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// twoDigitPivot splits two-digit years: YY >= 50 reads as 19YY, below
// as 20YY. A "49" cell is 2049, a "50" cell is 1950.
const twoDigitPivot = 50

var monthAbbrevs = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

var (
	// 15JAN23 - the canonical State Department cell format.
	ddmmmyyRe = regexp.MustCompile(`^(\d{1,2})([A-Za-z]{3})(\d{2})$`)
	// 01/15/23 and 01/15/2023.
	slashRe = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{2}|\d{4})$`)
	// JAN 15, 2023 / Jan 15 2023.
	mdyRe = regexp.MustCompile(`^([A-Za-z]{3,9})\.?\s+(\d{1,2}),?\s+(\d{4})$`)
	// 15 JAN 2023.
	dmyRe = regexp.MustCompile(`^(\d{1,2})\s+([A-Za-z]{3,9})\.?\s+(\d{4})$`)
)

// CleanCell strips the markup noise bulletins carry into table cells:
// NBSP characters, soft newlines, surrounding whitespace.
func CleanCell(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

// ParseCellDate attempts every accepted date form in order and reports
// whether one matched. It never returns an error: an unparseable cell is
// the caller's decision to warn about, not an exception to cascade.
func ParseCellDate(s string) (time.Time, bool) {
	s = CleanCell(s)
	if s == "" {
		return time.Time{}, false
	}

	if m := ddmmmyyRe.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, ok := monthAbbrevs[strings.ToUpper(m[2])]
		if !ok {
			return time.Time{}, false
		}
		yy, _ := strconv.Atoi(m[3])
		return makeDate(expandYear(yy), month, day)
	}

	if m := mdyRe.FindStringSubmatch(s); m != nil {
		month, ok := monthByName(m[1])
		if !ok {
			return time.Time{}, false
		}
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return makeDate(year, month, day)
	}

	if m := dmyRe.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, ok := monthByName(m[2])
		if !ok {
			return time.Time{}, false
		}
		year, _ := strconv.Atoi(m[3])
		return makeDate(year, month, day)
	}

	if m := slashRe.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			year = expandYear(year)
		}
		if month < 1 || month > 12 {
			return time.Time{}, false
		}
		return makeDate(year, time.Month(month), day)
	}

	return time.Time{}, false
}

// expandYear applies the two-digit pivot.
func expandYear(yy int) int {
	if yy >= twoDigitPivot {
		return 1900 + yy
	}
	return 2000 + yy
}

// makeDate validates the day against the month before constructing.
func makeDate(year int, month time.Month, day int) (time.Time, bool) {
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != month {
		return time.Time{}, false
	}
	return t, true
}

// monthByName resolves full or three-letter English month names.
func monthByName(s string) (time.Month, bool) {
	up := strings.ToUpper(s)
	if len(up) >= 3 {
		if m, ok := monthAbbrevs[up[:3]]; ok {
			// Guard against garbage like "JANUARYX" by checking the full
			// name when more than three letters were given.
			if len(up) == 3 || strings.HasPrefix(strings.ToUpper(m.String()), up) {
				return m, true
			}
		}
	}
	return 0, false
}

// publicationDateRe matches "September 15, 2023" style dates anywhere in
// the document.
var publicationDateRe = regexp.MustCompile(`(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2}),?\s+(\d{4})`)

// findPublicationDate scans free text for the first month-day-year
// pattern. Absent one, the caller falls back to the candidate label.
func findPublicationDate(text string) (time.Time, bool) {
	m := publicationDateRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	month, _ := monthByName(m[1])
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	return makeDate(year, month, day)
}
