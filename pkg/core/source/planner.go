// Package source enumerates State Department visa bulletin URLs.
// Bulletin pages live under a fiscal-year listing with the month spelled
// out in English, e.g. .../visa-bulletin/2024/visa-bulletin-for-october-2023.html
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"visa_bulletin/pkg/models"
)

var (
	// ErrBadYearRange signals a malformed fiscal-year range.
	ErrBadYearRange = errors.New("invalid fiscal year range")
	// ErrIndexFetch signals a failure to retrieve or read the bulletin
	// index page in current mode.
	ErrIndexFetch = errors.New("failed to fetch bulletin index")
)

// monthNames maps calendar month to the lowercase English name used in
// bulletin URLs.
var monthNames = [13]string{"",
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

var monthNumbers = func() map[string]int {
	m := make(map[string]int, 12)
	for i := 1; i <= 12; i++ {
		m[monthNames[i]] = i
	}
	return m
}()

// bulletinLinkRe extracts (month, year) from a bulletin page URL or link
// text, e.g. "visa-bulletin-for-october-2023.html".
var bulletinLinkRe = regexp.MustCompile(`visa-bulletin-for-([a-z]+)-(\d{4})`)

// Candidate labels one bulletin URL with its fiscal position. Candidates
// are values; the planner performs no network I/O outside Current.
type Candidate struct {
	FiscalYear int
	Year       int
	Month      int
	URL        string
}

// Planner produces candidate bulletin URLs.
type Planner struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewPlanner creates a planner rooted at baseURL. The client is only
// used by Current.
func NewPlanner(baseURL, userAgent string) *Planner {
	return &Planner{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// URLFor returns the canonical bulletin URL for one fiscal (fy, month).
func (p *Planner) URLFor(fy, month int) string {
	// FY N runs Oct N-1 .. Sep N; months Oct-Dec carry calendar year N-1.
	year := fy
	if month >= 10 {
		year = fy - 1
	}
	return fmt.Sprintf("%s/%d/visa-bulletin-for-%s-%d.html", p.baseURL, fy, monthNames[month], year)
}

// Plan enumerates every (fiscal year, month) candidate in [fyFrom, fyTo],
// in fiscal order (October first). The result is deterministic from the
// inputs; re-planning the same range yields the same slice.
func (p *Planner) Plan(fyFrom, fyTo int) ([]Candidate, error) {
	if fyFrom < 1990 || fyTo < fyFrom || fyTo > 2100 {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrBadYearRange, fyFrom, fyTo)
	}

	// Fiscal month order: Oct..Dec of the prior calendar year, then Jan..Sep.
	fiscalMonths := []int{10, 11, 12, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	var out []Candidate
	for fy := fyFrom; fy <= fyTo; fy++ {
		for _, m := range fiscalMonths {
			year := fy
			if m >= 10 {
				year = fy - 1
			}
			out = append(out, Candidate{
				FiscalYear: fy,
				Year:       year,
				Month:      m,
				URL:        p.URLFor(fy, m),
			})
		}
	}
	return out, nil
}

// Current fetches the bulletin index page and returns the topmost
// published bulletin link.
func (p *Planner) Current(ctx context.Context) (Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+".html", nil)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrIndexFetch, err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := p.client.Do(req)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrIndexFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Candidate{}, fmt.Errorf("%w: index returned status %d", ErrIndexFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrIndexFetch, err)
	}

	cand, ok := p.extractCurrent(string(body))
	if !ok {
		return Candidate{}, fmt.Errorf("%w: no bulletin link found on index page", ErrIndexFetch)
	}
	return cand, nil
}

// extractCurrent scans the index HTML for the first bulletin link in
// document order, which the State Department keeps as the current month.
func (p *Planner) extractCurrent(html string) (Candidate, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Candidate{}, false
	}

	var found Candidate
	var ok bool
	doc.Find("a").EachWithBreak(func(i int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		m := bulletinLinkRe.FindStringSubmatch(strings.ToLower(href))
		if m == nil {
			m = bulletinLinkRe.FindStringSubmatch(strings.ToLower(a.Text()))
		}
		if m == nil {
			return true
		}
		month, known := monthNumbers[m[1]]
		if !known {
			return true
		}
		var year int
		fmt.Sscanf(m[2], "%d", &year)

		url := href
		if strings.HasPrefix(url, "/") {
			url = rootOf(p.baseURL) + url
		} else if url == "" || !strings.HasPrefix(url, "http") {
			fy := models.FiscalYearFor(year, month)
			url = p.URLFor(fy, month)
		}
		found = Candidate{
			FiscalYear: models.FiscalYearFor(year, month),
			Year:       year,
			Month:      month,
			URL:        url,
		}
		ok = true
		return false
	})
	return found, ok
}

// rootOf reduces a URL to its scheme://host prefix.
func rootOf(u string) string {
	idx := strings.Index(u, "://")
	if idx < 0 {
		return u
	}
	rest := u[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return u
	}
	return u[:idx+3+slash]
}
