package collect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"visa_bulletin/pkg/core/config"
	"visa_bulletin/pkg/core/fetch"
	"visa_bulletin/pkg/core/normalize"
	"visa_bulletin/pkg/core/source"
	"visa_bulletin/pkg/core/store"
)

// goodBulletinHTML is a minimal but structurally faithful bulletin page.
const goodBulletinHTML = `<html><body>
<h1>Visa Bulletin</h1>
<p>A. FINAL ACTION DATES FOR EMPLOYMENT-BASED PREFERENCE CASES</p>
<table>
<tr><td>Employment-based</td><td>All Chargeability Areas Except Those Listed</td><td>CHINA-mainland born</td><td>INDIA</td><td>MEXICO</td><td>PHILIPPINES</td></tr>
<tr><td>2nd</td><td>C</td><td>15JAN23</td><td>01JAN12</td><td>C</td><td>C</td></tr>
<tr><td>Other Workers</td><td>C</td><td>01JUN15</td><td>01JAN12</td><td>C</td><td>C</td></tr>
</table>
</body></html>`

// garbledBulletinHTML parses structurally but almost no date cell
// survives: 1 of 5 candidates, rate 0.2.
const garbledBulletinHTML = `<html><body>
<p>A. FINAL ACTION DATES FOR EMPLOYMENT-BASED PREFERENCE CASES</p>
<table>
<tr><td>Employment-based</td><td>All Chargeability Areas Except Those Listed</td><td>CHINA-mainland born</td><td>INDIA</td><td>MEXICO</td><td>PHILIPPINES</td></tr>
<tr><td>2nd</td><td>xx1</td><td>xx2</td><td>15JAN23</td><td>xx3</td><td>xx4</td></tr>
</table>
</body></html>`

func testCollector(t *testing.T, handler http.Handler) (*Collector, store.Repository, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.StorageDSN = filepath.Join(t.TempDir(), "collect.db")
	cfg.SourceBaseURL = srv.URL + "/visa-bulletin"

	repo, err := store.Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	planner := source.NewPlanner(cfg.SourceBaseURL, cfg.UserAgent)
	fetcher := fetch.New(fetch.Options{
		MaxWorkers: 4,
		Timeout:    5 * time.Second,
		Retries:    0,
		UserAgent:  cfg.UserAgent,
	}, zap.NewNop())

	return New(planner, fetcher, repo, cfg, zap.NewNop()), repo, srv
}

func serveAll(html string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, html)
	})
}

func TestCollectBackfill(t *testing.T) {
	collector, repo, _ := testCollector(t, serveAll(goodBulletinHTML))

	report, err := collector.Collect(context.Background(), 2024, 2024, Options{})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if report.Attempted != 12 || report.Fetched != 12 || report.Stored != 12 {
		t.Errorf("report = attempted %d, fetched %d, stored %d; want 12/12/12",
			report.Attempted, report.Fetched, report.Stored)
	}
	if report.Skipped != 0 || report.Quarantined != 0 || len(report.Failed) != 0 {
		t.Errorf("unexpected skips/failures: %+v", report)
	}

	stats, _ := repo.GetStats(context.Background())
	if stats.BulletinCount != 12 {
		t.Errorf("store has %d bulletins, want 12", stats.BulletinCount)
	}
	// Each bulletin carries 10 entries (2 rows x 5 countries).
	if stats.EntryCount != 120 {
		t.Errorf("store has %d entries, want 120", stats.EntryCount)
	}
}

func TestCollectResumeSkipsExisting(t *testing.T) {
	collector, repo, _ := testCollector(t, serveAll(goodBulletinHTML))
	ctx := context.Background()

	first, err := collector.Collect(ctx, 2024, 2024, Options{})
	if err != nil {
		t.Fatalf("first Collect failed: %v", err)
	}
	storedBefore := first.Stored

	second, err := collector.Collect(ctx, 2024, 2024, Options{})
	if err != nil {
		t.Fatalf("second Collect failed: %v", err)
	}
	if second.Attempted != storedBefore || second.Fetched != 0 ||
		second.Stored != 0 || second.Skipped != storedBefore {
		t.Errorf("resume report = attempted %d, fetched %d, stored %d, skipped %d; want %d/0/0/%d",
			second.Attempted, second.Fetched, second.Stored, second.Skipped,
			storedBefore, storedBefore)
	}

	stats, _ := repo.GetStats(ctx)
	if stats.BulletinCount != storedBefore {
		t.Errorf("store grew on resume: %d bulletins", stats.BulletinCount)
	}
}

func TestCollectForceReingests(t *testing.T) {
	collector, _, _ := testCollector(t, serveAll(goodBulletinHTML))
	ctx := context.Background()

	if _, err := collector.Collect(ctx, 2024, 2024, Options{}); err != nil {
		t.Fatalf("first Collect failed: %v", err)
	}
	report, err := collector.Collect(ctx, 2024, 2024, Options{Force: true})
	if err != nil {
		t.Fatalf("forced Collect failed: %v", err)
	}
	if report.Fetched != 12 || report.Stored != 12 || report.Skipped != 0 {
		t.Errorf("force report = fetched %d, stored %d, skipped %d; want 12/12/0",
			report.Fetched, report.Stored, report.Skipped)
	}
}

func TestCollectQuarantine(t *testing.T) {
	collector, repo, _ := testCollector(t, serveAll(garbledBulletinHTML))

	report, err := collector.Collect(context.Background(), 2024, 2024, Options{})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if report.Quarantined != 12 || report.Stored != 0 {
		t.Errorf("report = quarantined %d, stored %d; want 12/0", report.Quarantined, report.Stored)
	}
	if len(report.QuarantinedItems) != 12 {
		t.Fatalf("expected 12 quarantined items, got %d", len(report.QuarantinedItems))
	}
	for _, q := range report.QuarantinedItems {
		if !strings.Contains(q.Message, normalize.QuarantineReason) {
			t.Errorf("quarantine message %q missing reason %q", q.Message, normalize.QuarantineReason)
		}
	}

	stats, _ := repo.GetStats(context.Background())
	if stats.BulletinCount != 0 {
		t.Errorf("quarantined bulletins were persisted: %d", stats.BulletinCount)
	}
}

func TestCollectIsolatesMissingMonths(t *testing.T) {
	// Months 1-3 of calendar 2024 do not exist; the rest are fine.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for m := 1; m <= 3; m++ {
			if strings.Contains(r.URL.Path, fmt.Sprintf("-%s-2024", strings.ToLower(time.Month(m).String()))) {
				http.NotFound(w, r)
				return
			}
		}
		fmt.Fprint(w, goodBulletinHTML)
	})
	collector, repo, _ := testCollector(t, handler)

	report, err := collector.Collect(context.Background(), 2024, 2024, Options{})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if report.Stored != 9 || len(report.Failed) != 3 {
		t.Errorf("report = stored %d, failed %d; want 9/3", report.Stored, len(report.Failed))
	}
	for _, f := range report.Failed {
		if f.Stage != "fetch" {
			t.Errorf("missing month recorded at stage %q, want fetch", f.Stage)
		}
	}

	stats, _ := repo.GetStats(context.Background())
	if stats.BulletinCount != 9 {
		t.Errorf("store has %d bulletins, want 9", stats.BulletinCount)
	}
}

func TestCollectCancellation(t *testing.T) {
	collector, repo, _ := testCollector(t, serveAll(goodBulletinHTML))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := collector.Collect(ctx, 2024, 2024, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !report.Cancelled {
		t.Error("report should be marked cancelled")
	}

	// The stored count in the partial report matches the store exactly.
	stats, _ := repo.GetStats(context.Background())
	if stats.BulletinCount != report.Stored {
		t.Errorf("store has %d bulletins but report says %d", stats.BulletinCount, report.Stored)
	}
}

func TestFetchCurrent(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/visa-bulletin.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<a href="/visa-bulletin/2024/visa-bulletin-for-october-2023.html">Visa Bulletin For October 2023</a>
</body></html>`)
	})
	mux.HandleFunc("/visa-bulletin/2024/visa-bulletin-for-october-2023.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodBulletinHTML)
	})

	collector, repo, _ := testCollector(t, &mux)
	ctx := context.Background()

	report, err := collector.FetchCurrent(ctx)
	if err != nil {
		t.Fatalf("FetchCurrent failed: %v", err)
	}
	if report.Attempted != 1 || report.Stored != 1 {
		t.Errorf("report = attempted %d, stored %d; want 1/1", report.Attempted, report.Stored)
	}

	b, err := repo.GetBulletin(ctx, 2023, 10)
	if err != nil {
		t.Fatalf("bulletin not stored: %v", err)
	}
	if b.FiscalYear != 2024 {
		t.Errorf("fiscal year = %d, want 2024", b.FiscalYear)
	}

	// A second invocation within the month is idempotent on identity.
	if _, err := collector.FetchCurrent(ctx); err != nil {
		t.Fatalf("repeat FetchCurrent failed: %v", err)
	}
	stats, _ := repo.GetStats(ctx)
	if stats.BulletinCount != 1 {
		t.Errorf("repeat ingest grew the store: %d bulletins", stats.BulletinCount)
	}
}
