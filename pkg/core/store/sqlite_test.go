package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"visa_bulletin/pkg/core/config"
	"visa_bulletin/pkg/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testRepo(t *testing.T) Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	repo, err := openSQLite(context.Background(), path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func octoberBulletin() (models.Bulletin, []models.CategoryEntry) {
	pd := date(2012, time.January, 1)
	b := models.Bulletin{
		Year:         2023,
		Month:        10,
		FiscalYear:   2024,
		BulletinDate: date(2023, time.October, 1),
		SourceURL:    "https://example.org/visa-bulletin-for-october-2023.html",
	}
	entries := []models.CategoryEntry{
		{Category: models.CategoryEB2, Country: models.CountryWorldwide,
			Chart: models.ChartFinalAction, Status: models.StatusCurrent},
		{Category: models.CategoryEB2, Country: models.CountryIndia,
			Chart: models.ChartFinalAction, Status: models.StatusDated, PriorityDate: &pd},
	}
	return b, entries
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.StorageBackend = config.BackendEmbedded
	cfg.StorageDSN = filepath.Join(t.TempDir(), "select.db")

	repo, err := Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	repo.Close()
}

func TestUpsertAndGet(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	b, entries := octoberBulletin()

	id, err := repo.UpsertBulletin(ctx, b, entries)
	if err != nil {
		t.Fatalf("UpsertBulletin failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero bulletin id")
	}

	got, err := repo.GetBulletin(ctx, 2023, 10)
	if err != nil {
		t.Fatalf("GetBulletin failed: %v", err)
	}
	if got.FiscalYear != 2024 || got.SourceURL != b.SourceURL {
		t.Errorf("stored bulletin mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set on insert")
	}

	stored, err := repo.GetEntries(ctx, id)
	if err != nil {
		t.Fatalf("GetEntries failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(stored))
	}
	for _, e := range stored {
		if e.BulletinID != id {
			t.Errorf("entry %d references bulletin %d, want %d", e.ID, e.BulletinID, id)
		}
	}

	if _, err := repo.GetBulletin(ctx, 2023, 11); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing month, got %v", err)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	b, entries := octoberBulletin()

	id1, err := repo.UpsertBulletin(ctx, b, entries)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	first, _ := repo.GetBulletin(ctx, 2023, 10)

	id2, err := repo.UpsertBulletin(ctx, b, entries)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert changed identity: %d then %d", id1, id2)
	}

	second, _ := repo.GetBulletin(ctx, 2023, 10)
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed on re-ingest: %v -> %v", first.CreatedAt, second.CreatedAt)
	}

	stats, err := repo.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.BulletinCount != 1 || stats.EntryCount != 2 {
		t.Errorf("counts after re-ingest = %d/%d, want 1/2", stats.BulletinCount, stats.EntryCount)
	}
}

func TestUpsertReplacesEntriesWholesale(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	b, entries := octoberBulletin()

	if _, err := repo.UpsertBulletin(ctx, b, entries); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// Re-ingest with only the first entry: the omitted child vanishes.
	id, err := repo.UpsertBulletin(ctx, b, entries[:1])
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	stored, _ := repo.GetEntries(ctx, id)
	if len(stored) != 1 {
		t.Errorf("expected 1 entry after replacement, got %d", len(stored))
	}
}

func TestGetSeriesOrdering(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	// Insert out of order; the series must come back ascending anyway.
	months := []struct {
		year, month int
		pd          time.Time
	}{
		{2023, 12, date(2012, time.March, 1)},
		{2023, 10, date(2012, time.January, 1)},
		{2023, 11, date(2012, time.February, 1)},
	}
	for _, m := range months {
		pd := m.pd
		b := models.Bulletin{
			Year: m.year, Month: m.month,
			FiscalYear:   models.FiscalYearFor(m.year, m.month),
			BulletinDate: date(m.year, time.Month(m.month), 1),
			SourceURL:    "https://example.org/x",
		}
		entries := []models.CategoryEntry{{
			Category: models.CategoryEB2, Country: models.CountryIndia,
			Chart: models.ChartFinalAction, Status: models.StatusDated, PriorityDate: &pd,
		}}
		if _, err := repo.UpsertBulletin(ctx, b, entries); err != nil {
			t.Fatalf("upsert %d-%02d failed: %v", m.year, m.month, err)
		}
	}

	key := models.SeriesKey{
		Category: models.CategoryEB2,
		Country:  models.CountryIndia,
		Chart:    models.ChartFinalAction,
	}
	series, err := repo.GetSeries(ctx, key, 2024, 2024)
	if err != nil {
		t.Fatalf("GetSeries failed: %v", err)
	}
	if len(series) != 3 {
		t.Fatalf("expected 3 points, got %d", len(series))
	}
	for i := 1; i < len(series); i++ {
		if !series[i].BulletinDate.After(series[i-1].BulletinDate) {
			t.Errorf("series not strictly ascending at %d: %v then %v",
				i, series[i-1].BulletinDate, series[i].BulletinDate)
		}
	}
	if !series[0].PriorityDate.Equal(date(2012, time.January, 1)) {
		t.Errorf("first point = %v, want 2012-01-01", series[0].PriorityDate)
	}
}

func TestListBulletinsAndExistingMonths(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	b, entries := octoberBulletin()
	if _, err := repo.UpsertBulletin(ctx, b, entries); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	list, err := repo.ListBulletins(ctx, 2024, 2024)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListBulletins = %d bulletins, %v", len(list), err)
	}

	existing, err := repo.ExistingMonths(ctx, 2024, 2024)
	if err != nil {
		t.Fatalf("ExistingMonths failed: %v", err)
	}
	if !existing[MonthKey{Year: 2023, Month: 10}] {
		t.Error("ExistingMonths missing 2023-10")
	}
	if existing[MonthKey{Year: 2023, Month: 11}] {
		t.Error("ExistingMonths reports a month that was never stored")
	}
}

func TestForecastRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	key := models.ForecastKey{
		Category: models.CategoryEB2, Country: models.CountryIndia,
		Chart: models.ChartFinalAction, TargetYear: 2024, TargetMonth: 6,
	}
	if _, err := repo.GetForecast(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before put, got %v", err)
	}

	f := models.Forecast{
		Key:           key,
		PredictedDate: date(2012, time.April, 15),
		Confidence:    0.8,
		ModelID:       "tree-ensemble-v1",
		ProducedAt:    date(2024, time.May, 1),
		FeaturesHash:  "abc123",
	}
	if err := repo.PutForecast(ctx, f); err != nil {
		t.Fatalf("PutForecast failed: %v", err)
	}

	got, err := repo.GetForecast(ctx, key)
	if err != nil {
		t.Fatalf("GetForecast failed: %v", err)
	}
	if !got.PredictedDate.Equal(f.PredictedDate) || got.Confidence != 0.8 || got.ModelID != f.ModelID {
		t.Errorf("forecast mismatch: %+v", got)
	}

	// Overwrite on the same key.
	f.Confidence = 0.4
	if err := repo.PutForecast(ctx, f); err != nil {
		t.Fatalf("PutForecast overwrite failed: %v", err)
	}
	got, _ = repo.GetForecast(ctx, key)
	if got.Confidence != 0.4 {
		t.Errorf("overwrite not applied: confidence %f", got.Confidence)
	}
}

func TestDeleteEntry(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	b, entries := octoberBulletin()
	id, _ := repo.UpsertBulletin(ctx, b, entries)

	stored, _ := repo.GetEntries(ctx, id)
	if err := repo.DeleteEntry(ctx, stored[0].ID); err != nil {
		t.Fatalf("DeleteEntry failed: %v", err)
	}
	remaining, _ := repo.GetEntries(ctx, id)
	if len(remaining) != len(stored)-1 {
		t.Errorf("expected %d entries after delete, got %d", len(stored)-1, len(remaining))
	}
}

func TestSchemaVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mismatch.db")
	ctx := context.Background()

	repo, err := openSQLite(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatalf("initial open failed: %v", err)
	}
	repo.Close()

	// Corrupt the version out-of-band.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("raw open failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE schema_info SET version = 99`); err != nil {
		t.Fatalf("failed to rewrite version: %v", err)
	}
	db.Close()

	if _, err := openSQLite(ctx, path, zap.NewNop()); !errors.Is(err, ErrSchemaVersion) {
		t.Errorf("expected ErrSchemaVersion, got %v", err)
	}
}

func TestGetStatsEmpty(t *testing.T) {
	repo := testRepo(t)
	stats, err := repo.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats on empty store failed: %v", err)
	}
	if stats.BulletinCount != 0 || stats.EntryCount != 0 {
		t.Errorf("empty store stats = %+v", stats)
	}
}
