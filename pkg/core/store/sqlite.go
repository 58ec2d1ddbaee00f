package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"visa_bulletin/pkg/models"
)

// sqliteStore is the embedded single-file backend. A single connection
// serializes all access, which makes every upsert a full transaction
// against one writer.
type sqliteStore struct {
	db  *sql.DB
	log *zap.Logger
}

func openSQLite(ctx context.Context, dsn string, log *zap.Logger) (Repository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("opened embedded store", zap.String("dsn", dsn))
	return s, nil
}

// initSchema creates the schema on a fresh file and verifies the version
// on an existing one. A version mismatch is a startup failure, never a
// migration.
func (s *sqliteStore) initSchema(ctx context.Context) error {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'schema_info'`).Scan(&name)
	if err == sql.ErrNoRows {
		if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_info (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect store: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_info`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: store has v%d, binary wants v%d", ErrSchemaVersion, version, schemaVersion)
	}
	return nil
}

func (s *sqliteStore) UpsertBulletin(ctx context.Context, b models.Bulletin, entries []models.CategoryEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO bulletins (year, month, fiscal_year, bulletin_date, source_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (year, month) DO UPDATE SET
			fiscal_year   = excluded.fiscal_year,
			bulletin_date = excluded.bulletin_date,
			source_url    = excluded.source_url,
			updated_at    = excluded.updated_at
		RETURNING id`,
		b.Year, b.Month, b.FiscalYear, b.BulletinDate, b.SourceURL, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert bulletin %d-%02d: %w", b.Year, b.Month, err)
	}

	// Child rows are replaced wholesale so re-ingestion cannot leave
	// stale entries behind.
	if _, err := tx.ExecContext(ctx, `DELETE FROM category_entries WHERE bulletin_id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to clear entries for bulletin %d: %w", id, err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO category_entries (bulletin_id, category, country, chart, status, priority_date, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, string(e.Category), string(e.Country), string(e.Chart), string(e.Status),
			nullableTime(e.PriorityDate), e.Notes,
		); err != nil {
			return 0, fmt.Errorf("failed to insert entry %s/%s/%s: %w", e.Category, e.Country, e.Chart, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bulletin %d-%02d: %w", b.Year, b.Month, err)
	}
	return id, nil
}

func (s *sqliteStore) GetBulletin(ctx context.Context, year, month int) (*models.Bulletin, error) {
	var b models.Bulletin
	err := s.db.QueryRowContext(ctx, `
		SELECT id, year, month, fiscal_year, bulletin_date, source_url, created_at, updated_at
		FROM bulletins WHERE year = ? AND month = ?`, year, month,
	).Scan(&b.ID, &b.Year, &b.Month, &b.FiscalYear, &b.BulletinDate, &b.SourceURL, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bulletin %d-%02d: %w", year, month, err)
	}
	return &b, nil
}

func (s *sqliteStore) ListBulletins(ctx context.Context, fyFrom, fyTo int) ([]models.Bulletin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, year, month, fiscal_year, bulletin_date, source_url, created_at, updated_at
		FROM bulletins WHERE fiscal_year BETWEEN ? AND ?
		ORDER BY year, month`, fyFrom, fyTo)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulletins: %w", err)
	}
	defer rows.Close()

	var out []models.Bulletin
	for rows.Next() {
		var b models.Bulletin
		if err := rows.Scan(&b.ID, &b.Year, &b.Month, &b.FiscalYear, &b.BulletinDate,
			&b.SourceURL, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bulletin: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetEntries(ctx context.Context, bulletinID int64) ([]models.CategoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bulletin_id, category, country, chart, status, priority_date, notes
		FROM category_entries WHERE bulletin_id = ?
		ORDER BY category, country, chart`, bulletinID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for bulletin %d: %w", bulletinID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *sqliteStore) GetSeries(ctx context.Context, key models.SeriesKey, fyFrom, fyTo int) ([]models.SeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.bulletin_date, e.status, e.priority_date
		FROM category_entries e
		JOIN bulletins b ON b.id = e.bulletin_id
		WHERE e.category = ? AND e.country = ? AND e.chart = ?
		  AND b.fiscal_year BETWEEN ? AND ?
		ORDER BY b.year, b.month`,
		string(key.Category), string(key.Country), string(key.Chart), fyFrom, fyTo)
	if err != nil {
		return nil, fmt.Errorf("failed to load series %s: %w", key, err)
	}
	defer rows.Close()

	var out []models.SeriesPoint
	for rows.Next() {
		var p models.SeriesPoint
		var status string
		var pd sql.NullTime
		if err := rows.Scan(&p.BulletinDate, &status, &pd); err != nil {
			return nil, fmt.Errorf("failed to scan series point: %w", err)
		}
		p.Status = models.EntryStatus(status)
		if pd.Valid {
			t := pd.Time
			p.PriorityDate = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM bulletins`).Scan(&stats.BulletinCount); err != nil {
		return nil, fmt.Errorf("failed to count bulletins: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM category_entries`).Scan(&stats.EntryCount); err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	if stats.BulletinCount == 0 {
		return stats, nil
	}

	// Plain reads of declared-type columns keep the driver's time
	// decoding; min/max aggregates would strip it.
	if err := s.db.QueryRowContext(ctx,
		`SELECT bulletin_date FROM bulletins ORDER BY year, month LIMIT 1`).Scan(&stats.Earliest); err != nil {
		return nil, fmt.Errorf("failed to read earliest bulletin: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT bulletin_date FROM bulletins ORDER BY year DESC, month DESC LIMIT 1`).Scan(&stats.Latest); err != nil {
		return nil, fmt.Errorf("failed to read latest bulletin: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM bulletins ORDER BY updated_at DESC LIMIT 1`).Scan(&stats.LastIngestAt); err != nil {
		return nil, fmt.Errorf("failed to read last ingest time: %w", err)
	}
	return stats, nil
}

func (s *sqliteStore) PutForecast(ctx context.Context, f models.Forecast) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forecasts (category, country, chart, target_year, target_month,
			predicted_date, confidence, model_id, produced_at, features_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (category, country, chart, target_year, target_month) DO UPDATE SET
			predicted_date = excluded.predicted_date,
			confidence     = excluded.confidence,
			model_id       = excluded.model_id,
			produced_at    = excluded.produced_at,
			features_hash  = excluded.features_hash`,
		string(f.Key.Category), string(f.Key.Country), string(f.Key.Chart),
		f.Key.TargetYear, f.Key.TargetMonth,
		f.PredictedDate, f.Confidence, f.ModelID, f.ProducedAt, f.FeaturesHash)
	if err != nil {
		return fmt.Errorf("failed to store forecast: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetForecast(ctx context.Context, key models.ForecastKey) (*models.Forecast, error) {
	f := models.Forecast{Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT predicted_date, confidence, model_id, produced_at, features_hash
		FROM forecasts
		WHERE category = ? AND country = ? AND chart = ? AND target_year = ? AND target_month = ?`,
		string(key.Category), string(key.Country), string(key.Chart), key.TargetYear, key.TargetMonth,
	).Scan(&f.PredictedDate, &f.Confidence, &f.ModelID, &f.ProducedAt, &f.FeaturesHash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load forecast: %w", err)
	}
	return &f, nil
}

func (s *sqliteStore) ExistingMonths(ctx context.Context, fyFrom, fyTo int) (map[MonthKey]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, month FROM bulletins WHERE fiscal_year BETWEEN ? AND ?`, fyFrom, fyTo)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing months: %w", err)
	}
	defer rows.Close()

	out := make(map[MonthKey]bool)
	for rows.Next() {
		var k MonthKey
		if err := rows.Scan(&k.Year, &k.Month); err != nil {
			return nil, fmt.Errorf("failed to scan month key: %w", err)
		}
		out[k] = true
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteEntry(ctx context.Context, entryID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM category_entries WHERE id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to delete entry %d: %w", entryID, err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// scanEntries reads category_entries rows in the shared column order.
func scanEntries(rows *sql.Rows) ([]models.CategoryEntry, error) {
	var out []models.CategoryEntry
	for rows.Next() {
		var e models.CategoryEntry
		var category, country, chart, status string
		var pd sql.NullTime
		var notes sql.NullString
		if err := rows.Scan(&e.ID, &e.BulletinID, &category, &country, &chart, &status, &pd, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Category = models.VisaCategory(category)
		e.Country = models.Country(country)
		e.Chart = models.ChartType(chart)
		e.Status = models.EntryStatus(status)
		if pd.Valid {
			t := pd.Time
			e.PriorityDate = &t
		}
		e.Notes = notes.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
