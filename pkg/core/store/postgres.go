package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"visa_bulletin/pkg/models"
)

// postgresStore is the server backend, used when the pipeline runs
// against a shared database.
type postgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func openPostgres(ctx context.Context, dsn string, log *zap.Logger) (Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &postgresStore{pool: pool, log: log}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("opened server store")
	return s, nil
}

func (s *postgresStore) initSchema(ctx context.Context) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_name = 'schema_info'
		)`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to inspect store: %w", err)
	}

	if !exists {
		if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_info (version) VALUES ($1)`, schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	}

	var version int
	if err := s.pool.QueryRow(ctx, `SELECT version FROM schema_info`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: store has v%d, binary wants v%d", ErrSchemaVersion, version, schemaVersion)
	}
	return nil
}

func (s *postgresStore) UpsertBulletin(ctx context.Context, b models.Bulletin, entries []models.CategoryEntry) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO bulletins (year, month, fiscal_year, bulletin_date, source_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (year, month) DO UPDATE SET
			fiscal_year   = EXCLUDED.fiscal_year,
			bulletin_date = EXCLUDED.bulletin_date,
			source_url    = EXCLUDED.source_url,
			updated_at    = now()
		RETURNING id`,
		b.Year, b.Month, b.FiscalYear, b.BulletinDate, b.SourceURL,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert bulletin %d-%02d: %w", b.Year, b.Month, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM category_entries WHERE bulletin_id = $1`, id); err != nil {
		return 0, fmt.Errorf("failed to clear entries for bulletin %d: %w", id, err)
	}
	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO category_entries (bulletin_id, category, country, chart, status, priority_date, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, string(e.Category), string(e.Country), string(e.Chart), string(e.Status),
			e.PriorityDate, e.Notes,
		); err != nil {
			return 0, fmt.Errorf("failed to insert entry %s/%s/%s: %w", e.Category, e.Country, e.Chart, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit bulletin %d-%02d: %w", b.Year, b.Month, err)
	}
	return id, nil
}

func (s *postgresStore) GetBulletin(ctx context.Context, year, month int) (*models.Bulletin, error) {
	var b models.Bulletin
	err := s.pool.QueryRow(ctx, `
		SELECT id, year, month, fiscal_year, bulletin_date, source_url, created_at, updated_at
		FROM bulletins WHERE year = $1 AND month = $2`, year, month,
	).Scan(&b.ID, &b.Year, &b.Month, &b.FiscalYear, &b.BulletinDate, &b.SourceURL, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bulletin %d-%02d: %w", year, month, err)
	}
	return &b, nil
}

func (s *postgresStore) ListBulletins(ctx context.Context, fyFrom, fyTo int) ([]models.Bulletin, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, year, month, fiscal_year, bulletin_date, source_url, created_at, updated_at
		FROM bulletins WHERE fiscal_year BETWEEN $1 AND $2
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

func (s *postgresStore) GetEntries(ctx context.Context, bulletinID int64) ([]models.CategoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bulletin_id, category, country, chart, status, priority_date, notes
		FROM category_entries WHERE bulletin_id = $1
		ORDER BY category, country, chart`, bulletinID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for bulletin %d: %w", bulletinID, err)
	}
	defer rows.Close()

	var out []models.CategoryEntry
	for rows.Next() {
		var e models.CategoryEntry
		var category, country, chart, status string
		var pd *time.Time
		if err := rows.Scan(&e.ID, &e.BulletinID, &category, &country, &chart, &status, &pd, &e.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Category = models.VisaCategory(category)
		e.Country = models.Country(country)
		e.Chart = models.ChartType(chart)
		e.Status = models.EntryStatus(status)
		e.PriorityDate = pd
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) GetSeries(ctx context.Context, key models.SeriesKey, fyFrom, fyTo int) ([]models.SeriesPoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.bulletin_date, e.status, e.priority_date
		FROM category_entries e
		JOIN bulletins b ON b.id = e.bulletin_id
		WHERE e.category = $1 AND e.country = $2 AND e.chart = $3
		  AND b.fiscal_year BETWEEN $4 AND $5
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
		var pd *time.Time
		if err := rows.Scan(&p.BulletinDate, &status, &pd); err != nil {
			return nil, fmt.Errorf("failed to scan series point: %w", err)
		}
		p.Status = models.EntryStatus(status)
		p.PriorityDate = pd
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *postgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM bulletins),
			(SELECT count(*) FROM category_entries)`).
		Scan(&stats.BulletinCount, &stats.EntryCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count store contents: %w", err)
	}
	if stats.BulletinCount == 0 {
		return stats, nil
	}

	err = s.pool.QueryRow(ctx, `
		SELECT min(bulletin_date), max(bulletin_date), max(updated_at) FROM bulletins`).
		Scan(&stats.Earliest, &stats.Latest, &stats.LastIngestAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read store bounds: %w", err)
	}
	return stats, nil
}

func (s *postgresStore) PutForecast(ctx context.Context, f models.Forecast) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO forecasts (category, country, chart, target_year, target_month,
			predicted_date, confidence, model_id, produced_at, features_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (category, country, chart, target_year, target_month) DO UPDATE SET
			predicted_date = EXCLUDED.predicted_date,
			confidence     = EXCLUDED.confidence,
			model_id       = EXCLUDED.model_id,
			produced_at    = EXCLUDED.produced_at,
			features_hash  = EXCLUDED.features_hash`,
		string(f.Key.Category), string(f.Key.Country), string(f.Key.Chart),
		f.Key.TargetYear, f.Key.TargetMonth,
		f.PredictedDate, f.Confidence, f.ModelID, f.ProducedAt, f.FeaturesHash)
	if err != nil {
		return fmt.Errorf("failed to store forecast: %w", err)
	}
	return nil
}

func (s *postgresStore) GetForecast(ctx context.Context, key models.ForecastKey) (*models.Forecast, error) {
	f := models.Forecast{Key: key}
	err := s.pool.QueryRow(ctx, `
		SELECT predicted_date, confidence, model_id, produced_at, features_hash
		FROM forecasts
		WHERE category = $1 AND country = $2 AND chart = $3 AND target_year = $4 AND target_month = $5`,
		string(key.Category), string(key.Country), string(key.Chart), key.TargetYear, key.TargetMonth,
	).Scan(&f.PredictedDate, &f.Confidence, &f.ModelID, &f.ProducedAt, &f.FeaturesHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load forecast: %w", err)
	}
	return &f, nil
}

func (s *postgresStore) ExistingMonths(ctx context.Context, fyFrom, fyTo int) (map[MonthKey]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT year, month FROM bulletins WHERE fiscal_year BETWEEN $1 AND $2`, fyFrom, fyTo)
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

func (s *postgresStore) DeleteEntry(ctx context.Context, entryID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM category_entries WHERE id = $1`, entryID); err != nil {
		return fmt.Errorf("failed to delete entry %d: %w", entryID, err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
