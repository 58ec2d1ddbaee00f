// Package store persists bulletins behind a backend-agnostic Repository.
// Two implementations exist: an embedded single-file SQLite store for
// local use and a PostgreSQL store for production. Callers never see a
// backend-specific type; the choice is made once at startup.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"visa_bulletin/pkg/core/config"
	"visa_bulletin/pkg/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSchemaVersion is returned at open when the stored schema does
	// not match the binary. There is no silent migration.
	ErrSchemaVersion = errors.New("schema version mismatch")
)

// MonthKey identifies a bulletin by calendar position.
type MonthKey struct {
	Year  int
	Month int
}

// Stats summarizes the store contents.
type Stats struct {
	BulletinCount int       `json:"bulletin_count"`
	EntryCount    int       `json:"entry_count"`
	Earliest      time.Time `json:"earliest"`
	Latest        time.Time `json:"latest"`
	LastIngestAt  time.Time `json:"last_ingest_at"`
}

// Repository is the storage contract shared by both backends.
//
// UpsertBulletin is atomic: the bulletin row and all child entries become
// visible together or not at all. Child entries are replaced wholesale.
// Concurrent upserts of the same (year, month) serialize; re-running a
// completed ingestion changes nothing observable except updated_at.
type Repository interface {
	UpsertBulletin(ctx context.Context, b models.Bulletin, entries []models.CategoryEntry) (int64, error)
	GetBulletin(ctx context.Context, year, month int) (*models.Bulletin, error)
	ListBulletins(ctx context.Context, fyFrom, fyTo int) ([]models.Bulletin, error)
	GetEntries(ctx context.Context, bulletinID int64) ([]models.CategoryEntry, error)
	GetSeries(ctx context.Context, key models.SeriesKey, fyFrom, fyTo int) ([]models.SeriesPoint, error)
	GetStats(ctx context.Context) (*Stats, error)

	PutForecast(ctx context.Context, f models.Forecast) error
	GetForecast(ctx context.Context, key models.ForecastKey) (*models.Forecast, error)

	// ExistingMonths reports which bulletins of the fiscal range are
	// already stored; the Collector uses it to resume backfills.
	ExistingMonths(ctx context.Context, fyFrom, fyTo int) (map[MonthKey]bool, error)

	// DeleteEntry removes a single entry row; the validate --fix path
	// uses it to purge invariant violations.
	DeleteEntry(ctx context.Context, entryID int64) error

	Close() error
}

// Open selects and initializes the configured backend.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (Repository, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.StorageBackend {
	case config.BackendEmbedded:
		return openSQLite(ctx, cfg.StorageDSN, log)
	case config.BackendServer:
		return openPostgres(ctx, cfg.StorageDSN, log)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
