package store

// schemaVersion is bumped on any DDL change. A store created with a
// different version refuses to open; migrations are an operator action,
// never implicit.
const schemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bulletins (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	year          INTEGER NOT NULL,
	month         INTEGER NOT NULL,
	fiscal_year   INTEGER NOT NULL,
	bulletin_date DATE NOT NULL,
	source_url    TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (year, month)
);

CREATE TABLE IF NOT EXISTS category_entries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	bulletin_id   INTEGER NOT NULL REFERENCES bulletins(id) ON DELETE CASCADE,
	category      TEXT NOT NULL,
	country       TEXT NOT NULL,
	chart         TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority_date DATE,
	notes         TEXT NOT NULL DEFAULT '',
	UNIQUE (bulletin_id, category, country, chart)
);

CREATE INDEX IF NOT EXISTS idx_entries_series
	ON category_entries (category, country, chart);

CREATE TABLE IF NOT EXISTS forecasts (
	category       TEXT NOT NULL,
	country        TEXT NOT NULL,
	chart          TEXT NOT NULL,
	target_year    INTEGER NOT NULL,
	target_month   INTEGER NOT NULL,
	predicted_date DATE NOT NULL,
	confidence     REAL NOT NULL,
	model_id       TEXT NOT NULL,
	produced_at    DATETIME NOT NULL,
	features_hash  TEXT NOT NULL,
	PRIMARY KEY (category, country, chart, target_year, target_month)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bulletins (
	id            BIGSERIAL PRIMARY KEY,
	year          INTEGER NOT NULL,
	month         INTEGER NOT NULL,
	fiscal_year   INTEGER NOT NULL,
	bulletin_date DATE NOT NULL,
	source_url    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (year, month)
);

CREATE TABLE IF NOT EXISTS category_entries (
	id            BIGSERIAL PRIMARY KEY,
	bulletin_id   BIGINT NOT NULL REFERENCES bulletins(id) ON DELETE CASCADE,
	category      TEXT NOT NULL,
	country       TEXT NOT NULL,
	chart         TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority_date DATE,
	notes         TEXT NOT NULL DEFAULT '',
	UNIQUE (bulletin_id, category, country, chart)
);

CREATE INDEX IF NOT EXISTS idx_entries_series
	ON category_entries (category, country, chart);

CREATE TABLE IF NOT EXISTS forecasts (
	category       TEXT NOT NULL,
	country        TEXT NOT NULL,
	chart          TEXT NOT NULL,
	target_year    INTEGER NOT NULL,
	target_month   INTEGER NOT NULL,
	predicted_date DATE NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	model_id       TEXT NOT NULL,
	produced_at    TIMESTAMPTZ NOT NULL,
	features_hash  TEXT NOT NULL,
	PRIMARY KEY (category, country, chart, target_year, target_month)
);
`
