package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		sample_rate REAL NOT NULL,
		samples INTEGER NOT NULL,
		blocks INTEGER NOT NULL,
		taps INTEGER NOT NULL,
		analyzed_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		recording_id TEXT NOT NULL,
		block_index INTEGER NOT NULL,
		start_sample INTEGER NOT NULL,
		end_sample INTEGER NOT NULL,
		main_axis INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		tap_count INTEGER NOT NULL,
		summary_json TEXT NOT NULL,
		PRIMARY KEY (recording_id, block_index)
	)`,
	`CREATE TABLE IF NOT EXISTS taps (
		recording_id TEXT NOT NULL,
		block_index INTEGER NOT NULL,
		tap_index INTEGER NOT NULL,
		start_up INTEGER,
		fastest_up INTEGER,
		stop_up INTEGER,
		start_down INTEGER,
		fastest_down INTEGER,
		impact INTEGER,
		stop_down INTEGER,
		PRIMARY KEY (recording_id, block_index, tap_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_analyzed ON recordings(analyzed_at)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:retap.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &baseStore{
		db:     db,
		schema: sqliteSchema,
		bind:   func(int) string { return "?" },
	}, nil
}
