package storage

import (
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		sample_rate DOUBLE PRECISION NOT NULL,
		samples INTEGER NOT NULL,
		blocks INTEGER NOT NULL,
		taps INTEGER NOT NULL,
		analyzed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		recording_id TEXT NOT NULL,
		block_index INTEGER NOT NULL,
		start_sample INTEGER NOT NULL,
		end_sample INTEGER NOT NULL,
		main_axis INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		tap_count INTEGER NOT NULL,
		summary_json JSONB NOT NULL,
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

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/retap?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &baseStore{
		db:     db,
		schema: postgresSchema,
		bind:   func(n int) string { return "$" + strconv.Itoa(n) },
	}, nil
}
