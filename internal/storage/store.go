package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"retap/internal/config"
	"retap/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveResult(ctx context.Context, res model.RecordingResult) error
	Recent(ctx context.Context, limit int) ([]RecordingRow, error)
}

type RecordingRow struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	SampleRate float64   `json:"sample_rate"`
	Samples    int       `json:"samples"`
	Blocks     int       `json:"blocks"`
	Taps       int       `json:"taps"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// baseStore holds the statements both drivers share; bind renders the n-th
// (1-based) placeholder of the driver.
type baseStore struct {
	db     *sql.DB
	schema []string
	bind   func(n int) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *baseStore) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = b.bind(i + 1)
	}
	return strings.Join(parts, ", ")
}

// SaveResult replaces everything stored for res.ID inside one transaction.
func (b *baseStore) SaveResult(ctx context.Context, res model.RecordingResult) error {
	if b.db == nil || res.ID == "" {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"taps", "blocks", "recordings"} {
		col := "recording_id"
		if table == "recordings" {
			col = "id"
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+col+" = "+b.bind(1), res.ID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO recordings (id, source, sample_rate, samples, blocks, taps, analyzed_at)
		VALUES (`+b.placeholders(7)+`)`,
		res.ID, res.Source, res.SampleRate, res.Samples, len(res.Blocks), res.TapCount(), res.AnalyzedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}

	blockStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO blocks (recording_id, block_index, start_sample, end_sample, main_axis, dropped, tap_count, summary_json)
		VALUES (`+b.placeholders(8)+`)`)
	if err != nil {
		return err
	}
	defer blockStmt.Close()
	tapStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO taps (recording_id, block_index, tap_index, start_up, fastest_up, stop_up, start_down, fastest_down, impact, stop_down)
		VALUES (`+b.placeholders(10)+`)`)
	if err != nil {
		return err
	}
	defer tapStmt.Close()

	for _, blk := range res.Blocks {
		if _, err := blockStmt.ExecContext(ctx,
			res.ID, blk.Index, blk.Start, blk.End, blk.MainAxis, blk.Dropped, len(blk.Taps), encodeJSON(blk.Summary),
		); err != nil {
			return fmt.Errorf("insert block %d: %w", blk.Index, err)
		}
		for i, tap := range blk.Taps {
			args := []any{res.ID, blk.Index, i}
			for _, idx := range tap.Indices() {
				args = append(args, nullIndex(idx))
			}
			if _, err := tapStmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("insert tap %d of block %d: %w", i, blk.Index, err)
			}
		}
	}
	return tx.Commit()
}

func (b *baseStore) Recent(ctx context.Context, limit int) ([]RecordingRow, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, source, sample_rate, samples, blocks, taps, analyzed_at
		FROM recordings ORDER BY analyzed_at DESC, id LIMIT `+b.bind(1), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecordingRow
	for rows.Next() {
		var r RecordingRow
		if err := rows.Scan(&r.ID, &r.Source, &r.SampleRate, &r.Samples, &r.Blocks, &r.Taps, &r.AnalyzedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIndex(i model.Index) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i.Valid()}
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
