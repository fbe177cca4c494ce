// Package storage provides durable SQLite persistence for captured events and
// the aggregates derived from them. It is the reference transport sink: one
// writer connection owned by the batcher, a separate read-only pool for
// dashboard queries, and a WAL journal so neither side blocks the other.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/apiscope/apiscope/internal/event"
	"github.com/apiscope/apiscope/internal/transport"
)

// ErrStoreFailed is returned for every write once the engine has observed
// corruption. The store fails closed instead of attempting partial recovery;
// the batcher sees it as a permanent delivery failure.
var ErrStoreFailed = fmt.Errorf("storage engine failed: %w", transport.ErrPermanent)

// Config holds configuration for the store.
type Config struct {
	DBPath        string
	RetentionDays int
	// RetentionInterval is how often the background sweep prunes old raw
	// events. Zero disables the sweep; RunRetention can still be called
	// directly.
	RetentionInterval time.Duration
}

// Store is the durable storage engine.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	cfg    Config

	failed   atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Open opens or creates the database at cfg.DBPath, initializes the schema,
// and starts the retention sweep if configured.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection is configured.
	writerDSN := cfg.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The batcher is the sole writer; a single connection avoids writer
	// contention entirely.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	readerDSN := cfg.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"query_only(1)",
		},
	}.Encode()
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open read connection: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{
		writer: writer,
		reader: reader,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if cfg.RetentionInterval > 0 {
		go s.retentionLoop()
	} else {
		close(s.doneCh)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("retentionDays", cfg.RetentionDays).
		Msg("Storage engine opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS api_events (
			id TEXT PRIMARY KEY,
			service_name TEXT NOT NULL,
			method TEXT NOT NULL,
			target_host TEXT NOT NULL,
			target_path TEXT NOT NULL,
			status_code INTEGER,
			duration_ms REAL NOT NULL,
			request_bytes INTEGER NOT NULL DEFAULT -1,
			response_bytes INTEGER NOT NULL DEFAULT -1,
			headers TEXT,
			body TEXT,
			timestamp INTEGER NOT NULL,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_api_events_service_time
		ON api_events(service_name, timestamp);

		-- Retention prunes by age alone.
		CREATE INDEX IF NOT EXISTS idx_api_events_time
		ON api_events(timestamp);

		CREATE TABLE IF NOT EXISTS endpoint_statistics (
			service_name TEXT NOT NULL,
			method TEXT NOT NULL,
			target_path TEXT NOT NULL,
			count INTEGER NOT NULL,
			error_count INTEGER NOT NULL,
			sum_duration_ms REAL NOT NULL,
			sum_duration_ms_squared REAL NOT NULL,
			min_duration_ms REAL NOT NULL,
			max_duration_ms REAL NOT NULL,
			last_seen INTEGER NOT NULL,
			PRIMARY KEY (service_name, method, target_path)
		);

		CREATE TABLE IF NOT EXISTS service_dependencies (
			caller_service TEXT NOT NULL,
			target_host TEXT NOT NULL,
			call_count INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			PRIMARY KEY (caller_service, target_host)
		);
	`
	if _, err := s.writer.Exec(schema); err != nil {
		return err
	}
	return nil
}

const insertEventSQL = `
	INSERT OR IGNORE INTO api_events (
		id, service_name, method, target_host, target_path, status_code,
		duration_ms, request_bytes, response_bytes, headers, body, timestamp, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const upsertStatisticsSQL = `
	INSERT INTO endpoint_statistics (
		service_name, method, target_path, count, error_count,
		sum_duration_ms, sum_duration_ms_squared, min_duration_ms, max_duration_ms, last_seen
	) VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(service_name, method, target_path) DO UPDATE SET
		count = count + 1,
		error_count = error_count + excluded.error_count,
		sum_duration_ms = sum_duration_ms + excluded.sum_duration_ms,
		sum_duration_ms_squared = sum_duration_ms_squared + excluded.sum_duration_ms_squared,
		min_duration_ms = MIN(min_duration_ms, excluded.min_duration_ms),
		max_duration_ms = MAX(max_duration_ms, excluded.max_duration_ms),
		last_seen = MAX(last_seen, excluded.last_seen)
`

const upsertDependencySQL = `
	INSERT INTO service_dependencies (caller_service, target_host, call_count, last_seen)
	VALUES (?, ?, 1, ?)
	ON CONFLICT(caller_service, target_host) DO UPDATE SET
		call_count = call_count + 1,
		last_seen = MAX(last_seen, excluded.last_seen)
`

// Deliver persists one batch in a single all-or-nothing transaction: every
// raw event plus its aggregate updates commit together, or nothing does.
// Events whose IDs were already stored (a redelivered batch) are skipped
// without touching the aggregates, so at-least-once delivery never
// double-counts.
func (s *Store) Deliver(ctx context.Context, batch event.Batch) error {
	if s.failed.Load() {
		return fmt.Errorf("deliver batch %s: %w", batch.ID, ErrStoreFailed)
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		s.noteWriteError(err)
		return fmt.Errorf("begin batch %s: %w", batch.ID, err)
	}
	defer tx.Rollback()

	insertEvent, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		s.noteWriteError(err)
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer insertEvent.Close()

	upsertStat, err := tx.PrepareContext(ctx, upsertStatisticsSQL)
	if err != nil {
		s.noteWriteError(err)
		return fmt.Errorf("prepare statistics upsert: %w", err)
	}
	defer upsertStat.Close()

	upsertDep, err := tx.PrepareContext(ctx, upsertDependencySQL)
	if err != nil {
		s.noteWriteError(err)
		return fmt.Errorf("prepare dependency upsert: %w", err)
	}
	defer upsertDep.Close()

	for _, ev := range batch.Events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("batch %s: %w", batch.ID, err)
		}

		res, err := insertEvent.ExecContext(ctx,
			ev.ID, ev.ServiceName, ev.Method, ev.TargetHost, ev.TargetPath,
			nullableInt(ev.StatusCode), ev.DurationMs, ev.RequestBytes, ev.ResponseBytes,
			encodeHeaders(ev.Headers), nullableString(ev.Body), ev.Timestamp.UnixMicro(),
			nullableString(ev.Error),
		)
		if err != nil {
			s.noteWriteError(err)
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already stored by an earlier delivery of this batch.
			continue
		}

		errorCount := 0
		if ev.IsError() {
			errorCount = 1
		}
		seen := ev.Timestamp.UnixMicro()

		if _, err := upsertStat.ExecContext(ctx,
			ev.ServiceName, ev.Method, ev.TargetPath, errorCount,
			ev.DurationMs, ev.DurationMs*ev.DurationMs, ev.DurationMs, ev.DurationMs, seen,
		); err != nil {
			s.noteWriteError(err)
			return fmt.Errorf("update endpoint statistics for %s: %w", ev.TargetPath, err)
		}

		if _, err := upsertDep.ExecContext(ctx, ev.ServiceName, ev.TargetHost, seen); err != nil {
			s.noteWriteError(err)
			return fmt.Errorf("update service dependency for %s: %w", ev.TargetHost, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.noteWriteError(err)
		return fmt.Errorf("commit batch %s: %w", batch.ID, err)
	}

	log.Debug().Str("batch", batch.ID).Int("events", batch.Len()).Msg("Stored batch")
	return nil
}

// noteWriteError fails the store closed when the error indicates the database
// itself is damaged. Transient errors (busy, locked, cancellation) pass
// through and are left to the batcher's retry policy.
func (s *Store) noteWriteError(err error) {
	msg := err.Error()
	if strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database corruption") {
		if s.failed.CompareAndSwap(false, true) {
			log.Error().Err(err).Msg("Storage corruption detected; engine is failing closed")
		}
	}
}

// Failed reports whether the store has failed closed.
func (s *Store) Failed() bool {
	return s.failed.Load()
}

func (s *Store) retentionLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			deleted, err := s.RunRetention()
			if err != nil {
				log.Warn().Err(err).Msg("Retention sweep failed")
				continue
			}
			if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Retention sweep pruned raw events")
			}
		}
	}
}

// RunRetention deletes raw events older than the retention window and returns
// the number of rows removed. Aggregates are never touched: they remain valid
// summaries of pruned events, which is the reason they are maintained
// incrementally rather than recomputed.
func (s *Store) RunRetention() (int64, error) {
	if s.failed.Load() {
		return 0, ErrStoreFailed
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays).UnixMicro()
	res, err := s.writer.Exec(`DELETE FROM api_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		s.noteWriteError(err)
		return 0, fmt.Errorf("prune raw events: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// Close stops the retention sweep and closes both connection pools.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Storage retention loop shutdown timed out")
	}

	readerErr := s.reader.Close()
	if err := s.writer.Close(); err != nil {
		return err
	}
	return readerErr
}

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func encodeHeaders(headers map[string]string) interface{} {
	if len(headers) == 0 {
		return nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil
	}
	return string(data)
}
