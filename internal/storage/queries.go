package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/apiscope/apiscope/internal/event"
)

// EventFilter narrows an event query. Zero values mean "no constraint".
type EventFilter struct {
	ServiceName string
	Method      string
	TargetHost  string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

const defaultQueryLimit = 1000

// Events returns raw events matching the filter, newest first. It runs on the
// read-only pool and never blocks on the writer's transaction.
func (s *Store) Events(ctx context.Context, filter EventFilter) ([]event.Event, error) {
	query := `
		SELECT id, service_name, method, target_host, target_path, status_code,
		       duration_ms, request_bytes, response_bytes, headers, body, timestamp, error
		FROM api_events
		WHERE 1=1`
	var args []interface{}

	if filter.ServiceName != "" {
		query += " AND service_name = ?"
		args = append(args, filter.ServiceName)
	}
	if filter.Method != "" {
		query += " AND method = ?"
		args = append(args, filter.Method)
	}
	if filter.TargetHost != "" {
		query += " AND target_host = ?"
		args = append(args, filter.TargetHost)
	}
	if !filter.From.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.From.UnixMicro())
	}
	if !filter.To.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.To.UnixMicro())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (event.Event, error) {
	var (
		ev         event.Event
		statusCode sql.NullInt64
		headers    sql.NullString
		body       sql.NullString
		errText    sql.NullString
		ts         int64
	)
	if err := rows.Scan(
		&ev.ID, &ev.ServiceName, &ev.Method, &ev.TargetHost, &ev.TargetPath,
		&statusCode, &ev.DurationMs, &ev.RequestBytes, &ev.ResponseBytes,
		&headers, &body, &ts, &errText,
	); err != nil {
		return event.Event{}, fmt.Errorf("scan event row: %w", err)
	}
	ev.StatusCode = int(statusCode.Int64)
	ev.Body = body.String
	ev.Error = errText.String
	ev.Timestamp = time.UnixMicro(ts)
	if headers.Valid && headers.String != "" {
		_ = json.Unmarshal([]byte(headers.String), &ev.Headers)
	}
	return ev, nil
}

// EndpointStatistics is the incrementally maintained aggregate for one
// (service, method, path) key.
type EndpointStatistics struct {
	ServiceName          string    `json:"service_name"`
	Method               string    `json:"method"`
	TargetPath           string    `json:"target_path"`
	Count                int64     `json:"count"`
	ErrorCount           int64     `json:"error_count"`
	SumDurationMs        float64   `json:"sum_duration_ms"`
	SumDurationMsSquared float64   `json:"sum_duration_ms_squared"`
	MinDurationMs        float64   `json:"min_duration_ms"`
	MaxDurationMs        float64   `json:"max_duration_ms"`
	LastSeen             time.Time `json:"last_seen"`
}

// MeanDurationMs returns the mean call duration.
func (s EndpointStatistics) MeanDurationMs() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.SumDurationMs / float64(s.Count)
}

// VarianceDurationMs returns the population variance of call durations,
// derived from the running sum and sum of squares.
func (s EndpointStatistics) VarianceDurationMs() float64 {
	if s.Count == 0 {
		return 0
	}
	mean := s.MeanDurationMs()
	variance := s.SumDurationMsSquared/float64(s.Count) - mean*mean
	if variance < 0 {
		// Floating-point cancellation can dip slightly below zero.
		return 0
	}
	return variance
}

// EndpointStatisticsFor returns aggregate rows, optionally restricted to one
// service. An empty service returns every row.
func (s *Store) EndpointStatisticsFor(ctx context.Context, service string) ([]EndpointStatistics, error) {
	query := `
		SELECT service_name, method, target_path, count, error_count,
		       sum_duration_ms, sum_duration_ms_squared, min_duration_ms, max_duration_ms, last_seen
		FROM endpoint_statistics`
	var args []interface{}
	if service != "" {
		query += " WHERE service_name = ?"
		args = append(args, service)
	}
	query += " ORDER BY count DESC"

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query endpoint statistics: %w", err)
	}
	defer rows.Close()

	var stats []EndpointStatistics
	for rows.Next() {
		var (
			st       EndpointStatistics
			lastSeen int64
		)
		if err := rows.Scan(
			&st.ServiceName, &st.Method, &st.TargetPath, &st.Count, &st.ErrorCount,
			&st.SumDurationMs, &st.SumDurationMsSquared, &st.MinDurationMs, &st.MaxDurationMs, &lastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan statistics row: %w", err)
		}
		st.LastSeen = time.UnixMicro(lastSeen)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// ReplayEndpointStatistics recomputes the aggregate for one key from the
// undeleted raw events. It exists for reconciliation: after any sequence of
// delivered batches the result must match the incrementally maintained row
// within floating-point tolerance.
func (s *Store) ReplayEndpointStatistics(ctx context.Context, service, method, path string) (EndpointStatistics, error) {
	row := s.reader.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN error IS NOT NULL OR status_code >= 400 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(duration_ms), 0),
		       COALESCE(SUM(duration_ms * duration_ms), 0),
		       COALESCE(MIN(duration_ms), 0),
		       COALESCE(MAX(duration_ms), 0),
		       COALESCE(MAX(timestamp), 0)
		FROM api_events
		WHERE service_name = ? AND method = ? AND target_path = ?
	`, service, method, path)

	st := EndpointStatistics{ServiceName: service, Method: method, TargetPath: path}
	var lastSeen int64
	if err := row.Scan(
		&st.Count, &st.ErrorCount, &st.SumDurationMs, &st.SumDurationMsSquared,
		&st.MinDurationMs, &st.MaxDurationMs, &lastSeen,
	); err != nil {
		return EndpointStatistics{}, fmt.Errorf("replay endpoint statistics: %w", err)
	}
	st.LastSeen = time.UnixMicro(lastSeen)
	return st, nil
}

// ServiceDependency is one observed caller-to-host edge in the service graph.
type ServiceDependency struct {
	CallerService string    `json:"caller_service"`
	TargetHost    string    `json:"target_host"`
	CallCount     int64     `json:"call_count"`
	LastSeen      time.Time `json:"last_seen"`
}

// ServiceDependencies returns every observed edge, most-called first, for
// topology rendering.
func (s *Store) ServiceDependencies(ctx context.Context) ([]ServiceDependency, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT caller_service, target_host, call_count, last_seen
		FROM service_dependencies
		ORDER BY call_count DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query service dependencies: %w", err)
	}
	defer rows.Close()

	var deps []ServiceDependency
	for rows.Next() {
		var (
			dep      ServiceDependency
			lastSeen int64
		)
		if err := rows.Scan(&dep.CallerService, &dep.TargetHost, &dep.CallCount, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan dependency row: %w", err)
		}
		dep.LastSeen = time.UnixMicro(lastSeen)
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// Stats holds storage statistics for the query API.
type Stats struct {
	EventCount      int64 `json:"event_count"`
	EndpointCount   int64 `json:"endpoint_count"`
	DependencyCount int64 `json:"dependency_count"`
	DBSizeBytes     int64 `json:"db_size_bytes"`
}

// QueryStats returns table row counts and the database file size.
func (s *Store) QueryStats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM api_events`, &stats.EventCount},
		{`SELECT COUNT(*) FROM endpoint_statistics`, &stats.EndpointCount},
		{`SELECT COUNT(*) FROM service_dependencies`, &stats.DependencyCount},
	}
	for _, c := range counts {
		if err := s.reader.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("count rows: %w", err)
		}
	}
	if fi, err := os.Stat(s.cfg.DBPath); err == nil {
		stats.DBSizeBytes = fi.Size()
	}
	return stats, nil
}
