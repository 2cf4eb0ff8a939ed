// Package repository provides data access for persisted request logs.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/ucr/internal/models"
	"go.uber.org/zap"
)

// RequestLogRepository persists proxied-request rows for cost tracking.
type RequestLogRepository interface {
	Insert(ctx context.Context, entry *models.RequestLogEntry) error
	List(ctx context.Context, limit, offset int) ([]*models.RequestLogEntry, error)
	Summary(ctx context.Context, since time.Time) (*UsageSummary, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// UsageSummary aggregates token and latency totals per provider.
type UsageSummary struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	Errors       int64   `json:"errors"`
}

// RequestLogRepo is the SQLite implementation.
type RequestLogRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRequestLogRepo creates the repository.
func NewRequestLogRepo(db *sql.DB, logger *zap.Logger) *RequestLogRepo {
	return &RequestLogRepo{db: db, logger: logger}
}

// Insert writes one request log row.
func (r *RequestLogRepo) Insert(ctx context.Context, entry *models.RequestLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO request_logs (
			request_id, model, provider, task_type,
			input_tokens, output_tokens, latency_ms,
			status_code, success, stream, cache_hit, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Model, entry.Provider, entry.TaskType,
		entry.InputTokens, entry.OutputTokens, entry.LatencyMs,
		entry.StatusCode, boolToInt(entry.Success), boolToInt(entry.Stream),
		boolToInt(entry.CacheHit), entry.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

// List returns rows newest first.
func (r *RequestLogRepo) List(ctx context.Context, limit, offset int) ([]*models.RequestLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, model, provider, task_type,
			input_tokens, output_tokens, latency_ms,
			status_code, success, stream, cache_hit, created_at
		FROM request_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query request logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.RequestLogEntry
	for rows.Next() {
		var e models.RequestLogEntry
		var success, stream, cacheHit int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Model, &e.Provider, &e.TaskType,
			&e.InputTokens, &e.OutputTokens, &e.LatencyMs,
			&e.StatusCode, &success, &stream, &cacheHit, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		e.Success = success != 0
		e.Stream = stream != 0
		e.CacheHit = cacheHit != 0
		if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Summary aggregates rows created at or after the given time.
func (r *RequestLogRepo) Summary(ctx context.Context, since time.Time) (*UsageSummary, error) {
	var s UsageSummary
	var avgLatency sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			AVG(latency_ms),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM request_logs WHERE created_at >= ?`,
		since.UTC().Format("2006-01-02 15:04:05")).
		Scan(&s.Requests, &s.InputTokens, &s.OutputTokens, &avgLatency, &s.Errors)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize request logs: %w", err)
	}
	if avgLatency.Valid {
		s.AvgLatencyMs = avgLatency.Float64
	}
	return &s, nil
}

// Prune deletes rows older than the given time and reports the count.
func (r *RequestLogRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`,
		before.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to prune request logs: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
