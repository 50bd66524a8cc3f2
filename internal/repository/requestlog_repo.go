package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/user/llm-gateway-go/internal/models"
	"go.uber.org/zap"
)

// SQLRequestLogRepository implements RequestLogRepository using database/sql.
type SQLRequestLogRepository struct {
	db     *sql.DB // write operations
	readDB *sql.DB // read operations (may be a separate read-only pool)
	logger *zap.Logger
}

// NewRequestLogRepository creates a new SQLRequestLogRepository.
// If readDB is nil, db is used for both reads and writes.
func NewRequestLogRepository(db *sql.DB, logger *zap.Logger, readDB ...*sql.DB) *SQLRequestLogRepository {
	r := &SQLRequestLogRepository{
		db:     db,
		readDB: db,
		logger: logger,
	}
	if len(readDB) > 0 && readDB[0] != nil {
		r.readDB = readDB[0]
	}
	return r
}

const requestLogColumns = `id, request_id, api_key_id, method, path, model, resolved_model,
	upstream_id, upstream_name, status_code, is_stream, error_code, error_message,
	prompt_tokens, completion_tokens, total_tokens, cached_tokens, reasoning_tokens,
	cache_creation_tokens, cache_read_tokens, duration_ms,
	routing_decision, failover_attempts, created_at, completed_at`

// InsertPending writes the in-progress row before forwarding begins.
func (r *SQLRequestLogRepository) InsertPending(ctx context.Context, entry *models.RequestLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO request_logs (request_id, api_key_id, method, path, model, is_stream, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, nullIfEmpty(entry.APIKeyID), entry.Method, entry.Path,
		entry.Model, boolToInt(entry.IsStream), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

// Finalize applies the single final update for a request.
func (r *SQLRequestLogRepository) Finalize(ctx context.Context, final *models.RequestLogFinal) error {
	var routingJSON any
	if final.RoutingDecision != nil {
		data, err := json.Marshal(final.RoutingDecision)
		if err != nil {
			return fmt.Errorf("failed to marshal routing decision: %w", err)
		}
		routingJSON = string(data)
	}

	var attemptsJSON any
	if len(final.FailoverAttempts) > 0 {
		data, err := json.Marshal(final.FailoverAttempts)
		if err != nil {
			return fmt.Errorf("failed to marshal failover attempts: %w", err)
		}
		attemptsJSON = string(data)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE request_logs SET
			status_code = ?, upstream_id = ?, upstream_name = ?, resolved_model = ?,
			is_stream = ?, error_code = ?, error_message = ?,
			prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
			cached_tokens = ?, reasoning_tokens = ?,
			cache_creation_tokens = ?, cache_read_tokens = ?,
			duration_ms = ?, routing_decision = ?, failover_attempts = ?, completed_at = ?
		 WHERE request_id = ?`,
		final.StatusCode, nullIfEmpty(final.UpstreamID), final.UpstreamName, final.ResolvedModel,
		boolToInt(final.IsStream), final.ErrorCode, final.ErrorMessage,
		final.Usage.PromptTokens, final.Usage.CompletionTokens, final.Usage.TotalTokens,
		final.Usage.CachedTokens, final.Usage.ReasoningTokens,
		final.Usage.CacheCreationTokens, final.Usage.CacheReadTokens,
		final.DurationMs, routingJSON, attemptsJSON, fmtTime(time.Now()),
		final.RequestID)
	if err != nil {
		return fmt.Errorf("failed to finalize request log: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetByRequestID retrieves a single request log by its request ID.
func (r *SQLRequestLogRepository) GetByRequestID(ctx context.Context, requestID string) (*models.RequestLog, error) {
	rows, err := r.readDB.QueryContext(ctx,
		`SELECT `+requestLogColumns+` FROM request_logs WHERE request_id = ?`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query log by request id: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanRequestLog(rows)
}

// List retrieves request logs with filtering and pagination.
func (r *SQLRequestLogRepository) List(ctx context.Context, q LogQuery) ([]*models.RequestLog, int64, error) {
	whereSQL, params := buildLogWhere(q)

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM request_logs WHERE %s`, whereSQL)
	if err := r.readDB.QueryRowContext(ctx, countQuery, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT `+requestLogColumns+`
		FROM request_logs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, whereSQL)
	params = append(params, limit, q.Offset)

	rows, err := r.readDB.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.RequestLog, 0)
	for rows.Next() {
		log, err := scanRequestLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}
	return logs, total, rows.Err()
}

// Stats retrieves aggregated statistics for logs matching the query filters.
// Queries run sequentially to stay compatible with single-connection SQLite.
func (r *SQLRequestLogRepository) Stats(ctx context.Context, q LogQuery) (*LogStatistics, error) {
	whereSQL, params := buildLogWhere(q)

	var stats LogStatistics

	overallQuery := fmt.Sprintf(`
		SELECT
			COUNT(*) as total_requests,
			COALESCE(AVG(duration_ms), 0) as avg_duration,
			CASE WHEN COUNT(*) > 0
				THEN SUM(CASE WHEN status_code IS NOT NULL AND status_code < 400 THEN 1 ELSE 0 END) * 100.0 / COUNT(*)
				ELSE 0
			END as success_rate,
			COALESCE(SUM(prompt_tokens), 0) as total_prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as total_completion_tokens
		FROM request_logs
		WHERE %s
	`, whereSQL)
	if err := r.readDB.QueryRowContext(ctx, overallQuery, params...).Scan(
		&stats.TotalRequests, &stats.AvgDurationMs, &stats.SuccessRate,
		&stats.TotalPromptTokens, &stats.TotalCompletionTokens,
	); err != nil {
		return nil, fmt.Errorf("failed to get overall statistics: %w", err)
	}

	// By model + by upstream in a single UNION ALL query.
	unionQuery := fmt.Sprintf(`
		SELECT 'model' AS kind, model AS name,
			COUNT(*) AS requests,
			COALESCE(SUM(prompt_tokens),0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens),0) AS completion_tokens,
			COALESCE(AVG(duration_ms),0) AS avg_duration
		FROM request_logs WHERE %s GROUP BY model
		UNION ALL
		SELECT 'upstream' AS kind, upstream_name AS name,
			COUNT(*) AS requests,
			COALESCE(SUM(prompt_tokens),0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens),0) AS completion_tokens,
			COALESCE(AVG(duration_ms),0) AS avg_duration
		FROM request_logs WHERE %s AND upstream_name != '' GROUP BY upstream_name
	`, whereSQL, whereSQL)

	unionParams := make([]any, 0, len(params)*2)
	unionParams = append(unionParams, params...)
	unionParams = append(unionParams, params...)

	rows, err := r.readDB.QueryContext(ctx, unionQuery, unionParams...)
	if err != nil {
		return nil, fmt.Errorf("failed to get grouped statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, name string
		var group GroupStatistics
		if err := rows.Scan(&kind, &name, &group.Requests, &group.PromptTokens,
			&group.CompletionTokens, &group.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan grouped statistics: %w", err)
		}
		group.Name = name
		switch kind {
		case "model":
			stats.ByModel = append(stats.ByModel, group)
		case "upstream":
			stats.ByUpstream = append(stats.ByUpstream, group)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grouped statistics: %w", err)
	}

	return &stats, nil
}

// buildLogWhere builds the WHERE clause for log queries.
func buildLogWhere(q LogQuery) (string, []any) {
	conditions := []string{"1=1"}
	var params []any

	if q.APIKeyID != "" {
		conditions = append(conditions, "api_key_id = ?")
		params = append(params, q.APIKeyID)
	}
	if q.Model != "" {
		conditions = append(conditions, "model = ?")
		params = append(params, q.Model)
	}
	if q.ErrorCode != "" {
		conditions = append(conditions, "error_code = ?")
		params = append(params, q.ErrorCode)
	}
	if q.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		params = append(params, fmtTime(*q.Since))
	}
	if q.Until != nil {
		conditions = append(conditions, "created_at <= ?")
		params = append(params, fmtTime(*q.Until))
	}

	return strings.Join(conditions, " AND "), params
}

// scanRequestLog scans a row into a RequestLog.
func scanRequestLog(s scanner) (*models.RequestLog, error) {
	var log models.RequestLog
	var apiKeyID, upstreamID sql.NullString
	var statusCode sql.NullInt64
	var isStream int
	var routingJSON, attemptsJSON sql.NullString
	var createdAt, completedAt sql.NullTime

	err := s.Scan(
		&log.ID, &log.RequestID, &apiKeyID, &log.Method, &log.Path,
		&log.Model, &log.ResolvedModel, &upstreamID, &log.UpstreamName,
		&statusCode, &isStream, &log.ErrorCode, &log.ErrorMessage,
		&log.Usage.PromptTokens, &log.Usage.CompletionTokens, &log.Usage.TotalTokens,
		&log.Usage.CachedTokens, &log.Usage.ReasoningTokens,
		&log.Usage.CacheCreationTokens, &log.Usage.CacheReadTokens,
		&log.DurationMs, &routingJSON, &attemptsJSON, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan log: %w", err)
	}

	if apiKeyID.Valid {
		log.APIKeyID = apiKeyID.String
	}
	if upstreamID.Valid {
		log.UpstreamID = upstreamID.String
	}
	if statusCode.Valid {
		sc := int(statusCode.Int64)
		log.StatusCode = &sc
	}
	log.IsStream = isStream == 1
	if routingJSON.Valid && routingJSON.String != "" {
		var decision models.RoutingDecision
		if err := json.Unmarshal([]byte(routingJSON.String), &decision); err == nil {
			log.RoutingDecision = &decision
		}
	}
	if attemptsJSON.Valid && attemptsJSON.String != "" {
		var attempts []models.FailoverAttempt
		if err := json.Unmarshal([]byte(attemptsJSON.String), &attempts); err == nil {
			log.FailoverAttempts = attempts
		}
	}
	if createdAt.Valid {
		log.CreatedAt = createdAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		log.CompletedAt = &t
	}
	return &log, nil
}

// LogStatistics contains aggregated request log statistics.
type LogStatistics struct {
	TotalRequests         int64             `json:"total_requests"`
	AvgDurationMs         float64           `json:"avg_duration_ms"`
	SuccessRate           float64           `json:"success_rate"`
	TotalPromptTokens     int64             `json:"total_prompt_tokens"`
	TotalCompletionTokens int64             `json:"total_completion_tokens"`
	ByModel               []GroupStatistics `json:"by_model"`
	ByUpstream            []GroupStatistics `json:"by_upstream"`
}

// GroupStatistics contains statistics for one model or upstream.
type GroupStatistics struct {
	Name             string  `json:"name"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
}
