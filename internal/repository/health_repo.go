package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/user/llm-gateway-go/internal/models"
)

// SQLHealthRepository implements HealthRepository using database/sql.
type SQLHealthRepository struct {
	db *sql.DB
}

// NewHealthRepository creates a new SQLHealthRepository.
func NewHealthRepository(db *sql.DB) *SQLHealthRepository {
	return &SQLHealthRepository{db: db}
}

const healthColumns = `h.upstream_id, h.is_healthy, h.last_check_at, h.last_success_at,
	h.failure_count, h.latency_ms, h.error_message`

func (r *SQLHealthRepository) Get(ctx context.Context, upstreamID string) (*models.HealthRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM upstream_health h WHERE h.upstream_id = ?`,
		upstreamID)
	rec, err := scanHealthRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *SQLHealthRepository) List(ctx context.Context, activeOnly bool) ([]*models.HealthRecord, error) {
	query := `SELECT ` + healthColumns + ` FROM upstream_health h`
	if activeOnly {
		query += ` JOIN upstreams u ON u.id = h.upstream_id AND u.is_active = 1`
	}
	query += ` ORDER BY h.upstream_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.HealthRecord
	for rows.Next() {
		rec, err := scanHealthRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *SQLHealthRepository) Upsert(ctx context.Context, rec *models.HealthRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO upstream_health
		        (upstream_id, is_healthy, last_check_at, last_success_at,
		         failure_count, latency_ms, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(upstream_id) DO UPDATE SET
		        is_healthy = excluded.is_healthy,
		        last_check_at = excluded.last_check_at,
		        last_success_at = excluded.last_success_at,
		        failure_count = excluded.failure_count,
		        latency_ms = excluded.latency_ms,
		        error_message = excluded.error_message`,
		rec.UpstreamID, boolToInt(rec.IsHealthy),
		fmtTimePtr(rec.LastCheckAt), fmtTimePtr(rec.LastSuccessAt),
		rec.FailureCount, rec.LatencyMs, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to upsert health record: %w", err)
	}
	return nil
}

func scanHealthRecord(s scanner) (*models.HealthRecord, error) {
	var rec models.HealthRecord
	var isHealthy int
	var lastCheckAt, lastSuccessAt sql.NullTime
	var errorMessage sql.NullString

	err := s.Scan(
		&rec.UpstreamID, &isHealthy, &lastCheckAt, &lastSuccessAt,
		&rec.FailureCount, &rec.LatencyMs, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	rec.IsHealthy = isHealthy == 1
	if lastCheckAt.Valid {
		t := lastCheckAt.Time
		rec.LastCheckAt = &t
	}
	if lastSuccessAt.Valid {
		t := lastSuccessAt.Time
		rec.LastSuccessAt = &t
	}
	if errorMessage.Valid {
		rec.ErrorMessage = errorMessage.String
	}
	return &rec, nil
}
