package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

// SQLCircuitBreakerStateRepository implements CircuitBreakerStateRepository
// using database/sql.
type SQLCircuitBreakerStateRepository struct {
	db *sql.DB
}

// NewCircuitBreakerStateRepository creates a new SQLCircuitBreakerStateRepository.
func NewCircuitBreakerStateRepository(db *sql.DB) *SQLCircuitBreakerStateRepository {
	return &SQLCircuitBreakerStateRepository{db: db}
}

const breakerColumns = `upstream_id, state, failure_count, success_count,
	opened_at, last_failure_at, last_probe_at, updated_at`

func (r *SQLCircuitBreakerStateRepository) Get(ctx context.Context, upstreamID string) (*models.CircuitBreakerState, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker_states WHERE upstream_id = ?`,
		upstreamID)
	st, err := scanBreakerState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (r *SQLCircuitBreakerStateRepository) GetAll(ctx context.Context) ([]*models.CircuitBreakerState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker_states ORDER BY upstream_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.CircuitBreakerState
	for rows.Next() {
		st, err := scanBreakerState(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (r *SQLCircuitBreakerStateRepository) Upsert(ctx context.Context, state *models.CircuitBreakerState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO circuit_breaker_states
		        (upstream_id, state, failure_count, success_count,
		         opened_at, last_failure_at, last_probe_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(upstream_id) DO UPDATE SET
		        state = excluded.state,
		        failure_count = excluded.failure_count,
		        success_count = excluded.success_count,
		        opened_at = excluded.opened_at,
		        last_failure_at = excluded.last_failure_at,
		        last_probe_at = excluded.last_probe_at,
		        updated_at = excluded.updated_at`,
		state.UpstreamID, string(state.State), state.FailureCount, state.SuccessCount,
		fmtTimePtr(state.OpenedAt), fmtTimePtr(state.LastFailureAt),
		fmtTimePtr(state.LastProbeAt), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert breaker state: %w", err)
	}
	return nil
}

func (r *SQLCircuitBreakerStateRepository) Delete(ctx context.Context, upstreamID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM circuit_breaker_states WHERE upstream_id = ?`, upstreamID)
	if err != nil {
		return fmt.Errorf("failed to delete breaker state: %w", err)
	}
	return nil
}

func scanBreakerState(s scanner) (*models.CircuitBreakerState, error) {
	var st models.CircuitBreakerState
	var state string
	var openedAt, lastFailureAt, lastProbeAt, updatedAt sql.NullTime

	err := s.Scan(
		&st.UpstreamID, &state, &st.FailureCount, &st.SuccessCount,
		&openedAt, &lastFailureAt, &lastProbeAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.State = models.CircuitState(state)
	if openedAt.Valid {
		t := openedAt.Time
		st.OpenedAt = &t
	}
	if lastFailureAt.Valid {
		t := lastFailureAt.Time
		st.LastFailureAt = &t
	}
	if lastProbeAt.Valid {
		t := lastProbeAt.Time
		st.LastProbeAt = &t
	}
	if updatedAt.Valid {
		st.UpdatedAt = updatedAt.Time
	}
	return &st, nil
}
