package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

// SQLUpstreamRepository implements UpstreamRepository using database/sql.
type SQLUpstreamRepository struct {
	db *sql.DB
}

// NewUpstreamRepository creates a new SQLUpstreamRepository.
func NewUpstreamRepository(db *sql.DB) *SQLUpstreamRepository {
	return &SQLUpstreamRepository{db: db}
}

const upstreamColumns = `id, name, provider_type, base_url, api_key_encrypted,
	timeout_seconds, is_active, weight, allowed_models, model_redirects,
	breaker_config, created_at, updated_at`

func (r *SQLUpstreamRepository) FindByID(ctx context.Context, id string) (*models.Upstream, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams WHERE id = ?`, id)
	return scanUpstream(row)
}

func (r *SQLUpstreamRepository) FindByName(ctx context.Context, name string) (*models.Upstream, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams WHERE name = ?`, name)
	return scanUpstream(row)
}

func (r *SQLUpstreamRepository) FindByProviderType(ctx context.Context, pt models.ProviderType, activeOnly bool) ([]*models.Upstream, error) {
	query := `SELECT ` + upstreamColumns + ` FROM upstreams WHERE provider_type = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, string(pt))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUpstreams(rows)
}

func (r *SQLUpstreamRepository) FindAll(ctx context.Context) ([]*models.Upstream, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUpstreams(rows)
}

func (r *SQLUpstreamRepository) FindAllActive(ctx context.Context) ([]*models.Upstream, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams WHERE is_active = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUpstreams(rows)
}

func (r *SQLUpstreamRepository) Insert(ctx context.Context, u *models.Upstream) error {
	now := fmtTime(time.Now())
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO upstreams (id, name, provider_type, base_url, api_key_encrypted,
		        timeout_seconds, is_active, weight, allowed_models, model_redirects,
		        breaker_config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, string(u.ProviderType), u.BaseURL, u.APIKeyEncrypted,
		u.TimeoutSeconds, boolToInt(u.IsActive), u.Weight,
		marshalStrings(u.AllowedModels), marshalStringMap(u.ModelRedirects),
		marshalBreakerConfig(u.BreakerConfig), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert upstream: %w", err)
	}
	return nil
}

func (r *SQLUpstreamRepository) Update(ctx context.Context, u *models.Upstream) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE upstreams SET name = ?, provider_type = ?, base_url = ?,
		        api_key_encrypted = ?, timeout_seconds = ?, is_active = ?,
		        weight = ?, allowed_models = ?, model_redirects = ?,
		        breaker_config = ?, updated_at = ?
		 WHERE id = ?`,
		u.Name, string(u.ProviderType), u.BaseURL,
		u.APIKeyEncrypted, u.TimeoutSeconds, boolToInt(u.IsActive),
		u.Weight, marshalStrings(u.AllowedModels), marshalStringMap(u.ModelRedirects),
		marshalBreakerConfig(u.BreakerConfig), fmtTime(time.Now()),
		u.ID)
	if err != nil {
		return fmt.Errorf("failed to update upstream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *SQLUpstreamRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM upstreams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete upstream: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanUpstream(s scanner) (*models.Upstream, error) {
	var u models.Upstream
	var providerType string
	var isActive int
	var allowedModels, modelRedirects string
	var breakerConfig sql.NullString
	var createdAt, updatedAt sql.NullTime

	err := s.Scan(
		&u.ID, &u.Name, &providerType, &u.BaseURL, &u.APIKeyEncrypted,
		&u.TimeoutSeconds, &isActive, &u.Weight, &allowedModels, &modelRedirects,
		&breakerConfig, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.ProviderType = models.ProviderType(providerType)
	u.IsActive = isActive == 1
	if allowedModels != "" {
		if err := json.Unmarshal([]byte(allowedModels), &u.AllowedModels); err != nil {
			return nil, fmt.Errorf("unmarshal allowed_models for upstream %s: %w", u.ID, err)
		}
	}
	if modelRedirects != "" {
		if err := json.Unmarshal([]byte(modelRedirects), &u.ModelRedirects); err != nil {
			return nil, fmt.Errorf("unmarshal model_redirects for upstream %s: %w", u.ID, err)
		}
	}
	if breakerConfig.Valid && breakerConfig.String != "" {
		var bc models.BreakerConfig
		if err := json.Unmarshal([]byte(breakerConfig.String), &bc); err != nil {
			return nil, fmt.Errorf("unmarshal breaker_config for upstream %s: %w", u.ID, err)
		}
		u.BreakerConfig = &bc
	}
	if createdAt.Valid {
		u.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		u.UpdatedAt = updatedAt.Time
	} else {
		u.UpdatedAt = u.CreatedAt
	}
	return &u, nil
}

func scanUpstreams(rows *sql.Rows) ([]*models.Upstream, error) {
	var result []*models.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func marshalStringMap(v map[string]string) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func marshalBreakerConfig(c *models.BreakerConfig) any {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return string(b)
}
