package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

// SQLAPIKeyRepository implements APIKeyRepository using database/sql.
type SQLAPIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new SQLAPIKeyRepository.
func NewAPIKeyRepository(db *sql.DB) *SQLAPIKeyRepository {
	return &SQLAPIKeyRepository{db: db}
}

const apiKeyColumns = `id, name, key_prefix, key_hash, salt, is_active,
	expires_at, created_at, last_used_at`

func (r *SQLAPIKeyRepository) FindActiveByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE key_prefix = ? AND is_active = 1
		 ORDER BY created_at, id`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys, err := scanAPIKeys(rows)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := r.loadAllowedUpstreams(ctx, k); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (r *SQLAPIKeyRepository) FindByID(ctx context.Context, id string) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	key, err := scanAPIKey(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadAllowedUpstreams(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (r *SQLAPIKeyRepository) FindAll(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys, err := scanAPIKeys(rows)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := r.loadAllowedUpstreams(ctx, k); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (r *SQLAPIKeyRepository) Insert(ctx context.Context, key *models.APIKey) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_prefix, key_hash, salt, is_active, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyPrefix, key.KeyHash, key.Salt,
		boolToInt(key.IsActive), fmtTimePtr(key.ExpiresAt), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}

	for _, uid := range key.AllowedUpstreamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_upstreams (api_key_id, upstream_id) VALUES (?, ?)`,
			key.ID, uid); err != nil {
			return fmt.Errorf("failed to insert api_key_upstream: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (r *SQLAPIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, fmtTime(time.Now()), id)
	return err
}

func (r *SQLAPIKeyRepository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
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

func (r *SQLAPIKeyRepository) SetAllowedUpstreams(ctx context.Context, id string, upstreamIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM api_key_upstreams WHERE api_key_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear api_key_upstreams: %w", err)
	}
	for _, uid := range upstreamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_upstreams (api_key_id, upstream_id) VALUES (?, ?)`,
			id, uid); err != nil {
			return fmt.Errorf("failed to insert api_key_upstream: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (r *SQLAPIKeyRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
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

func (r *SQLAPIKeyRepository) loadAllowedUpstreams(ctx context.Context, key *models.APIKey) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT upstream_id FROM api_key_upstreams WHERE api_key_id = ? ORDER BY upstream_id`,
		key.ID)
	if err != nil {
		return fmt.Errorf("failed to load allowed upstreams for key %s: %w", key.ID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	key.AllowedUpstreamIDs = ids
	return rows.Err()
}

func scanAPIKey(s scanner) (*models.APIKey, error) {
	var k models.APIKey
	var isActive int
	var expiresAt, createdAt, lastUsedAt sql.NullTime

	err := s.Scan(
		&k.ID, &k.Name, &k.KeyPrefix, &k.KeyHash, &k.Salt,
		&isActive, &expiresAt, &createdAt, &lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	k.IsActive = isActive == 1
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if createdAt.Valid {
		k.CreatedAt = createdAt.Time
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}

func scanAPIKeys(rows *sql.Rows) ([]*models.APIKey, error) {
	var result []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}
