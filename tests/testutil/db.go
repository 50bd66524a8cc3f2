// Package testutil provides test helpers and fixtures for the LLM gateway.
package testutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/user/llm-gateway-go/internal/database"
)

// NewTestDB creates an in-memory SQLite database with the full gateway
// schema. The database is closed automatically when the test completes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_foreign_keys=ON")
	require.NoError(t, err, "failed to open test database")

	// A second pool connection would open a fresh empty memory database.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		db.Close()
	})

	err = database.RunMigrations(db, zap.NewNop())
	require.NoError(t, err, "failed to run migrations")

	return db
}

// SeedTestData populates the database with sample upstreams and API keys.
//
// Upstreams (created_at ascending, so provider lookups return them in this order):
//
//	up-openai-a    openai-primary    openai     active, weight 2
//	up-openai-b    openai-backup     openai     active, weight 1, allowed_models + redirect
//	up-anthropic-a anthropic-primary anthropic  active, weight 1
//	up-inactive    openai-retired    openai     inactive
//
// API keys:
//
//	key-admin   prefix sk-gw-admin1 active, no upstream restriction
//	key-limited prefix sk-gw-limit1 active, restricted to up-openai-a
//	key-revoked prefix sk-gw-admin1 inactive (same prefix as key-admin)
func SeedTestData(t *testing.T, db *sql.DB) {
	t.Helper()

	_, err := db.Exec(`
		INSERT INTO upstreams (id, name, provider_type, base_url, api_key_encrypted,
			timeout_seconds, is_active, weight, allowed_models, model_redirects, created_at, updated_at)
		VALUES
			('up-openai-a', 'openai-primary', 'openai', 'https://api.openai.com/v1', '',
				120, 1, 2, '[]', '{}', '2024-01-01 00:00:00', '2024-01-01 00:00:00'),
			('up-openai-b', 'openai-backup', 'openai', 'https://backup.example.com/v1', '',
				120, 1, 1, '["gpt-4","gpt-4o"]', '{"gpt-4-turbo":"gpt-4"}', '2024-01-02 00:00:00', '2024-01-02 00:00:00'),
			('up-anthropic-a', 'anthropic-primary', 'anthropic', 'https://api.anthropic.com', '',
				120, 1, 1, '[]', '{}', '2024-01-03 00:00:00', '2024-01-03 00:00:00'),
			('up-inactive', 'openai-retired', 'openai', 'https://old.example.com/v1', '',
				120, 0, 1, '[]', '{}', '2024-01-04 00:00:00', '2024-01-04 00:00:00')
	`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO api_keys (id, name, key_prefix, key_hash, salt, is_active, created_at)
		VALUES
			('key-admin', 'Admin Key', 'sk-gw-admin1', 'hash-admin', 'salt-admin', 1, '2024-01-01 00:00:00'),
			('key-limited', 'Limited Key', 'sk-gw-limit1', 'hash-limited', 'salt-limited', 1, '2024-01-02 00:00:00'),
			('key-revoked', 'Revoked Key', 'sk-gw-admin1', 'hash-revoked', 'salt-revoked', 0, '2024-01-03 00:00:00')
	`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO api_key_upstreams (api_key_id, upstream_id)
		VALUES ('key-limited', 'up-openai-a')
	`)
	require.NoError(t, err)
}
