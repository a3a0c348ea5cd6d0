package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/craigderington/portswitch/pkg/types"
)

// ErrNotFound is returned when a named target or setting does not exist
var ErrNotFound = errors.New("not found")

const proxyConfigKey = "proxy_config"

// SQLiteStore persists saved forward targets and the last applied proxy configuration
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite storage backend
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		name TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL -- JSON
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveTarget inserts or replaces a named target. CreatedAt is kept for existing names.
func (s *SQLiteStore) SaveTarget(ctx context.Context, target *types.NamedTarget) error {
	name := strings.TrimSpace(target.Name)
	if name == "" {
		return errors.New("target name is required")
	}

	now := time.Now().UTC()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	target.UpdatedAt = now

	query := `
		INSERT INTO targets (name, host, port, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		name,
		target.Target.Host,
		target.Target.Port,
		target.CreatedAt,
		target.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save target: %w", err)
	}

	return nil
}

// GetTarget retrieves a named target
func (s *SQLiteStore) GetTarget(ctx context.Context, name string) (*types.NamedTarget, error) {
	query := `
		SELECT name, host, port, created_at, updated_at
		FROM targets
		WHERE name = ?
	`

	target, err := scanTarget(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("target %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}

	return target, nil
}

// ListTargets retrieves all named targets ordered by name
func (s *SQLiteStore) ListTargets(ctx context.Context) ([]*types.NamedTarget, error) {
	query := `
		SELECT name, host, port, created_at, updated_at
		FROM targets
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	targets := []*types.NamedTarget{}
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, target)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return targets, nil
}

// DeleteTarget removes a named target
func (s *SQLiteStore) DeleteTarget(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("target %q: %w", name, ErrNotFound)
	}

	return nil
}

// SaveConfig stores the last successfully applied proxy configuration
func (s *SQLiteStore) SaveConfig(ctx context.Context, config types.ProxyConfig) error {
	value, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`,
		proxyConfigKey, string(value),
	)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// LoadConfig returns the stored proxy configuration, or ErrNotFound if none was saved
func (s *SQLiteStore) LoadConfig(ctx context.Context) (types.ProxyConfig, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, proxyConfigKey,
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return types.ProxyConfig{}, fmt.Errorf("proxy config: %w", ErrNotFound)
	}
	if err != nil {
		return types.ProxyConfig{}, fmt.Errorf("failed to load config: %w", err)
	}

	var config types.ProxyConfig
	if err := json.Unmarshal([]byte(value), &config); err != nil {
		return types.ProxyConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (*types.NamedTarget, error) {
	var target types.NamedTarget
	err := row.Scan(
		&target.Name,
		&target.Target.Host,
		&target.Target.Port,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &target, nil
}
