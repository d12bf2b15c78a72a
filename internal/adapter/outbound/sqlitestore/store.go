// Package sqlitestore is a file-backed ConfigStore implementation using
// modernc.org/sqlite, the pure-Go driver that needs no cgo toolchain at
// build time. Rows are provisioned out of band (migration, admin tool,
// direct SQL); this package only reads.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcpmux/mcpmux/internal/domain/toolfilter"
	"github.com/mcpmux/mcpmux/internal/domain/upstream"
	"github.com/mcpmux/mcpmux/internal/port/outbound"
)

const createUpstreamsSchemaSQL = `
CREATE TABLE IF NOT EXISTS upstreams (
	project_id      TEXT NOT NULL,
	server_name     TEXT NOT NULL,
	transport       TEXT NOT NULL,
	command         TEXT NOT NULL DEFAULT '',
	args_json       TEXT NOT NULL DEFAULT '[]',
	env_json        TEXT NOT NULL DEFAULT '{}',
	url             TEXT NOT NULL DEFAULT '',
	headers_json    TEXT NOT NULL DEFAULT '{}',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	enabled         BOOLEAN NOT NULL DEFAULT 1,
	jwt_required    BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, server_name)
)`

const createToolPreferencesSchemaSQL = `
CREATE TABLE IF NOT EXISTS tool_preferences (
	project_id  TEXT NOT NULL,
	server_name TEXT NOT NULL,
	tool_name   TEXT NOT NULL,
	enabled     BOOLEAN NOT NULL,
	PRIMARY KEY (project_id, server_name, tool_name)
)`

// Store is a ConfigStore backed by a single sqlite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite only supports one writer at a time; a single connection
	// avoids "database is locked" errors under concurrent access.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, stmt := range []string{createUpstreamsSchemaSQL, createToolPreferencesSchemaSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListUpstreams implements outbound.ConfigStore.
func (s *Store) ListUpstreams(ctx context.Context, projectID string) ([]upstream.Def, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_name, transport, command, args_json, env_json, url,
		       headers_json, timeout_seconds, enabled, jwt_required
		FROM upstreams WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list upstreams: %w", err)
	}
	defer rows.Close()

	var defs []upstream.Def
	for rows.Next() {
		def, err := scanDef(rows.Scan, projectID)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// GetUpstream implements outbound.ConfigStore.
func (s *Store) GetUpstream(ctx context.Context, projectID, serverName string) (upstream.Def, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_name, transport, command, args_json, env_json, url,
		       headers_json, timeout_seconds, enabled, jwt_required
		FROM upstreams WHERE project_id = ? AND server_name = ?`, projectID, serverName)

	def, err := scanDef(row.Scan, projectID)
	if err == sql.ErrNoRows {
		return upstream.Def{}, outbound.ErrUpstreamNotFound
	}
	if err != nil {
		return upstream.Def{}, fmt.Errorf("get upstream: %w", err)
	}
	return def, nil
}

// ListToolPreferences implements outbound.ConfigStore.
func (s *Store) ListToolPreferences(ctx context.Context, projectID string) ([]outbound.ToolPreference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_name, tool_name, enabled FROM tool_preferences WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tool preferences: %w", err)
	}
	defer rows.Close()

	var prefs []outbound.ToolPreference
	for rows.Next() {
		var p outbound.ToolPreference
		p.ProjectID = projectID
		if err := rows.Scan(&p.ServerName, &p.ToolName, &p.Enabled); err != nil {
			return nil, fmt.Errorf("scan tool preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// IsEnabled implements toolfilter.Store directly against the same table
// ListToolPreferences reads, so the filter never needs its own store type.
func (s *Store) IsEnabled(ctx context.Context, projectID, serverName, toolName string) (enabled bool, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT enabled FROM tool_preferences
		WHERE project_id = ? AND server_name = ? AND tool_name = ?`, projectID, serverName, toolName)

	if err := row.Scan(&enabled); err != nil {
		if err == sql.ErrNoRows {
			return false, false, nil
		}
		return false, false, fmt.Errorf("lookup tool preference: %w", err)
	}
	return enabled, true, nil
}

func scanDef(scan func(dest ...any) error, projectID string) (upstream.Def, error) {
	var (
		def               upstream.Def
		argsJSON, envJSON string
		headersJSON       string
	)
	def.ProjectID = projectID

	if err := scan(&def.ServerName, &def.Transport, &def.Command, &argsJSON,
		&envJSON, &def.URL, &headersJSON, &def.TimeoutSeconds, &def.Enabled, &def.JWTRequired); err != nil {
		return upstream.Def{}, err
	}

	if err := json.Unmarshal([]byte(argsJSON), &def.Args); err != nil {
		return upstream.Def{}, fmt.Errorf("decode args for %s: %w", def.ServerName, err)
	}
	if err := json.Unmarshal([]byte(envJSON), &def.Env); err != nil {
		return upstream.Def{}, fmt.Errorf("decode env for %s: %w", def.ServerName, err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &def.Headers); err != nil {
		return upstream.Def{}, fmt.Errorf("decode headers for %s: %w", def.ServerName, err)
	}
	return def, nil
}

var (
	_ outbound.ConfigStore = (*Store)(nil)
	_ toolfilter.Store     = (*Store)(nil)
)
