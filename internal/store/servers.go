// ABOUTME: Tool server definitions stored in SQLite
// ABOUTME: CRUD for runtime-managed remote tool servers with JSON-encoded headers, args and env

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const toolServerColumns = `id, name, transport, url, headers_json, command, args_json, env_json, is_active, owner, created_at, updated_at`

// CreateToolServer stores a new tool server definition.
// Generates ID and timestamps if not set.
func (s *SQLiteStore) CreateToolServer(ctx context.Context, srv *ToolServer) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	if srv.UpdatedAt.IsZero() {
		srv.UpdatedAt = srv.CreatedAt
	}

	headers, args, env, err := encodeServerFields(srv)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tool_servers (` + toolServerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		srv.ID,
		srv.Name,
		srv.Transport,
		srv.URL,
		headers,
		srv.Command,
		args,
		env,
		srv.IsActive,
		srv.Owner,
		srv.CreatedAt.UTC().Format(time.RFC3339),
		srv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateServer
		}
		return fmt.Errorf("inserting tool server: %w", err)
	}

	s.logger.Debug("created tool server", "id", srv.ID, "name", srv.Name, "transport", srv.Transport)
	return nil
}

// GetToolServer retrieves a tool server by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetToolServer(ctx context.Context, id string) (*ToolServer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolServerColumns+` FROM tool_servers WHERE id = ?`, id)
	srv, err := scanToolServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// GetToolServerByName retrieves a tool server by its unique name.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetToolServerByName(ctx context.Context, name string) (*ToolServer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolServerColumns+` FROM tool_servers WHERE name = ?`, name)
	srv, err := scanToolServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// ListToolServers returns tool servers ordered by name.
func (s *SQLiteStore) ListToolServers(ctx context.Context, filter ToolServerFilter) ([]*ToolServer, error) {
	query := `
		SELECT ` + toolServerColumns + `
		FROM tool_servers
		WHERE (? = 0 OR is_active = 1)
		  AND (? IS NULL OR owner = ?)
		ORDER BY name ASC
	`
	rows, err := s.db.QueryContext(ctx, query, filter.ActiveOnly, filter.Owner, filter.Owner)
	if err != nil {
		return nil, fmt.Errorf("querying tool servers: %w", err)
	}
	defer rows.Close()

	var servers []*ToolServer
	for rows.Next() {
		srv, err := scanToolServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool servers: %w", err)
	}
	return servers, nil
}

// UpdateToolServer replaces the mutable fields of a stored definition and
// bumps UpdatedAt. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateToolServer(ctx context.Context, srv *ToolServer) error {
	srv.UpdatedAt = time.Now().UTC()

	headers, args, env, err := encodeServerFields(srv)
	if err != nil {
		return err
	}

	query := `
		UPDATE tool_servers
		SET name = ?, transport = ?, url = ?, headers_json = ?, command = ?, args_json = ?,
		    env_json = ?, is_active = ?, owner = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		srv.Name,
		srv.Transport,
		srv.URL,
		headers,
		srv.Command,
		args,
		env,
		srv.IsActive,
		srv.Owner,
		srv.UpdatedAt.Format(time.RFC3339),
		srv.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateServer
		}
		return fmt.Errorf("updating tool server: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated tool server", "id", srv.ID, "name", srv.Name, "active", srv.IsActive)
	return nil
}

// DeleteToolServer removes a tool server definition.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteToolServer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tool server: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted tool server", "id", id)
	return nil
}

func encodeServerFields(srv *ToolServer) (headers, args, env *string, err error) {
	if headers, err = encodeJSON(srv.Headers, len(srv.Headers)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling headers: %w", err)
	}
	if args, err = encodeJSON(srv.Args, len(srv.Args)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling args: %w", err)
	}
	if env, err = encodeJSON(srv.Env, len(srv.Env)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling env: %w", err)
	}
	return headers, args, env, nil
}

// encodeJSON returns nil for empty values so the column stays NULL.
func encodeJSON(v any, n int) (*string, error) {
	if n == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func decodeJSON(col *string, dst any) error {
	if col == nil || *col == "" {
		return nil
	}
	return json.Unmarshal([]byte(*col), dst)
}

// scanToolServer scans a row into a ToolServer.
func scanToolServer(scanner interface{ Scan(dest ...any) error }) (*ToolServer, error) {
	var srv ToolServer
	var headers, args, env *string
	var createdAtStr, updatedAtStr string

	if err := scanner.Scan(
		&srv.ID,
		&srv.Name,
		&srv.Transport,
		&srv.URL,
		&headers,
		&srv.Command,
		&args,
		&env,
		&srv.IsActive,
		&srv.Owner,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning tool server: %w", err)
	}

	if err := decodeJSON(headers, &srv.Headers); err != nil {
		return nil, fmt.Errorf("unmarshaling headers: %w", err)
	}
	if err := decodeJSON(args, &srv.Args); err != nil {
		return nil, fmt.Errorf("unmarshaling args: %w", err)
	}
	if err := decodeJSON(env, &srv.Env); err != nil {
		return nil, fmt.Errorf("unmarshaling env: %w", err)
	}

	var err error
	if srv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if srv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &srv, nil
}
