// Package projectstore reads generated project files from the hosted
// relational store. It is the last fallback the orchestrator consults when a
// provisioning request has no inline payload and the snapshot cache misses.
package projectstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appdraft/preview-api/internal/sandbox"
)

// Store reads project file sets from Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against databaseURL and verifies the connection.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ListFiles returns the project's files ordered by path. An unknown project
// yields an empty list, not an error.
func (s *Store) ListFiles(ctx context.Context, projectID string) ([]sandbox.File, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, content, is_binary FROM project_files WHERE project_id = $1 ORDER BY path`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query project files: %w", err)
	}
	defer rows.Close()

	var files []sandbox.File
	for rows.Next() {
		var f sandbox.File
		if err := rows.Scan(&f.Path, &f.Content, &f.Binary); err != nil {
			return nil, fmt.Errorf("failed to scan project file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read project files: %w", err)
	}

	return files, nil
}
