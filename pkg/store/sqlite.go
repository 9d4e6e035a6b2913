package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SQLite keeps every saved version of a document as a snapshot and points the document at the latest.
type SQLite struct {
	database *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite does not like concurrent writers
	db.SetMaxOpenConns(1)
	s := &SQLite{database: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		snapshot_id text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS snapshots (
		id text not null primary key,
		document_id text not null,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

func (s *SQLite) Create(ctx context.Context, id string, content []byte) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE id = ?`, id).Scan(&existing); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, id)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to query: %w", err)
	}

	snapshotID, err := insertSnapshot(ctx, tx, id, content)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents(id, snapshot_id) VALUES (?, ?)`, id, snapshotID); err != nil {
		return fmt.Errorf("failed to persist document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, id string) ([]byte, error) {
	var rawContent string
	if err := s.database.QueryRowContext(ctx,
		`SELECT content FROM snapshots sn INNER JOIN documents d ON sn.id = d.snapshot_id WHERE d.id = ?`,
		id,
	).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	content, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to base64 decode: %w", err)
	}
	return content, nil
}

func (s *SQLite) Save(ctx context.Context, id string, content []byte) (bool, error) {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx,
		`SELECT content FROM snapshots sn INNER JOIN documents d ON sn.id = d.snapshot_id WHERE d.id = ?`,
		id,
	).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return false, fmt.Errorf("failed to query: %w", err)
	}
	if current == base64.StdEncoding.EncodeToString(content) {
		return false, nil
	}

	snapshotID, err := insertSnapshot(ctx, tx, id, content)
	if err != nil {
		return false, err
	}
	if res, err := tx.ExecContext(ctx, `UPDATE documents SET snapshot_id = ? WHERE id = ?`, snapshotID, id); err != nil {
		return false, fmt.Errorf("failed to persist document: %w", err)
	} else if r, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("failed to count rows affected by document update: %w", err)
	} else if r == 0 {
		return false, fmt.Errorf("no rows updated by document update")
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Snapshots returns the ids of every saved version of a document, oldest first.
func (s *SQLite) Snapshots(ctx context.Context, id string) ([]string, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id FROM snapshots WHERE document_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var snapshotID string
		if err := rows.Scan(&snapshotID); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		ids = append(ids, snapshotID)
	}
	return ids, rows.Err()
}

func (s *SQLite) Close() error {
	return s.database.Close()
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, documentID string, content []byte) (string, error) {
	snapshotID := ulid.Make().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(id, document_id, content) VALUES (?, ?, ?)`,
		snapshotID, documentID, base64.StdEncoding.EncodeToString(content),
	); err != nil {
		return "", fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return snapshotID, nil
}
