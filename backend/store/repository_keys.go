package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

func (s *Store) CreateAPIKey(ctx context.Context, name string, keyHash string, description string) (*APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(keyHash) == "" {
		return nil, errors.New("api key name and hash are required")
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (name, key_hash, description, created_at) VALUES (?, ?, ?, ?)`,
		name, keyHash, description, formatSQLiteTime(now))
	if err != nil {
		return nil, err
	}
	id, _ := result.LastInsertId()
	return &APIKey{ID: id, Name: name, KeyHash: keyHash, Description: description, CreatedAt: now}, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, key_hash, description, last_used_at, created_at FROM api_keys ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]APIKey, 0)
	for rows.Next() {
		var item APIKey
		var lastUsed sql.NullString
		var createdAt string
		if err := rows.Scan(&item.ID, &item.Name, &item.KeyHash, &item.Description, &lastUsed, &createdAt); err != nil {
			return nil, err
		}
		if lastUsed.Valid && lastUsed.String != "" {
			t := parseSQLiteTime(lastUsed.String)
			item.LastUsedAt = &t
		}
		item.CreatedAt = parseSQLiteTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) TouchAPIKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, formatSQLiteTime(time.Now()), id)
	return err
}

func (s *Store) DeleteAPIKey(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE name=?`, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}
