package store

import (
	"context"
	"database/sql"
	"time"
)

// ReplaceRecordings swaps the whole recording index in one transaction.
func (s *Store) ReplaceRecordings(ctx context.Context, items []Recording) error {
	now := formatSQLiteTime(time.Now())
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM recordings`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO recordings
			(path, name, channel_id, start_time, end_time, duration_ms, file_size, secrecy, record_type, codecs, scanned_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, item := range items {
			recordType := item.Type
			if recordType == "" {
				recordType = "time"
			}
			if _, err := stmt.ExecContext(ctx,
				item.Path, item.Name, item.ChannelID,
				formatSQLiteTime(item.StartTime), formatSQLiteTime(item.EndTime),
				item.Duration.Milliseconds(), item.FileSize, item.Secrecy, recordType, item.Codecs, now,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// QueryRecordings returns recordings overlapping [start, end], oldest first.
// A zero start or end leaves that side open.
func (s *Store) QueryRecordings(ctx context.Context, start time.Time, end time.Time, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 100
	}
	filter := "WHERE 1=1"
	args := make([]any, 0, 3)
	if !end.IsZero() {
		filter += " AND start_time <= ?"
		args = append(args, formatSQLiteTime(end))
	}
	if !start.IsZero() {
		filter += " AND end_time >= ?"
		args = append(args, formatSQLiteTime(start))
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `SELECT id, path, name, channel_id, start_time, end_time, duration_ms,
		file_size, secrecy, record_type, codecs, scanned_at FROM recordings `+filter+` ORDER BY start_time ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordings(rows, limit)
}

func (s *Store) ListRecordings(ctx context.Context, req PageRequest) (QueryPageModel[Recording], error) {
	req = normalizePage(req)
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM recordings`).Scan(&total); err != nil {
		return QueryPageModel[Recording]{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, path, name, channel_id, start_time, end_time, duration_ms,
		file_size, secrecy, record_type, codecs, scanned_at FROM recordings ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`,
		req.Limit, (req.Page-1)*req.Limit)
	if err != nil {
		return QueryPageModel[Recording]{}, err
	}
	defer rows.Close()
	items, err := scanRecordings(rows, req.Limit)
	if err != nil {
		return QueryPageModel[Recording]{}, err
	}
	return QueryPageModel[Recording]{
		Page:      req.Page,
		PageCount: len(items),
		DataCount: total,
		PageSize:  req.Limit,
		Data:      items,
	}, nil
}

func (s *Store) CountRecordings(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM recordings`).Scan(&total)
	return total, err
}

func scanRecordings(rows *sql.Rows, capacity int) ([]Recording, error) {
	items := make([]Recording, 0, capacity)
	for rows.Next() {
		var (
			item                        Recording
			startTime, endTime, scanned string
			durationMS                  int64
		)
		if err := rows.Scan(&item.ID, &item.Path, &item.Name, &item.ChannelID, &startTime, &endTime, &durationMS,
			&item.FileSize, &item.Secrecy, &item.Type, &item.Codecs, &scanned); err != nil {
			return nil, err
		}
		item.StartTime = parseSQLiteTime(startTime)
		item.EndTime = parseSQLiteTime(endTime)
		item.Duration = time.Duration(durationMS) * time.Millisecond
		item.ScannedAt = parseSQLiteTime(scanned)
		items = append(items, item)
	}
	return items, rows.Err()
}
