package store

import (
	"context"
	"strings"
)

func (s *Store) InsertLifecycleEvent(ctx context.Context, ev LifecycleEvent) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO lifecycle_events
		(event_id, kind, subject, channel_id, from_state, to_state, attempt, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.Kind, ev.Subject, ev.ChannelID, ev.From, ev.To, ev.Attempt, ev.Reason, formatSQLiteTime(ev.OccurredAt))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListLifecycleEvents pages events newest first, optionally filtered by kind.
func (s *Store) ListLifecycleEvents(ctx context.Context, req PageRequest) (QueryPageModel[LifecycleEvent], error) {
	req = normalizePage(req)
	filter := "WHERE 1=1"
	args := make([]any, 0, 3)
	if kind := strings.TrimSpace(req.Kind); kind != "" {
		filter += " AND kind = ?"
		args = append(args, kind)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM lifecycle_events "+filter, args...).Scan(&total); err != nil {
		return QueryPageModel[LifecycleEvent]{}, err
	}
	args = append(args, req.Limit, (req.Page-1)*req.Limit)
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_id, kind, subject, channel_id, from_state, to_state, attempt, reason, occurred_at
		FROM lifecycle_events `+filter+` ORDER BY id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return QueryPageModel[LifecycleEvent]{}, err
	}
	defer rows.Close()
	items := make([]LifecycleEvent, 0, req.Limit)
	for rows.Next() {
		var item LifecycleEvent
		var occurredAt string
		if err := rows.Scan(&item.ID, &item.EventID, &item.Kind, &item.Subject, &item.ChannelID,
			&item.From, &item.To, &item.Attempt, &item.Reason, &occurredAt); err != nil {
			return QueryPageModel[LifecycleEvent]{}, err
		}
		item.OccurredAt = parseSQLiteTime(occurredAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return QueryPageModel[LifecycleEvent]{}, err
	}
	return QueryPageModel[LifecycleEvent]{
		Page:      req.Page,
		PageCount: len(items),
		DataCount: total,
		PageSize:  req.Limit,
		Data:      items,
	}, nil
}

// PruneLifecycleEvents keeps the newest keep rows.
func (s *Store) PruneLifecycleEvents(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM lifecycle_events WHERE id NOT IN
		(SELECT id FROM lifecycle_events ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
