package store

import "time"

// Result-compatible page payload.
type QueryPageModel[T any] struct {
	Page      int   `json:"page"`
	PageCount int   `json:"pageCount"`
	DataCount int64 `json:"dataCount"`
	PageSize  int   `json:"pageSize"`
	Data      []T   `json:"data"`
}

type PageRequest struct {
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
	Kind  string `json:"kind"`
}

// Recording is one indexed video file.
type Recording struct {
	ID        int64         `json:"id"`
	Path      string        `json:"path"`
	Name      string        `json:"name"`
	ChannelID string        `json:"channelId"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	FileSize  int64         `json:"fileSize"`
	Secrecy   int           `json:"secrecy"`
	Type      string        `json:"type"`
	Codecs    string        `json:"codecs"`
	ScannedAt time.Time     `json:"scannedAt"`
}

// LifecycleEvent is one registration or session state change.
type LifecycleEvent struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"eventId"`
	Kind       string    `json:"kind"`
	Subject    string    `json:"subject"`
	ChannelID  string    `json:"channelId,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Attempt    int       `json:"attempt"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type APIKey struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	KeyHash     string     `json:"-"`
	Description string     `json:"description"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}
