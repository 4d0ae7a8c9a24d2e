package session

import (
	"context"
	"errors"
	"time"

	"gbrestreamer/gateway/backend/config"
	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/signaling"
)

type State string

const (
	StateIdle         State = "Idle"
	StateResolving    State = "Resolving"
	StateConnecting   State = "Connecting"
	StateStreaming    State = "Streaming"
	StateDegraded     State = "Degraded"
	StateReconnecting State = "Reconnecting"
	StateStopping     State = "Stopping"
	StateStopped      State = "Stopped"
	StateFailed       State = "Failed"
)

func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

var (
	ErrAlreadyActive  = errors.New("channel already has an active session")
	ErrUnknownSession = errors.New("unknown session")
	ErrClosed         = errors.New("session supervisor is closed")
	ErrInvalidRequest = errors.New("invalid session request")

	// ErrMediaEnded is reported by an engine whose finite source played to the end.
	ErrMediaEnded = errors.New("media source ended")
)

// Handle identifies a running media pipeline inside the engine.
type Handle string

// Engine runs media pipelines. It never sees or mutates session state.
type Engine interface {
	StartSession(ctx context.Context, source catalog.SourceDescriptor, dest signaling.Destination, ssrc string) (Handle, error)
	StopSession(ctx context.Context, handle Handle) error
	PollHealth(ctx context.Context, handle Handle) (bool, error)
}

// Resolver finds the channel a session streams.
type Resolver interface {
	Lookup(channelID string) (catalog.Channel, error)
}

type Options struct {
	AllowConcurrent bool
	MaxRetries      int
	RetryBase       time.Duration
	RetryMax        time.Duration
	RetryJitter     float64
	HealthInterval  time.Duration
	HealthGrace     time.Duration
	StartTimeout    time.Duration
	StopTimeout     time.Duration
	PollTimeout     time.Duration
	HistorySize     int
	// SSRCDomain is the 5-digit domain part of generated SSRCs.
	SSRCDomain string
}

func OptionsFromConfig(cfg config.Config) Options {
	s := cfg.Session
	domain := "00000"
	if len(cfg.Device.DeviceID) >= 8 {
		domain = cfg.Device.DeviceID[3:8]
	}
	return Options{
		AllowConcurrent: s.AllowConcurrent,
		MaxRetries:      s.MaxRetries,
		RetryBase:       s.RetryBase.D(),
		RetryMax:        s.RetryMax.D(),
		RetryJitter:     s.RetryJitter,
		HealthInterval:  s.HealthInterval.D(),
		HealthGrace:     s.HealthGrace.D(),
		StartTimeout:    s.StartTimeout.D(),
		StopTimeout:     s.StopTimeout.D(),
		PollTimeout:     s.PollTimeout.D(),
		HistorySize:     s.HistorySize,
		SSRCDomain:      domain,
	}
}

// ReasonMediaEnded is the Stopped reason of a session whose source finished.
const ReasonMediaEnded = "media ended"

// StartRequest asks for a session. A non-nil Source replaces the channel's
// own source and does not occupy the channel; playback uses it.
type StartRequest struct {
	SessionID   string                    `json:"sessionId"`
	ChannelID   string                    `json:"channelId"`
	Destination signaling.Destination     `json:"destination"`
	SSRC        string                    `json:"ssrc"`
	Source      *catalog.SourceDescriptor `json:"-"`
}

// Info is a point-in-time copy of one session.
type Info struct {
	SessionID    string                `json:"sessionId"`
	ChannelID    string                `json:"channelId"`
	Source       string                `json:"source"`
	Playback     bool                  `json:"playback,omitempty"`
	Destination  signaling.Destination `json:"destination"`
	SSRC         string                `json:"ssrc"`
	Handle       Handle                `json:"handle,omitempty"`
	State        State                 `json:"state"`
	Attempt      int                   `json:"attempt"`
	NextRetryAt  *time.Time            `json:"nextRetryAt,omitempty"`
	LastHealthAt *time.Time            `json:"lastHealthAt,omitempty"`
	StartedAt    time.Time             `json:"startedAt"`
	EndedAt      *time.Time            `json:"endedAt,omitempty"`
	LastError    string                `json:"lastError,omitempty"`
}

// Event reports one state change of one session.
type Event struct {
	SessionID string    `json:"sessionId"`
	ChannelID string    `json:"channelId"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Attempt   int       `json:"attempt"`
	At        time.Time `json:"at"`
	Reason    string    `json:"reason,omitempty"`
	Playback  bool      `json:"playback,omitempty"`
}
