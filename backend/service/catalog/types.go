package catalog

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type SourceKind string

const (
	SourceFile SourceKind = "file"
	SourceRTSP SourceKind = "rtsp"
	// SourceRecording plays a recorded file once from Offset, for playback
	// requests. It never appears in the catalog.
	SourceRecording SourceKind = "recording"
)

// SourceDescriptor tells the media engine where a channel's media comes from.
type SourceDescriptor struct {
	Kind SourceKind `json:"kind"`
	Path string     `json:"path,omitempty"`
	URI  string     `json:"uri,omitempty"`
	Name string     `json:"name,omitempty"`

	Offset time.Duration `json:"offset,omitempty"`
}

func FileSource(path string, name string) SourceDescriptor {
	return SourceDescriptor{Kind: SourceFile, Path: path, Name: name}
}

func RecordingSource(path string, name string, offset time.Duration) SourceDescriptor {
	if offset < 0 {
		offset = 0
	}
	return SourceDescriptor{Kind: SourceRecording, Path: path, Name: name, Offset: offset}
}

func RTSPSource(uri string, name string) SourceDescriptor {
	return SourceDescriptor{Kind: SourceRTSP, URI: uri, Name: name}
}

// Locator is the path or URI, whichever the kind uses.
func (s SourceDescriptor) Locator() string {
	if s.Kind == SourceRTSP {
		return s.URI
	}
	return s.Path
}

func (s SourceDescriptor) key() string {
	return string(s.Kind) + "|" + s.Locator()
}

func (s SourceDescriptor) Validate() error {
	switch s.Kind {
	case SourceFile, SourceRecording:
		if strings.TrimSpace(s.Path) == "" {
			return errors.New("file source without path")
		}
	case SourceRTSP:
		if strings.TrimSpace(s.URI) == "" {
			return errors.New("rtsp source without uri")
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}

// DisplayName falls back to the file base name or the URI host.
func (s SourceDescriptor) DisplayName() string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	if s.Kind != SourceRTSP {
		base := filepath.Base(s.Path)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	uri := strings.TrimPrefix(strings.TrimPrefix(s.URI, "rtsps://"), "rtsp://")
	if at := strings.LastIndex(uri, "@"); at >= 0 {
		uri = uri[at+1:]
	}
	if slash := strings.Index(uri, "/"); slash > 0 {
		uri = uri[:slash]
	}
	return uri
}

type Status string

const (
	StatusOn  Status = "ON"
	StatusOff Status = "OFF"
)

// Device is the gateway's own catalog entry. It is the parent of every channel.
type Device struct {
	DeviceID     string `json:"deviceId"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Firmware     string `json:"firmware"`
	Owner        string `json:"owner"`
	CivilCode    string `json:"civilCode"`
	Address      string `json:"address"`
	MaxCamera    int    `json:"maxCamera"`
	MaxAlarm     int    `json:"maxAlarm"`
}

type Channel struct {
	ChannelID   string           `json:"channelId"`
	Index       int              `json:"index"`
	DisplayName string           `json:"displayName"`
	Source      SourceDescriptor `json:"source"`
	Status      Status           `json:"status"`
	ParentID    string           `json:"parentId"`
	// Descriptive fields inherited from the device entry.
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Owner        string `json:"owner"`
	CivilCode    string `json:"civilCode"`
	Address      string `json:"address"`
}

// Snapshot is a read-only copy of the catalog. Callers may keep it and
// serialize it without holding any lock.
type Snapshot struct {
	Device     Device    `json:"device"`
	Channels   []Channel `json:"channels"`
	Generation uint64    `json:"generation"`
	BuiltAt    time.Time `json:"builtAt"`
}

// Find returns the channel with channelID.
func (s Snapshot) Find(channelID string) (Channel, bool) {
	for _, ch := range s.Channels {
		if ch.ChannelID == channelID {
			return ch, true
		}
	}
	return Channel{}, false
}
