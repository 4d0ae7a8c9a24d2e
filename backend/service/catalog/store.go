// Package catalog owns the device/channel hierarchy exposed to the platform.
package catalog

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	ErrInvalidDeviceID = errors.New("device id must be a 20-digit GB28181 code")
	ErrUnknownChannel  = errors.New("unknown channel")
)

// Store is the single owner of the channel set. Rebuild is the only path
// that replaces channels; readers get copies through Snapshot.
type Store struct {
	mu         sync.RWMutex
	device     Device
	channels   []Channel
	index      map[string]int
	offline    map[string]struct{} // keyed by source
	generation uint64
	builtAt    time.Time
	now        func() time.Time
}

func New(device Device) (*Store, error) {
	if !isGBCode(device.DeviceID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeviceID, device.DeviceID)
	}
	if device.CivilCode == "" {
		device.CivilCode = CivilCode(device.DeviceID)
	}
	return &Store{
		device:  device,
		index:   make(map[string]int),
		offline: make(map[string]struct{}),
		now:     time.Now,
	}, nil
}

func (s *Store) Device() Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

// Rebuild replaces the channel set with one channel per source, in order.
// Sources repeating an earlier locator are skipped. Off status follows the
// source, not the channel index, and lasts while the source stays in the
// inventory.
func (s *Store) Rebuild(sources []SourceDescriptor) (Snapshot, error) {
	device := s.Device()
	deviceID := device.DeviceID

	channels := make([]Channel, 0, len(sources))
	index := make(map[string]int, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if err := src.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("rebuild catalog: %w", err)
		}
		key := src.key()
		if _, dup := seen[key]; dup {
			log.Printf("[catalog][warn] duplicate source skipped: %s", src.Locator())
			continue
		}
		seen[key] = struct{}{}
		channelID, err := DeriveChannelID(deviceID, len(channels)+1)
		if err != nil {
			return Snapshot{}, fmt.Errorf("rebuild catalog: %w", err)
		}
		index[channelID] = len(channels)
		channels = append(channels, Channel{
			ChannelID:    channelID,
			Index:        len(channels) + 1,
			DisplayName:  src.DisplayName(),
			Source:       src,
			Status:       StatusOn,
			ParentID:     deviceID,
			Manufacturer: device.Manufacturer,
			Model:        device.Model,
			Owner:        device.Owner,
			CivilCode:    device.CivilCode,
			Address:      device.Address,
		})
	}

	s.mu.Lock()
	offline := make(map[string]struct{}, len(s.offline))
	for i := range channels {
		key := channels[i].Source.key()
		if _, ok := s.offline[key]; ok {
			channels[i].Status = StatusOff
			offline[key] = struct{}{}
		}
	}
	s.channels = channels
	s.index = index
	s.offline = offline
	s.generation++
	s.builtAt = s.now()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return snap, nil
}

// Snapshot returns a consistent copy of the device and all channels.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	channels := make([]Channel, len(s.channels))
	copy(channels, s.channels)
	return Snapshot{
		Device:     s.device,
		Channels:   channels,
		Generation: s.generation,
		BuiltAt:    s.builtAt,
	}
}

func (s *Store) Lookup(channelID string) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[channelID]
	if !ok {
		return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	return s.channels[pos], nil
}

// SetStatus flips a channel On or Off. Off survives rebuilds.
func (s *Store) SetStatus(channelID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[channelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	s.channels[pos].Status = status
	key := s.channels[pos].Source.key()
	if status == StatusOff {
		s.offline[key] = struct{}{}
	} else {
		delete(s.offline, key)
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}
