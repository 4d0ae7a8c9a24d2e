package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

// ChangeListener is told about every applied change with the config it
// replaced, so it can decide whether the gateway has to be rebuilt.
type ChangeListener func(old, next Config)

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{modTime: info.ModTime(), size: info.Size()}
}

// Manager owns the config file. Saves go through validation, and edits made
// on disk are picked up by polling while watching.
type Manager struct {
	path       string
	pollPeriod time.Duration

	mu        sync.RWMutex
	cfg       Config
	seen      fileStamp
	listeners []ChangeListener

	watchMu   sync.Mutex
	watchStop chan struct{}
	watchDone chan struct{}
}

func NewManager() (*Manager, error) {
	path, err := resolveConfigFilePath()
	if err != nil {
		return nil, err
	}
	return NewManagerAt(path)
}

// NewManagerAt loads the config file at path, creating it with defaults when
// it does not exist yet. A file that fails validation is refused at startup.
func NewManagerAt(path string) (*Manager, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg, stamp, err := readConfigFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = defaultConfig(path)
		stamp, err = writeConfigFile(path, cfg)
		if err == nil {
			log.Printf("[config] created default config at %s", path)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &Manager{path: path, pollPeriod: 2 * time.Second, cfg: cfg, seen: stamp}, nil
}

func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) AddListener(listener ChangeListener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Save validates, persists and applies cfg. An invalid config is rejected
// and the current one stays active.
func (m *Manager) Save(cfg Config) (Config, error) {
	cfg = normalizeConfig(cfg, m.path)
	cfg.ConfigFile = m.path
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	stamp, err := writeConfigFile(m.path, cfg)
	if err != nil {
		return Config{}, err
	}
	m.apply(cfg, stamp)
	return cfg, nil
}

func (m *Manager) StartWatching() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watchStop != nil {
		return
	}
	m.watchStop = make(chan struct{})
	m.watchDone = make(chan struct{})
	go m.watch(m.watchStop, m.watchDone)
}

func (m *Manager) StopWatching() {
	m.watchMu.Lock()
	stop, done := m.watchStop, m.watchDone
	m.watchStop, m.watchDone = nil, nil
	m.watchMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) watch(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.reloadIfChanged(); err != nil {
				log.Printf("[config][warn] hot reload failed: %v", err)
			}
		}
	}
}

// reloadIfChanged applies an edited file. A deleted file is written back
// from the active config rather than from defaults, so the gateway keeps its
// identity. A rejected edit is remembered and not retried until the file
// changes again.
func (m *Manager) reloadIfChanged() error {
	info, err := os.Stat(m.path)
	if errors.Is(err, os.ErrNotExist) {
		stamp, err := writeConfigFile(m.path, m.Current())
		if err != nil {
			return err
		}
		log.Printf("[config][warn] %s was removed, restored the active config", m.path)
		m.mu.Lock()
		m.seen = stamp
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	m.mu.RLock()
	unchanged := stampOf(info) == m.seen
	m.mu.RUnlock()
	if unchanged {
		return nil
	}

	cfg, stamp, err := readConfigFile(m.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		m.mu.Lock()
		m.seen = stampOf(info)
		m.mu.Unlock()
		return fmt.Errorf("rejected edited config: %w", err)
	}
	m.apply(cfg, stamp)
	return nil
}

func (m *Manager) apply(cfg Config, stamp fileStamp) {
	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	m.seen = stamp
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	if reflect.DeepEqual(old, cfg) {
		return
	}
	for _, l := range listeners {
		notify(l, old, cfg)
	}
}

func notify(l ChangeListener, old, next Config) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[config][warn] listener panic: %v", r)
		}
	}()
	l(old, next)
}

func readConfigFile(path string) (Config, fileStamp, error) {
	if path == "" {
		return Config{}, fileStamp{}, errors.New("empty config path")
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fileStamp{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, fileStamp{}, err
	}
	cfg := defaultConfig(path)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &cfg); err != nil {
			return Config{}, fileStamp{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg = normalizeConfig(cfg, path)
	cfg.ConfigFile = path
	return cfg, stampOf(info), nil
}

// writeConfigFile replaces the file atomically. It holds the SIP password,
// so it is readable by the owner only.
func writeConfigFile(path string, cfg Config) (fileStamp, error) {
	if path == "" {
		return fileStamp{}, errors.New("empty config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fileStamp{}, err
	}
	cfg = normalizeConfig(cfg, path)
	cfg.ConfigFile = path
	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fileStamp{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fileStamp{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fileStamp{}, err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fileStamp{}, err
	}
	if err := tmp.Close(); err != nil {
		return fileStamp{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fileStamp{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return stampOf(info), nil
}
