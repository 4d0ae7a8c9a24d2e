// Package logging tees the standard logger into a daily debug file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gbrestreamer/gateway/backend/config"
)

const filePrefix = "gateway-"

type Manager struct {
	mu      sync.Mutex
	file    *os.File
	logDir  string
	day     string
	enabled bool
	now     func() time.Time
}

func New(cfg config.Config) (*Manager, error) {
	manager := &Manager{now: time.Now}
	if err := manager.Update(cfg); err != nil {
		return nil, err
	}
	return manager, nil
}

// Update applies the debug-log switch of cfg. Disabling closes the file and
// logs to stdout only.
func (m *Manager) Update(cfg config.Config) error {
	opened, err := m.apply(cfg)
	if opened != "" {
		log.Printf("[logger] debug file logging enabled: %s", opened)
	}
	return err
}

// apply returns the file path when file logging was just switched on.
func (m *Manager) apply(cfg config.Config) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if !(cfg.EnableDebugLogs || cfg.DebugMode) {
		m.closeLocked()
		m.enabled = false
		m.logDir = ""
		log.SetOutput(os.Stdout)
		return "", nil
	}

	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	logDir := filepath.Join(dataDir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", err
	}
	if m.logDir != logDir {
		m.closeLocked()
	}
	m.logDir = logDir
	if err := m.rollLocked(); err != nil {
		m.enabled = false
		log.SetOutput(os.Stdout)
		return "", err
	}
	wasEnabled := m.enabled
	m.enabled = true
	log.SetOutput(io.MultiWriter(os.Stdout, m))
	if wasEnabled {
		return "", nil
	}
	return m.file.Name(), nil
}

// Write appends p to today's file, opening a new one when the date changed.
func (m *Manager) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return len(p), nil
	}
	if err := m.rollLocked(); err != nil {
		return 0, err
	}
	return m.file.Write(p)
}

func (m *Manager) rollLocked() error {
	day := m.now().Format("20060102")
	if m.file != nil && m.day == day {
		return nil
	}
	m.closeLocked()
	target := filepath.Join(m.logDir, filePrefix+day+".log")
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	m.file = file
	m.day = day
	return nil
}

func (m *Manager) closeLocked() {
	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}
	m.day = ""
}

// Path is the file currently written, or "" when file logging is off.
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ""
	}
	return m.file.Name()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stdout)
	m.enabled = false
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	m.day = ""
	return err
}
