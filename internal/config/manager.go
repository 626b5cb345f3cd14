package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 250 * time.Millisecond

// Manager holds the current configuration and reloads it when the file
// changes on disk.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config

	validator func(*Config) error
}

// NewManager returns a manager for path. An empty path means defaults only.
func NewManager(path string) *Manager {
	return &Manager{path: path, cfg: Default()}
}

// SetValidator installs an extra check run before a reloaded file is
// accepted.
func (m *Manager) SetValidator(fn func(*Config) error) { m.validator = fn }

func (m *Manager) parse() (*Config, uint64, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, 0, err
	}
	if m.validator != nil {
		if err := m.validator(cfg); err != nil {
			return nil, 0, err
		}
	}
	h := fnv.New64a()
	h.Write(b)
	return cfg, h.Sum64(), nil
}

// Load reads the file and makes it current.
func (m *Manager) Load() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, sum, err := m.parse()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = sum
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving each accepted reload. Slow
// subscribers only see the newest config.
func (m *Manager) Subscribe(buffer int) <-chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			log.Debug().Msg("config update dropped, subscriber slow")
		}
	}
}

func (m *Manager) reload() {
	cfg, sum, err := m.parse()
	if err != nil {
		log.Warn().Err(err).Str("path", m.path).Msg("config reload rejected")
		return
	}
	m.mu.Lock()
	if sum == m.lastHash {
		m.mu.Unlock()
		return
	}
	m.cfg = cfg
	m.lastHash = sum
	m.mu.Unlock()

	log.Info().Str("path", m.path).Msg("config reloaded")
	m.publish(cfg)
}

// Watch reloads the file on change until ctx is done. Editors that replace
// the file are handled by watching the directory.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, m.reload)
			timerMu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
		}
	}
}
