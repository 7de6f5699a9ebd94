package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"newswatch/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRestart   = time.Second
)

// Manager loads the config file and watches it for changes. Subscribers
// receive validated snapshots; a broken edit never replaces a good config.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu guards the subscriber list so publish never sends on a
	// channel that is concurrently being closed.
	subsMu sync.Mutex
	subs   []chan *Config
}

func NewManager(path string, log logx.Logger) *Manager {
	return &Manager{path: path, log: log}
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load parses and commits the file. Called once at startup.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Always deliver the latest snapshot: if the subscriber is slow,
		// drop one stale item and push the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.log.Debug("config update dropped (subscriber slow)")
			}
		}
	}
}

// Watch blocks until ctx is cancelled, reloading and publishing the config
// whenever the file changes. Editors replace files in odd ways, so events
// are matched by basename and debounced to avoid partial writes.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			cfg, err := m.Parse()
			if err != nil {
				m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
				return
			}
			h := hashConfig(cfg)
			m.mu.RLock()
			unchanged := h != 0 && h == m.lastHash
			m.mu.RUnlock()
			if unchanged {
				return
			}
			m.commit(cfg)
			m.publish(cfg)
			m.log.Info("config reloaded", logx.String("path", m.path))
		})
	}

	// The watcher can break (editor rename dances, backend quirks);
	// recreate it until the context ends.
	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
		}
		if err != nil {
			if w != nil {
				_ = w.Close()
			}
			m.log.Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(watchRestart):
				continue
			}
		}

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					reload()
				}
			case werr, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if werr != nil {
					m.log.Warn("config watch error", logx.Err(werr))
				}
			}
		}
		_ = w.Close()
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
