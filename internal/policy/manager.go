package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/crewmarket/riskguard/internal/metrics"
)

// Manager owns the current policy and swaps it atomically on reload.
type Manager struct {
	cur    atomic.Pointer[Policy]
	v      *viper.Viper // nil when running on built-in defaults
	logger *slog.Logger

	mu    sync.Mutex
	hooks []func(*Policy)
}

// NewManager loads the policy file at path. An empty path runs on the
// built-in defaults; Watch is then a no-op.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}

	if path == "" {
		m.cur.Store(Default())
		return m, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	p, err := FromViper(v)
	if err != nil {
		return nil, fmt.Errorf("load policy file %s: %w", path, err)
	}
	m.v = v
	m.cur.Store(p)
	return m, nil
}

// NewManagerWith starts a Manager on an already compiled policy.
func NewManagerWith(p *Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}
	m.cur.Store(p)
	return m
}

// Current implements Provider.
func (m *Manager) Current() *Policy {
	return m.cur.Load()
}

// OnReload registers fn to run after every successful swap.
func (m *Manager) OnReload(fn func(*Policy)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Swap installs p. p must come from Compile.
func (m *Manager) Swap(p *Policy) {
	prev := m.cur.Swap(p)
	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version
	}
	m.logger.Info("risk policy swapped", "from_version", prevVersion, "to_version", p.Version)

	m.mu.Lock()
	hooks := make([]func(*Policy), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()
	for _, h := range hooks {
		h(p)
	}
}

// Reload re-decodes the watched file. On failure the current policy stays.
func (m *Manager) Reload() error {
	if m.v == nil {
		return nil
	}
	p, err := FromViper(m.v)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("rejected").Inc()
		m.logger.Error("risk policy reload rejected, keeping current policy",
			"version", m.Current().Version, "error", err)
		return err
	}
	m.Swap(p)
	return nil
}

// Watch reloads the policy whenever the file changes on disk.
func (m *Manager) Watch() {
	if m.v == nil {
		return
	}
	m.v.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("risk policy file changed", "file", event.Name, "op", event.Op.String())
		_ = m.Reload()
	})
	m.v.WatchConfig()
}
