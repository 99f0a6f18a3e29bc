package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/logging/channel"
	"github.com/Chichichkin/LogChannel/internal/logging/serializer"
	"github.com/Chichichkin/LogChannel/internal/logging/storage"
)

const enabledKeyPrefix = "enabled_"

// Host is what a started service receives from the composition root.
type Host struct {
	Channel     *channel.Channel
	Preferences *storage.Preferences
	Logger      *zap.Logger
	// Overrides replace the non-zero fields of a service's default group
	// policy, keyed by group name.
	Overrides map[string]channel.GroupConfig
}

// Service is a feature that owns one channel group.
type Service interface {
	Name() string
	Group() string
	LogFactories() map[string]serializer.Factory
	OnStarted(ctx context.Context, host Host) error
	SetEnabled(ctx context.Context, enabled bool)
	IsEnabled(ctx context.Context) bool
}

// Base implements the group bookkeeping shared by services. Embedders pass
// their channel listener to Start and call Enqueue to emit logs.
type Base struct {
	name   string
	group  string
	policy channel.GroupConfig

	mu   sync.Mutex
	host *Host
}

func NewBase(name, group string, policy channel.GroupConfig) *Base {
	return &Base{name: name, group: group, policy: policy}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Group() string {
	return b.group
}

// Start registers the group. A service persisted as disabled registers its
// group disabled, so what a previous run stored is purged and never sent.
func (b *Base) Start(ctx context.Context, host Host, listener logging.Listener) {
	if host.Logger == nil {
		host.Logger = zap.NewNop()
	}
	host.Logger = host.Logger.With(zap.String("service", b.name))

	b.mu.Lock()
	b.host = &host
	b.mu.Unlock()

	cfg := b.groupConfig(host.Overrides)
	cfg.Disabled = !b.IsEnabled(ctx)
	host.Channel.AddGroup(b.group, cfg, listener)
	host.Logger.Debug("service started", zap.String("group", b.group))
}

func (b *Base) groupConfig(overrides map[string]channel.GroupConfig) channel.GroupConfig {
	cfg := b.policy
	o, ok := overrides[b.group]
	if !ok {
		return cfg
	}
	if o.TriggerCount > 0 {
		cfg.TriggerCount = o.TriggerCount
	}
	if o.TriggerInterval > 0 {
		cfg.TriggerInterval = o.TriggerInterval
	}
	if o.MaxParallelBatches > 0 {
		cfg.MaxParallelBatches = o.MaxParallelBatches
	}
	if o.MaxAge > 0 {
		cfg.MaxAge = o.MaxAge
	}
	return cfg
}

// Started reports whether Start ran.
func (b *Base) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.host != nil
}

func (b *Base) Logger() *zap.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.host == nil {
		return zap.NewNop()
	}
	return b.host.Logger
}

func (b *Base) Preferences() *storage.Preferences {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.host == nil {
		return nil
	}
	return b.host.Preferences
}

// IsEnabled reads the persisted flag, true until set otherwise. A service
// that is not started reports false.
func (b *Base) IsEnabled(ctx context.Context) bool {
	prefs := b.Preferences()
	if prefs == nil {
		return false
	}
	return prefs.Bool(ctx, enabledKeyPrefix+b.name, true)
}

// SetEnabled persists the flag and toggles the group. Disabling purges the
// logs the group still holds.
func (b *Base) SetEnabled(ctx context.Context, enabled bool) {
	b.mu.Lock()
	host := b.host
	b.mu.Unlock()
	if host == nil {
		return
	}

	host.Preferences.SetBool(ctx, enabledKeyPrefix+b.name, enabled)
	host.Channel.SetGroupEnabled(b.group, enabled)
	host.Logger.Info("service enablement changed", zap.Bool("enabled", enabled))
}

// WaitPersisted blocks until the channel has applied every log enqueued so
// far, so they are in storage unless they were dropped.
func (b *Base) WaitPersisted() {
	b.mu.Lock()
	host := b.host
	b.mu.Unlock()
	if host != nil {
		host.Channel.Sync()
	}
}

// Enqueue hands log to the channel. It returns false, with a log line, when
// the service is not started or disabled.
func (b *Base) Enqueue(ctx context.Context, log logging.Log) bool {
	b.mu.Lock()
	host := b.host
	b.mu.Unlock()
	if host == nil {
		return false
	}
	if !b.IsEnabled(ctx) {
		host.Logger.Info("discarding log", zap.String("log_type", log.Type()), zap.Error(logging.ErrGroupDisabled))
		return false
	}
	host.Channel.Enqueue(log, b.group)
	return true
}
