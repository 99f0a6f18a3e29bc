package sdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/config"
	"github.com/Chichichkin/LogChannel/internal/device"
	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/logging/channel"
	"github.com/Chichichkin/LogChannel/internal/logging/ingestion"
	"github.com/Chichichkin/LogChannel/internal/logging/serializer"
	"github.com/Chichichkin/LogChannel/internal/logging/storage"
	"github.com/Chichichkin/LogChannel/internal/service"
)

const (
	CoreGroup = "group_core"

	prefEnabled   = "enabled"
	prefInstallID = "install_id"
)

// CorePolicy is the batching policy of the core group.
var CorePolicy = channel.GroupConfig{
	TriggerCount:       50,
	TriggerInterval:    3 * time.Second,
	MaxParallelBatches: 3,
}

type options struct {
	logger     *zap.Logger
	ingestion  logging.Ingestion
	devices    logging.DeviceProvider
	registerer prometheus.Registerer
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithIngestion replaces the HTTP ingestion client.
func WithIngestion(i logging.Ingestion) Option {
	return func(o *options) {
		o.ingestion = i
	}
}

// WithDeviceProvider replaces the host device provider.
func WithDeviceProvider(p logging.DeviceProvider) Option {
	return func(o *options) {
		o.devices = p
	}
}

// WithRegisterer registers the channel metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// App wires storage, serialization, ingestion and the channel, and hosts
// the started services.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *storage.SQLite
	serializer *serializer.Serializer
	prefs      *storage.Preferences
	channel    *channel.Channel
	host       *device.HostProvider
	installID  uuid.UUID

	mu       sync.Mutex
	services []service.Service
	started  map[string]struct{}
	closed   bool
}

func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	ser := serializer.New()
	ser.Register(StartServiceLogType, func() logging.Log { return &StartServiceLog{} })
	ser.Register(CustomPropertiesLogType, func() logging.Log { return &CustomPropertiesLog{} })

	store, err := storage.NewSQLite(storage.Config{DSN: cfg.StoragePath, Capacity: cfg.Capacity}, ser, o.logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		logger:     o.logger,
		store:      store,
		serializer: ser,
		prefs:      storage.NewPreferences(store, o.logger),
		started:    make(map[string]struct{}),
	}
	a.installID = a.loadInstallID(ctx)

	if o.ingestion == nil {
		o.ingestion = ingestion.NewHTTP(ingestion.Config{Timeout: cfg.HTTPTimeout, Compress: cfg.Compress}, o.logger)
	}
	if o.devices == nil {
		a.host = device.NewHostProvider(device.AppInfo{
			Version:   cfg.App.Version,
			Build:     cfg.App.Build,
			Namespace: cfg.App.Namespace,
		})
		o.devices = a.host
	}

	chOpts := []channel.Option{channel.WithLogger(o.logger), channel.WithDeviceProvider(o.devices)}
	if o.registerer != nil {
		metrics, err := channel.NewMetrics(o.registerer)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to register channel metrics: %w", err)
		}
		chOpts = append(chOpts, channel.WithMetrics(metrics))
	}

	a.channel = channel.New(channel.Config{
		AppSecret:        cfg.AppSecret,
		EndpointURL:      cfg.EndpointURL,
		InstallID:        a.installID,
		MaxLogSize:       cfg.MaxLogSize,
		Retry:            retrySettings(cfg.Retry),
		BeforeSendPolicy: beforeSendPolicy(cfg.BeforeSend),
	}, store, ser, o.ingestion, chOpts...)

	// the gate goes down before any group exists so persisted logs of a
	// disabled install are purged, not sent
	if !a.IsEnabled(ctx) {
		a.channel.SetEnabled(false)
	}
	a.channel.AddGroup(CoreGroup, mergePolicy(CorePolicy, cfg, CoreGroup), nil)

	o.logger.Info("logchannel configured",
		zap.String("install_id", a.installID.String()),
		zap.String("endpoint", cfg.EndpointURL),
		zap.String("storage", cfg.StoragePath))
	return a, nil
}

func (a *App) loadInstallID(ctx context.Context) uuid.UUID {
	if value, ok := a.prefs.String(ctx, prefInstallID); ok {
		if id, err := uuid.Parse(value); err == nil {
			return id
		}
		a.logger.Warn("stored install id is invalid, generating a new one")
	}
	id := uuid.New()
	a.prefs.SetString(ctx, prefInstallID, id.String())
	return id
}

func retrySettings(rc config.RetryConfig) channel.RetrySettings {
	return channel.RetrySettings{
		InitialInterval:     rc.InitialInterval,
		MaxInterval:         rc.MaxInterval,
		Multiplier:          rc.Multiplier,
		RandomizationFactor: rc.RandomizationFactor,
		MaxAttempts:         rc.MaxAttempts,
	}
}

func beforeSendPolicy(value string) channel.BeforeSendPolicy {
	if value == config.BeforeSendEveryAttempt {
		return channel.EveryAttempt
	}
	return channel.OncePerLog
}

func mergePolicy(policy channel.GroupConfig, cfg config.Config, group string) channel.GroupConfig {
	o, ok := cfg.Group(group)
	if !ok {
		return policy
	}
	if o.TriggerCount > 0 {
		policy.TriggerCount = o.TriggerCount
	}
	if o.TriggerInterval > 0 {
		policy.TriggerInterval = o.TriggerInterval
	}
	if o.MaxParallelBatches > 0 {
		policy.MaxParallelBatches = o.MaxParallelBatches
	}
	if o.MaxAge > 0 {
		policy.MaxAge = o.MaxAge
	}
	return policy
}

func (a *App) overrides() map[string]channel.GroupConfig {
	out := make(map[string]channel.GroupConfig, len(a.cfg.Groups))
	for name, g := range a.cfg.Groups {
		out[name] = channel.GroupConfig{
			TriggerCount:       g.TriggerCount,
			TriggerInterval:    g.TriggerInterval,
			MaxParallelBatches: g.MaxParallelBatches,
			MaxAge:             g.MaxAge,
		}
	}
	return out
}

// Start starts services and enqueues one start_service log naming them.
// Nil services and services started before are skipped.
func (a *App) Start(ctx context.Context, services ...service.Service) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Error("cannot start services after Close")
		return
	}

	host := service.Host{
		Channel:     a.channel,
		Preferences: a.prefs,
		Logger:      a.logger,
		Overrides:   a.overrides(),
	}

	var names []string
	for _, s := range services {
		if s == nil {
			a.logger.Warn("skipping nil service")
			continue
		}
		if _, ok := a.started[s.Name()]; ok {
			a.logger.Warn("service is already started", zap.String("service", s.Name()))
			continue
		}

		a.serializer.RegisterAll(s.LogFactories())
		if err := s.OnStarted(ctx, host); err != nil {
			a.logger.Error("failed to start service", zap.String("service", s.Name()), zap.Error(err))
			continue
		}
		a.started[s.Name()] = struct{}{}
		a.services = append(a.services, s)
		names = append(names, s.Name())
	}

	if len(names) > 0 {
		a.channel.Enqueue(&StartServiceLog{Services: names}, CoreGroup)
		a.logger.Info("started services", zap.Strings("services", names))
	}
}

// IsEnabled reads the persisted global flag.
func (a *App) IsEnabled(ctx context.Context) bool {
	return a.prefs.Bool(ctx, prefEnabled, true)
}

// SetEnabled persists the global flag, toggles the channel and cascades to
// every started service. Disabling deletes every stored log.
func (a *App) SetEnabled(ctx context.Context, enabled bool) {
	a.prefs.SetBool(ctx, prefEnabled, enabled)
	a.channel.SetEnabled(enabled)

	a.mu.Lock()
	services := append([]service.Service(nil), a.services...)
	a.mu.Unlock()
	for _, s := range services {
		s.SetEnabled(ctx, enabled)
	}
	a.logger.Info("logchannel enablement changed", zap.Bool("enabled", enabled))
}

// SetCustomProperties enqueues the valid properties of props.
func (a *App) SetCustomProperties(props *CustomProperties) {
	if props == nil || props.Len() == 0 {
		a.logger.Error("custom properties may not be empty")
		return
	}
	a.channel.Enqueue(&CustomPropertiesLog{Properties: props.Properties()}, CoreGroup)
}

// SetEndpointURL applies to batches sent after the call.
func (a *App) SetEndpointURL(url string) {
	a.channel.SetEndpointURL(url)
}

// SetWrapperSDK records the SDK wrapping this one in device snapshots.
func (a *App) SetWrapperSDK(name, version string) {
	if a.host == nil {
		a.logger.Warn("custom device provider in use, ignoring wrapper sdk")
		return
	}
	a.host.SetWrapperSDK(name, version)
	a.channel.InvalidateDeviceCache()
}

func (a *App) InstallID() uuid.UUID {
	return a.installID
}

// NewCustomProperties returns a builder logging through the app logger.
func (a *App) NewCustomProperties() *CustomProperties {
	return NewCustomProperties(a.logger)
}

// Flush sends whatever the core and service groups hold.
func (a *App) Flush() {
	a.mu.Lock()
	groups := []string{CoreGroup}
	for _, s := range a.services {
		groups = append(groups, s.Group())
	}
	a.mu.Unlock()

	for _, g := range groups {
		a.channel.Flush(g)
	}
	a.channel.Sync()
}

// Channel exposes the channel, mostly for tests and tooling.
func (a *App) Channel() *channel.Channel {
	return a.channel
}

// Close shuts the channel down, stops the services owning workers and
// closes storage.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	services := a.services
	a.mu.Unlock()

	a.channel.Shutdown()
	for _, s := range services {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
