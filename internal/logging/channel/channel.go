package channel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/logging/storage"
	"github.com/Chichichkin/LogChannel/internal/serial"
)

const (
	zapGroup   = "group"
	zapBatchID = "batch_id"
	zapCount   = "count"
	zapLogType = "log_type"

	purgeChunk = 100
)

type Config struct {
	AppSecret   string
	EndpointURL string
	InstallID   uuid.UUID
	// MaxLogSize drops logs whose serialized form is larger, 0 disables it.
	MaxLogSize       int
	Retry            RetrySettings
	BeforeSendPolicy BeforeSendPolicy
}

// Serializer is the part of the wire codec the channel needs.
type Serializer interface {
	SerializeLog(log logging.Log) ([]byte, error)
	SerializeContainer(container logging.LogContainer) ([]byte, error)
}

type Option func(*Channel)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

func WithDeviceProvider(provider logging.DeviceProvider) Option {
	return func(c *Channel) {
		c.devices = provider
	}
}

func WithClock(clock logging.Clock) Option {
	return func(c *Channel) {
		c.clock = clock
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(c *Channel) {
		c.metrics = metrics
	}
}

// Channel persists, batches and delivers logs. Every public method hands its
// work to a single worker goroutine which owns the group state, so batch
// construction, outcome bookkeeping and listener dispatch never race.
type Channel struct {
	cfg        Config
	logger     *zap.Logger
	store      storage.Persistence
	serializer Serializer
	ingestion  logging.Ingestion
	devices    logging.DeviceProvider
	clock      logging.Clock
	metrics    *Metrics

	worker    *serial.Executor
	listeners *dispatcher

	enabled *atomic.Bool
	closed  *atomic.Bool

	// worker owned
	groups map[string]*group
	device *logging.Device
}

func New(cfg Config, store storage.Persistence, serializer Serializer, ingestion logging.Ingestion, opts ...Option) *Channel {
	c := &Channel{
		cfg:        cfg,
		logger:     zap.NewNop(),
		store:      store,
		serializer: serializer,
		ingestion:  ingestion,
		clock:      logging.SystemClock,
		enabled:    atomic.NewBool(true),
		closed:     atomic.NewBool(false),
		groups:     make(map[string]*group),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		// unregistered instruments still count, nobody scrapes them
		c.metrics, _ = NewMetrics(prometheus.NewRegistry())
	}

	c.worker = serial.New()
	c.listeners = newDispatcher(c.logger)
	return c
}

func (c *Channel) submit(fn func()) bool {
	if !c.worker.Submit(fn) {
		c.logger.Debug("channel is shut down, discarding operation")
		return false
	}
	return true
}

// AddGroup registers a group. Logs already persisted for it by a previous
// process are counted as pending and may trigger a batch right away, unless
// the group is added disabled or the channel is disabled: then they are
// deleted without being sent.
func (c *Channel) AddGroup(name string, cfg GroupConfig, listener logging.Listener) {
	c.submit(func() {
		if g, ok := c.groups[name]; ok {
			g.cfg = cfg.withDefaults()
			g.listener = listener
			c.logger.Debug("updated group", zap.String(zapGroup, name))
			return
		}

		g := newGroup(name, cfg, listener, c.cfg.Retry.newBackOff(c.clock))
		g.enabled = !cfg.Disabled
		if !g.enabled || !c.enabled.Load() {
			c.groups[name] = g
			c.purge(g)
			c.logger.Debug("added disabled group, persisted logs deleted", zap.String(zapGroup, name))
			return
		}

		count, err := c.store.CountLogs(context.Background(), name)
		if err != nil {
			c.logger.Error("failed to count persisted logs", zap.String(zapGroup, name), zap.Error(err))
		}
		g.pending = count
		c.groups[name] = g

		c.logger.Debug("added group", zap.String(zapGroup, name), zap.Int(zapCount, count))
		c.checkPendingLogs(g)
	})
}

// RemoveGroup stops batching a group. Its persisted logs are kept.
func (c *Channel) RemoveGroup(name string) {
	c.submit(func() {
		g, ok := c.groups[name]
		if !ok {
			return
		}
		g.cancelTimers()
		for _, records := range g.inFlight {
			c.store.Release(recordIDs(records))
		}
		delete(c.groups, name)
		c.logger.Debug("removed group", zap.String(zapGroup, name))
	})
}

// SetGroupListener replaces the listener of a group; at most one listener is
// attached per group.
func (c *Channel) SetGroupListener(name string, listener logging.Listener) {
	c.submit(func() {
		if g, ok := c.groups[name]; ok {
			g.listener = listener
		}
	})
}

func (c *Channel) RemoveGroupListener(name string) {
	c.SetGroupListener(name, nil)
}

// SetGroupEnabled toggles one group. Disabling purges all of its persisted
// logs; results of batches still in flight are discarded.
func (c *Channel) SetGroupEnabled(name string, enabled bool) {
	c.submit(func() {
		g, ok := c.groups[name]
		if !ok {
			c.logger.Warn("cannot toggle unknown group", zap.String(zapGroup, name))
			return
		}
		if g.enabled == enabled {
			return
		}
		g.enabled = enabled
		if !enabled {
			c.purge(g)
			c.logger.Info("disabled group", zap.String(zapGroup, name))
			return
		}
		c.logger.Info("enabled group", zap.String(zapGroup, name))
		c.checkPendingLogs(g)
	})
}

// SetEnabled is the global gate. Disabling cancels every timer and purges
// every group; enabling resumes the groups that are enabled themselves.
func (c *Channel) SetEnabled(enabled bool) {
	c.submit(func() {
		if c.enabled.Load() == enabled {
			return
		}
		c.enabled.Store(enabled)
		if !enabled {
			for _, g := range c.groups {
				c.purge(g)
			}
			c.logger.Info("channel disabled, all persisted logs deleted")
			return
		}
		c.logger.Info("channel enabled")
		for _, g := range c.groups {
			c.checkPendingLogs(g)
		}
	})
}

// IsEnabled reports the global gate as last applied by the worker.
func (c *Channel) IsEnabled() bool {
	return c.enabled.Load()
}

// Enqueue persists log for delivery in group. It never fails synchronously:
// drops are logged and counted.
func (c *Channel) Enqueue(log logging.Log, groupName string) {
	if log == nil {
		return
	}
	if !c.submit(func() { c.enqueue(log, groupName) }) {
		c.metrics.logDropped(groupName, dropReasonShutdown)
	}
}

// Flush builds a batch from whatever is pending, regardless of the trigger
// count, as long as the in-flight cap allows it.
func (c *Channel) Flush(groupName string) {
	c.submit(func() {
		g, ok := c.groups[groupName]
		if !ok || g.pending == 0 {
			return
		}
		c.triggerIngestion(g)
	})
}

// InvalidateDeviceCache makes the next enqueued log take a fresh device
// snapshot.
func (c *Channel) InvalidateDeviceCache() {
	c.submit(func() {
		c.device = nil
	})
}

// SetEndpointURL applies to batches handed off after the call.
func (c *Channel) SetEndpointURL(url string) {
	c.submit(func() {
		c.cfg.EndpointURL = url
	})
}

// Sync blocks until every operation submitted before it has been applied.
func (c *Channel) Sync() {
	c.worker.Sync()
}

// Shutdown cancels every timer and stops the worker. It does not wait for
// network calls in flight; their results are discarded.
func (c *Channel) Shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.submit(func() {
		for _, g := range c.groups {
			g.cancelTimers()
		}
	})
	c.worker.Stop()
	c.worker.Wait()
	c.listeners.stop()
	c.logger.Debug("channel shut down")
}

// --- worker side ---

func (c *Channel) enqueue(log logging.Log, name string) {
	ctx := context.Background()
	fields := []zap.Field{zap.String(zapGroup, name), zap.String(zapLogType, log.Type())}

	g, ok := c.groups[name]
	if !ok {
		c.logger.Warn("dropping log for unknown group", fields...)
		c.metrics.logDropped(name, dropReasonUnknownGroup)
		return
	}
	if !c.enabled.Load() || !g.enabled {
		c.logger.Warn("dropping log", append(fields, zap.Error(logging.ErrGroupDisabled))...)
		c.metrics.logDropped(name, dropReasonDisabled)
		return
	}

	base := log.Base()
	if base.Timestamp.IsZero() {
		base.Timestamp = c.clock.Now().UTC()
	}
	if base.Device == nil && c.devices != nil {
		device, err := c.deviceSnapshot(ctx)
		if err != nil {
			c.logger.Error("dropping log, cannot read device information", append(fields, zap.Error(err))...)
			c.metrics.logDropped(name, dropReasonDevice)
			return
		}
		base.Device = device
	}

	payload, err := c.serializer.SerializeLog(log)
	if err != nil {
		c.logger.Error("dropping log, cannot serialize it", append(fields, zap.Error(err))...)
		c.metrics.logDropped(name, dropReasonSerialize)
		return
	}
	if c.cfg.MaxLogSize > 0 && len(payload) > c.cfg.MaxLogSize {
		c.logger.Warn("dropping log larger than the maximum size",
			append(fields, zap.Int("size", len(payload)), zap.Int("max_size", c.cfg.MaxLogSize))...)
		c.metrics.logDropped(name, dropReasonOversize)
		return
	}

	_, evicted, err := c.store.Put(ctx, name, log.Type(), payload, c.clock.Now())
	if err != nil {
		c.logger.Error("dropping log, cannot persist it", append(fields, zap.Error(err))...)
		c.metrics.logDropped(name, dropReasonStorage)
		return
	}
	g.pending += 1 - evicted
	if g.pending < 0 {
		g.pending = 0
	}
	c.metrics.logEnqueued(name)

	c.checkPendingLogs(g)
}

func (c *Channel) deviceSnapshot(ctx context.Context) (*logging.Device, error) {
	if c.device != nil {
		return c.device, nil
	}
	device, err := c.devices.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.device = device
	return device, nil
}

// checkPendingLogs evaluates the count and age triggers, or arms the flush
// timer when neither fires yet.
func (c *Channel) checkPendingLogs(g *group) {
	if !c.enabled.Load() || !g.enabled || g.pending <= 0 {
		return
	}

	if g.pending >= g.cfg.TriggerCount {
		c.triggerIngestion(g)
		return
	}

	delay := g.cfg.TriggerInterval
	if g.cfg.MaxAge > 0 {
		oldest, ok, err := c.store.OldestUnclaimed(context.Background(), g.name)
		if err != nil {
			c.logger.Warn("failed to read oldest log", zap.String(zapGroup, g.name), zap.Error(err))
		} else if ok {
			remaining := g.cfg.MaxAge - c.clock.Now().Sub(oldest)
			if remaining <= 0 {
				c.triggerIngestion(g)
				return
			}
			if delay <= 0 || remaining < delay {
				delay = remaining
			}
		}
	}

	if delay > 0 && g.flushTimer == nil {
		g.flushTimer = c.schedule(delay, func(ref *timerRef) {
			if g.flushTimer != ref {
				return
			}
			g.flushTimer = nil
			c.triggerIngestion(g)
		})
	}
}

// triggerIngestion builds one batch from the pending logs, then keeps
// building full batches while the in-flight cap allows.
func (c *Channel) triggerIngestion(g *group) {
	if !c.enabled.Load() || !g.enabled {
		return
	}
	if g.flushTimer != nil {
		g.flushTimer.stop()
		g.flushTimer = nil
	}

	for first := true; g.pending > 0 && g.canDispatch(); first = false {
		if !first && g.pending < g.cfg.TriggerCount {
			break
		}

		records, err := c.store.GetLogs(context.Background(), g.name, g.cfg.TriggerCount)
		if err != nil {
			c.logger.Error("failed to read logs for a batch", zap.String(zapGroup, g.name), zap.Error(err))
			return
		}
		if len(records) == 0 {
			g.pending = 0
			return
		}
		g.pending -= len(records)
		if g.pending < 0 {
			g.pending = 0
		}
		c.dispatch(g, records)
	}

	if g.pending > 0 && g.pending < g.cfg.TriggerCount && g.canDispatch() {
		c.checkPendingLogs(g)
	}
}

func (c *Channel) dispatch(g *group, records []storage.Record) {
	batchID := uuid.NewString()
	fields := []zap.Field{zap.String(zapGroup, g.name), zap.String(zapBatchID, batchID), zap.Int(zapCount, len(records))}

	payload, err := c.serializer.SerializeContainer(logging.LogContainer{Logs: recordLogs(records)})
	if err != nil {
		// a batch that cannot be encoded will never be accepted
		c.logger.Error("discarding batch that cannot be serialized", append(fields, zap.Error(err))...)
		if err := c.store.Remove(context.Background(), recordIDs(records)); err != nil {
			c.logger.Error("failed to delete discarded batch", append(fields, zap.Error(err))...)
		}
		c.listeners.notify(g.listener, logging.SendFailed, g.name, records, err)
		return
	}

	g.inFlight[batchID] = records
	c.metrics.setInFlight(g.name, len(g.inFlight))
	c.announce(g, records)

	req := logging.Request{
		EndpointURL: c.cfg.EndpointURL,
		AppSecret:   c.cfg.AppSecret,
		InstallID:   c.cfg.InstallID,
		Payload:     payload,
		LogCount:    len(records),
	}
	c.logger.Debug("sending batch", fields...)

	// Send only starts the request, so batches leave in dispatch order.
	name := g.name
	c.ingestion.Send(context.Background(), req, func(err error) {
		if !c.worker.Submit(func() { c.handleResult(name, batchID, err) }) {
			c.logger.Debug("discarding batch result after shutdown", zap.String(zapBatchID, batchID))
		}
	})
}

func (c *Channel) announce(g *group, records []storage.Record) {
	if c.cfg.BeforeSendPolicy == EveryAttempt {
		c.listeners.notify(g.listener, logging.BeforeSending, g.name, records, nil)
		return
	}

	fresh := make([]storage.Record, 0, len(records))
	for _, r := range records {
		if _, seen := g.announced[r.ID]; seen {
			continue
		}
		g.announced[r.ID] = struct{}{}
		fresh = append(fresh, r)
	}
	c.listeners.notify(g.listener, logging.BeforeSending, g.name, fresh, nil)
}

func (c *Channel) handleResult(name, batchID string, err error) {
	g, ok := c.groups[name]
	if !ok {
		return
	}
	records, ok := g.inFlight[batchID]
	if !ok {
		c.logger.Debug("discarding result of a purged batch",
			zap.String(zapGroup, name), zap.String(zapBatchID, batchID))
		return
	}
	delete(g.inFlight, batchID)
	c.metrics.setInFlight(name, len(g.inFlight))

	switch {
	case err == nil:
		c.onSuccess(g, records)
	case logging.IsFatal(err):
		c.onFatal(g, records, err)
	default:
		c.onRetryable(g, batchID, records, err)
	}
}

func (c *Channel) onSuccess(g *group, records []storage.Record) {
	if err := c.store.Remove(context.Background(), recordIDs(records)); err != nil {
		c.logger.Error("failed to delete sent logs", zap.String(zapGroup, g.name), zap.Error(err))
	}
	c.forget(g, records)
	g.failures = 0
	g.backoff.Reset()
	c.metrics.batchSent(g.name)

	c.listeners.notify(g.listener, logging.SendSucceeded, g.name, records, nil)
	c.checkPendingLogs(g)
}

func (c *Channel) onRetryable(g *group, batchID string, records []storage.Record, err error) {
	g.failures++
	fields := []zap.Field{
		zap.String(zapGroup, g.name), zap.String(zapBatchID, batchID),
		zap.Int("failures", g.failures), zap.Error(err),
	}

	if limit := c.cfg.Retry.MaxAttempts; limit > 0 && g.failures >= limit {
		c.logger.Warn("dropping batch after too many failed attempts", fields...)
		c.metrics.batchFailed(g.name, failureExhausted)
		if err := c.store.Remove(context.Background(), recordIDs(records)); err != nil {
			c.logger.Error("failed to delete dropped batch", zap.String(zapGroup, g.name), zap.Error(err))
		}
		c.forget(g, records)
		g.failures = 0
		g.backoff.Reset()
		c.listeners.notify(g.listener, logging.SendFailed, g.name, records, err)
		c.checkPendingLogs(g)
		return
	}

	c.metrics.batchFailed(g.name, failureRetryable)
	c.store.Release(recordIDs(records))
	g.pending += len(records)

	delay := nextDelay(g.backoff, logging.RetryDelay(err))
	if g.flushTimer != nil {
		g.flushTimer.stop()
		g.flushTimer = nil
	}
	if g.retryTimer != nil {
		g.retryTimer.stop()
	}
	g.retryTimer = c.schedule(delay, func(ref *timerRef) {
		if g.retryTimer != ref {
			return
		}
		g.retryTimer = nil
		c.triggerIngestion(g)
	})
	c.logger.Info("batch failed, retrying later", append(fields, zap.Duration("delay", delay))...)
}

// onFatal disables the group and reports every log it still holds as failed
// exactly once before purging its storage.
func (c *Channel) onFatal(g *group, records []storage.Record, err error) {
	ctx := context.Background()
	c.logger.Error("batch failed with a fatal error, disabling group",
		zap.String(zapGroup, g.name), zap.Error(err))
	c.metrics.batchFailed(g.name, failureFatal)

	failed := append([]storage.Record(nil), records...)
	for _, inFlight := range g.inFlight {
		failed = append(failed, inFlight...)
	}
	for {
		chunk, getErr := c.store.GetLogs(ctx, g.name, purgeChunk)
		if getErr != nil {
			c.logger.Error("failed to read pending logs of a disabled group", zap.String(zapGroup, g.name), zap.Error(getErr))
			break
		}
		if len(chunk) == 0 {
			break
		}
		failed = append(failed, chunk...)
	}

	g.enabled = false
	c.purge(g)
	c.listeners.notify(g.listener, logging.SendFailed, g.name, failed, err)
}

func (c *Channel) purge(g *group) {
	g.reset()
	c.metrics.setInFlight(g.name, 0)
	if err := c.store.Clear(context.Background(), g.name); err != nil {
		c.logger.Error("failed to delete logs of group", zap.String(zapGroup, g.name), zap.Error(err))
	}
}

func (c *Channel) forget(g *group, records []storage.Record) {
	for _, r := range records {
		delete(g.announced, r.ID)
	}
}

// schedule runs fn on the worker after d. fn receives the ref it was armed
// with so it can tell whether it was cancelled in the meantime.
func (c *Channel) schedule(d time.Duration, fn func(ref *timerRef)) *timerRef {
	ref := &timerRef{}
	ref.t = time.AfterFunc(d, func() {
		c.worker.Submit(func() { fn(ref) })
	})
	return ref
}
