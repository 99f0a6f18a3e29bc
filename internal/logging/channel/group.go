package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/logging/storage"
)

// GroupConfig is the batching policy of a group.
type GroupConfig struct {
	// TriggerCount is both the pending count that starts a batch and the
	// maximum number of logs per batch.
	TriggerCount int
	// TriggerInterval flushes whatever is pending this long after the first
	// pending log, 0 disables the timer.
	TriggerInterval time.Duration
	// MaxParallelBatches bounds the batches in flight at the same time.
	MaxParallelBatches int
	// MaxAge flushes as soon as the oldest unclaimed log is this old,
	// including logs persisted by a previous process. 0 disables it.
	MaxAge time.Duration
	// Disabled registers the group switched off. Logs a previous process
	// persisted for it are deleted instead of sent. Only read by AddGroup
	// when the group is new; use SetGroupEnabled afterwards.
	Disabled bool
}

func (gc GroupConfig) withDefaults() GroupConfig {
	if gc.TriggerCount <= 0 {
		gc.TriggerCount = 1
	}
	if gc.MaxParallelBatches <= 0 {
		gc.MaxParallelBatches = 1
	}
	return gc
}

// group is the worker owned state of one group. Nothing here is touched
// outside the channel worker.
type group struct {
	name     string
	cfg      GroupConfig
	listener logging.Listener
	enabled  bool

	// pending counts persisted logs not claimed by an in-flight batch.
	pending int
	// inFlight maps batch ids to their claimed records, oldest first.
	inFlight map[string][]storage.Record
	failures int
	backoff  *backoff.ExponentialBackOff

	// flushTimer fires the interval or age trigger, retryTimer ends a
	// backoff wait. A non-nil retryTimer holds every new batch.
	flushTimer *timerRef
	retryTimer *timerRef

	// announced holds the ids already reported through BeforeSending.
	announced map[int64]struct{}
}

func newGroup(name string, cfg GroupConfig, listener logging.Listener, b *backoff.ExponentialBackOff) *group {
	return &group{
		name:      name,
		cfg:       cfg.withDefaults(),
		listener:  listener,
		enabled:   true,
		inFlight:  make(map[string][]storage.Record),
		backoff:   b,
		announced: make(map[int64]struct{}),
	}
}

func (g *group) cancelTimers() {
	if g.flushTimer != nil {
		g.flushTimer.stop()
		g.flushTimer = nil
	}
	if g.retryTimer != nil {
		g.retryTimer.stop()
		g.retryTimer = nil
	}
}

// reset forgets every pending and in-flight log, used after a purge.
func (g *group) reset() {
	g.cancelTimers()
	g.pending = 0
	g.inFlight = make(map[string][]storage.Record)
	g.announced = make(map[int64]struct{})
	g.failures = 0
	g.backoff.Reset()
}

func (g *group) canDispatch() bool {
	return len(g.inFlight) < g.cfg.MaxParallelBatches && g.retryTimer == nil
}

func recordIDs(records []storage.Record) []int64 {
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func recordLogs(records []storage.Record) []logging.Log {
	logs := make([]logging.Log, len(records))
	for i, r := range records {
		logs[i] = r.Log
	}
	return logs
}

type timerRef struct {
	t *time.Timer
}

func (r *timerRef) stop() {
	r.t.Stop()
}
