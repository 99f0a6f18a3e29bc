package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/logging/serializer"
	"github.com/Chichichkin/LogChannel/internal/logging/storage"
	"github.com/Chichichkin/LogChannel/internal/testutils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testGroup = "group_test"
	waitFor   = 3 * time.Second
	tick      = 5 * time.Millisecond
)

type textLog struct {
	logging.BaseLog
	Text string `json:"text"`
}

func (l *textLog) Type() string { return "text" }

func newText(text string) *textLog {
	return &textLog{Text: text}
}

type harness struct {
	channel    *Channel
	store      *storage.SQLite
	serializer *serializer.Serializer
	ingestion  *testutils.MockIngestion
	listener   *testutils.RecordingListener
	metrics    *Metrics
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	ser := serializer.New()
	ser.Register("text", func() logging.Log { return &textLog{} })

	store, err := storage.NewSQLite(storage.Config{DSN: ":memory:", Capacity: 100}, ser, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	h := &harness{
		store:      store,
		serializer: ser,
		ingestion:  &testutils.MockIngestion{},
		listener:   &testutils.RecordingListener{},
		metrics:    metrics,
	}
	if cfg.Retry == (RetrySettings{}) {
		cfg.Retry = RetrySettings{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}
	}
	h.channel = New(cfg, store, ser, h.ingestion, append([]Option{WithMetrics(metrics)}, opts...)...)
	t.Cleanup(h.channel.Shutdown)
	t.Cleanup(h.ingestion.Release)
	return h
}

func (h *harness) addGroup(cfg GroupConfig) {
	h.channel.AddGroup(testGroup, cfg, h.listener.Listen)
}

func (h *harness) enqueue(texts ...string) {
	for _, text := range texts {
		h.channel.Enqueue(newText(text), testGroup)
	}
	h.channel.Sync()
}

// batches decodes the texts of every request received so far.
func (h *harness) batches(t *testing.T) [][]string {
	t.Helper()
	var out [][]string
	for _, req := range h.ingestion.Requests() {
		container, err := h.serializer.DeserializeContainer(req.Payload)
		require.NoError(t, err)
		out = append(out, texts(container.Logs))
	}
	return out
}

func (h *harness) stored(t *testing.T) int {
	t.Helper()
	n, err := h.store.CountLogs(context.Background(), testGroup)
	require.NoError(t, err)
	return n
}

func texts(logs []logging.Log) []string {
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.(*textLog).Text)
	}
	return out
}

func TestChannel_TriggerCountOneSendsEachLog(t *testing.T) {
	h := newHarness(t, Config{AppSecret: "secret", EndpointURL: "http://ingest"})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})

	h.enqueue("A")

	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 1 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A"}}, h.batches(t))
	assert.Equal(t, 0, h.stored(t))

	req := h.ingestion.Requests()[0]
	assert.Equal(t, "secret", req.AppSecret)
	assert.Equal(t, "http://ingest", req.EndpointURL)
	assert.Equal(t, 1, req.LogCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.sent.WithLabelValues(testGroup)))
}

func TestChannel_BatchesByTriggerCount(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 2, MaxParallelBatches: 1})
	h.ingestion.Hold()

	h.enqueue("A", "B", "C")

	require.Eventually(t, func() bool { return h.ingestion.Calls() == 1 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A", "B"}}, h.batches(t))
	assert.Equal(t, []string{"A", "B"}, texts(h.listener.Of(logging.BeforeSending)))

	h.ingestion.Release()
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 2 }, waitFor, tick)
	h.channel.Sync()

	// C stays pending, below the trigger and without an interval
	assert.Equal(t, 1, h.ingestion.Calls())
	assert.Equal(t, 1, h.stored(t))

	h.channel.Flush(testGroup)
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 3 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, h.batches(t))
}

func TestChannel_MaxParallelBatches(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})
	h.ingestion.Hold()

	h.enqueue("A", "B")

	require.Eventually(t, func() bool { return h.ingestion.Calls() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return h.ingestion.Calls() > 1 }, 100*time.Millisecond, tick)

	h.ingestion.Release()
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 2 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A"}, {"B"}}, h.batches(t))
}

func TestChannel_ParallelBatchesDoNotShareLogs(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 2, MaxParallelBatches: 3})
	h.ingestion.Hold()

	h.enqueue("A", "B", "C", "D", "E", "F")

	require.Eventually(t, func() bool { return h.ingestion.Calls() == 3 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A", "B"}, {"C", "D"}, {"E", "F"}}, h.batches(t))
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.inFlight.WithLabelValues(testGroup)))

	h.ingestion.Release()
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 6 }, waitFor, tick)
	assert.Equal(t, 0, h.stored(t))
}

func TestChannel_ParallelBatchesLeaveInOrder(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, Config{})
		h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 3})
		h.ingestion.Hold()

		h.enqueue("A", "B", "C")

		require.Eventually(t, func() bool { return h.ingestion.Calls() == 3 }, waitFor, tick)
		require.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, h.batches(t), "round %d", i)

		h.ingestion.Release()
		require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 3 }, waitFor, tick)
	}
}

func TestChannel_TriggerIntervalFlushesPartialBatch(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 10, TriggerInterval: 30 * time.Millisecond, MaxParallelBatches: 1})

	h.enqueue("A", "B")

	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 2 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A", "B"}}, h.batches(t))
}

func TestChannel_DisablingGroupPurgesAndSilencesInFlight(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})
	h.ingestion.Hold()

	h.enqueue("A", "B")
	require.Eventually(t, func() bool { return h.ingestion.Calls() == 1 }, waitFor, tick)

	h.channel.SetGroupEnabled(testGroup, false)
	h.channel.Sync()
	assert.Equal(t, 0, h.stored(t))

	h.ingestion.Release()
	assert.Never(t, func() bool {
		return h.listener.Count(logging.SendSucceeded)+h.listener.Count(logging.SendFailed) > 0
	}, 150*time.Millisecond, tick)

	h.enqueue("C")
	assert.Equal(t, 0, h.stored(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.dropped.WithLabelValues(testGroup, dropReasonDisabled)))

	h.channel.SetGroupEnabled(testGroup, true)
	h.enqueue("D")
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"D"}, texts(h.listener.Of(logging.SendSucceeded)))
}

func TestChannel_SetEnabledPurgesEveryGroup(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 10, MaxParallelBatches: 1})
	other := &testutils.RecordingListener{}
	h.channel.AddGroup("group_other", GroupConfig{TriggerCount: 10}, other.Listen)

	h.enqueue("A")
	h.channel.Enqueue(newText("B"), "group_other")
	h.channel.Sync()

	h.channel.SetEnabled(false)
	h.channel.Sync()
	assert.False(t, h.channel.IsEnabled())
	assert.Equal(t, 0, h.stored(t))
	n, err := h.store.CountLogs(context.Background(), "group_other")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.enqueue("C")
	assert.Equal(t, 0, h.stored(t))

	h.channel.SetEnabled(true)
	h.channel.Sync()
	assert.True(t, h.channel.IsEnabled())
	h.enqueue("D")
	assert.Equal(t, 1, h.stored(t))
	assert.Equal(t, 0, h.ingestion.Calls())
}

func TestChannel_RetryableFailureReleasesAndRetries(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})
	h.ingestion.Script(logging.NewRetryableError(errors.New("connection reset")))

	h.enqueue("A")

	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 1 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A"}, {"A"}}, h.batches(t))
	assert.Equal(t, 1, h.listener.Count(logging.BeforeSending))
	assert.Equal(t, 0, h.listener.Count(logging.SendFailed))
	assert.Equal(t, 0, h.stored(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.failed.WithLabelValues(testGroup, failureRetryable)))
}

func TestChannel_EveryAttemptAnnouncesRetries(t *testing.T) {
	h := newHarness(t, Config{BeforeSendPolicy: EveryAttempt})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})
	h.ingestion.Script(logging.NewRetryableError(errors.New("timeout")))

	h.enqueue("A")

	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 1 }, waitFor, tick)
	assert.Equal(t, 2, h.listener.Count(logging.BeforeSending))
}

func TestChannel_RetryNeverDuplicatesLogsAcrossBatches(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 2, MaxParallelBatches: 2})
	h.ingestion.Script(logging.NewRetryableError(errors.New("unavailable")))

	h.enqueue("A", "B", "C", "D")

	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 4 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, texts(h.listener.Of(logging.SendSucceeded)))
	assert.Equal(t, 0, h.stored(t))
}

func TestChannel_ThrottleHintDelaysRetry(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})
	h.ingestion.Script(logging.NewThrottleError(errors.New("too many requests"), 300*time.Millisecond))

	h.enqueue("A")

	require.Eventually(t, func() bool { return h.ingestion.Calls() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return h.ingestion.Calls() > 1 }, 150*time.Millisecond, tick)
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 1 }, waitFor, tick)
}

func TestChannel_FatalFailureDisablesGroup(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 2, MaxParallelBatches: 1})
	h.ingestion.Hold()
	h.ingestion.Script(logging.NewFatalError(errors.New("invalid app secret")))

	h.enqueue("A", "B", "C")
	require.Eventually(t, func() bool { return h.ingestion.Calls() == 1 }, waitFor, tick)
	h.ingestion.Release()

	require.Eventually(t, func() bool { return h.listener.Count(logging.SendFailed) == 3 }, waitFor, tick)
	h.channel.Sync()
	assert.Equal(t, []string{"A", "B", "C"}, texts(h.listener.Of(logging.SendFailed)))
	for _, e := range h.listener.Events() {
		if e.Kind == logging.SendFailed {
			assert.True(t, logging.IsFatal(e.Err))
		}
	}
	assert.Equal(t, 0, h.stored(t))

	h.enqueue("D")
	assert.Equal(t, 0, h.stored(t))
	assert.Never(t, func() bool { return h.ingestion.Calls() > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, 3, h.listener.Count(logging.SendFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.failed.WithLabelValues(testGroup, failureFatal)))
}

func TestChannel_MaxAttemptsDropsBatch(t *testing.T) {
	h := newHarness(t, Config{Retry: RetrySettings{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		MaxAttempts:     2,
	}})
	h.ingestion.Default = logging.NewRetryableError(errors.New("bad gateway"))
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})

	h.enqueue("A")

	require.Eventually(t, func() bool { return h.listener.Count(logging.SendFailed) == 1 }, waitFor, tick)
	h.channel.Sync()
	assert.Equal(t, 2, h.ingestion.Calls())
	assert.Equal(t, 0, h.stored(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.failed.WithLabelValues(testGroup, failureExhausted)))
}

func TestChannel_ListenerPanicIsIsolated(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := newHarness(t, Config{}, WithLogger(zap.New(core)))

	var succeeded []string
	done := make(chan struct{})
	h.channel.AddGroup(testGroup, GroupConfig{TriggerCount: 1, MaxParallelBatches: 1}, func(e logging.Event) {
		switch e.Kind {
		case logging.BeforeSending:
			panic("listener bug")
		case logging.SendSucceeded:
			succeeded = append(succeeded, e.Log.(*textLog).Text)
			if len(succeeded) == 2 {
				close(done)
			}
		}
	})

	h.enqueue("A", "B")

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("listener did not receive both successes")
	}
	assert.Equal(t, []string{"A", "B"}, succeeded)
	assert.Equal(t, 2, logs.FilterMessage("group listener panicked").Len())
}

func TestChannel_RemoveGroupListener(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})
	h.channel.RemoveGroupListener(testGroup)

	h.enqueue("A")
	require.Eventually(t, func() bool { return h.stored(t) == 0 && h.ingestion.Calls() == 1 }, waitFor, tick)
	h.channel.Sync()
	assert.Empty(t, h.listener.Events())
}

func TestChannel_EnqueueDrops(t *testing.T) {
	h := newHarness(t, Config{MaxLogSize: 80})
	h.addGroup(GroupConfig{TriggerCount: 10, MaxParallelBatches: 1})

	h.channel.Enqueue(newText("A"), "group_missing")
	h.enqueue(string(make([]byte, 100)))

	assert.Equal(t, 0, h.stored(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.dropped.WithLabelValues("group_missing", dropReasonUnknownGroup)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.dropped.WithLabelValues(testGroup, dropReasonOversize)))

	h.enqueue("A")
	assert.Equal(t, 1, h.stored(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.enqueued.WithLabelValues(testGroup)))
}

func TestChannel_CapacityEvictionKeepsPendingCount(t *testing.T) {
	ser := serializer.New()
	ser.Register("text", func() logging.Log { return &textLog{} })
	store, err := storage.NewSQLite(storage.Config{DSN: ":memory:", Capacity: 2}, ser, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ingestion := &testutils.MockIngestion{}
	listener := &testutils.RecordingListener{}
	c := New(Config{}, store, ser, ingestion)
	defer c.Shutdown()
	c.AddGroup(testGroup, GroupConfig{TriggerCount: 3, MaxParallelBatches: 1}, listener.Listen)

	for _, text := range []string{"A", "B", "C", "D"} {
		c.Enqueue(newText(text), testGroup)
	}
	c.Sync()

	// eviction keeps the pending count below the trigger
	assert.Equal(t, 0, ingestion.Calls())
	c.Flush(testGroup)
	require.Eventually(t, func() bool { return listener.Count(logging.SendSucceeded) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"C", "D"}, texts(listener.Of(logging.SendSucceeded)))
}

func TestChannel_PersistedLogsResumeOnAddGroup(t *testing.T) {
	h := newHarness(t, Config{})
	for _, text := range []string{"A", "B"} {
		payload, err := h.serializer.SerializeLog(newText(text))
		require.NoError(t, err)
		_, _, err = h.store.Put(context.Background(), testGroup, "text", payload, time.Now())
		require.NoError(t, err)
	}

	h.addGroup(GroupConfig{TriggerCount: 2, MaxParallelBatches: 1})

	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 2 }, waitFor, tick)
	assert.Equal(t, [][]string{{"A", "B"}}, h.batches(t))
}

func (h *harness) persist(t *testing.T, texts ...string) {
	t.Helper()
	for _, text := range texts {
		payload, err := h.serializer.SerializeLog(newText(text))
		require.NoError(t, err)
		_, _, err = h.store.Put(context.Background(), testGroup, "text", payload, time.Now())
		require.NoError(t, err)
	}
}

func TestChannel_AddGroupDisabledPurgesPersistedLogs(t *testing.T) {
	h := newHarness(t, Config{})
	h.persist(t, "A", "B")

	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1, Disabled: true})
	h.channel.Sync()

	assert.Equal(t, 0, h.stored(t))
	assert.Never(t, func() bool { return h.ingestion.Calls() > 0 }, 100*time.Millisecond, tick)

	h.channel.SetGroupEnabled(testGroup, true)
	h.enqueue("C")
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 1 }, waitFor, tick)
	assert.Equal(t, [][]string{{"C"}}, h.batches(t))
}

func TestChannel_AddGroupWhileChannelDisabled(t *testing.T) {
	h := newHarness(t, Config{})
	h.persist(t, "A")

	h.channel.SetEnabled(false)
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})
	h.channel.Sync()

	assert.Equal(t, 0, h.stored(t))
	assert.Never(t, func() bool { return h.ingestion.Calls() > 0 }, 100*time.Millisecond, tick)

	h.channel.SetEnabled(true)
	h.enqueue("B")
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 1 }, waitFor, tick)
	assert.Equal(t, [][]string{{"B"}}, h.batches(t))
}

func TestChannel_DisabledDropIsLoggedWithError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := newHarness(t, Config{}, WithLogger(zap.New(core)))
	h.addGroup(GroupConfig{TriggerCount: 10, MaxParallelBatches: 1})

	h.channel.SetGroupEnabled(testGroup, false)
	h.enqueue("A")

	entries := logs.FilterMessage("dropping log").All()
	require.Len(t, entries, 1)
	assert.Equal(t, logging.ErrGroupDisabled.Error(), entries[0].ContextMap()["error"])
	assert.Equal(t, testGroup, entries[0].ContextMap()[zapGroup])
}

func TestChannel_RemoveGroupKeepsPersistedLogs(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})
	h.ingestion.Hold()

	h.enqueue("A", "B")
	require.Eventually(t, func() bool { return h.ingestion.Calls() == 1 }, waitFor, tick)

	h.channel.RemoveGroup(testGroup)
	h.enqueue("C")
	assert.Equal(t, 2, h.stored(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.dropped.WithLabelValues(testGroup, dropReasonUnknownGroup)))

	// the result of the batch sent before the removal is ignored
	h.ingestion.Release()
	assert.Never(t, func() bool {
		return h.listener.Count(logging.SendSucceeded)+h.listener.Count(logging.SendFailed) > 0
	}, 100*time.Millisecond, tick)
	assert.Equal(t, 2, h.stored(t))

	h.addGroup(GroupConfig{TriggerCount: 2, MaxParallelBatches: 1})
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 2 }, waitFor, tick)
	batches := h.batches(t)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"A", "B"}, batches[1])
	assert.Equal(t, 0, h.stored(t))
}

func TestChannel_MaxAgeFlushesStaleLogsAtStartup(t *testing.T) {
	h := newHarness(t, Config{})
	payload, err := h.serializer.SerializeLog(newText("old"))
	require.NoError(t, err)
	_, _, err = h.store.Put(context.Background(), testGroup, "text", payload, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	h.addGroup(GroupConfig{TriggerCount: 50, TriggerInterval: time.Hour, MaxAge: time.Minute, MaxParallelBatches: 1})

	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 1 }, waitFor, tick)
	assert.Equal(t, [][]string{{"old"}}, h.batches(t))
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestChannel_StampsTimestampAndDevice(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	devices := &testutils.StubDeviceProvider{Device: &logging.Device{SDKName: "logchannel.go", OSName: "linux"}}
	h := newHarness(t, Config{}, WithClock(fixedClock{now: now}), WithDeviceProvider(devices))
	h.addGroup(GroupConfig{TriggerCount: 10, MaxParallelBatches: 1})

	h.enqueue("A", "B")
	assert.Equal(t, 1, devices.Calls())

	h.channel.InvalidateDeviceCache()
	h.enqueue("C")
	assert.Equal(t, 2, devices.Calls())

	records, err := h.store.GetLogs(context.Background(), testGroup, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		base := r.Log.Base()
		assert.True(t, now.Equal(base.Timestamp))
		require.NotNil(t, base.Device)
		assert.Equal(t, "linux", base.Device.OSName)
	}
	h.store.Release(recordIDs(records))
}

func TestChannel_DeviceFailureDropsLog(t *testing.T) {
	devices := &testutils.StubDeviceProvider{Err: errors.New("no host info")}
	h := newHarness(t, Config{}, WithDeviceProvider(devices))
	h.addGroup(GroupConfig{TriggerCount: 10, MaxParallelBatches: 1})

	h.enqueue("A")

	assert.Equal(t, 0, h.stored(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.dropped.WithLabelValues(testGroup, dropReasonDevice)))
}

func TestChannel_SetEndpointURLAppliesToLaterBatches(t *testing.T) {
	h := newHarness(t, Config{EndpointURL: "http://first"})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})

	h.enqueue("A")
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 1 }, waitFor, tick)

	h.channel.SetEndpointURL("http://second")
	h.enqueue("B")
	require.Eventually(t, func() bool { return h.listener.Count(logging.SendSucceeded) == 2 }, waitFor, tick)

	reqs := h.ingestion.Requests()
	assert.Equal(t, "http://first", reqs[0].EndpointURL)
	assert.Equal(t, "http://second", reqs[1].EndpointURL)
}

func TestChannel_EnqueueAfterShutdown(t *testing.T) {
	h := newHarness(t, Config{})
	h.addGroup(GroupConfig{TriggerCount: 1, MaxParallelBatches: 1})

	h.channel.Shutdown()
	h.channel.Shutdown()
	h.channel.Enqueue(newText("A"), testGroup)

	assert.Equal(t, 0, h.stored(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.dropped.WithLabelValues(testGroup, dropReasonShutdown)))
}
