package channel

import (
	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/logging/storage"
	"github.com/Chichichkin/LogChannel/internal/serial"
)

// BeforeSendPolicy decides whether BeforeSending fires again when a
// released log is handed off in a later attempt.
type BeforeSendPolicy int

const (
	// OncePerLog fires BeforeSending the first time a log is handed off.
	OncePerLog BeforeSendPolicy = iota
	// EveryAttempt fires BeforeSending on every hand-off, retries included.
	EveryAttempt
)

// dispatcher delivers listener events on its own goroutine, so a slow or
// faulty listener never holds the channel worker.
type dispatcher struct {
	exec   *serial.Executor
	logger *zap.Logger
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{exec: serial.New(), logger: logger}
}

func (d *dispatcher) notify(listener logging.Listener, kind logging.EventKind, group string, records []storage.Record, err error) {
	if listener == nil || len(records) == 0 {
		return
	}

	events := make([]logging.Event, len(records))
	for i, r := range records {
		events[i] = logging.Event{Kind: kind, Group: group, Log: r.Log, Err: err}
	}

	d.exec.Submit(func() {
		for _, e := range events {
			d.deliver(listener, e)
		}
	})
}

func (d *dispatcher) deliver(listener logging.Listener, e logging.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("group listener panicked",
				zap.String("group", e.Group),
				zap.Stringer("event", e.Kind),
				zap.Any("panic", r))
		}
	}()
	listener(e)
}

// stop delivers the events already queued, then returns.
func (d *dispatcher) stop() {
	d.exec.Stop()
	d.exec.Wait()
}
