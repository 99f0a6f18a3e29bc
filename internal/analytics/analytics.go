package analytics

import (
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/logging/channel"
	"github.com/Chichichkin/LogChannel/internal/logging/serializer"
	"github.com/Chichichkin/LogChannel/internal/service"
)

const (
	ServiceName = "Analytics"
	Group       = "group_analytics"

	MaxNameLength       = 256
	MaxProperties       = 5
	MaxPropertyItemSize = 64
)

// DefaultPolicy batches 50 logs, flushes every 3 seconds and keeps up to 3
// batches in flight.
var DefaultPolicy = channel.GroupConfig{
	TriggerCount:       50,
	TriggerInterval:    3 * time.Second,
	MaxParallelBatches: 3,
}

// Listener observes the delivery of analytics logs.
type Listener interface {
	OnBeforeSending(log logging.Log)
	OnSendingSucceeded(log logging.Log)
	OnSendingFailed(log logging.Log, err error)
}

type Analytics struct {
	*service.Base

	mu       sync.Mutex
	session  uuid.UUID
	listener Listener
}

func New() *Analytics {
	return &Analytics{Base: service.NewBase(ServiceName, Group, DefaultPolicy)}
}

func (a *Analytics) LogFactories() map[string]serializer.Factory {
	return map[string]serializer.Factory{
		EventLogType: func() logging.Log { return &EventLog{} },
		PageLogType:  func() logging.Log { return &PageLog{} },
	}
}

func (a *Analytics) OnStarted(ctx context.Context, host service.Host) error {
	a.mu.Lock()
	a.session = uuid.New()
	a.mu.Unlock()

	a.Start(ctx, host, a.onChannelEvent)
	return nil
}

// SetListener replaces the analytics listener, nil removes it.
func (a *Analytics) SetListener(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = l
}

// SessionID is the session attached to every log of this process.
func (a *Analytics) SessionID() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// TrackEvent enqueues a custom event. Invalid names drop the event;
// properties are truncated to the documented limits.
func (a *Analytics) TrackEvent(name string, properties map[string]string) {
	ctx := context.Background()
	if !a.validName(name, "event") {
		return
	}
	sid := a.SessionID()
	a.Enqueue(ctx, &EventLog{
		BaseLog:    logging.BaseLog{SID: &sid},
		ID:         uuid.New(),
		Name:       name,
		Properties: a.validateProperties(properties, name, "event"),
	})
}

// TrackPage enqueues a page view.
func (a *Analytics) TrackPage(name string, properties map[string]string) {
	ctx := context.Background()
	if !a.validName(name, "page") {
		return
	}
	sid := a.SessionID()
	a.Enqueue(ctx, &PageLog{
		BaseLog:    logging.BaseLog{SID: &sid},
		Name:       name,
		Properties: a.validateProperties(properties, name, "page"),
	})
}

func (a *Analytics) validName(name, kind string) bool {
	n := utf8.RuneCountInString(name)
	if n == 0 || n > MaxNameLength {
		a.Logger().Error("invalid "+kind+" name, dropping it",
			zap.String("name", truncate(name, MaxNameLength)), zap.Int("length", n))
		return false
	}
	return true
}

func (a *Analytics) validateProperties(properties map[string]string, name, kind string) map[string]string {
	if len(properties) == 0 {
		return nil
	}

	logger := a.Logger().With(zap.String(kind, name))
	keys := make([]string, 0, len(properties))
	for key := range properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]string, MaxProperties)
	for _, key := range keys {
		value := properties[key]
		if len(out) == MaxProperties {
			logger.Warn("too many properties, dropping the rest", zap.Int("max", MaxProperties))
			break
		}
		if key == "" {
			logger.Warn("dropping property with an empty key")
			continue
		}
		if utf8.RuneCountInString(key) > MaxPropertyItemSize {
			logger.Warn("property key too long, truncating it", zap.String("key", key))
			key = truncate(key, MaxPropertyItemSize)
		}
		if utf8.RuneCountInString(value) > MaxPropertyItemSize {
			logger.Warn("property value too long, truncating it", zap.String("key", key))
			value = truncate(value, MaxPropertyItemSize)
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func (a *Analytics) onChannelEvent(e logging.Event) {
	a.mu.Lock()
	l := a.listener
	a.mu.Unlock()
	if l == nil {
		return
	}

	switch e.Kind {
	case logging.BeforeSending:
		l.OnBeforeSending(e.Log)
	case logging.SendSucceeded:
		l.OnSendingSucceeded(e.Log)
	case logging.SendFailed:
		l.OnSendingFailed(e.Log, e.Err)
	}
}
