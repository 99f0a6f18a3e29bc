package storage

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

// Record is a persisted log returned by GetLogs.
type Record struct {
	ID         int64
	Log        logging.Log
	EnqueuedAt time.Time
}

// Persistence is the durable per-group log store. GetLogs claims the logs it
// returns so that a concurrent call never returns the same id twice; claims
// end with Remove or Release.
type Persistence interface {
	// Put appends a serialized log and returns its id and how many older
	// logs of the group were evicted to honor the capacity.
	Put(ctx context.Context, group, logType string, payload []byte, enqueuedAt time.Time) (int64, int, error)
	// GetLogs claims up to limit of the oldest unclaimed logs, oldest first.
	GetLogs(ctx context.Context, group string, limit int) ([]Record, error)
	Remove(ctx context.Context, ids []int64) error
	Release(ids []int64)
	Clear(ctx context.Context, group string) error
	// CountLogs counts claimed and unclaimed logs.
	CountLogs(ctx context.Context, group string) (int, error)
	// OldestUnclaimed returns the enqueue time of the oldest unclaimed log.
	OldestUnclaimed(ctx context.Context, group string) (time.Time, bool, error)
	Close() error
}

// Decoder turns a stored payload back into a Log.
type Decoder interface {
	DeserializeLog(data []byte, typeHint string) (logging.Log, error)
}

// PreferenceStore is a durable string key/value store.
type PreferenceStore interface {
	GetPreference(ctx context.Context, key string) (string, bool, error)
	SetPreference(ctx context.Context, key, value string) error
	DeletePreference(ctx context.Context, key string) error
}

// Preferences wraps a PreferenceStore with typed accessors. Read failures
// fall back to the default and are logged.
type Preferences struct {
	store  PreferenceStore
	logger *zap.Logger
}

func NewPreferences(store PreferenceStore, logger *zap.Logger) *Preferences {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Preferences{store: store, logger: logger}
}

func (p *Preferences) Bool(ctx context.Context, key string, def bool) bool {
	value, ok, err := p.store.GetPreference(ctx, key)
	if err != nil {
		p.logger.Warn("failed to read preference", zap.String("key", key), zap.Error(err))
		return def
	}
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return b
}

func (p *Preferences) SetBool(ctx context.Context, key string, value bool) {
	if err := p.store.SetPreference(ctx, key, strconv.FormatBool(value)); err != nil {
		p.logger.Error("failed to write preference", zap.String("key", key), zap.Error(err))
	}
}

func (p *Preferences) String(ctx context.Context, key string) (string, bool) {
	value, ok, err := p.store.GetPreference(ctx, key)
	if err != nil {
		p.logger.Warn("failed to read preference", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return value, ok
}

func (p *Preferences) SetString(ctx context.Context, key, value string) {
	if err := p.store.SetPreference(ctx, key, value); err != nil {
		p.logger.Error("failed to write preference", zap.String("key", key), zap.Error(err))
	}
}

func (p *Preferences) Delete(ctx context.Context, key string) {
	if err := p.store.DeletePreference(ctx, key); err != nil {
		p.logger.Error("failed to delete preference", zap.String("key", key), zap.Error(err))
	}
}
