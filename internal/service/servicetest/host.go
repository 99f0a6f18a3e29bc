// Package servicetest builds a real channel over an in-memory store for
// service tests.
package servicetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/logging/channel"
	"github.com/Chichichkin/LogChannel/internal/logging/serializer"
	"github.com/Chichichkin/LogChannel/internal/logging/storage"
	"github.com/Chichichkin/LogChannel/internal/service"
	"github.com/Chichichkin/LogChannel/internal/testutils"
)

type Env struct {
	Host       service.Host
	Channel    *channel.Channel
	Store      *storage.SQLite
	Serializer *serializer.Serializer
	Ingestion  *testutils.MockIngestion
}

// New wires a channel with a recording ingestion. Everything is torn down
// through t.Cleanup.
func New(t *testing.T, logger *zap.Logger, factories map[string]serializer.Factory) *Env {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}

	ser := serializer.New()
	ser.RegisterAll(factories)

	store, err := storage.NewSQLite(storage.Config{DSN: ":memory:", Capacity: 100}, ser, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ingestion := &testutils.MockIngestion{}
	ch := channel.New(channel.Config{
		AppSecret:   "app-secret",
		EndpointURL: "http://ingestion.test",
		Retry:       channel.RetrySettings{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond},
	}, store, ser, ingestion, channel.WithLogger(logger))
	t.Cleanup(ch.Shutdown)
	t.Cleanup(ingestion.Release)

	return &Env{
		Host: service.Host{
			Channel:     ch,
			Preferences: storage.NewPreferences(store, logger),
			Logger:      logger,
		},
		Channel:    ch,
		Store:      store,
		Serializer: ser,
		Ingestion:  ingestion,
	}
}

// Sent decodes every log received by the ingestion so far.
func (e *Env) Sent(t *testing.T) []logging.Log {
	t.Helper()
	var logs []logging.Log
	for _, req := range e.Ingestion.Requests() {
		container, err := e.Serializer.DeserializeContainer(req.Payload)
		require.NoError(t, err)
		logs = append(logs, container.Logs...)
	}
	return logs
}

// Stored counts the logs persisted for group.
func (e *Env) Stored(t *testing.T, group string) int {
	t.Helper()
	e.Channel.Sync()
	n, err := e.Store.CountLogs(context.Background(), group)
	require.NoError(t, err)
	return n
}
