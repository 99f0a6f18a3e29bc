package testutils

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

// MockIngestion records every request and answers with scripted outcomes.
// Once the script is exhausted it answers with Default.
type MockIngestion struct {
	Default error

	mu       sync.Mutex
	requests []logging.Request
	outcomes []error
	gate     chan struct{}
}

// Script appends outcomes consumed by the next Send calls, in order.
func (m *MockIngestion) Script(outcomes ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcomes...)
}

// Hold defers the outcome of every Send after recording the request until
// Release is called.
func (m *MockIngestion) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

func (m *MockIngestion) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// Send records req and answers through done from another goroutine. Without
// Hold the outcome is taken from the script in call order.
func (m *MockIngestion) Send(ctx context.Context, req logging.Request, done func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	gate := m.gate
	if gate == nil {
		err := m.next()
		go done(err)
		return
	}
	go func() {
		select {
		case <-gate:
		case <-ctx.Done():
			done(ctx.Err())
			return
		}
		m.mu.Lock()
		err := m.next()
		m.mu.Unlock()
		done(err)
	}()
}

func (m *MockIngestion) next() error {
	if len(m.outcomes) > 0 {
		err := m.outcomes[0]
		m.outcomes = m.outcomes[1:]
		return err
	}
	return m.Default
}

func (m *MockIngestion) Requests() []logging.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Request(nil), m.requests...)
}

func (m *MockIngestion) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// RecordingListener collects the events delivered to a group listener.
type RecordingListener struct {
	mu     sync.Mutex
	events []logging.Event
}

func (l *RecordingListener) Listen(e logging.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *RecordingListener) Events() []logging.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logging.Event(nil), l.events...)
}

// Of returns the logs of the events of the given kind, in delivery order.
func (l *RecordingListener) Of(kind logging.EventKind) []logging.Log {
	l.mu.Lock()
	defer l.mu.Unlock()
	var logs []logging.Log
	for _, e := range l.events {
		if e.Kind == kind {
			logs = append(logs, e.Log)
		}
	}
	return logs
}

func (l *RecordingListener) Count(kind logging.EventKind) int {
	return len(l.Of(kind))
}

// StubDeviceProvider returns a fixed snapshot and counts the calls.
type StubDeviceProvider struct {
	Device *logging.Device
	Err    error

	mu    sync.Mutex
	calls int
}

func (p *StubDeviceProvider) Snapshot(context.Context) (*logging.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil {
		return nil, p.Err
	}
	device := *p.Device
	return &device, nil
}

func (p *StubDeviceProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// TrackedEvent is one call captured by MockEventTracker.
type TrackedEvent struct {
	Name       string
	Properties map[string]string
}

// MockEventTracker captures analytics events forwarded by the relay.
type MockEventTracker struct {
	mu     sync.Mutex
	events []TrackedEvent
}

func (m *MockEventTracker) TrackEvent(name string, properties map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, TrackedEvent{Name: name, Properties: properties})
}

func (m *MockEventTracker) Events() []TrackedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TrackedEvent(nil), m.events...)
}

// CreateTempLogStructure lays out a kubelet style /var/log/pods tree.
func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
		"monitoring_pod-4_uid101/prometheus/notes.txt":      "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
