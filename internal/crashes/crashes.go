package crashes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/logging"
	"github.com/Chichichkin/LogChannel/internal/logging/channel"
	"github.com/Chichichkin/LogChannel/internal/logging/serializer"
	"github.com/Chichichkin/LogChannel/internal/serial"
	"github.com/Chichichkin/LogChannel/internal/service"
)

const (
	ServiceName = "Crashes"
	Group       = "group_errors"

	prefAlwaysSend   = "crashes_always_send"
	errorLogFileExt  = ".json"
	errorLogFileMode = 0600
)

// DefaultPolicy sends every error log on its own.
var DefaultPolicy = channel.GroupConfig{
	TriggerCount:       1,
	MaxParallelBatches: 1,
}

// UserConfirmation answers a pending crash report prompt.
type UserConfirmation int

const (
	Send UserConfirmation = iota
	DontSend
	AlwaysSend
)

func (u UserConfirmation) String() string {
	switch u {
	case Send:
		return "send"
	case DontSend:
		return "dont_send"
	case AlwaysSend:
		return "always_send"
	}
	return "unknown"
}

// Listener drives crash report processing and observes their delivery.
type Listener interface {
	// ShouldProcess returns false to discard a stored report.
	ShouldProcess(report *ErrorReport) bool
	// ShouldAwaitUserConfirmation returns true to hold reports until
	// NotifyUserConfirmation is called.
	ShouldAwaitUserConfirmation() bool
	OnBeforeSending(report *ErrorReport)
	OnSendingSucceeded(report *ErrorReport)
	OnSendingFailed(report *ErrorReport, err error)
}

// DefaultListener processes every report without asking the user. Embed it
// to override a subset of the callbacks.
type DefaultListener struct{}

func (DefaultListener) ShouldProcess(*ErrorReport) bool { return true }
func (DefaultListener) ShouldAwaitUserConfirmation() bool { return false }
func (DefaultListener) OnBeforeSending(*ErrorReport) {}
func (DefaultListener) OnSendingSucceeded(*ErrorReport) {}
func (DefaultListener) OnSendingFailed(*ErrorReport, error) {}

type pendingReport struct {
	log  *ManagedErrorLog
	path string
}

// Crashes stores error logs on disk, hands them to the channel on the next
// start and reports the crash of the last session.
type Crashes struct {
	*service.Base

	dir        string
	serializer *serializer.Serializer
	worker     *serial.Executor
	startedAt  time.Time

	mu       sync.Mutex
	listener Listener
	// lastSession is closed once the last session report is processed, nil
	// when there was nothing to process.
	lastSession   chan struct{}
	lastPending   bool
	lastReport    *ErrorReport
	lastCallbacks []func(*ErrorReport)

	// worker owned
	unprocessed []pendingReport
}

// New stores error logs under dir.
func New(dir string) *Crashes {
	c := &Crashes{
		Base:       service.NewBase(ServiceName, Group, DefaultPolicy),
		dir:        dir,
		serializer: serializer.New(),
		worker:     serial.New(),
		startedAt:  time.Now(),
		listener:   DefaultListener{},
	}
	c.serializer.RegisterAll(c.LogFactories())
	return c
}

func (c *Crashes) LogFactories() map[string]serializer.Factory {
	return map[string]serializer.Factory{
		ManagedErrorLogType: func() logging.Log { return &ManagedErrorLog{} },
	}
}

func (c *Crashes) OnStarted(ctx context.Context, host service.Host) error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("failed to create crash directory: %w", err)
	}

	c.Start(ctx, host, c.onChannelEvent)
	if !c.IsEnabled(ctx) {
		return nil
	}

	files, err := c.errorLogFiles()
	if err != nil {
		c.Logger().Error("failed to list stored error logs", zap.Error(err))
		return nil
	}
	if len(files) > 0 {
		last := files[len(files)-1]
		c.mu.Lock()
		c.lastSession = make(chan struct{})
		c.lastPending = true
		c.mu.Unlock()
		c.worker.Submit(func() { c.processLastSession(last) })
	}
	c.worker.Submit(c.processPendingErrors)
	return nil
}

// Close stops the crash worker after the queued work ran.
func (c *Crashes) Close() {
	c.worker.Stop()
	c.worker.Wait()
}

// Sync waits for the crash work queued so far.
func (c *Crashes) Sync() {
	c.worker.Sync()
}

// SetListener replaces the listener, nil restores DefaultListener.
func (c *Crashes) SetListener(l Listener) {
	if l == nil {
		l = DefaultListener{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *Crashes) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// SetEnabled disables or enables the service. Disabling also deletes every
// stored error log and drops reports awaiting confirmation.
func (c *Crashes) SetEnabled(ctx context.Context, enabled bool) {
	c.Base.SetEnabled(ctx, enabled)
	if enabled {
		return
	}
	c.worker.Submit(func() {
		c.unprocessed = nil
		files, err := c.errorLogFiles()
		if err != nil {
			c.Logger().Error("failed to list stored error logs", zap.Error(err))
			return
		}
		for _, f := range files {
			c.removeFile(f)
		}
		c.Logger().Info("deleted stored error logs", zap.Int("count", len(files)))
	})
}

// HasCrashedInLastSession reports whether a last session crash report
// exists or is still being processed.
func (c *Crashes) HasCrashedInLastSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReport != nil || c.lastPending
}

// LastSessionCrashReport blocks until the last session report is processed
// and returns it, nil when the last session did not crash.
func (c *Crashes) LastSessionCrashReport(ctx context.Context) (*ErrorReport, error) {
	c.mu.Lock()
	gate := c.lastSession
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReport, nil
}

// LastSessionCrashReportAsync never blocks; cb runs on the crash worker once
// the report is available.
func (c *Crashes) LastSessionCrashReportAsync(cb func(*ErrorReport)) {
	c.mu.Lock()
	if c.lastPending {
		c.lastCallbacks = append(c.lastCallbacks, cb)
		c.mu.Unlock()
		return
	}
	report := c.lastReport
	c.mu.Unlock()

	if !c.worker.Submit(func() { cb(report) }) {
		cb(report)
	}
}

// NotifyUserConfirmation releases the reports held for confirmation.
func (c *Crashes) NotifyUserConfirmation(confirmation UserConfirmation) {
	if !c.Started() {
		return
	}
	c.worker.Submit(func() { c.handleUserConfirmation(confirmation) })
}

// SaveErrorLog stores log so that it is processed on the next start. It is
// meant for crash handlers that run right before the process exits.
func (c *Crashes) SaveErrorLog(log *ManagedErrorLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}

	payload, err := c.serializer.SerializeLog(log)
	if err != nil {
		return fmt.Errorf("failed to serialize error log: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("failed to create crash directory: %w", err)
	}
	path := filepath.Join(c.dir, log.ID.String()+errorLogFileExt)
	if err := os.WriteFile(path, payload, errorLogFileMode); err != nil {
		return fmt.Errorf("failed to write error log: %w", err)
	}
	return nil
}

// NewErrorLog fills the process attributes of a new error log.
func (c *Crashes) NewErrorLog(exception *Exception, fatal bool) *ManagedErrorLog {
	pid := os.Getpid()
	ppid := os.Getppid()
	offset := time.Since(c.startedAt).Milliseconds()
	name := ""
	if len(os.Args) > 0 {
		name = filepath.Base(os.Args[0])
	}
	return &ManagedErrorLog{
		BaseLog:          logging.BaseLog{Timestamp: time.Now().UTC()},
		ID:               uuid.New(),
		ProcessID:        &pid,
		ProcessName:      name,
		ParentProcessID:  &ppid,
		ErrorThreadName:  "main",
		Fatal:            &fatal,
		AppLaunchTOffset: &offset,
		Exception:        exception,
	}
}

// TrackError enqueues a handled, non fatal error right away.
func (c *Crashes) TrackError(exception *Exception) {
	if exception == nil {
		return
	}
	c.Enqueue(context.Background(), c.NewErrorLog(exception, false))
}

// --- worker side ---

func (c *Crashes) processLastSession(path string) {
	var report *ErrorReport
	if log, err := c.readErrorLog(path); err != nil {
		c.Logger().Error("failed to read last session error log", zap.String("file", path), zap.Error(err))
	} else {
		report = newErrorReport(log)
		c.Logger().Debug("processed crash report for the last session", zap.String("id", report.ID))
	}

	c.mu.Lock()
	c.lastReport = report
	c.lastPending = false
	close(c.lastSession)
	callbacks := c.lastCallbacks
	c.lastCallbacks = nil
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(report)
	}
}

func (c *Crashes) processPendingErrors() {
	ctx := context.Background()
	logger := c.Logger()
	listener := c.currentListener()

	files, err := c.errorLogFiles()
	if err != nil {
		logger.Error("failed to list stored error logs", zap.Error(err))
		return
	}

	for _, path := range files {
		if !c.IsEnabled(ctx) {
			logger.Info("service disabled while processing error logs, stopping")
			return
		}
		log, err := c.readErrorLog(path)
		if err != nil {
			logger.Error("deleting unreadable error log", zap.String("file", path), zap.Error(err))
			c.removeFile(path)
			continue
		}
		if !listener.ShouldProcess(newErrorReport(log)) {
			logger.Debug("listener declined error log, deleting it", zap.String("id", log.ID.String()))
			c.removeFile(path)
			continue
		}
		c.unprocessed = append(c.unprocessed, pendingReport{log: log, path: path})
	}

	if len(c.unprocessed) == 0 || !c.IsEnabled(ctx) {
		return
	}
	if prefs := c.Preferences(); prefs != nil && prefs.Bool(ctx, prefAlwaysSend, false) {
		logger.Debug("user chose to always send crash reports")
		c.handleUserConfirmation(Send)
		return
	}
	if !listener.ShouldAwaitUserConfirmation() {
		c.handleUserConfirmation(Send)
		return
	}
	logger.Info("waiting for user confirmation", zap.Int("count", len(c.unprocessed)))
}

func (c *Crashes) handleUserConfirmation(confirmation UserConfirmation) {
	ctx := context.Background()
	c.Logger().Debug("handling user confirmation", zap.Stringer("confirmation", confirmation))

	if confirmation == DontSend {
		for _, p := range c.unprocessed {
			c.removeFile(p.path)
		}
		c.unprocessed = nil
		return
	}

	if confirmation == AlwaysSend {
		if prefs := c.Preferences(); prefs != nil {
			prefs.SetBool(ctx, prefAlwaysSend, true)
		}
	}
	var enqueued []string
	for len(c.unprocessed) > 0 {
		if !c.IsEnabled(ctx) {
			break
		}
		p := c.unprocessed[0]
		c.unprocessed = c.unprocessed[1:]
		if c.Enqueue(ctx, p.log) {
			enqueued = append(enqueued, p.path)
		}
	}
	if len(enqueued) == 0 {
		return
	}
	// a file is the only copy of its report until the channel stored it
	c.WaitPersisted()
	for _, path := range enqueued {
		c.removeFile(path)
	}
}

func (c *Crashes) onChannelEvent(e logging.Event) {
	log, ok := e.Log.(*ManagedErrorLog)
	if !ok {
		c.Logger().Warn("unexpected log type in the errors group", zap.String("log_type", e.Log.Type()))
		return
	}
	if !log.IsFatal() {
		return
	}

	report := newErrorReport(log)
	listener := c.currentListener()
	switch e.Kind {
	case logging.BeforeSending:
		listener.OnBeforeSending(report)
	case logging.SendSucceeded:
		listener.OnSendingSucceeded(report)
	case logging.SendFailed:
		listener.OnSendingFailed(report, e.Err)
	}
}

// errorLogFiles lists the stored error logs, oldest first.
func (c *Crashes) errorLogFiles() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type file struct {
		path    string
		modTime time.Time
	}
	var files []file
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), errorLogFileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, file{path: filepath.Join(c.dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

func (c *Crashes) readErrorLog(path string) (*ManagedErrorLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	log, err := c.serializer.DeserializeLog(data, ManagedErrorLogType)
	if err != nil {
		return nil, err
	}
	errorLog, ok := log.(*ManagedErrorLog)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an error log", logging.ErrMalformedPayload, log.Type())
	}
	return errorLog, nil
}

func (c *Crashes) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.Logger().Warn("failed to delete error log", zap.String("file", path), zap.Error(err))
	}
}
