package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/config"
)

// LineEvent is the analytics event name of a forwarded line.
const LineEvent = "log_line"

// EventTracker receives forwarded lines. analytics.Analytics implements it.
type EventTracker interface {
	TrackEvent(name string, properties map[string]string)
}

// Relay tails the *.log files under a root directory with an elastic worker
// pool and forwards every appended line as an event.
type Relay struct {
	config        config.RelayConfig
	tracker       EventTracker
	logger        *zap.Logger
	fileQueue     chan string
	workers       []*worker
	workersWg     sync.WaitGroup
	subServicesWg sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *RelayMetrics

	scaleMutex     sync.Mutex
	currentWorkers int
	maxWorkers     int
	minWorkers     int

	filesMu   sync.Mutex
	seenFiles map[string]struct{}
	tailing   map[string]struct{}
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRelay starts no goroutine; Start runs 3 + MinWorkers of them.
func NewRelay(ctx context.Context, cfg config.RelayConfig, tracker EventTracker, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	nCtx, cancel := context.WithCancel(ctx)

	r := &Relay{
		config:         cfg,
		tracker:        tracker,
		logger:         logger.With(zap.String("component", "relay")),
		fileQueue:      make(chan string, cfg.QueueSize),
		ctx:            nCtx,
		cancel:         cancel,
		metrics:        NewRelayMetrics(cfg.QueueSize),
		minWorkers:     cfg.MinWorkers,
		maxWorkers:     cfg.MaxWorkers,
		currentWorkers: cfg.MinWorkers,
		seenFiles:      make(map[string]struct{}),
		tailing:        make(map[string]struct{}),
	}
	r.workers = make([]*worker, cfg.MaxWorkers+1)
	return r
}

// Metrics exposes the relay counters, also usable as a prometheus.Collector.
func (r *Relay) Metrics() *RelayMetrics {
	return r.metrics
}

func (r *Relay) Start() {
	r.logger.Info("starting relay",
		zap.String("root", r.config.LogRootPath),
		zap.Int("min_workers", r.minWorkers),
		zap.Int("max_workers", r.maxWorkers),
		zap.Int("queue_size", r.config.QueueSize))

	r.scaleMutex.Lock()
	for i := 0; i < r.minWorkers; i++ {
		r.startWorker(i)
	}
	r.scaleMutex.Unlock()

	r.subServicesWg.Add(1)
	go r.scanner()

	r.subServicesWg.Add(1)
	go r.monitorAndScale()

	r.subServicesWg.Add(1)
	go r.metricsReporter()
}

func (r *Relay) Stop() {
	r.logger.Info("stopping relay")
	r.cancel()

	r.subServicesWg.Wait()

	close(r.fileQueue)
	r.workersWg.Wait()

	r.logger.Info("relay stopped")
}

// startWorker must be called with scaleMutex held.
func (r *Relay) startWorker(id int) {
	if id >= len(r.workers) || r.workers[id] != nil {
		return
	}

	workerCtx, cancel := context.WithCancel(r.ctx)
	w := &worker{id: id, ctx: workerCtx, cancel: cancel}
	r.workers[id] = w

	r.workersWg.Add(1)
	go r.worker(w)

	r.metrics.WorkersActive.Inc()
	r.logger.Debug("worker started", zap.Int("worker", id))
}

// stopWorker must be called with scaleMutex held.
func (r *Relay) stopWorker(id int) {
	if id >= len(r.workers) || r.workers[id] == nil {
		return
	}

	r.workers[id].cancel()
	r.workers[id] = nil

	r.metrics.WorkersActive.Dec()
	r.logger.Debug("worker stopped", zap.Int("worker", id))
}

func (r *Relay) worker(w *worker) {
	defer r.workersWg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("worker panicked", zap.Int("worker", w.id), zap.Any("panic", rec))
		}
	}()

	for {
		select {
		case filePath, ok := <-r.fileQueue:
			if !ok {
				return
			}
			r.metrics.QueuedFiles.Dec()
			r.metrics.WorkersBusy.Inc()
			r.processFile(w.ctx, filePath)
			r.metrics.WorkersBusy.Dec()

		case <-w.ctx.Done():
			return
		}
	}
}

func (r *Relay) processFile(ctx context.Context, filePath string) {
	defer r.metrics.FilesProcessed.Inc()
	defer r.release(filePath)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("file processing panicked", zap.String("file", filePath), zap.Any("panic", rec))
			r.metrics.FilesFailed.Inc()
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		r.logger.Error("failed to tail file", zap.String("file", filePath), zap.Error(err))
		r.metrics.FilesFailed.Inc()
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	labels := r.extractLabels(filePath)

	checkTicker := time.NewTicker(time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line := <-t.Lines:
			if line == nil {
				continue
			}
			if line.Err != nil {
				r.logger.Warn("error reading file", zap.String("file", filePath), zap.Error(line.Err))
				continue
			}
			if strings.TrimSpace(line.Text) == "" {
				continue
			}

			r.tracker.TrackEvent(LineEvent, lineProperties(line.Text, labels))
			r.metrics.LinesForwarded.Inc()
			lastActivity = time.Now()

		case <-checkTicker.C:
			// wake up from blocking reads to check the idle timeout
			if r.config.FileIdleTimeout > 0 && time.Since(lastActivity) > r.config.FileIdleTimeout {
				r.logger.Debug("file idle, releasing it", zap.String("file", filePath))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// lineProperties keeps the five properties an analytics event can carry.
func lineProperties(text string, labels map[string]string) map[string]string {
	props := map[string]string{
		"line": text,
		"file": labels["file"],
		"node": labels["node"],
	}
	if ns, ok := labels["namespace"]; ok {
		props["namespace"] = ns
	}
	if c, ok := labels["container"]; ok {
		props["container"] = c
	}
	return props
}

func (r *Relay) scanner() {
	defer r.subServicesWg.Done()

	r.scanFiles()

	ticker := time.NewTicker(r.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.scanFiles()

		case <-r.ctx.Done():
			return
		}
	}
}

// scanFiles queues every log file that is not already queued or tailed.
func (r *Relay) scanFiles() {
	files, err := r.discoverLogFiles()
	if err != nil {
		r.logger.Error("failed to discover log files", zap.Error(err))
		return
	}

	for _, file := range files {
		if !r.claim(file) {
			continue
		}
		select {
		case r.fileQueue <- file:
			r.metrics.QueuedFiles.Inc()
		case <-r.ctx.Done():
			r.release(file)
			return
		default:
			r.release(file)
			r.logger.Warn("file queue full, skipping file",
				zap.Int("queued", len(r.fileQueue)),
				zap.Int("capacity", cap(r.fileQueue)),
				zap.String("file", file))
		}
	}
}

func (r *Relay) claim(file string) bool {
	r.filesMu.Lock()
	defer r.filesMu.Unlock()
	if _, ok := r.seenFiles[file]; !ok {
		r.seenFiles[file] = struct{}{}
		r.metrics.FilesDiscovered.Inc()
	}
	if _, ok := r.tailing[file]; ok {
		return false
	}
	r.tailing[file] = struct{}{}
	return true
}

func (r *Relay) release(file string) {
	r.filesMu.Lock()
	defer r.filesMu.Unlock()
	delete(r.tailing, file)
}

func (r *Relay) monitorAndScale() {
	defer r.subServicesWg.Done()

	ticker := time.NewTicker(r.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.adjustWorkers()

		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Relay) adjustWorkers() {
	if r.minWorkers == r.maxWorkers {
		return
	}

	r.scaleMutex.Lock()
	current := r.currentWorkers
	r.scaleMutex.Unlock()

	queueUsage := r.metrics.QueueUsage()
	workerUtilization := 0.0
	if current > 0 {
		workerUtilization = float64(r.metrics.WorkersBusy.Load()) / float64(current)
	}

	if queueUsage > r.config.ScaleUpThreshold || workerUtilization > r.config.ScaleUpThreshold {
		r.scaleUp()
	} else if queueUsage < r.config.ScaleDownThreshold && workerUtilization < r.config.ScaleDownThreshold {
		r.scaleDown()
	}
}

func (r *Relay) scaleUp() {
	r.scaleMutex.Lock()
	defer r.scaleMutex.Unlock()

	if r.currentWorkers >= r.maxWorkers {
		return
	}

	newWorkerID := r.currentWorkers
	r.currentWorkers++

	r.startWorker(newWorkerID)
	r.metrics.ScaleUpOperations.Inc()

	r.logger.Info("scaled up",
		zap.Int("workers", r.currentWorkers),
		zap.Float64("queue_usage", r.metrics.QueueUsage()))
}

func (r *Relay) scaleDown() {
	r.scaleMutex.Lock()
	defer r.scaleMutex.Unlock()

	if r.currentWorkers <= r.minWorkers {
		return
	}

	r.currentWorkers--
	r.stopWorker(r.currentWorkers)
	r.metrics.ScaleDownOperations.Inc()

	r.logger.Info("scaled down",
		zap.Int("workers", r.currentWorkers),
		zap.Float64("queue_usage", r.metrics.QueueUsage()))
}

func (r *Relay) workerCount() int {
	r.scaleMutex.Lock()
	defer r.scaleMutex.Unlock()
	return r.currentWorkers
}

func (r *Relay) metricsReporter() {
	defer r.subServicesWg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := r.metrics.Stamp()
			r.logger.Info("relay metrics",
				zap.Int64("workers_active", s.WorkersActive),
				zap.Int("workers_max", r.maxWorkers),
				zap.Int64("workers_busy", s.WorkersBusy),
				zap.Int64("queued_files", s.QueuedFiles),
				zap.Float64("queue_usage", r.metrics.QueueUsage()),
				zap.Int64("files_processed", s.FilesProcessed),
				zap.Int64("files_discovered", s.FilesDiscovered),
				zap.Int64("lines_forwarded", s.LinesForwarded),
				zap.Int64("scale_up", s.ScaleUpOperations),
				zap.Int64("scale_down", s.ScaleDownOperations))

		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Relay) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(r.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			r.logger.Warn("failed to access path", zap.String("path", path), zap.Error(err))
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads the kubelet layout
// <root>/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (r *Relay) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"node": r.config.NodeName,
		"file": filepath.Base(filePath),
	}

	rel, err := filepath.Rel(r.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 2 {
		podParts := strings.Split(parts[0], "_")
		if len(podParts) >= 3 {
			labels["namespace"] = podParts[0]
			labels["pod"] = podParts[1]
			labels["pod_uid"] = podParts[2]
		}
	}
	if len(parts) >= 3 {
		labels["container"] = parts[1]
	}

	return labels
}
