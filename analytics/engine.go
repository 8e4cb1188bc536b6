package analytics

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"energy-telemetry-engine/events"
	"energy-telemetry-engine/ingress"
	"energy-telemetry-engine/models"

	"go.uber.org/zap"
)

// ErrEngineClosed is returned by Submit after Close.
var ErrEngineClosed = errors.New("engine closed")

// ErrQueueFull is returned by Submit when the device's worker queue is full
// and the reading was dropped.
var ErrQueueFull = errors.New("ingest queue full")

// ErrReadingExpired is returned by Process for a reading that is already
// older than the retention window.
var ErrReadingExpired = errors.New("reading older than retention window")

// counterResetRatio separates a meter reset from a glitch: a counter that
// drops below this share of the previous value starts a new series.
const counterResetRatio = 0.1

// AlertSink receives the alerts the detector raises. *alerts.Manager
// satisfies it.
type AlertSink interface {
	Create(ctx context.Context, alert models.AnomalyAlert) models.AnomalyAlert
}

// StatsCache stores the latest stats so other processes can read them.
type StatsCache interface {
	SaveStats(ctx context.Context, stats models.DeviceStats) error
}

type EngineConfig struct {
	Workers      int
	QueueSize    int
	CacheTimeout time.Duration
}

// Engine runs the per-reading pipeline: window append and stats recompute,
// anomaly evaluation, alert creation, then the stats snapshot and the
// reading event. Readings of one device always land on the same worker so
// they are processed in arrival order.
type Engine struct {
	store    *WindowStore
	calc     *StatsCalculator
	detector *AnomalyDetector
	alerts   AlertSink
	cache    StatsCache
	events   *events.Registry
	decoder  *ingress.Decoder
	logger   *zap.Logger

	cacheTimeout time.Duration
	queues       []chan models.EnergyReading
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// DefaultWorkers is two workers per CPU, clamped to 4..16.
func DefaultWorkers() int {
	n := runtime.NumCPU() * 2
	if n < 4 {
		n = 4
	}
	if n > 16 {
		n = 16
	}
	return n
}

func NewEngine(
	cfg EngineConfig,
	store *WindowStore,
	calc *StatsCalculator,
	detector *AnomalyDetector,
	alerts AlertSink,
	cache StatsCache,
	reg *events.Registry,
	decoder *ingress.Decoder,
	logger *zap.Logger,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = 2 * time.Second
	}
	if decoder == nil {
		decoder = ingress.NewDecoder(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:        store,
		calc:         calc,
		detector:     detector,
		alerts:       alerts,
		cache:        cache,
		events:       reg,
		decoder:      decoder,
		logger:       logger.With(zap.String("component", "engine")),
		cacheTimeout: cfg.CacheTimeout,
		queues:       make([]chan models.EnergyReading, cfg.Workers),
	}

	perWorker := cfg.QueueSize / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}

	e.logger.Info("Starting analytics workers", zap.Int("workers", cfg.Workers), zap.Int("queue_per_worker", perWorker))
	for i := range e.queues {
		e.queues[i] = make(chan models.EnergyReading, perWorker)
		e.wg.Add(1)
		go e.worker(e.queues[i])
	}

	return e
}

// HandleMessage is the bus callback for energy/+/data and energy/+/status.
// Malformed messages are logged and dropped.
func (e *Engine) HandleMessage(topic string, payload []byte) {
	msg, err := e.decoder.Decode(topic, payload)
	if err != nil {
		readingsProcessedTotal.WithLabelValues("malformed").Inc()
		e.logger.Warn("Dropping malformed message", zap.String("topic", topic), zap.Error(err))
		return
	}

	switch msg.Kind {
	case ingress.KindStatus:
		e.events.Emit(events.DeviceStatus, msg.Status)
	case ingress.KindData:
		// Submit already logs and counts drops
		_ = e.Submit(msg.Reading)
	}
}

// Submit queues a validated reading. It never blocks: a full queue drops
// the reading.
func (e *Engine) Submit(r models.EnergyReading) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}

	select {
	case e.queues[e.shard(r.DeviceID)] <- r:
		queueDepth.Inc()
		return nil
	default:
		readingsProcessedTotal.WithLabelValues("dropped").Inc()
		e.logger.Warn("Reading queue is full, dropping reading", zap.String("device_id", r.DeviceID))
		return ErrQueueFull
	}
}

func (e *Engine) shard(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(e.queues)))
}

func (e *Engine) worker(queue <-chan models.EnergyReading) {
	defer e.wg.Done()
	for r := range queue {
		queueDepth.Dec()
		if _, err := e.Process(context.Background(), r); err != nil {
			e.logger.Warn("Reading rejected", zap.String("device_id", r.DeviceID), zap.Error(err))
		}
	}
}

// Process runs the pipeline for one reading on the calling goroutine and
// returns the alerts it raised. Callers must not process readings of the
// same device concurrently.
func (e *Engine) Process(ctx context.Context, r models.EnergyReading) ([]models.AnomalyAlert, error) {
	start := time.Now()
	defer func() {
		processingDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	if last, ok := e.store.LastReading(r.DeviceID); ok && r.Energy < last.Energy {
		if r.Energy >= last.Energy*counterResetRatio {
			readingsProcessedTotal.WithLabelValues("malformed").Inc()
			return nil, fmt.Errorf("%w: device %s went from %.3f to %.3f kWh",
				ingress.ErrCounterRegression, r.DeviceID, last.Energy, r.Energy)
		}
		e.logger.Info("Energy counter reset",
			zap.String("device_id", r.DeviceID),
			zap.Float64("previous_kwh", last.Energy),
			zap.Float64("current_kwh", r.Energy),
		)
	}

	snap := e.store.Append(r, e.calc.Compute)
	if !snap.Kept {
		readingsProcessedTotal.WithLabelValues("expired").Inc()
		return nil, fmt.Errorf("%w: device %s at %d", ErrReadingExpired, r.DeviceID, r.Timestamp)
	}
	detected := e.detector.Evaluate(snap.Readings, snap.Stats, r)

	created := make([]models.AnomalyAlert, 0, len(detected))
	for _, a := range detected {
		anomaliesDetectedTotal.WithLabelValues(string(a.Type)).Inc()
		if e.alerts != nil {
			a = e.alerts.Create(ctx, a)
		}
		created = append(created, a)
	}

	if e.cache != nil {
		// written on the device's worker so snapshots land in order
		cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cacheTimeout)
		if err := e.cache.SaveStats(cacheCtx, snap.Stats); err != nil {
			e.logger.Debug("Failed to cache stats", zap.String("device_id", r.DeviceID), zap.Error(err))
		}
		cancel()
	}

	e.events.Emit(events.Reading, r)
	readingsProcessedTotal.WithLabelValues("ok").Inc()
	return created, nil
}

// Close stops accepting readings, drains the queues and waits for the
// workers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, q := range e.queues {
		close(q)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Analytics workers stopped")
}
