package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"energy-telemetry-engine/alerts"
	"energy-telemetry-engine/analytics"
	"energy-telemetry-engine/bus"
	"energy-telemetry-engine/cache"
	"energy-telemetry-engine/config"
	"energy-telemetry-engine/events"
	"energy-telemetry-engine/ingress"
	"energy-telemetry-engine/models"
	"energy-telemetry-engine/optimizer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var cycleRunsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "energy_cycle_runs_total",
		Help: "Periodic cycle runs by cycle and result",
	},
	[]string{"cycle", "result"},
)

// Service owns every component of the engine. It is built once in main and
// passed to the HTTP handlers.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	bus       bus.Bus
	publisher *bus.Publisher
	cache     *cache.RedisClient

	Events   *events.Registry
	Decoder  *ingress.Decoder
	Store    *analytics.WindowStore
	Calc     *analytics.StatsCalculator
	Detector *analytics.AnomalyDetector
	Usage    *analytics.UsageAnalyzer
	Engine   *analytics.Engine
	Alerts   *alerts.Manager
	Planner  *optimizer.Planner
}

// New wires the components. rc may be nil when the redis cache is disabled.
func New(cfg *config.Config, b bus.Bus, rc *cache.RedisClient, logger *zap.Logger, now func() time.Time) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}

	s := &Service{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "service")),
		now:    now,
		bus:    b,
		cache:  rc,
	}

	var (
		statsCache analytics.StatsCache
		planCache  optimizer.PlanCache
	)
	if rc != nil {
		statsCache = rc
		planCache = rc
	}

	s.publisher = bus.NewPublisher(b, cfg.Bus.PublishTimeout, logger)
	s.Events = events.NewRegistry(logger)
	s.Decoder = ingress.NewDecoder(now)
	s.Store = analytics.NewWindowStore(cfg.Energy.Retention, now)
	s.Calc = analytics.NewStatsCalculator(cfg.Energy.UnitPrice, cfg.Energy.SampleInterval, now)
	s.Detector = analytics.NewAnomalyDetector(analytics.AnomalyConfig{
		MinSamples:           cfg.Anomaly.MinSamples,
		SpikeSigma:           cfg.Anomaly.SpikeSigma,
		HighConsumptionKWh:   cfg.Anomaly.HighConsumptionKWh,
		PowerFactorFloor:     cfg.Anomaly.PowerFactorFloor,
		PowerFactorReference: cfg.Anomaly.PowerFactorReference,
	}, now)
	s.Usage = analytics.NewUsageAnalyzer(s.Store, cfg.Energy.UnitPrice, cfg.Energy.Location)
	s.Alerts = alerts.NewManager(alerts.Config{
		ActiveWindow: cfg.Alerts.ActiveWindow,
		Retention:    cfg.Alerts.Retention,
	}, s.publisher, s.Events, logger, now)
	s.Planner = optimizer.NewPlanner(optimizer.Config{
		UnitPrice:        cfg.Energy.UnitPrice,
		MaxActions:       cfg.Optimizer.MaxActions,
		Retention:        cfg.Alerts.Retention,
		PendingRetention: cfg.Optimizer.PendingRetention,
	}, s.Store, s.publisher, s.Alerts, planCache, s.Events, logger, now)
	s.Engine = analytics.NewEngine(analytics.EngineConfig{
		Workers:   cfg.Engine.Workers,
		QueueSize: cfg.Engine.QueueSize,
	}, s.Store, s.Calc, s.Detector, s.Alerts, statsCache, s.Events, s.Decoder, logger)

	s.Events.On(events.DeviceStatus, func(p any) {
		if st, ok := p.(models.DeviceStatus); ok {
			s.logger.Debug("Device status", zap.String("device_id", st.DeviceID), zap.ByteString("payload", st.Payload))
		}
	})

	return s
}

// Start subscribes the ingest engine to device data and status topics.
func (s *Service) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, topic := range []string{bus.TopicReadings, bus.TopicStatus} {
		if err := s.bus.Subscribe(topic, s.Engine.HandleMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.logger.Info("Subscribed", zap.String("topic", topic))
	}
	return nil
}

// Run drives the optimization and cleanup cycles until ctx is cancelled. A
// cycle in progress when ctx is cancelled runs to completion.
func (s *Service) Run(ctx context.Context) error {
	optimize := time.NewTicker(s.cfg.Optimizer.Interval)
	defer optimize.Stop()
	cleanup := time.NewTicker(s.cfg.Cleanup.Interval)
	defer cleanup.Stop()

	s.logger.Info("Periodic cycles started",
		zap.Duration("optimizer_interval", s.cfg.Optimizer.Interval),
		zap.Duration("cleanup_interval", s.cfg.Cleanup.Interval),
	)

	cycleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Periodic cycles stopped")
			return nil
		case <-optimize.C:
			if _, err := s.RunOptimization(cycleCtx); err != nil {
				s.logger.Error("Optimization cycle failed", zap.Error(err))
			}
		case <-cleanup.C:
			s.RunCleanup()
		}
	}
}

// Constraints returns the constraints used by the periodic optimization.
func (s *Service) Constraints() models.EnergyConstraints {
	return models.EnergyConstraints{
		MaxPower:        s.cfg.Optimizer.MaxPower,
		MaxCost:         s.cfg.Optimizer.MaxCost,
		PriorityDevices: append([]string(nil), s.cfg.Optimizer.PriorityDevices...),
	}
}

func (s *Service) RunOptimization(ctx context.Context) (*models.OptimizationPlan, error) {
	plan, err := s.Planner.Optimize(ctx, s.Constraints())
	if err != nil {
		cycleRunsTotal.WithLabelValues("optimize", "error").Inc()
		return nil, err
	}
	cycleRunsTotal.WithLabelValues("optimize", "ok").Inc()
	return plan, nil
}

type CleanupResult struct {
	Alerts   int `json:"alerts"`
	Plans    int `json:"plans"`
	Readings int `json:"readings"`
}

func (s *Service) RunCleanup() CleanupResult {
	res := CleanupResult{
		Alerts:   s.Alerts.Cleanup(),
		Plans:    s.Planner.Prune(),
		Readings: s.Store.Prune(),
	}
	cycleRunsTotal.WithLabelValues("cleanup", "ok").Inc()
	s.logger.Info("Cleanup cycle finished",
		zap.Int("alerts_removed", res.Alerts),
		zap.Int("plans_removed", res.Plans),
		zap.Int("readings_removed", res.Readings),
	)
	return res
}

// Ingest decodes a reading received outside the bus and queues it.
func (s *Service) Ingest(payload []byte) (models.EnergyReading, error) {
	r, err := s.Decoder.DecodeReading(payload)
	if err != nil {
		return models.EnergyReading{}, err
	}
	if err := s.Engine.Submit(r); err != nil {
		return models.EnergyReading{}, err
	}
	return r, nil
}

// DeviceStats serves the store's stats. The cache is only consulted for
// devices this process does not hold, such as those ingested by a sibling.
func (s *Service) DeviceStats(ctx context.Context, deviceID string) (models.DeviceStats, bool) {
	if snap, ok := s.Store.Snapshot(deviceID); ok {
		return snap.Stats, true
	}
	if s.cache == nil {
		return models.DeviceStats{}, false
	}
	stats, err := s.cache.GetStats(ctx, deviceID)
	if err != nil {
		s.logger.Debug("Stats cache read failed", zap.String("device_id", deviceID), zap.Error(err))
		return models.DeviceStats{}, false
	}
	if stats == nil {
		return models.DeviceStats{}, false
	}
	return *stats, true
}

// Plan looks the plan up in the registry, then in the cache for plans this
// process no longer holds.
func (s *Service) Plan(ctx context.Context, planID string) (*models.OptimizationPlan, error) {
	plan, err := s.Planner.Get(planID)
	if err == nil || !errors.Is(err, optimizer.ErrPlanNotFound) || s.cache == nil {
		return plan, err
	}
	cached, cacheErr := s.cache.GetPlan(ctx, planID)
	if cacheErr != nil {
		s.logger.Debug("Plan cache read failed", zap.String("plan_id", planID), zap.Error(cacheErr))
		return nil, err
	}
	if cached == nil {
		return nil, err
	}
	return cached, nil
}

func (s *Service) Devices() []models.DeviceStats {
	snaps := s.Store.Snapshots()
	out := make([]models.DeviceStats, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.Stats)
	}
	return out
}

func (s *Service) UsageReport(tr models.TimeRange, g models.Granularity) (models.UsageReport, error) {
	return s.Usage.Analyze(tr, g)
}

// Close stops the ingest engine and then the transport.
func (s *Service) Close() error {
	s.Engine.Close()

	var errs []error
	if err := s.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	return errors.Join(errs...)
}
