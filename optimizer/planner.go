package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"energy-telemetry-engine/analytics"
	"energy-telemetry-engine/events"
	"energy-telemetry-engine/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrPlanNotFound   = errors.New("plan not found")
	ErrPlanNotPending = errors.New("plan is not pending")
)

const (
	reducePowerThresholdW = 1000.0
	reducePowerFactor     = 0.3
	replaceEfficiency     = 0.7
	replaceFactor         = 0.2
	idleRecentW           = 50.0
	idleAverageW          = 100.0

	highPriorityKWh   = 100.0
	mediumPriorityKWh = 50.0
)

// Publisher is satisfied by *bus.Publisher.
type Publisher interface {
	Plan(ctx context.Context, plan *models.OptimizationPlan) error
	PlanCompleted(ctx context.Context, plan *models.OptimizationPlan) error
	Control(ctx context.Context, deviceID string, cmd models.ControlCommand) error
}

type AlertCreator interface {
	Create(ctx context.Context, alert models.AnomalyAlert) models.AnomalyAlert
}

type PlanCache interface {
	SavePlan(ctx context.Context, plan *models.OptimizationPlan) error
}

type Config struct {
	UnitPrice  float64
	MaxActions int
	// RecentWindow is the span used for the idle check.
	RecentWindow time.Duration
	// Retention bounds how long finished plans are kept.
	Retention time.Duration
	// PendingRetention bounds how long a plan may wait for execution.
	PendingRetention time.Duration
}

// Planner scans device stats for savings opportunities and owns the plan
// registry and its pending -> executing -> completed|failed lifecycle.
type Planner struct {
	cfg    Config
	store  *analytics.WindowStore
	pub    Publisher
	alerts AlertCreator
	cache  PlanCache
	events *events.Registry
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	plans []*models.OptimizationPlan
}

func NewPlanner(
	cfg Config,
	store *analytics.WindowStore,
	pub Publisher,
	alerts AlertCreator,
	cache PlanCache,
	reg *events.Registry,
	logger *zap.Logger,
	now func() time.Time,
) *Planner {
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = 10
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.PendingRetention <= 0 {
		cfg.PendingRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Planner{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		alerts: alerts,
		cache:  cache,
		events: reg,
		logger: logger.With(zap.String("component", "optimizer")),
		now:    now,
	}
}

// Optimize builds, registers and publishes a new pending plan.
func (p *Planner) Optimize(ctx context.Context, constraints models.EnergyConstraints) (*models.OptimizationPlan, error) {
	now := p.now()
	recentSince := now.Add(-p.cfg.RecentWindow).UnixMilli()

	var (
		actions     []models.OptimizationAction
		totalEnergy float64
		totalCost   float64
	)

	for _, snap := range p.store.Snapshots() {
		stats := snap.Stats
		if stats.Samples == 0 {
			continue
		}
		totalEnergy += stats.TotalEnergy
		totalCost += stats.Cost

		if constraints.IsPriority(snap.DeviceID) {
			continue
		}
		actions = append(actions, p.deviceActions(snap, recentSince)...)
	}

	if constraints.MaxCost > 0 && totalCost > constraints.MaxCost && p.alerts != nil {
		p.alerts.Create(ctx, models.AnomalyAlert{
			Type:         models.AlertCostOverrun,
			Severity:     models.SeverityCritical,
			Message:      fmt.Sprintf("Facility cost %.2f exceeds limit %.2f", totalCost, constraints.MaxCost),
			CurrentValue: totalCost,
			Threshold:    constraints.MaxCost,
		})
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].ExpectedSavings > actions[j].ExpectedSavings
	})

	var savedEnergy float64
	for _, a := range actions {
		savedEnergy += a.ExpectedSavings
	}

	kept := actions
	if len(kept) > p.cfg.MaxActions {
		kept = kept[:p.cfg.MaxActions]
	}

	plan := &models.OptimizationPlan{
		ID:        uuid.New().String(),
		Timestamp: now.UnixMilli(),
		Actions:   append([]models.OptimizationAction{}, kept...),
		ExpectedSavings: models.Savings{
			Energy: savedEnergy,
			Cost:   savedEnergy * p.cfg.UnitPrice,
		},
		Priority:          priorityFor(savedEnergy),
		Status:            models.PlanPending,
		DiscoveredActions: len(actions),
	}
	if totalEnergy > 0 {
		plan.ExpectedSavings.Percent = savedEnergy / totalEnergy * 100
	}

	p.mu.Lock()
	p.plans = append(p.plans, plan)
	out := plan.Clone()
	p.mu.Unlock()

	p.logger.Info("Optimization plan created",
		zap.String("plan_id", out.ID),
		zap.Int("actions", len(out.Actions)),
		zap.Int("discovered", out.DiscoveredActions),
		zap.Float64("savings_kwh", out.ExpectedSavings.Energy),
		zap.String("priority", string(out.Priority)),
	)

	if p.pub != nil {
		if err := p.pub.Plan(ctx, out); err != nil {
			p.logger.Warn("Plan not published", zap.String("plan_id", out.ID), zap.Error(err))
		}
	}
	p.save(ctx, out)
	p.events.Emit(events.Plan, out.Clone())

	return out, nil
}

func (p *Planner) deviceActions(snap analytics.Snapshot, recentSince int64) []models.OptimizationAction {
	stats := snap.Stats
	name := stats.DeviceName
	if name == "" {
		name = snap.DeviceID
	}

	newAction := func(typ models.ActionType, impact models.Impact, savings float64, desc string) models.OptimizationAction {
		return models.OptimizationAction{
			ID:              uuid.New().String(),
			Type:            typ,
			DeviceID:        snap.DeviceID,
			DeviceName:      stats.DeviceName,
			Description:     desc,
			ExpectedSavings: savings,
			Impact:          impact,
		}
	}

	var out []models.OptimizationAction

	if stats.AveragePower > reducePowerThresholdW {
		out = append(out, newAction(models.ActionReducePower, models.ImpactMedium,
			stats.AveragePower*reducePowerFactor*stats.OperatingHours/1000,
			fmt.Sprintf("Reduce power of %s by 30%%", name)))
	}

	if stats.Efficiency < replaceEfficiency {
		out = append(out, newAction(models.ActionReplace, models.ImpactHigh,
			stats.AveragePower*replaceFactor*stats.OperatingHours/1000,
			fmt.Sprintf("Replace %s, power factor %.2f", name, stats.Efficiency)))
	}

	var recent []float64
	for _, r := range snap.Readings {
		if r.Timestamp >= recentSince {
			recent = append(recent, r.Power)
		}
	}
	if len(recent) > 0 && analytics.Mean(recent) < idleRecentW && stats.AveragePower > idleAverageW {
		out = append(out, newAction(models.ActionTurnOff, models.ImpactLow,
			stats.AveragePower/1000,
			fmt.Sprintf("Turn off idle %s", name)))
	}

	return out
}

func priorityFor(kwh float64) models.Priority {
	switch {
	case kwh > highPriorityKWh:
		return models.PriorityHigh
	case kwh > mediumPriorityKWh:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// Execute dispatches a control command for every action of a pending plan.
// Every action is attempted; if any dispatch fails the plan ends up failed
// with the failing action ids recorded.
func (p *Planner) Execute(ctx context.Context, planID string) (*models.OptimizationPlan, error) {
	p.mu.Lock()
	plan := p.find(planID)
	if plan == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if plan.Status != models.PlanPending {
		status := plan.Status
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrPlanNotPending, planID, status)
	}
	plan.Status = models.PlanExecuting
	plan.ExecutedAt = p.now().UnixMilli()
	actions := append([]models.OptimizationAction(nil), plan.Actions...)
	p.mu.Unlock()

	p.logger.Info("Executing optimization plan", zap.String("plan_id", planID), zap.Int("actions", len(actions)))

	var failed []string
	for _, a := range actions {
		cmd := models.ControlCommand{Action: a.Type, Timestamp: p.now().UnixMilli()}
		if err := p.dispatch(ctx, a.DeviceID, cmd); err != nil {
			p.logger.Warn("Control command failed",
				zap.String("plan_id", planID),
				zap.String("action_id", a.ID),
				zap.String("device_id", a.DeviceID),
				zap.Error(err),
			)
			failed = append(failed, a.ID)
		}
	}

	p.mu.Lock()
	if len(failed) > 0 {
		plan.Status = models.PlanFailed
		plan.FailedActions = failed
	} else {
		plan.Status = models.PlanCompleted
	}
	plan.CompletedAt = p.now().UnixMilli()
	out := plan.Clone()
	p.mu.Unlock()

	if out.Status == models.PlanCompleted {
		if p.pub != nil {
			if err := p.pub.PlanCompleted(ctx, out); err != nil {
				p.logger.Warn("Plan completion not published", zap.String("plan_id", planID), zap.Error(err))
			}
		}
		p.events.Emit(events.PlanCompleted, out.Clone())
	}
	p.save(ctx, out)

	p.logger.Info("Optimization plan finished",
		zap.String("plan_id", planID),
		zap.String("status", string(out.Status)),
		zap.Int("failed_actions", len(out.FailedActions)),
	)
	return out, nil
}

func (p *Planner) dispatch(ctx context.Context, deviceID string, cmd models.ControlCommand) error {
	if p.pub == nil {
		return errors.New("no publisher configured")
	}
	return p.pub.Control(ctx, deviceID, cmd)
}

func (p *Planner) save(ctx context.Context, plan *models.OptimizationPlan) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SavePlan(ctx, plan); err != nil {
		p.logger.Debug("Failed to cache plan", zap.String("plan_id", plan.ID), zap.Error(err))
	}
}

// find must be called with p.mu held.
func (p *Planner) find(id string) *models.OptimizationPlan {
	for _, plan := range p.plans {
		if plan.ID == id {
			return plan
		}
	}
	return nil
}

func (p *Planner) Get(id string) (*models.OptimizationPlan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	plan := p.find(id)
	if plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return plan.Clone(), nil
}

// Plans returns copies of every registered plan, oldest first.
func (p *Planner) Plans() []*models.OptimizationPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.OptimizationPlan, 0, len(p.plans))
	for _, plan := range p.plans {
		out = append(out, plan.Clone())
	}
	return out
}

// Prune forgets completed and failed plans older than the retention period
// and pending plans nobody executed within the pending retention. Executing
// plans are always kept.
func (p *Planner) Prune() int {
	now := p.now()
	cutoff := now.Add(-p.cfg.Retention).UnixMilli()
	pendingCutoff := now.Add(-p.cfg.PendingRetention).UnixMilli()

	p.mu.Lock()
	kept := p.plans[:0]
	for _, plan := range p.plans {
		switch {
		case plan.Status.Terminal() && plan.Timestamp < cutoff:
			continue
		case plan.Status == models.PlanPending && plan.Timestamp < pendingCutoff:
			continue
		}
		kept = append(kept, plan)
	}
	removed := len(p.plans) - len(kept)
	clear(p.plans[len(kept):])
	p.plans = kept
	p.mu.Unlock()

	if removed > 0 {
		p.logger.Info("Old plans removed", zap.Int("removed", removed))
	}
	return removed
}
