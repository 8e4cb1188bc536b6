package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"energy-telemetry-engine/analytics"
	"energy-telemetry-engine/bus"
	"energy-telemetry-engine/events"
	"energy-telemetry-engine/models"

	"go.uber.org/zap"
)

var testNow = time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type alertRecorder struct {
	mu     sync.Mutex
	alerts []models.AnomalyAlert
}

func (r *alertRecorder) Create(_ context.Context, a models.AnomalyAlert) models.AnomalyAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return a
}

type plannerFixture struct {
	planner *Planner
	store   *analytics.WindowStore
	bus     *bus.MemoryBus
	alerts  *alertRecorder
}

func newPlannerFixture(t *testing.T) *plannerFixture {
	t.Helper()
	store := analytics.NewWindowStore(24*time.Hour, clock)
	b := bus.NewMemoryBus()
	rec := &alertRecorder{}
	p := NewPlanner(
		Config{UnitPrice: 0.6},
		store,
		bus.NewPublisher(b, time.Second, zap.NewNop()),
		rec,
		nil,
		events.NewRegistry(zap.NewNop()),
		zap.NewNop(),
		clock,
	)
	return &plannerFixture{planner: p, store: store, bus: b, alerts: rec}
}

// seed stores one reading per power value, one minute apart and ending now,
// with stats fixed to the given values.
func (f *plannerFixture) seed(id string, stats models.DeviceStats, powers ...float64) {
	stats.DeviceID = id
	stats.DeviceName = "Device " + id
	if stats.Samples == 0 {
		stats.Samples = len(powers)
	}
	fixed := func([]models.EnergyReading) models.DeviceStats { return stats }
	for i, p := range powers {
		ts := testNow.Add(-time.Duration(len(powers)-1-i) * time.Minute)
		f.store.Append(models.EnergyReading{
			DeviceID:    id,
			DeviceType:  models.DeviceAC,
			Power:       p,
			PowerFactor: 0.95,
			Timestamp:   ts.UnixMilli(),
		}, fixed)
	}
}

func findAction(plan *models.OptimizationPlan, deviceID string, typ models.ActionType) (models.OptimizationAction, bool) {
	for _, a := range plan.Actions {
		if a.DeviceID == deviceID && a.Type == typ {
			return a, true
		}
	}
	return models.OptimizationAction{}, false
}

func TestOptimizeReducePower(t *testing.T) {
	f := newPlannerFixture(t)
	f.seed("D2", models.DeviceStats{AveragePower: 1500, OperatingHours: 10, Efficiency: 0.95, TotalEnergy: 50}, 1500, 1500)

	plan, err := f.planner.Optimize(context.Background(), models.EnergyConstraints{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, ok := findAction(plan, "D2", models.ActionReducePower)
	if !ok {
		t.Fatalf("expected a reduce_power action, got %+v", plan.Actions)
	}
	if math.Abs(a.ExpectedSavings-4.5) > 1e-9 || a.Impact != models.ImpactMedium {
		t.Fatalf("unexpected action %+v", a)
	}
	if plan.Status != models.PlanPending || plan.Priority != models.PriorityLow {
		t.Fatalf("unexpected plan state %+v", plan)
	}
	if math.Abs(plan.ExpectedSavings.Percent-9) > 1e-9 || math.Abs(plan.ExpectedSavings.Cost-4.5*0.6) > 1e-9 {
		t.Fatalf("unexpected savings %+v", plan.ExpectedSavings)
	}
	if got := f.bus.Published(bus.TopicPlan); len(got) != 1 {
		t.Fatalf("expected the plan to be published, got %d", len(got))
	}
}

func TestOptimizeSkipsPriorityDevices(t *testing.T) {
	f := newPlannerFixture(t)
	f.seed("D2", models.DeviceStats{AveragePower: 1500, OperatingHours: 10, Efficiency: 0.5}, 1500)

	plan, _ := f.planner.Optimize(context.Background(), models.EnergyConstraints{PriorityDevices: []string{"D2"}})
	if len(plan.Actions) != 0 || plan.DiscoveredActions != 0 {
		t.Fatalf("priority device must not get actions, got %+v", plan.Actions)
	}
}

func TestOptimizeHighPriority(t *testing.T) {
	f := newPlannerFixture(t)
	// reduce 36 + replace 24 per device
	stats := models.DeviceStats{AveragePower: 6000, OperatingHours: 20, Efficiency: 0.5}
	f.seed("A", stats, 6000)
	f.seed("B", stats, 6000)

	plan, _ := f.planner.Optimize(context.Background(), models.EnergyConstraints{})
	if math.Abs(plan.ExpectedSavings.Energy-120) > 1e-9 {
		t.Fatalf("expected 120 kWh, got %v", plan.ExpectedSavings.Energy)
	}
	if plan.Priority != models.PriorityHigh {
		t.Fatalf("expected high priority, got %s", plan.Priority)
	}
	if plan.ExpectedSavings.Percent != 0 {
		t.Fatalf("percent must be 0 without any recorded energy, got %v", plan.ExpectedSavings.Percent)
	}
}

func TestOptimizeIdleDevice(t *testing.T) {
	f := newPlannerFixture(t)
	f.seed("D3", models.DeviceStats{AveragePower: 400, OperatingHours: 2, Efficiency: 0.9}, 20, 20, 20)
	f.seed("D4", models.DeviceStats{AveragePower: 400, OperatingHours: 2, Efficiency: 0.9}, 400, 400)

	plan, _ := f.planner.Optimize(context.Background(), models.EnergyConstraints{})

	a, ok := findAction(plan, "D3", models.ActionTurnOff)
	if !ok || math.Abs(a.ExpectedSavings-0.4) > 1e-9 || a.Impact != models.ImpactLow {
		t.Fatalf("expected turn_off for D3, got %+v", plan.Actions)
	}
	if _, ok := findAction(plan, "D4", models.ActionTurnOff); ok {
		t.Fatalf("busy device must not be turned off")
	}
}

func TestOptimizeCapsAndSortsActions(t *testing.T) {
	f := newPlannerFixture(t)
	var want float64
	for i := 0; i < 12; i++ {
		hours := float64(i + 1)
		f.seed(fmt.Sprintf("D%02d", i), models.DeviceStats{AveragePower: 2000, OperatingHours: hours, Efficiency: 0.9}, 2000)
		want += 2000 * 0.3 * hours / 1000
	}

	plan, _ := f.planner.Optimize(context.Background(), models.EnergyConstraints{})

	if len(plan.Actions) != 10 {
		t.Fatalf("expected 10 actions, got %d", len(plan.Actions))
	}
	for i := 1; i < len(plan.Actions); i++ {
		if plan.Actions[i].ExpectedSavings > plan.Actions[i-1].ExpectedSavings {
			t.Fatalf("actions not sorted descending: %+v", plan.Actions)
		}
	}
	if plan.DiscoveredActions != 12 {
		t.Fatalf("expected 12 discovered actions, got %d", plan.DiscoveredActions)
	}
	if math.Abs(plan.ExpectedSavings.Energy-want) > 1e-9 {
		t.Fatalf("aggregate must cover every discovered action: want %v got %v", want, plan.ExpectedSavings.Energy)
	}
}

func TestOptimizeRaisesCostOverrun(t *testing.T) {
	f := newPlannerFixture(t)
	f.seed("D1", models.DeviceStats{AveragePower: 50, Efficiency: 0.9, TotalEnergy: 100, Cost: 60}, 50)

	f.planner.Optimize(context.Background(), models.EnergyConstraints{MaxCost: 80})
	if len(f.alerts.alerts) != 0 {
		t.Fatalf("cost below the limit must not alert")
	}

	f.planner.Optimize(context.Background(), models.EnergyConstraints{MaxCost: 50})
	if len(f.alerts.alerts) != 1 || f.alerts.alerts[0].Type != models.AlertCostOverrun {
		t.Fatalf("expected a cost overrun alert, got %+v", f.alerts.alerts)
	}
	if f.alerts.alerts[0].Severity != models.SeverityCritical || f.alerts.alerts[0].Threshold != 50 {
		t.Fatalf("unexpected alert %+v", f.alerts.alerts[0])
	}
}

func TestExecuteCompletesPlan(t *testing.T) {
	f := newPlannerFixture(t)
	f.seed("D2", models.DeviceStats{AveragePower: 1500, OperatingHours: 10, Efficiency: 0.5}, 1500)

	plan, _ := f.planner.Optimize(context.Background(), models.EnergyConstraints{})
	done, err := f.planner.Execute(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != models.PlanCompleted || done.ExecutedAt == 0 || done.CompletedAt == 0 {
		t.Fatalf("unexpected plan %+v", done)
	}

	controls := f.bus.Published(bus.ControlTopic("D2"))
	if len(controls) != 2 {
		t.Fatalf("expected 2 control commands, got %d", len(controls))
	}
	var cmd models.ControlCommand
	if err := json.Unmarshal(controls[0].Payload, &cmd); err != nil {
		t.Fatalf("decode control: %v", err)
	}
	if cmd.Action != plan.Actions[0].Type || cmd.Timestamp != testNow.UnixMilli() {
		t.Fatalf("unexpected command %+v", cmd)
	}

	completed := f.bus.Published(bus.TopicPlanCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected a completion message, got %d", len(completed))
	}
	var published models.OptimizationPlan
	if err := json.Unmarshal(completed[0].Payload, &published); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if published.Status != models.PlanCompleted {
		t.Fatalf("published plan has status %s", published.Status)
	}

	if _, err := f.planner.Execute(context.Background(), plan.ID); !errors.Is(err, ErrPlanNotPending) {
		t.Fatalf("expected ErrPlanNotPending on second execute, got %v", err)
	}
}

func TestExecuteUnknownPlan(t *testing.T) {
	f := newPlannerFixture(t)
	if _, err := f.planner.Execute(context.Background(), "nope"); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestExecuteFailsWhenTransportDown(t *testing.T) {
	f := newPlannerFixture(t)
	f.seed("D2", models.DeviceStats{AveragePower: 1500, OperatingHours: 10, Efficiency: 0.5}, 1500)

	plan, _ := f.planner.Optimize(context.Background(), models.EnergyConstraints{})
	f.bus.SetConnected(false)

	done, err := f.planner.Execute(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != models.PlanFailed || len(done.FailedActions) != 2 {
		t.Fatalf("expected failed plan with both actions recorded, got %+v", done)
	}

	stored, _ := f.planner.Get(plan.ID)
	if stored.Status != models.PlanFailed {
		t.Fatalf("registry not updated: %s", stored.Status)
	}
}

func TestPruneKeepsOpenPlans(t *testing.T) {
	store := analytics.NewWindowStore(24*time.Hour, clock)
	now := testNow
	p := NewPlanner(Config{}, store, bus.NewPublisher(bus.NewMemoryBus(), time.Second, nil), nil, nil, nil, nil,
		func() time.Time { return now })

	old, _ := p.Optimize(context.Background(), models.EnergyConstraints{})
	stale, _ := p.Optimize(context.Background(), models.EnergyConstraints{})
	if _, err := p.Execute(context.Background(), old.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	now = now.Add(8 * 24 * time.Hour)
	open, _ := p.Optimize(context.Background(), models.EnergyConstraints{})
	now = now.Add(time.Hour)

	if removed := p.Prune(); removed != 2 {
		t.Fatalf("expected 2 plans removed, got %d", removed)
	}
	if _, err := p.Get(open.ID); err != nil {
		t.Fatalf("recent pending plan must be kept: %v", err)
	}
	for _, id := range []string{old.ID, stale.ID} {
		if _, err := p.Get(id); !errors.Is(err, ErrPlanNotFound) {
			t.Fatalf("expected plan %s to be gone, got %v", id, err)
		}
	}
}

func TestPruneBoundsPeriodicPlans(t *testing.T) {
	store := analytics.NewWindowStore(24*time.Hour, clock)
	now := testNow
	p := NewPlanner(Config{}, store, bus.NewPublisher(bus.NewMemoryBus(), time.Second, nil), nil, nil, nil, nil,
		func() time.Time { return now })

	const cycles = 3000
	for i := 0; i < cycles; i++ {
		if i > 0 {
			now = now.Add(5 * time.Minute)
		}
		if _, err := p.Optimize(context.Background(), models.EnergyConstraints{}); err != nil {
			t.Fatalf("optimize #%d: %v", i, err)
		}
	}

	removed := p.Prune()
	// one plan per 5 minutes over the last 24h, both ends included
	wantKept := int(24*time.Hour/(5*time.Minute)) + 1
	if got := len(p.Plans()); got != wantKept {
		t.Fatalf("expected %d plans kept, got %d", wantKept, got)
	}
	if removed != cycles-wantKept {
		t.Fatalf("expected %d plans removed, got %d", cycles-wantKept, removed)
	}
}
