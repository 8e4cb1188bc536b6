package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"energy-telemetry-engine/events"
	"energy-telemetry-engine/ingress"
	"energy-telemetry-engine/models"

	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []models.AnomalyAlert
}

func (s *recordingSink) Create(_ context.Context, a models.AnomalyAlert) models.AnomalyAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = "alert-" + string(a.Type)
	s.alerts = append(s.alerts, a)
	return a
}

func (s *recordingSink) all() []models.AnomalyAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AnomalyAlert(nil), s.alerts...)
}

type chanCache struct {
	saved chan models.DeviceStats
}

func (c *chanCache) SaveStats(_ context.Context, s models.DeviceStats) error {
	c.saved <- s
	return nil
}

type engineFixture struct {
	engine *Engine
	store  *WindowStore
	sink   *recordingSink
	cache  *chanCache
	reg    *events.Registry
	clk    *testClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clk := newTestClock()
	store := NewWindowStore(24*time.Hour, clk.Now)
	f := &engineFixture{
		store: store,
		sink:  &recordingSink{},
		cache: &chanCache{saved: make(chan models.DeviceStats, 64)},
		reg:   events.NewRegistry(zap.NewNop()),
		clk:   clk,
	}
	f.engine = NewEngine(
		EngineConfig{Workers: 2, QueueSize: 64},
		store,
		NewStatsCalculator(0.6, time.Minute, clk.Now),
		NewAnomalyDetector(DefaultAnomalyConfig(), clk.Now),
		f.sink,
		f.cache,
		f.reg,
		ingress.NewDecoder(clk.Now),
		zap.NewNop(),
	)
	t.Cleanup(f.engine.Close)
	return f
}

func payload(t *testing.T, r models.EnergyReading) []byte {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal reading: %v", err)
	}
	return data
}

func TestEngineRaisesSpikeFromBus(t *testing.T) {
	f := newEngineFixture(t)

	for i := 0; i < 10; i++ {
		r := reading("D1", 100, f.clk.Now().Add(time.Duration(i)*time.Second))
		f.engine.HandleMessage("energy/D1/data", payload(t, r))
	}
	f.engine.HandleMessage("energy/D1/data", payload(t, reading("D1", 500, f.clk.Now().Add(11*time.Second))))
	f.engine.Close()

	if got := len(f.store.Get("D1")); got != 11 {
		t.Fatalf("expected 11 readings in the window, got %d", got)
	}
	alerts := f.sink.all()
	if len(alerts) != 1 || alerts[0].Type != models.AlertPowerSpike || alerts[0].CurrentValue != 500 {
		t.Fatalf("expected one spike alert, got %+v", alerts)
	}
}

func TestEngineDropsMalformed(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.HandleMessage("energy/D1/data", []byte("{not json"))
	f.engine.HandleMessage("energy/D1/data", []byte(`{"deviceId":"D1","power":-5}`))
	f.engine.HandleMessage("energy/D1/unknown", []byte(`{}`))
	f.engine.HandleMessage("energy/D1/data", payload(t, reading("D1", 100, f.clk.Now())))
	f.engine.Close()

	if got := len(f.store.Get("D1")); got != 1 {
		t.Fatalf("expected only the valid reading to be stored, got %d", got)
	}
}

func TestEngineForwardsStatus(t *testing.T) {
	f := newEngineFixture(t)

	var got models.DeviceStatus
	f.reg.On(events.DeviceStatus, func(p any) { got = p.(models.DeviceStatus) })

	f.engine.HandleMessage("energy/D7/status", []byte(`{"online":true}`))

	if got.DeviceID != "D7" || string(got.Payload) != `{"online":true}` {
		t.Fatalf("unexpected status event %+v", got)
	}
}

func TestEngineRejectsCounterRegression(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	first := reading("D1", 100, f.clk.Now())
	first.Energy = 5
	if _, err := f.engine.Process(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := reading("D1", 100, f.clk.Now().Add(time.Minute))
	second.Energy = 4
	_, err := f.engine.Process(ctx, second)
	if !errors.Is(err, ingress.ErrCounterRegression) || !errors.Is(err, ingress.ErrMalformedPayload) {
		t.Fatalf("expected counter regression, got %v", err)
	}
	if got := len(f.store.Get("D1")); got != 1 {
		t.Fatalf("regressed reading must not be stored, got %d", got)
	}
}

func TestEngineCachesStatsAndEmitsReading(t *testing.T) {
	f := newEngineFixture(t)

	var emitted int
	var mu sync.Mutex
	f.reg.On(events.Reading, func(any) {
		mu.Lock()
		emitted++
		mu.Unlock()
	})

	r := reading("D1", 100, f.clk.Now())
	r.Energy = 2
	if _, err := f.engine.Process(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case s := <-f.cache.saved:
		if s.DeviceID != "D1" || s.TotalEnergy != 2 {
			t.Fatalf("unexpected cached stats %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("stats were not cached")
	}

	mu.Lock()
	defer mu.Unlock()
	if emitted != 1 {
		t.Fatalf("expected one reading event, got %d", emitted)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.Close()

	if err := f.engine.Submit(reading("D1", 1, f.clk.Now())); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
}

type latestCache struct {
	mu     sync.Mutex
	latest map[string]models.DeviceStats
}

func (c *latestCache) SaveStats(_ context.Context, s models.DeviceStats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[s.DeviceID] = s
	return nil
}

func TestEngineCachesLatestStatsPerDevice(t *testing.T) {
	clk := newTestClock()
	store := NewWindowStore(24*time.Hour, clk.Now)
	cache := &latestCache{latest: make(map[string]models.DeviceStats)}
	engine := NewEngine(
		EngineConfig{Workers: 4, QueueSize: 4096},
		store,
		NewStatsCalculator(0.6, time.Minute, clk.Now),
		NewAnomalyDetector(DefaultAnomalyConfig(), clk.Now),
		nil,
		cache,
		nil,
		ingress.NewDecoder(clk.Now),
		zap.NewNop(),
	)

	devices := []string{"DA", "DB", "DC", "DD", "DE"}
	for i := 1; i <= 300; i++ {
		for _, id := range devices {
			r := reading(id, 100, clk.Now().Add(time.Duration(i)*time.Second))
			r.Energy = float64(i)
			if err := engine.Submit(r); err != nil {
				t.Fatalf("submit %s #%d: %v", id, i, err)
			}
		}
	}
	engine.Close()

	for _, id := range devices {
		snap, ok := store.Snapshot(id)
		if !ok {
			t.Fatalf("device %s missing from store", id)
		}
		cache.mu.Lock()
		cached := cache.latest[id]
		cache.mu.Unlock()
		if cached.TotalEnergy != snap.Stats.TotalEnergy || cached.TotalEnergy != 300 {
			t.Fatalf("%s: cached totalEnergy=%v, store has %v", id, cached.TotalEnergy, snap.Stats.TotalEnergy)
		}
	}
}

func TestEngineSkipsExpiredReading(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	var emitted int
	f.reg.On(events.Reading, func(any) { emitted++ })

	for i := 0; i < 10; i++ {
		if _, err := f.engine.Process(ctx, reading("D1", 100, f.clk.Now().Add(time.Duration(i-10)*time.Second))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	stale := reading("D1", 5000, f.clk.Now().Add(-48*time.Hour))
	stale.PowerFactor = 0.3
	raised, err := f.engine.Process(ctx, stale)
	if !errors.Is(err, ErrReadingExpired) {
		t.Fatalf("expected ErrReadingExpired, got %v", err)
	}
	if len(raised) != 0 || len(f.sink.all()) != 0 {
		t.Fatalf("expired reading must not raise alerts, got %+v", f.sink.all())
	}
	if emitted != 10 {
		t.Fatalf("expected 10 reading events, got %d", emitted)
	}
	if got := len(f.store.Get("D1")); got != 10 {
		t.Fatalf("expected 10 retained readings, got %d", got)
	}
}

func TestEngineAcceptsCounterReset(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	before := reading("D1", 100, f.clk.Now())
	before.Energy = 1200
	if _, err := f.engine.Process(ctx, before); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after := reading("D1", 100, f.clk.Now().Add(time.Minute))
	after.Energy = 0.5
	if _, err := f.engine.Process(ctx, after); err != nil {
		t.Fatalf("meter reset must be accepted, got %v", err)
	}

	next := reading("D1", 100, f.clk.Now().Add(2*time.Minute))
	next.Energy = 0.6
	if _, err := f.engine.Process(ctx, next); err != nil {
		t.Fatalf("readings after a reset must be accepted, got %v", err)
	}
	if got := len(f.store.Get("D1")); got != 3 {
		t.Fatalf("expected 3 readings, got %d", got)
	}
}
