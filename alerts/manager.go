package alerts

import (
	"context"
	"sync"
	"time"

	"energy-telemetry-engine/events"
	"energy-telemetry-engine/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher is the outbound side the manager needs; *bus.Publisher
// satisfies it.
type Publisher interface {
	Alert(ctx context.Context, alert models.AnomalyAlert) error
	AlertAcknowledged(ctx context.Context, alertID string) error
}

type Config struct {
	// ActiveWindow bounds how old an unacknowledged alert may be and still
	// be reported as active.
	ActiveWindow time.Duration
	// Retention is how long alerts are kept before Cleanup removes them.
	Retention time.Duration
}

// Manager owns the alert list. Alerts are never deduplicated: every
// detection creates a new entry.
type Manager struct {
	cfg    Config
	pub    Publisher
	events *events.Registry
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	alerts []models.AnomalyAlert
}

func NewManager(cfg Config, pub Publisher, reg *events.Registry, logger *zap.Logger, now func() time.Time) *Manager {
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:    cfg,
		pub:    pub,
		events: reg,
		logger: logger.With(zap.String("component", "alerts")),
		now:    now,
	}
}

// Create stores the alert and forwards it to the bus. A publish failure is
// logged; the alert is kept either way.
func (m *Manager) Create(ctx context.Context, alert models.AnomalyAlert) models.AnomalyAlert {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp == 0 {
		alert.Timestamp = m.now().UnixMilli()
	}
	alert.Acknowledged = false

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()

	m.logger.Info("Alert created",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("device_id", alert.DeviceID),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("value", alert.CurrentValue),
		zap.Float64("threshold", alert.Threshold),
	)

	if m.pub != nil {
		if err := m.pub.Alert(ctx, alert); err != nil {
			m.logger.Warn("Alert not published", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}
	m.events.Emit(events.Alert, alert)

	return alert
}

// Acknowledge marks the alert as seen. Unknown ids are ignored so repeated
// or late acknowledgements (e.g. after cleanup) are harmless.
func (m *Manager) Acknowledge(ctx context.Context, id string) bool {
	m.mu.Lock()
	found := false
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Acknowledged = true
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		m.logger.Debug("Acknowledge for unknown alert", zap.String("alert_id", id))
		return false
	}

	if m.pub != nil {
		if err := m.pub.AlertAcknowledged(ctx, id); err != nil {
			m.logger.Warn("Acknowledgement not published", zap.String("alert_id", id), zap.Error(err))
		}
	}
	m.events.Emit(events.AlertAcknowledged, id)
	return true
}

// Active returns unacknowledged alerts no older than the active window.
func (m *Manager) Active() []models.AnomalyAlert {
	since := m.now().Add(-m.cfg.ActiveWindow).UnixMilli()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AnomalyAlert, 0)
	for _, a := range m.alerts {
		if !a.Acknowledged && a.Timestamp >= since {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) All() []models.AnomalyAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AnomalyAlert{}, m.alerts...)
}

func (m *Manager) Get(id string) (models.AnomalyAlert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.ID == id {
			return a, true
		}
	}
	return models.AnomalyAlert{}, false
}

// Cleanup drops alerts older than the retention period, acknowledged or not.
func (m *Manager) Cleanup() int {
	cutoff := m.now().Add(-m.cfg.Retention).UnixMilli()

	m.mu.Lock()
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if a.Timestamp >= cutoff {
			kept = append(kept, a)
		}
	}
	removed := len(m.alerts) - len(kept)
	clear(m.alerts[len(kept):])
	m.alerts = kept
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info("Expired alerts removed", zap.Int("removed", removed))
	}
	return removed
}
