package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"energy-telemetry-engine/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var publishTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "energy_publish_total",
		Help: "Outbound bus messages by kind and result",
	},
	[]string{"kind", "result"},
)

// Publisher emits typed payloads to the bus. Every call is bounded by the
// configured timeout and reports failures to the caller without retrying.
type Publisher struct {
	bus     Bus
	timeout time.Duration
	logger  *zap.Logger
}

func NewPublisher(b Bus, timeout time.Duration, logger *zap.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		bus:     b,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "publisher")),
	}
}

func (p *Publisher) Alert(ctx context.Context, alert models.AnomalyAlert) error {
	return p.publish(ctx, "alert", TopicAlerts, alert)
}

func (p *Publisher) AlertAcknowledged(ctx context.Context, alertID string) error {
	return p.publish(ctx, "alert_ack", TopicAlertAcknowledged, models.AlertAck{AlertID: alertID})
}

func (p *Publisher) Plan(ctx context.Context, plan *models.OptimizationPlan) error {
	return p.publish(ctx, "plan", TopicPlan, plan)
}

func (p *Publisher) PlanCompleted(ctx context.Context, plan *models.OptimizationPlan) error {
	return p.publish(ctx, "plan_completed", TopicPlanCompleted, plan)
}

func (p *Publisher) Control(ctx context.Context, deviceID string, cmd models.ControlCommand) error {
	return p.publish(ctx, "control", ControlTopic(deviceID), cmd)
}

func (p *Publisher) publish(ctx context.Context, kind, topic string, v any) error {
	if p == nil || p.bus == nil {
		publishTotal.WithLabelValues(kind, "unavailable").Inc()
		return ErrTransportUnavailable
	}

	data, err := json.Marshal(v)
	if err != nil {
		publishTotal.WithLabelValues(kind, "encode_error").Inc()
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.bus.Publish(ctx, topic, data); err != nil {
		publishTotal.WithLabelValues(kind, "error").Inc()
		p.logger.Warn("Publish failed",
			zap.String("topic", topic),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return fmt.Errorf("publish %s to %s: %w", kind, topic, err)
	}

	publishTotal.WithLabelValues(kind, "ok").Inc()
	return nil
}
