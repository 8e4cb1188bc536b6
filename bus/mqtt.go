package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTBus adapts a paho client to Bus. Reconnection is left to paho's
// auto-reconnect; subscriptions are replayed on every (re)connect.
type MQTTBus struct {
	client mqtt.Client
	qos    byte
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

func NewMQTTBus(cfg MQTTConfig, logger *zap.Logger) (*MQTTBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	b := &MQTTBus{
		qos:    cfg.QoS,
		logger: logger.With(zap.String("component", "mqtt_bus")),
		subs:   make(map[string]Handler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(c mqtt.Client) { b.resubscribe(c) }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", zap.Error(err))
		})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		b.logger.Warn("MQTT connect still pending, continuing in background",
			zap.String("broker", cfg.Broker))
		return b, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	b.logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
	return b, nil
}

func newMQTTBusWithClient(client mqtt.Client, qos byte, logger *zap.Logger) *MQTTBus {
	return &MQTTBus{
		client: client,
		qos:    qos,
		logger: logger,
		subs:   make(map[string]Handler),
	}
}

func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !b.client.IsConnectionOpen() {
		return ErrTransportUnavailable
	}

	token := b.client.Publish(topic, b.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, ctx.Err())
	}
}

func (b *MQTTBus) Subscribe(pattern string, h Handler) error {
	b.mu.Lock()
	b.subs[pattern] = h
	b.mu.Unlock()

	if !b.client.IsConnectionOpen() {
		// replayed by the connect handler
		return nil
	}
	return b.subscribe(b.client, pattern, h)
}

func (b *MQTTBus) subscribe(c mqtt.Client, pattern string, h Handler) error {
	token := c.Subscribe(pattern, b.qos, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	return nil
}

func (b *MQTTBus) resubscribe(c mqtt.Client) {
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subs))
	for k, v := range b.subs {
		subs[k] = v
	}
	b.mu.Unlock()

	for pattern, h := range subs {
		if err := b.subscribe(c, pattern, h); err != nil {
			b.logger.Error("Resubscribe failed", zap.String("pattern", pattern), zap.Error(err))
		}
	}
}

func (b *MQTTBus) Close() error {
	b.client.Disconnect(250)
	return nil
}
