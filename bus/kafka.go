package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus maps the MQTT-shaped topic space onto Kafka. Per-device topics
// collapse into one Kafka topic per kind with the device id as message key,
// so energy/D1/data becomes topic energy.data with key D1.
type KafkaBus struct {
	cfg    KafkaConfig
	writer messageWriter
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewKafkaBus(cfg KafkaConfig, logger *zap.Logger) *KafkaBus {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            1,
		AllowAutoTopicCreation: true,
	}
	return newKafkaBusWithWriter(cfg, w, logger)
}

func newKafkaBusWithWriter(cfg KafkaConfig, w messageWriter, logger *zap.Logger) *KafkaBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		cfg:    cfg,
		writer: w,
		logger: logger.With(zap.String("component", "kafka_bus")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	kt, key := ToKafka(topic)
	msg := kafka.Message{Topic: kt, Value: payload}
	if key != "" {
		msg.Key = []byte(key)
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// Subscribe starts a consumer for the Kafka topic behind pattern. Delivered
// messages are handed to h with their MQTT-shaped topic restored.
func (b *KafkaBus) Subscribe(pattern string, h Handler) error {
	kt, _ := ToKafka(pattern)
	if strings.ContainsAny(kt, "+#") {
		return fmt.Errorf("pattern %q cannot be mapped to a kafka topic", pattern)
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		GroupID:  b.cfg.GroupID,
		Topic:    kt,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(r, pattern, h)
	}()

	b.logger.Info("Kafka consumer started", zap.String("topic", kt), zap.String("group", b.cfg.GroupID))
	return nil
}

func (b *KafkaBus) consume(r *kafka.Reader, pattern string, h Handler) {
	for {
		msg, err := r.ReadMessage(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Warn("Kafka read error", zap.String("topic", r.Config().Topic), zap.Error(err))
			continue
		}

		topic := FromKafka(msg.Topic, msg.Key)
		if !Match(pattern, topic) {
			continue
		}
		h(topic, msg.Value)
	}
}

func (b *KafkaBus) Close() error {
	b.cancel()

	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()

	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ToKafka returns the Kafka topic and message key for an MQTT-style topic.
func ToKafka(topic string) (string, string) {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "energy" {
		switch parts[1] {
		case "control":
			return "energy.control", parts[2]
		case "alerts", "optimization":
		default:
			return "energy." + parts[2], parts[1]
		}
	}
	return strings.Join(parts, "."), ""
}

// FromKafka is the inverse of ToKafka.
func FromKafka(topic string, key []byte) string {
	parts := strings.Split(topic, ".")
	if len(parts) == 2 && parts[0] == "energy" && len(key) > 0 {
		switch parts[1] {
		case "control":
			return ControlTopic(string(key))
		case "data", "status":
			return "energy/" + string(key) + "/" + parts[1]
		}
	}
	return strings.ReplaceAll(topic, ".", "/")
}
