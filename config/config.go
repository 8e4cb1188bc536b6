package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"energy-telemetry-engine/analytics"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the engine
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Redis     RedisConfig
	Bus       BusConfig
	MQTT      MQTTConfig
	Kafka     KafkaConfig
	Energy    EnergyConfig
	Alerts    AlertsConfig
	Anomaly   AnomalyConfig
	Optimizer OptimizerConfig
	Cleanup   CleanupConfig
	Engine    EngineConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// BusConfig selects the transport: mqtt, kafka or memory.
type BusConfig struct {
	Driver         string
	PublishTimeout time.Duration
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      int
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type EnergyConfig struct {
	UnitPrice      float64
	Retention      time.Duration
	SampleInterval time.Duration
	Location       *time.Location
}

type AlertsConfig struct {
	Retention    time.Duration
	ActiveWindow time.Duration
}

type AnomalyConfig struct {
	MinSamples           int
	SpikeSigma           float64
	HighConsumptionKWh   float64
	PowerFactorFloor     float64
	PowerFactorReference float64
}

// OptimizerConfig also carries the constraints used by the periodic cycle.
type OptimizerConfig struct {
	Interval         time.Duration
	MaxActions       int
	PendingRetention time.Duration
	PriorityDevices  []string
	MaxPower         float64
	MaxCost          float64
}

type CleanupConfig struct {
	Interval time.Duration
}

type EngineConfig struct {
	Workers   int
	QueueSize int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "5m")

	v.SetDefault("bus.driver", "mqtt")
	v.SetDefault("bus.publishTimeout", "2s")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientId", "energy-telemetry-engine")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.groupId", "energy-telemetry-engine")

	v.SetDefault("energy.unitPrice", 0.6)
	v.SetDefault("energy.retention", "24h")
	v.SetDefault("energy.sampleInterval", "1m")
	v.SetDefault("energy.location", "UTC")

	v.SetDefault("alerts.retention", "168h")
	v.SetDefault("alerts.activeWindow", "1h")

	v.SetDefault("anomaly.minSamples", 10)
	v.SetDefault("anomaly.spikeSigma", 3.0)
	v.SetDefault("anomaly.highConsumptionKWh", 100.0)
	v.SetDefault("anomaly.powerFactorFloor", 0.7)
	v.SetDefault("anomaly.powerFactorReference", 0.85)

	v.SetDefault("optimizer.interval", "300s")
	v.SetDefault("optimizer.maxActions", 10)
	v.SetDefault("optimizer.pendingRetention", "24h")
	v.SetDefault("optimizer.priorityDevices", "")
	v.SetDefault("optimizer.maxPower", 0.0)
	v.SetDefault("optimizer.maxCost", 0.0)

	v.SetDefault("cleanup.interval", "3600s")

	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.queueSize", 10000)
}

// Load reads .env, an optional config.yaml and ENERGY_* environment
// variables, in increasing order of precedence over the defaults.
func Load(paths ...string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/etc/energy-telemetry-engine"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvPrefix("ENERGY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// names kept from the previous deployment
	v.BindEnv("redis.addr", "ENERGY_REDIS_ADDR", "REDIS_ADDR")
	v.BindEnv("engine.workers", "ENERGY_ENGINE_WORKERS", "ANALYTICS_WORKERS")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return build(v)
}

func build(v *viper.Viper) (*Config, error) {
	p := &durationParser{v: v}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			ReadTimeout:     p.get("server.readTimeout"),
			WriteTimeout:    p.get("server.writeTimeout"),
			ShutdownTimeout: p.get("server.shutdownTimeout"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			TTL:      p.get("redis.ttl"),
		},
		Bus: BusConfig{
			Driver:         strings.ToLower(v.GetString("bus.driver")),
			PublishTimeout: p.get("bus.publishTimeout"),
		},
		MQTT: MQTTConfig{
			Broker:   v.GetString("mqtt.broker"),
			ClientID: v.GetString("mqtt.clientId"),
			Username: v.GetString("mqtt.username"),
			Password: v.GetString("mqtt.password"),
			QoS:      v.GetInt("mqtt.qos"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("kafka.brokers")),
			GroupID: v.GetString("kafka.groupId"),
		},
		Energy: EnergyConfig{
			UnitPrice:      v.GetFloat64("energy.unitPrice"),
			Retention:      p.get("energy.retention"),
			SampleInterval: p.get("energy.sampleInterval"),
		},
		Alerts: AlertsConfig{
			Retention:    p.get("alerts.retention"),
			ActiveWindow: p.get("alerts.activeWindow"),
		},
		Anomaly: AnomalyConfig{
			MinSamples:           v.GetInt("anomaly.minSamples"),
			SpikeSigma:           v.GetFloat64("anomaly.spikeSigma"),
			HighConsumptionKWh:   v.GetFloat64("anomaly.highConsumptionKWh"),
			PowerFactorFloor:     v.GetFloat64("anomaly.powerFactorFloor"),
			PowerFactorReference: v.GetFloat64("anomaly.powerFactorReference"),
		},
		Optimizer: OptimizerConfig{
			Interval:         p.get("optimizer.interval"),
			MaxActions:       v.GetInt("optimizer.maxActions"),
			PendingRetention: p.get("optimizer.pendingRetention"),
			PriorityDevices:  splitList(v.GetString("optimizer.priorityDevices")),
			MaxPower:         v.GetFloat64("optimizer.maxPower"),
			MaxCost:          v.GetFloat64("optimizer.maxCost"),
		},
		Cleanup: CleanupConfig{
			Interval: p.get("cleanup.interval"),
		},
		Engine: EngineConfig{
			Workers:   v.GetInt("engine.workers"),
			QueueSize: v.GetInt("engine.queueSize"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	loc, err := time.LoadLocation(v.GetString("energy.location"))
	if err != nil {
		return nil, fmt.Errorf("invalid energy.location: %w", err)
	}
	cfg.Energy.Location = loc

	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = analytics.DefaultWorkers()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Bus.Driver {
	case "mqtt", "kafka", "memory":
	default:
		return fmt.Errorf("unknown bus.driver %q", c.Bus.Driver)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Energy.UnitPrice < 0 {
		return errors.New("energy.unitPrice must be non-negative")
	}
	if c.Optimizer.Interval <= 0 || c.Cleanup.Interval <= 0 {
		return errors.New("optimizer.interval and cleanup.interval must be positive")
	}
	if c.Bus.Driver == "kafka" && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required for the kafka driver")
	}
	return nil
}

// durationParser keeps the first parse error so build can read every key
// in one pass.
type durationParser struct {
	v   *viper.Viper
	err error
}

func (p *durationParser) get(key string) time.Duration {
	d, err := time.ParseDuration(p.v.GetString(key))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
