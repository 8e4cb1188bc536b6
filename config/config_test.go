package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "8080" || cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Energy.UnitPrice != 0.6 || cfg.Energy.Retention != 24*time.Hour || cfg.Energy.SampleInterval != time.Minute {
		t.Fatalf("unexpected energy config %+v", cfg.Energy)
	}
	if cfg.Energy.Location != time.UTC {
		t.Fatalf("expected UTC, got %v", cfg.Energy.Location)
	}
	if cfg.Alerts.Retention != 7*24*time.Hour || cfg.Alerts.ActiveWindow != time.Hour {
		t.Fatalf("unexpected alert config %+v", cfg.Alerts)
	}
	if cfg.Optimizer.Interval != 300*time.Second || cfg.Cleanup.Interval != time.Hour || cfg.Optimizer.MaxActions != 10 {
		t.Fatalf("unexpected cycle config %+v %+v", cfg.Optimizer, cfg.Cleanup)
	}
	a := cfg.Anomaly
	if a.MinSamples != 10 || a.SpikeSigma != 3 || a.HighConsumptionKWh != 100 || a.PowerFactorFloor != 0.7 || a.PowerFactorReference != 0.85 {
		t.Fatalf("unexpected anomaly config %+v", a)
	}
	if cfg.Engine.Workers < 4 || cfg.Engine.Workers > 16 {
		t.Fatalf("workers outside 4..16: %d", cfg.Engine.Workers)
	}
	if cfg.Bus.Driver != "mqtt" || len(cfg.Optimizer.PriorityDevices) != 0 {
		t.Fatalf("unexpected bus/optimizer config %+v %+v", cfg.Bus, cfg.Optimizer)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENERGY_ENERGY_UNITPRICE", "0.25")
	t.Setenv("ENERGY_BUS_DRIVER", "Kafka")
	t.Setenv("ENERGY_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ENERGY_OPTIMIZER_PRIORITYDEVICES", "D1,D2")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("ANALYTICS_WORKERS", "6")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Energy.UnitPrice != 0.25 {
		t.Fatalf("unit price not overridden: %v", cfg.Energy.UnitPrice)
	}
	if cfg.Bus.Driver != "kafka" || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected bus config %+v %+v", cfg.Bus, cfg.Kafka)
	}
	if len(cfg.Optimizer.PriorityDevices) != 2 {
		t.Fatalf("unexpected priority devices %v", cfg.Optimizer.PriorityDevices)
	}
	if cfg.Redis.Addr != "cache:6380" || cfg.Engine.Workers != 6 {
		t.Fatalf("legacy variables not honoured: %+v %+v", cfg.Redis, cfg.Engine)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "server:\n  port: \"9090\"\noptimizer:\n  interval: 60s\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Optimizer.Interval != time.Minute {
		t.Fatalf("config file not applied: %+v %+v", cfg.Server, cfg.Optimizer)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad duration", "ENERGY_ENERGY_RETENTION", "a day"},
		{"bad driver", "ENERGY_BUS_DRIVER", "carrier-pigeon"},
		{"bad location", "ENERGY_ENERGY_LOCATION", "Mars/Olympus"},
		{"bad qos", "ENERGY_MQTT_QOS", "3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(t.TempDir()); err == nil {
				t.Fatalf("expected an error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
