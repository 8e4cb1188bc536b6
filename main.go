package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"energy-telemetry-engine/bus"
	"energy-telemetry-engine/cache"
	"energy-telemetry-engine/config"
	"energy-telemetry-engine/handlers"
	"energy-telemetry-engine/service"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting energy telemetry engine",
		zap.String("port", cfg.Server.Port),
		zap.String("bus", cfg.Bus.Driver),
	)

	transport, err := newBus(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to message bus", zap.Error(err))
	}

	var redisClient *cache.RedisClient
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err = cache.NewRedisClient(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		cancel()
		if err != nil {
			logger.Warn("Redis unavailable, running without snapshot cache", zap.Error(err))
			redisClient = nil
		} else {
			logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
		}
	}

	svc := service.New(cfg, transport, redisClient, logger, time.Now)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Fatal("Failed to subscribe to device topics", zap.Error(err))
	}

	cyclesDone := make(chan struct{})
	go func() {
		defer close(cyclesDone)
		svc.Run(ctx)
	}()

	srv := &http.Server{
		Addr:           ":" + cfg.Server.Port,
		Handler:        handlers.New(svc, logger).Router(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")

	// let a running optimization or cleanup cycle finish
	stop()
	<-cyclesDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := svc.Close(); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
	}
	logger.Info("Server exited")
}

func newBus(cfg *config.Config, logger *zap.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "kafka":
		return bus.NewKafkaBus(bus.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
		}, logger), nil
	case "memory":
		return bus.NewMemoryBus(), nil
	default:
		return bus.NewMQTTBus(bus.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
		}, logger)
	}
}

// initLogger builds a zap logger from the logging config.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var zapConfig zap.Config

	level := zap.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		level = zap.InfoLevel
	}

	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Printf("Failed to create logger: %v. Using default logger.\n", err)
		return zap.NewExample()
	}
	return logger
}
