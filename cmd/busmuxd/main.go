// Command busmuxd launches the busmux daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/torvane/busmux/config"
	"github.com/torvane/busmux/internal/broker"
	"github.com/torvane/busmux/internal/broker/wsbroker"
	"github.com/torvane/busmux/internal/bus"
	"github.com/torvane/busmux/internal/observability"
	"github.com/torvane/busmux/internal/telemetry"
)

const (
	defaultConfigPath        = "config/busmux.yaml"
	daemonLoggerPrefix       = "busmuxd "
	shutdownTimeout          = 30 * time.Second
	busShutdownTimeout       = 10 * time.Second
	tapsShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newDaemonLogger()

	configPath := resolveConfigPath(cfgPathFlag)

	cfg, loadedFromFile, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, broker=%s",
		cfg.Environment, brokerLabel(cfg.Broker))

	observability.SetLogger(observability.NewStdLogger(logger, cfg.Debug))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	pubConn, subConn, err := dialBroker(ctx, cfg.Broker)
	if err != nil {
		logger.Fatalf("connect broker: %v", err)
	}

	b := bus.Start(ctx, bus.Config{
		QueueCapacity: cfg.Bus.QueueCapacity,
		SinkBuffer:    cfg.Bus.SinkBuffer,
	}, pubConn, subConn)

	var taps conc.WaitGroup
	if err := startTaps(ctx, &taps, logger, b, cfg.Taps); err != nil {
		logger.Fatalf("start taps: %v", err)
	}

	logger.Print("busmuxd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		bus:        b,
		taps:       &taps,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDaemonLogger() *log.Logger {
	return log.New(os.Stdout, daemonLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func brokerLabel(cfg config.BrokerConfig) string {
	if cfg.URL == "" {
		return "loopback"
	}
	return cfg.URL
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Config) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  string(cfg.Environment),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if cfg.Telemetry.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// dialBroker opens the publish and subscribe connections. An empty URL wires
// both sides to a shared in-process loopback broker.
func dialBroker(ctx context.Context, cfg config.BrokerConfig) (broker.Client, broker.Client, error) {
	if cfg.URL == "" {
		loop := broker.NewMemory()
		return loop, loop, nil
	}

	wsCfg := wsbroker.Config{
		URL:          cfg.URL,
		DialTimeout:  cfg.DialTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
		ControlRate:  rate.Limit(cfg.ControlRate),
	}
	pubConn, err := wsbroker.Dial(ctx, wsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dial publish connection: %w", err)
	}
	subConn, err := wsbroker.Dial(ctx, wsCfg)
	if err != nil {
		_ = pubConn.Close()
		return nil, nil, fmt.Errorf("dial subscribe connection: %w", err)
	}
	return pubConn, subConn, nil
}

// startTaps subscribes to the configured tap topics and logs every message
// received on them until shutdown.
func startTaps(ctx context.Context, taps *conc.WaitGroup, logger *log.Logger, b *bus.Bus, topics []string) error {
	for _, topic := range topics {
		sub, err := b.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe tap %q: %w", topic, err)
		}
		logger.Printf("tap subscribed: topic=%s", topic)
		taps.Go(func() {
			defer sub.Close()
			for {
				select {
				case msg := <-sub.C():
					logger.Printf("tap: topic=%s bytes=%d", msg.Topic, len(msg.Payload))
				case <-ctx.Done():
					return
				}
			}
		})
	}
	return nil
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	bus        *bus.Bus
	taps       *conc.WaitGroup
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.taps != nil {
		shutdownStep("waiting for taps", tapsShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.taps.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for taps: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("stopping bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Stop()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
