package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/melsync/internal/auth"
	"github.com/joshp123/melsync/internal/config"
	"github.com/joshp123/melsync/internal/device"
	"github.com/joshp123/melsync/internal/hub"
	"github.com/joshp123/melsync/internal/logging"
	"github.com/joshp123/melsync/internal/melcloud"
	"github.com/joshp123/melsync/internal/mqttbridge"
	"github.com/joshp123/melsync/internal/rate"
	"github.com/joshp123/melsync/internal/server"
	"github.com/joshp123/melsync/internal/session"
	"github.com/joshp123/melsync/internal/tsdb"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("MELSYNC_CONFIG", config.DefaultPath), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Logging, version)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("melsync stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	password, err := cfg.Password()
	if err != nil {
		return err
	}

	decl := rate.Provider("melcloud").
		MaxRequestsPer(rate.Minute, cfg.Rate.RequestsPerMinute).
		MaxRequestsPer(rate.Day, cfg.Rate.RequestsPerDay).
		Burst(cfg.Rate.Burst).
		ReadHeaders(rate.StandardHeaders())
	if cfg.Rate.Wait {
		decl = decl.WaitForBudget()
	}
	httpClient := rate.WrapHTTP(decl, &http.Client{Timeout: cfg.MELCloud.RequestTimeout})

	baseURL := cfg.MELCloud.BaseURL
	if baseURL == "" {
		baseURL = melcloud.DefaultBaseURL
	}
	store, err := tokenStore(cfg.TokenStore)
	if err != nil {
		return err
	}
	login := melcloud.NewLoginSource(ctx, httpClient, baseURL, cfg.MELCloud.Email, password)
	tokens, err := auth.NewSource(ctx, cfg.MELCloud.Email, login, store, logger)
	if err != nil {
		return err
	}

	client, err := melcloud.NewClient(tokens, melcloud.WithHTTPClient(httpClient), melcloud.WithBaseURL(baseURL))
	if err != nil {
		return err
	}
	sess := session.New(client,
		session.WithListingInterval(cfg.Session.ListingInterval),
		session.WithAccountInterval(cfg.Session.AccountInterval),
		session.WithLogger(logger),
	)

	devices := hub.New(sess, client,
		hub.WithLogger(logger),
		hub.WithDeviceOptions(
			device.WithSetDebounce(cfg.Device.SetDebounce),
			device.WithLogger(logger),
			device.WithContext(ctx),
		),
	)
	if cfg.MQTT.Enabled {
		bridge, err := mqttbridge.Connect(cfg.MQTT, devices, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer bridge.Close()
		devices.AddSink(bridge)
		logger.Info("mqtt bridge connected", "broker", cfg.MQTT.Broker)
	}
	if cfg.InfluxDB.Enabled {
		writer, err := tsdb.Connect(cfg.InfluxDB, logger)
		if err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
		defer writer.Close()
		devices.AddSink(writer)
		logger.Info("influxdb writer connected", "url", cfg.InfluxDB.URL)
	}

	registry, err := metricsRegistry(devices)
	if err != nil {
		return err
	}

	grpcServer, err := server.NewGRPCServer(cfg.Server.GRPCAddr, server.NewDeviceService(devices))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr,
		server.NewMux(registry, devices, 3*cfg.Device.PollInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc listening", "addr", cfg.Server.GRPCAddr)
		return grpcServer.Serve()
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
		return httpServer.ListenAndServe()
	})
	g.Go(func() error {
		err := devices.Run(gctx, cfg.Device.PollInterval)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func tokenStore(cfg config.TokenStoreConfig) (auth.BlobStore, error) {
	if cfg.UsesS3() {
		return auth.NewS3Store(auth.S3Config{
			Endpoint:      cfg.S3Endpoint,
			Bucket:        cfg.S3Bucket,
			Prefix:        cfg.S3Prefix,
			Region:        cfg.S3Region,
			AccessKeyFile: cfg.AccessKeyFile,
			SecretKeyFile: cfg.SecretKeyFile,
		})
	}
	return auth.NewFileStore(cfg.Dir)
}

func metricsRegistry(devices *hub.Hub) (*prometheus.Registry, error) {
	collectors := []prometheus.Collector{
		hub.NewMetricsCollector(devices),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "melsync_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"version": version},
		}, func() float64 { return 1 }),
	}
	collectors = append(collectors, session.MetricsCollectors()...)
	collectors = append(collectors, device.MetricsCollectors()...)
	collectors = append(collectors, rate.MetricsCollectors()...)
	collectors = append(collectors, auth.MetricsCollectors()...)
	return server.NewRegistry(collectors...)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
