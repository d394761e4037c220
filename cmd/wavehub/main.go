package main

import (
	"context"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"wavehub/internal/apps"
	"wavehub/internal/broker"
	"wavehub/internal/bus"
	"wavehub/internal/channel"
	"wavehub/internal/connection"
	"wavehub/internal/dispatch"
	"wavehub/internal/events"
	"wavehub/internal/handlers"
	"wavehub/internal/metrics"
	"wavehub/pkg/config"
	"wavehub/pkg/logging"
	"wavehub/pkg/monitoring"
	"wavehub/pkg/redis"
	"wavehub/pkg/server"
)

const version = "1.0.0"

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("wavehub")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Wavehub (WebSocket broker)")

	cfgPath := config.GetEnv("WAVEHUB_CONFIG", "config/wavehub.yaml")
	file, err := config.LoadFile(cfgPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	srvProfile, err := file.Server()
	if err != nil {
		logger.WithError(err).Fatal("Failed to resolve server profile")
	}

	appRegistry, err := apps.NewRegistry(file.Apps.Apps)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build application registry")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("wavehub", version)
	metricsCollector := monitoring.NewMetricsCollector("wavehub", version, config.GetEnv("GIT_COMMIT", "unknown"))
	brokerMetrics := metrics.New(metricsCollector)

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"WAVEHUB_CONFIG": cfgPath,
	}))

	// Core subsystems
	conns := connection.NewRegistry()
	channels := channel.NewManager(logger, channel.Hooks{
		Created: func(ch *channel.Channel) { brokerMetrics.ChannelCreated(ch.AppID(), ch.Kind().Type) },
		Removed: func(ch *channel.Channel) { brokerMetrics.ChannelRemoved(ch.AppID(), ch.Kind().Type) },
	})

	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	group, groupCtx := errgroup.WithContext(backgroundCtx)

	// Scaling bus (optional)
	var bridge *bus.Bridge
	var publisher dispatch.Publisher
	var terminator broker.TerminatePublisher
	var scaler handlers.Scaler
	if srvProfile.Scaling.Enabled {
		client, err := connectRedis(backgroundCtx, srvProfile.Scaling.Server)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer client.Close()

		busChannel := srvProfile.Scaling.Channel
		if busChannel == "" {
			busChannel = "wavehub"
		}
		reconnectTimeout := time.Duration(srvProfile.Scaling.Server.TimeoutSec) * time.Second
		bridge = bus.New(client, busChannel, nil, brokerMetrics, logger, reconnectTimeout)
		publisher = bridge
		terminator = bridge
		scaler = bridge

		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(client))
		logger.WithField("channel", busChannel).Info("Scaling enabled")
	}

	dispatcher := dispatch.New(channels, conns, publisher, logger)
	eventHandler := events.NewHandler(channels, dispatcher, brokerMetrics, logger)
	b := broker.New(appRegistry, conns, channels, dispatcher, eventHandler, terminator, brokerMetrics, logger)

	if bridge != nil {
		bridge.SetHandler(b)
		group.Go(func() error {
			return bridge.Run(groupCtx)
		})
	}

	// Liveness sweeps
	sweeper := connection.NewSweeper(conns, b.Teardown, logger)
	group.Go(func() error {
		sweeper.Run(groupCtx)
		return nil
	})

	// A fatal bus error drains the broker and exits non-zero.
	fatal := make(chan struct{})
	go func() {
		if err := group.Wait(); err != nil {
			logger.WithError(err).Error("Scaling backend failed permanently")
			close(fatal)
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// HTTP surface: WebSocket endpoint + admin API + health/metrics
	router := server.SetupServiceRouter(logger, "wavehub", healthChecker, metricsCollector)

	wsPath := srvProfile.Path + "/app/:appKey"
	router.GET(wsPath, func(c *gin.Context) {
		b.ServeWS(c.Writer, c.Request, c.Param("appKey"))
	})

	handlers.NewHandler(b, scaler, logger).Register(router)

	serverCfg := server.DefaultConfig("wavehub", strconv.Itoa(srvProfile.Port))
	if srvProfile.Host != "" {
		serverCfg.Host = srvProfile.Host
	}
	if srvProfile.TLS != nil {
		serverCfg.CertFile = srvProfile.TLS.CertPath
		serverCfg.KeyFile = srvProfile.TLS.KeyPath
	}

	drain := func(ctx context.Context) {
		b.Shutdown(ctx)
		cancelBackground()
	}

	if err := server.Start(serverCfg, router, logger, drain); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	select {
	case <-fatal:
		os.Exit(1)
	default:
	}
}

// connectRedis honors both the url and host/port forms of the bus server
// configuration.
func connectRedis(ctx context.Context, cfg config.BusServerConfig) (goredis.UniversalClient, error) {
	if cfg.URL != "" {
		client, err := redis.NewClientFromURL(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return redis.NewUniversalClient(ctx, redis.Config{
		Mode:     redis.ModeSingle,
		Addrs:    []string{cfg.Addr()},
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
