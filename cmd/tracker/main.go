package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bilal/fleet-tracker/internal/communicator"
	"github.com/bilal/fleet-tracker/internal/config"
	"github.com/bilal/fleet-tracker/internal/decision"
	"github.com/bilal/fleet-tracker/internal/health"
	"github.com/bilal/fleet-tracker/internal/logger"
	"github.com/bilal/fleet-tracker/internal/monitor"
	"github.com/bilal/fleet-tracker/internal/platform"
	"github.com/bilal/fleet-tracker/internal/queue"
	"github.com/bilal/fleet-tracker/internal/session"
	"github.com/bilal/fleet-tracker/internal/tracking"
	"github.com/bilal/fleet-tracker/internal/transmission"

	"github.com/rs/zerolog/log"
)

func main() {

	// Load config
	path := os.Getenv("TRACKER_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Init logger
	logger.Init(cfg.Logging)
	log.Info().Str("agent", cfg.Agent.Name).Str("device", cfg.Agent.DeviceID).Msg("starting fleet tracker")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OS Signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	//------------------------------------------
	// STORAGE
	//------------------------------------------
	db, err := queue.Open(cfg.Agent.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	store, err := queue.NewStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("init location queue")
	}
	keeper, err := session.NewKeeper(db)
	if err != nil {
		log.Fatal().Err(err).Msg("init session state")
	}

	//------------------------------------------
	// TRANSMISSION
	//------------------------------------------
	client := communicator.New(cfg, communicator.EnvFileTokens{
		Env:  cfg.Backend.AuthTokenEnv,
		File: cfg.Backend.AuthTokenFile,
	})
	publisher, err := communicator.NewPublisher(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init event publisher")
	}

	var mon *monitor.Monitor
	tc := cfg.Transmission
	engine := transmission.NewEngine(store, client,
		transmission.ReachabilityFunc(func() bool { return mon.Reachable() }),
		publisher,
		transmission.Options{
			DeviceID:       cfg.Agent.DeviceID,
			BatchSize:      tc.BatchSize,
			MaxBatches:     tc.MaxBatches,
			MaxWait:        tc.MaxWait(),
			BatchPause:     tc.BatchPause(),
			InitialBackoff: tc.InitialBackoff(),
			MaxBackoff:     tc.MaxBackoff(),
		})

	//------------------------------------------
	// TRACKING
	//------------------------------------------
	tcfg := cfg.Tracking
	location := platform.NewPushLocationSource()
	manager := tracking.NewManager(tracking.Deps{
		Session:     keeper,
		Transmitter: engine,
		Policy: decision.NewEngine(decision.ThresholdConfig{
			Interval:   cfg.Policy.Interval(),
			DistanceM:  cfg.Policy.DistanceM,
			HeadingDeg: cfg.Policy.HeadingDeg,
		}),
		Permissions: platform.NewConfigPermissions(tcfg.LocationPermission, tcfg.BackgroundPermission),
		WakeLock:    platform.NewSysfsWakeLock(tcfg.WakeLockDir, tcfg.WakeLockTag),
		Location:    location,
		Notifier:    platform.NewLogNotifier(),
		Battery:     platform.NewSysfsBattery(tcfg.BatteryDir),
	}, tracking.Options{
		DeviceID: cfg.Agent.DeviceID,
		Filter: tracking.Filter{
			MaxAccuracyM: cfg.Filter.MaxAccuracyM,
			MinSpeedKmh:  cfg.Filter.MinSpeedKmh,
		},
		NotificationInterval: tcfg.NotificationInterval(),
	})

	mon = monitor.NewFromConfig(cfg, engine, func() bool {
		return manager.State() == tracking.Active
	})

	//------------------------------------------
	// START CONTROL SERVER
	//------------------------------------------
	ctrl := health.New(cfg.Health.Listen, health.Deps{
		Tracker:      manager,
		Transmission: engine,
		History:      store,
		Connectivity: mon,
		Feed:         location,
	})
	ctrl.SetRunning(true)

	go func() {
		if err := ctrl.Serve(); err != nil {
			log.Error().Err(err).Msg("control server stopped")
		}
	}()

	//------------------------------------------
	// RESUME SESSION + START MONITOR
	//------------------------------------------
	if err := manager.Init(ctx); err != nil {
		log.Error().Err(err).Msg("resume tracking session")
	}
	go mon.Run(ctx)

	//------------------------------------------
	// WAIT FOR SHUTDOWN SIGNAL
	//------------------------------------------
	sig := <-sigChan
	log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
	cancel()

	//------------------------------------------
	// SHUTDOWN SEQUENCE
	//------------------------------------------
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	log.Info().Msg("stopping control server...")
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("control server shutdown")
	}

	log.Info().Msg("stopping monitor...")
	mon.Shutdown(shutdownCtx)

	log.Info().Msg("suspending tracking...")
	manager.Shutdown(shutdownCtx)

	log.Info().Msg("stopping transmission...")
	engine.Close(shutdownCtx)

	if err := publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("close event publisher")
	}
	if err := queue.Close(db); err != nil {
		log.Warn().Err(err).Msg("close database")
	}

	log.Info().Msg("tracker stopped cleanly")
}
