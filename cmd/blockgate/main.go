// blockgate - a game server network core.
//
// blockgate accepts game clients over TCP, runs them through the login
// handshake and key exchange, and hands established players to the lobby.
// One tick goroutine drains every connection's packet queue; a REST API,
// MQTT telemetry and an operator console sit beside it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockgate-project/blockgate/internal/api"
	"github.com/blockgate-project/blockgate/internal/cli"
	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/crypt"
	"github.com/blockgate-project/blockgate/internal/db"
	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/health"
	"github.com/blockgate-project/blockgate/internal/network"
	"github.com/blockgate-project/blockgate/internal/scheduler"
	"github.com/blockgate-project/blockgate/internal/server"
	"github.com/blockgate-project/blockgate/internal/session"
	"github.com/blockgate-project/blockgate/internal/telemetry"
	"github.com/blockgate-project/blockgate/internal/util"
	"github.com/blockgate-project/blockgate/internal/worker"
)

const (
	AppName    = "blockgate"
	AppVersion = "0.4.0"
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting blockgate")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.ApplicationData.Logging.Level,
		Directory:  cfg.ApplicationData.Logging.Directory,
		MaxBackups: cfg.ApplicationData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	serverData := cfg.GetServerData()
	appData := cfg.GetApplicationData()

	if !config.IsPortAvailable(serverData.Network.Port) {
		log.Warn().Int("port", serverData.Network.Port).Msg("game port is in use, the listener will keep retrying")
	}

	if err := crypt.SelfTest(); err != nil {
		log.Fatal().Err(err).Msg("stream cipher self-test failed")
	}
	keys, err := crypt.GenerateKeyPair(serverData.Login.KeyBits)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate server key pair")
	}
	log.Info().Int("bits", serverData.Login.KeyBits).Msg("server key pair generated")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	var connLog *db.ConnectionLog
	if appData.Database.Enabled {
		connLog, err = db.NewConnectionLog(appData.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open connection log, history disabled")
		} else {
			connLog.Attach(eventBus)
		}
	}

	var auth session.Authenticator = session.OfflineAuthenticator{}
	if serverData.Login.OnlineMode {
		auth = session.NewSessionAuthenticator(serverData.Login.SessionURL)
		log.Info().Str("session_url", serverData.Login.SessionURL).Msg("online mode: verifying players with the session server")
	} else {
		log.Warn().Msg("offline mode: player names are not verified")
	}

	lobby := session.NewLobby(serverData.Login.MaxPlayers)
	pool := worker.NewPool("async-packets")

	conns := network.NewManager(network.Options{
		Network:    serverData.Network,
		DrainBound: serverData.Tick.DrainBound,
		Pool:       pool,
		Keys:       keys,
		EventBus:   eventBus,
		Factory: session.NewLiveFactory(func() config.LoginConfig {
			return cfg.GetServerData().Login
		}, auth, lobby),
	})

	srv := server.New(serverData.Tick, conns, eventBus)
	srv.OnTick("lobby", lobby.Tick)

	tcpListener := network.NewTCPListener(serverData.Network, conns)
	healthMgr := health.NewManager(cfg, eventBus, conns, srv)
	sched := scheduler.NewScheduler(appData.Database, connLog, eventBus)

	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(appData.MQTT, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var apiServer *api.Server
	if appData.API.Enabled {
		apiServer = api.NewServer(cfg, eventBus, api.Deps{
			Server:  srv,
			Conns:   conns,
			Lobby:   lobby,
			ConnLog: connLog,
		})
	}

	// The console's quit command and the tick loop's own shutdown both
	// arrive here.
	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		shutdownOnce.Do(func() { close(shutdownCh) })
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// The tick loop runs on its own context so it can finish disconnecting
	// clients after everything else has been told to stop.
	tickCtx, stopTicks := context.WithCancel(context.Background())
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		if err := srv.Run(tickCtx); err != nil {
			errCh <- fmt.Errorf("tick loop: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", serverData.Network.Addr()).Msg("starting game listener")
		if err := startWithRetry(ctx, "game listener", tcpListener.Start, 15); err != nil {
			log.Error().Err(err).Msg("game listener failed after retries")
			errCh <- fmt.Errorf("game listener: %w", err)
		}
	}()

	if lagInterval := appData.Timers.LagCheckInterval; lagInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.LagMonitor().Start(ctx, time.Duration(lagInterval)*time.Second, conns.Counts)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", appData.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if !*noConsole {
		console := cli.NewCLI(eventBus, srv, lobby, connLog, os.Stdin, os.Stdout)
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Stop accepting first, then let the tick loop kick everyone.
	cancel()
	stopTicks()
	select {
	case <-tickDone:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("tick loop did not stop in time")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	pool.Stop()
	eventBus.Stop()

	if connLog != nil {
		if err := connLog.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close connection log")
		}
	}

	log.Info().Msg("blockgate stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors, waiting 3 seconds between attempts.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
