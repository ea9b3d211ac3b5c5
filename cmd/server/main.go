package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cbodonnell/theyr/pkg/api"
	"github.com/cbodonnell/theyr/pkg/api/handlers"
	authproviders "github.com/cbodonnell/theyr/pkg/auth/providers"
	"github.com/cbodonnell/theyr/pkg/config"
	"github.com/cbodonnell/theyr/pkg/gateway"
	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/metrics"
	"github.com/cbodonnell/theyr/pkg/network"
	"github.com/cbodonnell/theyr/pkg/queue"
	"github.com/cbodonnell/theyr/pkg/state"
	"github.com/cbodonnell/theyr/pkg/version"
	"github.com/cbodonnell/theyr/pkg/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run starts the server and blocks until it stops. It returns the process
// exit code.
func run(args []string) int {
	fs := flag.NewFlagSet("theyr-server", flag.ContinueOnError)
	cfg, err := config.LoadServerConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	parsedLogLevel, err := log.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse log level: %v\n", err)
		return 1
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	log.Info("Starting theyr server version %s", version.Get())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defaultState, err := cfg.DefaultState()
	if err != nil {
		log.Error("Failed to load default state: %v", err)
		return 1
	}

	repository, initial := openColdStorage(ctx, cfg, defaultState)
	if repository != nil {
		defer repository.Close(context.Background())
	}

	stateManager := state.NewInMemoryStateManager(state.NewInMemoryStateManagerOptions{
		Initial:     initial,
		HistorySize: cfg.HistorySize,
	})

	broadcastChan := make(chan gateway.Broadcast, cfg.QueueSize)
	gw := gateway.NewGateway(gateway.NewGatewayOptions{
		Store:           stateManager,
		Broadcaster:     gateway.ChanBroadcaster(broadcastChan),
		Dedup:           gateway.NewDedupFilter(gateway.NewDedupFilterOptions{Window: cfg.DedupWindow}),
		DefaultState:    defaultState,
		ConnectionIDKey: cfg.ConnectionIDKey,
		ChatLogField:    cfg.ChatLogField,
	})

	clientMessageQueue := queue.NewInMemoryQueue(cfg.QueueSize)
	networkManager := network.NewNetworkManager(network.NewNetworkManagerOptions{
		ClientManager: network.NewClientManager(),
		MessageQueue:  clientMessageQueue,
		AllowOrigin:   cfg.AllowOrigin,
	})

	connectionEventWorker := workers.NewConnectionEventWorker(workers.NewConnectionEventWorkerOptions{
		ConnectionEventChan: networkManager.ClientManager.GetConnectionEventChan(),
	})
	// one slot per supervised goroutine, each reports at most once
	serverErr := make(chan error, 5)
	supervise(serverErr, "connection event worker", func() { connectionEventWorker.Start(ctx) })

	clientMessageWorker := workers.NewClientMessageWorker(workers.NewClientMessageWorkerOptions{
		NetworkManager: networkManager,
		Gateway:        gw,
		MessageQueue:   clientMessageQueue,
	})
	supervise(serverErr, "client message worker", func() { clientMessageWorker.Start(ctx) })

	broadcastWorker := workers.NewBroadcastMessageWorker(workers.NewBroadcastMessageWorkerOptions{
		NetworkManager:       networkManager,
		BroadcastMessageChan: broadcastChan,
		PrivateNamespace:     cfg.PrivateNamespace,
	})
	supervise(serverErr, "broadcast worker", func() { broadcastWorker.Start(ctx) })

	var saveWorker *workers.SaveStateWorker
	var saver handlers.Saver
	if repository != nil {
		saveWorker = workers.NewSaveStateWorker(workers.NewSaveStateWorkerOptions{
			Repository:   repository,
			StateManager: stateManager,
			Interval:     cfg.SaveInterval,
		})
		saveWorker.MarkSaved(initial)
		saver = saveWorker
		supervise(serverErr, "save worker", func() { saveWorker.Start(ctx) })
	}

	authProvider, err := newAuthProvider(ctx, cfg)
	if err != nil {
		log.Error("Failed to create auth provider: %v", err)
		return 1
	}

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry,
		metrics.NewStoreCollector(stateManager),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	); err != nil {
		log.Error("Failed to register metrics: %v", err)
		return 1
	}

	var tlsConfig *api.TLSConfig
	if cfg.TLSCertFile != "" {
		tlsConfig = &api.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile}
	}
	apiServer := api.NewAPIServer(api.NewAPIServerOptions{
		Port:             cfg.Port,
		TLS:              tlsConfig,
		AllowOrigin:      cfg.AllowOrigin,
		AuthProvider:     authProvider,
		Gateway:          gw,
		StateManager:     stateManager,
		PrivateNamespace: cfg.PrivateNamespace,
		WebSocket:        networkManager.Handler(ctx),
		Gatherer:         registry,
		OnlineUsers:      connectionEventWorker.OnlineUsers,
		Saver:            saver,
	})

	supervise(serverErr, "API server", func() {
		if err := apiServer.Start(); err != nil {
			serverErr <- err
		}
	})

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		log.Error("Shutting down: %v", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Warn("Failed to stop API server: %v", err)
	}
	networkManager.ClientManager.CloseAll()
	broadcastWorker.Drain(shutdownCtx)

	if saveWorker != nil {
		if err := saveWorker.Flush(shutdownCtx); err != nil {
			log.Error("Failed to flush state to cold storage: %v", err)
			return 1
		}
		log.Info("State flushed to cold storage")
	}
	return exitCode
}

func newAuthProvider(ctx context.Context, cfg *config.ServerConfig) (authproviders.AuthProvider, error) {
	if cfg.FirebaseProjectID != "" {
		return authproviders.NewFirebaseAuthProvider(ctx, authproviders.NewFirebaseAuthProviderOptions{
			ProjectID:       cfg.FirebaseProjectID,
			APIKey:          cfg.FirebaseAPIKey,
			CredentialsFile: cfg.FirebaseCredentialsFile,
		})
	}
	if cfg.JWTSecret != "" {
		return authproviders.NewJWTAuthProvider(authproviders.NewJWTAuthProviderOptions{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.JWTIssuer,
		})
	}
	if len(cfg.AuthTokens) > 0 {
		return authproviders.NewStaticAuthProvider(cfg.AuthTokens), nil
	}
	log.Warn("No auth provider configured, bearer tokens will be rejected")
	return authproviders.NewStaticAuthProvider(nil), nil
}

