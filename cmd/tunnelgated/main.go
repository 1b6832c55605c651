// Command tunnelgated is the tunnelgate daemon entrypoint: it loads
// configuration, opens the Config/Secret/Stats Stores, starts the Event Bus
// and Tunnel Manager, connects every enabled ConnectOnStartup server, and serves the
// Control API until signalled to shut down.
//
// The graceful-shutdown shape -- signal.NotifyContext plus a timeout-bounded
// http.Server.Shutdown -- follows gluk-w-claworc/llm-proxy/main.go exactly.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tunnelgate/internal/api"
	"tunnelgate/internal/configstore"
	"tunnelgate/internal/daemonconfig"
	"tunnelgate/internal/eventbus"
	"tunnelgate/internal/logbuffer"
	"tunnelgate/internal/manager"
	"tunnelgate/internal/netwatch"
	"tunnelgate/internal/secretstore"
	"tunnelgate/internal/statsstore"
	"tunnelgate/pkg/safego"
)

const bindRetrySpacing = 2 * time.Second

func main() {
	logger := log.New(os.Stderr, "tunnelgated: ", log.LstdFlags)

	if err := run(logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func run(logger *log.Logger) error {
	settings, err := daemonconfig.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, err := configstore.Open(settings.ConfigFilePath())
	if err != nil {
		return err
	}

	secrets, err := openSecretStore(logger, settings)
	if err != nil {
		return err
	}

	stats, err := statsstore.Open(settings.StatsDBPath())
	if err != nil {
		return err
	}
	defer stats.Close()

	if err := ensureAPIToken(config, settings.APIAuthEnabled); err != nil {
		return err
	}

	bus := eventbus.New(ctx, logger)
	logs := logbuffer.New()

	mgr := manager.New(logger, config, secrets, stats, bus, logs, settings.KnownHostsPath())

	watcher := netwatch.New(logger, netwatch.NewStaticSource(), mgr.AsNetworkWatcherCallback())
	safego.Go(logger, func() { watcher.Run(ctx) })

	mgr.StartEnabled(ctx)

	startedAt := time.Now()
	srv := api.New(api.Dependencies{
		Logger:    logger,
		Config:    config,
		Stats:     stats,
		Bus:       bus,
		Manager:   mgr,
		Logs:      logs,
		BoundPort: settings.APIPort,
		StartedAt: startedAt,
	})

	go runStatsCleanup(ctx, logger, stats)

	err = api.ListenAndServe(ctx, logger, srv.Router(), settings.APIPort, settings.APIFallback, settings.APIBindRetries, bindRetrySpacing)

	mgr.Shutdown()
	return err
}

// openSecretStore builds the keyring-backed Manager, pre-loading the AEAD
// fallback so it is ready the moment the keyring proves unavailable.
func openSecretStore(logger *log.Logger, settings daemonconfig.Settings) (*secretstore.Manager, error) {
	passphrase := []byte(settings.SecretKey)
	if len(passphrase) == 0 {
		loaded, err := secretstore.LoadOrCreatePassphrase(settings.SecretKeyFilePath())
		if err != nil {
			return nil, err
		}
		passphrase = loaded
	}

	fallback, err := secretstore.NewAEADStore(daemonSecretFilePath(settings), passphrase)
	if err != nil {
		return nil, err
	}
	return secretstore.NewManager(logger, fallback), nil
}

func daemonSecretFilePath(settings daemonconfig.Settings) string {
	return filepath.Join(settings.DataDir, "secrets.enc")
}

// ensureAPIToken generates a bearer token on first run, so the Control API
// never serves with an empty, always-matching token, and persists the
// configured auth-enabled flag the first time the store is created.
func ensureAPIToken(config *configstore.Store, authEnabledDefault bool) error {
	token, _ := config.APIToken()
	if token != "" {
		return nil
	}
	generated, err := api.GenerateToken()
	if err != nil {
		return err
	}
	if err := config.SetAPIToken(generated); err != nil {
		return err
	}
	return config.SetAPIAuthEnabled(authEnabledDefault)
}

// runStatsCleanup prunes samples past the retention window once a day, the
// same "quiet periodic maintenance" shape as the teacher's keepalive loop.
func runStatsCleanup(ctx context.Context, logger *log.Logger, stats *statsstore.Store) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := stats.Cleanup(time.Now()); err != nil {
				logger.Printf("stats cleanup failed: %v", err)
			} else if n > 0 {
				logger.Printf("stats cleanup removed %d samples past retention", n)
			}
		}
	}
}
