package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sethwebster/expo-free-agent/pkg/api"
	"github.com/sethwebster/expo-free-agent/pkg/artifacts"
	"github.com/sethwebster/expo-free-agent/pkg/auth"
	"github.com/sethwebster/expo-free-agent/pkg/builds"
	"github.com/sethwebster/expo-free-agent/pkg/config"
	"github.com/sethwebster/expo-free-agent/pkg/events"
	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/metrics"
	"github.com/sethwebster/expo-free-agent/pkg/queue"
	"github.com/sethwebster/expo-free-agent/pkg/registry"
	"github.com/sethwebster/expo-free-agent/pkg/security"
	"github.com/sethwebster/expo-free-agent/pkg/storage"
	"github.com/sethwebster/expo-free-agent/pkg/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runController(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}

func runController(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.SetVersion(Version)

	store, err := storage.Open(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.UpdateComponent("store", true, "")

	cipher, err := security.NewBundleCipherFromSecret(cfg.BundleSecret())
	if err != nil {
		return fmt.Errorf("failed to initialize bundle cipher: %w", err)
	}

	channel, err := artifacts.NewChannel(artifacts.Config{
		Root:                cfg.StorageRoot,
		ChunkSize:           cfg.ChunkSize,
		SourceMaxBytes:      cfg.SourceMaxBytes,
		CredentialsMaxBytes: cfg.CredentialsMaxBytes,
		ResultMaxBytes:      cfg.ResultMaxBytes,
	}, cipher)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact channel: %w", err)
	}
	metrics.UpdateComponent("artifacts", true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	authority := auth.NewAuthority(store, cfg.AdminKey, cfg.SessionTokenTTL, cfg.OTPTTL, cfg.GuestTokenTTL)
	machine := builds.NewMachine(store, channel, authority, broker)
	engine := queue.NewEngine(store, authority, broker)
	reg := registry.NewRegistry(store, authority, machine, broker)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.RebuildFromStore(ctx); err != nil {
		return fmt.Errorf("failed to restore queue state: %w", err)
	}

	sweep := sweeper.NewSweeper(store, reg, machine, cfg.WorkerStaleness, cfg.SweepInterval)
	sweep.Start()
	defer sweep.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(cfg, store, authority, machine, engine, reg, channel, broker)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.WithComponent("controller").Info().
		Str("version", Version).
		Str("listen_address", cfg.ListenAddress).
		Msg("controller running")

	if err := g.Wait(); err != nil {
		return fmt.Errorf("controller exited: %w", err)
	}
	log.WithComponent("controller").Info().Msg("controller stopped")
	return nil
}
