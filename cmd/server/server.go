package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/emsync/cmd/util"
	"github.com/sidkik/emsync/pkg/api"
	"github.com/sidkik/emsync/pkg/config"
	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/metrics"
	"github.com/sidkik/emsync/pkg/multigrid"
	"github.com/sidkik/emsync/pkg/notify"
	"github.com/sidkik/emsync/pkg/pipeline"
	"github.com/sidkik/emsync/pkg/registry"
	"github.com/sidkik/emsync/pkg/rsync"
	"github.com/sidkik/emsync/pkg/session"
	"github.com/sidkik/emsync/pkg/store/sqlite"
	"github.com/sidkik/emsync/pkg/supervisor"
	"github.com/sidkik/emsync/pkg/version"
)

// shutdownTimeout bounds how long running transfers get to stop after a
// signal.
const shutdownTimeout = 30 * time.Second

// New creates a new `server` command.
func New() *cobra.Command {
	var configPath, dotenvPath string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the transfer server",
		Long: "Run the server that transfers microscope data with rsync, and\n" +
			"tracks the progress of every transfer for the acquisition clients.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath, dotenvPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultServerConfigPath,
		"The path to the server config")
	cmd.Flags().StringVar(&dotenvPath, "env-file", ".env",
		"A dotenv file with EMSYNC_* overrides")
	return cmd
}

func run(configPath, dotenvPath string) error {
	cfg, err := config.ParseServer(configPath)
	if err != nil {
		return errors.WithContext(err, "parse config")
	}
	if err := cfg.ApplyEnv(dotenvPath); err != nil {
		return errors.WithContext(err, "apply environment")
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithContext(err, "validate config")
	}

	rsyncVersion, err := rsync.CheckVersion(cfg.Rsync.Binary, cfg.Rsync.MinimumVersion)
	if err != nil {
		return errors.WithContext(err, "check rsync")
	}
	log.WithField("version", rsyncVersion).Debug("Found rsync")

	ctx, cancel := signalContext()
	defer cancel()

	store, err := sqlite.Open(ctx, cfg.Database)
	if err != nil {
		return errors.WithContext(err, "open database")
	}
	defer store.Close()

	tree := supervisor.New(supervisor.DefaultConfig())

	hub := notify.NewHub()
	tree.AddMessaging(hub)
	notifiers := notify.Multi{notify.Logger{}, hub, metrics.New(prometheus.DefaultRegisterer)}
	if cfg.RedisURL != "" {
		redis, err := notify.NewRedis(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return errors.WithContext(err, "connect to redis")
		}
		defer redis.Close()
		tree.AddMessaging(redis)
		notifiers = append(notifiers, redis)
	}

	var jobs registry.Pipeline = pipeline.Log{}
	if cfg.AMQPURL != "" {
		amqp := pipeline.NewAMQP(cfg.AMQPURL, cfg.ProcessingExchange)
		defer amqp.Close()
		jobs = amqp
	}

	reg := registry.New(registry.Options{
		Store:            store,
		Notifier:         notifiers,
		Pipeline:         jobs,
		Defaults:         cfg.Instance,
		Rsync:            cfg.Rsync,
		ProcessingTags:   cfg.ProcessingTags,
		SnapshotInterval: cfg.SnapshotInterval.Duration,
		LivenessInterval: cfg.LivenessInterval.Duration,
	})
	if err := reg.Load(ctx); err != nil {
		return errors.WithContext(err, "load instances")
	}
	tree.AddTransfer(reg)

	sessions := session.NewManager(store, reg, nil)
	if err := sessions.Load(ctx); err != nil {
		return errors.WithContext(err, "load sessions")
	}

	watchers := multigrid.NewManager(reg, sessions, cfg.Multigrid, cfg.DestinationRoot, nil)
	sessions.OnEnd(watchers)

	handler := api.New(api.Options{
		Registry:  reg,
		Sessions:  sessions,
		Watchers:  watchers,
		Observers: hub.ServeWS,
		Version:   version.Version,
	})
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPI(supervisor.NewHTTPService(httpServer, 10*time.Second))

	log.WithField("address", cfg.Listen).Info("Listening for connections..")
	serveErr := tree.Serve(ctx)

	watchers.Shutdown()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		return errors.WithContext(err, "shutdown")
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return errors.WithContext(serveErr, "serve")
	}
	log.Info("Stopped")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer util.HandlePanic()
		select {
		case sig := <-signals:
			log.WithField("signal", sig).Info("Shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx, cancel
}
