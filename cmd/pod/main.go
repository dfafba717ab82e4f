package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/collabpod/pod/internal/auth"
	"github.com/collabpod/pod/internal/config"
	"github.com/collabpod/pod/internal/httpapi"
	"github.com/collabpod/pod/internal/logging"
	"github.com/collabpod/pod/internal/metrics"
	"github.com/collabpod/pod/internal/opstore"
	"github.com/collabpod/pod/internal/podserver"
	"github.com/collabpod/pod/internal/streambridge"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "pod",
		Short: "Collaboration pod: presence + CRDT sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPod(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("listen-addr", defaults.GetString("listen_addr"), "Transport bind address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log_level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "listen_addr", "listen-addr")
	bindFlag(cmd, "log_level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
		}
	}
	return nil
}

// podExitError carries the process exit code taxonomy the pod reports on
// shutdown: config errors, unreachable upstreams, and unrecoverable
// internal failures each get a distinct code.
type podExitError struct {
	code int
	err  error
}

func (e *podExitError) Error() string { return e.err.Error() }
func (e *podExitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var podErr *podExitError
	if errors.As(err, &podErr) {
		return podErr.code
	}
	return 70
}

func runPod(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return &podExitError{code: 64, err: err}
	}

	log, err := logging.New(appConfig.LogLevel, appConfig.PodID)
	if err != nil {
		return &podExitError{code: 64, err: err}
	}
	defer log.Sync() //nolint:errcheck

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		SigningSecret: appConfig.EdgeTokenSecret,
		Issuer:        appConfig.PodID,
	})
	if err != nil {
		return &podExitError{code: 64, err: err}
	}

	opStore, err := opstore.Open(appConfig.OpStoreURL)
	if err != nil {
		return &podExitError{code: 69, err: err}
	}
	defer opStore.Close()

	redisOpts, err := redis.ParseURL(appConfig.StreamURL)
	if err != nil {
		return &podExitError{code: 64, err: err}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	bridge := streambridge.New(rdb, streambridge.Config{
		PodID:      appConfig.PodID,
		MaxEntries: appConfig.StreamMaxEntries,
		MaxAge:     appConfig.StreamMaxAge,
	}, log, nil)

	metricsRegistry := metrics.New()
	defer metricsRegistry.Stop()

	registry := podserver.NewRegistry(podserver.RegistryConfig{
		PodID:       appConfig.PodID,
		IdleGrace:   appConfig.IdleRoomGrace,
		PresenceTTL: appConfig.PresenceTTL,
		MaxRooms:    appConfig.MaxRooms,
	}, log, metricsRegistry, opStore, opStore, bridge)

	registry.SetRoomStartHook(func(room *podserver.Room, roomID string) func() {
		consumerCtx, cancel := context.WithCancel(context.Background())
		consumer := streambridge.NewConsumer(bridge, room, roomID)
		go consumer.Run(consumerCtx)
		return cancel
	})

	health := httpapi.NewHealthChecker(registry, opStore, bridge)

	server := httpapi.NewServer(log, registry, validator, metricsRegistry, health, httpapi.Config{
		ListenAddr:     appConfig.ListenAddr,
		AllowedOrigins: appConfig.AllowedOrigins,
		EgressBytes:    appConfig.EgressBytes,
		EgressFrames:   appConfig.EgressFrames,
		SlowClientTO:   appConfig.SlowClientTO,
		DrainTimeout:   appConfig.DrainTimeout,
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("pod starting", zap.String("addr", appConfig.ListenAddr), zap.String("pod_id", appConfig.PodID))
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-errCh:
		if err != nil {
			return &podExitError{code: 70, err: err}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.DrainTimeout+5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}

	registry.Shutdown()

	log.Info("shutdown complete")
	return nil
}
