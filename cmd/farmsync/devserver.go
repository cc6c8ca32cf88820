package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/farmsync/internal/devserver"
	"github.com/hyperengineering/farmsync/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory registration service for local testing",
	Long: `Serve the sync API from memory. Registrations are validated the way the
registration service does and receive farmer IDs of the form ZM000001.
Everything is lost on exit.`,
	Example: `  farmsync devserver --addr :8080 --accept-token dev-token
  FARMSYNC_API_URL=http://localhost:8080 FARMSYNC_API_TOKEN=dev-token farmsync sync`,
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

var (
	devAddr  string
	devToken string
)

const devShutdownTimeout = 5 * time.Second

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", "127.0.0.1:8080", "Listen address")
	devserverCmd.Flags().StringVar(&devToken, "accept-token", "", "Bearer token clients must send (default: the configured API token; empty disables auth)")
	rootCmd.AddCommand(devserverCmd)
}

func runDevserver(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: logging.FormatConsole})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	token := devToken
	if token == "" {
		token = cfg.APIToken
	}

	srv := &http.Server{
		Addr:              devAddr,
		Handler:           devserver.New(token, devserver.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("devserver listening", zap.String("addr", devAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("devserver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), devShutdownTimeout)
		defer cancel()
		logger.Info("devserver shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
