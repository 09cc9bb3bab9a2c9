package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stellarr/stellarr/internal/api"
	"github.com/stellarr/stellarr/internal/config"
	"github.com/stellarr/stellarr/internal/iptv"
	"github.com/stellarr/stellarr/internal/logging"
	"github.com/stellarr/stellarr/internal/mounts"
	"github.com/stellarr/stellarr/internal/nntp"
	"github.com/stellarr/stellarr/internal/streamservice"
)

const shutdownTimeout = 10 * time.Second

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Stellarr streaming server",
		Long:  `Start the Stellarr streaming server using configuration from YAML file.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configManager, err := config.NewManager(configFile)
	if err != nil {
		slog.Default().Error("Failed to load config", "error", err)
		return err
	}
	cfg := configManager.GetConfig()

	logger := logging.Setup(cfg.Log)
	logger.Info("Starting Stellarr server",
		"log_file", cfg.Log.File,
		"log_level", cfg.Log.Level,
		"providers", len(cfg.Providers),
		"livetv", cfg.IPTVEnabled())

	nntpManager := nntp.NewManager(cfg.GetEnabledProviders())
	defer nntpManager.Close()

	store, err := mounts.NewFileStore(afero.NewOsFs(), cfg.Mounts.Path)
	if err != nil {
		logger.Error("Failed to open mount store", "path", cfg.Mounts.Path, "error", err)
		return err
	}
	mountManager := mounts.NewManager(store, nntpManager)
	streamService := streamservice.NewService(
		mountManager, nntpManager,
		cfg.Streaming.PrefetchCount, cfg.Streaming.MaxCacheSize)

	var livetv *iptv.StreamService
	if cfg.IPTVEnabled() {
		livetv = iptv.NewStreamService(0)
		defer livetv.Close()
		for _, account := range cfg.IPTV.Accounts {
			livetv.RegisterPortal(account.Name, iptv.NewPortalClient(iptv.PortalConfig{
				PortalURL:             account.PortalURL,
				MAC:                   account.MAC,
				RewriteFfmpegCommands: cfg.IPTV.RewriteFfmpeg(),
			}))
			logger.Info("Registered live TV account", "account", account.Name)
		}
	}

	mux := http.NewServeMux()
	apiServer := api.NewServer(&api.Config{Prefix: cfg.API.Prefix},
		mountManager, streamService, livetv, nntpManager, mux)
	apiServer.SetReloader(func(ctx context.Context) error {
		if err := configManager.ReloadConfig(); err != nil {
			return err
		}
		nntpManager.Reload(configManager.GetConfig().GetEnabledProviders())
		return nil
	})

	// Lightweight liveness endpoint for container health checks
	mux.HandleFunc("/live", handleLiveness)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", "error", err)
		return err
	}
	logger.Info("Stellarr server shut down gracefully")
	return nil
}

// handleLiveness answers container liveness probes
func handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
