package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davmount/davmount/internal/api"
	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/events"
	"github.com/davmount/davmount/internal/importer"
	"github.com/davmount/davmount/internal/pool"
	"github.com/davmount/davmount/internal/queue"
	"github.com/davmount/davmount/internal/slogutil"
	"github.com/davmount/davmount/internal/store"
	"github.com/davmount/davmount/internal/webdav"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the davmount WebDAV server",
		Long:  `Start the WebDAV server and SABnzbd-compatible API using configuration from a YAML file.`,
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "error", err)
		return err
	}
	cfg := mgr.Config()

	logger := slogutil.Setup(slogutil.Config{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	})

	db, err := store.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		return err
	}
	defer func() { _ = db.Close() }()

	client := pool.NewClient(cfg.Servers, pool.Options{
		QueueConnections: cfg.Import.MaxQueueConnections,
	})
	defer client.Close()
	if len(cfg.Servers) == 0 {
		logger.Warn("no NNTP servers configured; imports and streaming will fail until servers are added")
	}

	content := store.NewContentReader(db, client)
	bus := events.NewBus()
	pipeline := importer.NewPipeline(client, db, mgr)
	qm := queue.NewManager(db, pipeline, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	qm.Start(ctx)
	defer qm.Stop()

	apiServer := api.NewServer(mgr.Getter(), db, content, qm, client, bus)
	davHandler := webdav.NewHandler(db, content, mgr.Getter())

	prefix := cfg.API.Prefix
	if prefix == "" {
		prefix = "/api"
	}

	mux := http.NewServeMux()
	apiHandler := apiServer.Handler()
	mux.Handle(prefix, apiHandler)
	mux.Handle(prefix+"/", apiHandler)
	mux.Handle("/stream/", apiHandler)
	mux.HandleFunc("/live", handleLiveness)
	mux.Handle("/", davHandler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebDAV.Port),
		Handler: mux,
	}

	// SIGHUP reloads the config file and swaps the server set without
	// dropping in-flight requests.
	go watchReload(ctx, mgr, client, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"port", cfg.WebDAV.Port,
			"api_prefix", prefix,
			"servers", len(cfg.Servers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", "error", err)
	}
	return nil
}

func watchReload(ctx context.Context, mgr *config.Manager, client *pool.Client, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			fresh, err := config.NewManager(configFile)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			cfg := fresh.Config()
			if err := mgr.Update(cfg); err != nil {
				logger.Error("failed to install reloaded config", "error", err)
				continue
			}
			client.Reconfigure(cfg.Servers)
			logger.Info("configuration reloaded", "servers", len(cfg.Servers))
		}
	}
}

func handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","timestamp":%q}`, time.Now().UTC().Format(time.RFC3339))
}
