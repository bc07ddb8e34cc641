package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatui "github.com/MegaGrindStone/chat-stream-ui"
	"github.com/MegaGrindStone/chat-stream-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-stream-ui/internal/handlers"
	"github.com/MegaGrindStone/chat-stream-ui/internal/metrics"
	"github.com/MegaGrindStone/chat-stream-ui/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "chatui",
		Short: "Chat with large language models from the browser or the terminal",
		Long: `chatui streams replies of an LLM provider (OpenAI, OpenRouter or Ollama) into a web chat
interface or an interactive terminal session.

The config file defaults to chatui/config.yaml in the user config directory.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path of the config file")

	rootCmd.AddCommand(newServeCmd(&cfgPath))
	rootCmd.AddCommand(newChatCmd(&cfgPath))

	return rootCmd
}

func newServeCmd(cfgPath *string) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on, overrides the config file")

	return cmd
}

func serve(ctx context.Context, cfg config) error {
	logger, err := newLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	boltDB, err := services.NewBoltDB(cfg.History.Path, cfg.History.MaxChats)
	if err != nil {
		a.close()
		return fmt.Errorf("error opening store: %w", err)
	}
	defer boltDB.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessions := conversation.NewRegistry(a.source, boltDB, a.sessionOptions(metrics.MustNew(reg)))

	fallback := cfg.LLM.defaultModel()
	m, err := handlers.NewMain(sessions, boltDB, handlers.Options{
		TitleGenerator: a.source,
		Catalog:        services.NewCatalog(a.source, cfg.Catalog.TTL, fallback, logger),
		Markdown:       services.NewMarkdown(cfg.Markdown.Style),
		DefaultModel:   fallback.ID,
		Logger:         logger,
	})
	if err != nil {
		a.close()
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(chatui.StaticFS, "static")
	if err != nil {
		a.close()
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	m.Routes(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// SSE connections never go idle, so they are closed from the shutdown hook. The store stays open
	// until the hook has finalized every streaming reply.
	shutdownDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(shutdownDone)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := m.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
		a.close()
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		a.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}

		select {
		case <-shutdownDone:
		case <-ctx.Done():
			logger.Warn("Timed out waiting for shutdown hook")
		}
	}

	return nil
}
