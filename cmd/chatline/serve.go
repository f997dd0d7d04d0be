package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatline/internal/api"
	"github.com/kalambet/chatline/internal/config"
	"github.com/kalambet/chatline/internal/ollama"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local development chat service",
	Long: `Run a local development chat service that implements the chat API.

The echo backend repeats each message word by word; the ollama backend
streams answers from a local Ollama model. --drop-after and --fail-first
inject faults so the client's recovery paths can be exercised.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("backend") {
			cfg.Server.Backend, _ = cmd.Flags().GetString("backend")
		}
		dropAfter, _ := cmd.Flags().GetInt("drop-after")
		failFirst, _ := cmd.Flags().GetInt("fail-first")

		ctx, stop := signalContext(cmd)
		defer stop()

		responder, err := newResponder(ctx, cfg)
		if err != nil {
			return err
		}
		return runServer(ctx, cfg, api.ServiceOptions{
			Responder: responder,
			Token:     cfg.Server.APIToken,
			DropAfter: dropAfter,
			FailFirst: failFirst,
			Logger:    slog.Default(),
		})
	},
}

func init() {
	serveCmd.Flags().Int("port", 4100, "port to listen on (default: server.port)")
	serveCmd.Flags().String("backend", "echo", "answer backend: echo or ollama (default: server.backend)")
	serveCmd.Flags().Int("drop-after", 0, "abort every stream after N content events")
	serveCmd.Flags().Int("fail-first", 0, "answer the first N sends with HTTP 503")
}

func newResponder(ctx context.Context, cfg config.Config) (api.Responder, error) {
	switch cfg.Server.Backend {
	case "echo":
		return api.EchoResponder{Delay: cfg.Server.ChunkDelay}, nil
	case "ollama":
		client := ollama.New(cfg.Ollama.BaseURL)
		if err := ollama.EnsureReady(ctx, client, cfg.Ollama.Model, os.Stderr); err != nil {
			return nil, err
		}
		return api.OllamaResponder{Client: client, Model: cfg.Ollama.Model}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q: want echo or ollama", cfg.Server.Backend)
	}
}

func runServer(ctx context.Context, cfg config.Config, opts api.ServiceOptions) error {
	svc := api.NewChatService(opts)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printStep("chat service (%s backend) listening on %s", cfg.Server.Backend, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		done := make(chan struct{})
		go func() {
			svc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			slog.Warn("abandoning answers still being generated")
		}
		return err
	})
	return g.Wait()
}
