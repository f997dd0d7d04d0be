package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatline/internal/chat"
	"github.com/kalambet/chatline/internal/chatapi"
	"github.com/kalambet/chatline/internal/config"
	"github.com/kalambet/chatline/internal/conversation"
	"github.com/kalambet/chatline/internal/health"
	"github.com/kalambet/chatline/internal/outbox"
	"github.com/kalambet/chatline/internal/retry"
	"github.com/kalambet/chatline/internal/storage"
)

// session wires one chat client to local storage and the chat service.
type session struct {
	cfg     config.Config
	db      *storage.Store
	conv    *conversation.Store
	queue   *outbox.Queue
	api     *chatapi.Client
	monitor *health.Monitor
	client  *chat.Client
}

// openSession builds a session from cfg. Nothing touches the network until
// run.
func openSession(cfg config.Config, logger *slog.Logger) (*session, error) {
	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	conv, err := conversation.Open(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	queue, err := outbox.Open(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading queue: %w", err)
	}

	api := chatapi.New(cfg.Chat.APIEndpoint, chatapi.WithToken(cfg.Chat.APIToken))
	monitor := health.New(api, health.Options{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
		Logger:   logger,
	})

	client := chat.New(chat.Deps{
		API:     api,
		Store:   conv,
		Queue:   queue,
		Monitor: monitor,
		Policy: retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			RateLimitDelay: cfg.Retry.RateLimitDelay,
		},
		RequestTimeout: cfg.Chat.RequestTimeout,
		PollInterval:   cfg.Poll.Interval,
		PollTimeout:    cfg.Poll.MaxDuration,
		Logger:         logger,
	})

	return &session{
		cfg:     cfg,
		db:      db,
		conv:    conv,
		queue:   queue,
		api:     api,
		monitor: monitor,
		client:  client,
	}, nil
}

// run probes the service once, then runs fn alongside the health monitor.
// The monitor stops when fn returns.
func (s *session) run(ctx context.Context, fn func(ctx context.Context) error) error {
	s.monitor.Probe(ctx)

	g, gCtx := errgroup.WithContext(ctx)
	monCtx, stopMonitor := context.WithCancel(gCtx)
	g.Go(func() error {
		s.monitor.Run(monCtx)
		return nil
	})
	g.Go(func() error {
		defer stopMonitor()
		return fn(gCtx)
	})
	return g.Wait()
}

func (s *session) Close() error {
	s.client.Close()
	return s.db.Close()
}

// withSession loads config, opens a session and closes it after fn.
func withSession(fn func(s *session) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, err := openSession(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("closing session", "error", err)
		}
	}()
	return fn(s)
}

// checkHealth probes the service once on a monitor of its own, so a status
// check never starts the session's queue replay. It returns the monitor and
// the probe error.
func (s *session) checkHealth(ctx context.Context) (*health.Monitor, error) {
	rec := &probeRecorder{prober: s.api}
	mon := health.New(rec, health.Options{Timeout: s.cfg.Health.Timeout})
	mon.Probe(ctx)
	return mon, rec.err
}

type probeRecorder struct {
	prober health.Prober
	err    error
}

func (r *probeRecorder) Health(ctx context.Context) error {
	r.err = r.prober.Health(ctx)
	return r.err
}
