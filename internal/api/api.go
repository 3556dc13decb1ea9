// Package api exposes the HTTP surface of ReplyPace: inbound message
// intake, reply status queries, and the mark-replied / snooze controls
// the virtual agents call between polls.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MailLoop/ReplyPace/internal/classify"
	"github.com/MailLoop/ReplyPace/internal/delay"
	"github.com/MailLoop/ReplyPace/internal/mailer"
	"github.com/MailLoop/ReplyPace/internal/projector"
	"github.com/MailLoop/ReplyPace/internal/scheduler"
	"github.com/MailLoop/ReplyPace/internal/store"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server handles HTTP requests against the scheduler and projector.
type Server struct {
	sched *scheduler.Scheduler
	proj  *projector.Projector
	addr  string
}

// NewServer creates an API server over the given scheduler and projector.
func NewServer(sched *scheduler.Scheduler, proj *projector.Projector, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{sched: sched, proj: proj, addr: cfg.Addr}
}

// routes builds the request multiplexer.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/inbound", s.inboundHandler)
	mux.HandleFunc("/reply-status/", s.replyStatusHandler)
	mux.HandleFunc("/pending-replies", s.pendingRepliesHandler)
	mux.HandleFunc("/conversations/", s.conversationsHandler)
	return mux
}

// Start serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: listening", "addr", s.addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("Server.Start: listen failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("Server.Start: shutdown failed: %w", err)
	}
	slog.Info("Server.Start: shut down cleanly")
	return nil
}

// Run wires the full service: store, classifier, executor, scheduler,
// projector, and HTTP server, then blocks until the context is cancelled.
func Run(ctx context.Context, dsn string, storeOpts []store.Option, classifyOpts []classify.Option, mailerOpts []mailer.Option, schedOpts []scheduler.Option, apiOpts []Option) error {
	var st store.Store
	var err error
	switch store.DetectDSNType(dsn) {
	case "postgres":
		st, err = store.NewPostgresStore(storeOpts...)
	default:
		st, err = store.NewSQLiteStore(storeOpts...)
	}
	if err != nil {
		return fmt.Errorf("api.Run: failed to open store: %w", err)
	}
	defer st.Close()

	sentLog, ok := st.(store.SentLog)
	if !ok {
		return fmt.Errorf("api.Run: store backend does not provide a sent log")
	}

	classifier, err := classify.NewClient(classifyOpts...)
	if err != nil {
		return fmt.Errorf("api.Run: failed to create classifier: %w", err)
	}

	sesExec, err := mailer.NewSESExecutor(ctx, mailer.NewSubjectComposer(), mailerOpts...)
	if err != nil {
		return fmt.Errorf("api.Run: failed to create mail executor: %w", err)
	}
	exec := mailer.NewIdempotentExecutor(sesExec, sentLog)

	sched := scheduler.New(st, delay.New(nil), classifier, exec, schedOpts...)
	proj := projector.New(st, nil)

	go sched.Run(ctx)

	srv := NewServer(sched, proj, apiOpts...)
	return srv.Start(ctx)
}
