// Package api exposes the engagement engine over HTTP: the shared-secret
// trigger endpoint, the approval queue, and the audit log.
package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/practiceos/engage/internal/approval"
	"github.com/practiceos/engage/internal/engine"
	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address. Defaults to DefaultAddr.
	Addr string
	// Secret authorizes trigger and review calls. When empty, protected
	// endpoints answer 503 rather than running unauthenticated.
	Secret string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSecret sets the shared secret for protected endpoints.
func WithSecret(secret string) Option {
	return func(o *Opts) { o.Secret = secret }
}

// Server hosts the HTTP endpoints over the engine, the approval gate, and the
// store.
type Server struct {
	engine *engine.Engine
	gate   *approval.Gate
	st     store.Store
	addr   string
	secret string
}

// NewServer creates a Server.
func NewServer(eng *engine.Engine, gate *approval.Gate, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		engine: eng,
		gate:   gate,
		st:     st,
		addr:   cfg.Addr,
		secret: cfg.Secret,
	}
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cron/run", s.runHandler)
	mux.HandleFunc("/cron/run/", s.runHandler)
	mux.HandleFunc("/approvals", s.approvalsHandler)
	mux.HandleFunc("/approvals/", s.approvalDecisionHandler)
	mux.HandleFunc("/audit", s.auditHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authorize checks the Bearer secret on a protected endpoint. A missing
// server-side secret is a deployment fault and answers 503, which is
// deliberately distinct from the 401 an unauthorized caller sees.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.secret == "" {
		slog.Error("Server.authorize: no shared secret configured", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.NotConfigured("Trigger secret is not configured"))
		return false
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || !constantTimeEqual(token, s.secret) {
		slog.Warn("Server.authorize: unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
		return false
	}
	return true
}

// constantTimeEqual compares two secrets without leaking length or prefix
// timing. Both sides are hashed so inputs of different lengths still take the
// same time.
func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
