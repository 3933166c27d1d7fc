package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-router/gateway/internal/approval"
	"github.com/mcp-router/gateway/internal/catalog"
	"github.com/mcp-router/gateway/internal/clock"
	"github.com/mcp-router/gateway/internal/config"
	"github.com/mcp-router/gateway/internal/eventbus"
	"github.com/mcp-router/gateway/internal/hooks"
	"github.com/mcp-router/gateway/internal/httpapi"
	"github.com/mcp-router/gateway/internal/mcp"
	"github.com/mcp-router/gateway/internal/pipeline"
	"github.com/mcp-router/gateway/internal/policy"
	"github.com/mcp-router/gateway/internal/ratelimit"
	"github.com/mcp-router/gateway/internal/store/sqlite"
	"github.com/mcp-router/gateway/internal/token"
	"github.com/mcp-router/gateway/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the router's HTTP surface and every MCP server it manages",
	RunE: func(c *cobra.Command, args []string) error {
		return runServe(c.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	// A non-loopback bind only logs a warning: no config setting is checked,
	// and the listener binds to that address regardless.
	if cfg.Host != "127.0.0.1" && cfg.Host != "localhost" && cfg.Host != "::1" {
		slog.Warn("binding to a non-loopback address", "host", cfg.Host)
	}

	db, err := sqlite.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	tp, err := tracing.NewProvider(ctx, cfg.OTLPEndpoint, "mcp-router")
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	c := clock.System

	serverStore := sqlite.NewServerStore(db)
	tokenStore := sqlite.NewTokenStore(db)
	policyStore := sqlite.NewPolicyStore(db)
	approvalStore := sqlite.NewApprovalStore(db)
	auditStore := sqlite.NewAuditStore(db)

	events := eventbus.New(slog.Default(), nil)

	servers := mcp.NewManager(serverStore, auditStore, c)
	servers.SetPublisher(events)
	if err := servers.LoadAll(ctx); err != nil {
		return err
	}

	tokens := token.NewService(tokenStore, token.OSKeychain{}, auditStore, c)
	policies := policy.NewEngine(policyStore, c)
	approvals := approval.New(approvalStore, c, events)
	defer approvals.Stop()
	hookRegistry, err := hooks.NewRegistry(c, slog.Default())
	if err != nil {
		return err
	}
	cat := catalog.New(servers, c)
	limiter := ratelimit.New(ratelimit.Config{
		Capacity:         cfg.RateLimit.Capacity,
		RefillRate:       cfg.RateLimit.RefillRate,
		RefillIntervalMs: int64(cfg.RateLimit.RefillIntervalMs),
	}, c)

	pl := pipeline.New(tokens, cat, policies, limiter, approvals, hookRegistry, servers, auditStore, c, tp.Tracer())
	handler := httpapi.New(pl, servers, cat, tokens, policies, approvals, hookRegistry, auditStore, events, cfg.AdminBearer, slog.Default())

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: handler.Mux(),
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcp-router: listening", "addr", srv.Addr)
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-sigCtx.Done():
		slog.Info("mcp-router: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
