package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amazinernest/counsellhelp/internal/adapter/checkout"
	"github.com/amazinernest/counsellhelp/internal/auth"
	"github.com/amazinernest/counsellhelp/internal/config"
	"github.com/amazinernest/counsellhelp/internal/conversation"
	"github.com/amazinernest/counsellhelp/internal/feed"
	"github.com/amazinernest/counsellhelp/internal/ledger"
	"github.com/amazinernest/counsellhelp/internal/logger"
	"github.com/amazinernest/counsellhelp/internal/policy"
	"github.com/amazinernest/counsellhelp/internal/repository"
	transporthttp "github.com/amazinernest/counsellhelp/internal/transport/http"
	v1 "github.com/amazinernest/counsellhelp/internal/transport/http/v1"
	"github.com/amazinernest/counsellhelp/internal/transport/ws"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook and change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.cfg)
		},
	}
}

// services are the server-side components shared by serve and sweep.
type services struct {
	hub    *feed.Hub
	store  *repository.SQLiteStore
	ledger *ledger.Ledger
	client *checkout.Client
}

func openServices(ctx context.Context, cfg *config.Config, log *zap.Logger) (*services, error) {
	hub := feed.NewHub(log.Named("feed"))
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL,
		repository.WithPublisher(hub),
		repository.WithLogger(log.Named("store")))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	engine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	processor := checkout.New(cfg.Checkout())
	conv := conversation.NewStore(store, hub, conversation.WithLogger(log.Named("conversation")))
	l := ledger.New(store, conv,
		ledger.WithConfig(cfg.Ledger()),
		ledger.WithProcessor(processor),
		ledger.WithPolicy(engine),
		ledger.WithLogger(log.Named("ledger")))

	return &services{hub: hub, store: store, ledger: l, client: processor}, nil
}

func (s *services) Close() {
	s.hub.Close()
	_ = s.store.Close()
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Log
	log.Info("starting counseld",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("database", cfg.DatabaseURL),
		zap.Bool("webhook_signed", cfg.PaystackSecretKey != ""))

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize tokens: %w", err)
	}
	svc, err := openServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go svc.ledger.RunPendingSweeper(sweepCtx, cfg.SweepInterval)

	feedServer := ws.NewServer(ws.Config{
		WriteTimeout:   cfg.WSWriteTimeout,
		PongTimeout:    cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
	}, svc.hub, tokens, svc.store, log.Named("ws"))
	handler := v1.NewHandler(svc.store, svc.ledger, svc.client, tokens, log.Named("api"))
	e := transporthttp.NewServer(handler, feedServer, log.Named("http"))

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("HTTP API started", zap.Int("port", cfg.HTTPPort))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("shutting down counseld")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	feedServer.Close()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to shutdown server gracefully", zap.Error(err))
	}
	log.Info("counseld stopped")
	return nil
}
