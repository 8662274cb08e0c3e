// Package app wires the match server's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-match/internal/archive"
	"github.com/park285/cheese-match/internal/board"
	"github.com/park285/cheese-match/internal/config"
	"github.com/park285/cheese-match/internal/httpapi"
	"github.com/park285/cheese-match/internal/match"
	"github.com/park285/cheese-match/internal/msgcat"
	"github.com/park285/cheese-match/internal/obslog"
	"github.com/park285/cheese-match/internal/registry"
	"github.com/park285/cheese-match/internal/rules"
	"github.com/park285/cheese-match/internal/store"
	"github.com/park285/cheese-match/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	Config      *config.AppConfig
	Coordinator *match.Coordinator
	Hub         *transport.Hub
	API         *httpapi.Server

	ws      *http.Server
	ping    func(ctx context.Context) error
	closers []func() error
}

// Build constructs every component. Redis and Postgres are optional: an empty
// REDIS_URL selects the in-memory repository and an empty DATABASE_URL disables
// the result archive.
func Build(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	a := &App{Config: cfg}

	var repo store.Repository
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL, cfg.GameTTL)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		repo = rs
		a.ping = rs.Ping
		a.closers = append(a.closers, rs.Close)
	} else {
		obslog.L().Warn("app_memory_store", zap.String("reason", "REDIS_URL not set"))
		repo = store.NewMemory()
	}

	var arch match.Archiver
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pa, err := archive.NewPostgresArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init archive: %w", err)
		}
		if err := pa.EnsureSchema(ctx); err != nil {
			_ = pa.Close()
			a.Close()
			return nil, err
		}
		arch = pa
		a.closers = append(a.closers, pa.Close)
	}

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load messages: %w", err)
	}

	coord, err := match.New(match.Options{
		Repo:        repo,
		Rules:       rules.NewChessEngine(),
		Registry:    registry.NewMemory(),
		Archive:     arch,
		Policy:      policyFrom(cfg),
		LockTimeout: cfg.LockTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Coordinator = coord

	a.Hub = transport.NewHub(coord, transport.Options{
		AllowedOrigins:    cfg.WSAllowedOrigins,
		MessagesPerSecond: cfg.WSMessagesPerSecond,
		Burst:             cfg.WSBurst,
		PingInterval:      cfg.WSPingInterval,
		Catalog:           catalog,
	})
	coord.SetNotifier(a.Hub)

	mux := http.NewServeMux()
	mux.Handle("/ws", a.Hub)
	a.ws = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	a.API = httpapi.NewServer(coord, board.NewRenderer(cfg.BoardSquareSize, cfg.BoardPiecesDir), httpapi.Options{
		Catalog: catalog,
		Health:  a.Health,
	})

	obslog.L().Info("app_built",
		zap.Bool("redis", a.ping != nil),
		zap.Bool("archive", arch != nil),
		zap.String("rejoin", cfg.RejoinPolicy),
		zap.String("side_resolution", cfg.SideResolution),
		zap.Bool("self_play", cfg.AllowSelfPlay),
	)
	return a, nil
}

func policyFrom(cfg *config.AppConfig) match.Policy {
	p := match.Policy{
		AllowSelfPlay:    cfg.AllowSelfPlay,
		Rejoin:           match.RejoinReconnect,
		SideResolution:   match.SideFromConnection,
		ScoreAbandonment: cfg.ScoreAbandonment,
		DrawOfferTTL:     cfg.DrawOfferTTL,
	}
	if cfg.RejoinPolicy == config.RejoinReject {
		p.Rejoin = match.RejoinReject
	}
	if cfg.SideResolution == config.SideByPiece {
		p.SideResolution = match.SideFromPiece
	}
	return p
}

// Health reports repository reachability.
func (a *App) Health(ctx context.Context) error {
	if a.ping == nil {
		return nil
	}
	return a.ping(ctx)
}

// Run listens on the configured addresses until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	wsLn, err := net.Listen("tcp", a.Config.WSAddr)
	if err != nil {
		return fmt.Errorf("listen ws %s: %w", a.Config.WSAddr, err)
	}
	apiLn, err := net.Listen("tcp", a.Config.APIAddr)
	if err != nil {
		_ = wsLn.Close()
		return fmt.Errorf("listen api %s: %w", a.Config.APIAddr, err)
	}
	return a.Serve(ctx, wsLn, apiLn)
}

// Serve runs both servers on the given listeners and shuts them down when ctx ends.
func (a *App) Serve(ctx context.Context, wsLn, apiLn net.Listener) error {
	errCh := make(chan error, 2)
	go func() {
		if err := a.ws.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()
	go func() {
		if err := a.API.Serve(apiLn); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	obslog.L().Info("app_listening",
		zap.String("ws_addr", wsLn.Addr().String()),
		zap.String("api_addr", apiLn.Addr().String()),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(sctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains live connections, stops both servers and closes backends.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.ws.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ws shutdown: %w", err))
	}
	if err := a.Hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if err := a.API.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", err))
	}
	a.Close()
	obslog.L().Info("app_stopped")
	return errors.Join(errs...)
}

// Close releases backend handles in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			obslog.L().Warn("app_close_error", zap.Error(err))
		}
	}
	a.closers = nil
}
