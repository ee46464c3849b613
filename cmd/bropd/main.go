package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/brophq/brop/cmd/config"
	"github.com/brophq/brop/lib/bridge"
	"github.com/brophq/brop/lib/calllog"
	"github.com/brophq/brop/lib/devtools"
	"github.com/brophq/brop/lib/eventbus"
	"github.com/brophq/brop/lib/extlink"
	"github.com/brophq/brop/lib/logger"
	"github.com/brophq/brop/lib/native"
	"github.com/brophq/brop/lib/targets"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("bridge configuration", "config", cfg)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()
	calls := calllog.New(cfg.LogLimit)
	mgr := targets.NewManager(bus)
	link := extlink.New(slogger, time.Duration(cfg.HandshakeTimeoutSec)*time.Second)
	core := bridge.New(slogger, link, bus, mgr, calls, time.Duration(cfg.RequestTimeoutSec)*time.Second)

	withLogger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(logger.AddToContext(r.Context(), slogger)))
		})
	}

	// devtools endpoint: CDP websocket + HTTP discovery
	cdpRouter := chi.NewRouter()
	cdpRouter.Use(chiMiddleware.Recoverer, withLogger)
	devtools.NewHandler(core).Routes(cdpRouter)
	cdpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.CDPPort), Handler: cdpRouter}

	// native endpoint
	nativeRouter := chi.NewRouter()
	nativeRouter.Use(chiMiddleware.Recoverer, withLogger)
	nativeRouter.Handle("/", native.NewHandler(core))
	nativeSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.NativePort), Handler: nativeRouter}

	// extension link: the agent connects inbound unless an explicit agent
	// URL is configured, in which case the bridge dials out
	var extSrv *http.Server
	if cfg.ExtURL == "" {
		extRouter := chi.NewRouter()
		extRouter.Use(chiMiddleware.Recoverer, withLogger)
		extRouter.Handle("/", link.Handler())
		extSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.ExtPort), Handler: extRouter}
	}

	g, gctx := errgroup.WithContext(ctx)

	serve := func(name string, srv *http.Server) {
		g.Go(func() error {
			slogger.Info(name+" listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("%s failed: %w", name, err)
			}
			return nil
		})
	}
	serve("devtools endpoint", cdpSrv)
	serve("native endpoint", nativeSrv)
	if extSrv != nil {
		serve("extension link", extSrv)
	} else {
		g.Go(func() error {
			slogger.Info("dialing extension agent", "url", cfg.ExtURL)
			if err := link.RunDialer(gctx, cfg.ExtURL); err != nil && gctx.Err() == nil {
				return fmt.Errorf("extension dialer failed: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := core.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		slogger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cdpSrv.Shutdown(shutdownCtx)
		_ = nativeSrv.Shutdown(shutdownCtx)
		if extSrv != nil {
			_ = extSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slogger.Error("bridge exited with error", "err", err)
		os.Exit(1)
	}
}
