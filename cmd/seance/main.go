package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seancelabs/seance/pkg/board"
	"github.com/seancelabs/seance/pkg/board/memcache"
	"github.com/seancelabs/seance/pkg/board/rediscache"
	"github.com/seancelabs/seance/pkg/config"
	"github.com/seancelabs/seance/pkg/engine"
	"github.com/seancelabs/seance/pkg/httpapi"
	"github.com/seancelabs/seance/pkg/narrative"
	"github.com/seancelabs/seance/pkg/otel"
	"github.com/seancelabs/seance/pkg/store/sqlstore"

	// Provider registrations.
	_ "github.com/seancelabs/seance/pkg/narrative/fake"
	_ "github.com/seancelabs/seance/pkg/narrative/gemini"
	_ "github.com/seancelabs/seance/pkg/narrative/openai"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("seance %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seance: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "seance",
		ServiceVersion: version,
		UseStdout:      cfg.TraceStdout,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := sqlstore.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	var cache board.Cache
	if rc := rediscache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); rc != nil {
		if err := rc.Ping(ctx); err != nil {
			log.Printf("redis %s unreachable, using in-process cache: %v", cfg.RedisAddr, err)
			cache = memcache.New()
		} else {
			defer rc.Close()
			cache = rc
		}
	} else {
		cache = memcache.New()
	}

	if err := board.NewReconciler(st, cache).RunIfEmpty(ctx); err != nil {
		log.Printf("board reconcile: %v", err)
	}

	factory, ok := narrative.Resolve(cfg.Provider)
	if !ok {
		return fmt.Errorf("unknown narrative provider %q", cfg.Provider)
	}
	provider, err := factory(ctx, cfg.ProviderConfig())
	if err != nil {
		return fmt.Errorf("init provider %s: %w", cfg.Provider, err)
	}

	emitter := board.NewEmitter(st, cache)
	resolver := engine.New(st, provider, emitter,
		engine.SessionConfig{Provider: cfg.Provider, Model: cfg.Model},
		engine.WithTimeout(cfg.ProviderTimeout),
	)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.NewServer(resolver, st, cache).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("seance %s listening on %s (provider=%s store=%s)", version, cfg.Addr, cfg.Provider, cfg.StoreDSN)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
