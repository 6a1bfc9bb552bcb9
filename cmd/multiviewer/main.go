// Command multiviewer indexes a live-channel M3U source and serves a
// single composited MPEG-TS stream, switchable between picture-in-picture,
// split-screen, and grid layouts through a small JSON control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/localtuner/multiviewer/internal/catalog"
	"github.com/localtuner/multiviewer/internal/compiler"
	"github.com/localtuner/multiviewer/internal/config"
	"github.com/localtuner/multiviewer/internal/discovery"
	"github.com/localtuner/multiviewer/internal/health"
	"github.com/localtuner/multiviewer/internal/httpapi"
	"github.com/localtuner/multiviewer/internal/httpclient"
	"github.com/localtuner/multiviewer/internal/indexer"
	"github.com/localtuner/multiviewer/internal/session"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file to load before reading the environment")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Printf("load env file %q: %v", *envFile, err)
	}
	cfg := config.Load()

	cat := catalog.New()

	var ready atomic.Bool
	refresh := func(ctx context.Context) error {
		if cfg.M3USource == "" {
			return fmt.Errorf("no M3U_SOURCE configured")
		}
		channels, err := indexer.ParseM3U(cfg.M3USource, cfg.DefaultUA, httpclient.Default())
		if err != nil {
			return err
		}
		if err := cat.Replace(ctx, channels); err != nil {
			return err
		}
		ready.Store(true)
		log.Printf("catalog refreshed: %d channels", len(channels))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.M3USource != "" {
		if err := health.CheckProvider(ctx, cfg.M3USource); err != nil {
			log.Printf("M3U source preflight check failed, will still try to index: %v", err)
		}
		if err := refresh(ctx); err != nil {
			log.Printf("initial catalog load failed: %v", err)
		}
	} else {
		log.Printf("M3U_SOURCE not set; catalog starts empty until /channels/refresh is called")
		ready.Store(true)
	}

	sess := session.New(session.Deps{
		Catalog:        cat,
		FFmpegPath:     cfg.FFmpegPath,
		UserAgent:      cfg.DefaultUA,
		SourceHeaders:  cfg.SourceHeaders,
		InsetScale:     cfg.InsetScale,
		InsetMargin:    cfg.InsetMargin,
		EncoderProfile: compiler.ProfileForPreference(cfg.EncoderPreference),
		IdleTimeout:    cfg.IdleTimeout,
	})
	go sess.RunIdleWatchdog(ctx)

	if !cfg.SSDPDisabled {
		discovery.Start(ctx, cfg.AnnounceBaseURL, cfg.DeviceID)
	}

	server := &httpapi.Server{
		Session: sess,
		Catalog: cat,
		Refresh: refresh,
		Ready:   ready.Load,
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: server.Mux()}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("multiviewer listening on %s", cfg.Addr)
		serverErr <- srv.ListenAndServe()
	}()
	go selfCheck(ctx, cfg.Addr)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	case <-ctx.Done():
		log.Print("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		if err := sess.Stop(shutdownCtx); err != nil && !errors.Is(err, session.ErrNoActiveLayout) {
			log.Printf("session stop: %v", err)
		}
		<-serverErr
	}
	os.Exit(0)
}

// selfCheck confirms the control API came up cleanly, logging a warning
// rather than failing the process: the server itself is the source of
// truth, this is only a startup diagnostic.
func selfCheck(ctx context.Context, addr string) {
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return
	}
	host := addr
	if host[0] == ':' {
		host = "127.0.0.1" + host
	}
	if err := health.CheckEndpoint(ctx, "http://"+host, "/healthz"); err != nil {
		log.Printf("self-check: %v", err)
	}
}
