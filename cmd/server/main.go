// Command server exposes the orchestrator over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/breezeflow/pkg/breeze"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"goa.design/clue/log"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to a YAML config file")
		envF    = flag.String("env", ".env", "Path to a .env file (missing files are ignored)")
		addrF   = flag.String("addr", "", "Listen address (overrides server.addr)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	if err := breeze.LoadDotEnv(*envF); err != nil {
		log.Fatalf(ctx, err, "failed to load %s", *envF)
	}
	cfg, err := breeze.LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load config")
	}
	if *addrF != "" {
		cfg.Server.Addr = *addrF
	}
	if *dbgF {
		cfg.Debug = true
	}
	ctx = logContext(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := breeze.New(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "failed to start")
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "shutdown incomplete"})
		}
	}()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Server.CleanupSchedule, func() {
		if n := b.CleanupTurns(cfg.Server.AsyncRetention); n > 0 {
			log.Info(ctx, log.KV{K: "msg", V: "async turns cleaned up"}, log.KV{K: "removed", V: n})
		}
	}); err != nil {
		log.Fatalf(ctx, err, "invalid cleanup schedule %q", cfg.Server.CleanupSchedule)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           log.HTTP(ctx)(newServer(b, cfg).routes()),
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, log.KV{K: "msg", V: "HTTP server listening"}, log.KV{K: "addr", V: cfg.Server.Addr})
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, err, log.KV{K: "msg", V: "HTTP server failed"})
		}
		return
	case <-ctx.Done():
	}

	log.Info(ctx, log.KV{K: "msg", V: "shutting down HTTP server"})
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "failed to shutdown"})
	}
}

func logContext(cfg breeze.Config) context.Context {
	format := log.FormatTerminal
	switch cfg.LogFormat {
	case "json":
		format = log.FormatJSON
	case "text":
		format = log.FormatText
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
