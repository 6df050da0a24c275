package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"FHCElite/internal/domain/repository"
	"FHCElite/internal/middleware"
	"FHCElite/internal/service/ratelimit"
	"FHCElite/internal/usecase"
	"FHCElite/pkg/cache"
	"FHCElite/pkg/config"
	xhttp "FHCElite/pkg/http"
	pkgkafka "FHCElite/pkg/kafka"
	applogger "FHCElite/pkg/logger"
	"FHCElite/pkg/queue"
)

// Deps are the components App runs. Consumer and Jobs are optional.
type Deps struct {
	Config     *config.Config
	Logger     *applogger.Logger
	Store      repository.SampleStore
	Cache      cache.Service
	Publisher  repository.Publisher
	Consumer   *pkgkafka.Consumer
	Samples    pkgkafka.MessageHandler
	Board      *usecase.QuoteBoard
	Hub        *middleware.QuoteHub
	Retention  *usecase.RetentionJob
	Limiter    *ratelimit.Limiter
	Jobs       *queue.RedisQueue
	HTTPServer *xhttp.Server
}

// App encapsulates the entire application lifecycle.
type App struct {
	Deps
	l  *applogger.Logger
	wg sync.WaitGroup
}

// New creates a new App instance with all dependencies.
func New(d Deps) *App {
	l := d.Logger
	if l == nil {
		l = applogger.NewNop()
	}
	return &App{Deps: d, l: l}
}

// Run starts every background loop and the HTTP server, then blocks until
// SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext is Run with a caller-controlled lifetime.
func (a *App) RunContext(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Hub.Start(runCtx)

	a.goLoop("quote board", func() {
		if err := a.Board.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.l.Error("quote board stopped", applogger.Error(err))
		}
	})
	a.goLoop("retention", func() { a.Retention.Schedule(runCtx, a.Config.Engine.PurgeInterval) })
	a.goLoop("limiter sweep", func() { a.sweepLimiter(runCtx) })
	if out := a.Config.Board.SnapshotOut; out != "" {
		a.goLoop("snapshot file", func() { a.writeSnapshots(runCtx, out) })
	}

	if a.Consumer != nil && a.Samples != nil {
		a.Consumer.RegisterHandler(a.Samples)
		if err := a.Consumer.Start(); err != nil {
			a.l.Error("kafka consumer start", applogger.Error(err))
		} else {
			a.l.Info("kafka consumer started", applogger.String("topic", a.Samples.Topic()))
		}
	}

	if a.Jobs != nil {
		if err := a.Jobs.Start(); err != nil {
			a.l.Error("job queue start", applogger.Error(err))
		}
	}

	if err := a.HTTPServer.Start(); err != nil {
		a.l.Error("http server start error", applogger.Error(err))
		return err
	}
	a.l.Info("fhcelite started",
		applogger.String("backend", a.Config.Backend.Type),
		applogger.String("cache", a.Config.Cache.Type),
		applogger.Int("port", a.Config.Server.Port),
	)

	<-ctx.Done()
	a.l.Info("shutdown signal received")
	cancel()
	return a.shutdown()
}

func (a *App) goLoop(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
		a.l.Debug("loop exited", applogger.String("loop", name))
	}()
}

func (a *App) sweepLimiter(ctx context.Context) {
	idle := a.Config.Summary.RateIdleTTL
	if idle <= 0 {
		return
	}
	t := time.NewTicker(idle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.Limiter.Sweep(idle); n > 0 {
				a.l.Debug("rate limiter swept", applogger.Int("buckets", n))
			}
		}
	}
}

func (a *App) writeSnapshots(ctx context.Context, path string) {
	t := time.NewTicker(a.Config.Board.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.Board.WriteFile(ctx, path); err != nil {
				a.l.Warn("snapshot file not written", applogger.String("path", path), applogger.Error(err))
			}
		}
	}
}

// shutdown gracefully stops all services.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.HTTPServer.Stop(ctx); err != nil {
		a.l.Error("http shutdown error", applogger.Error(err))
	}
	if a.Consumer != nil {
		if err := a.Consumer.Stop(ctx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}
	if a.Jobs != nil {
		if err := a.Jobs.Stop(ctx); err != nil {
			a.l.Warn("job queue stop error", applogger.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.l.Warn("background loops did not stop in time")
	}
	a.Hub.Stop()

	if err := a.Publisher.Close(); err != nil {
		a.l.Warn("publisher close error", applogger.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		a.l.Warn("sample store close error", applogger.Error(err))
	}
	if err := a.Cache.Close(); err != nil {
		a.l.Warn("cache close error", applogger.Error(err))
	}

	a.l.Info("shutdown complete")
	return nil
}
