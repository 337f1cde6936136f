// Command tripsage-server runs the TripSage core runtime: the agent router
// and tool-loop, the memory orchestrator, admission control, and the
// webhook/job pipeline, all behind a single HTTP listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/tripsage/tripsage-core/httpapi"
	"github.com/tripsage/tripsage-core/internal/config"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML config file (optional; env vars always take precedence)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewClueTracer()
	metrics := telemetry.NewClueMetrics()

	bootCtx, cancelBoot := context.WithTimeout(ctx, 30*time.Second)
	deploy, err := wireDependencies(bootCtx, cfg, logger, tracer, metrics)
	cancelBoot()
	if err != nil {
		log.Fatal(ctx, err)
	}

	handler := httpapi.NewRouter(deploy.deps)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "error during server shutdown"})
	}
	cancelShutdown()
	deploy.Close(shutdownCtx)

	wg.Wait()
	log.Printf(ctx, "exited")
}
