package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/vanet-simulator/core"
	"github.com/signalsfoundry/vanet-simulator/internal/bridge"
	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/internal/observability"
	"github.com/signalsfoundry/vanet-simulator/internal/world"
	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

func main() {
	duration := flag.Duration("duration", 60*time.Second, "total simulation duration (0 runs until interrupted)")
	tick := flag.Duration("tick", 100*time.Millisecond, "tick interval")
	accelerated := flag.Bool("accelerated", false, "run in accelerated mode (vs real-time)")
	scenarioPath := flag.String("scenario", "configs/scenario.json", "deployment scenario JSON")
	bridgeAddr := flag.String("bridge-addr", ":8765", "external bridge listen address")
	bridgeRange := flag.Float64("bridge-range", 30, "injection range in metres for external client broadcasts")
	metricsAddr := flag.String("metrics-addr", ":9100", "Prometheus metrics listen address (empty disables)")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "tracing init failed", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewSimCollector(nil)
	if err != nil {
		log.Error(ctx, "metrics init failed", logging.String("error", err.Error()))
		os.Exit(1)
	}

	mode := timectrl.RealTime
	if *accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), *tick, mode)

	registry := core.NewRegistry(core.WithStationGauge(collector))
	hub := core.NewRouter(registry, tc,
		core.WithRouterLogger(log),
		core.WithDeliveryRecorder(collector),
	)
	env := world.New(world.WithLogger(log))

	f, err := os.Open(*scenarioPath)
	if err != nil {
		log.Error(ctx, "open scenario failed", logging.String("path", *scenarioPath), logging.String("error", err.Error()))
		os.Exit(1)
	}
	scenario, err := core.LoadDeploymentScenario(hub, env, env, tc, f)
	f.Close()
	if err != nil {
		log.Error(ctx, "load scenario failed", logging.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info(ctx, "scenario loaded",
		logging.Int("entities", len(scenario.EntityIDs)),
		logging.Int("stations", len(scenario.StationIDs)),
		logging.Int("channels", len(scenario.Channels)),
	)

	tc.AddListener(env.Tick)

	br := bridge.New(bridge.Config{
		Addr:            *bridgeAddr,
		InjectionRangeM: *bridgeRange,
	}, hub, env,
		bridge.WithLogger(log),
		bridge.WithMetrics(collector),
		bridge.WithClock(tc),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return br.Run(ctx) })

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Go(func() error {
			log.Info(ctx, "metrics listening", logging.String("addr", *metricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		log.Info(ctx, "simulation started",
			logging.String("duration", duration.String()),
			logging.String("tick", tick.String()),
		)
		done := tc.Start(*duration)
		select {
		case <-done:
		case <-ctx.Done():
		}
		stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error(context.Background(), "simulator exited with error", logging.String("error", err.Error()))
		os.Exit(1)
	}

	summary := hub.Stats().Summary()
	fmt.Printf("Simulation complete: %d messages routed (%.2f msg/s)\n",
		summary.TotalMessages, summary.MessageRate)
	for msgType, count := range summary.MessagesByType {
		fmt.Printf("  %-16s %d\n", msgType, count)
	}
}
