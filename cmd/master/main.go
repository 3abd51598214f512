// Command master runs the build-farm coordinator: every component of the
// system wired together into one process, the way cmd/autobuilder
// (distr1-distri) runs its build loop, GitHub webhook server, and status
// page out of a single binary. Unlike the reference implementation's
// piwheels-master, which forks each task as a multiprocessing.Process,
// every task here is a goroutine coordinated by golang.org/x/sync/errgroup
// — the idiom distri itself uses for fan-out (internal/build,
// internal/batch) — with task.Run driving each one's cooperative control
// loop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pkgforge/master/internal/admin"
	"github.com/pkgforge/master/internal/catalog/store"
	"github.com/pkgforge/master/internal/config"
	"github.com/pkgforge/master/internal/control"
	"github.com/pkgforge/master/internal/planner"
	"github.com/pkgforge/master/internal/publisher"
	"github.com/pkgforge/master/internal/receiver"
	"github.com/pkgforge/master/internal/repo"
	"github.com/pkgforge/master/internal/slavedriver"
	"github.com/pkgforge/master/internal/stats"
	"github.com/pkgforge/master/internal/task"
	"github.com/pkgforge/master/internal/watcher"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	root := &cobra.Command{
		Use:           "master",
		Short:         "pkgforge build-farm coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/pkgforge/master.yaml", "path to master.yaml")
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("master exited with error")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run all coordinator tasks until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := store.Open(ctx, cfg.CatalogDSN)
	if err != nil {
		return err
	}
	defer cat.Close()
	if err := store.Migrate(cfg.CatalogDSN); err != nil {
		return err
	}

	pub, err := publisher.New(ctx, cat, cfg.OutputDir)
	if err != nil {
		return err
	}

	recv, err := receiver.New(ctx, cfg.FileQueueAddr, cfg.ReceiverControlAddr, cfg.OutputDir, pub)
	if err != nil {
		return err
	}

	recvClient, err := receiver.NewClient(ctx, cfg.ReceiverControlAddr)
	if err != nil {
		return err
	}
	defer recvClient.Close()

	plan, err := planner.NewPlanner(ctx, cfg.PlannerAddr, cat)
	if err != nil {
		return err
	}

	planClient, err := planner.NewClient(ctx, cfg.PlannerAddr)
	if err != nil {
		return err
	}
	defer planClient.Close()

	driver, err := slavedriver.New(ctx, cfg.SlaveDriverAddr, cfg.IntStatusAddr, cfg.UpstreamBaseURL, cat, recvClient, pub, planClient)
	if err != nil {
		return err
	}

	ing, err := admin.New(ctx, cfg.AdminAddr, cat, recvClient, pub, pub)
	if err != nil {
		return err
	}

	relay, err := control.New(ctx, cfg.IntControlAddr, cfg.ExtControlAddr, cfg.IntStatusAddr, cfg.ExtStatusAddr)
	if err != nil {
		return err
	}

	collector, err := stats.New(ctx, cat, pub, cfg.OutputDir, cfg.IntStatusAddr, cfg.StatsInterval)
	if err != nil {
		return err
	}

	watch, err := watcher.New(ctx, repo.Upstream{BaseURL: cfg.UpstreamBaseURL}, cat, cfg.PollInterval)
	if err != nil {
		return err
	}

	relay.Register([]*task.Base{pub.Base, driver.Base, plan.Base, ing.Base, collector.Base, watch.Base}, driver)
	go func() {
		select {
		case <-relay.Done():
			log.Warn().Msg("shutting down on external QUIT")
			stop()
		case <-ctx.Done():
		}
	}()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsSrv.Close()
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { task.Run(gctx, pub, pub.Base); return nil })
	g.Go(func() error { return runLoop(gctx, "master.file_juggler(file)", recv.StepFile) })
	g.Go(func() error { return runLoop(gctx, "master.file_juggler(control)", recv.StepControl) })
	g.Go(func() error { task.Run(gctx, driver, driver.Base); return nil })
	g.Go(func() error { task.Run(gctx, plan, plan.Base); return nil })
	g.Go(func() error { task.Run(gctx, ing, ing.Base); return nil })
	g.Go(func() error { return runLoop(gctx, "master.high_priest(control)", relay.StepControl) })
	g.Go(func() error { return runLoop(gctx, "master.high_priest(status)", relay.StepStatus) })
	g.Go(func() error { task.Run(gctx, collector, collector.Base); return nil })
	g.Go(func() error { task.Run(gctx, watch, watch.Base); return nil })

	<-gctx.Done()
	log.Warn().Msg("shutting down")
	_ = relay.Quit()
	return g.Wait()
}

// runLoop drives a bare Step method (for tasks split across goroutines
// that don't own a task.Base of their own, like the receiver's two
// queues and the control relay's two sockets) until ctx is cancelled.
func runLoop(ctx context.Context, name string, step func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := step(ctx); err != nil {
			log.Error().Err(err).Str("task", name).Msg("step failed")
			time.Sleep(time.Second)
		}
	}
}
