package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/schemeadapter/internal/config"
	"github.com/wilhg/schemeadapter/internal/logging"
	"github.com/wilhg/schemeadapter/internal/server"
	"github.com/wilhg/schemeadapter/pkg/async2sync"
	"github.com/wilhg/schemeadapter/pkg/bulk"
	"github.com/wilhg/schemeadapter/pkg/bus"
	"github.com/wilhg/schemeadapter/pkg/cache"
	_ "github.com/wilhg/schemeadapter/pkg/cache/memcache"
	_ "github.com/wilhg/schemeadapter/pkg/cache/pgcache"
	"github.com/wilhg/schemeadapter/pkg/eventsourcing"
	"github.com/wilhg/schemeadapter/pkg/metrics"
	otto "github.com/wilhg/schemeadapter/pkg/otel"
	"github.com/wilhg/schemeadapter/pkg/peer"
	"github.com/wilhg/schemeadapter/pkg/runtime"
	"github.com/wilhg/schemeadapter/pkg/store"
	"github.com/wilhg/schemeadapter/pkg/store/memstore"
	"github.com/wilhg/schemeadapter/pkg/store/sqlstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "schemeadapter",
		Short:         "FSPIOP scheme adapter core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), serveCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "schemeadapter %s (commit=%s, date=%s)\n", version, commit, date)
		},
	}
}

func serveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the bulk orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "YAML config file")
	return cmd
}

// app is the wired process.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	handler    http.Handler
	ls         store.LogStore
	cache      cache.Cache
	repo       *eventsourcing.StateRepository
	runner     *runtime.Runner[*bulk.Aggregate]
	dispatcher *runtime.Dispatcher
	closers    []func() error
}

func openLogStore(ctx context.Context, url string) (store.LogStore, func() error, error) {
	if url == "" {
		return memstore.New(), func() error { return nil }, nil
	}
	st, err := sqlstore.Open(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, st.Close, nil
}

func buildApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)

	a := &app{cfg: cfg, log: log}
	ls, closeLog, err := openLogStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	a.ls = ls
	a.closers = append(a.closers, closeLog)

	c, err := cache.Open(ctx, cfg.CacheProvider, map[string]any{"dsn": cfg.CacheDSN})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.cache = c
	a.closers = append(a.closers, c.Close)

	client, err := peer.NewHTTPClient(peer.Config{BaseURL: cfg.Peer.Endpoint, Source: cfg.DFSPID, Timeout: cfg.Peer.Timeout}, peer.WithLogger(log))
	if err != nil {
		a.close()
		return nil, err
	}
	wf := async2sync.Config{Cache: c, Peer: client, Timeout: cfg.Peer.CallbackTimeout, Logger: log, Metrics: mc}

	a.repo = eventsourcing.NewStateRepository(ls,
		eventsourcing.NewOffsetRepository(c, eventsourcing.DefaultOffsetPrefix),
		eventsourcing.Topics{Events: cfg.Bulk.EventsTopic, Snapshots: cfg.Bulk.SnapshotsTopic, Partitions: cfg.Bulk.Partitions},
		eventsourcing.WithLogger(log),
		eventsourcing.WithMetrics(mc),
	)
	pub := bus.NewLogPublisher(ls, cfg.Bulk.Partitions)
	a.runner = runtime.NewRunner[*bulk.Aggregate](a.repo,
		bulk.NewModel(bulk.NewDecider(cfg.Bulk.MaxItemsPerBatch, log)),
		runtime.JSONCodec[*bulk.Aggregate]{},
		pub,
		runtime.WithSnapshotInterval(cfg.Bulk.SnapshotInterval),
		runtime.WithLogger(log),
		runtime.WithMetrics(mc),
	)
	a.dispatcher = runtime.NewDispatcher(pub, bulk.Effects{Workflows: wf, Logger: log}.Handlers(),
		runtime.WithConcurrency(cfg.Bulk.EffectConcurrency),
		runtime.WithLogger(log),
	)
	a.handler = server.New(server.Deps{
		Workflows: wf,
		Commands:  pub,
		Bulk:      a.runner,
		Gatherer:  reg,
		Logger:    log,
	})
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
}

// consume runs one subscriber per partition for commands and for domain events.
func (a *app) consume(ctx context.Context, g *errgroup.Group) {
	handle := func(ctx context.Context, e bus.Event) error {
		_, err := a.runner.HandleCommand(ctx, e)
		return err
	}
	opts := []bus.SubscriberOption{bus.WithPollInterval(a.cfg.Bulk.PollInterval), bus.WithLogger(a.log)}
	for p := int32(0); p < a.cfg.Bulk.Partitions; p++ {
		commands := bus.NewSubscriber(a.ls, a.cache, "bulk-orchestrator", bus.CommandsTopic, p, opts...)
		events := bus.NewSubscriber(a.ls, a.cache, "bulk-effects", bus.DomainEventsTopic, p, opts...)
		g.Go(func() error { return ignoreCanceled(commands.Run(ctx, handle)) })
		g.Go(func() error { return ignoreCanceled(events.Run(ctx, a.dispatcher.Dispatch)) })
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	shutdownTracing, err := otto.Init(ctx, otto.Config{
		ServiceVersion: version,
		DFSPID:         cfg.DFSPID,
		SampleRatio:    cfg.TraceSampleRatio,
		UseStdout:      cfg.TraceStdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{Addr: cfg.Addr, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	a.consume(gctx, g)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()
	a.dispatcher.Wait()
	a.repo.WaitBackfills()
	return err
}
