// Command taskengine is the Bhyve/OmniOS virtualization control plane's
// Task Queue process: it owns the Task Store, the Scheduler, every
// operation handler, the periodic discovery/retention drivers, and the
// read/cancel HTTP control surface, wired together the way the host
// repository's service entrypoints assemble their storage/worker/HTTP
// layers in one main.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omnios-bhyve/taskengine/internal/artifact"
	"github.com/omnios-bhyve/taskengine/internal/command"
	"github.com/omnios-bhyve/taskengine/internal/config"
	"github.com/omnios-bhyve/taskengine/internal/handlers"
	"github.com/omnios-bhyve/taskengine/internal/handlers/file"
	"github.com/omnios-bhyve/taskengine/internal/handlers/network"
	"github.com/omnios-bhyve/taskengine/internal/handlers/pkgmgmt"
	"github.com/omnios-bhyve/taskengine/internal/handlers/process"
	"github.com/omnios-bhyve/taskengine/internal/handlers/service"
	"github.com/omnios-bhyve/taskengine/internal/handlers/system"
	"github.com/omnios-bhyve/taskengine/internal/handlers/usermgmt"
	"github.com/omnios-bhyve/taskengine/internal/handlers/zone"
	"github.com/omnios-bhyve/taskengine/internal/httpapi"
	"github.com/omnios-bhyve/taskengine/internal/logging"
	"github.com/omnios-bhyve/taskengine/internal/periodic"
	"github.com/omnios-bhyve/taskengine/internal/scheduler"
	"github.com/omnios-bhyve/taskengine/internal/search"
	"github.com/omnios-bhyve/taskengine/internal/store/postgres"
	"github.com/omnios-bhyve/taskengine/internal/task"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the task engine's JSON configuration file")
	flag.Parse()

	bootLogger := logging.New(logging.DefaultConfig())

	watcher, err := config.NewWatcher(*configPath, bootLogger)
	if err != nil {
		log.Fatalf("taskengine: load configuration: %v", err)
	}
	cfg := watcher.Current()

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
	})

	host, err := os.Hostname()
	if err != nil {
		logger.Warnf("could not determine hostname, falling back to \"localhost\": %v", err)
		host = "localhost"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, postgres.Config{
		ConnectionString: cfg.Database.ConnectionString,
		MaxConnections:   cfg.Database.MaxConnections,
		MigrationsPath:   cfg.Database.MigrationsPath,
	})
	if err != nil {
		logger.Errorf("connect to task store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.MigrateToLatest(ctx); err != nil {
		logger.Errorf("apply task store migrations: %v", err)
		os.Exit(1)
	}

	searchIndex, err := search.New()
	if err != nil {
		logger.Errorf("build search index: %v", err)
		os.Exit(1)
	}
	if err := rebuildSearchIndex(ctx, store, searchIndex); err != nil {
		logger.Warnf("search index rebuild failed, starting with an empty index: %v", err)
	}

	registry := handlers.NewRegistry()
	runner := &command.Runner{}

	zone.Register(registry, runner, store)
	network.Register(registry, runner, host, store)
	system.Register(registry, runner, host, func(affectedHost string) {
		logger.Warnf("host %s requires a reboot to apply its pending configuration change", affectedHost)
	})
	pkgmgmt.Register(registry, runner)
	usermgmt.Register(registry, runner)
	file.Register(registry, runner)
	process.Register(registry, runner)
	service.Register(registry, runner)

	downloadTimeout := time.Duration(cfg.Download.TimeoutSeconds) * time.Second
	progressInterval := time.Duration(cfg.Download.ProgressUpdateSeconds) * time.Second
	publisher := scheduler.NewPublisher(store, progressInterval, logger)

	httpServer := httpapi.NewServer(httpapi.Config{
		Store:            store,
		Search:           searchIndex,
		Logger:           logger,
		MaxConcurrent:    cfg.Scheduler.MaxConcurrentTasks,
		DefaultPageLimit: cfg.HTTP.DefaultPaginationLimit,
		ProcessorRunning: func() bool { return ctx.Err() == nil },
	})

	sched := scheduler.New(scheduler.Config{
		Store:         store,
		Registry:      registry,
		Publisher:     publisher,
		Logger:        logger,
		MaxConcurrent: cfg.Scheduler.MaxConcurrentTasks,
		OnEvent: func(ev scheduler.Event) {
			httpServer.OnSchedulerEvent(ev)
			reindexOnEvent(ctx, store, searchIndex, ev, logger)
			if ev.Status == task.StatusCompleted && ev.Operation == "zone_discover" {
				reconcileDiscoveredZones(ctx, store, ev.Extra, logger)
			}
		},
	})
	httpServer.SetScheduler(runningInfo{sched})

	// The artifact coordinator's scan handler snapshots in-flight downloads
	// via the scheduler's running-task map, so it is wired after sched
	// exists but, like every other handler, still registers before sched.Run
	// starts claiming work below.
	coordinator := artifact.NewCoordinator(store, store, sched, downloadTimeout, progressInterval)
	artifact.RegisterDownload(registry, coordinator, downloadTimeout)
	artifact.RegisterScan(registry, coordinator, store, 30*time.Minute)

	if n, err := sched.RecoverOrphans(ctx); err != nil {
		logger.Errorf("recover orphaned tasks: %v", err)
	} else if n > 0 {
		logger.Warnf("recovered %d orphaned task(s) from a previous process", n)
	}

	discoveryDriver := &periodic.DiscoveryDriver{
		Enqueuer: store,
		Zones:    store,
		Waker:    sched,
		Logger:   logger,
		Interval: time.Duration(cfg.Scheduler.DiscoveryInterval) * time.Second,
	}
	retentionDriver := &periodic.RetentionDriver{
		Store:         store,
		Logger:        logger,
		RetentionDays: func() int { return watcher.Current().Retention.TaskDays },
	}

	go sched.Run(ctx)
	if cfg.Scheduler.AutoDiscovery {
		go discoveryDriver.Run(ctx)
	}
	go retentionDriver.Run(ctx)

	watchStop := make(chan struct{})
	go func() {
		if err := watcher.Watch(watchStop); err != nil {
			logger.Warnf("config watcher exited: %v", err)
		}
	}()

	addr := cfg.HTTP.ListenAddress
	srv := &http.Server{Addr: addr, Handler: httpServer.Router()}
	go func() {
		logger.Infof("task engine HTTP surface listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")
	close(watchStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runningInfo adapts *scheduler.Scheduler to httpapi.RunningInfo without
// the httpapi package importing the scheduler package's full surface.
type runningInfo struct {
	s *scheduler.Scheduler
}

func (r runningInfo) RunningCount() int { return r.s.RunningCount() }

// rebuildSearchIndex loads every task currently in the store and indexes
// it, bringing a fresh process's in-memory index in sync before the HTTP
// surface starts serving q= queries.
func rebuildSearchIndex(ctx context.Context, store *postgres.Store, index *search.Index) error {
	tasks, _, err := store.List(ctx, task.ListFilter{Limit: 1 << 30})
	if err != nil {
		return err
	}
	return index.Rebuild(tasks)
}

// reindexOnEvent keeps the search index current after a terminal
// transition; non-terminal (running/progress) events don't change the
// error_message/metadata fields the index tracks, so they're skipped.
func reindexOnEvent(ctx context.Context, store *postgres.Store, index *search.Index, ev scheduler.Event, logger *logging.Logger) {
	if !ev.Status.IsTerminal() {
		return
	}
	t, err := store.Get(ctx, ev.TaskID)
	if err != nil {
		logger.Warnf("search reindex: fetch task %s failed: %v", ev.TaskID, err)
		return
	}
	if err := index.Put(t); err != nil {
		logger.Warnf("search reindex: index task %s failed: %v", ev.TaskID, err)
	}
}

// reconcileDiscoveredZones drives the Bloom-filtered zone reconciliation
// pass after a completed zone_discover task, using the zones it reported
// via Extra.
func reconcileDiscoveredZones(ctx context.Context, store *postgres.Store, extra map[string]interface{}, logger *logging.Logger) {
	raw, ok := extra["zones"]
	if !ok {
		return
	}
	discovered, ok := raw.([]zone.DiscoveredZone)
	if !ok {
		logger.Warnf("zone_discover event carried an unexpected zones payload type %T", raw)
		return
	}
	observed := make([]periodic.ObservedZone, len(discovered))
	for i, z := range discovered {
		observed[i] = periodic.ObservedZone{Name: z.Name, Brand: z.Brand, State: z.State}
	}

	filter, err := periodic.BuildZoneFilter(ctx, store)
	if err != nil {
		logger.Warnf("zone reconciliation: build bloom filter failed: %v", err)
		return
	}
	inserted, orphaned, err := periodic.ReconcileDiscoveredZones(ctx, store, filter, observed)
	if err != nil {
		logger.Warnf("zone reconciliation failed: %v", err)
		return
	}
	if inserted > 0 || orphaned > 0 {
		logger.Infof("zone discovery reconciled %d newly observed, %d orphaned zone(s)", inserted, orphaned)
	}
}
