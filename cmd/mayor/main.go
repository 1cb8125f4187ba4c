// Command mayor runs the orchestrator daemon: the HTTP API, the event
// bus, the stall watchdog, and (when a worker command is configured) the
// work loop that drives beads through external workers.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beadworks/mayor/internal/agent"
	"github.com/beadworks/mayor/internal/api"
	"github.com/beadworks/mayor/internal/beads"
	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/internal/logging"
	"github.com/beadworks/mayor/internal/mayor"
	"github.com/beadworks/mayor/internal/messagebus"
	"github.com/beadworks/mayor/internal/metrics"
	"github.com/beadworks/mayor/internal/notify"
	"github.com/beadworks/mayor/internal/progress"
	"github.com/beadworks/mayor/internal/registry"
	"github.com/beadworks/mayor/internal/retry"
	"github.com/beadworks/mayor/internal/supervisor"
	"github.com/beadworks/mayor/internal/telemetry"
	"github.com/beadworks/mayor/internal/watchdog"
	"github.com/beadworks/mayor/pkg/config"
	"github.com/beadworks/mayor/pkg/models"
)

func main() {
	configPath := flag.String("config", "mayor.yaml", "path to config file")
	addr := flag.String("addr", "", "listen address override (host:port)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[Mayor] config: %v", err)
	}
	if *addr != "" {
		log.Printf("[Mayor] listen address overridden: %s", *addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("[Mayor] telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	bus := eventbus.New()
	defer bus.Close()

	logs := logging.NewManager(cfg.Logging.BufferSize)
	defer logs.Close()
	if cfg.Logging.PostgresDSN != "" {
		if err := logs.EnablePostgres(cfg.Logging.PostgresDSN); err != nil {
			log.Printf("[Mayor] log archive unavailable: %v", err)
		}
	}
	logs.AddHandler(func(e logging.Entry) {
		bus.Emit(eventbus.EventLogsNew, e)
	})

	if !cfg.Store.UseBeads {
		log.Fatalf("[Mayor] USE_BEADS is disabled; nothing to serve")
	}
	store, err := beads.NewStore(cfg.Store.RepoPath, cfg.Store.MetadataDir,
		cfg.Store.IDPrefix, time.Duration(cfg.Agent.TimeoutMinutes)*time.Minute)
	if err != nil {
		log.Fatalf("[Mayor] bead store: %v", err)
	}
	convoys, err := beads.NewConvoyStore(store)
	if err != nil {
		log.Fatalf("[Mayor] convoy store: %v", err)
	}
	m := mayor.New(store, convoys, bus)

	if cfg.Store.Watch {
		watcher, err := beads.NewWatcher(store, bus)
		if err != nil {
			log.Printf("[Mayor] bead watcher unavailable: %v", err)
		} else {
			defer watcher.Close()
			go watcher.Run(ctx)
		}
	}

	// Keep the beads-by-status gauges fresh whenever the board changes.
	bus.Subscribe(eventbus.EventBoardUpdate, func(ev eventbus.Event) {
		stats, err := m.Stats()
		if err != nil {
			return
		}
		metrics.BeadsByStatus.WithLabelValues("pending").Set(float64(stats.Pending))
		metrics.BeadsByStatus.WithLabelValues("in_progress").Set(float64(stats.InProgress))
		metrics.BeadsByStatus.WithLabelValues("passing").Set(float64(stats.Passing))
		metrics.BeadsByStatus.WithLabelValues("skipped").Set(float64(stats.Skipped))
		metrics.BeadsByStatus.WithLabelValues("needs_review").Set(float64(stats.NeedsReview))
	})

	if cfg.NATS.Enabled {
		bridge, err := messagebus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, bus)
		if err != nil {
			log.Printf("[Mayor] nats bridge unavailable: %v", err)
		} else {
			defer bridge.Close()
		}
	}

	reg := registry.New()
	tracker := progress.NewTracker(bus)
	retries := retry.NewController(cfg.Agent.MaxRetries)
	sink := notify.NewSink(cfg.Notify.WebhookURL)

	dog := watchdog.New(reg, store, retries, tracker, bus,
		cfg.Watchdog.SweepInterval(), cfg.Watchdog.StallThreshold())
	dog.OnKill(func(registry.Entry) {
		tel.WatchdogKills.Add(ctx, 1)
	})
	dog.Start()
	defer dog.Stop()

	if len(cfg.Agent.CommandTemplate) > 0 {
		sup := supervisor.New(store, agent.NewDriver(cfg.Agent), reg,
			tracker, retries, bus, sink, cfg.Agent)
		go workLoop(ctx, m, sup, retries, tel)
	} else {
		log.Printf("[Mayor] no worker command configured, running board-only")
	}

	server := api.NewServer(m, bus, logs, tracker, reg)
	listen := cfg.Server.Address()
	if *addr != "" {
		listen = *addr
	}
	httpServer := &http.Server{Addr: listen, Handler: server.SetupRoutes()}

	go func() {
		log.Printf("[Mayor] listening on %s", listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Mayor] http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[Mayor] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
}

// workLoop drives beads through workers until the board drains or the
// context is cancelled. Queued retries take precedence over fresh beads.
func workLoop(ctx context.Context, m *mayor.Mayor, sup *supervisor.Supervisor,
	retries *retry.Controller, tel *telemetry.Telemetry) {
	idle := 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bead := nextBead(m, retries)
		if bead == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
			continue
		}

		runCtx, span := tel.StartSpan(ctx, "supervisor.run")
		outcome, err := sup.Run(runCtx, bead)
		if err != nil {
			log.Printf("[Mayor] run %s: %v", bead.ID, err)
		}
		tel.SupervisorRuns.Add(runCtx, 1)
		if outcome == supervisor.OutcomeCompleted {
			tel.BeadsCompleted.Add(runCtx, 1)
		}
		span.End()

		if outcome == supervisor.OutcomeIdle {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
			continue
		}
		log.Printf("[Mayor] %s finished: %s", bead.ID, outcome)
	}
}

// nextBead prefers the retry queue, then the store's priority order
// (needs_review before pending, unlocked only). Beads with an exhausted
// retry budget stay on the board but are bypassed until an operator
// intervenes or the process restarts.
func nextBead(m *mayor.Mayor, retries *retry.Controller) *models.Bead {
	id, ok := retries.NextTaskID(func() (string, bool) {
		b, err := m.Store().GetNextFiltered("", func(b *models.Bead) bool {
			return retries.CanRetry(b.ID)
		})
		if err != nil {
			log.Printf("[Mayor] next bead: %v", err)
			return "", false
		}
		if b == nil {
			return "", false
		}
		return b.ID, true
	})
	if !ok {
		return nil
	}
	b, err := m.GetBead(id)
	if err != nil {
		return nil
	}
	if b.Status != models.BeadStatusPending && b.Status != models.BeadStatusNeedsReview {
		return nil
	}
	return b
}
