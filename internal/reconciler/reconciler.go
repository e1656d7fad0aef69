// Package reconciler is the control loop: it orchestrates the store, probe,
// and proxy admin layers through one cooperative tick. A failed node listing
// abandons the tick; errors inside the later stages are logged and the
// remaining stages still run.
package reconciler

import (
	"context"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/LumeWeb/topology-coordinator/internal/logging"
	"github.com/LumeWeb/topology-coordinator/internal/probe"
	"github.com/LumeWeb/topology-coordinator/internal/proxyadmin"
	"github.com/LumeWeb/topology-coordinator/internal/topology"
)

// Config is the subset of the coordinator's configuration the Reconciler
// needs directly.
type Config struct {
	CheckInterval        time.Duration
	PromotionGracePeriod time.Duration
	MaxAge               time.Duration
	ProbeTimeout         time.Duration
	WriterHostgroup      int
	ReaderHostgroup      int
	MaxConcurrentProbes  int
	DryRun               bool
}

// PromotionEvent is one entry of the in-process promotion history surfaced
// by the status API. Not persisted across restarts.
type PromotionEvent struct {
	At             time.Time
	PreviousMaster string
	NewMaster      string
}

// Snapshot is the Reconciler's last-tick view, read by the status API.
type Snapshot struct {
	TakenAt    time.Time
	Nodes      map[string]topology.NodeRecord
	Master     string
	HasMaster  bool
	WriterSet  []proxyadmin.Node
	ReaderSet  []proxyadmin.Node
	LastTickID string
}

// Reconciler is the control loop. LastPromotionTime is a field on the
// struct, not a package global, re-initialized to the zero value on
// process start — which is always safe to read.
type Reconciler struct {
	Repo   *topology.Repository
	Prober probe.Prober
	Admin  proxyadmin.Admin
	Conf   Config
	log    *logging.Logger

	mu                sync.RWMutex
	LastPromotionTime time.Time
	history           []PromotionEvent
	snapshot          Snapshot

	// Registry is this Reconciler's private go-metrics registry (not the
	// package-wide DefaultRegistry), so multiple Reconcilers in one process
	// — as in the test suite — never collide on counter names.
	Registry     gometrics.Registry
	ticksRun     gometrics.Counter
	promotions   gometrics.Counter
	nodesPruned  gometrics.Counter
	probesFailed gometrics.Counter
}

const historyLimit = 50

func New(repo *topology.Repository, prober probe.Prober, admin proxyadmin.Admin, conf Config) *Reconciler {
	if conf.ProbeTimeout <= 0 {
		conf.ProbeTimeout = 3 * time.Second
	}
	if conf.MaxConcurrentProbes <= 0 {
		conf.MaxConcurrentProbes = 16
	}
	registry := gometrics.NewRegistry()
	r := &Reconciler{
		Repo:         repo,
		Prober:       prober,
		Admin:        admin,
		Conf:         conf,
		log:          logging.New("reconciler"),
		Registry:     registry,
		ticksRun:     gometrics.NewCounter(),
		promotions:   gometrics.NewCounter(),
		nodesPruned:  gometrics.NewCounter(),
		probesFailed: gometrics.NewCounter(),
	}
	registry.Register("coordinator.ticks_run", r.ticksRun)
	registry.Register("coordinator.promotions", r.promotions)
	registry.Register("coordinator.nodes_pruned", r.nodesPruned)
	registry.Register("coordinator.probes_failed", r.probesFailed)
	return r
}

// Run drains ticks until ctx is cancelled, sleeping CheckInterval between
// them. Cancelling ctx (the caller's SIGTERM handling) lets the in-flight
// tick finish — bounded by the tick deadline — before Run returns.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.Conf.CheckInterval)
		r.Tick(tickCtx)
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.Conf.CheckInterval):
		}
	}
}

// Snapshot returns a copy of the Reconciler's last-published view.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// History returns a copy of the bounded promotion history.
func (r *Reconciler) History() []PromotionEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PromotionEvent, len(r.history))
	copy(out, r.history)
	return out
}

// inGracePeriod reports whether the Reconciler promoted a master recently
// enough that a transient health blip should not trigger re-validation or
// re-election.
func (r *Reconciler) inGracePeriod() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Conf.PromotionGracePeriod > 0 && !r.LastPromotionTime.IsZero() &&
		time.Since(r.LastPromotionTime) < r.Conf.PromotionGracePeriod
}

// Metrics returns the coarse tick-cycle counters exposed by the status API
// (ticks run, promotions, nodes pruned, probe failures).
func (r *Reconciler) Metrics() (ticks, promotions, pruned, probeFailures int64) {
	return r.ticksRun.Count(), r.promotions.Count(), r.nodesPruned.Count(), r.probesFailed.Count()
}

// Tick runs one full reconciliation pass. Only a failed node listing (or no
// node left after pruning) ends the tick early; an error inside a later
// stage is logged, that stage stops, and the following stages still run.
// Run sleeps and starts fresh next cycle.
func (r *Reconciler) Tick(ctx context.Context) {
	tickID := logging.NewTickID()
	log := r.log.WithTick(tickID)

	r.ticksRun.Inc(1)

	// Snapshot.
	nodeIDs, err := r.Repo.ListNodes(ctx)
	if err != nil {
		log.Printf(logging.LvlWarn, "list nodes failed: %v", err)
		return
	}
	if len(nodeIDs) == 0 {
		log.Printf(logging.LvlDbg, "no nodes registered, sleeping")
		return
	}

	// Prune stale.
	nodeIDs = r.pruneStale(ctx, log, nodeIDs)
	if len(nodeIDs) == 0 {
		return
	}

	// Validate master key.
	r.validateMaster(ctx, log)

	// Health sweep.
	statuses := r.healthSweep(ctx, log, nodeIDs)

	// Failover decision.
	r.failoverDecision(ctx, log, nodeIDs, statuses)

	// Publish routing.
	r.publishRouting(ctx, log, nodeIDs, statuses, tickID)
}

// nodeStatus is the health sweep's per-node working state, threaded into
// the failover and publish stages so neither re-probes.
type nodeStatus struct {
	record  topology.NodeRecord
	online  bool
	present bool
}

// errgroupPool runs fn(id) for each id in ids with bounded concurrency,
// cancelled cooperatively at the tick deadline.
func errgroupPool(ctx context.Context, ids []string, limit int, fn func(ctx context.Context, id string)) {
	sem := semaphore.NewWeighted(int64(limit))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil // tick deadline hit; proceed with what we have
			}
			defer sem.Release(1)
			fn(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}
