package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/cdcore/pkg/lock"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/ethpandaops/cdcore/pkg/observability"
	"github.com/ethpandaops/cdcore/pkg/strategy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Trigger names recorded on manifests
const (
	TriggerCLI      = "cli"
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
)

// Runner executes selections of the graph. The worker and the trigger command depend on it.
type Runner interface {
	Run(ctx context.Context, selectors []string, opts ...RunOption) (*manifest.Manifest, error)
}

// Coordinator executes runs over the graph
type Coordinator struct {
	log        logrus.FieldLogger
	cfg        Config
	graph      *Graph
	strategies map[string]strategy.Strategy
	locker     lock.Locker
	store      manifest.Store
	now        func() time.Time
}

// New creates a coordinator. strategies must hold one strategy per source in graph.
func New(log logrus.FieldLogger, cfg Config, graph *Graph, strategies map[string]strategy.Strategy, locker lock.Locker, store manifest.Store) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, src := range graph.Sources() {
		if _, ok := strategies[src.ID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoStrategy, src.ID)
		}
	}

	return &Coordinator{
		log:        log.WithField("service", "coordinator"),
		cfg:        cfg,
		graph:      graph,
		strategies: strategies,
		locker:     locker,
		store:      store,
		now:        time.Now,
	}, nil
}

// Graph returns the graph the coordinator runs
func (c *Coordinator) Graph() *Graph {
	return c.graph
}

type runOptions struct {
	runID   string
	trigger string
}

// RunOption customizes a run
type RunOption func(*runOptions)

// WithRunID uses id instead of a fresh uuid, so an enqueued run keeps the id it was given
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithTrigger records what started the run
func WithTrigger(trigger string) RunOption {
	return func(o *runOptions) { o.trigger = trigger }
}

// run is the mutable state of one execution
type run struct {
	id       string
	manifest *manifest.Manifest
	selected map[string]struct{}

	mu     sync.Mutex
	leases map[string]lock.Lease
}

// Run executes the selected sub-graph in topological waves. A node runs only when all its
// selected parents succeeded; nodes downstream of a failure stay PENDING with BlockedBy set
// while independent branches continue. The returned manifest is final. The error is non-nil
// only when the run could not start or ctx was canceled.
func (c *Coordinator) Run(ctx context.Context, selectors []string, opts ...RunOption) (*manifest.Manifest, error) {
	o := runOptions{trigger: TriggerCLI}
	for _, opt := range opts {
		opt(&o)
	}

	if o.runID == "" {
		o.runID = uuid.New().String()
	}

	ids, err := c.graph.Select(selectors)
	if err != nil {
		return nil, err
	}

	states := make([]manifest.NodeState, 0, len(ids))
	for _, id := range ids {
		node, _ := c.graph.Node(id)
		states = append(states, manifest.NodeState{ID: id, Source: node.Source, Kind: string(node.Kind)})
	}

	r := &run{
		id:       o.runID,
		manifest: manifest.New(o.runID, selectors, o.trigger, states, c.now()),
		selected: make(map[string]struct{}, len(ids)),
		leases:   make(map[string]lock.Lease),
	}

	for _, id := range ids {
		r.selected[id] = struct{}{}
	}

	log := c.log.WithFields(logrus.Fields{"run_id": r.id, "trigger": o.trigger})

	if err := c.store.Save(ctx, r.manifest.Clone()); err != nil {
		return nil, fmt.Errorf("failed to persist manifest: %w", err)
	}

	log.WithField("nodes", len(ids)).Info("Run started")

	defer c.releaseAll(ctx, r)

	for _, wave := range c.graph.Waves(ids) {
		if ctx.Err() != nil {
			break
		}

		runnable := c.unblocked(ctx, r, wave)

		group := new(errgroup.Group)
		group.SetLimit(c.cfg.Concurrency)

		for _, id := range runnable {
			group.Go(func() error {
				c.execute(ctx, r, id)

				return nil
			})
		}

		_ = group.Wait()
	}

	r.mu.Lock()
	outcome := r.manifest.Finish(c.now())
	final := r.manifest.Clone()
	r.mu.Unlock()

	c.persist(ctx, final)
	observability.RecordRunOutcome(string(outcome))

	counts := final.Counts()

	log.WithFields(logrus.Fields{
		"outcome":   outcome,
		"succeeded": counts[manifest.StatusSucceeded],
		"failed":    counts[manifest.StatusFailed],
		"pending":   counts[manifest.StatusPending],
	}).Info("Run finished")

	return final, ctx.Err()
}

// unblocked returns the nodes of wave whose selected parents all succeeded and marks the rest blocked
func (c *Coordinator) unblocked(ctx context.Context, r *run, wave []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	runnable := make([]string, 0, len(wave))
	changed := false

	for _, id := range wave {
		var blockers []string

		for _, parent := range c.graph.Parents(id) {
			if _, ok := r.selected[parent]; !ok {
				continue
			}

			state, err := r.manifest.Node(parent)
			if err != nil || state.Status != manifest.StatusSucceeded {
				blockers = append(blockers, parent)
			}
		}

		if len(blockers) == 0 {
			runnable = append(runnable, id)

			continue
		}

		if err := r.manifest.Block(id, blockers); err != nil {
			c.log.WithError(err).WithField("node", id).Warn("Failed to mark node blocked")

			continue
		}

		changed = true

		c.log.WithFields(logrus.Fields{
			"run_id":     r.id,
			"node":       id,
			"blocked_by": blockers,
		}).Warn("Node blocked by upstream failure")
	}

	if changed {
		c.persistLocked(ctx, r)
	}

	return runnable
}

func (c *Coordinator) execute(ctx context.Context, r *run, id string) {
	node, _ := c.graph.Node(id)
	log := c.log.WithFields(logrus.Fields{"run_id": r.id, "node": id})

	r.mu.Lock()
	startErr := r.manifest.Start(id, c.now())
	if startErr == nil {
		c.persistLocked(ctx, r)
	}
	r.mu.Unlock()

	if startErr != nil {
		log.WithError(startErr).Error("Failed to start node")

		return
	}

	observability.RecordNodeStart(node.Source, string(node.Kind))

	started := c.now()
	result, err := c.step(ctx, r, node)
	duration := c.now().Sub(started)

	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}

	r.mu.Lock()
	if err != nil {
		_ = r.manifest.Fail(id, c.now(), max(result.Attempts, 1), err)
	} else {
		_ = r.manifest.Succeed(id, c.now(), result)
	}
	c.persistLocked(ctx, r)
	r.mu.Unlock()

	if c.releasable(r, node, err) {
		c.release(ctx, r, node.Source)
	}

	status := "succeeded"

	if err != nil {
		status = "failed"

		log.WithError(err).Error("Node failed")
	} else {
		log.WithFields(logrus.Fields{
			"records":  result.Records,
			"duration": duration,
		}).Info("Node succeeded")
	}

	observability.RecordNodeComplete(node.Source, string(node.Kind), status, duration.Seconds())
}

func (c *Coordinator) step(ctx context.Context, r *run, node Node) (manifest.Result, error) {
	strat := c.strategies[node.Source]
	info := strategy.Run{ID: r.id, StartedAt: r.manifest.StartedAt}

	if node.Kind == strategy.KindExtract {
		if err := c.acquire(ctx, r, node.Source); err != nil {
			return manifest.Result{}, err
		}

		return strat.Extract(ctx, info)
	}

	r.mu.Lock()
	if lease, ok := r.leases[node.Source]; ok {
		info.Held = lease.Err
	}

	extracted, err := r.manifest.Node(c.graph.extractNode(node.Source))
	if err == nil {
		info.Extracted = manifest.Result{
			Attempts: extracted.Attempts,
			Records:  extracted.Records,
			Cursor:   extracted.Cursor,
			Stats:    extracted.Stats,
		}
	}
	r.mu.Unlock()

	if err != nil {
		return manifest.Result{}, err
	}

	return strat.Apply(ctx, info)
}

// acquire takes the per-source lock for the extract-to-apply span
func (c *Coordinator) acquire(ctx context.Context, r *run, sourceID string) error {
	started := c.now()

	lease, err := c.locker.Acquire(ctx, "source:"+sourceID, c.cfg.LockWait)

	status := "acquired"
	if err != nil {
		status = "timeout"
	}

	observability.RecordLockWait(sourceID, status, c.now().Sub(started).Seconds())

	if err != nil {
		return fmt.Errorf("source %s is busy: %w", sourceID, err)
	}

	r.mu.Lock()
	r.leases[sourceID] = lease
	r.mu.Unlock()

	return nil
}

// releasable reports whether the source's lock can go once node finished
func (c *Coordinator) releasable(r *run, node Node, err error) bool {
	if node.Kind != strategy.KindExtract || err != nil {
		return true
	}

	_, applySelected := r.selected[c.graph.applyNode(node.Source)]

	return !applySelected
}

func (c *Coordinator) release(ctx context.Context, r *run, sourceID string) {
	r.mu.Lock()
	lease, ok := r.leases[sourceID]
	delete(r.leases, sourceID)
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		c.log.WithError(err).WithField("source", sourceID).Warn("Failed to release source lock")
	}
}

func (c *Coordinator) releaseAll(ctx context.Context, r *run) {
	r.mu.Lock()
	sources := make([]string, 0, len(r.leases))
	for id := range r.leases {
		sources = append(sources, id)
	}
	r.mu.Unlock()

	for _, id := range sources {
		c.release(ctx, r, id)
	}
}

// persistLocked saves a snapshot of the manifest. Callers hold r.mu.
func (c *Coordinator) persistLocked(ctx context.Context, r *run) {
	c.persist(ctx, r.manifest.Clone())
}

// persist saves m even after ctx was canceled
func (c *Coordinator) persist(ctx context.Context, m *manifest.Manifest) {
	if err := c.store.Save(context.WithoutCancel(ctx), m); err != nil {
		c.log.WithError(err).WithField("run_id", m.RunID).Warn("Failed to persist manifest")
		observability.RecordError("coordinator", "manifest_persist")
	}
}

var _ Runner = (*Coordinator)(nil)
