package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/events"
	"github.com/roost-run/roost/pkg/log"
	"github.com/roost-run/roost/pkg/metrics"
	"github.com/roost-run/roost/pkg/retry"
	"github.com/roost-run/roost/pkg/storage"
	"github.com/roost-run/roost/pkg/types"
)

// NodeClient is the slice of the agent API the reconciler drives.
// *client.Client satisfies it; tests substitute fakes.
type NodeClient interface {
	Deploy(ctx context.Context, spec *types.ToolInstanceSpec) (*types.ToolInstanceStatus, error)
	Start(ctx context.Context, name string) (*types.ToolInstanceStatus, error)
	Stop(ctx context.Context, name string) (*types.ToolInstanceStatus, error)
	Remove(ctx context.Context, name string) (*types.ToolInstanceStatus, error)
	List(ctx context.Context) ([]*types.ToolInstanceStatus, error)
	Health(ctx context.Context) (*types.NodeHealth, error)
}

// Config tunes the reconciliation loop.
type Config struct {
	// Interval between cycles.
	Interval time.Duration
	// FullSyncEvery marks every Nth cycle as a full sync, which
	// additionally removes orphaned containers and purges long-absent
	// specs.
	FullSyncEvery int
	// MaxConcurrentNodes bounds how many nodes reconcile in parallel.
	MaxConcurrentNodes int
	// MaxConcurrentRepairs bounds parallel corrective actions within
	// one node's pass. Instances on a node are independent; the agent
	// serializes per name.
	MaxConcurrentRepairs int
	// UnhealthyThreshold is how many consecutive failed health probes
	// mark a node degraded in the controller's component health.
	UnhealthyThreshold int
	// Retry is the backoff budget for one corrective action.
	Retry retry.Config
	// AbsentPurgeAfter is how long an absent spec stays in the store
	// after its container is confirmed gone.
	AbsentPurgeAfter time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:             10 * time.Second,
		FullSyncEvery:        5,
		MaxConcurrentNodes:   4,
		MaxConcurrentRepairs: 3,
		UnhealthyThreshold:   3,
		Retry:                retry.DefaultConfig,
		AbsentPurgeAfter:     10 * time.Minute,
	}
}

// Reconciler drives every node's actual state toward the store's
// desired specs. It never talks to a container engine directly; all
// corrective actions go through node agents, which own serialization.
type Reconciler struct {
	store   storage.Store
	clients map[string]NodeClient
	broker  *events.Broker
	cfg     Config
	logger  zerolog.Logger

	mu    sync.Mutex
	cycle int
	// gaveUp maps instance name to the spec version whose corrective
	// action exhausted its retry budget. The item is skipped until a
	// new version arrives.
	gaveUp map[string]int64
	// absentGoneSince records when an absent spec's container was
	// first confirmed gone, for the purge timer.
	absentGoneSince map[string]time.Time
	// nodeFailures counts consecutive cycles a node's health probe
	// failed. At UnhealthyThreshold the node is marked degraded.
	nodeFailures map[string]int
}

// New creates a reconciler for the given node clients, keyed by node ID.
func New(store storage.Store, clients map[string]NodeClient, broker *events.Broker, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.FullSyncEvery <= 0 {
		cfg.FullSyncEvery = DefaultConfig().FullSyncEvery
	}
	if cfg.MaxConcurrentNodes <= 0 {
		cfg.MaxConcurrentNodes = DefaultConfig().MaxConcurrentNodes
	}
	if cfg.MaxConcurrentRepairs <= 0 {
		cfg.MaxConcurrentRepairs = DefaultConfig().MaxConcurrentRepairs
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = DefaultConfig().UnhealthyThreshold
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if cfg.AbsentPurgeAfter <= 0 {
		cfg.AbsentPurgeAfter = DefaultConfig().AbsentPurgeAfter
	}
	return &Reconciler{
		store:           store,
		clients:         clients,
		broker:          broker,
		cfg:             cfg,
		logger:          log.WithComponent("reconciler"),
		gaveUp:          make(map[string]int64),
		absentGoneSince: make(map[string]time.Time),
		nodeFailures:    make(map[string]int),
	}
}

// Run executes reconcile cycles until the context is cancelled. The
// first cycle runs immediately.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Reconcile(ctx)
	for {
		select {
		case <-ticker.C:
			r.Reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile runs one cycle across all nodes.
func (r *Reconciler) Reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	r.mu.Lock()
	r.cycle++
	fullSync := r.cycle%r.cfg.FullSyncEvery == 0
	r.mu.Unlock()

	specs, err := r.store.ListSpecs()
	if err != nil {
		r.logger.Error().Err(err).Msg("listing specs failed, skipping cycle")
		metrics.UpdateComponent("store", false, err.Error())
		return
	}
	metrics.UpdateComponent("store", true, "")

	specsByNode := make(map[string][]*types.ToolInstanceSpec)
	for _, spec := range specs {
		if spec.NodeID == "" {
			r.logger.Warn().Str("instance", spec.InstanceName).Msg("spec has no node assignment, skipping")
			continue
		}
		specsByNode[spec.NodeID] = append(specsByNode[spec.NodeID], spec)
	}

	// Nodes with no specs still need a visit on full sync so their
	// orphans get cleaned up.
	nodeIDs := make(map[string]bool, len(r.clients))
	for nodeID := range specsByNode {
		nodeIDs[nodeID] = true
	}
	if fullSync {
		for nodeID := range r.clients {
			nodeIDs[nodeID] = true
		}
	}

	sem := make(chan struct{}, r.cfg.MaxConcurrentNodes)
	var wg sync.WaitGroup
	for nodeID := range nodeIDs {
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			r.reconcileNode(ctx, nodeID, specsByNode[nodeID], fullSync)
		}(nodeID)
	}
	wg.Wait()
}

// reconcileNode converges one node. A node whose agent or engine is
// down is skipped for the whole cycle; half-applied corrections
// against a flapping engine cause more drift than they cure.
func (r *Reconciler) reconcileNode(ctx context.Context, nodeID string, specs []*types.ToolInstanceSpec, fullSync bool) {
	logger := r.logger.With().Str("node", nodeID).Logger()

	cl, ok := r.clients[nodeID]
	if !ok {
		logger.Warn().Msg("no client configured for node, skipping")
		return
	}

	health, err := cl.Health(ctx)
	if err != nil || !health.RuntimeReachable {
		r.noteNodeUnhealthy(nodeID, err, logger)
		return
	}
	r.noteNodeHealthy(nodeID)

	statuses, err := cl.List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("listing node instances failed, deferring")
		return
	}
	observed := make(map[string]*types.ToolInstanceStatus, len(statuses))
	for _, st := range statuses {
		observed[st.InstanceName] = st
	}

	specNames := make(map[string]bool, len(specs))
	sem := make(chan struct{}, r.cfg.MaxConcurrentRepairs)
	var wg sync.WaitGroup
	for _, spec := range specs {
		specNames[spec.InstanceName] = true
		wg.Add(1)
		go func(spec *types.ToolInstanceSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			r.reconcileInstance(ctx, cl, logger, nodeID, spec, observed[spec.InstanceName])
		}(spec)
	}
	wg.Wait()

	if fullSync {
		r.removeOrphans(ctx, cl, logger, nodeID, statuses, specNames)
	}
}

// reconcileInstance compares one spec against what the node reported
// and applies at most one corrective verb.
func (r *Reconciler) reconcileInstance(ctx context.Context, cl NodeClient, logger zerolog.Logger, nodeID string, spec *types.ToolInstanceSpec, observed *types.ToolInstanceStatus) {
	if observed != nil {
		_ = r.store.PutStatus(nodeID, observed)
	}

	action := r.plan(spec, observed)
	if action == verbNone {
		if spec.DesiredState == types.DesiredAbsent {
			r.maybePurge(spec, logger)
		}
		return
	}

	r.mu.Lock()
	if v, gaveUp := r.gaveUp[spec.InstanceName]; gaveUp && v == spec.Version {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	correlationID := uuid.NewString()
	before := string(types.StateMissing)
	if observed != nil {
		before = string(observed.ActualState)
	}
	actionLog := logger.With().
		Str("instance", spec.InstanceName).
		Str("verb", string(action)).
		Str("correlation_id", correlationID).
		Int64("version", spec.Version).
		Logger()
	actionLog.Info().Str("before", before).Str("desired", string(spec.DesiredState)).Msg("drift detected")

	var result *types.ToolInstanceStatus
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		var err error
		result, err = r.apply(ctx, cl, action, spec)
		return err
	})
	if err != nil {
		metrics.CorrectiveActionsTotal.WithLabelValues(string(action), "failure").Inc()
		r.giveUp(spec, nodeID, correlationID, err, actionLog)
		return
	}

	metrics.CorrectiveActionsTotal.WithLabelValues(string(action), "success").Inc()
	after := string(types.StateMissing)
	if result != nil {
		after = string(result.ActualState)
		_ = r.store.PutStatus(nodeID, result)
	}
	actionLog.Info().Str("before", before).Str("after", after).Msg("drift repaired")
	r.publish(&events.Event{
		Type:          events.EventDriftRepaired,
		NodeID:        nodeID,
		InstanceName:  spec.InstanceName,
		CorrelationID: correlationID,
		Before:        before,
		After:         after,
	})

	if spec.DesiredState == types.DesiredAbsent {
		r.markAbsentGone(spec.InstanceName)
	}
}

type verb string

const (
	verbNone   verb = ""
	verbDeploy verb = "deploy"
	verbStart  verb = "start"
	verbStop   verb = "stop"
	verbRemove verb = "remove"
)

// plan decides the corrective verb for one spec/observation pair.
func (r *Reconciler) plan(spec *types.ToolInstanceSpec, observed *types.ToolInstanceStatus) verb {
	missing := observed == nil || observed.ActualState == types.StateMissing

	switch spec.DesiredState {
	case types.DesiredAbsent:
		if missing {
			return verbNone
		}
		return verbRemove

	case types.DesiredRunning:
		if missing {
			return verbDeploy
		}
		if observed.AppliedVersion != 0 && observed.AppliedVersion < spec.Version {
			return verbDeploy
		}
		switch observed.ActualState {
		case types.StateRunning:
			return verbNone
		case types.StateStopped:
			return verbStart
		default:
			// error, unknown, creating: re-deploy converges all three.
			return verbDeploy
		}

	case types.DesiredStopped:
		if missing {
			return verbDeploy
		}
		if observed.AppliedVersion != 0 && observed.AppliedVersion < spec.Version {
			return verbDeploy
		}
		switch observed.ActualState {
		case types.StateStopped:
			return verbNone
		case types.StateRunning:
			return verbStop
		default:
			return verbDeploy
		}
	}
	return verbNone
}

func (r *Reconciler) apply(ctx context.Context, cl NodeClient, v verb, spec *types.ToolInstanceSpec) (*types.ToolInstanceStatus, error) {
	switch v {
	case verbDeploy:
		return cl.Deploy(ctx, spec)
	case verbStart:
		return cl.Start(ctx, spec.InstanceName)
	case verbStop:
		return cl.Stop(ctx, spec.InstanceName)
	case verbRemove:
		return cl.Remove(ctx, spec.InstanceName)
	}
	return nil, errdefs.Permanentf("unknown corrective verb %q", v)
}

// giveUp records retry exhaustion for this spec version, mirrors the
// error durably, and stops retrying until the version changes.
func (r *Reconciler) giveUp(spec *types.ToolInstanceSpec, nodeID, correlationID string, err error, logger zerolog.Logger) {
	r.mu.Lock()
	r.gaveUp[spec.InstanceName] = spec.Version
	r.mu.Unlock()

	metrics.DriftItemsGaveUp.Inc()
	logger.Error().Err(err).Msg("corrective action exhausted retry budget")

	_ = r.store.PutStatus(nodeID, &types.ToolInstanceStatus{
		InstanceID:     spec.InstanceID,
		InstanceName:   spec.InstanceName,
		NodeID:         nodeID,
		ActualState:    types.StateError,
		LastError:      err.Error(),
		AppliedVersion: spec.Version,
		LastObservedAt: time.Now(),
	})
	r.publish(&events.Event{
		Type:          events.EventDriftGaveUp,
		NodeID:        nodeID,
		InstanceName:  spec.InstanceName,
		CorrelationID: correlationID,
		Message:       err.Error(),
	})
}

// noteNodeUnhealthy counts a failed health probe. The node is skipped
// for this cycle either way; once the failures run past the threshold
// it is also marked degraded in the controller's component health.
func (r *Reconciler) noteNodeUnhealthy(nodeID string, err error, logger zerolog.Logger) {
	r.mu.Lock()
	r.nodeFailures[nodeID]++
	failures := r.nodeFailures[nodeID]
	r.mu.Unlock()

	logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("node unhealthy, deferring reconciliation")
	if failures >= r.cfg.UnhealthyThreshold {
		msg := "engine unreachable"
		if err != nil {
			msg = err.Error()
		}
		metrics.UpdateComponent("node:"+nodeID, false, msg)
	}
}

// noteNodeHealthy resets the failure count after a successful probe.
func (r *Reconciler) noteNodeHealthy(nodeID string) {
	r.mu.Lock()
	delete(r.nodeFailures, nodeID)
	r.mu.Unlock()
	metrics.UpdateComponent("node:"+nodeID, true, "")
}

// removeOrphans deletes containers that carry the managed label but
// whose spec no longer exists in the store.
func (r *Reconciler) removeOrphans(ctx context.Context, cl NodeClient, logger zerolog.Logger, nodeID string, statuses []*types.ToolInstanceStatus, specNames map[string]bool) {
	for _, st := range statuses {
		if specNames[st.InstanceName] || st.ActualState == types.StateMissing {
			continue
		}
		correlationID := uuid.NewString()
		logger.Info().
			Str("instance", st.InstanceName).
			Str("correlation_id", correlationID).
			Msg("removing orphaned instance")

		err := retry.Do(ctx, r.cfg.Retry, func() error {
			_, err := cl.Remove(ctx, st.InstanceName)
			return err
		})
		if err != nil {
			metrics.CorrectiveActionsTotal.WithLabelValues(string(verbRemove), "failure").Inc()
			logger.Warn().Err(err).Str("instance", st.InstanceName).Msg("orphan removal failed")
			continue
		}
		metrics.CorrectiveActionsTotal.WithLabelValues(string(verbRemove), "success").Inc()
		_ = r.store.DeleteStatus(nodeID, st.InstanceName)
		r.publish(&events.Event{
			Type:          events.EventInstanceRemoved,
			NodeID:        nodeID,
			InstanceName:  st.InstanceName,
			CorrelationID: correlationID,
			Message:       "orphan removed",
		})
	}
}

// markAbsentGone starts the purge timer for an absent spec whose
// container has just been confirmed removed.
func (r *Reconciler) markAbsentGone(instanceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.absentGoneSince[instanceName]; !ok {
		r.absentGoneSince[instanceName] = time.Now()
	}
}

// maybePurge deletes an absent spec once its container has stayed gone
// past the purge window. Until then the spec remains so restarted
// agents keep converging toward absence.
func (r *Reconciler) maybePurge(spec *types.ToolInstanceSpec, logger zerolog.Logger) {
	r.mu.Lock()
	since, ok := r.absentGoneSince[spec.InstanceName]
	if !ok {
		r.absentGoneSince[spec.InstanceName] = time.Now()
		r.mu.Unlock()
		return
	}
	expired := time.Since(since) >= r.cfg.AbsentPurgeAfter
	r.mu.Unlock()

	if !expired {
		return
	}
	if err := r.store.DeleteSpec(spec.InstanceName); err != nil {
		logger.Warn().Err(err).Str("instance", spec.InstanceName).Msg("purging absent spec failed")
		return
	}
	_ = r.store.DeleteStatus(spec.NodeID, spec.InstanceName)
	r.mu.Lock()
	delete(r.absentGoneSince, spec.InstanceName)
	delete(r.gaveUp, spec.InstanceName)
	r.mu.Unlock()
	logger.Info().Str("instance", spec.InstanceName).Msg("purged absent spec")
}

func (r *Reconciler) publish(e *events.Event) {
	if r.broker != nil {
		r.broker.Publish(e)
	}
}
