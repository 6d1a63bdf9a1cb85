package agent

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/events"
	"github.com/roost-run/roost/pkg/log"
	"github.com/roost-run/roost/pkg/metrics"
	"github.com/roost-run/roost/pkg/registry"
	"github.com/roost-run/roost/pkg/types"
)

// handleDeploy creates, adopts, or updates an instance and converges
// it toward the spec's desired state. The operation is idempotent: a
// repeated deploy of the same spec finds the existing container by its
// derived name and adopts it instead of failing.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var spec types.ToolInstanceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}
	if err := spec.Validate(); err != nil {
		writeClassifiedError(w, err)
		return
	}

	unlock := s.registry.LockName(spec.InstanceName)
	defer unlock()

	// The version check goes through getOrRehydrate, not the bare
	// registry: after an agent restart the applied version lives in the
	// container's spec-version label, and deciding adopt-vs-replace from
	// an empty registry would adopt a container built from stale config.
	exists := false
	replace := false
	entry, lookupErr := s.getOrRehydrate(r, spec.InstanceName)
	switch {
	case lookupErr == nil:
		exists = true
		if spec.Version != 0 && spec.Version < entry.AppliedVersion {
			writeClassifiedError(w, errdefs.Conflictf(
				"spec version %d is older than applied version %d", spec.Version, entry.AppliedVersion))
			return
		}
		// A higher version means the spec changed. The old container
		// is replaced; adopting it would keep running stale config.
		replace = entry.AppliedVersion != 0 && spec.Version > entry.AppliedVersion
	case !errdefs.IsNotFound(lookupErr):
		writeClassifiedError(w, lookupErr)
		return
	}

	if spec.DesiredState == types.DesiredAbsent {
		status, err := s.removeLocked(r, &spec)
		if err != nil {
			writeClassifiedError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, status)
		return
	}

	if replace {
		if _, err := s.removeLocked(r, &spec); err != nil {
			writeClassifiedError(w, err)
			return
		}
		exists = false
	}

	adopted := exists

	createCtx, cancel := callCtx(r.Context())
	ref, err := s.runtime.Create(createCtx, &spec)
	cancel()
	if err != nil {
		s.publishError(&spec, err)
		writeClassifiedError(w, err)
		return
	}

	inspectCtx, cancel := callCtx(r.Context())
	obs, err := s.runtime.Inspect(inspectCtx, ref)
	cancel()
	if err != nil {
		writeClassifiedError(w, err)
		return
	}

	state := obs.State
	switch spec.DesiredState {
	case types.DesiredRunning:
		if state != types.StateRunning {
			startCtx, cancel := callCtx(r.Context())
			err = s.runtime.Start(startCtx, ref)
			cancel()
			if err != nil {
				s.recordFailure(&spec, err)
				writeClassifiedError(w, err)
				return
			}
			state = types.StateRunning
		}
	case types.DesiredStopped:
		if state == types.StateRunning {
			stopCtx, cancel := callCtx(r.Context())
			err = s.runtime.Stop(stopCtx, ref, spec.StopTimeout())
			cancel()
			if err != nil {
				s.recordFailure(&spec, err)
				writeClassifiedError(w, err)
				return
			}
			state = types.StateStopped
		}
	}

	entry = registry.Entry{
		InstanceName:   spec.InstanceName,
		InstanceID:     spec.InstanceID,
		ContainerRef:   ref,
		Spec:           spec,
		ActualState:    state,
		AppliedVersion: spec.Version,
	}
	s.registry.Upsert(entry)

	eventType := events.EventInstanceDeployed
	if adopted {
		eventType = events.EventInstanceAdopted
	}
	s.publish(&events.Event{
		Type:         eventType,
		NodeID:       s.cfg.NodeID,
		InstanceName: spec.InstanceName,
		After:        string(state),
	})

	writeJSON(w, http.StatusAccepted, s.entryStatus(entry))
}

// handleStart transitions an instance to running. A registry miss
// falls through to a live runtime lookup before reporting not-found,
// so a restarted agent can still start containers it did not create
// in this process lifetime.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	unlock := s.registry.LockName(name)
	defer unlock()

	entry, err := s.getOrRehydrate(r, name)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}

	startCtx, cancel := callCtx(r.Context())
	err = s.runtime.Start(startCtx, entry.ContainerRef)
	cancel()
	if err != nil {
		if errdefs.IsNotFound(err) {
			// Container vanished between lookup and start.
			s.registry.Delete(name)
		}
		s.recordFailure(&entry.Spec, err)
		writeClassifiedError(w, err)
		return
	}

	entry.ActualState = types.StateRunning
	entry.LastError = ""
	s.registry.Upsert(entry)
	s.publish(&events.Event{
		Type:         events.EventInstanceStarted,
		NodeID:       s.cfg.NodeID,
		InstanceName: name,
		After:        string(types.StateRunning),
	})
	writeJSON(w, http.StatusOK, s.entryStatus(entry))
}

// handleStop gracefully stops an instance, escalating to a kill after
// the spec's stop window.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	unlock := s.registry.LockName(name)
	defer unlock()

	entry, err := s.getOrRehydrate(r, name)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}

	stopCtx, cancel := callCtx(r.Context())
	err = s.runtime.Stop(stopCtx, entry.ContainerRef, entry.Spec.StopTimeout())
	cancel()
	if err != nil {
		if errdefs.IsNotFound(err) {
			s.registry.Delete(name)
		}
		s.recordFailure(&entry.Spec, err)
		writeClassifiedError(w, err)
		return
	}

	entry.ActualState = types.StateStopped
	entry.LastError = ""
	s.registry.Upsert(entry)
	s.publish(&events.Event{
		Type:         events.EventInstanceStopped,
		NodeID:       s.cfg.NodeID,
		InstanceName: name,
		After:        string(types.StateStopped),
	})
	writeJSON(w, http.StatusOK, s.entryStatus(entry))
}

// handleRemove deletes the instance's container. Removing an instance
// that is already gone succeeds, so the controller can retry removals
// blindly.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	unlock := s.registry.LockName(name)
	defer unlock()

	status, err := s.removeLocked(r, &types.ToolInstanceSpec{InstanceName: name})
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// removeLocked stops (if needed) and removes the named container. The
// caller holds the name lock.
func (s *Server) removeLocked(r *http.Request, spec *types.ToolInstanceSpec) (*types.ToolInstanceStatus, error) {
	name := spec.InstanceName

	entry, err := s.getOrRehydrate(r, name)
	if errdefs.IsNotFound(err) {
		// Already gone. Removal converges, it does not complain.
		return &types.ToolInstanceStatus{
			InstanceName:   name,
			NodeID:         s.cfg.NodeID,
			ActualState:    types.StateMissing,
			LastObservedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if entry.ActualState == types.StateRunning {
		stopCtx, cancel := callCtx(r.Context())
		err := s.runtime.Stop(stopCtx, entry.ContainerRef, spec.StopTimeout())
		cancel()
		if err != nil && !errdefs.IsNotFound(err) {
			s.recordFailure(&entry.Spec, err)
			return nil, err
		}
	}

	removeCtx, cancel := callCtx(r.Context())
	err = s.runtime.Remove(removeCtx, entry.ContainerRef)
	cancel()
	if err != nil && !errdefs.IsNotFound(err) {
		s.recordFailure(&entry.Spec, err)
		return nil, err
	}

	s.registry.Delete(name)
	s.publish(&events.Event{
		Type:         events.EventInstanceRemoved,
		NodeID:       s.cfg.NodeID,
		InstanceName: name,
		Before:       string(entry.ActualState),
		After:        string(types.StateMissing),
	})

	return &types.ToolInstanceStatus{
		InstanceID:     entry.InstanceID,
		InstanceName:   name,
		NodeID:         s.cfg.NodeID,
		ActualState:    types.StateMissing,
		AppliedVersion: entry.AppliedVersion,
		LastObservedAt: time.Now(),
	}, nil
}

// handleGet reports live state for one instance. The registry entry
// supplies identity; the answer always comes from a fresh inspect.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	entry, err := s.getOrRehydrate(r, name)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}

	inspectCtx, cancel := callCtx(r.Context())
	obs, err := s.runtime.Inspect(inspectCtx, entry.ContainerRef)
	cancel()
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	if obs.State == types.StateMissing {
		// The container was removed behind our back. Drop the stale
		// entry so the miss is honest next time too.
		s.registry.Delete(name)
		writeClassifiedError(w, errdefs.NotFoundf("instance %q not found", name))
		return
	}

	entry.ActualState = obs.State
	entry.LastError = obs.Error
	s.registry.Upsert(entry)
	writeJSON(w, http.StatusOK, s.entryStatus(entry))
}

// handleList reports every managed instance on this node, merging the
// engine's live listing with registry bookkeeping. Registry entries
// whose containers vanished are reported as missing rather than
// silently dropped; the controller uses that signal.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	listCtx, cancel := callCtx(r.Context())
	containers, err := s.runtime.ListManaged(listCtx)
	cancel()
	if err != nil {
		writeClassifiedError(w, err)
		return
	}

	now := time.Now()
	seen := make(map[string]bool, len(containers))
	statuses := make([]*types.ToolInstanceStatus, 0, len(containers))
	counts := make(map[types.ActualState]int)

	for _, c := range containers {
		seen[c.InstanceName] = true
		status := &types.ToolInstanceStatus{
			InstanceID:   c.InstanceID,
			InstanceName: c.InstanceName,
			NodeID:       s.cfg.NodeID,
			ContainerRef: c.Ref,
			ActualState:  c.State,
			// The label is the fallback; the registry knows better once
			// this process has acted on the instance.
			AppliedVersion: c.SpecVersion,
			LastObservedAt: now,
		}
		if entry, ok := s.registry.Get(c.InstanceName); ok {
			status.AppliedVersion = entry.AppliedVersion
			status.LastError = entry.LastError
		}
		statuses = append(statuses, status)
		counts[c.State]++
	}

	for _, entry := range s.registry.ListAll() {
		if seen[entry.InstanceName] {
			continue
		}
		statuses = append(statuses, &types.ToolInstanceStatus{
			InstanceID:     entry.InstanceID,
			InstanceName:   entry.InstanceName,
			NodeID:         s.cfg.NodeID,
			ContainerRef:   entry.ContainerRef,
			ActualState:    types.StateMissing,
			AppliedVersion: entry.AppliedVersion,
			LastError:      entry.LastError,
			LastObservedAt: now,
		})
		counts[types.StateMissing]++
	}

	for state, n := range counts {
		metrics.InstancesByState.WithLabelValues(s.cfg.NodeID, string(state)).Set(float64(n))
	}

	writeJSON(w, http.StatusOK, statuses)
}

// handleHealth reports process liveness plus whether the container
// engine answers. Unauthenticated so external probes can use it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pingCtx, cancel := callCtx(r.Context())
	pingErr := s.runtime.Ping(pingCtx)
	cancel()

	resp := types.NodeHealth{
		NodeID:           s.cfg.NodeID,
		Status:           "healthy",
		RuntimeReachable: pingErr == nil,
		Instances:        s.registry.Len(),
		Timestamp:        time.Now(),
	}
	status := http.StatusOK
	if pingErr != nil {
		resp.Status = "degraded"
		resp.Message = pingErr.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// getOrRehydrate resolves name to a registry entry, falling back to a
// live runtime lookup on a cache miss.
func (s *Server) getOrRehydrate(r *http.Request, name string) (registry.Entry, error) {
	if entry, ok := s.registry.Get(name); ok {
		return entry, nil
	}
	ctx, cancel := callCtx(r.Context())
	defer cancel()
	return s.registry.RehydrateOne(ctx, s.runtime, name)
}

// recordFailure stamps the error on the registry entry and emits an
// instance.error event.
func (s *Server) recordFailure(spec *types.ToolInstanceSpec, err error) {
	logger := log.WithInstance(spec.InstanceName)
	logger.Warn().
		Err(err).
		Str("node_id", s.cfg.NodeID).
		Msg("lifecycle operation failed")

	if entry, ok := s.registry.Get(spec.InstanceName); ok {
		entry.LastError = err.Error()
		if errdefs.IsPermanent(err) {
			entry.ActualState = types.StateError
		}
		s.registry.Upsert(entry)
	}
	s.publishError(spec, err)
}

func (s *Server) publishError(spec *types.ToolInstanceSpec, err error) {
	s.publish(&events.Event{
		Type:         events.EventInstanceError,
		NodeID:       s.cfg.NodeID,
		InstanceName: spec.InstanceName,
		Message:      err.Error(),
	})
}

func (s *Server) entryStatus(entry registry.Entry) *types.ToolInstanceStatus {
	return &types.ToolInstanceStatus{
		InstanceID:     entry.InstanceID,
		InstanceName:   entry.InstanceName,
		NodeID:         s.cfg.NodeID,
		ContainerRef:   entry.ContainerRef,
		ActualState:    entry.ActualState,
		LastError:      entry.LastError,
		AppliedVersion: entry.AppliedVersion,
		LastObservedAt: time.Now(),
	}
}
