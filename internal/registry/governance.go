package registry

import (
	"time"

	"mnnet/internal/metrics"
	"mnnet/internal/proto"
)

// AddDirtyGovernanceObjectHash queues h for the governance collaborator.
func (r *Registry) AddDirtyGovernanceObjectHash(h [32]byte) {
	r.mu.Lock()
	r.dirtyGovernance = append(r.dirtyGovernance, h)
	r.mu.Unlock()
}

// GetAndClearDirtyGovernanceObjectHashes hands the queue to the caller and
// starts a new one.
func (r *Registry) GetAndClearDirtyGovernanceObjectHashes() [][32]byte {
	r.mu.Lock()
	out := r.dirtyGovernance
	r.dirtyGovernance = nil
	r.mu.Unlock()
	return out
}

func (r *Registry) AddGovernanceVote(op proto.Outpoint, h [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.entries[op]
	if !ok {
		return ErrNotInRegistry
	}
	mn.AddGovernanceHash(h)
	return nil
}

func (r *Registry) RemoveGovernanceObject(h [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mn := range r.entries {
		mn.RemoveGovernanceHash(h)
	}
}

// UpdateWatchdogVoteTime records a watchdog vote from op.
func (r *Registry) UpdateWatchdogVoteTime(op proto.Outpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.entries[op]
	if !ok {
		return ErrNotInRegistry
	}
	now := r.now().Unix()
	mn.LastWatchdogVote = now
	r.lastWatchdogVote = now
	return nil
}

func (r *Registry) IsWatchdogActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watchdogActiveLocked(r.now())
}

func metricsEvent(kind string, op proto.Outpoint, at time.Time) metrics.Event {
	return metrics.Event{Kind: kind, Outpoint: op.String(), At: at.UTC()}
}
