package state

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// #region snapshot
// Snapshot is an immutable view of the live weight configuration. Readers
// never see a partial update: the registry replaces whole snapshots.
type Snapshot struct {
	Active        *WeightConfig
	Stable        *WeightConfig // set only while a canary runs
	CanaryPercent int
	CanaryRunID   string
}

// InCanary reports whether sessionID falls in the first percent of 100
// buckets. The assignment is stable for a session.
func InCanary(sessionID string, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	return xxhash.Sum64String(sessionID)%100 < uint64(percent)
}

// ConfigFor resolves the config a session should be scored under.
func (s *Snapshot) ConfigFor(sessionID string) *WeightConfig {
	if s.Stable == nil || s.CanaryPercent <= 0 {
		return s.Active
	}
	if InCanary(sessionID, s.CanaryPercent) {
		return s.Active
	}
	return s.Stable
}
// #endregion snapshot

// #region registry
// Registry holds the current Snapshot behind an atomic pointer.
type Registry struct {
	store   *Store
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry serving the built-in weights until Load succeeds.
func NewRegistry(store *Store) *Registry {
	r := &Registry{store: store}
	r.current.Store(&Snapshot{Active: BuiltinConfig()})
	return r
}

// Load rebuilds the snapshot from the store and swaps it in.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	p, err := r.store.Pointer(ctx)
	if err != nil {
		return fmt.Errorf("load pointer: %w", err)
	}
	active, err := r.store.GetVersion(ctx, p.Version)
	if err != nil {
		return fmt.Errorf("load active: %w", err)
	}
	snap := &Snapshot{Active: &active}
	if p.CanaryActive() {
		stable, err := r.store.GetVersion(ctx, p.StableVersion)
		if err != nil {
			return fmt.Errorf("load stable: %w", err)
		}
		snap.Stable = &stable
		snap.CanaryPercent = p.CanaryPercent
		snap.CanaryRunID = p.CanaryRunID
	}
	r.Swap(snap)
	return nil
}

// Swap replaces the snapshot whole.
func (r *Registry) Swap(s *Snapshot) {
	r.current.Store(s)
}

// Current returns the live snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// ConfigFor resolves the config for sessionID against the live snapshot.
func (r *Registry) ConfigFor(sessionID string) *WeightConfig {
	return r.Current().ConfigFor(sessionID)
}
// #endregion registry
