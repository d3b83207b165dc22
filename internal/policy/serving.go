package policy

import (
	"errors"
	"hash/fnv"
	"sync/atomic"
)

// ErrNoActivePolicy is returned by Store.ActionFor when no snapshot has been
// installed; callers fall back to the rule table (and log degraded mode).
var ErrNoActivePolicy = errors.New("no active policy snapshot")

// rollout pairs a candidate snapshot with the fraction of sources assigned
// to it. Stored behind its own atomic pointer so beginning and ending a
// rollout never disturbs the active snapshot.
type rollout struct {
	candidate *Snapshot
	fraction  int // percent of sources, 0-100
}

// Store serves the active policy to sessions. Reads are lock-free: the
// active snapshot and any in-flight rollout live behind atomic pointers and
// are replaced wholesale, never mutated. Training runs elsewhere and only
// touches the store through SetActive/BeginRollout/EndRollout.
type Store struct {
	active  atomic.Pointer[Snapshot]
	rollout atomic.Pointer[rollout]
}

// NewStore returns an empty serving store. Call SetActive (typically with a
// snapshot recovered from persistence, or FallbackSnapshot) before serving.
func NewStore() *Store {
	return &Store{}
}

// Active returns the currently served snapshot, or nil.
func (s *Store) Active() *Snapshot {
	return s.active.Load()
}

// SetActive atomically replaces the active snapshot.
func (s *Store) SetActive(snap *Snapshot) {
	s.active.Store(snap)
}

// BeginRollout starts serving candidate to the given percent of sources.
// Assignment is stable per source for the candidate's version.
func (s *Store) BeginRollout(candidate *Snapshot, fraction int) {
	if candidate == nil || fraction <= 0 {
		return
	}
	if fraction > 100 {
		fraction = 100
	}
	s.rollout.Store(&rollout{candidate: candidate, fraction: fraction})
}

// EndRollout stops serving any candidate. Sources in the cohort immediately
// resume the active snapshot; this is the whole rollback mechanism.
func (s *Store) EndRollout() {
	s.rollout.Store(nil)
}

// RolloutVersion returns the candidate version and fraction of the in-flight
// rollout, or (0, 0) when none is running.
func (s *Store) RolloutVersion() (int64, int) {
	r := s.rollout.Load()
	if r == nil {
		return 0, 0
	}
	return r.candidate.Version, r.fraction
}

// ActionFor returns the action for a source in the given state along with
// the version that served it. The snapshot is chosen per source: cohort
// members read the rollout candidate, everyone else reads the active
// snapshot. States missing from the table get the rule-table action.
func (s *Store) ActionFor(sourceID string, st State) (Action, int64, error) {
	snap := s.active.Load()
	if r := s.rollout.Load(); r != nil && InCohort(sourceID, r.candidate.Version, r.fraction) {
		snap = r.candidate
	}
	if snap == nil {
		return Action{}, 0, ErrNoActivePolicy
	}
	if a, ok := snap.Lookup(st); ok {
		return a, snap.Version, nil
	}
	return FallbackAction(st), snap.Version, nil
}

// InCohort reports whether a source belongs to the rollout cohort for a
// candidate version at the given fraction. The assignment hashes source and
// version together so it is stable for the life of one rollout but reshuffles
// between rollouts, keeping any per-source bias from sticking to the same
// cohort across candidates.
func InCohort(sourceID string, version int64, fraction int) bool {
	if fraction <= 0 {
		return false
	}
	if fraction >= 100 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(sourceID))
	var vb [8]byte
	v := uint64(version)
	for i := 0; i < 8; i++ {
		vb[i] = byte(v >> (8 * i))
	}
	h.Write(vb[:])
	return int(h.Sum32()%100) < fraction
}
