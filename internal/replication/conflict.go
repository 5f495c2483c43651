package replication

import (
	"sync"

	"github.com/poslink/lansync/internal/model"
)

// Decision is the outcome of resolving one record collision.
type Decision int

const (
	// ApplyIncoming applies the incoming record; the local version loses.
	ApplyIncoming Decision = iota
	// KeepLocal discards the incoming record.
	KeepLocal
	// Escalate applies neither; both versions go to clients for manual
	// resolution.
	Escalate
)

func (d Decision) String() string {
	switch d {
	case ApplyIncoming:
		return "apply-incoming"
	case KeepLocal:
		return "keep-local"
	case Escalate:
		return "escalate"
	}
	return "unknown"
}

// Resolver applies the configured conflict strategy to colliding
// change records. The strategy is swappable at runtime.
type Resolver struct {
	mu       sync.RWMutex
	strategy model.ConflictStrategy
}

// NewResolver creates a resolver with the given strategy.
func NewResolver(strategy model.ConflictStrategy) *Resolver {
	if !strategy.Valid() {
		strategy = model.ConflictLastWriteWins
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the active strategy.
func (r *Resolver) Strategy() model.ConflictStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// SetStrategy hot-swaps the active strategy.
func (r *Resolver) SetStrategy(strategy model.ConflictStrategy) {
	if !strategy.Valid() {
		return
	}
	r.mu.Lock()
	r.strategy = strategy
	r.mu.Unlock()
}

// Resolve decides between a local record and an incoming one for the
// same entity. masterInstanceID is the instance currently advertising
// as master, used by the master-wins strategy.
//
// Under last-write-wins the larger origin timestamp wins; an exact tie
// is broken by the lexicographically smaller origin instance id so
// that both sides converge on the same record.
func (r *Resolver) Resolve(local, incoming *model.ChangeRecord, masterInstanceID string) Decision {
	switch r.Strategy() {
	case model.ConflictMasterWins:
		if masterInstanceID != "" && incoming.OriginInstanceID == masterInstanceID {
			return ApplyIncoming
		}
		return KeepLocal

	case model.ConflictManual:
		return Escalate

	default: // last-write-wins
		if incoming.Timestamp > local.Timestamp {
			return ApplyIncoming
		}
		if incoming.Timestamp == local.Timestamp &&
			incoming.OriginInstanceID < local.OriginInstanceID {
			return ApplyIncoming
		}
		return KeepLocal
	}
}
