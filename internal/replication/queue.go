package replication

import (
	"sync"

	"github.com/poslink/lansync/internal/model"
)

// changeQueue is the in-memory sliding window of change records.
// Records enter in receipt order and are pruned by origin timestamp.
type changeQueue struct {
	mu      sync.RWMutex
	records []*model.ChangeRecord
}

func newChangeQueue() *changeQueue {
	return &changeQueue{}
}

func (q *changeQueue) push(rec *model.ChangeRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
}

// latestFor returns the most recent record targeting the same entity,
// or nil when the queue holds none.
func (q *changeQueue) latestFor(entityType, entityID string) *model.ChangeRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var latest *model.ChangeRecord
	for _, rec := range q.records {
		if rec.EntityType != entityType || rec.EntityID != entityID {
			continue
		}
		if latest == nil || rec.Timestamp > latest.Timestamp {
			latest = rec
		}
	}
	return latest
}

// pruneBefore drops records with an origin timestamp older than the
// cutoff (unix ms) and reports how many were removed.
func (q *changeQueue) pruneBefore(cutoff int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.records[:0]
	removed := 0
	for _, rec := range q.records {
		if rec.Timestamp >= cutoff {
			kept = append(kept, rec)
		} else {
			removed++
		}
	}
	// Zero the tail so pruned records can be collected.
	for i := len(kept); i < len(q.records); i++ {
		q.records[i] = nil
	}
	q.records = kept
	return removed
}

func (q *changeQueue) size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.records)
}

// window returns a copy of the current queue contents in receipt order.
func (q *changeQueue) window() []*model.ChangeRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*model.ChangeRecord, len(q.records))
	copy(out, q.records)
	return out
}
