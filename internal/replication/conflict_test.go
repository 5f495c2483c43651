package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/poslink/lansync/internal/model"
)

func TestResolver_LastWriteWins(t *testing.T) {
	r := NewResolver(model.ConflictLastWriteWins)

	older := &model.ChangeRecord{ID: "a", Timestamp: 100, OriginInstanceID: "inst-1"}
	newer := &model.ChangeRecord{ID: "b", Timestamp: 200, OriginInstanceID: "inst-2"}

	assert.Equal(t, ApplyIncoming, r.Resolve(older, newer, ""))
	assert.Equal(t, KeepLocal, r.Resolve(newer, older, ""))
}

// Whichever side receives the pair, both instances must converge on
// the same record.
func TestResolver_LastWriteWins_Commutative(t *testing.T) {
	r := NewResolver(model.ConflictLastWriteWins)

	a := &model.ChangeRecord{ID: "a", Timestamp: 100, OriginInstanceID: "inst-1"}
	b := &model.ChangeRecord{ID: "b", Timestamp: 200, OriginInstanceID: "inst-2"}

	// Instance holding a receives b: applies b.
	assert.Equal(t, ApplyIncoming, r.Resolve(a, b, ""))
	// Instance holding b receives a: keeps b.
	assert.Equal(t, KeepLocal, r.Resolve(b, a, ""))
}

func TestResolver_LastWriteWins_TimestampTie(t *testing.T) {
	r := NewResolver(model.ConflictLastWriteWins)

	fromA := &model.ChangeRecord{ID: "a", Timestamp: 100, OriginInstanceID: "inst-a"}
	fromB := &model.ChangeRecord{ID: "b", Timestamp: 100, OriginInstanceID: "inst-b"}

	// Both sides pick the record from the smaller instance id.
	assert.Equal(t, KeepLocal, r.Resolve(fromA, fromB, ""))
	assert.Equal(t, ApplyIncoming, r.Resolve(fromB, fromA, ""))
}

func TestResolver_MasterWins(t *testing.T) {
	r := NewResolver(model.ConflictMasterWins)

	fromMaster := &model.ChangeRecord{ID: "a", Timestamp: 100, OriginInstanceID: "master-inst"}
	fromSlave := &model.ChangeRecord{ID: "b", Timestamp: 999, OriginInstanceID: "slave-inst"}

	// The master's record wins regardless of timestamp.
	assert.Equal(t, ApplyIncoming, r.Resolve(fromSlave, fromMaster, "master-inst"))
	assert.Equal(t, KeepLocal, r.Resolve(fromMaster, fromSlave, "master-inst"))
}

func TestResolver_Manual(t *testing.T) {
	r := NewResolver(model.ConflictManual)

	a := &model.ChangeRecord{ID: "a", Timestamp: 100}
	b := &model.ChangeRecord{ID: "b", Timestamp: 200}

	assert.Equal(t, Escalate, r.Resolve(a, b, ""))
}

func TestResolver_SetStrategy(t *testing.T) {
	r := NewResolver(model.ConflictLastWriteWins)
	r.SetStrategy(model.ConflictManual)
	assert.Equal(t, model.ConflictManual, r.Strategy())

	// Invalid strategies are ignored.
	r.SetStrategy(model.ConflictStrategy("nonsense"))
	assert.Equal(t, model.ConflictManual, r.Strategy())
}
