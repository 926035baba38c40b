package room

// genTable is a generational-index map keyed by peer-id. It exists so a
// stale peer-id — one that belonged to a connection which has since
// closed and whose id could in principle be reused — resolves to "gone"
// instead of silently returning a new, unrelated peer. Per the Design
// Notes' "arena + generational index" guidance for peer/transfer tables
// keyed by a weak-lifecycle id.
type genTable struct {
	slots map[string]genEntry
}

type genEntry struct {
	generation uint64
	peer       *peerRecord
}

func newGenTable() *genTable {
	return &genTable{slots: make(map[string]genEntry)}
}

// put inserts or replaces the peer at id, bumping its generation.
func (t *genTable) put(id string, p *peerRecord) {
	t.slots[id] = genEntry{generation: t.slots[id].generation + 1, peer: p}
}

// get returns the peer at id if it is still live.
func (t *genTable) get(id string) (*peerRecord, bool) {
	e, ok := t.slots[id]
	if !ok || e.peer == nil {
		return nil, false
	}
	return e.peer, true
}

// remove marks id as gone without forgetting its generation, so a later
// put under the same id is distinguishable from the original occupant.
func (t *genTable) remove(id string) {
	if e, ok := t.slots[id]; ok {
		t.slots[id] = genEntry{generation: e.generation, peer: nil}
	}
}

// all returns every live peer, in join order is not guaranteed here —
// callers that need roster order sort by peerRecord.joinedAt themselves.
func (t *genTable) all() []*peerRecord {
	out := make([]*peerRecord, 0, len(t.slots))
	for _, e := range t.slots {
		if e.peer != nil {
			out = append(out, e.peer)
		}
	}
	return out
}

func (t *genTable) len() int {
	n := 0
	for _, e := range t.slots {
		if e.peer != nil {
			n++
		}
	}
	return n
}
