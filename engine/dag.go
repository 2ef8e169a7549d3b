package engine

import (
	"sort"
	"sync"

	"github.com/heimdalr/dag"

	"github.com/0xPolygon/pdes/objectid"
	"github.com/0xPolygon/pdes/universe"
)

// commitRecord is one committed transaction's read/write footprint over
// objects — the minimum needed to later reconstruct which committed
// transactions causally preceded which, without re-deriving it from the
// (by-then-mutated) object histories themselves.
type commitRecord struct {
	tx     universe.TxnID
	reads  map[objectid.ObjectId]struct{}
	writes map[objectid.ObjectId]struct{}
}

// DependencyGraph is a read-only diagnostic DAG over committed
// transactions' object read/write overlap: vertices are committed
// Transaction ids and an edge txFrom->txTo means txTo's read-set overlaps
// txFrom's write-set, built from the commit log the SimulationEngine already
// keeps as it drives drivers forward. The commit algorithm never consults
// this graph; it exists purely for a caller to inspect the critical path of
// committed work.
type DependencyGraph struct {
	mu      sync.Mutex
	records []commitRecord
}

func newDependencyGraph() *DependencyGraph {
	return &DependencyGraph{}
}

func (g *DependencyGraph) record(tx universe.TxnID, reads, writes map[objectid.ObjectId]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = append(g.records, commitRecord{tx: tx, reads: reads, writes: writes})
}

// hasReadDep reports whether txTo's reads overlap txFrom's writes.
func hasReadDep(txFrom, txTo commitRecord) bool {
	for o := range txTo.reads {
		if _, ok := txFrom.writes[o]; ok {
			return true
		}
	}
	return false
}

// buildGraph constructs one vertex per committed transaction and one edge
// txFrom->txTo per overlapping read/write pair, a backward O(n^2) scan.
// Diagnostics only — never called from the commit path.
func buildGraph(records []commitRecord) (*dag.DAG, map[string]universe.TxnID) {
	d := dag.NewDAG()
	ids := make([]string, len(records))
	idToTxn := make(map[string]universe.TxnID, len(records))

	ensureVertex := func(i int) string {
		if ids[i] == "" {
			id, _ := d.AddVertex(records[i].tx)
			ids[i] = id
			idToTxn[id] = records[i].tx
		}
		return ids[i]
	}

	for i := len(records) - 1; i >= 0; i-- {
		to := ensureVertex(i)
		for j := i - 1; j >= 0; j-- {
			if hasReadDep(records[j], records[i]) {
				from := ensureVertex(j)
				_ = d.AddEdge(from, to)
			}
		}
	}

	return d, idToTxn
}

// Build returns the dependency DAG over every commit recorded so far.
func (g *DependencyGraph) Build() *dag.DAG {
	g.mu.Lock()
	records := append([]commitRecord(nil), g.records...)
	g.mu.Unlock()

	d, _ := buildGraph(records)
	return d
}

// VertexCount reports how many committed transactions are tracked.
func (g *DependencyGraph) VertexCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

// LongestPath returns the committed-transaction ids along the DAG's longest
// dependency chain and its length in hops. A committed transaction in this
// kernel has no fixed execution duration, so hops stand in for weights.
func (g *DependencyGraph) LongestPath() ([]universe.TxnID, int) {
	g.mu.Lock()
	records := append([]commitRecord(nil), g.records...)
	g.mu.Unlock()

	d, idToTxn := buildGraph(records)

	// Edges only run from an earlier record to a later one, so visiting
	// vertices in record (commit) order is a topological order.
	order := make(map[universe.TxnID]int, len(records))
	for i, r := range records {
		order[r.tx] = i
	}
	ids := make([]string, 0, len(idToTxn))
	for id := range idToTxn {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		return order[idToTxn[ids[a]]] < order[idToTxn[ids[b]]]
	})

	depth := make(map[string]int, len(ids))
	prev := make(map[string]string, len(ids))

	var bestID string
	best := -1
	for _, id := range ids {
		parents, _ := d.GetParents(id)
		d0, p0 := 0, ""
		for p := range parents {
			if depth[p]+1 > d0 {
				d0 = depth[p] + 1
				p0 = p
			}
		}
		depth[id] = d0
		prev[id] = p0
		if d0 > best {
			best = d0
			bestID = id
		}
	}

	if bestID == "" {
		return nil, 0
	}

	var path []universe.TxnID
	for id := bestID; id != ""; id = prev[id] {
		path = append(path, idToTxn[id])
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, best
}
