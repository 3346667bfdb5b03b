// Package vectorindex implements the on-disk HNSW vector index (C11): a
// single hierarchical navigable small-world graph over L2 distance,
// persisted as a binary file, with dimension self-detection, auto-resize,
// dimension-migration-as-tagged-result, and a debounced flush.
//
// Grounded on node/protocol.go's cbor-tagged wire structs (the teacher's
// only binary-serialization code in the pack) — repurposed here from a
// network protocol's framing to the HNSW graph's on-disk snapshot format.
package vectorindex

import (
	"container/heap"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrDimensionMigrated is returned by Upsert when an incoming embedding's
// length differs from the index's detected dimension. The index has
// already rebuilt itself empty at the new dimension; the caller (C10) is
// expected to reset dependent rows and retry (spec §4.11: "throw
// DimensionMigration; C10 retries naturally" — modeled here as a tagged
// error result rather than a panic, per Go idiom).
var ErrDimensionMigrated = errors.New("vectorindex: dimension migrated, rebuild in progress")

const (
	defaultM              = 16
	defaultMMax0          = 32
	defaultEfConstruction = 200
	defaultEfSearch       = 64
	capacityHeadroom      = 5000
	flushDebounce         = 500 * time.Millisecond
)

// Result is one searchKnn hit.
type Result struct {
	DocID string
	Score float64 // L2 distance; lower is closer
}

type node struct {
	ID        string    `cbor:"id"`
	Vec       []float32 `cbor:"vec"`
	Level     int       `cbor:"level"`
	Neighbors [][]string `cbor:"neighbors"` // per-level neighbor id lists
}

// snapshot is the on-disk binary format.
type snapshot struct {
	Dimension   int             `cbor:"dimension"`
	MaxElements int             `cbor:"max_elements"`
	EntryPoint  string          `cbor:"entry_point"`
	MaxLevel    int             `cbor:"max_level"`
	Nodes       map[string]*node `cbor:"nodes"`
}

// Index is a single HNSW graph plus its persistence and resize policy.
type Index struct {
	mu sync.RWMutex

	path        string
	dimension   int // 0 until detected
	maxElements int
	entryPoint  string
	maxLevel    int
	nodes       map[string]*node

	m              int
	mMax0          int
	efConstruction int
	efSearch       int

	flushMu    sync.Mutex
	flushTimer *time.Timer
	dirty      bool
}

// Open loads path if it exists and parses. A missing file gives a fresh,
// empty index; corrupt contents give a fresh, empty index and a logged
// fallback; any other read error is returned.
func Open(path string, defaultDimension int) (*Index, error) {
	idx := &Index{
		path:           path,
		dimension:      defaultDimension,
		maxElements:    capacityHeadroom,
		nodes:          make(map[string]*node),
		m:              defaultM,
		mMax0:          defaultMMax0,
		efConstruction: defaultEfConstruction,
		efSearch:       defaultEfSearch,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("vectorindex: read %s: %w", path, err)
	}

	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		log.Printf("[vectorindex] corrupt index file %s, starting fresh: %v", path, err)
		return idx, nil
	}

	idx.dimension = snap.Dimension
	idx.entryPoint = snap.EntryPoint
	idx.maxLevel = snap.MaxLevel
	idx.nodes = snap.Nodes
	if idx.nodes == nil {
		idx.nodes = make(map[string]*node)
	}
	idx.maxElements = maxInt(snap.MaxElements, len(idx.nodes)+capacityHeadroom)
	return idx, nil
}

// CorruptReset reports whether the index is empty (no entry point and no
// nodes); callers use this to decide whether dependent rows need a forced
// rebuild. It does not tell a corrupt file apart from a missing file or a
// saved empty graph: all three report true.
func (idx *Index) CorruptReset() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entryPoint == "" && len(idx.nodes) == 0
}

// Count returns the number of vectors currently indexed.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Dimension returns the detected embedding dimension, or 0 if none yet.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dimension
}

// Upsert inserts or replaces docID's vector. If the index's dimension is
// nonzero (detected, or Open's default) and vec's length doesn't match it,
// the index is rebuilt empty at the new dimension, whether or not it held
// any vectors, and ErrDimensionMigrated is
// returned — the caller must reset dependent rows to pending and retry.
func (idx *Index) Upsert(docID string, vec []float32) error {
	idx.mu.Lock()

	if idx.dimension == 0 {
		idx.dimension = len(vec)
	} else if len(vec) != idx.dimension {
		idx.migrateLocked(len(vec))
		idx.mu.Unlock()
		return ErrDimensionMigrated
	}

	if existing, ok := idx.nodes[docID]; ok {
		idx.removeLocked(existing)
	}

	if len(idx.nodes) >= idx.maxElements {
		idx.maxElements += capacityHeadroom
		log.Printf("[vectorindex] auto-resized to %d elements", idx.maxElements)
	}

	idx.insertLocked(docID, vec)
	idx.dirty = true
	idx.mu.Unlock()

	idx.RequestFlush()
	return nil
}

// migrateLocked resets the graph to empty at the new dimension. Caller
// holds idx.mu.
func (idx *Index) migrateLocked(newDimension int) {
	log.Printf("[vectorindex] dimension changed %d -> %d, rebuilding index", idx.dimension, newDimension)
	idx.dimension = newDimension
	idx.nodes = make(map[string]*node)
	idx.entryPoint = ""
	idx.maxLevel = 0
	idx.maxElements = capacityHeadroom
	idx.dirty = true
}

func (idx *Index) removeLocked(n *node) {
	for level, neighbors := range n.Neighbors {
		for _, otherID := range neighbors {
			other, ok := idx.nodes[otherID]
			if !ok || level >= len(other.Neighbors) {
				continue
			}
			other.Neighbors[level] = removeID(other.Neighbors[level], n.ID)
		}
	}
	delete(idx.nodes, n.ID)
	if idx.entryPoint == n.ID {
		idx.entryPoint = ""
		for id := range idx.nodes {
			idx.entryPoint = id
			break
		}
	}
}

func (idx *Index) insertLocked(docID string, vec []float32) {
	level := randomLevel(idx.m)
	n := &node{ID: docID, Vec: vec, Level: level, Neighbors: make([][]string, level+1)}
	for i := range n.Neighbors {
		n.Neighbors[i] = nil
	}
	idx.nodes[docID] = n

	if idx.entryPoint == "" {
		idx.entryPoint = docID
		idx.maxLevel = level
		return
	}

	curr := idx.entryPoint
	for lc := idx.maxLevel; lc > level; lc-- {
		curr = idx.greedyNearest(vec, curr, lc)
	}

	for lc := minInt(level, idx.maxLevel); lc >= 0; lc-- {
		candidates := idx.searchLayer(vec, []string{curr}, idx.efConstruction, lc)
		mMax := idx.m
		if lc == 0 {
			mMax = idx.mMax0
		}
		selected := selectNeighborsSimple(candidates, mMax)

		n.Neighbors[lc] = selected
		for _, otherID := range selected {
			other := idx.nodes[otherID]
			for len(other.Neighbors) <= lc {
				other.Neighbors = append(other.Neighbors, nil)
			}
			other.Neighbors[lc] = append(other.Neighbors[lc], docID)
			if len(other.Neighbors[lc]) > mMax {
				trimmed := idx.searchLayer(other.Vec, other.Neighbors[lc], mMax, lc)
				other.Neighbors[lc] = selectNeighborsSimple(trimmed, mMax)
			}
		}
		if len(candidates) > 0 {
			curr = candidates[0].id
		}
	}

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = docID
	}
}

// SearchKnn returns the topK nearest neighbors to vec by L2 distance. It
// returns an empty result (no error) when the index is empty or vec's
// dimension doesn't match — spec §4.11 treats this as non-fatal.
func (idx *Index) SearchKnn(vec []float32, topK int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.nodes) == 0 || idx.dimension == 0 || len(vec) != idx.dimension {
		if len(idx.nodes) > 0 && len(vec) != idx.dimension {
			log.Printf("[vectorindex] searchKnn: dimension mismatch (query=%d, index=%d)", len(vec), idx.dimension)
		}
		return nil
	}

	curr := idx.entryPoint
	for lc := idx.maxLevel; lc > 0; lc-- {
		curr = idx.greedyNearest(vec, curr, lc)
	}

	ef := maxInt(idx.efSearch, topK)
	candidates := idx.searchLayer(vec, []string{curr}, ef, 0)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{DocID: c.id, Score: c.dist}
	}
	return out
}

// RequestFlush schedules a debounced persist; repeated calls within
// flushDebounce coalesce into a single write (spec §4.11).
func (idx *Index) RequestFlush() {
	idx.flushMu.Lock()
	defer idx.flushMu.Unlock()

	if idx.flushTimer != nil {
		idx.flushTimer.Stop()
	}
	idx.flushTimer = time.AfterFunc(flushDebounce, func() {
		if err := idx.Flush(); err != nil {
			log.Printf("[vectorindex] flush failed: %v", err)
		}
	})
}

// Flush persists the index to disk synchronously.
func (idx *Index) Flush() error {
	idx.mu.RLock()
	if !idx.dirty {
		idx.mu.RUnlock()
		return nil
	}
	snap := snapshot{
		Dimension:   idx.dimension,
		MaxElements: idx.maxElements,
		EntryPoint:  idx.entryPoint,
		MaxLevel:    idx.maxLevel,
		Nodes:       idx.nodes,
	}
	idx.mu.RUnlock()

	data, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("vectorindex: marshal snapshot: %w", err)
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("vectorindex: write temp file: %w", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return fmt.Errorf("vectorindex: rename temp file: %w", err)
	}

	idx.mu.Lock()
	idx.dirty = false
	idx.mu.Unlock()
	return nil
}

// distCandidate pairs a node id with its distance from some query vector.
type distCandidate struct {
	id   string
	dist float64
}

func (idx *Index) greedyNearest(vec []float32, from string, level int) string {
	curr := from
	curDist := idx.distanceTo(vec, curr)
	for {
		n, ok := idx.nodes[curr]
		if !ok || level >= len(n.Neighbors) {
			return curr
		}
		improved := false
		for _, neighborID := range n.Neighbors[level] {
			d := idx.distanceTo(vec, neighborID)
			if d < curDist {
				curDist = d
				curr = neighborID
				improved = true
			}
		}
		if !improved {
			return curr
		}
	}
}

// searchLayer performs the standard HNSW greedy best-first search at one
// layer, returning up to ef candidates sorted nearest-first.
func (idx *Index) searchLayer(vec []float32, entryPoints []string, ef int, level int) []distCandidate {
	visited := make(map[string]bool, ef*2)
	candidates := &minHeap{}
	found := &maxHeap{}
	heap.Init(candidates)
	heap.Init(found)

	for _, id := range entryPoints {
		if visited[id] {
			continue
		}
		visited[id] = true
		d := idx.distanceTo(vec, id)
		heap.Push(candidates, distCandidate{id, d})
		heap.Push(found, distCandidate{id, d})
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(distCandidate)
		if found.Len() >= ef && c.dist > (*found)[0].dist {
			break
		}
		n, ok := idx.nodes[c.id]
		if !ok || level >= len(n.Neighbors) {
			continue
		}
		for _, neighborID := range n.Neighbors[level] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true
			d := idx.distanceTo(vec, neighborID)
			if found.Len() < ef || d < (*found)[0].dist {
				heap.Push(candidates, distCandidate{neighborID, d})
				heap.Push(found, distCandidate{neighborID, d})
				if found.Len() > ef {
					heap.Pop(found)
				}
			}
		}
	}

	out := make([]distCandidate, found.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(found).(distCandidate)
	}
	return out
}

func (idx *Index) distanceTo(vec []float32, id string) float64 {
	n, ok := idx.nodes[id]
	if !ok {
		return math.Inf(1)
	}
	return l2Distance(vec, n.Vec)
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	n := minInt(len(a), len(b))
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func selectNeighborsSimple(candidates []distCandidate, m int) []string {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

func randomLevel(m int) int {
	level := 0
	mL := 1.0 / math.Log(float64(m))
	for rand.Float64() < math.Exp(-1/mL) && level < 32 {
		level++
	}
	return level
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
