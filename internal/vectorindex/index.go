// Package vectorindex implements an in-memory flat L2 index over
// fixed-dimension embeddings with a position-ordered chunk id list and
// crash-safe snapshot persistence. The id list and the vector table
// always have equal length and matching order; that invariant is what
// keeps the index consistent with the record store.
package vectorindex

import (
	"fmt"
	"sort"
	"sync"
)

// SearchResult is one ranked hit. Distance is squared L2, lower is
// more similar, matching what the confidence heuristic downstream was
// tuned on.
type SearchResult struct {
	ChunkID  string
	Distance float32
}

// Index is a flat (exhaustive) L2 index. Search runs concurrently with
// other searches; Add and Save are exclusive writers and are excluded
// from searches.
type Index struct {
	mu   sync.RWMutex
	dim  int
	data []float32 // row-major, len == dim * len(ids)
	ids  []string
	// known mirrors ids for O(1) dedup; repeated ingestion of the same
	// source would otherwise corrupt the index with duplicate slots.
	known map[string]struct{}

	dir string
	gen uint64
}

// Open loads the index snapshot under dir, or starts empty when no
// snapshot exists. A snapshot failing the consistency check starts the
// index empty and returns a *CorruptionError so the caller can log it;
// corrupt state is never silently repaired, ingestion must be re-run.
func Open(dir string, dim int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector index dimension must be positive, got %d", dim)
	}
	idx := &Index{
		dim:   dim,
		known: make(map[string]struct{}),
		dir:   dir,
	}
	if err := idx.load(); err != nil {
		if _, ok := err.(*CorruptionError); ok {
			idx.reset()
			return idx, err
		}
		return nil, err
	}
	return idx, nil
}

// Dimension returns the fixed embedding dimension of this index.
func (idx *Index) Dimension() int { return idx.dim }

// Size returns the number of indexed vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.ids)
}

// Contains reports whether a chunk id is already indexed.
func (idx *Index) Contains(chunkID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.known[chunkID]
	return ok
}

// Missing filters ids down to those not yet indexed, preserving order.
func (idx *Index) Missing(chunkIDs []string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var missing []string
	for _, id := range chunkIDs {
		if _, ok := idx.known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// IDs returns a copy of the position-ordered id list.
func (idx *Index) IDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, len(idx.ids))
	copy(out, idx.ids)
	return out
}

// Add appends the given embedding/id pairs, skipping ids that are
// already present, and returns how many were actually added. Vectors
// and ids change together under one critical section or not at all.
func (idx *Index) Add(embeddings [][]float32, chunkIDs []string) (int, error) {
	if len(embeddings) != len(chunkIDs) {
		return 0, fmt.Errorf("embedding/id count mismatch: %d vs %d", len(embeddings), len(chunkIDs))
	}
	for i, emb := range embeddings {
		if len(emb) != idx.dim {
			return 0, fmt.Errorf("embedding %d has dimension %d, index requires %d", i, len(emb), idx.dim)
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	added := 0
	for i, id := range chunkIDs {
		if _, dup := idx.known[id]; dup {
			continue
		}
		idx.data = append(idx.data, embeddings[i]...)
		idx.ids = append(idx.ids, id)
		idx.known[id] = struct{}{}
		added++
	}
	return added, nil
}

// Search returns the k nearest chunk ids by squared L2 distance,
// ascending. Ties keep insertion order. No mutation.
func (idx *Index) Search(query []float32, k int) ([]SearchResult, error) {
	if len(query) != idx.dim {
		return nil, fmt.Errorf("query has dimension %d, index requires %d", len(query), idx.dim)
	}
	if k <= 0 {
		k = 5
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.ids)
	if n == 0 {
		return nil, nil
	}

	results := make([]SearchResult, n)
	for i := 0; i < n; i++ {
		row := idx.data[i*idx.dim : (i+1)*idx.dim]
		var dist float32
		for j, q := range query {
			d := row[j] - q
			dist += d * d
		}
		results[i] = SearchResult{ChunkID: idx.ids[i], Distance: dist}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Remove drops the given chunk ids from the index, compacting the
// vector table and id list together. Returns how many were removed.
// Callers persist with Save afterwards, same as Add.
func (idx *Index) Remove(chunkIDs []string) int {
	if len(chunkIDs) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		drop[id] = struct{}{}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := 0
	keepIDs := idx.ids[:0]
	keepData := idx.data[:0]
	for i, id := range idx.ids {
		if _, gone := drop[id]; gone {
			delete(idx.known, id)
			removed++
			continue
		}
		keepIDs = append(keepIDs, id)
		keepData = append(keepData, idx.data[i*idx.dim:(i+1)*idx.dim]...)
	}
	idx.ids = keepIDs
	idx.data = keepData
	return removed
}

func (idx *Index) reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.data = nil
	idx.ids = nil
	idx.known = make(map[string]struct{})
	idx.gen = 0
}
