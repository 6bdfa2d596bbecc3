package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegisrag/aegisrag/internal/extract"
	"github.com/aegisrag/aegisrag/internal/store"
	"github.com/aegisrag/aegisrag/internal/vectorindex"
)

const testDim = 4

// fakeEmbedder returns a deterministic vector per text so the same
// chunk always lands in the same place.
type fakeEmbedder struct {
	mu      sync.Mutex
	fail    bool
	batches int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("provider down")
	}
	f.batches++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New32a()
		h.Write([]byte(text))
		sum := h.Sum32()
		out[i] = []float32{
			float32(sum % 97),
			float32(sum % 89),
			float32(sum % 83),
			float32(sum % 79),
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return testDim }

func newTestCoordinator(t *testing.T) (*Coordinator, *store.ChunkStore, *vectorindex.Index, *fakeEmbedder) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := vectorindex.Open(t.TempDir(), testDim)
	require.NoError(t, err)

	chunks := store.NewChunkStore(db)
	emb := &fakeEmbedder{}
	coord := NewCoordinator(chunks, idx, emb, Options{})
	return coord, chunks, idx, emb
}

func fragments(texts ...string) []extract.Fragment {
	out := make([]extract.Fragment, len(texts))
	for i, text := range texts {
		out[i] = extract.Fragment{Text: text}
	}
	return out
}

func TestIngestAddsEverythingFirstTime(t *testing.T) {
	coord, chunks, idx, _ := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Ingest(ctx, "doc.txt", store.SourceTypeDocument, fragments("first chunk", "second chunk"))
	require.NoError(t, err)
	require.Equal(t, 2, res.ChunksExtracted)
	require.Equal(t, 2, res.ChunksAdded)
	require.Equal(t, 0, res.DuplicatesSkipped)

	require.Equal(t, 2, idx.Size())
	existing, err := chunks.Exists(ctx, []string{"doc.txt_seg0", "doc.txt_seg1"})
	require.NoError(t, err)
	require.Len(t, existing, 2)
}

func TestIngestIsIdempotent(t *testing.T) {
	coord, _, idx, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Ingest(ctx, "doc.txt", store.SourceTypeDocument, fragments("first", "second"))
	require.NoError(t, err)

	res, err := coord.Ingest(ctx, "doc.txt", store.SourceTypeDocument, fragments("first", "second"))
	require.NoError(t, err)
	require.Equal(t, 2, res.ChunksExtracted)
	require.Equal(t, 0, res.ChunksAdded)
	require.Equal(t, 2, res.DuplicatesSkipped)
	require.Equal(t, 2, idx.Size())
}

func TestConcurrentIngestionDistinctSources(t *testing.T) {
	coord, chunks, idx, _ := newTestCoordinator(t)
	ctx := context.Background()

	const sources = 8
	const perSource = 5

	var wg sync.WaitGroup
	errs := make([]error, sources)
	results := make([]Result, sources)
	for s := 0; s < sources; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			name := fmt.Sprintf("doc%d.txt", s)
			frags := make([]extract.Fragment, perSource)
			for i := range frags {
				frags[i] = extract.Fragment{Text: fmt.Sprintf("source %d chunk %d", s, i)}
			}
			results[s], errs[s] = coord.Ingest(ctx, name, store.SourceTypeDocument, frags)
		}(s)
	}
	wg.Wait()

	for s := 0; s < sources; s++ {
		require.NoError(t, errs[s])
		require.Equal(t, perSource, results[s].ChunksAdded)
	}
	require.Equal(t, sources*perSource, idx.Size())
	for s := 0; s < sources; s++ {
		ids, err := chunks.IDsForSource(ctx, fmt.Sprintf("doc%d.txt", s))
		require.NoError(t, err)
		require.Len(t, ids, perSource)
	}
}

func TestConcurrentIngestionSameSource(t *testing.T) {
	coord, chunks, idx, _ := newTestCoordinator(t)
	ctx := context.Background()

	frags := fragments("one", "two", "three", "four", "five", "six")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.Ingest(ctx, "shared.txt", store.SourceTypeDocument, frags)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, len(frags), results[0].ChunksAdded+results[1].ChunksAdded)
	require.Equal(t, len(frags), idx.Size())

	ids, err := chunks.IDsForSource(ctx, "shared.txt")
	require.NoError(t, err)
	require.Len(t, ids, len(frags))
}

func TestIngestEmbedsOnlyMissingChunks(t *testing.T) {
	coord, _, idx, emb := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Ingest(ctx, "doc.txt", store.SourceTypeDocument, fragments("first", "second"))
	require.NoError(t, err)
	require.Equal(t, 1, emb.batches)

	// Extended file: two known positions plus one new one.
	res, err := coord.Ingest(ctx, "doc.txt", store.SourceTypeDocument, fragments("first", "second", "third"))
	require.NoError(t, err)
	require.Equal(t, 1, res.ChunksAdded)
	require.Equal(t, 2, res.DuplicatesSkipped)
	require.Equal(t, 2, emb.batches)
	require.Equal(t, 3, idx.Size())
}

func TestIngestEmbeddingFailureLeavesRecordsOnly(t *testing.T) {
	coord, chunks, idx, emb := newTestCoordinator(t)
	ctx := context.Background()

	emb.fail = true
	_, err := coord.Ingest(ctx, "doc.txt", store.SourceTypeDocument, fragments("only chunk"))
	require.Error(t, err)

	// The record landed, the vector did not: store ahead of index.
	existing, err := chunks.Exists(ctx, []string{"doc.txt_seg0"})
	require.NoError(t, err)
	require.Len(t, existing, 1)
	require.Equal(t, 0, idx.Size())

	// Reconcile closes the gap once the provider recovers.
	emb.fail = false
	rec, err := coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rec.TextRepaired)
	require.Equal(t, 1, idx.Size())
}

func TestIngestEmptyExtraction(t *testing.T) {
	coord, _, idx, emb := newTestCoordinator(t)

	res, err := coord.Ingest(context.Background(), "empty.txt", store.SourceTypeDocument, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.ChunksExtracted)
	require.NotEmpty(t, res.Message)
	require.Equal(t, 0, idx.Size())
	require.Equal(t, 0, emb.batches)
}

func TestIngestRejectsBadInput(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	var valErr *ValidationError
	_, err := coord.Ingest(ctx, "  ", store.SourceTypeDocument, fragments("x"))
	require.ErrorAs(t, err, &valErr)

	// No joint pipeline configured.
	_, err = coord.Ingest(ctx, "pic.txt", store.SourceTypeImage, fragments("a photo"))
	require.ErrorAs(t, err, &valErr)
}

func TestDeleteSourceRemovesRecordsAndVectors(t *testing.T) {
	coord, chunks, idx, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Ingest(ctx, "a.txt", store.SourceTypeDocument, fragments("alpha", "beta"))
	require.NoError(t, err)
	_, err = coord.Ingest(ctx, "b.txt", store.SourceTypeDocument, fragments("gamma"))
	require.NoError(t, err)

	deleted, err := coord.DeleteSource(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
	require.Equal(t, 1, idx.Size())
	require.False(t, idx.Contains("a.txt_seg0"))

	ids, err := chunks.IDsForSource(ctx, "b.txt")
	require.NoError(t, err)
	require.Equal(t, []string{"b.txt_seg0"}, ids)
}

func TestReconcileNoopWhenConsistent(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Ingest(ctx, "doc.txt", store.SourceTypeDocument, fragments("alpha"))
	require.NoError(t, err)

	rec, err := coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, rec.TextRepaired)
}

func TestDeriveChunkIDs(t *testing.T) {
	page2, page3 := 2, 3
	frags := []extract.Fragment{
		{Text: "a", PageNumber: &page2},
		{Text: "b", PageNumber: &page2},
		{Text: "   "}, // blank, skipped
		{Text: "c", PageNumber: &page3},
	}
	chunks := deriveChunks("slides.txt", store.SourceTypeDocument, frags)
	require.Len(t, chunks, 3)
	require.Equal(t, "slides.txt_p2_seg0", chunks[0].ChunkID)
	require.Equal(t, "slides.txt_p2_seg1", chunks[1].ChunkID)
	require.Equal(t, "slides.txt_p3_seg0", chunks[2].ChunkID)

	unpaged := deriveChunks("talk.txt", store.SourceTypeAudio, fragments("x", "y"))
	require.Len(t, unpaged, 2)
	for i, ch := range unpaged {
		require.Equal(t, fmt.Sprintf("talk.txt_seg%d", i), ch.ChunkID)
		require.Equal(t, store.SourceTypeAudio, ch.SourceType)
	}
}
