// Package ingest coordinates writes across the record store and the
// vector indexes so that every indexed id has a backing record. Records
// are committed first; the index only ever trails the store, and
// Reconcile closes that gap.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aegisrag/aegisrag/internal/embedding"
	"github.com/aegisrag/aegisrag/internal/extract"
	"github.com/aegisrag/aegisrag/internal/store"
	"github.com/aegisrag/aegisrag/internal/vectorindex"
)

// Embedder is the slice of embedding.Service the coordinator needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// ValidationError reports input that was rejected before any write
// happened. Callers can map it to a client error.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ingest stages, used to tag errors so failures are attributable.
const (
	stageStore  = "store"
	stageEmbed  = "embed"
	stageIndex  = "index"
	stageVerify = "verify"
)

// Result describes one ingestion run for a single source file.
type Result struct {
	Status            string  `json:"status"`
	Filename          string  `json:"filename"`
	FileType          string  `json:"file_type"`
	ChunksExtracted   int     `json:"chunks_extracted"`
	ChunksAdded       int     `json:"chunks_added"`
	DuplicatesSkipped int     `json:"duplicates_skipped"`
	ProcessingSeconds float64 `json:"processing_time_seconds"`
	Message           string  `json:"message,omitempty"`
}

// ReconcileResult reports how many orphaned records each index
// re-absorbed.
type ReconcileResult struct {
	TextRepaired  int `json:"text_repaired"`
	ImageRepaired int `json:"image_repaired"`
}

// Coordinator routes chunks to the right index and keeps the record
// store and indexes consistent. The joint index and embedder are
// optional; without them image ingestion is rejected.
type Coordinator struct {
	chunks *store.ChunkStore

	textIndex *vectorindex.Index
	textEmb   Embedder

	jointIndex *vectorindex.Index
	jointEmb   Embedder

	logger *slog.Logger
}

// Options carries the optional joint (image) pipeline.
type Options struct {
	JointIndex    *vectorindex.Index
	JointEmbedder Embedder
	Logger        *slog.Logger
}

func NewCoordinator(chunks *store.ChunkStore, textIndex *vectorindex.Index, textEmb Embedder, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		chunks:     chunks,
		textIndex:  textIndex,
		textEmb:    textEmb,
		jointIndex: opts.JointIndex,
		jointEmb:   opts.JointEmbedder,
		logger:     logger,
	}
}

// Ingest writes the fragments of one source file through the full
// pipeline: derive deterministic chunk ids, upsert records, embed only
// what the index is missing, then extend and persist the index.
// Re-ingesting an unchanged file is a no-op on the index.
func (c *Coordinator) Ingest(ctx context.Context, sourceFile string, sourceType store.SourceType, fragments []extract.Fragment) (Result, error) {
	start := time.Now()
	res := Result{
		Status:   "success",
		Filename: sourceFile,
		FileType: string(sourceType),
	}

	if strings.TrimSpace(sourceFile) == "" {
		return res, &ValidationError{Reason: "source file name is empty"}
	}
	idx, emb, err := c.route(sourceType)
	if err != nil {
		return res, err
	}

	chunks := deriveChunks(sourceFile, sourceType, fragments)
	res.ChunksExtracted = len(chunks)
	if len(chunks) == 0 {
		res.Message = "no text could be extracted"
		res.ProcessingSeconds = time.Since(start).Seconds()
		return res, nil
	}

	if _, err := c.chunks.Upsert(ctx, chunks); err != nil {
		return res, fmt.Errorf("ingest %s: %s: %w", sourceFile, stageStore, err)
	}

	ids := make([]string, len(chunks))
	byID := make(map[string]store.Chunk, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ChunkID
		byID[ch.ChunkID] = ch
	}

	// Duplicates are judged against the index, not the store: a record
	// whose vector is missing still counts as new work.
	missing := idx.Missing(ids)
	res.DuplicatesSkipped = len(chunks) - len(missing)
	if len(missing) == 0 {
		res.Message = "all chunks already indexed"
		res.ProcessingSeconds = time.Since(start).Seconds()
		return res, nil
	}

	texts := make([]string, len(missing))
	for i, id := range missing {
		texts[i] = byID[id].Text
	}
	vectors, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return res, fmt.Errorf("ingest %s: %s: %w", sourceFile, stageEmbed, err)
	}
	if len(vectors) != len(missing) {
		return res, fmt.Errorf("ingest %s: %s: got %d embeddings for %d chunks", sourceFile, stageVerify, len(vectors), len(missing))
	}
	if sourceType == store.SourceTypeImage {
		for _, v := range vectors {
			embedding.NormalizeL2(v)
		}
	}

	added, err := idx.Add(vectors, missing)
	if err != nil {
		return res, fmt.Errorf("ingest %s: %s: %w", sourceFile, stageIndex, err)
	}
	res.ChunksAdded = added
	res.DuplicatesSkipped = len(chunks) - added
	if added > 0 {
		if err := idx.Save(); err != nil {
			return res, fmt.Errorf("ingest %s: %s: %w", sourceFile, stageIndex, err)
		}
	}

	res.ProcessingSeconds = time.Since(start).Seconds()
	c.logger.Info("ingested source",
		"source", sourceFile,
		"type", sourceType,
		"extracted", res.ChunksExtracted,
		"added", res.ChunksAdded,
		"skipped", res.DuplicatesSkipped,
		"seconds", res.ProcessingSeconds)
	return res, nil
}

// DeleteSource removes a file's records and vectors from both stores.
// Returns the number of records deleted.
func (c *Coordinator) DeleteSource(ctx context.Context, sourceFile string) (int, error) {
	if strings.TrimSpace(sourceFile) == "" {
		return 0, &ValidationError{Reason: "source file name is empty"}
	}
	ids, err := c.chunks.IDsForSource(ctx, sourceFile)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %s: %w", sourceFile, stageStore, err)
	}
	deleted, err := c.chunks.DeleteBySource(ctx, sourceFile)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %s: %w", sourceFile, stageStore, err)
	}
	for _, idx := range c.indexes() {
		if idx.Remove(ids) > 0 {
			if err := idx.Save(); err != nil {
				return deleted, fmt.Errorf("delete %s: %s: %w", sourceFile, stageIndex, err)
			}
		}
	}
	return deleted, nil
}

// Reconcile re-embeds any record the indexes lost, typically after a
// snapshot failed its load-time consistency check and the index
// restarted empty. The record store is the source of truth.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	textTypes := []store.SourceType{store.SourceTypeDocument, store.SourceTypeAudio, store.SourceTypeVideo}
	n, err := c.reconcileIndex(ctx, c.textIndex, c.textEmb, textTypes, false)
	if err != nil {
		return res, err
	}
	res.TextRepaired = n

	if c.jointIndex != nil && c.jointEmb != nil {
		n, err := c.reconcileIndex(ctx, c.jointIndex, c.jointEmb, []store.SourceType{store.SourceTypeImage}, true)
		if err != nil {
			return res, err
		}
		res.ImageRepaired = n
	}
	return res, nil
}

func (c *Coordinator) reconcileIndex(ctx context.Context, idx *vectorindex.Index, emb Embedder, types []store.SourceType, normalize bool) (int, error) {
	ids, err := c.chunks.IDsForTypes(ctx, types)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %s: %w", stageStore, err)
	}
	missing := idx.Missing(ids)
	if len(missing) == 0 {
		return 0, nil
	}
	c.logger.Warn("index behind record store, repairing", "missing", len(missing))

	records, err := c.chunks.Get(ctx, missing)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %s: %w", stageStore, err)
	}
	repaired := 0
	// Embed in bounded batches so a large repair does not hold one
	// giant request open against the provider.
	const batch = 128
	for off := 0; off < len(records); off += batch {
		end := off + batch
		if end > len(records) {
			end = len(records)
		}
		part := records[off:end]
		texts := make([]string, len(part))
		partIDs := make([]string, len(part))
		for i, ch := range part {
			texts[i] = ch.Text
			partIDs[i] = ch.ChunkID
		}
		vectors, err := emb.EmbedBatch(ctx, texts)
		if err != nil {
			return repaired, fmt.Errorf("reconcile: %s: %w", stageEmbed, err)
		}
		if normalize {
			for _, v := range vectors {
				embedding.NormalizeL2(v)
			}
		}
		added, err := idx.Add(vectors, partIDs)
		if err != nil {
			return repaired, fmt.Errorf("reconcile: %s: %w", stageIndex, err)
		}
		repaired += added
	}
	if repaired > 0 {
		if err := idx.Save(); err != nil {
			return repaired, fmt.Errorf("reconcile: %s: %w", stageIndex, err)
		}
	}
	return repaired, nil
}

func (c *Coordinator) route(t store.SourceType) (*vectorindex.Index, Embedder, error) {
	switch t {
	case store.SourceTypeDocument, store.SourceTypeAudio, store.SourceTypeVideo:
		return c.textIndex, c.textEmb, nil
	case store.SourceTypeImage:
		if c.jointIndex == nil || c.jointEmb == nil {
			return nil, nil, &ValidationError{Reason: "image ingestion is not configured"}
		}
		return c.jointIndex, c.jointEmb, nil
	default:
		return nil, nil, &ValidationError{Reason: fmt.Sprintf("unsupported source type %q", t)}
	}
}

func (c *Coordinator) indexes() []*vectorindex.Index {
	out := []*vectorindex.Index{c.textIndex}
	if c.jointIndex != nil {
		out = append(out, c.jointIndex)
	}
	return out
}

// deriveChunks assigns each non-empty fragment its deterministic id.
// Unpaged fragments are numbered globally; paged fragments restart the
// segment counter on every page, so ids survive re-extraction as long
// as the content does.
func deriveChunks(sourceFile string, sourceType store.SourceType, fragments []extract.Fragment) []store.Chunk {
	now := time.Now().UTC()
	chunks := make([]store.Chunk, 0, len(fragments))
	seg := 0
	pageSeg := make(map[int]int)
	for _, f := range fragments {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		var id string
		if f.PageNumber != nil {
			p := *f.PageNumber
			id = fmt.Sprintf("%s_p%d_seg%d", sourceFile, p, pageSeg[p])
			pageSeg[p]++
		} else {
			id = fmt.Sprintf("%s_seg%d", sourceFile, seg)
			seg++
		}
		chunks = append(chunks, store.Chunk{
			ChunkID:     id,
			Text:        text,
			SourceFile:  sourceFile,
			SourceType:  sourceType,
			PageNumber:  f.PageNumber,
			Timestamp:   f.Timestamp,
			FirstSeenAt: now,
			LastSeenAt:  now,
		})
	}
	return chunks
}
