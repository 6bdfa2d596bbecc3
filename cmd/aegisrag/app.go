package main

import (
	"errors"
	"fmt"

	"github.com/aegisrag/aegisrag/internal/config"
	"github.com/aegisrag/aegisrag/internal/embedding"
	"github.com/aegisrag/aegisrag/internal/extract"
	"github.com/aegisrag/aegisrag/internal/ingest"
	"github.com/aegisrag/aegisrag/internal/llm"
	"github.com/aegisrag/aegisrag/internal/query"
	"github.com/aegisrag/aegisrag/internal/store"
	"github.com/aegisrag/aegisrag/internal/vectorindex"
)

// app wires the full engine from config. Close releases the database;
// indexes persist themselves on every successful write.
type app struct {
	cfg        *config.Config
	db         *store.DB
	chunks     *store.ChunkStore
	history    *store.HistoryStore
	textIndex  *vectorindex.Index
	jointIndex *vectorindex.Index
	coord      *ingest.Coordinator
	pipeline   *query.Pipeline
	extractor  extract.Extractor
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	textEmb, err := embedding.NewService(embeddingConfig(cfg.Embedding))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("embedding service: %w", err)
	}

	textIndex, err := openIndex(cfg.Storage.TextIndexDir, textEmb.Dimensions())
	if err != nil {
		db.Close()
		return nil, err
	}

	var jointIndex *vectorindex.Index
	var jointEmb *embedding.Service
	if cfg.JointEmbedding.Provider != "" {
		jointEmb, err = embedding.NewService(embeddingConfig(cfg.JointEmbedding))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("joint embedding service: %w", err)
		}
		jointIndex, err = openIndex(cfg.Storage.JointIndexDir, jointEmb.Dimensions())
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	chunks := store.NewChunkStore(db)
	history := store.NewHistoryStore(db)

	coordOpts := ingest.Options{Logger: logger}
	if jointIndex != nil {
		coordOpts.JointIndex = jointIndex
		coordOpts.JointEmbedder = jointEmb
	}
	coord := ingest.NewCoordinator(chunks, textIndex, textEmb, coordOpts)

	gen := llm.NewOllamaGenerator(llm.Config{
		BaseURL:     cfg.Generation.BaseURL,
		Model:       cfg.Generation.Model,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
		Timeout:     cfg.Generation.Timeout,
	})

	pipeOpts := query.Options{Logger: logger}
	if jointIndex != nil {
		pipeOpts.JointIndex = jointIndex
		pipeOpts.JointEmbedder = jointEmb
	}
	pipeline := query.NewPipeline(chunks, history, textIndex, textEmb, gen, query.Config{
		TopK:              cfg.Retrieval.TopK,
		DistanceThreshold: cfg.Retrieval.DistanceThreshold,
		ContextChars:      cfg.Retrieval.ContextChars,
		VisualCues:        cfg.Retrieval.VisualCues,
		HistoryMessages:   cfg.Retrieval.HistoryMessages,
	}, pipeOpts)

	return &app{
		cfg:        cfg,
		db:         db,
		chunks:     chunks,
		history:    history,
		textIndex:  textIndex,
		jointIndex: jointIndex,
		coord:      coord,
		pipeline:   pipeline,
		extractor:  extract.NewTextExtractor(cfg.Ingest.SentencesPerChunk, cfg.Ingest.SentenceOverlap),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.Error("close record store", "error", err)
	}
}

// openIndex tolerates a corrupt snapshot: the index starts empty and
// reconcile rebuilds it from the record store.
func openIndex(dir string, dim int) (*vectorindex.Index, error) {
	idx, err := vectorindex.Open(dir, dim)
	if err != nil {
		var corr *vectorindex.CorruptionError
		if errors.As(err, &corr) {
			logger.Warn("index snapshot failed consistency check, starting empty",
				"dir", corr.Dir, "reason", corr.Reason)
			return idx, nil
		}
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	return idx, nil
}

func embeddingConfig(c config.EmbeddingConfig) embedding.Config {
	return embedding.Config{
		Provider:   c.Provider,
		BaseURL:    c.BaseURL,
		APIKey:     c.APIKey,
		Model:      c.Model,
		Dimensions: c.Dimensions,
		BatchSize:  c.BatchSize,
		Timeout:    c.Timeout,
	}
}
