// Package server exposes the engine over HTTP: ingestion uploads,
// streamed and buffered querying, history, and the files inventory.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aegisrag/aegisrag/internal/config"
	"github.com/aegisrag/aegisrag/internal/extract"
	"github.com/aegisrag/aegisrag/internal/ingest"
	"github.com/aegisrag/aegisrag/internal/query"
	"github.com/aegisrag/aegisrag/internal/store"
	"github.com/aegisrag/aegisrag/internal/vectorindex"
)

// Deps bundles everything the HTTP layer serves. JointIndex may be
// nil when image ingestion is not configured.
type Deps struct {
	DB         *store.DB
	Chunks     *store.ChunkStore
	History    *store.HistoryStore
	TextIndex  *vectorindex.Index
	JointIndex *vectorindex.Index
	Coord      *ingest.Coordinator
	Pipeline   *query.Pipeline
	Extractor  extract.Extractor
	Logger     *slog.Logger
}

type Server struct {
	engine *gin.Engine
	cfg    config.ServerConfig

	db         *store.DB
	chunks     *store.ChunkStore
	history    *store.HistoryStore
	textIndex  *vectorindex.Index
	jointIndex *vectorindex.Index
	coord      *ingest.Coordinator
	pipeline   *query.Pipeline
	extractor  extract.Extractor

	maxUpload int64
	logger    *slog.Logger
}

func New(cfg config.ServerConfig, ingestCfg config.IngestConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), requestLog(logger))

	s := &Server{
		engine:     engine,
		cfg:        cfg,
		db:         deps.DB,
		chunks:     deps.Chunks,
		history:    deps.History,
		textIndex:  deps.TextIndex,
		jointIndex: deps.JointIndex,
		coord:      deps.Coord,
		pipeline:   deps.Pipeline,
		extractor:  deps.Extractor,
		maxUpload:  ingestCfg.MaxUploadBytes,
		logger:     logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)

	s.engine.POST("/query", s.handleQuery)
	s.engine.POST("/query/stream", s.handleQueryStream)

	s.engine.POST("/ingest", s.handleIngest)
	s.engine.POST("/reconcile", s.handleReconcile)

	s.engine.GET("/files", s.handleFiles)
	s.engine.GET("/files/search", s.handleFilesSearch)
	s.engine.DELETE("/files", s.handleFileDelete)

	s.engine.GET("/history", s.handleConversations)
	s.engine.GET("/history/search", s.handleHistorySearch)
	s.engine.GET("/history/:chat_id", s.handleMessages)
	s.engine.DELETE("/history", s.handleHistoryClear)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
// WriteTimeout stays unset on the underlying server because streamed
// answers hold the response open for as long as generation runs.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.engine,
		ReadTimeout: s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }
