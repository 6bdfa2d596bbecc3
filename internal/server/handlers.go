package server

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aegisrag/aegisrag/internal/embedding"
	"github.com/aegisrag/aegisrag/internal/ingest"
	"github.com/aegisrag/aegisrag/internal/store"
)

var textExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
}

type queryRequest struct {
	Question string `json:"question" binding:"required"`
	ChatID   string `json:"chat_id"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	stats, err := s.db.Stats()
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := gin.H{
		"status":          "ok",
		"chunks":          stats.ChunkCount,
		"files":           stats.FileCount,
		"conversations":   stats.ConversationCount,
		"messages":        stats.MessageCount,
		"db_size_bytes":   stats.SizeBytes,
		"text_index_size": s.textIndex.Size(),
	}
	if s.jointIndex != nil {
		resp["joint_index_size"] = s.jointIndex.Size()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	ans, err := s.pipeline.Query(c.Request.Context(), req.ChatID, req.Question)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ans)
}

func (s *Server) handleQueryStream(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	// Retrieval runs before any SSE bytes go out, so its failures can
	// still use a proper status code.
	events, _, err := s.pipeline.StreamQuery(c.Request.Context(), req.ChatID, req.Question)
	if err != nil {
		s.fail(c, err)
		return
	}

	sse, err := newSSEWriter(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for ev := range events {
		if err := sse.send(ev); err != nil {
			// Client went away; pipeline notices via request context.
			s.logger.Debug("client disconnected mid-stream", "request_id", c.GetString("request_id"))
			return
		}
	}
}

func (s *Server) handleIngest(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)

	header, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}

	sourceType := store.SourceTypeDocument
	if t := c.PostForm("type"); t != "" {
		sourceType, err = store.ParseSourceType(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	// Every upload carries text: documents directly, audio and video as
	// transcripts, images as descriptions for the joint embedder.
	if ext := strings.ToLower(filepath.Ext(header.Filename)); !textExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file extension: " + ext})
		return
	}

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
		return
	}

	fragments, err := s.extractor.Extract(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.coord.Ingest(c.Request.Context(), filepath.Base(header.Filename), sourceType, fragments)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleReconcile(c *gin.Context) {
	res, err := s.coord.Reconcile(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleFiles(c *gin.Context) {
	files, err := s.chunks.FilesInventory(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "count": len(files)})
}

func (s *Server) handleFilesSearch(c *gin.Context) {
	term := strings.TrimSpace(c.Query("q"))
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter 'q' is required"})
		return
	}
	files, err := s.chunks.SearchFiles(c.Request.Context(), term)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "count": len(files)})
}

func (s *Server) handleFileDelete(c *gin.Context) {
	source := strings.TrimSpace(c.Query("source"))
	if source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter 'source' is required"})
		return
	}
	deleted, err := s.coord.DeleteSource(c.Request.Context(), source)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "chunks_deleted": deleted})
}

func (s *Server) handleConversations(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	convs, err := s.history.Conversations(c.Request.Context(), limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs, "count": len(convs)})
}

func (s *Server) handleMessages(c *gin.Context) {
	chatID := c.Param("chat_id")
	exists, err := s.history.ConversationExists(c.Request.Context(), chatID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	msgs, err := s.history.Messages(c.Request.Context(), chatID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "messages": msgs, "count": len(msgs)})
}

func (s *Server) handleHistorySearch(c *gin.Context) {
	term := strings.TrimSpace(c.Query("q"))
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter 'q' is required"})
		return
	}
	msgs, err := s.history.SearchMessages(c.Request.Context(), term)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleHistoryClear(c *gin.Context) {
	deleted, err := s.history.Clear(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages_deleted": deleted})
}

// fail maps engine errors to status codes: rejected input is the
// client's fault, provider trouble is upstream, the rest is ours.
func (s *Server) fail(c *gin.Context, err error) {
	var valErr *ingest.ValidationError
	var provErr *embedding.ProviderError
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Reason})
	case errors.As(err, &provErr):
		s.logger.Error("provider failure", "request_id", c.GetString("request_id"), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "embedding provider unavailable"})
	default:
		s.logger.Error("internal error", "request_id", c.GetString("request_id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
