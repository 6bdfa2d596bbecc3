// Package query answers questions over the indexed corpus. Retrieval
// runs synchronously so callers learn about failures before any bytes
// are streamed; generation is forwarded token by token afterwards.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/aegisrag/aegisrag/internal/embedding"
	"github.com/aegisrag/aegisrag/internal/llm"
	"github.com/aegisrag/aegisrag/internal/store"
	"github.com/aegisrag/aegisrag/internal/vectorindex"
)

// Embedder is the single-text slice of embedding.Service the pipeline
// needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes retrieval. Zero values fall back to the defaults below.
type Config struct {
	TopK              int      // results kept after merging, default 5
	DistanceThreshold float32  // joint hits beyond this are dropped, default 1.0
	ContextChars      int      // context block budget, default 4000
	VisualCues        []string // words that trigger the joint index
	HistoryMessages   int      // prior turns fed to the generator, default 3
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.DistanceThreshold <= 0 {
		c.DistanceThreshold = 1.0
	}
	if c.ContextChars <= 0 {
		c.ContextChars = 4000
	}
	if len(c.VisualCues) == 0 {
		c.VisualCues = []string{"image", "picture", "photo", "diagram", "figure", "chart", "screenshot"}
	}
	if c.HistoryMessages <= 0 {
		c.HistoryMessages = 3
	}
	return c
}

// Pipeline wires retrieval over the vector indexes to streamed
// generation, persisting every turn to conversation history. The joint
// index and embedder are optional.
type Pipeline struct {
	chunks  *store.ChunkStore
	history *store.HistoryStore

	textIndex *vectorindex.Index
	textEmb   Embedder

	jointIndex *vectorindex.Index
	jointEmb   Embedder

	gen    llm.Generator
	cfg    Config
	logger *slog.Logger
}

// Options carries the optional joint retrieval path.
type Options struct {
	JointIndex    *vectorindex.Index
	JointEmbedder Embedder
	Logger        *slog.Logger
}

func NewPipeline(chunks *store.ChunkStore, history *store.HistoryStore, textIndex *vectorindex.Index, textEmb Embedder, gen llm.Generator, cfg Config, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		chunks:     chunks,
		history:    history,
		textIndex:  textIndex,
		textEmb:    textEmb,
		jointIndex: opts.JointIndex,
		jointEmb:   opts.JointEmbedder,
		gen:        gen,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Answer is the non-streaming result shape.
type Answer struct {
	ChatID        string         `json:"chat_id"`
	Answer        string         `json:"answer"`
	Confidence    float64        `json:"confidence"`
	Sources       []store.Source `json:"sources"`
	RetrievalTime float64        `json:"retrieval_time"`
}

// StreamQuery retrieves context for the question and returns a channel
// of answer events. Retrieval errors are returned directly and produce
// no channel; once the channel exists, failures arrive as a terminal
// ErrorEvent. The channel closes after the terminal event. Cancelling
// ctx stops generation; whatever was produced so far is still
// persisted to history.
func (p *Pipeline) StreamQuery(ctx context.Context, chatID, question string) (<-chan Event, string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, "", errors.New("question is empty")
	}
	if chatID == "" {
		chatID = uuid.New().String()
	}
	if _, err := p.history.CreateConversation(ctx, chatID, question); err != nil {
		return nil, "", fmt.Errorf("open conversation: %w", err)
	}

	ret, err := p.retrieve(ctx, question)
	if err != nil {
		return nil, "", err
	}

	// History is captured before the new question is recorded, so the
	// generator sees only prior turns.
	hist, err := p.history.RecentMessages(ctx, chatID, p.cfg.HistoryMessages)
	if err != nil {
		return nil, "", fmt.Errorf("load history: %w", err)
	}
	if err := p.history.AddMessage(ctx, chatID, "user", question, nil); err != nil {
		return nil, "", fmt.Errorf("record question: %w", err)
	}

	events := make(chan Event, 16)

	if ret.contextBlock == "" {
		// Nothing retrieved: answer without invoking the generator.
		go func() {
			defer close(events)
			events <- newMetadata(chatID, 0, nil, ret.seconds)
			events <- newToken(llm.FallbackAnswer)
			if err := p.history.AddMessage(ctx, chatID, "assistant", llm.FallbackAnswer, nil); err != nil {
				p.logger.Error("persist fallback answer", "chat_id", chatID, "error", err)
			}
			events <- newDone()
		}()
		return events, chatID, nil
	}

	go p.generate(ctx, events, chatID, question, ret, toHistory(hist))
	return events, chatID, nil
}

// Query runs the same pipeline but collects the full answer before
// returning.
func (p *Pipeline) Query(ctx context.Context, chatID, question string) (Answer, error) {
	events, chatID, err := p.StreamQuery(ctx, chatID, question)
	if err != nil {
		return Answer{}, err
	}
	ans := Answer{ChatID: chatID, Sources: []store.Source{}}
	var b strings.Builder
	for ev := range events {
		switch e := ev.(type) {
		case Metadata:
			ans.Confidence = e.Confidence
			ans.Sources = e.Sources
			ans.RetrievalTime = e.RetrievalTime
		case Token:
			b.WriteString(e.Content)
		case ErrorEvent:
			return Answer{}, errors.New(e.Error)
		}
	}
	ans.Answer = b.String()
	return ans, nil
}

func (p *Pipeline) generate(ctx context.Context, events chan<- Event, chatID, question string, ret retrieval, hist []llm.HistoryMessage) {
	defer close(events)
	events <- newMetadata(chatID, ret.confidence, ret.sources, ret.seconds)

	stream, err := p.gen.GenerateStream(ctx, question, ret.contextBlock, hist)
	if err != nil {
		p.logger.Error("start generation", "chat_id", chatID, "error", err)
		events <- newError("generation failed to start")
		return
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		tok, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			p.finishTurn(chatID, answer.String(), ret.sources)
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("generation stream", "chat_id", chatID, "error", err)
			events <- newError("generation failed mid-stream")
			return
		}
		if tok == "" {
			continue
		}
		answer.WriteString(tok)
		select {
		case events <- newToken(tok):
		case <-ctx.Done():
			p.finishTurn(chatID, answer.String(), ret.sources)
			return
		}
	}
	p.finishTurn(chatID, answer.String(), ret.sources)
	events <- newDone()
}

// finishTurn persists whatever the assistant produced, partial answers
// included. Uses a fresh context so a cancelled request still records
// its turn.
func (p *Pipeline) finishTurn(chatID, answer string, sources []store.Source) {
	if strings.TrimSpace(answer) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.history.AddMessage(ctx, chatID, "assistant", answer, sources); err != nil {
		p.logger.Error("persist answer", "chat_id", chatID, "error", err)
	}
}

type hit struct {
	id       string
	distance float32
	joint    bool
}

type retrieval struct {
	confidence   float64
	sources      []store.Source
	contextBlock string
	seconds      float64
}

func (p *Pipeline) retrieve(ctx context.Context, question string) (retrieval, error) {
	start := time.Now()
	var ret retrieval

	qvec, err := p.textEmb.Embed(ctx, question)
	if err != nil {
		return ret, fmt.Errorf("embed question: %w", err)
	}
	textHits, err := p.textIndex.Search(qvec, p.cfg.TopK)
	if err != nil {
		return ret, fmt.Errorf("search text index: %w", err)
	}

	hits := make([]hit, 0, len(textHits)+p.cfg.TopK)
	for _, h := range textHits {
		hits = append(hits, hit{id: h.ChunkID, distance: h.Distance})
	}

	// The joint index only joins in when the question sounds visual;
	// its hits must also clear the distance gate.
	if p.jointIndex != nil && p.jointEmb != nil && p.hasVisualCue(question) {
		jvec, err := p.jointEmb.Embed(ctx, question)
		if err != nil {
			return ret, fmt.Errorf("embed question for joint index: %w", err)
		}
		embedding.NormalizeL2(jvec)
		jointHits, err := p.jointIndex.Search(jvec, p.cfg.TopK)
		if err != nil {
			return ret, fmt.Errorf("search joint index: %w", err)
		}
		for _, h := range jointHits {
			if h.Distance <= p.cfg.DistanceThreshold {
				hits = append(hits, hit{id: h.ChunkID, distance: h.Distance, joint: true})
			}
		}
	}

	if len(hits) == 0 {
		ret.seconds = round3(time.Since(start).Seconds())
		return ret, nil
	}

	// Text hits precede joint hits in the slice, so a stable sort keeps
	// that ordering on equal distances.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].distance < hits[j].distance })
	if len(hits) > p.cfg.TopK {
		hits = hits[:p.cfg.TopK]
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	chunks, err := p.chunks.Get(ctx, ids)
	if err != nil {
		return ret, fmt.Errorf("load chunks: %w", err)
	}
	byID := make(map[string]store.Chunk, len(chunks))
	for _, ch := range chunks {
		byID[ch.ChunkID] = ch
	}

	var used []hit
	var parts []string
	budget := p.cfg.ContextChars
	bestBySource := make(map[string]store.Source)
	var sourceOrder []string
	for _, h := range hits {
		ch, ok := byID[h.id]
		if !ok {
			// Index ahead of the store; reconciliation territory, skip.
			p.logger.Warn("indexed chunk missing from record store", "chunk_id", h.id)
			continue
		}
		text := ch.Text
		if budget <= 0 {
			break
		}
		if len(text) > budget {
			cut := budget
			// Back up so the cut never splits a multi-byte rune.
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut]
		}
		budget -= len(text)
		parts = append(parts, text)
		used = append(used, h)

		score := similarity(h.distance)
		if prev, ok := bestBySource[ch.SourceFile]; !ok || score > prev.Score {
			if !ok {
				sourceOrder = append(sourceOrder, ch.SourceFile)
			}
			bestBySource[ch.SourceFile] = store.Source{
				Type:   ch.SourceType,
				Source: ch.SourceFile,
				Score:  score,
			}
		}
	}

	if len(used) == 0 {
		ret.seconds = round3(time.Since(start).Seconds())
		return ret, nil
	}

	ret.contextBlock = strings.Join(parts, "\n\n")
	ret.confidence = confidenceFrom(used)
	ret.sources = make([]store.Source, 0, len(sourceOrder))
	for _, sf := range sourceOrder {
		ret.sources = append(ret.sources, bestBySource[sf])
	}
	ret.seconds = round3(time.Since(start).Seconds())
	return ret, nil
}

func (p *Pipeline) hasVisualCue(question string) bool {
	q := strings.ToLower(question)
	for _, cue := range p.cfg.VisualCues {
		if strings.Contains(q, cue) {
			return true
		}
	}
	return false
}

// confidenceFrom maps the average squared distance of the used hits to
// a 0-100 score. Closer hits raise it; anything at distance 2 or
// beyond contributes nothing.
func confidenceFrom(hits []hit) float64 {
	var sum float64
	for _, h := range hits {
		sum += float64(h.distance)
	}
	avg := sum / float64(len(hits))
	sim := 1 - avg/2
	if sim < 0 {
		sim = 0
	}
	conf := math.Round(sim*100*100) / 100
	if conf > 100 {
		conf = 100
	}
	return conf
}

func similarity(distance float32) float64 {
	sim := 1 - float64(distance)/2
	if sim < 0 {
		sim = 0
	}
	return math.Round(sim*10000) / 10000
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func toHistory(msgs []store.Message) []llm.HistoryMessage {
	out := make([]llm.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
