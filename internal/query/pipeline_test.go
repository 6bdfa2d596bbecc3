package query

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/aegisrag/aegisrag/internal/llm"
	"github.com/aegisrag/aegisrag/internal/store"
	"github.com/aegisrag/aegisrag/internal/vectorindex"
)

// mapEmbedder returns a fixed vector per known text and a default for
// everything else.
type mapEmbedder struct {
	vecs map[string][]float32
	def  []float32
}

func (m *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := m.vecs[text]; ok {
		return v, nil
	}
	return m.def, nil
}

type fakeStream struct {
	tokens []string
	err    error
	pos    int
}

func (s *fakeStream) Recv() (string, error) {
	if s.pos < len(s.tokens) {
		tok := s.tokens[s.pos]
		s.pos++
		return tok, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeGenerator struct {
	tokens    []string
	streamErr error
	startErr  error

	called      bool
	gotContext  string
	gotHistory  []llm.HistoryMessage
	gotQuestion string
}

func (g *fakeGenerator) GenerateStream(_ context.Context, question, contextBlock string, history []llm.HistoryMessage) (llm.TokenStream, error) {
	g.called = true
	g.gotQuestion = question
	g.gotContext = contextBlock
	g.gotHistory = history
	if g.startErr != nil {
		return nil, g.startErr
	}
	return &fakeStream{tokens: g.tokens, err: g.streamErr}, nil
}

type testEnv struct {
	pipeline *Pipeline
	chunks   *store.ChunkStore
	history  *store.HistoryStore
	index    *vectorindex.Index
	gen      *fakeGenerator
}

func newTestEnv(t *testing.T, gen *fakeGenerator, emb *mapEmbedder, opts Options) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := vectorindex.Open(t.TempDir(), 2)
	require.NoError(t, err)

	chunks := store.NewChunkStore(db)
	history := store.NewHistoryStore(db)
	pipeline := NewPipeline(chunks, history, idx, emb, gen, Config{TopK: 3}, opts)
	return &testEnv{pipeline: pipeline, chunks: chunks, history: history, index: idx, gen: gen}
}

func seedChunk(t *testing.T, env *testEnv, id, text, source string, typ store.SourceType, vec []float32) {
	t.Helper()
	now := time.Now().UTC()
	_, err := env.chunks.Upsert(context.Background(), []store.Chunk{{
		ChunkID: id, Text: text, SourceFile: source, SourceType: typ,
		FirstSeenAt: now, LastSeenAt: now,
	}})
	require.NoError(t, err)
	_, err = env.index.Add([][]float32{vec}, []string{id})
	require.NoError(t, err)
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestStreamEventOrdering(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"The ", "answer."}}
	emb := &mapEmbedder{def: []float32{1, 0}}
	env := newTestEnv(t, gen, emb, Options{})
	seedChunk(t, env, "a.txt_seg0", "alpha text", "a.txt", store.SourceTypeDocument, []float32{1, 0})
	seedChunk(t, env, "b.txt_seg0", "beta text", "b.txt", store.SourceTypeDocument, []float32{0, 1})

	events, chatID, err := env.pipeline.StreamQuery(context.Background(), "", "what is alpha?")
	require.NoError(t, err)
	require.NotEmpty(t, chatID)

	got := collect(t, events)
	require.GreaterOrEqual(t, len(got), 4)

	meta, ok := got[0].(Metadata)
	require.True(t, ok, "first event must be metadata, got %T", got[0])
	require.Equal(t, chatID, meta.ChatID)
	require.Greater(t, meta.Confidence, 0.0)
	require.NotEmpty(t, meta.Sources)
	require.Equal(t, "a.txt", meta.Sources[0].Source)

	require.Equal(t, newToken("The "), got[1])
	require.Equal(t, newToken("answer."), got[2])
	require.IsType(t, Done{}, got[len(got)-1])

	// Exact match ranks first, so its text leads the context block.
	require.Contains(t, gen.gotContext, "alpha text")

	msgs, err := env.history.Messages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "what is alpha?", msgs[0].Content)
	require.Equal(t, "The answer.", msgs[1].Content)
	require.NotEmpty(t, msgs[1].Sources)
}

func TestFallbackSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"should never appear"}}
	emb := &mapEmbedder{def: []float32{1, 0}}
	env := newTestEnv(t, gen, emb, Options{})

	events, chatID, err := env.pipeline.StreamQuery(context.Background(), "", "anything at all?")
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)

	meta := got[0].(Metadata)
	require.Equal(t, 0.0, meta.Confidence)
	require.Empty(t, meta.Sources)
	require.Equal(t, newToken(llm.FallbackAnswer), got[1])
	require.IsType(t, Done{}, got[2])
	require.False(t, gen.called)

	msgs, err := env.history.Messages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, llm.FallbackAnswer, msgs[1].Content)
}

func TestGenerationFailureMidStream(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"partial ", "answer"}, streamErr: errors.New("model crashed")}
	emb := &mapEmbedder{def: []float32{1, 0}}
	env := newTestEnv(t, gen, emb, Options{})
	seedChunk(t, env, "a.txt_seg0", "alpha", "a.txt", store.SourceTypeDocument, []float32{1, 0})

	events, chatID, err := env.pipeline.StreamQuery(context.Background(), "", "question?")
	require.NoError(t, err)

	got := collect(t, events)
	require.IsType(t, ErrorEvent{}, got[len(got)-1])

	// The partial answer is still recorded.
	msgs, err := env.history.Messages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "partial answer", msgs[1].Content)
}

func TestGenerationStartFailure(t *testing.T) {
	gen := &fakeGenerator{startErr: errors.New("connection refused")}
	emb := &mapEmbedder{def: []float32{1, 0}}
	env := newTestEnv(t, gen, emb, Options{})
	seedChunk(t, env, "a.txt_seg0", "alpha", "a.txt", store.SourceTypeDocument, []float32{1, 0})

	events, _, err := env.pipeline.StreamQuery(context.Background(), "", "question?")
	require.NoError(t, err)

	got := collect(t, events)
	require.IsType(t, Metadata{}, got[0])
	require.IsType(t, ErrorEvent{}, got[len(got)-1])
}

func TestHistoryWindowExcludesCurrentQuestion(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"second answer"}}
	emb := &mapEmbedder{def: []float32{1, 0}}
	env := newTestEnv(t, gen, emb, Options{})
	seedChunk(t, env, "a.txt_seg0", "alpha", "a.txt", store.SourceTypeDocument, []float32{1, 0})

	events, chatID, err := env.pipeline.StreamQuery(context.Background(), "", "first question?")
	require.NoError(t, err)
	collect(t, events)

	events, _, err = env.pipeline.StreamQuery(context.Background(), chatID, "second question?")
	require.NoError(t, err)
	collect(t, events)

	require.Equal(t, "second question?", gen.gotQuestion)
	require.Len(t, gen.gotHistory, 2)
	require.Equal(t, "first question?", gen.gotHistory[0].Content)
	require.Equal(t, "second answer", gen.gotHistory[1].Content)
	for _, msg := range gen.gotHistory {
		require.NotEqual(t, "second question?", msg.Content)
	}
}

func TestSourcesDedupedBySourceFile(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"ok"}}
	emb := &mapEmbedder{def: []float32{0, 0}}
	env := newTestEnv(t, gen, emb, Options{})
	seedChunk(t, env, "a.txt_seg0", "near", "a.txt", store.SourceTypeDocument, []float32{0.1, 0})
	seedChunk(t, env, "a.txt_seg1", "far", "a.txt", store.SourceTypeDocument, []float32{0.5, 0})
	seedChunk(t, env, "b.txt_seg0", "other", "b.txt", store.SourceTypeDocument, []float32{0.2, 0})

	events, _, err := env.pipeline.StreamQuery(context.Background(), "", "question?")
	require.NoError(t, err)
	got := collect(t, events)

	meta := got[0].(Metadata)
	require.Len(t, meta.Sources, 2)
	require.Equal(t, "a.txt", meta.Sources[0].Source)
	// The best hit for a.txt sets its score.
	require.Greater(t, meta.Sources[0].Score, meta.Sources[1].Score)
}

func TestVisualCueTriggersJointIndex(t *testing.T) {
	jointIdx, err := vectorindex.Open(t.TempDir(), 2)
	require.NoError(t, err)

	gen := &fakeGenerator{tokens: []string{"ok"}}
	emb := &mapEmbedder{def: []float32{1, 0}}
	jointEmb := &mapEmbedder{def: []float32{0, 1}}
	env := newTestEnv(t, gen, emb, Options{JointIndex: jointIdx, JointEmbedder: jointEmb})

	seedChunk(t, env, "doc.txt_seg0", "text chunk", "doc.txt", store.SourceTypeDocument, []float32{1, 0})

	now := time.Now().UTC()
	_, err = env.chunks.Upsert(context.Background(), []store.Chunk{{
		ChunkID: "pic.txt_seg0", Text: "a wiring diagram", SourceFile: "pic.txt",
		SourceType: store.SourceTypeImage, FirstSeenAt: now, LastSeenAt: now,
	}})
	require.NoError(t, err)
	_, err = jointIdx.Add([][]float32{{0, 1}}, []string{"pic.txt_seg0"})
	require.NoError(t, err)

	// No visual cue: only the text index is used.
	events, _, err := env.pipeline.StreamQuery(context.Background(), "", "what does the text say?")
	require.NoError(t, err)
	meta := collect(t, events)[0].(Metadata)
	require.Len(t, meta.Sources, 1)
	require.Equal(t, "doc.txt", meta.Sources[0].Source)

	// Visual cue: the joint hit is within threshold and joins.
	events, _, err = env.pipeline.StreamQuery(context.Background(), "", "show me the diagram")
	require.NoError(t, err)
	meta = collect(t, events)[0].(Metadata)
	require.Len(t, meta.Sources, 2)
}

func TestContextTruncationKeepsValidUTF8(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"ok"}}
	emb := &mapEmbedder{def: []float32{1, 0}}
	env := newTestEnv(t, gen, emb, Options{})
	env.pipeline = NewPipeline(env.chunks, env.history, env.index, emb, gen,
		Config{TopK: 3, ContextChars: 5}, Options{})

	// Two-byte runes throughout, so a byte-offset cut at 5 would land
	// mid-rune.
	seedChunk(t, env, "a.txt_seg0", strings.Repeat("é", 20), "a.txt", store.SourceTypeDocument, []float32{1, 0})

	_, err := env.pipeline.Query(context.Background(), "", "question?")
	require.NoError(t, err)
	require.True(t, gen.called)
	require.True(t, utf8.ValidString(gen.gotContext))
	require.LessOrEqual(t, len(gen.gotContext), 5)
	require.NotEmpty(t, gen.gotContext)
}

func TestQueryCollectsFullAnswer(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"full ", "answer"}}
	emb := &mapEmbedder{def: []float32{1, 0}}
	env := newTestEnv(t, gen, emb, Options{})
	seedChunk(t, env, "a.txt_seg0", "alpha", "a.txt", store.SourceTypeDocument, []float32{1, 0})

	ans, err := env.pipeline.Query(context.Background(), "", "question?")
	require.NoError(t, err)
	require.Equal(t, "full answer", ans.Answer)
	require.NotEmpty(t, ans.ChatID)
	require.Greater(t, ans.Confidence, 0.0)
}

func TestConfidenceFrom(t *testing.T) {
	tests := []struct {
		name string
		hits []hit
		want float64
	}{
		{"exact match", []hit{{distance: 0}}, 100},
		{"midpoint", []hit{{distance: 1}}, 50},
		{"at the floor", []hit{{distance: 2}}, 0},
		{"beyond the floor clamps", []hit{{distance: 5}}, 0},
		{"averaged", []hit{{distance: 0}, {distance: 2}}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, confidenceFrom(tt.hits))
		})
	}
}
