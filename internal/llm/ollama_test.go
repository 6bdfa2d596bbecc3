package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("what is X?", "X is a thing.", nil)

	for _, want := range []string{"what is X?", "X is a thing.", FallbackAnswer} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "Conversation History") {
		t.Error("prompt contains history block without history")
	}
}

func TestBuildPromptWithHistory(t *testing.T) {
	history := []HistoryMessage{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
		{Role: "user", Content: "   "}, // blank, dropped
	}
	prompt := BuildPrompt("follow-up?", "ctx", history)

	if !strings.Contains(prompt, "Conversation History") {
		t.Fatal("prompt missing history block")
	}
	if !strings.Contains(prompt, "User: earlier question") {
		t.Error("prompt missing user turn")
	}
	if !strings.Contains(prompt, "Assistant: earlier answer") {
		t.Error("prompt missing assistant turn")
	}
}

func TestGenerateStreamTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("request must ask for streaming")
		}
		if !strings.Contains(req.Prompt, "the question") {
			t.Error("prompt missing question")
		}
		fmt.Fprintln(w, `{"response":"Hello","done":false}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"response":" world","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(Config{BaseURL: srv.URL})
	stream, err := gen.GenerateStream(context.Background(), "the question", "ctx", nil)
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		tok, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		got = append(got, tok)
	}
	if strings.Join(got, "") != "Hello world" {
		t.Errorf("streamed %q, want %q", strings.Join(got, ""), "Hello world")
	}

	// Recv after EOF stays EOF.
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv() after EOF = %v, want io.EOF", err)
	}
}

func TestGenerateStreamFinalTokenOnDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"tail","done":true}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(Config{BaseURL: srv.URL})
	stream, err := gen.GenerateStream(context.Background(), "q", "ctx", nil)
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer stream.Close()

	tok, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if tok != "tail" {
		t.Errorf("Recv() = %q, want tail", tok)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv() = %v, want io.EOF", err)
	}
}

func TestGenerateStreamServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(Config{BaseURL: srv.URL})
	if _, err := gen.GenerateStream(context.Background(), "q", "ctx", nil); err == nil {
		t.Error("GenerateStream() expected error for non-200 response")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(Config{BaseURL: srv.URL})
	if err := gen.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	down := NewOllamaGenerator(Config{BaseURL: "http://127.0.0.1:1"})
	if err := down.Ping(context.Background()); err == nil {
		t.Error("Ping() expected error for unreachable server")
	}
}
