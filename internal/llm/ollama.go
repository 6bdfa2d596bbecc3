package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultBaseURL   = "http://localhost:11434"
	DefaultModel     = "llama3.2"
	DefaultMaxTokens = 256
)

// Config holds configuration for the Ollama generator.
type Config struct {
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	// Timeout bounds connection establishment; the streaming body
	// itself is bounded by the caller's context.
	Timeout time.Duration
}

// OllamaGenerator streams tokens from the Ollama /api/generate endpoint.
type OllamaGenerator struct {
	client      *http.Client
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
}

// generateRequest is the Ollama /api/generate request format.
type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *options `json:"options,omitempty"`
}

// options holds generation parameters.
type options struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// generateResponse is one line of the streamed NDJSON response.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaGenerator creates a new Ollama generator.
func NewOllamaGenerator(cfg Config) *OllamaGenerator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	transport := &http.Transport{}
	client := &http.Client{Transport: transport}
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}

	return &OllamaGenerator{
		client:      client,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// GenerateStream starts streaming generation. The returned stream must
// be closed by the caller; closing before EOF aborts generation.
func (g *OllamaGenerator) GenerateStream(ctx context.Context, question, contextBlock string, history []HistoryMessage) (TokenStream, error) {
	prompt := BuildPrompt(question, contextBlock, history)

	reqBody, err := json.Marshal(generateRequest{
		Model:  g.model,
		Prompt: prompt,
		Stream: true,
		Options: &options{
			NumPredict:  g.maxTokens,
			Temperature: g.temperature,
			Stop:        []string{"Question:"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("ollama error (status %d): failed to read response", resp.StatusCode)
		}
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	return &ollamaStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
	}, nil
}

// Ping validates the service is reachable by checking the /api/tags
// endpoint without running inference.
func (g *OllamaGenerator) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("ollama: failed to create ping request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: ping failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: API returned status %d", resp.StatusCode)
	}
	return nil
}

// ollamaStream decodes one NDJSON line per Recv. No buffering beyond
// the line currently being decoded.
type ollamaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *ollamaStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Done {
			s.done = true
			if chunk.Response != "" {
				return chunk.Response, nil
			}
			return "", io.EOF
		}
		return chunk.Response, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	s.done = true
	return "", io.EOF
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}
