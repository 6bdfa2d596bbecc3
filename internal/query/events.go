package query

import "github.com/aegisrag/aegisrag/internal/store"

// Event is one frame of a streamed answer. Exactly one Metadata event
// opens the stream, Token events follow, and either Done or ErrorEvent
// terminates it.
type Event interface {
	eventType() string
}

type Metadata struct {
	Type          string         `json:"type"`
	ChatID        string         `json:"chat_id"`
	Confidence    float64        `json:"confidence"`
	Sources       []store.Source `json:"sources"`
	RetrievalTime float64        `json:"retrieval_time"`
}

type Token struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type Done struct {
	Type string `json:"type"`
}

type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"message"`
}

func (Metadata) eventType() string   { return "metadata" }
func (Token) eventType() string      { return "token" }
func (Done) eventType() string       { return "done" }
func (ErrorEvent) eventType() string { return "error" }

func newMetadata(chatID string, confidence float64, sources []store.Source, seconds float64) Metadata {
	if sources == nil {
		sources = []store.Source{}
	}
	return Metadata{
		Type:          "metadata",
		ChatID:        chatID,
		Confidence:    confidence,
		Sources:       sources,
		RetrievalTime: seconds,
	}
}

func newToken(content string) Token { return Token{Type: "token", Content: content} }

func newDone() Done { return Done{Type: "done"} }

func newError(msg string) ErrorEvent { return ErrorEvent{Type: "error", Error: msg} }
