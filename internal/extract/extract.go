// Package extract defines the content extraction boundary. The engine
// only depends on the Extractor interface; parsers for richer
// modalities (PDF, audio transcription, frame captioning) plug in as
// external collaborators. A plaintext extractor ships here so the CLI
// and server work end to end on text files.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Fragment is one extracted unit of text in source order, before chunk
// ids are assigned.
type Fragment struct {
	Text       string
	PageNumber *int     // set for paginated sources
	Timestamp  *float64 // seconds, set for time-coded media
}

// Extractor turns raw source bytes into ordered fragments.
type Extractor interface {
	Extract(data []byte) ([]Fragment, error)
}

// TextExtractor splits plaintext or markdown into sentence-merged
// fragments with optional sentence overlap between neighbours.
type TextExtractor struct {
	sentencesPerChunk int
	overlapSentences  int
	splitter          *regexp.Regexp
}

// NewTextExtractor creates a sentence-merge extractor.
func NewTextExtractor(sentencesPerChunk, overlapSentences int) *TextExtractor {
	if sentencesPerChunk <= 0 {
		sentencesPerChunk = 5
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}
	if overlapSentences >= sentencesPerChunk {
		overlapSentences = sentencesPerChunk - 1
	}
	return &TextExtractor{
		sentencesPerChunk: sentencesPerChunk,
		overlapSentences:  overlapSentences,
		splitter:          regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`),
	}
}

// Extract splits the text into overlapping sentence groups. Input that
// is not valid UTF-8 is rejected before touching the stores.
func (e *TextExtractor) Extract(data []byte) ([]Fragment, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("input is not valid UTF-8 text")
	}
	content := string(data)

	sentences := e.splitter.FindAllString(content, -1)
	if len(sentences) == 0 {
		trimmed := strings.TrimSpace(content)
		if trimmed == "" {
			return nil, nil
		}
		sentences = []string{trimmed}
	}
	for i := range sentences {
		sentences[i] = strings.TrimSpace(sentences[i])
	}

	var fragments []Fragment
	i := 0
	for i < len(sentences) {
		end := i + e.sentencesPerChunk
		if end > len(sentences) {
			end = len(sentences)
		}
		text := strings.Join(sentences[i:end], " ")
		if strings.TrimSpace(text) != "" {
			fragments = append(fragments, Fragment{Text: text})
		}
		if end == len(sentences) {
			break
		}
		i = end - e.overlapSentences
	}
	return fragments, nil
}
