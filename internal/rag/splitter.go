package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Split types.
const (
	SplitCharacter = "character"
	SplitToken     = "token"
)

// SplitterConfig selects a splitter and its chunk geometry.
type SplitterConfig struct {
	Type         string // character (default) or token
	ChunkSize    int    // characters or tokens per chunk
	ChunkOverlap int    // characters or tokens shared by neighbouring chunks
}

// Validate checks the chunk geometry.
func (c SplitterConfig) Validate() error {
	switch c.Type {
	case "", SplitCharacter, SplitToken:
	default:
		return fmt.Errorf("unknown split type %q", c.Type)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("chunk_overlap must not be negative, got %d", c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// Splitter breaks a document into chunks.
type Splitter interface {
	Split(text string) []string
}

// NewSplitter builds the splitter for config. counter is only used by the
// token splitter and may be nil for character splitting.
func NewSplitter(config SplitterConfig, counter TokenCounter) (Splitter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SplitToken:
		if counter == nil {
			return nil, fmt.Errorf("token splitter requires a token counter")
		}
		return &recursiveSplitter{
			size:       config.ChunkSize,
			overlap:    config.ChunkOverlap,
			separators: []string{"\n", " ", ""},
			length:     counter.CountTokens,
		}, nil
	default:
		return &recursiveSplitter{
			size:       config.ChunkSize,
			overlap:    config.ChunkOverlap,
			separators: []string{"\n\n", "\n", " ", ""},
			length:     utf8.RuneCountInString,
		}, nil
	}
}

// recursiveSplitter splits on the coarsest separator present and falls back
// to finer separators for pieces that are still too long. Pieces are then
// merged greedily up to size, carrying up to overlap into the next chunk.
type recursiveSplitter struct {
	size       int
	overlap    int
	separators []string
	length     func(string) int
}

func (s *recursiveSplitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.split(text, s.separators)
}

func (s *recursiveSplitter) split(text string, separators []string) []string {
	separator := ""
	var finer []string
	for i, candidate := range separators {
		if candidate == "" || strings.Contains(text, candidate) {
			separator = candidate
			finer = separators[i+1:]
			break
		}
	}

	var pieces []string
	if separator == "" {
		pieces = splitRunes(text)
	} else {
		pieces = strings.Split(text, separator)
	}

	var chunks, pending []string
	for _, piece := range pieces {
		if piece == "" {
			continue
		}
		if s.length(piece) <= s.size {
			pending = append(pending, piece)
			continue
		}
		if len(pending) > 0 {
			chunks = append(chunks, s.merge(pending, separator)...)
			pending = nil
		}
		if len(finer) == 0 {
			chunks = append(chunks, piece)
			continue
		}
		chunks = append(chunks, s.split(piece, finer)...)
	}
	if len(pending) > 0 {
		chunks = append(chunks, s.merge(pending, separator)...)
	}
	return chunks
}

func (s *recursiveSplitter) merge(pieces []string, separator string) []string {
	sepLen := s.length(separator)

	var chunks, window []string
	total := 0
	joinCost := func() int {
		if len(window) > 0 {
			return sepLen
		}
		return 0
	}

	for _, piece := range pieces {
		pieceLen := s.length(piece)
		if len(window) > 0 && total+pieceLen+joinCost() > s.size {
			if chunk := strings.TrimSpace(strings.Join(window, separator)); chunk != "" {
				chunks = append(chunks, chunk)
			}
			// Drop from the front until the remainder fits the overlap budget
			// and leaves room for the incoming piece.
			for len(window) > 0 && (total > s.overlap || total+pieceLen+joinCost() > s.size) {
				dropped := s.length(window[0])
				if len(window) > 1 {
					dropped += sepLen
				}
				total -= dropped
				window = window[1:]
			}
		}
		total += pieceLen + joinCost()
		window = append(window, piece)
	}

	if chunk := strings.TrimSpace(strings.Join(window, separator)); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func splitRunes(text string) []string {
	out := make([]string, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}
