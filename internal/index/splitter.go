package index

import (
	"strings"
	"unicode/utf8"
)

// SplitterConfig configures document chunking.
type SplitterConfig struct {
	// ChunkSize is the target size of each chunk in characters.
	ChunkSize int `yaml:"chunk_size"`

	// ChunkOverlap is the number of characters repeated from the previous chunk.
	ChunkOverlap int `yaml:"chunk_overlap"`

	// MinChunkSize drops trailing fragments shorter than this.
	MinChunkSize int `yaml:"min_chunk_size"`
}

// DefaultSplitterConfig returns the default chunking configuration.
func DefaultSplitterConfig() SplitterConfig {
	return SplitterConfig{
		ChunkSize:    1000,
		ChunkOverlap: 200,
		MinChunkSize: 20,
	}
}

// separators are tried in order, from paragraphs down to single characters.
var separators = []string{"\n\n", "\n", ". ", "? ", "! ", "; ", ", ", " ", ""}

// Splitter cuts documents into overlapping chunks, preferring the largest
// separator that keeps each chunk under ChunkSize.
type Splitter struct {
	config SplitterConfig
}

// NewSplitter creates a splitter, sanitizing the configuration.
func NewSplitter(cfg SplitterConfig) *Splitter {
	def := DefaultSplitterConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = 1
	}
	return &Splitter{config: cfg}
}

// Split returns the chunks of text. Whitespace-only input yields nil.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	chunks := s.split(text, separators)
	return s.overlap(chunks)
}

func (s *Splitter) split(text string, seps []string) []string {
	sep := ""
	for _, candidate := range seps {
		if candidate == "" || strings.Contains(text, candidate) {
			sep = candidate
			break
		}
	}

	var pieces []string
	if sep == "" {
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
	} else {
		parts := strings.Split(text, sep)
		for i, part := range parts {
			if i < len(parts)-1 {
				part += sep
			}
			pieces = append(pieces, part)
		}
	}

	var (
		result  []string
		current strings.Builder
	)
	flush := func() {
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		if len(chunk) >= s.config.MinChunkSize {
			result = append(result, chunk)
		}
	}

	for _, piece := range pieces {
		if current.Len() > 0 && current.Len()+len(piece) > s.config.ChunkSize {
			flush()
		}
		if len(piece) > s.config.ChunkSize && len(seps) > 1 {
			if current.Len() > 0 {
				flush()
			}
			result = append(result, s.split(piece, seps[1:])...)
			continue
		}
		current.WriteString(piece)
	}
	if current.Len() > 0 {
		flush()
	}
	return result
}

func (s *Splitter) overlap(chunks []string) []string {
	if len(chunks) <= 1 || s.config.ChunkOverlap <= 0 {
		return chunks
	}
	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		start := len(prev) - min(s.config.ChunkOverlap, len(prev))
		for start < len(prev) && !utf8.RuneStart(prev[start]) {
			start++
		}
		out[i] = prev[start:] + chunks[i]
	}
	return out
}
