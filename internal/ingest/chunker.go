package ingest

import (
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Span is a window over the extracted text. Offsets count runes, End is exclusive.
type Span struct {
	Start int
	End   int
	Text  string
}

// Chunker splits text with a sliding window of fixed size and overlap.
type Chunker struct {
	size    int
	overlap int
}

type ChunkerOption func(*Chunker)

func WithChunkSize(size int) ChunkerOption {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

func WithOverlap(overlap int) ChunkerOption {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{size: DefaultChunkSize, overlap: DefaultChunkOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split cuts text into windows of at most Size runes. Consecutive windows share
// exactly Overlap runes. A window that would end inside a word is pulled back to
// the preceding whitespace when that still moves the next window forward.
func (c *Chunker) Split(text string) []Span {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	spans := make([]Span, 0, n/(c.size-c.overlap)+1)
	start := 0
	for {
		end := start + c.size
		if end >= n {
			spans = append(spans, Span{Start: start, End: n, Text: string(runes[start:n])})
			return spans
		}
		end = c.wordBoundary(runes, start, end)
		spans = append(spans, Span{Start: start, End: end, Text: string(runes[start:end])})
		start = end - c.overlap
	}
}

// wordBoundary never returns a value at or below start+overlap.
func (c *Chunker) wordBoundary(runes []rune, start, end int) int {
	if unicode.IsSpace(runes[end-1]) || unicode.IsSpace(runes[end]) {
		return end
	}
	for i := end - 1; i > start+c.overlap; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

// Reconstruct drops the overlapping prefix of every span after the first and
// joins the rest, giving back the text Split was called with.
func Reconstruct(spans []Span, overlap int) string {
	var b strings.Builder
	for i, s := range spans {
		if i == 0 {
			b.WriteString(s.Text)
			continue
		}
		r := []rune(s.Text)
		if overlap < len(r) {
			b.WriteString(string(r[overlap:]))
		}
	}
	return b.String()
}
