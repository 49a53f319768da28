package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Document is an uploaded file after text extraction.
type Document struct {
	ID         string
	Filename   string
	Size       int64
	Pages      int
	IngestedAt time.Time
}

// Chunk is one retrieval unit of a document.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Text       string
	Start      int
	End        int
	Page       int
}

// Ingestor extracts and chunks uploaded documents. It does not persist anything.
type Ingestor struct {
	registry *Registry
	chunker  *Chunker
	maxSize  int64
	now      func() time.Time
}

func NewIngestor(registry *Registry, chunker *Chunker, maxSize int64) *Ingestor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if chunker == nil {
		chunker = NewChunker()
	}
	return &Ingestor{registry: registry, chunker: chunker, maxSize: maxSize, now: time.Now}
}

func (in *Ingestor) Chunker() *Chunker { return in.chunker }

// Ingest returns the document and its chunks. Any failure is an *UnreadableDocumentError.
func (in *Ingestor) Ingest(data []byte, filename string) (*Document, []Chunk, error) {
	if in.maxSize > 0 && int64(len(data)) > in.maxSize {
		return nil, nil, unreadable(filename, StageValidate,
			fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(data), in.maxSize))
	}
	if len(data) == 0 {
		return nil, nil, unreadable(filename, StageValidate, fmt.Errorf("empty file"))
	}

	extractor, ok := in.registry.ForFilename(filename)
	if !ok {
		return nil, nil, unreadable(filename, StageValidate, ErrUnsupportedType)
	}

	pages, err := extractor.Extract(data)
	if err != nil {
		return nil, nil, unreadable(filename, StageExtract, err)
	}

	text, pageStarts := joinPages(pages)
	if strings.TrimSpace(text) == "" {
		return nil, nil, unreadable(filename, StageExtract, ErrNoText)
	}

	doc := &Document{
		ID:         documentID(filename, data),
		Filename:   filename,
		Size:       int64(len(data)),
		Pages:      len(pages),
		IngestedAt: in.now(),
	}

	spans := in.chunker.Split(text)
	if len(spans) == 0 {
		return nil, nil, unreadable(filename, StageChunk, ErrNoText)
	}
	chunks := make([]Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = Chunk{
			ID:         doc.ID + ":" + strconv.Itoa(i),
			DocumentID: doc.ID,
			Index:      i,
			Text:       s.Text,
			Start:      s.Start,
			End:        s.End,
			Page:       pageAt(pageStarts, s.Start),
		}
	}
	return doc, chunks, nil
}

// joinPages separates pages with a newline and records the rune offset where each starts.
func joinPages(pages []string) (string, []int) {
	var b strings.Builder
	starts := make([]int, len(pages))
	offset := 0
	for i, p := range pages {
		if i > 0 {
			b.WriteByte('\n')
			offset++
		}
		starts[i] = offset
		b.WriteString(p)
		offset += len([]rune(p))
	}
	return b.String(), starts
}

// pageAt returns the 1-based page holding the rune offset.
func pageAt(starts []int, offset int) int {
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	if i == 0 {
		return 1
	}
	return i
}

func documentID(filename string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(filename))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
