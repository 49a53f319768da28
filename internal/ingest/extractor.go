package ingest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Extractor turns raw document bytes into plain text, one string per page.
type Extractor interface {
	Extract(data []byte) ([]string, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(data []byte) ([]string, error)

func (f ExtractorFunc) Extract(data []byte) ([]string, error) { return f(data) }

// PDFExtractor reads the text layer of a PDF document page by page.
type PDFExtractor struct{}

func (PDFExtractor) Extract(data []byte) (pages []string, err error) {
	// The pdf package panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("corrupt pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	pages = make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to extract text from page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// TextExtractor accepts UTF-8 plain text and markdown. Form feeds split pages.
type TextExtractor struct{}

func (TextExtractor) Extract(data []byte) ([]string, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("text is not valid UTF-8")
	}
	return strings.Split(string(data), "\f"), nil
}

// Registry selects an extractor by file extension.
type Registry struct {
	extractors map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// DefaultRegistry handles .pdf, .txt and .md files.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("pdf", PDFExtractor{})
	r.Register("txt", TextExtractor{})
	r.Register("md", TextExtractor{})
	return r
}

func (r *Registry) Register(ext string, e Extractor) {
	r.extractors[strings.ToLower(strings.TrimPrefix(ext, "."))] = e
}

func (r *Registry) ForFilename(filename string) (Extractor, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	e, ok := r.extractors[ext]
	return e, ok
}
