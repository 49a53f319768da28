package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"gwi.com/pdfqa/internal/index"
	"gwi.com/pdfqa/internal/ingest"
	"gwi.com/pdfqa/internal/store"
)

type File struct {
	Name string
	Data []byte
}

// IngestResult reports the outcome for one uploaded file. On failure Stage
// names the step that failed.
type IngestResult struct {
	Filename   string `json:"filename"`
	DocumentID string `json:"document_id,omitempty"`
	Pages      int    `json:"pages"`
	Chunks     int    `json:"chunks"`
	Stage      string `json:"stage,omitempty"`
	Err        error  `json:"-"`
}

func (r IngestResult) OK() bool { return r.Err == nil }

type ServiceStats struct {
	Documents int            `json:"documents"`
	Index     index.Stats    `json:"index"`
	Sessions  int            `json:"sessions"`
	Retries   RetryCounters  `json:"retries"`
	Cache     *CacheCounters `json:"cache,omitempty"`
}

type CacheCounters struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// UploadDocuments ingests each file independently. A file that fails leaves
// no entries in the index and does not stop the others.
func (s *ChatService) UploadDocuments(ctx context.Context, files []File) []IngestResult {
	results := make([]IngestResult, 0, len(files))
	for _, f := range files {
		res := s.ingestOne(ctx, f)
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("file", f.Name).Str("stage", res.Stage).Msg("Failed to ingest document")
		} else {
			log.Info().Str("file", f.Name).Int("pages", res.Pages).Int("chunks", res.Chunks).Msg("Document ingested")
		}
		results = append(results, res)
	}
	return results
}

func (s *ChatService) ingestOne(ctx context.Context, f File) IngestResult {
	res := IngestResult{Filename: f.Name}

	doc, chunks, err := s.ingestor.Ingest(f.Data, f.Name)
	if err != nil {
		res.Err = err
		res.Stage = ingest.StageExtract
		var ue *ingest.UnreadableDocumentError
		if errors.As(err, &ue) {
			res.Stage = ue.Stage
		}
		return res
	}
	res.DocumentID = doc.ID
	res.Pages = doc.Pages

	stage := StageIndex
	err = s.index.Batch(ctx, func(b *index.Batch) error {
		for i, c := range chunks {
			if err := s.limiter.Wait(ctx); err != nil {
				stage = StageEmbed
				return err
			}
			vec, err := s.retry.embed(ctx, s.embedder, c.Text)
			if err != nil {
				stage = StageEmbed
				return fmt.Errorf("embedding chunk %d/%d: %w", i+1, len(chunks), err)
			}
			md := index.Metadata{
				DocumentID: doc.ID,
				Filename:   doc.Filename,
				ChunkIndex: c.Index,
				Page:       c.Page,
				Start:      c.Start,
				End:        c.End,
				Text:       c.Text,
			}
			if err := b.Add(c.ID, vec, md); err != nil {
				return err
			}
			if (i+1)%10 == 0 {
				log.Debug().Str("file", f.Name).Msgf("Embedded %d/%d chunks...", i+1, len(chunks))
			}
		}
		return nil
	})
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", f.Name, err)
		res.Stage = stage
		return res
	}

	err = s.store.SaveDocument(ctx, store.Document{
		ID:         doc.ID,
		Filename:   doc.Filename,
		Size:       doc.Size,
		Pages:      doc.Pages,
		Chunks:     len(chunks),
		IngestedAt: doc.IngestedAt,
	})
	if err != nil {
		res.Err = fmt.Errorf("%s: recording document: %w", f.Name, err)
		res.Stage = StageIndex
		return res
	}
	res.Chunks = len(chunks)
	return res
}

// IngestPaths reads files from disk and uploads them.
func (s *ChatService) IngestPaths(ctx context.Context, paths []string) ([]IngestResult, error) {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file %s: %w", p, err)
		}
		files = append(files, File{Name: filepath.Base(p), Data: data})
	}
	return s.UploadDocuments(ctx, files), nil
}

// ClearDatabase removes every indexed chunk and the document catalogue.
func (s *ChatService) ClearDatabase(ctx context.Context) error {
	if err := s.index.DeleteAll(ctx); err != nil {
		return err
	}
	if err := s.store.DeleteDocuments(ctx); err != nil {
		return err
	}
	log.Info().Msg("Document database cleared")
	return nil
}

func (s *ChatService) Stats(ctx context.Context) (*ServiceStats, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	sessions := len(s.sessions)
	s.mu.RUnlock()

	out := &ServiceStats{
		Documents: len(docs),
		Index:     s.index.Stats(),
		Sessions:  sessions,
		Retries:   s.stats.Snapshot(),
	}
	if c, ok := s.embedder.(interface{ Counters() (int64, int64) }); ok {
		hits, misses := c.Counters()
		out.Cache = &CacheCounters{Hits: hits, Misses: misses}
	}
	return out, nil
}

// Documents lists ingested documents, oldest first.
func (s *ChatService) Documents(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}
