package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"gwi.com/pdfqa/internal/config"
	"gwi.com/pdfqa/internal/index"
	"gwi.com/pdfqa/internal/ingest"
	"gwi.com/pdfqa/internal/llm"
	"gwi.com/pdfqa/internal/memory"
	"gwi.com/pdfqa/internal/store"
)

// Store persists sessions and the document catalogue.
type Store interface {
	SaveSession(ctx context.Context, sessionID string, createdAt time.Time, turns []memory.Turn) error
	LoadSession(ctx context.Context, sessionID string) (*store.Session, []memory.Turn, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SaveDocument(ctx context.Context, doc store.Document) error
	ListDocuments(ctx context.Context) ([]store.Document, error)
	DeleteDocuments(ctx context.Context) error
	Location(sessionID string) string
}

type SessionInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Turns     int       `json:"turns"`
}

type AnswerResult struct {
	TurnID  string          `json:"turn_id"`
	Text    string          `json:"text"`
	Sources []memory.Source `json:"sources"`
}

type session struct {
	id        string
	createdAt time.Time
	// busy holds one token while a request owns the session. Blocked senders
	// are admitted in arrival order.
	busy chan struct{}
	// closed is set by ClearSession and read only while holding busy.
	closed bool

	mu      sync.Mutex
	history *memory.Buffer
}

func (s *session) acquire(ctx context.Context, policy string) error {
	select {
	case s.busy <- struct{}{}:
		return nil
	default:
	}
	if policy == config.BusyReject {
		return ErrSessionBusy
	}
	select {
	case s.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) release() { <-s.busy }

func (s *session) turns() []memory.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.All()
}

// ChatService sequences ingestion and question answering over one shared
// index. It is built once and shared by all callers.
type ChatService struct {
	ingestor  *ingest.Ingestor
	embedder  llm.Embedder
	index     *index.Index
	retriever *Retriever
	generator *Generator
	store     Store
	limiter   *rate.Limiter
	retry     *retrier
	stats     *Stats

	topK       int
	maxHistory int
	busyPolicy string

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewChatService(cfg *config.Config, ingestor *ingest.Ingestor, embedder llm.Embedder, chat llm.ChatModel, ix *index.Index, st Store) *ChatService {
	stats := &Stats{}
	retry := &retrier{
		maxRetries:      cfg.MaxRetries,
		baseDelay:       cfg.RetryBaseDelay,
		embedTimeout:    cfg.EmbedTimeout,
		generateTimeout: cfg.GenerateTimeout,
		stats:           stats,
	}

	limit := rate.Inf
	if cfg.EmbedRatePerSec > 0 {
		limit = rate.Limit(cfg.EmbedRatePerSec)
	}

	return &ChatService{
		ingestor: ingestor,
		embedder: embedder,
		index:    ix,
		retriever: &Retriever{
			embedder:  embedder,
			index:     ix,
			threshold: float32(cfg.SimilarityThreshold),
			inclusive: cfg.SimilarityInclusive,
			retry:     retry,
		},
		generator: &Generator{
			chat:   chat,
			policy: cfg.NoContextPolicy,
			budget: cfg.PromptBudgetChars,
			retry:  retry,
		},
		store:      st,
		limiter:    rate.NewLimiter(limit, 1),
		retry:      retry,
		stats:      stats,
		topK:       cfg.TopK,
		maxHistory: cfg.MaxHistory,
		busyPolicy: cfg.SessionBusyPolicy,
		sessions:   make(map[string]*session),
	}
}

func (s *ChatService) Retriever() *Retriever { return s.retriever }

// Session methods

func (s *ChatService) NewSession() SessionInfo {
	sess := s.newSession(uuid.NewString(), time.Now())
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	log.Info().Str("session", sess.id).Msg("Session created")
	return SessionInfo{ID: sess.id, CreatedAt: sess.createdAt}
}

func (s *ChatService) newSession(id string, createdAt time.Time) *session {
	return &session{
		id:        id,
		createdAt: createdAt,
		busy:      make(chan struct{}, 1),
		history:   memory.New(s.maxHistory),
	}
}

func (s *ChatService) session(id string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return sess, nil
}

// lock looks up a live session and takes its token. A session cleared while
// the caller was queued is reported as not found.
func (s *ChatService) lock(ctx context.Context, id string) (*session, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if err := sess.acquire(ctx, s.busyPolicy); err != nil {
		return nil, err
	}
	if sess.closed {
		sess.release()
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return sess, nil
}

// ClearSession discards a session and its in-memory history. A saved copy
// stays in the store.
func (s *ChatService) ClearSession(ctx context.Context, id string) error {
	sess, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer sess.release()

	sess.closed = true
	sess.mu.Lock()
	sess.history.Clear()
	sess.mu.Unlock()

	s.mu.Lock()
	if s.sessions[id] == sess {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	log.Info().Str("session", id).Msg("Session cleared")
	return nil
}

// SaveSession writes the session history and returns where it was stored.
func (s *ChatService) SaveSession(ctx context.Context, id string) (string, error) {
	sess, err := s.lock(ctx, id)
	if err != nil {
		return "", err
	}
	defer sess.release()

	turns := sess.turns()
	if err := s.store.SaveSession(ctx, id, sess.createdAt, turns); err != nil {
		return "", fmt.Errorf("saving session %s: %w", id, err)
	}
	location := s.store.Location(id)
	log.Info().Str("session", id).Int("turns", len(turns)).Str("location", location).Msg("Session saved")
	return location, nil
}

// LoadSession restores a saved session, keeping at most the newest
// MAX_CONVERSATION_HISTORY turns.
func (s *ChatService) LoadSession(ctx context.Context, id string) (SessionInfo, error) {
	stored, turns, err := s.store.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SessionInfo{}, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		return SessionInfo{}, fmt.Errorf("loading session %s: %w", id, err)
	}

	sess, err := s.openSession(ctx, stored)
	if err != nil {
		return SessionInfo{}, err
	}
	defer sess.release()

	sess.mu.Lock()
	sess.history.Replace(turns)
	n := sess.history.Len()
	sess.mu.Unlock()

	log.Info().Str("session", id).Int("turns", n).Msg("Session loaded")
	return SessionInfo{ID: sess.id, CreatedAt: sess.createdAt, Turns: n}, nil
}

// openSession returns the live session for a stored one, creating it when
// absent, with its token held. A session cleared while the caller waited is
// replaced by a fresh one.
func (s *ChatService) openSession(ctx context.Context, stored *store.Session) (*session, error) {
	for {
		s.mu.Lock()
		sess, ok := s.sessions[stored.ID]
		if !ok {
			sess = s.newSession(stored.ID, stored.CreatedAt)
			s.sessions[stored.ID] = sess
		}
		s.mu.Unlock()

		if err := sess.acquire(ctx, s.busyPolicy); err != nil {
			return nil, err
		}
		if !sess.closed {
			return sess, nil
		}
		sess.release()
	}
}

// DeleteSavedSession removes the stored copy of a session. A live session
// with the same id is left alone.
func (s *ChatService) DeleteSavedSession(ctx context.Context, id string) error {
	if err := s.store.DeleteSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("saved session %s: %w", id, ErrSessionNotFound)
		}
		return fmt.Errorf("deleting saved session %s: %w", id, err)
	}
	log.Info().Str("session", id).Msg("Saved session deleted")
	return nil
}

// RecentTurns returns the last n turns of a session, oldest first.
func (s *ChatService) RecentTurns(id string, n int) ([]memory.Turn, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.history.Recent(n), nil
}

// Ask answers question within a session. Requests on the same session run
// one at a time; the turn is recorded once, after a successful answer.
func (s *ChatService) Ask(ctx context.Context, sessionID, question string) (*AnswerResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	sess, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer sess.release()

	chunks, err := s.retriever.Retrieve(ctx, question, s.topK)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	answer, err := s.generator.Generate(ctx, question, chunks, sess.turns())
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	turn := memory.Turn{
		ID:        uuid.NewString(),
		Question:  question,
		Answer:    answer.Text,
		Sources:   toSources(answer.Cited, chunks),
		CreatedAt: time.Now(),
	}
	sess.mu.Lock()
	if evicted := sess.history.Append(turn); evicted != nil {
		log.Debug().Str("session", sessionID).Str("turn", evicted.ID).Msg("Evicted oldest turn")
	}
	sess.mu.Unlock()

	log.Info().Str("session", sessionID).Str("turn", turn.ID).Int("sources", len(turn.Sources)).Msg("Question answered")
	return &AnswerResult{TurnID: turn.ID, Text: turn.Answer, Sources: turn.Sources}, nil
}

func toSources(cited, retrieved []ScoredChunk) []memory.Source {
	labels := make(map[string]int, len(retrieved))
	for i, c := range retrieved {
		labels[c.ChunkID] = i + 1
	}
	sources := make([]memory.Source, 0, len(cited))
	for _, c := range cited {
		sources = append(sources, memory.Source{
			Label:      fmt.Sprintf("S%d", labels[c.ChunkID]),
			ChunkID:    c.ChunkID,
			DocumentID: c.Metadata.DocumentID,
			Filename:   c.Metadata.Filename,
			Page:       c.Metadata.Page,
			Score:      c.Score,
			Snippet:    snippet(c.Metadata.Text, 200),
		})
	}
	return sources
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	return truncateRunes(text, max) + "..."
}
