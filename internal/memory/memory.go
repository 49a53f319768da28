// Package memory keeps the bounded conversation history of a session.
package memory

import (
	"time"
)

// Source is a chunk reference attached to an answer.
type Source struct {
	Label      string  `json:"label"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Page       int     `json:"page"`
	Score      float32 `json:"score"`
	Snippet    string  `json:"snippet,omitempty"`
}

type Turn struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Sources   []Source  `json:"sources"`
	CreatedAt time.Time `json:"created_at"`
}

// Buffer is a fixed-capacity ring of turns. It is not safe for concurrent
// use; callers serialize access per session.
type Buffer struct {
	turns []Turn
	start int
	size  int
}

func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{turns: make([]Turn, capacity)}
}

func (b *Buffer) Cap() int { return len(b.turns) }

func (b *Buffer) Len() int { return b.size }

// Append adds t as the newest turn. When full, the oldest turn is evicted
// and returned.
func (b *Buffer) Append(t Turn) (evicted *Turn) {
	if b.size < len(b.turns) {
		b.turns[(b.start+b.size)%len(b.turns)] = t
		b.size++
		return nil
	}
	old := b.turns[b.start]
	b.turns[b.start] = t
	b.start = (b.start + 1) % len(b.turns)
	return &old
}

// Recent returns the last n turns, oldest first.
func (b *Buffer) Recent(n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}
	out := make([]Turn, n)
	skip := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.turns[(b.start+skip+i)%len(b.turns)]
	}
	return out
}

// All returns every retained turn, oldest first.
func (b *Buffer) All() []Turn { return b.Recent(b.size) }

// Replace discards the current contents and keeps the newest Cap() turns of ts.
func (b *Buffer) Replace(ts []Turn) {
	b.Clear()
	if len(ts) > len(b.turns) {
		ts = ts[len(ts)-len(b.turns):]
	}
	for _, t := range ts {
		b.Append(t)
	}
}

func (b *Buffer) Clear() {
	for i := range b.turns {
		b.turns[i] = Turn{}
	}
	b.start, b.size = 0, 0
}
