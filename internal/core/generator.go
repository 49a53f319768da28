package core

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"gwi.com/pdfqa/internal/config"
	"gwi.com/pdfqa/internal/llm"
	"gwi.com/pdfqa/internal/memory"
)

const (
	answerInstruction = "You are a helpful assistant that answers questions about the user's uploaded documents. " +
		"Answer using only the numbered sources provided with each question. " +
		"Cite every source you rely on with its label, for example [S1]. " +
		"If the sources do not contain the answer, clearly state that you don't have the information. " +
		"Keep your answers concise and do not make up information."

	generalInstruction = "You are a helpful assistant. No passage of the user's uploaded documents matched this question, " +
		"so answer from general knowledge and say that the answer is not based on their documents. " +
		"Keep your answers concise."

	// DeclineMessage is the answer under the decline policy when nothing relevant was retrieved.
	DeclineMessage = "I couldn't find anything in the uploaded documents that answers this question. " +
		"Try rephrasing it or upload a document that covers the topic."

	truncationMark = " [...]"
)

var citationPattern = regexp.MustCompile(`\[S(\d+)\]`)

type Answer struct {
	Text  string
	Cited []ScoredChunk
}

// Generator builds a bounded prompt and asks the chat model for an answer.
type Generator struct {
	chat   llm.ChatModel
	policy string
	budget int
	retry  *retrier
}

// Generate answers question from chunks, most relevant first, and history,
// oldest first.
func (g *Generator) Generate(ctx context.Context, question string, chunks []ScoredChunk, history []memory.Turn) (*Answer, error) {
	if len(chunks) == 0 {
		return g.withoutContext(ctx, question, history)
	}

	room := g.budget - len(answerInstruction) - len(question) - len("Sources:\n\nQuestion: ")
	evidence, supplied := packEvidence(chunks, room)
	room -= len(evidence)

	prompt := fmt.Sprintf("Sources:\n%s\nQuestion: %s", evidence, question)
	text, err := g.retry.complete(ctx, g.chat, llm.Completion{
		System:  answerInstruction,
		History: packHistory(history, room),
		Prompt:  prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get LLM completion: %w", err)
	}
	return &Answer{Text: text, Cited: citedChunks(text, supplied)}, nil
}

func (g *Generator) withoutContext(ctx context.Context, question string, history []memory.Turn) (*Answer, error) {
	if g.policy != config.NoContextGeneral {
		log.Debug().Msg("No context retrieved, declining to answer")
		return &Answer{Text: DeclineMessage}, nil
	}
	room := g.budget - len(generalInstruction) - len(question)
	text, err := g.retry.complete(ctx, g.chat, llm.Completion{
		System:  generalInstruction,
		History: packHistory(history, room),
		Prompt:  question,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get LLM completion: %w", err)
	}
	return &Answer{Text: text}, nil
}

// packEvidence labels chunks [S1]..[Sn] in order until room runs out. The
// first chunk is truncated rather than dropped.
func packEvidence(chunks []ScoredChunk, room int) (string, []ScoredChunk) {
	var b strings.Builder
	var supplied []ScoredChunk
	for i, c := range chunks {
		header := fmt.Sprintf("[S%d] (%s, page %d)\n", i+1, c.Metadata.Filename, c.Metadata.Page)
		body := strings.TrimSpace(c.Metadata.Text) + "\n\n"
		if b.Len()+len(header)+len(body) > room {
			if i > 0 {
				break
			}
			keep := room - len(header) - len(truncationMark) - 2
			if keep <= 0 {
				keep = 0
			}
			body = truncateRunes(body, keep) + truncationMark + "\n\n"
		}
		b.WriteString(header)
		b.WriteString(body)
		supplied = append(supplied, c)
	}
	return b.String(), supplied
}

// packHistory keeps the newest turns that fit in room, returned oldest first.
func packHistory(history []memory.Turn, room int) []llm.Message {
	keep := 0
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		size := len(history[i].Question) + len(history[i].Answer)
		if used+size > room {
			break
		}
		used += size
		keep++
	}

	msgs := make([]llm.Message, 0, 2*keep)
	for _, t := range history[len(history)-keep:] {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: t.Question},
			llm.Message{Role: llm.RoleAssistant, Content: t.Answer},
		)
	}
	return msgs
}

// citedChunks maps [Sn] labels in text to supplied chunks in order of first
// mention. Without any valid label every supplied chunk is cited.
func citedChunks(text string, supplied []ScoredChunk) []ScoredChunk {
	seen := make(map[int]bool)
	var cited []ScoredChunk
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(supplied) || seen[n] {
			continue
		}
		seen[n] = true
		cited = append(cited, supplied[n-1])
	}
	if len(cited) == 0 {
		return supplied
	}
	return cited
}

func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		cut = i
	}
	return s[:cut]
}
