package core

import "errors"

var (
	ErrSessionBusy     = errors.New("session is busy with another request")
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyQuestion   = errors.New("question must not be empty")
)

// Ingestion stages after the ingestor's own validate, extract and chunk stages.
const (
	StageEmbed = "embed"
	StageIndex = "index"
)
