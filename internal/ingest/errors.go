package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrUnreadableDocument = errors.New("unreadable document")
	ErrUnsupportedType    = errors.New("unsupported file type")
	ErrNoText             = errors.New("no extractable text")
	ErrFileTooLarge       = errors.New("file exceeds maximum size")
)

// Ingestion stages named in per-document failures.
const (
	StageValidate = "validate"
	StageExtract  = "extract"
	StageChunk    = "chunk"
)

// UnreadableDocumentError reports a document that could not be turned into text.
// The batch it belongs to continues without it.
type UnreadableDocumentError struct {
	Filename string
	Stage    string
	Err      error
}

func (e *UnreadableDocumentError) Error() string {
	return fmt.Sprintf("document %q unreadable at %s stage: %v", e.Filename, e.Stage, e.Err)
}

func (e *UnreadableDocumentError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrUnreadableDocument for any instance.
func (e *UnreadableDocumentError) Is(target error) bool { return target == ErrUnreadableDocument }

func unreadable(filename, stage string, err error) error {
	return &UnreadableDocumentError{Filename: filename, Stage: stage, Err: err}
}
