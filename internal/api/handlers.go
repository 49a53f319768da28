package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"gwi.com/pdfqa/internal/core"
	"gwi.com/pdfqa/internal/index"
	"gwi.com/pdfqa/internal/llm"
)

const (
	maxUploadMemory     = 32 << 20
	maxUploadFiles      = 20
	multipartOverhead   = 64 << 10
	defaultRecentTurns  = 3
	uploadFormFieldName = "files"
)

type APIHandler struct {
	chatService *core.ChatService
	maxBodySize int64
}

// NewAPIHandler caps upload bodies at maxUploadFiles files of maxFileSize bytes.
func NewAPIHandler(cs *core.ChatService, maxFileSize int64) *APIHandler {
	return &APIHandler{
		chatService: cs,
		maxBodySize: maxFileSize*maxUploadFiles + multipartOverhead,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps service errors to HTTP statuses. Unexpected errors are
// logged and reported with msg only.
func writeError(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, core.ErrEmptyQuestion):
		status = http.StatusBadRequest
	case errors.Is(err, index.ErrSchemaMismatch):
		status = http.StatusConflict
	case errors.Is(err, llm.ErrEmbeddingUnavailable), errors.Is(err, llm.ErrGenerationUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
		http.Error(w, msg, status)
		return
	}
	http.Error(w, err.Error(), status)
}

// Documents

type UploadResult struct {
	Filename   string `json:"filename"`
	DocumentID string `json:"document_id,omitempty"`
	Pages      int    `json:"pages"`
	Chunks     int    `json:"chunks"`
	OK         bool   `json:"ok"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error,omitempty"`
}

type UploadResponse struct {
	Results []UploadResult `json:"results"`
}

func (h *APIHandler) UploadDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Upload exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid multipart body: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()
	headers := r.MultipartForm.File[uploadFormFieldName]
	if len(headers) == 0 {
		http.Error(w, "At least one file is required in field \""+uploadFormFieldName+"\"", http.StatusBadRequest)
		return
	}
	if len(headers) > maxUploadFiles {
		http.Error(w, "At most "+strconv.Itoa(maxUploadFiles)+" files per upload", http.StatusBadRequest)
		return
	}

	files := make([]core.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, "Failed to read upload "+fh.Filename, http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			http.Error(w, "Failed to read upload "+fh.Filename, http.StatusBadRequest)
			return
		}
		files = append(files, core.File{Name: fh.Filename, Data: data})
	}

	results := h.chatService.UploadDocuments(r.Context(), files)
	resp := UploadResponse{Results: make([]UploadResult, 0, len(results))}
	for _, res := range results {
		out := UploadResult{
			Filename:   res.Filename,
			DocumentID: res.DocumentID,
			Pages:      res.Pages,
			Chunks:     res.Chunks,
			OK:         res.OK(),
			Stage:      res.Stage,
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		resp.Results = append(resp.Results, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := h.chatService.Documents(r.Context())
	if err != nil {
		writeError(w, err, "Failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *APIHandler) ClearDatabaseHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.ClearDatabase(r.Context()); err != nil {
		writeError(w, err, "Failed to clear database")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.chatService.Stats(r.Context())
	if err != nil {
		writeError(w, err, "Failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Sessions

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, h.chatService.NewSession())
}

func (h *APIHandler) LoadSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	info, err := h.chatService.LoadSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err, "Failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type SaveSessionResponse struct {
	Location string `json:"location"`
}

func (h *APIHandler) SaveSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	location, err := h.chatService.SaveSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err, "Failed to save session")
		return
	}
	writeJSON(w, http.StatusOK, SaveSessionResponse{Location: location})
}

func (h *APIHandler) ClearSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.chatService.ClearSession(r.Context(), sessionID); err != nil {
		writeError(w, err, "Failed to clear session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteSavedSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.chatService.DeleteSavedSession(r.Context(), sessionID); err != nil {
		writeError(w, err, "Failed to delete saved session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) RecentTurnsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	n := defaultRecentTurns
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "Query parameter n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = v
	}

	turns, err := h.chatService.RecentTurns(sessionID, n)
	if err != nil {
		writeError(w, err, "Failed to get turns")
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

type AskRequest struct {
	Question string `json:"question"`
}

func (h *APIHandler) AskHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.chatService.Ask(r.Context(), sessionID, req.Question)
	if err != nil {
		writeError(w, err, "Failed to answer question")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
