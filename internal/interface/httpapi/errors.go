package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jinford/protocol-rag/internal/core/ask"
	"github.com/jinford/protocol-rag/internal/core/ingestion"
	"github.com/jinford/protocol-rag/internal/core/intake"
	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/core/search"
)

type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// errorMapping はドメインエラーと HTTP ステータス・エラーコードの対応
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{intake.ErrInvalidDocument, http.StatusBadRequest, "InvalidDocument"},
	{intake.ErrExtractionFailed, http.StatusUnprocessableEntity, "ExtractionFailed"},
	{intake.ErrQuotaExceeded, http.StatusTooManyRequests, "QuotaExceeded"},
	{intake.ErrClassifierUnavailable, http.StatusServiceUnavailable, "ClassifierUnavailable"},
	{ask.ErrAssistantUnavailable, http.StatusServiceUnavailable, "AssistantUnavailable"},
	{ingestion.ErrEmbeddingBackendUnavailable, http.StatusServiceUnavailable, "EmbeddingBackendUnavailable"},
	{ingestion.ErrWorkerClosed, http.StatusServiceUnavailable, "WorkerUnavailable"},
	{protocol.ErrNotFound, http.StatusNotFound, "NotFound"},
	{protocol.ErrInvalidInput, http.StatusBadRequest, "InvalidInput"},
	{protocol.ErrInvalidTransition, http.StatusConflict, "InvalidTransition"},
	{protocol.ErrRunConflict, http.StatusConflict, "RunConflict"},
	{search.ErrInvalidQuery, http.StatusBadRequest, "InvalidQuery"},
}

// classify はエラーを HTTP ステータスとエラーコードに変換する
func classify(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		return http.StatusTooManyRequests, "QuotaExceeded"
	case llm.IsTransient(err):
		return http.StatusServiceUnavailable, "BackendUnavailable"
	case errors.Is(err, context.Canceled):
		// クライアントが切断済み
		return 499, "Canceled"
	}
	return http.StatusInternalServerError, "Internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	details := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("リクエストの処理に失敗しました", "path", r.URL.Path, "code", code, "error", err)
		if status == http.StatusInternalServerError {
			details = "internal server error"
		}
	}
	writeFailure(w, status, code, details)
}

func writeFailure(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, failureResponse{Success: false, Error: code, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
