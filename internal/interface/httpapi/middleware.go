package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PractitionerHeader は上流の認証層が付与する施術者IDのヘッダー
const PractitionerHeader = "X-Practitioner-ID"

type practitionerKey struct{}

// practitionerFrom はリクエストコンテキストから施術者IDを取り出す
func practitionerFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(practitionerKey{}).(uuid.UUID)
	return id
}

// requirePractitioner は施術者IDヘッダーがないリクエストを 401 で拒否する
func requirePractitioner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(PractitionerHeader))
		if raw == "" {
			writeFailure(w, http.StatusUnauthorized, "Unauthorized", "missing "+PractitionerHeader+" header")
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			writeFailure(w, http.StatusUnauthorized, "Unauthorized", "invalid "+PractitionerHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), practitionerKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := s.logger.Debug
		if rec.status >= http.StatusInternalServerError {
			level = s.logger.Warn
		}
		level("HTTPリクエストを処理しました",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("ハンドラーでpanicが発生しました", "panic", v, "path", r.URL.Path)
				writeFailure(w, http.StatusInternalServerError, "Internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
