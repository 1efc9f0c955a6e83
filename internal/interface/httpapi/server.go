// Package httpapi は施術者向けの REST API を提供する
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/ask"
	"github.com/jinford/protocol-rag/internal/core/ingestion"
	"github.com/jinford/protocol-rag/internal/core/intake"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/core/search"
	"github.com/jinford/protocol-rag/internal/core/tracker"
)

// Analyzer はアップロードの検証・抽出・分類を行う
type Analyzer interface {
	Analyze(ctx context.Context, upload intake.Upload) (*intake.AnalysisResult, error)
}

// Stager は解析済みアップロードを一時保存する
type Stager interface {
	Stage(ctx context.Context, data []byte) (string, error)
}

// Protocols はプロトコルの登録・参照・編集を行う
type Protocols interface {
	Create(ctx context.Context, params protocol.CreateParams) (*protocol.Protocol, error)
	Get(ctx context.Context, ownerID, id uuid.UUID) (*protocol.Protocol, error)
	List(ctx context.Context, ownerID uuid.UUID) ([]*protocol.Protocol, error)
	UpdateMetadata(ctx context.Context, ownerID, id uuid.UUID, update protocol.MetadataUpdate) (*protocol.Protocol, error)
	Delete(ctx context.Context, ownerID, id uuid.UUID) error
	OpenFile(ctx context.Context, ownerID, id uuid.UUID) (*protocol.Protocol, protocol.File, error)
}

// Processor はバックグラウンドのチャンク化・埋め込みを開始する
type Processor interface {
	Process(ctx context.Context, ownerID, protocolID uuid.UUID) (*ingestion.Trigger, error)
}

// StatusReader は処理状況を返す
type StatusReader interface {
	GetStatus(ctx context.Context, ownerID, protocolID uuid.UUID) (*tracker.Report, error)
}

// Searcher はベクトル検索を行う
type Searcher interface {
	Search(ctx context.Context, params search.Params) (*search.Result, error)
}

// Asker は質問に回答する
type Asker interface {
	Ask(ctx context.Context, params ask.Params) (*ask.Answer, error)
}

// Services は API が利用するサービス群
type Services struct {
	Analyzer  Analyzer
	Files     Stager
	Protocols Protocols
	Processor Processor
	Status    StatusReader
	Search    Searcher
	Ask       Asker
}

// Settings は HTTP サーバーの設定
type Settings struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
	MaxBodyBytes    int64
}

// DefaultSettings はデフォルトの設定を返す
func DefaultSettings() Settings {
	return Settings{
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxUploadBytes:  intake.DefaultMaxUploadBytes,
		MaxBodyBytes:    1 << 20,
	}
}

// Server は REST API の HTTP サーバー
type Server struct {
	svc      Services
	settings Settings
	logger   *slog.Logger
	handler  http.Handler
}

// Option は Server のオプション設定
type Option func(*Server)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSettings はサーバー設定を上書きする
func WithSettings(settings Settings) Option {
	return func(s *Server) {
		s.settings = settings
	}
}

// NewServer は新しい Server を作成する
func NewServer(svc Services, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		settings: DefaultSettings(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler はルーティング済みの http.Handler を返す
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	authed := http.NewServeMux()
	authed.HandleFunc("POST /protocols/analyze", s.handleAnalyze)
	authed.HandleFunc("POST /protocols/search", s.handleSearch)
	authed.HandleFunc("POST /protocols", s.handleCreate)
	authed.HandleFunc("GET /protocols", s.handleList)
	authed.HandleFunc("GET /protocols/{id}", s.handleGet)
	authed.HandleFunc("PATCH /protocols/{id}", s.handleUpdate)
	authed.HandleFunc("DELETE /protocols/{id}", s.handleDelete)
	authed.HandleFunc("GET /protocols/{id}/file", s.handleFile)
	authed.HandleFunc("POST /protocols/{id}/process", s.handleProcess)
	authed.HandleFunc("GET /protocols/{id}/status", s.handleStatus)
	authed.HandleFunc("POST /chat", s.handleChat)

	mux.Handle("/", requirePractitioner(authed))

	return s.recoverPanic(s.logRequests(mux))
}

// ListenAndServe は addr で待ち受け、ctx がキャンセルされたらグレースフルに停止する
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve は listener で待ち受け、ctx がキャンセルされたらグレースフルに停止する
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動しました", "addr", listener.Addr().String())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("HTTPサーバーを停止しています")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.settings.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
}
