package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/ingestion/chunk"
	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/core/tracker"
	"github.com/panjf2000/ants/v2"
)

// InterruptedRunMessage は再起動で中断された実行に記録するメッセージ
const InterruptedRunMessage = "Traitement interrompu par un redémarrage du serveur. Relancez le traitement."

// Trigger は Process の結果
type Trigger struct {
	RunID   uuid.UUID
	Started bool // false の場合は既存の実行を返している
	Status  protocol.Status
}

// Worker はプロトコルのチャンク化と埋め込みをバックグラウンドで実行する
type Worker struct {
	repo      Repository
	embedder  llm.Embedder
	splitter  *chunk.Splitter
	recorder  *tracker.Recorder
	pool      *ants.Pool
	config    PipelineConfig
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option は Worker のオプション設定
type Option func(*Worker)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithPipelineConfig は処理設定を上書きする
func WithPipelineConfig(cfg PipelineConfig) Option {
	return func(w *Worker) {
		w.config = cfg
	}
}

// WithRecorder はイベントの Recorder を差し替える
func WithRecorder(rec *tracker.Recorder) Option {
	return func(w *Worker) {
		if rec != nil {
			w.recorder = rec
		}
	}
}

// NewWorker は新しい Worker を作成する
func NewWorker(repo Repository, embedder llm.Embedder, splitter *chunk.Splitter, opts ...Option) (*Worker, error) {
	if repo == nil || embedder == nil || splitter == nil {
		return nil, errors.New("repository, embedder and splitter are required")
	}

	w := &Worker{
		repo:     repo,
		embedder: embedder,
		splitter: splitter,
		config:   DefaultPipelineConfig(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.recorder == nil {
		w.recorder = tracker.NewRecorder(repo)
	}
	if w.config.WorkerPoolSize <= 0 {
		w.config.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if w.config.ShutdownTimeout <= 0 {
		w.config.ShutdownTimeout = DefaultShutdownTimeout
	}

	pool, err := ants.NewPool(w.config.WorkerPoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	w.pool = pool
	w.batchSize = effectiveBatchSize(w.config.EmbeddingBatchSize, embedder, w.logger)
	w.baseCtx, w.cancel = context.WithCancel(context.Background())

	return w, nil
}

// Process はプロトコルの処理を開始し、完了を待たずに返す
// 既に実行中の場合は新しい実行を開始せず、進行中の実行を返す
func (w *Worker) Process(ctx context.Context, ownerID, protocolID uuid.UUID) (*Trigger, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, ErrWorkerClosed
	}

	p, err := protocol.FindOwned(ctx, w.repo, ownerID, protocolID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsInFlight() && p.CurrentRunID != nil {
		return &Trigger{RunID: *p.CurrentRunID, Started: false, Status: p.Status}, nil
	}

	runID := uuid.New()
	started, err := w.recorder.NewEvent(ctx, tracker.EventParams{
		ProtocolID: protocolID,
		RunID:      runID,
		Step:       protocol.StepStarted,
		Message:    "Traitement démarré",
	})
	if err != nil {
		return nil, err
	}

	claim, err := w.repo.ClaimRun(ctx, protocolID, runID, started)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	if !claim.Claimed {
		return &Trigger{RunID: claim.RunID, Started: false, Status: claim.Protocol.Status}, nil
	}

	logger := w.logger.With("protocolID", protocolID, "runID", runID)
	logger.Info("プロトコルの処理を開始します")

	// closed の確認と wg.Add は同じロックの中で行う
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.fail(ctx, protocolID, runID, ErrWorkerClosed, logger)
		return nil, ErrWorkerClosed
	}
	w.wg.Add(1)
	w.mu.Unlock()

	// プールが埋まっていても呼び出し元を待たせない
	claimed := claim.Protocol
	go func() {
		err := w.pool.Submit(func() {
			defer w.wg.Done()
			w.run(w.baseCtx, claimed, runID, logger)
		})
		if err != nil {
			w.wg.Done()
			w.fail(w.baseCtx, protocolID, runID, fmt.Errorf("failed to schedule run: %w", err), logger)
		}
	}()

	return &Trigger{RunID: runID, Started: true, Status: protocol.StatusAnalyzing}, nil
}

// RecoverInterrupted は前回のプロセスで実行中のまま残った実行を error にする
func (w *Worker) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := w.repo.MarkInterruptedRuns(ctx, InterruptedRunMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	if n > 0 {
		w.logger.Warn("中断された実行をエラーとして記録しました", "count", n)
	}
	return n, nil
}

// Close は新しい処理の受付を止め、実行中の処理の終了を待つ
// ShutdownTimeout を過ぎた場合は実行中の処理をキャンセルする
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("実行中の処理をキャンセルします", "timeout", w.config.ShutdownTimeout)
		w.cancel()
		<-done
		err = errors.New("worker shutdown timed out")
	}
	w.cancel()
	w.pool.Release()
	return err
}

// Wait は現在実行中の処理がすべて終わるまで待つ
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, p *protocol.Protocol, runID uuid.UUID, logger *slog.Logger) {
	start := w.now()
	defer func() {
		if r := recover(); r != nil {
			w.fail(ctx, p.ID, runID, fmt.Errorf("panic during processing: %v", r), logger)
		}
	}()

	count, err := w.execute(ctx, p, runID, logger)
	if err != nil {
		w.fail(ctx, p.ID, runID, err, logger)
		return
	}

	logger.Info("プロトコルの処理が完了しました",
		"chunks", count,
		"duration", w.now().Sub(start),
	)
}

func (w *Worker) execute(ctx context.Context, p *protocol.Protocol, runID uuid.UUID, logger *slog.Logger) (int, error) {
	// 1. 抽出済みテキストの読み込み
	if err := w.emit(ctx, p.ID, runID, protocol.StepAnalyzing, "Lecture du texte extrait", nil, nil); err != nil {
		return 0, err
	}
	pages, err := w.repo.ListPages(ctx, p.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load pages: %w", err)
	}

	// 2. 分割
	if err := w.repo.TransitionRun(ctx, p.ID, runID, protocol.StatusAnalyzing, protocol.StatusProcessing); err != nil {
		return 0, fmt.Errorf("failed to start processing: %w", err)
	}
	if err := w.emit(ctx, p.ID, runID, protocol.StepChunking, "Découpage du document", nil, nil); err != nil {
		return 0, err
	}
	_, segments := w.splitter.Split(toChunkPages(pages))
	if len(segments) == 0 {
		return 0, fmt.Errorf("%w: extracted text is empty", ErrNoContent)
	}
	total := len(segments)
	logger.Debug("文書を分割しました", "segments", total, "pages", len(pages))

	// 3. 埋め込み（分割順にバッチ処理）
	active, err := w.repo.ListChunks(ctx, p.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load active chunks: %w", err)
	}
	plan := newEmbedPlan(segments, active, w.embedder.ModelName(), w.embedder.Dimension())

	for offset := 0; offset < total; offset += w.batchSize {
		end := min(offset+w.batchSize, total)
		texts, hashes := plan.pending(segments[offset:end])

		if len(texts) > 0 {
			vectors, err := Do(ctx, w.config.Retry, logger, func(ctx context.Context) ([][]float32, error) {
				return w.embedder.BatchEmbed(ctx, texts)
			})
			if err != nil {
				if errors.Is(err, ErrRetriesExhausted) || llm.IsTransient(err) {
					return 0, fmt.Errorf("%w: %w", ErrEmbeddingBackendUnavailable, err)
				}
				return 0, fmt.Errorf("failed to embed batch: %w", err)
			}
			if err := plan.store(hashes, vectors, w.embedder.Dimension()); err != nil {
				return 0, err
			}
		}

		msg := fmt.Sprintf("Vectorisation %d/%d", end, total)
		if err := w.emit(ctx, p.ID, runID, protocol.StepProgress, msg, tracker.Int(end), tracker.Int(total)); err != nil {
			return 0, err
		}
	}
	if plan.reused > 0 {
		logger.Debug("既存のベクトルを再利用しました", "reused", plan.reused)
	}

	// 4. 保存（チャンクの入れ替えと完了を1トランザクションで行う）
	if err := w.emit(ctx, p.ID, runID, protocol.StepSaving, "Enregistrement des passages", nil, nil); err != nil {
		return 0, err
	}
	chunks := plan.chunks(p.ID, runID, w.embedder.ModelName(), w.now().UTC())
	done, err := w.recorder.NewEvent(ctx, tracker.EventParams{
		ProtocolID: p.ID,
		RunID:      runID,
		Step:       protocol.StepDone,
		Message:    fmt.Sprintf("Traitement terminé : %d passages indexés", len(chunks)),
		Progress:   tracker.Int(total),
		Total:      tracker.Int(total),
	})
	if err != nil {
		return 0, err
	}
	if err := w.repo.CompleteRun(ctx, p.ID, protocol.RunCompletion{RunID: runID, Chunks: chunks, Event: done}); err != nil {
		return 0, fmt.Errorf("failed to complete run: %w", err)
	}

	return len(chunks), nil
}

func (w *Worker) emit(ctx context.Context, protocolID, runID uuid.UUID, step protocol.Step, msg string, progress, total *int) error {
	_, err := w.recorder.Record(ctx, tracker.EventParams{
		ProtocolID: protocolID,
		RunID:      runID,
		Step:       step,
		Message:    msg,
		Progress:   progress,
		Total:      total,
	})
	return err
}

// fail は実行を error にしてエラーイベントを記録する
// 呼び出し元のコンテキストがキャンセルされていても記録する
func (w *Worker) fail(ctx context.Context, protocolID, runID uuid.UUID, cause error, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := fmt.Errorf("%w: %w", protocol.ErrProcessingFailed, cause)
	logger.Error("プロトコルの処理に失敗しました", "error", err)

	event, evErr := w.recorder.NewEvent(ctx, tracker.EventParams{
		ProtocolID: protocolID,
		RunID:      runID,
		Step:       protocol.StepError,
		Message:    err.Error(),
	})
	if evErr != nil {
		logger.Error("エラーイベントの生成に失敗しました", "error", evErr)
		return
	}

	if err := w.repo.FailRun(ctx, protocolID, protocol.RunFailure{RunID: runID, Message: err.Error(), Event: event}); err != nil {
		if errors.Is(err, protocol.ErrNotFound) || errors.Is(err, protocol.ErrRunConflict) {
			logger.Warn("実行は既に無効です", "error", err)
			return
		}
		logger.Error("失敗状態の記録に失敗しました", "error", err)
	}
}
