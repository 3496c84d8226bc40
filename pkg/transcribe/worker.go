package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/metrics"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/transcript"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/wav"
)

// queueDepth bounds chunks waiting for transcription. A source that
// outruns the service this far is better served by dropping audio than
// by unbounded memory growth.
const queueDepth = 32

// Worker drains the chunk queue with at most one transcription in
// flight, preserving FIFO order across chunks.
type Worker struct {
	client    Transcriber
	assembler *transcript.Assembler
	onError   func(chunkIndex int, err error)

	queue    chan models.PcmChunk
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewWorker creates a transcription worker feeding the assembler.
// onError may be nil.
func NewWorker(client Transcriber, assembler *transcript.Assembler, onError func(chunkIndex int, err error)) *Worker {
	return &Worker{
		client:    client,
		assembler: assembler,
		onError:   onError,
		queue:     make(chan models.PcmChunk, queueDepth),
		logger:    slog.Default().With("component", "transcribe"),
	}
}

// Enqueue adds a chunk for transcription. Returns false when the queue
// is saturated and the chunk was dropped.
func (w *Worker) Enqueue(chunk models.PcmChunk) bool {
	select {
	case w.queue <- chunk:
		return true
	default:
		w.logger.Warn("Transcription queue full, dropping chunk", "chunk_index", chunk.Index)
		return false
	}
}

// Start begins the drain loop. It exits when ctx is cancelled; queued
// chunks are abandoned at that point.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Wait blocks until the drain loop has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-w.queue:
			w.process(ctx, chunk)
		}
	}
}

func (w *Worker) process(ctx context.Context, chunk models.PcmChunk) {
	framed, err := wav.Frame(chunk.PCM)
	if err != nil {
		w.logger.Error("Failed to frame chunk", "chunk_index", chunk.Index, "error", err)
		if w.onError != nil {
			w.onError(chunk.Index, err)
		}
		return
	}

	started := time.Now()
	text, err := w.client.Transcribe(ctx, framed, w.assembler.PriorContext())
	metrics.TranscriptionSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		w.logger.Warn("Transcription failed", "chunk_index", chunk.Index, "error", err)
		if w.onError != nil {
			w.onError(chunk.Index, err)
		}
		return
	}
	if text == "" {
		return
	}

	w.assembler.Ingest(text, chunk.StartSec, chunk.EndSec)
}
