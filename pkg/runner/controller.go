// Package runner owns the singleton pipeline run for a host: run
// identity, cancellation, and the wiring between the audio supervisor,
// transcription worker, claim detection, and research scheduler.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/activity"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/config"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/detector"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/events"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/evidence"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/ingest"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/metrics"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/outputs"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/research"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/store"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/transcribe"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/transcript"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/verifier"
)

// Sentinel errors for run control.
var (
	// ErrRunActive indicates a run is already in progress on this host.
	ErrRunActive = errors.New("a run is already active")

	// ErrNoActiveRun indicates there is nothing to stop.
	ErrNoActiveRun = errors.New("no active run")
)

// Deps are the collaborator handles the controller wires into each run.
type Deps struct {
	Bus      *events.Bus
	Claims   *store.Store
	Packages *outputs.PackageService
	Render   *outputs.RenderClient
	Sink     *activity.Sink

	Transcriber transcribe.Transcriber
	FactCheck   research.FactChecker
	Fred        research.IndicatorLookup
	Congress    research.BillLookup
	Reasoner    research.ReasonVerifier

	// Spawner overrides subprocess creation (tests). Nil = os/exec.
	Spawner ingest.Spawner
}

// activeRun bundles the per-run moving parts.
type activeRun struct {
	run    *models.Run
	cancel context.CancelFunc
	sup    *ingest.Supervisor
	asm    *transcript.Assembler
	worker *transcribe.Worker
	sched  *research.Scheduler
	dedupe *detector.DedupeIndex
}

// Controller enforces the one-run-per-host invariant.
type Controller struct {
	cfg  *config.Config
	deps Deps

	mu      sync.Mutex
	current *activeRun

	logger *slog.Logger
	now    func() time.Time
}

// New creates a controller.
func New(cfg *config.Config, deps Deps) *Controller {
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "runner"),
		now:    time.Now,
	}
}

// Running reports whether a run is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// ActiveRun returns the active run, if any.
func (c *Controller) ActiveRun() *models.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	run := *c.current.run
	return &run
}

// Start begins a new run for sourceURL. Only one run may be active.
func (c *Controller) Start(sourceURL string) (*models.Run, error) {
	parsed, err := url.Parse(sourceURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid source URL %q", sourceURL)
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, ErrRunActive
	}

	runID := uuid.New().String()
	run := &models.Run{
		ID:           runID,
		SourceURL:    sourceURL,
		ChunkSeconds: c.cfg.ChunkSeconds,
		Model:        c.cfg.TranscriptionModel,
		StartedAt:    c.now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	active := &activeRun{
		run:    run,
		cancel: cancel,
		dedupe: detector.NewDedupeIndex(),
	}
	c.current = active
	c.mu.Unlock()

	c.deps.Claims.BeginRun(runID)
	c.deps.Packages.Clear()
	c.deps.Render.Clear()

	active.sched = research.New(c.deps.Claims, c.deps.FactCheck, c.deps.Fred, c.deps.Congress, c.deps.Reasoner, c.cfg.ResearchConcurrency)

	active.asm = transcript.New(runID,
		transcript.Options{
			FallbackFlushChars: c.cfg.ClaimFallbackFlushChars,
			FallbackMinWords:   c.cfg.ClaimFallbackMinWords,
		},
		func(seg models.TranscriptSegment) {
			c.deps.Bus.Publish(events.TypeTranscriptSegment, runID, nil, map[string]any{"segment": seg})
		},
		func(text string, chunkStartSec float64) {
			c.detectClaims(ctx, active, text, chunkStartSec)
		},
	)

	active.worker = transcribe.NewWorker(c.deps.Transcriber, active.asm, func(chunkIndex int, err error) {
		c.deps.Bus.Publish(events.TypeTranscriptError, runID, nil, map[string]any{
			"chunkIndex": chunkIndex,
			"message":    err.Error(),
		})
	})
	active.worker.Start(ctx)

	active.sup = ingest.New(ingest.Config{
		SourceURL:        sourceURL,
		ChunkSeconds:     c.cfg.ChunkSeconds,
		ReconnectEnabled: c.cfg.ReconnectEnabled,
		MaxRetries:       c.cfg.IngestMaxRetries,
		RetryBaseMs:      c.cfg.IngestRetryBaseMs,
		RetryMaxMs:       c.cfg.IngestRetryMaxMs,
		StallTimeoutMs:   c.cfg.IngestStallTimeoutMs,
	}, ingest.Callbacks{
		OnChunk: func(chunk models.PcmChunk) {
			metrics.ChunksIngested.Inc()
			active.worker.Enqueue(chunk)
		},
		OnEvent: func(evtType string, data map[string]any) {
			if evtType == events.TypePipelineReconnectScheduled {
				metrics.Reconnects.Inc()
			}
			c.deps.Bus.Publish(evtType, runID, nil, data)
		},
		OnAttemptStart: func() {
			active.asm.Reset()
		},
		OnStopped: func(reason string) {
			c.finalize(active, reason)
		},
	}, c.deps.Spawner)

	c.logger.Info("Run started", "run_id", runID, "source", sourceURL)
	c.deps.Bus.Publish(events.TypePipelineStarted, runID, nil, map[string]any{
		"sourceUrl":    sourceURL,
		"chunkSeconds": c.cfg.ChunkSeconds,
		"model":        c.cfg.TranscriptionModel,
	})
	c.deps.Sink.Record(activity.KindRunStart, runID, run)

	active.sup.Start()
	return run, nil
}

// Stop manually stops the active run.
func (c *Controller) Stop() error {
	c.mu.Lock()
	active := c.current
	c.mu.Unlock()
	if active == nil {
		return ErrNoActiveRun
	}
	active.sup.Stop()
	return nil
}

// detectClaims scores sentence text and promotes new claims into the
// store and the research queue.
func (c *Controller) detectClaims(ctx context.Context, active *activeRun, text string, chunkStartSec float64) {
	candidates := detector.Detect(text, detector.Options{
		ChunkStartSec: chunkStartSec,
		Threshold:     c.cfg.DetectionThreshold,
	})
	for _, cand := range candidates {
		if active.dedupe.Seen(cand.Text) {
			continue
		}
		claim, err := c.deps.Claims.ApplyDetected(active.run.ID, store.Detected{
			Text:             cand.Text,
			DetectionReasons: cand.Reasons,
			DetectionScore:   cand.Score,
			ChunkStartSec:    cand.ChunkStartSec,
			ChunkClock:       cand.ChunkClock,
			Category:         cand.Category,
			ClaimTypeTag:     cand.Tag,
			TagConfidence:    cand.TagConfidence,
		})
		if err != nil {
			continue
		}
		metrics.ClaimsDetected.Inc()
		active.sched.Enqueue(ctx, research.Task{
			RunID:    active.run.ID,
			ClaimID:  claim.ID,
			Text:     claim.Text,
			Category: claim.Category,
		})
	}
}

// finalize tears the run down exactly once: flush the assembler, cancel
// the shared token, and emit pipeline.stopped.
func (c *Controller) finalize(active *activeRun, reason string) {
	c.mu.Lock()
	if c.current != active {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	active.asm.Stop()
	active.cancel()

	now := c.now()
	active.run.StoppedAt = &now
	active.run.StopReason = reason

	c.logger.Info("Run stopped", "run_id", active.run.ID, "reason", reason)
	c.deps.Bus.Publish(events.TypePipelineStopped, active.run.ID, nil, map[string]any{"reason": reason})
	c.deps.Sink.Record(activity.KindRunStop, active.run.ID, active.run)
}

// NewProductionDeps builds the default collaborator set from config.
func NewProductionDeps(cfg *config.Config, bus *events.Bus, claims *store.Store, packages *outputs.PackageService, render *outputs.RenderClient, sink *activity.Sink) Deps {
	return Deps{
		Bus:         bus,
		Claims:      claims,
		Packages:    packages,
		Render:      render,
		Sink:        sink,
		Transcriber: transcribe.NewHTTPClient(cfg.TranscriptionAPIKey, cfg.TranscriptionModel),
		FactCheck:   evidence.NewFactCheckClient(cfg.FactCheckAPIKey),
		Fred:        evidence.NewFredClient(cfg.FredAPIKey),
		Congress:    evidence.NewCongressClient(cfg.CongressAPIKey),
		Reasoner:    verifier.NewClient(cfg.ReasoningAPIKey, cfg.ReasoningModel),
	}
}
