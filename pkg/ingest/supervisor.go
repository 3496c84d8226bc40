// Package ingest supervises the audio subprocess pair for a run: a
// stream extractor that pulls the encoded source and a decoder that
// turns it into canonical 16 kHz mono s16le PCM. The supervisor owns
// chunking, the stall watchdog, reconnect backoff, and teardown.
package ingest

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/events"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// Audio format and timing constants.
const (
	sampleRate     = 16000
	bytesPerSample = 2

	// DefaultChunkSeconds and its clamp bounds.
	DefaultChunkSeconds = 15
	MinChunkSeconds     = 5
	MaxChunkSeconds     = 30

	// closeWait bounds how long finalization waits for the second
	// process to close after the first.
	closeWait = 1500 * time.Millisecond

	// watchdogInterval is the stall-check cadence.
	watchdogInterval = 2 * time.Second

	// Stall timeout default and clamp bounds (milliseconds).
	DefaultStallTimeoutMs = 45_000
	MinStallTimeoutMs     = 1_000
	MaxStallTimeoutMs     = 300_000

	// Reconnect backoff defaults (milliseconds).
	DefaultRetryBaseMs = 1_000
	DefaultRetryMaxMs  = 15_000
	minReconnectDelay  = 250 * time.Millisecond

	// killEscalation is the soft-to-hard signal delay during teardown.
	killEscalation = 2000 * time.Millisecond
)

// Config tunes one supervisor instance.
type Config struct {
	SourceURL        string
	ChunkSeconds     int
	ReconnectEnabled bool
	MaxRetries       int // 0 = unlimited
	RetryBaseMs      int
	RetryMaxMs       int
	StallTimeoutMs   int
}

// withDefaults clamps the config to its documented bounds.
func (c Config) withDefaults() Config {
	if c.ChunkSeconds == 0 {
		c.ChunkSeconds = DefaultChunkSeconds
	}
	c.ChunkSeconds = clampInt(c.ChunkSeconds, MinChunkSeconds, MaxChunkSeconds)
	if c.StallTimeoutMs == 0 {
		c.StallTimeoutMs = DefaultStallTimeoutMs
	}
	c.StallTimeoutMs = clampInt(c.StallTimeoutMs, MinStallTimeoutMs, MaxStallTimeoutMs)
	if c.RetryBaseMs <= 0 {
		c.RetryBaseMs = DefaultRetryBaseMs
	}
	if c.RetryMaxMs <= 0 {
		c.RetryMaxMs = DefaultRetryMaxMs
	}
	return c
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Callbacks connect the supervisor to the rest of the run.
type Callbacks struct {
	// OnChunk receives each completed PCM chunk.
	OnChunk func(models.PcmChunk)
	// OnEvent publishes a pipeline event (reconnects, stalls, errors).
	OnEvent func(evtType string, data map[string]any)
	// OnStopped fires exactly once with the terminal stop reason.
	OnStopped func(reason string)
	// OnAttemptStart fires when a fresh attempt begins (overlap reset).
	OnAttemptStart func()
}

// attempt holds the per-spawn lifecycle state.
type attempt struct {
	extractor Process
	decoder   Process

	finalized    bool
	teardownDone bool
	processError error
	stalled      bool

	extractorExit *ExitStatus
	decoderExit   *ExitStatus
	firstCloseAt  time.Time

	lastAudioByteAt time.Time
	sawPCM          bool
}

// Supervisor drives the subprocess pair for the duration of a run.
type Supervisor struct {
	cfg   Config
	cb    Callbacks
	spawn Spawner

	extractorCmd func(sourceURL string) (string, []string)
	decoderCmd   func() (string, []string)

	mu               sync.Mutex
	current          *attempt
	pcmBuf           []byte
	chunkIndex       int
	reconnectAttempt int
	manualStop       bool
	stopped          bool

	stopOnce  sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	logger *slog.Logger
	now    func() time.Time
	randFn func(n int) int
}

// New creates a supervisor. spawn defaults to SpawnExec when nil.
func New(cfg Config, cb Callbacks, spawn Spawner) *Supervisor {
	if spawn == nil {
		spawn = SpawnExec
	}
	return &Supervisor{
		cfg:          cfg.withDefaults(),
		cb:           cb,
		spawn:        spawn,
		extractorCmd: defaultExtractorCmd,
		decoderCmd:   defaultDecoderCmd,
		closed:       make(chan struct{}),
		logger:       slog.Default().With("component", "ingest"),
		now:          time.Now,
		randFn:       rand.Intn,
	}
}

// defaultExtractorCmd pulls the best audio stream to stdout.
func defaultExtractorCmd(sourceURL string) (string, []string) {
	return "yt-dlp", []string{"-q", "-f", "bestaudio", "--no-playlist", "-o", "-", sourceURL}
}

// defaultDecoderCmd decodes stdin to canonical PCM on stdout.
func defaultDecoderCmd() (string, []string) {
	return "ffmpeg", []string{
		"-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le", "-ar", "16000", "-ac", "1",
		"pipe:1",
	}
}

// chunkBytes is the slice size for one PCM chunk.
func (s *Supervisor) chunkBytes() int {
	return s.cfg.ChunkSeconds * sampleRate * bytesPerSample
}

// Start launches the first ingest attempt. A spawn failure before any
// PCM is fatal to the run.
func (s *Supervisor) Start() {
	s.startAttempt()
}

// Stop tears the pipeline down manually. Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.manualStop = true
	a := s.current
	s.mu.Unlock()

	if a != nil {
		s.teardown(a)
	}
	s.finish(models.StopReasonManual)
}

// Wait blocks until all supervisor goroutines have exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// startAttempt clears the PCM buffer, resets overlap context, and
// spawns both processes.
func (s *Supervisor) startAttempt() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pcmBuf = s.pcmBuf[:0]
	a := &attempt{lastAudioByteAt: s.now()}
	s.current = a
	s.mu.Unlock()

	if s.cb.OnAttemptStart != nil {
		s.cb.OnAttemptStart()
	}

	extName, extArgs := s.extractorCmd(s.cfg.SourceURL)
	extractor, err := s.spawn(extName, extArgs, false)
	if err != nil {
		s.spawnFailed(a, fmt.Errorf("spawn extractor: %w", err))
		return
	}

	decName, decArgs := s.decoderCmd()
	decoder, err := s.spawn(decName, decArgs, true)
	if err != nil {
		_ = extractor.Signal(true)
		s.spawnFailed(a, fmt.Errorf("spawn decoder: %w", err))
		return
	}

	s.mu.Lock()
	a.extractor = extractor
	a.decoder = decoder
	s.mu.Unlock()

	s.logger.Info("Ingest attempt started", "source", s.cfg.SourceURL, "chunk_seconds", s.cfg.ChunkSeconds)

	// Pipe extractor stdout into decoder stdin.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if stdin := decoder.Stdin(); stdin != nil {
			_, _ = io.Copy(stdin, extractor.Stdout())
			_ = stdin.Close()
		}
	}()

	// Decoder PCM read loop.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPCM(a, decoder.Stdout())
	}()

	// Exit watchers.
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		<-extractor.Done()
		status := extractor.Exit()
		s.recordExit(a, &status, nil)
	}()
	go func() {
		defer s.wg.Done()
		<-decoder.Done()
		status := decoder.Exit()
		s.recordExit(a, nil, &status)
	}()

	// Stall watchdog.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchdog(a)
	}()
}

// spawnFailed handles a process that never started: fatal before first
// PCM byte.
func (s *Supervisor) spawnFailed(a *attempt, err error) {
	s.logger.Error("Subprocess spawn failed", "error", err)
	s.mu.Lock()
	a.processError = err
	a.finalized = true
	s.mu.Unlock()

	s.emit(events.TypePipelineError, map[string]any{"message": err.Error()})
	s.finish(models.StopReasonSpawnFailed)
}

// readPCM drains the decoder output, slicing completed chunks off the
// front of the buffer.
func (s *Supervisor) readPCM(a *attempt, r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.onAudioBytes(a, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) onAudioBytes(a *attempt, data []byte) {
	var chunks []models.PcmChunk
	firstByte := false

	s.mu.Lock()
	if s.current != a || s.stopped {
		s.mu.Unlock()
		return
	}
	a.lastAudioByteAt = s.now()
	if !a.sawPCM {
		a.sawPCM = true
		if s.reconnectAttempt > 0 {
			firstByte = true
			s.reconnectAttempt = 0
		}
	}
	s.pcmBuf = append(s.pcmBuf, data...)
	chunkBytes := s.chunkBytes()
	for len(s.pcmBuf) >= chunkBytes {
		pcm := make([]byte, chunkBytes)
		copy(pcm, s.pcmBuf[:chunkBytes])
		s.pcmBuf = s.pcmBuf[chunkBytes:]

		startSec := float64(s.chunkIndex * s.cfg.ChunkSeconds)
		chunks = append(chunks, models.PcmChunk{
			Index:    s.chunkIndex,
			StartSec: startSec,
			EndSec:   startSec + float64(s.cfg.ChunkSeconds),
			PCM:      pcm,
		})
		s.chunkIndex++
	}
	s.mu.Unlock()

	if firstByte {
		s.emit(events.TypePipelineReconnectSucceeded, nil)
	}
	for _, chunk := range chunks {
		if s.cb.OnChunk != nil {
			s.cb.OnChunk(chunk)
		}
		s.emit(events.TypeAudioChunk, map[string]any{
			"chunkIndex": chunk.Index,
			"startSec":   chunk.StartSec,
			"endSec":     chunk.EndSec,
			"clock":      models.Clock(chunk.StartSec),
		})
	}
}

// watchdog ticks every two seconds and tears the attempt down when the
// decoder has been silent past the stall timeout.
func (s *Supervisor) watchdog(a *attempt) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.current != a || a.finalized || s.stopped {
			s.mu.Unlock()
			return
		}
		idle := s.now().Sub(a.lastAudioByteAt)
		stalled := idle >= time.Duration(s.cfg.StallTimeoutMs)*time.Millisecond
		if stalled {
			a.stalled = true
		}
		s.mu.Unlock()

		if stalled {
			s.logger.Warn("Ingest stalled", "idle_ms", idle.Milliseconds())
			s.emit(events.TypePipelineIngestStalled, map[string]any{"idleMs": idle.Milliseconds()})
			s.teardown(a)
			s.finalize(a)
			return
		}
	}
}

// recordExit notes one process close; the attempt finalizes when both
// are recorded or closeWait after the first.
func (s *Supervisor) recordExit(a *attempt, extractorExit, decoderExit *ExitStatus) {
	s.mu.Lock()
	if extractorExit != nil {
		a.extractorExit = extractorExit
	}
	if decoderExit != nil {
		a.decoderExit = decoderExit
	}
	both := a.extractorExit != nil && a.decoderExit != nil
	first := a.firstCloseAt.IsZero()
	if first {
		a.firstCloseAt = s.now()
	}
	s.mu.Unlock()

	if both {
		s.finalize(a)
		return
	}
	if first {
		// Give the sibling closeWait to exit before finalizing anyway.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-s.closed:
			case <-time.After(closeWait):
				s.finalize(a)
			}
		}()
	}
}

// finalize classifies the attempt and drives the reconnect policy. It
// runs at most once per attempt.
func (s *Supervisor) finalize(a *attempt) {
	s.mu.Lock()
	if a.finalized || s.current != a {
		s.mu.Unlock()
		return
	}
	a.finalized = true
	manual := s.manualStop || s.stopped

	reason := models.StopReasonUpstreamExit
	switch {
	case a.processError != nil || a.stalled:
		reason = models.StopReasonProcessError
	case a.extractorExit != nil && a.extractorExit.Clean() &&
		a.decoderExit != nil && a.decoderExit.Clean():
		reason = models.StopReasonSourceEnded
	}
	s.mu.Unlock()

	if manual {
		return
	}

	s.teardown(a)

	if !s.cfg.ReconnectEnabled {
		s.finish(reason)
		return
	}
	if reason == models.StopReasonSourceEnded {
		// A clean upstream end is terminal even with reconnection on.
		s.finish(reason)
		return
	}
	s.scheduleReconnect()
}

// scheduleReconnect applies the retry budget and exponential backoff.
func (s *Supervisor) scheduleReconnect() {
	s.mu.Lock()
	s.reconnectAttempt++
	attemptNo := s.reconnectAttempt
	s.mu.Unlock()

	if s.cfg.MaxRetries > 0 && attemptNo > s.cfg.MaxRetries {
		s.finish(models.StopReasonReconnectExhausted)
		return
	}

	delay := s.reconnectDelay(attemptNo)
	s.emit(events.TypePipelineReconnectScheduled, map[string]any{
		"attempt": attemptNo,
		"delayMs": delay.Milliseconds(),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.closed:
			return
		case <-time.After(delay):
		}
		s.emit(events.TypePipelineReconnectStarted, map[string]any{"attempt": attemptNo})
		s.startAttempt()
	}()
}

// reconnectDelay computes base·2^(n−1) capped at the max, plus a small
// uniform jitter, floored at 250ms.
func (s *Supervisor) reconnectDelay(attemptNo int) time.Duration {
	backoff := float64(s.cfg.RetryBaseMs) * math.Pow(2, float64(attemptNo-1))
	if backoff > float64(s.cfg.RetryMaxMs) {
		backoff = float64(s.cfg.RetryMaxMs)
	}

	jitterCap := backoff * 0.2
	if jitterCap < 80 {
		jitterCap = 80
	}
	if jitterCap > 500 {
		jitterCap = 500
	}
	jitter := float64(s.randFn(int(jitterCap)))

	delayMs := backoff + jitter
	delay := time.Duration(delayMs) * time.Millisecond
	if delay < minReconnectDelay {
		delay = minReconnectDelay
	}
	return delay
}

// teardown terminates both processes, escalating to SIGKILL after the
// escalation delay.
func (s *Supervisor) teardown(a *attempt) {
	s.mu.Lock()
	if a.teardownDone {
		s.mu.Unlock()
		return
	}
	a.teardownDone = true
	extractor, decoder := a.extractor, a.decoder
	s.mu.Unlock()

	for _, proc := range []Process{extractor, decoder} {
		if proc == nil {
			continue
		}
		_ = proc.Signal(false)
	}

	if extractor == nil && decoder == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		deadline := time.After(killEscalation)
		for extractor != nil || decoder != nil {
			var extDone, decDone <-chan struct{}
			if extractor != nil {
				extDone = extractor.Done()
			}
			if decoder != nil {
				decDone = decoder.Done()
			}
			select {
			case <-extDone:
				extractor = nil
			case <-decDone:
				decoder = nil
			case <-deadline:
				if extractor != nil {
					_ = extractor.Signal(true)
				}
				if decoder != nil {
					_ = decoder.Signal(true)
				}
				return
			}
		}
	}()
}

// finish emits pipeline.stopped exactly once and halts all timers.
func (s *Supervisor) finish(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.closeOnce.Do(func() { close(s.closed) })

		s.logger.Info("Pipeline stopped", "reason", reason)
		if s.cb.OnStopped != nil {
			s.cb.OnStopped(reason)
		}
	})
}

func (s *Supervisor) emit(evtType string, data map[string]any) {
	if s.cb.OnEvent != nil {
		s.cb.OnEvent(evtType, data)
	}
}
