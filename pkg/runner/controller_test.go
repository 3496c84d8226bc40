package runner

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/config"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/events"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/evidence"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/ingest"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/outputs"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/store"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/verifier"
)

// testProc is a minimal scripted ingest.Process.
type testProc struct {
	stdoutR  *io.PipeReader
	stdoutW  *io.PipeWriter
	done     chan struct{}
	exitOnce sync.Once
	exit     ingest.ExitStatus
}

func newTestProc() *testProc {
	r, w := io.Pipe()
	return &testProc{stdoutR: r, stdoutW: w, done: make(chan struct{})}
}

func (p *testProc) Stdout() io.Reader     { return p.stdoutR }
func (p *testProc) Stdin() io.WriteCloser { return discardCloser{} }
func (p *testProc) Done() <-chan struct{} { return p.done }
func (p *testProc) Exit() ingest.ExitStatus { return p.exit }

func (p *testProc) Signal(bool) error {
	p.exitOnce.Do(func() {
		p.exit = ingest.ExitStatus{Signal: "terminated"}
		_ = p.stdoutW.Close()
		close(p.done)
	})
	return nil
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }

type staticTranscriber struct{ text string }

func (s staticTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return s.text, nil
}

type stubFC struct{ result evidence.FactCheckResult }

func (s stubFC) Check(context.Context, string) evidence.FactCheckResult { return s.result }

type stubLookup struct{ result evidence.Result }

func (s stubLookup) Lookup(context.Context, string) evidence.Result { return s.result }

type stubReasoner struct{ verdict verifier.Verdict }

func (s stubReasoner) Verify(context.Context, string, verifier.EvidenceBundle) (verifier.Verdict, error) {
	return s.verdict, nil
}

func testController(t *testing.T) (*Controller, *events.Bus, *store.Store, chan *testProc) {
	t.Helper()
	bus := events.NewBus()
	claims := store.New(bus)
	procs := make(chan *testProc, 8)

	cfg := &config.Config{
		ChunkSeconds:            5,
		ResearchConcurrency:     2,
		DetectionThreshold:      0.62,
		ClaimFallbackFlushChars: 320,
		ClaimFallbackMinWords:   12,
		TranscriptionModel:      "whisper-1",
	}

	deps := Deps{
		Bus:      bus,
		Claims:   claims,
		Packages: outputs.NewPackageService(),
		Render:   outputs.NewRenderClient("", 0, 0),
		Transcriber: staticTranscriber{
			text: "Inflation fell to 3.1 percent in 2024 from 6.5 percent in 2022.",
		},
		FactCheck: stubFC{result: evidence.FactCheckResult{
			State:      models.EvidenceMatched,
			Status:     models.StatusResearched,
			Verdict:    models.VerdictTrue,
			Confidence: 0.8,
			Sources:    []models.Source{{Publisher: "PolitiFact", URL: "https://p.example/1", TextualRating: "True"}},
		}},
		Fred:     stubLookup{result: evidence.Result{State: models.EvidenceMatched, Summary: "CPI: 310.3 (2024-05-01)"}},
		Congress: stubLookup{result: evidence.Result{State: models.EvidenceNotApplicable}},
		Reasoner: stubReasoner{verdict: verifier.Verdict{AIVerdict: models.VerdictTrue, AIConfidence: 0.8}},
		Spawner: func(name string, args []string, pipeStdin bool) (ingest.Process, error) {
			p := newTestProc()
			procs <- p
			return p, nil
		},
	}

	return New(cfg, deps), bus, claims, procs
}

func decoderProc(t *testing.T, procs chan *testProc) *testProc {
	t.Helper()
	var procsSeen []*testProc
	for len(procsSeen) < 2 {
		select {
		case p := <-procs:
			procsSeen = append(procsSeen, p)
		case <-time.After(2 * time.Second):
			t.Fatal("subprocess pair not spawned")
		}
	}
	return procsSeen[1]
}

func TestStartRejectsInvalidURL(t *testing.T) {
	ctrl, _, _, _ := testController(t)
	_, err := ctrl.Start("not a url")
	assert.Error(t, err)
	_, err = ctrl.Start("ftp://example.com/stream")
	assert.Error(t, err)
}

func TestSingleRunPerHost(t *testing.T) {
	ctrl, _, _, procs := testController(t)

	run, err := ctrl.Start("https://example.com/live")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	decoderProc(t, procs)

	_, err = ctrl.Start("https://example.com/other")
	assert.ErrorIs(t, err, ErrRunActive)

	require.NoError(t, ctrl.Stop())
	assert.Eventually(t, func() bool { return !ctrl.Running() }, 3*time.Second, 20*time.Millisecond)

	assert.ErrorIs(t, ctrl.Stop(), ErrNoActiveRun)
}

func TestEndToEndDetectAndResearch(t *testing.T) {
	ctrl, bus, claims, procs := testController(t)
	sub, _ := bus.Subscribe(0)
	defer bus.Unsubscribe(sub.ID)

	run, err := ctrl.Start("https://example.com/live")
	require.NoError(t, err)
	decoder := decoderProc(t, procs)

	// One full 5s chunk of PCM drives transcription → detection → research.
	chunkBytes := 5 * 16000 * 2
	_, err = decoder.stdoutW.Write(make([]byte, chunkBytes))
	require.NoError(t, err)

	var claim *models.Claim
	require.Eventually(t, func() bool {
		list := claims.List()
		if len(list) == 0 {
			return false
		}
		claim = list[0]
		return claim.Status == models.StatusResearched
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, run.ID, claim.RunID)
	assert.Equal(t, models.CategoryEconomic, claim.Category)
	assert.Equal(t, models.VerdictTrue, claim.Verdict)
	assert.True(t, claim.Policy.ApprovalEligibility)

	require.NoError(t, ctrl.Stop())
	require.Eventually(t, func() bool { return !ctrl.Running() }, 3*time.Second, 20*time.Millisecond)

	// The event stream saw the full lifecycle, ending with pipeline.stopped.
	var types []string
	drain := true
	for drain {
		select {
		case evt := <-sub.C:
			types = append(types, evt.Type)
			if evt.Type == events.TypePipelineStopped {
				drain = false
			}
		case <-time.After(2 * time.Second):
			drain = false
		}
	}
	assert.Contains(t, types, events.TypePipelineStarted)
	assert.Contains(t, types, events.TypeAudioChunk)
	assert.Contains(t, types, events.TypeClaimDetected)
	assert.Contains(t, types, events.TypeClaimUpdated)
	assert.Equal(t, events.TypePipelineStopped, types[len(types)-1])

	stoppedCount := 0
	for _, typ := range types {
		if typ == events.TypePipelineStopped {
			stoppedCount++
		}
	}
	assert.Equal(t, 1, stoppedCount)
}
