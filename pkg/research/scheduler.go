// Package research runs the bounded-concurrency research fan-out: for
// each detected claim it composes the evidence providers, asks the
// reasoning engine for a verdict, selects the authoritative outcome,
// and merges the result back into the claim store.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/evidence"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/metrics"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/store"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/verifier"
)

// Concurrency bounds.
const (
	DefaultConcurrency = 3
	MinConcurrency     = 1
	MaxConcurrency     = 10
)

// Authoritative-verdict selection floors.
const (
	factCheckConfidenceFloor = 0.5
	congressAIFloor          = 0.4
	evidenceAIFloor          = 0.5
)

// FactChecker is the fact-check provider surface.
type FactChecker interface {
	Check(ctx context.Context, claimText string) evidence.FactCheckResult
}

// IndicatorLookup is the economic-indicator provider surface.
type IndicatorLookup interface {
	Lookup(ctx context.Context, claimText string) evidence.Result
}

// BillLookup is the legislative provider surface.
type BillLookup interface {
	Lookup(ctx context.Context, claimText string) evidence.Result
}

// ReasonVerifier is the reasoning-engine surface.
type ReasonVerifier interface {
	Verify(ctx context.Context, claimText string, ev verifier.EvidenceBundle) (verifier.Verdict, error)
}

// Task is one claim to research.
type Task struct {
	RunID    string
	ClaimID  string
	Text     string
	Category models.ClaimCategory
}

// Scheduler fans research tasks out across a bounded worker set. Each
// claim's research is linear: fact-check, then the category provider,
// then the verifier.
type Scheduler struct {
	claims    *store.Store
	factCheck FactChecker
	fred      IndicatorLookup
	congress  BillLookup
	reasoner  ReasonVerifier

	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a scheduler with the given concurrency, clamped to
// [MinConcurrency, MaxConcurrency]; zero means DefaultConcurrency.
func New(claims *store.Store, factCheck FactChecker, fred IndicatorLookup, congress BillLookup, reasoner ReasonVerifier, concurrency int) *Scheduler {
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency < MinConcurrency {
		concurrency = MinConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	return &Scheduler{
		claims:    claims,
		factCheck: factCheck,
		fred:      fred,
		congress:  congress,
		reasoner:  reasoner,
		sem:       make(chan struct{}, concurrency),
		logger:    slog.Default().With("component", "research"),
	}
}

// Enqueue schedules research for one claim. The task waits for a worker
// slot; cancellation while waiting drops it silently.
func (s *Scheduler) Enqueue(ctx context.Context, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			return
		case s.sem <- struct{}{}:
		}
		defer func() { <-s.sem }()
		s.research(ctx, task)
	}()
}

// Wait blocks until all in-flight research completes.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) research(ctx context.Context, task Task) {
	log := s.logger.With("run_id", task.RunID, "claim_id", task.ClaimID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Research worker panicked", "panic", r)
			s.degrade(task, fmt.Sprintf("research failed: %v", r))
		}
	}()

	if _, err := s.claims.ApplyResearching(task.RunID, task.ClaimID); err != nil {
		return
	}

	fc := s.factCheck.Check(ctx, task.Text)
	if ctx.Err() != nil {
		return
	}

	status := fc.Status
	google := &models.Evidence{State: fc.State, Summary: fc.Summary, Sources: fc.Sources}

	fredRes := evidence.Result{State: models.EvidenceNotApplicable}
	congressRes := evidence.Result{State: models.EvidenceNotApplicable}

	switch task.Category {
	case models.CategoryEconomic:
		fredRes = s.fred.Lookup(ctx, task.Text)
		if ctx.Err() != nil {
			return
		}
		if fredRes.State != models.EvidenceMatched {
			status = models.StatusNeedsManualResearch
		}
	case models.CategoryPolitical:
		congressRes = s.congress.Lookup(ctx, task.Text)
		if ctx.Err() != nil {
			return
		}
	}

	aiVerdict, err := s.reasoner.Verify(ctx, task.Text, verifier.EvidenceBundle{
		FactCheckVerdict: fc.Verdict,
		FactCheckSummary: fc.Summary,
		FredState:        fredRes.State,
		FredSummary:      fredRes.Summary,
		CongressState:    congressRes.State,
		CongressSummary:  congressRes.Summary,
	})
	if err != nil {
		// Only cancellation surfaces as an error; exit without emission.
		return
	}
	if ctx.Err() != nil {
		return
	}

	finalVerdict, confidence := SelectVerdict(fc, fredRes, congressRes, aiVerdict)

	summary := fc.Summary
	if aiVerdict.AISummary != nil {
		summary = *aiVerdict.AISummary
	}

	upd := store.ResearchUpdate{
		Status:     status,
		Google:     google,
		Fred:       &models.Evidence{State: fredRes.State, Summary: fredRes.Summary, Sources: fredRes.Sources},
		Congress:   &models.Evidence{State: congressRes.State, Summary: congressRes.Summary, Sources: congressRes.Sources},
		Verdict:    finalVerdict,
		Confidence: &confidence,
		Summary:    &summary,
		Sources:    fc.Sources,
	}
	if upd.Sources == nil {
		upd.Sources = []models.Source{}
	}
	if aiVerdict.CorrectedClaim != nil {
		upd.CorrectedClaim = aiVerdict.CorrectedClaim
	}
	if aiVerdict.EvidenceBasis != nil {
		upd.EvidenceBasis = aiVerdict.EvidenceBasis
	}

	if _, err := s.claims.ApplyResearchUpdate(task.RunID, task.ClaimID, upd); err != nil {
		log.Warn("Research update dropped", "error", err)
		return
	}
	metrics.ResearchOutcomes.WithLabelValues(string(status)).Inc()
}

// degrade emits the fail-safe claim.updated after an unexpected error.
func (s *Scheduler) degrade(task Task, summary string) {
	confidence := 0.0
	fredState := models.EvidenceNotApplicable
	congressState := models.EvidenceNotApplicable
	if task.Category == models.CategoryEconomic {
		fredState = models.EvidenceError
	}
	if task.Category == models.CategoryPolitical {
		congressState = models.EvidenceError
	}
	_, err := s.claims.ApplyResearchUpdate(task.RunID, task.ClaimID, store.ResearchUpdate{
		Status:     models.StatusNeedsManualResearch,
		Google:     &models.Evidence{State: models.EvidenceError, Summary: summary},
		Fred:       &models.Evidence{State: fredState},
		Congress:   &models.Evidence{State: congressState},
		Verdict:    models.VerdictUnverified,
		Confidence: &confidence,
		Summary:    &summary,
	})
	if err != nil {
		s.logger.Warn("Degraded update dropped", "claim_id", task.ClaimID, "error", err)
	}
}

// SelectVerdict picks the authoritative verdict from the provider
// outcomes in strict precedence order.
func SelectVerdict(fc evidence.FactCheckResult, fred, congress evidence.Result, ai verifier.Verdict) (models.Verdict, float64) {
	if fc.Verdict != models.VerdictUnverified && fc.Confidence >= factCheckConfidenceFloor {
		return fc.Verdict, fc.Confidence
	}
	if fred.State == models.EvidenceMatched {
		return ai.AIVerdict, ai.AIConfidence
	}
	if congress.State == models.EvidenceMatched && ai.AIConfidence >= congressAIFloor {
		return ai.AIVerdict, ai.AIConfidence
	}
	if ai.EvidenceBasis != nil && *ai.EvidenceBasis != verifier.BasisGeneralKnowledge && ai.AIConfidence >= evidenceAIFloor {
		return ai.AIVerdict, ai.AIConfidence
	}
	return models.VerdictUnverified, ai.AIConfidence
}
