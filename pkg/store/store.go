// Package store owns the claim snapshots for the active run. Every
// mutation funnels through one guarded apply path that enforces the
// merge rules, bumps the optimistic-concurrency version, recomputes the
// derived policy fields, and emits the enriched event on the bus.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/events"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/policy"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the claim id is unknown to the current run.
	ErrNotFound = errors.New("claim not found")

	// ErrStaleRun indicates an event for a run that is no longer current.
	ErrStaleRun = errors.New("event run does not match current run")

	// ErrGuardFailed indicates a version-pinned downstream event did not
	// match the current approval state and was dropped.
	ErrGuardFailed = errors.New("downstream event guard failed")
)

// Store is the in-memory claim map for one host. A new run clears it.
type Store struct {
	mu        sync.Mutex
	runID     string
	claims    map[string]*models.Claim
	order     []string
	nextIndex int
	bus       *events.Bus
	now       func() time.Time
}

// New creates a store publishing through bus.
func New(bus *events.Bus) *Store {
	return &Store{
		claims: make(map[string]*models.Claim),
		bus:    bus,
		now:    time.Now,
	}
}

// BeginRun clears all claims and binds the store to a new run.
func (s *Store) BeginRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.claims = make(map[string]*models.Claim)
	s.order = nil
	s.nextIndex = 0
}

// RunID returns the run the store is currently bound to.
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Get returns a snapshot copy of one claim.
func (s *Store) Get(claimID string) (*models.Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// List returns snapshot copies of all claims in detection order.
func (s *Store) List() []*models.Claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Claim, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.claims[id].Clone())
	}
	return out
}

// Detected describes a freshly detected claim candidate.
type Detected struct {
	Text             string
	DetectionReasons []string
	DetectionScore   float64
	ChunkStartSec    float64
	ChunkClock       string
	Category         models.ClaimCategory
	ClaimTypeTag     models.ClaimTypeTag
	TagConfidence    float64
}

// ApplyDetected inserts a new claim at version 1 with defaults and
// emits claim.detected. The claim id is the run id plus a zero-padded
// monotonic index.
func (s *Store) ApplyDetected(runID string, d Detected) (*models.Claim, error) {
	s.mu.Lock()
	if runID != s.runID {
		s.mu.Unlock()
		return nil, ErrStaleRun
	}

	claimID := fmt.Sprintf("%s:%04d", runID, s.nextIndex)
	s.nextIndex++

	fredState := models.EvidenceNotApplicable
	if d.Category == models.CategoryEconomic {
		fredState = models.EvidenceNone
	}
	congressState := models.EvidenceNotApplicable
	if d.Category == models.CategoryPolitical {
		congressState = models.EvidenceNone
	}

	c := &models.Claim{
		ID:                  claimID,
		RunID:               runID,
		Version:             1,
		Text:                d.Text,
		DetectionReasons:    d.DetectionReasons,
		DetectionScore:      d.DetectionScore,
		ChunkStartSec:       d.ChunkStartSec,
		ChunkClock:          d.ChunkClock,
		Category:            d.Category,
		ClaimTypeTag:        d.ClaimTypeTag,
		ClaimTypeConfidence: d.TagConfidence,
		Status:              models.StatusPendingResearch,
		GoogleEvidence:      models.Evidence{State: models.EvidenceNone},
		FredEvidence:        models.Evidence{State: fredState},
		CongressEvidence:    models.Evidence{State: congressState},
		Verdict:             models.VerdictUnverified,
		OutputApprovalState: models.ApprovalPending,
		OutputPackageStatus: models.DownstreamNone,
		RenderStatus:        models.DownstreamNone,
	}
	c.Policy = policy.Evaluate(c)

	s.claims[claimID] = c
	s.order = append(s.order, claimID)
	snapshot := c.Clone()
	s.mu.Unlock()

	s.bus.Publish(events.TypeClaimDetected, runID, snapshot, nil)
	return snapshot, nil
}

// mutate runs one merge function against an existing claim, bumps the
// version, recomputes policy, and publishes evtType with the snapshot.
// merge returning false drops the event without emission.
func (s *Store) mutate(runID, claimID, evtType string, data map[string]any, merge func(c *models.Claim) bool) (*models.Claim, error) {
	s.mu.Lock()
	if runID != s.runID {
		s.mu.Unlock()
		return nil, ErrStaleRun
	}
	c, ok := s.claims[claimID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if !merge(c) {
		s.mu.Unlock()
		return nil, ErrGuardFailed
	}
	c.Version++
	c.Policy = policy.Evaluate(c)
	snapshot := c.Clone()
	s.mu.Unlock()

	s.bus.Publish(evtType, runID, snapshot, data)
	return snapshot, nil
}

// ApplyResearching marks an existing claim as being researched.
func (s *Store) ApplyResearching(runID, claimID string) (*models.Claim, error) {
	return s.mutate(runID, claimID, events.TypeClaimResearching, nil, func(c *models.Claim) bool {
		c.Status = models.StatusResearching
		return true
	})
}

// ResearchUpdate carries the merged research outcome for a claim. Nil
// pointer fields are left untouched.
type ResearchUpdate struct {
	Status         models.ResearchStatus
	Google         *models.Evidence
	Fred           *models.Evidence
	Congress       *models.Evidence
	Verdict        models.Verdict
	Confidence     *float64
	Summary        *string
	Sources        []models.Source
	CorrectedClaim *string
	EvidenceBasis  *string
}

// ApplyResearchUpdate merges research fields over the existing claim
// and emits claim.updated. An approved claim is reset to pending and
// its downstream fields cleared before the merge result is published.
func (s *Store) ApplyResearchUpdate(runID, claimID string, upd ResearchUpdate) (*models.Claim, error) {
	return s.mutate(runID, claimID, events.TypeClaimUpdated, nil, func(c *models.Claim) bool {
		if c.OutputApprovalState == models.ApprovalApproved {
			resetApproval(c)
		}
		// Rejection is terminal only for the rejected version: fresh
		// content puts the claim back in front of the operator.
		if c.OutputApprovalState == models.ApprovalRejected {
			c.OutputApprovalState = models.ApprovalPending
			c.RejectedAt = nil
		}
		if upd.Status != "" {
			c.Status = upd.Status
		}
		if upd.Google != nil {
			c.GoogleEvidence = *upd.Google
		}
		if upd.Fred != nil {
			c.FredEvidence = *upd.Fred
		}
		if upd.Congress != nil {
			c.CongressEvidence = *upd.Congress
		}
		if upd.Verdict != "" {
			c.Verdict = upd.Verdict
		}
		if upd.Confidence != nil {
			c.Confidence = *upd.Confidence
		}
		if upd.Summary != nil {
			c.Summary = *upd.Summary
		}
		if upd.Sources != nil {
			c.Sources = upd.Sources
		}
		if upd.CorrectedClaim != nil {
			c.CorrectedClaim = *upd.CorrectedClaim
		}
		if upd.EvidenceBasis != nil {
			c.EvidenceBasis = *upd.EvidenceBasis
		}
		return true
	})
}

// ApplyTagOverride changes the claim type tag by operator action and
// emits claim.updated. Blocked while the claim is approved.
func (s *Store) ApplyTagOverride(runID, claimID string, tag models.ClaimTypeTag, reason string) (*models.Claim, error) {
	return s.mutate(runID, claimID, events.TypeClaimUpdated, nil, func(c *models.Claim) bool {
		if c.OutputApprovalState == models.ApprovalApproved {
			return false
		}
		c.ClaimTypeTag = tag
		c.TagOverrideReason = reason
		return true
	})
}

// ApplyApproved records human approval, pinning approvedVersion to the
// version the snapshot will carry after this mutation.
func (s *Store) ApplyApproved(runID, claimID string) (*models.Claim, error) {
	return s.mutate(runID, claimID, events.TypeClaimOutputApproved, nil, func(c *models.Claim) bool {
		next := c.Version + 1
		c.OutputApprovalState = models.ApprovalApproved
		c.ApprovedVersion = &next
		now := s.now()
		c.ApprovedAt = &now
		c.RejectedAt = nil
		return true
	})
}

// ApplyRejected records human rejection; terminal for this version.
func (s *Store) ApplyRejected(runID, claimID string) (*models.Claim, error) {
	return s.mutate(runID, claimID, events.TypeClaimOutputRejected, nil, func(c *models.Claim) bool {
		c.OutputApprovalState = models.ApprovalRejected
		now := s.now()
		c.RejectedAt = &now
		c.ApprovedAt = nil
		c.ApprovedVersion = nil
		return true
	})
}

// ApplyPackageEvent applies an output-package status event. The event
// only lands while the claim is approved and, when the event carries a
// claim version, that version equals the current approvedVersion.
func (s *Store) ApplyPackageEvent(evtType, runID, claimID string, claimVersion *int, pkg *models.OutputPackage) (*models.Claim, error) {
	data := map[string]any{"package": pkg}
	return s.mutate(runID, claimID, evtType, data, func(c *models.Claim) bool {
		if !downstreamGuard(c, claimVersion) {
			return false
		}
		switch evtType {
		case events.TypeClaimOutputPackageQueued:
			c.OutputPackageStatus = models.DownstreamQueued
		case events.TypeClaimOutputPackageReady:
			c.OutputPackageStatus = models.DownstreamReady
		case events.TypeClaimOutputPackageFailed:
			c.OutputPackageStatus = models.DownstreamFailed
		default:
			return false
		}
		c.OutputPackageID = pkg.PackageID
		c.OutputPackageError = pkg.Error
		return true
	})
}

// ApplyRenderEvent applies a render-job status event, additionally
// requiring the render job id to match when both sides carry one.
func (s *Store) ApplyRenderEvent(evtType, runID, claimID string, claimVersion *int, job *models.RenderJob) (*models.Claim, error) {
	data := map[string]any{"renderJob": job}
	return s.mutate(runID, claimID, evtType, data, func(c *models.Claim) bool {
		if !downstreamGuard(c, claimVersion) {
			return false
		}
		if c.RenderJobID != "" && job.RenderJobID != "" && c.RenderJobID != job.RenderJobID &&
			evtType != events.TypeClaimRenderQueued {
			return false
		}
		switch evtType {
		case events.TypeClaimRenderQueued:
			c.RenderStatus = models.DownstreamQueued
		case events.TypeClaimRenderReady:
			c.RenderStatus = models.DownstreamReady
			c.ArtifactURL = job.ArtifactURL
		case events.TypeClaimRenderFailed:
			c.RenderStatus = models.DownstreamFailed
		default:
			return false
		}
		c.RenderJobID = job.RenderJobID
		c.RenderError = job.Error
		return true
	})
}

func downstreamGuard(c *models.Claim, claimVersion *int) bool {
	if c.OutputApprovalState != models.ApprovalApproved {
		return false
	}
	if claimVersion != nil {
		if c.ApprovedVersion == nil || *claimVersion != *c.ApprovedVersion {
			return false
		}
	}
	return true
}

// resetApproval clears approval and every downstream field after a
// content change invalidates the approved snapshot.
func resetApproval(c *models.Claim) {
	c.OutputApprovalState = models.ApprovalPending
	c.ApprovedVersion = nil
	c.ApprovedAt = nil
	c.OutputPackageStatus = models.DownstreamNone
	c.OutputPackageID = ""
	c.OutputPackageError = ""
	c.RenderStatus = models.DownstreamNone
	c.RenderJobID = ""
	c.RenderError = ""
	c.ArtifactURL = ""
}
