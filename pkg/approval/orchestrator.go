// Package approval coordinates operator actions against the claim
// store: approve/reject, package generation, render requests, and tag
// overrides, all guarded by optimistic-concurrency version checks and
// fresh policy evaluation.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/events"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/outputs"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/policy"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/store"
)

// ErrNotFound mirrors the store sentinel for API mapping.
var ErrNotFound = store.ErrNotFound

// ConflictError reports a stale expectedVersion, carrying the current
// version so the caller can refresh.
type ConflictError struct {
	CurrentVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: current version is %d", e.CurrentVersion)
}

// PolicyError reports a policy block with its structured reason.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, policy.BlockMessage(e.Reason))
}

// ValidationError reports malformed operator input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Orchestrator wires approval actions to the store and the downstream
// package/render collaborators.
type Orchestrator struct {
	claims   *store.Store
	packages *outputs.PackageService
	render   *outputs.RenderClient

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an orchestrator.
func New(claims *store.Store, packages *outputs.PackageService, render *outputs.RenderClient) *Orchestrator {
	return &Orchestrator{
		claims:   claims,
		packages: packages,
		render:   render,
		logger:   slog.Default().With("component", "approval"),
	}
}

// Wait blocks until background render completions finish (tests).
func (o *Orchestrator) Wait() { o.wg.Wait() }

// guard loads the claim and enforces the expectedVersion check.
func (o *Orchestrator) guard(claimID string, expectedVersion int) (*models.Claim, error) {
	claim, ok := o.claims.Get(claimID)
	if !ok {
		return nil, ErrNotFound
	}
	if expectedVersion != claim.Version {
		return nil, &ConflictError{CurrentVersion: claim.Version}
	}
	return claim, nil
}

// ApproveOutput approves a claim for on-air output, then triggers the
// package assembler and a render pinned to the new approved version.
func (o *Orchestrator) ApproveOutput(ctx context.Context, claimID string, expectedVersion int) (*models.Claim, *models.OutputPackage, *models.RenderJob, error) {
	claim, err := o.guard(claimID, expectedVersion)
	if err != nil {
		return nil, nil, nil, err
	}

	eval := policy.Evaluate(claim)
	if !eval.ApprovalEligibility {
		return nil, nil, nil, &PolicyError{Reason: eval.ApprovalBlockReason}
	}

	approved, err := o.claims.ApplyApproved(claim.RunID, claimID)
	if err != nil {
		return nil, nil, nil, err
	}

	pkg, job, err := o.triggerDownstream(ctx, approved, false, "")
	if err != nil {
		return approved, nil, nil, err
	}
	return approved, pkg, job, nil
}

// RejectOutput rejects a claim for on-air output.
func (o *Orchestrator) RejectOutput(_ context.Context, claimID string, expectedVersion int) (*models.Claim, error) {
	claim, err := o.guard(claimID, expectedVersion)
	if err != nil {
		return nil, err
	}
	return o.claims.ApplyRejected(claim.RunID, claimID)
}

// GeneratePackage (re)builds the output package for an exportable claim.
func (o *Orchestrator) GeneratePackage(_ context.Context, claimID string, expectedVersion int) (*models.Claim, *models.OutputPackage, error) {
	claim, err := o.guard(claimID, expectedVersion)
	if err != nil {
		return nil, nil, err
	}

	eval := policy.Evaluate(claim)
	if !eval.ExportEligibility {
		return nil, nil, &PolicyError{Reason: eval.ExportBlockReason}
	}
	if claim.ApprovedVersion == nil {
		return nil, nil, &PolicyError{Reason: policy.BlockNotApproved}
	}

	pkg, err := o.buildPackage(claim)
	if err != nil {
		return claim, nil, err
	}
	updated, _ := o.claims.Get(claimID)
	return updated, pkg, nil
}

// RenderImage queues a render for an exportable claim. force bypasses
// idempotent job reuse using the supplied nonce.
func (o *Orchestrator) RenderImage(ctx context.Context, claimID string, expectedVersion int, force bool, forceNonce string) (*models.Claim, *models.OutputPackage, *models.RenderJob, error) {
	claim, err := o.guard(claimID, expectedVersion)
	if err != nil {
		return nil, nil, nil, err
	}

	eval := policy.Evaluate(claim)
	if !eval.ExportEligibility {
		return nil, nil, nil, &PolicyError{Reason: eval.ExportBlockReason}
	}
	if claim.ApprovedVersion == nil {
		return nil, nil, nil, &PolicyError{Reason: policy.BlockNotApproved}
	}

	pkg, ok := o.packages.Get(claimID)
	if !ok || pkg.ClaimVersion != *claim.ApprovedVersion {
		pkg, err = o.buildPackage(claim)
		if err != nil {
			return claim, nil, nil, err
		}
	}

	job := o.queueRender(ctx, claim, pkg, force, forceNonce)
	updated, _ := o.claims.Get(claimID)
	return updated, pkg, job, nil
}

// TagOverride applies a manual claim-type change. It requires a valid
// tag, a non-empty reason, and a claim that is not currently approved.
func (o *Orchestrator) TagOverride(_ context.Context, claimID string, expectedVersion int, tag, reason string) (*models.Claim, error) {
	if !models.ValidTag(tag) {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid tag %q", tag)}
	}
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Message: "a reason is required for tag overrides"}
	}

	claim, err := o.guard(claimID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if claim.OutputApprovalState == models.ApprovalApproved {
		return nil, &ValidationError{Message: "tag cannot be overridden while the claim is approved"}
	}

	updated, err := o.claims.ApplyTagOverride(claim.RunID, claimID, models.ClaimTypeTag(tag), reason)
	if errors.Is(err, store.ErrGuardFailed) {
		return nil, &ValidationError{Message: "tag cannot be overridden while the claim is approved"}
	}
	return updated, err
}

// triggerDownstream builds the package and queues the render after an
// approval.
func (o *Orchestrator) triggerDownstream(ctx context.Context, approved *models.Claim, force bool, forceNonce string) (*models.OutputPackage, *models.RenderJob, error) {
	pkg, err := o.buildPackage(approved)
	if err != nil {
		return nil, nil, err
	}
	job := o.queueRender(ctx, approved, pkg, force, forceNonce)
	return pkg, job, nil
}

// buildPackage assembles the package and applies the queued/ready (or
// failed) events pinned to the approved version.
func (o *Orchestrator) buildPackage(claim *models.Claim) (*models.OutputPackage, error) {
	pinned := claim.ApprovedVersion

	pkg, err := o.packages.Generate(claim, claim.RunID)
	if err != nil {
		failed := &models.OutputPackage{ClaimID: claim.ID, RunID: claim.RunID, Status: models.DownstreamFailed, Error: err.Error()}
		if _, applyErr := o.claims.ApplyPackageEvent(events.TypeClaimOutputPackageFailed, claim.RunID, claim.ID, pinned, failed); applyErr != nil {
			o.logger.Warn("Package-failed event dropped", "claim_id", claim.ID, "error", applyErr)
		}
		return nil, err
	}

	if _, err := o.claims.ApplyPackageEvent(events.TypeClaimOutputPackageQueued, claim.RunID, claim.ID, pinned, pkg); err != nil {
		o.logger.Warn("Package-queued event dropped", "claim_id", claim.ID, "error", err)
	}
	if _, err := o.claims.ApplyPackageEvent(events.TypeClaimOutputPackageReady, claim.RunID, claim.ID, pinned, pkg); err != nil {
		o.logger.Warn("Package-ready event dropped", "claim_id", claim.ID, "error", err)
	}
	return pkg, nil
}

// queueRender registers the render job, applies render_queued, and
// completes the render in the background.
func (o *Orchestrator) queueRender(ctx context.Context, claim *models.Claim, pkg *models.OutputPackage, force bool, forceNonce string) *models.RenderJob {
	job := o.render.Render(ctx, claim, pkg, force, forceNonce)
	pinned := claim.ApprovedVersion

	if job.Status != models.RenderQueued {
		// Reused, already-completed job: nothing to run or re-announce.
		return job
	}

	if _, err := o.claims.ApplyRenderEvent(events.TypeClaimRenderQueued, claim.RunID, claim.ID, pinned, job); err != nil {
		o.logger.Warn("Render-queued event dropped", "claim_id", claim.ID, "error", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The request context dies with the HTTP response; the render
		// itself is bounded by the client's own timeout.
		done := o.render.Complete(context.Background(), job, pkg)

		evtType := events.TypeClaimRenderReady
		if done.Status != models.RenderReady {
			evtType = events.TypeClaimRenderFailed
		}
		if _, err := o.claims.ApplyRenderEvent(evtType, claim.RunID, claim.ID, pinned, done); err != nil {
			o.logger.Warn("Render completion event dropped", "claim_id", claim.ID, "error", err)
		}
	}()
	return job
}
