// Package policy derives the fail-closed approval and export gates from
// a claim snapshot. Evaluation is pure and synchronous: the same snapshot
// always yields the same result, and nothing here is persisted.
package policy

import (
	"strings"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// Evidence status values.
const (
	EvidenceResearching      = "researching"
	EvidenceProviderDegraded = "provider_degraded"
	EvidenceInsufficient     = "insufficient"
	EvidenceConflicted       = "conflicted"
	EvidenceSufficient       = "sufficient"
)

// Block reasons surfaced through the API.
const (
	BlockRejectedLocked      = "rejected_locked"
	BlockStillResearching    = "still_researching"
	BlockNotResearched       = "not_researched"
	BlockProviderDegraded    = "provider_degraded"
	BlockInsufficientSources = "insufficient_sources"
	BlockConflictedSources   = "conflicted_sources"
	BlockBelowThreshold      = "below_threshold"
	BlockNotApproved         = "not_approved"
)

// Per-tag confidence thresholds.
const (
	thresholdNumericFactual = 0.60
	thresholdSimplePolicy   = 0.75
	thresholdOther          = 0.80
)

// Threshold returns the approval confidence floor for a claim type tag.
func Threshold(tag models.ClaimTypeTag) float64 {
	switch tag {
	case models.TagNumericFactual:
		return thresholdNumericFactual
	case models.TagSimplePolicy:
		return thresholdSimplePolicy
	default:
		return thresholdOther
	}
}

// Evaluate computes the derived policy fields for a claim snapshot.
func Evaluate(c *models.Claim) models.PolicyEvaluation {
	eval := models.PolicyEvaluation{
		ClaimTypeTag:        c.ClaimTypeTag,
		ClaimTypeConfidence: c.ClaimTypeConfidence,
		PolicyThreshold:     Threshold(c.ClaimTypeTag),
	}

	eval.IndependentSourceCount = independentSourceCount(c.Sources)
	eval.EvidenceConflict = evidenceConflict(c.Sources)
	eval.EvidenceStatus = evidenceStatus(c, eval.IndependentSourceCount, eval.EvidenceConflict)

	eval.ApprovalBlockReason = approvalBlockReason(c, eval)
	eval.ApprovalEligibility = eval.ApprovalBlockReason == ""

	eval.ExportBlockReason = eval.ApprovalBlockReason
	if eval.ExportBlockReason == "" && c.OutputApprovalState != models.ApprovalApproved {
		eval.ExportBlockReason = BlockNotApproved
	}
	eval.ExportEligibility = eval.ExportBlockReason == ""

	return eval
}

func independentSourceCount(sources []models.Source) int {
	keys := make(map[string]bool)
	for _, s := range sources {
		key := strings.ToLower(strings.TrimSpace(s.Publisher))
		if key == "" {
			key = strings.ToLower(strings.TrimSpace(s.URL))
		}
		if key != "" {
			keys[key] = true
		}
	}
	return len(keys)
}

// ratingBucket values used for conflict detection.
const (
	bucketFalse      = "false"
	bucketMisleading = "misleading"
	bucketSupported  = "supported"
	bucketUnverified = "unverified"
)

// normalizeRating maps a free-form textual rating to a conflict bucket.
// Rules are ordered: compound phrases ("mostly false") must win over
// their substrings ("false"), and "incorrect" over "correct".
var ratingRules = []struct {
	needle string
	bucket string
}{
	{"pants on fire", bucketFalse},
	{"mostly false", bucketMisleading},
	{"partly false", bucketMisleading},
	{"half true", bucketMisleading},
	{"mostly true", bucketSupported},
	{"misleading", bucketMisleading},
	{"mixed", bucketMisleading},
	{"incorrect", bucketFalse},
	{"false", bucketFalse},
	{"correct", bucketSupported},
	{"true", bucketSupported},
}

func normalizeRating(rating string) string {
	lower := strings.ToLower(strings.TrimSpace(rating))
	for _, rule := range ratingRules {
		if strings.Contains(lower, rule.needle) {
			return rule.bucket
		}
	}
	return bucketUnverified
}

// evidenceConflict reports whether at least two distinct classified
// buckets appear across the sources' ratings.
func evidenceConflict(sources []models.Source) bool {
	buckets := make(map[string]bool)
	for _, s := range sources {
		if b := normalizeRating(s.TextualRating); b != bucketUnverified {
			buckets[b] = true
		}
	}
	return len(buckets) >= 2
}

func evidenceStatus(c *models.Claim, sourceCount int, conflict bool) string {
	if c.Status == models.StatusPendingResearch || c.Status == models.StatusResearching {
		return EvidenceResearching
	}
	if c.GoogleEvidence.State == models.EvidenceError {
		return EvidenceProviderDegraded
	}
	if c.Category == models.CategoryEconomic {
		if c.FredEvidence.State == models.EvidenceError {
			return EvidenceProviderDegraded
		}
		if c.FredEvidence.State != models.EvidenceMatched && sourceCount < 1 {
			return EvidenceInsufficient
		}
	} else if sourceCount < 1 {
		return EvidenceInsufficient
	}
	if conflict {
		return EvidenceConflicted
	}
	return EvidenceSufficient
}

func approvalBlockReason(c *models.Claim, eval models.PolicyEvaluation) string {
	if c.OutputApprovalState == models.ApprovalRejected {
		return BlockRejectedLocked
	}
	if c.Status != models.StatusResearched {
		if c.Status == models.StatusResearching || c.Status == models.StatusPendingResearch {
			return BlockStillResearching
		}
		return BlockNotResearched
	}
	switch eval.EvidenceStatus {
	case EvidenceResearching:
		return BlockStillResearching
	case EvidenceProviderDegraded:
		return BlockProviderDegraded
	case EvidenceInsufficient:
		return BlockInsufficientSources
	case EvidenceConflicted:
		return BlockConflictedSources
	}
	if c.Confidence < eval.PolicyThreshold {
		return BlockBelowThreshold
	}
	return ""
}

// BlockMessage renders a human-readable explanation for a block reason.
func BlockMessage(reason string) string {
	switch reason {
	case BlockRejectedLocked:
		return "claim was rejected for this version"
	case BlockStillResearching:
		return "research is still in progress"
	case BlockNotResearched:
		return "claim has not completed research"
	case BlockProviderDegraded:
		return "an evidence provider failed for this claim"
	case BlockInsufficientSources:
		return "not enough independent sources"
	case BlockConflictedSources:
		return "sources disagree on the verdict"
	case BlockBelowThreshold:
		return "confidence is below the policy threshold"
	case BlockNotApproved:
		return "claim is not approved for output"
	default:
		return reason
	}
}
