// Package outputs implements the downstream collaborators triggered by
// approval: the on-air package assembler and the render client with its
// local fallback synthesizer.
package outputs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// TemplateVersion identifies the graphics payload layout.
const TemplateVersion = "lower-third-v2"

// maxPayloadSources bounds the sources carried in the on-air payload.
const maxPayloadSources = 3

// PackageService assembles output packages for approved claims, keyed
// by claim so regeneration replaces the prior package.
type PackageService struct {
	mu       sync.Mutex
	packages map[string]*models.OutputPackage
	now      func() time.Time
	newID    func() string
}

// NewPackageService creates an empty package service.
func NewPackageService() *PackageService {
	return &PackageService{
		packages: make(map[string]*models.OutputPackage),
		now:      time.Now,
		newID:    func() string { return "pkg-" + uuid.New().String() },
	}
}

// Generate assembles the payload for an approved claim snapshot. The
// package is pinned to the claim's approved version.
func (p *PackageService) Generate(claim *models.Claim, runID string) (*models.OutputPackage, error) {
	if claim.ApprovedVersion == nil {
		return nil, fmt.Errorf("claim %s has no approved version", claim.ID)
	}

	headline := claim.Text
	if claim.CorrectedClaim != "" {
		headline = claim.CorrectedClaim
	}

	sources := make([]map[string]string, 0, maxPayloadSources)
	for _, src := range claim.Sources {
		sources = append(sources, map[string]string{
			"publisher": src.Publisher,
			"title":     src.Title,
			"url":       src.URL,
			"rating":    src.TextualRating,
		})
		if len(sources) == maxPayloadSources {
			break
		}
	}

	pkg := &models.OutputPackage{
		PackageID:       p.newID(),
		ClaimID:         claim.ID,
		RunID:           runID,
		ClaimVersion:    *claim.ApprovedVersion,
		Status:          models.DownstreamReady,
		TemplateVersion: TemplateVersion,
		Payload: map[string]any{
			"headline":   headline,
			"verdict":    string(claim.Verdict),
			"confidence": claim.Confidence,
			"summary":    claim.Summary,
			"clock":      claim.ChunkClock,
			"sources":    sources,
		},
		CreatedAt: p.now(),
	}

	p.mu.Lock()
	p.packages[claim.ID] = pkg
	p.mu.Unlock()
	return pkg, nil
}

// Get returns the current package for a claim, if any.
func (p *PackageService) Get(claimID string) (*models.OutputPackage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pkg, ok := p.packages[claimID]
	return pkg, ok
}

// Clear drops all packages (new run).
func (p *PackageService) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packages = make(map[string]*models.OutputPackage)
}
