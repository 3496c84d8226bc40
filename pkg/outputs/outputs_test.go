package outputs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

func approvedClaim() *models.Claim {
	v := 4
	return &models.Claim{
		ID:              "run-1:0000",
		RunID:           "run-1",
		Version:         4,
		Text:            "Inflation fell to 3.1 percent in 2024.",
		Verdict:         models.VerdictTrue,
		Confidence:      0.79,
		Summary:         "Matches CPI data.",
		ChunkClock:      "00:00:15",
		ApprovedVersion: &v,
		Sources: []models.Source{
			{Publisher: "PolitiFact", Title: "Checking the inflation claim", URL: "https://politifact.com/1", TextualRating: "True"},
		},
	}
}

func TestGeneratePackage(t *testing.T) {
	svc := NewPackageService()
	pkg, err := svc.Generate(approvedClaim(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, models.DownstreamReady, pkg.Status)
	assert.Equal(t, 4, pkg.ClaimVersion)
	assert.Equal(t, TemplateVersion, pkg.TemplateVersion)
	assert.Equal(t, "Inflation fell to 3.1 percent in 2024.", pkg.Payload["headline"])
	assert.Equal(t, "true", pkg.Payload["verdict"])

	got, ok := svc.Get("run-1:0000")
	require.True(t, ok)
	assert.Equal(t, pkg.PackageID, got.PackageID)
}

func TestGeneratePackageUsesCorrectedClaim(t *testing.T) {
	claim := approvedClaim()
	claim.CorrectedClaim = "Inflation fell to 3.1 percent in 2024, down from 6.5 percent in 2022."

	svc := NewPackageService()
	pkg, err := svc.Generate(claim, "run-1")
	require.NoError(t, err)
	assert.Equal(t, claim.CorrectedClaim, pkg.Payload["headline"])
}

func TestGeneratePackageRequiresApprovedVersion(t *testing.T) {
	claim := approvedClaim()
	claim.ApprovedVersion = nil

	svc := NewPackageService()
	_, err := svc.Generate(claim, "run-1")
	assert.Error(t, err)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "run-1:0000:4:"+TemplateVersion, IdempotencyKey("run-1:0000", 4, false, ""))
	assert.Equal(t, "run-1:0000:4:"+TemplateVersion+":force:abc", IdempotencyKey("run-1:0000", 4, true, "abc"))
}

func TestRenderLocalFallback(t *testing.T) {
	client := NewRenderClient("", 0, 0)
	claim := approvedClaim()
	svc := NewPackageService()
	pkg, err := svc.Generate(claim, "run-1")
	require.NoError(t, err)

	job := client.Render(context.Background(), claim, pkg, false, "")
	assert.Equal(t, models.RenderQueued, job.Status)

	done := client.Complete(context.Background(), job, pkg)
	assert.Equal(t, models.RenderReady, done.Status)
	assert.Contains(t, done.ArtifactURL, "local://artifacts/")
	assert.Contains(t, done.ArtifactURL, job.IdempotencyKey)
}

func TestRenderIdempotentForNonFailedJobs(t *testing.T) {
	client := NewRenderClient("", 0, 0)
	claim := approvedClaim()
	svc := NewPackageService()
	pkg, _ := svc.Generate(claim, "run-1")

	first := client.Render(context.Background(), claim, pkg, false, "")
	again := client.Render(context.Background(), claim, pkg, false, "")
	assert.Equal(t, first.RenderJobID, again.RenderJobID)

	forced := client.Render(context.Background(), claim, pkg, true, "nonce-1")
	assert.NotEqual(t, first.RenderJobID, forced.RenderJobID)
}

func TestRenderRemoteRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"artifactUrl": "https://cdn.example.com/render.png"})
	}))
	defer srv.Close()

	client := NewRenderClient(srv.URL, 5*time.Second, 3)
	claim := approvedClaim()
	svc := NewPackageService()
	pkg, _ := svc.Generate(claim, "run-1")

	job := client.Render(context.Background(), claim, pkg, false, "")
	done := client.Complete(context.Background(), job, pkg)

	assert.Equal(t, models.RenderReady, done.Status)
	assert.Equal(t, "https://cdn.example.com/render.png", done.ArtifactURL)
	assert.Equal(t, 3, done.Attempts)
}

func TestRenderRemoteExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewRenderClient(srv.URL, 5*time.Second, 2)
	claim := approvedClaim()
	svc := NewPackageService()
	pkg, _ := svc.Generate(claim, "run-1")

	job := client.Render(context.Background(), claim, pkg, false, "")
	done := client.Complete(context.Background(), job, pkg)

	assert.Equal(t, models.RenderFailed, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Contains(t, done.Error, "HTTP 500")
}

func TestRenderFailedJobRetriedOnNewRequest(t *testing.T) {
	client := NewRenderClient("", 0, 0)
	claim := approvedClaim()
	svc := NewPackageService()
	pkg, _ := svc.Generate(claim, "run-1")

	job := client.Render(context.Background(), claim, pkg, false, "")
	client.mu.Lock()
	job.Status = models.RenderFailed
	client.mu.Unlock()

	retried := client.Render(context.Background(), claim, pkg, false, "")
	assert.NotEqual(t, job.RenderJobID, retried.RenderJobID)
}
