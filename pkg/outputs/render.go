package outputs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// Render retry policy.
const (
	defaultRenderTimeout  = 20 * time.Second
	defaultMaxAttempts    = 3
	renderBackoffStep     = 500 * time.Millisecond
)

// RenderClient queues render jobs against the remote graphics service,
// deduplicated by idempotency key. Without a configured endpoint it
// deterministically synthesizes a local placeholder artifact.
type RenderClient struct {
	endpoint   string
	httpClient *http.Client
	maxAttempts int

	mu   sync.Mutex
	jobs map[string]*models.RenderJob

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewRenderClient creates a render client. endpoint may be empty.
func NewRenderClient(endpoint string, timeout time.Duration, maxAttempts int) *RenderClient {
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &RenderClient{
		endpoint:    endpoint,
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		jobs:        make(map[string]*models.RenderJob),
		logger:      slog.Default().With("component", "render"),
		now:         time.Now,
		newID:       newJobID,
	}
}

func newJobID() string {
	return "render-" + uuid.New().String()
}

// IdempotencyKey derives the dedupe key for a render request.
func IdempotencyKey(claimID string, claimVersion int, force bool, forceNonce string) string {
	key := fmt.Sprintf("%s:%d:%s", claimID, claimVersion, TemplateVersion)
	if force {
		key += ":force:" + forceNonce
	}
	return key
}

// Render queues one render. Non-forced requests with a prior non-failed
// job return that job unchanged; failed jobs are retried.
func (r *RenderClient) Render(ctx context.Context, claim *models.Claim, pkg *models.OutputPackage, force bool, forceNonce string) *models.RenderJob {
	key := IdempotencyKey(claim.ID, pkg.ClaimVersion, force, forceNonce)

	r.mu.Lock()
	if prior, ok := r.jobs[key]; ok && !force && prior.Status != models.RenderFailed {
		r.mu.Unlock()
		return prior
	}
	job := &models.RenderJob{
		RenderJobID:    r.newID(),
		ClaimID:        claim.ID,
		RunID:          pkg.RunID,
		ClaimVersion:   pkg.ClaimVersion,
		IdempotencyKey: key,
		Status:         models.RenderQueued,
		CreatedAt:      r.now(),
	}
	r.jobs[key] = job
	r.mu.Unlock()
	return job
}

// Complete executes the render for a queued job, mutating and returning
// it. With no remote endpoint the local placeholder artifact is used.
func (r *RenderClient) Complete(ctx context.Context, job *models.RenderJob, pkg *models.OutputPackage) *models.RenderJob {
	r.mu.Lock()
	job.Status = models.RenderRendering
	r.mu.Unlock()

	if r.endpoint == "" {
		r.mu.Lock()
		job.Attempts++
		job.Status = models.RenderReady
		job.ArtifactURL = "local://artifacts/" + job.IdempotencyKey + ".png"
		r.mu.Unlock()
		return job
	}

	var artifactURL string
	operation := func() error {
		r.mu.Lock()
		job.Attempts++
		r.mu.Unlock()
		url, err := r.remoteRender(ctx, job, pkg)
		if err != nil {
			r.logger.Warn("Render attempt failed", "render_job_id", job.RenderJobID, "attempt", job.Attempts, "error", err)
			return err
		}
		artifactURL = url
		return nil
	}

	// Linear backoff: each retry waits one step longer than the last.
	policy := backoff.WithContext(&linearBackOff{step: renderBackoffStep, maxAttempts: r.maxAttempts}, ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		r.mu.Lock()
		job.Status = models.RenderFailed
		job.Error = err.Error()
		r.mu.Unlock()
		return job
	}

	r.mu.Lock()
	job.Status = models.RenderReady
	job.ArtifactURL = artifactURL
	r.mu.Unlock()
	return job
}

type renderRequest struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	ClaimID        string         `json:"claimId"`
	ClaimVersion   int            `json:"claimVersion"`
	Template       string         `json:"template"`
	Payload        map[string]any `json:"payload"`
}

type renderResponse struct {
	ArtifactURL string `json:"artifactUrl"`
	Error       string `json:"error,omitempty"`
}

func (r *RenderClient) remoteRender(ctx context.Context, job *models.RenderJob, pkg *models.OutputPackage) (string, error) {
	reqBody, err := json.Marshal(renderRequest{
		IdempotencyKey: job.IdempotencyKey,
		ClaimID:        job.ClaimID,
		ClaimVersion:   job.ClaimVersion,
		Template:       pkg.TemplateVersion,
		Payload:        pkg.Payload,
	})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("marshal render request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read render response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("render HTTP %d", resp.StatusCode)
	}

	var parsed renderResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode render response: %w", err)
	}
	if parsed.ArtifactURL == "" {
		return "", fmt.Errorf("render service returned no artifact")
	}
	return parsed.ArtifactURL, nil
}

// Clear drops all jobs (new run).
func (r *RenderClient) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*models.RenderJob)
}

// linearBackOff waits attempt×step between tries and stops after
// maxAttempts total attempts.
type linearBackOff struct {
	step        time.Duration
	maxAttempts int
	attempt     int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	if l.attempt >= l.maxAttempts {
		return backoff.Stop
	}
	return time.Duration(l.attempt) * l.step
}

func (l *linearBackOff) Reset() { l.attempt = 0 }
