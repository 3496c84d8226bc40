package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/approval"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/config"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/events"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/outputs"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/policy"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/runner"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/store"
)

type testEnv struct {
	server *Server
	bus    *events.Bus
	claims *store.Store
	orch   *approval.Orchestrator
	cfg    *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		ChunkSeconds:        15,
		ResearchConcurrency: 3,
		DetectionThreshold:  0.62,
		RateLimitPerMinute:  1000,
		TranscriptionModel:  "whisper-1",
	}
	if mutate != nil {
		mutate(cfg)
	}

	bus := events.NewBus()
	claims := store.New(bus)
	claims.BeginRun("run-1")
	packages := outputs.NewPackageService()
	render := outputs.NewRenderClient("", 0, 0)
	orch := approval.New(claims, packages, render)
	controller := runner.New(cfg, runner.Deps{
		Bus: bus, Claims: claims, Packages: packages, Render: render,
	})

	return &testEnv{
		server: NewServer(cfg, controller, claims, orch, bus),
		bus:    bus,
		claims: claims,
		orch:   orch,
		cfg:    cfg,
	}
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.echo.ServeHTTP(rec, req)
	return rec
}

// seedResearchedClaim puts an approvable claim in the store.
func (e *testEnv) seedResearchedClaim(t *testing.T) *models.Claim {
	t.Helper()
	c, err := e.claims.ApplyDetected("run-1", store.Detected{
		Text:         "Inflation fell to 3.1 percent in 2024.",
		Category:     models.CategoryEconomic,
		ClaimTypeTag: models.TagNumericFactual,
	})
	require.NoError(t, err)

	conf := 0.79
	updated, err := e.claims.ApplyResearchUpdate("run-1", c.ID, store.ResearchUpdate{
		Status:     models.StatusResearched,
		Verdict:    models.VerdictTrue,
		Confidence: &conf,
		Google:     &models.Evidence{State: models.EvidenceMatched},
		Fred:       &models.Evidence{State: models.EvidenceMatched},
		Sources:    []models.Source{{Publisher: "PolitiFact", URL: "https://p.example/1", TextualRating: "True"}},
	})
	require.NoError(t, err)
	return updated
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.False(t, resp.Running)
}

func TestStartRequiresURL(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/start", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/start", `{"youtubeUrl":"not a url"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopWithoutRunConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/stop", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestControlAuthRequired(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.ControlPassword = "secret" })

	rec := env.do(http.MethodPost, "/stop", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/stop", "", map[string]string{authHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct header gets past auth (and then conflicts on no active run).
	rec = env.do(http.MethodPost, "/stop", "", map[string]string{authHeader: "secret"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Query parameter works too.
	rec = env.do(http.MethodPost, "/stop?password=secret", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Read endpoints stay open unless protection is enabled.
	rec = env.do(http.MethodGet, "/claims", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadProtection(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.ControlPassword = "secret"
		cfg.ProtectReadEndpoints = true
	})

	rec := env.do(http.MethodGet, "/claims", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/claims", "", map[string]string{authHeader: "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitFixedWindow(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.RateLimitPerMinute = 2 })

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/claims", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/claims", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/claims", "", nil).Code)

	// Other routes have their own window.
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "", nil).Code)
}

func TestListClaims(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedResearchedClaim(t)

	rec := env.do(http.MethodGet, "/claims", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK     bool            `json:"ok"`
		RunID  string          `json:"runId"`
		Claims []*models.Claim `json:"claims"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "run-1", resp.RunID)
	require.Len(t, resp.Claims, 1)
	assert.Equal(t, models.StatusResearched, resp.Claims[0].Status)
}

func TestApproveFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.seedResearchedClaim(t)

	body := `{"expectedVersion":` + itoa(c.Version) + `}`
	rec := env.do(http.MethodPost, "/claims/"+c.ID+"/approve-output", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env.orch.Wait()

	var resp struct {
		OK    bool          `json:"ok"`
		Claim *models.Claim `json:"claim"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.ApprovalApproved, resp.Claim.OutputApprovalState)
}

func TestApproveVersionConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.seedResearchedClaim(t)

	rec := env.do(http.MethodPost, "/claims/"+c.ID+"/approve-output", `{"expectedVersion":99}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp conflictBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, c.Version, resp.CurrentVersion)
}

func TestApprovePolicyBlocked(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.seedResearchedClaim(t)
	conf := 0.55
	updated, err := env.claims.ApplyResearchUpdate("run-1", c.ID, store.ResearchUpdate{Confidence: &conf})
	require.NoError(t, err)

	body := `{"expectedVersion":` + itoa(updated.Version) + `}`
	rec := env.do(http.MethodPost, "/claims/"+c.ID+"/approve-output", body, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp conflictBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, policy.BlockBelowThreshold, resp.BlockReason)
}

func TestApproveUnknownClaim404(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/claims/run-1:9999/approve-output", `{"expectedVersion":1}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMutationRequiresExpectedVersion(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.seedResearchedClaim(t)

	rec := env.do(http.MethodPost, "/claims/"+c.ID+"/approve-output", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTagOverrideOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.seedResearchedClaim(t)

	body := `{"expectedVersion":` + itoa(c.Version) + `,"tag":"other","reason":"operator call"}`
	rec := env.do(http.MethodPost, "/claims/"+c.ID+"/tag-override", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Missing reason is a 400.
	fresh, _ := env.claims.Get(c.ID)
	body = `{"expectedVersion":` + itoa(fresh.Version) + `,"tag":"other"}`
	rec = env.do(http.MethodPost, "/claims/"+c.ID+"/tag-override", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsStreamReplayAndFormat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.bus.Publish(events.TypePipelineLog, "run-1", nil, map[string]any{"message": "hello"})
	env.bus.Publish(events.TypePipelineLog, "run-1", nil, map[string]any{"message": "world"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "id: 1\n")
	assert.Contains(t, body, "id: 2\n")
	assert.Contains(t, body, "event: pipeline.log\n")

	// Replay honours Last-Event-ID.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	req2 := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx2)
	req2.Header.Set("Last-Event-ID", "1")
	rec2 := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec2, req2)

	assert.NotContains(t, rec2.Body.String(), "id: 1\n")
	assert.Contains(t, rec2.Body.String(), "id: 2\n")
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	huge := strings.Repeat("x", maxBodyBytes+1024)
	rec := env.do(http.MethodPost, "/start", `{"youtubeUrl":"`+huge+`"}`, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func itoa(v int) string { return strconv.Itoa(v) }
