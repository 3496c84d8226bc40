// Package verifier submits a claim plus its structured evidence to the
// external reasoning service and parses the constrained-schema verdict.
// Every failure mode except cancellation collapses into a safe
// unverified fallback so the research worker never propagates errors.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

const (
	defaultBaseURL = "https://api.openai.com/v1/chat/completions"
	defaultModel   = "gpt-4o-mini"

	// maxFieldChars bounds correctedClaim and aiSummary.
	maxFieldChars = 484

	// noEvidenceConfidenceCap limits confidence when no evidence source
	// was classified: the reasoning engine alone cannot clear a claim.
	noEvidenceConfidenceCap = 0.65
)

// Evidence basis values in the output schema.
const (
	BasisFactCheckMatch   = "fact_check_match"
	BasisFredData         = "fred_data"
	BasisCongressData     = "congress_data"
	BasisGeneralKnowledge = "general_knowledge"
	BasisMixed            = "mixed"
)

// EvidenceBundle is the structured evidence submitted with the claim.
type EvidenceBundle struct {
	FactCheckVerdict models.Verdict
	FactCheckSummary string
	FredState        models.EvidenceState
	FredSummary      string
	CongressState    models.EvidenceState
	CongressSummary  string
}

// Classified reports whether any evidence source carries signal the
// verdict can lean on.
func (e EvidenceBundle) Classified() bool {
	return (e.FactCheckVerdict != "" && e.FactCheckVerdict != models.VerdictUnverified) ||
		e.FredState == models.EvidenceMatched ||
		e.CongressState == models.EvidenceMatched
}

// Verdict is the parsed, post-processed reasoning output.
type Verdict struct {
	AIVerdict      models.Verdict `json:"aiVerdict"`
	AIConfidence   float64        `json:"aiConfidence"`
	CorrectedClaim *string        `json:"correctedClaim"`
	AISummary      *string        `json:"aiSummary"`
	EvidenceBasis  *string        `json:"evidenceBasis"`
}

// Fallback is the safe verdict returned on any non-cancellation failure.
func Fallback() Verdict {
	return Verdict{AIVerdict: models.VerdictUnverified, AIConfidence: 0}
}

// Client calls the reasoning service.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a reasoning client. An empty apiKey short-circuits
// to the fallback without outbound calls.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 45 * time.Second},
		logger:     slog.Default().With("component", "verifier"),
	}
}

const systemPrompt = `You are a broadcast fact-check verifier. Given a claim and structured evidence, respond with ONLY a JSON object:
{"aiVerdict":"true"|"false"|"misleading"|"unverified","aiConfidence":0.0-1.0,"correctedClaim":string|null,"aiSummary":string|null,"evidenceBasis":"fact_check_match"|"fred_data"|"congress_data"|"general_knowledge"|"mixed"|null}
Ground the verdict in the supplied evidence; use general knowledge only when no evidence applies.`

// chat-completions wire shapes.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Verify submits the claim and evidence. Cancellation is returned as an
// error; every other failure yields the fallback with a nil error.
func (c *Client) Verify(ctx context.Context, claimText string, ev EvidenceBundle) (Verdict, error) {
	if c.apiKey == "" || strings.TrimSpace(claimText) == "" {
		return Fallback(), nil
	}

	raw, err := c.call(ctx, claimText, ev)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Fallback(), err
		}
		c.logger.Warn("Reasoning call failed, using fallback", "error", err)
		return Fallback(), nil
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		c.logger.Warn("Unparseable reasoning output, using fallback", "error", err)
		return Fallback(), nil
	}

	return postProcess(verdict, ev), nil
}

func (c *Client) call(ctx context.Context, claimText string, ev EvidenceBundle) (string, error) {
	userPrompt := buildPrompt(claimText, ev)
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0.1,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("reasoning request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read reasoning response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("reasoning HTTP %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode reasoning envelope: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", errors.New("reasoning response carried no output")
	}
	return parsed.Choices[0].Message.Content, nil
}

func buildPrompt(claimText string, ev EvidenceBundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim: %s\n\n", claimText)
	fmt.Fprintf(&b, "Fact-check verdict: %s\n", orNone(string(ev.FactCheckVerdict)))
	fmt.Fprintf(&b, "Fact-check summary: %s\n", orNone(ev.FactCheckSummary))
	fmt.Fprintf(&b, "Economic indicators (%s): %s\n", orNone(string(ev.FredState)), orNone(ev.FredSummary))
	fmt.Fprintf(&b, "Legislative status (%s): %s\n", orNone(string(ev.CongressState)), orNone(ev.CongressSummary))
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func parseVerdict(raw string) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict JSON: %w", err)
	}
	switch v.AIVerdict {
	case models.VerdictTrue, models.VerdictFalse, models.VerdictMisleading, models.VerdictUnverified:
	default:
		return Verdict{}, fmt.Errorf("verdict %q outside schema", v.AIVerdict)
	}
	return v, nil
}

// postProcess clamps numeric fields, bounds text lengths, validates the
// evidence basis, and caps confidence when no evidence was classified.
func postProcess(v Verdict, ev EvidenceBundle) Verdict {
	if v.AIConfidence < 0 {
		v.AIConfidence = 0
	}
	if v.AIConfidence > 1 {
		v.AIConfidence = 1
	}
	v.CorrectedClaim = boundField(v.CorrectedClaim)
	v.AISummary = boundField(v.AISummary)

	if v.EvidenceBasis != nil {
		switch *v.EvidenceBasis {
		case BasisFactCheckMatch, BasisFredData, BasisCongressData, BasisGeneralKnowledge, BasisMixed:
		default:
			v.EvidenceBasis = nil
		}
	}

	if !ev.Classified() && v.AIConfidence > noEvidenceConfidenceCap {
		v.AIConfidence = noEvidenceConfidenceCap
	}
	return v
}

func boundField(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	if len(trimmed) > maxFieldChars {
		trimmed = trimmed[:maxFieldChars]
	}
	return &trimmed
}
