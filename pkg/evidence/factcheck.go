package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// Fact-check scoring constants.
const (
	maxQueryTokens     = 18
	maxReviewAgeYears  = 4.0
	recencyGraceYears  = 2.0
	recencyDecayPerYr  = 0.15
	recencyFloor       = 0.5
	confidenceBase     = 0.25
	matchScoreWeight   = 0.45
	verdictWeightCoef  = 0.30
	classifiedWeight   = 0.80
	unclassifiedWeight = 0.35
	confidenceCeiling  = 0.98
	maxSources         = 3
	errorBodyChars     = 160
)

const defaultFactCheckBaseURL = "https://factchecktools.googleapis.com/v1alpha1/claims:search"

var languageCodes = []string{"en-US", "en", ""}

// FactCheckResult is the fact-check provider outcome fed into the
// authoritative verdict selection.
type FactCheckResult struct {
	State      models.EvidenceState
	Status     models.ResearchStatus
	Verdict    models.Verdict
	Confidence float64
	Summary    string
	Sources    []models.Source
}

// FactCheckClient queries the external claim-review search service.
type FactCheckClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewFactCheckClient creates a client. An empty apiKey yields
// state=error results rather than outbound calls.
func NewFactCheckClient(apiKey string) *FactCheckClient {
	return &FactCheckClient{
		apiKey:     apiKey,
		baseURL:    defaultFactCheckBaseURL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		now:        time.Now,
	}
}

// reviewCandidate is one scored claim review before ranking.
type reviewCandidate struct {
	source     models.Source
	verdict    models.Verdict
	confidence float64
	claimText  string
}

// Check searches claim reviews for the claim text: up to three query
// variants, each tried across the language codes. The first non-2xx
// response aborts with state=error.
func (c *FactCheckClient) Check(ctx context.Context, claimText string) FactCheckResult {
	if c.apiKey == "" {
		return FactCheckResult{
			State:   models.EvidenceError,
			Status:  models.StatusNeedsManualResearch,
			Verdict: models.VerdictUnverified,
			Summary: "fact-check API key not configured",
		}
	}

	var candidates []reviewCandidate
	for _, variant := range queryVariants(claimText) {
		for _, lang := range languageCodes {
			reviews, err := c.search(ctx, variant, lang)
			if err != nil {
				if ctx.Err() != nil {
					// Cancelled: a placeholder result; callers check ctx.Err() and discard it.
					return FactCheckResult{State: models.EvidenceError, Status: models.StatusNeedsManualResearch, Verdict: models.VerdictUnverified, Summary: "cancelled"}
				}
				return FactCheckResult{
					State:   models.EvidenceError,
					Status:  models.StatusNeedsManualResearch,
					Verdict: models.VerdictUnverified,
					Summary: truncate(err.Error(), errorBodyChars),
				}
			}
			candidates = append(candidates, c.score(claimText, reviews)...)
		}
		// Once a variant produced usable reviews, tighter variants only
		// re-find the same pages.
		if len(candidates) > 0 {
			break
		}
	}

	if len(candidates) == 0 {
		return FactCheckResult{
			State:   models.EvidenceNone,
			Status:  models.StatusNoMatch,
			Verdict: models.VerdictUnverified,
			Summary: "no matching claim reviews",
		}
	}

	ranked := rank(dedupe(candidates))
	top := ranked[0]

	sources := make([]models.Source, 0, maxSources)
	for _, cand := range ranked {
		sources = append(sources, cand.source)
		if len(sources) == maxSources {
			break
		}
	}

	status := models.StatusResearched
	if top.verdict == models.VerdictUnverified {
		status = models.StatusNeedsManualResearch
	}

	return FactCheckResult{
		State:      models.EvidenceMatched,
		Status:     status,
		Verdict:    top.verdict,
		Confidence: math.Round(top.confidence*100) / 100,
		Summary:    fmt.Sprintf("%s rated this %q", top.source.Publisher, top.source.TextualRating),
		Sources:    sources,
	}
}

// queryVariants builds up to three searches: the full text, the first
// 18 tokens, and a focus variant keeping digits and long tokens.
func queryVariants(claimText string) []string {
	text := strings.TrimSpace(claimText)
	variants := []string{text}

	fields := strings.Fields(text)
	if len(fields) > maxQueryTokens {
		variants = append(variants, strings.Join(fields[:maxQueryTokens], " "))
	}

	var focus []string
	for _, tok := range fields {
		if strings.IndexFunc(tok, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0 || len(tok) > 6 {
			focus = append(focus, tok)
		}
	}
	if len(focus) > 0 {
		joined := strings.Join(focus, " ")
		if joined != text {
			variants = append(variants, joined)
		}
	}

	if len(variants) > 3 {
		variants = variants[:3]
	}
	return variants
}

// Wire shapes of the claim-review search response.
type searchResponse struct {
	Claims []struct {
		Text        string `json:"text"`
		ClaimReview []struct {
			Publisher struct {
				Name string `json:"name"`
				Site string `json:"site"`
			} `json:"publisher"`
			URL           string `json:"url"`
			Title         string `json:"title"`
			ReviewDate    string `json:"reviewDate"`
			TextualRating string `json:"textualRating"`
		} `json:"claimReview"`
	} `json:"claims"`
}

type rawReview struct {
	claimText     string
	publisher     string
	url           string
	title         string
	reviewDate    string
	textualRating string
}

func (c *FactCheckClient) search(ctx context.Context, query, lang string) ([]rawReview, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("key", c.apiKey)
	if lang != "" {
		params.Set("languageCode", lang)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fact-check search: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read fact-check response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fact-check HTTP %d: %s", resp.StatusCode, truncate(string(body), errorBodyChars))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode fact-check response: %w", err)
	}

	var out []rawReview
	for _, claim := range parsed.Claims {
		for _, review := range claim.ClaimReview {
			out = append(out, rawReview{
				claimText:     claim.Text,
				publisher:     review.Publisher.Name,
				url:           review.URL,
				title:         review.Title,
				reviewDate:    review.ReviewDate,
				textualRating: review.TextualRating,
			})
		}
	}
	return out, nil
}

// score filters reviews by age and converts the survivors to weighted
// candidates.
func (c *FactCheckClient) score(claimText string, reviews []rawReview) []reviewCandidate {
	claimTokens := tokens(claimText)
	now := c.now()

	var out []reviewCandidate
	for _, review := range reviews {
		recency := 1.0
		if review.reviewDate != "" {
			if reviewedAt, err := parseReviewDate(review.reviewDate); err == nil {
				ageYears := now.Sub(reviewedAt).Hours() / (24 * 365.25)
				if ageYears > maxReviewAgeYears {
					continue
				}
				if ageYears > recencyGraceYears {
					recency = 1.0 - (ageYears-recencyGraceYears)*recencyDecayPerYr
					if recency < recencyFloor {
						recency = recencyFloor
					}
				}
			}
		}

		verdict := NormalizeRating(review.textualRating)
		weight := unclassifiedWeight
		if verdict != models.VerdictUnverified {
			weight = classifiedWeight
		}

		reviewTokens := tokens(review.claimText + " " + review.title + " " + review.textualRating)
		match := jaccard(claimTokens, reviewTokens)

		confidence := (confidenceBase + matchScoreWeight*match + verdictWeightCoef*weight) * recency
		if confidence > confidenceCeiling {
			confidence = confidenceCeiling
		}

		out = append(out, reviewCandidate{
			source: models.Source{
				Publisher:     review.publisher,
				Title:         review.title,
				URL:           review.url,
				TextualRating: review.textualRating,
				ReviewDate:    review.reviewDate,
			},
			verdict:    verdict,
			confidence: confidence,
			claimText:  review.claimText,
		})
	}
	return out
}

func parseReviewDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable review date %q", s)
}

// dedupe keeps the highest-confidence candidate per identity key.
func dedupe(candidates []reviewCandidate) []reviewCandidate {
	best := make(map[string]reviewCandidate)
	var order []string
	for _, cand := range candidates {
		key := strings.Join([]string{cand.source.URL, cand.source.Publisher, cand.claimText, cand.source.TextualRating}, "\x1f")
		if prev, ok := best[key]; !ok {
			best[key] = cand
			order = append(order, key)
		} else if cand.confidence > prev.confidence {
			best[key] = cand
		}
	}
	out := make([]reviewCandidate, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

// rank sorts by confidence, preferring classified verdicts whenever any
// exist.
func rank(candidates []reviewCandidate) []reviewCandidate {
	anyClassified := false
	for _, cand := range candidates {
		if cand.verdict != models.VerdictUnverified {
			anyClassified = true
			break
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if anyClassified {
			ci := candidates[i].verdict != models.VerdictUnverified
			cj := candidates[j].verdict != models.VerdictUnverified
			if ci != cj {
				return ci
			}
		}
		return candidates[i].confidence > candidates[j].confidence
	})
	return candidates
}

// ratingVocabulary maps textual-rating fragments to verdicts. Rules are
// ordered so compound phrases win over their substrings.
var ratingVocabulary = []struct {
	needle  string
	verdict models.Verdict
}{
	{"pants on fire", models.VerdictFalse},
	{"pants-on-fire", models.VerdictFalse},
	{"mostly true", models.VerdictTrue},
	{"mostly false", models.VerdictMisleading},
	{"partly false", models.VerdictMisleading},
	{"partly true", models.VerdictMisleading},
	{"half true", models.VerdictMisleading},
	{"half-true", models.VerdictMisleading},
	{"missing context", models.VerdictMisleading},
	{"out of context", models.VerdictMisleading},
	{"misleading", models.VerdictMisleading},
	{"mixed", models.VerdictMisleading},
	{"debunked", models.VerdictFalse},
	{"no evidence", models.VerdictFalse},
	{"fake", models.VerdictFalse},
	{"hoax", models.VerdictFalse},
	{"fabricated", models.VerdictFalse},
	{"false", models.VerdictFalse},
	{"true", models.VerdictTrue},
	{"correct", models.VerdictTrue},
	{"accurate", models.VerdictTrue},
	{"authentic", models.VerdictTrue},
}

// NormalizeRating maps a free-form textual rating to a verdict by
// case-insensitive substring match against the rating vocabulary.
func NormalizeRating(rating string) models.Verdict {
	lower := strings.ToLower(strings.TrimSpace(rating))
	for _, rule := range ratingVocabulary {
		if strings.Contains(lower, rule.needle) {
			return rule.verdict
		}
	}
	return models.VerdictUnverified
}
