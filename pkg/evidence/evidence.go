// Package evidence implements the external evidence providers the
// research scheduler composes: the fact-check search service, the
// economic-indicator series, and the legislative bill catalogue.
// Providers never fail the pipeline; every failure mode collapses into
// a typed state on the returned result.
package evidence

import (
	"regexp"
	"strings"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// Result is the common provider shape: a state, a human summary, and
// source references.
type Result struct {
	State   models.EvidenceState `json:"state"`
	Summary string               `json:"summary,omitempty"`
	Sources []models.Source      `json:"sources,omitempty"`
}

var tokenRe = regexp.MustCompile(`[^a-z0-9]+`)

// tokens lowercases, splits on non-alphanumerics, and keeps tokens
// longer than two characters.
func tokens(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range tokenRe.Split(strings.ToLower(text), -1) {
		if len(tok) > 2 {
			out[tok] = true
		}
	}
	return out
}

// jaccard computes |a∩b| / |a∪b| over token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// truncate bounds provider error bodies carried into summaries.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
