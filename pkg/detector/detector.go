// Package detector scores transcript sentences for checkable factual
// claims. Detection is a pure function of the input text and options so
// the same text always yields the same candidate list.
package detector

import (
	"regexp"
	"strings"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// Score weights and bounds.
const (
	DefaultThreshold = 0.62
	MinThreshold     = 0.55
	MaxThreshold     = 0.90

	minSentenceChars    = 20
	minLengthTokens     = 8
	digitWeight         = 0.45
	comparativeWeight   = 0.20
	keywordWeight       = 0.10
	keywordWeightCap    = 0.35
	lengthWeight        = 0.10
)

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+(?:["')\]]+)?`)

var digitRe = regexp.MustCompile(`\d`)

var comparativeLexicon = map[string]bool{
	"more": true, "less": true, "higher": true, "lower": true,
	"up": true, "down": true, "increase": true, "increased": true,
	"decrease": true, "decreased": true, "than": true, "fewer": true,
	"fell": true, "rose": true, "dropped": true, "declined": true,
	"grew": true,
}

var economicLexicon = []string{
	"unemployment", "inflation", "gdp", "economy", "economic", "jobs",
	"wages", "earnings", "deficit", "debt", "taxes", "tax", "tariff",
	"tariffs", "prices", "cpi", "interest rate", "growth", "trade",
	"manufacturing", "stock market",
}

var politicalLexicon = []string{
	"bill", "bills", "law", "laws", "legislation", "congress", "senate", "house",
	"vote", "voted", "policy", "administration", "government",
	"border", "immigration", "crime", "military", "veterans",
	"healthcare", "election", "executive order",
}

var verifiableLexicon = []string{
	// Superlatives and quantitative-scale terms that make a political
	// statement checkable against a record.
	"largest", "smallest", "biggest", "highest", "lowest", "record",
	"most", "least", "best", "worst", "first", "never", "always",
	"historic", "percent", "percentage", "million", "billion",
	"trillion", "thousand", "rate", "average", "median", "majority",
	"double", "triple", "half",
}

// Options tunes a detection pass.
type Options struct {
	ChunkStartSec float64
	Threshold     float64 // 0 means DefaultThreshold; clamped to [MinThreshold, MaxThreshold]
}

// Candidate is one sentence promoted past the detection threshold.
type Candidate struct {
	Text          string
	Score         float64
	Reasons       []string
	Category      models.ClaimCategory
	Tag           models.ClaimTypeTag
	TagConfidence float64
	ChunkStartSec float64
	ChunkClock    string
}

// SplitSentences returns the complete sentences of text in order.
func SplitSentences(text string) []string {
	return sentenceRe.FindAllString(text, -1)
}

// Detect scores each sentence of text and returns candidates at or above
// the threshold, in input order.
func Detect(text string, opts Options) []Candidate {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < MinThreshold {
		threshold = MinThreshold
	}
	if threshold > MaxThreshold {
		threshold = MaxThreshold
	}

	var out []Candidate
	seen := make(map[string]bool)
	for _, raw := range SplitSentences(text) {
		sentence := strings.TrimSpace(raw)
		if len(sentence) < minSentenceChars {
			continue
		}
		lower := strings.ToLower(sentence)
		if seen[lower] {
			continue
		}
		seen[lower] = true

		cand := score(sentence, lower)
		if cand.Score < threshold {
			continue
		}
		cand.ChunkStartSec = opts.ChunkStartSec
		cand.ChunkClock = models.Clock(opts.ChunkStartSec)
		out = append(out, cand)
	}
	return out
}

func score(sentence, lower string) Candidate {
	var reasons []string
	total := 0.0

	hasDigit := digitRe.MatchString(sentence)
	if hasDigit {
		total += digitWeight
		reasons = append(reasons, models.ReasonContainsNumber)
	}

	hasComparative := false
	tokens := strings.Fields(lower)
	for _, tok := range tokens {
		if comparativeLexicon[normalizeToken(tok)] {
			hasComparative = true
			break
		}
	}
	if hasComparative {
		total += comparativeWeight
		reasons = append(reasons, models.ReasonContainsComparative)
	}

	tokenSet := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		tokenSet[normalizeToken(tok)] = true
	}

	economicHits := countHits(lower, tokenSet, economicLexicon)
	politicalHits := countHits(lower, tokenSet, politicalLexicon)
	verifiableHits := countHits(lower, tokenSet, verifiableLexicon)
	keywordHits := economicHits + politicalHits + verifiableHits
	if keywordHits > 0 {
		bonus := keywordWeight * float64(keywordHits)
		if bonus > keywordWeightCap {
			bonus = keywordWeightCap
		}
		total += bonus
		reasons = append(reasons, models.ReasonContainsClaimKeyword)
	}

	if len(tokens) >= minLengthTokens {
		total += lengthWeight
		reasons = append(reasons, models.ReasonSufficientLength)
	}

	if total > 1 {
		total = 1
	}

	category := models.CategoryGeneral
	switch {
	case economicHits > 0:
		category = models.CategoryEconomic
	case politicalHits > 0:
		category = models.CategoryPolitical
	}

	tag := models.TagOther
	switch {
	case hasDigit || (category == models.CategoryPolitical && verifiableHits > 0):
		tag = models.TagNumericFactual
	case hasComparative:
		tag = models.TagSimplePolicy
	}

	return Candidate{
		Text:          sentence,
		Score:         total,
		Reasons:       reasons,
		Category:      category,
		Tag:           tag,
		TagConfidence: tagConfidence(tag, hasDigit, keywordHits),
	}
}

// tagConfidence estimates how sure the heuristic is about the assigned
// tag: digits and keyword density both raise it.
func tagConfidence(tag models.ClaimTypeTag, hasDigit bool, keywordHits int) float64 {
	conf := 0.5
	if hasDigit {
		conf += 0.2
	}
	conf += 0.05 * float64(keywordHits)
	if tag == models.TagOther {
		conf -= 0.1
	}
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

// countHits matches single-word keywords against whole tokens (so "bill"
// does not fire on "billion") and multi-word phrases by substring.
func countHits(lower string, tokenSet map[string]bool, lexicon []string) int {
	hits := 0
	for _, kw := range lexicon {
		if strings.ContainsRune(kw, ' ') {
			if strings.Contains(lower, kw) {
				hits++
			}
		} else if tokenSet[kw] {
			hits++
		}
	}
	return hits
}

func normalizeToken(tok string) string {
	return strings.Trim(tok, `.,;:!?"'()[]`)
}
