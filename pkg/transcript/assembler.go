// Package transcript stitches per-chunk transcriptions into a clean
// rolling transcript. It strips the echo overlap produced by passing
// prior context to the transcription service, flushes sentence-aligned
// segments, and feeds complete sentences to the claim detector.
package transcript

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// Assembly constants.
const (
	ContextChars    = 200
	minOverlapChars = 10

	FlushMaxChars = 600
	FlushTimeout  = 4 * time.Second

	ClaimCarryMaxChars = 900
)

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+(?:["')\]]+)?`)

// Options tunes the claim-feed safety valve.
type Options struct {
	FallbackFlushChars int // claim carryover length that triggers the valve
	FallbackMinWords   int // minimum words before the valve may fire
}

// Assembler accumulates accepted transcription text for one run.
// Segment flushing and the claim feed are independent consumers of the
// same accepted text.
type Assembler struct {
	mu sync.Mutex

	runID     string
	opts      Options
	onSegment func(models.TranscriptSegment)
	onClaims  func(text string, chunkStartSec float64)

	priorTail string

	buf         strings.Builder
	bufStartSec float64
	bufEndSec   float64
	segIndex    int

	claimCarry    string
	claimStartSec float64

	timer   *time.Timer
	stopped bool
}

// New creates an assembler for a run. onSegment receives flushed
// segments; onClaims receives complete-sentence text for detection.
func New(runID string, opts Options, onSegment func(models.TranscriptSegment), onClaims func(text string, chunkStartSec float64)) *Assembler {
	if opts.FallbackFlushChars <= 0 {
		opts.FallbackFlushChars = 320
	}
	if opts.FallbackMinWords <= 0 {
		opts.FallbackMinWords = 12
	}
	return &Assembler{
		runID:     runID,
		opts:      opts,
		onSegment: onSegment,
		onClaims:  onClaims,
	}
}

// PriorContext returns the trailing accepted text handed to the next
// transcription call so it can continue mid-sentence.
func (a *Assembler) PriorContext() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.priorTail
}

// Ingest accepts one chunk transcription spanning [startSec, endSec).
// The overlap with the prior tail is stripped before the text is
// buffered for segment flushing and fed to the claim pipeline.
func (a *Assembler) Ingest(text string, startSec, endSec float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	kept := stripOverlap(a.priorTail, text)
	kept = strings.TrimSpace(kept)
	if kept == "" {
		return
	}

	a.priorTail = tail(a.priorTail+" "+kept, ContextChars)

	if a.buf.Len() == 0 {
		a.bufStartSec = startSec
	}
	if a.buf.Len() > 0 {
		a.buf.WriteByte(' ')
	}
	a.buf.WriteString(kept)
	a.bufEndSec = endSec

	a.feedClaimsLocked(kept, startSec)

	if a.buf.Len() >= FlushMaxChars {
		a.flushLocked(true)
	} else if sentenceRe.MatchString(a.buf.String()) {
		a.flushLocked(false)
	}
	a.resetTimerLocked()
}

// Flush force-emits all buffered text (stop/reconnect path).
func (a *Assembler) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked(true)
	a.flushClaimCarryLocked(true)
}

// Stop force-flushes and disables the idle timer.
func (a *Assembler) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked(true)
	a.flushClaimCarryLocked(true)
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
	}
}

// Reset clears stitching state across a reconnect: the prior tail no
// longer matches the new attempt's audio.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked(true)
	a.flushClaimCarryLocked(true)
	a.priorTail = ""
}

func (a *Assembler) resetTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(FlushTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.stopped {
			return
		}
		a.flushLocked(true)
	})
}

// flushLocked emits buffered text. When force is false only complete
// sentences are emitted and any trailing fragment stays buffered, with
// the next segment's start time pinned to the flushed end.
func (a *Assembler) flushLocked(force bool) {
	text := strings.TrimSpace(a.buf.String())
	if text == "" {
		return
	}

	emit := text
	carry := ""
	if !force {
		sentences, rest := splitComplete(text)
		if len(sentences) == 0 {
			return
		}
		emit = strings.TrimSpace(strings.Join(sentences, " "))
		carry = strings.TrimSpace(rest)
	}

	seg := models.TranscriptSegment{
		ID:         fmt.Sprintf("%s:seg-%04d", a.runID, a.segIndex),
		Index:      a.segIndex,
		StartSec:   a.bufStartSec,
		EndSec:     a.bufEndSec,
		StartClock: models.Clock(a.bufStartSec),
		EndClock:   models.Clock(a.bufEndSec),
		Text:       emit,
	}
	a.segIndex++

	a.buf.Reset()
	if carry != "" {
		a.buf.WriteString(carry)
		a.bufStartSec = seg.EndSec
	}

	if a.onSegment != nil {
		a.onSegment(seg)
	}
}

// feedClaimsLocked runs the claim-detection feed: combine the carryover
// with the new text, forward complete sentences, keep the tail.
func (a *Assembler) feedClaimsLocked(kept string, startSec float64) {
	if a.claimCarry == "" {
		a.claimStartSec = startSec
	}
	combined := strings.TrimSpace(a.claimCarry + " " + kept)

	sentences, rest := splitComplete(combined)
	if len(sentences) > 0 && a.onClaims != nil {
		a.onClaims(strings.Join(sentences, " "), a.claimStartSec)
	}

	a.claimCarry = tail(strings.TrimSpace(rest), ClaimCarryMaxChars)
	if a.claimCarry != "" && len(sentences) > 0 {
		a.claimStartSec = startSec
	}

	a.flushClaimCarryLocked(false)
}

// flushClaimCarryLocked applies the safety valve: long enough carryover
// with enough words is forwarded even without a sentence boundary.
func (a *Assembler) flushClaimCarryLocked(force bool) {
	if a.claimCarry == "" {
		return
	}
	long := len(a.claimCarry) > a.opts.FallbackFlushChars &&
		wordCount(a.claimCarry) >= a.opts.FallbackMinWords
	if !force && !long {
		return
	}
	if force && !long {
		// Forced teardown still drops fragments too short to score.
		a.claimCarry = ""
		return
	}
	if a.onClaims != nil {
		a.onClaims(a.claimCarry, a.claimStartSec)
	}
	a.claimCarry = ""
}

// splitComplete returns the complete sentences of text and the trailing
// fragment after the last boundary.
func splitComplete(text string) ([]string, string) {
	matches := sentenceRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil, text
	}
	var sentences []string
	for _, m := range matches {
		s := strings.TrimSpace(text[m[0]:m[1]])
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences, text[matches[len(matches)-1][1]:]
}

// stripOverlap removes the longest echoed prefix of next that matches a
// suffix of prior, comparing lowercased whitespace-collapsed forms.
func stripOverlap(prior, next string) string {
	if prior == "" || next == "" {
		return next
	}

	normPrior := normalize(prior)
	normNext, rawIdx := normalizeIndexed(next)

	max := len(normPrior)
	if len(normNext) < max {
		max = len(normNext)
	}
	if max > ContextChars {
		max = ContextChars
	}

	for l := max; l >= minOverlapChars; l-- {
		if normPrior[len(normPrior)-l:] == normNext[:l] {
			return next[rawIdx[l]:]
		}
	}
	return next
}

// normalize lowercases and collapses whitespace runs to single spaces.
func normalize(s string) string {
	norm, _ := normalizeMapped(s, false)
	return norm
}

// normalizeIndexed additionally returns, for every normalized position,
// the raw byte offset it was consumed from, so a normalized prefix can
// be mapped back to a raw prefix.
func normalizeIndexed(s string) (string, []int) {
	return normalizeMapped(s, true)
}

// normalizeMapped produces the normalized form and, when indexed, a
// slice where entry k is the raw byte offset of the rune that produced
// normalized byte k (with a final entry of len(s)). Indexing the slice
// at a normalized prefix length yields the matching raw prefix length.
func normalizeMapped(s string, indexed bool) (string, []int) {
	var b strings.Builder
	var idx []int
	pendingSpace := false
	spaceAt := 0
	for i, r := range s {
		if unicode.IsSpace(r) {
			if !pendingSpace {
				spaceAt = i
			}
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			if indexed {
				idx = append(idx, spaceAt)
			}
			pendingSpace = false
		}
		lower := unicode.ToLower(r)
		b.WriteRune(lower)
		if indexed {
			for j := 0; j < utf8.RuneLen(lower); j++ {
				idx = append(idx, i)
			}
		}
	}
	if indexed {
		idx = append(idx, len(s))
	}
	return b.String(), idx
}

// tail returns the trailing n characters of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
