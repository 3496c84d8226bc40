package detector

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Dedupe bounds: once the index is full, the oldest entries are evicted.
const (
	dedupeMaxEntries = 1000
	dedupeTTL        = 10 * time.Minute
)

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// DedupeKey collapses a claim text to its normalized identity: lowercase,
// runs of non-alphanumerics become single spaces.
func DedupeKey(text string) string {
	return strings.TrimSpace(nonAlnumRe.ReplaceAllString(strings.ToLower(text), " "))
}

// DedupeIndex is a bounded TTL set of recently seen claim keys. Expired
// entries are cleaned up lazily on Seen; there is no background goroutine.
type DedupeIndex struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewDedupeIndex creates an empty index.
func NewDedupeIndex() *DedupeIndex {
	return &DedupeIndex{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen reports whether text was recorded within the TTL, and records it
// either way. Returns true when the candidate should be dropped.
func (d *DedupeIndex) Seen(text string) bool {
	key := DedupeKey(text)
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.entries[key]; ok && now.Sub(at) < dedupeTTL {
		d.entries[key] = at
		return true
	}

	d.entries[key] = now
	if len(d.entries) > dedupeMaxEntries {
		d.evictLocked(now)
	}
	return false
}

// evictLocked drops expired entries first, then the oldest survivors
// until the index fits the bound again.
func (d *DedupeIndex) evictLocked(now time.Time) {
	for key, at := range d.entries {
		if now.Sub(at) >= dedupeTTL {
			delete(d.entries, key)
		}
	}
	for len(d.entries) > dedupeMaxEntries {
		var oldestKey string
		var oldestAt time.Time
		for key, at := range d.entries {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey, oldestAt = key, at
			}
		}
		delete(d.entries, oldestKey)
	}
}

// Len reports the current number of tracked keys.
func (d *DedupeIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
