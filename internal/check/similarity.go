package check

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/bits"
	"strings"
	"sync"

	"github.com/xaenox/sentinel-bot/internal/models"
)

// Similarity flags near-duplicates of recently seen messages using a
// 64-bit SimHash fingerprint compared against a per-chat rolling window.
// Repeated forwards and lightly edited copies land within a few bits of
// each other; unrelated text almost never does.
type Similarity struct {
	mu      sync.Mutex
	windows map[int64]*fingerprintWindow
}

func NewSimilarity() *Similarity {
	return &Similarity{windows: make(map[int64]*fingerprintWindow)}
}

func (c *Similarity) Name() models.CheckName { return models.CheckSimilarity }
func (c *Similarity) Critical() bool         { return false }
func (c *Similarity) Veto() bool             { return false }

func (c *Similarity) ShouldExecute(req *models.CheckRequest) bool {
	return req.Thresholds.Similarity.Enabled && hasText(req)
}

func (c *Similarity) Check(ctx context.Context, req *models.CheckRequest) models.CheckResult {
	cfg := req.Thresholds.Similarity
	fp := simhash(combinedText(req))

	c.mu.Lock()
	window, exists := c.windows[req.ChatID]
	if !exists {
		window = newFingerprintWindow(cfg.Window)
		c.windows[req.ChatID] = window
	}
	minDistance, seen := window.closest(fp)
	window.push(fp)
	c.mu.Unlock()

	if !seen {
		return models.CheckResult{Check: c.Name(), Details: "no recent messages to compare against"}
	}

	similarity := 1.0 - float64(minDistance)/64.0
	if minDistance > cfg.MaxDistance {
		return models.CheckResult{
			Check:      c.Name(),
			Confidence: similarity,
			Details:    fmt.Sprintf("closest recent message at distance %d, above %d", minDistance, cfg.MaxDistance),
		}
	}

	return models.CheckResult{
		Check:      c.Name(),
		Score:      clampScore(cfg.Score),
		Confidence: similarity,
		Details:    fmt.Sprintf("near-duplicate of a recent message (distance %d)", minDistance),
	}
}

// fingerprintWindow is a fixed-size ring of recent fingerprints.
type fingerprintWindow struct {
	fingerprints []uint64
	next         int
	full         bool
}

func newFingerprintWindow(size int) *fingerprintWindow {
	if size <= 0 {
		size = 64
	}
	return &fingerprintWindow{fingerprints: make([]uint64, size)}
}

func (w *fingerprintWindow) push(fp uint64) {
	w.fingerprints[w.next] = fp
	w.next++
	if w.next == len(w.fingerprints) {
		w.next = 0
		w.full = true
	}
}

func (w *fingerprintWindow) closest(fp uint64) (int, bool) {
	count := w.next
	if w.full {
		count = len(w.fingerprints)
	}
	if count == 0 {
		return 0, false
	}

	min := 64
	for i := 0; i < count; i++ {
		if d := bits.OnesCount64(fp ^ w.fingerprints[i]); d < min {
			min = d
		}
	}
	return min, true
}

// simhash computes a locality-sensitive 64-bit fingerprint: token hashes
// vote per bit, so small edits flip few bits.
func simhash(text string) uint64 {
	var votes [64]int
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				votes[bit]++
			} else {
				votes[bit]--
			}
		}
	}

	var fp uint64
	for bit := 0; bit < 64; bit++ {
		if votes[bit] > 0 {
			fp |= 1 << uint(bit)
		}
	}
	return fp
}
