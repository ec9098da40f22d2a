package check

import (
	"context"
	"fmt"
	"unicode"

	"github.com/xaenox/sentinel-bot/internal/models"
)

// InvisibleChars detects zero-width and other format characters used to
// slip spam past keyword filters or to pad messages invisibly.
type InvisibleChars struct{}

func NewInvisibleChars() *InvisibleChars { return &InvisibleChars{} }

func (c *InvisibleChars) Name() models.CheckName { return models.CheckInvisibleChars }
func (c *InvisibleChars) Critical() bool         { return false }
func (c *InvisibleChars) Veto() bool             { return false }

func (c *InvisibleChars) ShouldExecute(req *models.CheckRequest) bool {
	return req.Thresholds.InvisibleChars.Enabled && hasText(req)
}

func (c *InvisibleChars) Check(ctx context.Context, req *models.CheckRequest) models.CheckResult {
	count := 0
	for _, r := range combinedText(req) {
		if isInvisible(r) {
			count++
		}
	}

	if count == 0 {
		return models.CheckResult{Check: c.Name(), Details: "no invisible characters"}
	}

	return models.CheckResult{
		Check:      c.Name(),
		Score:      clampScore(req.Thresholds.InvisibleChars.Score),
		Confidence: 1.0,
		Details:    fmt.Sprintf("found %d invisible characters", count),
	}
}

func isInvisible(r rune) bool {
	switch r {
	case '\u00ad', // soft hyphen
		'\u200b', '\u200c', '\u200d', // zero-width space, ZWNJ, ZWJ
		'\u200e', '\u200f', // direction marks
		'\u2060', // word joiner
		'\ufeff': // zero-width no-break space / BOM
		return true
	}
	// Cf catches the remaining format characters (directional overrides
	// and friends).
	return unicode.Is(unicode.Cf, r)
}
