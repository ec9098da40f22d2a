package check

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xaenox/sentinel-bot/internal/models"
)

// WordSpacing flags spaced-out-letter spam ("B U Y  C R Y P T O") by the
// fraction of single-rune words in the message.
type WordSpacing struct{}

func NewWordSpacing() *WordSpacing { return &WordSpacing{} }

func (c *WordSpacing) Name() models.CheckName { return models.CheckWordSpacing }
func (c *WordSpacing) Critical() bool         { return false }
func (c *WordSpacing) Veto() bool             { return false }

func (c *WordSpacing) ShouldExecute(req *models.CheckRequest) bool {
	return req.Thresholds.WordSpacing.Enabled && hasText(req)
}

func (c *WordSpacing) Check(ctx context.Context, req *models.CheckRequest) models.CheckResult {
	cfg := req.Thresholds.WordSpacing

	words := strings.Fields(combinedText(req))
	if len(words) < cfg.MinWords {
		return models.CheckResult{
			Check:   c.Name(),
			Details: fmt.Sprintf("only %d words, below the %d-word minimum", len(words), cfg.MinWords),
		}
	}

	singles := 0
	for _, word := range words {
		if utf8.RuneCountInString(word) == 1 {
			singles++
		}
	}
	ratio := float64(singles) / float64(len(words))

	if ratio < cfg.MinRatio {
		return models.CheckResult{
			Check:      c.Name(),
			Confidence: ratio,
			Details:    fmt.Sprintf("single-rune word ratio %.2f below %.2f", ratio, cfg.MinRatio),
		}
	}

	return models.CheckResult{
		Check:      c.Name(),
		Score:      clampScore(cfg.Score),
		Confidence: ratio,
		Details:    fmt.Sprintf("single-rune word ratio %.2f (%d of %d words)", ratio, singles, len(words)),
	}
}
