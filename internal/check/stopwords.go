package check

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/sentinel-bot/internal/models"
)

// StopWords flags messages containing explicitly blocked words or
// phrases. It is critical: an explicit blocklist hit fires even for
// trusted authors.
type StopWords struct {
	defaults []string
}

// NewStopWords builds the check with a default word list used when the
// chat configuration carries none. Words are matched case-insensitively.
func NewStopWords(defaults []string) *StopWords {
	words := make([]string, 0, len(defaults))
	for _, w := range defaults {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return &StopWords{defaults: words}
}

func (c *StopWords) Name() models.CheckName { return models.CheckStopWords }
func (c *StopWords) Critical() bool         { return true }
func (c *StopWords) Veto() bool             { return false }

func (c *StopWords) ShouldExecute(req *models.CheckRequest) bool {
	return req.Thresholds.StopWords.Enabled && hasText(req)
}

func (c *StopWords) Check(ctx context.Context, req *models.CheckRequest) models.CheckResult {
	cfg := req.Thresholds.StopWords
	words := cfg.Words
	if len(words) == 0 {
		words = c.defaults
	}

	text := strings.ToLower(combinedText(req))
	for _, word := range words {
		if strings.Contains(text, strings.ToLower(word)) {
			return models.CheckResult{
				Check:      c.Name(),
				Score:      clampScore(cfg.Score),
				Confidence: 1.0,
				Details:    fmt.Sprintf("matched stop word %q", word),
			}
		}
	}

	return models.CheckResult{Check: c.Name(), Details: "no stop words matched"}
}
