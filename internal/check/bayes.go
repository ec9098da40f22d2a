package check

import (
	"context"
	"fmt"

	"github.com/xaenox/sentinel-bot/internal/models"
)

// Scorer is the statistical classifier's read side.
type Scorer interface {
	// Score returns the spam probability for text. ok is false when no
	// trained model is active or the text carries no known evidence.
	Score(text string) (probability float64, ok bool)
}

// Bayes queries the trained classifier and maps its spam probability to
// a score. Below the configured minimum probability it abstains: a weak
// statistical signal is not a verdict.
type Bayes struct {
	scorer Scorer
}

func NewBayes(scorer Scorer) *Bayes {
	return &Bayes{scorer: scorer}
}

func (c *Bayes) Name() models.CheckName { return models.CheckBayes }
func (c *Bayes) Critical() bool         { return false }
func (c *Bayes) Veto() bool             { return false }

func (c *Bayes) ShouldExecute(req *models.CheckRequest) bool {
	return req.Thresholds.Bayes.Enabled && hasText(req)
}

func (c *Bayes) Check(ctx context.Context, req *models.CheckRequest) models.CheckResult {
	probability, ok := c.scorer.Score(combinedText(req))
	if !ok {
		return models.Abstain(c.Name(), "classifier not trained or no known tokens")
	}

	minProbability := req.Thresholds.Bayes.MinProbability
	if probability < minProbability {
		return models.Abstain(c.Name(),
			fmt.Sprintf("spam probability %.3f below minimum %.2f", probability, minProbability))
	}

	return models.CheckResult{
		Check:      c.Name(),
		Score:      clampScore(probability * models.MaxScore),
		Confidence: probability,
		Details:    fmt.Sprintf("spam probability %.3f", probability),
	}
}
