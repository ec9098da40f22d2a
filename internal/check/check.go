// Package check implements the pipeline's detectors. Each check is a
// cheap eligibility gate plus a scoring operation that never returns an
// error: failures become abstained results so one broken detector can
// only cost a signal, never a verdict.
package check

import (
	"context"
	"strings"

	"github.com/xaenox/sentinel-bot/internal/models"
)

// Check is a single detector.
type Check interface {
	Name() models.CheckName
	// Critical checks run even for trusted and admin authors.
	Critical() bool
	// Veto checks run after the heuristic wave, once HasSpamFlags is known.
	Veto() bool
	// ShouldExecute is the cheap, synchronous eligibility gate.
	ShouldExecute(req *models.CheckRequest) bool
	// Check scores the message. It must honor ctx cancellation and must
	// not return errors: any failure is an abstained result.
	Check(ctx context.Context, req *models.CheckRequest) models.CheckResult
}

// combinedText joins the message text with any OCR-extracted text. The
// separator keeps the two visually distinct in prompts and details.
func combinedText(req *models.CheckRequest) string {
	text := strings.TrimSpace(req.Text)
	ocr := strings.TrimSpace(req.OCRText)
	switch {
	case text == "":
		return ocr
	case ocr == "":
		return text
	default:
		return text + "\n---\n" + ocr
	}
}

// hasText reports whether the request carries any non-whitespace input.
func hasText(req *models.CheckRequest) bool {
	return combinedText(req) != ""
}

// clampScore bounds a score to the valid [0, MaxScore] range.
func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > models.MaxScore {
		return models.MaxScore
	}
	return score
}
