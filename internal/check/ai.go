package check

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/cache"
	"github.com/xaenox/sentinel-bot/internal/llm"
	"github.com/xaenox/sentinel-bot/internal/models"
	"github.com/xaenox/sentinel-bot/internal/ratelimit"
)

const aiSystemPrompt = `You are a spam moderator for a group chat. Classify the message you are given.
Respond with a single JSON object of this exact shape and nothing else:
{"result": "spam" | "clean" | "review", "reason": "<one short sentence>", "confidence": <number between 0 and 1>}
Use "spam" for unsolicited advertising, scams and phishing, "review" when a human should decide, "clean" otherwise.`

// defaultAIConfidence is assumed when the model omits the field.
const defaultAIConfidence = 0.8

// OpenAI is the AI veto check. In veto mode it only runs once another
// check has flagged the message, confirming or overturning that flag;
// it never originates a verdict on its own. Results are cached by
// content hash so retries, edits and duplicate forwards do not pay for
// a second model call.
type OpenAI struct {
	completer llm.Completer
	cache     *cache.Cache
	logger    *zap.Logger
}

func NewOpenAI(completer llm.Completer, resultCache *cache.Cache, logger *zap.Logger) *OpenAI {
	return &OpenAI{
		completer: completer,
		cache:     resultCache,
		logger:    logger,
	}
}

func (c *OpenAI) Name() models.CheckName { return models.CheckOpenAI }
func (c *OpenAI) Critical() bool         { return false }
func (c *OpenAI) Veto() bool             { return true }

func (c *OpenAI) ShouldExecute(req *models.CheckRequest) bool {
	return req.Thresholds.OpenAI.Enabled && hasText(req)
}

func (c *OpenAI) Check(ctx context.Context, req *models.CheckRequest) models.CheckResult {
	cfg := req.Thresholds.OpenAI

	// No credential means no network call, ever.
	if !c.completer.Configured() {
		return models.Abstain(c.Name(), "OpenAI API key not configured")
	}

	text := combinedText(req)
	if utf8.RuneCountInString(text) < cfg.MinMessageLength && !cfg.CheckShortMessages {
		return models.Abstain(c.Name(),
			fmt.Sprintf("message too short for AI check (%d < %d)", utf8.RuneCountInString(text), cfg.MinMessageLength))
	}

	if cfg.VetoMode && !req.HasSpamFlags {
		return models.Abstain(c.Name(), "Veto mode: no spam flags raised by other checks")
	}

	// OCR text is hashed as its own part: a caption and an identical
	// OCR extraction must produce different keys.
	key := cache.Key(
		string(c.Name()),
		strings.TrimSpace(req.Text),
		strings.TrimSpace(req.OCRText),
		c.completer.Model(),
		fmt.Sprintf("max_tokens=%d", cfg.MaxTokens),
		fmt.Sprintf("review_cap=%.2f", req.Thresholds.ReviewCap),
	)

	result, cached, err := c.cache.GetOrDo(ctx, key, func(ctx context.Context) (models.CheckResult, error) {
		return c.invoke(ctx, text, cfg.MaxTokens, req.Thresholds.ReviewCap), nil
	})
	if err != nil {
		return models.AbstainError(c.Name(), "cache lookup failed", err)
	}

	if cached {
		result.Details += " (cached)"
	}
	return result
}

// invoke performs one model call and maps the verdict to a result. All
// failure classes come back as abstentions, which the cache layer
// deliberately does not memoize.
func (c *OpenAI) invoke(ctx context.Context, text string, maxTokens int, reviewCap float64) models.CheckResult {
	resp, err := c.completer.Complete(ctx, llm.Request{
		System:    aiSystemPrompt,
		User:      "Message:\n" + text,
		Feature:   "spam-veto",
		JSONMode:  true,
		MaxTokens: maxTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrRateLimited):
			return models.AbstainError(c.Name(), "rate limited", err)
		case errors.Is(err, context.DeadlineExceeded):
			return models.AbstainError(c.Name(), "AI check timed out", err)
		case errors.Is(err, llm.ErrNotConfigured):
			return models.Abstain(c.Name(), "OpenAI API key not configured")
		default:
			return models.AbstainError(c.Name(), "API error", err)
		}
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return models.Abstain(c.Name(), "Invalid empty model response")
	}

	verdict, err := parseAIVerdict(content)
	if err != nil {
		c.logger.Warn("Failed to parse AI verdict",
			zap.Error(err),
			zap.String("response", content))
		return models.AbstainError(c.Name(), "Failed to parse model response", err)
	}

	confidence := defaultAIConfidence
	if verdict.Confidence != nil {
		confidence = *verdict.Confidence
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	switch strings.ToLower(verdict.Result) {
	case "spam":
		return models.CheckResult{
			Check:      c.Name(),
			Score:      clampScore(confidence * models.MaxScore),
			Confidence: confidence,
			Details:    "AI verdict: spam: " + verdict.Reason,
		}
	case "review":
		score := clampScore(confidence * models.MaxScore)
		if score > reviewCap {
			score = reviewCap
		}
		return models.CheckResult{
			Check:      c.Name(),
			Score:      score,
			Review:     true,
			Confidence: confidence,
			Details:    "AI verdict: review: " + verdict.Reason,
		}
	case "clean":
		// An explicit clean verdict, not an abstention: the model did
		// run and judged the message.
		return models.CheckResult{
			Check:      c.Name(),
			Confidence: confidence,
			Details:    "AI verdict: clean: " + verdict.Reason,
		}
	default:
		return models.Abstain(c.Name(),
			fmt.Sprintf("Invalid result in model response: %q", verdict.Result))
	}
}

type aiVerdict struct {
	Result     string   `json:"result"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence,omitempty"`
}

func parseAIVerdict(content string) (*aiVerdict, error) {
	// Models occasionally wrap JSON in a markdown fence despite JSON mode.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var verdict aiVerdict
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}
