// Package coordinator drives one evaluation per message: it resolves the
// chat's thresholds, filters eligible checks, fans them out, aggregates
// their scores into a verdict and hands the outcome to persistence.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/check"
	"github.com/xaenox/sentinel-bot/internal/metrics"
	"github.com/xaenox/sentinel-bot/internal/models"
	"github.com/xaenox/sentinel-bot/internal/storage"
)

// configCacheTTL bounds how long a parsed per-chat configuration is
// reused before re-reading the store.
const configCacheTTL = time.Minute

type cachedConfig struct {
	cfg       *models.ThresholdConfig
	expiresAt time.Time
}

// Coordinator evaluates messages. Safe for concurrent use; evaluations
// of different messages share nothing but the config cache.
type Coordinator struct {
	checks       []check.Check
	store        storage.Storage
	checkTimeout time.Duration
	logger       *zap.Logger

	mu      sync.RWMutex
	configs map[int64]cachedConfig
}

func New(checks []check.Check, store storage.Storage, checkTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if checkTimeout <= 0 {
		checkTimeout = 5 * time.Second
	}
	return &Coordinator{
		checks:       checks,
		store:        store,
		checkTimeout: checkTimeout,
		logger:       logger,
		configs:      make(map[int64]cachedConfig),
	}
}

// Evaluate runs the pipeline for one message. Check failures degrade to
// abstentions; only an unusable threshold configuration fails the whole
// evaluation, since a wrong threshold is worse than no verdict.
func (c *Coordinator) Evaluate(ctx context.Context, req *models.CheckRequest) (*models.AggregateVerdict, error) {
	cfg, err := c.thresholds(ctx, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("load thresholds for chat %d: %w", req.ChatID, err)
	}

	// The caller's request stays untouched; checks see a completed copy.
	scoped := *req
	scoped.Thresholds = cfg

	regular, veto := c.eligible(&scoped)

	results := c.fanOut(ctx, regular, &scoped)

	// Veto-phase checks need to know whether anything flagged the message.
	if !scoped.HasSpamFlags {
		for _, r := range results {
			if !r.Abstained && r.Score > 0 {
				scoped.HasSpamFlags = true
				break
			}
		}
	}
	results = append(results, c.fanOut(ctx, veto, &scoped)...)

	var total float64
	for i := range results {
		c.observe(&results[i])
		if !results[i].Abstained {
			total += results[i].Score
		}
	}

	verdict := classify(cfg, results, total)
	metrics.Verdicts.WithLabelValues(string(verdict)).Inc()

	agg := &models.AggregateVerdict{
		Verdict:    verdict,
		TotalScore: total,
		Results:    results,
	}

	record := c.buildRecord(&scoped, agg)
	if err := c.store.SaveDetection(ctx, record); err != nil {
		// Persistence failure degrades the audit trail, not moderation.
		c.logger.Error("Failed to save detection record",
			zap.Error(err),
			zap.Int64("chat_id", req.ChatID),
			zap.Int64("message_id", req.MessageID))
	}

	c.logger.Info("Message evaluated",
		zap.Int64("chat_id", req.ChatID),
		zap.Int64("message_id", req.MessageID),
		zap.Int64("user_id", req.UserID),
		zap.String("verdict", string(verdict)),
		zap.Float64("total_score", total),
		zap.Int("checks_run", len(results)))

	return agg, nil
}

// eligible applies each check's gate, with critical checks bypassing the
// trusted/admin skip, and partitions the survivors into the heuristic
// wave and the veto wave.
func (c *Coordinator) eligible(req *models.CheckRequest) (regular, veto []check.Check) {
	privileged := req.IsTrusted || req.IsAdmin
	for _, chk := range c.checks {
		if privileged && !chk.Critical() {
			continue
		}
		if !chk.ShouldExecute(req) {
			continue
		}
		if chk.Veto() {
			veto = append(veto, chk)
		} else {
			regular = append(regular, chk)
		}
	}
	return regular, veto
}

// fanOut runs checks concurrently and collects every result. Order is
// stable (registry order) so records and tests are deterministic.
func (c *Coordinator) fanOut(ctx context.Context, checks []check.Check, req *models.CheckRequest) []models.CheckResult {
	if len(checks) == 0 {
		return nil
	}

	results := make([]models.CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, chk := range checks {
		wg.Add(1)
		go func(i int, chk check.Check) {
			defer wg.Done()
			results[i] = c.runCheck(ctx, chk, req)
		}(i, chk)
	}
	wg.Wait()
	return results
}

// runCheck isolates a single check: per-check deadline, panic recovery
// and result normalization. A misbehaving check can only abstain.
func (c *Coordinator) runCheck(parent context.Context, chk check.Check, req *models.CheckRequest) (result models.CheckResult) {
	ctx, cancel := context.WithTimeout(parent, c.checkTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Check panicked",
				zap.String("check", string(chk.Name())),
				zap.Any("panic", p))
			result = models.AbstainError(chk.Name(), "check panicked", fmt.Errorf("panic: %v", p))
		}
		// Enforce the result invariants regardless of what the check did.
		if result.Check == "" {
			result.Check = chk.Name()
		}
		if result.Abstained {
			result.Score = 0
		}
		if result.Score < 0 {
			result.Score = 0
		}
		if result.Score > models.MaxScore {
			result.Score = models.MaxScore
		}
		if result.ProcessingTimeMs == 0 {
			result.ProcessingTimeMs = time.Since(start).Milliseconds()
		}
	}()

	result = chk.Check(ctx, req)
	return result
}

// classify turns the aggregate into a verdict. The AI check's verdict is
// trusted past the review band only above VetoThreshold; an equally
// confident clean verdict overturns an automatic action down to review.
func classify(cfg *models.ThresholdConfig, results []models.CheckResult, total float64) models.Verdict {
	var ai *models.CheckResult
	for i := range results {
		if results[i].Check == models.CheckOpenAI && !results[i].Abstained {
			ai = &results[i]
			break
		}
	}

	aiSpamVeto := ai != nil && !ai.Review && ai.Score > 0 && ai.Confidence >= cfg.VetoThreshold
	aiCleanVeto := ai != nil && !ai.Review && ai.Score == 0 && ai.Confidence >= cfg.VetoThreshold

	if total >= cfg.AutoBanThreshold {
		if aiCleanVeto {
			return models.VerdictReview
		}
		return models.VerdictAutoBan
	}

	needsReview := total >= cfg.ReviewThreshold && total < cfg.SpamThreshold
	for i := range results {
		if !results[i].Abstained && results[i].Review {
			needsReview = true
		}
	}

	if needsReview && !aiSpamVeto {
		return models.VerdictReview
	}
	if total >= cfg.SpamThreshold {
		if aiCleanVeto {
			return models.VerdictReview
		}
		return models.VerdictSpam
	}
	if aiSpamVeto && total >= cfg.ReviewThreshold {
		return models.VerdictSpam
	}
	if total >= cfg.ReviewThreshold {
		return models.VerdictReview
	}
	return models.VerdictClean
}

func (c *Coordinator) buildRecord(req *models.CheckRequest, agg *models.AggregateVerdict) *models.DetectionRecord {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = strings.TrimSpace(req.OCRText)
	}

	return &models.DetectionRecord{
		ID:         uuid.New().String(),
		ChatID:     req.ChatID,
		UserID:     req.UserID,
		MessageID:  req.MessageID,
		Text:       text,
		Verdict:    agg.Verdict,
		TotalScore: agg.TotalScore,
		Results:    agg.Results,
		// Review outcomes wait for the human label before they may train
		// the classifier.
		TrainingEligible: agg.Verdict != models.VerdictReview && text != "",
		CreatedAt:        time.Now(),
	}
}

func (c *Coordinator) observe(r *models.CheckResult) {
	outcome := "scored"
	switch {
	case r.Error != "":
		outcome = "error"
	case r.Abstained:
		outcome = "abstained"
	case r.Score == 0:
		outcome = "clean"
	}
	metrics.CheckResults.WithLabelValues(string(r.Check), outcome).Inc()
}

// thresholds resolves the chat's configuration: per-chat row, then the
// global default row (chat 0), then compiled defaults. Parsed configs
// are cached briefly. A present-but-malformed document is an error.
func (c *Coordinator) thresholds(ctx context.Context, chatID int64) (*models.ThresholdConfig, error) {
	c.mu.RLock()
	cached, ok := c.configs[chatID]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.cfg, nil
	}

	raw, err := c.store.GetThresholds(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if raw == nil && chatID != 0 {
		raw, err = c.store.GetThresholds(ctx, 0)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := models.ParseThresholds(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.configs[chatID] = cachedConfig{cfg: cfg, expiresAt: time.Now().Add(configCacheTTL)}
	c.mu.Unlock()
	return cfg, nil
}

// InvalidateThresholds drops the cached configuration for a chat (or
// all chats when chatID is negative), forcing a re-read on next use.
func (c *Coordinator) InvalidateThresholds(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chatID < 0 {
		c.configs = make(map[int64]cachedConfig)
		return
	}
	delete(c.configs, chatID)
}
