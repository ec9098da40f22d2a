package check

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/models"
	"github.com/xaenox/sentinel-bot/internal/ratelimit"
)

// Blocklist looks the author up against a third-party reputation
// service. Fail-open by design: a lookup failure abstains, it never
// contributes to a ban.
type Blocklist struct {
	endpoint string
	client   *http.Client
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

func NewBlocklist(endpoint string, limiter *ratelimit.Limiter, logger *zap.Logger) *Blocklist {
	return &Blocklist{
		endpoint: endpoint,
		client:   &http.Client{},
		limiter:  limiter,
		logger:   logger,
	}
}

func (c *Blocklist) Name() models.CheckName { return models.CheckBlocklist }
func (c *Blocklist) Critical() bool         { return false }
func (c *Blocklist) Veto() bool             { return false }

func (c *Blocklist) ShouldExecute(req *models.CheckRequest) bool {
	return req.Thresholds.Blocklist.Enabled && c.endpoint != "" && req.UserID != 0
}

func (c *Blocklist) Check(ctx context.Context, req *models.CheckRequest) models.CheckResult {
	cfg := req.Thresholds.Blocklist

	if err := c.limiter.Acquire(ctx); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return models.AbstainError(c.Name(), "rate limited", err)
		}
		return models.AbstainError(c.Name(), "timed out waiting for rate limiter", err)
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verdict, err := c.lookup(lookupCtx, req.UserID)
	if err != nil {
		c.logger.Warn("Blocklist lookup failed",
			zap.Error(err),
			zap.Int64("user_id", req.UserID))
		if errors.Is(err, context.DeadlineExceeded) {
			return models.AbstainError(c.Name(), "blocklist lookup timed out", err)
		}
		return models.AbstainError(c.Name(), "blocklist lookup failed", err)
	}

	if !verdict.Banned {
		return models.CheckResult{Check: c.Name(), Details: "not listed"}
	}

	return models.CheckResult{
		Check:      c.Name(),
		Score:      clampScore(cfg.Score),
		Confidence: 1.0,
		Details:    fmt.Sprintf("user %d listed on external blocklist", req.UserID),
	}
}

type blocklistVerdict struct {
	Banned   bool `json:"banned"`
	Offenses int  `json:"offenses,omitempty"`
}

func (c *Blocklist) lookup(ctx context.Context, userID int64) (*blocklistVerdict, error) {
	url := fmt.Sprintf("%s?id=%d", c.endpoint, userID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var verdict blocklistVerdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &verdict, nil
}
