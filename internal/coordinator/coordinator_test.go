package coordinator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/check"
	"github.com/xaenox/sentinel-bot/internal/models"
	"github.com/xaenox/sentinel-bot/internal/storage"
)

// stubCheck is a scriptable detector for coordinator tests.
type stubCheck struct {
	name     models.CheckName
	critical bool
	veto     bool
	skip     bool
	fn       func(ctx context.Context, req *models.CheckRequest) models.CheckResult
}

func (s *stubCheck) Name() models.CheckName { return s.name }
func (s *stubCheck) Critical() bool         { return s.critical }
func (s *stubCheck) Veto() bool             { return s.veto }

func (s *stubCheck) ShouldExecute(req *models.CheckRequest) bool { return !s.skip }

func (s *stubCheck) Check(ctx context.Context, req *models.CheckRequest) models.CheckResult {
	return s.fn(ctx, req)
}

func scoring(name models.CheckName, score float64) *stubCheck {
	return &stubCheck{
		name: name,
		fn: func(ctx context.Context, req *models.CheckRequest) models.CheckResult {
			return models.CheckResult{Check: name, Score: score}
		},
	}
}

func abstaining(name models.CheckName) *stubCheck {
	return &stubCheck{
		name: name,
		fn: func(ctx context.Context, req *models.CheckRequest) models.CheckResult {
			return models.Abstain(name, "nothing to say")
		},
	}
}

func testRequest() *models.CheckRequest {
	return &models.CheckRequest{
		MessageID: 10,
		ChatID:    100,
		UserID:    200,
		Text:      "some message text",
	}
}

func newTestCoordinator(t *testing.T, checks ...check.Check) (*Coordinator, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	return New(checks, store, time.Second, zap.NewNop()), store
}

func TestEvaluateSumsNonAbstainedScores(t *testing.T) {
	coord, _ := newTestCoordinator(t,
		scoring("a", 1.5),
		scoring("b", 2.0),
		abstaining("c"),
	)

	verdict, err := coord.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.TotalScore != 3.5 {
		t.Errorf("total = %v, want 3.5", verdict.TotalScore)
	}
	if verdict.Verdict != models.VerdictReview {
		t.Errorf("verdict = %s, want review", verdict.Verdict)
	}
	if len(verdict.Results) != 3 {
		t.Errorf("results = %d, want all 3 recorded", len(verdict.Results))
	}
}

func TestEvaluateClean(t *testing.T) {
	coord, _ := newTestCoordinator(t, scoring("a", 0))

	verdict, err := coord.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Verdict != models.VerdictClean {
		t.Errorf("verdict = %s, want clean", verdict.Verdict)
	}
}

func TestEvaluateVerdictBands(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		want  models.Verdict
	}{
		{name: "below review band", score: 2.0, want: models.VerdictClean},
		{name: "review band", score: 3.0, want: models.VerdictReview},
		{name: "spam band", score: 4.5, want: models.VerdictSpam},
		{name: "auto ban", score: 7.5, want: models.VerdictAutoBan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord, _ := newTestCoordinator(t, scoring("a", tt.score/2), scoring("b", tt.score/2))
			verdict, err := coord.Evaluate(context.Background(), testRequest())
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if verdict.Verdict != tt.want {
				t.Errorf("verdict at %.1f = %s, want %s", tt.score, verdict.Verdict, tt.want)
			}
		})
	}
}

func TestTrustedSkipsNonCriticalChecks(t *testing.T) {
	critical := scoring("critical", 2.0)
	critical.critical = true
	coord, _ := newTestCoordinator(t, scoring("regular", 5.0), critical)

	req := testRequest()
	req.IsTrusted = true

	verdict, err := coord.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(verdict.Results) != 1 {
		t.Fatalf("results = %d, want only the critical check", len(verdict.Results))
	}
	if verdict.Results[0].Check != "critical" {
		t.Errorf("ran %s, want critical", verdict.Results[0].Check)
	}
	if verdict.TotalScore != 2.0 {
		t.Errorf("total = %v, want 2.0", verdict.TotalScore)
	}
}

func TestVetoWaveSeesSpamFlags(t *testing.T) {
	var sawFlags bool
	vetoCheck := &stubCheck{
		name: "veto",
		veto: true,
		fn: func(ctx context.Context, req *models.CheckRequest) models.CheckResult {
			sawFlags = req.HasSpamFlags
			return models.Abstain("veto", "observing only")
		},
	}

	coord, _ := newTestCoordinator(t, scoring("flagger", 2.0), vetoCheck)
	if _, err := coord.Evaluate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !sawFlags {
		t.Error("veto check did not see spam flags from the first wave")
	}

	sawFlags = true
	coord, _ = newTestCoordinator(t, scoring("clean", 0), vetoCheck)
	if _, err := coord.Evaluate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sawFlags {
		t.Error("veto check saw spam flags although nothing scored")
	}
}

func TestCleanVetoDowngradesToReview(t *testing.T) {
	aiClean := &stubCheck{
		name: models.CheckOpenAI,
		veto: true,
		fn: func(ctx context.Context, req *models.CheckRequest) models.CheckResult {
			return models.CheckResult{Check: models.CheckOpenAI, Score: 0, Confidence: 0.9}
		},
	}

	coord, _ := newTestCoordinator(t, scoring("a", 4.5), aiClean)
	verdict, err := coord.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Verdict != models.VerdictReview {
		t.Errorf("verdict = %s, want review after a confident clean veto", verdict.Verdict)
	}

	// The same clean veto overturns an automatic ban as well.
	coord, _ = newTestCoordinator(t, scoring("a", 4.5), scoring("b", 3.0), aiClean)
	verdict, err = coord.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Verdict != models.VerdictReview {
		t.Errorf("verdict = %s, want review instead of auto_ban", verdict.Verdict)
	}
}

func TestSpamVetoConfirmsReviewBand(t *testing.T) {
	aiSpam := &stubCheck{
		name: models.CheckOpenAI,
		veto: true,
		fn: func(ctx context.Context, req *models.CheckRequest) models.CheckResult {
			return models.CheckResult{Check: models.CheckOpenAI, Score: 0.5, Confidence: 0.9}
		},
	}

	coord, _ := newTestCoordinator(t, scoring("a", 3.0), aiSpam)
	verdict, err := coord.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Verdict != models.VerdictSpam {
		t.Errorf("verdict = %s, want spam once the AI confirms", verdict.Verdict)
	}
}

func TestPanickingCheckAbstains(t *testing.T) {
	panicking := &stubCheck{
		name: "broken",
		fn: func(ctx context.Context, req *models.CheckRequest) models.CheckResult {
			panic("boom")
		},
	}

	coord, _ := newTestCoordinator(t, panicking, scoring("steady", 1.0))
	verdict, err := coord.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	broken := verdict.Result("broken")
	if broken == nil || !broken.Abstained {
		t.Fatal("panicking check should produce an abstained result")
	}
	if broken.Error == "" {
		t.Error("panic left no error detail")
	}
	if verdict.TotalScore != 1.0 {
		t.Errorf("total = %v, want 1.0 from the surviving check", verdict.TotalScore)
	}
}

func TestSlowCheckTimesOut(t *testing.T) {
	slow := &stubCheck{
		name: "slow",
		fn: func(ctx context.Context, req *models.CheckRequest) models.CheckResult {
			select {
			case <-ctx.Done():
				return models.AbstainError("slow", "timed out", ctx.Err())
			case <-time.After(5 * time.Second):
				return models.CheckResult{Check: "slow", Score: 5.0}
			}
		},
	}

	store := storage.NewMemoryStorage()
	coord := New([]check.Check{slow, scoring("fast", 1.0)}, store, 30*time.Millisecond, zap.NewNop())

	start := time.Now()
	verdict, err := coord.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("evaluation took %v, the slow check was not cut off", elapsed)
	}
	if res := verdict.Result("slow"); res == nil || !res.Abstained {
		t.Error("slow check should have abstained on timeout")
	}
	if verdict.TotalScore != 1.0 {
		t.Errorf("total = %v, want 1.0", verdict.TotalScore)
	}
}

func TestMalformedThresholdsFailEvaluation(t *testing.T) {
	coord, store := newTestCoordinator(t, scoring("a", 1.0))
	if err := store.SaveThresholds(context.Background(), 100, []byte(`{"no_such_section": true}`)); err != nil {
		t.Fatalf("SaveThresholds: %v", err)
	}

	if _, err := coord.Evaluate(context.Background(), testRequest()); err == nil {
		t.Fatal("expected evaluation to fail on a malformed configuration")
	}
}

func TestChatFallsBackToGlobalThresholds(t *testing.T) {
	coord, store := newTestCoordinator(t, scoring("a", 4.5))

	// The global row (chat 0) raises every band out of reach.
	cfg := models.DefaultThresholds()
	cfg.ReviewThreshold = 8
	cfg.SpamThreshold = 9
	cfg.AutoBanThreshold = 10
	raw, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := store.SaveThresholds(context.Background(), 0, raw); err != nil {
		t.Fatalf("SaveThresholds: %v", err)
	}

	verdict, err := coord.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Verdict != models.VerdictClean {
		t.Errorf("verdict = %s, want clean under the global thresholds", verdict.Verdict)
	}
}

func TestInvalidateThresholds(t *testing.T) {
	coord, store := newTestCoordinator(t, scoring("a", 4.5))
	ctx := context.Background()

	verdict, err := coord.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Verdict != models.VerdictSpam {
		t.Fatalf("verdict = %s, want spam under defaults", verdict.Verdict)
	}

	cfg := models.DefaultThresholds()
	cfg.ReviewThreshold = 8
	cfg.SpamThreshold = 9
	cfg.AutoBanThreshold = 10
	raw, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := store.SaveThresholds(ctx, 100, raw); err != nil {
		t.Fatalf("SaveThresholds: %v", err)
	}

	// Still cached: the old verdict holds until invalidation.
	verdict, err = coord.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Verdict != models.VerdictSpam {
		t.Fatalf("verdict = %s, want spam from the cached config", verdict.Verdict)
	}

	coord.InvalidateThresholds(100)
	verdict, err = coord.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.Verdict != models.VerdictClean {
		t.Errorf("verdict = %s, want clean after invalidation", verdict.Verdict)
	}
}

func TestDetectionRecordPersisted(t *testing.T) {
	coord, store := newTestCoordinator(t, scoring("a", 4.5))
	ctx := context.Background()

	if _, err := coord.Evaluate(ctx, testRequest()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	records, err := store.ListDetections(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListDetections: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}

	rec := records[0]
	if rec.Verdict != models.VerdictSpam {
		t.Errorf("recorded verdict = %s, want spam", rec.Verdict)
	}
	if rec.ChatID != 100 || rec.MessageID != 10 {
		t.Errorf("record identity = chat %d message %d, want 100/10", rec.ChatID, rec.MessageID)
	}
	if !rec.TrainingEligible {
		t.Error("a spam verdict with text should be training eligible")
	}
}

func TestReviewVerdictNotTrainingEligible(t *testing.T) {
	coord, store := newTestCoordinator(t, scoring("a", 3.0))
	ctx := context.Background()

	if _, err := coord.Evaluate(ctx, testRequest()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	records, err := store.ListDetections(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListDetections: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].TrainingEligible {
		t.Error("a review verdict must wait for a human label before training")
	}
}
