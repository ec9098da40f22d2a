package recommend

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/models"
	"github.com/xaenox/sentinel-bot/internal/storage"
)

// bayesDetection builds a detection where the bayes check flagged at the
// given probability. confirmed=false attaches a confident AI clean
// verdict, marking the flag as overturned.
func bayesDetection(id int64, probability float64, confirmed bool) *models.DetectionRecord {
	results := []models.CheckResult{
		{Check: models.CheckBayes, Score: probability * 5, Confidence: probability},
	}
	if confirmed {
		results = append(results, models.CheckResult{Check: models.CheckOpenAI, Score: 4.5, Confidence: 0.9})
	} else {
		results = append(results, models.CheckResult{Check: models.CheckOpenAI, Score: 0, Confidence: 0.9})
	}
	return &models.DetectionRecord{
		ID:        fmt.Sprintf("rec-%d", id),
		ChatID:    100,
		MessageID: id,
		Text:      "message",
		Verdict:   models.VerdictSpam,
		Results:   results,
		CreatedAt: time.Now(),
	}
}

func seedDetections(t *testing.T, store storage.Storage, confirmedAt, overturnedAt float64, confirmed, overturned int) {
	t.Helper()
	ctx := context.Background()
	id := int64(1)
	for i := 0; i < confirmed; i++ {
		if err := store.SaveDetection(ctx, bayesDetection(id, confirmedAt, true)); err != nil {
			t.Fatalf("save detection: %v", err)
		}
		id++
	}
	for i := 0; i < overturned; i++ {
		if err := store.SaveDetection(ctx, bayesDetection(id, overturnedAt, false)); err != nil {
			t.Fatalf("save detection: %v", err)
		}
		id++
	}
}

func TestRunRecommendsTighterThreshold(t *testing.T) {
	store := storage.NewMemoryStorage()
	engine := New(store, zap.NewNop())

	// Confirmed detections cluster at 0.95, overturned ones at 0.78: a
	// threshold of 0.95 keeps every confirmed flag and drops the noise.
	seedDetections(t, store, 0.95, 0.78, 20, 10)

	recommendations, err := engine.Run(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(recommendations) != 1 {
		t.Fatalf("recommendations = %d, want 1", len(recommendations))
	}

	rec := recommendations[0]
	if rec.Algorithm != models.CheckBayes {
		t.Errorf("algorithm = %s, want bayes", rec.Algorithm)
	}
	if rec.Status != models.RecommendationPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
	if rec.CurrentThreshold != 0.75 {
		t.Errorf("current threshold = %v, want the default 0.75", rec.CurrentThreshold)
	}
	if rec.RecommendedThreshold != 0.95 {
		t.Errorf("recommended threshold = %v, want 0.95", rec.RecommendedThreshold)
	}
	if rec.EstimatedVetoRate != 0 {
		t.Errorf("estimated veto rate = %v, want 0", rec.EstimatedVetoRate)
	}
	if rec.Confidence <= 0 {
		t.Errorf("confidence = %v, want positive", rec.Confidence)
	}
	if len(rec.SampleMessageIDs) == 0 {
		t.Error("expected sample message ids for audit")
	}
}

func TestRunLeavesHealthyThresholdAlone(t *testing.T) {
	store := storage.NewMemoryStorage()
	engine := New(store, zap.NewNop())

	// One overturn in thirty is under the acceptable veto rate.
	seedDetections(t, store, 0.95, 0.78, 29, 1)

	recommendations, err := engine.Run(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(recommendations) != 0 {
		t.Errorf("recommendations = %d, want 0 for a healthy threshold", len(recommendations))
	}
}

func TestRunNeedsEnoughSamples(t *testing.T) {
	store := storage.NewMemoryStorage()
	engine := New(store, zap.NewNop())

	seedDetections(t, store, 0.95, 0.78, 5, 5)

	recommendations, err := engine.Run(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(recommendations) != 0 {
		t.Errorf("recommendations = %d, want 0 below the sample minimum", len(recommendations))
	}
}

func TestRunRespectsRetention(t *testing.T) {
	store := storage.NewMemoryStorage()
	engine := New(store, zap.NewNop())

	// Overturned flags sit above the confirmed ones: any tighter threshold
	// would drop confirmed detections first, so nothing is recommended.
	seedDetections(t, store, 0.80, 0.95, 20, 10)

	recommendations, err := engine.Run(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(recommendations) != 0 {
		t.Errorf("recommendations = %d, want 0 when retention cannot hold", len(recommendations))
	}
}

func TestHumanLabelOverridesAIVerdict(t *testing.T) {
	store := storage.NewMemoryStorage()
	engine := New(store, zap.NewNop())
	ctx := context.Background()

	// AI called these clean, but a moderator confirmed them as spam: the
	// human label wins and the threshold stays put.
	seedDetections(t, store, 0.95, 0.78, 20, 10)
	records, err := store.ListDetections(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListDetections: %v", err)
	}
	for _, rec := range records {
		if err := store.MarkReviewed(ctx, rec.ChatID, rec.MessageID, true, "mod"); err != nil {
			t.Fatalf("MarkReviewed: %v", err)
		}
	}

	recommendations, err := engine.Run(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(recommendations) != 0 {
		t.Errorf("recommendations = %d, want 0 once humans confirmed the flags", len(recommendations))
	}
}

func TestApproveAppliesThreshold(t *testing.T) {
	store := storage.NewMemoryStorage()
	engine := New(store, zap.NewNop())
	ctx := context.Background()

	seedDetections(t, store, 0.95, 0.78, 20, 10)
	recommendations, err := engine.Run(ctx, 24*time.Hour)
	if err != nil || len(recommendations) != 1 {
		t.Fatalf("Run: %v (%d recommendations)", err, len(recommendations))
	}

	if err := engine.Approve(ctx, recommendations[0].ID, "mod", "looks right"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	raw, err := store.GetThresholds(ctx, 0)
	if err != nil {
		t.Fatalf("GetThresholds: %v", err)
	}
	cfg, err := models.ParseThresholds(raw)
	if err != nil {
		t.Fatalf("ParseThresholds: %v", err)
	}
	if cfg.Bayes.MinProbability != 0.95 {
		t.Errorf("bayes.min_probability = %v, want the approved 0.95", cfg.Bayes.MinProbability)
	}

	stored, err := store.GetRecommendation(ctx, recommendations[0].ID)
	if err != nil {
		t.Fatalf("GetRecommendation: %v", err)
	}
	if stored.Status != models.RecommendationApproved {
		t.Errorf("status = %s, want approved", stored.Status)
	}
	if stored.ReviewedBy != "mod" || stored.ReviewedAt == nil {
		t.Error("approval did not record the reviewer")
	}

	// Terminal: a second decision is rejected.
	if err := engine.Approve(ctx, recommendations[0].ID, "mod", ""); err == nil {
		t.Error("expected error approving an already approved recommendation")
	}
	if err := engine.Reject(ctx, recommendations[0].ID, "mod", ""); err == nil {
		t.Error("expected error rejecting an already approved recommendation")
	}
}

func TestRejectIsTerminal(t *testing.T) {
	store := storage.NewMemoryStorage()
	engine := New(store, zap.NewNop())
	ctx := context.Background()

	seedDetections(t, store, 0.95, 0.78, 20, 10)
	recommendations, err := engine.Run(ctx, 24*time.Hour)
	if err != nil || len(recommendations) != 1 {
		t.Fatalf("Run: %v (%d recommendations)", err, len(recommendations))
	}

	if err := engine.Reject(ctx, recommendations[0].ID, "mod", "too aggressive"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	// The global thresholds stay untouched.
	raw, err := store.GetThresholds(ctx, 0)
	if err != nil {
		t.Fatalf("GetThresholds: %v", err)
	}
	if raw != nil {
		cfg, err := models.ParseThresholds(raw)
		if err != nil {
			t.Fatalf("ParseThresholds: %v", err)
		}
		if cfg.Bayes.MinProbability != 0.75 {
			t.Errorf("bayes.min_probability = %v, want the default 0.75", cfg.Bayes.MinProbability)
		}
	}

	stored, err := store.GetRecommendation(ctx, recommendations[0].ID)
	if err != nil {
		t.Fatalf("GetRecommendation: %v", err)
	}
	if stored.Status != models.RecommendationRejected {
		t.Errorf("status = %s, want rejected", stored.Status)
	}
	if err := engine.Approve(ctx, recommendations[0].ID, "mod", ""); err == nil {
		t.Error("expected error approving a rejected recommendation")
	}
}
