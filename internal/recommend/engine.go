// Package recommend mines historical detection records for threshold
// adjustments. Every proposal is written in pending status for a human
// to approve or reject; nothing is ever applied automatically.
package recommend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/models"
	"github.com/xaenox/sentinel-bot/internal/storage"
)

// minFlaggedSamples is the minimum number of flags an algorithm needs in
// the window before a recommendation is considered.
const minFlaggedSamples = 20

// acceptableVetoRate is the overturn rate below which the current
// threshold is left alone.
const acceptableVetoRate = 0.1

// minRetainedDetections is the fraction of confirmed detections a
// candidate threshold must keep.
const minRetainedDetections = 0.8

// maxSampleIDs caps how many affected message IDs a recommendation
// carries for audit.
const maxSampleIDs = 10

// tunables lists the algorithms with an adjustable threshold. They all
// store their underlying metric in CheckResult.Confidence and flag on
// metric >= threshold, so candidate thresholds replay uniformly.
var tunables = []models.CheckName{
	models.CheckBayes,
	models.CheckWordSpacing,
	models.CheckSimilarity,
}

// Engine is the offline feedback loop over detection history.
type Engine struct {
	store  storage.Storage
	logger *zap.Logger
}

func New(store storage.Storage, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// observation is one historical flag by a tunable algorithm.
type observation struct {
	messageID  int64
	metric     float64
	overturned bool
}

// Run examines the training window and writes one pending
// recommendation per algorithm whose threshold looks too loose.
func (e *Engine) Run(ctx context.Context, window time.Duration) ([]*models.ThresholdRecommendation, error) {
	records, err := e.store.ListDetections(ctx, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}

	raw, err := e.store.GetThresholds(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load global thresholds: %w", err)
	}
	cfg, err := models.ParseThresholds(raw)
	if err != nil {
		return nil, err
	}

	var recommendations []*models.ThresholdRecommendation
	for _, algorithm := range tunables {
		observations := collect(records, algorithm)
		rec := e.recommend(algorithm, currentThreshold(cfg, algorithm), observations)
		if rec == nil {
			continue
		}
		if err := e.store.SaveRecommendation(ctx, rec); err != nil {
			return nil, fmt.Errorf("save recommendation for %s: %w", algorithm, err)
		}
		e.logger.Info("Threshold recommendation created",
			zap.String("algorithm", string(algorithm)),
			zap.Float64("current", rec.CurrentThreshold),
			zap.Float64("recommended", rec.RecommendedThreshold),
			zap.Float64("current_veto_rate", rec.CurrentVetoRate),
			zap.Float64("estimated_veto_rate", rec.EstimatedVetoRate))
		recommendations = append(recommendations, rec)
	}
	return recommendations, nil
}

// Approve marks a pending recommendation approved and feeds the new
// threshold into the global configuration.
func (e *Engine) Approve(ctx context.Context, id, reviewer, notes string) error {
	rec, err := e.store.GetRecommendation(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.RecommendationPending {
		return fmt.Errorf("recommendation %s already %s", id, rec.Status)
	}

	raw, err := e.store.GetThresholds(ctx, 0)
	if err != nil {
		return fmt.Errorf("load global thresholds: %w", err)
	}
	cfg, err := models.ParseThresholds(raw)
	if err != nil {
		return err
	}
	if err := applyThreshold(cfg, rec.Algorithm, rec.RecommendedThreshold); err != nil {
		return err
	}
	updated, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}
	if err := e.store.SaveThresholds(ctx, 0, updated); err != nil {
		return fmt.Errorf("save thresholds: %w", err)
	}

	return e.finish(ctx, rec, models.RecommendationApproved, reviewer, notes)
}

// Reject marks a pending recommendation rejected. Terminal.
func (e *Engine) Reject(ctx context.Context, id, reviewer, notes string) error {
	rec, err := e.store.GetRecommendation(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != models.RecommendationPending {
		return fmt.Errorf("recommendation %s already %s", id, rec.Status)
	}
	return e.finish(ctx, rec, models.RecommendationRejected, reviewer, notes)
}

func (e *Engine) finish(ctx context.Context, rec *models.ThresholdRecommendation, status models.RecommendationStatus, reviewer, notes string) error {
	now := time.Now()
	rec.Status = status
	rec.ReviewedBy = reviewer
	rec.Notes = notes
	rec.ReviewedAt = &now
	return e.store.UpdateRecommendation(ctx, rec)
}

// collect extracts the algorithm's flags from the window. A flag counts
// as overturned when the AI veto explicitly judged the message clean or
// a human labeled it ham.
func collect(records []*models.DetectionRecord, algorithm models.CheckName) []observation {
	var observations []observation
	for _, record := range records {
		var flagged *models.CheckResult
		for i := range record.Results {
			if record.Results[i].Check == algorithm && !record.Results[i].Abstained && record.Results[i].Score > 0 {
				flagged = &record.Results[i]
				break
			}
		}
		if flagged == nil {
			continue
		}
		observations = append(observations, observation{
			messageID:  record.MessageID,
			metric:     flagged.Confidence,
			overturned: overturned(record),
		})
	}
	return observations
}

func overturned(record *models.DetectionRecord) bool {
	if record.ReviewedSpam != nil {
		return !*record.ReviewedSpam
	}
	for i := range record.Results {
		r := &record.Results[i]
		if r.Check == models.CheckOpenAI && !r.Abstained && !r.Review && r.Score == 0 {
			return true
		}
	}
	return false
}

// recommend searches candidate thresholds over the observed metrics and
// returns a pending recommendation, or nil when the current threshold
// already performs acceptably.
func (e *Engine) recommend(algorithm models.CheckName, current float64, observations []observation) *models.ThresholdRecommendation {
	if len(observations) < minFlaggedSamples {
		return nil
	}

	overturnedCount := 0
	for _, o := range observations {
		if o.overturned {
			overturnedCount++
		}
	}
	currentRate := float64(overturnedCount) / float64(len(observations))
	if currentRate <= acceptableVetoRate {
		return nil
	}

	confirmed := len(observations) - overturnedCount

	// Candidates are the observed metric values themselves: any
	// threshold between two observed metrics behaves identically to the
	// lower observation.
	candidates := make([]float64, 0, len(observations))
	for _, o := range observations {
		if o.metric > current {
			candidates = append(candidates, o.metric)
		}
	}
	sort.Float64s(candidates)

	best := current
	bestRate := currentRate
	for _, candidate := range candidates {
		kept, keptOverturned := 0, 0
		for _, o := range observations {
			if o.metric >= candidate {
				kept++
				if o.overturned {
					keptOverturned++
				}
			}
		}
		if kept == 0 {
			break
		}
		keptConfirmed := kept - keptOverturned
		if confirmed > 0 && float64(keptConfirmed) < minRetainedDetections*float64(confirmed) {
			continue
		}
		rate := float64(keptOverturned) / float64(kept)
		if rate < bestRate {
			bestRate = rate
			best = candidate
		}
	}

	if best == current {
		return nil
	}

	// Confidence scales with both the improvement and the evidence size.
	improvement := (currentRate - bestRate) / currentRate
	confidence := improvement * math.Min(1, float64(len(observations))/100)

	var sampleIDs []int64
	for _, o := range observations {
		if o.overturned && o.metric < best {
			sampleIDs = append(sampleIDs, o.messageID)
			if len(sampleIDs) == maxSampleIDs {
				break
			}
		}
	}

	return &models.ThresholdRecommendation{
		ID:                   uuid.New().String(),
		Algorithm:            algorithm,
		CurrentThreshold:     current,
		RecommendedThreshold: best,
		Confidence:           confidence,
		CurrentVetoRate:      currentRate,
		EstimatedVetoRate:    bestRate,
		SampleMessageIDs:     sampleIDs,
		Status:               models.RecommendationPending,
		CreatedAt:            time.Now(),
	}
}

// currentThreshold reads an algorithm's tunable threshold, expressed in
// the same space as the metric its check records.
func currentThreshold(cfg *models.ThresholdConfig, algorithm models.CheckName) float64 {
	switch algorithm {
	case models.CheckBayes:
		return cfg.Bayes.MinProbability
	case models.CheckWordSpacing:
		return cfg.WordSpacing.MinRatio
	case models.CheckSimilarity:
		// The similarity check flags at Hamming distance <= MaxDistance;
		// in metric space that is normalized similarity >= this value.
		return 1 - float64(cfg.Similarity.MaxDistance)/64
	default:
		return 0
	}
}

// applyThreshold writes an approved threshold back into the config.
func applyThreshold(cfg *models.ThresholdConfig, algorithm models.CheckName, value float64) error {
	switch algorithm {
	case models.CheckBayes:
		cfg.Bayes.MinProbability = value
	case models.CheckWordSpacing:
		cfg.WordSpacing.MinRatio = value
	case models.CheckSimilarity:
		cfg.Similarity.MaxDistance = int(math.Round((1 - value) * 64))
	default:
		return fmt.Errorf("algorithm %s has no tunable threshold", algorithm)
	}
	return cfg.Validate()
}
