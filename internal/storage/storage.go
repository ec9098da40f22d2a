package storage

import (
	"context"
	"time"

	"github.com/xaenox/sentinel-bot/internal/models"
)

// Storage is the narrow persistence contract the pipeline needs. The
// relational schema behind it is an implementation detail.
type Storage interface {
	DetectionStore
	SampleStore
	ConfigStore
	RecommendationStore
	Close() error
}

// DetectionStore persists one record per evaluated message and serves
// the recommendation engine's historical reads.
type DetectionStore interface {
	SaveDetection(ctx context.Context, rec *models.DetectionRecord) error
	ListDetections(ctx context.Context, since time.Time) ([]*models.DetectionRecord, error)
	// MarkReviewed attaches a human spam/ham label to a detection.
	MarkReviewed(ctx context.Context, chatID, messageID int64, spam bool, reviewer string) error
}

// SampleStore holds labeled training samples for the classifier.
type SampleStore interface {
	AddSample(ctx context.Context, sample *models.TrainingSample) error
	ListSamples(ctx context.Context) ([]*models.TrainingSample, error)
}

// ConfigStore reads and writes per-chat threshold configuration as raw
// JSON. Chat 0 is the global default; a nil result means no row exists.
type ConfigStore interface {
	GetThresholds(ctx context.Context, chatID int64) ([]byte, error)
	SaveThresholds(ctx context.Context, chatID int64, raw []byte) error
}

// RecommendationStore tracks threshold recommendations through review.
type RecommendationStore interface {
	SaveRecommendation(ctx context.Context, rec *models.ThresholdRecommendation) error
	GetRecommendation(ctx context.Context, id string) (*models.ThresholdRecommendation, error)
	ListRecommendations(ctx context.Context, status models.RecommendationStatus) ([]*models.ThresholdRecommendation, error)
	UpdateRecommendation(ctx context.Context, rec *models.ThresholdRecommendation) error
}
