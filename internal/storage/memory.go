package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/sentinel-bot/internal/models"
)

// MemoryStorage is the in-memory backend used for local runs and tests.
type MemoryStorage struct {
	mu              sync.RWMutex
	detections      []*models.DetectionRecord
	samples         []*models.TrainingSample
	nextSampleID    int64
	thresholds      map[int64][]byte
	recommendations map[string]*models.ThresholdRecommendation
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nextSampleID:    1,
		thresholds:      make(map[int64][]byte),
		recommendations: make(map[string]*models.ThresholdRecommendation),
	}
}

func (s *MemoryStorage) SaveDetection(ctx context.Context, rec *models.DetectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	s.detections = append(s.detections, &cp)
	return nil
}

func (s *MemoryStorage) ListDetections(ctx context.Context, since time.Time) ([]*models.DetectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DetectionRecord
	for _, rec := range s.detections {
		if !rec.CreatedAt.Before(since) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) MarkReviewed(ctx context.Context, chatID, messageID int64, spam bool, reviewer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.detections {
		if rec.ChatID == chatID && rec.MessageID == messageID {
			label := spam
			rec.ReviewedSpam = &label
			rec.ReviewedBy = reviewer
			return nil
		}
	}
	return fmt.Errorf("detection not found for chat %d message %d", chatID, messageID)
}

func (s *MemoryStorage) AddSample(ctx context.Context, sample *models.TrainingSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sample
	cp.ID = s.nextSampleID
	s.nextSampleID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.samples = append(s.samples, &cp)
	sample.ID = cp.ID
	return nil
}

func (s *MemoryStorage) ListSamples(ctx context.Context) ([]*models.TrainingSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.TrainingSample, 0, len(s.samples))
	for _, sample := range s.samples {
		cp := *sample
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStorage) GetThresholds(ctx context.Context, chatID int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, exists := s.thresholds[chatID]
	if !exists {
		return nil, nil
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp, nil
}

func (s *MemoryStorage) SaveThresholds(ctx context.Context, chatID int64, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(raw))
	copy(cp, raw)
	s.thresholds[chatID] = cp
	return nil
}

func (s *MemoryStorage) SaveRecommendation(ctx context.Context, rec *models.ThresholdRecommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	s.recommendations[rec.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetRecommendation(ctx context.Context, id string) (*models.ThresholdRecommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.recommendations[id]
	if !exists {
		return nil, fmt.Errorf("recommendation %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStorage) ListRecommendations(ctx context.Context, status models.RecommendationStatus) ([]*models.ThresholdRecommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ThresholdRecommendation
	for _, rec := range s.recommendations {
		if status == "" || rec.Status == status {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) UpdateRecommendation(ctx context.Context, rec *models.ThresholdRecommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recommendations[rec.ID]; !exists {
		return fmt.Errorf("recommendation %s not found", rec.ID)
	}
	cp := *rec
	s.recommendations[rec.ID] = &cp
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
