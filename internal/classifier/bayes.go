// Package classifier trains and serves the statistical spam model. The
// active model sits behind an atomic pointer: training builds a complete
// replacement and swaps it in, so concurrent Score calls never observe a
// half-trained state and never take a lock.
package classifier

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/metrics"
	"github.com/xaenox/sentinel-bot/internal/storage"
)

// minTrainingSamples is the floor below which training refuses to
// produce a model; a handful of samples only yields noise.
const minTrainingSamples = 10

// balanceRatioLimit bounds the spam:ham (and ham:spam) ratio considered
// balanced. Beyond it the model still trains but is flagged.
const balanceRatioLimit = 5.0

// model is one immutable trained snapshot.
type model struct {
	spamTokens map[string]int
	hamTokens  map[string]int

	spamTokenTotal int
	hamTokenTotal  int
	spamDocs       int
	hamDocs        int
	vocabularySize int

	balanced  bool
	trainedAt time.Time
}

// Bayes is a multinomial Naive Bayes spam/ham classifier.
type Bayes struct {
	samples storage.SampleStore
	logger  *zap.Logger
	active  atomic.Pointer[model]
}

func NewBayes(samples storage.SampleStore, logger *zap.Logger) *Bayes {
	return &Bayes{
		samples: samples,
		logger:  logger,
	}
}

// Ready reports whether a trained model is active.
func (b *Bayes) Ready() bool {
	return b.active.Load() != nil
}

// Train pulls all labeled samples, fits a fresh model and atomically
// swaps it in. A failed run leaves the previous model active.
func (b *Bayes) Train(ctx context.Context) error {
	samples, err := b.samples.ListSamples(ctx)
	if err != nil {
		return fmt.Errorf("list training samples: %w", err)
	}
	if len(samples) < minTrainingSamples {
		return fmt.Errorf("only %d training samples, need at least %d", len(samples), minTrainingSamples)
	}

	m := &model{
		spamTokens: make(map[string]int),
		hamTokens:  make(map[string]int),
		trainedAt:  time.Now(),
	}

	vocabulary := make(map[string]struct{})
	for _, sample := range samples {
		tokens := Tokenize(sample.Text)
		if len(tokens) == 0 {
			continue
		}
		if sample.Spam {
			m.spamDocs++
		} else {
			m.hamDocs++
		}
		for _, token := range tokens {
			vocabulary[token] = struct{}{}
			if sample.Spam {
				m.spamTokens[token]++
				m.spamTokenTotal++
			} else {
				m.hamTokens[token]++
				m.hamTokenTotal++
			}
		}
	}

	if m.spamDocs == 0 || m.hamDocs == 0 {
		return fmt.Errorf("training needs both classes: %d spam, %d ham", m.spamDocs, m.hamDocs)
	}
	m.vocabularySize = len(vocabulary)

	ratio := float64(m.spamDocs) / float64(m.hamDocs)
	m.balanced = ratio >= 1/balanceRatioLimit && ratio <= balanceRatioLimit
	if !m.balanced {
		b.logger.Warn("Training set is imbalanced",
			zap.Int("spam_docs", m.spamDocs),
			zap.Int("ham_docs", m.hamDocs),
			zap.Float64("ratio", ratio))
	}

	b.active.Store(m)
	metrics.ClassifierTrainings.Inc()
	b.logger.Info("Classifier trained",
		zap.Int("samples", len(samples)),
		zap.Int("spam_docs", m.spamDocs),
		zap.Int("ham_docs", m.hamDocs),
		zap.Int("vocabulary", m.vocabularySize),
		zap.Bool("balanced", m.balanced))
	return nil
}

// Score returns the spam probability of text under the active model. ok
// is false when no model is trained or the text shares no tokens with
// the training vocabulary.
func (b *Bayes) Score(text string) (float64, bool) {
	m := b.active.Load()
	if m == nil {
		return 0, false
	}

	tokens := Tokenize(text)
	known := 0
	for _, token := range tokens {
		if m.spamTokens[token] > 0 || m.hamTokens[token] > 0 {
			known++
		}
	}
	if known == 0 {
		return 0, false
	}

	// Log-space with Laplace smoothing; converted back to a probability
	// at the end.
	totalDocs := float64(m.spamDocs + m.hamDocs)
	logSpam := math.Log(float64(m.spamDocs) / totalDocs)
	logHam := math.Log(float64(m.hamDocs) / totalDocs)

	spamDenominator := float64(m.spamTokenTotal + m.vocabularySize)
	hamDenominator := float64(m.hamTokenTotal + m.vocabularySize)
	for _, token := range tokens {
		logSpam += math.Log(float64(m.spamTokens[token]+1) / spamDenominator)
		logHam += math.Log(float64(m.hamTokens[token]+1) / hamDenominator)
	}

	return 1 / (1 + math.Exp(logHam-logSpam)), true
}

// Tokenize lowercases text and splits it into word tokens, dropping
// single-rune fragments.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, field := range fields {
		if len([]rune(field)) >= 2 {
			tokens = append(tokens, field)
		}
	}
	return tokens
}
