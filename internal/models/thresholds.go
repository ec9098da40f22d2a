package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Per-algorithm configuration blocks. Each is an explicit struct with
// defaults rather than a loose map; the JSON shape is what gets stored
// per chat in the thresholds table.

type StopWordsConfig struct {
	Enabled bool     `json:"enabled"`
	Words   []string `json:"words,omitempty"`
	Score   float64  `json:"score"`
}

type InvisibleCharsConfig struct {
	Enabled bool    `json:"enabled"`
	Score   float64 `json:"score"`
}

type WordSpacingConfig struct {
	Enabled bool `json:"enabled"`
	// MinRatio is the single-rune word fraction above which the message
	// counts as spaced-out ("B U Y  N O W").
	MinRatio float64 `json:"min_ratio"`
	MinWords int     `json:"min_words"`
	Score    float64 `json:"score"`
}

type SimilarityConfig struct {
	Enabled bool `json:"enabled"`
	// MaxDistance is the SimHash Hamming distance at or below which a
	// message counts as a near-duplicate of a recent one.
	MaxDistance int     `json:"max_distance"`
	Window      int     `json:"window"`
	Score       float64 `json:"score"`
}

type ChannelReplyConfig struct {
	Enabled bool    `json:"enabled"`
	Score   float64 `json:"score"`
}

type BlocklistConfig struct {
	Enabled   bool    `json:"enabled"`
	TimeoutMs int     `json:"timeout_ms"`
	Score     float64 `json:"score"`
}

type BayesConfig struct {
	Enabled        bool    `json:"enabled"`
	MinProbability float64 `json:"min_probability"`
}

type OpenAIConfig struct {
	Enabled bool `json:"enabled"`
	// VetoMode restricts the AI check to confirming or overturning spam
	// flags raised by other checks; it never originates a verdict alone.
	VetoMode           bool `json:"veto_mode"`
	CheckShortMessages bool `json:"check_short_messages"`
	MinMessageLength   int  `json:"min_message_length"`
	MaxTokens          int  `json:"max_tokens"`
}

// ThresholdConfig is the full per-chat detection configuration: one block
// per algorithm plus the global knobs. Chat 0 holds the global default.
type ThresholdConfig struct {
	StopWords      StopWordsConfig      `json:"stop_words"`
	InvisibleChars InvisibleCharsConfig `json:"invisible_chars"`
	WordSpacing    WordSpacingConfig    `json:"word_spacing"`
	Similarity     SimilarityConfig     `json:"similarity"`
	ChannelReply   ChannelReplyConfig   `json:"channel_reply"`
	Blocklist      BlocklistConfig      `json:"blocklist"`
	Bayes          BayesConfig          `json:"bayes"`
	OpenAI         OpenAIConfig         `json:"openai"`

	// ReviewCap bounds the score a "review" verdict may contribute,
	// regardless of the AI's stated confidence.
	ReviewCap float64 `json:"review_cap"`
	// VetoThreshold is the AI confidence above which its verdict is
	// trusted without further human review.
	VetoThreshold    float64 `json:"veto_threshold"`
	ReviewThreshold  float64 `json:"review_threshold"`
	SpamThreshold    float64 `json:"spam_threshold"`
	AutoBanThreshold float64 `json:"auto_ban_threshold"`
}

// DefaultThresholds returns the compiled-in configuration used when no
// row exists for a chat or for the global default.
func DefaultThresholds() *ThresholdConfig {
	return &ThresholdConfig{
		StopWords:      StopWordsConfig{Enabled: true, Score: 2.0},
		InvisibleChars: InvisibleCharsConfig{Enabled: true, Score: 1.5},
		WordSpacing:    WordSpacingConfig{Enabled: true, MinRatio: 0.5, MinWords: 8, Score: 1.5},
		Similarity:     SimilarityConfig{Enabled: true, MaxDistance: 3, Window: 64, Score: 2.0},
		ChannelReply:   ChannelReplyConfig{Enabled: true, Score: 1.0},
		Blocklist:      BlocklistConfig{Enabled: true, TimeoutMs: 800, Score: 5.0},
		Bayes:          BayesConfig{Enabled: true, MinProbability: 0.75},
		OpenAI: OpenAIConfig{
			Enabled:          true,
			VetoMode:         true,
			MinMessageLength: 20,
			MaxTokens:        256,
		},
		ReviewCap:        3.0,
		VetoThreshold:    0.85,
		ReviewThreshold:  2.5,
		SpamThreshold:    4.0,
		AutoBanThreshold: 7.0,
	}
}

// ParseThresholds decodes a stored configuration on top of the defaults.
// A malformed document is an error: the coordinator fails the evaluation
// rather than moderating with unknown thresholds.
func ParseThresholds(raw []byte) (*ThresholdConfig, error) {
	cfg := DefaultThresholds()
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("malformed threshold config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce sane verdicts.
func (c *ThresholdConfig) Validate() error {
	if c.ReviewCap < 0 || c.ReviewCap > MaxScore {
		return fmt.Errorf("review_cap %.2f outside [0, %.1f]", c.ReviewCap, MaxScore)
	}
	if c.VetoThreshold < 0 || c.VetoThreshold > 1 {
		return fmt.Errorf("veto_threshold %.2f outside [0, 1]", c.VetoThreshold)
	}
	if c.Bayes.MinProbability < 0 || c.Bayes.MinProbability > 1 {
		return fmt.Errorf("bayes.min_probability %.2f outside [0, 1]", c.Bayes.MinProbability)
	}
	if c.ReviewThreshold > c.SpamThreshold {
		return fmt.Errorf("review_threshold %.2f above spam_threshold %.2f", c.ReviewThreshold, c.SpamThreshold)
	}
	if c.SpamThreshold > c.AutoBanThreshold {
		return fmt.Errorf("spam_threshold %.2f above auto_ban_threshold %.2f", c.SpamThreshold, c.AutoBanThreshold)
	}
	if c.Similarity.MaxDistance < 0 || c.Similarity.MaxDistance > 64 {
		return fmt.Errorf("similarity.max_distance %d outside [0, 64]", c.Similarity.MaxDistance)
	}
	return nil
}

// Marshal serializes the configuration for storage.
func (c *ThresholdConfig) Marshal() ([]byte, error) {
	return json.Marshal(c)
}
