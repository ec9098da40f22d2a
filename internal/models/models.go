package models

import "time"

// CheckName identifies a detector in the moderation pipeline.
type CheckName string

const (
	CheckStopWords      CheckName = "stop_words"
	CheckInvisibleChars CheckName = "invisible_chars"
	CheckWordSpacing    CheckName = "word_spacing"
	CheckSimilarity     CheckName = "similarity"
	CheckChannelReply   CheckName = "channel_reply"
	CheckBlocklist      CheckName = "blocklist"
	CheckBayes          CheckName = "bayes"
	CheckOpenAI         CheckName = "openai"
)

// Verdict is the aggregate classification of a message.
type Verdict string

const (
	VerdictClean   Verdict = "clean"
	VerdictReview  Verdict = "review"
	VerdictSpam    Verdict = "spam"
	VerdictAutoBan Verdict = "auto_ban"
)

// MaxScore is the upper bound of a single check's score.
const MaxScore = 5.0

// CheckRequest carries one inbound message through the pipeline.
// It is built once by the ingestion layer and treated as read-only;
// the coordinator derives a completed copy with per-chat thresholds.
type CheckRequest struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`

	Text    string `json:"text"`
	OCRText string `json:"ocr_text,omitempty"`

	IsTrusted          bool `json:"is_trusted"`
	IsAdmin            bool `json:"is_admin"`
	ReplyToChannelPost bool `json:"reply_to_channel_post"`

	// HasSpamFlags is true once any other check has flagged the message.
	// The coordinator sets it between fan-out waves; ingestion may carry
	// it in when a prior pass already flagged the content.
	HasSpamFlags bool `json:"has_spam_flags"`

	// Thresholds is the resolved per-chat configuration. Populated by the
	// coordinator before filtering; checks read their own section from it.
	Thresholds *ThresholdConfig `json:"-"`
}

// CheckResult is a single detector's verdict for one message.
//
// Invariant: Abstained implies Score == 0. A non-abstained zero score is
// an explicit "clean" verdict, not a skipped check.
type CheckResult struct {
	Check     CheckName `json:"check"`
	Score     float64   `json:"score"`
	Abstained bool      `json:"abstained"`

	// Review marks review semantics: the check wants a human decision.
	Review bool `json:"review,omitempty"`

	// Confidence is the check's underlying metric (Bayes probability,
	// spacing ratio, normalized similarity, AI confidence). The
	// recommendation engine replays candidate thresholds against it.
	Confidence float64 `json:"confidence,omitempty"`

	Details          string `json:"details,omitempty"`
	Error            string `json:"error,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// Abstain builds an abstained result with an explanatory detail.
func Abstain(check CheckName, details string) CheckResult {
	return CheckResult{Check: check, Abstained: true, Details: details}
}

// AbstainError builds an abstained result for a recoverable check failure.
func AbstainError(check CheckName, details string, err error) CheckResult {
	r := Abstain(check, details)
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// AggregateVerdict is the coordinator's output for one message.
type AggregateVerdict struct {
	Verdict    Verdict       `json:"verdict"`
	TotalScore float64       `json:"total_score"`
	Results    []CheckResult `json:"results"`
}

// Result returns the named check's result, or nil if it did not run.
func (v *AggregateVerdict) Result(name CheckName) *CheckResult {
	for i := range v.Results {
		if v.Results[i].Check == name {
			return &v.Results[i]
		}
	}
	return nil
}

// DetectionRecord is the persisted outcome of one evaluation.
type DetectionRecord struct {
	ID         string        `json:"id"`
	ChatID     int64         `json:"chat_id"`
	UserID     int64         `json:"user_id"`
	MessageID  int64         `json:"message_id"`
	Text       string        `json:"text"`
	Verdict    Verdict       `json:"verdict"`
	TotalScore float64       `json:"total_score"`
	Results    []CheckResult `json:"results"`

	// TrainingEligible marks records whose text may later feed the
	// classifier as a sample.
	TrainingEligible bool `json:"training_eligible"`

	// ReviewedSpam is the human label, when a moderator has weighed in.
	ReviewedSpam *bool  `json:"reviewed_spam,omitempty"`
	ReviewedBy   string `json:"reviewed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SampleSource records how a training sample was obtained.
type SampleSource string

const (
	SampleManual            SampleSource = "manual"
	SampleDetectionFeedback SampleSource = "detection_feedback"
	SampleAutoCollected     SampleSource = "auto_collected"
)

// TrainingSample is one labeled message for classifier training.
// Samples are append-only; newer samples supersede, never mutate.
type TrainingSample struct {
	ID         int64        `json:"id"`
	Text       string       `json:"text"`
	Spam       bool         `json:"spam"`
	Source     SampleSource `json:"source"`
	Confidence float64      `json:"confidence"`
	CreatedAt  time.Time    `json:"created_at"`
}

// RecommendationStatus is the review state of a threshold recommendation.
type RecommendationStatus string

const (
	RecommendationPending  RecommendationStatus = "pending"
	RecommendationApproved RecommendationStatus = "approved"
	RecommendationRejected RecommendationStatus = "rejected"
)

// ThresholdRecommendation is a proposed per-algorithm threshold change
// mined from historical detections. Terminal once approved or rejected.
type ThresholdRecommendation struct {
	ID                   string               `json:"id"`
	Algorithm            CheckName            `json:"algorithm"`
	CurrentThreshold     float64              `json:"current_threshold"`
	RecommendedThreshold float64              `json:"recommended_threshold"`
	Confidence           float64              `json:"confidence"`
	CurrentVetoRate      float64              `json:"current_veto_rate"`
	EstimatedVetoRate    float64              `json:"estimated_veto_rate"`
	SampleMessageIDs     []int64              `json:"sample_message_ids"`
	Status               RecommendationStatus `json:"status"`
	ReviewedBy           string               `json:"reviewed_by,omitempty"`
	Notes                string               `json:"notes,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	ReviewedAt           *time.Time           `json:"reviewed_at,omitempty"`
}
