package check

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/cache"
	"github.com/xaenox/sentinel-bot/internal/llm"
	"github.com/xaenox/sentinel-bot/internal/models"
)

type fakeCompleter struct {
	mu           sync.Mutex
	calls        int
	content      string
	err          error
	unconfigured bool
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content}, nil
}

func (f *fakeCompleter) Configured() bool { return !f.unconfigured }
func (f *fakeCompleter) Model() string    { return "test-model" }

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func aiRequest(text string) *models.CheckRequest {
	req := newRequest(text)
	req.HasSpamFlags = true
	return req
}

func newAICheck(completer llm.Completer) *OpenAI {
	return NewOpenAI(completer, cache.New(time.Minute), zap.NewNop())
}

func TestOpenAIVerdictScoring(t *testing.T) {
	tests := []struct {
		name           string
		response       string
		wantScore      float64
		wantReview     bool
		wantAbstained  bool
		wantConfidence float64
	}{
		{
			name:           "confident spam",
			response:       `{"result": "spam", "reason": "crypto scam", "confidence": 0.95}`,
			wantScore:      4.75,
			wantConfidence: 0.95,
		},
		{
			name:           "hesitant spam",
			response:       `{"result": "spam", "reason": "looks promotional", "confidence": 0.6}`,
			wantScore:      3.0,
			wantConfidence: 0.6,
		},
		{
			name:           "weak spam",
			response:       `{"result": "spam", "reason": "maybe", "confidence": 0.3}`,
			wantScore:      1.5,
			wantConfidence: 0.3,
		},
		{
			name:           "review is capped",
			response:       `{"result": "review", "reason": "borderline", "confidence": 0.9}`,
			wantScore:      3.0,
			wantReview:     true,
			wantConfidence: 0.9,
		},
		{
			name:           "missing confidence uses default",
			response:       `{"result": "spam", "reason": "scam"}`,
			wantScore:      4.0,
			wantConfidence: 0.8,
		},
		{
			name:           "explicit clean",
			response:       `{"result": "clean", "reason": "normal chatter", "confidence": 0.9}`,
			wantScore:      0,
			wantConfidence: 0.9,
		},
		{
			name:          "unknown verdict abstains",
			response:      `{"result": "maybe", "reason": "?", "confidence": 0.5}`,
			wantAbstained: true,
		},
		{
			name:          "unparsable response abstains",
			response:      "definitely spam, trust me",
			wantAbstained: true,
		},
		{
			name:           "markdown fenced response still parses",
			response:       "```json\n{\"result\": \"spam\", \"reason\": \"scam\", \"confidence\": 0.95}\n```",
			wantScore:      4.75,
			wantConfidence: 0.95,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chk := newAICheck(&fakeCompleter{content: tt.response})
			res := chk.Check(context.Background(), aiRequest("this is a long enough message to check"))

			if res.Abstained != tt.wantAbstained {
				t.Fatalf("abstained = %v, want %v (details: %s)", res.Abstained, tt.wantAbstained, res.Details)
			}
			if tt.wantAbstained {
				return
			}
			if res.Score != tt.wantScore {
				t.Errorf("score = %v, want %v", res.Score, tt.wantScore)
			}
			if res.Review != tt.wantReview {
				t.Errorf("review = %v, want %v", res.Review, tt.wantReview)
			}
			if res.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %v, want %v", res.Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestOpenAICleanIsNotAbstention(t *testing.T) {
	chk := newAICheck(&fakeCompleter{content: `{"result": "clean", "reason": "fine", "confidence": 0.9}`})
	res := chk.Check(context.Background(), aiRequest("this is a long enough message to check"))

	if res.Abstained {
		t.Fatal("an explicit clean verdict must not be an abstention")
	}
	if res.Score != 0 {
		t.Errorf("score = %v, want 0", res.Score)
	}
}

func TestOpenAIVetoModeRequiresFlags(t *testing.T) {
	completer := &fakeCompleter{content: `{"result": "spam", "reason": "scam", "confidence": 0.9}`}
	chk := newAICheck(completer)

	req := newRequest("this is a long enough message to check")
	req.HasSpamFlags = false

	res := chk.Check(context.Background(), req)
	if !res.Abstained {
		t.Fatal("expected abstention in veto mode without spam flags")
	}
	if !strings.Contains(res.Details, "Veto mode") {
		t.Errorf("details = %q, want a veto mode explanation", res.Details)
	}
	if completer.callCount() != 0 {
		t.Errorf("model called %d times, want 0", completer.callCount())
	}
}

func TestOpenAISkipsShortMessages(t *testing.T) {
	completer := &fakeCompleter{content: `{"result": "spam", "reason": "scam", "confidence": 0.9}`}
	chk := newAICheck(completer)

	res := chk.Check(context.Background(), aiRequest("hi"))
	if !res.Abstained {
		t.Fatal("expected abstention for a short message")
	}
	if completer.callCount() != 0 {
		t.Errorf("model called %d times, want 0", completer.callCount())
	}
}

func TestOpenAIChecksShortMessagesWhenConfigured(t *testing.T) {
	completer := &fakeCompleter{content: `{"result": "spam", "reason": "scam", "confidence": 0.9}`}
	chk := newAICheck(completer)

	req := aiRequest("hi")
	req.Thresholds.OpenAI.CheckShortMessages = true

	res := chk.Check(context.Background(), req)
	if res.Abstained {
		t.Fatalf("expected a verdict, got abstention: %s", res.Details)
	}
}

func TestOpenAIUnconfiguredAbstains(t *testing.T) {
	chk := newAICheck(&fakeCompleter{unconfigured: true})
	res := chk.Check(context.Background(), aiRequest("this is a long enough message to check"))
	if !res.Abstained {
		t.Fatal("expected abstention without an API key")
	}
}

func TestOpenAICachesVerdicts(t *testing.T) {
	completer := &fakeCompleter{content: `{"result": "spam", "reason": "scam", "confidence": 0.9}`}
	chk := newAICheck(completer)

	first := chk.Check(context.Background(), aiRequest("this is a long enough message to check"))
	if strings.Contains(first.Details, "(cached)") {
		t.Fatalf("first result marked cached: %s", first.Details)
	}

	second := chk.Check(context.Background(), aiRequest("this is a long enough message to check"))
	if !strings.Contains(second.Details, "(cached)") {
		t.Errorf("second result not marked cached: %s", second.Details)
	}
	if second.Score != first.Score {
		t.Errorf("cached score = %v, want %v", second.Score, first.Score)
	}
	if completer.callCount() != 1 {
		t.Errorf("model called %d times, want 1", completer.callCount())
	}
}

func TestOpenAICacheKeySeparatesOCR(t *testing.T) {
	completer := &fakeCompleter{content: `{"result": "spam", "reason": "scam", "confidence": 0.9}`}
	chk := newAICheck(completer)

	plain := aiRequest("this is a long enough message to check")
	chk.Check(context.Background(), plain)

	withOCR := aiRequest("this is a long enough message to check")
	withOCR.OCRText = "extra text from an image"
	chk.Check(context.Background(), withOCR)

	if completer.callCount() != 2 {
		t.Errorf("model called %d times, want 2 for distinct content", completer.callCount())
	}
}

func TestOpenAIErrorsAbstainUncached(t *testing.T) {
	completer := &fakeCompleter{err: context.DeadlineExceeded}
	chk := newAICheck(completer)

	res := chk.Check(context.Background(), aiRequest("this is a long enough message to check"))
	if !res.Abstained {
		t.Fatal("expected abstention on model error")
	}

	// A later retry must reach the model again: failures are not memoized.
	completer.mu.Lock()
	completer.err = nil
	completer.content = `{"result": "clean", "reason": "fine", "confidence": 0.9}`
	completer.mu.Unlock()

	retry := chk.Check(context.Background(), aiRequest("this is a long enough message to check"))
	if retry.Abstained {
		t.Fatalf("retry abstained: %s", retry.Details)
	}
	if completer.callCount() != 2 {
		t.Errorf("model called %d times, want 2", completer.callCount())
	}
}
