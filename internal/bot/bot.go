// Package bot is the thin Telegram adapter around the pipeline: it turns
// group messages into check requests, applies verdicts, and exposes the
// moderator commands. All moderation decisions live in the coordinator.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/classifier"
	"github.com/xaenox/sentinel-bot/internal/coordinator"
	"github.com/xaenox/sentinel-bot/internal/models"
	"github.com/xaenox/sentinel-bot/internal/recommend"
	"github.com/xaenox/sentinel-bot/internal/storage"
)

// adminCacheTTL bounds how long a chat's administrator list is reused.
const adminCacheTTL = 10 * time.Minute

type adminEntry struct {
	ids       map[int64]bool
	expiresAt time.Time
}

type Bot struct {
	api         *tgbotapi.BotAPI
	coordinator *coordinator.Coordinator
	store       storage.Storage
	classifier  *classifier.Bayes
	engine      *recommend.Engine
	logger      *zap.Logger

	evalTimeout time.Duration
	trusted     map[int64]bool

	mu     sync.Mutex
	admins map[int64]adminEntry
}

func New(token string, coord *coordinator.Coordinator, store storage.Storage, clf *classifier.Bayes, engine *recommend.Engine, trustedUserIDs []int64, evalTimeout time.Duration, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	trusted := make(map[int64]bool, len(trustedUserIDs))
	for _, id := range trustedUserIDs {
		trusted[id] = true
	}

	return &Bot{
		api:         api,
		coordinator: coord,
		store:       store,
		classifier:  clf,
		engine:      engine,
		logger:      logger,
		evalTimeout: evalTimeout,
		trusted:     trusted,
		admins:      make(map[int64]adminEntry),
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || !(message.Chat.IsGroup() || message.Chat.IsSuperGroup()) {
		return
	}

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	// Get content from message
	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}

	req := &models.CheckRequest{
		MessageID:          int64(message.MessageID),
		ChatID:             message.Chat.ID,
		UserID:             message.From.ID,
		UserName:           message.From.UserName,
		Text:               content,
		ReplyToChannelPost: isChannelReply(message),
		IsAdmin:            b.isAdmin(message.Chat.ID, message.From.ID),
		IsTrusted:          b.trusted[message.From.ID],
	}

	evalCtx, cancel := context.WithTimeout(ctx, b.evalTimeout)
	defer cancel()

	verdict, err := b.coordinator.Evaluate(evalCtx, req)
	if err != nil {
		b.logger.Error("Failed to evaluate message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID),
			zap.Int("message_id", message.MessageID))
		return
	}

	switch verdict.Verdict {
	case models.VerdictAutoBan:
		b.deleteMessage(message.Chat.ID, message.MessageID)
		b.banUser(message.Chat.ID, message.From.ID)
		b.collectSample(ctx, content, verdict)
	case models.VerdictSpam:
		b.deleteMessage(message.Chat.ID, message.MessageID)
		b.collectSample(ctx, content, verdict)
	case models.VerdictReview:
		b.logger.Warn("Message needs review",
			zap.Int64("chat_id", message.Chat.ID),
			zap.Int("message_id", message.MessageID),
			zap.Int64("user_id", message.From.ID),
			zap.Float64("total_score", verdict.TotalScore))
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	if !b.isAdmin(message.Chat.ID, message.From.ID) {
		return
	}

	switch message.Command() {
	case "spam":
		b.handleLabel(ctx, message, true)
	case "ham":
		b.handleLabel(ctx, message, false)
	case "retrain":
		b.handleRetrain(ctx, message)
	case "recommend":
		b.handleRecommend(ctx, message)
	case "approve":
		b.handleReview(ctx, message, true)
	case "reject":
		b.handleReview(ctx, message, false)
	}
}

// handleLabel records a moderator's spam/ham label for the replied-to
// message and files it as a manual training sample.
func (b *Bot) handleLabel(ctx context.Context, message *tgbotapi.Message, spam bool) {
	target := message.ReplyToMessage
	if target == nil {
		b.sendReply(message, "Reply to the message you want to label.")
		return
	}

	if err := b.store.MarkReviewed(ctx, message.Chat.ID, int64(target.MessageID), spam, message.From.UserName); err != nil {
		b.logger.Warn("Failed to mark detection reviewed",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID),
			zap.Int("message_id", target.MessageID))
	}

	content := target.Text
	if target.Caption != "" {
		content = target.Caption
	}
	if strings.TrimSpace(content) != "" {
		sample := &models.TrainingSample{
			Text:       content,
			Spam:       spam,
			Source:     models.SampleManual,
			Confidence: 1.0,
		}
		if err := b.store.AddSample(ctx, sample); err != nil {
			b.logger.Error("Failed to save training sample", zap.Error(err))
		}
	}

	if spam {
		b.deleteMessage(message.Chat.ID, target.MessageID)
		b.sendReply(message, "Labeled as spam and removed.")
	} else {
		b.sendReply(message, "Labeled as ham.")
	}
}

func (b *Bot) handleRetrain(ctx context.Context, message *tgbotapi.Message) {
	if err := b.classifier.Train(ctx); err != nil {
		b.sendReply(message, "Training failed: "+err.Error())
		return
	}
	b.sendReply(message, "Classifier retrained.")
}

func (b *Bot) handleRecommend(ctx context.Context, message *tgbotapi.Message) {
	recommendations, err := b.engine.Run(ctx, 7*24*time.Hour)
	if err != nil {
		b.sendReply(message, "Recommendation run failed: "+err.Error())
		return
	}
	if len(recommendations) == 0 {
		b.sendReply(message, "No threshold changes recommended.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Pending recommendations:\n")
	for _, rec := range recommendations {
		fmt.Fprintf(&sb, "%s: %s %.3f -> %.3f (veto rate %.0f%% -> %.0f%%)\n",
			rec.ID, rec.Algorithm, rec.CurrentThreshold, rec.RecommendedThreshold,
			rec.CurrentVetoRate*100, rec.EstimatedVetoRate*100)
	}
	sb.WriteString("Use /approve <id> or /reject <id>.")
	b.sendReply(message, sb.String())
}

func (b *Bot) handleReview(ctx context.Context, message *tgbotapi.Message, approve bool) {
	args := strings.Fields(message.CommandArguments())
	if len(args) == 0 {
		b.sendReply(message, "Usage: /approve <id> [notes] or /reject <id> [notes]")
		return
	}
	id := args[0]
	notes := strings.Join(args[1:], " ")

	var err error
	if approve {
		err = b.engine.Approve(ctx, id, message.From.UserName, notes)
	} else {
		err = b.engine.Reject(ctx, id, message.From.UserName, notes)
	}
	if err != nil {
		b.sendReply(message, "Failed: "+err.Error())
		return
	}

	if approve {
		// New thresholds take effect on the next config read.
		b.coordinator.InvalidateThresholds(-1)
		b.sendReply(message, "Recommendation approved and applied.")
	} else {
		b.sendReply(message, "Recommendation rejected.")
	}
}

// collectSample feeds decisive spam verdicts back into the training set.
func (b *Bot) collectSample(ctx context.Context, content string, verdict *models.AggregateVerdict) {
	if strings.TrimSpace(content) == "" {
		return
	}

	confidence := verdict.TotalScore / 10
	if confidence > 1 {
		confidence = 1
	}
	sample := &models.TrainingSample{
		Text:       content,
		Spam:       true,
		Source:     models.SampleAutoCollected,
		Confidence: confidence,
	}
	if err := b.store.AddSample(ctx, sample); err != nil {
		b.logger.Error("Failed to save training sample", zap.Error(err))
	}
}

// isChannelReply reports whether the message replies to a channel post
// forwarded into the discussion group.
func isChannelReply(message *tgbotapi.Message) bool {
	reply := message.ReplyToMessage
	return reply != nil && reply.SenderChat != nil && reply.SenderChat.Type == "channel"
}

func (b *Bot) isAdmin(chatID, userID int64) bool {
	b.mu.Lock()
	entry, ok := b.admins[chatID]
	b.mu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		entry = b.fetchAdmins(chatID)
		b.mu.Lock()
		b.admins[chatID] = entry
		b.mu.Unlock()
	}

	return entry.ids[userID]
}

func (b *Bot) fetchAdmins(chatID int64) adminEntry {
	entry := adminEntry{
		ids:       make(map[int64]bool),
		expiresAt: time.Now().Add(adminCacheTTL),
	}

	admins, err := b.api.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		b.logger.Warn("Failed to fetch chat administrators",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
		// Cache the empty set briefly rather than hammering the API.
		entry.expiresAt = time.Now().Add(time.Minute)
		return entry
	}

	for _, admin := range admins {
		entry.ids[admin.User.ID] = true
	}
	return entry
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Error("Failed to delete message",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", messageID))
	}
}

func (b *Bot) banUser(chatID, userID int64) {
	ban := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: chatID,
			UserID: userID,
		},
	}
	if _, err := b.api.Request(ban); err != nil {
		b.logger.Error("Failed to ban user",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
	}
}

func (b *Bot) sendReply(to *tgbotapi.Message, text string) {
	msg := tgbotapi.NewMessage(to.Chat.ID, text)
	msg.ReplyToMessageID = to.MessageID
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", to.Chat.ID))
	}
}
