package check

import (
	"context"

	"github.com/xaenox/sentinel-bot/internal/models"
)

// ChannelReply fires on replies to channel posts from unknown parties, a
// structural signal independent of the message text. Spam rings target
// channel discussion threads because they reach every subscriber.
type ChannelReply struct{}

func NewChannelReply() *ChannelReply { return &ChannelReply{} }

func (c *ChannelReply) Name() models.CheckName { return models.CheckChannelReply }
func (c *ChannelReply) Critical() bool         { return true }
func (c *ChannelReply) Veto() bool             { return false }

func (c *ChannelReply) ShouldExecute(req *models.CheckRequest) bool {
	return req.Thresholds.ChannelReply.Enabled && req.ReplyToChannelPost
}

func (c *ChannelReply) Check(ctx context.Context, req *models.CheckRequest) models.CheckResult {
	return models.CheckResult{
		Check:      c.Name(),
		Score:      clampScore(req.Thresholds.ChannelReply.Score),
		Confidence: 1.0,
		Details:    "reply to a channel post from an unknown party",
	}
}
