package escalation

import (
	"context"
	"fmt"
	"strings"

	slacklib "github.com/slack-go/slack"

	"github.com/gosuda/bastion/internal/domain"
)

// SlackAPI abstracts the subset of the Slack client used by SlackSink.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// SlackSink alerts a channel about threats at or above MinSeverity.
type SlackSink struct {
	api         SlackAPI
	channel     string
	minSeverity domain.Severity
}

func NewSlackSink(api SlackAPI, channel string, minSeverity domain.Severity) *SlackSink {
	if minSeverity == "" {
		minSeverity = domain.SeverityHigh
	}
	return &SlackSink{api: api, channel: channel, minSeverity: minSeverity}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, t *Threat) error {
	if t.Severity.Rank() < s.minSeverity.Rank() {
		return nil
	}

	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slacklib.MsgOptionText(summary(t), false),
		slacklib.MsgOptionBlocks(BuildThreatBlocks(t)...),
	)
	if err != nil {
		return fmt.Errorf("escalation.SlackSink.Send: %w", err)
	}
	return nil
}

// BuildThreatBlocks builds the Block Kit layout for a threat alert.
func BuildThreatBlocks(t *Threat) []slacklib.Block {
	header := slacklib.NewSectionBlock(
		slacklib.NewTextBlockObject(slacklib.MarkdownType, "*"+summary(t)+"*", false, false),
		nil,
		nil,
	)

	fields := []*slacklib.TextBlockObject{
		slacklib.NewTextBlockObject(slacklib.MarkdownType, "*Identity:*\n`"+t.SourceIdentity+"`", false, false),
		slacklib.NewTextBlockObject(slacklib.MarkdownType, "*Severity:*\n"+string(t.Severity), false, false),
		slacklib.NewTextBlockObject(slacklib.MarkdownType, fmt.Sprintf("*Confidence:*\n%.2f", t.Confidence), false, false),
	}
	if len(t.Indicators) > 0 {
		fields = append(fields, slacklib.NewTextBlockObject(slacklib.MarkdownType, "*Indicators:*\n"+strings.Join(t.Indicators, ", "), false, false))
	}
	body := slacklib.NewSectionBlock(nil, fields, nil)

	return []slacklib.Block{header, body}
}

func summary(t *Threat) string {
	return fmt.Sprintf("[%s] %s from %s", strings.ToUpper(string(t.Severity)), t.Type, t.SourceIdentity)
}
