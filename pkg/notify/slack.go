// Package notify posts operator notifications for task lifecycle events to
// Slack. Nil-safe: every method is a no-op on a nil service, so callers never
// branch on whether notifications are configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/GaryChine-byte/phonefleet/pkg/models"
)

// postTimeout bounds one chat.postMessage call.
const postTimeout = 10 * time.Second

// Service posts task notifications to a Slack channel.
type Service struct {
	api     *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewService creates a notification service. Returns nil when token or
// channel is empty (notifications disabled).
func NewService(token, channel string) *Service {
	if token == "" || channel == "" {
		return nil
	}
	return &Service{
		api:     goslack.New(token),
		channel: channel,
		logger:  slog.With("component", "notify"),
	}
}

// NewServiceWithAPIURL targets a custom API URL. Test hook.
func NewServiceWithAPIURL(token, channel, apiURL string) *Service {
	return &Service{
		api:     goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channel: channel,
		logger:  slog.With("component", "notify"),
	}
}

// TaskFinished posts a terminal-transition notification. Fail-open: errors
// are logged, never returned.
func (s *Service) TaskFinished(ctx context.Context, task *models.Task) {
	if s == nil {
		return
	}

	emoji := map[models.TaskStatus]string{
		models.TaskCompleted: ":white_check_mark:",
		models.TaskFailed:    ":x:",
		models.TaskCancelled: ":no_entry_sign:",
	}[task.Status]

	header := fmt.Sprintf("%s Task %s %s", emoji, task.ID, task.Status)
	body := fmt.Sprintf("*Instruction:* %s\n*Device:* %s\n*Steps:* %d\n*Tokens:* %d",
		task.Instruction, task.DeviceID, len(task.Steps), task.Tokens.TotalTokens)
	if task.Result != "" {
		body += "\n*Result:* " + task.Result
	}
	if task.Error != "" {
		body += "\n*Error:* " + task.Error
	}

	blocks := []goslack.Block{
		goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, header, false, false)),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false), nil, nil),
	}

	pctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()
	if _, _, err := s.api.PostMessageContext(pctx, s.channel, goslack.MsgOptionBlocks(blocks...)); err != nil {
		s.logger.Warn("Slack notification failed", "task_id", task.ID, "error", err)
	}
}
