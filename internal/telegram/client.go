// Package telegram delivers alerts through the Telegram Bot API and serves
// subscription commands sent to the bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/polyalert/internal/command"
	"github.com/rewired-gh/polyalert/internal/dispatch"
	"github.com/rewired-gh/polyalert/internal/models"
)

// Commands is the subscription service behind the bot commands.
type Commands interface {
	Subscribe(ctx context.Context, req command.Request) (models.Subscription, error)
	Unsubscribe(ctx context.Context, key models.SubscriptionKey) error
	List(ctx context.Context, userID string) ([]models.Subscription, error)
}

// Client is a Telegram sink. Recipients are chat IDs.
type Client struct {
	bot *tgbotapi.BotAPI
}

// NewClient creates a new Telegram client.
func NewClient(botToken string) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return &Client{bot: bot}, nil
}

// NewClientWithEndpoint creates a client against a custom Bot API endpoint,
// formatted like tgbotapi.APIEndpoint.
func NewClientWithEndpoint(botToken, endpoint string, httpClient *http.Client) (*Client, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return &Client{bot: bot}, nil
}

// Send delivers msg to the chat identified by recipient as MarkdownV2.
func (c *Client) Send(ctx context.Context, recipient string, msg dispatch.Message) error {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: chat ID %q is not numeric", models.ErrRecipientInvalid, recipient)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrChannelUnavailable, err)
	}

	out := tgbotapi.NewMessage(chatID, formatMessage(msg))
	out.ParseMode = tgbotapi.ModeMarkdownV2
	out.DisableWebPagePreview = true

	if _, err := c.bot.Send(out); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps Bot API failures onto the delivery error taxonomy.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		desc := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %s", models.ErrRecipientInvalid, apiErr.Message)
		case apiErr.Code == http.StatusBadRequest &&
			(strings.Contains(desc, "chat not found") || strings.Contains(desc, "user not found") ||
				strings.Contains(desc, "peer_id_invalid")):
			return fmt.Errorf("%w: %s", models.ErrRecipientInvalid, apiErr.Message)
		}
		return fmt.Errorf("%w: telegram api error %d: %s", models.ErrChannelUnavailable, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: %w", models.ErrChannelUnavailable, err)
}

// formatMessage lays out a message in MarkdownV2.
func formatMessage(msg dispatch.Message) string {
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(escapeMarkdownV2(msg.Title))
	b.WriteString("*\n")
	for _, line := range msg.Lines {
		b.WriteString(escapeMarkdownV2(line))
		b.WriteString("\n")
	}
	if msg.URL != "" {
		fmt.Fprintf(&b, "[Open on Polymarket](%s)", escapeLinkURL(msg.URL))
	}
	return strings.TrimRight(b.String(), "\n")
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeLinkURL escapes the characters MarkdownV2 requires inside (...).
func escapeLinkURL(u string) string {
	return strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(u)
}
