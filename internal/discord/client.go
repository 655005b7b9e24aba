// Package discord delivers alerts as Discord channel messages through the
// REST API. Recipients are channel IDs.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rewired-gh/polyalert/internal/dispatch"
	"github.com/rewired-gh/polyalert/internal/models"
)

const (
	colorNewMarket = 0x2ecc71
	colorLiquidity = 0x3498db

	maxDescription = 4096
	maxTitle       = 256
)

// Client is a Discord sink authenticated as a bot.
type Client struct {
	apiURL string
	token  string
	http   *http.Client
}

type messagePayload struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewClient creates a Discord client against apiURL, e.g.
// https://discord.com/api/v10.
func NewClient(apiURL, botToken string, timeout time.Duration) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  botToken,
		http:   &http.Client{Timeout: timeout},
	}
}

// Send posts msg as an embed to the channel identified by recipient.
func (c *Client) Send(ctx context.Context, recipient string, msg dispatch.Message) error {
	if recipient == "" || strings.ContainsAny(recipient, "/?#") {
		return fmt.Errorf("%w: bad channel ID %q", models.ErrRecipientInvalid, recipient)
	}

	body, err := json.Marshal(messagePayload{Embeds: []embed{toEmbed(msg, time.Now())}})
	if err != nil {
		return fmt.Errorf("failed to marshal Discord payload: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", c.apiURL, recipient)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrChannelUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrChannelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return classify(resp)
}

// classify maps a non-2xx response onto the delivery error taxonomy. A
// missing or forbidden channel is the recipient's problem; everything else,
// including a rejected token, is ours.
func classify(resp *http.Response) error {
	var apiErr apiError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: discord status %d: %s", models.ErrRecipientInvalid, resp.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("%w: discord status %d: %s", models.ErrChannelUnavailable, resp.StatusCode, apiErr.Message)
}

func toEmbed(msg dispatch.Message, now time.Time) embed {
	e := embed{
		Title:       msg.Title,
		Description: strings.Join(msg.Lines, "\n"),
		URL:         msg.URL,
		Color:       colorLiquidity,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	if msg.Kind == models.KindNewMarket {
		e.Color = colorNewMarket
	}
	e.Title = truncate(e.Title, maxTitle)
	e.Description = truncate(e.Description, maxDescription)
	return e
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
