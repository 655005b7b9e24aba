package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rewired-gh/polyalert/internal/command"
	"github.com/rewired-gh/polyalert/internal/dispatch"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{`back\slash`, `back\\slash`},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatMessage(t *testing.T) {
	got := formatMessage(dispatch.Message{
		Title: "🆕 New market: Will it rain?",
		Lines: []string{"Liquidity: $10.00"},
		URL:   "https://polymarket.com/market/will-it-rain",
	})
	want := "*🆕 New market: Will it rain?*\n" +
		"Liquidity: $10\\.00\n" +
		"[Open on Polymarket](https://polymarket.com/market/will-it-rain)"
	assert.Equal(t, want, got)
}

type sentMessage struct {
	chatID    string
	text      string
	parseMode string
}

type botServer struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (b *botServer) messages() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.sent...)
}

// newTestClient starts a fake Bot API. Chat IDs select the response:
// 403 blocked, 400 chat not found, 401 bad markup, 429 rate limited,
// 500 returns a non-JSON body. Any other chat succeeds.
func newTestClient(t *testing.T) (*Client, *botServer, *httptest.Server) {
	t.Helper()
	bs := &botServer{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Alerts","username":"alerts_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			if err := r.ParseForm(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			chatID := r.FormValue("chat_id")
			bs.mu.Lock()
			bs.sent = append(bs.sent, sentMessage{chatID: chatID, text: r.FormValue("text"), parseMode: r.FormValue("parse_mode")})
			bs.mu.Unlock()

			switch chatID {
			case "403":
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprint(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
			case "400":
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
			case "401":
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
			case "429":
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`)
			case "500":
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `<html>bad gateway</html>`)
			default:
				fmt.Fprintf(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":%s,"type":"private"},"text":"ok"}}`, chatID)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	client, err := NewClientWithEndpoint("TEST-TOKEN", server.URL+"/bot%s/%s", server.Client())
	require.NoError(t, err)
	return client, bs, server
}

func TestSend(t *testing.T) {
	client, bs, _ := newTestClient(t)

	err := client.Send(context.Background(), "12345", dispatch.Message{Title: "Hello.", Lines: []string{"a-b"}})
	require.NoError(t, err)

	sent := bs.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "12345", sent[0].chatID)
	assert.Equal(t, "MarkdownV2", sent[0].parseMode)
	assert.Equal(t, "*Hello\\.*\na\\-b", sent[0].text)
}

func TestSend_ErrorClassification(t *testing.T) {
	client, _, _ := newTestClient(t)

	tests := []struct {
		recipient string
		wantErr   error
	}{
		{"403", models.ErrRecipientInvalid},
		{"400", models.ErrRecipientInvalid},
		{"401", models.ErrChannelUnavailable},
		{"429", models.ErrChannelUnavailable},
		{"500", models.ErrChannelUnavailable},
		{"@channelname", models.ErrRecipientInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.recipient, func(t *testing.T) {
			err := client.Send(context.Background(), tt.recipient, dispatch.Message{Title: "x"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSend_Unreachable(t *testing.T) {
	client, _, server := newTestClient(t)
	server.Close()

	err := client.Send(context.Background(), "1", dispatch.Message{Title: "x"})
	assert.ErrorIs(t, err, models.ErrChannelUnavailable)
}

func TestSend_CancelledContext(t *testing.T) {
	client, bs, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Send(ctx, "1", dispatch.Message{Title: "x"})
	assert.ErrorIs(t, err, models.ErrChannelUnavailable)
	assert.Empty(t, bs.messages())
}

type fakeCommands struct {
	subscribed   []command.Request
	unsubscribed []models.SubscriptionKey
	subs         []models.Subscription
	err          error
}

func (f *fakeCommands) Subscribe(_ context.Context, req command.Request) (models.Subscription, error) {
	if f.err != nil {
		return models.Subscription{}, f.err
	}
	f.subscribed = append(f.subscribed, req)
	return models.Subscription{UserID: req.UserID, Channel: req.Channel, Kind: req.Kind, MarketID: req.MarketID, Threshold: req.Threshold}, nil
}

func (f *fakeCommands) Unsubscribe(_ context.Context, key models.SubscriptionKey) error {
	if f.err != nil {
		return f.err
	}
	f.unsubscribed = append(f.unsubscribed, key)
	return nil
}

func (f *fakeCommands) List(context.Context, string) ([]models.Subscription, error) {
	return f.subs, f.err
}

func TestRespond(t *testing.T) {
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		assert.Equal(t, "Pong", Respond(ctx, &fakeCommands{}, "1", "ping", ""))
	})

	t.Run("start shows help", func(t *testing.T) {
		assert.Contains(t, Respond(ctx, &fakeCommands{}, "1", "start", ""), "/watch")
	})

	t.Run("subscribe", func(t *testing.T) {
		f := &fakeCommands{}
		reply := Respond(ctx, f, "99", "subscribe", "")
		assert.Contains(t, reply, "Subscribed")
		require.Len(t, f.subscribed, 1)
		assert.Equal(t, command.Request{UserID: "99", Channel: models.ChannelTelegram, Kind: models.KindNewMarket}, f.subscribed[0])
	})

	t.Run("subscribe twice", func(t *testing.T) {
		f := &fakeCommands{err: fmt.Errorf("%w: key", models.ErrDuplicateSubscription)}
		assert.Contains(t, Respond(ctx, f, "99", "subscribe", ""), "already subscribed")
	})

	t.Run("watch", func(t *testing.T) {
		f := &fakeCommands{}
		reply := Respond(ctx, f, "99", "watch", "512001 $2,500")
		assert.Equal(t, "Watching market 512001. You will be alerted when liquidity reaches $2500.", reply)
		require.Len(t, f.subscribed, 1)
		assert.Equal(t, models.KindLiquidityThreshold, f.subscribed[0].Kind)
		assert.True(t, f.subscribed[0].Threshold.Equal(decimal.NewFromInt(2500)))
	})

	t.Run("watch usage", func(t *testing.T) {
		assert.Contains(t, Respond(ctx, &fakeCommands{}, "99", "watch", "512001"), "Usage")
	})

	t.Run("watch bad threshold", func(t *testing.T) {
		f := &fakeCommands{}
		assert.Equal(t, "Invalid request: threshold must be positive", Respond(ctx, f, "99", "watch", "512001 -3"))
		assert.Empty(t, f.subscribed)
	})

	t.Run("watch closed market", func(t *testing.T) {
		f := &fakeCommands{err: fmt.Errorf("%w: %w: m", models.ErrInvalidSubscriptionRequest, models.ErrMarketClosed)}
		assert.Equal(t, "That market is closed.", Respond(ctx, f, "99", "watch", "m 10"))
	})

	t.Run("unwatch not found", func(t *testing.T) {
		f := &fakeCommands{err: models.ErrNotFound}
		assert.Equal(t, "You are not watching market m1.", Respond(ctx, f, "99", "unwatch", "m1"))
	})

	t.Run("unwatch", func(t *testing.T) {
		f := &fakeCommands{}
		Respond(ctx, f, "99", "unwatch", "m1")
		require.Len(t, f.unsubscribed, 1)
		assert.Equal(t, "m1", f.unsubscribed[0].MarketID)
		assert.Equal(t, models.KindLiquidityThreshold, f.unsubscribed[0].Kind)
	})

	t.Run("list", func(t *testing.T) {
		f := &fakeCommands{subs: []models.Subscription{
			{UserID: "99", Channel: models.ChannelTelegram, Kind: models.KindNewMarket},
			{UserID: "99", Channel: models.ChannelTelegram, Kind: models.KindLiquidityThreshold, MarketID: "m1", Threshold: decimal.NewFromInt(100)},
			{UserID: "99", Channel: models.ChannelDiscord, Kind: models.KindNewMarket},
		}}
		assert.Equal(t, "Your subscriptions:\n• New markets\n• Market m1 liquidity ≥ $100", Respond(ctx, f, "99", "list", ""))
	})

	t.Run("list empty", func(t *testing.T) {
		assert.Equal(t, "You have no subscriptions.", Respond(ctx, &fakeCommands{}, "99", "list", ""))
	})

	t.Run("storage failure is hidden", func(t *testing.T) {
		f := &fakeCommands{err: errors.Join(models.ErrStorageFailure, errors.New("disk I/O error"))}
		assert.Equal(t, "Something went wrong, please try again later.", Respond(ctx, f, "99", "list", ""))
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Contains(t, Respond(ctx, &fakeCommands{}, "99", "frobnicate", ""), "Unknown command")
	})
}
