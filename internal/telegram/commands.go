package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/polyalert/internal/command"
	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/models"
)

const helpText = `Polymarket alerts bot

/subscribe - alert me about every new market
/unsubscribe - stop new market alerts
/watch <market id> <liquidity> - alert me when a market's liquidity reaches a threshold
/unwatch <market id> - stop a liquidity alert
/list - show my subscriptions
/ping - check the bot is alive`

// ListenForCommands starts a goroutine that polls for Telegram updates and
// handles bot commands. It returns immediately; the goroutine stops when ctx
// is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, cmds Commands) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(ctx, cmds, update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, cmds Commands, msg *tgbotapi.Message) {
	text := Respond(ctx, cmds, strconv.FormatInt(msg.Chat.ID, 10), msg.Command(), msg.CommandArguments())
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	if _, err := c.bot.Send(reply); err != nil {
		logger.Warn("Failed to reply to /%s in chat %d: %v", msg.Command(), msg.Chat.ID, err)
	}
}

// Respond executes one bot command for chatID and returns the plain-text
// reply.
func Respond(ctx context.Context, cmds Commands, chatID, cmd, args string) string {
	fields := strings.Fields(args)

	switch cmd {
	case "start", "help":
		return helpText

	case "ping":
		return "Pong"

	case "subscribe":
		_, err := cmds.Subscribe(ctx, command.Request{
			UserID:  chatID,
			Channel: models.ChannelTelegram,
			Kind:    models.KindNewMarket,
		})
		if errors.Is(err, models.ErrDuplicateSubscription) {
			return "You are already subscribed to new market alerts."
		}
		if err != nil {
			return failure(err)
		}
		return "Subscribed. You will be alerted about new markets."

	case "unsubscribe":
		err := cmds.Unsubscribe(ctx, models.SubscriptionKey{
			UserID:  chatID,
			Channel: models.ChannelTelegram,
			Kind:    models.KindNewMarket,
		})
		if errors.Is(err, models.ErrNotFound) {
			return "You are not subscribed to new market alerts."
		}
		if err != nil {
			return failure(err)
		}
		return "Unsubscribed from new market alerts."

	case "watch":
		if len(fields) != 2 {
			return "Usage: /watch <market id> <liquidity>"
		}
		threshold, err := command.ParseThreshold(fields[1])
		if err != nil {
			return failure(err)
		}
		sub, err := cmds.Subscribe(ctx, command.Request{
			UserID:    chatID,
			Channel:   models.ChannelTelegram,
			Kind:      models.KindLiquidityThreshold,
			MarketID:  fields[0],
			Threshold: threshold,
		})
		if errors.Is(err, models.ErrDuplicateSubscription) {
			return fmt.Sprintf("You are already watching market %s. Use /unwatch first to change the threshold.", fields[0])
		}
		if err != nil {
			return failure(err)
		}
		return fmt.Sprintf("Watching market %s. You will be alerted when liquidity reaches $%s.", sub.MarketID, sub.Threshold.String())

	case "unwatch":
		if len(fields) != 1 {
			return "Usage: /unwatch <market id>"
		}
		err := cmds.Unsubscribe(ctx, models.SubscriptionKey{
			UserID:   chatID,
			Channel:  models.ChannelTelegram,
			Kind:     models.KindLiquidityThreshold,
			MarketID: fields[0],
		})
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Sprintf("You are not watching market %s.", fields[0])
		}
		if err != nil {
			return failure(err)
		}
		return fmt.Sprintf("Stopped watching market %s.", fields[0])

	case "list":
		subs, err := cmds.List(ctx, chatID)
		if err != nil {
			return failure(err)
		}
		return formatSubscriptions(subs)
	}

	return "Unknown command. Send /help for the list of commands."
}

func failure(err error) string {
	switch {
	case errors.Is(err, models.ErrMarketClosed):
		return "That market is closed."
	case errors.Is(err, models.ErrUnknownMarket):
		return "Unknown market ID."
	case errors.Is(err, models.ErrInvalidSubscriptionRequest):
		return "Invalid request: " + strings.TrimPrefix(err.Error(), models.ErrInvalidSubscriptionRequest.Error()+": ")
	}
	logger.Error("Command failed: %v", err)
	return "Something went wrong, please try again later."
}

func formatSubscriptions(subs []models.Subscription) string {
	var telegramSubs []models.Subscription
	for _, s := range subs {
		if s.Channel == models.ChannelTelegram {
			telegramSubs = append(telegramSubs, s)
		}
	}
	if len(telegramSubs) == 0 {
		return "You have no subscriptions."
	}

	var b strings.Builder
	b.WriteString("Your subscriptions:")
	for _, s := range telegramSubs {
		switch s.Kind {
		case models.KindNewMarket:
			b.WriteString("\n• New markets")
		case models.KindLiquidityThreshold:
			fmt.Fprintf(&b, "\n• Market %s liquidity ≥ $%s", s.MarketID, s.Threshold.String())
		}
	}
	return b.String()
}
