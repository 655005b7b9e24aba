package dispatch

import (
	"fmt"
	"strings"

	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/shopspring/decimal"
)

const maxDescriptionLen = 280

// Message is a rendered alert. Sinks choose how to lay out Title, Lines and
// URL for their platform; the numeric fields are kept for structured
// consumers.
type Message struct {
	Kind      models.SubscriptionKind
	MarketID  string
	Liquidity decimal.Decimal
	Threshold decimal.Decimal

	Title string
	Lines []string
	URL   string
}

// Text joins the message into plain text.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Lines)+2)
	parts = append(parts, m.Title)
	parts = append(parts, m.Lines...)
	if m.URL != "" {
		parts = append(parts, m.URL)
	}
	return strings.Join(parts, "\n")
}

// Render turns an alert event into a message.
func Render(e models.AlertEvent) Message {
	p := e.Payload
	msg := Message{
		Kind:      e.Kind,
		MarketID:  p.MarketID,
		Liquidity: p.Liquidity,
		Threshold: p.Threshold,
	}
	if p.Slug != "" {
		msg.URL = "https://polymarket.com/market/" + p.Slug
	}

	question := p.Question
	if question == "" {
		question = "Market " + p.MarketID
	}

	switch e.Kind {
	case models.KindNewMarket:
		msg.Title = "🆕 New market: " + question
		if d := strings.TrimSpace(p.Description); d != "" {
			msg.Lines = append(msg.Lines, truncate(d, maxDescriptionLen))
		}
		if !p.EndDate.IsZero() {
			msg.Lines = append(msg.Lines, "Ends: "+p.EndDate.UTC().Format("2006-01-02 15:04 MST"))
		}
		if prices := formatOutcomes(p.Outcomes, p.OutcomePrices); prices != "" {
			msg.Lines = append(msg.Lines, "Outcomes: "+prices)
		}
		msg.Lines = append(msg.Lines, "Liquidity: $"+p.Liquidity.StringFixed(2))
	case models.KindLiquidityThreshold:
		msg.Title = "💧 Liquidity alert: " + question
		msg.Lines = append(msg.Lines, fmt.Sprintf("Liquidity rose from $%s to $%s, reaching your threshold of $%s.",
			p.PriorLiquidity.StringFixed(2), p.Liquidity.StringFixed(2), p.Threshold.StringFixed(2)))
	default:
		msg.Title = "Alert: " + question
	}
	msg.Lines = append(msg.Lines, "Market ID: "+p.MarketID)
	return msg
}

func formatOutcomes(outcomes, prices []string) string {
	if len(outcomes) == 0 || len(outcomes) != len(prices) {
		return ""
	}
	parts := make([]string, len(outcomes))
	for i := range outcomes {
		parts[i] = outcomes[i] + " " + prices[i]
	}
	return strings.Join(parts, " | ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
