package publish

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PUBLISHER - operator-facing messages
// ═══════════════════════════════════════════════════════════════════════════════
//
// The only outbound surface. Confirmations are emitted exclusively after
// the exchange acknowledged the orders; raw signal forwarding is forbidden.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TPLine is one take-profit row in the confirmation block.
type TPLine struct {
	Price        decimal.Decimal
	PctFromEntry decimal.Decimal
	Share        decimal.Decimal // fraction of planned quantity
}

// OrderConfirmation is the fixed outbound block for a placed entry.
type OrderConfirmation struct {
	BotOrderID       string
	ExchangeOrderIDs []string
	Symbol           string
	Side             string
	EntryPrice       decimal.Decimal
	SLPrice          decimal.Decimal
	Leverage         decimal.Decimal
	Quantity         decimal.Decimal
	SignalType       string
	TPs              []TPLine

	OrderAccepted  bool
	TPSLSet        bool
	PositionOpened bool
}

// Notifier is the outbound surface consumed by the pipeline stages.
type Notifier interface {
	SendConfirmation(oc OrderConfirmation)
	SendAlert(text string)
	SendText(text string)
}

// Publisher sends to the operator channel through the Telegram bot API.
type Publisher struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	dryRun bool
}

// New creates the publisher. A zero chat id disables sending.
func New(bot *tgbotapi.BotAPI, chatID int64, dryRun bool) *Publisher {
	return &Publisher{bot: bot, chatID: chatID, dryRun: dryRun}
}

// SendConfirmation publishes the post-acknowledgement order block.
func (p *Publisher) SendConfirmation(oc OrderConfirmation) {
	p.SendText(FormatConfirmation(oc))
}

// SendAlert publishes a compact operator alert.
func (p *Publisher) SendAlert(text string) {
	p.SendText("🚨 " + text)
}

// SendText delivers one message, best-effort.
func (p *Publisher) SendText(text string) {
	if p.chatID == 0 || p.bot == nil {
		return
	}
	if p.dryRun {
		log.Info().Str("text", text).Msg("📝 DRY RUN: message would be sent")
		return
	}
	msg := tgbotapi.NewMessage(p.chatID, text)
	if _, err := p.bot.Send(msg); err != nil {
		log.Warn().Err(err).Msg("⚠️ Operator message failed")
	}
}

// TPLines renders the ladder rows for a confirmation from the target
// prices, with the equal per-level share the ladder placement uses.
func TPLines(side string, entry decimal.Decimal, tps []decimal.Decimal) []TPLine {
	if len(tps) == 0 || entry.IsZero() {
		return nil
	}
	oneHundred := decimal.NewFromInt(100)
	share := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(tps)))).Round(4)
	lines := make([]TPLine, 0, len(tps))
	for _, tp := range tps {
		pct := tp.Sub(entry).Div(entry).Mul(oneHundred)
		if side == "SHORT" {
			pct = pct.Neg()
		}
		lines = append(lines, TPLine{Price: tp, PctFromEntry: pct, Share: share})
	}
	return lines
}

// FormatConfirmation renders the fixed confirmation template.
func FormatConfirmation(oc OrderConfirmation) string {
	var sb strings.Builder

	sb.WriteString("✅ ORDER CONFIRMED (sent after exchange confirmation)\n")
	sb.WriteString(fmt.Sprintf("Bot Order ID: %s\n", oc.BotOrderID))
	sb.WriteString(fmt.Sprintf("Exchange Order IDs: %s\n", strings.Join(oc.ExchangeOrderIDs, ", ")))
	sb.WriteString(fmt.Sprintf("Symbol: %s\n", oc.Symbol))
	sb.WriteString(fmt.Sprintf("Side: %s\n", oc.Side))
	sb.WriteString(fmt.Sprintf("Type: %s\n", oc.SignalType))
	sb.WriteString(fmt.Sprintf("Entry: %s\n", oc.EntryPrice.String()))
	sb.WriteString(fmt.Sprintf("Stop Loss: %s\n", oc.SLPrice.String()))
	sb.WriteString(fmt.Sprintf("Leverage: x%s\n", oc.Leverage.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("Quantity: %s\n", oc.Quantity.String()))

	for i, tp := range oc.TPs {
		sb.WriteString(fmt.Sprintf("TP%d: %s (%s%%, share %s)\n",
			i+1,
			tp.Price.String(),
			tp.PctFromEntry.StringFixed(2),
			tp.Share.StringFixed(2)))
	}

	sb.WriteString(fmt.Sprintf("order_accepted=%t tp_sl_set=%t position_opened=%t",
		oc.OrderAccepted, oc.TPSLSet, oc.PositionOpened))

	return sb.String()
}
