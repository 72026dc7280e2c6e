package ingest

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAT SOURCE - message stream from the signal channels
// ═══════════════════════════════════════════════════════════════════════════════

// Message is one inbound chat message.
type Message struct {
	ChannelID   int64
	ChannelName string
	MessageID   int
	Timestamp   time.Time
	Text        string
}

// ChatSource streams messages from the configured channels.
type ChatSource interface {
	Messages(ctx context.Context) (<-chan Message, error)
}

// TelegramSource adapts the bot API long-poll stream, keeping only
// channel posts from the configured source channels.
type TelegramSource struct {
	bot      *tgbotapi.BotAPI
	channels map[int64]bool
}

func NewTelegramSource(bot *tgbotapi.BotAPI, channelIDs []int64) *TelegramSource {
	channels := make(map[int64]bool, len(channelIDs))
	for _, id := range channelIDs {
		channels[id] = true
	}
	return &TelegramSource{bot: bot, channels: channels}
}

// Messages starts the long poll and streams filtered channel posts.
func (s *TelegramSource) Messages(ctx context.Context) (<-chan Message, error) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	cfg.AllowedUpdates = []string{"channel_post", "message"}
	updates := s.bot.GetUpdatesChan(cfg)

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				s.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := update.ChannelPost
				if msg == nil {
					msg = update.Message
				}
				if msg == nil || msg.Text == "" {
					continue
				}
				if len(s.channels) > 0 && !s.channels[msg.Chat.ID] {
					continue
				}
				out <- Message{
					ChannelID:   msg.Chat.ID,
					ChannelName: msg.Chat.Title,
					MessageID:   msg.MessageID,
					Timestamp:   msg.Time(),
					Text:        msg.Text,
				}
			}
		}
	}()

	log.Info().Int("channels", len(s.channels)).Msg("📡 Telegram source listening")
	return out, nil
}
