package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramListener watches Telegram channels the bot is a member of and feeds
// every post into the capture sink. Routing, binding checks and storage all
// happen downstream; this listener only translates transport updates.
type TelegramListener struct {
	token  string
	sink   Sink
	logger *slog.Logger
	bot    *tgbotapi.BotAPI
}

func NewTelegramListener(token string, sink Sink, logger *slog.Logger) *TelegramListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramListener{
		token:  token,
		sink:   sink,
		logger: logger,
	}
}

func (t *TelegramListener) Name() string {
	return "telegram"
}

func (t *TelegramListener) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram listener started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		u.AllowedUpdates = []string{"channel_post", "message"}
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramListener) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if msg := postFromUpdate(update); msg != nil {
				t.handlePost(ctx, msg)
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// postFromUpdate picks the message payload out of an update. Signal groups
// arrive as channel posts; supergroups deliver ordinary messages.
func postFromUpdate(update tgbotapi.Update) *tgbotapi.Message {
	if update.ChannelPost != nil {
		return update.ChannelPost
	}
	return update.Message
}

func (t *TelegramListener) handlePost(ctx context.Context, msg *tgbotapi.Message) {
	text := messageText(msg)
	if text == "" {
		return
	}
	channelID := ChannelIdentifier(msg.Chat.ID)
	t.sink.OnMessage(ctx, channelID, int64(msg.MessageID), text, msg.Time())
}

// messageText returns the usable text of a post. Media posts carry their text
// in the caption.
func messageText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// ChannelIdentifier renders a Telegram chat id as the opaque channel
// identifier stored on strategies.
func ChannelIdentifier(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
