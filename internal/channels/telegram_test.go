package channels

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type recordingSink struct {
	channelID string
	messageID int64
	text      string
	calls     int
}

func (r *recordingSink) OnMessage(ctx context.Context, channelID string, messageID int64, text string, observedAt time.Time) {
	r.calls++
	r.channelID = channelID
	r.messageID = messageID
	r.text = text
}

func TestPostFromUpdate(t *testing.T) {
	post := &tgbotapi.Message{MessageID: 1}
	msg := &tgbotapi.Message{MessageID: 2}

	if got := postFromUpdate(tgbotapi.Update{ChannelPost: post}); got != post {
		t.Fatalf("channel post not preferred: %+v", got)
	}
	if got := postFromUpdate(tgbotapi.Update{Message: msg}); got != msg {
		t.Fatalf("message fallback broken: %+v", got)
	}
	// Channel post wins when both are somehow set.
	if got := postFromUpdate(tgbotapi.Update{ChannelPost: post, Message: msg}); got != post {
		t.Fatalf("precedence broken: %+v", got)
	}
	if got := postFromUpdate(tgbotapi.Update{}); got != nil {
		t.Fatalf("empty update: %+v", got)
	}
}

func TestMessageText_CaptionFallback(t *testing.T) {
	if got := messageText(&tgbotapi.Message{Text: "BUY EURUSD"}); got != "BUY EURUSD" {
		t.Fatalf("text = %q", got)
	}
	if got := messageText(&tgbotapi.Message{Caption: "chart attached, SELL GBPUSD"}); got != "chart attached, SELL GBPUSD" {
		t.Fatalf("caption = %q", got)
	}
	if got := messageText(&tgbotapi.Message{}); got != "" {
		t.Fatalf("empty message = %q", got)
	}
}

func TestChannelIdentifier(t *testing.T) {
	if got := ChannelIdentifier(-1001234567890); got != "-1001234567890" {
		t.Fatalf("identifier = %q", got)
	}
}

func TestHandlePost_SkipsEmptyPosts(t *testing.T) {
	sink := &recordingSink{}
	l := NewTelegramListener("", sink, nil)

	l.handlePost(context.Background(), &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: -100},
	})
	if sink.calls != 0 {
		t.Fatalf("empty post reached sink, calls = %d", sink.calls)
	}

	l.handlePost(context.Background(), &tgbotapi.Message{
		MessageID: 2,
		Chat:      &tgbotapi.Chat{ID: -100},
		Text:      "BUY EURUSD",
	})
	if sink.calls != 1 || sink.channelID != "-100" || sink.messageID != 2 || sink.text != "BUY EURUSD" {
		t.Fatalf("sink = %+v", sink)
	}
}
