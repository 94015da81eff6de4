// Package audit keeps an append-only JSONL trail of pipeline lifecycle
// events: strategy mutations, capture transitions and terminal signals.
// The trail is what an operator reads after the fact to answer "when did
// capture stop" or "which strategy produced this signal".
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/signalpipe/internal/bus"
	"github.com/basket/signalpipe/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Topic     string `json:"topic"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	failedCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailedSignalCount returns the number of signal.failed events recorded
// since startup.
func FailedSignalCount() int64 {
	return failedCount.Load()
}

func Record(topic, subject, detail string) {
	if topic == bus.TopicSignalFailed {
		failedCount.Add(1)
	}

	// Redact secrets before persistence.
	subject = shared.Redact(subject)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Topic:     topic,
		Subject:   subject,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// Attach subscribes to every bus topic and records the events it sees.
// It returns once the context is cancelled.
func Attach(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			subject, detail := describe(ev)
			Record(ev.Topic, subject, detail)
		}
	}
}

func describe(ev bus.Event) (subject, detail string) {
	switch p := ev.Payload.(type) {
	case bus.SignalEvent:
		return p.SignalID, signalDetail(p)
	case bus.StrategyEvent:
		return "strategy/" + strconv.FormatInt(p.StrategyID, 10), p.Status
	case bus.CaptureStateEvent:
		switch {
		case p.Active && p.Paused:
			return "capture", "paused"
		case p.Active:
			return "capture", "running"
		default:
			return "capture", "stopped"
		}
	default:
		return "", ""
	}
}

func signalDetail(p bus.SignalEvent) string {
	d := "strategy=" + strconv.FormatInt(p.StrategyID, 10) + " channel=" + p.ChannelID + " status=" + p.Status
	if p.Error != "" {
		d += " error=" + p.Error
	}
	return d
}
