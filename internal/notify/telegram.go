// Package notify implements an optional Telegram sink for structured logs.
// TelegramHandler wraps a base slog.Handler: every record still goes through
// the base handler as usual, and records at or above a configured level are
// additionally buffered and flushed to a Telegram chat periodically, rather
// than one HTTP call per record — the Go-idiom equivalent of the reference
// implementation's buffered TelegramLogHandler.flush.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	defaultFlushPeriod = 5 * time.Second
	maxMessageRunes    = 3800 // stays under Telegram's ~4096 rune message cap
)

// TelegramHandler decorates a base slog.Handler with a buffered Telegram sink.
type TelegramHandler struct {
	base     slog.Handler
	bot      *tgbotapi.BotAPI
	chatID   int64
	minLevel slog.Level

	mu     sync.Mutex
	buffer []string
}

// NewTelegramHandler wraps base, forwarding records at or above minLevel to
// chatID. It starts a background goroutine flushing the buffer every
// flushPeriod (or zero value, which defaults to 5s) until ctx is cancelled,
// at which point it flushes once more before returning.
func NewTelegramHandler(ctx context.Context, base slog.Handler, botToken string, chatID int64, minLevel slog.Level, flushPeriod time.Duration) (*TelegramHandler, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	if flushPeriod <= 0 {
		flushPeriod = defaultFlushPeriod
	}

	h := &TelegramHandler{base: base, bot: bot, chatID: chatID, minLevel: minLevel}
	go h.flushLoop(ctx, flushPeriod)
	return h, nil
}

// Enabled reports true if either the base handler or the Telegram sink would
// want this level — a record the base handler would normally drop must still
// pass through here if it's >= minLevel, or Handle is never called for it.
func (h *TelegramHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level) || level >= h.minLevel
}

func (h *TelegramHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		h.mu.Lock()
		h.buffer = append(h.buffer, formatRecord(r))
		h.mu.Unlock()
	}
	if h.base.Enabled(ctx, r.Level) {
		return h.base.Handle(ctx, r)
	}
	return nil
}

func (h *TelegramHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TelegramHandler{base: h.base.WithAttrs(attrs), bot: h.bot, chatID: h.chatID, minLevel: h.minLevel}
}

func (h *TelegramHandler) WithGroup(name string) slog.Handler {
	return &TelegramHandler{base: h.base.WithGroup(name), bot: h.bot, chatID: h.chatID, minLevel: h.minLevel}
}

func (h *TelegramHandler) flushLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.flush()
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

func (h *TelegramHandler) flush() {
	h.mu.Lock()
	lines := h.buffer
	h.buffer = nil
	h.mu.Unlock()

	if len(lines) == 0 {
		return
	}

	for _, chunk := range chunkLines(lines, maxMessageRunes) {
		msg := tgbotapi.NewMessage(h.chatID, chunk)
		if _, err := h.bot.Send(msg); err != nil {
			fmt.Fprintf(os.Stderr, "telegram flush failed: %v\n", err)
		}
	}
}

func formatRecord(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.RFC3339))
	sb.WriteByte(' ')
	sb.WriteString(r.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	return sb.String()
}

// chunkLines joins lines with newlines into messages of at most maxRunes
// bytes, since Telegram rejects overlong message bodies. A single line longer
// than maxRunes bytes is not split: it becomes a chunk of its own.
func chunkLines(lines []string, maxRunes int) []string {
	var chunks []string
	var cur strings.Builder
	for _, line := range lines {
		if cur.Len() > 0 && cur.Len()+len(line)+1 > maxRunes {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
