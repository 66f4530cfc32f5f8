package notify

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testHandler(base slog.Handler, minLevel slog.Level) *TelegramHandler {
	return &TelegramHandler{base: base, chatID: 1, minLevel: minLevel}
}

func TestEnabledPassesThroughBelowMinLevelWhenBaseAllows(t *testing.T) {
	t.Parallel()
	base := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	h := testHandler(base, slog.LevelError)
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected Enabled(Info) true because base handler allows Debug+")
	}
}

func TestEnabledAllowsMinLevelEvenIfBaseWouldDrop(t *testing.T) {
	t.Parallel()
	base := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})
	h := testHandler(base, slog.LevelError)
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected Enabled(Error) true because it meets minLevel")
	}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected Enabled(Info) false: base drops it and it's below minLevel")
	}
}

func TestHandleBuffersRecordsAtOrAboveMinLevel(t *testing.T) {
	t.Parallel()
	base := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	h := testHandler(base, slog.LevelError)

	info := slog.NewRecord(time.Now(), slog.LevelInfo, "heartbeat", 0)
	errRec := slog.NewRecord(time.Now(), slog.LevelError, "order rejected", 0)
	errRec.AddAttrs(slog.String("symbol", "BTC-USD"))

	if err := h.Handle(context.Background(), info); err != nil {
		t.Fatalf("Handle(info): %v", err)
	}
	if err := h.Handle(context.Background(), errRec); err != nil {
		t.Fatalf("Handle(error): %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buffer) != 1 {
		t.Fatalf("buffer = %v, want exactly one buffered line", h.buffer)
	}
	if !strings.Contains(h.buffer[0], "order rejected") || !strings.Contains(h.buffer[0], "symbol=BTC-USD") {
		t.Fatalf("buffered line missing expected content: %q", h.buffer[0])
	}
}

func TestChunkLinesSplitsOnRuneBudget(t *testing.T) {
	t.Parallel()
	lines := []string{strings.Repeat("a", 10), strings.Repeat("b", 10), strings.Repeat("c", 10)}
	chunks := chunkLines(lines, 15)
	if len(chunks) != 3 {
		t.Fatalf("chunkLines: got %d chunks, want 3: %v", len(chunks), chunks)
	}
}

func TestChunkLinesJoinsWithinBudget(t *testing.T) {
	t.Parallel()
	lines := []string{"short one", "short two"}
	chunks := chunkLines(lines, 100)
	if len(chunks) != 1 || chunks[0] != "short one\nshort two" {
		t.Fatalf("chunkLines: got %v", chunks)
	}
}

func TestChunkLinesEmptyInput(t *testing.T) {
	t.Parallel()
	if chunks := chunkLines(nil, 100); len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %v", chunks)
	}
}
