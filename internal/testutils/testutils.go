package testutils

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogBuffer is a bytes.Buffer safe for concurrent writers and readers.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *LogBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// SetupTestLogger creates a DEBUG slog.Logger writing to a buffer. Output is
// mirrored to stdout when NETPROBE_TEST_LOGS is set.
func SetupTestLogger() (*slog.Logger, *LogBuffer) {
	logBuf := &LogBuffer{}
	var w io.Writer = logBuf
	if os.Getenv("NETPROBE_TEST_LOGS") != "" {
		w = io.MultiWriter(logBuf, os.Stdout)
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), logBuf
}
