package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dhmreg/internal/config"
)

// CaptureBuffer accumulates every rendered log line so the harness can
// persist the full execution transcript at the end of a job. It is the
// process-wide log sink: one instance per process, shared by every stage.
type CaptureBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	open bool
}

// NewCaptureBuffer returns an open, empty capture buffer.
func NewCaptureBuffer() *CaptureBuffer {
	return &CaptureBuffer{open: true}
}

// Write appends rendered log output. Writes after Close are dropped.
func (c *CaptureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return len(p), nil
	}
	return c.buf.Write(p)
}

// Available reports whether the sink can still be extracted from.
func (c *CaptureBuffer) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// ExtractAll returns the complete accumulated text. The buffer keeps its
// content; extraction is read-only.
func (c *CaptureBuffer) ExtractAll() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return "", fmt.Errorf("log capture buffer is closed")
	}
	return c.buf.String(), nil
}

// Close marks the sink unavailable. Used at teardown and by tests that
// exercise the missing-sink escalation path.
func (c *CaptureBuffer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
}

// Setup configures global logging. Every line goes to stdout and into the
// returned capture buffer; file output is added when enabled in cfg.
func Setup(cfg *config.Config) (*slog.Logger, *CaptureBuffer, error) {
	capture := NewCaptureBuffer()
	writers := []io.Writer{os.Stdout, capture}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("dhmreg-%s.log",
			time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)
	}

	logger := New(cfg.Logging.Level, io.MultiWriter(writers...))
	slog.SetDefault(logger)
	return logger, capture, nil
}

// New returns a slog.Logger rendering in the traditional "[LEVEL] message"
// format to w.
func New(level string, w io.Writer) *slog.Logger {
	handler := &traditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  parseLevel(level),
	}
	return slog.New(handler)
}

// traditionalHandler implements slog.Handler with traditional log formatting.
type traditionalHandler struct {
	logger *log.Logger
	level  slog.Level
}

func (h *traditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *traditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0)

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *traditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *traditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
