// Package tcglog wraps log/slog with the line-oriented text format
// and warning-and-above mirroring to stderr used across this module's
// commands, so every component logs the same way without importing
// slog handler boilerplate itself.
package tcglog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Handler is a slog.Handler that writes one line per record
// ("time level message attr attr ...") to out, and mirrors
// warning-or-above records to stderr even when out is something else
// (a log file), so operational problems are never silent.
type Handler struct {
	out   io.Writer
	inner slog.Handler
	mu    *sync.Mutex
}

// NewHandler builds a Handler writing to out at the given options.
// A nil opts uses slog's defaults (LevelInfo, no source).
func NewHandler(out io.Writer, opts *slog.HandlerOptions) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &Handler{
		out: out,
		inner: slog.NewTextHandler(out, &slog.HandlerOptions{
			Level:     opts.Level,
			AddSource: opts.AddSource,
		}),
		mu: &sync.Mutex{},
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{out: h.out, inner: h.inner.WithAttrs(attrs), mu: h.mu}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{out: h.out, inner: h.inner.WithGroup(name), mu: h.mu}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	fields := []string{r.Time.Format("2006-01-02 15:04:05.000"), r.Level.String() + ":", r.Message}
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key+"="+a.Value.String())
		return true
	})
	line := strings.Join(fields, " ") + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil {
		_, err = h.out.Write([]byte(line))
	}
	if r.Level >= slog.LevelWarn && h.out != os.Stderr {
		_, _ = os.Stderr.Write([]byte(line))
	}
	return err
}

// New builds a ready-to-use *slog.Logger writing to out.
func New(out io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewHandler(out, &slog.HandlerOptions{Level: level}))
}
