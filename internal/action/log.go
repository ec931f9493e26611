package action

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Record is one log entry emitted through Context.Log.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// recorder stores records and echoes their message to the action's stdout.
type recorder struct {
	mu      sync.Mutex
	records []Record
	out     io.Writer
}

func (r *recorder) add(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	fmt.Fprintln(r.out, rec.Message)
}

func (r *recorder) snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// captureHandler is the slog.Handler behind Context.Log. Records are kept,
// their message is interleaved into stdout, and they are forwarded to the
// process logger when it accepts the level.
type captureHandler struct {
	rec    *recorder
	level  slog.Leveler
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

func newCaptureHandler(rec *recorder, level slog.Leveler, next slog.Handler) *captureHandler {
	return &captureHandler{rec: rec, level: level, next: next}
}

func (h *captureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	prefix := h.groupPrefix()
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Resolve().Any()
		return true
	})

	h.rec.add(Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})

	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r.Clone())
	}
	return nil
}

func (h *captureHandler) WithAttrs(as []slog.Attr) slog.Handler {
	clone := *h
	prefix := h.groupPrefix()
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range as {
		clone.attrs = append(clone.attrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	if h.next != nil {
		clone.next = h.next.WithAttrs(as)
	}
	return &clone
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}

func (h *captureHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}
