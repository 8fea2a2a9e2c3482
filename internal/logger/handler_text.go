package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// consoleHandler renders records as single-line key=value text, tinting the
// level tag and attribute keys when the destination is a terminal. Groups
// opened with WithGroup become dotted key prefixes.
type consoleHandler struct {
	w      io.Writer
	wmu    *sync.Mutex // shared across the WithAttrs/WithGroup family
	level  slog.Leveler
	color  bool
	prefix string // accumulated group path, "a.b."
	attrs  []slog.Attr
}

func newConsoleHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *consoleHandler {
	h := &consoleHandler{w: w, wmu: &sync.Mutex{}, color: color}
	if opts != nil {
		h.level = opts.Level
	}
	return h
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

// Handle renders the record into a local buffer and takes the write lock only
// for the final write.
func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, '[')
	buf = r.Time.AppendFormat(buf, "2006-01-02 15:04:05")
	buf = append(buf, "] ["...)
	buf = h.appendLevel(buf, r.Level)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = h.appendAttr(buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *consoleHandler) appendLevel(buf []byte, level slog.Level) []byte {
	tag, tint := "ERROR", ansiRed
	switch {
	case level < slog.LevelInfo:
		tag, tint = "DEBUG", ansiGray
	case level < slog.LevelWarn:
		tag, tint = "INFO", ansiGreen
	case level < slog.LevelError:
		tag, tint = "WARN", ansiYellow
	}
	if !h.color {
		return append(buf, tag...)
	}
	buf = append(buf, tint...)
	buf = append(buf, tag...)
	return append(buf, ansiReset...)
}

// appendAttr flattens group values into dotted keys and renders everything
// else as key=value.
func (h *consoleHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = p + a.Key + "."
		}
		for _, member := range v.Group() {
			buf = h.appendAttr(buf, p, member)
		}
		return buf
	}

	buf = append(buf, ' ')
	if h.color {
		buf = append(buf, ansiCyan...)
	}
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	if h.color {
		buf = append(buf, ansiReset...)
	}
	buf = append(buf, '=')
	return appendValue(buf, v)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return append(buf, v.String()...)
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'f', 3, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindAny:
		return fmt.Append(buf, v.Any())
	default:
		return append(buf, v.String()...)
	}
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := h.clone()
	for _, a := range attrs {
		// Qualify now so Handle can render stored attrs without remembering
		// which group was open when they were added.
		a.Key = h.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return c
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	return c
}

func (h *consoleHandler) clone() *consoleHandler {
	return &consoleHandler{
		w:      h.w,
		wmu:    h.wmu,
		level:  h.level,
		color:  h.color,
		prefix: h.prefix,
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
}
