package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var (
	globalLevel = slog.LevelDebug
	levelMu     sync.RWMutex
)

// JSONParsingWriter rewrites zerolog JSON lines (the SIP stack logs through
// zerolog) into the same line format as the slog handler.
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter wraps base.
func NewJSONParsingWriter(base io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: base}
}

func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry[zerolog.LevelFieldName]; ok {
		level = fmt.Sprint(lv)
	}
	message := ""
	if msg, ok := entry[zerolog.MessageFieldName]; ok {
		message = fmt.Sprint(msg)
	}
	ts := time.Now()
	if t, ok := entry[zerolog.TimestampFieldName]; ok {
		if parsed, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			ts = parsed
		}
	}

	var attrs []string
	for k, v := range entry {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.CallerFieldName:
			continue
		}
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
	}
	slices.Sort(attrs)

	line := formatLine(ts, strings.ToUpper(level), "[SIP] "+message, attrs)
	if _, err := io.WriteString(w.base, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetLevel sets the level for both slog and zerolog output.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMu.Lock()
	globalLevel = level
	levelMu.Unlock()
	zerolog.SetGlobalLevel(zerologLevel(level))
}

// GetLevel returns the current level name.
func GetLevel() string {
	levelMu.RLock()
	defer levelMu.RUnlock()
	switch globalLevel {
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel defaults to debug for unknown names.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func currentLevel() slog.Level {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return globalLevel
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l >= slog.LevelError:
		return zerolog.ErrorLevel
	case l >= slog.LevelWarn:
		return zerolog.WarnLevel
	case l >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// Handler formats records as "[15:04:05] [LEVEL] msg k=v" and writes them to
// every output.
type Handler struct {
	mu     *sync.Mutex
	outs   []io.Writer
	prefix []string
	group  string
}

// NewHandler returns a handler writing to outs.
func NewHandler(outs ...io.Writer) *Handler {
	return &Handler{mu: &sync.Mutex{}, outs: outs}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= currentLevel()
}

func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < currentLevel() {
		return nil
	}
	attrs := append([]string(nil), h.prefix...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.attrString(a))
		return true
	})
	line := formatLine(record.Time, strings.ToUpper(record.Level.String()), record.Message, attrs)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = io.WriteString(out, line)
		}
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	c.prefix = append([]string(nil), h.prefix...)
	for _, a := range attrs {
		c.prefix = append(c.prefix, h.attrString(a))
	}
	return &c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	if c.group != "" {
		c.group += "."
	}
	c.group += name
	return &c
}

func (h *Handler) attrString(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return key + "=" + a.Value.Resolve().String()
}

func formatLine(ts time.Time, level, msg string, attrs []string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(ts.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(level)
	b.WriteString("] ")
	b.WriteString(msg)
	if len(attrs) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(attrs, " "))
	}
	b.WriteString("\n")
	return b.String()
}

// InitLogger installs the default slog logger on outputs and points the
// global zerolog logger at the same outputs.
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))

	wrapped := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		wrapped = append(wrapped, NewJSONParsingWriter(out))
	}
	zlog.Logger = zerolog.New(io.MultiWriter(wrapped...)).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerologLevel(currentLevel()))
}
