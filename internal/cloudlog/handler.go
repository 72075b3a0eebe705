// Package cloudlog provides a slog.Handler that emits structured JSON in the
// shape Google Cloud Logging ingests natively: severity, message, timestamp,
// sourceLocation and trace are written under their special keys so entries are
// parsed and correlated instead of landing as opaque text payloads.
package cloudlog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"runtime"
	"strconv"
)

// Handler is a slog.Handler that formats records for Google Cloud Logging.
type Handler struct {
	w      io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a Cloud Logging compatible handler writing to w.
func NewHandler(w io.Writer, opts *slog.HandlerOptions) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	level := slog.LevelInfo
	if opts.Level != nil {
		level = opts.Level.Level()
	}
	return &Handler{
		w:     w,
		level: level,
	}
}

// Enabled reports whether the handler handles records at the given level
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats and writes a log record
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	entry := make(map[string]any)

	entry["severity"] = severityFromLevel(r.Level)
	entry["message"] = r.Message
	entry["timestamp"] = r.Time.Format("2006-01-02T15:04:05.000Z07:00")

	if r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		entry["logging.googleapis.com/sourceLocation"] = map[string]any{
			"file":     f.File,
			"line":     strconv.Itoa(f.Line),
			"function": f.Function,
		}
	}

	for _, attr := range h.attrs {
		addAttr(entry, attr, h.groups)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(entry, a, h.groups)
		return true
	})

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = h.w.Write(data)
	return err
}

// WithAttrs returns a new handler with additional attributes
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)

	return &Handler{
		w:      h.w,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

// WithGroup returns a new handler with a group name prepended to attributes
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name

	return &Handler{
		w:      h.w,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// severityFromLevel maps slog levels to Cloud Logging severity levels
func severityFromLevel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// addAttr adds an attribute to the entry map, respecting groups
func addAttr(entry map[string]any, attr slog.Attr, groups []string) {
	key := attr.Key
	value := attr.Value.Any()

	// Fields with special meaning to Cloud Logging get their canonical keys.
	switch key {
	case "error", "err":
		if err, ok := value.(error); ok {
			entry["error"] = map[string]any{
				"message": err.Error(),
			}
			return
		}
	case "trace", "trace_id":
		entry["logging.googleapis.com/trace"] = value
		return
	case "span", "span_id":
		entry["logging.googleapis.com/spanId"] = value
		return
	case "httpRequest":
		entry["httpRequest"] = value
		return
	}

	if len(groups) == 0 {
		entry[key] = value
		return
	}

	// Walk/create the nested group maps, then set the key in the innermost.
	current := entry
	for _, group := range groups {
		next, ok := current[group].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[group] = next
		}
		current = next
	}
	current[key] = value
}
