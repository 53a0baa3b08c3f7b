// Package hooks provides production-ready Hook and Logger implementations.
package hooks

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Skryldev/image-loader/core"
	apperrors "github.com/Skryldev/image-loader/errors"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...interface{}) {
	s.log.Debug(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Info(msg string, fields ...interface{}) {
	s.log.Info(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Warn(msg string, fields ...interface{}) {
	s.log.Warn(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Error(msg string, fields ...interface{}) {
	s.log.Error(msg, toAttrs(fields)...)
}

func toAttrs(fields []interface{}) []any { return fields }

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs before/after each session call.
type LoggingHook struct {
	logger core.Logger
}

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeCall(op string, info core.CallInfo) {
	h.logger.Debug("session.call.start",
		"op", op,
		"mode", info.Mode,
		"file_format", info.FileFormat,
	)
}

func (h *LoggingHook) AfterCall(op string, info core.CallInfo, d time.Duration, err error) {
	if err != nil {
		h.logger.Error("session.call.error",
			"op", op,
			"file_format", info.FileFormat,
			"kind", string(apperrors.KindOf(err)),
			"duration_ms", d.Milliseconds(),
			"error", err.Error(),
		)
		return
	}
	h.logger.Debug("session.call.done",
		"op", op,
		"file_format", info.FileFormat,
		"width", info.Width,
		"height", info.Height,
		"pixel_format", info.Format,
		"read", humanize.IBytes(uint64(info.BytesRead)),
		"written", humanize.IBytes(uint64(info.BytesWritten)),
		"duration_ms", d.Milliseconds(),
	)
}

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics atomically; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	callDurationsMs map[string]int64 // cumulative ms per op
	calls           map[string]int64 // call count per op
	errors          map[string]int64 // count per error kind

	bytesRead    int64
	bytesWritten int64
}

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		callDurationsMs: make(map[string]int64),
		calls:           make(map[string]int64),
		errors:          make(map[string]int64),
	}
}

func (m *InMemoryMetrics) RecordCall(op string, d interface{ Seconds() float64 }) {
	ms := int64(d.Seconds() * 1000)
	m.mu.Lock()
	m.callDurationsMs[op] += ms
	m.calls[op]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordBytes(read, written int64) {
	atomic.AddInt64(&m.bytesRead, read)
	atomic.AddInt64(&m.bytesWritten, written)
}

func (m *InMemoryMetrics) RecordError(_ string, kind string) {
	m.mu.Lock()
	m.errors[kind]++
	m.mu.Unlock()
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		CallDurationsMs: make(map[string]int64, len(m.callDurationsMs)),
		Calls:           make(map[string]int64, len(m.calls)),
		Errors:          make(map[string]int64, len(m.errors)),
		BytesRead:       atomic.LoadInt64(&m.bytesRead),
		BytesWritten:    atomic.LoadInt64(&m.bytesWritten),
	}
	for k, v := range m.callDurationsMs {
		snap.CallDurationsMs[k] = v
	}
	for k, v := range m.calls {
		snap.Calls[k] = v
	}
	for k, v := range m.errors {
		snap.Errors[k] = v
	}
	return snap
}

// MetricsSnapshot is an immutable point-in-time copy of metrics. Errors is
// keyed by error kind.
type MetricsSnapshot struct {
	CallDurationsMs map[string]int64
	Calls           map[string]int64
	Errors          map[string]int64
	BytesRead       int64
	BytesWritten    int64
}

// ── Metrics hook ──────────────────────────────────────────────────────────────

// MetricsHook feeds session events into a MetricsCollector.
type MetricsHook struct {
	collector core.MetricsCollector
}

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook(c core.MetricsCollector) *MetricsHook { return &MetricsHook{collector: c} }

func (h *MetricsHook) BeforeCall(string, core.CallInfo) {}

func (h *MetricsHook) AfterCall(op string, info core.CallInfo, d time.Duration, err error) {
	h.collector.RecordCall(op, d)
	if err != nil {
		h.collector.RecordError(op, string(apperrors.KindOf(err)))
	}
	h.collector.RecordBytes(info.BytesRead, info.BytesWritten)
}

var (
	_ core.Hook             = (*LoggingHook)(nil)
	_ core.Hook             = (*MetricsHook)(nil)
	_ core.Logger           = (*SlogLogger)(nil)
	_ core.MetricsCollector = (*InMemoryMetrics)(nil)
)
