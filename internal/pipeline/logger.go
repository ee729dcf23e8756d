// Package pipeline is the user-action logger: it filters and normalizes host
// events, collapses bursts of edits, keeps the ordered event log and hands
// batches to the transport.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"blocklog/internal/clock"
	"blocklog/internal/coalesce"
	"blocklog/internal/denoise"
	"blocklog/internal/extract"
	"blocklog/internal/host"
	"blocklog/internal/telemetry"
	"blocklog/logging"
	"blocklog/logging/lifecycle"
)

const (
	DefaultBlockChangeWindow = 800 * time.Millisecond
	DefaultGUIChangeWindow   = 400 * time.Millisecond
)

// TypeUIClick is a bare click with no further meaning. It is never logged.
const TypeUIClick = "ui_click"

// Sender delivers batches. SendActions reports whether the batch may be
// considered delivered. UserID and TaskID identify the client records are
// logged for.
type Sender interface {
	IsOpen() bool
	SendActions(records []logging.Record) bool
	UserID() string
	TaskID() string
}

type Config struct {
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   telemetry.Metrics
	Extractor *extract.Extractor
	// Mirror receives every appended record. It never affects delivery.
	Mirror            logging.Publisher
	BlockChangeWindow time.Duration
	GUIChangeWindow   time.Duration
	// IgnoredTypes replaces the default deny list of normalized types.
	IgnoredTypes []string
}

// Logger owns the event log and the send buffer. A record lives in exactly
// one of them until it is delivered.
type Logger struct {
	sender      Sender
	clock       clock.Clock
	coalescer   *coalesce.Coalescer
	extractor   *extract.Extractor
	logger      *zap.Logger
	metrics     telemetry.Metrics
	mirror      logging.Publisher
	blockWindow time.Duration
	guiWindow   time.Duration
	ignored     map[string]struct{}

	mu         sync.Mutex
	eventLog   []logging.Record
	sendBuffer []logging.Record

	// flushMu serializes SendLog so a batch in flight is never re-sent.
	flushMu sync.Mutex

	subscribedMu sync.Mutex
	subscribed   map[LifecycleSource]struct{}
}

func New(sender Sender, cfg Config) *Logger {
	l := &Logger{
		sender:      sender,
		clock:       cfg.Clock,
		extractor:   cfg.Extractor,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		mirror:      cfg.Mirror,
		blockWindow: cfg.BlockChangeWindow,
		guiWindow:   cfg.GUIChangeWindow,
		subscribed:  make(map[LifecycleSource]struct{}),
	}
	if l.sender == nil {
		l.sender = closedSender{}
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.extractor == nil {
		l.extractor = extract.New(nil)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.metrics == nil {
		l.metrics = telemetry.NopMetrics()
	}
	if l.mirror == nil {
		l.mirror = logging.NopPublisher()
	}
	if l.blockWindow <= 0 {
		l.blockWindow = DefaultBlockChangeWindow
	}
	if l.guiWindow <= 0 {
		l.guiWindow = DefaultGUIChangeWindow
	}
	ignored := cfg.IgnoredTypes
	if ignored == nil {
		ignored = []string{TypeUIClick}
	}
	l.ignored = make(map[string]struct{}, len(ignored))
	for _, t := range ignored {
		l.ignored[t] = struct{}{}
	}
	l.coalescer = coalesce.New(l.clock)
	return l
}

type closedSender struct{}

func (closedSender) IsOpen() bool                       { return false }
func (closedSender) SendActions([]logging.Record) bool { return false }
func (closedSender) UserID() string                    { return "" }
func (closedSender) TaskID() string                    { return "" }

// LogUserEvent appends a record stamped with the current time and the
// sender's client identity. When source is non-nil the program state is
// captured now. A program start flushes immediately.
func (l *Logger) LogUserEvent(eventType string, data map[string]any, source extract.TargetSource) {
	record := logging.Record{
		Timestamp: l.clock.Now().UnixMilli(),
		Type:      eventType,
		Data:      maps.Clone(data),
		CodeState: extract.CodeState(source),
		UserID:    l.sender.UserID(),
		TaskID:    l.sender.TaskID(),
	}

	l.mu.Lock()
	l.eventLog = append(l.eventLog, record)
	l.mu.Unlock()

	l.metrics.Add("pipeline.records_logged", 1)
	l.logger.Debug("logging user action", zap.String("type", eventType), zap.Int64("timestamp", record.Timestamp))
	l.mirror.Publish(context.Background(), record)

	if eventType == lifecycle.TypeGreenFlag {
		l.SendLog(context.Background())
	}
}

// LogListenEvent logs a raw block workspace event unless it is noise or an
// ignored type. Block changes are coalesced per block.
func (l *Logger) LogListenEvent(event host.RawEvent, state host.StateView) {
	if reason := denoise.Classify(event, state); reason != denoise.ReasonNone {
		l.metrics.Add("pipeline.noise_dropped", 1)
		l.logger.Debug("dropping noise event", zap.String("type", event.Type()), zap.String("reason", string(reason)))
		return
	}

	normalized := l.extractor.Extract(event, state)
	if _, skip := l.ignored[normalized.Type]; skip {
		l.metrics.Add("pipeline.ignored", 1)
		return
	}

	if normalized.Type == host.EventChange {
		key := batchKey(map[string]any{"type": normalized.Type, "blockId": normalized.Data["blockId"]})
		l.logBatched(key, l.blockWindow, normalized.Type, normalized.Data, state)
		return
	}
	l.LogUserEvent(normalized.Type, normalized.Data, sourceOf(state))
}

// LogControlEvent logs a lifecycle event without data.
func (l *Logger) LogControlEvent(eventType string, state host.StateView) {
	l.LogUserEvent(eventType, nil, sourceOf(state))
}

// LogGuiEvent logs an editor interface event. Change events are coalesced
// per type, target and property: widgets fire the same change on both
// confirm and blur.
func (l *Logger) LogGuiEvent(eventType string, data map[string]any) {
	data = maps.Clone(data)
	if strings.Contains(eventType, "change") {
		key := batchKey(map[string]any{"type": eventType, "target": data["target"], "prop": data["property"]})
		l.logBatched(key, l.guiWindow, eventType, data, nil)
		return
	}
	l.LogUserEvent(eventType, data, nil)
}

// LogCostumeEvent logs a costume event, renamed to a backdrop event when the
// target is the stage.
func (l *Logger) LogCostumeEvent(eventType string, data map[string]any, state host.StateView) {
	if target := host.RawEvent(data).ID("target"); target != "" && state != nil {
		if stage := state.Stage(); stage != nil && stage.ID == target {
			eventType = strings.Replace(eventType, "costume_", "backdrop_", 1)
		}
	}
	l.LogGuiEvent(eventType, data)
}

// LogSpriteChange logs a sprite property edit.
func (l *Logger) LogSpriteChange(spriteID, property string, newValue any) {
	l.LogGuiEvent("sprite_change", map[string]any{
		"target":   spriteID,
		"property": property,
		"newValue": newValue,
	})
}

func (l *Logger) logBatched(key string, window time.Duration, eventType string, data map[string]any, state host.StateView) {
	l.metrics.Add("pipeline.batched_calls", 1)
	l.coalescer.Call(key, window, func() {
		l.LogUserEvent(eventType, data, sourceOf(state))
	})
}

// SendLog moves the event log behind any undelivered records and sends the
// whole buffer. The buffer is cleared only when the sender reports success.
// Nothing changes when both are empty or the sender is closed.
func (l *Logger) SendLog(ctx context.Context) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if len(l.eventLog) == 0 && len(l.sendBuffer) == 0 {
		l.mu.Unlock()
		return
	}
	if !l.sender.IsOpen() {
		l.mu.Unlock()
		return
	}
	l.sendBuffer = append(l.sendBuffer, l.eventLog...)
	l.eventLog = nil
	batch := make([]logging.Record, len(l.sendBuffer))
	copy(batch, l.sendBuffer)
	l.mu.Unlock()

	_, span := telemetry.Tracer().Start(ctx, "pipeline.send_log")
	defer span.End()
	span.SetAttributes(attribute.Int("records", len(batch)))

	sent := l.sender.SendActions(batch)
	span.SetAttributes(attribute.Bool("sent", sent))
	if !sent {
		l.metrics.Add("pipeline.flush_failures", 1)
		l.logger.Info("batch not sent, retaining for retry", zap.Int("records", len(batch)))
		return
	}

	l.mu.Lock()
	l.sendBuffer = nil
	l.mu.Unlock()
	l.metrics.Add("pipeline.flushes", 1)
	l.metrics.Add("pipeline.records_flushed", uint64(len(batch)))
}

// StartFlushing calls SendLog every interval until the returned stop
// function is called.
func (l *Logger) StartFlushing(interval time.Duration) (stop func()) {
	ticker := l.clock.NewTicker(interval)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case <-ticker.C():
				l.SendLog(context.Background())
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			<-exited
		})
	}
}

// Stop drops coalesced calls whose window has not elapsed.
func (l *Logger) Stop() {
	l.coalescer.Stop()
}

// EventLog returns a copy of the records not yet handed to the sender.
func (l *Logger) EventLog() []logging.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logging.Record(nil), l.eventLog...)
}

// SendBuffer returns a copy of the records sent but not confirmed.
func (l *Logger) SendBuffer() []logging.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logging.Record(nil), l.sendBuffer...)
}

// PendingBatches reports coalesced calls still waiting for their window.
func (l *Logger) PendingBatches() int {
	return l.coalescer.Pending()
}

func batchKey(fields map[string]any) string {
	fields["function"] = "logUserEvent"
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("%v", fields)
	}
	return string(encoded)
}

// sourceOf keeps a nil state a nil interface.
func sourceOf(state host.StateView) extract.TargetSource {
	if state == nil {
		return nil
	}
	return state
}
