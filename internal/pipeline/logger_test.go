package pipeline

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"blocklog/internal/clock"
	"blocklog/internal/host"
	"blocklog/internal/host/hosttest"
	"blocklog/internal/telemetry"
	"blocklog/logging"
	"blocklog/logging/lifecycle"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu      sync.Mutex
	open    bool
	results []bool
	batches [][]logging.Record
	userID  string
	taskID  string
}

func (s *fakeSender) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *fakeSender) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

func (s *fakeSender) assignUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = id
}

func (s *fakeSender) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSender) SendActions(records []logging.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, records)
	if len(s.results) == 0 {
		return true
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result
}

func (s *fakeSender) sent() [][]logging.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]logging.Record(nil), s.batches...)
}

func newTestLogger(t *testing.T, sender Sender) (*Logger, *clock.FakeClock, *telemetry.Counters) {
	t.Helper()
	clk := clock.Fake(epoch)
	counters := telemetry.NewCounters()
	l := New(sender, Config{Clock: clk, Logger: zaptest.NewLogger(t), Metrics: counters})
	t.Cleanup(l.Stop)
	return l, clk, counters
}

func types(records []logging.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Type
	}
	return out
}

func TestLogUserEventAppendsRecord(t *testing.T) {
	l, clk, counters := newTestLogger(t, &fakeSender{})
	clk.Advance(1500 * time.Millisecond)

	l.LogUserEvent("stopAll", map[string]any{"k": "v"}, hosttest.Project())

	log := l.EventLog()
	if len(log) != 1 {
		t.Fatalf("expected one record, got %d", len(log))
	}
	if log[0].Timestamp != epoch.Add(1500*time.Millisecond).UnixMilli() {
		t.Fatalf("unexpected timestamp %d", log[0].Timestamp)
	}
	if log[0].Data["k"] != "v" || len(log[0].CodeState) != 3 {
		t.Fatalf("unexpected record %+v", log[0])
	}
	if counters.Load("pipeline.records_logged") != 1 {
		t.Fatalf("expected logged counter")
	}

	l.LogUserEvent("stopAll", nil, nil)
	if got := l.EventLog()[1].CodeState; got != nil {
		t.Fatalf("expected nil code state without a source, got %v", got)
	}
}

func TestGreenFlagFlushesImmediately(t *testing.T) {
	sender := &fakeSender{open: true}
	l, _, _ := newTestLogger(t, sender)

	l.LogUserEvent("move", nil, nil)
	if len(sender.sent()) != 0 {
		t.Fatalf("ordinary records wait for the flush timer")
	}

	l.LogUserEvent(lifecycle.TypeGreenFlag, nil, nil)

	batches := sender.sent()
	if len(batches) != 1 || !reflect.DeepEqual(types(batches[0]), []string{"move", "greenFlag"}) {
		t.Fatalf("expected greenFlag to flush both records, got %v", batches)
	}
	if len(l.EventLog()) != 0 || len(l.SendBuffer()) != 0 {
		t.Fatalf("expected empty log and buffer after a successful flush")
	}
}

func TestSendLogRetainsFailedBatchInOrder(t *testing.T) {
	sender := &fakeSender{open: true, results: []bool{false, true}}
	l, _, counters := newTestLogger(t, sender)

	l.LogUserEvent("a", nil, nil)
	l.LogUserEvent("b", nil, nil)
	l.SendLog(context.Background())

	if len(l.EventLog()) != 0 {
		t.Fatalf("expected event log drained into the buffer")
	}
	if got := types(l.SendBuffer()); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("expected failed batch retained, got %v", got)
	}

	l.LogUserEvent("c", nil, nil)
	l.SendLog(context.Background())

	batches := sender.sent()
	if len(batches) != 2 || !reflect.DeepEqual(types(batches[1]), []string{"a", "b", "c"}) {
		t.Fatalf("expected retry to resend in order, got %v", batches)
	}
	if len(l.EventLog()) != 0 || len(l.SendBuffer()) != 0 {
		t.Fatalf("expected buffers cleared after success")
	}
	if counters.Load("pipeline.flush_failures") != 1 || counters.Load("pipeline.records_flushed") != 3 {
		t.Fatalf("unexpected counters %v", counters.Snapshot())
	}
}

func TestSendLogIsNoopWhenClosedOrEmpty(t *testing.T) {
	sender := &fakeSender{open: true, results: []bool{false}}
	l, _, _ := newTestLogger(t, sender)

	l.SendLog(context.Background())
	if len(sender.sent()) != 0 {
		t.Fatalf("expected no send with nothing to flush")
	}

	l.LogUserEvent("a", nil, nil)
	l.SendLog(context.Background())
	l.LogUserEvent("b", nil, nil)

	sender.mu.Lock()
	sender.open = false
	sender.mu.Unlock()

	beforeLog, beforeBuffer := l.EventLog(), l.SendBuffer()
	l.SendLog(context.Background())
	if !reflect.DeepEqual(beforeLog, l.EventLog()) || !reflect.DeepEqual(beforeBuffer, l.SendBuffer()) {
		t.Fatalf("expected closed transport to leave state untouched")
	}
	if len(sender.sent()) != 1 {
		t.Fatalf("expected no send while closed")
	}
}

func TestNilSenderNeverSends(t *testing.T) {
	l, _, _ := newTestLogger(t, nil)
	l.LogUserEvent(lifecycle.TypeGreenFlag, nil, nil)
	if len(l.EventLog()) != 1 {
		t.Fatalf("expected record to stay in the log")
	}
}

func TestGuiChangesCoalesce(t *testing.T) {
	l, clk, _ := newTestLogger(t, &fakeSender{})

	l.LogGuiEvent("x_change", map[string]any{"target": "t", "property": "p", "value": 1})
	clk.Advance(10 * time.Millisecond)
	l.LogGuiEvent("x_change", map[string]any{"target": "t", "property": "p", "value": 2})

	clk.Advance(399 * time.Millisecond)
	if len(l.EventLog()) != 0 {
		t.Fatalf("expected change to wait for the window")
	}
	clk.Advance(time.Millisecond)

	log := l.EventLog()
	if len(log) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(log))
	}
	if log[0].Data["value"] != 2 || log[0].CodeState != nil {
		t.Fatalf("expected last call to win without code state, got %+v", log[0])
	}
	if log[0].Timestamp != epoch.Add(410*time.Millisecond).UnixMilli() {
		t.Fatalf("expected timestamp at append time, got %d", log[0].Timestamp)
	}
}

func TestRecordsCarrySenderIdentity(t *testing.T) {
	sender := &fakeSender{userID: "alice", taskID: "t1"}
	l, _, _ := newTestLogger(t, sender)

	l.LogUserEvent("move", nil, nil)
	sender.assignUser("u-9")
	l.LogUserEvent("stopAll", nil, nil)

	log := l.EventLog()
	if len(log) != 2 {
		t.Fatalf("expected two records, got %d", len(log))
	}
	if log[0].UserID != "alice" || log[0].TaskID != "t1" {
		t.Fatalf("expected identity at log time, got %q/%q", log[0].UserID, log[0].TaskID)
	}
	if log[1].UserID != "u-9" || log[1].TaskID != "t1" {
		t.Fatalf("expected reassigned user id, got %q/%q", log[1].UserID, log[1].TaskID)
	}

	closed := New(nil, Config{Clock: clock.Fake(epoch)})
	closed.LogUserEvent("move", nil, nil)
	if record := closed.EventLog()[0]; record.UserID != "" || record.TaskID != "" {
		t.Fatalf("expected no identity without a sender, got %+v", record)
	}
}

func TestRecordDataIsCopied(t *testing.T) {
	l, clk, _ := newTestLogger(t, &fakeSender{})

	added := map[string]any{"target": "cat", "name": "meow"}
	l.LogGuiEvent("sound_add", added)
	added["name"] = "changed"

	changed := map[string]any{"target": "cat", "property": "volume", "value": 50}
	l.LogGuiEvent("sound_change", changed)
	changed["value"] = 0
	clk.Advance(DefaultGUIChangeWindow)

	log := l.EventLog()
	if len(log) != 2 {
		t.Fatalf("expected two records, got %v", types(log))
	}
	if log[0].Data["name"] != "meow" {
		t.Fatalf("expected logged data to be unaffected by the caller, got %v", log[0].Data)
	}
	if log[1].Data["value"] != 50 {
		t.Fatalf("expected batched data to be unaffected by the caller, got %v", log[1].Data)
	}
}

func TestGuiChangesWithDifferentKeysDoNotCoalesce(t *testing.T) {
	l, clk, _ := newTestLogger(t, &fakeSender{})

	l.LogGuiEvent("x_change", map[string]any{"target": "t", "property": "p"})
	l.LogGuiEvent("x_change", map[string]any{"target": "t", "property": "q"})
	l.LogGuiEvent("y_change", map[string]any{"target": "t", "property": "p"})
	l.LogGuiEvent("sprite_select", map[string]any{"target": "t"})

	if got := types(l.EventLog()); !reflect.DeepEqual(got, []string{"sprite_select"}) {
		t.Fatalf("expected non-change events to log immediately, got %v", got)
	}
	clk.Advance(DefaultGUIChangeWindow)
	if len(l.EventLog()) != 4 {
		t.Fatalf("expected three distinct changes plus the select, got %v", types(l.EventLog()))
	}
}

func TestCostumeEventOnStageBecomesBackdrop(t *testing.T) {
	l, clk, _ := newTestLogger(t, &fakeSender{})
	project := hosttest.Project()

	l.LogCostumeEvent("costume_add", map[string]any{"target": "stage"}, project)
	l.LogCostumeEvent("costume_add", map[string]any{"target": "cat"}, project)
	l.LogCostumeEvent("costume_change", map[string]any{"target": "stage", "property": "name"}, project)
	l.LogCostumeEvent("costume_add", map[string]any{"target": "stage"}, nil)
	clk.Advance(DefaultGUIChangeWindow)

	want := []string{"backdrop_add", "costume_add", "costume_add", "backdrop_change"}
	if got := types(l.EventLog()); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLogSpriteChange(t *testing.T) {
	l, clk, _ := newTestLogger(t, &fakeSender{})

	l.LogSpriteChange("cat", "x", 10)
	l.LogSpriteChange("cat", "x", 12)
	clk.Advance(DefaultGUIChangeWindow)

	log := l.EventLog()
	if len(log) != 1 || log[0].Type != "sprite_change" {
		t.Fatalf("expected one sprite_change, got %v", types(log))
	}
	want := map[string]any{"target": "cat", "property": "x", "newValue": 12}
	if !reflect.DeepEqual(log[0].Data, want) {
		t.Fatalf("expected %v, got %v", want, log[0].Data)
	}
}

func TestLogListenEvent(t *testing.T) {
	l, clk, counters := newTestLogger(t, &fakeSender{})
	state := hosttest.Project()

	l.LogListenEvent(host.RawEvent{"type": host.EventCreate, "blockId": "b9"}, state)
	l.LogListenEvent(host.RawEvent{"type": host.EventUI, "element": "click"}, state)
	l.LogListenEvent(host.RawEvent{"type": host.EventMove, "blockId": "b2", "recordUndo": true}, state)
	l.LogListenEvent(host.RawEvent{"type": host.EventUI, "blockId": "b1", "element": "stackclick"}, state)

	log := l.EventLog()
	if got := types(log); !reflect.DeepEqual(got, []string{"move", "ui_stackclick"}) {
		t.Fatalf("unexpected records %v", got)
	}
	if log[0].Data["blockType"] != "motion_movesteps" || len(log[0].CodeState) != 3 {
		t.Fatalf("expected normalized data with code state, got %+v", log[0])
	}
	if counters.Load("pipeline.noise_dropped") != 1 || counters.Load("pipeline.ignored") != 1 {
		t.Fatalf("unexpected counters %v", counters.Snapshot())
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no coalesced calls")
	}
}

func TestBlockChangesCoalescePerBlock(t *testing.T) {
	l, clk, _ := newTestLogger(t, &fakeSender{})
	state := hosttest.Project()

	for _, value := range []string{"1", "12", "123"} {
		l.LogListenEvent(host.RawEvent{"type": host.EventChange, "blockId": "b2", "newValue": value}, state)
		clk.Advance(100 * time.Millisecond)
	}
	l.LogListenEvent(host.RawEvent{"type": host.EventChange, "blockId": "b1", "newValue": "x"}, state)
	if l.PendingBatches() != 2 {
		t.Fatalf("expected one pending batch per block, got %d", l.PendingBatches())
	}

	clk.Advance(DefaultGUIChangeWindow)
	if len(l.EventLog()) != 0 {
		t.Fatalf("block changes use the longer window")
	}
	clk.Advance(DefaultBlockChangeWindow)

	log := l.EventLog()
	if len(log) != 2 {
		t.Fatalf("expected one record per block, got %v", types(log))
	}
	if log[0].Data["newValue"] != "123" || log[1].Data["blockId"] != "b1" {
		t.Fatalf("unexpected coalesced records %+v", log)
	}
}

func TestCustomIgnoredTypes(t *testing.T) {
	clk := clock.Fake(epoch)
	l := New(&fakeSender{}, Config{Clock: clk, IgnoredTypes: []string{"move"}})
	l.LogListenEvent(host.RawEvent{"type": host.EventMove, "recordUndo": true}, nil)
	l.LogListenEvent(host.RawEvent{"type": host.EventUI, "element": "click"}, nil)
	if got := types(l.EventLog()); !reflect.DeepEqual(got, []string{"ui_click"}) {
		t.Fatalf("expected configured deny list to replace the default, got %v", got)
	}
}

func TestMirrorReceivesRecords(t *testing.T) {
	var mu sync.Mutex
	var mirrored []string
	mirror := logging.PublisherFunc(func(_ context.Context, r logging.Record) {
		mu.Lock()
		defer mu.Unlock()
		mirrored = append(mirrored, r.Type)
	})
	l := New(&fakeSender{}, Config{Clock: clock.Fake(epoch), Mirror: mirror})

	l.LogControlEvent(lifecycle.TypeStopAll, nil)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(mirrored, []string{"stopAll"}) {
		t.Fatalf("expected mirrored control event, got %v", mirrored)
	}
}

func TestStartFlushingUsesTicker(t *testing.T) {
	sender := &fakeSender{open: true}
	l, clk, _ := newTestLogger(t, sender)
	stop := l.StartFlushing(10 * time.Second)
	t.Cleanup(stop)

	l.LogUserEvent("move", nil, nil)
	clk.Advance(10 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(sender.sent()) != 1 {
		t.Fatalf("expected periodic flush")
	}
	stop()
	stop()
}
