package collector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"blocklog/internal/telemetry"
	"blocklog/logging"
)

type recorder struct {
	mu      sync.Mutex
	records []logging.Record
}

func (r *recorder) Publish(_ context.Context, record logging.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *recorder) snapshot() []logging.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logging.Record(nil), r.records...)
}

func newTestServer(t *testing.T, mirror logging.Publisher, counters *telemetry.Counters) *httptest.Server {
	t.Helper()
	s, err := New(Config{AuthKey: "secret", Logger: zaptest.NewLogger(t), Mirror: mirror, Metrics: counters})
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/logging" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial collector: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(message, &decoded); err != nil {
		t.Fatalf("decode reply %q: %v", message, err)
	}
	return decoded
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestAnonymousClientIsAssignedUserID(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	conn := dial(t, srv, "")

	msg := readReply(t, conn)
	id, _ := msg["newUserId"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected uuid user id, got %v", msg)
	}
	if _, ok := msg["success"]; ok {
		t.Fatalf("assignment carries no save result, got %v", msg)
	}
}

func TestValidBatchIsMirrored(t *testing.T) {
	mirror := &recorder{}
	counters := telemetry.NewCounters()
	srv := newTestServer(t, mirror, counters)
	conn := dial(t, srv, "?userId=alice&taskId=t1")

	send(t, conn, `{"authKey":"secret","userActions":[
		{"timestamp":1,"type":"move","data":{"blockId":"b1"},"codeState":null,"userId":"alice","taskId":"t1"},
		{"timestamp":2,"type":"greenFlag","data":null,"codeState":[{"name":"Cat","id":"cat","blocks":{}}]}
	]}`)

	msg := readReply(t, conn)
	if msg["success"] != true {
		t.Fatalf("expected success, got %v", msg)
	}
	records := mirror.snapshot()
	if len(records) != 2 || records[0].Type != "move" || records[1].Type != "greenFlag" {
		t.Fatalf("unexpected mirrored records %+v", records)
	}
	if records[0].UserID != "alice" || records[0].TaskID != "t1" || records[1].UserID != "" {
		t.Fatalf("expected per-record identity to be decoded, got %+v", records)
	}
	if len(records[1].CodeState) != 1 || records[1].CodeState[0].Name != "Cat" {
		t.Fatalf("expected decoded code state, got %+v", records[1].CodeState)
	}
	if counters.Load("collector.records") != 2 {
		t.Fatalf("expected record counter, got %v", counters.Snapshot())
	}
}

func TestRejectedFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  string
	}{
		{"not json", `hello`, "malformed payload"},
		{"missing actions", `{"authKey":"secret"}`, "invalid payload"},
		{"wrong timestamp type", `{"authKey":"secret","userActions":[{"timestamp":"now","type":"move","data":null,"codeState":null}]}`, "invalid payload"},
		{"wrong key", `{"authKey":"guess","userActions":[]}`, "unauthorized"},
	}
	mirror := &recorder{}
	srv := newTestServer(t, mirror, nil)
	conn := dial(t, srv, "?userId=bob")

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			send(t, conn, tc.frame)
			msg := readReply(t, conn)
			if msg["success"] != false {
				t.Fatalf("expected failure, got %v", msg)
			}
			if errText, _ := msg["error"].(string); !strings.Contains(errText, tc.want) {
				t.Fatalf("expected error containing %q, got %q", tc.want, errText)
			}
		})
	}

	send(t, conn, `{"authKey":"secret","userActions":[]}`)
	if msg := readReply(t, conn); msg["success"] != true {
		t.Fatalf("expected connection to keep serving after rejections, got %v", msg)
	}
	if len(mirror.snapshot()) != 0 {
		t.Fatalf("rejected frames must not be mirrored")
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	s, err := New(Config{AuthKey: "secret", Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "?userId=carol")
	send(t, conn, `{"authKey":"secret","userActions":[]}`)
	if msg := readReply(t, conn); msg["success"] != true {
		t.Fatalf("expected success, got %v", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close collector: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}

	late := dial(t, srv, "?userId=dave")
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected connections after close to be turned away, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestPayloadSchemaRequiresBatchFields(t *testing.T) {
	data, err := json.Marshal(PayloadSchema())
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	required, _ := decoded["required"].([]any)
	names := map[string]bool{}
	for _, name := range required {
		names[name.(string)] = true
	}
	if !names["authKey"] || !names["userActions"] {
		t.Fatalf("expected authKey and userActions to be required, got %v", required)
	}
}
