// Package collector is a development logging endpoint. It accepts the batch
// frames clients send, replies with the save result and mirrors accepted
// records to a local router.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"blocklog/internal/telemetry"
	"blocklog/logging"
)

var errUnauthorized = errors.New("unauthorized")

const closeGracePeriod = time.Second

type Config struct {
	AuthKey string
	Logger  *zap.Logger
	Metrics telemetry.Metrics
	// Mirror receives every accepted record.
	Mirror logging.Publisher
	// NewUserID assigns ids to clients that connect without one.
	NewUserID func() string
}

type reply struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	NewUser string `json:"newUserId,omitempty"`
}

type Server struct {
	authKey   string
	logger    *zap.Logger
	metrics   telemetry.Metrics
	mirror    logging.Publisher
	newUserID func() string
	schema    *jsonschema.Schema
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	closed   bool
	conns    map[*websocket.Conn]struct{}
	handlers sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		authKey:   cfg.AuthKey,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		mirror:    cfg.Mirror,
		newUserID: cfg.NewUserID,
		schema:    schema,
		conns:     make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NopMetrics()
	}
	if s.mirror == nil {
		s.mirror = logging.NopPublisher()
	}
	if s.newUserID == nil {
		s.newUserID = uuid.NewString
	}
	return s, nil
}

// Routes mounts the endpoint and a health check.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/logging", s.HandleLogging)
	r.Get("/logging/", s.HandleLogging)
	return otelhttp.NewHandler(r, "collector")
}

// HandleLogging serves one client connection until it closes.
func (s *Server) HandleLogging(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	if !s.track(conn) {
		message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "collector shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
		conn.Close()
		return
	}
	defer s.untrack(conn)
	s.metrics.Add("collector.connections", 1)

	query := r.URL.Query()
	userID := query.Get("userId")
	taskID := query.Get("taskId")
	logger := s.logger.With(zap.String("task_id", taskID))

	if userID == "" {
		userID = s.newUserID()
		if !s.writeReply(conn, reply{NewUser: userID}) {
			return
		}
	}
	logger = logger.With(zap.String("user_id", userID))
	logger.Info("logging client connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Info("logging client disconnected", zap.Error(err))
			return
		}
		s.metrics.Add("collector.frames", 1)

		accepted, err := s.accept(r.Context(), message)
		if err != nil {
			s.metrics.Add("collector.rejected", 1)
			logger.Warn("rejecting batch", zap.Error(err))
			if !s.writeReply(conn, failure(err)) {
				return
			}
			continue
		}
		s.metrics.Add("collector.records", uint64(accepted))
		logger.Debug("batch saved", zap.Int("records", accepted))
		if !s.writeReply(conn, success()) {
			return
		}
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
	s.handlers.Done()
}

// Close disconnects every live client and waits for their handlers to
// return. Connections arriving afterwards are turned away. Hijacked
// websocket connections are not covered by http.Server.Shutdown.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "collector shutting down")
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// accept validates a frame and mirrors its records. It returns how many
// records were accepted.
func (s *Server) accept(ctx context.Context, message []byte) (int, error) {
	document, err := jsonschema.UnmarshalJSON(bytes.NewReader(message))
	if err != nil {
		return 0, fmt.Errorf("malformed payload: %w", err)
	}
	if err := s.schema.Validate(document); err != nil {
		return 0, fmt.Errorf("invalid payload: %w", err)
	}

	var batch struct {
		AuthKey     string           `json:"authKey"`
		UserActions []logging.Record `json:"userActions"`
	}
	if err := json.Unmarshal(message, &batch); err != nil {
		return 0, fmt.Errorf("invalid payload: %w", err)
	}
	if batch.AuthKey != s.authKey {
		return 0, errUnauthorized
	}

	for _, record := range batch.UserActions {
		s.mirror.Publish(ctx, record)
	}
	return len(batch.UserActions), nil
}

func (s *Server) writeReply(conn *websocket.Conn, msg reply) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.Error(err))
		return true
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Info("failed to write reply", zap.Error(err))
		return false
	}
	return true
}

func success() reply {
	ok := true
	return reply{Success: &ok}
}

func failure(err error) reply {
	ok := false
	return reply{Success: &ok, Error: err.Error()}
}
