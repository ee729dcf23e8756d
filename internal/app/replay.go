package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"blocklog/internal/host"
	"blocklog/internal/pipeline"
)

// Message sources understood by Replay.
const (
	SourceListen  = "listen"
	SourceControl = "control"
	SourceGUI     = "gui"
	SourceCostume = "costume"
	SourceSprite  = "sprite"
	SourceNotify  = "notify"
)

const maxMessageSize = 4 << 20

// Message is one recorded host interaction.
type Message struct {
	Source   string         `json:"source"`
	Type     string         `json:"type,omitempty"`
	Event    host.RawEvent  `json:"event,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Target   string         `json:"target,omitempty"`
	Property string         `json:"property,omitempty"`
	Value    any            `json:"value,omitempty"`
}

// Runtime relays recorded lifecycle notifications to subscribers.
type Runtime struct {
	mu       sync.Mutex
	handlers map[string][]func()
}

func NewRuntime() *Runtime {
	return &Runtime{handlers: make(map[string][]func())}
}

func (r *Runtime) Subscribe(notification string, handler func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[notification] = append(r.handlers[notification], handler)
}

// Emit calls every handler subscribed to notification.
func (r *Runtime) Emit(notification string) int {
	r.mu.Lock()
	handlers := append([]func(){}, r.handlers[notification]...)
	r.mu.Unlock()
	for _, handler := range handlers {
		handler()
	}
	return len(handlers)
}

// Replayer feeds recorded host messages into a pipeline.
type Replayer struct {
	Logger  *pipeline.Logger
	State   host.StateView
	Runtime *Runtime
	Log     *zap.Logger
}

// Replay reads newline-delimited messages from r until EOF or ctx ends.
// Undecodable lines are skipped. It returns how many messages were applied.
func (p *Replayer) Replay(ctx context.Context, r io.Reader) (int, error) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	applied := 0
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn("skipping undecodable message", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := p.apply(msg); err != nil {
			log.Warn("skipping message", zap.Int("line", line), zap.Error(err))
			continue
		}
		applied++
	}
	if err := scanner.Err(); err != nil {
		return applied, fmt.Errorf("read messages: %w", err)
	}
	return applied, nil
}

func (p *Replayer) apply(msg Message) error {
	switch msg.Source {
	case SourceListen:
		p.Logger.LogListenEvent(msg.Event, p.State)
	case SourceControl:
		if msg.Type == "" {
			return fmt.Errorf("control message without type")
		}
		p.Logger.LogControlEvent(msg.Type, p.State)
	case SourceGUI:
		if msg.Type == "" {
			return fmt.Errorf("gui message without type")
		}
		p.Logger.LogGuiEvent(msg.Type, msg.Data)
	case SourceCostume:
		if msg.Type == "" {
			return fmt.Errorf("costume message without type")
		}
		p.Logger.LogCostumeEvent(msg.Type, msg.Data, p.State)
	case SourceSprite:
		p.Logger.LogSpriteChange(msg.Target, msg.Property, msg.Value)
	case SourceNotify:
		if p.Runtime == nil || p.Runtime.Emit(msg.Type) == 0 {
			return fmt.Errorf("no subscriber for notification %q", msg.Type)
		}
	default:
		return fmt.Errorf("unknown message source %q", msg.Source)
	}
	return nil
}
