package logging

import (
	"context"
	"encoding/json"
)

// Record is one accepted user action. It is immutable once appended to a log.
// UserID and TaskID are the client identity at the time the action was
// logged; the endpoint may reassign the user id mid-session.
type Record struct {
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	CodeState CodeState      `json:"codeState"`
	UserID    string         `json:"userId"`
	TaskID    string         `json:"taskId"`
}

// CodeState is the program as it stood when the action was logged, one entry
// per sprite-backed target. A nil CodeState encodes as null.
type CodeState []SpriteState

// SpriteState captures one target's blocks. Blocks are serialized at capture
// time so later edits in the host cannot leak into an older record.
type SpriteState struct {
	Name   string          `json:"name"`
	ID     string          `json:"id"`
	Blocks json.RawMessage `json:"blocks"`
}

type Publisher interface {
	Publish(ctx context.Context, record Record)
}

type PublisherFunc func(ctx context.Context, record Record)

func (f PublisherFunc) Publish(ctx context.Context, record Record) {
	if f == nil {
		return
	}
	f(ctx, record)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Record) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

// Tee publishes every record to each non-nil publisher in order.
func Tee(publishers ...Publisher) Publisher {
	filtered := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	switch len(filtered) {
	case 0:
		return NopPublisher()
	case 1:
		return filtered[0]
	}
	return PublisherFunc(func(ctx context.Context, record Record) {
		for _, p := range filtered {
			p.Publish(ctx, record)
		}
	})
}

// Clone copies the record's top-level data map and code state slice.
func (r Record) Clone() Record {
	cloned := r
	if r.Data != nil {
		copied := make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			copied[k] = v
		}
		cloned.Data = copied
	}
	if r.CodeState != nil {
		cloned.CodeState = append(CodeState(nil), r.CodeState...)
	}
	return cloned
}
