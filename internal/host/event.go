// Package host describes the editor runtime the pipeline observes: the raw
// events it raises and the read-only view of its program state.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrNotObject is returned when a raw event payload is not a JSON object.
var ErrNotObject = errors.New("host: event is not an object")

// Block event types raised by the block workspace.
const (
	EventCreate        = "create"
	EventDelete        = "delete"
	EventChange        = "change"
	EventMove          = "move"
	EventUI            = "ui"
	EventVarCreate     = "var_create"
	EventVarRename     = "var_rename"
	EventVarDelete     = "var_delete"
	EventCommentCreate = "comment_create"
	EventCommentChange = "comment_change"
	EventCommentMove   = "comment_move"
	EventCommentDelete = "comment_delete"
	EventEndDrag       = "endDrag"
	EventDragOutside   = "dragOutside"
)

// RawEvent is a host event exactly as the editor raised it. Field names are
// the host's own.
type RawEvent map[string]any

// DecodeEvent parses a JSON encoded host event.
func DecodeEvent(data []byte) (RawEvent, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode host event: %w", err)
	}
	object, ok := value.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return RawEvent(object), nil
}

// Type returns the event's type tag, or "" when it is missing.
func (e RawEvent) Type() string {
	return e.String("type")
}

// String returns the named field when it holds a string.
func (e RawEvent) String(key string) string {
	if e == nil {
		return ""
	}
	value, _ := e[key].(string)
	return value
}

// ID returns the named field as an identifier. Hosts occasionally use
// numeric ids, which are rendered in their canonical decimal form.
func (e RawEvent) ID(key string) string {
	if e == nil {
		return ""
	}
	return idString(e[key])
}

// Bool returns the named field when it holds a boolean.
func (e RawEvent) Bool(key string) bool {
	if e == nil {
		return false
	}
	value, _ := e[key].(bool)
	return value
}

// Has reports whether the field is present and non-null.
func (e RawEvent) Has(key string) bool {
	if e == nil {
		return false
	}
	value, ok := e[key]
	return ok && value != nil
}

// Markup returns the embedded markup text carried in key. Hosts either send
// the text directly or wrap it in an element object exposing outerHTML.
func (e RawEvent) Markup(key string) string {
	if e == nil {
		return ""
	}
	switch value := e[key].(type) {
	case string:
		return value
	case map[string]any:
		text, _ := value["outerHTML"].(string)
		return text
	}
	return ""
}

func idString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	}
	return ""
}
