// Package extract turns raw host events into the uniform (type, data) shape
// the log stores.
package extract

import (
	"strings"

	"blocklog/internal/host"
)

// Fields the host attaches for its own session bookkeeping. They never reach
// the log.
var strippedFields = map[string]struct{}{
	"type":        {},
	"group":       {},
	"workspaceId": {},
	"xml":         {},
	"oldXml":      {},
}

// Event is a normalized host event. Type is always set and Data is never nil.
type Event struct {
	Type string
	Data map[string]any
}

// ChildBlock is one block chained below the primary block of a markup
// fragment.
type ChildBlock struct {
	BlockID   string `json:"blockId"`
	BlockType string `json:"blockType"`
}

type rule struct {
	name    string
	matches func(eventType string) bool
	apply   func(x *Extractor, event host.RawEvent, state host.StateView, out *Event)
}

// Extractor applies the first rule that claims an event's type.
type Extractor struct {
	parser host.MarkupParser
	rules  []rule
}

// New returns an Extractor that reads embedded markup with parser. A nil
// parser reads XML.
func New(parser host.MarkupParser) *Extractor {
	if parser == nil {
		parser = host.XMLParser{}
	}
	return &Extractor{parser: parser, rules: defaultRules()}
}

var defaultExtractor = New(nil)

// Extract normalizes event with the default XML markup parser.
func Extract(event host.RawEvent, state host.StateView) Event {
	return defaultExtractor.Extract(event, state)
}

// Extract normalizes event against the host state it was raised in. Missing
// fields, stale ids and unreadable markup degrade to null or empty values.
func (x *Extractor) Extract(event host.RawEvent, state host.StateView) Event {
	eventType := event.Type()
	for _, r := range x.rules {
		if !r.matches(eventType) {
			continue
		}
		out := Event{Type: eventType, Data: baseData(event)}
		r.apply(x, event, state, &out)
		return out
	}
	return Event{Type: eventType, Data: map[string]any{}}
}

// RuleFor names the rule that handles eventType, or "" when the fallback
// applies.
func (x *Extractor) RuleFor(eventType string) string {
	for _, r := range x.rules {
		if r.matches(eventType) {
			return r.name
		}
	}
	return ""
}

func baseData(event host.RawEvent) map[string]any {
	data := make(map[string]any, len(event))
	for key, value := range event {
		if _, skip := strippedFields[key]; skip {
			continue
		}
		data[key] = value
	}
	return data
}

func exactly(types ...string) func(string) bool {
	return func(eventType string) bool {
		for _, t := range types {
			if t == eventType {
				return true
			}
		}
		return false
	}
}

func prefixed(prefix string) func(string) bool {
	return func(eventType string) bool {
		return strings.HasPrefix(eventType, prefix)
	}
}

// resolveBlockType returns the opcode of the block with the given id, or nil
// when the id is empty, there is no state or the block is unknown.
func resolveBlockType(state host.StateView, id string) any {
	if state == nil || id == "" {
		return nil
	}
	block, ok := state.Block(id)
	if !ok || block == nil {
		return nil
	}
	return block.Opcode
}
