// Package denoise decides whether a raw host event is user-caused signal or
// noise that must never reach the log.
package denoise

import "blocklog/internal/host"

// Reason names the rule that classified an event as noise.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMalformed        Reason = "malformed"
	ReasonAutomated        Reason = "automated"
	ReasonMissingBlock     Reason = "missing_block"
	ReasonShadowBlock      Reason = "shadow_block"
	ReasonVariableExists   Reason = "variable_exists"
	ReasonVariableConflict Reason = "variable_conflict"
	ReasonMissingComment   Reason = "missing_comment"
	ReasonCommentBlock     Reason = "missing_comment_block"
)

// undoableTypes normally record an undo step. When they arrive without one
// the runtime raised them itself.
var undoableTypes = map[string]struct{}{
	host.EventVarCreate: {},
	host.EventCreate:    {},
	host.EventMove:      {},
	host.EventDelete:    {},
}

// IsNoise reports whether event should be discarded.
func IsNoise(event host.RawEvent, state host.StateView) bool {
	return Classify(event, state) != ReasonNone
}

// Classify returns the first rule that marks event as noise, or ReasonNone.
// It never panics on missing fields; a rule whose inputs are absent simply
// does not match.
func Classify(event host.RawEvent, state host.StateView) Reason {
	if event == nil || event.Type() == "" {
		return ReasonMalformed
	}
	if IsAutomatedAction(event) {
		return ReasonAutomated
	}
	return hostSuppressed(event, state)
}

// IsAutomatedAction reports whether an undoable action type arrived without
// its undo flag.
func IsAutomatedAction(event host.RawEvent) bool {
	if _, ok := undoableTypes[event.Type()]; !ok {
		return false
	}
	return !event.Bool("recordUndo")
}

// hostSuppressed mirrors the runtime's own filtering so that the log never
// records an action the runtime ignores.
func hostSuppressed(event host.RawEvent, state host.StateView) Reason {
	if state == nil {
		return ReasonNone
	}
	switch event.Type() {
	case host.EventDelete:
		block, ok := state.Block(event.ID("blockId"))
		if !ok {
			return ReasonMissingBlock
		}
		if block.Shadow {
			return ReasonShadowBlock
		}
	case host.EventVarCreate:
		return variableSuppressed(event, state)
	case host.EventCommentChange, host.EventCommentMove:
		target := state.EditingTarget()
		if target != nil && !target.HasComment(event.ID("commentId")) {
			return ReasonMissingComment
		}
	case host.EventCommentDelete:
		target := state.EditingTarget()
		if target == nil {
			return ReasonNone
		}
		if !target.HasComment(event.ID("commentId")) {
			return ReasonMissingComment
		}
		if blockID := event.ID("blockId"); blockID != "" {
			if _, ok := target.Block(blockID); !ok {
				return ReasonCommentBlock
			}
		}
	}
	return ReasonNone
}

func variableSuppressed(event host.RawEvent, state host.StateView) Reason {
	varID := event.ID("varId")
	editing := state.EditingTarget()

	if event.Bool("isLocal") && editing != nil && !editing.IsStage && !event.Bool("isCloud") {
		if _, exists := editing.LookupVariableByID(varID); exists {
			return ReasonVariableExists
		}
		return ReasonNone
	}

	if stage := state.Stage(); stage != nil && varID != "" {
		if _, exists := stage.LookupVariableByID(varID); exists {
			return ReasonVariableExists
		}
	}
	name := event.String("varName")
	kind := event.String("varType")
	for _, target := range state.OriginalTargets() {
		if _, exists := target.LookupVariableByID(varID); exists {
			return ReasonVariableExists
		}
		if _, exists := target.LookupVariableByNameAndType(name, kind); exists {
			return ReasonVariableConflict
		}
	}
	return ReasonNone
}
