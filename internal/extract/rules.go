package extract

import (
	"blocklog/internal/host"
)

const elementSelected = "selected"

func defaultRules() []rule {
	return []rule{
		{name: "create", matches: exactly(host.EventCreate), apply: (*Extractor).applyCreate},
		{name: "delete", matches: exactly(host.EventDelete), apply: (*Extractor).applyDelete},
		{name: "block", matches: exactly(host.EventChange, host.EventMove), apply: (*Extractor).applyBlock},
		{name: "ui", matches: exactly(host.EventUI), apply: (*Extractor).applyUI},
		{name: "comment", matches: prefixed("comment"), apply: (*Extractor).applyComment},
		{name: "variable", matches: prefixed("var"), apply: (*Extractor).applyVariable},
		{name: "drag", matches: exactly(host.EventEndDrag, host.EventDragOutside), apply: (*Extractor).applyBlock},
	}
}

// The created block is not registered with the host yet, so its type comes
// from the markup. The host lookup only covers events without markup.
func (x *Extractor) applyCreate(event host.RawEvent, state host.StateView, out *Event) {
	markup := event.Markup("xml")
	root := x.parse(markup)
	if markup != "" {
		out.Data["outerHTML"] = markup
	}

	out.Data["blockType"] = resolveBlockType(state, event.ID("blockId"))
	if root != nil && root.Name == "block" {
		if blockType := root.Attr("type"); blockType != "" {
			out.Data["blockType"] = blockType
		}
		if id := root.Attr("id"); id != "" {
			out.Data["blockId"] = id
		}
	}
	out.Data["children"] = chainedBlocks(root)
}

func (x *Extractor) applyDelete(event host.RawEvent, state host.StateView, out *Event) {
	markup := event.Markup("oldXml")
	root := x.parse(markup)
	if markup != "" {
		out.Data["outerHTML"] = markup
	}

	blockType := resolveBlockType(state, event.ID("blockId"))
	if blockType == nil && root != nil && root.Name == "block" && root.Attr("type") != "" {
		blockType = root.Attr("type")
	}
	out.Data["blockType"] = blockType
	out.Data["children"] = chainedBlocks(root)
}

func (x *Extractor) applyBlock(event host.RawEvent, state host.StateView, out *Event) {
	out.Data["blockType"] = resolveBlockType(state, event.ID("blockId"))
}

func (x *Extractor) applyUI(event host.RawEvent, state host.StateView, out *Event) {
	if event.Has("blockId") {
		out.Data["blockType"] = resolveBlockType(state, event.ID("blockId"))
	}
	element := event.String("element")
	if element == "" {
		return
	}
	out.Type = host.EventUI + "_" + element
	if element == elementSelected {
		out.Data["oldBlockType"] = resolveBlockType(state, event.ID("oldValue"))
		out.Data["newBlockType"] = resolveBlockType(state, event.ID("newValue"))
	}
}

func (x *Extractor) applyComment(event host.RawEvent, state host.StateView, out *Event) {
	out.Data["blockType"] = resolveBlockType(state, event.ID("blockId"))
	switch event.Type() {
	case host.EventCommentCreate, host.EventCommentDelete:
		if markup := event.Markup("xml"); markup != "" {
			out.Data["outerHTML"] = markup
		}
	}
}

// Rename events carry no locality flag. A variable owned by the sprite being
// edited is local; anything else is global.
func (x *Extractor) applyVariable(event host.RawEvent, state host.StateView, out *Event) {
	if event.Type() != host.EventVarRename {
		return
	}
	local := false
	if state != nil {
		if editing := state.EditingTarget(); editing != nil && !editing.IsStage {
			_, local = editing.LookupVariableByID(event.ID("varId"))
		}
	}
	out.Data["isLocal"] = local
}

func (x *Extractor) parse(markup string) *host.Node {
	if markup == "" {
		return nil
	}
	root, err := x.parser.ParseMarkup(markup)
	if err != nil {
		return nil
	}
	return root
}

// chainedBlocks follows next wrappers below root. Each wrapper must hold
// exactly one block element; anything else ends the chain.
func chainedBlocks(root *host.Node) []ChildBlock {
	children := make([]ChildBlock, 0)
	if root == nil || root.Name != "block" {
		return children
	}
	node := root
	for {
		next, ok := node.Child("next")
		if !ok || len(next.Children) != 1 {
			return children
		}
		child := next.Children[0]
		if child == nil || child.Name != "block" {
			return children
		}
		children = append(children, ChildBlock{BlockID: child.Attr("id"), BlockType: child.Attr("type")})
		node = child
	}
}
