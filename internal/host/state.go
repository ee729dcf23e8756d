package host

import (
	"encoding/json"
	"fmt"
)

// Block is a single block as the host stores it.
type Block struct {
	ID       string         `json:"id"`
	Opcode   string         `json:"opcode"`
	Next     *string        `json:"next"`
	Parent   *string        `json:"parent"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Shadow   bool           `json:"shadow"`
	TopLevel bool           `json:"topLevel"`
}

// Variable is a host variable, list or broadcast message.
type Variable struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	IsCloud bool   `json:"isCloud"`
	Value   any    `json:"value,omitempty"`
}

// Comment is a workspace or block comment.
type Comment struct {
	ID      string  `json:"id"`
	BlockID *string `json:"blockId"`
	Text    string  `json:"text"`
}

// Sprite is the shared definition a target was instantiated from.
type Sprite struct {
	Name string `json:"name"`
}

// Target is a sprite instance or the stage.
type Target struct {
	ID         string               `json:"id"`
	IsStage    bool                 `json:"isStage"`
	IsOriginal bool                 `json:"isOriginal"`
	Sprite     *Sprite              `json:"sprite,omitempty"`
	Variables  map[string]*Variable `json:"variables,omitempty"`
	Comments   map[string]*Comment  `json:"comments,omitempty"`
	Blocks     map[string]*Block    `json:"blocks,omitempty"`
}

// LookupVariableByID returns the target's own variable with the given id.
func (t *Target) LookupVariableByID(id string) (*Variable, bool) {
	if t == nil || id == "" {
		return nil, false
	}
	variable, ok := t.Variables[id]
	return variable, ok && variable != nil
}

// LookupVariableByNameAndType searches only the target's own variables.
func (t *Target) LookupVariableByNameAndType(name, kind string) (*Variable, bool) {
	if t == nil {
		return nil, false
	}
	for _, variable := range t.Variables {
		if variable != nil && variable.Name == name && variable.Type == kind {
			return variable, true
		}
	}
	return nil, false
}

// HasComment reports whether the target owns the comment.
func (t *Target) HasComment(id string) bool {
	if t == nil || id == "" {
		return false
	}
	comment, ok := t.Comments[id]
	return ok && comment != nil
}

// Block returns the target's own block with the given id.
func (t *Target) Block(id string) (*Block, bool) {
	if t == nil || id == "" {
		return nil, false
	}
	block, ok := t.Blocks[id]
	return block, ok && block != nil
}

// StateView is the read-only capability the pipeline is handed for each
// event. Implementations never return an error; absent entities are reported
// through the boolean or a nil result.
type StateView interface {
	// Block looks up a block in the container that receives the event.
	Block(id string) (*Block, bool)
	EditingTarget() *Target
	Stage() *Target
	// OriginalTargets returns every non-clone target, stage included.
	OriginalTargets() []*Target
	// Targets returns every live target in execution order.
	Targets() []*Target
}

// Project is an in-memory StateView decoded from a saved program state.
// Block lookups resolve against the editing target.
type Project struct {
	TargetList      []*Target `json:"targets"`
	EditingTargetID string    `json:"editingTarget"`
}

// DecodeProject parses a JSON encoded Project.
func DecodeProject(data []byte) (*Project, error) {
	var project Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}
	return &project, nil
}

func (p *Project) Block(id string) (*Block, bool) {
	return p.EditingTarget().Block(id)
}

func (p *Project) EditingTarget() *Target {
	if p == nil {
		return nil
	}
	for _, target := range p.TargetList {
		if target != nil && target.ID == p.EditingTargetID {
			return target
		}
	}
	return nil
}

func (p *Project) Stage() *Target {
	if p == nil {
		return nil
	}
	for _, target := range p.TargetList {
		if target != nil && target.IsStage {
			return target
		}
	}
	return nil
}

func (p *Project) OriginalTargets() []*Target {
	if p == nil {
		return nil
	}
	originals := make([]*Target, 0, len(p.TargetList))
	for _, target := range p.TargetList {
		if target != nil && target.IsOriginal {
			originals = append(originals, target)
		}
	}
	return originals
}

func (p *Project) Targets() []*Target {
	if p == nil {
		return nil
	}
	return p.TargetList
}
