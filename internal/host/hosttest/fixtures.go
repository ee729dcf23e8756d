// Package hosttest provides host state fixtures shared by pipeline tests.
package hosttest

import "blocklog/internal/host"

// Project returns a small program: a stage with one global variable and a
// cat sprite being edited, holding two blocks, a shadow and one comment.
func Project() *host.Project {
	parent := "b1"
	return &host.Project{
		EditingTargetID: "cat",
		TargetList: []*host.Target{
			{
				ID:         "stage",
				IsStage:    true,
				IsOriginal: true,
				Sprite:     &host.Sprite{Name: "Stage"},
				Variables: map[string]*host.Variable{
					"score": {ID: "score", Name: "score", Type: ""},
				},
				Blocks: map[string]*host.Block{},
			},
			{
				ID:         "cat",
				IsOriginal: true,
				Sprite:     &host.Sprite{Name: "Cat"},
				Variables: map[string]*host.Variable{
					"speed": {ID: "speed", Name: "speed", Type: ""},
				},
				Comments: map[string]*host.Comment{
					"c1": {ID: "c1", BlockID: &parent, Text: "note"},
				},
				Blocks: map[string]*host.Block{
					"b1":     {ID: "b1", Opcode: "event_whenflagclicked", TopLevel: true},
					"b2":     {ID: "b2", Opcode: "motion_movesteps", Parent: &parent},
					"shadow": {ID: "shadow", Opcode: "math_number", Shadow: true, Parent: &parent},
				},
			},
			{
				ID:         "cat-clone",
				IsOriginal: false,
				Sprite:     &host.Sprite{Name: "Cat"},
				Variables: map[string]*host.Variable{
					"clonevar": {ID: "clonevar", Name: "cloned", Type: ""},
				},
			},
		},
	}
}

// StageEditing returns Project with the stage as the editing target.
func StageEditing() *host.Project {
	project := Project()
	project.EditingTargetID = "stage"
	return project
}
