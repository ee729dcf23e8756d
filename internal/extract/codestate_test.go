package extract

import (
	"encoding/json"
	"testing"

	"blocklog/internal/host"
	"blocklog/internal/host/hosttest"
)

func TestCodeStateSkipsTargetsWithoutSprite(t *testing.T) {
	project := &host.Project{TargetList: []*host.Target{
		{ID: "t1", Sprite: &host.Sprite{Name: "Cat"}},
		{ID: "bare"},
	}}
	state := CodeState(project)
	if len(state) != 1 || state[0].Name != "Cat" || state[0].ID != "t1" {
		t.Fatalf("unexpected code state %+v", state)
	}
	if string(state[0].Blocks) != "{}" {
		t.Fatalf("expected empty block object, got %s", state[0].Blocks)
	}
}

func TestCodeStateNilSource(t *testing.T) {
	if state := CodeState(nil); state != nil {
		t.Fatalf("expected nil code state, got %v", state)
	}
}

func TestCodeStateIsCapturedAtCallTime(t *testing.T) {
	project := hosttest.Project()
	state := CodeState(project)

	project.EditingTarget().Blocks["b2"].Opcode = "looks_say"

	var blocks map[string]host.Block
	for _, sprite := range state {
		if sprite.ID != "cat" {
			continue
		}
		if err := json.Unmarshal(sprite.Blocks, &blocks); err != nil {
			t.Fatalf("decode blocks: %v", err)
		}
	}
	if blocks["b2"].Opcode != "motion_movesteps" {
		t.Fatalf("expected snapshot to keep original opcode, got %q", blocks["b2"].Opcode)
	}
	if len(state) != 3 {
		t.Fatalf("expected stage and both cat targets, got %d", len(state))
	}
}
