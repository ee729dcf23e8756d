package extract

import (
	"encoding/json"

	"blocklog/internal/host"
	"blocklog/logging"
)

// TargetSource is the part of the host state a code snapshot reads.
type TargetSource interface {
	Targets() []*host.Target
}

var emptyBlocks = json.RawMessage(`{}`)

// CodeState snapshots the blocks of every sprite-backed target. Targets
// without a sprite are skipped. A nil source yields nil.
func CodeState(source TargetSource) logging.CodeState {
	if source == nil {
		return nil
	}
	state := make(logging.CodeState, 0)
	for _, target := range source.Targets() {
		if target == nil || target.Sprite == nil {
			continue
		}
		state = append(state, logging.SpriteState{
			Name:   target.Sprite.Name,
			ID:     target.ID,
			Blocks: encodeBlocks(target.Blocks),
		})
	}
	return state
}

func encodeBlocks(blocks map[string]*host.Block) json.RawMessage {
	if len(blocks) == 0 {
		return emptyBlocks
	}
	encoded, err := json.Marshal(blocks)
	if err != nil {
		return emptyBlocks
	}
	return encoded
}
