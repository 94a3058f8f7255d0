package absint

import (
	"github.com/chazu/tern/pkg/bytecode"
)

// regionKind classifies a lexical block region opened by a SETUP opcode.
type regionKind uint8

const (
	regionLoop regionKind = iota
	regionExcept
	regionFinally
)

func (k regionKind) String() string {
	switch k {
	case regionLoop:
		return "loop"
	case regionExcept:
		return "except"
	case regionFinally:
		return "finally"
	default:
		return "region?"
	}
}

// blockLayout is the result of a single linear pre-pass over the code:
// which region each POP_BLOCK closes, where each BREAK lands, and the set
// of offsets that can be reached by a jump. The fixed-point driver and the
// emission pass both consult it; neither re-derives block structure.
type blockLayout struct {
	popBlockKind map[int]regionKind // POP_BLOCK offset -> region it closes
	breakTarget  map[int]int        // BREAK offset -> loop end offset
	breakSetup   map[int]int        // BREAK offset -> SETUP_LOOP offset
	jumpTargets  map[int]bool       // offsets reachable by an explicit jump
	handlerAt    map[int]regionKind // handler body offset -> region kind
}

type openRegion struct {
	kind   regionKind
	setup  int
	target int
}

// layoutBlocks walks the code once, pairing SETUP opcodes with POP_BLOCK
// on a region stack. Regions must be strictly nested; streams that close a
// region they never opened, or break outside any loop, are rejected as
// unsupported rather than guessed at.
func layoutBlocks(fn *bytecode.Function) (*blockLayout, error) {
	layout := &blockLayout{
		popBlockKind: make(map[int]regionKind),
		breakTarget:  make(map[int]int),
		breakSetup:   make(map[int]int),
		jumpTargets:  make(map[int]bool),
		handlerAt:    make(map[int]regionKind),
	}

	var regions []openRegion
	for offset := 0; offset < fn.CodeLen(); {
		op := fn.OpcodeAt(offset)
		arg := fn.OperandAt(offset)

		switch op {
		case bytecode.OpSetupLoop:
			regions = append(regions, openRegion{kind: regionLoop, setup: offset, target: arg})
			layout.jumpTargets[arg] = true
		case bytecode.OpSetupExcept:
			regions = append(regions, openRegion{kind: regionExcept, setup: offset, target: arg})
			layout.jumpTargets[arg] = true
			layout.handlerAt[arg] = regionExcept
		case bytecode.OpSetupFinally:
			regions = append(regions, openRegion{kind: regionFinally, setup: offset, target: arg})
			layout.jumpTargets[arg] = true
			layout.handlerAt[arg] = regionFinally
		case bytecode.OpPopBlock:
			if len(regions) == 0 {
				return nil, unsupportedf("POP_BLOCK at offset %d closes no open region", offset)
			}
			top := regions[len(regions)-1]
			regions = regions[:len(regions)-1]
			layout.popBlockKind[offset] = top.kind
		case bytecode.OpBreak:
			loop, ok := innermostLoop(regions)
			if !ok {
				return nil, unsupportedf("BREAK at offset %d outside any loop", offset)
			}
			layout.breakTarget[offset] = loop.target
			layout.breakSetup[offset] = loop.setup
		case bytecode.OpContinue:
			if _, ok := innermostLoop(regions); !ok {
				return nil, unsupportedf("CONTINUE at offset %d outside any loop", offset)
			}
			layout.jumpTargets[arg] = true
		case bytecode.OpJump, bytecode.OpJumpIfTrue, bytecode.OpJumpIfFalse, bytecode.OpForIter:
			layout.jumpTargets[arg] = true
		}

		offset += op.InstructionLen()
	}

	return layout, nil
}

func innermostLoop(regions []openRegion) (openRegion, bool) {
	for i := len(regions) - 1; i >= 0; i-- {
		if regions[i].kind == regionLoop {
			return regions[i], true
		}
	}
	return openRegion{}, false
}
