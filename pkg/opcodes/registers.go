package opcodes

import "github.com/appsworld/go-dyldinfo/types"

// registers is the state threaded through one opcode stream
type registers struct {
	segIndex   int // -1 until SET_SEGMENT_AND_OFFSET_ULEB
	segOffset  uint64
	symbol     string
	flags      uint8
	libOrdinal int64
	addend     int64
	ptrType    types.PointerType
}

func newRegisters() registers {
	return registers{
		segIndex: -1,
		ptrType:  types.BIND_TYPE_POINTER,
	}
}

// resetTransient clears everything but the segment and offset
func (r *registers) resetTransient() {
	*r = registers{
		segIndex:  r.segIndex,
		segOffset: r.segOffset,
		ptrType:   types.BIND_TYPE_POINTER,
	}
}
