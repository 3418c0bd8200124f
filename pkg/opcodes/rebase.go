package opcodes

import (
	"fmt"

	"github.com/appsworld/go-dyldinfo/types"
)

func (d *decoder) rebase(op, imm uint8) (bool, error) {
	ptrSize := d.cfg.pointerSize()

	switch op {
	case types.REBASE_OPCODE_DONE:
		return true, nil
	case types.REBASE_OPCODE_SET_TYPE_IMM:
		d.regs.ptrType = types.PointerType(imm)
	case types.REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
		offset, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		if err := d.setSegment(imm, offset); err != nil {
			return false, err
		}
	case types.REBASE_OPCODE_ADD_ADDR_ULEB:
		delta, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		d.regs.segOffset += delta
	case types.REBASE_OPCODE_ADD_ADDR_IMM_SCALED:
		d.regs.segOffset += uint64(imm) * ptrSize
	case types.REBASE_OPCODE_DO_REBASE_IMM_TIMES:
		return false, d.doRebase(uint64(imm), ptrSize)
	case types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES:
		count, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		return false, d.doRebase(count, ptrSize)
	case types.REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB:
		delta, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		return false, d.doRebase(1, delta+ptrSize)
	case types.REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB:
		count, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		skip, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		return false, d.doRebase(count, skip+ptrSize)
	default:
		return false, types.NewDecodeError(types.UnknownOpcode, 0, "unknown rebase opcode", fmt.Sprintf("%#02x", op|imm))
	}

	return false, nil
}

// doRebase rebases count pointers, advancing the offset by step after each
func (d *decoder) doRebase(count, step uint64) error {
	return d.repeat(count, step, func(seg types.Segment, addr uint64) {
		d.emit(fmt.Sprintf("%#016x %-16s %s", addr, seg.Name, d.regs.ptrType), addr)
	})
}
