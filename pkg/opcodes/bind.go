package opcodes

import (
	"fmt"

	"github.com/apex/log"
	"github.com/appsworld/go-dyldinfo/types"
)

func (d *decoder) bind(op, imm uint8) (bool, error) {
	ptrSize := d.cfg.pointerSize()

	switch op {
	case types.BIND_OPCODE_DONE:
		if d.mode != LazyBind {
			return true, nil
		}
		// lazy bind info is a sequence of records, one per stub, that
		// only share the segment and offset
		log.WithFields(log.Fields{
			"offset": fmt.Sprintf("%#x", d.c.FileOffset(d.opStart)),
			"symbol": d.regs.symbol,
		}).Debug("end of lazy bind record")
		d.regs.resetTransient()
	case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
		d.regs.libOrdinal = int64(imm)
	case types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
		ordinal, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		d.regs.libOrdinal = int64(ordinal)
	case types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
		// the special ordinals are small negative numbers
		if imm == 0 {
			d.regs.libOrdinal = 0
		} else {
			d.regs.libOrdinal = int64(int8(types.BIND_OPCODE_MASK | imm))
		}
	case types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
		name, err := d.c.CString()
		if err != nil {
			return false, err
		}
		d.regs.symbol = name
		d.regs.flags = imm
	case types.BIND_OPCODE_SET_TYPE_IMM:
		d.regs.ptrType = types.PointerType(imm)
	case types.BIND_OPCODE_SET_ADDEND_SLEB:
		addend, err := d.c.Sleb128()
		if err != nil {
			return false, err
		}
		d.regs.addend = addend
	case types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
		offset, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		if err := d.setSegment(imm, offset); err != nil {
			return false, err
		}
	case types.BIND_OPCODE_ADD_ADDR_ULEB:
		delta, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		d.regs.segOffset += delta
	case types.BIND_OPCODE_DO_BIND:
		return false, d.doBind(1, ptrSize)
	case types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
		delta, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		return false, d.doBind(1, delta+ptrSize)
	case types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
		return false, d.doBind(1, uint64(imm)*ptrSize+ptrSize)
	case types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
		count, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		skip, err := d.c.Uleb128()
		if err != nil {
			return false, err
		}
		return false, d.doBind(count, skip+ptrSize)
	case types.BIND_OPCODE_THREADED:
		switch imm {
		case types.BIND_SUBOPCODE_THREADED_SET_BIND_ORDINAL_TABLE_SIZE_ULEB:
			if _, err := d.c.Uleb128(); err != nil {
				return false, err
			}
		case types.BIND_SUBOPCODE_THREADED_APPLY:
		default:
			return false, types.NewDecodeError(types.UnknownOpcode, 0, "unknown threaded bind sub-opcode", imm)
		}
	default:
		return false, types.NewDecodeError(types.UnknownOpcode, 0, "unknown bind opcode", fmt.Sprintf("%#02x", op|imm))
	}

	return false, nil
}

// doBind binds count pointers, advancing the offset by step after each
func (d *decoder) doBind(count, step uint64) error {
	return d.repeat(count, step, func(seg types.Segment, addr uint64) {
		d.emit(d.bindCaption(seg, addr), addr)
	})
}

func (d *decoder) bindCaption(seg types.Segment, addr uint64) string {
	sym := d.cfg.Symbols.Lookup(d.regs.symbol)

	caption := fmt.Sprintf("%#016x %-16s %-10s ", addr, seg.Name, d.regs.ptrType)
	if d.mode == WeakBind {
		caption += sym.String()
	} else {
		caption += fmt.Sprintf("%s/%s", d.cfg.Symbols.Library(d.regs.libOrdinal), sym)
	}
	if d.regs.addend > 0 {
		caption += fmt.Sprintf(" + %#x", d.regs.addend)
	} else if d.regs.addend < 0 {
		caption += fmt.Sprintf(" - %#x", -d.regs.addend)
	}
	if d.regs.flags&types.BIND_SYMBOL_FLAGS_WEAK_IMPORT != 0 {
		caption += " (weak import)"
	}
	return caption
}
