// Package opcodes decodes the LC_DYLD_INFO rebase and bind opcode streams.
//
// Every opcode byte carries the opcode in its high nibble and an immediate
// in its low nibble, optionally followed by ULEB128/SLEB128 or string
// operands. A single pass threads a register set through the stream and
// emits one layout node per rebase or bind actually performed.
package opcodes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/appsworld/go-dyldinfo/internal/cursor"
	"github.com/appsworld/go-dyldinfo/pkg/layout"
	"github.com/appsworld/go-dyldinfo/pkg/symbols"
	"github.com/appsworld/go-dyldinfo/types"
)

// Mode selects which opcode stream is decoded
type Mode int

const (
	Rebase Mode = iota
	Bind
	WeakBind
	LazyBind
)

func (m Mode) String() string {
	switch m {
	case Rebase:
		return "rebase"
	case Bind:
		return "bind"
	case WeakBind:
		return "weak bind"
	case LazyBind:
		return "lazy bind"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Config is the part of the base image layout the streams refer to
type Config struct {
	Segments []types.Segment // indexed by the SET_SEGMENT_AND_OFFSET immediates
	Symbols  *symbols.Table  // nil leaves every symbol unresolved
	Is64Bit  bool
}

func (c Config) pointerSize() uint64 {
	if c.Is64Bit {
		return 8
	}
	return 4
}

type decoder struct {
	cfg  Config
	mode Mode
	c    *cursor.Cursor
	root *layout.Node
	regs registers

	opStart int // region position of the opcode being executed
	emitted int // actions emitted by that opcode
}

// Decode decodes region as an opcode stream of the given mode and returns
// the stream's node, attached to parent when parent is not nil. On a
// malformed stream the nodes decoded before the fault are kept and a
// *types.DecodeError pointing at the offending opcode is returned.
func Decode(parent *layout.Node, caption string, region types.Region, mode Mode, cfg Config) (*layout.Node, error) {
	d := &decoder{
		cfg:  cfg,
		mode: mode,
		c:    cursor.New(region.Data, region.FileOffset),
		root: layout.NewNode(caption, region.FileOffset, region.Length()),
		regs: newRegisters(),
	}
	if parent != nil {
		parent.Attach(d.root)
	}

	step := d.bind
	if mode == Rebase {
		step = d.rebase
	}

	for !d.c.EOF() {
		d.opStart = d.c.Pos()
		d.emitted = 0

		b, err := d.c.ReadByte()
		if err != nil {
			return d.root, err
		}

		done, err := step(b&types.BIND_OPCODE_MASK, b&types.BIND_IMMEDIATE_MASK)
		if err != nil {
			var de *types.DecodeError
			if errors.As(err, &de) && de.Kind != types.UnknownOpcode {
				de.Msg = strings.TrimSuffix(d.opcodeName(b)+": "+de.Msg, ": ")
			}
			return d.root, types.At(err, d.c.FileOffset(d.opStart))
		}
		if done {
			break
		}
	}

	return d.root, nil
}

// emit appends one action node. The first action of an opcode spans the
// opcode's bytes, repeats are zero length markers at the opcode's end.
func (d *decoder) emit(caption string, address uint64) {
	start, end := d.opStart, d.c.Pos()
	if d.emitted > 0 {
		start = end
	}
	d.root.InsertMapped(caption, d.c.FileOffset(start), uint64(end-start), address)
	d.emitted++
}

func (d *decoder) setSegment(index uint8, offset uint64) error {
	if int(index) >= len(d.cfg.Segments) {
		return types.NewDecodeError(types.InvalidSegmentIndex, 0,
			fmt.Sprintf("segment index out of range (%d segments)", len(d.cfg.Segments)), index)
	}
	d.regs.segIndex = int(index)
	d.regs.segOffset = offset
	return nil
}

// target returns the segment and vmaddr the registers currently point at
func (d *decoder) target() (types.Segment, uint64, error) {
	if d.regs.segIndex < 0 {
		return types.Segment{}, 0, types.NewDecodeError(types.InvalidSegmentIndex, 0,
			fmt.Sprintf("%s before any segment was set", d.mode), nil)
	}
	seg := d.cfg.Segments[d.regs.segIndex]
	if d.regs.segOffset >= seg.Memsz {
		return seg, 0, types.NewDecodeError(types.InvalidSegmentIndex, 0,
			fmt.Sprintf("offset %#x past end of segment", d.regs.segOffset), seg.Name)
	}
	return seg, seg.Addr + d.regs.segOffset, nil
}

// repeat performs count actions, advancing the offset by step after each.
// Only the actions that land inside the segment are performed, a run that
// asks for more fails once those are emitted.
func (d *decoder) repeat(count, step uint64, action func(seg types.Segment, addr uint64)) error {
	if count == 0 {
		return nil
	}
	if count > 1 && step == 0 {
		return types.NewDecodeError(types.InvalidSegmentIndex, 0,
			fmt.Sprintf("%d actions at the same offset %#x", count, d.regs.segOffset), nil)
	}
	seg, _, err := d.target()
	if err != nil {
		return err
	}

	n := count
	if step > 0 {
		if fits := (seg.Memsz-1-d.regs.segOffset)/step + 1; fits < n {
			n = fits
		}
	}
	for i := uint64(0); i < n; i++ {
		action(seg, seg.Addr+d.regs.segOffset)
		d.regs.segOffset += step
	}
	if n < count {
		return types.NewDecodeError(types.InvalidSegmentIndex, 0,
			fmt.Sprintf("%d of %d actions past end of segment", count-n, count), seg.Name)
	}
	return nil
}

func (d *decoder) opcodeName(b uint8) string {
	if d.mode == Rebase {
		return types.RebaseOpcodeName(b)
	}
	return types.BindOpcodeName(b)
}
