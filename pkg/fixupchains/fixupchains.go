// Package fixupchains decodes the LC_DYLD_CHAINED_FIXUPS payload and walks
// the fixup chains it describes.
package fixupchains

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/appsworld/go-dyldinfo/internal/cursor"
	"github.com/appsworld/go-dyldinfo/pkg/layout"
	"github.com/appsworld/go-dyldinfo/pkg/symbols"
	"github.com/appsworld/go-dyldinfo/types"
	"github.com/klauspost/compress/zlib"
)

// Config is what the decoder needs beyond the payload itself
type Config struct {
	Segments  []types.Segment  // indexed like the starts-in-image table
	Image     io.ReaderAt      // the whole image; nil skips walking the chains
	Symbols   *symbols.Table   // fallback names for bind ordinals past the imports table
	ByteOrder binary.ByteOrder // defaults to little endian
}

// Import is one entry of the imports table
type Import struct {
	Name       string
	Library    string
	LibOrdinal int64
	Weak       bool
	Addend     int64
}

func (i Import) String() string {
	s := fmt.Sprintf("%s/%s", i.Library, i.Name)
	if i.Addend != 0 {
		s += fmt.Sprintf(" + %#x", i.Addend)
	}
	if i.Weak {
		s += " (weak import)"
	}
	return s
}

// SegmentStarts is the dyld_chained_starts_in_segment record of one segment
type SegmentStarts struct {
	types.DyldChainedStartsInSegment
	Index      int                // segment index
	PageStarts []types.DCPtrStart // page_start[] followed by any chain_starts[]
}

// Fixup is one decoded chain element
type Fixup struct {
	Location uint64 // file offset of the element
	Address  uint64 // vmaddr of the element
	Raw      uint64

	Bind    bool
	Ordinal uint64
	Import  string
	Library string
	Addend  int64

	Target     uint64 // resolved rebase target
	NonPointer bool   // 32-bit value above max_valid_pointer

	Auth      bool
	Key       uint64
	Diversity uint64
	AddrDiv   bool
}

func (f Fixup) String() string {
	var s string
	if f.Bind {
		s = fmt.Sprintf("%#016x bind   %s/%s", f.Address, f.Library, f.Import)
		if f.Addend > 0 {
			s += fmt.Sprintf(" + %#x", f.Addend)
		} else if f.Addend < 0 {
			s += fmt.Sprintf(" - %#x", -f.Addend)
		}
	} else if f.NonPointer {
		s = fmt.Sprintf("%#016x value  %#x", f.Address, f.Target)
	} else {
		s = fmt.Sprintf("%#016x rebase -> %#x", f.Address, f.Target)
	}
	if f.Auth {
		s += fmt.Sprintf(" [auth key: %s, diversity: %#04x, addr: %t]", types.KeyName(f.Key), f.Diversity, f.AddrDiv)
	}
	return s
}

// DyldChainedFixups is a decoded LC_DYLD_CHAINED_FIXUPS payload
type DyldChainedFixups struct {
	types.DyldChainedFixupsHeader
	types.DyldChainedStartsInImage

	Starts  []SegmentStarts
	Imports []Import
	Fixups  []Fixup
	// Chains holds one node per segment with fixups, spanning the
	// segment's pages in the image; they live outside the payload.
	Chains []*layout.Node

	region types.Region
	cfg    Config
	c      *cursor.Cursor
	root   *layout.Node
	pool   []byte
	poolAt uint64
}

// New returns a decoder for the payload in region
func New(region types.Region, cfg Config) *DyldChainedFixups {
	if cfg.ByteOrder == nil {
		cfg.ByteOrder = binary.LittleEndian
	}
	return &DyldChainedFixups{
		region: region,
		cfg:    cfg,
		c:      cursor.New(region.Data, region.FileOffset).WithByteOrder(cfg.ByteOrder),
	}
}

// Decode decodes the payload and returns its node, attached to parent when
// parent is not nil. The nodes decoded before a fault are kept alongside
// the error.
//
// The chain nodes are attached to parent as well. They span the file range
// of the segments the chains live in, not the payload, so parent has to
// cover the whole image (not just __LINKEDIT) for the tree to Validate.
func (dcf *DyldChainedFixups) Decode(parent *layout.Node) (*layout.Node, error) {
	dcf.root = layout.NewNode("Chained Fixups", dcf.region.FileOffset, dcf.region.Length())
	if parent != nil {
		parent.Attach(dcf.root)
	}

	err := dcf.decode()

	if parent != nil {
		for _, chain := range dcf.Chains {
			parent.Attach(chain)
		}
	}

	return dcf.root, err
}

func (dcf *DyldChainedFixups) decode() error {
	if err := dcf.parseHeader(); err != nil {
		return err
	}
	if err := dcf.parseStarts(); err != nil {
		return err
	}
	if err := dcf.parseImports(); err != nil {
		return err
	}

	if dcf.cfg.Image == nil {
		log.WithField("segments", len(dcf.Starts)).Debug("no image reader, skipping fixup chains")
		return nil
	}

	for i := range dcf.Starts {
		if err := dcf.walkSegment(&dcf.Starts[i]); err != nil {
			return err
		}
	}

	return nil
}

func (dcf *DyldChainedFixups) invalid(pos int, msg string, val interface{}) error {
	return types.NewDecodeError(types.InvalidFixupsFormat, dcf.c.FileOffset(pos), msg, val)
}

func (dcf *DyldChainedFixups) parseHeader() error {
	start := dcf.c.Pos()

	var fields [7]uint32
	for i := range fields {
		v, err := dcf.c.Uint32()
		if err != nil {
			return err
		}
		fields[i] = v
	}
	h := types.DyldChainedFixupsHeader{
		FixupsVersion: fields[0],
		StartsOffset:  fields[1],
		ImportsOffset: fields[2],
		SymbolsOffset: fields[3],
		ImportsCount:  fields[4],
		ImportsFormat: types.DCImportsFormat(fields[5]),
		SymbolsFormat: types.DCSymbolsFormat(fields[6]),
	}
	dcf.DyldChainedFixupsHeader = h

	hdr := dcf.root.Insert("Chained Fixups Header", dcf.c.FileOffset(start), types.DyldChainedFixupsHeaderSize)
	captions := []string{
		fmt.Sprintf("fixups_version %d", h.FixupsVersion),
		fmt.Sprintf("starts_offset %#x", h.StartsOffset),
		fmt.Sprintf("imports_offset %#x", h.ImportsOffset),
		fmt.Sprintf("symbols_offset %#x", h.SymbolsOffset),
		fmt.Sprintf("imports_count %d", h.ImportsCount),
		fmt.Sprintf("imports_format %s", h.ImportsFormat),
		fmt.Sprintf("symbols_format %s", h.SymbolsFormat),
	}
	for i, caption := range captions {
		hdr.Insert(caption, dcf.c.FileOffset(start+4*i), 4)
	}

	size := uint64(len(dcf.region.Data))
	switch {
	case h.FixupsVersion != 0:
		return dcf.invalid(start, "unsupported fixups version", h.FixupsVersion)
	case uint64(h.StartsOffset) >= size:
		return dcf.invalid(start+4, "starts offset outside payload", h.StartsOffset)
	case uint64(h.ImportsOffset) > size:
		return dcf.invalid(start+8, "imports offset outside payload", h.ImportsOffset)
	case uint64(h.SymbolsOffset) > size:
		return dcf.invalid(start+12, "symbols offset outside payload", h.SymbolsOffset)
	case h.ImportsFormat.Size() == 0:
		return dcf.invalid(start+20, "unknown imports format", uint32(h.ImportsFormat))
	case h.SymbolsFormat != types.DC_SFORMAT_UNCOMPRESSED && h.SymbolsFormat != types.DC_SFORMAT_ZLIB_COMPRESSED:
		return dcf.invalid(start+24, "unknown symbols format", uint32(h.SymbolsFormat))
	}

	return nil
}

func (dcf *DyldChainedFixups) segmentName(index int) string {
	if index < len(dcf.cfg.Segments) {
		return dcf.cfg.Segments[index].Name
	}
	return fmt.Sprintf("seg%d", index)
}

func (dcf *DyldChainedFixups) parseStarts() error {
	base := int(dcf.StartsOffset)
	if err := dcf.c.Seek(base); err != nil {
		return err
	}

	count, err := dcf.c.Uint32()
	if err != nil {
		return err
	}
	if uint64(count)*4 > uint64(dcf.c.Remaining()) {
		return types.NewDecodeError(types.TruncatedStream, dcf.c.Offset(), "segment count exceeds payload", count)
	}
	dcf.SegCount = count
	dcf.SegInfoOffsets = make([]uint32, count)
	for i := range dcf.SegInfoOffsets {
		if dcf.SegInfoOffsets[i], err = dcf.c.Uint32(); err != nil {
			return err
		}
	}

	image := dcf.root.Insert("Starts In Image", dcf.c.FileOffset(base), uint64(4+4*count))
	image.Insert(fmt.Sprintf("seg_count %d", count), dcf.c.FileOffset(base), 4)
	for i, off := range dcf.SegInfoOffsets {
		caption := fmt.Sprintf("%-16s no fixups", dcf.segmentName(i))
		if off != 0 {
			caption = fmt.Sprintf("%-16s starts at %#x", dcf.segmentName(i), dcf.c.FileOffset(base+int(off)))
		}
		image.Insert(caption, dcf.c.FileOffset(base+4+4*i), 4)
	}

	for i, off := range dcf.SegInfoOffsets {
		if off == 0 {
			continue
		}
		if err := dcf.parseSegmentStarts(i, base+int(off)); err != nil {
			return err
		}
	}

	return nil
}

func (dcf *DyldChainedFixups) parseSegmentStarts(index, pos int) error {
	if err := dcf.c.Seek(pos); err != nil {
		return err
	}

	ss := SegmentStarts{Index: index}
	var err error
	if ss.Size, err = dcf.c.Uint32(); err != nil {
		return err
	}
	if ss.PageSize, err = dcf.c.Uint16(); err != nil {
		return err
	}
	format, err := dcf.c.Uint16()
	if err != nil {
		return err
	}
	ss.PointerFormat = types.DCPtrKind(format)
	if ss.SegmentOffset, err = dcf.c.Uint64(); err != nil {
		return err
	}
	if ss.MaxValidPointer, err = dcf.c.Uint32(); err != nil {
		return err
	}
	if ss.PageCount, err = dcf.c.Uint16(); err != nil {
		return err
	}

	// chain_starts[] for multi-start pages follow page_start[] within size
	n := int(ss.PageCount)
	if extra := (int(ss.Size) - types.DyldChainedStartsInSegmentSize) / 2; extra > n && extra <= dcf.c.Remaining()/2 {
		n = extra
	}
	ss.PageStarts = make([]types.DCPtrStart, n)
	for i := range ss.PageStarts {
		v, err := dcf.c.Uint16()
		if err != nil {
			return err
		}
		ss.PageStarts[i] = types.DCPtrStart(v)
	}

	seg := dcf.root.Insert(fmt.Sprintf("Starts In Segment %s", dcf.segmentName(index)), dcf.c.FileOffset(pos), uint64(dcf.c.Pos()-pos))
	seg.Insert(fmt.Sprintf("size %#x page_size %#x %s segment_offset %#x max_valid_pointer %#x page_count %d",
		ss.Size, ss.PageSize, ss.PointerFormat, ss.SegmentOffset, ss.MaxValidPointer, ss.PageCount),
		dcf.c.FileOffset(pos), types.DyldChainedStartsInSegmentSize)

	if _, ok := formatFor(ss.PointerFormat); !ok {
		return dcf.invalid(pos+6, "unknown pointer format", uint16(ss.PointerFormat))
	}
	if ss.PageSize == 0 {
		return dcf.invalid(pos+4, "zero page size", nil)
	}

	startsAt := pos + types.DyldChainedStartsInSegmentSize
	for page := 0; page < int(ss.PageCount); page++ {
		start := ss.PageStarts[page]
		if start == types.DYLD_CHAINED_PTR_START_NONE {
			continue
		}
		entryPos := startsAt + 2*page
		offs, err := dcf.pageOffsets(ss, page, entryPos)
		if err != nil {
			return err
		}
		caption := fmt.Sprintf("page %-4d start %#x", page, offs[0])
		if start&types.DYLD_CHAINED_PTR_START_MULTI != 0 {
			caption = fmt.Sprintf("page %-4d starts %#x", page, offs)
		}
		seg.Insert(caption, dcf.c.FileOffset(entryPos), 2)
	}

	dcf.Starts = append(dcf.Starts, ss)
	return nil
}

// pageOffsets returns the chain start offsets of one page, expanding
// DYLD_CHAINED_PTR_START_MULTI entries
func (dcf *DyldChainedFixups) pageOffsets(ss SegmentStarts, page, entryPos int) ([]uint64, error) {
	start := ss.PageStarts[page]

	if start&types.DYLD_CHAINED_PTR_START_MULTI == 0 {
		if uint64(start) >= uint64(ss.PageSize) {
			return nil, dcf.invalid(entryPos, "page start past end of page", uint16(start))
		}
		return []uint64{uint64(start)}, nil
	}

	var offs []uint64
	for i := int(start &^ types.DYLD_CHAINED_PTR_START_MULTI); ; i++ {
		if i >= len(ss.PageStarts) {
			return nil, dcf.invalid(entryPos, "chain start index out of range", i)
		}
		v := ss.PageStarts[i]
		off := uint64(v &^ types.DYLD_CHAINED_PTR_START_LAST)
		if off >= uint64(ss.PageSize) {
			return nil, dcf.invalid(entryPos, "page start past end of page", off)
		}
		offs = append(offs, off)
		if v&types.DYLD_CHAINED_PTR_START_LAST != 0 {
			return offs, nil
		}
	}
}

func (dcf *DyldChainedFixups) parseImports() error {
	if err := dcf.loadSymbolPool(); err != nil {
		return err
	}

	pos := int(dcf.ImportsOffset)
	if err := dcf.c.Seek(pos); err != nil {
		return err
	}
	size := dcf.ImportsFormat.Size()
	if uint64(dcf.ImportsCount)*uint64(size) > uint64(dcf.c.Remaining()) {
		return types.NewDecodeError(types.TruncatedStream, dcf.c.Offset(), "imports table exceeds payload", dcf.ImportsCount)
	}

	table := dcf.root.Insert("Imports", dcf.c.FileOffset(pos), uint64(dcf.ImportsCount)*uint64(size))

	for i := uint32(0); i < dcf.ImportsCount; i++ {
		at := dcf.c.Pos()

		var imp Import
		var nameOff uint64
		switch dcf.ImportsFormat {
		case types.DC_IMPORT, types.DC_IMPORT_ADDEND:
			v, err := dcf.c.Uint32()
			if err != nil {
				return err
			}
			ci := types.DyldChainedImport(v)
			imp.LibOrdinal, imp.Weak, nameOff = ci.LibOrdinal(), ci.WeakImport(), ci.NameOffset()
			if dcf.ImportsFormat == types.DC_IMPORT_ADDEND {
				addend, err := dcf.c.Uint32()
				if err != nil {
					return err
				}
				imp.Addend = int64(int32(addend))
			}
		case types.DC_IMPORT_ADDEND64:
			v, err := dcf.c.Uint64()
			if err != nil {
				return err
			}
			ci := types.DyldChainedImport64(v)
			imp.LibOrdinal, imp.Weak, nameOff = ci.LibOrdinal(), ci.WeakImport(), ci.NameOffset()
			addend, err := dcf.c.Uint64()
			if err != nil {
				return err
			}
			imp.Addend = int64(addend)
		}

		name, err := dcf.symbolName(nameOff)
		if err != nil {
			return types.At(err, dcf.c.FileOffset(at))
		}
		imp.Name = name
		imp.Library = dcf.cfg.Symbols.Library(imp.LibOrdinal)

		dcf.Imports = append(dcf.Imports, imp)
		table.Insert(fmt.Sprintf("[%d] %s", i, imp), dcf.c.FileOffset(at), uint64(size))
	}

	return nil
}

func (dcf *DyldChainedFixups) loadSymbolPool() error {
	pos := int(dcf.SymbolsOffset)
	raw := dcf.region.Data[pos:]
	dcf.poolAt = dcf.c.FileOffset(pos)

	caption := fmt.Sprintf("Symbol Strings (%s)", dcf.SymbolsFormat)
	dcf.root.Insert(caption, dcf.poolAt, uint64(len(raw)))

	if dcf.SymbolsFormat != types.DC_SFORMAT_ZLIB_COMPRESSED {
		dcf.pool = raw
		return nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return dcf.invalid(pos, "bad zlib symbol pool", err)
	}
	defer zr.Close()

	if dcf.pool, err = io.ReadAll(zr); err != nil {
		return dcf.invalid(pos, "bad zlib symbol pool", err)
	}
	log.WithFields(log.Fields{
		"compressed": len(raw),
		"size":       len(dcf.pool),
	}).Debug("inflated chained fixups symbol pool")

	return nil
}

func (dcf *DyldChainedFixups) symbolName(off uint64) (string, error) {
	c := cursor.New(dcf.pool, dcf.poolAt)
	if off > uint64(len(dcf.pool)) {
		return "", types.NewDecodeError(types.TruncatedStream, 0, "symbol name offset outside pool", off)
	}
	c.Seek(int(off))
	return c.CString()
}

func (dcf *DyldChainedFixups) walkSegment(ss *SegmentStarts) error {
	format, _ := formatFor(ss.PointerFormat)

	fileOff := ss.SegmentOffset
	if ss.Index < len(dcf.cfg.Segments) {
		fileOff = dcf.cfg.Segments[ss.Index].Offset
	}
	pageSize := uint64(ss.PageSize)

	segNode := layout.NewNode(fmt.Sprintf("Fixup Chains %s (%s)", dcf.segmentName(ss.Index), ss.PointerFormat),
		fileOff, uint64(ss.PageCount)*pageSize)
	dcf.Chains = append(dcf.Chains, segNode)

	for page := 0; page < int(ss.PageCount); page++ {
		if ss.PageStarts[page] == types.DYLD_CHAINED_PTR_START_NONE {
			continue
		}
		offs, err := dcf.pageOffsets(*ss, page, 0)
		if err != nil {
			return err
		}
		pageNode := segNode.Insert(fmt.Sprintf("page %d", page), fileOff+uint64(page)*pageSize, pageSize)
		for _, off := range offs {
			if err := dcf.walkChain(ss, format, fileOff, page, off, pageNode); err != nil {
				return err
			}
		}
	}

	return nil
}

// walkChain follows one chain from offset off in page until next is 0
func (dcf *DyldChainedFixups) walkChain(ss *SegmentStarts, f pointerFormat, fileOff uint64, page int, off uint64, pageNode *layout.Node) error {
	pageSize := uint64(ss.PageSize)
	pageStart := uint64(page) * pageSize
	size := uint64(f.size())
	buf := make([]byte, size)

	for {
		loc := fileOff + pageStart + off
		if off+size > pageSize {
			return types.NewDecodeError(types.ChainOutOfBounds, loc, "chain element crosses end of page", page)
		}

		if n, err := dcf.cfg.Image.ReadAt(buf, int64(loc)); n < len(buf) {
			return types.NewDecodeError(types.TruncatedStream, loc, "chain element past end of image", err)
		}
		var raw uint64
		if size == 8 {
			raw = dcf.cfg.ByteOrder.Uint64(buf)
		} else {
			raw = uint64(dcf.cfg.ByteOrder.Uint32(buf))
		}

		e := f.decode(raw)
		fixup := dcf.resolve(ss, f, e)
		fixup.Location = loc
		fixup.Address = dcf.region.BaseAddress + ss.SegmentOffset + pageStart + off
		fixup.Raw = raw

		dcf.Fixups = append(dcf.Fixups, fixup)
		pageNode.InsertMapped(fixup.String(), loc, size, fixup.Address)

		if e.next == 0 {
			return nil
		}
		off += e.next * f.stride()
		if off+size > pageSize {
			return types.NewDecodeError(types.ChainOutOfBounds, loc, "next stride leaves page", e.next)
		}
	}
}

func (dcf *DyldChainedFixups) resolve(ss *SegmentStarts, f pointerFormat, e entry) Fixup {
	fixup := Fixup{
		Bind:      e.bind,
		Auth:      e.auth,
		Key:       e.key,
		Diversity: e.diversity,
		AddrDiv:   e.addrDiv,
	}

	if e.bind {
		fixup.Ordinal = e.ordinal
		fixup.Addend = e.addend
		if e.ordinal < uint64(len(dcf.Imports)) {
			imp := dcf.Imports[e.ordinal]
			fixup.Import = imp.Name
			fixup.Library = imp.Library
			fixup.Addend += imp.Addend
		} else {
			log.WithFields(log.Fields{
				"ordinal": e.ordinal,
				"imports": len(dcf.Imports),
			}).Debug("bind ordinal past imports table")
			fixup.Import = dcf.cfg.Symbols.Ordinal(e.ordinal).Name
			fixup.Library = symbols.OrdinalTooLarge
		}
		return fixup
	}

	switch {
	case f.kind() == types.DYLD_CHAINED_PTR_32 && ss.MaxValidPointer != 0 && e.target > uint64(ss.MaxValidPointer):
		bias := (0x04000000 + uint64(ss.MaxValidPointer)) / 2
		fixup.Target = e.target - bias
		fixup.NonPointer = true
		log.WithFields(log.Fields{
			"value":             fmt.Sprintf("%#x", fixup.Target),
			"max_valid_pointer": fmt.Sprintf("%#x", ss.MaxValidPointer),
		}).Debug("32-bit chain element is not a pointer")
	case e.auth || !f.vmaddr():
		fixup.Target = dcf.region.BaseAddress + e.target
	default:
		fixup.Target = e.target
	}
	if e.high8 != 0 {
		fixup.Target |= e.high8 << 56
	}

	return fixup
}
