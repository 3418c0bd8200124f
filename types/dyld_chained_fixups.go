package types

import "fmt"

// ExtractBits returns width bits of x starting at bit start
func ExtractBits(x uint64, start, width int32) uint64 {
	if width >= 64 {
		return x >> uint(start)
	}
	return (x >> uint(start)) & ((1 << uint(width)) - 1)
}

type DCSymbolsFormat uint32

const (
	DC_SFORMAT_UNCOMPRESSED    DCSymbolsFormat = 0
	DC_SFORMAT_ZLIB_COMPRESSED DCSymbolsFormat = 1
)

func (f DCSymbolsFormat) String() string {
	switch f {
	case DC_SFORMAT_UNCOMPRESSED:
		return "uncompressed"
	case DC_SFORMAT_ZLIB_COMPRESSED:
		return "zlib"
	}
	return fmt.Sprintf("unknown(%d)", uint32(f))
}

// DyldChainedFixupsHeader object is the header of the LC_DYLD_CHAINED_FIXUPS payload
type DyldChainedFixupsHeader struct {
	FixupsVersion uint32          // 0
	StartsOffset  uint32          // offset of DyldChainedStartsInImage in chain_data
	ImportsOffset uint32          // offset of imports table in chain_data
	SymbolsOffset uint32          // offset of symbol strings in chain_data
	ImportsCount  uint32          // number of imported symbol names
	ImportsFormat DCImportsFormat // DYLD_CHAINED_IMPORT*
	SymbolsFormat DCSymbolsFormat // 0 => uncompressed, 1 => zlib compressed
}

// DyldChainedFixupsHeaderSize is the on-disk size of DyldChainedFixupsHeader
const DyldChainedFixupsHeaderSize = 7 * 4

// DyldChainedStartsInImage this struct is embedded in LC_DYLD_CHAINED_FIXUPS payload
type DyldChainedStartsInImage struct {
	SegCount       uint32
	SegInfoOffsets []uint32 // each entry is offset into this struct for that segment, 0 => no fixups
	// followed by pool of dyld_chain_starts_in_segment data
}

// DCPtrKind are values for dyld_chained_starts_in_segment.pointer_format
type DCPtrKind uint16

const (
	DYLD_CHAINED_PTR_ARM64E              DCPtrKind = 1 // stride 8, unauth target is vmaddr
	DYLD_CHAINED_PTR_64                  DCPtrKind = 2 // target is vmaddr
	DYLD_CHAINED_PTR_32                  DCPtrKind = 3
	DYLD_CHAINED_PTR_32_CACHE            DCPtrKind = 4
	DYLD_CHAINED_PTR_32_FIRMWARE         DCPtrKind = 5
	DYLD_CHAINED_PTR_64_OFFSET           DCPtrKind = 6 // target is vm offset
	DYLD_CHAINED_PTR_ARM64E_KERNEL       DCPtrKind = 7 // stride 4, unauth target is vm offset
	DYLD_CHAINED_PTR_64_KERNEL_CACHE     DCPtrKind = 8
	DYLD_CHAINED_PTR_ARM64E_USERLAND     DCPtrKind = 9  // stride 8, unauth target is vm offset
	DYLD_CHAINED_PTR_ARM64E_FIRMWARE     DCPtrKind = 10 // stride 4, unauth target is vmaddr
	DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE DCPtrKind = 11 // stride 1, x86_64 kernel caches
	DYLD_CHAINED_PTR_ARM64E_USERLAND24   DCPtrKind = 12 // stride 8, unauth target is vm offset, 24-bit bind
)

func (k DCPtrKind) String() string {
	switch k {
	case DYLD_CHAINED_PTR_ARM64E:
		return "DYLD_CHAINED_PTR_ARM64E"
	case DYLD_CHAINED_PTR_64:
		return "DYLD_CHAINED_PTR_64"
	case DYLD_CHAINED_PTR_32:
		return "DYLD_CHAINED_PTR_32"
	case DYLD_CHAINED_PTR_32_CACHE:
		return "DYLD_CHAINED_PTR_32_CACHE"
	case DYLD_CHAINED_PTR_32_FIRMWARE:
		return "DYLD_CHAINED_PTR_32_FIRMWARE"
	case DYLD_CHAINED_PTR_64_OFFSET:
		return "DYLD_CHAINED_PTR_64_OFFSET"
	case DYLD_CHAINED_PTR_ARM64E_KERNEL:
		return "DYLD_CHAINED_PTR_ARM64E_KERNEL"
	case DYLD_CHAINED_PTR_64_KERNEL_CACHE:
		return "DYLD_CHAINED_PTR_64_KERNEL_CACHE"
	case DYLD_CHAINED_PTR_ARM64E_USERLAND:
		return "DYLD_CHAINED_PTR_ARM64E_USERLAND"
	case DYLD_CHAINED_PTR_ARM64E_FIRMWARE:
		return "DYLD_CHAINED_PTR_ARM64E_FIRMWARE"
	case DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return "DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE"
	case DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return "DYLD_CHAINED_PTR_ARM64E_USERLAND24"
	}
	return fmt.Sprintf("DYLD_CHAINED_PTR_UNKNOWN(%d)", uint16(k))
}

// DyldChainedStartsInSegment object is embedded in dyld_chain_starts_in_image
// and passed down to the kernel for page-in linking
type DyldChainedStartsInSegment struct {
	Size            uint32    // size of this (amount kernel needs to copy)
	PageSize        uint16    // 0x1000 or 0x4000
	PointerFormat   DCPtrKind // DYLD_CHAINED_PTR_*
	SegmentOffset   uint64    // offset in memory to start of segment
	MaxValidPointer uint32    // for 32-bit OS, any value beyond this is not a pointer
	PageCount       uint16    // how many pages are in array
	// uint16_t    page_start[1]      // each entry is offset in each page of first element in chain
	//                                 // or DYLD_CHAINED_PTR_START_NONE if no fixups on page
	// uint16_t    chain_starts[1];    // some 32-bit formats may require multiple starts per page.
	// for those, if high bit is set in page_starts[], then it
	// is index into chain_starts[] which is a list of starts
	// the last of which has the high bit set
}

// DyldChainedStartsInSegmentSize is the on-disk size of the fixed part of DyldChainedStartsInSegment
const DyldChainedStartsInSegmentSize = 4 + 2 + 2 + 8 + 4 + 2

type DCPtrStart uint16

const (
	DYLD_CHAINED_PTR_START_NONE  DCPtrStart = 0xFFFF // used in page_start[] to denote a page with no fixups
	DYLD_CHAINED_PTR_START_MULTI DCPtrStart = 0x8000 // used in page_start[] to denote a page which has multiple starts
	DYLD_CHAINED_PTR_START_LAST  DCPtrStart = 0x8000 // used in chain_starts[] to denote last start in list for page
)

// KeyName returns the chained pointer's key name
func KeyName(key uint64) string {
	name := []string{"IA", "IB", "DA", "DB"}
	if key >= 4 {
		return "ERROR"
	}
	return name[key]
}

// DCImportsFormat are values for dyld_chained_fixups_header.imports_format
type DCImportsFormat uint32

const (
	DC_IMPORT          DCImportsFormat = 1
	DC_IMPORT_ADDEND   DCImportsFormat = 2
	DC_IMPORT_ADDEND64 DCImportsFormat = 3
)

// Size returns the on-disk size of one import record
func (f DCImportsFormat) Size() int {
	switch f {
	case DC_IMPORT:
		return 4
	case DC_IMPORT_ADDEND:
		return 8
	case DC_IMPORT_ADDEND64:
		return 16
	}
	return 0
}

func (f DCImportsFormat) String() string {
	switch f {
	case DC_IMPORT:
		return "DYLD_CHAINED_IMPORT"
	case DC_IMPORT_ADDEND:
		return "DYLD_CHAINED_IMPORT_ADDEND"
	case DC_IMPORT_ADDEND64:
		return "DYLD_CHAINED_IMPORT_ADDEND64"
	}
	return fmt.Sprintf("unknown(%d)", uint32(f))
}

// DYLD_CHAINED_IMPORT
type DyldChainedImport uint32

// LibOrdinal returns the library ordinal, values above 0xF0 are the
// special (negative) ordinals
func (d DyldChainedImport) LibOrdinal() int64 {
	v := ExtractBits(uint64(d), 0, 8)
	if v > 0xF0 {
		return int64(int8(v))
	}
	return int64(v)
}
func (d DyldChainedImport) WeakImport() bool {
	return ExtractBits(uint64(d), 8, 1) == 1
}
func (d DyldChainedImport) NameOffset() uint64 {
	return ExtractBits(uint64(d), 9, 23)
}

// DYLD_CHAINED_IMPORT_ADDEND64
type DyldChainedImport64 uint64

func (d DyldChainedImport64) LibOrdinal() int64 {
	v := ExtractBits(uint64(d), 0, 16)
	if v > 0xFFF0 {
		return int64(int16(v))
	}
	return int64(v)
}
func (d DyldChainedImport64) WeakImport() bool {
	return ExtractBits(uint64(d), 16, 1) == 1
}
func (d DyldChainedImport64) NameOffset() uint64 {
	return ExtractBits(uint64(d), 32, 32)
}
