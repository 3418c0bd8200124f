package fixupchains

import (
	"github.com/appsworld/go-dyldinfo/types"
)

// entry is one chain element split into its fields
type entry struct {
	bind bool
	auth bool
	next uint64

	target uint64 // rebase target, vmaddr or offset from the image base
	high8  uint64

	ordinal uint64
	addend  int64

	key        uint64
	diversity  uint64
	addrDiv    bool
	cacheLevel uint64
}

// pointerFormat is the bit layout a segment's chains are encoded with
type pointerFormat interface {
	kind() types.DCPtrKind
	size() int      // bytes per chain element
	stride() uint64 // bytes per unit of next
	decode(raw uint64) entry
	// vmaddr reports whether unauthenticated rebase targets are
	// vmaddrs rather than offsets from the image base
	vmaddr() bool
}

func formatFor(kind types.DCPtrKind) (pointerFormat, bool) {
	switch kind {
	case types.DYLD_CHAINED_PTR_ARM64E,
		types.DYLD_CHAINED_PTR_ARM64E_KERNEL,
		types.DYLD_CHAINED_PTR_ARM64E_USERLAND,
		types.DYLD_CHAINED_PTR_ARM64E_FIRMWARE,
		types.DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return arm64e{k: kind}, true
	case types.DYLD_CHAINED_PTR_64, types.DYLD_CHAINED_PTR_64_OFFSET:
		return generic64{k: kind}, true
	case types.DYLD_CHAINED_PTR_64_KERNEL_CACHE, types.DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return kernelCache64{k: kind}, true
	case types.DYLD_CHAINED_PTR_32:
		return generic32{}, true
	case types.DYLD_CHAINED_PTR_32_CACHE:
		return cache32{}, true
	case types.DYLD_CHAINED_PTR_32_FIRMWARE:
		return firmware32{}, true
	}
	return nil, false
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// arm64e covers the pointer authentication formats
type arm64e struct {
	k types.DCPtrKind
}

func (f arm64e) kind() types.DCPtrKind { return f.k }
func (f arm64e) size() int             { return 8 }

func (f arm64e) stride() uint64 {
	switch f.k {
	case types.DYLD_CHAINED_PTR_ARM64E_KERNEL, types.DYLD_CHAINED_PTR_ARM64E_FIRMWARE:
		return 4
	}
	return 8
}

func (f arm64e) vmaddr() bool {
	return f.k == types.DYLD_CHAINED_PTR_ARM64E || f.k == types.DYLD_CHAINED_PTR_ARM64E_FIRMWARE
}

func (f arm64e) ordinalBits() int32 {
	if f.k == types.DYLD_CHAINED_PTR_ARM64E_USERLAND24 {
		return 24
	}
	return 16
}

func (f arm64e) decode(raw uint64) entry {
	e := entry{
		next: types.ExtractBits(raw, 51, 11),
		bind: types.ExtractBits(raw, 62, 1) == 1,
		auth: types.ExtractBits(raw, 63, 1) == 1,
	}

	if e.auth {
		e.diversity = types.ExtractBits(raw, 32, 16)
		e.addrDiv = types.ExtractBits(raw, 48, 1) == 1
		e.key = types.ExtractBits(raw, 49, 2)
	}

	switch {
	case e.bind && e.auth:
		e.ordinal = types.ExtractBits(raw, 0, f.ordinalBits())
	case e.bind:
		e.ordinal = types.ExtractBits(raw, 0, f.ordinalBits())
		e.addend = signExtend(types.ExtractBits(raw, 32, 19), 19)
	case e.auth:
		e.target = types.ExtractBits(raw, 0, 32)
	default:
		e.target = types.ExtractBits(raw, 0, 43)
		e.high8 = types.ExtractBits(raw, 43, 8)
	}

	return e
}

// generic64 covers DYLD_CHAINED_PTR_64 and DYLD_CHAINED_PTR_64_OFFSET
type generic64 struct {
	k types.DCPtrKind
}

func (f generic64) kind() types.DCPtrKind { return f.k }
func (f generic64) size() int             { return 8 }
func (f generic64) stride() uint64        { return 4 }
func (f generic64) vmaddr() bool          { return f.k == types.DYLD_CHAINED_PTR_64 }

func (f generic64) decode(raw uint64) entry {
	e := entry{
		next: types.ExtractBits(raw, 51, 12),
		bind: types.ExtractBits(raw, 63, 1) == 1,
	}
	if e.bind {
		e.ordinal = types.ExtractBits(raw, 0, 24)
		e.addend = int64(types.ExtractBits(raw, 24, 8))
	} else {
		e.target = types.ExtractBits(raw, 0, 36)
		e.high8 = types.ExtractBits(raw, 36, 8)
	}
	return e
}

// kernelCache64 covers the kernel collection formats, which never bind
type kernelCache64 struct {
	k types.DCPtrKind
}

func (f kernelCache64) kind() types.DCPtrKind { return f.k }
func (f kernelCache64) size() int             { return 8 }
func (f kernelCache64) vmaddr() bool          { return false }

func (f kernelCache64) stride() uint64 {
	if f.k == types.DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE {
		return 1
	}
	return 4
}

func (f kernelCache64) decode(raw uint64) entry {
	e := entry{
		target:     types.ExtractBits(raw, 0, 30),
		cacheLevel: types.ExtractBits(raw, 30, 2),
		next:       types.ExtractBits(raw, 51, 12),
		auth:       types.ExtractBits(raw, 63, 1) == 1,
	}
	if e.auth {
		e.diversity = types.ExtractBits(raw, 32, 16)
		e.addrDiv = types.ExtractBits(raw, 48, 1) == 1
		e.key = types.ExtractBits(raw, 49, 2)
	}
	return e
}

// generic32 is DYLD_CHAINED_PTR_32
type generic32 struct{}

func (generic32) kind() types.DCPtrKind { return types.DYLD_CHAINED_PTR_32 }
func (generic32) size() int             { return 4 }
func (generic32) stride() uint64        { return 4 }
func (generic32) vmaddr() bool          { return true }

func (generic32) decode(raw uint64) entry {
	e := entry{
		next: types.ExtractBits(raw, 26, 5),
		bind: types.ExtractBits(raw, 31, 1) == 1,
	}
	if e.bind {
		e.ordinal = types.ExtractBits(raw, 0, 20)
		e.addend = int64(types.ExtractBits(raw, 20, 6))
	} else {
		e.target = types.ExtractBits(raw, 0, 26)
	}
	return e
}

// cache32 is DYLD_CHAINED_PTR_32_CACHE
type cache32 struct{}

func (cache32) kind() types.DCPtrKind { return types.DYLD_CHAINED_PTR_32_CACHE }
func (cache32) size() int             { return 4 }
func (cache32) stride() uint64        { return 4 }
func (cache32) vmaddr() bool          { return false }

func (cache32) decode(raw uint64) entry {
	return entry{
		target: types.ExtractBits(raw, 0, 30),
		next:   types.ExtractBits(raw, 30, 2),
	}
}

// firmware32 is DYLD_CHAINED_PTR_32_FIRMWARE
type firmware32 struct{}

func (firmware32) kind() types.DCPtrKind { return types.DYLD_CHAINED_PTR_32_FIRMWARE }
func (firmware32) size() int             { return 4 }
func (firmware32) stride() uint64        { return 4 }
func (firmware32) vmaddr() bool          { return true }

func (firmware32) decode(raw uint64) entry {
	return entry{
		target: types.ExtractBits(raw, 0, 26),
		next:   types.ExtractBits(raw, 26, 6),
	}
}
