package cmd

import (
	"os"

	"github.com/apex/log"
	dyldinfo "github.com/appsworld/go-dyldinfo"
	"github.com/appsworld/go-dyldinfo/pkg/symbols"
	"github.com/appsworld/go-dyldinfo/types"
	"github.com/blacktop/go-macho"
	mtypes "github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// image is an opened MachO with the regions its load commands point at
type image struct {
	*macho.File

	path     string
	size     uint64
	layout   *dyldinfo.Layout
	requests []dyldinfo.Request
	exports  *types.Region
}

type linkedit struct {
	kind    dyldinfo.RegionKind
	caption string
	off     uint32
	size    uint32
}

func dyldInfoRegions(rebaseOff, rebaseSize, bindOff, bindSize, weakOff, weakSize, lazyOff, lazySize, exportOff, exportSize uint32) []linkedit {
	return []linkedit{
		{dyldinfo.Rebase, "Rebase Info", rebaseOff, rebaseSize},
		{dyldinfo.Bind, "Binding Info", bindOff, bindSize},
		{dyldinfo.WeakBind, "Weak Binding Info", weakOff, weakSize},
		{dyldinfo.LazyBind, "Lazy Binding Info", lazyOff, lazySize},
		{dyldinfo.Exports, "Export Info", exportOff, exportSize},
	}
}

func openImage(path string) (*image, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}

	f, err := macho.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open MachO %s", path)
	}

	img := &image{
		File: f,
		path: path,
		size: uint64(fi.Size()),
		layout: &dyldinfo.Layout{
			Segments:  segments(f),
			Symbols:   symbolTable(f),
			Is64Bit:   f.Magic == mtypes.Magic64,
			Image:     f,
			ByteOrder: f.ByteOrder,
		},
	}

	var regions []linkedit
	for _, l := range f.Loads {
		switch cmd := l.(type) {
		case *macho.DyldInfo:
			regions = append(regions, dyldInfoRegions(cmd.RebaseOff, cmd.RebaseSize, cmd.BindOff, cmd.BindSize,
				cmd.WeakBindOff, cmd.WeakBindSize, cmd.LazyBindOff, cmd.LazyBindSize, cmd.ExportOff, cmd.ExportSize)...)
		case *macho.DyldInfoOnly:
			regions = append(regions, dyldInfoRegions(cmd.RebaseOff, cmd.RebaseSize, cmd.BindOff, cmd.BindSize,
				cmd.WeakBindOff, cmd.WeakBindSize, cmd.LazyBindOff, cmd.LazyBindSize, cmd.ExportOff, cmd.ExportSize)...)
		case *macho.DyldExportsTrie:
			regions = append(regions, linkedit{dyldinfo.Exports, "Exports Trie", cmd.Offset, cmd.Size})
		case *macho.DyldChainedFixups:
			regions = append(regions, linkedit{dyldinfo.ChainedFixups, "Chained Fixups", cmd.Offset, cmd.Size})
		}
	}

	base := f.GetBaseAddress()
	for _, r := range regions {
		if r.size == 0 {
			continue
		}
		region, err := img.readRegion(r.off, r.size, base)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "failed to read %s", r.caption)
		}
		img.requests = append(img.requests, dyldinfo.Request{Kind: r.kind, Caption: r.caption, Region: region})
		if r.kind == dyldinfo.Exports {
			img.exports = &region
		}
	}

	for _, seg := range img.layout.Segments {
		log.Debug(seg.String())
	}
	log.WithFields(log.Fields{
		"segments": len(img.layout.Segments),
		"symbols":  img.layout.Symbols.Len(),
		"regions":  len(img.requests),
	}).Debug("opened MachO")

	return img, nil
}

func (img *image) readRegion(off, size uint32, base uint64) (types.Region, error) {
	if uint64(off)+uint64(size) > img.size {
		return types.Region{}, errors.Errorf("region %#x-%#x past end of file", off, uint64(off)+uint64(size))
	}
	data := make([]byte, size)
	if _, err := img.ReadAt(data, int64(off)); err != nil {
		return types.Region{}, err
	}
	return types.Region{Data: data, FileOffset: uint64(off), BaseAddress: base}, nil
}

func segments(f *macho.File) []types.Segment {
	var segs []types.Segment
	for _, seg := range f.Segments() {
		segs = append(segs, types.Segment{
			Name:   seg.Name,
			Addr:   seg.Addr,
			Memsz:  seg.Memsz,
			Offset: seg.Offset,
			Filesz: seg.Filesz,
		})
	}
	return segs
}

// symbolTable maps every symtab name to its index, undefined symbols
// counted from the start of the dysymtab's undefined range
func symbolTable(f *macho.File) *symbols.Table {
	names := make(map[string]int64)
	if f.Symtab != nil {
		for i, sym := range f.Symtab.Syms {
			idx := int64(i)
			if dt := f.Dysymtab; dt != nil && uint32(i) >= dt.Iundefsym && uint32(i) < dt.Iundefsym+dt.Nundefsym {
				idx = -int64(uint32(i)-dt.Iundefsym) - 1
			}
			names[sym.Name] = idx
		}
	}
	return symbols.NewTable(names, f.ImportedLibraries())
}
