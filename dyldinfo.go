// Package dyldinfo decodes the dynamic linker metadata of a Mach-O image
// (rebase and bind opcode streams, the export trie and chained fixups) into
// a tree of byte ranges annotated with what they encode.
//
// The caller locates the regions; a Layout only needs the image's segments
// and symbols to resolve what the regions refer to.
package dyldinfo

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"

	"github.com/appsworld/go-dyldinfo/pkg/fixupchains"
	"github.com/appsworld/go-dyldinfo/pkg/layout"
	"github.com/appsworld/go-dyldinfo/pkg/opcodes"
	"github.com/appsworld/go-dyldinfo/pkg/symbols"
	"github.com/appsworld/go-dyldinfo/pkg/trie"
	"github.com/appsworld/go-dyldinfo/types"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// BindNodeType selects one of the three bind opcode streams
type BindNodeType int

const (
	NodeTypeBind BindNodeType = iota
	NodeTypeWeakBind
	NodeTypeLazyBind
)

func (t BindNodeType) mode() opcodes.Mode {
	switch t {
	case NodeTypeWeakBind:
		return opcodes.WeakBind
	case NodeTypeLazyBind:
		return opcodes.LazyBind
	}
	return opcodes.Bind
}

// Layout is the base image layout the decoders resolve against. It is
// read only once built and may be shared by concurrent decodes.
type Layout struct {
	Segments  []types.Segment
	Symbols   *symbols.Table
	Is64Bit   bool
	Image     io.ReaderAt      // needed to walk fixup chains
	ByteOrder binary.ByteOrder // of the image, little endian if nil
}

func (l *Layout) opcodeConfig() opcodes.Config {
	return opcodes.Config{
		Segments: l.Segments,
		Symbols:  l.Symbols,
		Is64Bit:  l.Is64Bit,
	}
}

// CreateRebaseNode decodes a rebase opcode stream under parent
func (l *Layout) CreateRebaseNode(parent *layout.Node, caption string, region types.Region) (*layout.Node, error) {
	return opcodes.Decode(parent, caption, region, opcodes.Rebase, l.opcodeConfig())
}

// CreateBindingNode decodes a bind, weak bind or lazy bind opcode stream under parent
func (l *Layout) CreateBindingNode(parent *layout.Node, caption string, region types.Region, typ BindNodeType) (*layout.Node, error) {
	return opcodes.Decode(parent, caption, region, typ.mode(), l.opcodeConfig())
}

// CreateExportNode decodes an export trie under parent
func (l *Layout) CreateExportNode(parent *layout.Node, caption string, region types.Region) (*layout.Node, error) {
	return trie.Decode(parent, caption, region)
}

// CreateChainedFixupsNode decodes a LC_DYLD_CHAINED_FIXUPS payload under
// parent. The chains themselves are attached to parent next to the payload.
func (l *Layout) CreateChainedFixupsNode(parent *layout.Node, region types.Region) (*fixupchains.DyldChainedFixups, *layout.Node, error) {
	dcf := fixupchains.New(region, l.fixupsConfig())
	node, err := dcf.Decode(parent)
	return dcf, node, err
}

func (l *Layout) fixupsConfig() fixupchains.Config {
	return fixupchains.Config{
		Segments:  l.Segments,
		Image:     l.Image,
		Symbols:   l.Symbols,
		ByteOrder: l.ByteOrder,
	}
}

// RegionKind is the format of a Request's region
type RegionKind int

const (
	Rebase RegionKind = iota
	Bind
	WeakBind
	LazyBind
	Exports
	ChainedFixups
)

func (k RegionKind) String() string {
	switch k {
	case Rebase:
		return "rebase"
	case Bind:
		return "bind"
	case WeakBind:
		return "weak bind"
	case LazyBind:
		return "lazy bind"
	case Exports:
		return "exports"
	case ChainedFixups:
		return "chained fixups"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Request is one region for DecodeAll
type Request struct {
	Kind    RegionKind
	Caption string
	Region  types.Region
}

type result struct {
	nodes []*layout.Node
	err   error
}

func (l *Layout) decode(req Request) result {
	var (
		node *layout.Node
		err  error
	)

	switch req.Kind {
	case Rebase:
		node, err = l.CreateRebaseNode(nil, req.Caption, req.Region)
	case Bind:
		node, err = l.CreateBindingNode(nil, req.Caption, req.Region, NodeTypeBind)
	case WeakBind:
		node, err = l.CreateBindingNode(nil, req.Caption, req.Region, NodeTypeWeakBind)
	case LazyBind:
		node, err = l.CreateBindingNode(nil, req.Caption, req.Region, NodeTypeLazyBind)
	case Exports:
		node, err = l.CreateExportNode(nil, req.Caption, req.Region)
	case ChainedFixups:
		dcf := fixupchains.New(req.Region, l.fixupsConfig())
		node, err = dcf.Decode(nil)
		return result{nodes: append([]*layout.Node{node}, dcf.Chains...), err: err}
	default:
		return result{err: fmt.Errorf("unsupported region kind %s", req.Kind)}
	}

	return result{nodes: []*layout.Node{node}, err: err}
}

// DecodeAll decodes independent regions concurrently and attaches their
// trees to parent in request order. Every region is decoded even if others
// fail; the failures are returned together as a *multierror.Error, and the
// partial trees of failed regions are attached as well.
func (l *Layout) DecodeAll(ctx context.Context, parent *layout.Node, reqs []Request) error {
	results := make([]result, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = l.decode(req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var errs *multierror.Error
	for i, res := range results {
		if parent != nil {
			for _, node := range res.nodes {
				parent.Attach(node)
			}
		}
		if res.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s %q: %w", reqs[i].Kind, reqs[i].Caption, res.err))
		}
	}

	return errs.ErrorOrNil()
}
