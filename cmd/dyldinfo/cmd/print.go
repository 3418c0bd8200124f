package cmd

import (
	"fmt"
	"io"
	"strings"

	dyldinfo "github.com/appsworld/go-dyldinfo"
	"github.com/appsworld/go-dyldinfo/pkg/layout"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

var colorOffset = color.New(color.Faint).SprintfFunc()
var colorAddr = color.New(color.Faint, color.FgCyan).SprintfFunc()
var colorCaption = color.New(color.Bold).SprintFunc()
var colorRegion = color.New(color.Bold, color.FgHiBlue).SprintFunc()
var colorSize = color.New(color.Faint, color.FgMagenta).SprintfFunc()
var colorFlags = color.New(color.FgYellow).SprintfFunc()

func printSummary(w io.Writer, reqs []dyldinfo.Request) {
	for _, req := range reqs {
		fmt.Fprintf(w, "%-28s %s %s\n",
			colorRegion(req.Caption),
			colorOffset("off=%#08x-%#08x", req.Region.FileOffset, req.Region.FileOffset+req.Region.Length()),
			colorSize("(%s)", humanize.Bytes(req.Region.Length())))
	}
	fmt.Fprintln(w)
}

func printTree(w io.Writer, root *layout.Node) error {
	return root.Walk(func(n *layout.Node, depth int) error {
		caption := n.Caption()
		if n.NumChildren() > 0 {
			caption = colorCaption(caption)
		}
		addr := ""
		if a, ok := n.Address(); ok {
			addr = " " + colorAddr("@ %#x", a)
		}
		_, err := fmt.Fprintf(w, "%s%s %s%s\n",
			strings.Repeat("  ", depth),
			colorOffset("%08x-%08x", n.Offset(), n.End()),
			caption,
			addr)
		return err
	})
}
