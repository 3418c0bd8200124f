package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	dyldinfo "github.com/appsworld/go-dyldinfo"
	"github.com/appsworld/go-dyldinfo/pkg/layout"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().BoolP("rebase", "r", false, "Dump rebase info")
	dumpCmd.Flags().BoolP("bind", "b", false, "Dump binding info")
	dumpCmd.Flags().BoolP("weak", "w", false, "Dump weak binding info")
	dumpCmd.Flags().BoolP("lazy", "l", false, "Dump lazy binding info")
	dumpCmd.Flags().BoolP("exports", "e", false, "Dump the export trie")
	dumpCmd.Flags().BoolP("fixups", "f", false, "Dump chained fixups")
	dumpCmd.Flags().BoolP("json", "j", false, "Print the layout tree as JSON")

	viper.BindPFlag("dump.rebase", dumpCmd.Flags().Lookup("rebase"))
	viper.BindPFlag("dump.bind", dumpCmd.Flags().Lookup("bind"))
	viper.BindPFlag("dump.weak", dumpCmd.Flags().Lookup("weak"))
	viper.BindPFlag("dump.lazy", dumpCmd.Flags().Lookup("lazy"))
	viper.BindPFlag("dump.exports", dumpCmd.Flags().Lookup("exports"))
	viper.BindPFlag("dump.fixups", dumpCmd.Flags().Lookup("fixups"))
	viper.BindPFlag("dump.json", dumpCmd.Flags().Lookup("json"))

	dumpCmd.MarkZshCompPositionalArgumentFile(1)
}

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:           "dump <macho>",
	Aliases:       []string{"d"},
	Short:         "Dump the dyld info of a MachO as a layout tree",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		selected := map[dyldinfo.RegionKind]bool{
			dyldinfo.Rebase:        viper.GetBool("dump.rebase"),
			dyldinfo.Bind:          viper.GetBool("dump.bind"),
			dyldinfo.WeakBind:      viper.GetBool("dump.weak"),
			dyldinfo.LazyBind:      viper.GetBool("dump.lazy"),
			dyldinfo.Exports:       viper.GetBool("dump.exports"),
			dyldinfo.ChainedFixups: viper.GetBool("dump.fixups"),
		}
		all := true
		for _, on := range selected {
			if on {
				all = false
			}
		}

		img, err := openImage(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer img.Close()

		var reqs []dyldinfo.Request
		for _, req := range img.requests {
			if all || selected[req.Kind] {
				reqs = append(reqs, req)
			}
		}
		if len(reqs) == 0 {
			log.Warn("no matching dyld info found")
			return nil
		}

		root := layout.NewNode(filepath.Base(img.path), 0, img.size)
		decodeErr := img.layout.DecodeAll(context.Background(), root, reqs)

		if viper.GetBool("dump.json") {
			dat, err := json.MarshalIndent(root, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to marshal layout tree")
			}
			fmt.Println(string(dat))
		} else {
			printSummary(os.Stdout, reqs)
			if err := printTree(os.Stdout, root); err != nil {
				return err
			}
		}

		if err := root.Validate(); err != nil {
			log.WithError(err).Warn("layout tree has overlapping ranges")
		}
		if decodeErr != nil {
			return errors.Wrapf(decodeErr, "failed to decode dyld info of %s", img.path)
		}

		return nil
	},
}
