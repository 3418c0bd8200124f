package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	"github.com/appsworld/go-dyldinfo/pkg/trie"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(lookupCmd)
	lookupCmd.MarkZshCompPositionalArgumentFile(1)
}

// lookupCmd represents the lookup command
var lookupCmd = &cobra.Command{
	Use:           "lookup <macho> [symbol]...",
	Aliases:       []string{"l"},
	Short:         "Find exported symbols in a MachO's export trie",
	Long:          "Find exported symbols in a MachO's export trie, or list every export if no symbol is given.",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		img, err := openImage(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer img.Close()

		if img.exports == nil {
			return fmt.Errorf("%s has no export trie", img.path)
		}

		if len(args) == 1 {
			entries, err := trie.ParseTrie(img.exports.Data, img.exports.BaseAddress)
			for _, e := range entries {
				fmt.Println(e)
			}
			if err != nil {
				return errors.Wrap(err, "failed to parse export trie")
			}
			return nil
		}

		var missing int
		for _, sym := range args[1:] {
			e, err := trie.Find(img.exports.Data, sym, img.exports.BaseAddress)
			if errors.Is(err, trie.ErrNotFound) {
				log.Errorf("%s not exported", sym)
				missing++
				continue
			} else if err != nil {
				return errors.Wrapf(err, "failed to look up %s", sym)
			}
			fmt.Printf("%s\t%s\t%s\n", colorAddr("%#x", e.Address), e, colorFlags("[%s]", e.Flags))
		}
		if missing > 0 {
			return fmt.Errorf("%d of %d symbols not found", missing, len(args)-1)
		}

		return nil
	},
}
