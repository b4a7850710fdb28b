package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var cmdGenerations = &cobra.Command{
	Use:     "generations",
	Aliases: []string{"ls"},
	Short:   "List cache generations in cache.dir",
	Long: `
The "generations" command lists every cache generation, oldest first, with
its entry count. The active generation is marked with '*'.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerations()
	},
}

func init() {
	cmdRoot.AddCommand(cmdGenerations)
}

func runGenerations() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	st := mgr.Status()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\tNAME\tENTRIES\tOFFLINE PAGE\n")
	for _, g := range st.Generations {
		mark := ""
		if g.Active {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", mark, g.Name, g.Entries, g.OfflinePage)
	}
	fmt.Fprintf(tw, "\nstate: %s\n", st.State)
	return tw.Flush()
}
