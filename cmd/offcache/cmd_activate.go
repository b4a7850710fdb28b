package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cmdActivate = &cobra.Command{
	Use:   "activate",
	Short: "Activate the waiting generation and delete all others",
	Long: `
The "activate" command promotes the newest installed generation in cache.dir
and deletes every other generation. Run again, it deletes nothing.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runActivate(cmd.Context())
	},
}

func init() {
	cmdRoot.AddCommand(cmdActivate)
}

func runActivate(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := mgr.Activate(ctx); err != nil {
		return err
	}
	log.Infof("active generation: %s", store.Active())
	return nil
}
