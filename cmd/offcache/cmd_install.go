package main

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"offcache/internal/offcache"
)

var cmdInstall = &cobra.Command{
	Use:   "install",
	Short: "Install the configured manifest as a new cache generation",
	Long: `
The "install" command fetches every manifest URL from the origin and stores
them as a new generation in cache.dir. The generation is left waiting unless
--activate is given. The server must not be running, it holds the store lock.

EXIT STATUS
===========

Exit status is 0 if the generation was installed, and non-zero if any
manifest URL could not be fetched (no generation is created in that case).
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstall(cmd.Context(), installOptions)
	},
}

type InstallOptions struct {
	Activate bool
}

var installOptions InstallOptions

func init() {
	cmdRoot.AddCommand(cmdInstall)

	f := cmdInstall.Flags()
	f.BoolVar(&installOptions.Activate, "activate", false, "activate the generation right away (skip waiting)")
}

func runInstall(ctx context.Context, opts InstallOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	gen, err := mgr.Install(ctx, cfg.Version(), cfg.Manifest)
	if err != nil {
		return err
	}
	log.Infof("installed %s with %d entries", gen.Name(), gen.Len())

	if !opts.Activate {
		return nil
	}
	return mgr.Activate(ctx)
}

func openManager(cfg offcache.Config) (*offcache.Storage, *offcache.Manager, error) {
	if cfg.Cache.Dir == "" {
		return nil, nil, errors.New("cache.dir is required for offline commands")
	}
	store, err := offcache.OpenStorage(cfg.Cache.Dir, cfg.RAMMax())
	if err != nil {
		return nil, nil, err
	}
	mgr, err := offcache.NewManager(store, offcache.Options{
		Origin:             cfg.Server.Origin,
		FetchTimeout:       cfg.FetchTimeout(),
		InstallConcurrency: cfg.Cache.InstallConcurrency,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, mgr, nil
}
