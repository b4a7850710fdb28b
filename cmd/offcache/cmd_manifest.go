package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"offcache/internal/offcache"
)

var cmdManifest = &cobra.Command{
	Use:   "manifest [flags]",
	Short: "Build a manifest from the site's sitemaps",
	Long: `
The "manifest" command reads one or more sitemaps (sitemap indexes and .gz
files included) and prints a manifest section ready to paste into
offcache.yaml, together with the generation name it would produce.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runManifest(cmd.Context(), manifestOptions)
	},
}

type ManifestOptions struct {
	Origin      string
	Sitemaps    []string
	Extra       []string
	OfflinePage string
	Prefix      string
}

var manifestOptions ManifestOptions

func init() {
	cmdRoot.AddCommand(cmdManifest)

	f := cmdManifest.Flags()
	f.StringVar(&manifestOptions.Origin, "origin", "", "site origin (default: server.origin from the config)")
	f.StringSliceVar(&manifestOptions.Sitemaps, "sitemap", []string{"/sitemap.xml"}, "sitemap URL or path, repeatable")
	f.StringSliceVar(&manifestOptions.Extra, "url", nil, "extra path to include, repeatable (e.g. /style.css)")
	f.StringVar(&manifestOptions.OfflinePage, "offline-page", "/offline.html", "page served to offline navigations")
	f.StringVar(&manifestOptions.Prefix, "prefix", "offcache", "generation name prefix")
}

func runManifest(ctx context.Context, opts ManifestOptions) error {
	origin := opts.Origin
	if origin == "" {
		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "no --origin given")
		}
		origin = cfg.Server.Origin
	}

	urls, err := offcache.DiscoverURLs(ctx, nil, origin, opts.Sitemaps)
	if err != nil {
		return err
	}
	man, err := offcache.Manifest{
		URLs:        append(opts.Extra, urls...),
		OfflinePage: opts.OfflinePage,
	}.Normalize()
	if err != nil {
		return err
	}

	out := struct {
		Cache struct {
			Version string `yaml:"version"`
		} `yaml:"cache"`
		Manifest offcache.Manifest `yaml:"manifest"`
	}{Manifest: man}
	out.Cache.Version = man.Version(opts.Prefix)

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}
