package main

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"offcache/internal/offcache"
)

var cmdSync = &cobra.Command{
	Use:   "sync",
	Short: "Fire a background-sync event on a running server",
	Long: `
The "sync" command tells a running offcache server that connectivity is back
for a sync tag, e.g. "contact-form".
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context(), syncOptions)
	},
}

type SyncOptions struct {
	Addr string
	Tag  string
}

var syncOptions SyncOptions

func init() {
	cmdRoot.AddCommand(cmdSync)

	f := cmdSync.Flags()
	f.StringVar(&syncOptions.Addr, "addr", "http://localhost:8080", "base URL of the running server")
	f.StringVar(&syncOptions.Tag, "tag", offcache.ContactFormTag, "sync tag")
}

func runSync(ctx context.Context, opts SyncOptions) error {
	u := strings.TrimRight(opts.Addr, "/") + offcache.AdminPrefix + "sync?tag=" + url.QueryEscape(opts.Tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "sync")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		return errors.Errorf("sync %s: status %d: %s", opts.Tag, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	log.Infof("sync %s accepted", opts.Tag)
	return nil
}
