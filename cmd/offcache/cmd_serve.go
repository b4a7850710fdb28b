package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"offcache/internal/offcache"
	"offcache/internal/telemetry"
)

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy",
	Long: `
The "serve" command listens on server.port and answers requests cache-first.
On start it installs the configured manifest and activates it. SIGHUP
re-reads the config and runs a new install/activate cycle while the current
generation keeps serving.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	cmdRoot.AddCommand(cmdServe)
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "offcache", cfg.Telemetry.Endpoint)
	if err != nil {
		return errors.Wrap(err, "init tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warnf("flush traces: %v", err)
		}
	}()

	svc, err := offcache.NewService(cfg)
	if err != nil {
		return errors.Wrap(err, "init service")
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("offcache listening on %s, origin=%s, generation=%s", addr, cfg.Server.Origin, cfg.Version())
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server error: %v", err)
			stop()
		}
	}()

	svc.Start()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case <-hup:
			next, err := loadConfig()
			if err != nil {
				log.Errorf("reload: %v", err)
				continue
			}
			log.Infof("reloading, generation=%s", next.Version())
			svc.Reload(next)
		}
	}
}
