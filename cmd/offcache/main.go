package main

import (
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"offcache/internal/offcache"
)

var version = "0.3.0"

type GlobalOptions struct {
	ConfigPath string
	LogFormat  string
}

var globalOptions GlobalOptions

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "offcache",
	Short: "Offline-first HTTP response cache for static sites",
	Long: `
offcache sits in front of a static site and serves it cache-first from a
versioned generation of pre-fetched assets. Misses go to the network, and
page loads fall back to an offline page when the origin is unreachable.
`,
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if globalOptions.LogFormat == "json" {
			log.SetFormatter(&log.JSONFormatter{})
		}
	},
}

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVarP(&globalOptions.ConfigPath, "config", "c", getenvDefault("OFFCACHE_CONFIG", "offcache.yaml"), "path to offcache.yaml")
	f.StringVar(&globalOptions.LogFormat, "log-format", "text", "log output format: text or json")
}

// loadConfig reads the config named by --config and applies its log level.
func loadConfig() (offcache.Config, error) {
	cfg, err := offcache.LoadConfig(globalOptions.ConfigPath)
	if err != nil {
		return offcache.Config{}, errors.Wrap(err, "load config")
	}
	lvl, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return offcache.Config{}, errors.Wrap(err, "logging.level")
	}
	log.SetLevel(lvl)
	return cfg, nil
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
