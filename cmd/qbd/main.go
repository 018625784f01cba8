// Package main provides qbd, a user-space block device backed by
// ordinary files: a page cache file on fast media in front of one or
// more store files that concatenate into the logical volume, exposed to
// the kernel through NBD.
package main

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/muhamadazmy/qbd/internal/config"
)

// flags carries CLI values before they merge over the config file.
type flags struct {
	configPath string

	nbdPath       string
	cachePath     string
	cacheSize     uint64
	pageSize      uint32
	storeURLs     []string
	metricsListen string
	debugLevel    string
}

func main() {
	root := newRootCmd()

	err := root.Execute()
	if err != nil {
		logrus.WithError(err).Fatal("qbd failed")
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "qbd",
		Short: "file-backed block device over NBD",
		Long: `qbd presents a block volume via the kernel NBD interface while
storing data in ordinary files: a fast cache file absorbs the working
set with LRU eviction, and one or more store files hold the
authoritative pages.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()

	// Config file keys use snake_case; accept the same spelling on the
	// command line.
	pf.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	pf.StringVarP(&f.configPath, "config", "c", "", "path to a JSONC config file")
	pf.StringVar(&f.nbdPath, "nbd", "", "NBD device node to attach (e.g. /dev/nbd0)")
	pf.StringVar(&f.cachePath, "cache", "", "path to the cache file")
	pf.Uint64Var(&f.cacheSize, "cache-size", 0, "total size of the cache file in bytes")
	pf.Uint32Var(&f.pageSize, "page-size", 0, "page size in bytes (power of two)")
	pf.StringArrayVar(&f.storeURLs, "store", nil, "store segment url (file:///path?size=bytes), order is significant; repeatable")
	pf.StringVar(&f.metricsListen, "metrics", "", "listen address for the metrics endpoint")
	pf.StringVar(&f.debugLevel, "debug", "", "log verbosity (debug, info, warn, error)")

	root.AddCommand(newServeCmd(f))
	root.AddCommand(newMkfsCmd(f))
	root.AddCommand(newInspectCmd())

	return root
}

// loadConfig resolves the effective configuration: defaults, then the
// config file if given, then explicit flags on top.
func (f *flags) loadConfig() (config.Config, error) {
	cfg := config.Default()

	if f.configPath != "" {
		loaded, err := config.Load(f.configPath, cfg)
		if err != nil {
			return config.Config{}, err
		}

		cfg = loaded
	}

	if f.nbdPath != "" {
		cfg.NBDPath = f.nbdPath
	}

	if f.cachePath != "" {
		cfg.CachePath = f.cachePath
	}

	if f.cacheSize != 0 {
		cfg.CacheSize = f.cacheSize
	}

	if f.pageSize != 0 {
		cfg.PageSize = f.pageSize
	}

	if len(f.storeURLs) != 0 {
		cfg.StoreURLs = f.storeURLs
	}

	if f.metricsListen != "" {
		cfg.MetricsListen = f.metricsListen
	}

	if f.debugLevel != "" {
		cfg.DebugLevel = f.debugLevel
	}

	return cfg, nil
}

// newLogger builds the process logger from the configured level.
func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if cfg.DebugLevel == "" {
		log.SetLevel(logrus.WarnLevel)

		return log
	}

	level, err := logrus.ParseLevel(cfg.DebugLevel)
	if err != nil {
		log.WithField("debug_level", cfg.DebugLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}

	log.SetLevel(level)

	return log
}
