package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/muhamadazmy/qbd/internal/cache"
	"github.com/muhamadazmy/qbd/internal/config"
	"github.com/muhamadazmy/qbd/internal/device"
	"github.com/muhamadazmy/qbd/internal/metrics"
	"github.com/muhamadazmy/qbd/internal/nbd"
	"github.com/muhamadazmy/qbd/internal/paged"
	"github.com/muhamadazmy/qbd/internal/store"
	"github.com/muhamadazmy/qbd/pkg/fs"
)

func newServeCmd(f *flags) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "attach the volume to the NBD device and serve requests",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}

			err = cfg.Validate()
			if err != nil {
				return err
			}

			return serve(cfg, workers)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", nbd.DefaultWorkers, "request worker pool size")

	return cmd
}

func serve(cfg config.Config, workers int) error {
	log := newLogger(cfg)
	fsys := fs.NewReal()

	// One process per volume: the lock lives next to the cache file and
	// is held for the lifetime of the attachment.
	lock, err := fs.NewLocker(fsys).TryLock(cfg.CachePath + ".lock")
	if err != nil {
		return fmt.Errorf("locking volume (is another qbd serving it?): %w", err)
	}

	defer func() { _ = lock.Close() }()

	met := metrics.New()

	dev, err := openDevice(fsys, cfg, log, met)
	if err != nil {
		return err
	}

	defer func() { _ = dev.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsListen != "" {
		err = metrics.Serve(ctx, cfg.MetricsListen, met, log)
		if err != nil {
			return fmt.Errorf("starting metrics endpoint: %w", err)
		}
	}

	server, err := nbd.Attach(cfg.NBDPath, dev, workers, log.WithField("device", cfg.NBDPath))
	if err != nil {
		return err
	}

	defer func() { _ = server.Close() }()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		server.Disconnect()
	}()

	err = server.Serve()
	if err != nil {
		return fmt.Errorf("serving requests: %w", err)
	}

	// Disconnect path: drain dirty pages and release the files.
	err = dev.Flush()
	if err != nil {
		return fmt.Errorf("final flush: %w", err)
	}

	log.Info("detached")

	return nil
}

// openDevice opens the cache file and every store segment, verifies
// their geometry against the configuration, and assembles the engine.
func openDevice(fsys fs.FS, cfg config.Config, log *logrus.Logger, met *metrics.Set) (*device.Device, error) {
	cacheFile, err := openChecked(fsys, cfg.CachePath, cfg.PageSize)
	if err != nil {
		return nil, err
	}

	wantData, err := cfg.CacheDataSize()
	if err != nil {
		_ = cacheFile.Close()

		return nil, err
	}

	if cacheFile.Meta().DataSize != wantData {
		_ = cacheFile.Close()

		return nil, fmt.Errorf("%w: cache %s has data size %d, configuration requires %d",
			paged.ErrInvalidFormat, cfg.CachePath, cacheFile.Meta().DataSize, wantData)
	}

	storeFiles, err := cfg.StoreFiles()
	if err != nil {
		_ = cacheFile.Close()

		return nil, err
	}

	segments := make([]*paged.File, 0, len(storeFiles))

	closeAll := func() {
		_ = cacheFile.Close()

		for _, seg := range segments {
			_ = seg.Close()
		}
	}

	for _, sf := range storeFiles {
		seg, err := openChecked(fsys, sf.Path, cfg.PageSize)
		if err != nil {
			closeAll()

			return nil, err
		}

		if uint64(seg.Meta().DataSize) != sf.Size {
			_ = seg.Close()
			closeAll()

			return nil, fmt.Errorf("%w: store %s has data size %d, configuration says %d",
				paged.ErrInvalidFormat, sf.Path, seg.Meta().DataSize, sf.Size)
		}

		segments = append(segments, seg)
	}

	st, err := store.New(segments)
	if err != nil {
		closeAll()

		return nil, err
	}

	c, err := cache.Open(cacheFile, st, log.WithField("component", "cache"), met)
	if err != nil {
		closeAll()

		return nil, err
	}

	return device.New(c, log.WithField("component", "device"), met), nil
}

// openChecked opens a paged file and verifies its page size matches the
// configuration.
func openChecked(fsys fs.FS, path string, pageSize uint32) (*paged.File, error) {
	f, err := paged.Open(fsys, path)
	if err != nil {
		return nil, err
	}

	if f.PageSize() != pageSize {
		_ = f.Close()

		return nil, fmt.Errorf("%w: %s has page size %d, configuration says %d",
			paged.ErrInvalidFormat, path, f.PageSize(), pageSize)
	}

	return f, nil
}
