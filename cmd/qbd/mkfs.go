package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/muhamadazmy/qbd/internal/config"
	"github.com/muhamadazmy/qbd/internal/paged"
	"github.com/muhamadazmy/qbd/pkg/fs"
)

func newMkfsCmd(f *flags) *cobra.Command {
	var (
		force       bool
		writeConfig string
	)

	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "pre-allocate the cache file and store segments",
		Long: `mkfs creates the cache file and every store segment with zeroed
metadata and data sections. Existing files are left alone unless --force
is given. The engine never resizes files at runtime; run mkfs once
before the first serve.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}

			err = cfg.Validate()
			if err != nil {
				return err
			}

			err = mkfs(cfg, force)
			if err != nil {
				return err
			}

			if writeConfig != "" {
				return emitConfig(cfg, writeConfig)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "recreate files that already exist, destroying their contents")
	cmd.Flags().StringVar(&writeConfig, "write-config", "", "also write the effective configuration to this path")

	return cmd
}

func mkfs(cfg config.Config, force bool) error {
	fsys := fs.NewReal()

	cacheData, err := cfg.CacheDataSize()
	if err != nil {
		return err
	}

	err = createFile(fsys, cfg.CachePath, cfg.PageSize, cacheData, force)
	if err != nil {
		return err
	}

	storeFiles, err := cfg.StoreFiles()
	if err != nil {
		return err
	}

	for _, sf := range storeFiles {
		err = createFile(fsys, sf.Path, cfg.PageSize, uint32(sf.Size), force)
		if err != nil {
			return err
		}
	}

	return nil
}

func createFile(fsys fs.FS, path string, pageSize, dataSize uint32, force bool) error {
	exists, err := fsys.Exists(path)
	if err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	if exists && !force {
		fmt.Printf("%s exists, skipping (use --force to recreate)\n", path)

		return nil
	}

	err = paged.Create(fsys, path, pageSize, dataSize)
	if err != nil {
		return err
	}

	m := paged.Meta{PageSize: pageSize, DataSize: dataSize}
	fmt.Printf("%s: %d slots of %d bytes (%d bytes on disk)\n", path, m.Slots(), pageSize, m.FileSize())

	return nil
}

// emitConfig writes the effective configuration as a starter config
// file. The write is atomic so a crash never leaves a torn file.
func emitConfig(cfg config.Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	data = append(data, '\n')

	err = atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)

	return nil
}
