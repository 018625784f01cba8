// Package config holds the engine configuration: the NBD device node,
// the cache file geometry, and the ordered store segment list.
//
// Configuration comes from an optional JSONC file merged with CLI flags
// (flags win). Store segments are given as file:// URLs whose order is
// significant and must never change between runs; reordering silently
// corrupts the volume.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/tailscale/hujson"

	"github.com/muhamadazmy/qbd/internal/paged"
)

// DefaultPageSize is used when page_size is not configured.
const DefaultPageSize = 1 << 20 // 1 MiB

var (
	// ErrInvalid reports a configuration that fails validation.
	ErrInvalid = errors.New("config: invalid")

	// ErrBadStoreURL reports a malformed store URL.
	ErrBadStoreURL = errors.New("config: bad store url")
)

// Config is the engine configuration. JSON field names match the config
// file keys.
type Config struct {
	NBDPath       string   `json:"nbd_path"`
	CachePath     string   `json:"cache_path"`
	CacheSize     uint64   `json:"cache_size"`
	PageSize      uint32   `json:"page_size,omitempty"`
	StoreURLs     []string `json:"store_urls"`
	MetricsListen string   `json:"metrics_listen,omitempty"`
	DebugLevel    string   `json:"debug_level,omitempty"`
}

// Default returns the configuration defaults. Required fields stay
// empty and fail validation until provided.
func Default() Config {
	return Config{
		PageSize: DefaultPageSize,
	}
}

// Load parses a JSONC config file and merges it over base. Missing file
// fields keep their base values.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is user-provided by design
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	cfg := base

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	return cfg, nil
}

// Validate checks the configuration against the constraints of the
// on-disk format: a valid page size, at least one store segment whose
// size is a positive multiple of the page size, and a cache size that
// fits the paged-file geometry exactly for at least one slot.
func (c Config) Validate() error {
	if c.NBDPath == "" {
		return fmt.Errorf("%w: nbd_path is required", ErrInvalid)
	}

	if c.CachePath == "" {
		return fmt.Errorf("%w: cache_path is required", ErrInvalid)
	}

	if len(c.StoreURLs) == 0 {
		return fmt.Errorf("%w: at least one store url is required", ErrInvalid)
	}

	if c.PageSize < paged.MinPageSize || c.PageSize > paged.MaxPageSize || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("%w: page_size %d is not a power of two in [%d, %d]",
			ErrInvalid, c.PageSize, paged.MinPageSize, paged.MaxPageSize)
	}

	_, err := c.CacheSlots()
	if err != nil {
		return err
	}

	for _, raw := range c.StoreURLs {
		_, err := ParseStoreURL(raw, c.PageSize)
		if err != nil {
			return err
		}
	}

	return nil
}

// CacheSlots derives the cache slot count from cache_size. The size
// must cover the meta section plus at least one slot's header, checksum
// entry, and page, and must fit the geometry exactly:
//
//	cache_size = 24 + N * (8 + 8 + page_size)
func (c Config) CacheSlots() (uint32, error) {
	perSlot := uint64(c.PageSize) + paged.HeaderEntrySize + paged.CRCEntrySize

	if c.CacheSize < paged.MetaSize+perSlot {
		return 0, fmt.Errorf("%w: cache_size %d holds no slot at page size %d",
			ErrInvalid, c.CacheSize, c.PageSize)
	}

	n := (c.CacheSize - paged.MetaSize) / perSlot

	if c.CacheSize != paged.MetaSize+n*perSlot {
		return 0, fmt.Errorf("%w: cache_size %d does not fit %d slots of page size %d exactly",
			ErrInvalid, c.CacheSize, n, c.PageSize)
	}

	if n > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: cache_size %d yields too many slots", ErrInvalid, c.CacheSize)
	}

	return uint32(n), nil
}

// CacheDataSize returns the cache file's data section size in bytes.
func (c Config) CacheDataSize() (uint32, error) {
	n, err := c.CacheSlots()
	if err != nil {
		return 0, err
	}

	data := uint64(n) * uint64(c.PageSize)
	if data > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: cache data section exceeds format limit", ErrInvalid)
	}

	return uint32(data), nil
}

// StoreFile is one parsed store segment: a path and its data section
// size in bytes.
type StoreFile struct {
	Path string
	Size uint64
}

// ParseStoreURL parses a file:///path?size=<bytes> store URL. The size
// is the segment's data section and must be a positive multiple of the
// page size.
func ParseStoreURL(raw string, pageSize uint32) (StoreFile, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return StoreFile{}, fmt.Errorf("%w: %q: %w", ErrBadStoreURL, raw, err)
	}

	if u.Scheme != "file" {
		return StoreFile{}, fmt.Errorf("%w: %q: unsupported scheme %q", ErrBadStoreURL, raw, u.Scheme)
	}

	if u.Host != "" && u.Host != "localhost" {
		return StoreFile{}, fmt.Errorf("%w: %q: unexpected host %q", ErrBadStoreURL, raw, u.Host)
	}

	if u.Path == "" {
		return StoreFile{}, fmt.Errorf("%w: %q: missing path", ErrBadStoreURL, raw)
	}

	sizeStr := u.Query().Get("size")
	if sizeStr == "" {
		return StoreFile{}, fmt.Errorf("%w: %q: missing size parameter", ErrBadStoreURL, raw)
	}

	size, err := strconv.ParseUint(sizeStr, 10, 64)
	if err != nil {
		return StoreFile{}, fmt.Errorf("%w: %q: %w", ErrBadStoreURL, raw, err)
	}

	if size == 0 || size%uint64(pageSize) != 0 {
		return StoreFile{}, fmt.Errorf("%w: %q: size %d is not a positive multiple of page size %d",
			ErrBadStoreURL, raw, size, pageSize)
	}

	// The paged-file meta stores the data section size as 32 bits.
	if size > uint64(^uint32(0)) {
		return StoreFile{}, fmt.Errorf("%w: %q: size %d exceeds the format limit", ErrBadStoreURL, raw, size)
	}

	return StoreFile{Path: u.Path, Size: size}, nil
}

// StoreFiles parses all store URLs in configuration order.
func (c Config) StoreFiles() ([]StoreFile, error) {
	out := make([]StoreFile, 0, len(c.StoreURLs))

	for _, raw := range c.StoreURLs {
		sf, err := ParseStoreURL(raw, c.PageSize)
		if err != nil {
			return nil, err
		}

		out = append(out, sf)
	}

	return out, nil
}
