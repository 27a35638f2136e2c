package kconfig

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
)

// Cache memoizes parsed configurations by content digest. Walking a lineage
// re-reads the same base configuration once per incremental branch, and the
// path alone does not identify content after a checkout.
type Cache struct {
	entries *lru.Cache[string, Configuration]
}

// NewCache creates a cache holding up to size parsed configurations.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 64
	}
	entries, err := lru.New[string, Configuration](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Parse returns the configuration at path within fs, parsing it only when
// its content has not been seen before. Callers must not mutate the result.
func (c *Cache) Parse(fs afero.Fs, path string) (Configuration, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if cfg, ok := c.entries.Get(key); ok {
		return cfg, nil
	}

	cfg, err := Read(bytes.NewReader(data), path)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, cfg)
	return cfg, nil
}

// Len returns the number of cached configurations.
func (c *Cache) Len() int {
	return c.entries.Len()
}
