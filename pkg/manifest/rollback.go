package manifest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// RollbackCache persists the last accepted manifest version for a
// (channel, arch) pair to a small file containing only the decimal
// integer. It is safe for concurrent use.
type RollbackCache struct {
	path string
	mu   sync.Mutex
}

// NewRollbackCache returns a cache backed by the file at path. The file
// need not exist yet; a missing file is treated as "no cached version".
func NewRollbackCache(path string) *RollbackCache {
	return &RollbackCache{path: path}
}

// Read returns the cached version and whether a cache file was present.
func (c *RollbackCache) Read() (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rollback cache: read %s: %w", c.path, err)
	}

	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("rollback cache: parse %s: %w", c.path, err)
	}
	return v, true, nil
}

// Write atomically overwrites the cached version.
func (c *RollbackCache) Write(version int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(version)), 0o644); err != nil {
		return fmt.Errorf("rollback cache: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rollback cache: rename %s: %w", tmp, err)
	}
	return nil
}

// CheckAndAdvance verifies that have is not a rollback relative to the
// cached version, then overwrites the cache with have. It returns
// *RollbackError when have < cached.
func (c *RollbackCache) CheckAndAdvance(have int) error {
	cached, ok, err := c.Read()
	if err != nil {
		return err
	}
	if ok && have < cached {
		return &RollbackError{Have: have, Cached: cached}
	}
	return c.Write(have)
}
