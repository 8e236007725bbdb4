package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Digest derives the cache key of a submission. The content type is part of the key,
// so text that happens to equal an image reference does not share its entry.
func Digest(contentType, content string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(contentType))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// FeatureCache maps content digests to previously computed emotional vectors.
// The whole mapping is written to disk after every successful Put.
type FeatureCache struct {
	mu      sync.RWMutex
	path    string
	entries map[string][]string
	logger  *zap.Logger
}

// Open loads the cache snapshot at path. A missing, unreadable or corrupt snapshot
// yields an empty cache instead of an error. An empty path keeps the cache in memory only.
func Open(path string, logger *zap.Logger) *FeatureCache {
	c := &FeatureCache{
		path:    path,
		entries: make(map[string][]string),
		logger:  logger,
	}

	if path == "" {
		return c
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Feature cache unreadable, starting empty", zap.String("path", path), zap.Error(err))
		}
		return c
	}

	var entries map[string][]string
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Warn("Feature cache corrupt, starting empty", zap.String("path", path), zap.Error(err))
		return c
	}
	for digest, vector := range entries {
		if len(vector) > 0 {
			c.entries[digest] = vector
		}
	}

	logger.Info("Feature cache loaded", zap.String("path", path), zap.Int("entries", len(c.entries)))
	return c
}

// Get returns a copy of the cached vector for digest
func (c *FeatureCache) Get(digest string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vector, ok := c.entries[digest]
	if !ok {
		return nil, false
	}
	return append([]string(nil), vector...), true
}

// Put stores vector under digest and flushes the snapshot. Last write wins.
func (c *FeatureCache) Put(digest string, vector []string) error {
	if len(vector) == 0 {
		return fmt.Errorf("refusing to cache empty vector")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[digest] = append([]string(nil), vector...)
	return c.flush()
}

// Len returns the number of cached entries
func (c *FeatureCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// flush writes the snapshot to a temp file and renames it over the previous one.
// Caller must hold the write lock.
func (c *FeatureCache) flush() error {
	if c.path == "" {
		return nil
	}

	data, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("failed to encode feature cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write feature cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync feature cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close feature cache: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace feature cache: %w", err)
	}
	return nil
}
