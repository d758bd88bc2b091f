package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"page-translator/internal/config"
	"page-translator/internal/logger"
	"page-translator/internal/types"
)

// Cache stores translations keyed by source text.
type Cache interface {
	Get(ctx context.Context, text string) (string, bool)
	Set(ctx context.Context, text, translation string) error
}

// NewCache returns the cache selected by cfg.CacheBackend, or nil for none.
func NewCache(cfg *config.Config) (Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheNone, "":
		return nil, nil
	case config.CacheFile:
		c := NewFileCache(cfg.TranslationCachePath())
		if err := c.Load(); err != nil {
			// a corrupt cache only costs extra calls
			logger.Warn("translation cache not loaded, starting empty",
				logger.String("path", c.Path()), logger.Err(err))
		}
		return c, nil
	case config.CacheRedis:
		rc, err := NewRedisCache(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "unknown cache backend", cfg.CacheBackend, nil)
	}
}

// ComputeHash 计算文本哈希（使用 SHA256）
func ComputeHash(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

// CacheEntry is one persisted translation.
type CacheEntry struct {
	Hash        string    `json:"hash"`
	Original    string    `json:"original"`
	Translation string    `json:"translation"`
	CreatedAt   time.Time `json:"created_at"`
}

type cacheFile struct {
	Version string       `json:"version"`
	Entries []CacheEntry `json:"entries"`
}

// FileCache 负责缓存翻译结果，持久化为 JSON 文件
type FileCache struct {
	path    string
	entries map[string]CacheEntry
	mu      sync.RWMutex
}

// NewFileCache creates an empty cache persisted at path ("" keeps it in memory).
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path, entries: make(map[string]CacheEntry)}
}

// Get 获取缓存的翻译
func (c *FileCache) Get(_ context.Context, text string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[ComputeHash(text)]
	if !ok {
		return "", false
	}
	return entry.Translation, true
}

// Set 设置翻译缓存
func (c *FileCache) Set(_ context.Context, text, translation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := ComputeHash(text)
	c.entries[hash] = CacheEntry{
		Hash:        hash,
		Original:    text,
		Translation: translation,
		CreatedAt:   time.Now(),
	}
	return nil
}

// Load 从文件加载缓存
func (c *FileCache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return types.NewAppError(types.ErrIO, "failed to read cache file", err)
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return types.NewAppError(types.ErrIO, "failed to parse cache file", err)
	}
	c.entries = make(map[string]CacheEntry, len(f.Entries))
	for _, e := range f.Entries {
		c.entries[e.Hash] = e
	}
	return nil
}

// Save 保存缓存到文件
func (c *FileCache) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return nil
	}
	f := cacheFile{Version: "1.0", Entries: make([]CacheEntry, 0, len(c.entries))}
	for _, e := range c.entries {
		f.Entries = append(f.Entries, e)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return types.NewAppError(types.ErrIO, "failed to marshal cache", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return types.NewAppError(types.ErrIO, "failed to create cache directory", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return types.NewAppError(types.ErrIO, "failed to write cache file", err)
	}
	return nil
}

// Size 返回缓存中的条目数量
func (c *FileCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Path returns the backing file.
func (c *FileCache) Path() string {
	return c.path
}

// RedisKeyPrefix namespaces translation keys.
const RedisKeyPrefix = "pagetrans:translation:"

// RedisCache shares translations between processes through Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis instance at url.
func NewRedisCache(url string) (*RedisCache, error) {
	if url == "" {
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "Redis URL is not configured", config.EnvRedisURL, nil)
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, types.NewAppError(types.ErrConfig, "invalid Redis URL", err)
	}
	return &RedisCache{client: redis.NewClient(opt), ttl: 30 * 24 * time.Hour}, nil
}

// Get implements Cache. Redis errors count as a miss.
func (c *RedisCache) Get(ctx context.Context, text string) (string, bool) {
	val, err := c.client.Get(ctx, RedisKeyPrefix+ComputeHash(text)).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("redis cache lookup failed", logger.Err(err))
		}
		return "", false
	}
	return val, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, text, translation string) error {
	return c.client.Set(ctx, RedisKeyPrefix+ComputeHash(text), translation, c.ttl).Err()
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedTranslator consults a cache before calling the wrapped translator.
type CachedTranslator struct {
	next  Translator
	cache Cache
}

// NewCachedTranslator wraps next with cache.
func NewCachedTranslator(next Translator, cache Cache) *CachedTranslator {
	return &CachedTranslator{next: next, cache: cache}
}

// Translate implements Translator. Failed translations are never cached.
func (t *CachedTranslator) Translate(ctx context.Context, text string) (string, error) {
	if out, ok := t.cache.Get(ctx, text); ok {
		return out, nil
	}
	out, err := t.next.Translate(ctx, text)
	if err != nil {
		return "", err
	}
	if err := t.cache.Set(ctx, text, out); err != nil {
		logger.Warn("translation not cached", logger.Err(err))
	}
	return out, nil
}

// Flush persists the cache when it is file backed.
func (t *CachedTranslator) Flush() error {
	if fc, ok := t.cache.(*FileCache); ok {
		return fc.Save()
	}
	return nil
}

// Close flushes and releases whatever the translator holds.
func Close(t Translator) error {
	var errs []error
	if ct, ok := t.(*CachedTranslator); ok {
		errs = append(errs, ct.Flush())
		if c, ok := ct.cache.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
		t = ct.next
	}
	if c, ok := t.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
