package translate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"page-translator/internal/config"
	"page-translator/internal/retry"
	"page-translator/internal/types"
)

type fakeChatModel struct {
	mu    sync.Mutex
	calls int
	err   error
	got   []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage("  EN("+input[len(input)-1].Content+")\n", nil), nil
}

type countingTranslator struct {
	calls int
	fail  bool
}

func (c *countingTranslator) Translate(ctx context.Context, text string) (string, error) {
	c.calls++
	if c.fail {
		return "", types.NewAppError(types.ErrTranslation, "boom", nil)
	}
	return "T:" + text, nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Timeout: time.Second}
}

func TestLLMTranslator(t *testing.T) {
	fake := &fakeChatModel{}
	tr := NewLLMTranslatorWithModel(fake, "", fastPolicy())

	got, err := tr.Translate(context.Background(), "你好")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "EN(你好)" {
		t.Errorf("got %q", got)
	}
	if len(fake.got) != 2 || fake.got[0].Role != schema.System || fake.got[0].Content != config.DefaultTranslationPrompt {
		t.Errorf("system message should carry the translation instruction: %+v", fake.got)
	}
	if fake.got[1].Role != schema.User || fake.got[1].Content != "你好" {
		t.Errorf("user message should carry the line: %+v", fake.got[1])
	}
}

func TestLLMTranslatorBlankInput(t *testing.T) {
	fake := &fakeChatModel{}
	tr := NewLLMTranslatorWithModel(fake, "", fastPolicy())
	got, err := tr.Translate(context.Background(), "  ")
	if err != nil || got != "  " || fake.calls != 0 {
		t.Errorf("blank input should pass through without a call: %q, %v, %d", got, err, fake.calls)
	}
}

func TestLLMTranslatorFailure(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("error, status code: 500, message: down")}
	tr := NewLLMTranslatorWithModel(fake, "", fastPolicy())

	_, err := tr.Translate(context.Background(), "你好")
	if !types.IsCode(err, types.ErrTranslation) {
		t.Fatalf("expected translation error, got %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("expected one retry, got %d calls", fake.calls)
	}
}

func TestCachedTranslator(t *testing.T) {
	next := &countingTranslator{}
	tr := NewCachedTranslator(next, NewFileCache(""))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := tr.Translate(ctx, "同一句")
		if err != nil || got != "T:同一句" {
			t.Fatalf("got %q, %v", got, err)
		}
	}
	if next.calls != 1 {
		t.Errorf("expected one upstream call, got %d", next.calls)
	}
}

func TestCachedTranslatorDoesNotCacheFailures(t *testing.T) {
	next := &countingTranslator{fail: true}
	cache := NewFileCache("")
	tr := NewCachedTranslator(next, cache)

	for i := 0; i < 2; i++ {
		if _, err := tr.Translate(context.Background(), "x"); err == nil {
			t.Fatal("expected error")
		}
	}
	if next.calls != 2 || cache.Size() != 0 {
		t.Errorf("failures must not be cached: calls=%d size=%d", next.calls, cache.Size())
	}
}

func TestFileCachePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cache.json")

	c := NewFileCache(path)
	if err := c.Set(ctx, "你好", "Hello"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "世界", "World"); err != nil {
		t.Fatal(err)
	}
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewFileCache(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Size() != 2 {
		t.Errorf("expected 2 entries, got %d", loaded.Size())
	}
	if got, ok := loaded.Get(ctx, "世界"); !ok || got != "World" {
		t.Errorf("Get = %q, %v", got, ok)
	}
	if _, ok := loaded.Get(ctx, "missing"); ok {
		t.Error("unexpected hit")
	}
}

func TestFileCacheLoadMissingFile(t *testing.T) {
	c := NewFileCache(filepath.Join(t.TempDir(), "none.json"))
	if err := c.Load(); err != nil {
		t.Errorf("missing file should load empty: %v", err)
	}
}

func TestComputeHash(t *testing.T) {
	tests := []string{"", "Hello", "你好，世界！", "🎉"}
	seen := map[string]string{}
	for _, text := range tests {
		h := ComputeHash(text)
		if len(h) != 64 || h != ComputeHash(text) {
			t.Errorf("unstable hash for %q", text)
		}
		if prev, ok := seen[h]; ok {
			t.Errorf("collision between %q and %q", prev, text)
		}
		seen[h] = text
	}
}

func TestNewCache(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		redisURL string
		wantNil  bool
		wantCode types.ErrorCode
	}{
		{"none", config.CacheNone, "", true, ""},
		{"file", config.CacheFile, "", false, ""},
		{"redis without url", config.CacheRedis, "", true, types.ErrConfig},
		{"redis bad scheme", config.CacheRedis, "http://localhost", true, types.ErrConfig},
		{"unknown", "memcached", "", true, types.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.OutputDirectory = t.TempDir()
			cfg.CacheBackend = tt.backend
			cfg.RedisURL = tt.redisURL

			c, err := NewCache(cfg)
			if types.CodeOf(err) != tt.wantCode {
				t.Fatalf("error = %v, want code %q", err, tt.wantCode)
			}
			if (c == nil) != tt.wantNil {
				t.Errorf("cache = %v, wantNil %v", c, tt.wantNil)
			}
		})
	}
}

func TestRedisCacheConstruction(t *testing.T) {
	c, err := NewRedisCache("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer c.Close()
}

func TestCloseFlushesFileCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	cache := NewFileCache(path)
	tr := NewCachedTranslator(&countingTranslator{}, cache)
	if _, err := tr.Translate(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if err := Close(tr); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded := NewFileCache(path)
	if err := reloaded.Load(); err != nil || reloaded.Size() != 1 {
		t.Errorf("cache not flushed: size=%d err=%v", reloaded.Size(), err)
	}
}
