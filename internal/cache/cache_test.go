package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/refill/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		expiring := NewLRUCache(10)
		expiring.now = func() time.Time { return clock }

		_ = expiring.Set(ctx, "expiring", []byte("temp"), time.Minute)

		val, _ := expiring.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(2 * time.Minute)

		val, _ = expiring.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)
		_, _ = statsCache.Get(ctx, "k1")
		_, _ = statsCache.Get(ctx, "missing")

		stats := statsCache.Stats()
		if stats.Size != 2 {
			t.Errorf("expected size 2, got %d", stats.Size)
		}
		if stats.Capacity != 50 {
			t.Errorf("expected capacity 50, got %d", stats.Capacity)
		}
		if stats.Hits != 1 || stats.Misses != 1 {
			t.Errorf("expected 1 hit and 1 miss, got %d and %d", stats.Hits, stats.Misses)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	local := NewLRUCache(10)
	remote := NewLRUCache(10)
	cache := newTwoPhase(local, remote, time.Minute)

	t.Run("SetWritesBothLayers", func(t *testing.T) {
		if err := cache.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if val, _ := local.Get(ctx, "k"); string(val) != "v" {
			t.Errorf("expected L1 value 'v', got '%s'", string(val))
		}
		if val, _ := remote.Get(ctx, "k"); string(val) != "v" {
			t.Errorf("expected L2 value 'v', got '%s'", string(val))
		}
	})

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		_ = remote.Set(ctx, "only-remote", []byte("r"), time.Hour)

		val, err := cache.Get(ctx, "only-remote")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "r" {
			t.Errorf("expected 'r', got '%s'", string(val))
		}
		if val, _ := local.Get(ctx, "only-remote"); string(val) != "r" {
			t.Error("expected L1 to be populated after L2 hit")
		}
	})

	t.Run("DeleteClearsBothLayers", func(t *testing.T) {
		_ = cache.Set(ctx, "gone", []byte("x"), time.Hour)
		if err := cache.Delete(ctx, "gone"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, "gone"); val != nil {
			t.Error("expected nil after delete")
		}
	})
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(10)

	type payload struct {
		Count int     `json:"count"`
		Value float64 `json:"value"`
	}

	key := Key("abc123", "4", "2024-06-01", "overdue", "tol=7")
	if key != "abc123:4:2024-06-01:overdue:tol=7" {
		t.Errorf("unexpected key %q", key)
	}

	var out payload
	hit, err := GetJSON(ctx, cache, key, &out)
	if err != nil || hit {
		t.Fatalf("expected miss, got hit=%v err=%v", hit, err)
	}

	if err := SetJSON(ctx, cache, key, payload{Count: 3, Value: 12.5}, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	hit, err = GetJSON(ctx, cache, key, &out)
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if out.Count != 3 || out.Value != 12.5 {
		t.Errorf("expected {3 12.5}, got %+v", out)
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
