// Package storagetest holds the behavior every storage.Storage backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/rpc-gateway-go/storage"
)

// Factory creates a fresh, empty store for one test.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) {
		testSetAndGet(t, factory)
	})
	t.Run("GetNonExistent", func(t *testing.T) {
		testGetNonExistent(t, factory)
	})
	t.Run("TTL", func(t *testing.T) {
		testTTL(t, factory)
	})
	t.Run("MethodIsolation", func(t *testing.T) {
		testMethodIsolation(t, factory)
	})
	t.Run("DeleteKey", func(t *testing.T) {
		testDeleteKey(t, factory)
	})
	t.Run("DeleteMethod", func(t *testing.T) {
		testDeleteMethod(t, factory)
	})
}

func testSetAndGet(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte(`"0x10"`), storage.WithMethod("eth_blockNumber")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "k", storage.WithMethod("eth_blockNumber"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != `"0x10"` {
		t.Fatalf("Get() returned wrong data: got %s", item.Data)
	}
	if item.ExpiresAt != nil {
		t.Fatalf("item without TTL should not expire, got %v", item.ExpiresAt)
	}
}

func testGetNonExistent(t *testing.T, factory Factory) {
	s := factory(t)
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testTTL(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "short", []byte("1"), storage.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "short")
	if err != nil || item == nil {
		t.Fatalf("expected item before expiry, got %v, %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected an expiry time")
	}

	time.Sleep(250 * time.Millisecond)

	item, err = s.Get(ctx, "short")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("expected item to have expired")
	}
}

func testMethodIsolation(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("a"), storage.WithMethod("m1"))
	_ = s.Set(ctx, "k", []byte("b"), storage.WithMethod("m2"))
	_ = s.Set(ctx, "k", []byte("g"))

	for method, want := range map[string]string{"m1": "a", "m2": "b", "": "g"} {
		item, err := s.Get(ctx, "k", storage.WithMethod(method))
		if err != nil || item == nil {
			t.Fatalf("Get(%q) = %v, %v", method, item, err)
		}
		if string(item.Data) != want {
			t.Fatalf("Get(%q) = %s, want %s", method, item.Data, want)
		}
	}
}

func testDeleteKey(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithMethod("m"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithMethod("m"))

	if err := s.Delete(ctx, storage.WithMethod("m"), storage.WithKey("a")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "a", storage.WithMethod("m")); item != nil {
		t.Fatal("deleted key still present")
	}
	if item, _ := s.Get(ctx, "b", storage.WithMethod("m")); item == nil {
		t.Fatal("sibling key was deleted")
	}
}

func testDeleteMethod(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithMethod("m"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithMethod("m"))
	_ = s.Set(ctx, "a", []byte("3"), storage.WithMethod("other"))

	if err := s.Delete(ctx, storage.WithMethod("m")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if item, _ := s.Get(ctx, k, storage.WithMethod("m")); item != nil {
			t.Fatalf("key %s survived namespace delete", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithMethod("other")); item == nil {
		t.Fatal("other namespace was deleted")
	}
}
