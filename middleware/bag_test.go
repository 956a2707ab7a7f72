package middleware

import (
	"net/http"
	"sync"
	"testing"
)

func TestBag_TypedKeys(t *testing.T) {
	t.Parallel()

	b := NewBag()
	count := NewKey[int]("count")
	other := NewKey[int]("count")

	if _, ok := Get(b, count); ok {
		t.Fatal("empty bag returned a value")
	}
	Set(b, count, 3)
	if v, ok := Get(b, count); !ok || v != 3 {
		t.Fatalf("Get = %d, %v", v, ok)
	}
	if _, ok := Get(b, other); ok {
		t.Fatal("keys with the same name must not collide")
	}
	Delete(b, count)
	if _, ok := Get(b, count); ok {
		t.Fatal("value survived Delete")
	}
	if _, ok := Get[int](nil, count); ok {
		t.Fatal("nil bag returned a value")
	}
}

func TestBag_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	b := NewBag()
	k := NewKey[int]("n")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			Set(b, k, i)
		}(i)
		go func() {
			defer wg.Done()
			_, _ = Get(b, k)
		}()
	}
	wg.Wait()
	if _, ok := Get(b, k); !ok {
		t.Fatal("value missing after concurrent writes")
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Bearer abc":  "abc",
		"bearer  xyz": "xyz",
		"Basic abc":   "",
		"":            "",
	}
	for header, want := range cases {
		b := NewBag()
		h := http.Header{}
		if header != "" {
			h.Set("Authorization", header)
		}
		Set(b, HeadersKey, h)
		if got := BearerToken(b); got != want {
			t.Fatalf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
	if got := BearerToken(NewBag()); got != "" {
		t.Fatalf("BearerToken without headers = %q", got)
	}
}
