package middleware

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/rpc-gateway-go/config"
	"github.com/ggoodman/rpc-gateway-go/extensions"
)

type testCfg struct {
	skip map[string]bool
	fail string
}

type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(e string) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// recorder appends "<name>:pre" and "<name>:post" around next and prefixes
// the request with its name.
func recorder(tr *trace, name string) Builder[string, string, testCfg] {
	return NewBuilder(name, func(cfg testCfg, _ *extensions.Registry) (Middleware[string, string], error) {
		if cfg.fail == name {
			return nil, errors.New("boom")
		}
		if cfg.skip[name] {
			return nil, nil
		}
		return MiddlewareFunc[string, string](func(ctx context.Context, req string, bag *Bag, next Next[string, string]) (string, error) {
			tr.add(name + ":pre")
			res, err := next(ctx, req+"/"+name, bag)
			tr.add(name + ":post")
			return res, err
		}), nil
	})
}

func upstream(tr *trace) Builder[string, string, testCfg] {
	return NewBuilder(StageUpstream, func(testCfg, *extensions.Registry) (Middleware[string, string], error) {
		return MiddlewareFunc[string, string](func(ctx context.Context, req string, bag *Bag, next Next[string, string]) (string, error) {
			tr.add("upstream")
			return "result(" + req + ")", nil
		}), nil
	})
}

func TestChain_RunsStagesInOrder(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	builders := []Builder[string, string, testCfg]{recorder(tr, "a"), recorder(tr, "b"), upstream(tr)}
	c, err := Build("rpcs.methods[0]", testCfg{}, builders, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res, err := c.Call(context.Background(), "req", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res != "result(req/a/b)" {
		t.Fatalf("result = %q", res)
	}
	want := []string{"a:pre", "b:pre", "upstream", "b:post", "a:post"}
	if !reflect.DeepEqual(tr.events, want) {
		t.Fatalf("events = %v, want %v", tr.events, want)
	}
	if got := c.Stages(); !reflect.DeepEqual(got, []string{"a", "b", StageUpstream}) {
		t.Fatalf("Stages() = %v", got)
	}
}

func TestChain_DeclinedStagesAreSkipped(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	builders := []Builder[string, string, testCfg]{recorder(tr, "a"), recorder(tr, "b"), upstream(tr)}
	c, err := Build("m", testCfg{skip: map[string]bool{"a": true}}, builders, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := c.Stages(); !reflect.DeepEqual(got, []string{"b", StageUpstream}) {
		t.Fatalf("Stages() = %v", got)
	}
}

func TestChain_ShortCircuit(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	deny := NewBuilder("deny", func(testCfg, *extensions.Registry) (Middleware[string, string], error) {
		return MiddlewareFunc[string, string](func(context.Context, string, *Bag, Next[string, string]) (string, error) {
			return "", errors.New("denied")
		}), nil
	})
	c, err := Build("m", testCfg{}, []Builder[string, string, testCfg]{recorder(tr, "a"), deny, upstream(tr)}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := c.Call(context.Background(), "req", nil); err == nil || err.Error() != "denied" {
		t.Fatalf("err = %v, want denied", err)
	}
	for _, e := range tr.events {
		if e == "upstream" {
			t.Fatal("upstream ran after a short-circuit")
		}
	}
}

func TestChain_LastStageCallingNext(t *testing.T) {
	t.Parallel()

	passthrough := NewBuilder(StageUpstream, func(testCfg, *extensions.Registry) (Middleware[string, string], error) {
		return MiddlewareFunc[string, string](func(ctx context.Context, req string, bag *Bag, next Next[string, string]) (string, error) {
			return next(ctx, req, bag)
		}), nil
	})
	c, err := Build("m", testCfg{}, []Builder[string, string, testCfg]{passthrough}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := c.Call(context.Background(), "req", nil); !errors.Is(err, ErrEndOfChain) {
		t.Fatalf("err = %v, want ErrEndOfChain", err)
	}
}

func TestChain_ConcurrentCalls(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	c, err := Build("m", testCfg{}, []Builder[string, string, testCfg]{recorder(tr, "a"), upstream(tr)}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := fmt.Sprintf("r%d", i)
			res, err := c.Call(context.Background(), req, NewBag())
			if err != nil {
				errs <- err
				return
			}
			if want := "result(" + req + "/a)"; res != want {
				errs <- fmt.Errorf("got %q, want %q", res, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	cases := []struct {
		name     string
		cfg      testCfg
		builders []Builder[string, string, testCfg]
		contains string
	}{
		{"builder fails", testCfg{fail: "a"}, []Builder[string, string, testCfg]{recorder(tr, "a"), upstream(tr)}, "a: boom"},
		{"no upstream", testCfg{}, []Builder[string, string, testCfg]{recorder(tr, "a")}, "upstream"},
		{"empty", testCfg{}, nil, "upstream"},
		{"upstream not last", testCfg{}, []Builder[string, string, testCfg]{upstream(tr), recorder(tr, "a")}, "upstream"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Build("rpcs.methods[2]", tc.cfg, tc.builders, nil)
			var cerr *config.Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *config.Error, got %v", err)
			}
			if cerr.Field != "rpcs.methods[2]" {
				t.Fatalf("field = %q", cerr.Field)
			}
			if !strings.Contains(err.Error(), tc.contains) {
				t.Fatalf("error %q does not mention %q", err, tc.contains)
			}
		})
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	all := []Builder[string, string, testCfg]{recorder(tr, "a"), recorder(tr, "b"), recorder(tr, "c"), upstream(tr)}

	names := func(bs []Builder[string, string, testCfg]) []string {
		var out []string
		for _, b := range bs {
			out = append(out, b.Name())
		}
		return out
	}
	if got := names(Select(all, nil)); !reflect.DeepEqual(got, []string{"a", "b", "c", StageUpstream}) {
		t.Fatalf("Select(nil) = %v", got)
	}
	if got := names(Select(all, []string{"c", "a"})); !reflect.DeepEqual(got, []string{"a", "c", StageUpstream}) {
		t.Fatalf("Select(c,a) = %v", got)
	}
}

type closingStage struct {
	MiddlewareFunc[string, string]
	closed bool
}

func (c *closingStage) Close() error {
	c.closed = true
	return nil
}

func TestChain_Close(t *testing.T) {
	t.Parallel()

	tr := &trace{}
	st := &closingStage{}
	b := NewBuilder("closer", func(testCfg, *extensions.Registry) (Middleware[string, string], error) {
		return st, nil
	})
	c, err := Build("m", testCfg{}, []Builder[string, string, testCfg]{b, upstream(tr)}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !st.closed {
		t.Fatal("stage was not closed")
	}
}
