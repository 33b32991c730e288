package gcap

import (
	"context"
	"errors"
	"testing"
)

func testRequest(event Event, target string) *Request {
	return &Request{Event: event, Target: target, Principal: Anonymous{}, log: discardLogger()}
}

func TestHookRegistryRegister(t *testing.T) {
	hooks := NewHookRegistry()
	noop := func(ctx context.Context, req *Request) error { return nil }

	tests := []struct {
		name string
		hook Hook
		ok   bool
	}{
		{"valid", Hook{Phase: PhaseBefore, Event: EventCreate, Target: "Books", Before: noop}, true},
		{"wildcards", Hook{Phase: PhaseBefore, Event: Wildcard, Target: Wildcard, Before: noop}, true},
		{"bad phase", Hook{Phase: "around", Event: EventCreate, Target: "Books", Before: noop}, false},
		{"no event", Hook{Phase: PhaseBefore, Target: "Books", Before: noop}, false},
		{"no target", Hook{Phase: PhaseBefore, Event: EventCreate, Before: noop}, false},
		{"no handler", Hook{Phase: PhaseBefore, Event: EventCreate, Target: "Books"}, false},
		{"handler of other phase", Hook{Phase: PhaseOn, Event: EventCreate, Target: "Books", Before: noop}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hooks.Register(tt.hook)
			if tt.ok && err != nil {
				t.Errorf("Unexpected error %v", err)
			}
			if !tt.ok && !IsValidation(err) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}

	if hooks.Len() != 2 {
		t.Errorf("Expected 2 registered hooks, got %d", hooks.Len())
	}

	hooks.Freeze()
	if !hooks.IsFrozen() {
		t.Error("Expected registry to be frozen")
	}
	if err := hooks.Before(EventRead, "Books", noop); !IsErrorType(err, ErrorTypeRegistryFrozen) {
		t.Errorf("Expected frozen registry, got %v", err)
	}
}

func TestHookRegistryMatching(t *testing.T) {
	hooks := NewHookRegistry()
	register := func(event Event, target, name string) {
		t.Helper()
		err := hooks.Register(Hook{Phase: PhaseBefore, Event: event, Target: target, Name: name,
			Before: func(ctx context.Context, req *Request) error { return nil }})
		if err != nil {
			t.Fatal(err)
		}
	}

	register(Wildcard, Wildcard, "all")
	register(EventCreate, "Books", "exact")
	register(Wildcard, "Books", "any event")
	register(EventCreate, Wildcard, "any target")
	register(EventCreate, "Authors", "other target")
	register(EventRead, "Books", "other event")

	got := hooks.Matching(PhaseBefore, EventCreate, "Books")
	want := []string{"all", "exact", "any event", "any target"}
	if len(got) != len(want) {
		t.Fatalf("Matching() returned %d hooks, want %d", len(got), len(want))
	}
	for i, h := range got {
		if h.Name != want[i] {
			t.Errorf("Matching()[%d] = %s, want %s", i, h.Name, want[i])
		}
	}

	if n := len(hooks.Matching(PhaseBefore, Wildcard, Wildcard)); n != 1 {
		t.Errorf("Expected wildcard lookups to see only their own hooks once, got %d", n)
	}
	if hooks.Has(PhaseOn, EventCreate, "Books") {
		t.Error("Expected no on hooks")
	}
}

func TestDispatchBefore(t *testing.T) {
	ctx := context.Background()

	t.Run("stops at first error", func(t *testing.T) {
		hooks := NewHookRegistry()
		var calls []string
		_ = hooks.Before(EventCreate, "Books", func(ctx context.Context, req *Request) error {
			calls = append(calls, "first")
			req.Data = Record{"title": "changed"}
			return nil
		})
		_ = hooks.Before(EventCreate, "Books", func(ctx context.Context, req *Request) error {
			calls = append(calls, "second")
			return NewFieldError(ErrorTypeValidation, "title", "bad title")
		})
		_ = hooks.Before(EventCreate, "Books", func(ctx context.Context, req *Request) error {
			calls = append(calls, "third")
			return nil
		})

		req := testRequest(EventCreate, "Books")
		_, err := hooks.Dispatch(ctx, PhaseBefore, req, nil)
		if !IsValidation(err) {
			t.Fatalf("Expected validation error, got %v", err)
		}
		if len(calls) != 2 {
			t.Errorf("Expected two calls, got %v", calls)
		}
		if req.Data["title"] != "changed" || req.Err() != err {
			t.Error("Expected mutations and the recorded error to be visible on the request")
		}
	})

	t.Run("reject", func(t *testing.T) {
		hooks := NewHookRegistry()
		called := false
		_ = hooks.Before(Wildcard, Wildcard, func(ctx context.Context, req *Request) error {
			req.Reject(ErrorTypeForbidden, "closed")
			req.Reject(ErrorTypeValidation, "ignored")
			return nil
		})
		_ = hooks.Before(Wildcard, Wildcard, func(ctx context.Context, req *Request) error {
			called = true
			return nil
		})

		_, err := hooks.Dispatch(ctx, PhaseBefore, testRequest(EventRead, "Books"), nil)
		if !IsForbidden(err) {
			t.Errorf("Expected the first rejection to win, got %v", err)
		}
		if called {
			t.Error("Expected dispatch to stop after a rejection")
		}
	})
}

func TestDispatchOn(t *testing.T) {
	ctx := context.Background()
	hooks := NewHookRegistry()
	var calls []string

	_ = hooks.On("orderBook", "orderBook", func(ctx context.Context, req *Request) (interface{}, error) {
		calls = append(calls, "pass")
		return nil, nil
	})
	_ = hooks.On("orderBook", "orderBook", func(ctx context.Context, req *Request) (interface{}, error) {
		calls = append(calls, "answer")
		return 42, nil
	})
	_ = hooks.On("orderBook", "orderBook", func(ctx context.Context, req *Request) (interface{}, error) {
		calls = append(calls, "late")
		return 7, nil
	})
	_ = hooks.On("restock", "restock", func(ctx context.Context, req *Request) (interface{}, error) {
		return nil, errors.New("out of paper")
	})

	result, err := hooks.Dispatch(ctx, PhaseOn, testRequest("orderBook", "orderBook"), nil)
	if err != nil || result != 42 {
		t.Errorf("Dispatch() = %v, %v; want 42", result, err)
	}
	if len(calls) != 2 {
		t.Errorf("Expected dispatch to stop at the first result, got %v", calls)
	}

	if _, err := hooks.Dispatch(ctx, PhaseOn, testRequest("restock", "restock"), nil); err == nil {
		t.Error("Expected the handler error")
	}

	result, err = hooks.Dispatch(ctx, PhaseOn, testRequest("missing", "missing"), nil)
	if result != nil || err != nil {
		t.Errorf("Expected nothing without handlers, got %v, %v", result, err)
	}
}

func TestDispatchAfter(t *testing.T) {
	ctx := context.Background()
	hooks := NewHookRegistry()
	var calls int

	_ = hooks.After(EventRead, "Books", func(ctx context.Context, req *Request, result interface{}) (interface{}, error) {
		calls++
		return result.(int) + 1, nil
	})
	_ = hooks.After(EventRead, "Books", func(ctx context.Context, req *Request, result interface{}) (interface{}, error) {
		calls++
		return nil, nil
	})
	_ = hooks.After(EventRead, "Books", func(ctx context.Context, req *Request, result interface{}) (interface{}, error) {
		calls++
		return nil, NewError(ErrorTypeValidation, "first")
	})
	_ = hooks.After(EventRead, "Books", func(ctx context.Context, req *Request, result interface{}) (interface{}, error) {
		calls++
		return nil, NewError(ErrorTypeForbidden, "second")
	})
	_ = hooks.After(EventRead, "Books", func(ctx context.Context, req *Request, result interface{}) (interface{}, error) {
		calls++
		return result.(int) * 10, nil
	})

	result, err := hooks.Dispatch(ctx, PhaseAfter, testRequest(EventRead, "Books"), 1)
	if calls != 5 {
		t.Errorf("Expected every after hook to run, got %d calls", calls)
	}
	if !IsValidation(err) {
		t.Errorf("Expected the first error, got %v", err)
	}
	if result != 20 {
		t.Errorf("Expected result threaded through, got %v", result)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	ctx := context.Background()
	hooks := NewHookRegistry()
	_ = hooks.Register(Hook{Phase: PhaseBefore, Event: Wildcard, Target: Wildcard, Name: "boom",
		Before: func(ctx context.Context, req *Request) error { panic("boom") }})

	_, err := hooks.Dispatch(ctx, PhaseBefore, testRequest(EventRead, "Books"), nil)
	if TypeOf(err) != ErrorTypeInternal {
		t.Errorf("Expected internal error, got %v", err)
	}
}
