package gcap

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// =====================================
// Hook Handlers
// =====================================

// BeforeFunc validates or mutates a request before it executes. Returning
// an error, or calling req.Reject, stops the request.
type BeforeFunc func(ctx context.Context, req *Request) error

// OnFunc produces the result of a request. A nil result with a nil error
// passes the request on to the next on handler.
type OnFunc func(ctx context.Context, req *Request) (interface{}, error)

// AfterFunc transforms the result of a request. Returning nil keeps the
// previous result.
type AfterFunc func(ctx context.Context, req *Request, result interface{}) (interface{}, error)

// Hook is a single registration. Exactly the handler matching Phase is set.
type Hook struct {
	Phase  Phase
	Event  Event
	Target string
	Name   string
	Before BeforeFunc
	On     OnFunc
	After  AfterFunc

	seq int
}

func (h *Hook) validate() error {
	if !h.Phase.IsValid() {
		return Errorf(ErrorTypeValidation, "invalid hook phase %q", h.Phase)
	}
	if h.Event == "" || h.Target == "" {
		return NewError(ErrorTypeValidation, "hook event and target are required")
	}
	var ok bool
	switch h.Phase {
	case PhaseBefore:
		ok = h.Before != nil
	case PhaseOn:
		ok = h.On != nil
	case PhaseAfter:
		ok = h.After != nil
	}
	if !ok {
		return Errorf(ErrorTypeValidation, "%s hook for %s %s has no %s handler", h.Phase, h.Event, h.Target, h.Phase)
	}
	return nil
}

func (h *Hook) label() string {
	if h.Name != "" {
		return h.Name
	}
	return fmt.Sprintf("%s %s %s #%d", h.Phase, h.Event, h.Target, h.seq)
}

// =====================================
// Hook Registry
// =====================================

type hookKey struct {
	phase  Phase
	event  Event
	target string
}

// HookRegistry stores hooks per (phase, event, target) in registration
// order. It accepts registrations until frozen and is read-only afterwards.
type HookRegistry struct {
	mu     sync.RWMutex
	hooks  map[hookKey][]*Hook
	seq    int
	frozen bool
}

// NewHookRegistry creates an empty registry
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		hooks: make(map[hookKey][]*Hook),
	}
}

// Register appends h to the list for its (phase, event, target)
func (r *HookRegistry) Register(h Hook) error {
	if err := h.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return Errorf(ErrorTypeRegistryFrozen, "cannot register %s hook for %s %s: hook registry is frozen", h.Phase, h.Event, h.Target)
	}
	r.seq++
	h.seq = r.seq
	key := hookKey{phase: h.Phase, event: h.Event, target: h.Target}
	r.hooks[key] = append(r.hooks[key], &h)
	return nil
}

// Before registers a before handler
func (r *HookRegistry) Before(event Event, target string, fn BeforeFunc) error {
	return r.Register(Hook{Phase: PhaseBefore, Event: event, Target: target, Before: fn})
}

// On registers an on handler
func (r *HookRegistry) On(event Event, target string, fn OnFunc) error {
	return r.Register(Hook{Phase: PhaseOn, Event: event, Target: target, On: fn})
}

// After registers an after handler
func (r *HookRegistry) After(event Event, target string, fn AfterFunc) error {
	return r.Register(Hook{Phase: PhaseAfter, Event: event, Target: target, After: fn})
}

// Freeze rejects further registrations
func (r *HookRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// IsFrozen reports whether Freeze has been called
func (r *HookRegistry) IsFrozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Matching returns the hooks for phase that apply to (event, target): exact
// registrations and wildcard registrations merged in registration order.
func (r *HookRegistry) Matching(phase Phase, event Event, target string) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := []hookKey{
		{phase, event, target},
		{phase, event, Wildcard},
		{phase, Wildcard, target},
		{phase, Wildcard, Wildcard},
	}
	var out []*Hook
	seen := make(map[hookKey]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r.hooks[k]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Has reports whether any hook of phase applies to (event, target)
func (r *HookRegistry) Has(phase Phase, event Event, target string) bool {
	return len(r.Matching(phase, event, target)) > 0
}

// Len returns the number of registered hooks
func (r *HookRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// =====================================
// Dispatch
// =====================================

// Dispatch runs the hooks of phase for req sequentially.
//
//   - before: stops at the first handler that returns or records an error.
//   - on: stops at the first handler that returns a result or an error.
//   - after: runs every handler, threading the result through; the first
//     error is returned once all handlers have run.
func (r *HookRegistry) Dispatch(ctx context.Context, phase Phase, req *Request, result interface{}) (interface{}, error) {
	hooks := r.Matching(phase, req.Event, req.Target)
	switch phase {
	case PhaseBefore:
		return nil, r.dispatchBefore(ctx, hooks, req)
	case PhaseOn:
		return r.dispatchOn(ctx, hooks, req)
	case PhaseAfter:
		return r.dispatchAfter(ctx, hooks, req, result)
	}
	return nil, Errorf(ErrorTypeInternal, "unknown phase %q", phase)
}

func (r *HookRegistry) dispatchBefore(ctx context.Context, hooks []*Hook, req *Request) error {
	for _, h := range hooks {
		err := invoke(h, func() error { return h.Before(ctx, req) })
		if err != nil {
			req.SetError(err)
		}
		if req.Err() != nil {
			req.log.Debug("Before hook rejected request.", "hook", h.label(), "error", req.Err())
			return req.Err()
		}
	}
	return nil
}

func (r *HookRegistry) dispatchOn(ctx context.Context, hooks []*Hook, req *Request) (interface{}, error) {
	for _, h := range hooks {
		var result interface{}
		err := invoke(h, func() error {
			var err error
			result, err = h.On(ctx, req)
			return err
		})
		if err == nil {
			err = req.Err()
		}
		if err != nil {
			return nil, err
		}
		if result != nil {
			req.log.Debug("On hook produced result.", "hook", h.label())
			return result, nil
		}
	}
	return nil, nil
}

func (r *HookRegistry) dispatchAfter(ctx context.Context, hooks []*Hook, req *Request, result interface{}) (interface{}, error) {
	var firstErr error
	for _, h := range hooks {
		var replacement interface{}
		err := invoke(h, func() error {
			var err error
			replacement, err = h.After(ctx, req, result)
			return err
		})
		if err != nil {
			req.log.Warn("After hook failed.", "hook", h.label(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if replacement != nil {
			result = replacement
		}
	}
	return result, firstErr
}

// invoke runs fn and turns a panic into an internal error
func invoke(h *Hook, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Errorf(ErrorTypeInternal, "hook %s panicked: %v", h.label(), p)
		}
	}()
	return fn()
}
