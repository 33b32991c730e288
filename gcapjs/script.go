// Package gcapjs runs hook handlers written in ECMAScript using goja.
//
// A script body runs inside a function, so on and after scripts hand their
// result back with an explicit return. The following globals are available:
//
//	req:            id, service, event, target, data, key and user {id}
//	result:         the current result (after scripts only)
//	reject(msg, f): fail the request with a validation error on field f
//	hasRole(role):  check the caller's roles
//	now():          current time as an RFC3339 timestamp
//	log(x):         write x to the request logger
package gcapjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/lemmego/gcap"
	"github.com/lemmego/gcap/gcaphcl"
)

// InterruptedMessage is the value scripts are interrupted with when their
// context ends.
const InterruptedMessage = "RuntimeError: timeout"

// Script is a compiled hook body. A Script is safe for concurrent use:
// each run gets its own goja.Runtime.
type Script struct {
	Name string

	// Timeout bounds a single run; zero leaves it to the request context.
	Timeout time.Duration

	program *goja.Program
}

// Compile checks and compiles src once
func Compile(name, src string) (*Script, error) {
	program, err := goja.Compile(name, wrapSrc(src), true)
	if err != nil {
		return nil, gcap.NewErrorWithCause(gcap.ErrorTypeValidation, fmt.Sprintf("script %s does not compile", name), err)
	}
	return &Script{Name: name, program: program}, nil
}

func wrapSrc(src string) string {
	return fmt.Sprintf("(function() {\n%s\n}());\n", src)
}

// Run executes the script for req. It returns the script's return value and
// the payload as the script left it.
func (s *Script) Run(ctx context.Context, req *gcap.Request, result interface{}) (interface{}, gcap.Record, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	o := goja.New()
	var rejection error

	env := map[string]interface{}{
		"id":      req.ID,
		"service": req.Service,
		"event":   string(req.Event),
		"target":  req.Target,
		"data":    nil,
		"key":     nil,
		"user":    map[string]interface{}{"id": req.User().ID()},
	}
	if req.Data != nil {
		env["data"] = map[string]interface{}(gcap.CloneRecord(req.Data))
	}
	if req.Key != nil {
		key := make(map[string]interface{}, len(req.Key))
		for k, v := range req.Key {
			key[k] = v
		}
		env["key"] = key
	}

	o.Set("req", env)
	o.Set("result", result)
	o.Set("reject", func(call goja.FunctionCall) goja.Value {
		msg := call.Argument(0).String()
		var err error
		if field := call.Argument(1); !goja.IsUndefined(field) && !goja.IsNull(field) {
			err = gcap.NewFieldError(gcap.ErrorTypeValidation, field.String(), msg)
		} else {
			err = gcap.NewError(gcap.ErrorTypeValidation, msg)
		}
		if rejection == nil {
			rejection = err
		}
		panic(o.NewGoError(err))
	})
	o.Set("hasRole", func(role string) bool {
		return gcap.Authorized(req.User(), role)
	})
	o.Set("now", func() string {
		return time.Now().UTC().Format(time.RFC3339)
	})
	o.Set("log", func(x goja.Value) {
		gcap.LoggerFrom(ctx).Info("Script log.", "script", s.Name, "value", x.Export())
	})

	// stop the runtime as soon as the request context ends
	ictx, cancel := context.WithCancel(ctx)
	go func() {
		<-ictx.Done()
		o.Interrupt(InterruptedMessage)
	}()
	v, err := o.RunProgram(s.program)
	cancel()

	// a rejection wins even if the script caught the exception
	if rejection != nil {
		return nil, nil, rejection
	}
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, nil, gcap.NewErrorWithCause(gcap.ErrorTypeInternal, fmt.Sprintf("script %s interrupted", s.Name), ctx.Err())
		}
		return nil, nil, gcap.NewErrorWithCause(gcap.ErrorTypeInternal, fmt.Sprintf("script %s failed", s.Name), err)
	}

	var data gcap.Record
	if m, ok := env["data"].(map[string]interface{}); ok {
		data = m
	}
	return export(v), data, nil
}

func export(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// Before adapts the script to a before handler; changes to req.data are
// written back to the request.
func (s *Script) Before() gcap.BeforeFunc {
	return func(ctx context.Context, req *gcap.Request) error {
		_, data, err := s.Run(ctx, req, nil)
		if err != nil {
			return err
		}
		if data != nil {
			req.Data = data
		}
		return nil
	}
}

// On adapts the script to an on handler. Returning nothing passes the
// request to the next handler.
func (s *Script) On() gcap.OnFunc {
	return func(ctx context.Context, req *gcap.Request) (interface{}, error) {
		v, _, err := s.Run(ctx, req, nil)
		return v, err
	}
}

// After adapts the script to an after handler
func (s *Script) After() gcap.AfterFunc {
	return func(ctx context.Context, req *gcap.Request, result interface{}) (interface{}, error) {
		v, _, err := s.Run(ctx, req, result)
		return v, err
	}
}

// Hook builds the registration of the script for phase
func (s *Script) Hook(phase gcap.Phase, event gcap.Event, target string) gcap.Hook {
	h := gcap.Hook{Phase: phase, Event: event, Target: target, Name: s.Name}
	switch phase {
	case gcap.PhaseBefore:
		h.Before = s.Before()
	case gcap.PhaseOn:
		h.On = s.On()
	case gcap.PhaseAfter:
		h.After = s.After()
	}
	return h
}

// Register compiles src and registers it as a hook
func Register(hooks *gcap.HookRegistry, phase gcap.Phase, event gcap.Event, target, src string) error {
	name := fmt.Sprintf("%s %s %s", phase, event, target)
	script, err := Compile(name, src)
	if err != nil {
		return err
	}
	return hooks.Register(script.Hook(phase, event, target))
}

// RegisterAll compiles and registers hooks declared in model files
func RegisterAll(hooks *gcap.HookRegistry, defs []gcaphcl.HookDef) error {
	for _, def := range defs {
		name := def.Name
		if def.File != "" {
			name = def.File + ": " + name
		}
		script, err := Compile(name, def.Script)
		if err != nil {
			return err
		}
		if err := hooks.Register(script.Hook(def.Phase, def.Event, def.Target)); err != nil {
			return err
		}
	}
	return nil
}

// Setup adapts RegisterAll to gcap.Runtime.Use
func Setup(defs []gcaphcl.HookDef) gcap.Setup {
	return func(hooks *gcap.HookRegistry, _ *gcap.ModelRegistry) error {
		return RegisterAll(hooks, defs)
	}
}
