package gcap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =====================================
// Runtime
// =====================================

// Setup registers hooks and custom operation handlers before the runtime starts
type Setup func(hooks *HookRegistry, models *ModelRegistry) error

// Warning is a non-fatal finding collected by Start
type Warning struct {
	Kind    string
	Service string
	Target  string
	Message string
}

// WarningNoHandler marks a custom operation nobody implements
const WarningNoHandler = "NoHandler"

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s.%s: %s", w.Kind, w.Service, w.Target, w.Message)
}

// Option configures a Runtime
type Option func(*Runtime)

// WithLogger sets the base logger; request loggers derive from it
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.log = logger
		}
	}
}

// WithIDGenerator replaces the generator for request IDs and UUID keys
func WithIDGenerator(fn func() string) Option {
	return func(r *Runtime) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithMigration makes Start prepare adapter storage for every entity
func WithMigration(enabled bool) Option {
	return func(r *Runtime) {
		r.migrate = enabled
	}
}

// WithHookRegistry uses hooks instead of a fresh registry
func WithHookRegistry(hooks *HookRegistry) Option {
	return func(r *Runtime) {
		if hooks != nil {
			r.hooks = hooks
		}
	}
}

// Runtime executes requests against a frozen model through the hook
// pipeline, one adapter transaction per request.
type Runtime struct {
	models  *ModelRegistry
	hooks   *HookRegistry
	adapter Adapter
	txm     *TransactionManager
	crud    *crudExecutor
	log     *slog.Logger
	newID   func() string
	migrate bool

	mu       sync.RWMutex
	started  bool
	warnings []Warning
}

// NewRuntime creates a runtime over models and adapter
func NewRuntime(models *ModelRegistry, adapter Adapter, opts ...Option) *Runtime {
	r := &Runtime{
		models:  models,
		hooks:   NewHookRegistry(),
		adapter: adapter,
		log:     discardLogger(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.txm = NewTransactionManager(adapter, r.log)
	r.crud = &crudExecutor{models: models, newID: r.newID}
	return r
}

// Models returns the model registry
func (r *Runtime) Models() *ModelRegistry {
	return r.models
}

// Hooks returns the hook registry
func (r *Runtime) Hooks() *HookRegistry {
	return r.hooks
}

// Adapter returns the persistence adapter
func (r *Runtime) Adapter() Adapter {
	return r.adapter
}

// Use applies setups in order. It fails once the runtime has started.
func (r *Runtime) Use(setups ...Setup) error {
	if r.isStarted() {
		return NewError(ErrorTypeRegistryFrozen, "runtime already started")
	}
	for _, setup := range setups {
		if err := setup(r.hooks, r.models); err != nil {
			return err
		}
	}
	return nil
}

// Start freezes both registries, reports custom operations without an on
// handler and, when enabled, migrates the adapter. Calling Start twice is
// an error.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return NewError(ErrorTypeRegistryFrozen, "runtime already started")
	}
	if err := r.models.Freeze(); err != nil {
		return err
	}
	r.hooks.Freeze()

	var warnings []Warning
	for _, surface := range r.models.Surfaces() {
		for _, op := range surface.Operations() {
			if r.hooks.Has(PhaseOn, Event(op.Def.Name), op.Def.Name) {
				continue
			}
			w := Warning{
				Kind:    WarningNoHandler,
				Service: surface.Name,
				Target:  op.Def.Name,
				Message: fmt.Sprintf("%s %s has no on handler", op.Def.Kind, op.Def.Name),
			}
			r.log.Warn("Operation has no handler.", "service", w.Service, "operation", w.Target)
			warnings = append(warnings, w)
		}
	}

	if r.migrate {
		if err := r.adapter.Migrate(ctx, r.models.Entities()); err != nil {
			return err
		}
	}

	r.warnings = warnings
	r.started = true
	r.log.Info("Runtime started.",
		"entities", len(r.models.Entities()),
		"services", len(r.models.Surfaces()),
		"hooks", r.hooks.Len(),
		"adapter", r.adapter.Info().Name,
	)
	return nil
}

// Warnings returns the findings collected by Start
func (r *Runtime) Warnings() []Warning {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Warning(nil), r.warnings...)
}

func (r *Runtime) isStarted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

// Close releases the adapter
func (r *Runtime) Close() error {
	return r.adapter.Close()
}

// =====================================
// Request Execution Pipeline
// =====================================

// Execute runs one request through the pipeline and always returns a
// response. Safe for concurrent use once the runtime has started.
func (r *Runtime) Execute(ctx context.Context, in Input) *Response {
	start := time.Now()

	id := in.RequestID
	if id == "" {
		id = r.newID()
	}
	event, target := normalizeTarget(in.Event, in.Target)
	principal := in.Principal
	if principal == nil {
		principal = Anonymous{}
	}

	log := r.log.With("request_id", id, "service", in.Service, "target", target, "event", event)
	req := &Request{
		ID:        id,
		Service:   in.Service,
		Event:     event,
		Target:    target,
		Principal: principal,
		state:     StateReceived,
		runtime:   r,
		log:       log,
	}
	ctx = ContextWithLogger(ctx, log)

	if !r.isStarted() {
		return r.respond(req, start, nil, NewError(ErrorTypeInternal, "runtime has not been started"))
	}

	r.transition(req, StateResolving)
	if err := r.resolve(req, in); err != nil {
		return r.respond(req, start, nil, err)
	}

	tx, err := r.txm.Open(ctx, id)
	if err != nil {
		return r.respond(req, start, nil, err)
	}
	req.tx = tx

	r.transition(req, StateBeforeHooks)
	if _, err := r.hooks.Dispatch(ctx, PhaseBefore, req, nil); err != nil {
		return r.rollback(ctx, req, start, err)
	}

	r.transition(req, StateExecuting)
	result, err := r.executing(ctx, req)
	if err != nil {
		return r.rollback(ctx, req, start, err)
	}

	r.transition(req, StateAfterHooks)
	result, err = r.hooks.Dispatch(ctx, PhaseAfter, req, result)
	if err == nil {
		err = req.Err()
	}
	if err != nil {
		return r.rollback(ctx, req, start, err)
	}

	r.transition(req, StateCommitting)
	if err := tx.Commit(ctx); err != nil {
		return r.respond(req, start, nil, err)
	}
	return r.respond(req, start, result, nil)
}

// executing produces the result: on handlers if any are registered, the
// generated CRUD otherwise.
func (r *Runtime) executing(ctx context.Context, req *Request) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Errorf(ErrorTypeInternal, "executing %s %s panicked: %v", req.Event, req.Target, p)
		}
	}()

	if !r.hooks.Has(PhaseOn, req.Event, req.Target) {
		if req.Kind == TargetOperation {
			return nil, Errorf(ErrorTypeUnimplemented, "%s %s has no handler", req.Operation.Kind, req.Target)
		}
		return r.crud.execute(ctx, req)
	}
	return r.hooks.Dispatch(ctx, PhaseOn, req, nil)
}

func (r *Runtime) rollback(ctx context.Context, req *Request, start time.Time, cause error) *Response {
	r.transition(req, StateRollingBack)
	if err := req.tx.Rollback(ctx); err != nil {
		req.log.Error("Rollback failed.", "error", err)
	}
	req.log.Warn("Request rolled back.", "error", cause)
	return r.respond(req, start, nil, cause)
}

func (r *Runtime) respond(req *Request, start time.Time, result interface{}, err error) *Response {
	r.transition(req, StateResponded)
	resp := &Response{RequestID: req.ID}
	if err != nil {
		resp.Error = InfoOf(err)
		req.log.Info("Request failed.", "code", resp.Error.Kind, "status", resp.Error.Status, "duration", time.Since(start))
		return resp
	}
	resp.Result = result
	req.log.Info("Request completed.", "duration", time.Since(start))
	return resp
}

func (r *Runtime) transition(req *Request, to State) {
	req.log.Debug("State transition.", "from", req.state, "to", to)
	req.state = to
}

// normalizeTarget fills in the operation name when only one of event and
// target is given for a custom operation.
func normalizeTarget(event Event, target string) (Event, string) {
	switch {
	case event == "" && target != "":
		return Event(target), target
	case target == "" && event != "" && !event.IsCRUD():
		return event, string(event)
	}
	return event, target
}

// resolve binds the request to its service member, checks restrictions and
// roles, and validates the input. Nothing here touches the adapter.
func (r *Runtime) resolve(req *Request, in Input) error {
	surface, ok := r.models.Surface(in.Service)
	if !ok {
		return Errorf(ErrorTypeNotFound, "service %s not found", in.Service)
	}

	if req.Event.IsCRUD() {
		exposed, ok := surface.Entity(req.Target)
		if !ok {
			return Errorf(ErrorTypeNotFound, "service %s exposes no entity %s", surface.Name, req.Target)
		}
		req.Kind = TargetEntity
		req.Entity = exposed.Entity
		if !exposed.Allows(req.Event) {
			return Errorf(ErrorTypeOperationNotAllowed, "%s is not allowed on %s", req.Event, exposed.Alias)
		}
		if !hasAnyRole(req.Principal, surface.Requires) || !hasAnyRole(req.Principal, exposed.Requires) {
			return Errorf(ErrorTypeForbidden, "%s may not %s %s", req.Principal.ID(), req.Event, exposed.Alias)
		}
		return validateEntityInput(req, in)
	}

	if Event(req.Target) != req.Event {
		return Errorf(ErrorTypeNotFound, "event %s does not match operation %s", req.Event, req.Target)
	}
	exposed, ok := surface.Operation(req.Target)
	if !ok {
		return Errorf(ErrorTypeNotFound, "service %s has no operation %s", surface.Name, req.Target)
	}
	req.Kind = TargetOperation
	req.Operation = exposed.Def
	if !hasAnyRole(req.Principal, surface.Requires) || !hasAnyRole(req.Principal, exposed.Requires) {
		return Errorf(ErrorTypeForbidden, "%s may not call %s", req.Principal.ID(), exposed.Def.Name)
	}
	return validateOperationInput(req, in)
}
