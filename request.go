package gcap

import (
	"context"
	"log/slog"
)

// =====================================
// Principals
// =====================================

// Role names every principal is checked against implicitly.
const (
	RoleAny           = "any"
	RoleAuthenticated = "authenticated-user"
)

// Principal is the caller as established by the external auth collaborator
type Principal interface {
	ID() string
	HasRole(role string) bool
}

// Anonymous is the principal of unauthenticated callers
type Anonymous struct{}

func (Anonymous) ID() string { return "anonymous" }

func (Anonymous) HasRole(role string) bool { return role == RoleAny }

// User is a simple principal with a fixed role set
type User struct {
	Name  string
	Roles []string
}

func (u User) ID() string { return u.Name }

func (u User) HasRole(role string) bool {
	if role == RoleAny || role == RoleAuthenticated {
		return true
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authorized reports whether p may access something guarded by roles
func Authorized(p Principal, roles ...string) bool {
	if p == nil {
		p = Anonymous{}
	}
	return hasAnyRole(p, roles)
}

// hasAnyRole reports whether p holds at least one of roles; no roles means no restriction.
func hasAnyRole(p Principal, roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	_, anonymous := p.(Anonymous)
	for _, role := range roles {
		switch {
		case role == RoleAny:
			return true
		case role == RoleAuthenticated && !anonymous:
			return true
		case p.HasRole(role):
			return true
		}
	}
	return false
}

// =====================================
// Wire Input and Output
// =====================================

// Input is a decoded request as handed over by a wire protocol front end
type Input struct {
	RequestID string
	Service   string
	// Target is a projection alias or an operation name.
	Target string
	// Event is one of the CRUD events for projections. For operations it may
	// be left empty or set to the operation name.
	Event     Event
	Data      Record
	Key       Key
	Query     Query
	Principal Principal
}

// Response is the outcome of a request: Result on success, Error otherwise
type Response struct {
	RequestID string
	Result    interface{}
	Error     *ErrorInfo
}

// OK reports whether the request succeeded
func (r *Response) OK() bool {
	return r.Error == nil
}

// =====================================
// Request Context
// =====================================

// State is a step of the request state machine
type State string

const (
	StateReceived    State = "Received"
	StateResolving   State = "Resolving"
	StateBeforeHooks State = "BeforeHooks"
	StateExecuting   State = "Executing"
	StateAfterHooks  State = "AfterHooks"
	StateCommitting  State = "Committing"
	StateRollingBack State = "RollingBack"
	StateResponded   State = "Responded"
)

// Request is the per-request context every hook receives. It is owned by
// the goroutine executing the request and must not be shared.
type Request struct {
	ID        string
	Service   string
	Event     Event
	Target    string
	Kind      TargetKind
	Data      Record
	Key       Key
	Query     Query
	Principal Principal

	// Entity is set for projection targets, Operation for custom operations.
	Entity    *EntityDef
	Operation *OperationDef

	state   State
	err     error
	tx      *Transaction
	runtime *Runtime
	log     *slog.Logger
}

// State returns the current pipeline state
func (r *Request) State() State {
	return r.state
}

// Reject records an error on the request. Before hooks use it to stop
// processing; the first recorded error wins.
func (r *Request) Reject(errorType ErrorType, message string) {
	r.SetError(NewError(errorType, message))
}

// RejectField is Reject with a field path into the payload
func (r *Request) RejectField(errorType ErrorType, field, message string) {
	r.SetError(NewFieldError(errorType, field, message))
}

// SetError records err unless an error is already recorded
func (r *Request) SetError(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

// Err returns the recorded error, if any
func (r *Request) Err() error {
	return r.err
}

// Tx returns the transaction borrowed for this request. It is nil before
// the transaction is opened.
func (r *Request) Tx() *Transaction {
	return r.tx
}

// Models gives handlers read access to the model registry
func (r *Request) Models() *ModelRegistry {
	return r.runtime.models
}

// Logger returns the request-scoped logger
func (r *Request) Logger() *slog.Logger {
	return r.log
}

// User returns the principal, never nil
func (r *Request) User() Principal {
	if r.Principal == nil {
		return Anonymous{}
	}
	return r.Principal
}

// RunDefault executes the generated CRUD implementation for this request
// inside its transaction. Custom on handlers use it to wrap the default.
func (r *Request) RunDefault(ctx context.Context) (interface{}, error) {
	if r.Kind != TargetEntity || !r.Event.IsCRUD() {
		return nil, Errorf(ErrorTypeUnimplemented, "%s has no default implementation", r.Target)
	}
	if r.tx == nil {
		return nil, NewError(ErrorTypeTransactionClosed, "request has no open transaction")
	}
	return r.runtime.crud.execute(ctx, r)
}
