package gcap

// =====================================
// Core Types and Constants
// =====================================

// Record is a single entity instance keyed by field name.
type Record = map[string]interface{}

// Wildcard matches any event or target when registering hooks.
const Wildcard = "*"

// FieldType represents the primitive type of an entity field or operation parameter
type FieldType string

const (
	TypeString    FieldType = "String"
	TypeInteger   FieldType = "Integer"
	TypeDecimal   FieldType = "Decimal"
	TypeBoolean   FieldType = "Boolean"
	TypeUUID      FieldType = "UUID"
	TypeDate      FieldType = "Date"
	TypeDateTime  FieldType = "DateTime"
	TypeTimestamp FieldType = "Timestamp"
)

// FieldTypes lists every supported primitive type
var FieldTypes = []FieldType{
	TypeString,
	TypeInteger,
	TypeDecimal,
	TypeBoolean,
	TypeUUID,
	TypeDate,
	TypeDateTime,
	TypeTimestamp,
}

// IsValid reports whether t is one of the supported primitive types
func (t FieldType) IsValid() bool {
	for _, ft := range FieldTypes {
		if ft == t {
			return true
		}
	}
	return false
}

// Cardinality represents the multiplicity of an association or composition
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// Phase represents the lifecycle phase a hook runs in
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseOn     Phase = "on"
	PhaseAfter  Phase = "after"
)

// IsValid reports whether p is a known phase
func (p Phase) IsValid() bool {
	return p == PhaseBefore || p == PhaseOn || p == PhaseAfter
}

// Event identifies what a request does: one of the CRUD events or the name
// of a custom operation.
type Event string

const (
	EventCreate Event = "CREATE"
	EventRead   Event = "READ"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
)

// IsCRUD reports whether e is one of the four generated data events
func (e Event) IsCRUD() bool {
	switch e {
	case EventCreate, EventRead, EventUpdate, EventDelete:
		return true
	}
	return false
}

// OperationKind distinguishes side-effecting actions from read-only functions
type OperationKind string

const (
	KindAction   OperationKind = "action"
	KindFunction OperationKind = "function"
)

// TargetKind tells whether a request addresses an exposed entity or a custom operation
type TargetKind string

const (
	TargetEntity    TargetKind = "entity"
	TargetOperation TargetKind = "operation"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeDuplicateKey        ErrorType = "duplicate_key"
	ErrorTypeDuplicateEntity     ErrorType = "duplicate_entity"
	ErrorTypeDuplicateOperation  ErrorType = "duplicate_operation"
	ErrorTypeDuplicateService    ErrorType = "duplicate_service"
	ErrorTypeUnknownEntity       ErrorType = "unknown_entity"
	ErrorTypeForbidden           ErrorType = "forbidden"
	ErrorTypeOperationNotAllowed ErrorType = "operation_not_allowed"
	ErrorTypeUnimplemented       ErrorType = "unimplemented"
	ErrorTypeCommitFailed        ErrorType = "commit_failed"
	ErrorTypeTransactionClosed   ErrorType = "transaction_closed"
	ErrorTypeRegistryFrozen      ErrorType = "registry_frozen"
	ErrorTypeUnsupported         ErrorType = "unsupported"
	ErrorTypeConnection          ErrorType = "connection"
	ErrorTypeInternal            ErrorType = "internal"
)

// Feature represents an optional adapter capability
type Feature string

const (
	FeatureTransactions Feature = "transactions"
	FeatureOptimistic   Feature = "optimistic_concurrency"
	FeatureMigration    Feature = "migration"
	FeaturePersistent   Feature = "persistent"
)

// StorageType represents the kind of backing store an adapter talks to
type StorageType string

const (
	StorageSQL      StorageType = "sql"
	StorageKV       StorageType = "key-value"
	StorageDocument StorageType = "document"
	StorageMemory   StorageType = "memory"
)

// AdapterInfo contains information about a persistence adapter
type AdapterInfo struct {
	Name     string
	Driver   string
	Storage  StorageType
	Features []Feature
}

// HasFeature reports whether the adapter advertises f
func (i AdapterInfo) HasFeature(f Feature) bool {
	for _, have := range i.Features {
		if have == f {
			return true
		}
	}
	return false
}
