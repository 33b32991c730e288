package gcap

import "fmt"

// =====================================
// Service Definition Compiler
// =====================================

// Surface is the compiled, immutable view of a service that the pipeline
// resolves requests against.
type Surface struct {
	Name       string
	Path       string
	Requires   []string
	entities   map[string]*ExposedEntity
	operations map[string]*ExposedOperation
	members    []string
}

// ExposedEntity is a projection bound to its source entity
type ExposedEntity struct {
	Alias        string
	Entity       *EntityDef
	Restrictions Restrictions
	Requires     []string
}

// ExposedOperation is a custom operation of a service
type ExposedOperation struct {
	Def      *OperationDef
	Requires []string
}

// Allows reports whether the projection accepts event
func (e *ExposedEntity) Allows(event Event) bool {
	switch event {
	case EventRead:
		return true
	case EventCreate:
		return e.Restrictions.Insertable
	case EventUpdate:
		return e.Restrictions.Updatable
	case EventDelete:
		return e.Restrictions.Deletable
	}
	return false
}

// Entity returns the projection with the given alias
func (s *Surface) Entity(alias string) (*ExposedEntity, bool) {
	e, ok := s.entities[alias]
	return e, ok
}

// Operation returns the custom operation with the given name
func (s *Surface) Operation(name string) (*ExposedOperation, bool) {
	o, ok := s.operations[name]
	return o, ok
}

// Members returns member names in declaration order
func (s *Surface) Members() []string {
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

// Entities returns the exposed projections in declaration order
func (s *Surface) Entities() []*ExposedEntity {
	var out []*ExposedEntity
	for _, name := range s.members {
		if e, ok := s.entities[name]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Operations returns the custom operations in declaration order
func (s *Surface) Operations() []*ExposedOperation {
	var out []*ExposedOperation
	for _, name := range s.members {
		if o, ok := s.operations[name]; ok {
			out = append(out, o)
		}
	}
	return out
}

type entityResolver interface {
	Resolve(name string) (*EntityDef, error)
}

// Compile validates def against the model and produces its Surface.
// Restriction annotations end up on each ExposedEntity, where the pipeline
// checks them before any hook runs.
func Compile(def ServiceDef, models entityResolver) (*Surface, error) {
	if def.Name == "" {
		return nil, NewError(ErrorTypeValidation, "service name is required")
	}

	s := &Surface{
		Name:       def.Name,
		Path:       def.RoutePath(),
		Requires:   append([]string(nil), def.Requires...),
		entities:   make(map[string]*ExposedEntity),
		operations: make(map[string]*ExposedOperation),
	}

	seen := make(map[string]struct{}, len(def.Members))
	for i, m := range def.Members {
		if (m.Projection == nil) == (m.Operation == nil) {
			return nil, Errorf(ErrorTypeValidation, "service %s: member %d must be either a projection or an operation", def.Name, i)
		}
		name := m.Name()
		if name == "" || name == Wildcard {
			return nil, Errorf(ErrorTypeValidation, "service %s: member %d has an invalid name %q", def.Name, i, name)
		}
		if _, dup := seen[name]; dup {
			return nil, Errorf(ErrorTypeDuplicateOperation, "service %s declares %s twice", def.Name, name)
		}
		seen[name] = struct{}{}

		if m.Projection != nil {
			exposed, err := compileProjection(def.Name, m.Projection, models)
			if err != nil {
				return nil, err
			}
			s.entities[name] = exposed
		} else {
			exposed, err := compileOperation(def.Name, m.Operation, models)
			if err != nil {
				return nil, err
			}
			s.operations[name] = exposed
		}
		s.members = append(s.members, name)
	}
	return s, nil
}

func compileProjection(service string, p *ProjectionDef, models entityResolver) (*ExposedEntity, error) {
	source := p.Source
	if source == "" {
		source = p.Alias
	}
	entity, err := models.Resolve(source)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeUnknownEntity,
			fmt.Sprintf("service %s: projection %s has unknown source %s", service, p.Alias, source), err)
	}

	restrictions := Restrictions{Insertable: true, Updatable: true, Deletable: true}
	if p.Restrictions != nil {
		restrictions = *p.Restrictions
	}
	return &ExposedEntity{
		Alias:        p.Alias,
		Entity:       entity,
		Restrictions: restrictions,
		Requires:     append([]string(nil), p.Requires...),
	}, nil
}

func compileOperation(service string, o *OperationDef, models entityResolver) (*ExposedOperation, error) {
	if Event(o.Name).IsCRUD() {
		return nil, Errorf(ErrorTypeValidation, "service %s: operation name %s is reserved", service, o.Name)
	}
	def := *o
	if def.Kind == "" {
		def.Kind = KindAction
	}
	if def.Kind != KindAction && def.Kind != KindFunction {
		return nil, Errorf(ErrorTypeValidation, "service %s: operation %s has invalid kind %q", service, o.Name, o.Kind)
	}

	params := make(map[string]struct{}, len(def.Params))
	for _, p := range def.Params {
		if p.Name == "" {
			return nil, Errorf(ErrorTypeValidation, "service %s: operation %s has an unnamed parameter", service, o.Name)
		}
		if _, dup := params[p.Name]; dup {
			return nil, NewFieldError(ErrorTypeValidation, p.Name, fmt.Sprintf("service %s: operation %s declares parameter twice", service, o.Name))
		}
		if !p.Type.IsValid() {
			return nil, NewFieldError(ErrorTypeValidation, p.Name, fmt.Sprintf("unsupported parameter type %q", p.Type))
		}
		params[p.Name] = struct{}{}
	}

	if def.Returns != nil {
		if def.Returns.Entity != "" {
			if _, err := models.Resolve(def.Returns.Entity); err != nil {
				return nil, NewErrorWithCause(ErrorTypeUnknownEntity,
					fmt.Sprintf("service %s: operation %s returns unknown entity %s", service, o.Name, def.Returns.Entity), err)
			}
		} else if def.Returns.Type != "" && !def.Returns.Type.IsValid() {
			return nil, Errorf(ErrorTypeValidation, "service %s: operation %s has invalid return type %q", service, o.Name, def.Returns.Type)
		}
	}

	return &ExposedOperation{
		Def:      &def,
		Requires: append([]string(nil), def.Requires...),
	}, nil
}
