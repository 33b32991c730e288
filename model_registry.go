package gcap

import (
	"fmt"
	"sync"
)

// ModelRegistry holds the compiled entity and service definitions. It is
// filled during startup and frozen before the runtime serves requests;
// reads are safe from any goroutine.
type ModelRegistry struct {
	mu       sync.RWMutex
	entities map[string]*EntityDef
	order    []string
	services map[string]*ServiceDef
	surfaces map[string]*Surface
	svcOrder []string
	frozen   bool
}

// NewModelRegistry creates an empty, unfrozen registry
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		entities: make(map[string]*EntityDef),
		services: make(map[string]*ServiceDef),
		surfaces: make(map[string]*Surface),
	}
}

// Register adds an entity definition
func (r *ModelRegistry) Register(def EntityDef) error {
	if err := def.validate(); err != nil {
		return err
	}
	stored := cloneEntityDef(def)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return Errorf(ErrorTypeRegistryFrozen, "cannot register entity %s: model registry is frozen", def.Name)
	}
	if _, exists := r.entities[def.Name]; exists {
		return Errorf(ErrorTypeDuplicateEntity, "entity %s is already registered", def.Name)
	}
	r.entities[def.Name] = stored
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister registers every definition and panics on the first error
func (r *ModelRegistry) MustRegister(defs ...EntityDef) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Resolve retrieves an entity definition by name
func (r *ModelRegistry) Resolve(name string) (*EntityDef, error) {
	r.mu.RLock()
	def, ok := r.entities[name]
	r.mu.RUnlock()

	if !ok {
		return nil, Errorf(ErrorTypeUnknownEntity, "entity %s is not registered", name)
	}
	return def, nil
}

// RegisterService compiles def against the registered entities and stores
// the resulting surface.
func (r *ModelRegistry) RegisterService(def ServiceDef) error {
	if r.IsFrozen() {
		return Errorf(ErrorTypeRegistryFrozen, "cannot register service %s: model registry is frozen", def.Name)
	}

	surface, err := Compile(def, r)
	if err != nil {
		return err
	}
	stored := def

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return Errorf(ErrorTypeRegistryFrozen, "cannot register service %s: model registry is frozen", def.Name)
	}
	if _, exists := r.services[def.Name]; exists {
		return Errorf(ErrorTypeDuplicateService, "service %s is already registered", def.Name)
	}
	for _, other := range r.surfaces {
		if other.Path == surface.Path {
			return Errorf(ErrorTypeDuplicateService, "service %s uses path %s already taken by %s", def.Name, surface.Path, other.Name)
		}
	}
	r.services[def.Name] = &stored
	r.surfaces[def.Name] = surface
	r.svcOrder = append(r.svcOrder, def.Name)
	return nil
}

// Freeze checks that every association and composition target resolves and
// rejects any further mutation. Calling Freeze again is a no-op.
func (r *ModelRegistry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return nil
	}
	for _, name := range r.order {
		def := r.entities[name]
		for _, link := range def.Links() {
			target, ok := r.entities[link.Target]
			if !ok {
				return Errorf(ErrorTypeUnknownEntity, "entity %s: %s targets unknown entity %s", def.Name, link.Name, link.Target)
			}
			for _, j := range link.On {
				if !target.HasField(j.TargetField) {
					return NewFieldError(ErrorTypeValidation, link.Name,
						fmt.Sprintf("join field %s is not declared on %s", j.TargetField, target.Name))
				}
			}
		}
	}
	r.frozen = true
	return nil
}

// IsFrozen reports whether Freeze has been called successfully
func (r *ModelRegistry) IsFrozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Surface returns the compiled surface of a service
func (r *ModelRegistry) Surface(service string) (*Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.surfaces[service]
	return s, ok
}

// Service returns the definition a service was registered with
func (r *ModelRegistry) Service(name string) (*ServiceDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	return s, ok
}

// Entities returns all entity definitions in registration order
func (r *ModelRegistry) Entities() []*EntityDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*EntityDef, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entities[name])
	}
	return out
}

// Services returns all service definitions in registration order
func (r *ModelRegistry) Services() []*ServiceDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ServiceDef, 0, len(r.svcOrder))
	for _, name := range r.svcOrder {
		out = append(out, r.services[name])
	}
	return out
}

// Surfaces returns all compiled services in registration order
func (r *ModelRegistry) Surfaces() []*Surface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Surface, 0, len(r.svcOrder))
	for _, name := range r.svcOrder {
		out = append(out, r.surfaces[name])
	}
	return out
}

func cloneEntityDef(def EntityDef) *EntityDef {
	out := def
	out.Fields = append([]FieldDef(nil), def.Fields...)
	out.Keys = append([]string(nil), def.Keys...)
	out.Associations = append([]AssociationDef(nil), def.Associations...)
	out.Compositions = append([]CompositionDef(nil), def.Compositions...)
	return &out
}
