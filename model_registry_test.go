package gcap

import (
	"testing"
)

func authorEntity() EntityDef {
	return EntityDef{
		Name:   "Authors",
		Keys:   []string{"ID"},
		Fields: []FieldDef{{Name: "ID", Type: TypeInteger}, {Name: "name", Type: TypeString}},
	}
}

func reviewEntity() EntityDef {
	return EntityDef{
		Name: "Reviews",
		Keys: []string{"ID"},
		Fields: []FieldDef{
			{Name: "ID", Type: TypeInteger},
			{Name: "book_ID", Type: TypeInteger},
			{Name: "rating", Type: TypeInteger, Nullable: true},
		},
	}
}

func bookModels(t *testing.T) *ModelRegistry {
	t.Helper()
	models := NewModelRegistry()
	for _, def := range []EntityDef{bookEntity(), authorEntity(), reviewEntity()} {
		if err := models.Register(def); err != nil {
			t.Fatalf("Failed to register %s: %v", def.Name, err)
		}
	}
	return models
}

func TestModelRegistryRegister(t *testing.T) {
	models := bookModels(t)

	def, err := models.Resolve("Books")
	if err != nil {
		t.Fatalf("Unexpected error %v", err)
	}
	if def.Name != "Books" || len(def.Fields) != 4 {
		t.Errorf("Unexpected definition %+v", def)
	}

	if err := models.Register(authorEntity()); !IsErrorType(err, ErrorTypeDuplicateEntity) {
		t.Errorf("Expected duplicate entity, got %v", err)
	}
	if err := models.Register(EntityDef{Name: "Empty"}); !IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if _, err := models.Resolve("Publishers"); !IsErrorType(err, ErrorTypeUnknownEntity) {
		t.Errorf("Expected unknown entity, got %v", err)
	}

	names := []string{}
	for _, e := range models.Entities() {
		names = append(names, e.Name)
	}
	if len(names) != 3 || names[0] != "Books" || names[2] != "Reviews" {
		t.Errorf("Expected registration order, got %v", names)
	}
}

func TestModelRegistryStoresCopies(t *testing.T) {
	models := NewModelRegistry()
	def := authorEntity()
	models.MustRegister(def)

	def.Fields[1].Name = "changed"
	stored, _ := models.Resolve("Authors")
	if stored.Fields[1].Name != "name" {
		t.Error("Expected the registry to keep its own copy of the fields")
	}
}

func TestModelRegistryMustRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected MustRegister to panic on a duplicate")
		}
	}()
	NewModelRegistry().MustRegister(authorEntity(), authorEntity())
}

func TestModelRegistryFreeze(t *testing.T) {
	models := bookModels(t)

	if err := models.Freeze(); err != nil {
		t.Fatalf("Unexpected error %v", err)
	}
	if !models.IsFrozen() {
		t.Error("Expected registry to be frozen")
	}
	if err := models.Freeze(); err != nil {
		t.Errorf("Expected a second Freeze to be a no-op, got %v", err)
	}
	if err := models.Register(EntityDef{Name: "Late", Keys: []string{"ID"}, Fields: []FieldDef{{Name: "ID", Type: TypeInteger}}}); !IsErrorType(err, ErrorTypeRegistryFrozen) {
		t.Errorf("Expected frozen registry, got %v", err)
	}
	if err := models.RegisterService(ServiceDef{Name: "Late"}); !IsErrorType(err, ErrorTypeRegistryFrozen) {
		t.Errorf("Expected frozen registry, got %v", err)
	}
}

func TestModelRegistryFreezeChecksLinks(t *testing.T) {
	t.Run("unknown target", func(t *testing.T) {
		models := NewModelRegistry()
		models.MustRegister(bookEntity(), reviewEntity())

		if err := models.Freeze(); !IsErrorType(err, ErrorTypeUnknownEntity) {
			t.Errorf("Expected unknown entity, got %v", err)
		}
		if models.IsFrozen() {
			t.Error("Expected a failed Freeze to leave the registry open")
		}
	})

	t.Run("undeclared join field", func(t *testing.T) {
		models := NewModelRegistry()
		reviews := reviewEntity()
		reviews.Fields[1].Name = "bookID"
		models.MustRegister(bookEntity(), authorEntity(), reviews)

		err := models.Freeze()
		if !IsValidation(err) {
			t.Fatalf("Expected validation error, got %v", err)
		}
		if InfoOf(err).Field != "reviews" {
			t.Errorf("Expected field reviews, got %q", InfoOf(err).Field)
		}
	})
}

func TestModelRegistryServices(t *testing.T) {
	models := bookModels(t)

	catalog := ServiceDef{Name: "CatalogService", Path: "/catalog", Members: []Member{Expose("Books", "", nil)}}
	if err := models.RegisterService(catalog); err != nil {
		t.Fatalf("Unexpected error %v", err)
	}
	if err := models.RegisterService(catalog); !IsErrorType(err, ErrorTypeDuplicateService) {
		t.Errorf("Expected duplicate service, got %v", err)
	}

	samePath := ServiceDef{Name: "Other", Path: "catalog", Members: []Member{Expose("Authors", "", nil)}}
	if err := models.RegisterService(samePath); !IsErrorType(err, ErrorTypeDuplicateService) {
		t.Errorf("Expected path collision, got %v", err)
	}

	if err := models.RegisterService(ServiceDef{Name: "AdminService", Members: []Member{Expose("Authors", "", nil)}}); err != nil {
		t.Fatalf("Unexpected error %v", err)
	}

	surface, ok := models.Surface("AdminService")
	if !ok || surface.Path != "/adminservice" {
		t.Errorf("Expected default path, got %+v", surface)
	}
	if def, ok := models.Service("CatalogService"); !ok || def.Path != "/catalog" {
		t.Errorf("Unexpected service %+v", def)
	}
	if len(models.Services()) != 2 || len(models.Surfaces()) != 2 {
		t.Error("Expected two services")
	}
	if _, ok := models.Surface("Missing"); ok {
		t.Error("Expected missing surface")
	}
}
