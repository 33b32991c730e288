package gcaphcl

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lemmego/gcap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestModel(t *testing.T) *Model {
	t.Helper()
	model, err := Load(context.Background(), filepath.Join("testdata", "model"))
	require.NoError(t, err)
	return model
}

func TestLoadWalksDirectories(t *testing.T) {
	model := loadTestModel(t)

	assert.Equal(t, []string{
		filepath.Join("testdata", "model", "bookshop.hcl"),
		filepath.Join("testdata", "model", "extra", "orders.hcl"),
	}, model.Files)
	require.Len(t, model.Entities, 4)
	assert.Equal(t, "Books", model.Entities[0].Name)
	assert.Equal(t, "OrderItems", model.Entities[3].Name)
	assert.Len(t, model.Services, 2)
	assert.Len(t, model.Hooks, 2)
}

func TestLoadFieldsAndDefaults(t *testing.T) {
	model := loadTestModel(t)
	books := model.Entities[0]

	assert.Equal(t, []string{"ID"}, books.Keys)
	assert.Equal(t, gcap.TypeInteger, books.Field("ID").Type)
	assert.False(t, books.Field("ID").Nullable)
	assert.Equal(t, int64(10), books.Field("stock").Default)
	assert.Equal(t, 9.5, books.Field("price").Default)
	assert.Nil(t, books.Field("title").Default)

	// type names are matched case-insensitively
	assert.Equal(t, gcap.TypeUUID, model.Entities[1].Field("ID").Type)
	assert.Equal(t, "2024-01-01", model.Entities[2].Field("day").Default)
}

func TestLoadLinks(t *testing.T) {
	model := loadTestModel(t)

	books := model.Entities[0]
	require.Len(t, books.Associations, 1)
	assert.Equal(t, gcap.AssociationDef{
		Name:        "author",
		Target:      "Authors",
		Cardinality: gcap.CardinalityOne,
		On:          []gcap.JoinCondition{{Field: "author_ID", TargetField: "ID"}},
	}, books.Associations[0])

	orders := model.Entities[2]
	require.Len(t, orders.Compositions, 1)
	assert.Equal(t, gcap.CardinalityMany, orders.Compositions[0].Cardinality)
	assert.Equal(t, []string{"order_ID", "pos"}, model.Entities[3].Keys)
}

func TestLoadServices(t *testing.T) {
	model := loadTestModel(t)
	catalog := model.Services[0]

	assert.Equal(t, "CatalogService", catalog.Name)
	assert.Equal(t, "/catalog", catalog.Path)
	require.Len(t, catalog.Members, 4)

	books := catalog.Members[0].Projection
	require.NotNil(t, books)
	assert.Equal(t, gcap.ReadOnly(), books.Restrictions)

	writers := catalog.Members[1].Projection
	require.NotNil(t, writers)
	assert.Equal(t, "Authors", writers.Source)
	assert.Equal(t, &gcap.Restrictions{Insertable: true, Updatable: true, Deletable: false}, writers.Restrictions)
	assert.Equal(t, []string{"admin"}, writers.Requires)

	restock := catalog.Members[2].Operation
	require.NotNil(t, restock)
	assert.Equal(t, gcap.KindAction, restock.Kind)
	assert.Equal(t, []gcap.ParamDef{
		{Name: "book", Type: gcap.TypeInteger},
		{Name: "amount", Type: gcap.TypeInteger, Optional: true},
	}, restock.Params)
	assert.Equal(t, &gcap.TypeRef{Entity: "Books"}, restock.Returns)

	count := catalog.Members[3].Operation
	require.NotNil(t, count)
	assert.Equal(t, gcap.KindFunction, count.Kind)
	assert.Equal(t, gcap.TypeInteger, count.Returns.Type)

	orders := model.Services[1].Members[0].Projection
	require.NotNil(t, orders)
	assert.Nil(t, orders.Restrictions)
}

func TestLoadHooks(t *testing.T) {
	model := loadTestModel(t)

	stamp := model.Hooks[0]
	assert.Equal(t, gcap.PhaseBefore, stamp.Phase)
	assert.Equal(t, gcap.EventCreate, stamp.Event)
	assert.Equal(t, "Books", stamp.Target)
	assert.Equal(t, "stampTitle", stamp.Name)
	assert.Contains(t, stamp.Script, "req.data.title")
	assert.Equal(t, filepath.Join("testdata", "model", "bookshop.hcl"), stamp.File)

	count := model.Hooks[1]
	assert.Equal(t, gcap.PhaseOn, count.Phase)
	assert.Equal(t, gcap.Event("countBooks"), count.Event)
	assert.Equal(t, "on countBooks countBooks", count.Name)
}

func TestApply(t *testing.T) {
	model := loadTestModel(t)
	models := gcap.NewModelRegistry()

	require.NoError(t, model.Apply(models))
	require.NoError(t, models.Freeze())

	surface, ok := models.Surface("CatalogService")
	require.True(t, ok)
	assert.Equal(t, []string{"Books", "Writers", "restock", "countBooks"}, surface.Members())
	writers, ok := surface.Entity("Writers")
	require.True(t, ok)
	assert.Equal(t, "Authors", writers.Entity.Name)
	assert.False(t, writers.Allows(gcap.EventDelete))

	// applying twice collides with the registered entities
	err := model.Apply(models)
	assert.True(t, gcap.IsErrorType(err, gcap.ErrorTypeRegistryFrozen))
}

func TestSetup(t *testing.T) {
	model := loadTestModel(t)
	models := gcap.NewModelRegistry()
	require.NoError(t, model.Setup()(gcap.NewHookRegistry(), models))
	assert.Len(t, models.Entities(), 4)
}

func TestLoadMissingPath(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join("testdata", "missing"))
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"syntax", `entity "A" {`, "failed to parse"},
		{"unknown block", `table "A" {}`, "failed to decode"},
		{"missing key", `entity "A" {
  field "ID" { type = "Integer" }
}`, "failed to decode"},
		{"bad type", `entity "A" {
  key = ["ID"]
  field "ID" { type = "Money" }
}`, "unsupported type"},
		{"bad default", `entity "A" {
  key = ["ID"]
  field "ID" {
    type    = "Integer"
    default = "ten"
  }
}`, "default"},
		{"bad cardinality", `entity "A" {
  key = ["ID"]
  field "ID" { type = "Integer" }
  association "b" {
    target      = "B"
    cardinality = "few"
    on          = { ID = "a_ID" }
  }
}`, "unknown cardinality"},
		{"bad phase", `hook "around" "READ" "A" { script = "1" }`, "unknown phase"},
		{"empty script", `hook "on" "READ" "A" { script = "  " }`, "script is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.hcl", []byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCtyValueToInterface(t *testing.T) {
	model, err := Parse("defaults.hcl", []byte(`entity "A" {
  key = ["ID"]
  field "ID" { type = "Integer" }
  field "flag" {
    type    = "Boolean"
    default = true
  }
  field "ratio" {
    type    = "Decimal"
    default = 3
  }
}`))
	require.NoError(t, err)
	a := model.Entities[0]
	assert.Equal(t, true, a.Field("flag").Default)
	assert.Equal(t, float64(3), a.Field("ratio").Default)
}
