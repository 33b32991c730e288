package gcap_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/lemmego/gcap"
	"github.com/lemmego/gcap/gcapmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// =====================================
// Fixtures
// =====================================

const orderID = "0b6c1a52-93c4-4bd8-a0b3-2f5b6c7d8e9f"

func shopModel(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
	entities := []gcap.EntityDef{
		{
			Name: "Books",
			Keys: []string{"ID"},
			Fields: []gcap.FieldDef{
				{Name: "ID", Type: gcap.TypeInteger},
				{Name: "title", Type: gcap.TypeString},
				{Name: "stock", Type: gcap.TypeInteger, Default: int64(0)},
				{Name: "author_ID", Type: gcap.TypeInteger, Nullable: true},
			},
			Associations: []gcap.AssociationDef{{
				Name: "author", Target: "Authors", Cardinality: gcap.CardinalityOne,
				On: []gcap.JoinCondition{{Field: "author_ID", TargetField: "ID"}},
			}},
		},
		{
			Name:   "Authors",
			Keys:   []string{"ID"},
			Fields: []gcap.FieldDef{{Name: "ID", Type: gcap.TypeInteger}, {Name: "name", Type: gcap.TypeString}},
		},
		{
			Name: "Orders",
			Keys: []string{"ID"},
			Fields: []gcap.FieldDef{
				{Name: "ID", Type: gcap.TypeUUID},
				{Name: "orderDate", Type: gcap.TypeDate, Nullable: true},
			},
			Compositions: []gcap.CompositionDef{{
				Name: "items", Target: "OrderItems", Cardinality: gcap.CardinalityMany,
				On: []gcap.JoinCondition{{Field: "ID", TargetField: "order_ID"}},
			}},
		},
		{
			Name: "OrderItems",
			Keys: []string{"order_ID", "pos"},
			Fields: []gcap.FieldDef{
				{Name: "order_ID", Type: gcap.TypeUUID},
				{Name: "pos", Type: gcap.TypeInteger},
				{Name: "book_ID", Type: gcap.TypeInteger},
				{Name: "amount", Type: gcap.TypeInteger},
			},
		},
	}
	for _, e := range entities {
		if err := models.Register(e); err != nil {
			return err
		}
	}

	return models.RegisterService(gcap.ServiceDef{
		Name: "CatalogService",
		Path: "/catalog",
		Members: []gcap.Member{
			gcap.Expose("Books", "", gcap.ReadOnly()),
			gcap.Expose("Stock", "Books", nil),
			gcap.Expose("Authors", "", nil),
			gcap.Expose("Orders", "", nil),
			{Projection: &gcap.ProjectionDef{Alias: "Vault", Source: "Authors", Requires: []string{"admin"}}},
			gcap.Action("orderBook",
				gcap.ParamDef{Name: "book", Type: gcap.TypeInteger},
				gcap.ParamDef{Name: "amount", Type: gcap.TypeInteger},
			),
			gcap.Action("restock"),
		},
	})
}

// countingAdapter records how often the pipeline reaches the store
type countingAdapter struct {
	gcap.Adapter

	mu        sync.Mutex
	begins    int
	writes    int
	commits   int
	rollbacks int
}

func (a *countingAdapter) Begin(ctx context.Context) (gcap.Tx, error) {
	tx, err := a.Adapter.Begin(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.begins++
	a.mu.Unlock()
	return &countingTx{Tx: tx, a: a}, nil
}

func (a *countingAdapter) count(n *int) {
	a.mu.Lock()
	*n++
	a.mu.Unlock()
}

type countingTx struct {
	gcap.Tx
	a *countingAdapter
}

func (t *countingTx) Insert(ctx context.Context, entity *gcap.EntityDef, rec gcap.Record) (gcap.Record, error) {
	t.a.count(&t.a.writes)
	return t.Tx.Insert(ctx, entity, rec)
}

func (t *countingTx) Update(ctx context.Context, entity *gcap.EntityDef, key gcap.Key, patch gcap.Record) error {
	t.a.count(&t.a.writes)
	return t.Tx.Update(ctx, entity, key, patch)
}

func (t *countingTx) Delete(ctx context.Context, entity *gcap.EntityDef, key gcap.Key) error {
	t.a.count(&t.a.writes)
	return t.Tx.Delete(ctx, entity, key)
}

func (t *countingTx) Commit(ctx context.Context) error {
	t.a.count(&t.a.commits)
	return t.Tx.Commit(ctx)
}

func (t *countingTx) Rollback(ctx context.Context) error {
	t.a.count(&t.a.rollbacks)
	return t.Tx.Rollback(ctx)
}

// =====================================
// Suite
// =====================================

type PipelineSuite struct {
	suite.Suite

	ctx     context.Context
	store   *gcapmem.Store
	adapter *countingAdapter
	rt      *gcap.Runtime
}

func TestPipeline(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = gcapmem.New()
	s.adapter = &countingAdapter{Adapter: s.store}
	s.rt = gcap.NewRuntime(gcap.NewModelRegistry(), s.adapter, gcap.WithMigration(true))
}

func (s *PipelineSuite) TearDownTest() {
	s.NoError(s.rt.Close())
}

// start applies the shop model plus setups and starts the runtime
func (s *PipelineSuite) start(setups ...gcap.Setup) {
	s.Require().NoError(s.rt.Use(append([]gcap.Setup{shopModel}, setups...)...))
	s.Require().NoError(s.rt.Start(s.ctx))
}

func (s *PipelineSuite) exec(in gcap.Input) *gcap.Response {
	if in.Service == "" {
		in.Service = "CatalogService"
	}
	return s.rt.Execute(s.ctx, in)
}

func (s *PipelineSuite) mustExec(in gcap.Input) interface{} {
	resp := s.exec(in)
	s.Require().True(resp.OK(), "unexpected error %v", resp.Error)
	return resp.Result
}

func (s *PipelineSuite) requireKind(resp *gcap.Response, kind gcap.ErrorType) {
	s.Require().NotNil(resp.Error, "expected %s, got result %v", kind, resp.Result)
	s.Equal(kind, resp.Error.Kind, resp.Error.Message)
}

func (s *PipelineSuite) seedBook(id int64, title string, stock int64) {
	s.mustExec(gcap.Input{Target: "Stock", Event: gcap.EventCreate,
		Data: gcap.Record{"ID": id, "title": title, "stock": stock}})
}

// =====================================
// Hook Ordering
// =====================================

func (s *PipelineSuite) TestBeforeHooksRunInOrderAndSeeMutations() {
	var seen []string
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		if err := hooks.Before(gcap.EventCreate, "Stock", func(ctx context.Context, req *gcap.Request) error {
			seen = append(seen, "first")
			req.Data["title"] = req.Data["title"].(string) + "!"
			return nil
		}); err != nil {
			return err
		}
		return hooks.Before(gcap.EventCreate, "Stock", func(ctx context.Context, req *gcap.Request) error {
			seen = append(seen, "second:"+req.Data["title"].(string))
			return nil
		})
	})

	result := s.mustExec(gcap.Input{Target: "Stock", Event: gcap.EventCreate,
		Data: gcap.Record{"ID": 1, "title": "Jane Eyre"}})

	s.Equal([]string{"first", "second:Jane Eyre!"}, seen)
	s.Equal("Jane Eyre!", result.(gcap.Record)["title"])
}

func (s *PipelineSuite) TestBeforeErrorRollsBack() {
	onCalled := false
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		if err := hooks.Before(gcap.EventCreate, "Authors", func(ctx context.Context, req *gcap.Request) error {
			return gcap.NewFieldError(gcap.ErrorTypeValidation, "name", "name is taken")
		}); err != nil {
			return err
		}
		return hooks.On(gcap.EventCreate, "Authors", func(ctx context.Context, req *gcap.Request) (interface{}, error) {
			onCalled = true
			return req.RunDefault(ctx)
		})
	})

	resp := s.exec(gcap.Input{Target: "Authors", Event: gcap.EventCreate, Data: gcap.Record{"ID": 1, "name": "Anne"}})

	s.requireKind(resp, gcap.ErrorTypeValidation)
	s.Equal("name", resp.Error.Field)
	s.False(onCalled)
	s.Equal(0, s.adapter.commits)
	s.Equal(1, s.adapter.rollbacks)
	s.Empty(s.store.Rows("Authors"))
}

// =====================================
// Generated CRUD
// =====================================

func (s *PipelineSuite) TestCreateThenReadByKey() {
	s.start()

	created := s.mustExec(gcap.Input{Target: "Stock", Event: gcap.EventCreate,
		Data: gcap.Record{"ID": 7, "title": "Villette"}}).(gcap.Record)
	s.Equal(int64(0), created["stock"], "default applied")

	rows := s.mustExec(gcap.Input{Target: "Books", Event: gcap.EventRead,
		Query: gcap.NewQuery(gcap.Where("ID", gcap.OpEqual, 7))}).([]gcap.Record)
	s.Require().Len(rows, 1)
	s.Equal(created, rows[0])

	one := s.mustExec(gcap.Input{Target: "Books", Event: gcap.EventRead, Key: gcap.Key{"ID": 7}})
	s.Equal(created, one)
}

func (s *PipelineSuite) TestCreateErrors() {
	s.start()
	s.seedBook(1, "Shirley", 1)

	tests := []struct {
		name  string
		data  gcap.Record
		kind  gcap.ErrorType
		field string
	}{
		{"duplicate key", gcap.Record{"ID": 1, "title": "Again"}, gcap.ErrorTypeDuplicateKey, ""},
		{"missing required", gcap.Record{"ID": 2}, gcap.ErrorTypeValidation, "title"},
		{"wrong type", gcap.Record{"ID": 3, "title": 42}, gcap.ErrorTypeValidation, "title"},
		{"undeclared", gcap.Record{"ID": 4, "title": "x", "isbn": "123"}, gcap.ErrorTypeValidation, "isbn"},
		{"association write", gcap.Record{"ID": 5, "title": "x", "author": gcap.Record{"ID": 1}}, gcap.ErrorTypeValidation, "author"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.exec(gcap.Input{Target: "Stock", Event: gcap.EventCreate, Data: tt.data})
			s.requireKind(resp, tt.kind)
			s.Equal(tt.field, resp.Error.Field)
		})
	}
	s.Len(s.store.Rows("Books"), 1)
}

func (s *PipelineSuite) TestReadManyAndEmpty() {
	s.start()
	s.seedBook(1, "Agnes Grey", 3)
	s.seedBook(2, "Emma", 0)
	s.seedBook(3, "Persuasion", 9)

	rows := s.mustExec(gcap.Input{Target: "Books", Event: gcap.EventRead, Query: gcap.NewQuery(
		gcap.Where("stock", gcap.OpGreaterThan, 0),
		gcap.OrderBy("stock", gcap.OrderDesc),
	)}).([]gcap.Record)
	s.Require().Len(rows, 2)
	s.Equal("Persuasion", rows[0]["title"])

	empty := s.mustExec(gcap.Input{Target: "Books", Event: gcap.EventRead,
		Query: gcap.NewQuery(gcap.Where("title", gcap.OpStartsWith, "Z"))})
	s.Equal([]gcap.Record{}, empty)

	resp := s.exec(gcap.Input{Target: "Books", Event: gcap.EventRead, Key: gcap.Key{"ID": 99}})
	s.requireKind(resp, gcap.ErrorTypeNotFound)
}

func (s *PipelineSuite) TestQueryValidation() {
	s.start()

	tests := []struct {
		name  string
		q     gcap.Query
		field string
	}{
		{"undeclared filter", gcap.NewQuery(gcap.Where("isbn", gcap.OpEqual, "1")), "isbn"},
		{"mistyped filter", gcap.NewQuery(gcap.Where("stock", gcap.OpEqual, "many")), "stock"},
		{"undeclared order", gcap.NewQuery(gcap.OrderBy("rank", gcap.OrderAsc)), "rank"},
		{"unknown expand", gcap.NewQuery(gcap.Expand("reviews")), "reviews"},
		{"negative limit", gcap.NewQuery(gcap.Limit(-1)), ""},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.exec(gcap.Input{Target: "Books", Event: gcap.EventRead, Query: tt.q})
			s.requireKind(resp, gcap.ErrorTypeValidation)
			s.Equal(tt.field, resp.Error.Field)
		})
	}
	s.Equal(0, s.adapter.begins)
}

func (s *PipelineSuite) TestUpdate() {
	s.start()
	s.seedBook(1, "Emma", 2)

	updated := s.mustExec(gcap.Input{Target: "Stock", Event: gcap.EventUpdate,
		Key: gcap.Key{"ID": 1}, Data: gcap.Record{"stock": 5}}).(gcap.Record)
	s.Equal(int64(5), updated["stock"])
	s.Equal("Emma", updated["title"])

	resp := s.exec(gcap.Input{Target: "Stock", Event: gcap.EventUpdate, Key: gcap.Key{"ID": 2}, Data: gcap.Record{"stock": 1}})
	s.requireKind(resp, gcap.ErrorTypeNotFound)

	resp = s.exec(gcap.Input{Target: "Stock", Event: gcap.EventUpdate, Key: gcap.Key{"ID": 1}, Data: gcap.Record{"ID": 3}})
	s.requireKind(resp, gcap.ErrorTypeValidation)
	s.Equal("ID", resp.Error.Field)

	resp = s.exec(gcap.Input{Target: "Stock", Event: gcap.EventUpdate, Key: gcap.Key{"ID": 1}, Data: gcap.Record{"title": nil}})
	s.requireKind(resp, gcap.ErrorTypeValidation)

	resp = s.exec(gcap.Input{Target: "Stock", Event: gcap.EventUpdate, Data: gcap.Record{"stock": 1}})
	s.requireKind(resp, gcap.ErrorTypeValidation)
}

func (s *PipelineSuite) TestBeforeUpdateCannotRewriteKey() {
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return hooks.Before(gcap.EventUpdate, "Stock", func(ctx context.Context, req *gcap.Request) error {
			req.Data["ID"] = req.Data["stock"]
			return nil
		})
	})
	s.seedBook(1, "Emma", 2)

	resp := s.exec(gcap.Input{Target: "Stock", Event: gcap.EventUpdate, Key: gcap.Key{"ID": 1}, Data: gcap.Record{"stock": 9}})
	s.requireKind(resp, gcap.ErrorTypeValidation)
	s.Equal("ID", resp.Error.Field)

	updated := s.mustExec(gcap.Input{Target: "Stock", Event: gcap.EventUpdate,
		Key: gcap.Key{"ID": 1}, Data: gcap.Record{"stock": 1}}).(gcap.Record)
	s.Equal(int64(1), updated["ID"])
	s.Equal(int64(1), updated["stock"])
}

func (s *PipelineSuite) TestDeleteAbsentKey() {
	s.start()

	resp := s.exec(gcap.Input{Target: "Authors", Event: gcap.EventDelete, Key: gcap.Key{"ID": 404}})
	s.requireKind(resp, gcap.ErrorTypeNotFound)
	s.Equal(404, resp.Error.Status)

	resp = s.exec(gcap.Input{Target: "Authors", Event: gcap.EventDelete})
	s.requireKind(resp, gcap.ErrorTypeValidation)
}

func (s *PipelineSuite) TestDeepInsertAndCascadeDelete() {
	s.start()
	s.seedBook(1, "Emma", 5)

	created := s.mustExec(gcap.Input{Target: "Orders", Event: gcap.EventCreate, Data: gcap.Record{
		"items": []interface{}{
			gcap.Record{"pos": 1, "book_ID": 1, "amount": 2},
			gcap.Record{"pos": 2, "book_ID": 1, "amount": 1},
		},
	}}).(gcap.Record)

	id, ok := created["ID"].(string)
	s.Require().True(ok, "generated key")
	_, err := uuid.Parse(id)
	s.Require().NoError(err)

	items := created["items"].([]gcap.Record)
	s.Require().Len(items, 2)
	s.Equal(id, items[1]["order_ID"])
	s.Len(s.store.Rows("OrderItems"), 2)

	read := s.mustExec(gcap.Input{Target: "Orders", Event: gcap.EventRead, Key: gcap.Key{"ID": id},
		Query: gcap.NewQuery(gcap.Expand("items"))}).(gcap.Record)
	s.Len(read["items"], 2)

	s.mustExec(gcap.Input{Target: "Orders", Event: gcap.EventDelete, Key: gcap.Key{"ID": id}})
	s.Empty(s.store.Rows("Orders"))
	s.Empty(s.store.Rows("OrderItems"))
}

func (s *PipelineSuite) TestDeepInsertChildErrorRollsBack() {
	s.start()

	resp := s.exec(gcap.Input{Target: "Orders", Event: gcap.EventCreate, Data: gcap.Record{
		"ID": orderID,
		"items": []interface{}{
			gcap.Record{"pos": 1, "book_ID": 1, "amount": 2},
			gcap.Record{"pos": 2, "book_ID": 1},
		},
	}})

	s.requireKind(resp, gcap.ErrorTypeValidation)
	s.Equal("items[1].amount", resp.Error.Field)
	s.Empty(s.store.Rows("Orders"))
	s.Empty(s.store.Rows("OrderItems"))
}

func (s *PipelineSuite) TestExpandAssociation() {
	s.start()
	s.mustExec(gcap.Input{Target: "Authors", Event: gcap.EventCreate, Data: gcap.Record{"ID": 1, "name": "Jane Austen"}})
	s.mustExec(gcap.Input{Target: "Stock", Event: gcap.EventCreate, Data: gcap.Record{"ID": 1, "title": "Emma", "author_ID": 1}})
	s.seedBook(2, "Anonymous", 0)

	rows := s.mustExec(gcap.Input{Target: "Books", Event: gcap.EventRead, Query: gcap.NewQuery(
		gcap.OrderBy("ID", gcap.OrderAsc), gcap.Expand("author"),
	)}).([]gcap.Record)

	s.Require().Len(rows, 2)
	s.Equal("Jane Austen", rows[0]["author"].(gcap.Record)["name"])
	s.Nil(rows[1]["author"])
}

// =====================================
// Custom Operations
// =====================================

func (s *PipelineSuite) TestOperationWithoutHandler() {
	s.start()

	warnings := s.rt.Warnings()
	s.Require().Len(warnings, 2)
	s.Equal(gcap.WarningNoHandler, warnings[0].Kind)
	s.Equal("orderBook", warnings[0].Target)
	s.Equal("restock", warnings[1].Target)

	resp := s.exec(gcap.Input{Target: "restock"})
	s.requireKind(resp, gcap.ErrorTypeUnimplemented)
	s.Equal(501, resp.Error.Status)
	s.Equal(1, s.adapter.rollbacks)
}

func (s *PipelineSuite) TestOrderBookHandler() {
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return hooks.On("orderBook", "orderBook", func(ctx context.Context, req *gcap.Request) (interface{}, error) {
			s.Equal(gcap.TargetOperation, req.Kind)
			s.Equal(int64(2), req.Data["amount"], "parameters are coerced")
			return gcap.Record{"orderId": orderID}, nil
		})
	})

	result := s.mustExec(gcap.Input{Target: "orderBook", Data: gcap.Record{"book": 1, "amount": 2.0}})

	s.Equal(gcap.Record{"orderId": orderID}, result)
	s.Equal(0, s.adapter.writes)
	s.Len(s.rt.Warnings(), 1)
}

func (s *PipelineSuite) TestOperationValidation() {
	s.start()

	tests := []struct {
		name  string
		data  gcap.Record
		field string
	}{
		{"missing", gcap.Record{"book": 1}, "amount"},
		{"wrong type", gcap.Record{"book": 1, "amount": "two"}, "amount"},
		{"unknown", gcap.Record{"book": 1, "amount": 1, "gift": true}, "gift"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.exec(gcap.Input{Target: "orderBook", Data: tt.data})
			s.requireKind(resp, gcap.ErrorTypeValidation)
			s.Equal(tt.field, resp.Error.Field)
		})
	}

	resp := s.exec(gcap.Input{Target: "orderBook", Event: "restock"})
	s.requireKind(resp, gcap.ErrorTypeNotFound)
}

// =====================================
// Stamping and Defaults
// =====================================

func (s *PipelineSuite) TestBeforeCreateStampsOrder() {
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return hooks.Before(gcap.EventCreate, "Orders", func(ctx context.Context, req *gcap.Request) error {
			req.Data["orderDate"] = "2024-05-04"
			return nil
		})
	})

	created := s.mustExec(gcap.Input{Target: "Orders", Event: gcap.EventCreate, Data: gcap.Record{"ID": orderID}}).(gcap.Record)

	s.Equal(orderID, created["ID"])
	s.Equal("2024-05-04", created["orderDate"])
	s.Equal("2024-05-04", s.store.Rows("Orders")[0]["orderDate"])
}

func (s *PipelineSuite) TestOnHandlerWrapsDefault() {
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return hooks.On(gcap.EventRead, "Books", func(ctx context.Context, req *gcap.Request) (interface{}, error) {
			result, err := req.RunDefault(ctx)
			if err != nil {
				return nil, err
			}
			return gcap.Record{"count": len(result.([]gcap.Record))}, nil
		})
	})
	s.seedBook(1, "Emma", 1)

	s.Equal(gcap.Record{"count": 1}, s.mustExec(gcap.Input{Target: "Books", Event: gcap.EventRead}))
}

// =====================================
// Restrictions and Roles
// =====================================

func (s *PipelineSuite) TestRestrictionRunsNoHooks() {
	var calls int
	count := func(ctx context.Context, req *gcap.Request) error {
		calls++
		return nil
	}
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		if err := hooks.Before(gcap.Wildcard, gcap.Wildcard, count); err != nil {
			return err
		}
		return hooks.Before(gcap.EventCreate, "Books", count)
	})

	for _, event := range []gcap.Event{gcap.EventCreate, gcap.EventUpdate, gcap.EventDelete} {
		resp := s.exec(gcap.Input{Target: "Books", Event: event, Key: gcap.Key{"ID": 1}, Data: gcap.Record{"ID": 1, "title": "x"}})
		s.requireKind(resp, gcap.ErrorTypeOperationNotAllowed)
	}
	s.Equal(0, calls)
	s.Equal(0, s.adapter.begins)
}

func (s *PipelineSuite) TestRequiresRoles() {
	s.start()
	s.mustExec(gcap.Input{Target: "Authors", Event: gcap.EventCreate, Data: gcap.Record{"ID": 1, "name": "Anne"}})

	tests := []struct {
		name      string
		principal gcap.Principal
		kind      gcap.ErrorType
	}{
		{"anonymous", nil, gcap.ErrorTypeForbidden},
		{"user", gcap.User{Name: "joe"}, gcap.ErrorTypeForbidden},
		{"admin", gcap.User{Name: "root", Roles: []string{"admin"}}, ""},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.exec(gcap.Input{Target: "Vault", Event: gcap.EventRead, Principal: tt.principal})
			if tt.kind == "" {
				s.True(resp.OK(), "unexpected error %v", resp.Error)
				s.Len(resp.Result, 1)
				return
			}
			s.requireKind(resp, tt.kind)
			s.Equal(403, resp.Error.Status)
		})
	}
}

func (s *PipelineSuite) TestUnknownTargets() {
	s.start()

	s.requireKind(s.exec(gcap.Input{Service: "Nope", Target: "Books", Event: gcap.EventRead}), gcap.ErrorTypeNotFound)
	s.requireKind(s.exec(gcap.Input{Target: "Magazines", Event: gcap.EventRead}), gcap.ErrorTypeNotFound)
	s.requireKind(s.exec(gcap.Input{Target: "shipOrder"}), gcap.ErrorTypeNotFound)
}

// =====================================
// After Hooks and Commit
// =====================================

func (s *PipelineSuite) TestAfterHooksTransform() {
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return hooks.After(gcap.EventRead, "Books", func(ctx context.Context, req *gcap.Request, result interface{}) (interface{}, error) {
			for _, row := range result.([]gcap.Record) {
				if row["stock"].(int64) > 10 {
					row["title"] = row["title"].(string) + " (in stock)"
				}
			}
			return result, nil
		})
	})
	s.seedBook(1, "Emma", 11)

	rows := s.mustExec(gcap.Input{Target: "Books", Event: gcap.EventRead}).([]gcap.Record)
	s.Equal("Emma (in stock)", rows[0]["title"])
	s.Equal("Emma", s.store.Rows("Books")[0]["title"])
}

func (s *PipelineSuite) TestAfterErrorRollsBack() {
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return hooks.After(gcap.EventCreate, "Authors", func(ctx context.Context, req *gcap.Request, result interface{}) (interface{}, error) {
			return nil, errors.New("audit log unavailable")
		})
	})

	resp := s.exec(gcap.Input{Target: "Authors", Event: gcap.EventCreate, Data: gcap.Record{"ID": 1, "name": "Anne"}})

	s.requireKind(resp, gcap.ErrorTypeInternal)
	s.Equal("internal error", resp.Error.Message)
	s.Equal(1, s.adapter.writes)
	s.Equal(0, s.adapter.commits)
	s.Empty(s.store.Rows("Authors"))
}

func (s *PipelineSuite) TestConcurrentUpdateFailsCommit() {
	firstWrote := make(chan struct{})
	release := make(chan struct{})
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return hooks.After(gcap.EventUpdate, "Stock", func(ctx context.Context, req *gcap.Request, result interface{}) (interface{}, error) {
			if req.Data["title"] == "slow" {
				close(firstWrote)
				<-release
			}
			return nil, nil
		})
	})
	s.seedBook(1, "Emma", 1)

	done := make(chan *gcap.Response)
	go func() {
		done <- s.exec(gcap.Input{Target: "Stock", Event: gcap.EventUpdate, Key: gcap.Key{"ID": 1}, Data: gcap.Record{"title": "slow"}})
	}()

	<-firstWrote
	s.mustExec(gcap.Input{Target: "Stock", Event: gcap.EventUpdate, Key: gcap.Key{"ID": 1}, Data: gcap.Record{"title": "fast"}})
	close(release)

	resp := <-done
	s.requireKind(resp, gcap.ErrorTypeCommitFailed)
	s.Equal(409, resp.Error.Status)
	s.Equal("fast", s.store.Rows("Books")[0]["title"])
}

// =====================================
// Failure Handling
// =====================================

func (s *PipelineSuite) TestPanickingHandlerRollsBack() {
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return hooks.On("orderBook", "orderBook", func(ctx context.Context, req *gcap.Request) (interface{}, error) {
			if _, err := req.Tx().Insert(ctx, mustResolve(req.Models(), "Authors"), gcap.Record{"ID": int64(1), "name": "x"}); err != nil {
				return nil, err
			}
			panic("out of ink")
		})
	})

	resp := s.exec(gcap.Input{Target: "orderBook", Data: gcap.Record{"book": 1, "amount": 1}})

	s.requireKind(resp, gcap.ErrorTypeInternal)
	s.Equal(1, s.adapter.rollbacks)
	s.Empty(s.store.Rows("Authors"))
}

func (s *PipelineSuite) TestTransactionClosedAfterRequest() {
	var kept *gcap.Transaction
	s.start(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return hooks.Before(gcap.EventRead, "Authors", func(ctx context.Context, req *gcap.Request) error {
			kept = req.Tx()
			return nil
		})
	})

	s.mustExec(gcap.Input{Target: "Authors", Event: gcap.EventRead})
	s.Require().NotNil(kept)
	s.Equal(gcap.TxCommitted, kept.State())

	err := kept.Commit(s.ctx)
	s.True(gcap.IsErrorType(err, gcap.ErrorTypeTransactionClosed), "got %v", err)
	_, err = kept.Read(s.ctx, mustResolve(s.rt.Models(), "Authors"), gcap.NewQuery())
	s.True(gcap.IsErrorType(err, gcap.ErrorTypeTransactionClosed), "got %v", err)
}

func (s *PipelineSuite) TestRuntimeLifecycle() {
	resp := s.exec(gcap.Input{Target: "Books", Event: gcap.EventRead})
	s.requireKind(resp, gcap.ErrorTypeInternal)

	s.start()
	s.True(gcap.IsErrorType(s.rt.Start(s.ctx), gcap.ErrorTypeRegistryFrozen))
	s.True(gcap.IsErrorType(s.rt.Use(shopModel), gcap.ErrorTypeRegistryFrozen))
	s.True(s.rt.Models().IsFrozen())
	s.True(s.rt.Hooks().IsFrozen())
}

func (s *PipelineSuite) TestRequestIDs() {
	s.start()

	resp := s.exec(gcap.Input{RequestID: "req-42", Target: "Books", Event: gcap.EventRead})
	s.Equal("req-42", resp.RequestID)

	resp = s.exec(gcap.Input{Target: "Books", Event: gcap.EventRead})
	s.NotEmpty(resp.RequestID)
}

func mustResolve(models *gcap.ModelRegistry, name string) *gcap.EntityDef {
	def, err := models.Resolve(name)
	if err != nil {
		panic(err)
	}
	return def
}

// =====================================
// Startup Failures
// =====================================

func TestStartRejectsDanglingLinks(t *testing.T) {
	rt := gcap.NewRuntime(gcap.NewModelRegistry(), gcapmem.New())
	require.NoError(t, rt.Use(func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error {
		return models.Register(gcap.EntityDef{
			Name:   "Books",
			Keys:   []string{"ID"},
			Fields: []gcap.FieldDef{{Name: "ID", Type: gcap.TypeInteger}, {Name: "author_ID", Type: gcap.TypeInteger, Nullable: true}},
			Associations: []gcap.AssociationDef{{
				Name: "author", Target: "Authors", Cardinality: gcap.CardinalityOne,
				On: []gcap.JoinCondition{{Field: "author_ID", TargetField: "ID"}},
			}},
		})
	}))

	err := rt.Start(context.Background())
	assert.True(t, gcap.IsErrorType(err, gcap.ErrorTypeUnknownEntity), "got %v", err)
}

func TestSetupErrorStopsUse(t *testing.T) {
	rt := gcap.NewRuntime(gcap.NewModelRegistry(), gcapmem.New())
	called := false

	err := rt.Use(
		func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error { return errors.New("broken") },
		func(hooks *gcap.HookRegistry, models *gcap.ModelRegistry) error { called = true; return nil },
	)

	require.Error(t, err)
	assert.False(t, called)
}
