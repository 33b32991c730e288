// Package gcaptest provides fixtures and a conformance suite every gcap
// persistence adapter is expected to pass.
package gcaptest

import (
	"context"

	"github.com/lemmego/gcap"
	"github.com/stretchr/testify/suite"
)

// =====================================
// Fixtures
// =====================================

// Item exercises every field type
var Item = &gcap.EntityDef{
	Name: "Items",
	Fields: []gcap.FieldDef{
		{Name: "ID", Type: gcap.TypeInteger},
		{Name: "name", Type: gcap.TypeString},
		{Name: "qty", Type: gcap.TypeInteger, Nullable: true},
		{Name: "price", Type: gcap.TypeDecimal, Nullable: true},
		{Name: "active", Type: gcap.TypeBoolean, Nullable: true},
		{Name: "ref", Type: gcap.TypeUUID, Nullable: true},
		{Name: "day", Type: gcap.TypeDate, Nullable: true},
		{Name: "at", Type: gcap.TypeDateTime, Nullable: true},
		{Name: "stamp", Type: gcap.TypeTimestamp, Nullable: true},
	},
	Keys: []string{"ID"},
}

// Line has a composite key
var Line = &gcap.EntityDef{
	Name: "Lines",
	Fields: []gcap.FieldDef{
		{Name: "order_ID", Type: gcap.TypeString},
		{Name: "pos", Type: gcap.TypeInteger},
		{Name: "note", Type: gcap.TypeString, Nullable: true},
	},
	Keys: []string{"order_ID", "pos"},
}

// Pair has a composite key of two strings
var Pair = &gcap.EntityDef{
	Name: "Pairs",
	Fields: []gcap.FieldDef{
		{Name: "a", Type: gcap.TypeString},
		{Name: "b", Type: gcap.TypeString},
		{Name: "note", Type: gcap.TypeString, Nullable: true},
	},
	Keys: []string{"a", "b"},
}

// Entities returns the fixture entities
func Entities() []*gcap.EntityDef {
	return []*gcap.EntityDef{Item, Line, Pair}
}

// FullItem is an Items record with every field set, in canonical form
func FullItem(id int64) gcap.Record {
	return gcap.Record{
		"ID":     id,
		"name":   "widget",
		"qty":    int64(3),
		"price":  12.5,
		"active": true,
		"ref":    "6f1c2a5e-3b7d-4e8a-9c0f-1a2b3c4d5e6f",
		"day":    "2024-03-01",
		"at":     "2024-03-01T10:20:30Z",
		"stamp":  "2024-03-01T10:20:30.123456Z",
	}
}

// =====================================
// Conformance Suite
// =====================================

// AdapterSuite runs the persistence adapter contract against the adapter
// returned by Open. Each test gets a fresh, migrated adapter.
type AdapterSuite struct {
	suite.Suite
	Open func() (gcap.Adapter, error)

	Adapter gcap.Adapter
	ctx     context.Context
}

func (s *AdapterSuite) SetupTest() {
	s.ctx = context.Background()
	adapter, err := s.Open()
	s.Require().NoError(err)
	s.Require().NoError(adapter.Migrate(s.ctx, Entities()))
	s.Adapter = adapter
}

func (s *AdapterSuite) TearDownTest() {
	if s.Adapter != nil {
		s.NoError(s.Adapter.Close())
	}
}

// inTx runs fn in a transaction and commits it
func (s *AdapterSuite) inTx(fn func(tx gcap.Tx)) {
	tx, err := s.Adapter.Begin(s.ctx)
	s.Require().NoError(err)
	fn(tx)
	s.Require().NoError(tx.Commit(s.ctx))
}

func (s *AdapterSuite) readAll(entity *gcap.EntityDef, opts ...gcap.QueryOption) []gcap.Record {
	var rows []gcap.Record
	s.inTx(func(tx gcap.Tx) {
		var err error
		rows, err = tx.Read(s.ctx, entity, gcap.NewQuery(opts...))
		s.Require().NoError(err)
	})
	return rows
}

func (s *AdapterSuite) TestInfo() {
	info := s.Adapter.Info()
	s.NotEmpty(info.Name)
	s.True(info.HasFeature(gcap.FeatureTransactions))
}

func (s *AdapterSuite) TestInsertAndReadBack() {
	s.inTx(func(tx gcap.Tx) {
		stored, err := tx.Insert(s.ctx, Item, FullItem(1))
		s.Require().NoError(err)
		s.Equal(FullItem(1), stored)
	})

	rows := s.readAll(Item, gcap.Where("ID", gcap.OpEqual, int64(1)))
	s.Require().Len(rows, 1)
	got, err := gcap.DecodeRecord(Item, rows[0])
	s.Require().NoError(err)
	s.Equal(FullItem(1), got)
}

func (s *AdapterSuite) TestNullableFieldsOmitted() {
	s.inTx(func(tx gcap.Tx) {
		_, err := tx.Insert(s.ctx, Item, gcap.Record{"ID": int64(2), "name": "bare"})
		s.Require().NoError(err)
	})
	rows := s.readAll(Item)
	s.Require().Len(rows, 1)
	s.Equal("bare", rows[0]["name"])
	s.Nil(rows[0]["qty"])
}

func (s *AdapterSuite) TestDuplicateKey() {
	s.inTx(func(tx gcap.Tx) {
		_, err := tx.Insert(s.ctx, Item, FullItem(1))
		s.Require().NoError(err)
	})

	tx, err := s.Adapter.Begin(s.ctx)
	s.Require().NoError(err)
	_, err = tx.Insert(s.ctx, Item, FullItem(1))
	s.True(gcap.IsDuplicateKey(err), "got %v", err)
	s.NoError(tx.Rollback(s.ctx))
}

func (s *AdapterSuite) TestUpdate() {
	s.inTx(func(tx gcap.Tx) {
		_, err := tx.Insert(s.ctx, Item, FullItem(1))
		s.Require().NoError(err)
	})
	s.inTx(func(tx gcap.Tx) {
		err := tx.Update(s.ctx, Item, gcap.Key{"ID": int64(1)}, gcap.Record{"name": "gadget", "qty": nil})
		s.Require().NoError(err)
	})

	rows := s.readAll(Item)
	s.Require().Len(rows, 1)
	s.Equal("gadget", rows[0]["name"])
	s.Nil(rows[0]["qty"])
	got, err := gcap.DecodeRecord(Item, rows[0])
	s.Require().NoError(err)
	s.Equal(12.5, got["price"])
}

func (s *AdapterSuite) TestUpdateMissing() {
	tx, err := s.Adapter.Begin(s.ctx)
	s.Require().NoError(err)
	err = tx.Update(s.ctx, Item, gcap.Key{"ID": int64(99)}, gcap.Record{"name": "x"})
	s.True(gcap.IsNotFound(err), "got %v", err)
	s.NoError(tx.Rollback(s.ctx))
}

func (s *AdapterSuite) TestDelete() {
	s.inTx(func(tx gcap.Tx) {
		_, err := tx.Insert(s.ctx, Item, FullItem(1))
		s.Require().NoError(err)
		_, err = tx.Insert(s.ctx, Item, FullItem(2))
		s.Require().NoError(err)
	})
	s.inTx(func(tx gcap.Tx) {
		s.Require().NoError(tx.Delete(s.ctx, Item, gcap.Key{"ID": int64(1)}))
	})

	rows := s.readAll(Item)
	s.Require().Len(rows, 1)
	got, err := gcap.DecodeRecord(Item, rows[0])
	s.Require().NoError(err)
	s.Equal(int64(2), got["ID"])
}

func (s *AdapterSuite) TestDeleteMissing() {
	tx, err := s.Adapter.Begin(s.ctx)
	s.Require().NoError(err)
	err = tx.Delete(s.ctx, Item, gcap.Key{"ID": int64(42)})
	s.True(gcap.IsNotFound(err), "got %v", err)
	s.NoError(tx.Rollback(s.ctx))
}

func (s *AdapterSuite) TestRollbackDiscardsWrites() {
	tx, err := s.Adapter.Begin(s.ctx)
	s.Require().NoError(err)
	_, err = tx.Insert(s.ctx, Item, FullItem(1))
	s.Require().NoError(err)

	rows, err := tx.Read(s.ctx, Item, gcap.Query{})
	s.Require().NoError(err)
	s.Len(rows, 1, "a transaction sees its own writes")

	s.Require().NoError(tx.Rollback(s.ctx))
	s.Empty(s.readAll(Item))
}

func (s *AdapterSuite) TestCompositeKey() {
	s.inTx(func(tx gcap.Tx) {
		for _, pos := range []int64{1, 2, 3} {
			_, err := tx.Insert(s.ctx, Line, gcap.Record{"order_ID": "o1", "pos": pos, "note": "n"})
			s.Require().NoError(err)
		}
		_, err := tx.Insert(s.ctx, Line, gcap.Record{"order_ID": "o2", "pos": int64(1)})
		s.Require().NoError(err)
	})
	s.inTx(func(tx gcap.Tx) {
		s.Require().NoError(tx.Delete(s.ctx, Line, gcap.Key{"order_ID": "o1", "pos": int64(2)}))
	})

	rows := s.readAll(Line, gcap.Where("order_ID", gcap.OpEqual, "o1"), gcap.OrderBy("pos", gcap.OrderAsc))
	s.Require().Len(rows, 2)
	first, err := gcap.DecodeRecord(Line, rows[0])
	s.Require().NoError(err)
	second, err := gcap.DecodeRecord(Line, rows[1])
	s.Require().NoError(err)
	s.Equal(int64(1), first["pos"])
	s.Equal(int64(3), second["pos"])
}

func (s *AdapterSuite) TestCompositeKeyValuesWithSeparators() {
	first := gcap.Key{"a": "x,b=y", "b": "z"}
	second := gcap.Key{"a": "x", "b": "y,b=z"}

	s.inTx(func(tx gcap.Tx) {
		_, err := tx.Insert(s.ctx, Pair, gcap.Record{"a": "x,b=y", "b": "z", "note": "first"})
		s.Require().NoError(err)
		_, err = tx.Insert(s.ctx, Pair, gcap.Record{"a": "x", "b": "y,b=z", "note": "second"})
		s.Require().NoError(err)
	})
	s.inTx(func(tx gcap.Tx) {
		s.Require().NoError(tx.Update(s.ctx, Pair, second, gcap.Record{"note": "changed"}))
	})

	rows := s.readAll(Pair, gcap.Filter(first.Condition()))
	s.Require().Len(rows, 1)
	s.Equal("first", rows[0]["note"])

	rows = s.readAll(Pair, gcap.Filter(second.Condition()))
	s.Require().Len(rows, 1)
	s.Equal("changed", rows[0]["note"])

	s.inTx(func(tx gcap.Tx) {
		s.Require().NoError(tx.Delete(s.ctx, Pair, first))
	})
	s.Len(s.readAll(Pair), 1)
}

func (s *AdapterSuite) TestQueryFilterOrderPage() {
	s.inTx(func(tx gcap.Tx) {
		for i, name := range []string{"delta", "alpha", "charlie", "bravo", "echo"} {
			rec := gcap.Record{"ID": int64(i + 1), "name": name, "qty": int64(i * 10)}
			_, err := tx.Insert(s.ctx, Item, rec)
			s.Require().NoError(err)
		}
	})

	names := func(rows []gcap.Record) []string {
		out := make([]string, len(rows))
		for i, r := range rows {
			out[i] = r["name"].(string)
		}
		return out
	}

	rows := s.readAll(Item, gcap.OrderBy("name", gcap.OrderAsc), gcap.Offset(1), gcap.Limit(2))
	s.Equal([]string{"bravo", "charlie"}, names(rows))

	rows = s.readAll(Item, gcap.Where("qty", gcap.OpGreaterThanOrEqual, int64(20)), gcap.OrderBy("qty", gcap.OrderDesc))
	s.Equal([]string{"echo", "bravo", "charlie"}, names(rows))

	rows = s.readAll(Item, gcap.Filter(gcap.Or(
		gcap.Eq("name", "alpha"),
		gcap.Cond("name", gcap.OpStartsWith, "ec"),
	)), gcap.OrderBy("ID", gcap.OrderAsc))
	s.Equal([]string{"alpha", "echo"}, names(rows))

	rows = s.readAll(Item, gcap.Where("ID", gcap.OpIn, []interface{}{int64(1), int64(3)}), gcap.OrderBy("ID", gcap.OrderAsc))
	s.Equal([]string{"delta", "charlie"}, names(rows))

	rows = s.readAll(Item, gcap.Where("name", gcap.OpContains, "zzz"))
	s.Empty(rows)
}

func (s *AdapterSuite) TestEndedTransactionRejectsWork() {
	tx, err := s.Adapter.Begin(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(tx.Commit(s.ctx))

	_, err = tx.Insert(s.ctx, Item, FullItem(1))
	s.Error(err)
	s.Error(tx.Commit(s.ctx))
}
