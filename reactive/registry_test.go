package reactive

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/store"
)

func TestRegistryRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	def := TaskDefinition{Name: "t1", Collection: "c", RetryPolicy: DefaultRetryPolicy()}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(def); err == nil {
		t.Error("duplicate task name accepted")
	}
}

func TestRegistryGroupsByCollection(t *testing.T) {
	r := NewRegistry()
	for _, def := range []TaskDefinition{
		{Name: "a", Collection: "c1", RetryPolicy: DefaultRetryPolicy()},
		{Name: "b", Collection: "c1", RetryPolicy: DefaultRetryPolicy()},
		{Name: "c", Collection: "c2", RetryPolicy: DefaultRetryPolicy()},
	} {
		if err := r.Register(def); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.Collections(); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("Collections = %v", got)
	}
	if got := r.TasksFor("c1"); len(got) != 2 {
		t.Errorf("TasksFor(c1) = %d tasks, want 2", len(got))
	}
}

func TestTriggerSigStableAndSensitive(t *testing.T) {
	base := &TaskDefinition{
		Name:            "t1",
		Filter:          store.Field{Name: "kind", Value: "x"},
		WatchProjection: []string{"a", "b"},
	}
	same := &TaskDefinition{
		Name:            "t1",
		Filter:          store.Field{Name: "kind", Value: "x"},
		WatchProjection: []string{"a", "b"},
	}
	if TriggerSig(base) != TriggerSig(same) {
		t.Error("identical trigger configs produced different signatures")
	}

	changedFilter := &TaskDefinition{
		Name:            "t1",
		Filter:          store.Field{Name: "kind", Value: "y"},
		WatchProjection: []string{"a", "b"},
	}
	if TriggerSig(base) == TriggerSig(changedFilter) {
		t.Error("filter change not reflected in signature")
	}

	changedProjection := &TaskDefinition{
		Name:            "t1",
		Filter:          store.Field{Name: "kind", Value: "x"},
		WatchProjection: []string{"a"},
	}
	if TriggerSig(base) == TriggerSig(changedProjection) {
		t.Error("projection change not reflected in signature")
	}
}

func TestObservedValues(t *testing.T) {
	doc := bson.M{"a": 1, "b": "x", "c": true}
	got := ObservedValues(doc, []string{"a", "c", "missing"})
	if len(got) != 2 || got["a"] != 1 || got["c"] != true {
		t.Errorf("ObservedValues = %v", got)
	}
}

func TestMatchesFilterShapes(t *testing.T) {
	doc := bson.M{"kind": "x", "n": 5}
	cases := []struct {
		name   string
		filter store.FilterExpr
		want   bool
	}{
		{"nil matches all", nil, true},
		{"equal field", store.Field{Name: "kind", Value: "x"}, true},
		{"unequal field", store.Field{Name: "kind", Value: "y"}, false},
		{"missing field", store.Field{Name: "nope", Value: 1}, false},
		{"and", store.And{store.Field{Name: "kind", Value: "x"}, store.Field{Name: "n", Value: 5}}, true},
		{"and short-circuit", store.And{store.Field{Name: "kind", Value: "y"}, store.Field{Name: "n", Value: 5}}, false},
		{"or", store.Or{store.Field{Name: "kind", Value: "y"}, store.Field{Name: "n", Value: 5}}, true},
		{"nor", store.Nor{store.Field{Name: "kind", Value: "y"}}, true},
		{"gt hit", store.Field{Name: "n", Op: "$gt", Value: 3}, true},
		{"gt miss", store.Field{Name: "n", Op: "$gt", Value: 5}, false},
		{"gte boundary", store.Field{Name: "n", Op: "$gte", Value: 5}, true},
		{"lt miss", store.Field{Name: "n", Op: "$lt", Value: 5}, false},
		{"lte boundary", store.Field{Name: "n", Op: "$lte", Value: 5}, true},
		{"ne hit", store.Field{Name: "kind", Op: "$ne", Value: "y"}, true},
		{"ne miss", store.Field{Name: "kind", Op: "$ne", Value: "x"}, false},
		{"ne on missing field", store.Field{Name: "nope", Op: "$ne", Value: "x"}, true},
		{"in hit", store.Field{Name: "kind", Op: "$in", Value: bson.A{"x", "y"}}, true},
		{"in miss", store.Field{Name: "kind", Op: "$in", Value: bson.A{"y", "z"}}, false},
		{"nin hit", store.Field{Name: "kind", Op: "$nin", Value: bson.A{"y", "z"}}, true},
		{"exists true", store.Field{Name: "kind", Op: "$exists", Value: true}, true},
		{"exists false", store.Field{Name: "nope", Op: "$exists", Value: false}, true},
		{"gt on missing field", store.Field{Name: "nope", Op: "$gt", Value: 0}, false},
		{"gt on non-numeric", store.Field{Name: "kind", Op: "$gt", Value: 3}, false},
		{"or with operators", store.Or{
			store.Field{Name: "n", Op: "$gt", Value: 10},
			store.Field{Name: "kind", Op: "$in", Value: bson.A{"x"}},
		}, true},
	}
	for _, tc := range cases {
		def := &TaskDefinition{Filter: tc.filter}
		if got := Matches(def, doc); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFilterNeedsStore(t *testing.T) {
	cases := []struct {
		name   string
		filter store.FilterExpr
		want   bool
	}{
		{"nil", nil, false},
		{"equality", store.Field{Name: "a", Value: 1}, false},
		{"comparison", store.Field{Name: "a", Op: "$gt", Value: 1}, false},
		{"unknown operator", store.Field{Name: "a", Op: "$regex", Value: "x"}, true},
		{"expr", store.Expr{Raw: bson.M{"$gt": bson.A{"$a", 1}}}, true},
		{"raw", store.Raw{Doc: bson.M{"a": 1}}, true},
		{"and of evaluable", store.And{store.Field{Name: "a", Value: 1}}, false},
		{"and hiding expr", store.And{store.Field{Name: "a", Value: 1}, store.Expr{Raw: bson.M{}}}, true},
		{"nor hiding raw", store.Nor{store.Raw{Doc: bson.M{}}}, true},
	}
	for _, tc := range cases {
		if got := FilterNeedsStore(tc.filter); got != tc.want {
			t.Errorf("%s: FilterNeedsStore = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMatchesDocStoreFallback(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SeedSource("orders", "d1", bson.M{"n": 7})
	ctx := context.Background()

	// Raw filters go through the store rather than the in-process evaluator.
	def := &TaskDefinition{
		Collection: "orders",
		Filter:     store.Raw{Doc: bson.M{"n": bson.M{"$gt": 5}}},
	}
	matched, err := MatchesDoc(ctx, mem, def, "d1", bson.M{"n": 7})
	if err != nil {
		t.Fatalf("MatchesDoc: %v", err)
	}
	if !matched {
		t.Error("raw $gt filter should match n=7 via the store")
	}

	mem.SeedSource("orders", "d1", bson.M{"n": 3})
	matched, err = MatchesDoc(ctx, mem, def, "d1", bson.M{"n": 3})
	if err != nil {
		t.Fatalf("MatchesDoc: %v", err)
	}
	if matched {
		t.Error("raw $gt filter should not match n=3")
	}

	mem.DeleteSource("orders", "d1")
	matched, err = MatchesDoc(ctx, mem, def, "d1", bson.M{"n": 7})
	if err != nil {
		t.Fatalf("MatchesDoc: %v", err)
	}
	if matched {
		t.Error("a deleted source document cannot match")
	}
}
