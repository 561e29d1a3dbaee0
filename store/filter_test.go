package store

import (
	"reflect"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestCompileField(t *testing.T) {
	got := Compile(Field{Name: "status", Value: "open"})
	want := bson.M{"status": "open"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Compile = %v, want %v", got, want)
	}

	got = Compile(Field{Name: "qty", Op: "$gt", Value: 5})
	want = bson.M{"qty": bson.M{"$gt": 5}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Compile = %v, want %v", got, want)
	}
}

func TestCompileLogical(t *testing.T) {
	got := Compile(Or{Field{Name: "a", Value: 1}, Field{Name: "b", Value: 2}})
	want := bson.M{"$or": []bson.M{{"a": 1}, {"b": 2}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Compile = %v, want %v", got, want)
	}
}

func TestPrefixFieldsQualifiesBareKeys(t *testing.T) {
	in := bson.M{"status": "open"}
	got := PrefixFields(in, "fullDocument")
	want := bson.M{"fullDocument.status": "open"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PrefixFields = %v, want %v", got, want)
	}
}

func TestPrefixFieldsLeavesOperatorKeysAlone(t *testing.T) {
	in := bson.M{"qty": bson.M{"$in": bson.A{1, 2, 3}}}
	got := PrefixFields(in, "fullDocument")
	want := bson.M{"fullDocument.qty": bson.M{"$in": bson.A{1, 2, 3}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PrefixFields = %v, want %v", got, want)
	}
}

func TestPrefixFieldsRecursesLogical(t *testing.T) {
	in := bson.M{"$or": []bson.M{{"a": 1}, {"b": bson.M{"$gt": 2}}}}
	got := PrefixFields(in, "fullDocument")
	want := bson.M{"$or": []bson.M{
		{"fullDocument.a": 1},
		{"fullDocument.b": bson.M{"$gt": 2}},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PrefixFields = %v, want %v", got, want)
	}
}

func TestPrefixFieldsRewritesExprPaths(t *testing.T) {
	in := bson.M{"$expr": bson.M{"$and": bson.A{
		bson.M{"$gt": bson.A{"$expiresAt", "$$NOW"}},
		bson.M{"$eq": bson.A{"$kind", "lease"}},
	}}}
	got := PrefixFields(in, "fullDocument")
	want := bson.M{"$expr": bson.M{"$and": bson.A{
		bson.M{"$gt": bson.A{"$fullDocument.expiresAt", "$$NOW"}},
		bson.M{"$eq": bson.A{"$fullDocument.kind", "lease"}},
	}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PrefixFields = %v, want %v", got, want)
	}
}

func TestPrefixFieldsPreservesSystemVariables(t *testing.T) {
	in := bson.M{"$expr": bson.M{"$eq": bson.A{"$$ROOT._id", "$parent"}}}
	got := PrefixFields(in, "fullDocument")
	want := bson.M{"$expr": bson.M{"$eq": bson.A{"$$ROOT._id", "$fullDocument.parent"}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PrefixFields = %v, want %v", got, want)
	}
}
