package reactive

import (
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/store"
)

func TestBatchCoalescesSameDocument(t *testing.T) {
	b := newBatch()
	b.add(store.ChangeEvent{OperationType: "insert", Collection: "c", DocumentID: "d1", FullDocument: bson.M{"v": 1}})
	b.add(store.ChangeEvent{OperationType: "update", Collection: "c", DocumentID: "d1", FullDocument: bson.M{"v": 2}})
	b.add(store.ChangeEvent{OperationType: "update", Collection: "c", DocumentID: "d1", FullDocument: bson.M{"v": 3}})

	ups := b.upsertsByCollection()["c"]
	if len(ups) != 1 {
		t.Fatalf("coalesced to %d upserts, want 1", len(ups))
	}
	if ups["d1"]["v"] != 3 {
		t.Errorf("latest fullDocument not kept: %v", ups["d1"])
	}
	if b.size() != 3 {
		t.Errorf("size = %d, want raw event count 3", b.size())
	}
}

func TestBatchDeleteCancelsUpsert(t *testing.T) {
	b := newBatch()
	b.add(store.ChangeEvent{OperationType: "insert", Collection: "c", DocumentID: "d1", FullDocument: bson.M{}})
	b.add(store.ChangeEvent{OperationType: "delete", Collection: "c", DocumentID: "d1"})

	if len(b.upsertsByCollection()["c"]) != 0 {
		t.Error("delete did not cancel the pending upsert")
	}
	dels := b.deletesByCollection()["c"]
	if len(dels) != 1 || dels[0] != "d1" {
		t.Errorf("deletes = %v, want [d1]", dels)
	}
}

func TestBatchReinsertCancelsDelete(t *testing.T) {
	b := newBatch()
	b.add(store.ChangeEvent{OperationType: "delete", Collection: "c", DocumentID: "d1"})
	b.add(store.ChangeEvent{OperationType: "insert", Collection: "c", DocumentID: "d1", FullDocument: bson.M{"v": 1}})

	if len(b.deletesByCollection()["c"]) != 0 {
		t.Error("re-insert did not cancel the pending delete")
	}
	if len(b.upsertsByCollection()["c"]) != 1 {
		t.Error("re-inserted document missing from upserts")
	}
}

func TestBatchTracksLastResumeToken(t *testing.T) {
	b := newBatch()
	tok1 := bson.Raw{0x01}
	tok2 := bson.Raw{0x02}
	b.add(store.ChangeEvent{OperationType: "insert", Collection: "c", DocumentID: "d1", ResumeToken: tok1})
	b.add(store.ChangeEvent{OperationType: "insert", Collection: "c", DocumentID: "d2", ResumeToken: tok2})
	if string(b.lastResumeToken) != string(tok2) {
		t.Error("lastResumeToken is not the most recent event's token")
	}
}
