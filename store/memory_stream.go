package store

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// memoryChangeStream is a permanently-empty ChangeStream. MemoryStore has no
// real oplog to tail, so tests exercise the planner's reconciliation path
// directly instead of the change-stream ingestion path.
type memoryChangeStream struct{}

func newMemoryChangeStream() *memoryChangeStream { return &memoryChangeStream{} }

func (m *memoryChangeStream) Next(ctx context.Context) (ChangeEvent, bool) {
	<-ctx.Done()
	return ChangeEvent{}, false
}

func (m *memoryChangeStream) ResumeToken() bson.Raw           { return nil }
func (m *memoryChangeStream) Err() error                      { return nil }
func (m *memoryChangeStream) Close(ctx context.Context) error { return nil }
