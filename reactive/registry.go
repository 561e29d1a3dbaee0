package reactive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/itskum47/taskmesh/store"
)

// OnHandlerVersionChange selects how previously planned items react when a
// task's HandlerVersion rises.
type OnHandlerVersionChange string

const (
	VersionChangeNone            OnHandlerVersionChange = "none"
	VersionChangeReprocessFailed OnHandlerVersionChange = "reprocess_failed"
	VersionChangeReprocessAll    OnHandlerVersionChange = "reprocess_all"
)

// Handler runs for one matching source document. ErrTaskConditionFailed
// should be returned when the document no longer qualifies; any other
// non-nil error is routed through the retry policy.
type Handler func(ctx context.Context, hctx *HandlerContext) error

// EvolutionConfig governs re-planning when a task's filter or handler changes.
// Reconciling on a trigger-config change is the default; the skip flag opts
// out, so the zero value carries the safe behavior.
type EvolutionConfig struct {
	HandlerVersion               int
	OnHandlerVersionChange       OnHandlerVersionChange
	SkipReconcileOnTriggerChange bool
}

// TaskDefinition is one reactive task: a filter + handler bound to a source
// collection, the unit the registry, planner, and worker all share.
type TaskDefinition struct {
	Name                  string
	Collection            string
	Filter                store.FilterExpr
	WatchProjection       []string
	Handler               Handler
	Debounce              time.Duration
	RetryPolicy           RetryPolicy
	Evolution             EvolutionConfig
	CleanupPolicy         store.CleanupPolicy
	ExecutionHistoryLimit int
}

// Registry is the in-memory map of task definitions per source collection,
// the shape the planner and worker pool both consult. One per engine.
type Registry struct {
	tasks        map[string]*TaskDefinition
	byCollection map[string][]*TaskDefinition
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:        make(map[string]*TaskDefinition),
		byCollection: make(map[string][]*TaskDefinition),
	}
}

// Register adds a task. Registering a duplicate name is a configuration
// error, surfaced immediately rather than silently overwriting.
func (r *Registry) Register(def TaskDefinition) error {
	if _, exists := r.tasks[def.Name]; exists {
		return fmt.Errorf("reactive: task %q already registered", def.Name)
	}
	if def.Debounce <= 0 {
		def.Debounce = 0
	}
	if def.ExecutionHistoryLimit <= 0 {
		def.ExecutionHistoryLimit = store.RunLogLimit
	}
	if err := def.RetryPolicy.Prepare(); err != nil {
		return fmt.Errorf("reactive: task %q retry policy: %w", def.Name, err)
	}
	if def.Evolution.OnHandlerVersionChange == "" {
		def.Evolution.OnHandlerVersionChange = VersionChangeNone
	}
	copyDef := def
	r.tasks[def.Name] = &copyDef
	r.byCollection[def.Collection] = append(r.byCollection[def.Collection], &copyDef)
	return nil
}

func (r *Registry) Get(name string) (*TaskDefinition, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

func (r *Registry) Collections() []string {
	out := make([]string, 0, len(r.byCollection))
	for c := range r.byCollection {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) TasksFor(collection string) []*TaskDefinition {
	return r.byCollection[collection]
}

func (r *Registry) TaskNames() []string {
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// TriggerSig is the stable fingerprint of a task's filter + watch
// projection, used to decide whether reconciliation must re-run for this
// task after a configuration change.
func TriggerSig(def *TaskDefinition) string {
	h := sha256.New()
	if def.Filter != nil {
		compiled := store.Compile(def.Filter)
		b, _ := bson.MarshalExtJSON(compiled, true, false)
		h.Write(b)
	}
	for _, f := range def.WatchProjection {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WatchProjectionDoc builds the field-projection map for the change-stream
// pipeline and for extracting observed values from a full document.
func WatchProjectionDoc(fields []string) bson.M {
	proj := bson.M{}
	for _, f := range fields {
		proj[f] = 1
	}
	return proj
}

// ObservedValues extracts the watched fields from a full document.
func ObservedValues(doc bson.M, fields []string) bson.M {
	out := bson.M{}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Matches reports whether doc satisfies def's filter, evaluated in process.
// It covers field comparisons and the logical combinators; filters that
// only the store's query engine can settle (Expr, Raw) report no match
// here, so callers holding arbitrary filter shapes must go through
// MatchesDoc instead.
func Matches(def *TaskDefinition, doc bson.M) bool {
	if def.Filter == nil {
		return true
	}
	return store.MatchFilterDoc(doc, store.Compile(def.Filter))
}

// FilterNeedsStore reports whether f contains a shape (Expr, Raw, or an
// operator with no in-process evaluation) that only the store's query
// engine can evaluate.
func FilterNeedsStore(f store.FilterExpr) bool {
	switch v := f.(type) {
	case nil:
		return false
	case store.Field:
		switch v.Op {
		case "", "$eq", "$ne", "$gt", "$gte", "$lt", "$lte", "$in", "$nin", "$exists":
			return false
		}
		return true
	case store.And:
		for _, sub := range v {
			if FilterNeedsStore(sub) {
				return true
			}
		}
		return false
	case store.Or:
		for _, sub := range v {
			if FilterNeedsStore(sub) {
				return true
			}
		}
		return false
	case store.Nor:
		for _, sub := range v {
			if FilterNeedsStore(sub) {
				return true
			}
		}
		return false
	default: // Expr, Raw
		return true
	}
}

// MatchesDoc is the authoritative match test: in process where the filter
// tree allows it, a store round trip keyed on the source id otherwise.
func MatchesDoc(ctx context.Context, s store.Store, def *TaskDefinition, id any, doc bson.M) (bool, error) {
	if def.Filter == nil {
		return true, nil
	}
	if !FilterNeedsStore(def.Filter) {
		return store.MatchFilterDoc(doc, store.Compile(def.Filter)), nil
	}
	return s.MatchSource(ctx, def.Collection, store.Compile(def.Filter), id)
}
