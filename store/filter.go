package store

import "go.mongodb.org/mongo-driver/v2/bson"

// FilterExpr is the tagged-variant AST a reactive task's filter compiles
// to. The typed variants can be rewritten under a field prefix without
// guessing at operator vs. field-path keys from string heuristics alone.
type FilterExpr interface {
	isFilterExpr()
}

// Field matches one field against an operator/value pair, e.g. {status: {$eq: "open"}}.
type Field struct {
	Name  string
	Op    string // "$eq", "$in", "$gt", ... ; "" means direct equality
	Value any
}

// And is a conjunction of sub-expressions ($and).
type And []FilterExpr

// Or is a disjunction of sub-expressions ($or).
type Or []FilterExpr

// Nor negates a disjunction ($nor).
type Nor []FilterExpr

// Expr wraps a raw aggregation boolean expression ($expr).
type Expr struct {
	Raw bson.M
}

// Raw passes a pre-built filter map through unmodified, for callers migrating
// off hand-written Mongo queries.
type Raw struct {
	Doc bson.M
}

func (Field) isFilterExpr() {}
func (And) isFilterExpr()   {}
func (Or) isFilterExpr()    {}
func (Nor) isFilterExpr()   {}
func (Expr) isFilterExpr()  {}
func (Raw) isFilterExpr()   {}

// Compile renders a FilterExpr into a plain bson.M query document.
func Compile(f FilterExpr) bson.M {
	switch v := f.(type) {
	case Field:
		if v.Op == "" {
			return bson.M{v.Name: v.Value}
		}
		return bson.M{v.Name: bson.M{v.Op: v.Value}}
	case And:
		return bson.M{"$and": compileAll(v)}
	case Or:
		return bson.M{"$or": compileAll(v)}
	case Nor:
		return bson.M{"$nor": compileAll(v)}
	case Expr:
		return bson.M{"$expr": v.Raw}
	case Raw:
		return v.Doc
	default:
		return bson.M{}
	}
}

func compileAll(exprs []FilterExpr) []bson.M {
	out := make([]bson.M, len(exprs))
	for i, e := range exprs {
		out[i] = Compile(e)
	}
	return out
}

// PrefixFields rewrites a compiled filter so every bare field-path reference
// is qualified under prefix (e.g. "status" -> "fullDocument.status"), which
// is what change-stream pipelines need to test a task's filter against the
// event's fullDocument instead of the top-level document.
//
// It preserves: operator-prefixed keys ($in, $eq, $gt, ...), $expr bodies
// (rewritten separately so "$$NOW"/"$$ROOT" system variables pass through
// untouched), and $or/$and/$nor structure.
func PrefixFields(doc bson.M, prefix string) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		switch k {
		case "$or", "$and", "$nor":
			out[k] = prefixArray(v, prefix)
		case "$expr":
			out[k] = prefixExprValue(v, prefix)
		default:
			if isOperatorKey(k) {
				out[k] = v
			} else {
				out[prefix+"."+k] = prefixValue(v, prefix)
			}
		}
	}
	return out
}

func prefixArray(v any, prefix string) any {
	arr, ok := v.([]bson.M)
	if !ok {
		if raw, ok := v.(bson.A); ok {
			out := make(bson.A, len(raw))
			for i, item := range raw {
				if m, ok := item.(bson.M); ok {
					out[i] = PrefixFields(m, prefix)
				} else {
					out[i] = item
				}
			}
			return out
		}
		return v
	}
	out := make([]bson.M, len(arr))
	for i, m := range arr {
		out[i] = PrefixFields(m, prefix)
	}
	return out
}

func prefixValue(v any, prefix string) any {
	switch val := v.(type) {
	case bson.M:
		return PrefixFields(val, prefix)
	default:
		return v
	}
}

// prefixExprValue rewrites a $expr body: bare field-path strings ("$fieldName")
// become ("$"+prefix+"."+fieldName), but "$$NOW" and "$$ROOT" and any other
// "$$"-prefixed system variable are left untouched, as are operator keys.
func prefixExprValue(v any, prefix string) any {
	switch val := v.(type) {
	case string:
		if len(val) > 1 && val[0] == '$' && (len(val) < 2 || val[1] != '$') {
			return "$" + prefix + "." + val[1:]
		}
		return val
	case bson.M:
		out := make(bson.M, len(val))
		for k, sub := range val {
			out[k] = prefixExprValue(sub, prefix)
		}
		return out
	case bson.A:
		out := make(bson.A, len(val))
		for i, item := range val {
			out[i] = prefixExprValue(item, prefix)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = prefixExprValue(item, prefix)
		}
		return out
	default:
		return v
	}
}

func isOperatorKey(k string) bool {
	return len(k) > 0 && k[0] == '$'
}
