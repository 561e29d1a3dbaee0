package store

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// MatchFilterDoc evaluates a compiled query document against a source
// document in process: field equality, the comparison/membership/existence
// operators, and the $and/$or/$nor combinators. $expr and unrecognized
// operators are NOT evaluable here and report no match; callers holding
// such filters must ask the store itself via MatchSource.
func MatchFilterDoc(doc bson.M, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			for _, sub := range subDocs(cond) {
				if !MatchFilterDoc(doc, sub) {
					return false
				}
			}
		case "$or":
			subs := subDocs(cond)
			if len(subs) == 0 {
				continue
			}
			hit := false
			for _, sub := range subs {
				if MatchFilterDoc(doc, sub) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		case "$nor":
			for _, sub := range subDocs(cond) {
				if MatchFilterDoc(doc, sub) {
					return false
				}
			}
		default:
			if strings.HasPrefix(key, "$") {
				// $expr and friends need the server's query engine.
				return false
			}
			if !matchFieldCond(doc, key, cond) {
				return false
			}
		}
	}
	return true
}

func matchFieldCond(doc bson.M, field string, cond any) bool {
	val, present := doc[field]
	opDoc, isDoc := cond.(bson.M)
	if !isDoc || !hasOperatorKey(opDoc) {
		return present && equalValues(val, cond)
	}
	for op, arg := range opDoc {
		switch op {
		case "$eq":
			if !present || !equalValues(val, arg) {
				return false
			}
		case "$ne":
			if present && equalValues(val, arg) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false
			}
			c, ok := compareValues(val, arg)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				if c <= 0 {
					return false
				}
			case "$gte":
				if c < 0 {
					return false
				}
			case "$lt":
				if c >= 0 {
					return false
				}
			default:
				if c > 0 {
					return false
				}
			}
		case "$in":
			if !present || !valueIn(val, arg) {
				return false
			}
		case "$nin":
			if present && valueIn(val, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func hasOperatorKey(doc bson.M) bool {
	for k := range doc {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func subDocs(v any) []bson.M {
	switch arr := v.(type) {
	case []bson.M:
		return arr
	case bson.A:
		out := make([]bson.M, 0, len(arr))
		for _, item := range arr {
			if m, ok := item.(bson.M); ok {
				out = append(out, m)
			}
		}
		return out
	case []any:
		out := make([]bson.M, 0, len(arr))
		for _, item := range arr {
			if m, ok := item.(bson.M); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func equalValues(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues orders two scalars when they share a comparable domain:
// numbers (across integer widths), strings, or times.
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat64(a); ok {
		bf, ok := toFloat64(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func valueIn(val, set any) bool {
	switch s := set.(type) {
	case bson.A:
		for _, item := range s {
			if equalValues(val, item) {
				return true
			}
		}
	case []any:
		for _, item := range s {
			if equalValues(val, item) {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if equalValues(val, item) {
				return true
			}
		}
	}
	return false
}
