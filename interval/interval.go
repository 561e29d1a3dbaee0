// Package interval parses the three interval shapes taskmesh accepts for
// cron tasks and cleanup schedules: a millisecond count, a duration string,
// or a "CRON <expr>" cron expression.
package interval

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"
)

// ErrAmbiguousCron is returned when a plain string looks like a cron
// expression (contains '*' and has 5+ whitespace-separated tokens) but is
// missing the required "CRON " prefix, so a forgotten prefix fails loudly
// instead of being misparsed as a duration.
var ErrAmbiguousCron = errors.New("interval: string looks like a cron expression but is missing the \"CRON \" prefix")

const cronPrefix = "CRON "

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Func computes the next occurrence given a reference time.
type Func func(reference time.Time) time.Time

// Parse resolves a raw interval value (int64 milliseconds, or a string) into
// a Func. Accepted string forms: a Go duration ("1h", "500ms"), or a cron
// expression prefixed with "CRON " (case-insensitive).
func Parse(raw any) (Func, error) {
	switch v := raw.(type) {
	case int64:
		return millisFunc(v), nil
	case int:
		return millisFunc(int64(v)), nil
	case float64:
		return millisFunc(int64(v)), nil
	case time.Duration:
		return durationFunc(v), nil
	case string:
		return parseString(v)
	default:
		return nil, fmt.Errorf("interval: unsupported type %T", raw)
	}
}

func millisFunc(ms int64) Func {
	d := time.Duration(ms) * time.Millisecond
	return durationFunc(d)
}

func durationFunc(d time.Duration) Func {
	return func(reference time.Time) time.Time { return reference.Add(d) }
}

func parseString(s string) (Func, error) {
	trimmed := strings.TrimSpace(s)
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, cronPrefix) {
		expr := strings.TrimSpace(trimmed[len(cronPrefix):])
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("interval: invalid cron expression %q: %w", expr, err)
		}
		return func(reference time.Time) time.Time { return sched.Next(reference) }, nil
	}
	if looksLikeCron(trimmed) {
		return nil, ErrAmbiguousCron
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return nil, fmt.Errorf("interval: %q is neither a duration nor a \"CRON \"-prefixed expression: %w", trimmed, err)
	}
	return durationFunc(d), nil
}

// looksLikeCron flags a likely forgotten prefix: a plain string containing
// '*' with 5 or more whitespace-separated tokens is almost certainly meant
// as a cron expression, not a malformed duration.
func looksLikeCron(s string) bool {
	if !strings.ContainsRune(s, '*') {
		return false
	}
	tokens := strings.FieldsFunc(s, unicode.IsSpace)
	return len(tokens) >= 5
}

// MustParseMillis is Parse for a millisecond count, panicking instead of
// returning an error.
func MustParseMillis(ms int64) Func {
	f, err := Parse(ms)
	if err != nil {
		panic(err)
	}
	return f
}
