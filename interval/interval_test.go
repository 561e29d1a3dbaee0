package interval

import (
	"errors"
	"testing"
	"time"
)

func TestParseMilliseconds(t *testing.T) {
	ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	fn, err := Parse(int64(3600000))
	if err != nil {
		t.Fatalf("Parse(3600000): %v", err)
	}
	got := fn(ref)
	want := ref.Add(time.Hour)
	if !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}
}

func TestParseDurationString(t *testing.T) {
	ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		raw  string
		want time.Duration
	}{
		{"1h", time.Hour},
		{"24h", 24 * time.Hour},
		{"500ms", 500 * time.Millisecond},
	} {
		fn, err := Parse(tc.raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.raw, err)
		}
		if got := fn(ref); !got.Equal(ref.Add(tc.want)) {
			t.Errorf("Parse(%q): next = %v, want %v", tc.raw, got, ref.Add(tc.want))
		}
	}
}

func TestParseCronExpression(t *testing.T) {
	fn, err := Parse("CRON 0 3 * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ref := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	got := fn(ref)
	want := time.Date(2023, 1, 2, 3, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}
}

func TestParseCronPrefixCaseInsensitive(t *testing.T) {
	if _, err := Parse("cron */10 * * * * *"); err != nil {
		t.Fatalf("lowercase prefix rejected: %v", err)
	}
}

func TestParseMissingCronPrefix(t *testing.T) {
	_, err := Parse("0 3 * * *")
	if !errors.Is(err, ErrAmbiguousCron) {
		t.Errorf("err = %v, want ErrAmbiguousCron", err)
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := Parse("not-a-duration"); err == nil {
		t.Error("expected error for garbage string")
	}
	if _, err := Parse(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
