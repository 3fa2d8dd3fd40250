package script

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

func TestLiteral(t *testing.T) {
	due := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"nil", nil, "null"},
		{"true", true, "true"},
		{"int", 42, "42"},
		{"negative", int64(-7), "-7"},
		{"uint", uint8(255), "255"},
		{"float", 1.5, "1.5"},
		{"json number", json.Number("12"), "12"},
		{"plain string", "Call mom", `"Call mom"`},
		{"quotes and backslash", `a"b\c`, `"a\"b\\c"`},
		{"script close tag", "</script>", `"\u003c/script\u003e"`},
		{"line separator", "a\u2028b", `"a\u2028b"`},
		{"date", due, "new Date(1741944600000)"},
		{"date pointer", &due, "new Date(1741944600000)"},
		{"nil pointer", (*time.Time)(nil), "null"},
		{"nil slice", []string(nil), "null"},
		{"slice", []interface{}{"a", 1, false}, `["a",1,false]`},
		{"sorted map", map[string]interface{}{"b": 1, "a": "x"}, `{"a":"x","b":1}`},
		{"nested", map[string]interface{}{"tags": []string{"home"}}, `{"tags":["home"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Literal(tt.value)
			if err != nil {
				t.Fatalf("Literal() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Literal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLiteralRejectsUnserializable(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
	}{
		{"NaN", math.NaN()},
		{"positive infinity", math.Inf(1)},
		{"negative infinity", math.Inf(-1)},
		{"invalid utf8", "ab\xffcd"},
		{"invalid utf8 key", map[string]int{"\xfe": 1}},
		{"int keys", map[int]string{1: "a"}},
		{"func", func() {}},
		{"chan", make(chan int)},
		{"complex", complex(1, 2)},
		{"zero time", time.Time{}},
		{"bad json number", json.Number("1e")},
		{"nested NaN", map[string]interface{}{"x": []interface{}{math.NaN()}}},
		{"struct", struct{ A int }{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Literal(tt.value)
			if err == nil {
				t.Fatal("expected composition error")
			}
			if !engine.HasCode(err, engine.ErrCodeComposition) {
				t.Errorf("error code: got %v, want %s", err, engine.ErrCodeComposition)
			}
		})
	}
}

func TestLiteralDepthLimit(t *testing.T) {
	var v interface{} = "leaf"
	for i := 0; i < maxLiteralDepth+2; i++ {
		v = []interface{}{v}
	}
	if _, err := Literal(v); err == nil {
		t.Fatal("expected error for deeply nested value")
	}
}

func TestLiteralStringCannotBreakOut(t *testing.T) {
	hostile := `"); Application('Finder').delete(); ("`
	got, err := Literal(hostile)
	if err != nil {
		t.Fatalf("Literal() error = %v", err)
	}

	var back string
	if err := json.Unmarshal([]byte(got), &back); err != nil {
		t.Fatalf("literal is not a single string token: %v", err)
	}
	if back != hostile {
		t.Errorf("round trip: got %q, want %q", back, hostile)
	}
	if strings.Count(got, `"`)-strings.Count(got, `\"`) != 2 {
		t.Errorf("literal %s has unescaped quotes", got)
	}
}
