package extract

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   map[string]any
		wantOK bool
	}{
		{
			name:   "fenced with trailing comma",
			input:  "Here you go: ```json\n{\"a\":1,}\n``` thanks",
			want:   map[string]any{"a": float64(1)},
			wantOK: true,
		},
		{
			name:   "bare object in prose",
			input:  `The answer is {"pisteet": {"arvosana": 3}} as requested.`,
			want:   map[string]any{"pisteet": map[string]any{"arvosana": float64(3)}},
			wantOK: true,
		},
		{
			name:   "last candidate wins",
			input:  `Draft: {"v": 1} Final: {"v": 2}`,
			want:   map[string]any{"v": float64(2)},
			wantOK: true,
		},
		{
			name:   "falls back to earlier candidate when last is broken",
			input:  `{"v": 1} and then {this is not json}`,
			want:   map[string]any{"v": float64(1)},
			wantOK: true,
		},
		{
			name:   "python style literals",
			input:  `{'ok': True, 'missing': None, 'bad': False}`,
			want:   map[string]any{"ok": true, "missing": nil, "bad": false},
			wantOK: true,
		},
		{
			name:   "line comments are stripped",
			input:  "{\n  \"a\": 1, // first\n  \"url\": \"https://example.org\"\n}",
			want:   map[string]any{"a": float64(1), "url": "https://example.org"},
			wantOK: true,
		},
		{
			name:   "braces inside strings are ignored",
			input:  `{"text": "a } brace", "n": 2}`,
			want:   map[string]any{"text": "a } brace", "n": float64(2)},
			wantOK: true,
		},
		{
			name:   "single-quoted value holding a double quote",
			input:  `{'q': 'he said "hi'}`,
			want:   map[string]any{"q": `he said "hi`},
			wantOK: true,
		},
		{
			name:   "draft with unterminated string before the answer",
			input:  `Draft: {"a": "oops} Final answer: {"a": 1}`,
			want:   map[string]any{"a": float64(1)},
			wantOK: true,
		},
		{
			name:   "unterminated block",
			input:  `{"a": 1`,
			wantOK: false,
		},
		{
			name:   "no braces at all",
			input:  "I cannot comply.",
			wantOK: false,
		},
		{
			name:   "empty input",
			input:  "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("Extract() ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtract_RoundTrip(t *testing.T) {
	objects := []map[string]any{
		{"a": float64(1)},
		{"nested": map[string]any{"list": []any{"x", float64(2), true, nil}}},
		{"unicode": "Ääkköset ja \"lainaukset\""},
	}
	for _, obj := range objects {
		raw, err := json.Marshal(obj)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		for _, wrapped := range []string{
			string(raw),
			"prefix " + string(raw) + " suffix",
			"```json\n" + string(raw) + "\n```",
		} {
			got, ok := Extract(wrapped)
			if !ok {
				t.Fatalf("Extract(%q) failed", wrapped)
			}
			if diff := cmp.Diff(obj, got); diff != "" {
				t.Errorf("round trip mismatch for %q (-want +got):\n%s", wrapped, diff)
			}
		}
	}
}

func TestCandidates(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "nested and string braces",
			in:   `x {"a": {"b": 1}} y {"c": "}"} z {`,
			want: []string{`{"a": {"b": 1}}`, `{"c": "}"}`},
		},
		{
			name: "single-quoted strings",
			in:   `{'c': '}', 'd': 'say "x'}`,
			want: []string{`{'c': '}', 'd': 'say "x'}`},
		},
		{
			name: "apostrophe inside a double-quoted string",
			in:   `{"t": "it's {fine}"} tail`,
			want: []string{`{"t": "it's {fine}"}`},
		},
		{
			name: "unterminated string swallows the rest",
			in:   `{"a": "oops} {"a": 1}`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Candidates(tt.in)); diff != "" {
				t.Errorf("Candidates() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDepthCandidates(t *testing.T) {
	got := depthCandidates(`Draft: {"a": "oops} Final: {"a": 1} {`)
	want := []string{`{"a": "oops}`, `{"a": 1}`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("depthCandidates() mismatch (-want +got):\n%s", diff)
	}
}

func TestStripFence(t *testing.T) {
	tests := map[string]string{
		"```json\n{\"a\":1}\n```":    `{"a":1}`,
		"```\n{\"a\":1}\n```":        `{"a":1}`,
		"no fence here":              "no fence here",
		"```json\n{}\n``` ```\nx```": "{}",
	}
	for in, want := range tests {
		if got := StripFence(in); got != want {
			t.Errorf("StripFence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRepair(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `{"a": 1,}`, want: `{"a": 1}`},
		{in: `{"a": [1, 2, ]}`, want: `{"a": [1, 2]}`},
		{in: `{'a': 'b'}`, want: `{"a": "b"}`},
		{in: `{'a': 5}`, want: `{"a": 5}`},
		{in: "{\"a\": 1 // note\n}", want: "{\"a\": 1 \n}"},
		{in: `{"u": "http://x"}`, want: `{"u": "http://x"}`},
	}
	for _, tt := range tests {
		if got := Repair(tt.in); got != tt.want {
			t.Errorf("Repair(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLenient_Errors(t *testing.T) {
	for _, in := range []string{`{'a': }`, `{'a' 1}`, `[1, 2]`, `{'a': 'b'} extra`, `{'a': 'unterminated}`} {
		if _, err := parseLenient(in); err == nil {
			t.Errorf("parseLenient(%q) expected error", in)
		}
	}
}

func TestMarshal(t *testing.T) {
	got, err := Marshal(map[string]any{"b": "<x>", "a": 1})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := "{\n  \"a\": 1,\n  \"b\": \"<x>\"\n}"
	if got != want {
		t.Errorf("Marshal() = %q, want %q", got, want)
	}
}
