// Package extract recovers a structured object from free-form model output.
//
// Models wrap their answer in prose, in code fences, or emit several drafts
// in one response. Extract finds every balanced-brace block, prefers the last
// one and tries progressively more forgiving parsers on each.
package extract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\\r?\\n?(.*?)```")

// Extract returns the structured object found in text. The boolean is false
// when no candidate parses; Extract never panics on malformed input.
//
// Quote-aware candidates are tried first. When none of them parses, the
// plain brace-depth candidates are tried, which recovers answers that follow
// a draft with an unterminated string.
func Extract(text string) (map[string]any, bool) {
	text = StripFence(text)
	tried := make(map[string]bool)
	for _, cands := range [][]string{Candidates(text), depthCandidates(text)} {
		for i := len(cands) - 1; i >= 0; i-- {
			if tried[cands[i]] {
				continue
			}
			tried[cands[i]] = true
			if obj, ok := parseCandidate(cands[i]); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

// StripFence returns the body of the first fenced code block, or text
// unchanged when it carries no fence.
func StripFence(text string) string {
	m := fencePattern.FindStringSubmatch(text)
	if m == nil {
		return text
	}
	return strings.TrimSpace(m[1])
}

// Candidates returns every maximal balanced-brace substring of text in order
// of appearance. Braces inside single- or double-quoted strings of a
// candidate do not count. An unterminated trailing block is dropped.
func Candidates(text string) []string {
	var (
		out     []string
		depth   int
		start   = -1
		quote   byte
		escaped bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if depth > 0 && quote != 0 {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			if depth > 0 {
				quote = ch
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// depthCandidates is Candidates without string tracking: every brace counts.
func depthCandidates(text string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, text[start:i+1])
			}
		}
	}
	return out
}

func parseCandidate(s string) (map[string]any, bool) {
	if obj, ok := parseStrict(s); ok {
		return obj, true
	}
	if obj, err := parseLenient(s); err == nil {
		return obj, true
	}
	return parseStrict(Repair(s))
}

func parseStrict(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

var (
	lineComment    = regexp.MustCompile(`(^|[^:])//[^\n]*`)
	trailingComma  = regexp.MustCompile(`,\s*([\]}])`)
	quotedPair     = regexp.MustCompile(`'\s*:\s*'`)
	quotedNumPair  = regexp.MustCompile(`'\s*:\s*([0-9])`)
	quoteAfterOpen = regexp.MustCompile(`([{\[,])\s*'`)
	quoteBeforeEnd = regexp.MustCompile(`'\s*([}\],])`)
)

// Repair applies the regex fixes for the most common model mistakes: line
// comments, trailing commas and single-quote delimiters. A "//" directly
// after a colon is kept so URLs survive.
func Repair(s string) string {
	s = lineComment.ReplaceAllString(s, "$1")
	s = trailingComma.ReplaceAllString(s, "$1")
	s = quotedPair.ReplaceAllString(s, `": "`)
	s = quotedNumPair.ReplaceAllString(s, `": $1`)
	s = quoteAfterOpen.ReplaceAllString(s, `$1"`)
	s = quoteBeforeEnd.ReplaceAllString(s, `"$1`)
	return s
}

// Marshal renders v as two-space indented JSON without HTML escaping, the
// canonical text form stored for a stage.
func Marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
