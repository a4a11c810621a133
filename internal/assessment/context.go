// Package assessment holds the per-run state of an assessment: the
// instruction texts, the uploaded artifacts and every stage result, and
// assembles dependency-pruned prompts from them.
package assessment

import (
	"strings"
	"sync"

	"github.com/quorum-eval/assessor/internal/tokens"
)

// Layout tells a Context which history and artifacts a prompt key needs.
// *phase.Registry implements it.
type Layout interface {
	// Dependencies returns the dependency keys for key; false means the key
	// declares no list and the full history is emitted.
	Dependencies(key string) ([]string, bool)
	IncludesArtifacts(key string) bool
}

// Artifact is one uploaded document, already decoded to plain text.
type Artifact struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Context is the single source of truth for one pipeline run.
// It is safe for concurrent use.
type Context struct {
	mu sync.RWMutex

	layout       Layout
	commonRules  string
	instructions map[string]string
	artifacts    []Artifact
	results      map[string]string
	resultOrder  []string
}

// New creates a context. A nil instructions map is treated as empty.
func New(layout Layout, commonRules string, instructions map[string]string) *Context {
	if instructions == nil {
		instructions = map[string]string{}
	}
	return &Context{
		layout:       layout,
		commonRules:  commonRules,
		instructions: instructions,
		results:      make(map[string]string),
	}
}

// AddArtifact appends an artifact. Insertion order is preserved in prompts.
func (c *Context) AddArtifact(name, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts = append(c.artifacts, Artifact{Name: name, Text: text})
}

// Artifacts returns a copy of the artifacts in insertion order.
func (c *Context) Artifacts() []Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Artifact(nil), c.artifacts...)
}

// ReplaceArtifacts swaps the artifact set, e.g. after redaction.
func (c *Context) ReplaceArtifacts(artifacts []Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts = append([]Artifact(nil), artifacts...)
}

// AddResult stores (or overwrites) the result text for a key.
func (c *Context) AddResult(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[key]; !exists {
		c.resultOrder = append(c.resultOrder, key)
	}
	c.results[key] = text
}

// Result returns the stored result for a key.
func (c *Context) Result(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[key]
	return r, ok
}

// ResultKeys returns the keys of stored results in insertion order.
func (c *Context) ResultKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.resultOrder...)
}

// Instruction returns the instruction text for a key.
func (c *Context) Instruction(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.instructions[key]
	return s, ok
}

func (c *Context) formatArtifacts() string {
	var b strings.Builder
	for _, a := range c.artifacts {
		b.WriteString("\n--- ARTIFACT: ")
		b.WriteString(a.Name)
		b.WriteString(" ---\n")
		b.WriteString(a.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// historyText returns the prior results relevant to key. For a key with a
// declared dependency list only those results are emitted, in declared
// order, skipping any not yet stored. Otherwise every stored result is
// emitted in insertion order.
func (c *Context) historyText(key string) string {
	if len(c.results) == 0 {
		return ""
	}

	var keys []string
	deps, declared := []string(nil), false
	if c.layout != nil {
		deps, declared = c.layout.Dependencies(key)
	}
	if declared {
		for _, dep := range deps {
			if _, ok := c.results[dep]; ok {
				keys = append(keys, dep)
			}
		}
	} else {
		keys = c.resultOrder
	}
	if len(keys) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n--- PRIOR RESULTS ---\n")
	for _, k := range keys {
		writeResult(&b, k, c.results[k])
	}
	return b.String()
}

func writeResult(b *strings.Builder, key, text string) {
	b.WriteString("\n=== RESULT: ")
	b.WriteString(key)
	b.WriteString(" ===\n")
	b.WriteString(text)
	b.WriteString("\n")
}

// BuildPrompt assembles the full prompt for a single phase key: common
// rules, the phase instructions (silently omitted for unknown keys), the
// artifacts when the key needs them, and the dependency-pruned history.
func (c *Context) BuildPrompt(key string) string {
	includeArtifacts := c.layout != nil && c.layout.IncludesArtifacts(key)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	b.WriteString(c.commonRules)
	if instr, ok := c.instructions[key]; ok {
		b.WriteString("\n\n--- ")
		b.WriteString(key)
		b.WriteString(" ---\n")
		b.WriteString(instr)
	}
	if includeArtifacts {
		b.WriteString("\n\n")
		b.WriteString(c.formatArtifacts())
	}
	b.WriteString(c.historyText(key))
	b.WriteString("\n\n--- EXECUTE ")
	b.WriteString(key)
	b.WriteString(" ---")
	return b.String()
}

// BuildCombinedPrompt assembles one prompt asking for several phases in a
// single pass. Artifacts are included when the first key needs them; the
// full history is always emitted.
func (c *Context) BuildCombinedPrompt(keys []string) string {
	includeArtifacts := len(keys) > 0 && c.layout != nil && c.layout.IncludesArtifacts(keys[0])

	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	b.WriteString(c.commonRules)
	b.WriteString("\n\n--- PHASES TO EXECUTE ---\n")
	b.WriteString("Execute the following phases as one continuous process. Emit the result of each phase in its own clearly separated block.\n")
	for _, k := range keys {
		if instr, ok := c.instructions[k]; ok {
			b.WriteString("\n\n=== INSTRUCTIONS: ")
			b.WriteString(k)
			b.WriteString(" ===\n")
			b.WriteString(instr)
		}
	}
	if includeArtifacts {
		b.WriteString("\n\n")
		b.WriteString(c.formatArtifacts())
	}
	if len(c.resultOrder) > 0 {
		b.WriteString("\n\n--- PRIOR RESULTS ---\n")
		for _, k := range c.resultOrder {
			writeResult(&b, k, c.results[k])
		}
	}
	b.WriteString("\n\n--- TASK ---\n")
	b.WriteString("Execute the phases above in order. Separate the answers with headings (e.g. '=== RESULT: VAIHE X ===').")
	return b.String()
}

// Stats summarizes the size of the instruction material.
type Stats struct {
	CommonChars       int
	CommonTokens      int
	Phases            int
	InstructionChars  int
	InstructionTokens int
	Estimated         bool
}

// Stats counts characters and tokens of the rules and instructions as seen
// by model.
func (c *Context) Stats(counter *tokens.Registry, model string) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	common := counter.Count(model, c.commonRules)
	s := Stats{
		CommonChars:  len(c.commonRules),
		CommonTokens: common.Tokens,
		Phases:       len(c.instructions),
		Estimated:    common.Estimated,
	}
	for _, text := range c.instructions {
		n := counter.Count(model, text)
		s.InstructionChars += len(text)
		s.InstructionTokens += n.Tokens
		s.Estimated = s.Estimated || n.Estimated
	}
	return s
}
