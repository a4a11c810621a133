// Package phase describes the nine assessment stages and the execution modes
// that group them.
//
// The registry is static configuration: it is built once at startup (from the
// built-in table or from config), validated, and never mutated afterwards.
package phase

import (
	"fmt"
	"strings"
)

// Trait marks stage-specific processing the orchestrator applies around a
// phase.
type Trait uint8

const (
	// TraitSecurityGate runs the security gate before the model call.
	TraitSecurityGate Trait = 1 << iota

	// TraitEvidence appends externally looked-up evidence to the prompt.
	TraitEvidence

	// TraitScoring recomputes aggregate scores after the model call.
	TraitScoring

	// TraitReport replaces the model call with the report assembler.
	TraitReport
)

// String returns a comma separated list of trait names.
func (t Trait) String() string {
	var names []string
	for _, tn := range traitNames {
		if t&tn.trait != 0 {
			names = append(names, tn.name)
		}
	}
	return strings.Join(names, ",")
}

var traitNames = []struct {
	trait Trait
	name  string
}{
	{TraitSecurityGate, "security"},
	{TraitEvidence, "evidence"},
	{TraitScoring, "scoring"},
	{TraitReport, "report"},
}

// ParseTrait converts a config name into a Trait.
func ParseTrait(name string) (Trait, error) {
	for _, tn := range traitNames {
		if strings.EqualFold(tn.name, name) {
			return tn.trait, nil
		}
	}
	return 0, fmt.Errorf("unknown trait %q", name)
}

// Phase is one node of the pipeline.
type Phase struct {
	ID      string
	Name    string
	Key     string
	Ordinal int
	Model   string

	// DependsOn lists the keys of earlier phases whose results are fed
	// forward as history.
	DependsOn []string

	// RequiredKeys are the top-level fields a structured result must carry.
	// Empty means the phase declares no schema.
	RequiredKeys []string

	// IncludeArtifacts puts the raw artifact text into the prompt.
	IncludeArtifacts bool

	Traits Trait
}

// Has reports whether the phase carries the trait.
func (p *Phase) Has(t Trait) bool {
	return p.Traits&t != 0
}

// Special reports whether the phase bypasses model invocation.
func (p *Phase) Special() bool {
	return p.Has(TraitReport)
}

// Validator returns a payload check requiring every declared top-level key,
// or nil when the phase declares no schema.
func (p *Phase) Validator() func(map[string]any) error {
	if len(p.RequiredKeys) == 0 {
		return nil
	}
	required := append([]string(nil), p.RequiredKeys...)
	return func(payload map[string]any) error {
		var missing []string
		for _, k := range required {
			if _, ok := payload[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("payload is missing required keys: %s", strings.Join(missing, ", "))
		}
		return nil
	}
}

// Mode is a named, ordered subset of phases runnable on its own.
type Mode struct {
	Name     string
	PhaseIDs []string
}
