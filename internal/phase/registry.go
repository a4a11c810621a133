package phase

import (
	"cmp"
	"fmt"
	"sort"
	"strings"
)

// Registry holds the validated phase and mode definitions.
type Registry struct {
	phases []*Phase
	byID   map[string]*Phase
	byKey  map[string]*Phase
	modes  map[string]*Mode
	order  []string // mode names in definition order
}

// New validates the definitions and builds a registry.
func New(phases []Phase, modes []Mode) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]*Phase, len(phases)),
		byKey: make(map[string]*Phase, len(phases)),
		modes: make(map[string]*Mode, len(modes)),
	}

	sorted := make([]Phase, len(phases))
	copy(sorted, phases)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Ordinal < sorted[j].Ordinal
	})

	for i := range sorted {
		p := sorted[i]
		if p.ID == "" || p.Key == "" {
			return nil, fmt.Errorf("phase at ordinal %d: id and key are required", p.Ordinal)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate phase id %q", p.ID)
		}
		if _, dup := r.byKey[p.Key]; dup {
			return nil, fmt.Errorf("duplicate phase key %q", p.Key)
		}
		for _, dep := range p.DependsOn {
			d, ok := r.byKey[dep]
			if !ok {
				return nil, fmt.Errorf("phase %s: dependency %q is not an earlier phase", p.ID, dep)
			}
			if d.Ordinal >= p.Ordinal {
				return nil, fmt.Errorf("phase %s: dependency %q has ordinal %d >= %d", p.ID, dep, d.Ordinal, p.Ordinal)
			}
		}
		pp := &p
		r.phases = append(r.phases, pp)
		r.byID[p.ID] = pp
		r.byKey[p.Key] = pp
	}

	for i := range modes {
		m := modes[i]
		if m.Name == "" {
			return nil, fmt.Errorf("mode %d: name is required", i)
		}
		if _, dup := r.modes[m.Name]; dup {
			return nil, fmt.Errorf("duplicate mode %q", m.Name)
		}
		for _, id := range m.PhaseIDs {
			if _, ok := r.byID[id]; !ok {
				return nil, fmt.Errorf("mode %s: unknown phase id %q", m.Name, id)
			}
		}
		r.modes[m.Name] = &m
		r.order = append(r.order, m.Name)
	}

	return r, nil
}

// MustNew is New for static tables known to be valid.
func MustNew(phases []Phase, modes []Mode) *Registry {
	r, err := New(phases, modes)
	if err != nil {
		panic(err)
	}
	return r
}

// ByID returns the phase with the given id.
func (r *Registry) ByID(id string) (*Phase, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// ByKey returns the phase with the given prompt key.
func (r *Registry) ByKey(key string) (*Phase, bool) {
	p, ok := r.byKey[key]
	return p, ok
}

// Phases returns all phases in ordinal order.
func (r *Registry) Phases() []*Phase {
	return append([]*Phase(nil), r.phases...)
}

// IDs returns all phase ids in ordinal order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.phases))
	for i, p := range r.phases {
		ids[i] = p.ID
	}
	return ids
}

// Compare orders two phase ids by ordinal. Ids unknown to the registry sort
// after known ones, by id.
func (r *Registry) Compare(a, b string) int {
	pa, okA := r.byID[a]
	pb, okB := r.byID[b]
	switch {
	case okA && okB:
		return cmp.Compare(pa.Ordinal, pb.Ordinal)
	case okA:
		return -1
	case okB:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// Mode returns the named execution mode.
func (r *Registry) Mode(name string) (*Mode, bool) {
	m, ok := r.modes[name]
	return m, ok
}

// Modes returns all modes in definition order.
func (r *Registry) Modes() []*Mode {
	out := make([]*Mode, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.modes[name])
	}
	return out
}

// FirstWith returns the lowest-ordinal phase carrying the trait.
func (r *Registry) FirstWith(t Trait) (*Phase, bool) {
	for _, p := range r.phases {
		if p.Has(t) {
			return p, true
		}
	}
	return nil, false
}

// Dependencies returns the declared dependency keys of a phase key.
// The boolean is false for keys that declare no dependency list, such as
// mode names or unknown keys.
func (r *Registry) Dependencies(key string) ([]string, bool) {
	p, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return p.DependsOn, true
}

// IncludesArtifacts reports whether prompts for key carry the raw artifacts.
// A mode name includes them when its first phase does.
func (r *Registry) IncludesArtifacts(key string) bool {
	if p, ok := r.byKey[key]; ok {
		return p.IncludeArtifacts
	}
	if m, ok := r.modes[key]; ok && len(m.PhaseIDs) > 0 {
		if p, ok := r.byID[m.PhaseIDs[0]]; ok {
			return p.IncludeArtifacts
		}
	}
	return false
}

// Waves groups the given phase ids into layers that can run together: every
// phase lands in the first layer after all of its in-batch dependencies.
// Dependencies outside the batch are assumed already satisfied. Input order
// is kept inside a layer.
func (r *Registry) Waves(ids []string) ([][]string, error) {
	inBatch := make(map[string]bool, len(ids))
	for _, id := range ids {
		p, ok := r.byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown phase id %q", id)
		}
		inBatch[p.Key] = true
	}

	level := make(map[string]int, len(ids))
	var waves [][]string
	// ids may arrive out of ordinal order; resolve by ordinal so that
	// dependencies are levelled first.
	ordered := append([]string(nil), ids...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return r.byID[ordered[i]].Ordinal < r.byID[ordered[j]].Ordinal
	})
	for _, id := range ordered {
		p := r.byID[id]
		lvl := 0
		for _, dep := range p.DependsOn {
			if !inBatch[dep] {
				continue
			}
			if l := level[dep] + 1; l > lvl {
				lvl = l
			}
		}
		level[p.Key] = lvl
		for len(waves) <= lvl {
			waves = append(waves, nil)
		}
	}
	for _, id := range ids {
		lvl := level[r.byID[id].Key]
		waves[lvl] = append(waves[lvl], id)
	}
	return waves, nil
}
