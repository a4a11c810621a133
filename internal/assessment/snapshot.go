package assessment

// Snapshot is the serializable state of a Context. It lets a caller park a
// partially executed run and resume it in a later session.
type Snapshot struct {
	CommonRules  string            `json:"common_rules"`
	Instructions map[string]string `json:"instructions"`
	Artifacts    []Artifact        `json:"artifacts"`
	Results      []StoredResult    `json:"results"`
}

// StoredResult is one entry of the ordered result map.
type StoredResult struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Snapshot captures the current state.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	instr := make(map[string]string, len(c.instructions))
	for k, v := range c.instructions {
		instr[k] = v
	}
	s := Snapshot{
		CommonRules:  c.commonRules,
		Instructions: instr,
		Artifacts:    append([]Artifact(nil), c.artifacts...),
	}
	for _, k := range c.resultOrder {
		s.Results = append(s.Results, StoredResult{Key: k, Text: c.results[k]})
	}
	return s
}

// Restore rebuilds a Context from a snapshot.
func Restore(layout Layout, s Snapshot) *Context {
	c := New(layout, s.CommonRules, s.Instructions)
	c.artifacts = append([]Artifact(nil), s.Artifacts...)
	for _, r := range s.Results {
		c.AddResult(r.Key, r.Text)
	}
	return c
}
