// Package instructions loads the pre-split instruction texts: the common
// rules shared by every stage and the per-stage instructions keyed by phase
// key ("VAIHE 1" ...).
package instructions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CommonRulesFile is the common rules file inside an instruction directory.
const CommonRulesFile = "Yleiset_säännöt.txt"

// ErrEmpty is returned when a source holds neither rules nor stage texts.
var ErrEmpty = errors.New("no instructions found")

// Bundle is a loaded instruction set.
type Bundle struct {
	CommonRules string            `yaml:"common_rules" json:"common_rules"`
	Phases      map[string]string `yaml:"phases" json:"phases"`
}

// Keys returns the stage keys in sorted order.
func (b *Bundle) Keys() []string {
	keys := make([]string, 0, len(b.Phases))
	for k := range b.Phases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load reads path as a directory of text files or, for a regular file, as
// a YAML bundle.
func Load(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("instructions: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadYAML(path)
}

var phaseFile = regexp.MustCompile(`(?i)^VAIHE[_ ](\d+)\.txt$`)

// LoadDir reads CommonRulesFile and every VAIHE_<n>.txt in dir.
func LoadDir(dir string) (*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("instructions: %w", err)
	}

	b := &Bundle{Phases: make(map[string]string)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch m := phaseFile.FindStringSubmatch(name); {
		case name == CommonRulesFile || strings.EqualFold(name, "COMMON_RULES.txt"):
			text, err := readText(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			b.CommonRules = text
		case m != nil:
			text, err := readText(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			b.Phases["VAIHE "+m[1]] = text
		}
	}
	if b.CommonRules == "" && len(b.Phases) == 0 {
		return nil, fmt.Errorf("instructions: %s: %w", dir, ErrEmpty)
	}
	return b, nil
}

// LoadYAML reads a bundle written as
//
//	common_rules: |
//	  ...
//	phases:
//	  VAIHE 1: |
//	    ...
func LoadYAML(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("instructions: %w", err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("instructions: parse %s: %w", path, err)
	}
	if b.Phases == nil {
		b.Phases = make(map[string]string)
	}
	b.CommonRules = strings.TrimSpace(b.CommonRules)
	for k, v := range b.Phases {
		b.Phases[k] = strings.TrimSpace(v)
	}
	if b.CommonRules == "" && len(b.Phases) == 0 {
		return nil, fmt.Errorf("instructions: %s: %w", path, ErrEmpty)
	}
	return &b, nil
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("instructions: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
