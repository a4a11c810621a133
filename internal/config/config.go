// Package config loads assessor configuration from config.yaml and
// ASSESSOR_ environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/quorum-eval/assessor/internal/phase"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates levels: ASSESSOR_GEMINI__API_KEY sets gemini.api_key.
const EnvPrefix = "ASSESSOR_"

type Config struct {
	Server       ServerConfig        `koanf:"server"`
	Gemini       GeminiConfig        `koanf:"gemini"`
	Models       ModelsConfig        `koanf:"models"`
	Retry        RetryConfig         `koanf:"retry"`
	Security     SecurityConfig      `koanf:"security"`
	Evidence     EvidenceConfig      `koanf:"evidence"`
	Storage      StorageConfig       `koanf:"storage"`
	Dataset      DatasetConfig       `koanf:"dataset"`
	Instructions InstructionsConfig  `koanf:"instructions"`
	Telemetry    TelemetryConfig     `koanf:"telemetry"`
	Parallelism  int                 `koanf:"parallelism"`
	Phases       []PhaseConfig       `koanf:"phases"`
	Modes        map[string][]string `koanf:"modes"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"` // Bounds a whole stage batch
}

type GeminiConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"` // Custom API endpoint
}

type ModelsConfig struct {
	Default string `koanf:"default"` // Optional: force every phase onto one model
	// Critic overrides the model of the critic stages (4-7) so they run on a
	// different base model than the rest of the pipeline.
	Critic    string   `koanf:"critic"`
	Fallbacks []string `koanf:"fallbacks"`
	Serialize bool     `koanf:"serialize"` // One call per model at a time
}

type RetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	BaseDelay       time.Duration `koanf:"base_delay"`
	AttemptTimeout  time.Duration `koanf:"attempt_timeout"`
	MaxOutputTokens int           `koanf:"max_output_tokens"`
}

type SecurityConfig struct {
	CatalogPath string `koanf:"catalog_path"` // Optional: YAML pattern catalog
	Watch       bool   `koanf:"watch"`        // Reload the catalog on change
}

type EvidenceConfig struct {
	APIKey    string `koanf:"api_key"`
	CX        string `koanf:"cx"`
	Endpoint  string `koanf:"endpoint"`
	Results   int    `koanf:"results"`
	MaxClaims int    `koanf:"max_claims"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type DatasetConfig struct {
	Enabled bool `koanf:"enabled"`
}

type InstructionsConfig struct {
	Path string `koanf:"path"` // Directory of VAIHE_n.txt files or a YAML bundle
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// PhaseConfig overrides one entry of the built-in phase table.
type PhaseConfig struct {
	ID               string   `koanf:"id"`
	Name             string   `koanf:"name"`
	Key              string   `koanf:"key"`
	Ordinal          int      `koanf:"ordinal"`
	Model            string   `koanf:"model"`
	DependsOn        []string `koanf:"depends_on"`
	RequiredKeys     []string `koanf:"required_keys"`
	IncludeArtifacts bool     `koanf:"include_artifacts"`
	Traits           []string `koanf:"traits"`
}

var criticPhases = map[string]bool{"phase_4": true, "phase_5": true, "phase_6": true, "phase_7": true}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":             8080,
	"server.request_timeout":  "30m",
	"gemini.api_key":          "${GOOGLE_API_KEY}",
	"retry.max_attempts":      5,
	"retry.base_delay":        "2s",
	"retry.attempt_timeout":   "5m",
	"retry.max_output_tokens": 8192,
	"evidence.api_key":        "${GOOGLE_SEARCH_API_KEY}",
	"evidence.cx":             "${GOOGLE_SEARCH_CX}",
	"evidence.results":        3,
	"evidence.max_claims":     3,
	"storage.type":            "memory",
	"storage.sqlite.path":     "assessor.db",
	"parallelism":             1,
	"models.fallbacks":        []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.5-flash"},
	"instructions.path":       "prompts",
	"security.watch":          false,
	"telemetry.enabled":       false,
	"dataset.enabled":         false,
}

// Load reads path (config.yaml when empty; a missing file is fine), then
// the environment, then fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Gemini.APIKey = substituteEnvVars(cfg.Gemini.APIKey)
	cfg.Evidence.APIKey = substituteEnvVars(cfg.Evidence.APIKey)
	cfg.Evidence.CX = substituteEnvVars(cfg.Evidence.CX)
	cfg.Storage.SQLite.Path = substituteEnvVars(cfg.Storage.SQLite.Path)

	return &cfg, nil
}

// Registry builds the phase registry: the built-in table unless phases are
// configured, with model overrides applied.
func (c *Config) Registry() (*phase.Registry, error) {
	phases := phase.DefaultPhases()
	if len(c.Phases) > 0 {
		phases = make([]phase.Phase, 0, len(c.Phases))
		for _, pc := range c.Phases {
			p, err := pc.toPhase()
			if err != nil {
				return nil, err
			}
			phases = append(phases, p)
		}
	}

	for i := range phases {
		if c.Models.Default != "" {
			phases[i].Model = c.Models.Default
		}
		if c.Models.Critic != "" && criticPhases[phases[i].ID] {
			phases[i].Model = c.Models.Critic
		}
	}

	modes := phase.DefaultModes()
	if len(c.Modes) > 0 {
		names := make([]string, 0, len(c.Modes))
		for name := range c.Modes {
			names = append(names, name)
		}
		sort.Strings(names)
		modes = modes[:0]
		for _, name := range names {
			modes = append(modes, phase.Mode{Name: strings.ToUpper(name), PhaseIDs: c.Modes[name]})
		}
	}

	reg, err := phase.New(phases, modes)
	if err != nil {
		return nil, fmt.Errorf("phase configuration: %w", err)
	}
	return reg, nil
}

func (pc PhaseConfig) toPhase() (phase.Phase, error) {
	p := phase.Phase{
		ID:               pc.ID,
		Name:             pc.Name,
		Key:              pc.Key,
		Ordinal:          pc.Ordinal,
		Model:            pc.Model,
		DependsOn:        pc.DependsOn,
		RequiredKeys:     pc.RequiredKeys,
		IncludeArtifacts: pc.IncludeArtifacts,
	}
	if p.Model == "" {
		p.Model = phase.DefaultModel
	}
	if p.Name == "" {
		p.Name = p.Key
	}
	for _, name := range pc.Traits {
		t, err := phase.ParseTrait(name)
		if err != nil {
			return phase.Phase{}, fmt.Errorf("phase %s: %w", pc.ID, err)
		}
		p.Traits |= t
	}
	return p, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
