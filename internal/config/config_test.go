package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/quorum-eval/assessor/internal/phase"
)

func missingPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "from-google-env")

	cfg, err := Load(missingPath(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 || cfg.Server.RequestTimeout != 30*time.Minute {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Gemini.APIKey != "from-google-env" {
		t.Errorf("api key = %q", cfg.Gemini.APIKey)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 2*time.Second || cfg.Retry.AttemptTimeout != 5*time.Minute {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if diff := cmp.Diff([]string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-2.5-flash"}, cfg.Models.Fallbacks); diff != "" {
		t.Errorf("fallbacks mismatch (-want +got):\n%s", diff)
	}
	if cfg.Storage.Type != "memory" || cfg.Parallelism != 1 || cfg.Dataset.Enabled {
		t.Errorf("storage/parallelism/dataset = %q %d %v", cfg.Storage.Type, cfg.Parallelism, cfg.Dataset.Enabled)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ASSESSOR_SERVER__PORT", "9000")
	t.Setenv("ASSESSOR_MODELS__CRITIC", "gemini-2.5-pro")
	t.Setenv("ASSESSOR_RETRY__BASE_DELAY", "250ms")
	t.Setenv("ASSESSOR_DATASET__ENABLED", "true")

	cfg, err := Load(missingPath(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %v, want 9000", cfg.Server.Port)
	}
	if cfg.Models.Critic != "gemini-2.5-pro" {
		t.Errorf("critic = %q", cfg.Models.Critic)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("base delay = %v", cfg.Retry.BaseDelay)
	}
	if !cfg.Dataset.Enabled {
		t.Error("dataset toggle not applied")
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_SEARCH_KEY", "search-secret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
gemini:
  api_key: literal-key
evidence:
  api_key: ${TEST_SEARCH_KEY}
  cx: engine-1
storage:
  type: sqlite
  sqlite:
    path: /tmp/x.db
modes:
  quick: [phase_1, phase_2]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gemini.APIKey != "literal-key" || cfg.Evidence.APIKey != "search-secret" || cfg.Evidence.CX != "engine-1" {
		t.Errorf("keys = %q %q %q", cfg.Gemini.APIKey, cfg.Evidence.APIKey, cfg.Evidence.CX)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLite.Path != "/tmp/x.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry() error = %v", err)
	}
	m, ok := reg.Mode("QUICK")
	if !ok {
		t.Fatal("configured mode missing")
	}
	if diff := cmp.Diff([]string{"phase_1", "phase_2"}, m.PhaseIDs); diff != "" {
		t.Errorf("mode mismatch (-want +got):\n%s", diff)
	}
	if _, ok := reg.Mode(phase.ModeA); ok {
		t.Error("configured modes replace the built-in ones")
	}
}

func TestRegistry_CriticModel(t *testing.T) {
	cfg := &Config{Models: ModelsConfig{Critic: "critic-model"}}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry() error = %v", err)
	}
	for _, p := range reg.Phases() {
		want := phase.DefaultModel
		if p.Ordinal >= 4 && p.Ordinal <= 7 {
			want = "critic-model"
		}
		if p.Model != want {
			t.Errorf("%s model = %q, want %q", p.ID, p.Model, want)
		}
	}
}

func TestRegistry_CustomPhases(t *testing.T) {
	cfg := &Config{
		Phases: []PhaseConfig{
			{ID: "gate", Key: "G", Ordinal: 1, Traits: []string{"security"}, IncludeArtifacts: true},
			{ID: "score", Key: "S", Ordinal: 2, DependsOn: []string{"G"}, Traits: []string{"Scoring"}, RequiredKeys: []string{"pisteet"}},
		},
		Modes: map[string][]string{"all": {"gate", "score"}},
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry() error = %v", err)
	}
	p, ok := reg.ByID("score")
	if !ok || !p.Has(phase.TraitScoring) || p.Model != phase.DefaultModel || p.Name != "S" {
		t.Errorf("score phase = %+v", p)
	}

	cfg.Phases[1].Traits = []string{"bogus"}
	if _, err := cfg.Registry(); err == nil {
		t.Error("unknown trait must fail")
	}

	cfg.Phases[1].Traits = nil
	cfg.Phases[1].DependsOn = []string{"NOPE"}
	if _, err := cfg.Registry(); err == nil {
		t.Error("dangling dependency must fail")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "substitution in string", input: "prefix-${TEST_VAR}-suffix", want: "prefix-test-value-suffix"},
		{name: "no substitution", input: "plain-string", want: "plain-string"},
		{name: "undefined var", input: "${UNDEFINED_VAR_FOR_TEST}", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
