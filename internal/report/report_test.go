package report

import (
	"strings"
	"testing"

	"github.com/quorum-eval/assessor/internal/verdict"
)

var variants = map[string]string{
	"wrapped": `{"tuomio": {"pisteet": {
		"analyysi_ja_prosessi": {"arvosana": 4, "perustelu": "A"},
		"arviointi_ja_argumentaatio": {"arvosana": 3, "perustelu": "B"},
		"synteesi_ja_luovuus": {"arvosana": 4, "perustelu": "C"}}}}`,
	"flat": `{"pisteet": {
		"kriteeri_1_analyysi": {"pisteet": 4, "kuvaus": "A"},
		"kriteeri_2_vuorovaikutus": {"taso": 3, "kuvaus": "B"},
		"synteesi": {"arvosana": 4, "perustelu": "C"}}}`,
	"legacy": "```json\n{\"arvio\": {\"pisteytys\": {\n" +
		"\"kriteeri1_analyysi\": {\"arvosana\": 4, \"perustelu\": \"A\"},\n" +
		"\"kriteeri2_reflektio\": {\"arvosana\": 3, \"perustelu\": \"B\"},\n" +
		"\"kriteeri3_synteesi\": {\"arvosana\": 4, \"perustelu\": \"C\"},}}}\n```",
}

func indexes(t *testing.T, s string, parts ...string) []int {
	t.Helper()
	out := make([]int, len(parts))
	for i, p := range parts {
		out[i] = strings.Index(s, p)
		if out[i] < 0 {
			t.Fatalf("report missing %q:\n%s", p, s)
		}
	}
	return out
}

func TestFromResult_SectionOrderIndependentOfSchema(t *testing.T) {
	for name, text := range variants {
		t.Run(name, func(t *testing.T) {
			got, ok := FromResult(text)
			if !ok {
				t.Fatalf("FromResult() failed: %s", got)
			}
			idx := indexes(t, got,
				"=== TIEDOSTO: "+RawFileName,
				HeadingSummary,
				"HITL-VAHVISTUS VAADITAAN",
				HeadingAnalysis,
				"Kriteeri 1: Analyysi ja Prosessin Tehokkuus",
				"Kriteeri 2: Arviointi ja Argumentaatio",
				"Kriteeri 3: Synteesi ja Luovuus",
				HeadingTransparency,
				HeadingDisclaimer,
			)
			for i := 1; i < len(idx); i++ {
				if idx[i] <= idx[i-1] {
					t.Fatalf("section %d out of order:\n%s", i, got)
				}
			}
			for _, want := range []string{"Pistemäärä: 4/4\n\nPerustelu: A", "Pistemäärä: 3/4\n\nPerustelu: B", "Pistemäärä: 4/4\n\nPerustelu: C"} {
				if !strings.Contains(got, want) {
					t.Errorf("report missing %q", want)
				}
			}
		})
	}
}

func TestRender_MissingFieldsUsePlaceholder(t *testing.T) {
	got := Render(verdict.Normalize(map[string]any{"foo": "bar"}))

	if n := strings.Count(got, "Pistemäärä: "+Missing+"/4"); n != 3 {
		t.Errorf("expected 3 missing scores, got %d:\n%s", n, got)
	}
	for _, want := range []string{
		"Ratkaisumalli: " + Missing,
		"- Metodologinen loki: " + Missing,
		"- Ei kriittisiä havaintoja.",
		"[Ei automaattisesti generoituja kysymyksiä]",
		HeadingDisclaimer,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestRender_FlagsAndMastery(t *testing.T) {
	v := verdict.Normalize(map[string]any{
		"tuomio": map[string]any{
			"pisteet": map[string]any{
				"synteesi_ja_luovuus": map[string]any{"arvosana": float64(4), "perustelu": "Tavallinen"},
			},
			"kriittiset_havainnot":          []any{"AITOUS-EPÄILY: liian täydellinen"},
			"masteruus_poikkeama":           true,
			"masteruus_poikkeama_perustelu": "Poikkeuksellinen",
			"eettiset_ja_periaatteelliset_huomiot": map[string]any{
				"kuvaus": "Yksityisyys",
			},
		},
	})
	got := Render(v)
	for _, want := range []string{
		"- KYSELY:",
		"Perustelu (Mestaruus-poikkeama): Poikkeuksellinen",
		"HUOMIO: Yksityisyys",
		"- AITOUS-EPÄILY: liian täydellinen",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
}

func TestFromResult_Failures(t *testing.T) {
	if got, ok := FromResult(""); ok || !strings.HasPrefix(got, "VIRHE") {
		t.Errorf("empty result: %q %v", got, ok)
	}
	got, ok := FromResult("the model refused")
	if ok || !strings.Contains(got, "the model refused") {
		t.Errorf("unparseable result must echo the original: %q %v", got, ok)
	}
}
