// Package report renders the final assessment report from the scoring
// stage's verdict. The section order is fixed and every absent field is
// shown as Missing.
package report

import (
	"fmt"
	"strings"

	"github.com/quorum-eval/assessor/internal/extract"
	"github.com/quorum-eval/assessor/internal/verdict"
)

// Missing marks a field the verdict did not carry.
const Missing = "[puuttuu]"

// Section headings in render order.
const (
	HeadingSummary      = "OSA 1: YHTEENVETO JA KRIITTISET HAVAINNOT"
	HeadingAnalysis     = "OSA 2: ANALYYTTINEN ARVIOINTI"
	HeadingTransparency = "OSA 3: XAI-RAPORTTI (LÄPINÄKYVYYS JA EPÄVARMUUS)"
	HeadingDisclaimer   = "OSA 4: VASTUUVAPAUSLAUSEKE JA KÄYTTÖRAJOITUKSET"
)

// RawFileName labels the raw payload dump.
const RawFileName = "8_tuomio_ja_pisteet.json"

const hitlConfirmation = "”Järjestelmä ei voinut varmentaa heterogeenista ajoa (eri perusmallit eri agenteille). " +
	"VAROITUS: Jos ajo on suoritettu homogeenisesti, Kriitikkoryhmän ristiinvalidoinnin hyöty on mitätöity " +
	"ja systeemisen hallusinaation riski on KORKEA (Ye ym. 2025). Arvioinnin luotettavuusaste (Reliability Score) " +
	"laskee automaattisesti tasolle EHDOLLINEN. Vahvistatko manuaalisesti, että ajo oli heterogeeninen ja " +
	"agenttien eristys on toiminut?”"

const firewallNote = "Kognitiivisen Palomuurin Hauraus (SÄÄNTÖ 1): \"KORKEA EPÄVARMUUS: Järjestelmän hallinta " +
	"perustuu kehotepohjaiseen (behavioraaliseen) kontrolliin. Tämä menetelmä on luontaisesti hauras ja altis " +
	"manipuloinnille (Liu, Y. ym. 2023).\""

const disclaimer = "”Tämä raportti on tuotettu automatisoidun moniagenttijärjestelmän (\"Kognitiivinen Kvoorum\") " +
	"toimesta. Se on tarkoitettu päätöksenteon tueksi, ei sen korvaajaksi. EU:n tekoälyasetuksen ja eettisten " +
	"ohjeistusten (Euroopan komission korkean tason asiantuntijaryhmä 2019) mukaisesti tätä arviota ei tule " +
	"käyttää ainoana perusteena korkean panoksen (high-stakes) päätöksille ilman pätevän ihmisasiantuntijan " +
	"suorittamaa varmistusta (Human-in-the-Loop).”"

// FromResult renders the report from the stored scoring-stage text. The
// boolean is false when the text is empty or holds no structured object;
// the returned text then explains the failure.
func FromResult(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "VIRHE: Vaiheen 8 tuloksia ei löytynyt. Raporttia ei voida luoda.", false
	}
	payload, ok := extract.Extract(text)
	if !ok {
		return "VIRHE: Vaiheen 8 tulos ei ollut validia JSON-muotoa.\n\nAlkuperäinen tulos:\n" + text, false
	}
	return Render(verdict.Normalize(payload)), true
}

// Render renders v. Sections always appear in the same order.
func Render(v *verdict.Verdict) string {
	var b strings.Builder
	writeRaw(&b, v.Raw)
	writeSummary(&b, v)
	writeAnalysis(&b, v)
	writeTransparency(&b, v)
	writeDisclaimer(&b)
	return strings.TrimRight(b.String(), "\n")
}

func or(s string) string {
	if strings.TrimSpace(s) == "" {
		return Missing
	}
	return s
}

func line(b *strings.Builder, format string, args ...any) {
	fmt.Fprintf(b, format, args...)
	b.WriteByte('\n')
}

func writeRaw(b *strings.Builder, raw map[string]any) {
	line(b, "=== TIEDOSTO: %s ===", RawFileName)
	line(b, "```json")
	dump, err := extract.Marshal(raw)
	if err != nil || raw == nil {
		dump = "{}"
	}
	line(b, "%s", dump)
	line(b, "```")
	line(b, "\n%s\n", strings.Repeat("=", 50))
}

func writeSummary(b *strings.Builder, v *verdict.Verdict) {
	line(b, HeadingSummary)
	line(b, "\nPäätelmät:\n%s\nRatkaisumalli: %s", or(v.Summary), or(v.Resolution))

	line(b, "\nKriittiset Havainnot:")
	if len(v.Findings) == 0 {
		line(b, "- Ei kriittisiä havaintoja.")
	}
	for _, f := range v.Findings {
		line(b, "- %s", f)
	}

	line(b, "\nHITL-VAHVISTUS VAADITAAN:")
	line(b, "%s", hitlConfirmation)

	line(b, "\nEettiset ja Periaatteelliset Huomiot (SÄÄNTÖ 9):")
	if len(v.Ethics) == 0 {
		line(b, "Ei merkittäviä eettisiä tai periaatteellisia huomioita.")
	}
	for _, e := range v.Ethics {
		line(b, "HUOMIO: %s", e)
	}
}

func writeAnalysis(b *strings.Builder, v *verdict.Verdict) {
	line(b, "\n%s\n", HeadingAnalysis)
	for i, c := range verdict.Criteria {
		s := v.Scores[i]
		if i > 0 {
			line(b, "\n")
		}
		line(b, "Kriteeri %d: %s", i+1, c.Title())
		line(b, "\nPistemäärä: %s/4", or(verdict.Text(s.Raw)))

		rationale := or(s.Rationale)
		if c == verdict.CriterionSynthesis && v.MasteryDeviation &&
			v.MasteryRationale != "" && v.MasteryRationale != s.Rationale {
			line(b, "\nPerustelu (Mestaruus-poikkeama): %s", v.MasteryRationale)
			continue
		}
		line(b, "\nPerustelu: %s", rationale)
	}
}

func writeTransparency(b *strings.Builder, v *verdict.Verdict) {
	line(b, "\n%s", HeadingTransparency)

	line(b, "\n3.1. KRIITTISET AUDITOINTIKYSYMYKSET (HITL-VASTAUS VAADITAAN)")
	if v.AuthenticitySuspected {
		line(b, "- KYSELY: Järjestelmä liputti suorituksen 'Epäilyttävän Täydelliseksi'. Vahvistatko " +
			"ihmisvarmistajana, että prosessi vaikuttaa orgaaniselta eikä performatiiviselta?")
	} else {
		line(b, "[Ei automaattisesti generoituja kysymyksiä]")
	}

	line(b, "\n3.2. EPÄVARMUUDEN KARTOITUS")
	line(b, "Aleatorinen Epävarmuus (Datan Luonne):")
	line(b, "- Datan epätäydellisyys tai ristiriitaisuus (analysoidaan syötedatasta).")

	line(b, "\nSysteeminen Epävarmuus (Arkkitehtuurin ja Prosessin Rajoitteet):")
	line(b, "- Metodologinen loki: %s", or(v.MethodLog))

	line(b, "\nProsessirajoitteet ja Turvallisuus:")
	line(b, "%s", firewallNote)

	line(b, "\nEpisteeminen Epävarmuus (Päättelyn Rajallisuus):")
	if len(v.Epistemic) == 0 {
		line(b, "- Ei tunnistettuja episteemisiä rajoitteita.")
	}
	for _, e := range v.Epistemic {
		line(b, "- %s", e)
	}
}

func writeDisclaimer(b *strings.Builder) {
	line(b, "\n%s", HeadingDisclaimer)
	line(b, "%s", disclaimer)
}
