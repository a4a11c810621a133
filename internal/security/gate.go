package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/quorum-eval/assessor/internal/assessment"
)

// Risk levels of the stage-1 security check.
const (
	RiskLow    = "MATALA"
	RiskMedium = "KESKITASO"
	RiskHigh   = "KORKEA"
)

// MinArtifactChars is the length below which an artifact is reported as
// suspiciously short.
const MinArtifactChars = 50

// Advisory is appended to the stage-1 prompt after redaction.
const Advisory = "HUOM: Syötetiedostot on normalisoitu ja niistä on poistettu henkilötiedot " +
	"([PII_REDACTED_<TYYPPI>]-merkinnät) ennen analyysia. Älä yritä päätellä poistettuja tietoja."

// Finding is one match in one artifact.
type Finding struct {
	Artifact string `json:"artifact"`
	Category string `json:"category"`
	Match    string `json:"match,omitempty"`
}

// Report is the outcome of scanning the artifact set.
type Report struct {
	PII     []Finding `json:"pii"`
	Threats []Finding `json:"threats"`
	Issues  []string  `json:"issues"`
}

// Clean reports whether neither PII nor threats were found.
func (r Report) Clean() bool {
	return len(r.PII) == 0 && len(r.Threats) == 0
}

// Decision tells the orchestrator how to proceed with stage 1.
type Decision struct {
	// Halt is set when an injection was found. Payload then replaces the
	// stage-1 model result and the rest of the batch must not run.
	Halt    bool
	Payload map[string]any
	// Advisory, when set, is appended to the stage-1 prompt.
	Advisory string
	Report   Report
}

// Gate applies a catalog to artifacts. The catalog can be swapped at any
// time; a scan always sees one consistent catalog.
type Gate struct {
	catalog atomic.Pointer[Catalog]
	logger  *slog.Logger
	watched *file.File
}

// NewGate creates a gate. A nil catalog selects DefaultCatalog.
func NewGate(c *Catalog, logger *slog.Logger) *Gate {
	if c == nil {
		c = DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{logger: logger}
	g.catalog.Store(c)
	return g
}

// Catalog returns the active catalog.
func (g *Gate) Catalog() *Catalog {
	return g.catalog.Load()
}

// SetCatalog replaces the active catalog.
func (g *Gate) SetCatalog(c *Catalog) {
	g.catalog.Store(c)
}

// Watch loads the catalog at path and reloads it whenever the file changes.
// A reload that fails to parse keeps the previous catalog.
func (g *Gate) Watch(path string) error {
	c, err := LoadCatalog(path)
	if err != nil {
		return err
	}
	g.SetCatalog(c)

	f := file.Provider(path)
	err = f.Watch(func(_ interface{}, err error) {
		if err != nil {
			g.logger.Error("security catalog watch failed", slog.String("error", err.Error()))
			return
		}
		k := koanf.New(".")
		if err := k.Load(f, yaml.Parser()); err != nil {
			g.logger.Error("security catalog reload failed", slog.String("error", err.Error()))
			return
		}
		next, err := catalogFrom(k)
		if err != nil {
			g.logger.Error("security catalog reload failed", slog.String("error", err.Error()))
			return
		}
		g.SetCatalog(next)
		g.logger.Info("security catalog reloaded",
			slog.String("path", path),
			slog.Int("pii_patterns", len(next.PII)),
			slog.Int("injection_patterns", len(next.Injection)),
		)
	})
	if err != nil {
		return fmt.Errorf("watch security catalog: %w", err)
	}
	g.watched = f
	return nil
}

// Close stops watching the catalog file.
func (g *Gate) Close() error {
	if g.watched == nil {
		return nil
	}
	return g.watched.Unwatch()
}

// Scan inspects every artifact for PII, injection phrases and basic
// validity problems.
func (g *Gate) Scan(artifacts []assessment.Artifact) Report {
	c := g.Catalog()
	var r Report
	for _, a := range artifacts {
		r.Issues = append(r.Issues, validate(a)...)
		for _, p := range c.PII {
			for _, m := range p.re.FindAllString(a.Text, -1) {
				r.PII = append(r.PII, Finding{Artifact: a.Name, Category: p.Category, Match: m})
			}
		}
		for _, p := range c.Injection {
			if m := p.re.FindString(a.Text); m != "" {
				r.Threats = append(r.Threats, Finding{Artifact: a.Name, Category: p.Category, Match: m})
			}
		}
	}
	return r
}

func validate(a assessment.Artifact) []string {
	if strings.TrimSpace(a.Text) == "" {
		return []string{fmt.Sprintf("%s: tiedosto on tyhjä", a.Name)}
	}
	if n := len([]rune(a.Text)); n < MinArtifactChars {
		return []string{fmt.Sprintf("%s: tiedosto on epäilyttävän lyhyt (%d merkkiä)", a.Name, n)}
	}
	return nil
}

// Apply screens the artifacts of actx. An injection halts with a synthesized
// stage-1 payload. PII alone normalizes and redacts the artifacts in place
// and returns an advisory. A clean set returns a zero Decision apart from
// the report.
func (g *Gate) Apply(ctx context.Context, actx *assessment.Context) Decision {
	artifacts := actx.Artifacts()
	report := g.Scan(artifacts)
	for _, issue := range report.Issues {
		g.logger.WarnContext(ctx, "artifact validation issue", slog.String("issue", issue))
	}

	if len(report.Threats) > 0 {
		g.logger.WarnContext(ctx, "prompt injection detected, halting",
			slog.Int("threats", len(report.Threats)),
			slog.String("artifact", report.Threats[0].Artifact),
		)
		return Decision{Halt: true, Payload: threatPayload(artifacts, report), Report: report}
	}

	if report.Clean() {
		return Decision{Report: report}
	}

	sanitized := make([]assessment.Artifact, len(artifacts))
	for i, a := range artifacts {
		sanitized[i] = assessment.Artifact{Name: a.Name, Text: g.Redact(Normalize(a.Text))}
	}
	actx.ReplaceArtifacts(sanitized)
	g.logger.InfoContext(ctx, "artifacts sanitized", slog.Int("pii_findings", len(report.PII)))
	return Decision{Advisory: Advisory, Report: report}
}

// Redact replaces every PII match with [PII_REDACTED_<CATEGORY>].
func (g *Gate) Redact(text string) string {
	for _, p := range g.Catalog().PII {
		text = p.re.ReplaceAllLiteralString(text, "[PII_REDACTED_"+p.Category+"]")
	}
	return text
}

var quoteReplacer = strings.NewReplacer("”", `"`, "“", `"`, "’", "'", "‘", "'")

// Normalize straightens typographic quotes and drops non-printable runes,
// keeping newlines, carriage returns and tabs.
func Normalize(text string) string {
	text = quoteReplacer.Replace(text)
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		return -1
	}, text)
}

func threatPayload(artifacts []assessment.Artifact, r Report) map[string]any {
	names := make([]any, 0, len(artifacts))
	for _, a := range artifacts {
		names = append(names, a.Name)
	}
	threats := make([]any, 0, len(r.Threats))
	var b strings.Builder
	for i, t := range r.Threats {
		threats = append(threats, fmt.Sprintf("%s: MAHDOLLINEN HYÖKKÄYS (%s)", t.Artifact, t.Match))
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %q", t.Artifact, t.Match)
	}
	return map[string]any{
		"data": map[string]any{
			"tiedostot": names,
			"tila":      "ESTETTY",
		},
		"security_check": map[string]any{
			"uhka_havaittu":                     true,
			"adversariaalinen_simulaatio_tulos": "Havaittu kehoteinjektio: " + b.String(),
			"riski_taso":                        RiskHigh,
			"havainnot":                         threats,
		},
	}
}
