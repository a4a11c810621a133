// Package verdict normalizes the scoring stage's payload. Field names of
// that payload drifted across prompt versions; Normalize recognizes every
// known variant once, at ingestion, so consumers read one typed value.
package verdict

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// SchemaVersion identifies the payload layout.
type SchemaVersion int

const (
	SchemaUnknown SchemaVersion = iota
	// SchemaWrapped nests the verdict under "tuomio".
	SchemaWrapped
	// SchemaFlat carries "pisteet" at the top level.
	SchemaFlat
	// SchemaLegacy uses "pisteytys" or kriteeri_n keys.
	SchemaLegacy
)

func (v SchemaVersion) String() string {
	switch v {
	case SchemaWrapped:
		return "wrapped"
	case SchemaFlat:
		return "flat"
	case SchemaLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Criterion identifies one of the three assessed criteria.
type Criterion int

const (
	CriterionAnalysis Criterion = iota
	CriterionArgumentation
	CriterionSynthesis
)

// Criteria lists the criteria in report order.
var Criteria = [3]Criterion{CriterionAnalysis, CriterionArgumentation, CriterionSynthesis}

// Key is the canonical field name of the criterion.
func (c Criterion) Key() string {
	return criterionAliases[c][0]
}

// Title is the display name of the criterion.
func (c Criterion) Title() string {
	switch c {
	case CriterionAnalysis:
		return "Analyysi ja Prosessin Tehokkuus"
	case CriterionArgumentation:
		return "Arviointi ja Argumentaatio"
	default:
		return "Synteesi ja Luovuus"
	}
}

// Historical names of each criterion, canonical name first.
var criterionAliases = [3][]string{
	{"analyysi_ja_prosessi", "kriteeri1_analyysi", "kriteeri_1_analyysi", "analyysi"},
	{"arviointi_ja_argumentaatio", "kriteeri2_reflektio", "kriteeri_2_reflektio", "kriteeri_2_prosessi_ohjaus", "kriteeri_2_vuorovaikutus", "vuorovaikutus"},
	{"synteesi_ja_luovuus", "kriteeri3_synteesi", "kriteeri_3_synteesi", "synteesi"},
}

var (
	scoreBlockAliases  = []string{"pisteet", "pisteytys", "arviointi"}
	scoreAliases       = []string{"arvosana", "pisteet", "taso"}
	rationaleAliases   = []string{"perustelu", "kuvaus"}
	resolutionAliases  = []string{"ratkaisun_peruste", "konfliktinratkaisu"}
	findingAliases     = []string{"kriittiset_havainnot", "critical_findings", "kriittiset_havainnot_yhteenveto"}
	ethicsAliases      = []string{"eettiset_ja_periaatteelliset_huomiot", "eettiset_huomiot"}
	masteryAliases     = []string{"masteruus_poikkeama", "mestaruus_poikkeama"}
	masteryWhyAliases  = []string{"masteruus_poikkeama_perustelu", "mestaruus_poikkeama_perustelu"}
	epistemicAliases   = []string{"episteeminen_epavarmuus"}
	authenticityMarker = []string{"AITOUS-EPÄILY", "Epäilyttävän Täydellinen"}
)

// Score is the normalized value of one criterion.
type Score struct {
	// Raw is the model-authored score, nil when absent.
	Raw       any
	Rationale string
	// Found is set when the criterion block was located at all.
	Found bool
}

// Int coerces Raw to an integer: numbers are truncated, numeric strings are
// parsed, anything else is 0.
func (s Score) Int() int {
	return Coerce(s.Raw)
}

// Verdict is the normalized scoring payload.
type Verdict struct {
	Version SchemaVersion
	Scores  [3]Score

	Summary    string
	Resolution string
	Findings   []string
	Ethics     []string

	MasteryDeviation bool
	MasteryRationale string

	MethodLog string
	Epistemic []string

	// AuthenticitySuspected is set when the findings flag the work as
	// suspiciously perfect.
	AuthenticitySuspected bool

	Raw map[string]any
}

// Detect returns the schema version of payload.
func Detect(payload map[string]any) SchemaVersion {
	if m, ok := lookup(payload, "tuomio").(map[string]any); ok && len(m) > 0 {
		return SchemaWrapped
	}
	if _, ok := lookupOK(payload, "pisteet"); ok {
		return SchemaFlat
	}
	if _, ok := find(payload, []string{"pisteytys"}); ok {
		return SchemaLegacy
	}
	for _, aliases := range criterionAliases {
		if _, ok := find(payload, aliases[1:]); ok {
			return SchemaLegacy
		}
	}
	return SchemaUnknown
}

// Normalize reads every semantic field of payload. Fields that cannot be
// found stay at their zero value; Normalize never fails.
func Normalize(payload map[string]any) *Verdict {
	v := &Verdict{Version: Detect(payload), Raw: payload}
	if payload == nil {
		return v
	}

	body := payload
	if v.Version == SchemaWrapped {
		body = lookup(payload, "tuomio").(map[string]any)
	}

	// Wrapped payloads keep the score block under tuomio; fall back to a
	// search of the whole payload.
	var scores map[string]any
	for _, key := range []string{"pisteet", "pisteytys"} {
		if m, ok := lookup(body, key).(map[string]any); ok && len(m) > 0 {
			scores = m
			break
		}
	}
	if scores == nil {
		if m, ok := findValue(payload, scoreBlockAliases).(map[string]any); ok {
			scores = m
		}
	}
	for i, c := range Criteria {
		v.Scores[i] = readScore(scores, criterionAliases[c])
	}

	v.Summary = Text(findValue(payload, []string{"semanttinen_tarkistussumma"}))
	v.Resolution = Text(firstNonEmpty(lookup(body, "konfliktinratkaisu"), findValue(payload, resolutionAliases)))
	v.Findings = findingLines(firstNonEmpty(lookup(body, "kriittiset_havainnot"), findValue(payload, findingAliases)))
	v.Ethics = ethicsLines(firstNonEmpty(lookup(body, "eettiset_ja_periaatteelliset_huomiot"), findValue(payload, ethicsAliases)))
	v.Epistemic = List(firstNonEmpty(lookup(body, "episteeminen_epavarmuus"), findValue(payload, epistemicAliases)))
	v.MethodLog = Text(lookup(payload, "metodologinen_loki"))

	mastery := firstNonEmpty(lookup(body, "masteruus_poikkeama"), findValue(payload, masteryAliases))
	v.MasteryDeviation, v.MasteryRationale = readMastery(mastery, body, payload)

	for _, f := range v.Findings {
		for _, marker := range authenticityMarker {
			if strings.Contains(f, marker) {
				v.AuthenticitySuspected = true
			}
		}
	}
	if b, ok := findValue(payload, []string{"aitous_epaily"}).(bool); ok && b {
		v.AuthenticitySuspected = true
	}
	return v
}

func readScore(scores map[string]any, aliases []string) Score {
	val, ok := find(scores, aliases)
	if !ok {
		return Score{}
	}
	block, isMap := val.(map[string]any)
	if !isMap {
		return Score{Raw: val, Found: true}
	}
	s := Score{Found: true}
	for _, a := range scoreAliases {
		if raw, ok := lookupOK(block, a); ok && raw != nil {
			s.Raw = raw
			break
		}
	}
	for _, a := range rationaleAliases {
		if r := Text(lookup(block, a)); r != "" {
			s.Rationale = r
			break
		}
	}
	return s
}

func readMastery(mastery any, body, payload map[string]any) (bool, string) {
	switch m := mastery.(type) {
	case map[string]any:
		flag := true
		for _, key := range []string{"havaittu", "poikkeama", "aktivoitu"} {
			if b, ok := lookup(m, key).(bool); ok {
				flag = b
				break
			}
		}
		why := Text(findValue(m, rationaleAliases))
		if why == "" {
			why = Text(findValue(payload, masteryWhyAliases))
		}
		return flag, why
	default:
		if !truthy(mastery) {
			return false, ""
		}
		why := Text(firstNonEmpty(lookup(body, "masteruus_poikkeama_perustelu"), findValue(payload, masteryWhyAliases)))
		return true, why
	}
}

func findingLines(v any) []string {
	switch items := v.(type) {
	case nil:
		return nil
	case []any:
		var out []string
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				kind := Text(lookup(m, "tyyppi"))
				if kind == "" {
					kind = "Havainto"
				}
				out = append(out, kind+": "+Text(lookup(m, "kuvaus")))
				continue
			}
			out = append(out, Text(item))
		}
		return out
	default:
		if s := Text(v); s != "" {
			return []string{s}
		}
		return nil
	}
}

func ethicsLines(v any) []string {
	if m, ok := v.(map[string]any); ok {
		if desc := Text(lookup(m, "kuvaus")); desc != "" {
			return []string{desc}
		}
		return []string{Text(m)}
	}
	return List(v)
}

// List renders a scalar or list value as lines.
func List(v any) []string {
	switch items := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, Text(item))
		}
		return out
	default:
		if s := Text(v); s != "" {
			return []string{s}
		}
		return nil
	}
}

// Text renders a payload value as display text.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// MaxScore bounds the magnitude of a coerced score.
const MaxScore = 1_000_000

// Coerce converts a score value to an integer: numbers are truncated,
// numeric strings are parsed, anything else is 0. NaN and infinities are 0;
// finite values are clamped to [-MaxScore, MaxScore].
func Coerce(v any) int {
	switch t := v.(type) {
	case float64:
		return clampScore(t)
	case int:
		return clampScore(float64(t))
	case int64:
		return clampScore(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return clampScore(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return clampScore(f)
	default:
		return 0
	}
}

func clampScore(f float64) int {
	switch {
	case math.IsNaN(f), math.IsInf(f, 0):
		return 0
	case f > MaxScore:
		return MaxScore
	case f < -MaxScore:
		return -MaxScore
	default:
		return int(f)
	}
}

// lookup returns m[key] matched case-insensitively, exact match first.
func lookup(m map[string]any, key string) any {
	v, _ := lookupOK(m, key)
	return v
}

func lookupOK(m map[string]any, key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	for _, k := range sortedKeys(m) {
		if strings.EqualFold(k, key) {
			return m[k], true
		}
	}
	return nil, false
}

// find searches m, then its nested objects in key order, for the first
// alias present. Aliases are tried in priority order at each level. A
// nested match only counts when it is non-empty.
func find(m map[string]any, aliases []string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, a := range aliases {
		if v, ok := lookupOK(m, a); ok {
			return v, true
		}
	}
	for _, k := range sortedKeys(m) {
		nested, ok := m[k].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := find(nested, aliases); ok && truthy(v) {
			return v, true
		}
	}
	return nil, false
}

func findValue(m map[string]any, aliases []string) any {
	v, _ := find(m, aliases)
	return v
}

func firstNonEmpty(vals ...any) any {
	for _, v := range vals {
		if truthy(v) {
			return v
		}
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
