package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quorum-eval/assessor/internal/extract"
)

// MaxClaims caps how many claims are looked up per run.
const MaxClaims = 3

// Header opens the evidence block appended to the prompt.
const Header = "--- ULKOINEN TODISTUSAINEISTO (FAKTANTARKISTUS) ---"

// Claims returns the claim texts of the hypothesis-stage result, in order,
// at most limit of them (limit <= 0 means no cap). Text that holds no
// structured object yields nil.
func Claims(text string, limit int) []string {
	payload, ok := extract.Extract(text)
	if !ok {
		return nil
	}
	items, _ := payload["hypoteesit"].([]any)

	var out []string
	for _, item := range items {
		var claim string
		switch v := item.(type) {
		case map[string]any:
			for _, k := range []string{"vaite_teksti", "vaite", "hypoteesi"} {
				if s, ok := v[k].(string); ok && strings.TrimSpace(s) != "" {
					claim = s
					break
				}
			}
		case string:
			claim = v
		}
		claim = strings.TrimSpace(claim)
		if claim == "" {
			continue
		}
		out = append(out, claim)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Lookup searches every claim and formats the hits as an evidence block.
// A failed search is reported inline; it never aborts the lookup. An empty
// string means there were no claims.
func Lookup(ctx context.Context, s Searcher, claims []string, perClaim int, logger *slog.Logger) string {
	if s == nil || len(claims) == 0 {
		return ""
	}
	if logger == nil {
		logger = slog.Default()
	}

	var b strings.Builder
	b.WriteString(Header)
	b.WriteByte('\n')
	for _, claim := range claims {
		fmt.Fprintf(&b, "\nVÄITE: %s\n", claim)
		results, err := s.Search(ctx, claim, perClaim)
		if err != nil {
			logger.Warn("evidence lookup failed", slog.String("claim", claim), slog.String("error", err.Error()))
			fmt.Fprintf(&b, "Virhe Google-haussa: %v\n", err)
			continue
		}
		if len(results) == 0 {
			b.WriteString("Ei hakutuloksia.\n")
			continue
		}
		for _, r := range results {
			fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.Link, r.Snippet)
		}
	}
	return b.String()
}
