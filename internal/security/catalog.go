// Package security screens artifacts before the first stage sees them:
// prompt-injection phrases halt the run, personal data is redacted.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// PII categories of the built-in catalog.
const (
	CategoryEmail = "EMAIL"
	CategoryHETU  = "HETU"
	CategoryPhone = "PHONE"
)

// Pattern is one catalog entry.
type Pattern struct {
	Category string `koanf:"category"`
	Expr     string `koanf:"pattern"`

	re *regexp.Regexp
}

// Catalog holds the PII and injection patterns. PII patterns are applied in
// order, so a narrower category must precede a broader one that could
// swallow it.
type Catalog struct {
	PII       []Pattern `koanf:"pii"`
	Injection []Pattern `koanf:"injection"`
}

// DefaultCatalog returns the built-in Finnish/English catalog. HETU runs
// before PHONE because a national identity number also matches the phone
// expression.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		PII: []Pattern{
			{Category: CategoryEmail, Expr: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`},
			{Category: CategoryHETU, Expr: `\b\d{6}[-+A]\d{3}[0-9A-FHJ-NPR-Y]\b`},
			{Category: CategoryPhone, Expr: `\b(?:(?:\+|00)358|0)\s*(?:\d\s*){4,12}\b`},
		},
		Injection: []Pattern{
			{Expr: `ignore previous instructions`},
			{Expr: `ohita aiemmat ohjeet`},
			{Expr: `system override`},
			{Expr: `järjestelmän ohitus`},
			{Expr: `you are now`},
			{Expr: `olet nyt`},
			{Expr: `delete all files`},
			{Expr: `poista kaikki tiedostot`},
		},
	}
	if err := c.Compile(); err != nil {
		panic(err)
	}
	return c
}

// Compile compiles every pattern. Injection patterns match case-insensitively.
func (c *Catalog) Compile() error {
	for i := range c.PII {
		p := &c.PII[i]
		if p.Category == "" {
			return fmt.Errorf("pii pattern %d: category is required", i)
		}
		p.Category = strings.ToUpper(p.Category)
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return fmt.Errorf("pii pattern %s: %w", p.Category, err)
		}
		p.re = re
	}
	for i := range c.Injection {
		p := &c.Injection[i]
		if p.Category == "" {
			p.Category = "PROMPT_INJECTION"
		}
		re, err := regexp.Compile("(?i)" + p.Expr)
		if err != nil {
			return fmt.Errorf("injection pattern %q: %w", p.Expr, err)
		}
		p.re = re
	}
	return nil
}

// LoadCatalog reads a YAML catalog:
//
//	pii:
//	  - category: EMAIL
//	    pattern: '...'
//	injection:
//	  - pattern: 'ignore previous instructions'
func LoadCatalog(path string) (*Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load security catalog: %w", err)
	}
	return catalogFrom(k)
}

func catalogFrom(k *koanf.Koanf) (*Catalog, error) {
	var c Catalog
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("decode security catalog: %w", err)
	}
	if len(c.PII) == 0 && len(c.Injection) == 0 {
		return nil, fmt.Errorf("security catalog is empty")
	}
	if err := c.Compile(); err != nil {
		return nil, err
	}
	return &c, nil
}
