package extract

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// parseLenient parses an object literal that may use single-quoted strings
// and the Python literals True, False and None next to their JSON spellings.
// Trailing commas are tolerated. Numbers decode to float64 like
// encoding/json does.
func parseLenient(s string) (map[string]any, error) {
	p := &lenientParser{src: s}
	p.skipSpace()
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing data")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, p.errorf("top level is not an object")
	}
	return obj, nil
}

type lenientParser struct {
	src string
	pos int
}

func (p *lenientParser) errorf(format string, args ...any) error {
	return fmt.Errorf("offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *lenientParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *lenientParser) value() (any, error) {
	if p.pos >= len(p.src) {
		return nil, p.errorf("unexpected end of input")
	}
	switch ch := p.src[p.pos]; {
	case ch == '{':
		return p.object()
	case ch == '[':
		return p.array()
	case ch == '"' || ch == '\'':
		return p.str()
	case ch == '-' || (ch >= '0' && ch <= '9'):
		return p.number()
	default:
		return p.literal()
	}
}

func (p *lenientParser) object() (any, error) {
	p.pos++ // {
	obj := make(map[string]any)
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated object")
		}
		if p.src[p.pos] == '}' {
			p.pos++
			return obj, nil
		}
		if c := p.src[p.pos]; c != '"' && c != '\'' {
			return nil, p.errorf("expected key")
		}
		key, err := p.str()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ':' {
			return nil, p.errorf("expected ':'")
		}
		p.pos++
		p.skipSpace()
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		obj[key] = v
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == ',' {
			p.pos++
			continue
		}
		if p.pos < len(p.src) && p.src[p.pos] == '}' {
			p.pos++
			return obj, nil
		}
		return nil, p.errorf("expected ',' or '}'")
	}
}

func (p *lenientParser) array() (any, error) {
	p.pos++ // [
	arr := []any{}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated array")
		}
		if p.src[p.pos] == ']' {
			p.pos++
			return arr, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == ',' {
			p.pos++
			continue
		}
		if p.pos < len(p.src) && p.src[p.pos] == ']' {
			p.pos++
			return arr, nil
		}
		return nil, p.errorf("expected ',' or ']'")
	}
}

func (p *lenientParser) str() (string, error) {
	quote := p.src[p.pos]
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		switch {
		case ch == quote:
			p.pos++
			return b.String(), nil
		case ch == '\\':
			if p.pos+1 >= len(p.src) {
				return "", p.errorf("unterminated escape")
			}
			if err := p.escape(&b); err != nil {
				return "", err
			}
		default:
			r, size := utf8.DecodeRuneInString(p.src[p.pos:])
			b.WriteRune(r)
			p.pos += size
		}
	}
	return "", p.errorf("unterminated string")
}

func (p *lenientParser) escape(b *strings.Builder) error {
	esc := p.src[p.pos+1]
	p.pos += 2
	switch esc {
	case 'n':
		b.WriteByte('\n')
	case 't':
		b.WriteByte('\t')
	case 'r':
		b.WriteByte('\r')
	case 'b':
		b.WriteByte('\b')
	case 'f':
		b.WriteByte('\f')
	case 'u':
		if p.pos+4 > len(p.src) {
			return p.errorf("short unicode escape")
		}
		n, err := strconv.ParseUint(p.src[p.pos:p.pos+4], 16, 32)
		if err != nil {
			return p.errorf("bad unicode escape")
		}
		b.WriteRune(rune(n))
		p.pos += 4
	default:
		// \" \' \\ \/ and anything else map to the escaped byte.
		b.WriteByte(esc)
	}
	return nil
}

func (p *lenientParser) number() (any, error) {
	start := p.pos
	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		if (ch >= '0' && ch <= '9') || ch == '-' || ch == '+' || ch == '.' || ch == 'e' || ch == 'E' {
			p.pos++
			continue
		}
		break
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, p.errorf("bad number %q", p.src[start:p.pos])
	}
	return f, nil
}

var literals = []struct {
	word  string
	value any
}{
	{"true", true}, {"True", true},
	{"false", false}, {"False", false},
	{"null", nil}, {"None", nil},
}

func (p *lenientParser) literal() (any, error) {
	rest := p.src[p.pos:]
	for _, l := range literals {
		if strings.HasPrefix(rest, l.word) {
			p.pos += len(l.word)
			return l.value, nil
		}
	}
	return nil, p.errorf("unexpected character %q", p.src[p.pos])
}
