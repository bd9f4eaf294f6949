package ldaptest

import (
	"encoding/hex"
	"fmt"
	"strings"
)

type filter interface{ match(e *entry) bool }

type filterPresent struct{ attr string }

func (f filterPresent) match(e *entry) bool {
	_, ok := e.attrs[strings.ToLower(f.attr)]
	return ok
}

type filterEq struct{ attr, value string }

func (f filterEq) match(e *entry) bool {
	for _, v := range e.values(f.attr) {
		if strings.EqualFold(v, f.value) {
			return true
		}
	}
	return false
}

// filterSubstr matches values against parts separated by '*'.
type filterSubstr struct {
	attr  string
	parts []string
}

func (f filterSubstr) match(e *entry) bool {
	for _, v := range e.values(f.attr) {
		if globMatch(strings.ToLower(v), f.parts) {
			return true
		}
	}
	return false
}

func globMatch(v string, parts []string) bool {
	if !strings.HasPrefix(v, parts[0]) {
		return false
	}
	v = v[len(parts[0]):]
	last := len(parts) - 1
	for _, p := range parts[1:last] {
		idx := strings.Index(v, p)
		if idx < 0 {
			return false
		}
		v = v[idx+len(p):]
	}
	return strings.HasSuffix(v, parts[last])
}

type filterAnd struct{ subs []filter }

func (f filterAnd) match(e *entry) bool {
	for _, s := range f.subs {
		if !s.match(e) {
			return false
		}
	}
	return true
}

type filterOr struct{ subs []filter }

func (f filterOr) match(e *entry) bool {
	for _, s := range f.subs {
		if s.match(e) {
			return true
		}
	}
	return false
}

type filterNot struct{ sub filter }

func (f filterNot) match(e *entry) bool { return !f.sub.match(e) }

// parseFilter reads the RFC 4515 string form: and, or, not, equality,
// presence and substring items.
func parseFilter(s string) (filter, error) {
	f, rest, err := parseOne(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rest) != "" {
		return nil, fmt.Errorf("trailing data in filter: %q", rest)
	}
	return f, nil
}

func parseOne(s string) (filter, string, error) {
	if !strings.HasPrefix(s, "(") {
		return nil, "", fmt.Errorf("filter must start with '(': %q", s)
	}
	s = s[1:]
	if s == "" {
		return nil, "", fmt.Errorf("unterminated filter")
	}
	switch s[0] {
	case '&', '|':
		op := s[0]
		s = s[1:]
		var subs []filter
		for strings.HasPrefix(s, "(") {
			sub, rest, err := parseOne(s)
			if err != nil {
				return nil, "", err
			}
			subs = append(subs, sub)
			s = rest
		}
		if !strings.HasPrefix(s, ")") {
			return nil, "", fmt.Errorf("unterminated filter list")
		}
		if op == '&' {
			return filterAnd{subs: subs}, s[1:], nil
		}
		return filterOr{subs: subs}, s[1:], nil
	case '!':
		sub, rest, err := parseOne(s[1:])
		if err != nil {
			return nil, "", err
		}
		if !strings.HasPrefix(rest, ")") {
			return nil, "", fmt.Errorf("unterminated not filter")
		}
		return filterNot{sub: sub}, rest[1:], nil
	}

	end := strings.IndexByte(s, ')')
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated item")
	}
	item, rest := s[:end], s[end+1:]
	eq := strings.IndexByte(item, '=')
	if eq <= 0 {
		return nil, "", fmt.Errorf("invalid item %q", item)
	}
	attr, raw := item[:eq], item[eq+1:]
	if strings.ContainsAny(attr, "<>~:") {
		return nil, "", fmt.Errorf("unsupported match in %q", item)
	}
	if raw == "*" {
		return filterPresent{attr: attr}, rest, nil
	}
	if strings.Contains(raw, "*") {
		rawParts := strings.Split(raw, "*")
		parts := make([]string, len(rawParts))
		for i, p := range rawParts {
			v, err := unescapeValue(p)
			if err != nil {
				return nil, "", err
			}
			parts[i] = strings.ToLower(v)
		}
		return filterSubstr{attr: attr, parts: parts}, rest, nil
	}
	v, err := unescapeValue(raw)
	if err != nil {
		return nil, "", err
	}
	return filterEq{attr: attr, value: v}, rest, nil
}

// unescapeValue decodes the \XX escapes produced by ldap.EscapeFilter.
func unescapeValue(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		dec, err := hex.DecodeString(s[i+1 : i+3])
		if err != nil {
			return "", fmt.Errorf("bad escape in %q: %w", s, err)
		}
		b.Write(dec)
		i += 2
	}
	return b.String(), nil
}
