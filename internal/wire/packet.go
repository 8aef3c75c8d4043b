package wire

import (
	"strconv"
	"strings"
)

// Packet is a parsed inbound command. Parsing never fails: tokens without
// '=' keep an empty value and lookups of absent keys report false.
type Packet struct {
	text   string
	upper  string
	tokens []token
}

type token struct {
	key   string
	value string
	raw   string
}

// Parse tokenizes text once on the field separator.
func Parse(text string) Packet {
	p := Packet{text: text, upper: strings.ToUpper(text)}
	for _, raw := range strings.Split(text, Separator) {
		if raw == "" {
			continue
		}
		key, value, _ := strings.Cut(raw, "=")
		p.tokens = append(p.tokens, token{key: strings.TrimSpace(key), value: value, raw: raw})
	}
	return p
}

// Text returns the packet as received.
func (p Packet) Text() string { return p.text }

// Get returns the value of the first token whose key matches
// case-insensitively. The value ends at the next separator.
func (p Packet) Get(key string) (string, bool) {
	for _, t := range p.tokens {
		if strings.EqualFold(t.key, key) {
			return t.value, true
		}
	}
	return "", false
}

// Value is Get without the presence flag.
func (p Packet) Value(key string) string {
	v, _ := p.Get(key)
	return v
}

// Raw returns the matching token exactly as received, key included.
func (p Packet) Raw(key string) string {
	for _, t := range p.tokens {
		if strings.EqualFold(t.key, key) {
			return t.raw
		}
	}
	return ""
}

// Int parses the value of key. Missing or malformed values report false.
func (p Packet) Int(key string) (int, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Has reports whether marker occurs anywhere in the packet, ignoring case.
func (p Packet) Has(marker string) bool {
	return strings.Contains(p.upper, strings.ToUpper(marker))
}

// Method returns the myMethod value, or "" for responses that carry none.
func (p Packet) Method() string {
	return p.Value("myMethod")
}

// IsMethod compares the myMethod value case-insensitively.
func (p Packet) IsMethod(name string) bool {
	m, ok := p.Get("myMethod")
	return ok && strings.EqualFold(m, name)
}

// Keys lists the token keys in arrival order.
func (p Packet) Keys() []string {
	keys := make([]string, 0, len(p.tokens))
	for _, t := range p.tokens {
		keys = append(keys, t.key)
	}
	return keys
}
