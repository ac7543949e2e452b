// Package router maps the first line of a request onto a route.
//
// Only the request line is significant. Headers and bodies are never parsed.
package router

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Kind identifies the handler a request is dispatched to.
type Kind int

const (
	// Unmatched means no route accepted the request.
	Unmatched Kind = iota
	// Preflight answers CORS OPTIONS probes.
	Preflight
	// Health answers liveness probes.
	Health
	// ByCPF looks a person up by identifier in the cpf store.
	ByCPF
	// ByExactName looks a person up by exact name in the cpf store.
	ByExactName
	// ByName looks people up by name substring in the cpf store.
	ByName
	// PartnersByNameCPFRadical joins partner rows with their establishments.
	PartnersByNameCPFRadical
	// PartnersByNameCPF looks partners up by name and identifier fragment.
	PartnersByNameCPF
	// PartnersByName looks partners up by name substring.
	PartnersByName
)

var kindNames = map[Kind]string{
	Unmatched:                "unmatched",
	Preflight:                "preflight",
	Health:                   "health",
	ByCPF:                    "cpf",
	ByExactName:              "exact-name",
	ByName:                   "name",
	PartnersByNameCPFRadical: "cnpj-name-cpf-radical",
	PartnersByNameCPF:        "cnpj-name-cpf",
	PartnersByName:           "cnpj-name",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind resolves a route name as returned by Kind.String.
func ParseKind(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for kind, n := range kindNames {
		if n == name && kind != Unmatched {
			return kind, true
		}
	}
	return Unmatched, false
}

// Lookup reports whether the route queries a record store.
func (k Kind) Lookup() bool {
	return k >= ByCPF && k <= PartnersByName
}

// KeyOffset and KeyLength locate the identifier fragment used by the
// name-term partner routes.
const (
	KeyOffset = 3
	KeyLength = 6
)

// Match is the outcome of routing one request.
type Match struct {
	Kind    Kind
	Method  string
	Target  string
	Version string
	// Term is the percent-decoded path segment after the route prefix.
	Term string
	// Name and Key are set for the name-term partner routes; Key is the
	// fragment of the raw identifier term.
	Name string
	Key  string
}

type route struct {
	kind   Kind
	prefix string
	split  bool
}

// Routes are evaluated top to bottom; the first prefix that matches wins, so
// longer prefixes sharing a stem with shorter ones must come first.
var routes = []route{
	{kind: ByCPF, prefix: "/get-person-by-cpf/"},
	{kind: ByExactName, prefix: "/get-person-by-exact-name/"},
	{kind: ByName, prefix: "/get-person-by-name/"},
	{kind: PartnersByNameCPFRadical, prefix: "/get-person-cnpj-by-name-cpf-radical/", split: true},
	{kind: PartnersByNameCPF, prefix: "/get-person-cnpj-by-name-cpf/", split: true},
	{kind: PartnersByName, prefix: "/get-person-cnpj-by-name/"},
}

// Route parses raw (the bytes of the single request read) and returns the
// matching route. Requests that are not valid UTF-8, have a malformed
// request line, or match nothing yield Kind Unmatched.
func Route(raw []byte) Match {
	if !utf8.Valid(raw) {
		return Match{}
	}
	line := raw
	if idx := bytes.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return RouteLine(string(line))
}

// RouteLine routes a decoded request line such as "GET /health HTTP/1.1".
func RouteLine(line string) Match {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return Match{}
	}
	m := Match{Method: parts[0], Target: parts[1], Version: parts[2]}
	if !strings.HasPrefix(m.Version, "HTTP/1.") {
		return Match{}
	}
	if m.Method == "OPTIONS" {
		m.Kind = Preflight
		return m
	}
	if m.Method != "GET" {
		return m
	}
	path := m.Target
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "/health" || strings.HasPrefix(path, "/health/") {
		m.Kind = Health
		return m
	}
	for _, r := range routes {
		if !strings.HasPrefix(path, r.prefix) {
			continue
		}
		segment := path[len(r.prefix):]
		term, err := url.PathUnescape(segment)
		if err != nil || strings.TrimSpace(term) == "" || (!r.split && strings.Contains(term, "/")) {
			return m
		}
		if r.split {
			name, key, ok := SplitNameTerm(term)
			if !ok {
				return m
			}
			m.Name = name
			m.Key = key
		}
		m.Term = term
		m.Kind = r.kind
		return m
	}
	return m
}

// SplitNameTerm splits a "<name>-<term>" segment at its last '-' and derives
// the lookup key as the KeyLength characters of term starting at KeyOffset.
// Terms shorter than KeyOffset+KeyLength characters are rejected.
func SplitNameTerm(segment string) (name, key string, ok bool) {
	idx := strings.LastIndexByte(segment, '-')
	if idx <= 0 || idx == len(segment)-1 {
		return "", "", false
	}
	name = segment[:idx]
	term := []rune(segment[idx+1:])
	if len(term) < KeyOffset+KeyLength {
		return "", "", false
	}
	key = string(term[KeyOffset : KeyOffset+KeyLength])
	if strings.TrimSpace(name) == "" {
		return "", "", false
	}
	return name, key, true
}

// Target builds the request target that routes term to kind. It is the
// inverse of RouteLine for lookup routes.
func Target(kind Kind, term string) (string, bool) {
	for _, r := range routes {
		if r.kind == kind {
			return r.prefix + url.PathEscape(term), true
		}
	}
	return "", false
}
