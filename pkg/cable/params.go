package cable

import (
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/OpenTraceLab/tapflash/pkg/jtagerr"
)

// paramLexer tokenizes cable parameter strings such as
//
//	vid=0x0403 pid=0x6010 desc="Dual RS232" interface=0
var paramLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `[\s,]+`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F]+|[0-9]+\b`},
	{Name: "Word", Pattern: `[a-zA-Z_/.:+\-][a-zA-Z0-9_/.:+\-]*`},
	{Name: "Eq", Pattern: `=`},
})

type paramList struct {
	Pairs []*paramPair `@@*`
}

type paramPair struct {
	Key   string `@Word Eq`
	Value string `@( String | Number | Word )`
}

var paramParser = participle.MustBuild[paramList](
	participle.Lexer(paramLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
)

// Params holds the key=value settings given when connecting a cable.
type Params map[string]string

// ParseParams parses a whitespace separated list of key=value pairs. Keys
// are case-insensitive and may appear once.
func ParseParams(s string) (Params, error) {
	p := Params{}
	if strings.TrimSpace(s) == "" {
		return p, nil
	}
	list, err := paramParser.ParseString("", s)
	if err != nil {
		return nil, jtagerr.SyntaxWrap(err, "cable parameters")
	}
	for _, pair := range list.Pairs {
		key := strings.ToLower(pair.Key)
		if _, dup := p[key]; dup {
			return nil, jtagerr.Syntax("cable parameter %q given twice", key)
		}
		p[key] = pair.Value
	}
	return p, nil
}

// Check rejects keys outside allowed.
func (p Params) Check(allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	var bad []string
	for k := range p {
		if !ok[k] {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return jtagerr.Syntax("unknown cable parameter(s): %s", strings.Join(bad, ", "))
	}
	return nil
}

func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Uint parses key as a decimal or 0x-prefixed number.
func (p Params) Uint(key string, def uint64) (uint64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, jtagerr.Invalid("cable parameter %s=%q is not a number", key, v)
	}
	return n, nil
}

// Int is Uint for small signed values such as pin numbers; -1 means unused.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 0, 32)
	if err != nil {
		return 0, jtagerr.Invalid("cable parameter %s=%q is not a number", key, v)
	}
	return int(n), nil
}
