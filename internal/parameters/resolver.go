// Package parameters binds workflow parameter values into step definitions.
//
// Grammar, applied to every string field and recursively to args:
//
//	"$name"      whole-field reference, replaced by the typed value
//	"${name}"    brace reference, stringified and spliced into the text
//	"$name"      bare reference inside text; name is [A-Za-z0-9_]+
//	"$$"         escape for a literal "$"
//
// A "$" followed by anything else is kept literally. Unknown names fail with
// ErrCodeUnknownParameter; an unterminated "${" fails with ErrCodeParameterSyntax.
package parameters

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/workcell/pkg/schema"
)

var wholeFieldRef = regexp.MustCompile(`^\$[A-Za-z0-9_-]*$`)

// Scope is the set of names a resolution can bind.
type Scope struct {
	// Values maps parameter names to bound values.
	Values map[string]any
	// Deferred names are known but not yet bound (feed-forward values at
	// submission). Their tokens are left untouched.
	Deferred map[string]bool
	// Unavailable names are known but could not be bound; the value says why.
	Unavailable map[string]string
}

func (s Scope) lookup(name string) (value any, deferred bool, err error) {
	if v, ok := s.Values[name]; ok {
		return v, false, nil
	}
	if s.Deferred[name] {
		return nil, true, nil
	}
	if reason, ok := s.Unavailable[name]; ok {
		return nil, false, schema.NewErrorf(schema.ErrCodeUnknownParameter,
			"parameter %q has no value: %s", name, reason).
			WithDetails(map[string]any{"parameter": name})
	}
	return nil, false, schema.NewErrorf(schema.ErrCodeUnknownParameter, "unknown parameter %q", name).
		WithDetails(map[string]any{"parameter": name})
}

// ResolveString resolves one string. A whole-field reference returns the
// parameter's value with its original type; anything else returns a string.
func ResolveString(s string, scope Scope) (any, error) {
	if wholeFieldRef.MatchString(s) && len(s) > 1 {
		v, deferred, err := scope.lookup(s[1:])
		if err != nil {
			return nil, err
		}
		if deferred {
			return s, nil
		}
		return v, nil
	}
	return Substitute(s, scope)
}

// Substitute performs textual substitution only and always returns a string.
func Substitute(s string, scope Scope) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c != '$' || i+1 >= len(s) {
			b.WriteByte(c)
			i++
			continue
		}

		next := s[i+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			i += 2

		case next == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return "", schema.NewErrorf(schema.ErrCodeParameterSyntax,
					"missing closing brace in %q", s).WithDetails(map[string]any{"position": i})
			}
			name := s[i+2 : i+2+end]
			if name == "" {
				return "", schema.NewErrorf(schema.ErrCodeParameterSyntax, "empty parameter reference in %q", s)
			}
			token := s[i : i+3+end]
			if err := splice(&b, name, token, scope); err != nil {
				return "", err
			}
			i += 3 + end

		case isIdentByte(next):
			j := i + 1
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			if err := splice(&b, s[i+1:j], s[i:j], scope); err != nil {
				return "", err
			}
			i = j

		default:
			b.WriteByte('$')
			i++
		}
	}
	return b.String(), nil
}

func splice(b *strings.Builder, name, token string, scope Scope) error {
	v, deferred, err := scope.lookup(name)
	if err != nil {
		return err
	}
	if deferred {
		b.WriteString(token)
		return nil
	}
	b.WriteString(Stringify(v))
	return nil
}

func isIdentByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// Stringify renders a value for embedding in text. Strings are used as-is,
// numbers in their shortest form, everything else as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return fmt.Sprintf("%v", val)
	case json.Number:
		return val.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// ResolveValue walks maps and slices, resolving every string it finds.
// Map keys are substituted as text; a rewritten key replaces the old one.
func ResolveValue(v any, scope Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return ResolveString(val, scope)
	case map[string]any:
		return ResolveMap(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ResolveValue(item, scope)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap resolves a mapping into a new map; the input is not modified.
func ResolveMap(m map[string]any, scope Scope) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		key, err := Substitute(k, scope)
		if err != nil {
			return nil, err
		}
		r, err := ResolveValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[key] = r
	}
	return out, nil
}

// ResolveStringMap resolves a string-to-string mapping such as step files.
// Whole-field references must bind to strings.
func ResolveStringMap(m map[string]string, scope Scope) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		key, err := Substitute(k, scope)
		if err != nil {
			return nil, err
		}
		r, err := ResolveString(v, scope)
		if err != nil {
			return nil, err
		}
		out[key] = Stringify(r)
	}
	return out, nil
}
