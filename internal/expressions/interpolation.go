package expressions

import (
	"fmt"
	"strings"

	"github.com/rendis/chainrun/pkg/schema"
)

// Interpolate resolves ${{ key }} references inside step arguments against the
// chain context. A string that is exactly one reference is replaced by the
// referenced value with its type preserved; references embedded in longer strings
// are formatted with %v. Dotted paths walk into map values:
//
//	${{ step_0_result.user.id }}
//
// Maps and slices are walked recursively; other values are returned unchanged.
func Interpolate(value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return interpolateString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := Interpolate(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := Interpolate(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func interpolateString(s string, scope map[string]any) (any, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		return lookupPath(strings.TrimSpace(trimmed[3:len(trimmed)-2]), scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + 3
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ reference")
		}
		end += start

		val, err := lookupPath(strings.TrimSpace(s[start:end]), scope)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%v", val)
		i = end + 2
	}
	return b.String(), nil
}

func lookupPath(path string, scope map[string]any) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty ${{ }} reference")
	}
	if strings.Contains(path, "${{") {
		return nil, schema.NewError(schema.ErrCodeValidation, "nested ${{ }} references are not allowed")
	}

	parts := strings.Split(path, ".")
	cur, ok := scope[parts[0]]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown reference %q", parts[0]).
			WithDetails(map[string]any{"reference": path})
	}
	for _, p := range parts[1:] {
		m, isMap := cur.(map[string]any)
		if !isMap {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot resolve %q: %s is not an object", path, p)
		}
		if cur, ok = m[p]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot resolve %q: missing key %q", path, p)
		}
	}
	return cur, nil
}
