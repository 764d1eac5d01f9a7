package config

import (
	"fmt"
	"regexp"
	"strings"
)

// varPattern matches ${var.name} placeholders in string property values.
var varPattern = regexp.MustCompile(`\$\{var\.([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// interpolateMap substitutes ${var.name} placeholders in every string value
// of the property map, recursing into nested maps and lists. A placeholder
// that spans the whole string keeps the variable's native type; embedded
// placeholders require a scalar variable and produce a string.
func interpolateMap(props map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	if len(props) == 0 {
		return props, nil
	}
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		iv, err := interpolateValue(v, vars)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		out[k] = iv
	}
	return out, nil
}

func interpolateValue(v interface{}, vars map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(val, vars)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			iv, err := interpolateValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	case map[string]interface{}:
		return interpolateMap(val, vars)
	default:
		return v, nil
	}
}

func interpolateString(s string, vars map[string]interface{}) (interface{}, error) {
	matches := varPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the variable's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		name := s[matches[0][2]:matches[0][3]]
		val, ok := vars[name]
		if !ok {
			return nil, fmt.Errorf("undefined variable %q", name)
		}
		return val, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		name := s[m[2]:m[3]]
		val, ok := vars[name]
		if !ok {
			return nil, fmt.Errorf("undefined variable %q", name)
		}
		switch tv := val.(type) {
		case string:
			b.WriteString(tv)
		case bool, int, int64, float64:
			fmt.Fprintf(&b, "%v", tv)
		default:
			return nil, fmt.Errorf("variable %q is not a scalar and cannot be embedded in a string", name)
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}
