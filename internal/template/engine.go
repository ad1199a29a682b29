// Package template resolves placeholders in two places: step arguments
// referencing results stored by earlier steps, and the kickstart /
// boot-menu artifact templates a scenario renders before a build.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Engine substitutes {{ name }} style variables inside step argument
// values. It walks strings, maps, and slices; everything else passes
// through untouched.
type Engine struct {
	pattern *regexp.Regexp
}

// New creates a new argument template engine.
func New() *Engine {
	return &Engine{
		pattern: regexp.MustCompile(`\{\{\s*\.?([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`),
	}
}

// Replace resolves all template variables in value against the context.
func (e *Engine) Replace(value interface{}, context map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return e.replaceString(v, context)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			replaced, err := e.Replace(val, context)
			if err != nil {
				return nil, err
			}
			out[key] = replaced
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			replaced, err := e.Replace(val, context)
			if err != nil {
				return nil, err
			}
			out[i] = replaced
		}
		return out, nil
	default:
		return value, nil
	}
}

func (e *Engine) replaceString(s string, context map[string]interface{}) (string, error) {
	var missing []string

	result := e.pattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := e.pattern.FindStringSubmatch(match)
		name := groups[1]
		value, ok := context[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return stringify(value)
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case int, int32, int64:
		return fmt.Sprintf("%d", v)
	case float64:
		// YAML and JSON numbers arrive as float64; render integral ones
		// without a decimal point.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
