package script

import "regexp"

var varRef = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)

// Resolve substitutes a "{{name}}" string with env[name].
//
// An unknown name leaves the string untouched; a run does not fail on it.
// Values that are not a whole-string reference are returned as is.
func Resolve(value any, env map[string]any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	m := varRef.FindStringSubmatch(s)
	if m == nil {
		return value
	}
	if v, ok := env[m[1]]; ok {
		return v
	}
	return value
}

// ResolveParams resolves each top-level parameter into a new map.
// Nested arrays and objects are not walked.
func ResolveParams(params map[string]any, env map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = Resolve(v, env)
	}
	return out
}
