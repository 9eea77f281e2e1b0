package vault

import (
	"regexp"
	"strings"
)

var placeholderRE = regexp.MustCompile(`\{([^{}]+)\}`)

// ExpandPatternLists expands a pattern containing {field} placeholders
// against a lookup table of string or list values. A list-valued field
// fans the pattern out into one copy per element, recursively, so a
// pattern with two list fields of lengths N and M yields N*M results.
// String-valued fields are substituted in place. Unknown placeholders
// are left untouched.
func ExpandPatternLists(pattern string, mappings map[string]any) []string {
	for _, match := range placeholderRE.FindAllStringSubmatch(pattern, -1) {
		field := match[1]
		value, ok := mappings[field]
		if !ok {
			continue
		}
		list, ok := toStringList(value)
		if !ok {
			continue
		}
		token := "{" + field + "}"
		var expanded []string
		for _, item := range list {
			expanded = append(expanded, ExpandPatternLists(strings.ReplaceAll(pattern, token, item), mappings)...)
		}
		return expanded
	}

	return []string{substituteScalars(pattern, mappings)}
}

// substituteScalars replaces string-valued placeholders in a pattern.
func substituteScalars(pattern string, mappings map[string]any) string {
	return placeholderRE.ReplaceAllStringFunc(pattern, func(match string) string {
		field := match[1 : len(match)-1]
		if value, ok := mappings[field].(string); ok {
			return value
		}
		return match
	})
}

// toStringList converts a list value into []string, reporting false for
// scalars and lists containing non-strings.
func toStringList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
