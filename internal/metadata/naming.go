package metadata

import (
	"regexp"
	"strings"
)

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier reports whether s can be used as a model, table, field,
// association or scope name.
func ValidIdentifier(s string) bool {
	return identifier.MatchString(s)
}

var reserved = map[string]struct{}{
	"user": {}, "select": {}, "table": {}, "insert": {}, "update": {}, "delete": {},
	"where": {}, "join": {}, "group": {}, "order": {}, "limit": {}, "offset": {},
	"primary": {}, "foreign": {}, "key": {}, "constraint": {}, "default": {},
	"from": {}, "into": {}, "values": {}, "unique": {}, "index": {}, "create": {},
}

// Reserved reports SQL keywords that make awkward table names.
func Reserved(s string) bool {
	_, ok := reserved[strings.ToLower(s)]
	return ok
}

var irregular = map[string]string{
	"person": "people",
	"child":  "children",
	"man":    "men",
	"woman":  "women",
}

// Pluralize is the English pluralization used for default table names.
func Pluralize(s string) string {
	if p, ok := irregular[s]; ok {
		return p
	}
	switch {
	case strings.HasSuffix(s, "ss"), strings.HasSuffix(s, "us"), strings.HasSuffix(s, "x"),
		strings.HasSuffix(s, "z"), strings.HasSuffix(s, "ch"), strings.HasSuffix(s, "sh"):
		return s + "es"
	case strings.HasSuffix(s, "s"):
		return s
	case strings.HasSuffix(s, "y") && len(s) > 1 && !strings.ContainsRune("aeiou", rune(s[len(s)-2])):
		return s[:len(s)-1] + "ies"
	}
	return s + "s"
}

// TableName returns the default table for a model name.
func TableName(model string) string {
	t := Pluralize(model)
	if Reserved(t) || Reserved(model) {
		t = "e_" + t
	}
	return t
}

// Singularize reverses Pluralize for the common cases. It is used to infer
// has_many targets from association names.
func Singularize(s string) string {
	for single, plural := range irregular {
		if s == plural {
			return single
		}
	}
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 3:
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "sses"), strings.HasSuffix(s, "uses"), strings.HasSuffix(s, "xes"),
		strings.HasSuffix(s, "zes"), strings.HasSuffix(s, "ches"), strings.HasSuffix(s, "shes"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "ss"):
		return s
	case strings.HasSuffix(s, "s"):
		return s[:len(s)-1]
	}
	return s
}
