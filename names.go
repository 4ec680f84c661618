package revdoc

import (
	"regexp"
	"strings"
	"unicode"
)

// TableNamer lets a document struct override its inferred table name.
type TableNamer interface {
	TableName() string
}

// toTableName returns the table name for a prototype: its TableName() if
// implemented, otherwise the pluralized snake_case form of the type name.
func toTableName(prototype any, name string) string {
	if t, ok := prototype.(TableNamer); ok {
		if n := t.TableName(); n != "" {
			return n
		}
	}
	return toPlural(toSnake(name))
}

// toPlural converts a word to its plural form: "y" becomes "ies", "s" and
// "o" endings gain "es", everything else gains "s".
func toPlural(in string) string {
	if in == "" {
		return ""
	}
	if strings.HasSuffix(in, "y") {
		return in[:len(in)-1] + "ies"
	}
	if strings.HasSuffix(in, "s") || strings.HasSuffix(in, "o") {
		return in + "es"
	}
	return in + "s"
}

// toSnake converts a CamelCase name to snake_case, "StarRating" to
// "star_rating". Numbers do not start a new segment. Names with consecutive
// capitals ("URLs") need a column tag override.
func toSnake(str string) string {
	var output []rune
	var segment []rune
	for _, r := range str {
		if !unicode.IsLower(r) && r != '_' && !unicode.IsNumber(r) {
			output = addSegment(output, segment)
			segment = nil
		}
		segment = append(segment, unicode.ToLower(r))
	}
	return string(addSegment(output, segment))
}

func addSegment(inrune, segment []rune) []rune {
	if len(segment) == 0 {
		return inrune
	}
	if len(inrune) != 0 {
		inrune = append(inrune, '_')
	}
	return append(inrune, segment...)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quoteIdent double-quotes a trusted identifier. Identifiers originate from
// schema and relation metadata, never from request input; the pattern check
// guards against programming mistakes, not against callers.
func quoteIdent(name string) string {
	if !identPattern.MatchString(name) {
		panic("revdoc: invalid identifier: " + name)
	}
	return `"` + name + `"`
}
