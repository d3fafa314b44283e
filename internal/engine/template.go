package engine

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// renderTemplate substitutes {{name}} placeholders with session variable
// values. Unknown variables render empty rather than failing, so authors
// can reference bindings that earlier nodes may not have set.
func renderTemplate(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := strings.TrimSpace(m[2 : len(m)-2])
		return vars[name]
	})
}
