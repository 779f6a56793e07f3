package variables

import (
	"regexp"
	"strings"
)

// varPattern matches $variable_name
var varPattern = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)

// Parser handles variable extraction from strings.
type Parser struct{}

// NewParser creates a new variable parser.
func NewParser() *Parser {
	return &Parser{}
}

// Replace replaces all variables in the template with their values.
func (p *Parser) Replace(template string, getValue func(name string) string) string {
	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		return getValue(match[1:])
	})
}

// HasVariables returns true if the template contains variables.
func (p *Parser) HasVariables(template string) bool {
	return varPattern.MatchString(template)
}

// ParseDynamic extracts dynamic variable parts, e.g. "http_x_custom_header" -> ("http", "x_custom_header").
func ParseDynamic(name string) (prefix, suffix string, ok bool) {
	dynamicPrefixes := []string{"http_", "arg_", "cookie_", "route_param_", "jwt_claim_"}
	for _, p := range dynamicPrefixes {
		if strings.HasPrefix(name, p) {
			return p[:len(p)-1], name[len(p):], true
		}
	}
	return "", "", false
}

// NormalizeHeaderName converts x_custom_header to X-Custom-Header.
func NormalizeHeaderName(name string) string {
	name = strings.ReplaceAll(name, "_", "-")
	parts := strings.Split(name, "-")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(string(part[0])) + strings.ToLower(part[1:])
		}
	}
	return strings.Join(parts, "-")
}

// Template is a pre-parsed template string, split into literal/variable parts.
type Template struct {
	Raw     string
	Parts   []TemplatePart
	HasVars bool
}

// TemplatePart is either literal text or a variable reference.
type TemplatePart struct {
	IsVariable bool
	Value      string
}

// ParseTemplate parses a template string into parts, for repeated resolution
// without re-running the regex each time.
func ParseTemplate(template string) *Template {
	t := &Template{Raw: template}

	indices := varPattern.FindAllStringSubmatchIndex(template, -1)
	if len(indices) == 0 {
		t.Parts = append(t.Parts, TemplatePart{Value: template})
		return t
	}

	t.HasVars = true
	lastEnd := 0
	for _, loc := range indices {
		if loc[0] > lastEnd {
			t.Parts = append(t.Parts, TemplatePart{Value: template[lastEnd:loc[0]]})
		}
		t.Parts = append(t.Parts, TemplatePart{IsVariable: true, Value: template[loc[2]:loc[3]]})
		lastEnd = loc[1]
	}
	if lastEnd < len(template) {
		t.Parts = append(t.Parts, TemplatePart{Value: template[lastEnd:]})
	}
	return t
}

// Render renders the template with the given value function.
func (t *Template) Render(getValue func(name string) string) string {
	if !t.HasVars {
		return t.Raw
	}
	var b strings.Builder
	for _, part := range t.Parts {
		if part.IsVariable {
			b.WriteString(getValue(part.Value))
		} else {
			b.WriteString(part.Value)
		}
	}
	return b.String()
}
