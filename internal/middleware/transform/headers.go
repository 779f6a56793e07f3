// Package transform applies a route's static header rewrites to the
// outbound proxy request, resolving $variable references against the
// request's variable context (request id, matched route, identity).
package transform

import (
	"net/http"

	"github.com/flowmesh/gateway/internal/variables"
)

// HeaderRewriter holds one route's headerRewrites map precompiled into
// templates, so each proxied request only resolves variables and never
// reparses the template text.
type HeaderRewriter struct {
	templates map[string]*variables.CompiledTemplate
}

// NewHeaderRewriter precompiles rewrites (route.Config.HeaderRewrites).
func NewHeaderRewriter(rewrites map[string]string) *HeaderRewriter {
	resolver := variables.NewResolver()
	hr := &HeaderRewriter{templates: make(map[string]*variables.CompiledTemplate, len(rewrites))}
	for name, value := range rewrites {
		hr.templates[name] = resolver.PrecompileTemplate(value)
	}
	return hr
}

// Apply overwrites each configured header on r with its resolved value.
func (hr *HeaderRewriter) Apply(r *http.Request, varCtx *variables.Context) {
	for name, tmpl := range hr.templates {
		r.Header.Set(name, tmpl.Resolve(varCtx))
	}
}
