package variables

import "sync"

// VariableFunc is a function that returns a variable value for the given context.
type VariableFunc func(ctx *Context) string

// Resolver resolves $variable references in template strings against a Context.
type Resolver struct {
	builtin  *BuiltinVariables
	custom   map[string]VariableFunc
	customMu sync.RWMutex
	parser   *Parser
}

// NewResolver creates a new variable resolver.
func NewResolver() *Resolver {
	return &Resolver{
		builtin: NewBuiltinVariables(),
		custom:  make(map[string]VariableFunc),
		parser:  NewParser(),
	}
}

// Resolve interpolates variables in a template string.
func (r *Resolver) Resolve(template string, ctx *Context) string {
	return r.parser.Replace(template, func(name string) string {
		val, _ := r.Get(name, ctx)
		return val
	})
}

// Get returns a single variable value, custom registrations taking priority over builtins.
func (r *Resolver) Get(name string, ctx *Context) (string, bool) {
	r.customMu.RLock()
	fn, ok := r.custom[name]
	r.customMu.RUnlock()
	if ok {
		return fn(ctx), true
	}

	if ctx != nil {
		if val, ok := ctx.GetCustom(name); ok {
			return val, true
		}
	}

	return r.builtin.Get(name, ctx)
}

// RegisterCustom adds a custom variable.
func (r *Resolver) RegisterCustom(name string, fn VariableFunc) {
	r.customMu.Lock()
	r.custom[name] = fn
	r.customMu.Unlock()
}

// PrecompileTemplate parses a template once for faster repeated resolution.
func (r *Resolver) PrecompileTemplate(template string) *CompiledTemplate {
	return &CompiledTemplate{template: ParseTemplate(template), resolver: r}
}

// CompiledTemplate is a pre-parsed template bound to a resolver.
type CompiledTemplate struct {
	template *Template
	resolver *Resolver
}

// Resolve renders the compiled template against the given context.
func (ct *CompiledTemplate) Resolve(ctx *Context) string {
	return ct.template.Render(func(name string) string {
		val, _ := ct.resolver.Get(name, ctx)
		return val
	})
}
