package chattemplate

import (
	"sort"
)

const DefaultTemplateName = "default"

// Matcher maps a model path to a template of the group, or nil if it doesn't apply.
type Matcher func(g *Group, modelPath string) *ChatTemplate

// Group is a registry of templates plus an ordered list of matchers.
// Matchers are evaluated in registration order, so more specific model families
// have to be registered before looser ones.
type Group struct {
	templates map[string]*ChatTemplate
	matchers  []Matcher
}

// NewGroup returns an empty group that only knows the default template.
func NewGroup() *Group {
	g := &Group{
		templates: map[string]*ChatTemplate{},
	}
	g.Register(defaultTemplate())
	return g
}

// NewDefaultGroup returns a group with all builtin templates and matchers registered.
func NewDefaultGroup() *Group {
	g := NewGroup()
	for _, t := range builtinTemplates() {
		g.Register(t)
	}
	for _, m := range builtinMatchers() {
		g.RegisterMatcher(m)
	}
	return g
}

func (g *Group) Register(t *ChatTemplate) {
	g.templates[t.Name] = t
}

func (g *Group) RegisterMatcher(m Matcher) {
	g.matchers = append(g.matchers, m)
}

// Get returns the template registered under name, falling back to the default template.
func (g *Group) Get(name string) *ChatTemplate {
	if t, ok := g.templates[name]; ok {
		return t
	}
	return g.templates[DefaultTemplateName]
}

// Lookup returns the template registered under name.
func (g *Group) Lookup(name string) (*ChatTemplate, bool) {
	t, ok := g.templates[name]
	return t, ok
}

// Match returns the template of the first matcher that recognizes modelPath.
func (g *Group) Match(modelPath string) *ChatTemplate {
	for _, m := range g.matchers {
		if t := m(g, modelPath); t != nil {
			return t
		}
	}
	return g.Get(DefaultTemplateName)
}

func (g *Group) Names() []string {
	ret := make([]string, 0, len(g.templates))
	for name := range g.templates {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// Clone returns a group with its own registry and matcher list.
// Templates themselves are immutable and shared.
func (g *Group) Clone() *Group {
	ret := &Group{
		templates: make(map[string]*ChatTemplate, len(g.templates)),
		matchers:  make([]Matcher, len(g.matchers)),
	}
	for k, v := range g.templates {
		ret.templates[k] = v
	}
	copy(ret.matchers, g.matchers)
	return ret
}
