package prompt

import (
	"context"
	"strings"
	"sync/atomic"
)

// base carries the identity fields every provider shares. Enabled is atomic
// so runtime toggles don't need the manager's write lock.
type base struct {
	id       string
	priority int
	enabled  atomic.Bool
}

// init fills the shared fields in place; base embeds an atomic and must
// not be copied.
func (b *base) init(id string, priority int, enabled bool) {
	b.id = id
	b.priority = priority
	b.enabled.Store(enabled)
}

func (b *base) ID() string         { return b.id }
func (b *base) Priority() int      { return b.priority }
func (b *base) Enabled() bool      { return b.enabled.Load() }
func (b *base) SetEnabled(on bool) { b.enabled.Store(on) }

// substituteVariables replaces {{name}} placeholders.
func substituteVariables(content string, variables map[string]string) string {
	if len(variables) == 0 {
		return content
	}
	pairs := make([]string, 0, len(variables)*2)
	for name, value := range variables {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

// StaticProvider serves fixed text with variables substituted up front.
type StaticProvider struct {
	base
	content string
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider(id string, priority int, enabled bool, content string, variables map[string]string) *StaticProvider {
	p := &StaticProvider{content: substituteVariables(content, variables)}
	p.init(id, priority, enabled)
	return p
}

func (p *StaticProvider) Content(_ context.Context, _ *Context) (string, error) {
	return p.content, nil
}

// DynamicProvider runs a registered generator, optionally wrapping its
// output in a template via the {{output}} placeholder.
type DynamicProvider struct {
	base
	generator Generator
	config    map[string]any
	template  string
}

var _ Provider = (*DynamicProvider)(nil)

func NewDynamicProvider(id string, priority int, enabled bool, generator Generator, generatorConfig map[string]any, template string) *DynamicProvider {
	p := &DynamicProvider{
		generator: generator,
		config:    generatorConfig,
		template:  template,
	}
	p.init(id, priority, enabled)
	return p
}

func (p *DynamicProvider) Content(ctx context.Context, pctx *Context) (string, error) {
	output, err := p.generator.Generate(ctx, p.config, pctx)
	if err != nil {
		return "", err
	}
	if p.template != "" {
		return strings.ReplaceAll(p.template, "{{output}}", output), nil
	}
	return output, nil
}
