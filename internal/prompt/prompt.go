// Package prompt loads the prompt templates used by the pipeline stages.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/ZanzyTHEbar/breezeflow"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Name identifies a template.
type Name string

const (
	Rewrite    Name = "rewrite"
	Plan       Name = "plan"
	Synthesize Name = "synthesize"
	Meta       Name = "meta"
	MetaCheck  Name = "meta_check"
)

// Set is the on-disk shape of a prompt file.
type Set struct {
	Rewrite    string            `yaml:"rewrite"`
	Plan       string            `yaml:"plan"`
	Common     []string          `yaml:"common"`
	MultiTool  string            `yaml:"multi_tool"`
	Synthesize string            `yaml:"synthesize"`
	Meta       string            `yaml:"meta"`
	MetaCheck  string            `yaml:"meta_check"`
	Experts    map[string]string `yaml:"experts"`
}

// RewriteData feeds the rewrite template.
type RewriteData struct {
	History string
	Query   string
}

// PlanData feeds the plan template.
type PlanData struct {
	Tools   []breezeflow.ToolSchema
	History string
	Query   string
}

// SynthesisData feeds the synthesize template.
type SynthesisData struct {
	Instructions string
	Query        string
	Results      []string
}

// MetaData feeds the meta and meta_check templates.
type MetaData struct {
	Tools   []breezeflow.ToolSchema
	History string
	Query   string
}

// Registry holds parsed templates. It is immutable after loading.
type Registry struct {
	set       Set
	templates map[Name]*template.Template
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Default returns the embedded templates.
func Default() (*Registry, error) {
	var set Set
	if err := yaml.Unmarshal(defaultPrompts, &set); err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompts: %w", err)
	}
	return newRegistry(set)
}

// MustDefault is like Default but panics on error.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Load returns the embedded templates overridden by the keys present in the
// YAML file at path. An empty path yields the defaults.
func Load(path string) (*Registry, error) {
	var set Set
	if err := yaml.Unmarshal(defaultPrompts, &set); err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompts: %w", err)
	}
	if path == "" {
		return newRegistry(set)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, breezeflow.NewConfigurationError(fmt.Sprintf("failed to read prompts file %s", path), err)
	}
	var override Set
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, breezeflow.NewConfigurationError(fmt.Sprintf("failed to parse prompts file %s", path), err)
	}
	return newRegistry(merge(set, override))
}

func merge(base, override Set) Set {
	pick := func(a, b string) string {
		if strings.TrimSpace(b) != "" {
			return b
		}
		return a
	}
	out := Set{
		Rewrite:    pick(base.Rewrite, override.Rewrite),
		Plan:       pick(base.Plan, override.Plan),
		Common:     base.Common,
		MultiTool:  pick(base.MultiTool, override.MultiTool),
		Synthesize: pick(base.Synthesize, override.Synthesize),
		Meta:       pick(base.Meta, override.Meta),
		MetaCheck:  pick(base.MetaCheck, override.MetaCheck),
		Experts:    make(map[string]string, len(base.Experts)+len(override.Experts)),
	}
	if len(override.Common) > 0 {
		out.Common = override.Common
	}
	for k, v := range base.Experts {
		out.Experts[k] = v
	}
	for k, v := range override.Experts {
		out.Experts[k] = v
	}
	return out
}

func newRegistry(set Set) (*Registry, error) {
	sources := map[Name]string{
		Rewrite:    set.Rewrite,
		Plan:       set.Plan,
		Synthesize: set.Synthesize,
		Meta:       set.Meta,
		MetaCheck:  set.MetaCheck,
	}
	r := &Registry{set: set, templates: make(map[Name]*template.Template, len(sources))}
	for name, src := range sources {
		if strings.TrimSpace(src) == "" {
			return nil, breezeflow.NewConfigurationError(fmt.Sprintf("prompt %q is empty", name), nil)
		}
		t, err := template.New(string(name)).Funcs(funcs).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, breezeflow.NewConfigurationError(fmt.Sprintf("prompt %q does not parse", name), err)
		}
		r.templates[name] = t
	}
	return r, nil
}

// Render executes the named template with data.
func (r *Registry) Render(name Name, data any) (string, error) {
	t, ok := r.templates[name]
	if !ok {
		return "", breezeflow.NewInternalError("prompt", fmt.Sprintf("unknown prompt %q", name), nil)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", breezeflow.NewInternalError("prompt", fmt.Sprintf("failed to render prompt %q", name), err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Common returns the instructions shared by every synthesis prompt.
func (r *Registry) Common() []string {
	return append([]string(nil), r.set.Common...)
}

// MultiTool returns the instruction added when several tools contributed.
func (r *Registry) MultiTool() string {
	return r.set.MultiTool
}

// Expert returns the expert instruction for tool, if any.
func (r *Registry) Expert(tool string) (string, bool) {
	p, ok := r.set.Experts[tool]
	return p, ok
}
