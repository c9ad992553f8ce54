// Package prompt loads named prompt definitions and renders them for
// either standard or reasoning model invocation. Definitions are YAML
// files with a declared parameter schema, an optional system template,
// optional predicate-selected variants, and a default template.
// Built-in definitions are embedded; a definitions directory on disk
// overrides them per id.
package prompt

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/tweetkb/internal/errors"
)

//go:embed defs/*.yaml
var builtinFS embed.FS

// ModelType selects the render shape.
type ModelType string

const (
	// ModelStandard renders to a single prompt string for Generate.
	ModelStandard ModelType = "standard"
	// ModelReasoning renders to an ordered message list for Chat.
	ModelReasoning ModelType = "reasoning"
)

// Message is one rendered chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is a rendered prompt: Text for standard models, Messages for
// reasoning models. Exactly one of the two is populated.
type Result struct {
	Text     string
	Messages []Message
}

// Param declares one parameter of a prompt definition.
type Param struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Default  string `yaml:"default,omitempty"`
}

// Variant is an alternative template selected by name or by a
// "key=value" predicate against the render parameters.
type Variant struct {
	Name     string `yaml:"name,omitempty"`
	When     string `yaml:"when,omitempty"`
	Template string `yaml:"template"`
}

// Example is a documented sample invocation kept with the definition.
type Example struct {
	Params map[string]string `yaml:"params"`
	Output string            `yaml:"output,omitempty"`
}

// Definition is one named prompt.
type Definition struct {
	ID          string    `yaml:"id"`
	Description string    `yaml:"description,omitempty"`
	Params      []Param   `yaml:"params,omitempty"`
	System      string    `yaml:"system,omitempty"`
	Template    string    `yaml:"template"`
	Variants    []Variant `yaml:"variants,omitempty"`
	Examples    []Example `yaml:"examples,omitempty"`
}

type cachedDef struct {
	def     *Definition
	modTime int64
}

// Store loads and renders prompt definitions. File reads are cached
// keyed by path and modification time, so edited definitions are
// picked up without a restart.
type Store struct {
	defsDir string

	mu    sync.Mutex
	cache map[string]cachedDef
}

// NewStore creates a store. defsDir may be empty, in which case only
// the built-in definitions are available.
func NewStore(defsDir string) *Store {
	return &Store{
		defsDir: defsDir,
		cache:   make(map[string]cachedDef),
	}
}

// Render renders the named prompt. variant selects a named variant and
// may be empty; a variant whose When predicate matches the params is
// selected automatically. Missing required parameters are a validation
// error.
func (s *Store) Render(id string, modelType ModelType, params map[string]string, variant string) (*Result, error) {
	def, err := s.load(id)
	if err != nil {
		return nil, err
	}

	merged, err := def.mergeParams(params)
	if err != nil {
		return nil, err
	}

	tmpl, err := def.selectTemplate(variant, merged)
	if err != nil {
		return nil, err
	}
	body := substitute(tmpl, merged)

	if modelType == ModelReasoning {
		msgs := make([]Message, 0, 2)
		if def.System != "" {
			msgs = append(msgs, Message{Role: "system", Content: substitute(def.System, merged)})
		}
		msgs = append(msgs, Message{Role: "user", Content: body})
		return &Result{Messages: msgs}, nil
	}

	if def.System != "" {
		body = substitute(def.System, merged) + "\n\n" + body
	}
	return &Result{Text: body}, nil
}

// List returns the ids of all available definitions, overrides and
// built-ins merged, sorted.
func (s *Store) List() ([]string, error) {
	ids := make(map[string]bool)

	entries, err := builtinFS.ReadDir("defs")
	if err != nil {
		return nil, fmt.Errorf("read embedded prompt defs: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".yaml") {
			ids[strings.TrimSuffix(e.Name(), ".yaml")] = true
		}
	}

	if s.defsDir != "" {
		diskEntries, err := os.ReadDir(s.defsDir)
		if err == nil {
			for _, e := range diskEntries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
					ids[strings.TrimSuffix(e.Name(), ".yaml")] = true
				}
			}
		}
	}

	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// load resolves a definition: disk override first, then built-in.
func (s *Store) load(id string) (*Definition, error) {
	if s.defsDir != "" {
		path := filepath.Join(s.defsDir, id+".yaml")
		if def, err := s.loadFile(id, path); err == nil {
			return def, nil
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	data, err := builtinFS.ReadFile("defs/" + id + ".yaml")
	if err != nil {
		return nil, errors.ErrValidation(fmt.Sprintf("unknown prompt %q", id))
	}
	return parseDefinition(id, data)
}

func (s *Store) loadFile(id, path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cached, ok := s.cache[path]
	s.mu.Unlock()
	if ok && cached.modTime == info.ModTime().UnixNano() {
		return cached.def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := parseDefinition(id, data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[path] = cachedDef{def: def, modTime: info.ModTime().UnixNano()}
	s.mu.Unlock()
	return def, nil
}

func parseDefinition(id string, data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", id, err)
	}
	if def.ID == "" {
		def.ID = id
	}
	if def.Template == "" {
		return nil, errors.ErrValidation(fmt.Sprintf("prompt %q has no template", id))
	}
	return &def, nil
}

// mergeParams applies defaults and checks required parameters.
func (d *Definition) mergeParams(params map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(params))
	for k, v := range params {
		merged[k] = v
	}
	for _, p := range d.Params {
		if _, ok := merged[p.Name]; ok {
			continue
		}
		if p.Required {
			return nil, errors.ErrValidation(
				fmt.Sprintf("prompt %q: required param %q not provided", d.ID, p.Name))
		}
		merged[p.Name] = p.Default
	}
	return merged, nil
}

// selectTemplate picks a variant by explicit name, then by matching
// When predicate, then falls back to the default template.
func (d *Definition) selectTemplate(variant string, params map[string]string) (string, error) {
	if variant != "" {
		for _, v := range d.Variants {
			if v.Name == variant {
				return v.Template, nil
			}
		}
		return "", errors.ErrValidation(
			fmt.Sprintf("prompt %q has no variant %q", d.ID, variant))
	}
	for _, v := range d.Variants {
		if v.When != "" && matchesWhen(v.When, params) {
			return v.Template, nil
		}
	}
	return d.Template, nil
}

// matchesWhen evaluates a "key=value" predicate against the params.
func matchesWhen(when string, params map[string]string) bool {
	key, want, ok := strings.Cut(when, "=")
	if !ok {
		return false
	}
	return params[strings.TrimSpace(key)] == strings.TrimSpace(want)
}

// substitute replaces {{NAME}} placeholders with parameter values.
func substitute(tmpl string, params map[string]string) string {
	for key, value := range params {
		tmpl = strings.ReplaceAll(tmpl, "{{"+key+"}}", value)
	}
	return tmpl
}
