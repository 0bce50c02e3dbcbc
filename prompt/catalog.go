package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/planmesh/core"
)

//go:embed defaults.yaml
var defaultCatalogYAML []byte

// Template is a versioned prompt body registered for a phase.
type Template struct {
	ID          string            `yaml:"id" json:"id"`
	Version     string            `yaml:"version" json:"version"`
	Phase       core.Phase        `yaml:"phase" json:"phase"`
	Strategy    core.StrategyKind `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Body        string            `yaml:"body" json:"-"`

	semver *semver.Version
}

// Ref converts the template into the reference handed to invokers.
func (t Template) Ref(phase core.Phase, kind core.StrategyKind) core.TemplateRef {
	return core.TemplateRef{ID: t.ID, Version: t.Version, Phase: phase, Strategy: kind, Body: t.Body}
}

type catalogFile struct {
	Templates []Template `yaml:"templates"`
	Defaults  struct {
		Global     map[core.Phase]string                       `yaml:"global"`
		Strategies map[core.StrategyKind]map[core.Phase]string `yaml:"strategies"`
	} `yaml:"defaults"`
	Pins map[string]string `yaml:"pins"`
}

// Catalog stores prompt templates (several versions per id), the
// strategy-specific and global defaults per phase and version pins.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string][]Template // newest version first
	global    map[core.Phase]string
	strategy  map[core.StrategyKind]map[core.Phase]string
	pins      map[string]*semver.Constraints
	rawPins   map[string]string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		templates: make(map[string][]Template),
		global:    make(map[core.Phase]string),
		strategy:  make(map[core.StrategyKind]map[core.Phase]string),
		pins:      make(map[string]*semver.Constraints),
		rawPins:   make(map[string]string),
	}
}

// DefaultCatalog returns a catalog preloaded with the built-in templates.
func DefaultCatalog() (*Catalog, error) {
	c := NewCatalog()
	if err := c.LoadYAML(defaultCatalogYAML); err != nil {
		return nil, fmt.Errorf("load builtin templates: %w", err)
	}
	return c, nil
}

// LoadFile merges a YAML catalog file into c.
func (c *Catalog) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read template catalog %s: %w", path, err)
	}
	if err := c.LoadYAML(b); err != nil {
		return fmt.Errorf("template catalog %s: %w", path, err)
	}
	return nil
}

// LoadYAML merges a YAML catalog document into c. Later documents override
// defaults and pins of earlier ones; templates are added, and re-adding an
// existing id@version is an error.
func (c *Catalog) LoadYAML(b []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	for _, t := range f.Templates {
		if err := c.Add(t); err != nil {
			return err
		}
	}
	for phase, id := range f.Defaults.Global {
		c.SetGlobalDefault(phase, id)
	}
	for kind, phases := range f.Defaults.Strategies {
		for phase, id := range phases {
			c.SetStrategyDefault(kind, phase, id)
		}
	}
	for key, constraint := range f.Pins {
		if err := c.Pin(key, constraint); err != nil {
			return err
		}
	}

	return nil
}

// Add registers a template version. An empty version is treated as 1.0.0.
func (c *Catalog) Add(t Template) error {
	if t.ID == "" {
		return fmt.Errorf("template without id")
	}
	if t.Version == "" {
		t.Version = "1.0.0"
	}
	v, err := semver.NewVersion(t.Version)
	if err != nil {
		return fmt.Errorf("template %s: invalid version %q: %w", t.ID, t.Version, err)
	}
	t.semver = v

	c.mu.Lock()
	defer c.mu.Unlock()

	versions := c.templates[t.ID]
	for _, existing := range versions {
		if existing.semver.Equal(v) {
			return fmt.Errorf("template %s@%s already registered", t.ID, t.Version)
		}
	}
	versions = append(versions, t)
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].semver.GreaterThan(versions[j].semver)
	})
	c.templates[t.ID] = versions

	return nil
}

// SetGlobalDefault sets the template id used for a phase when neither an
// override nor a strategy-specific default applies.
func (c *Catalog) SetGlobalDefault(phase core.Phase, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global[phase] = id
}

// SetStrategyDefault sets the template id used for a phase of one strategy.
func (c *Catalog) SetStrategyDefault(kind core.StrategyKind, phase core.Phase, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.strategy[kind] == nil {
		c.strategy[kind] = make(map[core.Phase]string)
	}
	c.strategy[kind][phase] = id
}

// Pin registers a semantic version constraint (for example ">=1.0, <2") for a
// template id or, as a fallback, for a whole phase.
func (c *Catalog) Pin(key, constraint string) error {
	cs, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("pin %s: invalid constraint %q: %w", key, constraint, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[key] = cs
	c.rawPins[key] = constraint
	return nil
}

// constraint returns the pin for a template id, falling back to the phase.
func (c *Catalog) constraint(id string, phase core.Phase) (*semver.Constraints, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cs, ok := c.pins[id]; ok {
		return cs, c.rawPins[id], true
	}
	if cs, ok := c.pins[string(phase)]; ok {
		return cs, c.rawPins[string(phase)], true
	}
	return nil, "", false
}

func (c *Catalog) strategyDefault(kind core.StrategyKind, phase core.Phase) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategy[kind][phase]
}

func (c *Catalog) globalDefault(phase core.Phase) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global[phase]
}

// Versions returns all versions of a template, newest first.
func (c *Catalog) Versions(id string) []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Template(nil), c.templates[id]...)
}

// Get returns an exact version, or the newest one when version is empty.
func (c *Catalog) Get(id, version string) (Template, bool) {
	versions := c.Versions(id)
	if len(versions) == 0 {
		return Template{}, false
	}
	if version == "" {
		return versions[0], true
	}
	want, err := semver.NewVersion(version)
	if err != nil {
		return Template{}, false
	}
	for _, t := range versions {
		if t.semver.Equal(want) {
			return t, true
		}
	}
	return Template{}, false
}

// List returns every registered template version ordered by id, newest first.
func (c *Catalog) List() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Template
	for _, id := range ids {
		out = append(out, c.templates[id]...)
	}
	return out
}
