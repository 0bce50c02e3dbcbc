package prompt

import (
	"fmt"
	"strings"
	"text/template"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/internal/util"
	"github.com/hupe1980/planmesh/logging"
)

// DefaultCacheSize bounds the number of parsed templates kept in memory.
const DefaultCacheSize = 128

// Options configures a Resolver.
type Options struct {
	CacheSize int
	Logger    logging.Logger
}

// Resolver picks the prompt template for a phase of a strategy and renders it.
//
// Resolution order:
//  1. an explicit override for the phase (id or id@version)
//  2. the strategy-specific default for the phase
//  3. the global default for the phase
//
// An override that names an unknown template fails with
// core.ErrTemplateNotFound instead of falling through to the defaults. In
// pinned mode the version constraint configured for the template id (or the
// phase) must be satisfied, otherwise core.ErrTemplateVersionMismatch is
// returned.
type Resolver struct {
	catalog *Catalog
	cache   *lru.Cache[string, *template.Template]
	logger  logging.Logger
}

// NewResolver creates a resolver over catalog.
func NewResolver(catalog *Catalog, optFns ...func(o *Options)) (*Resolver, error) {
	opts := Options{
		CacheSize: DefaultCacheSize,
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	cache, err := lru.New[string, *template.Template](opts.CacheSize)
	if err != nil {
		return nil, err
	}

	return &Resolver{catalog: catalog, cache: cache, logger: opts.Logger}, nil
}

// Catalog returns the underlying catalog.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// ParseRef splits "id@version" into its parts.
func ParseRef(s string) (id, version string) {
	if i := strings.LastIndex(s, "@"); i > 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Resolve returns the template to use for phase under strategy kind.
func (r *Resolver) Resolve(phase core.Phase, kind core.StrategyKind, overrides map[core.Phase]string, pinned bool) (core.TemplateRef, error) {
	var (
		t     Template
		found bool
		tier  string
	)

	if override, ok := overrides[phase]; ok && override != "" {
		id, version := ParseRef(override)
		if t, found = r.catalog.Get(id, version); !found {
			return core.TemplateRef{}, fmt.Errorf("%w: override %q for phase %s", core.ErrTemplateNotFound, override, phase)
		}
		tier = "override"
		if pinned {
			if err := r.checkPinned(&t, phase, version != ""); err != nil {
				return core.TemplateRef{}, err
			}
		}
	} else {
		for _, candidate := range []struct{ tier, id string }{
			{"strategy", r.catalog.strategyDefault(kind, phase)},
			{"global", r.catalog.globalDefault(phase)},
		} {
			if candidate.id == "" {
				continue
			}
			if t, found = r.catalog.Get(candidate.id, ""); found {
				tier = candidate.tier
				break
			}
		}
		if !found {
			return core.TemplateRef{}, fmt.Errorf("%w: phase %s strategy %s", core.ErrTemplateNotFound, phase, kind)
		}
		if pinned {
			if err := r.checkPinned(&t, phase, false); err != nil {
				return core.TemplateRef{}, err
			}
		}
	}

	r.logger.Debug("prompt.resolve", "phase", string(phase), "strategy", string(kind), "tier", tier, "template", t.ID, "version", t.Version)

	return t.Ref(phase, kind), nil
}

// checkPinned enforces the configured constraint. For an exact version the
// version itself must satisfy it; otherwise the newest satisfying version is
// selected.
func (r *Resolver) checkPinned(t *Template, phase core.Phase, exact bool) error {
	cs, raw, ok := r.catalog.constraint(t.ID, phase)
	if !ok {
		return nil
	}

	if exact {
		if !cs.Check(t.semver) {
			return fmt.Errorf("%w: %s@%s does not satisfy %q", core.ErrTemplateVersionMismatch, t.ID, t.Version, raw)
		}
		return nil
	}

	for _, candidate := range r.catalog.Versions(t.ID) {
		if cs.Check(candidate.semver) {
			*t = candidate
			return nil
		}
	}

	return fmt.Errorf("%w: no version of %s satisfies %q", core.ErrTemplateVersionMismatch, t.ID, raw)
}

// ResolveAll resolves every phase in phases.
func (r *Resolver) ResolveAll(phases []core.Phase, kind core.StrategyKind, overrides map[core.Phase]string, pinned bool) (map[core.Phase]core.TemplateRef, error) {
	out := make(map[core.Phase]core.TemplateRef, len(phases))
	for _, p := range phases {
		ref, err := r.Resolve(p, kind, overrides, pinned)
		if err != nil {
			return nil, err
		}
		out[p] = ref
	}
	return out, nil
}

// Render executes the template with vars. Parsed templates are cached per
// id@version; refs without a version are parsed on every call.
func (r *Resolver) Render(ref core.TemplateRef, vars map[string]any) (string, error) {
	body := ref.Body
	if body == "" {
		t, ok := r.catalog.Get(ref.ID, ref.Version)
		if !ok {
			return "", fmt.Errorf("%w: %s", core.ErrTemplateNotFound, ref)
		}
		body = t.Body
	}

	return Render(r.cache, ref, body, vars)
}

// Render parses (or fetches from cache) and executes a template body. cache may be nil.
func Render(cache *lru.Cache[string, *template.Template], ref core.TemplateRef, body string, vars map[string]any) (string, error) {
	key := ref.String()
	cacheable := cache != nil && ref.Version != ""

	var tmpl *template.Template
	if cacheable {
		tmpl, _ = cache.Get(key)
	}
	if tmpl == nil {
		parsed, err := util.ParseTemplate(key, body)
		if err != nil {
			return "", fmt.Errorf("parse template %s: %w", key, err)
		}
		tmpl = parsed
		if cacheable {
			cache.Add(key, tmpl)
		}
	}

	out, err := util.ExecuteTemplate(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", key, err)
	}

	return out, nil
}
