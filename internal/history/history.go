package history

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mkerrow/strata/schema"
)

var (
	ErrUnknownVersion = errors.New("unknown schema version")
	ErrCyclicChain    = errors.New("cyclic migration chain")
	ErrAmbiguousHead  = errors.New("ambiguous current version")
	ErrNoPath         = errors.New("no migration path")
	ErrAmbiguousPath  = errors.New("ambiguous migration path")
)

// History holds every model of a schema lineage plus the chain that
// orders them. Version names are opaque; the chain is the only ordering.
type History struct {
	models  map[string]*schema.Model
	preds   map[string][]string
	succs   map[string][]string
	order   []string
	current string
}

// Option configures history assembly.
type Option func(*config)

type config struct {
	chain   map[string][]string
	current string
}

// WithChain declares the predecessor chain explicitly: each entry maps a
// version to the versions it can be migrated from. Without this option
// the models' listed order forms a linear chain, oldest first.
func WithChain(chain map[string][]string) Option {
	return func(c *config) { c.chain = chain }
}

// WithCurrent pins the current version instead of resolving the unique
// chain leaf. Pinning allows assembling a history whose newest versions
// are not yet the deployment target.
func WithCurrent(name string) Option {
	return func(c *config) { c.current = name }
}

// New validates the models and chain and resolves the current version.
func New(models []*schema.Model, opts ...Option) (*History, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(models) == 0 {
		return nil, errors.New("history needs at least one model")
	}

	h := &History{
		models: make(map[string]*schema.Model, len(models)),
		preds:  make(map[string][]string, len(models)),
		succs:  make(map[string][]string, len(models)),
	}
	for _, m := range models {
		name := m.Version()
		if _, dup := h.models[name]; dup {
			return nil, fmt.Errorf("version %q declared twice", name)
		}
		h.models[name] = m
		h.order = append(h.order, name)
	}

	if cfg.chain == nil {
		for i := 1; i < len(models); i++ {
			h.preds[models[i].Version()] = []string{models[i-1].Version()}
		}
	} else {
		for name, preds := range cfg.chain {
			if _, ok := h.models[name]; !ok {
				return nil, fmt.Errorf("chain entry %q: %w", name, ErrUnknownVersion)
			}
			for _, p := range preds {
				if _, ok := h.models[p]; !ok {
					return nil, fmt.Errorf("chain entry %q names predecessor %q: %w", name, p, ErrUnknownVersion)
				}
			}
			h.preds[name] = slices.Clone(preds)
		}
	}

	if cycle := cyclicComponent(h.preds); cycle != nil {
		return nil, fmt.Errorf("%w: %s", ErrCyclicChain, strings.Join(cycle, ", "))
	}

	for name, preds := range h.preds {
		for _, p := range preds {
			h.succs[p] = append(h.succs[p], name)
		}
	}
	slices.Sort(h.order)
	for _, succs := range h.succs {
		slices.Sort(succs)
	}

	if cfg.current != "" {
		if _, ok := h.models[cfg.current]; !ok {
			return nil, fmt.Errorf("pinned current %q: %w", cfg.current, ErrUnknownVersion)
		}
		h.current = cfg.current
		return h, nil
	}

	var leaves []string
	for _, name := range h.order {
		if len(h.succs[name]) == 0 {
			leaves = append(leaves, name)
		}
	}
	if len(leaves) != 1 {
		return nil, fmt.Errorf("%w: chain leaves are [%s]; pin one with WithCurrent",
			ErrAmbiguousHead, strings.Join(leaves, ", "))
	}
	h.current = leaves[0]
	return h, nil
}

// Current returns the model migrations target.
func (h *History) Current() *schema.Model {
	return h.models[h.current]
}

// Model looks up a version by name.
func (h *History) Model(name string) (*schema.Model, bool) {
	m, ok := h.models[name]
	return m, ok
}

// Versions returns every version name, sorted.
func (h *History) Versions() []string {
	return slices.Clone(h.order)
}

// Chain returns a copy of the predecessor chain.
func (h *History) Chain() map[string][]string {
	out := make(map[string][]string, len(h.preds))
	for name, preds := range h.preds {
		out[name] = slices.Clone(preds)
	}
	return out
}

// Path returns the ordered version names from a recorded version to the
// current one, excluding the recorded version itself. An empty path means
// the recorded version is current. Unreachable versions yield ErrNoPath.
// More than one distinct route yields ErrAmbiguousPath; ambiguity is
// never tie-broken.
func (h *History) Path(from string) ([]string, error) {
	if _, ok := h.models[from]; !ok {
		return nil, fmt.Errorf("version %q: %w", from, ErrUnknownVersion)
	}
	if from == h.current {
		return nil, nil
	}

	paths := h.collectPaths(from, 2)
	switch len(paths) {
	case 0:
		return nil, fmt.Errorf("%w from %q to %q", ErrNoPath, from, h.current)
	case 1:
		return paths[0][1:], nil
	default:
		return nil, fmt.Errorf("%w from %q to %q: %s and %s",
			ErrAmbiguousPath, from, h.current,
			strings.Join(paths[0], " -> "), strings.Join(paths[1], " -> "))
	}
}

// Successor returns the next version on the route from name toward
// current, or empty when name is already current. Unreachable and
// ambiguous routes fail the same way Path does.
func (h *History) Successor(name string) (string, error) {
	hops, err := h.Path(name)
	if err != nil {
		return "", err
	}
	if len(hops) == 0 {
		return "", nil
	}
	return hops[0], nil
}

// LatestHashes returns the current model's per-entity hash table, the
// values a fully migrated store stamps into its metadata.
func (h *History) LatestHashes() map[string]string {
	return h.Current().EntityHashes()
}

// collectPaths gathers up to limit distinct routes from one version to
// current, walking successor edges depth-first in sorted order.
func (h *History) collectPaths(from string, limit int) [][]string {
	var found [][]string
	var walk func(name string, trail []string)
	walk = func(name string, trail []string) {
		if len(found) >= limit {
			return
		}
		trail = append(trail, name)
		if name == h.current {
			found = append(found, slices.Clone(trail))
			return
		}
		for _, next := range h.succs[name] {
			walk(next, trail)
		}
	}
	walk(from, nil)
	return found
}

// cyclicComponent runs Tarjan's strongly-connected-components algorithm
// over the chain and returns the sorted members of the first component
// that forms a cycle (more than one member, or a self loop). Nil means
// acyclic.
func cyclicComponent(graph map[string][]string) []string {
	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)

	var (
		index   int
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		cycle   []string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if cycle == nil && (len(scc) > 1 || hasSelfLoop(scc[0], graph)) {
				slices.Sort(scc)
				cycle = scc
			}
		}
	}

	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return cycle
}

func hasSelfLoop(node string, graph map[string][]string) bool {
	return slices.Contains(graph[node], node)
}
