package plugin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// Resolution is the outcome of resolving a manifest set: a deterministic
// load order plus the plugins excluded from it, each with the reason.
type Resolution struct {
	Order    []string
	Excluded map[string]error
}

// Resolver computes safe load orders for manifest sets.
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver creates a dependency resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{
		logger: logger.With().Str("component", "dependency-resolver").Logger(),
	}
}

// Resolve computes a load order that places every dependency before its
// dependents (Kahn). Ties among simultaneously ready plugins are broken by
// ascending plugin id, so the order is deterministic for a given set.
//
// A dependency on an unknown plugin, or on one whose available version does
// not satisfy the declared constraint, excludes the dependent plugin and
// everything transitively depending on it. Cycle participants are excluded
// together with an error naming all of them. Exclusions never abort
// resolution for unrelated plugins.
func (r *Resolver) Resolve(manifests []*Manifest) *Resolution {
	byID := make(map[string]*Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.ID] = m
	}

	excluded := make(map[string]error)
	for _, m := range manifests {
		if err := r.checkDependencies(m, byID); err != nil {
			excluded[m.ID] = err
		}
	}
	r.excludeDependents(byID, excluded)

	order, remaining := r.kahnSort(byID, excluded)

	if len(remaining) > 0 {
		for _, cycle := range stronglyConnected(remaining) {
			if len(cycle) < 2 {
				continue
			}
			sort.Strings(cycle)
			cycleErr := fmt.Errorf("%w: {%s}", ErrCyclicDependency, strings.Join(cycle, ", "))
			for _, id := range cycle {
				excluded[id] = cycleErr
			}
		}
		// Whatever is left depends on a cycle without being part of one.
		r.excludeDependents(byID, excluded)
	}

	r.logger.Debug().
		Strs("order", order).
		Int("excluded", len(excluded)).
		Msg("Resolved plugin load order")

	return &Resolution{Order: order, Excluded: excluded}
}

// checkDependencies verifies that every dependency of m is known and that
// its available version satisfies the declared constraint.
func (r *Resolver) checkDependencies(m *Manifest, byID map[string]*Manifest) error {
	for _, dep := range m.Dependencies {
		target, ok := byID[dep.PluginID]
		if !ok {
			return fmt.Errorf("%w: %s requires unknown plugin %q", ErrUnresolvedDependency, m.ID, dep.PluginID)
		}
		if dep.Version == "" {
			continue
		}

		constraint, err := semver.NewConstraint(dep.Version)
		if err != nil {
			return fmt.Errorf("%w: %s declares invalid constraint %q for %q: %v",
				ErrUnresolvedDependency, m.ID, dep.Version, dep.PluginID, err)
		}
		available, err := semver.NewVersion(target.Version)
		if err != nil {
			return fmt.Errorf("%w: %s has unparseable version %q", ErrUnresolvedDependency, dep.PluginID, target.Version)
		}
		if !constraint.Check(available) {
			return fmt.Errorf("%w: %s requires %s %s, available version is %s",
				ErrUnresolvedDependency, m.ID, dep.PluginID, dep.Version, target.Version)
		}
	}
	return nil
}

// excludeDependents transitively excludes every plugin that depends on an
// already excluded one.
func (r *Resolver) excludeDependents(byID map[string]*Manifest, excluded map[string]error) {
	for changed := true; changed; {
		changed = false
		for id, m := range byID {
			if _, done := excluded[id]; done {
				continue
			}
			for _, dep := range m.Dependencies {
				if _, bad := excluded[dep.PluginID]; bad {
					excluded[id] = fmt.Errorf("%w: %s depends on excluded plugin %q",
						ErrUnresolvedDependency, id, dep.PluginID)
					changed = true
					break
				}
			}
		}
	}
}

// kahnSort orders the non-excluded plugins by repeatedly emitting the node
// with no unmet dependencies, smallest id first. It returns the order and,
// for cycle reporting, the adjacency (dependent -> dependencies) of
// whatever could not be ordered.
func (r *Resolver) kahnSort(byID map[string]*Manifest, excluded map[string]error) ([]string, map[string][]string) {
	indegree := make(map[string]int)
	dependents := make(map[string][]string)

	for id, m := range byID {
		if _, skip := excluded[id]; skip {
			continue
		}
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range m.Dependencies {
			indegree[id]++
			dependents[dep.PluginID] = append(dependents[dep.PluginID], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range dependents[id] {
			if _, skip := excluded[dependent]; skip {
				continue
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
	}

	remaining := make(map[string][]string)
	for id, deg := range indegree {
		if deg <= 0 {
			continue
		}
		for _, dep := range byID[id].Dependencies {
			if rd, ok := indegree[dep.PluginID]; ok && rd > 0 {
				remaining[id] = append(remaining[id], dep.PluginID)
			}
		}
	}
	return order, remaining
}

// stronglyConnected returns the strongly connected components of the given
// adjacency map (Tarjan). Single-node components carry no cycle; manifest
// validation already rejects self-dependencies.
func stronglyConnected(graph map[string][]string) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var components [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var component []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			components = append(components, component)
		}
	}

	nodes := make([]string, 0, len(graph))
	for v := range graph {
		nodes = append(nodes, v)
	}
	sort.Strings(nodes)
	for _, v := range nodes {
		if _, seen := indices[v]; !seen {
			strongconnect(v)
		}
	}

	return components
}
