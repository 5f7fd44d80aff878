package plugin

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Instance is the live record for one loaded plugin: its manifest, the
// constructed plugin object, and the lifecycle bookkeeping around it.
type Instance struct {
	ID           string
	Manifest     *Manifest
	Dir          string
	ManifestPath string
	Plugin       Plugin
	Config       map[string]any
	State        State
	Transitions  map[State]time.Time
	LoadedAt     time.Time
	LastError    error
	ErrorCount   int

	transitioning bool
}

// info returns a read-only snapshot of the instance. Callers hold the
// store lock.
func (in *Instance) info() InstanceInfo {
	transitions := make(map[State]time.Time, len(in.Transitions))
	for state, at := range in.Transitions {
		transitions[state] = at
	}
	snapshot := InstanceInfo{
		ID:          in.ID,
		Manifest:    *in.Manifest,
		State:       in.State,
		Transitions: transitions,
		LoadedAt:    in.LoadedAt,
	}
	if in.LastError != nil {
		snapshot.LastError = in.LastError.Error()
	}
	return snapshot
}

// InstanceStore tracks loaded plugin instances and serializes their
// lifecycle transitions. At most one transition per plugin is in flight at
// a time; the store lock is never held while a plugin hook runs.
type InstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewInstanceStore creates an empty instance store.
func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		instances: make(map[string]*Instance),
	}
}

// Add registers a new instance record in the Unloaded state. The record is
// created mid-transition so the load that follows cannot race with another
// transition; the caller must pair Add with EndTransition.
func (s *InstanceStore) Add(manifest *Manifest, dir, manifestPath string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[manifest.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginExists, manifest.ID)
	}

	in := &Instance{
		ID:            manifest.ID,
		Manifest:      manifest,
		Dir:           dir,
		ManifestPath:  manifestPath,
		State:         StateUnloaded,
		Transitions:   map[State]time.Time{StateUnloaded: time.Now()},
		LoadedAt:      time.Now(),
		transitioning: true,
	}
	s.instances[manifest.ID] = in
	return in, nil
}

// Get returns a snapshot of one instance.
func (s *InstanceStore) Get(id string) (InstanceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, exists := s.instances[id]
	if !exists {
		return InstanceInfo{}, false
	}
	return in.info(), true
}

// List returns snapshots of all instances, ordered by plugin id.
func (s *InstanceStore) List() []InstanceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]InstanceInfo, 0, len(s.instances))
	for _, in := range s.instances {
		infos = append(infos, in.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// StateOf reports the current state of one plugin.
func (s *InstanceStore) StateOf(id string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, exists := s.instances[id]
	if !exists {
		return StateUnloaded, false
	}
	return in.State, true
}

// IDs returns all known plugin ids, sorted.
func (s *InstanceStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Manifests returns the manifests of all known instances.
func (s *InstanceStore) Manifests() []*Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	manifests := make([]*Manifest, 0, len(s.instances))
	for _, in := range s.instances {
		manifests = append(manifests, in.Manifest)
	}
	return manifests
}

// Paths reports where the instance's manifest came from.
func (s *InstanceStore) Paths(id string) (dir, manifestPath string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, exists := s.instances[id]
	if !exists {
		return "", "", false
	}
	return in.Dir, in.ManifestPath, true
}

// BeginTransition claims the exclusive right to transition one plugin and
// returns its live record. Callers must pair it with EndTransition.
func (s *InstanceStore) BeginTransition(id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, exists := s.instances[id]
	if !exists {
		return nil, fmt.Errorf("%w: plugin %s", ErrNotFound, id)
	}
	if in.transitioning {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTransitioning, id)
	}
	in.transitioning = true
	return in, nil
}

// EndTransition releases the transition claim taken by BeginTransition.
func (s *InstanceStore) EndTransition(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in, exists := s.instances[id]; exists {
		in.transitioning = false
	}
}

// SetState records a state change plus its timestamp.
func (s *InstanceStore) SetState(in *Instance, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in.State = state
	in.Transitions[state] = time.Now()
}

// RecordError moves the instance to the Error state and remembers what
// went wrong.
func (s *InstanceStore) RecordError(in *Instance, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in.State = StateError
	in.Transitions[StateError] = time.Now()
	in.LastError = err
	in.ErrorCount++
}

// Remove deletes the instance record entirely.
func (s *InstanceStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.instances, id)
}

// CountByState tallies instances per lifecycle state.
func (s *InstanceStore) CountByState() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[State]int, 5)
	for _, in := range s.instances {
		counts[in.State]++
	}
	return counts
}
