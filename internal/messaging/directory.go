package messaging

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Role is the closed set of agent roles.
type Role string

const (
	RoleVehicle       Role = "vehicle"
	RoleIntersection  Role = "intersection"
	RoleCrisisManager Role = "crisis_manager"
)

// Roles lists every role.
func Roles() []Role { return []Role{RoleVehicle, RoleIntersection, RoleCrisisManager} }

var ErrDuplicateAgent = errors.New("agent already registered")

// Entry is what the directory knows about one agent.
type Entry struct {
	ID       string
	Role     Role
	Position orb.Point
	// Global listeners receive every broadcast regardless of radius.
	Global bool
}

// Directory maps agent ids to role and last-known position.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]*Entry)}
}

func (d *Directory) register(e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, e.ID)
	}
	d.entries[e.ID] = &e
	return nil
}

func (d *Directory) unregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
}

// UpdatePosition records an agent's latest position. Unknown ids are ignored.
func (d *Directory) UpdatePosition(id string, p orb.Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[id]; ok {
		e.Position = p
	}
}

// Lookup returns a copy of the entry for id.
func (d *Directory) Lookup(id string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ListAgents returns the ids registered under role, sorted.
func (d *Directory) ListAgents(role Role) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, e := range d.entries {
		if e.Role == role {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns how many agents hold role.
func (d *Directory) Count(role Role) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, e := range d.entries {
		if e.Role == role {
			n++
		}
	}
	return n
}

// Within returns the ids of agents within radius of origin, plus global
// listeners, excluding exclude. Sorted for deterministic delivery order.
func (d *Directory) Within(origin orb.Point, radius float64, exclude string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, e := range d.entries {
		if id == exclude {
			continue
		}
		if e.Global || planar.Distance(origin, e.Position) <= radius {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
