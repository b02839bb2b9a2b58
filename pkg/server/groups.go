package server

import (
	"sort"
	"sync"
)

// GroupDirectory maintains named groups and their memberships. The
// directory lock only guards the group map; each group carries its own
// lock, so membership churn in one group does not serialize the others.
type GroupDirectory struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

// NewGroupDirectory creates an empty directory.
func NewGroupDirectory() *GroupDirectory {
	return &GroupDirectory{
		groups: make(map[string]*group),
	}
}

// Create makes a new group with creator as its first member. Returns
// false when a group with that name already exists.
func (d *GroupDirectory) Create(name, creator string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.groups[name]; exists {
		return false
	}
	d.groups[name] = &group{
		members: map[string]struct{}{creator: {}},
	}
	return true
}

// AddMember adds a user to an existing group. Adding a member twice is
// a no-op; both cases return true. Returns false when the group does
// not exist.
func (d *GroupDirectory) AddMember(name, username string) bool {
	g, ok := d.lookup(name)
	if !ok {
		return false
	}
	g.mu.Lock()
	g.members[username] = struct{}{}
	g.mu.Unlock()
	return true
}

// Members returns the group's members, sorted. The second return value
// is false when the group does not exist.
func (d *GroupDirectory) Members(name string) ([]string, bool) {
	g, ok := d.lookup(name)
	if !ok {
		return nil, false
	}
	g.mu.RLock()
	out := make([]string, 0, len(g.members))
	for m := range g.members {
		out = append(out, m)
	}
	g.mu.RUnlock()
	sort.Strings(out)
	return out, true
}

// Contains reports whether username belongs to the group.
func (d *GroupDirectory) Contains(name, username string) bool {
	g, ok := d.lookup(name)
	if !ok {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, member := g.members[username]
	return member
}

// Exists reports whether the group exists.
func (d *GroupDirectory) Exists(name string) bool {
	_, ok := d.lookup(name)
	return ok
}

// GroupsOf returns the names of all groups the user belongs to, sorted.
func (d *GroupDirectory) GroupsOf(username string) []string {
	d.mu.RLock()
	snapshot := make(map[string]*group, len(d.groups))
	for name, g := range d.groups {
		snapshot[name] = g
	}
	d.mu.RUnlock()

	var out []string
	for name, g := range snapshot {
		g.mu.RLock()
		_, member := g.members[username]
		g.mu.RUnlock()
		if member {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Names returns all group names, sorted.
func (d *GroupDirectory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.groups))
	for name := range d.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RemoveFromAll drops the user from every group. Groups persist even
// when their last member leaves; membership is not tied to presence.
func (d *GroupDirectory) RemoveFromAll(username string) {
	d.mu.RLock()
	snapshot := make([]*group, 0, len(d.groups))
	for _, g := range d.groups {
		snapshot = append(snapshot, g)
	}
	d.mu.RUnlock()

	for _, g := range snapshot {
		g.mu.Lock()
		delete(g.members, username)
		g.mu.Unlock()
	}
}

func (d *GroupDirectory) lookup(name string) (*group, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, ok := d.groups[name]
	return g, ok
}
