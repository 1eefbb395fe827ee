package broker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/metrics"
)

type groupMembers map[domain.ConnectionID]domain.Member

// Registry tracks which members belong to which group on this process.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]groupMembers
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]groupMembers)}
}

// Add registers m under group. Returns true if m is the group's first member.
// Adding an existing member again is a no-op.
func (r *Registry) Add(group string, m domain.Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.groups[group]
	if !exists {
		members = make(groupMembers)
		r.groups[group] = members
	}
	members[m.ID()] = m
	return !exists
}

// Remove drops m from group. removed reports whether m was a member, last
// whether the group is now empty (and has been deleted).
func (r *Registry) Remove(group string, m domain.Member) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.groups[group]
	if !exists {
		return false, false
	}
	if _, ok := members[m.ID()]; !ok {
		return false, false
	}

	delete(members, m.ID())
	if len(members) == 0 {
		delete(r.groups, group)
		return true, true
	}
	return true, false
}

// Members returns a snapshot of the group's members.
func (r *Registry) Members(group string) []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	snapshot := make([]domain.Member, 0, len(members))
	for _, m := range members {
		snapshot = append(snapshot, m)
	}
	return snapshot
}

// Size returns the number of members in group.
func (r *Registry) Size(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// Groups returns the number of non-empty groups.
func (r *Registry) Groups() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Fanout delivers env to every current member of group and returns how many
// accepted it. Deliver runs outside the lock so members may leave concurrently.
func (r *Registry) Fanout(group string, env domain.Envelope) int {
	delivered := 0
	for _, m := range r.Members(group) {
		if err := m.Deliver(env); err != nil {
			metrics.BrokerDeliveriesTotal.WithLabelValues("dropped").Inc()
			if !errors.Is(err, domain.ErrSessionClosed) {
				slog.Debug("Delivery dropped", "group", group, "connection_id", m.ID().String(), "error", err)
			}
			continue
		}
		metrics.BrokerDeliveriesTotal.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered
}
