// Package registry keeps the process-local bidirectional index between
// topics and connections. It is never replicated: every process tracks only
// its own connections.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/metrics"
)

// Registry maps topic → member connections and connection → subscribed
// topics. The two indices stay mutually consistent because every mutation
// goes through these methods.
type Registry struct {
	mu      sync.RWMutex
	limit   int
	byTopic map[domain.Topic]map[uuid.UUID]struct{}
	byConn  map[uuid.UUID]map[domain.Topic]struct{}
}

// New creates a registry enforcing the given per-connection topic cap.
func New(limit int) *Registry {
	return &Registry{
		limit:   limit,
		byTopic: make(map[domain.Topic]map[uuid.UUID]struct{}),
		byConn:  make(map[uuid.UUID]map[domain.Topic]struct{}),
	}
}

// Limit returns the per-connection topic cap.
func (r *Registry) Limit() int { return r.limit }

// AddMember subscribes a connection to a topic. Adding an existing
// membership is a no-op. A connection at its cap is rejected without any
// state change.
func (r *Registry) AddMember(topic domain.Topic, connID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics, ok := r.byConn[connID]
	if !ok {
		topics = make(map[domain.Topic]struct{})
		r.byConn[connID] = topics
	}
	if _, already := topics[topic]; already {
		return nil
	}
	if len(topics) >= r.limit {
		metrics.SubscriptionsRejected.Inc()
		return fmt.Errorf("connection %s has %d topics: %w", connID, len(topics), domain.ErrSubscriptionLimit)
	}

	topics[topic] = struct{}{}
	members, ok := r.byTopic[topic]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		r.byTopic[topic] = members
	}
	members[connID] = struct{}{}

	metrics.SubscriptionsCurrent.Inc()
	return nil
}

// RemoveMember unsubscribes a connection from a topic. Removing a
// membership that does not exist is a no-op.
func (r *Registry) RemoveMember(topic domain.Topic, connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(topic, connID)
}

// RemoveConnection drops every membership of a connection and returns the
// vacated topics. Called synchronously on disconnect so no membership
// outlives its connection.
func (r *Registry) RemoveConnection(connID uuid.UUID) []domain.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := r.byConn[connID]
	vacated := make([]domain.Topic, 0, len(topics))
	for topic := range topics {
		vacated = append(vacated, topic)
		r.removeLocked(topic, connID)
	}
	delete(r.byConn, connID)
	return vacated
}

// MembersOf returns a copy of the member set for a topic.
func (r *Registry) MembersOf(topic domain.Topic) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byTopic[topic]
	out := make([]uuid.UUID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// TopicsOf returns a copy of the topic set for a connection.
func (r *Registry) TopicsOf(connID uuid.UUID) []domain.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := r.byConn[connID]
	out := make([]domain.Topic, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	return out
}

// HasMembers reports whether any local connection subscribes to the topic.
// Used by the bus callback to skip topics nobody here cares about.
func (r *Registry) HasMembers(topic domain.Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic[topic]) > 0
}

// SubscriptionCount returns the total number of memberships.
func (r *Registry) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, members := range r.byTopic {
		total += len(members)
	}
	return total
}

func (r *Registry) removeLocked(topic domain.Topic, connID uuid.UUID) {
	members, ok := r.byTopic[topic]
	if !ok {
		return
	}
	if _, member := members[connID]; !member {
		return
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(r.byTopic, topic)
	}
	if topics, ok := r.byConn[connID]; ok {
		delete(topics, topic)
	}
	metrics.SubscriptionsCurrent.Dec()
}
