package numina

import (
	"context"
	"sync"
)

// TargetKind identifies where an assistant-originated message goes.
type TargetKind string

const (
	TargetUser    TargetKind = "user"
	TargetAgent   TargetKind = "agent"
	TargetGroup   TargetKind = "group"
	TargetChannel TargetKind = "channel"
)

// MessageTarget addresses a delivery. Exactly the field for Kind is set.
type MessageTarget struct {
	Kind    TargetKind `json:"kind"`
	AgentID AgentID    `json:"agent_id,omitempty"`
	GroupID GroupID    `json:"group_id,omitempty"`
	Channel string     `json:"channel,omitempty"`
}

// Endpoint consumes assistant-originated messages for one destination: a
// chat surface, another agent, or a group. Chat adapters register these
// with an agent; the built-in send_message tool dispatches through them.
type Endpoint interface {
	Deliver(ctx context.Context, target MessageTarget, content string) error
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, target MessageTarget, content string) error

func (f EndpointFunc) Deliver(ctx context.Context, target MessageTarget, content string) error {
	return f(ctx, target, content)
}

// endpointSet is an agent's registered delivery surface: one default user
// endpoint plus named endpoints. Absent a matching name, the default user
// endpoint receives the message.
type endpointSet struct {
	mu         sync.RWMutex
	defaultEnd Endpoint
	named      map[string]Endpoint
}

func newEndpointSet() *endpointSet {
	return &endpointSet{named: make(map[string]Endpoint)}
}

func (s *endpointSet) setDefault(e Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultEnd = e
}

func (s *endpointSet) register(name string, e Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.named[name] = e
}

// resolve picks the endpoint for a target: the one named for it, else the
// default user endpoint.
func (s *endpointSet) resolve(target MessageTarget) Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := ""
	switch target.Kind {
	case TargetAgent:
		name = string(target.AgentID)
	case TargetGroup:
		name = string(target.GroupID)
	case TargetChannel:
		name = target.Channel
	}
	if name != "" {
		if e, ok := s.named[name]; ok {
			return e
		}
	}
	return s.defaultEnd
}

// deliver dispatches through the resolved endpoint. Missing endpoints are
// a NotFound, surfaced to the calling tool as an error result.
func (s *endpointSet) deliver(ctx context.Context, target MessageTarget, content string) error {
	e := s.resolve(target)
	if e == nil {
		return &ErrNotFound{Kind: "endpoint", ID: string(target.Kind)}
	}
	return e.Deliver(ctx, target, content)
}
