// Package presence tracks live subscriber streams and fans events out
// to them. Delivery is best effort: a stream that errors on send is
// dropped from the registry, never retried.
package presence

import (
	"log/slog"
	"sync"
	"time"
)

// Stream is one live subscriber connection. Send must be safe for
// concurrent use; the websocket Channel satisfies this with a buffered
// outbound queue.
type Stream interface {
	Send(event any) error
	Close()
}

// Event is the uniform fanout payload.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Registry holds streams in three independent key spaces: per-task,
// per-user and per-agent. One mutex guards all three; fanout snapshots
// under the lock and sends outside it so a slow socket never stalls
// registration.
type Registry struct {
	mu        sync.Mutex
	taskSubs  map[string]map[Stream]struct{}
	userSubs  map[string]map[Stream]struct{}
	agentSubs map[string]map[Stream]struct{}
	log       *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		taskSubs:  make(map[string]map[Stream]struct{}),
		userSubs:  make(map[string]map[Stream]struct{}),
		agentSubs: make(map[string]map[Stream]struct{}),
		log:       log,
	}
}

func subscribe(subs map[string]map[Stream]struct{}, key string, s Stream) {
	set, ok := subs[key]
	if !ok {
		set = make(map[Stream]struct{})
		subs[key] = set
	}
	set[s] = struct{}{}
}

func unsubscribe(subs map[string]map[Stream]struct{}, key string, s Stream) {
	if set, ok := subs[key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(subs, key)
		}
	}
}

func (r *Registry) SubscribeTask(taskID string, s Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subscribe(r.taskSubs, taskID, s)
}

func (r *Registry) SubscribeUser(userID string, s Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subscribe(r.userSubs, userID, s)
}

func (r *Registry) SubscribeAgent(agentID string, s Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subscribe(r.agentSubs, agentID, s)
}

// Unsubscribe removes s from every key space. Called on socket close.
func (r *Registry) Unsubscribe(s Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.taskSubs {
		unsubscribe(r.taskSubs, key, s)
	}
	for key := range r.userSubs {
		unsubscribe(r.userSubs, key, s)
	}
	for key := range r.agentSubs {
		unsubscribe(r.agentSubs, key, s)
	}
}

// AgentOnline reports whether at least one live stream is registered
// for the agent. The router uses this to choose push vs inbox-only.
func (r *Registry) AgentOnline(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agentSubs[agentID]) > 0
}

func (r *Registry) PublishTask(taskID string, ev Event)   { r.publish(r.taskSubs, taskID, ev) }
func (r *Registry) PublishUser(userID string, ev Event)   { r.publish(r.userSubs, userID, ev) }
func (r *Registry) PublishAgent(agentID string, ev Event) { r.publish(r.agentSubs, agentID, ev) }

func (r *Registry) publish(subs map[string]map[Stream]struct{}, key string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.Lock()
	set := subs[key]
	snapshot := make([]Stream, 0, len(set))
	for s := range set {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	var failed []Stream
	for _, s := range snapshot {
		if err := s.Send(ev); err != nil {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	for _, s := range failed {
		unsubscribe(subs, key, s)
	}
	r.mu.Unlock()
	for _, s := range failed {
		s.Close()
	}
	r.log.Debug("dropped dead streams", "key", key, "count", len(failed))
}
