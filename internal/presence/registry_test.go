package presence

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (f *fakeStream) Send(event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("dead peer")
	}
	f.events = append(f.events, event.(Event))
	return nil
}

func (f *fakeStream) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestPublishReachesSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakeStream{}
	b := &fakeStream{}
	r.SubscribeTask("t1", a)
	r.SubscribeTask("t1", b)
	r.SubscribeTask("t2", &fakeStream{})

	r.PublishTask("t1", Event{Type: "step_completed"})
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestDeadStreamIsDropped(t *testing.T) {
	r := NewRegistry(nil)
	healthy := &fakeStream{}
	dead := &fakeStream{fail: true}
	r.SubscribeAgent("a1", healthy)
	r.SubscribeAgent("a1", dead)

	r.PublishAgent("a1", Event{Type: "a2a_message"})
	require.True(t, dead.closed)

	// Second publish only reaches the healthy stream; the dead one is
	// gone from the registry, not retried.
	r.PublishAgent("a1", Event{Type: "a2a_message"})
	assert.Equal(t, 2, healthy.count())
	assert.Equal(t, 0, dead.count())
}

func TestAgentOnline(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.AgentOnline("a1"))

	s := &fakeStream{}
	r.SubscribeAgent("a1", s)
	assert.True(t, r.AgentOnline("a1"))

	r.Unsubscribe(s)
	assert.False(t, r.AgentOnline("a1"))
}

func TestUnsubscribeRemovesFromAllKeySpaces(t *testing.T) {
	r := NewRegistry(nil)
	s := &fakeStream{}
	r.SubscribeTask("t1", s)
	r.SubscribeUser("u1", s)
	r.SubscribeAgent("a1", s)

	r.Unsubscribe(s)
	r.PublishTask("t1", Event{Type: "x"})
	r.PublishUser("u1", Event{Type: "x"})
	r.PublishAgent("a1", Event{Type: "x"})
	assert.Equal(t, 0, s.count())
}

func TestPublishSetsTimestamp(t *testing.T) {
	r := NewRegistry(nil)
	s := &fakeStream{}
	r.SubscribeUser("u1", s)

	r.PublishUser("u1", Event{Type: "plan_started"})
	require.Equal(t, 1, s.count())
	assert.False(t, s.events[0].Timestamp.IsZero())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := &fakeStream{}
			r.SubscribeTask("t", s)
			r.Unsubscribe(s)
		}()
		go func() {
			defer wg.Done()
			r.PublishTask("t", Event{Type: "tick"})
		}()
	}
	wg.Wait()
}
