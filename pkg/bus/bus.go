// Package bus is the engine's client for the Event Bus: topic-based pub/sub
// of Node change notices (spec.md §2, §6). The real transport is an
// external collaborator; this package defines the interface every service
// depends on plus a minimal in-process implementation used for local runs
// and package tests.
package bus

import (
	"context"
	"sync"

	"github.com/kernelci/kernelci-pipeline/pkg/node"
)

// Event is the payload published on the "node" topic: a Node change notice
// carrying just enough fields for subscriber-side routing (spec.md §6).
type Event struct {
	ID     string      `json:"id"`
	Kind   node.Kind   `json:"kind"`
	Name   string      `json:"name"`
	State  node.State  `json:"state"`
	Result node.Result `json:"result"`
}

// FromNode builds the Event a producer publishes after writing n to the
// State Store.
func FromNode(n node.Node) Event {
	return Event{ID: n.ID, Kind: n.Kind, Name: n.Name, State: n.State, Result: n.Result}
}

// Topic is the single topic name the engine publishes Node events on
// (spec.md §6: "the engine uses a single node topic").
const Topic = "node"

// Publisher publishes events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// Subscriber delivers events published to a topic, in order, to a
// per-subscriber channel (spec.md §5: "per-topic in-order per subscriber
// but cross-subscriber ordering is not assumed").
type Subscriber interface {
	// Subscribe returns a channel of events for topic. The channel is
	// closed when ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
}

// Client is the combination every service actually needs.
type Client interface {
	Publisher
	Subscriber
}

// InProcess is a minimal in-memory pub/sub used for local/dev runs and for
// exercising the Scheduler/Reconciler/Aggregator event-driven paths in
// tests without a real Event Bus.
type InProcess struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewInProcess constructs an empty in-process bus.
func NewInProcess() *InProcess {
	return &InProcess{subs: make(map[string][]chan Event)}
}

// Publish delivers ev to every current subscriber of topic. Delivery is
// non-blocking: a slow subscriber drops events rather than stalling the
// publisher, since Node state itself is recoverable from the State Store
// even if a bus notification is missed.
func (b *InProcess) Publish(_ context.Context, topic string, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber channel for topic.
func (b *InProcess) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, c := range subs {
			if c == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Pattern is the event-pattern shape of spec.md §4.3: a Node event matches
// a pattern when every present (non-zero) field equals the Node's value.
type Pattern struct {
	Channel string
	Name    string
	Kind    node.Kind
	Result  node.Result
	State   node.State
}

// Matches reports whether ev satisfies p.
func (p Pattern) Matches(ev Event) bool {
	if p.Name != "" && p.Name != ev.Name {
		return false
	}
	if p.Kind != "" && p.Kind != ev.Kind {
		return false
	}
	if p.Result != "" && p.Result != ev.Result {
		return false
	}
	if p.State != "" && p.State != ev.State {
		return false
	}
	return true
}
