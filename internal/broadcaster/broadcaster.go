// Package broadcaster is the in-process pub/sub that fans WAF and ban
// events out to attached subscriber channels with per-subscriber
// backpressure (spec.md §4.11, L5 Broadcaster). Grounded on the teacher's
// cluster-heartbeat fan-out idiom in internal/services/cluster_failover.go,
// adapted from a fixed set of cluster peers to a dynamic set of topic
// subscribers.
package broadcaster

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic is one of the two event channels spec.md §3/§4.11 defines.
type Topic string

const (
	TopicWAF Topic = "waf"
	TopicBan Topic = "ban"
)

// queueCapacity is the per-subscriber backpressure bound (spec.md §4.11).
const queueCapacity = 256

// heartbeatInterval is how often a keep-alive event is pushed to every
// subscriber (spec.md §4.11).
const heartbeatInterval = 30 * time.Second

// Event is an envelope pushed to subscribers. Payload holds the
// WAFEventPayload/BanEventPayload shape described in spec.md §6.
type Event struct {
	Topic   Topic
	Payload any
}

// Heartbeat is sent on the subscriber's channel as a keep-alive sentinel.
type Heartbeat struct{}

// Lossy is sent once a subscriber's queue has dropped at least one event,
// so the consumer can reconnect/resync (spec.md §4.11).
type Lossy struct{}

type subscriber struct {
	id     string
	topics map[Topic]bool
	ch     chan any
	lossy  bool
}

// Broadcaster fans events out to subscribers. Safe for concurrent use.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go b.heartbeatLoop()
}

// Stop halts the heartbeat loop and waits for it to exit.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Subscribe attaches a new subscriber interested in topics and returns its
// id plus the channel to read events from. The channel also carries
// Heartbeat and Lossy sentinels.
func (b *Broadcaster) Subscribe(topics []Topic) (id string, ch <-chan any) {
	id = uuid.NewString()
	topicSet := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}

	sub := &subscriber{id: id, topics: topicSet, ch: make(chan any, queueCapacity)}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return id, sub.ch
}

// Unsubscribe detaches a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers event to every subscriber of topic, per-subscriber
// non-blocking (spec.md §4.11). If a subscriber's queue is saturated the
// two oldest queued items are dropped to make room for the event and a
// Lossy sentinel, and the subscriber is marked lossy.
func (b *Broadcaster) Publish(topic Topic, payload any) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.topics[topic] {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	event := Event{Topic: topic, Payload: payload}
	for _, sub := range targets {
		b.send(sub, event)
	}
}

func (b *Broadcaster) send(sub *subscriber, v any) {
	select {
	case sub.ch <- v:
		return
	default:
	}

	// Queue saturated: drop the two oldest entries to make room for the
	// event and the Lossy sentinel, then mark lossy.
	for i := 0; i < 2; i++ {
		select {
		case <-sub.ch:
		default:
		}
	}

	b.mu.Lock()
	sub.lossy = true
	b.mu.Unlock()

	select {
	case sub.ch <- v:
	default:
		log.Printf("[broadcaster] subscriber %s still saturated after drop, event discarded", sub.id)
	}

	select {
	case sub.ch <- Lossy{}:
	default:
	}
}

func (b *Broadcaster) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.beatAll()
		}
	}
}

// beatAll pushes a heartbeat to every subscriber. A saturated queue is not
// itself a failure here — only Publish's send path treats saturation as
// lossy; dead subscribers are reaped when their consumer calls Unsubscribe.
func (b *Broadcaster) beatAll() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- Heartbeat{}:
		default:
		}
	}
}

// SubscriberCount reports the number of currently attached subscribers
// (used by tests and diagnostics).
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// IsLossy reports whether a subscriber has ever had an event dropped.
func (b *Broadcaster) IsLossy(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return false
	}
	return sub.lossy
}
