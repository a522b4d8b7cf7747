package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/guildhall-io/guildhall/internal/stats"
	"github.com/guildhall-io/guildhall/internal/types"
)

const subscriptionBuffer = 256

var ErrBrokerClosed = errors.New("broker is closed")

// Transport hands out per-topic subscriptions. The chat layer only ever
// sees this contract, not the broker itself.
type Transport interface {
	Subscribe(topic string) (Subscription, error)
}

// Subscription is a handle on one ephemeral topic. Track announces the
// caller into the topic's presence roster; Broadcast fans a named payload
// out to every subscriber including the caller.
type Subscription interface {
	Topic() string
	Events() <-chan Event
	Track(entry types.PresenceEntry) error
	Broadcast(name string, payload any) error
	Close() error
}

type subReq struct {
	topic string
	sub   *subscription
	done  chan struct{}
}

type trackReq struct {
	sub   *subscription
	entry types.PresenceEntry
	done  chan struct{}
}

type stopReq struct {
	done chan struct{}
}

// Broker owns every ephemeral topic in the process. All topic state is
// confined to the run loop; subscriptions talk to it over channels.
type Broker struct {
	log       *log.Logger
	stats     stats.StatsProvider
	subChan   chan *subReq
	unsubChan chan *subscription
	trackChan chan *trackReq
	pubChan   chan Event
	stop      chan stopReq
	done      chan struct{}
	topics    map[string]*topic
}

func NewBroker(logger *log.Logger, su stats.StatsProvider) *Broker {
	b := &Broker{
		log:       logger,
		stats:     su,
		subChan:   make(chan *subReq),
		unsubChan: make(chan *subscription),
		trackChan: make(chan *trackReq),
		pubChan:   make(chan Event, 256),
		stop:      make(chan stopReq),
		done:      make(chan struct{}),
		topics:    make(map[string]*topic),
	}

	su.RegisterMetric("NumTopics")
	su.RegisterMetric("NumSubscriptions")
	su.RegisterMetric("PresenceSyncs")
	su.RegisterMetric("EventsPublished")

	return b
}

func (b *Broker) Run() {
	for {
		select {
		case req := <-b.subChan:
			b.handleSubscribe(req)
		case sub := <-b.unsubChan:
			b.handleUnsubscribe(sub)
		case req := <-b.trackChan:
			b.handleTrack(req)
		case ev := <-b.pubChan:
			b.handlePublish(ev)
		case req := <-b.stop:
			b.log.Println("shutting down broker")
			for name, t := range b.topics {
				for sub := range t.subs {
					close(sub.events)
				}
				delete(b.topics, name)
			}
			close(b.done)
			close(req.done)
			return
		}
	}
}

func (b *Broker) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}

	select {
	case b.stop <- req:
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe attaches a new subscription to topic, creating the topic if
// it does not exist yet. The new subscriber immediately receives a sync
// snapshot of the topic's current roster.
func (b *Broker) Subscribe(topicName string) (Subscription, error) {
	sub := &subscription{
		broker: b,
		topic:  topicName,
		events: make(chan Event, subscriptionBuffer),
	}

	req := &subReq{topic: topicName, sub: sub, done: make(chan struct{})}
	select {
	case b.subChan <- req:
	case <-b.done:
		return nil, ErrBrokerClosed
	}

	select {
	case <-req.done:
	case <-b.done:
		return nil, ErrBrokerClosed
	}

	return sub, nil
}

// Publish enqueues an event for fan-out on its topic. Used by the change
// feed; broadcast payloads go through Subscription.Broadcast instead.
func (b *Broker) Publish(ev Event) error {
	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
	}

	select {
	case b.pubChan <- ev:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	}
}

func (b *Broker) handleSubscribe(req *subReq) {
	t, ok := b.topics[req.topic]
	if !ok {
		t = &topic{
			name:     req.topic,
			subs:     make(map[*subscription]struct{}),
			presence: make(map[*subscription]types.PresenceEntry),
		}
		b.topics[req.topic] = t
		b.stats.Incr("NumTopics")
	}

	t.subs[req.sub] = struct{}{}
	b.stats.Incr("NumSubscriptions")
	close(req.done)

	// let the new subscriber learn the current roster right away
	req.sub.queueEvent(Event{
		Id:        uuid.NewString(),
		Topic:     t.name,
		Kind:      EventSync,
		Roster:    t.roster(),
		Timestamp: Now(),
	})
}

func (b *Broker) handleUnsubscribe(sub *subscription) {
	t, ok := b.topics[sub.topic]
	if !ok {
		return
	}

	if _, ok := t.subs[sub]; !ok {
		return
	}

	delete(t.subs, sub)
	close(sub.events)
	b.stats.Decr("NumSubscriptions")

	_, tracked := t.presence[sub]
	delete(t.presence, sub)

	if len(t.subs) == 0 {
		delete(b.topics, t.name)
		b.stats.Decr("NumTopics")
		return
	}

	// departure of a tracked subscriber is only visible through the next
	// snapshot omitting it
	if tracked {
		b.syncTopic(t)
	}
}

func (b *Broker) handleTrack(req *trackReq) {
	defer close(req.done)

	t, ok := b.topics[req.sub.topic]
	if !ok {
		return
	}
	if _, ok := t.subs[req.sub]; !ok {
		return
	}

	t.presence[req.sub] = req.entry
	b.syncTopic(t)
}

func (b *Broker) handlePublish(ev Event) {
	t, ok := b.topics[ev.Topic]
	if !ok {
		// no subscribers, nothing to deliver
		return
	}

	b.stats.Incr("EventsPublished")
	for sub := range t.subs {
		sub.queueEvent(ev)
	}
}

// syncTopic broadcasts a full roster snapshot to every subscriber of t.
func (b *Broker) syncTopic(t *topic) {
	ev := Event{
		Id:        uuid.NewString(),
		Topic:     t.name,
		Kind:      EventSync,
		Roster:    t.roster(),
		Timestamp: Now(),
	}

	b.stats.Incr("PresenceSyncs")
	for sub := range t.subs {
		sub.queueEvent(ev)
	}
}

type topic struct {
	name     string
	subs     map[*subscription]struct{}
	presence map[*subscription]types.PresenceEntry
}

func (t *topic) roster() []types.PresenceEntry {
	roster := make([]types.PresenceEntry, 0, len(t.presence))
	for _, entry := range t.presence {
		roster = append(roster, entry)
	}

	slices.SortFunc(roster, func(a, b types.PresenceEntry) int {
		if c := a.OnlineAt.Compare(b.OnlineAt); c != 0 {
			return c
		}
		return strings.Compare(a.UserId, b.UserId)
	})

	return roster
}

type subscription struct {
	broker    *Broker
	topic     string
	events    chan Event
	closeOnce sync.Once
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Events() <-chan Event { return s.events }

func (s *subscription) Track(entry types.PresenceEntry) error {
	req := &trackReq{sub: s, entry: entry, done: make(chan struct{})}

	select {
	case s.broker.trackChan <- req:
	case <-s.broker.done:
		return ErrBrokerClosed
	}

	select {
	case <-req.done:
		return nil
	case <-s.broker.done:
		return ErrBrokerClosed
	}
}

func (s *subscription) Broadcast(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return s.broker.Publish(Event{
		Id:        uuid.NewString(),
		Topic:     s.topic,
		Kind:      EventBroadcast,
		Name:      name,
		Payload:   data,
		Timestamp: Now(),
	})
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		select {
		case s.broker.unsubChan <- s:
		case <-s.broker.done:
		}
	})
	return nil
}

// queueEvent delivers without blocking the run loop. A subscriber that
// cannot keep up loses events; clients recover on the next resync.
func (s *subscription) queueEvent(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.broker.log.Printf("dropping event for slow subscriber on topic %q", s.topic)
	}
}
