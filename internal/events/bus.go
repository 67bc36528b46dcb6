// Package events is the in-process fan-out bus: short-code topics, last
// value replay for state topics, and debounced progress streams.
package events

import (
	"strconv"
	"sync"
	"time"
)

// Topic is a short-code channel name.
type Topic string

const (
	// TopicConnections carries pool usage snapshots (state).
	TopicConnections Topic = "cxs"
	// TopicQueueProgress carries per-item import progress (state).
	TopicQueueProgress Topic = "qp"
	// TopicQueueStatus carries per-item status text (state).
	TopicQueueStatus Topic = "qs"
	// TopicQueueAdded fires when an item enters the queue (event).
	TopicQueueAdded Topic = "qa"
	// TopicQueueRemoved fires when an item leaves the queue (event).
	TopicQueueRemoved Topic = "qr"
	// TopicHistoryAdded fires when a history row is written (event).
	TopicHistoryAdded Topic = "ha"
	// TopicHealthProgress carries health sweep progress (state).
	TopicHealthProgress Topic = "hp"
	// TopicHealthStatus carries the aggregate health verdict (state).
	TopicHealthStatus Topic = "hs"
)

// stateTopics replay their last message to new subscribers.
var stateTopics = map[Topic]bool{
	TopicConnections:    true,
	TopicQueueProgress:  true,
	TopicQueueStatus:    true,
	TopicHealthProgress: true,
	TopicHealthStatus:   true,
}

// debouncedTopics coalesce rapid publishes; terminal progress values
// still pass immediately.
var debouncedTopics = map[Topic]bool{
	TopicQueueProgress:  true,
	TopicHealthProgress: true,
}

const debounceWindow = 200 * time.Millisecond

// Message is one published payload.
type Message struct {
	Topic Topic
	Data  string
}

// Progress is the payload shape for qp/hp: "itemId|percent".
type Progress struct {
	ItemID  string
	Percent int
}

// terminal percent values bypass the debounce window.
func terminalPercent(p int) bool {
	return p == 100 || p == 200 || p < 0
}

type subscriber struct {
	topics map[Topic]bool
	ch     chan Message
}

// Bus fans messages out to subscribers. Each subscriber is serialized;
// slow subscribers drop messages rather than stall publishers.
type Bus struct {
	mu        sync.Mutex
	subs      map[*subscriber]struct{}
	lastState map[Topic]Message
	lastSent  map[Topic]time.Time
	now       func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		subs:      make(map[*subscriber]struct{}),
		lastState: make(map[Topic]Message),
		lastSent:  make(map[Topic]time.Time),
		now:       time.Now,
	}
}

// Subscribe registers interest in the given topics. State topics replay
// their last value onto the channel before any later publishes. The
// returned cancel func must be called to release the subscription.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Message, func()) {
	sub := &subscriber{
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Message, 64),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	for _, t := range topics {
		if last, ok := b.lastState[t]; ok {
			sub.ch <- last
		}
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers data on a topic. Debounced topics drop messages that
// arrive within the window unless the payload is terminal.
func (b *Bus) Publish(topic Topic, data string) {
	b.publish(Message{Topic: topic, Data: data}, false)
}

// PublishProgress formats and publishes an "itemId|percent" payload,
// honoring the debounce exemption for terminal values.
func (b *Bus) PublishProgress(topic Topic, itemID string, percent int) {
	b.publish(Message{Topic: topic, Data: FormatProgress(itemID, percent)}, terminalPercent(percent))
}

func (b *Bus) publish(msg Message, force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if stateTopics[msg.Topic] {
		b.lastState[msg.Topic] = msg
	}

	if debouncedTopics[msg.Topic] && !force {
		if since := b.now().Sub(b.lastSent[msg.Topic]); since < debounceWindow {
			return
		}
	}
	b.lastSent[msg.Topic] = b.now()

	for sub := range b.subs {
		if !sub.topics[msg.Topic] {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Drop rather than block: a state topic's next replay or
			// publish will catch the subscriber up.
		}
	}
}

// FormatProgress renders the qp/hp wire payload.
func FormatProgress(itemID string, percent int) string {
	return itemID + "|" + strconv.Itoa(percent)
}
