// Package streaming fans orchestration events and output chunks out to
// subscribers.
//
// Topics:
//
//	conv:{id}         all events for a conversation
//	conv:{id}:stream  output chunks only
//	global:metrics    cross-conversation signals
//
// Delivery is at-most-once per subscriber over a bounded buffer: a
// subscriber that cannot keep up is dropped, with a slow_consumer event
// published in its place, so one stalled WebSocket never blocks the
// orchestration loop. Messages carry a per-topic monotonic sequence
// number; gaps tell a client it was dropped or late.
package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/orchlabs/orch/internal/observability"
)

// MessageKind discriminates hub messages.
type MessageKind string

const (
	// KindConnectionEstablished is the greeting frame a transport
	// writes to a client when it attaches to a conversation.
	KindConnectionEstablished MessageKind = "connection_established"

	KindEvent     MessageKind = "event"
	KindChunk     MessageKind = "chunk"
	KindHeartbeat MessageKind = "heartbeat"

	// KindFinal closes a conversation's stream; its seq is greater
	// than every event published before it.
	KindFinal MessageKind = "final"
)

// Message is one unit of fan-out.
type Message struct {
	// Topic the message was published to.
	Topic string `json:"topic"`

	// Seq is the per-topic monotonic sequence number.
	Seq uint64 `json:"seq"`

	Kind MessageKind `json:"kind"`

	// Event is set for KindEvent.
	Event *observability.Event `json:"event,omitempty"`

	// Text is set for KindChunk.
	Text string `json:"text,omitempty"`

	// Status is set for KindFinal: the conversation's settled status.
	Status string `json:"status,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Topic name helpers.
func ConversationTopic(convID string) string { return "conv:" + convID }
func StreamTopic(convID string) string       { return "conv:" + convID + ":stream" }

// GlobalMetricsTopic carries cross-conversation signals.
const GlobalMetricsTopic = "global:metrics"

// Subscription is one subscriber's bounded feed. Receive from C until
// it closes; a closed channel means the subscription ended (Close, hub
// shutdown, or slow-consumer drop).
type Subscription struct {
	// C delivers messages in publish order.
	C <-chan Message

	hub   *Hub
	topic string
	ch    chan Message
	once  sync.Once
}

// Close cancels the subscription.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.topic, s, true)
}

// Hub is the fan-out core.
type Hub struct {
	buffer    int
	heartbeat time.Duration
	recorder  *observability.Recorder
	logger    *observability.Logger

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
	stop   chan struct{}
}

type topicState struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// Config tunes the hub.
type Config struct {
	// SubscriberBuffer is the per-subscriber queue size.
	SubscriberBuffer int

	// HeartbeatInterval is the idle heartbeat cadence, capped at 30s.
	HeartbeatInterval time.Duration
}

// NewHub creates a hub and starts its heartbeat loop.
func NewHub(config Config, recorder *observability.Recorder, logger *observability.Logger) *Hub {
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = 64
	}
	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval > 30*time.Second {
		config.HeartbeatInterval = 25 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if recorder == nil {
		recorder = observability.NewRecorder(logger)
	}
	h := &Hub{
		buffer:    config.SubscriberBuffer,
		heartbeat: config.HeartbeatInterval,
		recorder:  recorder,
		logger:    logger,
		topics:    map[string]*topicState{},
		stop:      make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

// Subscribe opens a bounded subscription on a topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan Message, h.buffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic}
	sub.hub = h

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	st, ok := h.topics[topic]
	if !ok {
		st = &topicState{subs: map[*Subscription]struct{}{}}
		h.topics[topic] = st
	}
	st.subs[sub] = struct{}{}
	return sub
}

// PublishEvent publishes an orchestration event to a topic.
func (h *Hub) PublishEvent(topic string, e observability.Event) {
	h.publish(topic, Message{Kind: KindEvent, Event: &e})
}

// PublishChunk publishes an output text chunk to a conversation's
// stream topic.
func (h *Hub) PublishChunk(convID, text string) {
	h.publish(StreamTopic(convID), Message{Kind: KindChunk, Text: text})
}

// PublishFinal announces a conversation's settled status on its topic.
func (h *Hub) PublishFinal(convID, status string) {
	h.publish(ConversationTopic(convID), Message{Kind: KindFinal, Status: status})
}

// ConnectionEstablished builds the per-connection greeting frame for a
// topic. Seq snapshots the topic's current sequence number so the
// client knows where its view of the stream begins; the frame itself
// does not advance the sequence.
func (h *Hub) ConnectionEstablished(topic string) Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var seq uint64
	if st, ok := h.topics[topic]; ok {
		seq = st.seq
	}
	return Message{
		Topic:     topic,
		Seq:       seq,
		Kind:      KindConnectionEstablished,
		Timestamp: time.Now().UTC(),
	}
}

// publish assigns the next per-topic seq and delivers without blocking.
// Full subscriber buffers drop the subscriber, not the publisher.
func (h *Hub) publish(topic string, msg Message) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	st, ok := h.topics[topic]
	if !ok || len(st.subs) == 0 {
		// Sequence numbers advance even with nobody listening, so a
		// late subscriber can tell how much it missed.
		if ok {
			st.seq++
		}
		h.mu.Unlock()
		return
	}

	st.seq++
	msg.Topic = topic
	msg.Seq = st.seq
	msg.Timestamp = time.Now().UTC()

	var dropped int
	for sub := range st.subs {
		select {
		case sub.ch <- msg:
		default:
			delete(st.subs, sub)
			sub.once.Do(func() { close(sub.ch) })
			dropped++
		}
	}
	h.mu.Unlock()

	// Recorded outside the lock: the recorder may fan back into the hub.
	for i := 0; i < dropped; i++ {
		h.logger.Warn(context.Background(), "dropping slow subscriber", "topic", topic)
		h.recorder.Record(context.Background(), observability.EventSlowConsumer, map[string]any{
			"topic": topic,
		})
	}
}

func (h *Hub) unsubscribe(topic string, sub *Subscription, closeCh bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.topics[topic]; ok {
		if _, present := st.subs[sub]; present {
			delete(st.subs, sub)
			if len(st.subs) == 0 {
				delete(h.topics, topic)
			}
			if closeCh {
				sub.once.Do(func() { close(sub.ch) })
			}
		}
	}
}

// heartbeatLoop publishes a heartbeat on every subscribed topic so
// idle connections see traffic within the heartbeat interval.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			topics := make([]string, 0, len(h.topics))
			for topic := range h.topics {
				topics = append(topics, topic)
			}
			h.mu.Unlock()
			for _, topic := range topics {
				h.publish(topic, Message{Kind: KindHeartbeat})
			}
		}
	}
}

// Close shuts the hub down and closes all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.stop)
	for _, st := range h.topics {
		for sub := range st.subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	h.topics = map[string]*topicState{}
}

// Sink adapts the hub to the event pipeline: every recorded event
// fans out to its conversation topic and, for global signals, the
// metrics topic.
func (h *Hub) Sink() observability.EventSink {
	return observability.SinkFunc(func(_ context.Context, e observability.Event) {
		if e.ConversationID != "" {
			h.PublishEvent(ConversationTopic(e.ConversationID), e)
		}
		switch e.Type {
		case observability.EventBudgetWarning, observability.EventBudgetExceeded,
			observability.EventSlowConsumer, observability.EventPerfDegradation,
			observability.EventSecurityEvent:
			h.PublishEvent(GlobalMetricsTopic, e)
		}
	})
}
