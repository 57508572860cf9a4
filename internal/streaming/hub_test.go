package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/orchlabs/orch/internal/observability"
)

func TestPublishOrderAndSeq(t *testing.T) {
	h := NewHub(Config{SubscriberBuffer: 16}, nil, nil)
	defer h.Close()

	sub := h.Subscribe(StreamTopic("c1"))
	defer sub.Close()

	for _, text := range []string{"a", "b", "c"} {
		h.PublishChunk("c1", text)
	}

	var got []Message
	for i := 0; i < 3; i++ {
		select {
		case m := <-sub.C:
			got = append(got, m)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for chunk")
		}
	}
	for i, m := range got {
		if m.Seq != uint64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, m.Seq, i+1)
		}
		if m.Kind != KindChunk {
			t.Errorf("kind = %s", m.Kind)
		}
	}
	if got[0].Text != "a" || got[2].Text != "c" {
		t.Errorf("order = %v", got)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	defer h.Close()

	events := h.Subscribe(ConversationTopic("c1"))
	chunks := h.Subscribe(StreamTopic("c1"))
	defer events.Close()
	defer chunks.Close()

	h.PublishChunk("c1", "hello")
	h.PublishEvent(ConversationTopic("c1"), observability.Event{Type: observability.EventConversationStart})

	select {
	case m := <-chunks.C:
		if m.Kind != KindChunk {
			t.Errorf("stream topic got %s", m.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no chunk")
	}
	select {
	case m := <-events.C:
		if m.Kind != KindEvent || m.Event.Type != observability.EventConversationStart {
			t.Errorf("conv topic got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	// The chunk must not have leaked onto the event topic.
	select {
	case m := <-events.C:
		t.Fatalf("unexpected extra message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowConsumerDropped(t *testing.T) {
	recorder := observability.NewRecorder(nil)
	var slowEvents int
	recorder.AddSink(observability.SinkFunc(func(_ context.Context, e observability.Event) {
		if e.Type == observability.EventSlowConsumer {
			slowEvents++
		}
	}))
	h := NewHub(Config{SubscriberBuffer: 2}, recorder, nil)
	defer h.Close()

	slow := h.Subscribe(StreamTopic("c1"))

	// Never read slow: its buffer (2) fills, the third publish drops
	// it, and the publisher never blocks.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			h.PublishChunk("c1", "x")
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// slow's channel holds the 2 buffered messages, then closes.
	deadline := time.After(time.Second)
	received := 0
	for {
		var done bool
		select {
		case _, ok := <-slow.C:
			if !ok {
				done = true
			} else {
				received++
			}
		case <-deadline:
			t.Fatal("slow subscriber never dropped")
		}
		if done {
			break
		}
	}
	if received != 2 {
		t.Errorf("slow received %d before drop, want 2", received)
	}
	if slowEvents == 0 {
		t.Error("expected slow_consumer event")
	}
}

func TestFinalFrameSequencedAfterEvents(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	defer h.Close()

	sub := h.Subscribe(ConversationTopic("c1"))
	defer sub.Close()

	h.PublishEvent(ConversationTopic("c1"), observability.Event{Type: observability.EventConversationEnd})
	h.PublishFinal("c1", "completed")

	var got []Message
	for i := 0; i < 2; i++ {
		select {
		case m := <-sub.C:
			got = append(got, m)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	}
	if got[0].Kind != KindEvent || got[1].Kind != KindFinal {
		t.Fatalf("kinds = %s, %s", got[0].Kind, got[1].Kind)
	}
	if got[1].Seq <= got[0].Seq {
		t.Errorf("final seq %d not greater than event seq %d", got[1].Seq, got[0].Seq)
	}
	if got[1].Status != "completed" {
		t.Errorf("status = %q", got[1].Status)
	}
}

func TestConnectionEstablishedSnapshotsSeq(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	defer h.Close()

	sub := h.Subscribe(ConversationTopic("c1"))
	defer sub.Close()

	h.PublishEvent(ConversationTopic("c1"), observability.Event{Type: observability.EventConversationStart})
	h.PublishEvent(ConversationTopic("c1"), observability.Event{Type: observability.EventAgentResponse})

	greeting := h.ConnectionEstablished(ConversationTopic("c1"))
	if greeting.Kind != KindConnectionEstablished {
		t.Fatalf("kind = %s", greeting.Kind)
	}
	if greeting.Seq != 2 {
		t.Errorf("seq = %d, want 2", greeting.Seq)
	}

	// The greeting is per-connection and must not advance the topic
	// sequence.
	h.PublishFinal("c1", "completed")
	var last Message
	for i := 0; i < 3; i++ {
		select {
		case last = <-sub.C:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	}
	if last.Kind != KindFinal || last.Seq != 3 {
		t.Errorf("final = kind %s seq %d, want final seq 3", last.Kind, last.Seq)
	}
}

func TestHeartbeat(t *testing.T) {
	h := NewHub(Config{HeartbeatInterval: 20 * time.Millisecond}, nil, nil)
	defer h.Close()

	sub := h.Subscribe(ConversationTopic("c1"))
	defer sub.Close()

	select {
	case m := <-sub.C:
		if m.Kind != KindHeartbeat {
			t.Errorf("kind = %s, want heartbeat", m.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat within interval")
	}
}

func TestSinkRouting(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	defer h.Close()
	sink := h.Sink()

	conv := h.Subscribe(ConversationTopic("c1"))
	global := h.Subscribe(GlobalMetricsTopic)
	defer conv.Close()
	defer global.Close()

	sink.Consume(context.Background(), observability.Event{
		Type:           observability.EventBudgetExceeded,
		ConversationID: "c1",
	})

	for name, sub := range map[string]*Subscription{"conv": conv, "global": global} {
		select {
		case m := <-sub.C:
			if m.Event.Type != observability.EventBudgetExceeded {
				t.Errorf("%s got %s", name, m.Event.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s topic got nothing", name)
		}
	}
}

func TestCloseUnblocksSubscribers(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	sub := h.Subscribe(ConversationTopic("c1"))
	h.Close()
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not released on close")
	}
}
