package delivery_test

import (
	"sync"
	"testing"
	"time"

	"relaymesh/hub/internal/delivery"
	"relaymesh/hub/internal/registry"
)

// fakeDispatcher stands in for the dispatch fabric (C3): it records every
// deliver envelope and lifecycle event the engine emits, so these tests
// exercise the engine's state machine without a real transport or push
// server in the loop.
type fakeDispatcher struct {
	mu          sync.Mutex
	delivered   []delivery.Envelope
	events      []recordedEvent
	subscribers []chan recordedEvent
}

type recordedEvent struct {
	topic   string
	payload any
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{}
}

func (f *fakeDispatcher) EmitDeliver(envelope delivery.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, envelope)
	return nil
}

func (f *fakeDispatcher) EmitEvent(topic string, payload any) {
	f.mu.Lock()
	f.events = append(f.events, recordedEvent{topic, payload})
	subs := append([]chan recordedEvent(nil), f.subscribers...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- recordedEvent{topic, payload}
	}
}

func (f *fakeDispatcher) deliveredTo(agentID string) []delivery.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery.Envelope
	for _, e := range f.delivered {
		if e.ToInstance.AgentID == agentID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeDispatcher) countEvents(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

// waitForTopic blocks until an event on topic has been recorded, or fails
// the test after timeout. Registration races with EmitEvent are closed by
// checking history and subscribing under the same lock.
func (f *fakeDispatcher) waitForTopic(t *testing.T, topic string, timeout time.Duration) recordedEvent {
	t.Helper()
	ch := make(chan recordedEvent, 16)

	f.mu.Lock()
	for _, e := range f.events {
		if e.topic == topic {
			f.mu.Unlock()
			return e
		}
	}
	f.subscribers = append(f.subscribers, ch)
	f.mu.Unlock()

	deadline := time.After(timeout)
	for {
		select {
		case e := <-ch:
			if e.topic == topic {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", topic)
			return recordedEvent{}
		}
	}
}

func newTestEngine(t *testing.T, cfg delivery.Config) (*delivery.Engine, *registry.Registry, *fakeDispatcher) {
	t.Helper()
	reg := registry.New()
	disp := newFakeDispatcher()
	return delivery.New(reg, disp, cfg), reg, disp
}

func fastConfig() delivery.Config {
	return delivery.Config{
		DeliveryTimeout: 50 * time.Millisecond,
		AckTimeout:      80 * time.Millisecond,
		MaxRetries:      3,
		BaseBackoff:     15 * time.Millisecond,
		SweeperInterval: time.Hour,
		EvictionAge:     time.Hour,
	}
}

func boolPtr(b bool) *bool { return &b }

// S1 — A2A happy path: register both sides, send, ack, read, and observe
// the synthesized DELIVERY_CONFIRMED/READ_CONFIRMED confirmations.
func TestS1HappyPathDeliveryAckAndRead(t *testing.T) {
	engine, reg, disp := newTestEngine(t, fastConfig())
	reg.Register("A", "A1", nil, nil)
	reg.Register("B", "B1", nil, nil)

	msg, err := engine.Send("A", delivery.Target{Agent: "B"}, "hi", delivery.SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	delivered := waitForDelivery(t, disp, "B", time.Second)
	if delivered.MessageID != msg.ID {
		t.Fatalf("expected delivery of %s, got %s", msg.ID, delivered.MessageID)
	}

	engine.ProcessAck(delivery.Ack{OriginalMessageID: msg.ID, Kind: delivery.AckKindDelivery, From: "B"})
	confirmed := disp.waitForTopic(t, "delivery.confirmed", time.Second)
	_ = confirmed
	if disp.countEvents("message.acknowledged") != 1 {
		t.Fatalf("expected exactly one message.acknowledged event")
	}

	confirmDeliver := waitForDelivery(t, disp, "A", time.Second)
	payload, ok := confirmDeliver.Payload.(delivery.ConfirmationPayload)
	if !ok {
		t.Fatalf("expected confirmation payload, got %#v", confirmDeliver.Payload)
	}
	if payload.Label() != "DELIVERY_CONFIRMED" {
		t.Fatalf("expected DELIVERY_CONFIRMED label, got %s", payload.Label())
	}

	engine.ProcessAck(delivery.Ack{OriginalMessageID: msg.ID, Kind: delivery.AckKindRead, From: "B"})
	disp.waitForTopic(t, "delivery.confirmed.read", time.Second)
	disp.waitForTopic(t, "message.read", time.Second)

	waitForEviction(t, engine, msg.ID, time.Second)
}

// S2 — offline recipient: all retries are exhausted and the message
// terminates failed with no confirmation ever emitted.
func TestS2OfflineRecipientExhaustsRetriesAndFails(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 3
	cfg.BaseBackoff = 5 * time.Millisecond
	engine, reg, disp := newTestEngine(t, cfg)
	reg.Register("A", "A1", nil, nil)
	// B is never registered: no live instance will ever be found.

	msg, err := engine.Send("A", delivery.Target{Agent: "B"}, "x", delivery.SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	event := disp.waitForTopic(t, "delivery.failed", time.Second)
	snapshot, ok := event.payload.(delivery.Snapshot)
	if !ok {
		t.Fatalf("expected Snapshot payload, got %#v", event.payload)
	}
	if snapshot.ID != msg.ID {
		t.Fatalf("expected failure for %s, got %s", msg.ID, snapshot.ID)
	}
	if snapshot.Status != delivery.StatusFailed {
		t.Fatalf("expected status failed, got %s", snapshot.Status)
	}
	if snapshot.Attempts != cfg.MaxRetries {
		t.Fatalf("invariant 5: expected attempts == maxRetries (%d), got %d", cfg.MaxRetries, snapshot.Attempts)
	}
	if disp.countEvents("delivery.confirmed") != 0 {
		t.Fatalf("no confirmation should be emitted for a failed message")
	}
	waitForEviction(t, engine, msg.ID, time.Second)
}

// S3 — ack timeout: B receives the message but never acks; the message
// times out and is evicted without a dangling delivered state.
func TestS3AckTimeoutTerminatesMessage(t *testing.T) {
	cfg := fastConfig()
	cfg.AckTimeout = 30 * time.Millisecond
	engine, reg, disp := newTestEngine(t, cfg)
	reg.Register("A", "A1", nil, nil)
	reg.Register("B", "B1", nil, nil)

	msg, err := engine.Send("A", delivery.Target{Agent: "B"}, "y", delivery.SendOptions{RequiresAck: boolPtr(true)})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitForDelivery(t, disp, "B", time.Second)

	event := disp.waitForTopic(t, "acknowledgment.timeout", time.Second)
	snapshot := event.payload.(delivery.Snapshot)
	if snapshot.Status != delivery.StatusTimeout {
		t.Fatalf("expected status timeout, got %s", snapshot.Status)
	}
	waitForEviction(t, engine, msg.ID, time.Second)
}

// S4 — duplicate ack: the second acknowledge for the same message is
// silently ignored; exactly one confirmation is produced (invariants 2, 3).
func TestS4DuplicateAckIgnoredProducesSingleConfirmation(t *testing.T) {
	engine, reg, disp := newTestEngine(t, fastConfig())
	reg.Register("A", "A1", nil, nil)
	reg.Register("B", "B1", nil, nil)

	msg, err := engine.Send("A", delivery.Target{Agent: "B"}, "hi", delivery.SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitForDelivery(t, disp, "B", time.Second)

	ack := delivery.Ack{OriginalMessageID: msg.ID, Kind: delivery.AckKindDelivery, From: "B"}
	engine.ProcessAck(ack)
	disp.waitForTopic(t, "delivery.confirmed", time.Second)
	engine.ProcessAck(ack) // duplicate: must be a no-op

	// Give the (absent) second round a moment to have misbehaved if it would.
	time.Sleep(30 * time.Millisecond)

	if n := disp.countEvents("delivery.confirmed"); n != 1 {
		t.Fatalf("expected exactly one delivery.confirmed event, got %d", n)
	}
	if n := disp.countEvents("message.acknowledged"); n != 1 {
		t.Fatalf("expected exactly one message.acknowledged event, got %d", n)
	}
}

// S5 — A2MA partial success: B and C are online, D is not. Top-level status
// becomes delivered once any recipient succeeds, D is marked failed, and the
// message only terminates once every live recipient has read it.
func TestS5MultiRecipientPartialSuccess(t *testing.T) {
	engine, reg, disp := newTestEngine(t, fastConfig())
	reg.Register("A", "A1", nil, nil)
	reg.Register("B", "B1", nil, nil)
	reg.Register("C", "C1", nil, nil)
	// D is never registered.

	msg, err := engine.Send("A", delivery.Target{Agents: []string{"B", "C", "D"}}, "z", delivery.SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitForDelivery(t, disp, "B", time.Second)
	waitForDelivery(t, disp, "C", time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := engine.Get(msg.ID); got != nil {
			snap := got.Snapshot()
			if snap.Status == delivery.StatusDelivered {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := engine.Get(msg.ID)
	if got == nil {
		t.Fatalf("message should still be tracked awaiting acks")
	}
	snap := got.Snapshot()
	if snap.Status != delivery.StatusDelivered {
		t.Fatalf("expected top-level delivered once any recipient succeeded, got %s", snap.Status)
	}
	if state, ok := snap.RecipientState["D"]; !ok || state.Status != delivery.StatusFailed {
		t.Fatalf("expected D marked failed, got %#v", snap.RecipientState["D"])
	}

	engine.ProcessAck(delivery.Ack{OriginalMessageID: msg.ID, Kind: delivery.AckKindDelivery, From: "B"})
	engine.ProcessAck(delivery.Ack{OriginalMessageID: msg.ID, Kind: delivery.AckKindDelivery, From: "C"})
	engine.ProcessAck(delivery.Ack{OriginalMessageID: msg.ID, Kind: delivery.AckKindRead, From: "B"})
	engine.ProcessAck(delivery.Ack{OriginalMessageID: msg.ID, Kind: delivery.AckKindRead, From: "C"})

	waitForEviction(t, engine, msg.ID, time.Second)
}

// S6 — confirmation loop guard: directly asking the engine to generate a
// confirmation for an already-chained message is rejected (rule 6.1,
// invariant 3), and a confirmation message never itself produces a further
// confirmation. A is deliberately left unregistered: a confirmation message
// always has requiresAck forced false (invariant 1), so a delivered
// confirmation finalizes and evicts itself synchronously inside the send
// goroutine, which would otherwise race this test's lookup of it by ID.
func TestS6ConfirmationLoopGuard(t *testing.T) {
	engine, reg, disp := newTestEngine(t, fastConfig())
	reg.Register("B", "B1", nil, nil)

	falseVal := false
	confirmation, err := engine.Send("B", delivery.Target{Agent: "A"}, delivery.ConfirmationPayload{}, delivery.SendOptions{
		MessageType:            delivery.TypeConfirmation,
		RequiresAck:            &falseVal,
		RequiresReadReceipt:    &falseVal,
		ConfirmationChainDepth: 1,
	})
	if err != nil {
		t.Fatalf("sending a confirmation message should be accepted: %v", err)
	}

	if _, err := engine.ConfirmationFor(confirmation.ID, delivery.AckKindDelivery); err != delivery.ErrConfirmationLoop {
		t.Fatalf("expected ErrConfirmationLoop, got %v", err)
	}
	engine.ProcessAck(delivery.Ack{OriginalMessageID: confirmation.ID, Kind: delivery.AckKindDelivery, From: "A"})
	if n := disp.countEvents("delivery.confirmed"); n != 0 {
		t.Fatalf("a confirmation message must never itself produce a confirmation, got %d events", n)
	}
}

// Invariant 6: broadcast expansion is frozen at send time and is not
// re-evaluated on retry, even if new agents register afterward.
func TestBroadcastExpansionFrozenAtSendTime(t *testing.T) {
	engine, reg, disp := newTestEngine(t, fastConfig())
	reg.Register("A", "A1", nil, nil)
	reg.Register("B", "B1", nil, nil)

	msg, err := engine.Send("A", delivery.Target{Broadcast: true}, "announce", delivery.SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(msg.Recipients) != 1 || msg.Recipients[0] != "B" {
		t.Fatalf("expected broadcast target {B} at send time, got %v", msg.Recipients)
	}

	// A late-joining agent must not retroactively become a recipient.
	reg.Register("C", "C1", nil, nil)
	waitForDelivery(t, disp, "B", time.Second)
	if len(disp.deliveredTo("C")) != 0 {
		t.Fatalf("invariant 6: broadcast must not re-resolve targets on retry, but C received a delivery")
	}
}

func TestSendRejectsMissingSenderAndRecipient(t *testing.T) {
	engine, _, _ := newTestEngine(t, fastConfig())

	if _, err := engine.Send("", delivery.Target{Agent: "B"}, "x", delivery.SendOptions{}); err != delivery.ErrMissingSender {
		t.Fatalf("expected ErrMissingSender, got %v", err)
	}
	if _, err := engine.Send("A", delivery.Target{}, "x", delivery.SendOptions{}); err != delivery.ErrMissingRecipient {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
}

// waitForDelivery polls the fake dispatcher until it observes a delivery
// to agentID or fails the test after timeout.
func waitForDelivery(t *testing.T, disp *fakeDispatcher, agentID string, timeout time.Duration) delivery.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if envs := disp.deliveredTo(agentID); len(envs) > 0 {
			return envs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for delivery to %s", agentID)
	return delivery.Envelope{}
}

// waitForEviction polls until the engine no longer tracks messageID, or
// fails the test after timeout. Eviction follows lifecycle event emission
// by a few synchronous statements, not a separate goroutine, but polling
// keeps the assertion robust rather than relying on that ordering.
func waitForEviction(t *testing.T, engine *delivery.Engine, messageID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if engine.Get(messageID) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message %s was not evicted in time", messageID)
}
