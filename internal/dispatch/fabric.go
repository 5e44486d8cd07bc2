// Package dispatch implements the dispatch fabric (C3): the seam between
// the delivery engine and everything that is not the delivery engine —
// the push server transport, the lifecycle event bus, the audit trail, and
// an optional external memory store.
package dispatch

import (
	"relaymesh/hub/internal/delivery"
	"relaymesh/hub/internal/events"
	"relaymesh/hub/internal/logging"
)

// Transport delivers an outbound envelope to the session behind an
// instance. Implemented by the push server.
type Transport interface {
	Deliver(envelope delivery.Envelope) error
}

// AuditSink records a lifecycle event for the durable audit trail.
// Implemented by internal/audit.
type AuditSink interface {
	Record(topic string, payload any)
}

// MetricsRecorder is the narrow set of counters the fabric feeds. Satisfied
// structurally by *metrics.Metrics without dispatch importing that package.
type MetricsRecorder interface {
	IncDeliveryAttempt()
	IncDeliveryFailure()
	IncAckTimeout()
	IncConfirmationSent(kind string)
}

// MemoryStore is the narrow archive/search capability the hub consumes
// from an external collaborator (§6): persisting message content and
// updating it on terminal transitions. Never on the delivery-correctness
// path — every call here is fire-and-forget.
type MemoryStore interface {
	Store(agentID string, record any, scope, kind string) (string, error)
	Update(id string, record any, scope string) error
}

// terminalTopics are the lifecycle events that trigger a MemoryStore.Update
// of the archived record: the terminal failure and ack-timeout events plus
// the acknowledgment, read, and confirmation progress events.
var terminalTopics = map[string]bool{
	"delivery.failed":         true,
	"acknowledgment.timeout":  true,
	"message.acknowledged":    true,
	"message.read":            true,
	"delivery.confirmed":      true,
	"delivery.confirmed.read": true,
}

// Option configures optional Fabric collaborators at construction time.
type Option func(*Fabric)

// WithAudit wires the audit trail sink.
func WithAudit(sink AuditSink) Option {
	return func(f *Fabric) { f.audit = sink }
}

// WithMemoryStore wires the external archive/search collaborator.
func WithMemoryStore(store MemoryStore) Option {
	return func(f *Fabric) { f.memory = store }
}

// WithMetrics wires a Prometheus-backed counter sink.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(f *Fabric) { f.metrics = recorder }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(f *Fabric) {
		if logger != nil {
			f.log = logger
		}
	}
}

// Fabric implements delivery.Dispatcher, fanning a single engine callback
// out to the transport, the event bus, the audit trail, and the memory
// store — none of which the engine itself references directly.
type Fabric struct {
	transport Transport
	bus       *events.Bus
	audit     AuditSink
	memory    MemoryStore
	metrics   MetricsRecorder
	log       *logging.Logger
}

// New constructs a dispatch fabric bound to a transport and event bus.
// Both the audit sink and memory store are optional collaborators.
func New(transport Transport, bus *events.Bus, opts ...Option) *Fabric {
	f := &Fabric{
		transport: transport,
		bus:       bus,
		log:       logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// EmitDeliver hands an envelope to the transport and, when a memory store
// is configured, archives the message content. Errors from the archive
// call are logged and never propagate back to the engine.
func (f *Fabric) EmitDeliver(envelope delivery.Envelope) error {
	if f.metrics != nil {
		f.metrics.IncDeliveryAttempt()
	}
	err := f.transport.Deliver(envelope)
	if err != nil {
		f.log.Warn("transport delivery failed",
			logging.MessageID(envelope.MessageID),
			logging.AgentID(envelope.ToInstance.AgentID),
			logging.InstanceID(envelope.ToInstance.InstanceID),
			logging.Error(err))
	}
	if f.memory != nil {
		if _, storeErr := f.memory.Store(envelope.From, envelope.Payload, "message", string(envelope.Kind)); storeErr != nil {
			f.log.Warn("memory store failed",
				logging.MessageID(envelope.MessageID),
				logging.Error(storeErr))
		}
	}
	return err
}

// EmitEvent publishes a lifecycle event to the bus, forwards it to the
// audit trail, and — for topics marking a terminal transition — updates
// the archived record in the memory store. All side channels are
// fire-and-forget: a failure here never unwinds the delivery engine's own
// state (§7 generalizes "confirmation emission failure: logged, does not
// affect the original message's state" to every side-channel write).
func (f *Fabric) EmitEvent(topic string, payload any) {
	if f.bus != nil {
		f.bus.Publish(topic, payload)
	}
	if f.audit != nil {
		f.audit.Record(topic, payload)
	}
	if f.metrics != nil {
		switch topic {
		case "delivery.failed":
			f.metrics.IncDeliveryFailure()
		case "acknowledgment.timeout":
			f.metrics.IncAckTimeout()
		case "delivery.confirmed":
			f.metrics.IncConfirmationSent("delivery")
		case "delivery.confirmed.read":
			f.metrics.IncConfirmationSent("read")
		}
	}
	if f.memory != nil && terminalTopics[topic] {
		id, ok := messageID(payload)
		if ok {
			if err := f.memory.Update(id, payload, "message"); err != nil {
				f.log.Warn("memory update failed", logging.String("topic", topic), logging.Error(err))
			}
		}
	}
}

// messageID extracts the tracked-message ID from an event payload, which
// is always a delivery.Snapshot in practice.
func messageID(payload any) (string, bool) {
	snap, ok := payload.(delivery.Snapshot)
	if !ok || snap.ID == "" {
		return "", false
	}
	return snap.ID, true
}
