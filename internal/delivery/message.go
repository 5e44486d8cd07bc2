// Package delivery implements the guaranteed delivery engine (C2): the
// per-message state machine covering attempts, retries, acknowledgment and
// read tracking, timeouts, loop guards, and multi-recipient accounting.
package delivery

import (
	"encoding/json"
	"sync"
	"time"
)

// Mode is the delivery mode derived from the recipient shape at send time.
type Mode string

const (
	ModeA2A       Mode = "A2A"
	ModeA2MA      Mode = "A2MA"
	ModeBroadcast Mode = "broadcast"
)

// Status is a tracked message's lifecycle state. The total order
// pending < sent < delivered < acknowledged < read governs monotone
// transitions; timeout and failed are absorbing terminal states.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusRead         Status = "read"
	StatusTimeout      Status = "timeout"
	StatusFailed       Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:      0,
	StatusSent:         1,
	StatusDelivered:    2,
	StatusAcknowledged: 3,
	StatusRead:         4,
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusTimeout || s == StatusFailed || s == StatusRead
}

// advances reports whether moving from s to next respects the total order
// (or is a jump to an absorbing terminal state).
func (s Status) advances(next Status) bool {
	if next == StatusTimeout || next == StatusFailed {
		return true
	}
	curRank, curOK := statusRank[s]
	nextRank, nextOK := statusRank[next]
	if !curOK || !nextOK {
		return false
	}
	return nextRank >= curRank
}

// MessageType classifies a tracked message's origin and confirmation role.
type MessageType string

const (
	TypeContent      MessageType = "content"
	TypeConfirmation MessageType = "confirmation"
	TypeSystem       MessageType = "system"
)

// Priority is a coarse delivery priority hint. It is recorded on the tracked
// message and reported in snapshots; the engine does not interpret it, deliver
// envelopes do not carry it, and synthesized confirmations always use medium.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// RecipientState tracks one recipient's progress through the lifecycle for
// A2MA/broadcast messages.
type RecipientState struct {
	Status         Status    `json:"status"`
	DeliveredAt    time.Time `json:"deliveredAt,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledgedAt,omitempty"`
	ReadAt         time.Time `json:"readAt,omitempty"`
}

// ConfirmationPayload is the structured body of a synthesized confirmation
// message (§4.2.8). Its rendered text form contains the literal substrings
// "DELIVERY_CONFIRMED" / "READ_CONFIRMED" so downstream agents can pattern
// match on it, while remaining a typed struct internally.
type ConfirmationPayload struct {
	OriginalMessageID string    `json:"originalMessageId"`
	Kind              AckKind   `json:"kind"`
	Agent             string    `json:"agent"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// Label renders the substring scenario S1 asserts on: "DELIVERY_CONFIRMED"
// for a delivery ack, "READ_CONFIRMED" for a read receipt.
func (c ConfirmationPayload) Label() string {
	if c.Kind == AckKindRead {
		return "READ_CONFIRMED"
	}
	return "DELIVERY_CONFIRMED"
}

// MarshalJSON renders the typed fields plus a "label" field carrying Label(),
// so the JSON text sent on the wire contains the confirmation substring.
func (c ConfirmationPayload) MarshalJSON() ([]byte, error) {
	type plain ConfirmationPayload
	return json.Marshal(struct {
		plain
		Label string `json:"label"`
	}{plain(c), c.Label()})
}

// Message is the engine's in-memory record governing a single in-flight
// send. It is mutated only by the delivery engine in response to attempts,
// acks, reads, or timer expirations.
type Message struct {
	mu sync.Mutex

	ID                     string
	From                   string
	To                     string   // single recipient, the comma-joined sorted A2MA list, or the broadcast sentinel "*"
	Recipients             []string // the resolved recipient list for A2MA/broadcast, frozen at send time
	DeliveryMode           Mode
	Content                any
	MessageType            MessageType
	Priority               Priority
	Metadata               map[string]any
	CreatedAt              time.Time

	Status         Status
	Attempts       int
	LastAttemptAt  time.Time
	DeliveredAt    time.Time
	AcknowledgedAt time.Time
	ReadAt         time.Time
	TimeoutAt      time.Time

	RecipientState map[string]*RecipientState

	ConfirmationChainDepth int
	ProcessedKeys          map[string]struct{}

	RequiresAck         bool
	RequiresReadReceipt bool

	ackTimer      *time.Timer
	deliveryTimer *time.Timer
}

// Snapshot is an immutable, lock-free view of a tracked message for external
// consumers (get_status frames, stats).
type Snapshot struct {
	ID                     string                    `json:"id"`
	From                   string                    `json:"from"`
	To                     string                    `json:"to"`
	Recipients             []string                  `json:"recipients,omitempty"`
	DeliveryMode           Mode                      `json:"deliveryMode"`
	MessageType            MessageType               `json:"messageType"`
	Priority               Priority                  `json:"priority"`
	Status                 Status                    `json:"status"`
	Attempts               int                       `json:"attempts"`
	CreatedAt              time.Time                 `json:"createdAt"`
	DeliveredAt            time.Time                 `json:"deliveredAt,omitempty"`
	AcknowledgedAt         time.Time                 `json:"acknowledgedAt,omitempty"`
	ReadAt                 time.Time                 `json:"readAt,omitempty"`
	RecipientState         map[string]RecipientState `json:"recipientState,omitempty"`
	RequiresAck            bool                      `json:"requiresAck"`
	RequiresReadReceipt    bool                      `json:"requiresReadReceipt"`
	ConfirmationChainDepth int                       `json:"confirmationChainDepth"`
}

// Snapshot copies the message's current state under lock.
func (m *Message) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// snapshotLocked builds a Snapshot assuming the caller already holds m.mu.
func (m *Message) snapshotLocked() Snapshot {
	recipients := make(map[string]RecipientState, len(m.RecipientState))
	for agent, state := range m.RecipientState {
		recipients[agent] = *state
	}
	return Snapshot{
		ID:                     m.ID,
		From:                   m.From,
		To:                     m.To,
		Recipients:             append([]string(nil), m.Recipients...),
		DeliveryMode:           m.DeliveryMode,
		MessageType:            m.MessageType,
		Priority:               m.Priority,
		Status:                 m.Status,
		Attempts:               m.Attempts,
		CreatedAt:              m.CreatedAt,
		DeliveredAt:            m.DeliveredAt,
		AcknowledgedAt:         m.AcknowledgedAt,
		ReadAt:                 m.ReadAt,
		RecipientState:         recipients,
		RequiresAck:            m.RequiresAck,
		RequiresReadReceipt:    m.RequiresReadReceipt,
		ConfirmationChainDepth: m.ConfirmationChainDepth,
	}
}

// AckKind distinguishes a delivery acknowledgment from a read receipt.
type AckKind string

const (
	AckKindDelivery AckKind = "delivery"
	AckKindRead     AckKind = "read"
)

// Ack is an inbound acknowledgment or read receipt from a recipient.
type Ack struct {
	OriginalMessageID string
	Kind              AckKind
	From              string
	FromInstance      string
}
