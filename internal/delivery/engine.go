package delivery

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaymesh/hub/internal/logging"
	"relaymesh/hub/internal/registry"
)

// EnvelopeKind discriminates the kind of outbound wire envelope C3 emits.
type EnvelopeKind string

const (
	EnvelopeDeliver       EnvelopeKind = "deliver"
	EnvelopeAckRequest    EnvelopeKind = "ack-request"
	EnvelopeReadRequest   EnvelopeKind = "read-request"
	EnvelopeLifecycleEvnt EnvelopeKind = "lifecycle-event"
)

// Envelope is the transient, wire-facing record C3 hands to the transport.
type Envelope struct {
	Kind       EnvelopeKind
	MessageID  string
	From       string
	ToInstance registry.Instance
	Payload    any
	Metadata   map[string]any
	Flags      EnvelopeFlags
}

// EnvelopeFlags carries the policy flags that travel with a deliver envelope.
type EnvelopeFlags struct {
	RequiresAck         bool
	RequiresReadReceipt bool
}

// Dispatcher is the narrow seam the engine uses to reach the transport and
// the event bus without holding transport references itself (§4.3): it is
// the only component permitted to do so inside the engine's call paths.
type Dispatcher interface {
	EmitDeliver(envelope Envelope) error
	EmitEvent(topic string, payload any)
}

// Target describes the recipient shape of a send call.
type Target struct {
	Agent     string   // set for A2A
	Agents    []string // set for A2MA
	Broadcast bool     // set for broadcast
}

// SendOptions customizes a send beyond its defaults.
type SendOptions struct {
	MessageType            MessageType
	Priority               Priority
	RequiresAck            *bool
	RequiresReadReceipt    *bool
	Metadata               map[string]any
	ConfirmationChainDepth int
}

// Config bounds the engine's timing and retry behaviour (§6).
type Config struct {
	DeliveryTimeout  time.Duration
	AckTimeout       time.Duration
	MaxRetries       int
	BaseBackoff      time.Duration
	SweeperInterval  time.Duration
	EvictionAge      time.Duration
}

// Option configures optional Engine behaviour at construction time.
type Option func(*Engine)

// WithClock overrides the default wall-clock time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithIDGenerator overrides message ID generation, for deterministic tests.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// Engine owns the lifecycle of every in-flight message (C2). It is the
// single authoritative owner of the tracked-messages map; all mutation of a
// given message happens under that message's own lock.
type Engine struct {
	mu       sync.Mutex
	messages map[string]*Message

	registry   *registry.Registry
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
	newID      func() string
	log        *logging.Logger
}

// New constructs a delivery engine wired to the given instance registry and
// dispatch fabric.
func New(reg *registry.Registry, dispatcher Dispatcher, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		messages:   make(map[string]*Message),
		registry:   reg,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		log:        logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Send records a new tracked message and schedules its first delivery
// attempt asynchronously (§4.2.1). It returns synchronously; delivery itself
// is asynchronous.
func (e *Engine) Send(from string, target Target, content any, opts SendOptions) (*Message, error) {
	if strings.TrimSpace(from) == "" {
		return nil, ErrMissingSender
	}
	if target.Agent == "" && len(target.Agents) == 0 && !target.Broadcast {
		return nil, ErrMissingRecipient
	}

	msgType := opts.MessageType
	if msgType == "" {
		msgType = TypeContent
	}

	depth := opts.ConfirmationChainDepth
	requiresAck := msgType == TypeContent
	requiresRead := requiresAck
	if opts.RequiresAck != nil {
		requiresAck = *opts.RequiresAck
	}
	if opts.RequiresReadReceipt != nil {
		requiresRead = *opts.RequiresReadReceipt
	}
	if msgType != TypeContent {
		// Invariant 1: requiresAck/requiresReadReceipt only meaningful for content messages.
		requiresAck = false
		requiresRead = false
	}
	if msgType == TypeConfirmation {
		// Invariant 2: a confirmation always has chain depth exactly 1 and
		// never requires further acknowledgment.
		depth = 1
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	mode, recipients, to := e.resolveTarget(from, target)

	msg := &Message{
		ID:                     e.newID(),
		From:                   from,
		To:                     to,
		Recipients:             recipients,
		DeliveryMode:           mode,
		Content:                content,
		MessageType:            msgType,
		Priority:               priority,
		Metadata:               opts.Metadata,
		CreatedAt:              e.now(),
		Status:                 StatusPending,
		ConfirmationChainDepth: depth,
		ProcessedKeys:          make(map[string]struct{}),
		RequiresAck:            requiresAck,
		RequiresReadReceipt:    requiresRead,
	}
	if mode != ModeA2A {
		msg.RecipientState = make(map[string]*RecipientState, len(recipients))
		for _, agent := range recipients {
			msg.RecipientState[agent] = &RecipientState{Status: StatusPending}
		}
	}

	e.mu.Lock()
	e.messages[msg.ID] = msg
	e.mu.Unlock()

	go e.attemptDelivery(msg.ID)

	return msg, nil
}

func (e *Engine) resolveTarget(from string, target Target) (Mode, []string, string) {
	switch {
	case target.Broadcast:
		var recipients []string
		for _, agent := range e.registry.AllLiveAgentIDs() {
			if agent != from {
				recipients = append(recipients, agent)
			}
		}
		return ModeBroadcast, recipients, "*"
	case len(target.Agents) > 0:
		recipients := append([]string(nil), target.Agents...)
		sort.Strings(recipients)
		return ModeA2MA, recipients, strings.Join(recipients, ",")
	default:
		return ModeA2A, []string{target.Agent}, target.Agent
	}
}

// Get returns a tracked message by ID, or nil if it is not in flight.
func (e *Engine) Get(id string) *Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messages[id]
}

// Pending returns every currently tracked message's snapshot.
func (e *Engine) Pending() []Snapshot {
	e.mu.Lock()
	msgs := make([]*Message, 0, len(e.messages))
	for _, m := range e.messages {
		msgs = append(msgs, m)
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) attemptDelivery(id string) {
	msg := e.Get(id)
	if msg == nil {
		return
	}

	msg.mu.Lock()
	msg.Attempts++
	msg.LastAttemptAt = e.now()
	msg.Status = StatusSent
	attempts := msg.Attempts
	targets := e.targetsLocked(msg)
	msg.mu.Unlock()

	type delivered struct {
		agent    string
		instance registry.Instance
	}
	var succeeded []delivered
	var failedAgents []string

	for _, agent := range targets {
		inst, ok := e.registry.FreshestInstance(agent)
		if !ok {
			failedAgents = append(failedAgents, agent)
			continue
		}
		succeeded = append(succeeded, delivered{agent: agent, instance: inst})
	}

	now := e.now()
	msg.mu.Lock()
	for _, agent := range failedAgents {
		if msg.RecipientState != nil {
			if state, ok := msg.RecipientState[agent]; ok {
				state.Status = StatusFailed
			}
		}
	}
	for _, d := range succeeded {
		if msg.RecipientState != nil {
			if state, ok := msg.RecipientState[d.agent]; ok {
				state.Status = StatusDelivered
				state.DeliveredAt = now
			}
		}
	}
	anyDelivered := len(succeeded) > 0
	if anyDelivered {
		msg.Status = StatusDelivered
		msg.DeliveredAt = now
	}
	requiresAck := msg.RequiresAck
	msg.mu.Unlock()

	for _, d := range succeeded {
		envelope := Envelope{
			Kind:       EnvelopeDeliver,
			MessageID:  msg.ID,
			From:       msg.From,
			ToInstance: d.instance,
			Payload:    msg.Content,
			Metadata:   msg.Metadata,
			Flags:      EnvelopeFlags{RequiresAck: msg.RequiresAck, RequiresReadReceipt: msg.RequiresReadReceipt},
		}
		if err := e.dispatcher.EmitDeliver(envelope); err != nil {
			e.log.Warn("deliver envelope failed", logging.MessageID(msg.ID), logging.AgentID(d.agent), logging.InstanceID(d.instance.InstanceID), logging.Error(err))
		}
	}

	if !anyDelivered {
		e.handleAttemptFailure(msg, attempts)
		return
	}

	if requiresAck {
		e.armAckTimer(msg)
		return
	}

	if e.allTerminal(msg) {
		e.finalize(msg, StatusDelivered)
	}
}

func (e *Engine) targetsLocked(msg *Message) []string {
	if msg.DeliveryMode == ModeA2A {
		return []string{msg.To}
	}
	return msg.Recipients
}

func (e *Engine) handleAttemptFailure(msg *Message, attempts int) {
	if attempts >= e.maxRetries() {
		msg.mu.Lock()
		msg.Status = StatusFailed
		msg.TimeoutAt = e.now()
		if msg.RecipientState != nil {
			for _, state := range msg.RecipientState {
				if state.Status != StatusDelivered && state.Status != StatusAcknowledged && state.Status != StatusRead {
					state.Status = StatusFailed
				}
			}
		}
		msg.mu.Unlock()

		e.dispatcher.EmitEvent("delivery.failed", msg.Snapshot())
		e.evict(msg.ID)
		return
	}

	backoff := e.cfg.BaseBackoff * time.Duration(1<<uint(attempts-1))
	time.AfterFunc(backoff, func() {
		if e.Get(msg.ID) != nil {
			e.attemptDelivery(msg.ID)
		}
	})
}

func (e *Engine) maxRetries() int {
	if e.cfg.MaxRetries <= 0 {
		return 1
	}
	return e.cfg.MaxRetries
}

func (e *Engine) armAckTimer(msg *Message) {
	timeout := e.cfg.AckTimeout
	if timeout <= 0 {
		timeout = DefaultAckTimeoutFallback
	}
	timer := time.AfterFunc(timeout, func() { e.onAckTimeout(msg.ID) })

	msg.mu.Lock()
	if msg.ackTimer != nil {
		msg.ackTimer.Stop()
	}
	msg.ackTimer = timer
	msg.mu.Unlock()
}

// DefaultAckTimeoutFallback guards against a zero-value Config in ad-hoc tests.
const DefaultAckTimeoutFallback = 10 * time.Second

func (e *Engine) cancelAckTimer(msg *Message) {
	msg.mu.Lock()
	if msg.ackTimer != nil {
		msg.ackTimer.Stop()
		msg.ackTimer = nil
	}
	msg.mu.Unlock()
}

func (e *Engine) onAckTimeout(id string) {
	msg := e.Get(id)
	if msg == nil {
		return
	}
	msg.mu.Lock()
	if msg.Status.IsTerminal() {
		msg.mu.Unlock()
		return
	}
	msg.Status = StatusTimeout
	msg.TimeoutAt = e.now()
	msg.mu.Unlock()

	e.dispatcher.EmitEvent("acknowledgment.timeout", msg.Snapshot())
	e.evict(id)
}

// ProcessAck applies an inbound acknowledgment or read receipt (§4.2.4).
func (e *Engine) ProcessAck(ack Ack) {
	msg := e.Get(ack.OriginalMessageID)
	if msg == nil {
		return // unknown message: silently ignored
	}

	key := fmt.Sprintf("%s:%s", ack.From, ack.Kind)

	msg.mu.Lock()
	if _, dup := msg.ProcessedKeys[key]; dup {
		msg.mu.Unlock()
		return // duplicate ack: silently ignored
	}
	msg.ProcessedKeys[key] = struct{}{}

	now := e.now()
	if msg.RecipientState != nil {
		if state, ok := msg.RecipientState[ack.From]; ok {
			switch ack.Kind {
			case AckKindDelivery:
				state.Status = StatusAcknowledged
				state.AcknowledgedAt = now
			case AckKindRead:
				state.Status = StatusRead
				state.ReadAt = now
			}
		}
	}
	if msg.DeliveryMode == ModeA2A {
		if msg.Status.advances(statusForKind(ack.Kind)) {
			msg.Status = statusForKind(ack.Kind)
		}
		switch ack.Kind {
		case AckKindDelivery:
			msg.AcknowledgedAt = now
		case AckKindRead:
			msg.ReadAt = now
		}
	} else {
		e.refreshAggregateStatusLocked(msg)
	}
	terminated := e.isTerminatedLocked(msg, ack.Kind)
	snapshot := msg.snapshotLocked()
	originalType := msg.MessageType
	originalDepth := msg.ConfirmationChainDepth
	msg.mu.Unlock()

	if ack.Kind == AckKindDelivery {
		if msg.DeliveryMode == ModeA2A || e.allRecipientsAcknowledgedOrBetter(msg) {
			e.cancelAckTimer(msg)
		}
	}

	if originalType == TypeContent {
		if confirmation, err := e.synthesizeConfirmation(msg, ack, originalDepth); err != nil {
			e.log.Warn("confirmation emission failed", logging.MessageID(msg.ID), logging.Error(err))
		} else if confirmation != nil {
			e.dispatcher.EmitEvent(confirmationTopic(ack.Kind), confirmation.Snapshot())
		}
	}

	switch ack.Kind {
	case AckKindDelivery:
		e.dispatcher.EmitEvent("message.acknowledged", snapshot)
	case AckKindRead:
		e.dispatcher.EmitEvent("message.read", snapshot)
	}

	if terminated {
		e.evict(msg.ID)
	}
}

func statusForKind(kind AckKind) Status {
	if kind == AckKindRead {
		return StatusRead
	}
	return StatusAcknowledged
}

func confirmationTopic(kind AckKind) string {
	if kind == AckKindRead {
		return "delivery.confirmed.read"
	}
	return "delivery.confirmed"
}

// refreshAggregateStatusLocked recomputes the top-level status for A2MA/
// broadcast messages: "any delivered" during the delivered phase, advancing
// toward the aggregate terminal states as recipients progress. Caller must
// hold msg.mu.
func (e *Engine) refreshAggregateStatusLocked(msg *Message) {
	anyAcknowledged, anyRead := false, false
	for _, state := range msg.RecipientState {
		switch state.Status {
		case StatusRead:
			anyRead = true
			anyAcknowledged = true
		case StatusAcknowledged:
			anyAcknowledged = true
		}
	}
	if anyRead && msg.Status.advances(StatusRead) {
		msg.Status = StatusRead
	} else if anyAcknowledged && msg.Status.advances(StatusAcknowledged) {
		msg.Status = StatusAcknowledged
	}
}

// isTerminatedLocked decides whether the message has reached its termination
// condition per §4.2.4 step 8. Caller must hold msg.mu.
func (e *Engine) isTerminatedLocked(msg *Message, kind AckKind) bool {
	if msg.DeliveryMode == ModeA2A {
		if kind == AckKindRead {
			return true
		}
		return kind == AckKindDelivery && !msg.RequiresReadReceipt
	}
	for _, state := range msg.RecipientState {
		terminalRequired := StatusRead
		if !msg.RequiresReadReceipt {
			terminalRequired = StatusAcknowledged
		}
		switch state.Status {
		case StatusFailed:
			continue
		case StatusRead:
			continue
		case StatusAcknowledged:
			if terminalRequired == StatusAcknowledged {
				continue
			}
			return false
		default:
			return false
		}
	}
	return true
}

func (e *Engine) allRecipientsAcknowledgedOrBetter(msg *Message) bool {
	msg.mu.Lock()
	defer msg.mu.Unlock()
	for _, state := range msg.RecipientState {
		if state.Status == StatusFailed {
			continue
		}
		if state.Status != StatusAcknowledged && state.Status != StatusRead {
			return false
		}
	}
	return true
}

// allTerminal reports whether every recipient has nothing further to wait
// for. When the message does not require acks, "delivered" itself counts as
// terminal — no ack or read is ever coming.
func (e *Engine) allTerminal(msg *Message) bool {
	msg.mu.Lock()
	defer msg.mu.Unlock()
	if msg.DeliveryMode == ModeA2A {
		if msg.Status.IsTerminal() {
			return true
		}
		return !msg.RequiresAck && msg.Status == StatusDelivered
	}
	for _, state := range msg.RecipientState {
		if state.Status == StatusFailed || state.Status.IsTerminal() {
			continue
		}
		if !msg.RequiresAck && state.Status == StatusDelivered {
			continue
		}
		return false
	}
	return true
}

// synthesizeConfirmation generates the system confirmation message routed
// back to the original sender (§4.2.4 step 6). It refuses to generate a
// confirmation for a message that is already itself a confirmation,
// enforcing rule 6.1 defensively even though ordinary callers never reach
// this path for non-content originals.
func (e *Engine) synthesizeConfirmation(original *Message, ack Ack, originalDepth int) (*Message, error) {
	if originalDepth > 0 {
		return nil, ErrConfirmationLoop
	}
	payload := ConfirmationPayload{
		OriginalMessageID: original.ID,
		Kind:              ack.Kind,
		Agent:             ack.From,
		OccurredAt:        e.now(),
	}
	falseVal := false
	return e.Send(ack.From, Target{Agent: original.From}, payload, SendOptions{
		MessageType:            TypeConfirmation,
		Priority:               PriorityMedium,
		RequiresAck:            &falseVal,
		RequiresReadReceipt:    &falseVal,
		ConfirmationChainDepth: 1,
	})
}

// ConfirmationFor directly exercises the confirmation-synthesis path for a
// tracked message, without requiring a live ack frame. It mirrors S6's
// second clause: generating a confirmation for a message whose
// confirmationChainDepth is already > 0 must be rejected.
func (e *Engine) ConfirmationFor(messageID string, kind AckKind) (*Message, error) {
	msg := e.Get(messageID)
	if msg == nil {
		return nil, ErrMissingRecipient
	}
	msg.mu.Lock()
	depth := msg.ConfirmationChainDepth
	from := msg.From
	msg.mu.Unlock()
	return e.synthesizeConfirmation(msg, Ack{OriginalMessageID: messageID, Kind: kind, From: from}, depth)
}

func (e *Engine) finalize(msg *Message, status Status) {
	msg.mu.Lock()
	msg.Status = status
	msg.mu.Unlock()
	e.evict(msg.ID)
}

func (e *Engine) evict(id string) {
	e.mu.Lock()
	msg, ok := e.messages[id]
	if ok {
		delete(e.messages, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.cancelAckTimer(msg)
}

// Sweep evicts tracked messages older than the eviction age, as a defensive
// backstop behind the state machine (§4.2.5).
func (e *Engine) Sweep() {
	cutoff := e.now().Add(-e.cfg.EvictionAge)

	e.mu.Lock()
	var stale []*Message
	for _, msg := range e.messages {
		if msg.CreatedAt.Before(cutoff) {
			stale = append(stale, msg)
		}
	}
	e.mu.Unlock()

	for _, msg := range stale {
		msg.mu.Lock()
		msg.Status = StatusFailed
		msg.mu.Unlock()
		e.dispatcher.EmitEvent("delivery.failed", msg.Snapshot())
		e.evict(msg.ID)
	}
}
