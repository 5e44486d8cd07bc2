package pushserver

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"relaymesh/hub/internal/delivery"
	"relaymesh/hub/internal/events"
	"relaymesh/hub/internal/registry"
)

// handleFrame decodes the type discriminant and dispatches to the
// appropriate engine/registry call. Malformed frames get an error frame
// back rather than closing the session.
func (s *Server) handleFrame(sess *Session, raw []byte) {
	var header inboundFrame
	if err := json.Unmarshal(raw, &header); err != nil {
		s.reply(sess, errorFrame("", "malformed frame: not valid JSON"))
		return
	}

	switch header.Type {
	case "register":
		s.handleRegister(sess, header.ID, raw)
	case "subscribe":
		s.handleSubscribe(sess, raw)
	case "unsubscribe":
		s.handleUnsubscribe(sess, raw)
	case "send_message":
		s.handleSendMessage(sess, header.ID, raw)
	case "acknowledge":
		s.handleAck(sess, raw, delivery.AckKindDelivery)
	case "read_receipt":
		s.handleAck(sess, raw, delivery.AckKindRead)
	case "heartbeat":
		s.handleHeartbeat(sess, header.ID)
	case "get_status":
		s.handleGetStatus(sess, header.ID, raw)
	default:
		s.reply(sess, errorFrame(header.ID, "unknown frame type: "+header.Type))
	}
}

func (s *Server) reply(sess *Session, frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if !sess.trySend(data) {
		sess.log.Warn("dropping outbound frame: send buffer full")
	}
}

func (s *Server) handleRegister(sess *Session, id string, raw []byte) {
	var body registerFrame
	if err := json.Unmarshal(raw, &body); err != nil || body.AgentID == "" {
		s.reply(sess, errorFrame(id, "register requires agentId"))
		return
	}
	if body.InstanceID == "" {
		body.InstanceID = uuid.NewString()
	}

	if s.checker != nil {
		if err := s.checker.Check(context.Background(), body.AgentID, body.InstanceID, body.Credential); err != nil {
			s.reply(sess, errorFrame(id, "registration rejected: "+err.Error()))
			return
		}
	}

	key := sessionKey{agentID: body.AgentID, instanceID: body.InstanceID}

	s.mu.Lock()
	if prior, ok := s.byKey[key]; ok && prior != sess {
		prior.log.Warn("evicting session: re-registered from another connection")
		delete(s.byID, prior.sessionID)
		go func() { _ = prior.conn.Close() }()
	}
	s.byKey[key] = sess
	s.mu.Unlock()

	sess.register(body.AgentID, body.InstanceID)
	s.registry.Register(body.AgentID, body.InstanceID, body.Capabilities, sess)

	s.reply(sess, registrationSuccessFrame(body.AgentID, body.InstanceID, sess.sessionID))
}

func (s *Server) handleSubscribe(sess *Session, raw []byte) {
	var body subscribeFrame
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	sess.subscribe(body.TargetAgents)
}

func (s *Server) handleUnsubscribe(sess *Session, raw []byte) {
	var body unsubscribeFrame
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	sess.unsubscribe(body.TargetAgentID)
}

func (s *Server) handleSendMessage(sess *Session, id string, raw []byte) {
	agentID, _, registered := sess.identity()
	if !registered {
		s.reply(sess, errorFrame(id, "send_message requires a registered session"))
		return
	}

	var body sendMessageFrame
	if err := json.Unmarshal(raw, &body); err != nil {
		s.reply(sess, errorFrame(id, "malformed send_message frame"))
		return
	}

	target := delivery.Target{Broadcast: body.To.broadcast}
	if !target.Broadcast {
		if len(body.To.multiple) > 0 {
			target.Agents = body.To.multiple
		} else {
			target.Agent = body.To.single
		}
	}

	opts := delivery.SendOptions{
		Priority:            delivery.Priority(body.Priority),
		RequiresAck:         body.RequiresAck,
		RequiresReadReceipt: body.RequiresReadReceipt,
		Metadata:            body.Metadata,
	}

	msg, err := s.engine.Send(agentID, target, body.Content, opts)
	if err != nil {
		s.reply(sess, errorFrame(id, err.Error()))
		return
	}
	s.reply(sess, messageSentFrame(id, msg.ID, string(msg.Snapshot().Status)))
}

func (s *Server) handleAck(sess *Session, raw []byte, kind delivery.AckKind) {
	agentID, instanceID, registered := sess.identity()
	if !registered {
		return
	}
	var messageID string
	if kind == delivery.AckKindDelivery {
		var body acknowledgeFrame
		if err := json.Unmarshal(raw, &body); err != nil {
			return
		}
		messageID = body.MessageID
	} else {
		var body readReceiptFrame
		if err := json.Unmarshal(raw, &body); err != nil {
			return
		}
		messageID = body.MessageID
	}
	if messageID == "" {
		return
	}
	s.engine.ProcessAck(delivery.Ack{
		OriginalMessageID: messageID,
		Kind:              kind,
		From:              agentID,
		FromInstance:      instanceID,
	})
}

func (s *Server) handleHeartbeat(sess *Session, id string) {
	agentID, instanceID, registered := sess.identity()
	sess.touchHeartbeat(s.now())
	if registered {
		s.registry.Touch(agentID, instanceID)
	}
	s.reply(sess, heartbeatAckFrame(id))
}

func (s *Server) handleGetStatus(sess *Session, id string, raw []byte) {
	var body getStatusFrame
	if err := json.Unmarshal(raw, &body); err != nil {
		s.reply(sess, errorFrame(id, "malformed get_status frame"))
		return
	}

	switch {
	case body.MessageID != "":
		msg := s.engine.Get(body.MessageID)
		if msg == nil {
			s.reply(sess, errorFrame(id, "unknown messageId"))
			return
		}
		s.reply(sess, map[string]any{"type": "get_status.result", "id": id, "message": msg.Snapshot()})
	case body.AgentID != "":
		s.reply(sess, map[string]any{"type": "get_status.result", "id": id, "instances": s.registry.LiveInstances(body.AgentID)})
	default:
		s.reply(sess, map[string]any{"type": "get_status.result", "id": id, "stats": s.Stats()})
	}
}

// handleLifecycleEvent re-dispatches a bus event from the engine/registry
// to the sessions whose subscriptions make it relevant.
func (s *Server) handleLifecycleEvent(event events.Event) {
	switch event.Topic {
	case "instance.registered":
		if inst, ok := event.Payload.(registry.Instance); ok {
			s.broadcastToAll(agentPresenceFrame("agent.online", inst.AgentID, inst.InstanceID))
		}
	case "instance.offline":
		if inst, ok := event.Payload.(registry.Instance); ok {
			s.broadcastToAll(agentPresenceFrame("agent.offline", inst.AgentID, inst.InstanceID))
		}
	default:
		snap, ok := event.Payload.(delivery.Snapshot)
		if !ok {
			return
		}
		s.broadcastToInterested(relevantAgents(snap), lifecycleFrame(event.Topic, snap))
	}
}

func relevantAgents(snap delivery.Snapshot) []string {
	agents := make([]string, 0, len(snap.Recipients)+2)
	if snap.From != "" {
		agents = append(agents, snap.From)
	}
	if snap.DeliveryMode == delivery.ModeA2A && snap.To != "" {
		agents = append(agents, snap.To)
	}
	agents = append(agents, snap.Recipients...)
	return agents
}

func (s *Server) broadcastToAll(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.byID {
		sess.trySend(data)
	}
}

func (s *Server) broadcastToInterested(agents []string, frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.byID {
		if sess.interested(agents) {
			sess.trySend(data)
		}
	}
}
