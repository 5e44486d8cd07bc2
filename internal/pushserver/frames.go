package pushserver

import "encoding/json"

// inboundFrame is the minimal shape every inbound frame shares: a type
// discriminant and the sender's own correlation id (§4.4).
type inboundFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type registerFrame struct {
	AgentID      string   `json:"agentId"`
	InstanceID   string   `json:"instanceId"`
	Capabilities []string `json:"capabilities"`
	Credential   string   `json:"credential"`
}

type subscribeFrame struct {
	TargetAgents []string `json:"targetAgents"`
}

type unsubscribeFrame struct {
	TargetAgentID string `json:"targetAgentId"`
}

// toField decodes send_message's polymorphic "to": a single agentId, a list
// of agentIds, or the broadcast token "*".
type toField struct {
	single    string
	multiple  []string
	broadcast bool
}

func (t *toField) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "*" {
			t.broadcast = true
			return nil
		}
		t.single = single
		return nil
	}
	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return err
	}
	t.multiple = multiple
	return nil
}

type sendMessageFrame struct {
	To                  toField        `json:"to"`
	Content             any            `json:"content"`
	Priority            string         `json:"priority"`
	RequiresAck         *bool          `json:"requiresAck"`
	RequiresReadReceipt *bool          `json:"requiresReadReceipt"`
	Metadata            map[string]any `json:"metadata"`
}

type acknowledgeFrame struct {
	MessageID string `json:"messageId"`
}

type readReceiptFrame struct {
	MessageID string `json:"messageId"`
}

type getStatusFrame struct {
	MessageID string `json:"messageId"`
	AgentID   string `json:"agentId"`
}

// outbound frame constructors. Each returns a map so the type discriminant
// sits alongside the payload fields in one flat JSON object, matching the
// wire shapes in §4.4.

func welcomeFrame(sessionID string) map[string]any {
	return map[string]any{
		"type":      "connection.welcome",
		"sessionId": sessionID,
		"features":  []string{"ack", "read-receipt", "broadcast", "heartbeat"},
	}
}

func registrationSuccessFrame(agentID, instanceID, sessionID string) map[string]any {
	return map[string]any{
		"type":       "registration.success",
		"agentId":    agentID,
		"instanceId": instanceID,
		"sessionId":  sessionID,
	}
}

func errorFrame(id, message string) map[string]any {
	return map[string]any{
		"type":    "error",
		"id":      id,
		"message": message,
	}
}

func heartbeatAckFrame(id string) map[string]any {
	return map[string]any{
		"type": "heartbeat.ack",
		"id":   id,
	}
}

func messageSentFrame(id, messageID, status string) map[string]any {
	return map[string]any{
		"type":      "message.sent",
		"id":        id,
		"messageId": messageID,
		"status":    status,
	}
}

func messageReceivedFrame(messageID, from string, content any, requiresAck, requiresReadReceipt bool, metadata map[string]any) map[string]any {
	return map[string]any{
		"type":                "message.received",
		"messageId":           messageID,
		"from":                from,
		"content":             content,
		"requiresAck":         requiresAck,
		"requiresReadReceipt": requiresReadReceipt,
		"metadata":            metadata,
	}
}

func agentPresenceFrame(kind, agentID, instanceID string) map[string]any {
	return map[string]any{
		"type":       kind,
		"agentId":    agentID,
		"instanceId": instanceID,
	}
}

func lifecycleFrame(topic string, snapshot any) map[string]any {
	return map[string]any{
		"type":    topic,
		"message": snapshot,
	}
}
