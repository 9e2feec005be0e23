package notify

import "encoding/json"

// Message types exchanged over the websocket.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeHeartbeat    = "heartbeat"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeEvent        = "event"
	TypeError        = "error"
)

// Message is the JSON envelope sent by clients.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the JSON envelope sent to clients.
type Response struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// SubscribePayload is the payload of subscribe and unsubscribe messages.
type SubscribePayload struct {
	ShareID string `json:"share_id"`
}

// HeartbeatEntry proves ownership of one share.
type HeartbeatEntry struct {
	ShareID    string `json:"share_id"`
	OwnerToken string `json:"owner_token"`
}

// HeartbeatPayload batches heartbeats for every share a peer owns.
type HeartbeatPayload struct {
	Shares []HeartbeatEntry `json:"shares"`
}

// HeartbeatAck lists which entries of a heartbeat batch were accepted.
type HeartbeatAck struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
}

// Event carries a published message to a topic subscriber.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload describes a rejected client message.
type ErrorPayload struct {
	Error string `json:"error"`
}
