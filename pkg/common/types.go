// Package common holds the response envelope shared by every handler and
// the wire types of the event socket.
package common

import "encoding/json"

// WebSocket message types sent by the server.
const (
	MessageTypeEvent = "event"
	MessageTypeList  = "list"
	MessageTypeError = "error"
)

// SubscriptionRequest is a client action on the event socket.
type SubscriptionRequest struct {
	Action string   `json:"action"` // "subscribe", "unsubscribe", "list"
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

// AllTopics returns Topic and Topics as one list.
func (r SubscriptionRequest) AllTopics() []string {
	topics := make([]string, 0, len(r.Topics)+1)
	if r.Topic != "" {
		topics = append(topics, r.Topic)
	}
	return append(topics, r.Topics...)
}

// SubscriptionResult acknowledges a subscribe or unsubscribe.
type SubscriptionResult struct {
	Action    string   `json:"action"` // "subscribed", "unsubscribed"
	Topics    []string `json:"topics"`
	Timestamp int64    `json:"timestamp"`
}

// EventMessage carries one published event.
type EventMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// ListResult lists a client's subscribed topics.
type ListResult struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// ErrorMessage reports a rejected client action.
type ErrorMessage struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}
