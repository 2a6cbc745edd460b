// Package models defines messaging channel structures for convoroute.
package models

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records a delivery status event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// InboundMessage is one raw message received from a channel before
// normalization. ButtonID is set when the sender tapped an interactive
// button or list row instead of typing text.
type InboundMessage struct {
	From     string `json:"from"`
	Body     string `json:"body"`
	ButtonID string `json:"button_id,omitempty"`
	Time     int64  `json:"time"`
}
