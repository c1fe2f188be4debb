package ws

import (
	"prosesync/mergeseq/seqop"
)

// Frame types exchanged on a channel websocket.
const (
	// FrameReady is sent by the server once the connection is subscribed to the channel.
	FrameReady = "ready"
	// FrameSubmit carries an unsequenced message from the client.
	FrameSubmit = "submit"
	// FrameOp carries a sequenced message to the client.
	FrameOp = "op"
	// FrameError reports a failed submit.
	FrameError = "error"
)

// Frame is one websocket message.
type Frame struct {
	Type    string         `json:"type"`
	Message *seqop.Message `json:"message,omitempty"`
	// ConnectionID is set on ready frames.
	ConnectionID string `json:"connectionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// RootValue is the body of root store requests and responses.
type RootValue struct {
	Value string `json:"value"`
}

// RootKeys is the body of a root key listing.
type RootKeys struct {
	Keys []string `json:"keys"`
}

type errorResponse struct {
	Error string `json:"error"`
}
