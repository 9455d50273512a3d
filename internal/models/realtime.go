package models

// FrameOp is the operation carried by a relay frame.
type FrameOp string

const (
	// client -> relay
	FrameSubscribe   FrameOp = "subscribe"
	FrameUnsubscribe FrameOp = "unsubscribe"
	FramePublish     FrameOp = "publish"

	// relay -> client
	FrameAck     FrameOp = "ack"
	FrameMessage FrameOp = "message"
	FrameError   FrameOp = "error"
)

// Frame is one websocket message between a relay client and the relay.
// Ref correlates a subscribe with its ack.
type Frame struct {
	Op    FrameOp `json:"op"`
	Topic string  `json:"topic"`
	Ref   string  `json:"ref,omitempty"`
	Data  []byte  `json:"data,omitempty"`
	Error string  `json:"error,omitempty"`
}
