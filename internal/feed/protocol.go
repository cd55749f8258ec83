package feed

// Frame types sent by feed clients
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Frame types sent by the feed server
const (
	FrameSubscribed = "subscribed"
	FrameEvent      = "event"
	FrameError      = "error"
)

// Error codes
const (
	ErrorCodeInvalidFrame = "invalid_frame"
	ErrorCodeForbidden    = "forbidden"
	ErrorCodeInternal     = "internal_error"
)

// Frame is the single wire envelope of the websocket feed protocol.
// Which fields are set depends on Type.
type Frame struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	SubID     string `json:"sub_id,omitempty"`

	// subscribe
	Collection string      `json:"collection,omitempty"`
	Events     []EventType `json:"events,omitempty"`
	Filter     string      `json:"filter,omitempty"`

	// event
	Event *Event `json:"event,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
