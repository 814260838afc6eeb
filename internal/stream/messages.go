package stream

// Wire events
const (
	EventStart          = "start"
	EventText           = "text"
	EventMedia          = "media"
	EventStop           = "stop"
	EventPing           = "ping"
	EventPong           = "pong"
	EventStreamFinished = "stream_finished"
)

// DefaultFinishedMessage is the message text of stream_finished events.
const DefaultFinishedMessage = "Streaming complete"

// InboundMessage is a JSON message received from the client
type InboundMessage struct {
	Event       string        `json:"event"`
	WebsocketID string        `json:"websocket_id,omitempty"`
	StreamSid   string        `json:"streamSid,omitempty"`
	Media       *MediaPayload `json:"media,omitempty"`
}

// SessionID returns the first non-empty session identifier of a start message
func (m *InboundMessage) SessionID() string {
	if m.WebsocketID != "" {
		return m.WebsocketID
	}
	return m.StreamSid
}

// MediaPayload carries base64 audio or a transcript
type MediaPayload struct {
	Payload string `json:"payload,omitempty"`
	Text    string `json:"text,omitempty"`
}

// OutboundMessage is a JSON message sent to the client
type OutboundMessage struct {
	Event   string        `json:"event"`
	Media   *MediaPayload `json:"media,omitempty"`
	Message string        `json:"message,omitempty"`
}

// knownEvent maps an inbound event to a bounded metric label
func knownEvent(event string) string {
	switch event {
	case EventStart, EventText, EventMedia, EventStop, EventPing:
		return event
	}
	return "unknown"
}
