package dispatch

// Named events carried on a listener stream. Payload shapes are part of
// the listener contract; field names must not change.
const (
	EventConnected         = "connected"
	EventTransmissionStart = "transmission_start"
	EventAudioChunk        = "audio_chunk"
	EventTransmissionEnd   = "transmission_end"
	EventKeepalive         = "keepalive"
	EventTimeout           = "timeout"
	EventError             = "error"
	EventDisconnected      = "disconnected"
)

type ConnectedPayload struct {
	Channel int    `json:"channel"`
	Message string `json:"message"`
}

type TransmissionStartPayload struct {
	SessionID string `json:"session_id"`
	Channel   int    `json:"channel"`
	SourceID  int64  `json:"source_id"`
	TargetID  int64  `json:"target_id"`
	Timestamp string `json:"timestamp"`
}

type AudioChunkPayload struct {
	Sequence int64  `json:"sequence"`
	Chunk    string `json:"chunk"` // base64
	Size     int    `json:"size"`
}

type TransmissionEndPayload struct {
	SessionID string `json:"session_id"`
}

type KeepalivePayload struct {
	Timestamp string `json:"timestamp"`
}

type TimeoutPayload struct {
	Message string `json:"message"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type DisconnectedPayload struct {
	Message string `json:"message"`
}

// Sink is the outbound half of one listener connection. Send delivers a
// named event; implementations own framing and write deadlines. A Send
// error means the listener is gone.
type Sink interface {
	Send(event string, payload any) error
	Flush()
}
