package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/cris-deitos/EasyDispatch/internal/dispatch"
)

// sseSink frames dispatch events as named Server-Sent Events.
type sseSink struct {
	w http.ResponseWriter
}

var _ dispatch.Sink = sseSink{}

// Send writes one named event: "event: <name>\ndata: <json>\n\n".
func (s sseSink) Send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	_, err = s.w.Write([]byte("\n\n"))
	return err
}

// Flush pushes buffered events to the client immediately.
func (s sseSink) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
