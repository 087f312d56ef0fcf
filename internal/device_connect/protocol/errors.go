package protocol

import "fmt"

// Stream names used in errors and log records.
const (
	StreamVideo   = "video"
	StreamAudio   = "audio"
	StreamControl = "control"
)

// NegotiationError reports a codec or header mismatch at stream start.
// It is fatal: the adapter that hits it never becomes ready.
type NegotiationError struct {
	Stream   string
	Expected string
	Got      string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s negotiation failed: expected %q, got %q", e.Stream, e.Expected, e.Got)
}

// TransportError reports a socket that closed or failed mid-stream.
type TransportError struct {
	Stream string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stream, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports malformed inbound bytes.
type ProtocolError struct {
	Stream string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %s", e.Stream, e.Reason)
}
