package xpc

import (
	"go.uber.org/atomic"
)

// EventKind identifies what an Event carries.
type EventKind int

const (
	// EventMessage carries a decoded Message.
	EventMessage EventKind = iota
	// EventConnection carries a new inbound Peer (listeners only).
	EventConnection
	// EventConnectionInvalid means the connection can no longer be used.
	// It is also the final event after Cancel.
	EventConnectionInvalid
	// EventConnectionInterrupted means the remote end went away; the
	// connection may be used again.
	EventConnectionInterrupted
	// EventTerminationImminent means the process is about to be stopped.
	EventTerminationImminent
	// EventDecodeError carries a message that could not be decoded in Err.
	EventDecodeError
	// EventUnknown is any other native object.
	EventUnknown
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnection:
		return "connection"
	case EventConnectionInvalid:
		return "connection-invalid"
	case EventConnectionInterrupted:
		return "connection-interrupted"
	case EventTerminationImminent:
		return "termination-imminent"
	case EventDecodeError:
		return "decode-error"
	default:
		return "unknown"
	}
}

// Event is delivered to a Delegate.
type Event struct {
	Kind EventKind

	// Message is set for EventMessage.
	Message Value

	// Peer is set for EventConnection. The delegate owns it: keep it and
	// Release it later, or Release it before returning.
	Peer *Connection

	// Err is set for transport events (*TransportError) and EventDecodeError.
	Err error

	rt   Runtime
	raw  Object
	done *atomic.Bool
}

// ExpectsReply reports whether the sender is blocked waiting for a reply.
// Only valid during HandleEvent.
func (e Event) ExpectsReply() bool {
	if e.Kind != EventMessage || e.done == nil || e.done.Load() {
		return false
	}
	reply := e.rt.DictionaryCreateReply(e.raw)
	if reply == 0 {
		return false
	}
	e.rt.Release(reply)
	return true
}

// Reply answers a message sent with SendMessageWithReply. It must be called
// from HandleEvent; afterwards the native message is gone and Reply returns
// ErrEventExpired.
func (e Event) Reply(v Value) error {
	if e.done == nil || e.done.Load() {
		return &ConnectionError{Kind: ErrEventExpired, Op: "reply"}
	}
	if e.Kind != EventMessage {
		return &ConnectionError{Kind: ErrNoReply, Op: "reply"}
	}

	text, err := Encode(v)
	if err != nil {
		return err
	}
	reply := e.rt.DictionaryCreateReply(e.raw)
	if reply == 0 {
		return &ConnectionError{Kind: ErrNoReply, Op: "reply"}
	}
	defer e.rt.Release(reply)

	e.rt.DictionarySetString(reply, EnvelopeKey, text)
	e.rt.SendMessage(e.rt.RemoteConnection(e.raw), reply)
	return nil
}
