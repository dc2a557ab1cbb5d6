package xpc

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// dispatchEvent is the handler registered with the runtime for every
// connection. context is the weak back-reference id from states.
//
// It may run on any goroutine, concurrently with itself and with handle
// methods. It must never panic: on the native runtime a panic here would
// unwind through foreign frames.
func dispatchEvent(context uintptr, raw Object) {
	s := states.Resolve(context)
	if s == nil {
		// Teardown raced with delivery. Expected, not a bug.
		Logger().Debug("xpc: dropping event for released connection", zap.Uintptr("context", context))
		defaultMetrics.Load().drop(dropReleased)
		return
	}
	s.dispatch(raw)
}

func (s *connState) dispatch(raw Object) {
	ev := s.decodeEvent(raw)

	s.mu.Lock()
	d := s.delegate
	s.mu.Unlock()

	if d == nil {
		if ev.Peer != nil {
			// Nobody can take ownership of the inbound connection.
			ev.Peer.Release()
		}
		s.metrics.drop(dropNoDelegate)
		return
	}

	// The delegate runs outside the lock so it may use the connection,
	// including replacing itself.
	done := atomic.NewBool(false)
	ev.done = done
	defer done.Store(true)

	s.invoke(d, ev)
}

func (s *connState) invoke(d Delegate, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("xpc: delegate panicked",
				zap.Stringer("kind", ev.Kind),
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.metrics.drop(dropPanic)
		}
	}()
	d.HandleEvent(ev)
	s.metrics.dispatched(ev.Kind)
}

// decodeEvent classifies a native event. Codec failures become
// EventDecodeError instead of propagating.
func (s *connState) decodeEvent(raw Object) Event {
	ev := Event{rt: s.rt, raw: raw}

	switch kind := s.rt.Classify(raw); kind {
	case KindDictionary:
		v, err := openEnvelope(s.rt, raw)
		if err != nil {
			s.log.Warn("xpc: undecodable message", zap.Error(err))
			ev.Kind = EventDecodeError
			ev.Err = err
			return ev
		}
		ev.Kind = EventMessage
		ev.Message = v

	case KindConnection:
		ev.Kind = EventConnection
		ev.Peer = fromNative(raw, s.cfg)

	case KindConnectionInvalid:
		ev.Kind = EventConnectionInvalid
		ev.Err = newTransportError(s.rt, raw)

	case KindConnectionInterrupted:
		ev.Kind = EventConnectionInterrupted
		ev.Err = newTransportError(s.rt, raw)

	case KindTerminationImminent:
		ev.Kind = EventTerminationImminent
		ev.Err = newTransportError(s.rt, raw)

	default:
		s.log.Debug("xpc: unrecognized event", zap.Stringer("kind", kind))
		ev.Kind = EventUnknown
	}
	return ev
}
