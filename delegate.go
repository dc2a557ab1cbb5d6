package xpc

// Delegate receives the events of a connection.
//
// HandleEvent may be called from any goroutine the native runtime uses, and
// for different events concurrently. Events are forwarded at most once, in
// the order the runtime delivers them.
type Delegate interface {
	HandleEvent(ev Event)
}

// NopDelegate ignores every event.
type NopDelegate struct{}

// HandleEvent does nothing.
func (NopDelegate) HandleEvent(Event) {}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(ev Event)

// HandleEvent calls f(ev).
func (f DelegateFunc) HandleEvent(ev Event) {
	f(ev)
}
