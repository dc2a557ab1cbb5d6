package xpc

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/obinnaokechukwu/xpc/internal/handles"
)

// connOwner owns the native side of a connection: the handle, its event
// registration and the reference count. It is the argument of every handle's
// GC cleanup, so it must never reach a Connection; delegates, which commonly
// capture their own connection, live in connState instead.
//
// mu guards handle and context here and connState.delegate.
type connOwner struct {
	rt      Runtime
	log     *zap.Logger
	metrics *Metrics

	// refs counts unreleased handles. Reaching zero tears the connection down.
	refs atomic.Int32

	mu      sync.Mutex
	handle  Object
	context uintptr
}

// connState is shared by every handle to one native connection. context is
// the weak back-reference id registered with the runtime; the runtime never
// holds a strong reference to connState.
type connState struct {
	*connOwner

	id   uuid.UUID
	name string
	cfg  config

	delegate Delegate // guarded by mu
}

// states resolves event contexts to live connection state.
var states handles.Table[connState]

// Connection is a strong handle to a native connection. Clone returns further
// handles to the same connection; the connection is torn down when every
// handle has been released, explicitly with Release or by the garbage
// collector.
//
// All methods are safe for concurrent use.
type Connection struct {
	state    *connState
	released atomic.Bool
	cleanup  runtime.Cleanup
}

// Create creates a connection to the service name bundled with the
// application. An empty name creates an anonymous connection.
// It fails with ErrCreationFailed if the runtime returns a null connection.
func Create(name string, opts ...Option) (*Connection, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	handle := cfg.runtime.ConnectionCreate(name)
	if handle == 0 {
		return nil, &ConnectionError{Kind: ErrCreationFailed, Op: "create", Name: name}
	}
	return newConnection(handle, name, cfg), nil
}

// CreateMachService creates a connection to the launchd service name.
// It fails with ErrCreationFailed if the runtime returns a null connection.
func CreateMachService(name string, options ConnectionOptions, opts ...Option) (*Connection, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	handle := cfg.runtime.ConnectionCreateMachService(name, uint64(options.normalize()))
	if handle == 0 {
		return nil, &ConnectionError{Kind: ErrCreationFailed, Op: "create_mach_service", Name: name}
	}
	return newConnection(handle, name, cfg), nil
}

// FromNative wraps an existing native connection of rt, such as one received
// by a listener. The object is retained, so the caller keeps its own
// reference. A WithRuntime option is ignored; the object belongs to rt.
func FromNative(rt Runtime, handle Object, opts ...Option) *Connection {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.runtime = rt
	return fromNative(handle, cfg.withDefaults())
}

func fromNative(handle Object, cfg config) *Connection {
	return newConnection(cfg.runtime.Retain(handle), "", cfg)
}

// newConnection takes ownership of handle.
func newConnection(handle Object, name string, cfg config) *Connection {
	s := &connState{
		connOwner: &connOwner{
			rt:      cfg.runtime,
			metrics: cfg.metrics,
			handle:  handle,
		},
		id:   uuid.New(),
		name: name,
		cfg:  cfg,
	}
	s.log = cfg.logger.With(zap.String("conn", s.id.String()))
	if name != "" {
		s.log = s.log.With(zap.String("name", name))
	}
	s.refs.Store(1)

	s.mu.Lock()
	s.context = states.Register(s)
	s.rt.SetEventHandler(handle, dispatchEvent, s.context)
	s.mu.Unlock()

	s.metrics.connection("created")
	s.log.Debug("xpc: connection created")
	return s.newHandle()
}

func (s *connState) newHandle() *Connection {
	c := &Connection{state: s}
	c.cleanup = runtime.AddCleanup(c, func(o *connOwner) {
		o.release("collected")
	}, s.connOwner)
	return c
}

func (s *connState) release(reason string) {
	if !s.connOwner.release(reason) {
		return
	}
	s.mu.Lock()
	s.delegate = nil
	s.mu.Unlock()
}

// release drops one reference and reports whether it was the last.
func (o *connOwner) release(reason string) bool {
	if o.refs.Dec() != 0 {
		return false
	}

	o.mu.Lock()
	handle, ctx := o.handle, o.context
	o.handle, o.context = 0, 0
	o.mu.Unlock()

	// From here on the bridge cannot resolve ctx, so events still in flight
	// (including the cancellation notice) are dropped.
	states.Unregister(ctx)
	if handle != 0 {
		o.rt.Cancel(handle)
		o.rt.Release(handle)
	}

	o.metrics.connection("released")
	o.log.Debug("xpc: connection released", zap.String("reason", reason))
	return true
}

// Clone returns a new strong handle to the same connection.
// It fails with ErrReleased if c has been released.
func (c *Connection) Clone() (*Connection, error) {
	if c.released.Load() {
		return nil, c.releasedError("clone")
	}
	s := c.state
	for {
		n := s.refs.Load()
		if n <= 0 {
			return nil, c.releasedError("clone")
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return s.newHandle(), nil
		}
	}
}

// Release drops this handle. The native connection is canceled and released
// when the last handle is dropped. Calling Release more than once is a no-op.
func (c *Connection) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.cleanup.Stop()
	c.state.release("released")
}

// ID identifies the connection in logs. Clones share it.
func (c *Connection) ID() string {
	return c.state.id.String()
}

// Name returns the name the connection was created with, if any.
func (c *Connection) Name() string {
	return c.state.name
}

// Native returns the native connection object, or 0 once released. It
// remains owned by the Connection.
func (c *Connection) Native() Object {
	if c.released.Load() {
		return 0
	}
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// SetDelegate sets or replaces the delegate. Pass nil to stop receiving
// events. The delegate is shared by every clone.
func (c *Connection) SetDelegate(d Delegate) {
	if c.released.Load() {
		return
	}
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		return
	}
	s.delegate = d
}

// Delegate returns the current delegate.
func (c *Connection) Delegate() Delegate {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

// withHandle runs fn under the state lock with a live native handle.
func (c *Connection) withHandle(op string, fn func(rt Runtime, handle Object) error) error {
	if c.released.Load() {
		return c.releasedError(op)
	}
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		return c.releasedError(op)
	}
	return fn(s.rt, s.handle)
}

func (c *Connection) releasedError(op string) error {
	return &ConnectionError{Kind: ErrReleased, Op: op, Name: c.state.name}
}

// Activate starts event delivery and message flow. On hosts that provide the
// native activate primitive it is used; otherwise the connection is resumed,
// which is equivalent for a new connection.
//
// Lifecycle methods only report wrapper misuse (ErrReleased); the native
// runtime does not report failures for them.
func (c *Connection) Activate() error {
	return c.withHandle("activate", func(rt Runtime, h Object) error {
		if versionAtLeast(activateMac, activateAlt) {
			rt.Activate(h)
		} else {
			rt.Resume(h)
		}
		return nil
	})
}

// Resume resumes a suspended connection. Calls must balance Suspend.
func (c *Connection) Resume() error {
	return c.withHandle("resume", func(rt Runtime, h Object) error {
		rt.Resume(h)
		return nil
	})
}

// Suspend pauses event delivery.
func (c *Connection) Suspend() error {
	return c.withHandle("suspend", func(rt Runtime, h Object) error {
		rt.Suspend(h)
		return nil
	})
}

// Cancel requests teardown of the connection. It does not wait: events in
// flight may still arrive, followed by a final EventConnectionInvalid.
func (c *Connection) Cancel() error {
	return c.withHandle("cancel", func(rt Runtime, h Object) error {
		rt.Cancel(h)
		return nil
	})
}

// SendMessage sends v without waiting for a reply. A failure affects only
// this call, never the connection.
func (c *Connection) SendMessage(v Value) error {
	err := c.sendMessage(v)
	c.state.metrics.message("async", err)
	return err
}

func (c *Connection) sendMessage(v Value) error {
	text, err := Encode(v)
	if err != nil {
		return c.annotate(err)
	}
	return c.withHandle("send_message", func(rt Runtime, h Object) error {
		msg, err := newEnvelope(rt, text)
		if err != nil {
			return c.annotate(err)
		}
		rt.SendMessage(h, msg)
		rt.Release(msg)
		return nil
	})
}

// SendMessageWithReply sends v and blocks until the reply arrives.
//
// If the connection fails while waiting (canceled, invalidated or
// interrupted) the wait ends with a *TransportError.
//
// Delivery is serial per connection: calling this from a delegate of the
// same connection deadlocks, because the reply would be delivered on the
// blocked context. Use SendMessageWithReplyContext with a deadline, or send
// from another goroutine.
func (c *Connection) SendMessageWithReply(v Value) (Value, error) {
	reply, err := c.sendMessageWithReply(v)
	c.state.metrics.message("reply", err)
	return reply, err
}

func (c *Connection) sendMessageWithReply(v Value) (Value, error) {
	text, err := Encode(v)
	if err != nil {
		return nil, c.annotate(err)
	}

	// The reply wait runs outside the lock so Cancel and event delivery can
	// proceed; the extra retain keeps the native handle valid even if the
	// last handle is released meanwhile.
	var handle, msg Object
	err = c.withHandle("send_message_with_reply", func(rt Runtime, h Object) error {
		m, err := newEnvelope(rt, text)
		if err != nil {
			return c.annotate(err)
		}
		handle, msg = rt.Retain(h), m
		return nil
	})
	if err != nil {
		return nil, err
	}

	rt := c.state.rt
	defer rt.Release(handle)
	defer rt.Release(msg)

	reply := rt.SendMessageWithReplySync(handle, msg)
	if reply == 0 {
		return nil, &TransportError{Kind: KindConnectionInvalid, Description: "no reply"}
	}
	defer rt.Release(reply)

	if rt.Classify(reply) != KindDictionary {
		return nil, newTransportError(rt, reply)
	}
	value, err := openEnvelope(rt, reply)
	if err != nil {
		return nil, c.annotate(err)
	}
	return value, nil
}

// SendMessageWithReplyContext is SendMessageWithReply bounded by ctx. When ctx
// ends first it returns ctx.Err(); the native wait continues in the
// background and its reply is discarded.
func (c *Connection) SendMessageWithReplyContext(ctx context.Context, v Value) (Value, error) {
	type result struct {
		v   Value
		err error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := c.SendMessageWithReply(v)
		ch <- result{r, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// annotate fills the connection name into codec errors.
func (c *Connection) annotate(err error) error {
	if ce, ok := err.(*ConnectionError); ok && ce.Name == "" {
		cp := *ce
		cp.Name = c.state.name
		return &cp
	}
	return err
}
