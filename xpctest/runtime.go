// Package xpctest provides an in-memory implementation of xpc.Runtime for
// tests and for hosts without XPC.
//
// A Runtime behaves like a private launchd: listeners created with
// xpc.MachServiceListener register their service name when activated, and
// clients of that name are connected to them. Every connection delivers its
// events on its own goroutine, in order, honoring Suspend/Resume. Cancel
// delivers a final connection-invalid event and interrupts the peer.
//
// Test hooks (FailCreate, FailAllocations, Fire, FireMessage, Calls, Misuse)
// let tests provoke native failures and replay deliveries on stale contexts.
package xpctest

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/obinnaokechukwu/xpc"
)

// Error singletons, like the native runtime's.
const (
	errInvalid     xpc.Object = 1
	errInterrupted xpc.Object = 2
	errTermination xpc.Object = 3
	firstObject    xpc.Object = 16
)

var errorDescriptions = map[xpc.Object]string{
	errInvalid:     "Connection invalid",
	errInterrupted: "Connection interrupted",
	errTermination: "Process will terminate",
}

// Calls counts lifecycle calls made on one connection.
type Calls struct {
	Activate int
	Resume   int
	Suspend  int
	Cancel   int
	Flags    uint64
}

// Runtime is an in-memory xpc.Runtime. The zero value is not usable; call
// NewRuntime.
type Runtime struct {
	mu       sync.Mutex
	objects  map[xpc.Object]*object
	nextID   xpc.Object
	services map[string]*conn
	conns    []*conn

	failCreate map[string]int
	failAlloc  int
	handler    xpc.EventHandler
	misuse     []string

	wg sync.WaitGroup
}

type object struct {
	refs int
	kind xpc.ObjectKind
	conn *conn
	dict *dict
}

type dict struct {
	fields   map[string]string
	reply    *replySlot // message expects a reply
	replyFor *replySlot // this is a reply
	remote   *conn      // connection the message arrived on
}

type replyResult struct {
	fields map[string]string
	fail   xpc.Object
}

type replySlot struct {
	ch       chan replyResult
	answered bool
}

// complete settles the slot once. Callers hold the runtime lock.
func (s *replySlot) complete(res replyResult) {
	if s.answered {
		return
	}
	s.answered = true
	s.ch <- res
}

type item struct {
	obj   xpc.Object
	owned bool
	final bool
}

type conn struct {
	obj      xpc.Object
	name     string
	flags    uint64
	listener bool
	server   bool // accepted side of a listener
	peer     *conn

	handler xpc.EventHandler
	context uintptr

	activated bool
	suspends  int
	canceled  bool
	invalid   bool

	queue   []item
	outbox  []*dict
	waiters map[*replySlot]struct{}
	cond    *sync.Cond
	calls   Calls
}

// NewRuntime returns an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		objects:    make(map[xpc.Object]*object),
		nextID:     firstObject,
		services:   make(map[string]*conn),
		failCreate: make(map[string]int),
	}
}

var _ xpc.Runtime = (*Runtime)(nil)

// FailCreate makes the next connection created for name return null.
func (rt *Runtime) FailCreate(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.failCreate[name]++
}

// FailAllocations makes the next n dictionary allocations return null.
func (rt *Runtime) FailAllocations(n int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.failAlloc = n
}

// Calls returns the lifecycle calls recorded for conn.
func (rt *Runtime) Calls(conn xpc.Object) Calls {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if c := rt.connLocked("calls", conn); c != nil {
		return c.calls
	}
	return Calls{}
}

// Context returns the context registered for conn.
func (rt *Runtime) Context(conn xpc.Object) uintptr {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if c := rt.connLocked("context", conn); c != nil {
		return c.context
	}
	return 0
}

// Fire invokes the installed event handler directly with context and one of
// the error kinds, as the native runtime would. context may be stale.
func (rt *Runtime) Fire(context uintptr, kind xpc.ObjectKind) {
	var obj xpc.Object
	switch kind {
	case xpc.KindConnectionInterrupted:
		obj = errInterrupted
	case xpc.KindTerminationImminent:
		obj = errTermination
	default:
		obj = errInvalid
	}
	rt.mu.Lock()
	h := rt.handler
	rt.mu.Unlock()
	if h != nil {
		h(context, obj)
	}
}

// FireMessage invokes the installed event handler directly with context and a
// message holding fields. context may be stale.
func (rt *Runtime) FireMessage(context uintptr, fields map[string]string) {
	rt.mu.Lock()
	d := &dict{fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		d.fields[k] = v
	}
	obj := rt.newObjectLocked(&object{kind: xpc.KindDictionary, dict: d})
	h := rt.handler
	rt.mu.Unlock()

	if h != nil {
		h(context, obj)
	}
	rt.Release(obj)
}

// Live returns the number of live objects.
func (rt *Runtime) Live() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.objects)
}

// Misuse lists operations made on objects that were already released.
func (rt *Runtime) Misuse() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.misuse...)
}

// Close cancels every connection and waits for their delivery goroutines.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	for _, c := range rt.conns {
		rt.cancelLocked(c)
	}
	rt.mu.Unlock()
	rt.wg.Wait()
}

func (rt *Runtime) newObjectLocked(o *object) xpc.Object {
	id := rt.nextID
	rt.nextID++
	o.refs = 1
	rt.objects[id] = o
	return id
}

func (rt *Runtime) lookupLocked(op string, obj xpc.Object) *object {
	o, ok := rt.objects[obj]
	if !ok {
		rt.misuse = append(rt.misuse, fmt.Sprintf("%s on released object %d", op, obj))
		return nil
	}
	return o
}

func (rt *Runtime) connLocked(op string, obj xpc.Object) *conn {
	o := rt.lookupLocked(op, obj)
	if o == nil {
		return nil
	}
	if o.conn == nil {
		rt.misuse = append(rt.misuse, fmt.Sprintf("%s on non-connection object %d", op, obj))
	}
	return o.conn
}

func (rt *Runtime) dictLocked(op string, obj xpc.Object) *dict {
	o := rt.lookupLocked(op, obj)
	if o == nil {
		return nil
	}
	if o.dict == nil {
		rt.misuse = append(rt.misuse, fmt.Sprintf("%s on non-dictionary object %d", op, obj))
	}
	return o.dict
}

func (rt *Runtime) newConnLocked(name string, flags uint64) *conn {
	c := &conn{
		name:     name,
		flags:    flags,
		listener: flags&uint64(xpc.MachServiceListener) != 0,
		waiters:  make(map[*replySlot]struct{}),
		cond:     sync.NewCond(&rt.mu),
	}
	c.calls.Flags = flags
	c.obj = rt.newObjectLocked(&object{kind: xpc.KindConnection, conn: c})
	rt.conns = append(rt.conns, c)
	return c
}

func (rt *Runtime) create(name string, flags uint64) xpc.Object {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.failCreate[name] > 0 {
		rt.failCreate[name]--
		return 0
	}
	if name == "" {
		name = "anonymous." + uuid.NewString()
	}
	return rt.newConnLocked(name, flags).obj
}

// ConnectionCreate implements xpc.Runtime.
func (rt *Runtime) ConnectionCreate(name string) xpc.Object {
	return rt.create(name, 0)
}

// ConnectionCreateMachService implements xpc.Runtime.
func (rt *Runtime) ConnectionCreateMachService(name string, flags uint64) xpc.Object {
	return rt.create(name, flags)
}

// SetEventHandler implements xpc.Runtime.
func (rt *Runtime) SetEventHandler(conn xpc.Object, handler xpc.EventHandler, context uintptr) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := rt.connLocked("set_event_handler", conn)
	if c == nil {
		return
	}
	c.handler = handler
	c.context = context
	rt.handler = handler
}

// Activate implements xpc.Runtime.
func (rt *Runtime) Activate(conn xpc.Object) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := rt.connLocked("activate", conn)
	if c == nil {
		return
	}
	c.calls.Activate++
	rt.activateLocked(c)
}

// Resume implements xpc.Runtime. Resuming an inactive connection activates it.
func (rt *Runtime) Resume(conn xpc.Object) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := rt.connLocked("resume", conn)
	if c == nil {
		return
	}
	c.calls.Resume++
	if !c.activated {
		rt.activateLocked(c)
		return
	}
	if c.suspends == 0 {
		rt.misuse = append(rt.misuse, fmt.Sprintf("unbalanced resume on %d", conn))
		return
	}
	c.suspends--
	c.cond.Broadcast()
}

// Suspend implements xpc.Runtime.
func (rt *Runtime) Suspend(conn xpc.Object) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := rt.connLocked("suspend", conn)
	if c == nil {
		return
	}
	c.calls.Suspend++
	c.suspends++
}

// Cancel implements xpc.Runtime.
func (rt *Runtime) Cancel(conn xpc.Object) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := rt.connLocked("cancel", conn)
	if c == nil {
		return
	}
	c.calls.Cancel++
	rt.cancelLocked(c)
}

func (rt *Runtime) activateLocked(c *conn) {
	if c.activated || c.canceled {
		return
	}
	c.activated = true
	rt.wg.Add(1)
	go rt.run(c)

	switch {
	case c.listener:
		if other, ok := rt.services[c.name]; ok && !other.canceled {
			rt.invalidateLocked(c)
			return
		}
		rt.services[c.name] = c
	case c.server:
		// Linked when accepted.
	default:
		rt.connectLocked(c)
	}
}

// connectLocked links a client to its service's listener.
func (rt *Runtime) connectLocked(c *conn) {
	l, ok := rt.services[c.name]
	if !ok || l.canceled {
		rt.invalidateLocked(c)
		return
	}

	s := rt.newConnLocked(c.name, 0)
	s.server = true
	s.peer, c.peer = c, s

	for _, d := range c.outbox {
		rt.enqueueMessageLocked(s, d)
	}
	c.outbox = nil

	// The queue owns the reference until the listener's handler returns.
	rt.enqueueLocked(l, item{obj: s.obj, owned: true})
}

func (rt *Runtime) enqueueLocked(c *conn, it item) {
	if c.canceled || c.invalid {
		if it.owned {
			rt.releaseLocked(it.obj)
		}
		return
	}
	c.queue = append(c.queue, it)
	if it.final {
		c.invalid = true
	}
	c.cond.Broadcast()
}

func (rt *Runtime) enqueueMessageLocked(c *conn, d *dict) {
	d.remote = c
	obj := rt.newObjectLocked(&object{kind: xpc.KindDictionary, dict: d})
	rt.enqueueLocked(c, item{obj: obj, owned: true})
}

func (rt *Runtime) failWaitersLocked(c *conn, kind xpc.Object) {
	for slot := range c.waiters {
		slot.complete(replyResult{fail: kind})
		delete(c.waiters, slot)
	}
}

// invalidateLocked ends c: pending replies fail and a final invalid event is queued.
func (rt *Runtime) invalidateLocked(c *conn) {
	rt.failWaitersLocked(c, errInvalid)
	rt.enqueueLocked(c, item{obj: errInvalid, final: true})
}

func (rt *Runtime) cancelLocked(c *conn) {
	if c.canceled {
		return
	}
	if c.listener && rt.services[c.name] == c {
		delete(rt.services, c.name)
	}
	if p := c.peer; p != nil {
		c.peer, p.peer = nil, nil
		rt.peerLostLocked(p)
	}
	rt.invalidateLocked(c)
	c.canceled = true

	if !c.activated {
		// No delivery goroutine will drain the queue.
		for _, it := range c.queue {
			if it.owned {
				rt.releaseLocked(it.obj)
			}
		}
		c.queue = nil
	}
	c.cond.Broadcast()
}

// peerLostLocked reacts to the other end going away. Accepted connections
// become invalid; clients are interrupted and reconnect on the next send.
func (rt *Runtime) peerLostLocked(c *conn) {
	if c.server {
		rt.invalidateLocked(c)
		return
	}
	rt.failWaitersLocked(c, errInterrupted)
	rt.enqueueLocked(c, item{obj: errInterrupted})
}

func (c *conn) deliverable() bool {
	return len(c.queue) > 0 && (c.suspends == 0 || c.canceled || c.invalid)
}

// run delivers c's events in order until the final one.
func (rt *Runtime) run(c *conn) {
	defer rt.wg.Done()
	for {
		rt.mu.Lock()
		for !c.deliverable() {
			c.cond.Wait()
		}
		it := c.queue[0]
		c.queue = c.queue[1:]
		h, ctx := c.handler, c.context
		rt.mu.Unlock()

		if h != nil {
			h(ctx, it.obj)
		}
		if it.owned {
			rt.Release(it.obj)
		}
		if it.final {
			return
		}
	}
}

// SendMessage implements xpc.Runtime.
func (rt *Runtime) SendMessage(conn, message xpc.Object) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	d := rt.dictLocked("send_message", message)
	if d == nil {
		return
	}
	if slot := d.replyFor; slot != nil {
		slot.complete(replyResult{fields: copyFields(d.fields)})
		return
	}

	c := rt.connLocked("send_message", conn)
	if c == nil {
		return
	}
	rt.routeLocked(c, &dict{fields: copyFields(d.fields)})
}

// routeLocked sends a message from c to its peer, buffering it until c is
// connected. Messages on dead connections are dropped.
func (rt *Runtime) routeLocked(c *conn, d *dict) bool {
	if c.canceled || c.invalid {
		return false
	}
	if c.peer == nil && c.activated && !c.server && !c.listener {
		rt.connectLocked(c)
		if c.invalid {
			return false
		}
	}
	if c.peer == nil {
		c.outbox = append(c.outbox, d)
		return true
	}
	rt.enqueueMessageLocked(c.peer, d)
	return true
}

// SendMessageWithReplySync implements xpc.Runtime.
func (rt *Runtime) SendMessageWithReplySync(conn, message xpc.Object) xpc.Object {
	rt.mu.Lock()
	d := rt.dictLocked("send_message_with_reply_sync", message)
	c := rt.connLocked("send_message_with_reply_sync", conn)
	if d == nil || c == nil {
		rt.mu.Unlock()
		return errInvalid
	}
	slot := &replySlot{ch: make(chan replyResult, 1)}
	if !rt.routeLocked(c, &dict{fields: copyFields(d.fields), reply: slot}) {
		rt.mu.Unlock()
		return errInvalid
	}
	c.waiters[slot] = struct{}{}
	rt.mu.Unlock()

	res := <-slot.ch

	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(c.waiters, slot)
	if res.fail != 0 {
		return res.fail
	}
	return rt.newObjectLocked(&object{kind: xpc.KindDictionary, dict: &dict{fields: res.fields}})
}

// DictionaryCreate implements xpc.Runtime.
func (rt *Runtime) DictionaryCreate() xpc.Object {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.failAlloc > 0 {
		rt.failAlloc--
		return 0
	}
	return rt.newObjectLocked(&object{kind: xpc.KindDictionary, dict: &dict{fields: map[string]string{}}})
}

// DictionaryCreateReply implements xpc.Runtime.
func (rt *Runtime) DictionaryCreateReply(request xpc.Object) xpc.Object {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	d := rt.dictLocked("dictionary_create_reply", request)
	if d == nil || d.reply == nil || d.reply.answered {
		return 0
	}
	return rt.newObjectLocked(&object{kind: xpc.KindDictionary, dict: &dict{
		fields:   map[string]string{},
		replyFor: d.reply,
	}})
}

// DictionarySetString implements xpc.Runtime.
func (rt *Runtime) DictionarySetString(obj xpc.Object, key, value string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if d := rt.dictLocked("dictionary_set_string", obj); d != nil {
		d.fields[key] = value
	}
}

// DictionaryGetString implements xpc.Runtime.
func (rt *Runtime) DictionaryGetString(obj xpc.Object, key string) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if s, ok := errorDescriptions[obj]; ok {
		return s, key == "XPCErrorDescription"
	}
	d := rt.dictLocked("dictionary_get_string", obj)
	if d == nil {
		return "", false
	}
	s, ok := d.fields[key]
	return s, ok
}

// RemoteConnection implements xpc.Runtime.
func (rt *Runtime) RemoteConnection(message xpc.Object) xpc.Object {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	d := rt.dictLocked("remote_connection", message)
	if d == nil || d.remote == nil {
		return 0
	}
	return d.remote.obj
}

// Classify implements xpc.Runtime.
func (rt *Runtime) Classify(obj xpc.Object) xpc.ObjectKind {
	switch obj {
	case 0:
		return xpc.KindUnknown
	case errInvalid:
		return xpc.KindConnectionInvalid
	case errInterrupted:
		return xpc.KindConnectionInterrupted
	case errTermination:
		return xpc.KindTerminationImminent
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if o := rt.lookupLocked("classify", obj); o != nil {
		return o.kind
	}
	return xpc.KindUnknown
}

// ErrorDescription implements xpc.Runtime.
func (rt *Runtime) ErrorDescription(obj xpc.Object) string {
	return errorDescriptions[obj]
}

// Retain implements xpc.Runtime.
func (rt *Runtime) Retain(obj xpc.Object) xpc.Object {
	if obj < firstObject {
		return obj
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if o := rt.lookupLocked("retain", obj); o != nil {
		o.refs++
	}
	return obj
}

// Release implements xpc.Runtime.
func (rt *Runtime) Release(obj xpc.Object) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.releaseLocked(obj)
}

func (rt *Runtime) releaseLocked(obj xpc.Object) {
	if obj < firstObject {
		return
	}
	o := rt.lookupLocked("release", obj)
	if o == nil {
		return
	}
	o.refs--
	if o.refs > 0 {
		return
	}
	delete(rt.objects, obj)
	if o.conn != nil {
		rt.cancelLocked(o.conn)
	}
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
