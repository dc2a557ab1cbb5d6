package xpc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obinnaokechukwu/xpc"
	"github.com/obinnaokechukwu/xpc/xpctest"
)

var (
	ping = xpc.NewMap().Set("op", xpc.String("ping"))
	pong = xpc.NewMap().Set("op", xpc.String("pong"))
)

// pingServer answers ping with pong, as a reply when one is expected and as
// a separate message otherwise.
func pingServer(peer *xpc.Connection) xpc.Delegate {
	return xpc.DelegateFunc(func(ev xpc.Event) {
		if ev.Kind != xpc.EventMessage || !xpc.Equal(ev.Message, ping) {
			return
		}
		if ev.ExpectsReply() {
			_ = ev.Reply(pong)
			return
		}
		_ = peer.SendMessage(pong)
	})
}

// silentServer reports each message on got and never replies.
func silentServer(got chan<- xpc.Value) xpc.PeerHandler {
	return func(*xpc.Connection) xpc.Delegate {
		return xpc.DelegateFunc(func(ev xpc.Event) {
			if ev.Kind == xpc.EventMessage {
				got <- ev.Message
			}
		})
	}
}

func listen(t *testing.T, rt *xpctest.Runtime, service string, handler xpc.PeerHandler) *xpc.Listener {
	t.Helper()
	l, err := xpc.Listen(service, handler, xpc.WithRuntime(rt))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func dial(t *testing.T, rt *xpctest.Runtime, service string) (*xpc.Connection, *recorder) {
	t.Helper()
	conn, err := xpc.CreateMachService(service, 0, xpc.WithRuntime(rt))
	require.NoError(t, err)
	t.Cleanup(conn.Release)

	rec := newRecorder()
	conn.SetDelegate(rec)
	require.NoError(t, conn.Activate())
	return conn, rec
}

func waitValue(t *testing.T, ch <-chan xpc.Value) xpc.Value {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(eventTimeout):
		t.Fatal("reply wait did not end")
		return nil
	}
}

func TestPingPong(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.pingpong"
	l := listen(t, rt, service, pingServer)
	client, rec := dial(t, rt, service)

	require.NoError(t, client.SendMessage(ping))
	ev := rec.nextKind(t, xpc.EventMessage)
	assert.True(t, xpc.Equal(pong, ev.Message), "got %s", ev.Message)

	reply, err := client.SendMessageWithReply(ping)
	require.NoError(t, err)
	assert.True(t, xpc.Equal(pong, reply), "got %s", reply)

	assert.Equal(t, 1, l.Peers())
	assert.Empty(t, rt.Misuse())
}

func TestMessagesArriveInOrder(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.ordered"
	got := make(chan xpc.Value, 100)
	listen(t, rt, service, silentServer(got))
	client, _ := dial(t, rt, service)

	for i := 0; i < 100; i++ {
		require.NoError(t, client.SendMessage(xpc.Number(i)))
	}
	for i := 0; i < 100; i++ {
		assert.True(t, xpc.Equal(xpc.Number(i), waitValue(t, got)))
	}
}

func TestReplyWaitEndsOnCancel(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.silent"
	got := make(chan xpc.Value, 1)
	listen(t, rt, service, silentServer(got))
	client, _ := dial(t, rt, service)

	errc := make(chan error, 1)
	go func() {
		_, err := client.SendMessageWithReply(xpc.String("hello?"))
		errc <- err
	}()
	waitValue(t, got)

	require.NoError(t, client.Cancel())

	err := waitErr(t, errc)
	require.Error(t, err)
	assert.True(t, xpc.IsTransport(err))
	assert.ErrorIs(t, err, xpc.ErrConnectionInvalid)
}

func TestReplyWaitEndsOnRelease(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.silent"
	got := make(chan xpc.Value, 1)
	listen(t, rt, service, silentServer(got))

	client, err := xpc.CreateMachService(service, 0, xpc.WithRuntime(rt))
	require.NoError(t, err)
	require.NoError(t, client.Activate())

	errc := make(chan error, 1)
	go func() {
		_, err := client.SendMessageWithReply(xpc.String("hello?"))
		errc <- err
	}()
	waitValue(t, got)

	client.Release()
	assert.ErrorIs(t, waitErr(t, errc), xpc.ErrConnectionInvalid)
	assert.Empty(t, rt.Misuse())
}

func TestReplyWaitInterruptedByServer(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.silent"
	got := make(chan xpc.Value, 1)
	l := listen(t, rt, service, silentServer(got))
	client, rec := dial(t, rt, service)

	errc := make(chan error, 1)
	go func() {
		_, err := client.SendMessageWithReply(xpc.String("hello?"))
		errc <- err
	}()
	waitValue(t, got)

	require.NoError(t, l.Close())
	assert.ErrorIs(t, waitErr(t, errc), xpc.ErrConnectionInterrupted)

	ev := rec.nextKind(t, xpc.EventConnectionInterrupted)
	assert.ErrorIs(t, ev.Err, xpc.ErrConnectionInterrupted)
}

func TestClientReconnectsAfterInterruption(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.restart"
	first, err := xpc.Listen(service, pingServer, xpc.WithRuntime(rt))
	require.NoError(t, err)
	client, rec := dial(t, rt, service)

	_, err = client.SendMessageWithReply(ping)
	require.NoError(t, err)

	require.NoError(t, first.Close())
	rec.nextKind(t, xpc.EventConnectionInterrupted)

	listen(t, rt, service, pingServer)
	reply, err := client.SendMessageWithReply(ping)
	require.NoError(t, err)
	assert.True(t, xpc.Equal(pong, reply))
}

func TestReplyContextDeadline(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.silent"
	got := make(chan xpc.Value, 1)
	listen(t, rt, service, silentServer(got))
	client, _ := dial(t, rt, service)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.SendMessageWithReplyContext(ctx, xpc.Null{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialUnknownService(t *testing.T) {
	rt := newRuntime(t)
	client, rec := dial(t, rt, "com.example.nobody")

	ev := rec.nextKind(t, xpc.EventConnectionInvalid)
	assert.ErrorIs(t, ev.Err, xpc.ErrConnectionInvalid)

	_, err := client.SendMessageWithReply(ping)
	assert.True(t, xpc.IsTransport(err))
}

func TestListenerTracksPeers(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.peers"
	l := listen(t, rt, service, pingServer)

	var clients []*xpc.Connection
	for i := 0; i < 3; i++ {
		c, _ := dial(t, rt, service)
		_, err := c.SendMessageWithReply(ping)
		require.NoError(t, err)
		clients = append(clients, c)
	}
	assert.Equal(t, 3, l.Peers())

	clients[0].Release()
	require.Eventually(t, func() bool { return l.Peers() == 2 }, eventTimeout, pollInterval)
}

func TestListenerServe(t *testing.T) {
	rt := newRuntime(t)
	l := listen(t, rt, "com.example.serve", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	cancel()
	assert.NoError(t, waitErr(t, done))
	assert.NoError(t, l.Close())
}

func TestListenerServeReportsInvalidation(t *testing.T) {
	rt := newRuntime(t)
	l := listen(t, rt, "com.example.serve", nil)

	done := make(chan error, 1)
	go func() { done <- l.Serve(context.Background()) }()

	rt.Fire(rt.Context(l.Conn().Native()), xpc.KindConnectionInvalid)

	err := waitErr(t, done)
	assert.True(t, xpc.IsTransport(err))
	assert.NoError(t, l.Close())
}

func TestDuplicateListener(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.taken"
	listen(t, rt, service, nil)
	second := listen(t, rt, service, nil)

	err := waitErr(t, serve(second))
	assert.ErrorIs(t, err, xpc.ErrConnectionInvalid)
}

func TestListenerClosedIsIdempotent(t *testing.T) {
	rt := newRuntime(t)
	l, err := xpc.Listen("com.example.close", nil, xpc.WithRuntime(rt))
	require.NoError(t, err)

	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
	assert.Zero(t, l.Conn().Native())
}

func TestConcurrentClients(t *testing.T) {
	rt := newRuntime(t)
	const service = "com.example.busy"
	listen(t, rt, service, pingServer)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		c, _ := dial(t, rt, service)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				reply, err := c.SendMessageWithReply(ping)
				if err == nil && !xpc.Equal(pong, reply) {
					err = errors.New("unexpected reply")
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func serve(l *xpc.Listener) <-chan error {
	done := make(chan error, 1)
	go func() { done <- l.Serve(context.Background()) }()
	return done
}
