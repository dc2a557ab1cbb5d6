package xpc_test

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obinnaokechukwu/xpc"
	"github.com/obinnaokechukwu/xpc/xpctest"
)

func TestCreateFailsOnNullConnection(t *testing.T) {
	rt := newRuntime(t)

	rt.FailCreate("com.example.missing")
	conn, err := xpc.CreateMachService("com.example.missing", 0, xpc.WithRuntime(rt))
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, xpc.IsCreationFailed(err))

	var ce *xpc.ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "com.example.missing", ce.Name)

	rt.FailCreate("")
	_, err = xpc.Create("", xpc.WithRuntime(rt))
	assert.ErrorIs(t, err, xpc.ErrCreationFailed)

	assert.Equal(t, 0, rt.Live())
}

func TestListenerFlagSuppressesPrivileged(t *testing.T) {
	rt := newRuntime(t)

	tests := []struct {
		name    string
		options xpc.ConnectionOptions
		want    uint64
	}{
		{"none", 0, 0},
		{"listener", xpc.MachServiceListener, uint64(xpc.MachServiceListener)},
		{"privileged", xpc.MachServicePrivileged, uint64(xpc.MachServicePrivileged)},
		{"listener and privileged", xpc.MachServiceListener | xpc.MachServicePrivileged, uint64(xpc.MachServiceListener)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := xpc.CreateMachService("com.example."+tt.name, tt.options, xpc.WithRuntime(rt))
			require.NoError(t, err)
			defer conn.Release()

			assert.Equal(t, tt.want, rt.Calls(conn.Native()).Flags)
		})
	}
}

func TestActivateVersionGate(t *testing.T) {
	rt := newRuntime(t)

	for _, supported := range []bool{true, false} {
		var gotMac, gotAlt xpc.Pair
		restore := xpc.SetVersionGate(func(mac, alt xpc.Pair) bool {
			gotMac, gotAlt = mac, alt
			return supported
		})

		conn, err := xpc.Create("", xpc.WithRuntime(rt))
		require.NoError(t, err)
		require.NoError(t, conn.Activate())

		calls := rt.Calls(conn.Native())
		if supported {
			assert.Equal(t, 1, calls.Activate)
			assert.Equal(t, 0, calls.Resume)
		} else {
			assert.Equal(t, 0, calls.Activate)
			assert.Equal(t, 1, calls.Resume)
		}
		assert.Equal(t, xpc.Pair{Major: 10, Minor: 12}, gotMac)
		assert.Equal(t, xpc.Pair{Major: 10, Minor: 0}, gotAlt)
		assert.Equal(t, xpc.ActivateThresholds, [2]xpc.Pair{gotMac, gotAlt})

		conn.Release()
		restore()
	}
}

func TestLifecyclePassthrough(t *testing.T) {
	defer xpc.SetVersionGate(func(mac, alt xpc.Pair) bool { return true })()

	rt := newRuntime(t)
	conn, err := xpc.Create("", xpc.WithRuntime(rt))
	require.NoError(t, err)
	defer conn.Release()

	require.NoError(t, conn.Activate())
	calls := rt.Calls(conn.Native())
	assert.Equal(t, 1, calls.Activate)
	assert.Equal(t, 0, calls.Resume)

	require.NoError(t, conn.Suspend())
	require.NoError(t, conn.Resume())
	require.NoError(t, conn.Cancel())

	calls = rt.Calls(conn.Native())
	assert.Equal(t, 1, calls.Activate)
	assert.Equal(t, 1, calls.Suspend)
	assert.Equal(t, 1, calls.Resume)
	assert.Equal(t, 1, calls.Cancel)
	assert.Empty(t, rt.Misuse())
}

func TestClonesShareDelegate(t *testing.T) {
	rt := newRuntime(t)
	a, err := xpc.Create("", xpc.WithRuntime(rt))
	require.NoError(t, err)

	b, err := a.Clone()
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())
	assert.Equal(t, a.Native(), b.Native())

	rec := newRecorder()
	b.SetDelegate(rec)
	assert.Same(t, rec, a.Delegate().(*recorder))

	// Events reach the delegate set through either handle.
	ctx := rt.Context(a.Native())
	rt.FireMessage(ctx, envelope(t, xpc.String("hi")))
	ev := rec.next(t)
	assert.Equal(t, xpc.EventMessage, ev.Kind)
	assert.True(t, xpc.Equal(xpc.String("hi"), ev.Message))

	a.SetDelegate(nil)
	assert.Nil(t, b.Delegate())

	a.Release()
	assert.NotZero(t, b.Native(), "connection outlives the first release")
	assert.Equal(t, 0, rt.Calls(b.Native()).Cancel)
	require.NoError(t, b.SendMessage(xpc.Null{}))

	b.Release()
	assert.Equal(t, 0, rt.Live())
	assert.Empty(t, rt.Misuse())
}

func TestReleasedHandle(t *testing.T) {
	rt := newRuntime(t)
	conn, err := xpc.Create("com.example.service", xpc.WithRuntime(rt))
	require.NoError(t, err)

	conn.Release()
	conn.Release()

	assert.Zero(t, conn.Native())
	_, err = conn.Clone()
	assert.ErrorIs(t, err, xpc.ErrReleased)
	assert.ErrorIs(t, conn.Activate(), xpc.ErrReleased)
	assert.ErrorIs(t, conn.Cancel(), xpc.ErrReleased)
	assert.ErrorIs(t, conn.SendMessage(xpc.Null{}), xpc.ErrReleased)
	_, err = conn.SendMessageWithReply(xpc.Null{})
	assert.ErrorIs(t, err, xpc.ErrReleased)

	assert.Equal(t, 0, rt.Live())
	assert.Empty(t, rt.Misuse())
}

func TestConcurrentCloneRelease(t *testing.T) {
	rt := newRuntime(t)
	root, err := xpc.Create("", xpc.WithRuntime(rt))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c, err := root.Clone()
				if !assert.NoError(t, err) {
					return
				}
				_ = c.SendMessage(xpc.Number(j))
				c.Release()
			}
		}()
	}
	wg.Wait()

	assert.NotZero(t, root.Native())
	root.Release()
	assert.Equal(t, 0, rt.Live())
	assert.Empty(t, rt.Misuse())
}

func TestSendMessageErrors(t *testing.T) {
	rt := newRuntime(t)
	conn, err := xpc.Create("", xpc.WithRuntime(rt))
	require.NoError(t, err)
	defer conn.Release()

	err = conn.SendMessage(xpc.Number(math.NaN()))
	assert.ErrorIs(t, err, xpc.ErrEncodingFailed)

	rt.FailAllocations(1)
	err = conn.SendMessage(xpc.Null{})
	assert.ErrorIs(t, err, xpc.ErrAllocationFailed)

	// Failures never poison the connection.
	assert.NoError(t, conn.SendMessage(xpc.Null{}))
}

func TestStaleCallbackIsIgnored(t *testing.T) {
	rt := newRuntime(t)
	conn, err := xpc.Create("com.example.service", xpc.WithRuntime(rt))
	require.NoError(t, err)

	rec := newRecorder()
	conn.SetDelegate(rec)
	ctx := rt.Context(conn.Native())
	require.True(t, xpc.Resolvable(ctx))

	conn.Release()
	assert.False(t, xpc.Resolvable(ctx))

	// The runtime may still hold the registration and fire it.
	rt.FireMessage(ctx, envelope(t, xpc.String("late")))
	rt.Fire(ctx, xpc.KindConnectionInterrupted)
	rt.Fire(ctx, xpc.KindConnectionInvalid)

	assert.Equal(t, 0, rec.pending())
	assert.Equal(t, 0, rt.Live())
	assert.Empty(t, rt.Misuse())
}

func TestGarbageCollectedConnectionIsReleased(t *testing.T) {
	rt := newRuntime(t)

	func() {
		_, err := xpc.Create("", xpc.WithRuntime(rt))
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runGC()
		return rt.Live() == 0
	}, eventTimeout, pollInterval)
	assert.Empty(t, rt.Misuse())
}

func TestGarbageCollectedConnectionWithSelfReferencingDelegate(t *testing.T) {
	rt := newRuntime(t)

	func() {
		conn, err := xpc.Create("", xpc.WithRuntime(rt))
		require.NoError(t, err)
		conn.SetDelegate(xpc.DelegateFunc(func(xpc.Event) {
			_ = conn.SendMessage(xpc.Null{})
		}))
	}()

	require.Eventually(t, func() bool {
		runGC()
		return rt.Live() == 0
	}, eventTimeout, pollInterval)
	assert.Empty(t, rt.Misuse())
}

func TestFromNativeRetainsHandle(t *testing.T) {
	rt := newRuntime(t)
	handle := rt.ConnectionCreate("com.example.inbound")
	require.NotZero(t, handle)

	conn := xpc.FromNative(rt, handle)
	assert.Equal(t, handle, conn.Native())
	assert.NotZero(t, rt.Context(handle), "event handler registered")

	conn.Release()
	assert.Equal(t, 1, rt.Live(), "caller keeps its own reference")
	assert.Equal(t, 1, rt.Calls(handle).Cancel)

	rt.Release(handle)
	assert.Equal(t, 0, rt.Live())
	assert.Empty(t, rt.Misuse())
}

func TestCreateWithoutRuntimeOnUnsupportedHost(t *testing.T) {
	if xpc.Init() == nil {
		t.Skip("native runtime available")
	}
	_, err := xpc.Create("com.example.service")
	assert.ErrorIs(t, err, xpc.ErrRuntimeUnavailable)
}

var _ xpc.Runtime = (*xpctest.Runtime)(nil)
