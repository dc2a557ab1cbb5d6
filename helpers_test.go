package xpc_test

import (
	"runtime"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/obinnaokechukwu/xpc"
	"github.com/obinnaokechukwu/xpc/xpctest"
)

const eventTimeout = 5 * time.Second

func newRuntime(t *testing.T) *xpctest.Runtime {
	t.Helper()
	rt := xpctest.NewRuntime()
	t.Cleanup(rt.Close)
	return rt
}

// recorder is a Delegate that queues every event.
type recorder struct {
	ch chan xpc.Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan xpc.Event, 64)}
}

func (r *recorder) HandleEvent(ev xpc.Event) {
	r.ch <- ev
}

func (r *recorder) next(t *testing.T) xpc.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for event")
		return xpc.Event{}
	}
}

// nextKind skips events until one of kind arrives.
func (r *recorder) nextKind(t *testing.T, kind xpc.EventKind) xpc.Event {
	t.Helper()
	for {
		if ev := r.next(t); ev.Kind == kind {
			return ev
		}
	}
}

func (r *recorder) pending() int {
	return len(r.ch)
}

func envelope(t *testing.T, v xpc.Value) map[string]string {
	t.Helper()
	text, err := xpc.Encode(v)
	require.NoError(t, err)
	return map[string]string{xpc.EnvelopeKey: text}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m.GetLabel(), labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	for _, lp := range pairs {
		if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
			return false
		}
	}
	return true
}

const pollInterval = 10 * time.Millisecond

func runGC() {
	runtime.GC()
	runtime.GC()
}
