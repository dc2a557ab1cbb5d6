package handles

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

type testState struct {
	Name  string
	Value int
}

func TestRegisterAndResolve(t *testing.T) {
	var table Table[testState]

	data := &testState{Name: "test", Value: 42}
	id := table.Register(data)

	if id == 0 {
		t.Error("Register should return non-zero id")
	}

	got := table.Resolve(id)
	if got != data {
		t.Fatalf("Resolve returned %p, want %p", got, data)
	}
	if got.Name != "test" || got.Value != 42 {
		t.Errorf("Resolve returned wrong data: %+v", got)
	}
	runtime.KeepAlive(data)
}

func TestUnregister(t *testing.T) {
	var table Table[testState]
	data := &testState{Name: "test"}
	id := table.Register(data)

	if table.Resolve(id) == nil {
		t.Error("Expected value before Unregister")
	}

	table.Unregister(id)

	if table.Resolve(id) != nil {
		t.Error("Expected nil after Unregister")
	}
	runtime.KeepAlive(data)
}

func TestResolveUnknown(t *testing.T) {
	var table Table[testState]
	if table.Resolve(999999) != nil {
		t.Error("Resolve of unknown id should return nil")
	}
}

func TestResolveAfterCollection(t *testing.T) {
	var table Table[testState]
	id := table.Register(&testState{Name: "short-lived"})

	// The table must not keep the object alive.
	deadline := time.Now().Add(5 * time.Second)
	for table.Resolve(id) != nil {
		if time.Now().After(deadline) {
			t.Fatal("weak entry still resolves after the object became unreachable")
		}
		runtime.GC()
	}

	if table.Len() != 1 {
		t.Errorf("Len = %d, want the stale id to stay registered until Unregister", table.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	const numGoroutines = 100
	const numOps = 100

	var table Table[testState]
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				data := &testState{Value: id*numOps + j}
				h := table.Register(data)
				if got := table.Resolve(h); got != data {
					t.Errorf("Resolve(%d) returned %p, want %p", h, got, data)
				}
				table.Unregister(h)
			}
		}(i)
	}

	wg.Wait()

	if table.Len() != 0 {
		t.Errorf("Len = %d after unregistering everything", table.Len())
	}
}

func TestIDsAreUnique(t *testing.T) {
	var table Table[testState]
	keep := make([]*testState, 0, 1000)
	seen := make(map[uintptr]bool)

	for i := 0; i < 1000; i++ {
		data := &testState{Value: i}
		keep = append(keep, data)
		h := table.Register(data)
		if seen[h] {
			t.Errorf("id %d was returned twice", h)
		}
		seen[h] = true
	}

	for h := range seen {
		table.Unregister(h)
	}
	runtime.KeepAlive(keep)
}
