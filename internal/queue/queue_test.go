package queue

import (
	"sync"
	"testing"
)

type command struct {
	VehicleID string
	Lane      int
}

func TestQueue_New(t *testing.T) {
	q := New[command]()
	if q == nil {
		t.Fatal("expected non-nil queue")
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
	if q.Len() != 0 {
		t.Errorf("expected length 0, got %d", q.Len())
	}
}

func TestQueue_Push(t *testing.T) {
	q := New[command]()

	q.Push(command{VehicleID: "v1", Lane: 1})
	if q.Len() != 1 {
		t.Errorf("expected length 1, got %d", q.Len())
	}

	q.Push(command{VehicleID: "v2"}, command{VehicleID: "v3"})
	if q.Len() != 3 {
		t.Errorf("expected length 3, got %d", q.Len())
	}
}

func TestQueue_DrainKeepsOrder(t *testing.T) {
	q := New[command]()
	q.Push(command{VehicleID: "a"}, command{VehicleID: "b"}, command{VehicleID: "c"})

	items := q.Drain()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, want := range []string{"a", "b", "c"} {
		if items[i].VehicleID != want {
			t.Errorf("item %d: expected %s, got %s", i, want, items[i].VehicleID)
		}
	}
	if !q.Empty() {
		t.Error("expected queue empty after drain")
	}

	// The drained slice must not alias later pushes.
	q.Push(command{VehicleID: "d"})
	if items[0].VehicleID != "a" {
		t.Errorf("drained slice modified by later push: %v", items)
	}
}

func TestQueue_DrainEmpty(t *testing.T) {
	q := New[int]()
	if got := q.Drain(); len(got) != 0 {
		t.Errorf("expected no items, got %v", got)
	}
}

func TestQueue_Requeue(t *testing.T) {
	q := New[string]()
	q.Push("first", "second")
	failed := q.Drain()

	q.Push("third")
	q.Requeue(failed)

	got := q.Drain()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	q.Requeue(nil)
	if !q.Empty() {
		t.Error("requeue of nothing must leave the queue empty")
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(n*100 + j)
			}
		}(i)
	}
	wg.Wait()

	if q.Len() != 1000 {
		t.Errorf("expected 1000 items, got %d", q.Len())
	}
}

func TestQueue_ConcurrentDrain(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				q.Push(j)
			}
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				n := len(q.Drain())
				mu.Lock()
				total += n
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total += len(q.Drain())
	if total != 1000 {
		t.Errorf("expected 1000 items across drains, got %d", total)
	}
}
