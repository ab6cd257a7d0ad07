package idgen

import (
	"sync"
	"testing"
)

func TestGeneratorResetsOnDrain(t *testing.T) {
	g := NewGenerator()

	a := g.Next()
	b := g.Next()
	if a != 1 || b != 2 {
		t.Fatalf("expected 1,2 got %d,%d", a, b)
	}

	g.Release(a)
	if g.Outstanding() != 1 {
		t.Fatalf("expected 1 outstanding, got %d", g.Outstanding())
	}

	g.Release(b)
	if g.Outstanding() != 0 {
		t.Fatalf("expected 0 outstanding, got %d", g.Outstanding())
	}

	c := g.Next()
	if c != 1 {
		t.Fatalf("expected counter to reset to 1 after drain, got %d", c)
	}
}

func TestGeneratorConcurrentUse(t *testing.T) {
	g := NewGenerator()
	var wg sync.WaitGroup
	ids := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- g.Next()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != 100 {
		t.Fatalf("expected 100 unique ids, got %d", len(seen))
	}
}

func TestDispatcherInvokeAndRemove(t *testing.T) {
	d := NewDispatcher[string]()
	var mu sync.Mutex
	var got []string

	h1 := d.Add("alice", ExecutorFunc(func(f func()) { f() }))
	d.Add("bob", ExecutorFunc(func(f func()) { f() }))

	d.Invoke(func(cb string) {
		mu.Lock()
		got = append(got, cb)
		mu.Unlock()
	})

	if d.Size() != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", d.Size())
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(got))
	}

	d.Remove(h1)
	if d.Size() != 1 {
		t.Fatalf("expected 1 subscription after remove, got %d", d.Size())
	}
}
