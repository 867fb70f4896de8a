package arc

import (
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

type payload struct {
	id int
}

func TestArcLifecycle(t *testing.T) {
	var drops int
	a := New(&payload{id: 7}, func(p *payload) {
		if p.id != 7 {
			t.Errorf("expected drop to receive payload 7; got %d", p.id)
		}
		drops++
	})

	b := a.Clone()
	if !a.Same(b) {
		t.Fatal("expected clone to share the control block")
	}

	if got := a.StrongCount(); got != 2 {
		t.Fatalf("expected strong count 2; got %d", got)
	}

	if a.Release() {
		t.Fatal("expected first release to keep the value alive")
	}
	if a.Valid() {
		t.Fatal("expected released handle to be invalid")
	}
	if b.Get().id != 7 {
		t.Fatal("expected remaining handle to reference the payload")
	}

	if !b.Release() {
		t.Fatal("expected last release to drop the value")
	}
	if drops != 1 {
		t.Fatalf("expected drop to run once; ran %d times", drops)
	}

	// Releasing an empty handle is a no-op.
	if b.Release() {
		t.Fatal("expected release of an empty handle to return false")
	}
}

func TestWeak(t *testing.T) {
	var dropped bool
	a := New(&payload{id: 1}, func(*payload) { dropped = true })

	w := a.Downgrade()
	if got := a.WeakCount(); got != 1 {
		t.Fatalf("expected weak count 1; got %d", got)
	}

	up, ok := w.Upgrade()
	if !ok || !up.Same(a) {
		t.Fatal("expected upgrade to succeed while a strong reference exists")
	}
	if got := a.StrongCount(); got != 2 {
		t.Fatalf("expected strong count 2; got %d", got)
	}

	w2 := w.Clone()
	if got := a.WeakCount(); got != 2 {
		t.Fatalf("expected weak count 2 after clone; got %d", got)
	}
	w2.Release()

	up.Release()
	a.Release()

	if !dropped {
		t.Fatal("expected value to be dropped")
	}

	if _, ok := w.Upgrade(); ok {
		t.Fatal("expected upgrade to fail after the value was dropped")
	}

	// The weak handle holds the last reference to the control block.
	c := w.c
	w.Release()
	if c.value != nil {
		t.Fatal("expected value to be cleared once the last weak reference is gone")
	}

	var empty Weak[*payload]
	if _, ok := empty.Upgrade(); ok || empty.Valid() {
		t.Fatal("expected zero Weak to be unusable")
	}
	empty.Release()
}

func TestArcConcurrentCloneRelease(t *testing.T) {
	var drops atomic.Int32
	root := New(&payload{}, func(*payload) { drops.Add(1) })
	weak := root.Downgrade()

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 1000; j++ {
				if up, ok := weak.Upgrade(); ok {
					c := up.Clone()
					c.Release()
					up.Release()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if got := root.StrongCount(); got != 1 {
		t.Fatalf("expected strong count to return to 1; got %d", got)
	}

	root.Release()
	if got := drops.Load(); got != 1 {
		t.Fatalf("expected exactly one drop; got %d", got)
	}
}
