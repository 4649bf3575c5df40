package pool

import "testing"

func TestAcquireEnqueueRelease(t *testing.T) {
	p := New()
	if allocated, _ := p.Resize(TargetSize(0, 1)); allocated == 0 {
		t.Fatalf("expected slots to be allocated")
	}

	slot, ok := p.Acquire(32, false)
	if !ok {
		t.Fatalf("expected free slot")
	}
	slot.LineCount = 2
	p.SetRefcount(slot, 1)
	ref := p.Enqueue(slot)

	if free, queued, _ := p.Stats(); queued != 1 || free != TargetSize(0, 1)-1 {
		t.Fatalf("unexpected stats after enqueue: free=%d queued=%d", free, queued)
	}

	p.Release(ref)
	if free, queued, _ := p.Stats(); queued != 0 || free != TargetSize(0, 1) {
		t.Fatalf("unexpected stats after release: free=%d queued=%d", free, queued)
	}
	if ref.Valid() {
		t.Fatalf("ref should be stale once its slot has been recycled to the free list")
	}
}

func TestForceEvictAdvancesSurvivorsToNextFrame(t *testing.T) {
	p := New()
	p.Resize(2)

	s1, _ := p.Acquire(4, false)
	p.SetRefcount(s1, 2) // two slow clients watching
	ref1 := p.Enqueue(s1)

	s2, _ := p.Acquire(4, false)
	p.SetRefcount(s2, 2)
	ref2 := p.Enqueue(s2)

	// Free list is now empty; a third frame forces eviction of the head (s1).
	s3, ev := p.ForceAcquire(4, false)
	if s3 == nil {
		t.Fatalf("expected a slot from ForceAcquire")
	}
	if ev == nil || ev.Slot != s1 {
		t.Fatalf("expected s1 to be the evicted slot, got %+v", ev)
	}
	if ev.Successor.Slot != ref2.Slot {
		t.Fatalf("expected the evicted slot's successor to be the still-queued s2")
	}
	if ref1.Valid() {
		t.Fatalf("ref1 must be stale once its slot was force-evicted")
	}
}

func TestReleaseAllDrainsQueue(t *testing.T) {
	p := New()
	p.Resize(3)

	var refs []Ref
	for i := 0; i < 3; i++ {
		s, ok := p.Acquire(4, false)
		if !ok {
			t.Fatalf("acquire %d failed", i)
		}
		p.SetRefcount(s, 1)
		refs = append(refs, p.Enqueue(s))
	}

	drained := p.ReleaseAll()
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained slots, got %d", len(drained))
	}
	if free, queued, _ := p.Stats(); free != 3 || queued != 0 {
		t.Fatalf("unexpected stats after ReleaseAll: free=%d queued=%d", free, queued)
	}
	for _, r := range refs {
		if r.Valid() {
			t.Fatalf("ref should be invalid after ReleaseAll recycled its slot")
		}
	}
}

func TestAcquireReshapesSlotOnSizeChange(t *testing.T) {
	p := New()
	p.Resize(1)

	s, _ := p.Acquire(16, true)
	if len(s.Lines) != 16 || len(s.Raw) == 0 {
		t.Fatalf("expected slot shaped for 16 lines with raw buffer")
	}
	p.Return(s)

	s2, _ := p.Acquire(8, false)
	if len(s2.Lines) != 8 {
		t.Fatalf("expected slot reshaped to 8 lines, got %d", len(s2.Lines))
	}
	if s2.Raw != nil {
		t.Fatalf("expected raw buffer dropped when wantRaw is false")
	}
}

func TestResizeShrinksFreeListOnly(t *testing.T) {
	p := New()
	p.Resize(5)
	s, _ := p.Acquire(4, false)
	p.SetRefcount(s, 1)
	p.Enqueue(s) // one slot now queued, not free

	_, removed := p.Resize(1)
	if removed == 0 {
		t.Fatalf("expected free-list slots to be removed")
	}
	if free, queued, _ := p.Stats(); queued != 1 {
		t.Fatalf("shrink must never evict a queued slot, got queued=%d free=%d", queued, free)
	}
}
