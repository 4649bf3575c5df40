package capture

import (
	"sync/atomic"

	"github.com/ocupoint/vbiproxyd/internal/pool"
)

// Distributor decides, for a freshly captured slot, how many clients are
// interested in it. The reader loop sets the slot's refcount to the
// returned value and enqueues it, or returns the slot to the free list if
// nobody wants it. Implemented by internal/server, which holds the client
// list; capture never touches client state directly.
type Distributor interface {
	Distribute(slot *pool.Slot) (refcount int)
	// Evicted is called when ForceAcquire had to evict the queue head to
	// make room for a new frame; the implementation must advance any client
	// head pointing at ev.Slot to ev.Successor.
	Evicted(ev *pool.Eviction)
}

// Reader runs a capture source that cannot be waited on with a readiness
// primitive (Source.Selectable() == false) on its own goroutine: the
// reader-thread role in the original design, translated from "blocking
// thread + wake-up pipe" into a goroutine that posts to a channel, since Go
// already schedules blocking syscalls without stalling other goroutines.
type Reader struct {
	Src     Source
	Pool    *pool.Pool
	Dist    Distributor
	WantRaw func() bool

	// Tap, if set, observes every successfully captured slot before it is
	// distributed — the hook internal/diag's flight recorder attaches to.
	// It must not retain slot past the call or mutate it.
	Tap func(slot *pool.Slot)

	Frames  chan struct{} // signaled once per deposited frame; the server's select loop drains it
	stop    chan struct{}
	stopped atomic.Bool
}

func NewReader(src Source, p *pool.Pool, dist Distributor, wantRaw func() bool) *Reader {
	return &Reader{
		Src:     src,
		Pool:    p,
		Dist:    dist,
		WantRaw: wantRaw,
		Frames:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Stop requests the reader goroutine exit. It does not interrupt a read
// already in progress; the caller closing the underlying device fd is what
// unblocks a stuck read, matching the bounded-wait-then-close-fd fallback
// this replaces.
func (r *Reader) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stop)
	}
}

// Run loops: acquire a slot, read one field, and either distribute or
// return the slot, until Stop is called. Intended to run on its own
// goroutine.
func (r *Reader) Run() {
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		params := r.Src.Params()
		maxLines := params.MaxLinesClamped()
		wantRaw := r.WantRaw != nil && r.WantRaw()

		slot, ev := r.Pool.ForceAcquire(maxLines, wantRaw)
		if ev != nil {
			r.Dist.Evicted(ev)
		}
		if slot == nil {
			continue // pool has zero capacity; nothing to do until resized
		}

		var (
			lines int
			err   error
		)
		if wantRaw {
			lines, err = r.Src.ReadRawSliced(slot)
		} else {
			lines, err = r.Src.ReadSliced(slot)
		}

		if err != nil || lines == 0 {
			r.Pool.Return(slot)
			if err != nil && err != ErrTransient {
				return // non-transient device error: stop the reader, the server will close the device
			}
			continue
		}

		if r.Tap != nil {
			r.Tap(slot)
		}

		refcount := r.Dist.Distribute(slot)
		if refcount <= 0 {
			r.Pool.Return(slot)
			continue
		}
		r.Pool.SetRefcount(slot, refcount)
		r.Pool.Enqueue(slot)

		select {
		case r.Frames <- struct{}{}:
		default:
		}
	}
}
