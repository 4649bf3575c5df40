// Package pool implements the frame buffer pool: frame slots shared across
// clients with reference counts, a free list, an output FIFO, and a
// forced-eviction policy when capture outruns slow readers.
//
// A slot's identity is an incrementing epoch rather than its address, so a
// client's remembered Ref can detect that the slot was force-released and
// recycled for a new frame instead of silently reading stale data. A slot
// is never in both the free list and the output queue (between Acquire and
// Enqueue or Return it is in neither), so its `next` link can serve first
// as its output-queue successor and, once its refcount drops to zero, be
// reused as its free-list successor.
package pool

import (
	"sync"

	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// DefaultSize is the minimum pool size before per-client headroom is added.
const DefaultSize = 4

// Slot holds one captured field: its sliced lines, an optional raw-sample
// buffer, a capture timestamp, and the bookkeeping the pool needs to track
// its place in the free list or output queue.
type Slot struct {
	id uint64

	MaxLines  int
	Lines     []wire.SlicedLine
	LineCount int
	Raw       []byte // nil unless raw services are active
	Timestamp float64

	refcount int
	next     *Slot // output-queue successor while queued; free-list successor while free
}

// ID is a stable identity for this slot's current occupancy, used by callers
// (internal/session) to detect that a previously-remembered Ref has gone
// stale because the slot was force-released and recycled for a new frame.
func (s *Slot) ID() uint64 { return s.id }

// Ref is a client's forwarding-queue head: a pointer into the pool's shared
// output FIFO plus the epoch it observed. A Ref is stale — and must not be
// dereferenced — once Slot.ID() no longer matches Epoch.
type Ref struct {
	Slot  *Slot
	Epoch uint64
}

func (r Ref) Valid() bool { return r.Slot != nil && r.Slot.id == r.Epoch }

// Next returns the Ref that follows r in the shared output FIFO, or the zero
// Ref if r points at the tail or is stale.
func (r Ref) Next() Ref {
	if !r.Valid() || r.Slot.next == nil {
		return Ref{}
	}
	n := r.Slot.next
	return Ref{Slot: n, Epoch: n.id}
}

// Pool is the per-device slot pool: one free stack and one output FIFO,
// guarded by a single mutex (held only for list-pointer and refcount
// bookkeeping, never across I/O).
type Pool struct {
	mu sync.Mutex

	free        *Slot
	outHead     *Slot
	outTail     *Slot
	freeCount   int
	queuedCount int
	target      int
	nextID      uint64
}

func New() *Pool {
	return &Pool{}
}

func (p *Pool) nextEpoch() uint64 {
	p.nextID++
	return p.nextID
}

// Resize grows or shrinks the pool toward target. Shrinking empties the free
// list first (queued slots are never evicted just to meet a shrink target —
// only force eviction removes a queued slot). Growing allocates placeholder
// slots (zero MaxLines; Acquire reallocates them lazily to the device's
// current shape). Allocation failure is reported, not fatal: capture
// continues with whatever the pool already has.
func (p *Pool) Resize(target int) (allocated, removed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
	total := p.freeCount + p.queuedCount
	if total > target {
		for total > target && p.free != nil {
			p.free = p.free.next
			p.freeCount--
			total--
			removed++
		}
		return 0, removed
	}
	for total < target {
		s := &Slot{id: p.nextEpoch()}
		s.next = p.free
		p.free = s
		p.freeCount++
		total++
		allocated++
	}
	return allocated, 0
}

// Acquire pops a free slot, reshaping it to (maxLines, wantRaw) if needed,
// and resets its refcount/line count for a new frame. It returns ok=false if
// the free list is empty.
func (p *Pool) Acquire(maxLines int, wantRaw bool) (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.free
	if s == nil {
		return nil, false
	}
	p.free = s.next
	p.freeCount--
	s.next = nil
	s.id = p.nextEpoch()

	if s.MaxLines != maxLines {
		s.Lines = make([]wire.SlicedLine, maxLines)
		s.MaxLines = maxLines
	}
	s.LineCount = 0
	if wantRaw {
		if len(s.Raw) != wire.RawLineSize*maxLines {
			s.Raw = make([]byte, wire.RawLineSize*maxLines)
		}
	} else {
		s.Raw = nil
	}
	s.refcount = 0
	return s, true
}

// Eviction describes a forced removal of the output queue's head slot: the
// slot itself (now recycled; do not dereference its fields) and the Ref any
// client whose head pointed at it must jump to. Successor is the zero Ref
// when nothing was queued behind the evicted slot yet.
type Eviction struct {
	Slot      *Slot
	Successor Ref
}

// ForceAcquire behaves like Acquire but, if the free list is empty, first
// forcibly evicts the output queue's head slot (on behalf of every client
// still referencing it — callers must react by advancing any client head
// that pointed at ev.Slot to ev.Successor) and retries.
func (p *Pool) ForceAcquire(maxLines int, wantRaw bool) (slot *Slot, ev *Eviction) {
	if s, ok := p.Acquire(maxLines, wantRaw); ok {
		return s, nil
	}
	ev = p.ForceEvictOldest()
	s, ok := p.Acquire(maxLines, wantRaw)
	if !ok {
		// Pool has zero total capacity; nothing more we can do.
		return nil, ev
	}
	return s, ev
}

// ForceEvictOldest unconditionally removes the output queue's head slot
// (refcount notwithstanding) and returns it to the free list, reporting the
// Ref that survivors must jump to.
func (p *Pool) ForceEvictOldest() *Eviction {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, successor := p.popOutputHeadLocked()
	if s == nil {
		return nil
	}
	return &Eviction{Slot: s, Successor: successor}
}

// popOutputHeadLocked pops the output queue's head, recycles it to the free
// list, and returns the successor Ref captured before the slot's next field
// was repurposed for free-list linkage.
func (p *Pool) popOutputHeadLocked() (*Slot, Ref) {
	s := p.outHead
	if s == nil {
		return nil, Ref{}
	}
	var successor Ref
	if s.next != nil {
		successor = Ref{Slot: s.next, Epoch: s.next.id}
	}
	p.outHead = s.next
	if p.outHead == nil {
		p.outTail = nil
	}
	p.queuedCount--
	s.refcount = 0
	s.id = p.nextEpoch() // invalidate any Ref still pointing at this occupancy
	s.next = p.free
	p.free = s
	p.freeCount++
	return s, successor
}

// Enqueue appends slot to the output FIFO. The caller must have already set
// slot's refcount to the number of subscribing clients (>0); Enqueue panics
// otherwise, since an unreferenced slot enqueued here would never be
// reclaimed.
func (p *Pool) Enqueue(slot *Slot) Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot.refcount <= 0 {
		panic("pool: Enqueue requires refcount > 0")
	}
	slot.next = nil
	if p.outTail == nil {
		p.outHead = slot
	} else {
		p.outTail.next = slot
	}
	p.outTail = slot
	p.queuedCount++
	return Ref{Slot: slot, Epoch: slot.id}
}

// Return puts an acquired-but-never-enqueued slot straight back onto the
// free list (used when a capture read yields nothing, or no client turned
// out to be interested).
func (p *Pool) Return(slot *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot.refcount = 0
	slot.id = p.nextEpoch()
	slot.next = p.free
	p.free = slot
	p.freeCount++
}

// SetRefcount sets the number of clients that will hold ref to slot before
// it is enqueued.
func (p *Pool) SetRefcount(slot *Slot, n int) { slot.refcount = n }

// IncRef increments slot's refcount; used when a previously-uninterested
// client's head is set to an already-enqueued slot (join-mid-frame is not
// part of the normal flow but keeps the invariant honest under races).
func (p *Pool) IncRef(slot *Slot) {
	p.mu.Lock()
	slot.refcount++
	p.mu.Unlock()
}

// Release decrements ref's slot refcount on behalf of one client that has
// advanced past it. If the refcount reaches zero, the slot is removed from
// the head of the output queue (per the FIFO-drain invariant: a slot's
// refcount can only reach zero once every subscriber has advanced past it,
// and subscribers always advance in FIFO order, so it is necessarily the
// current head) and moved to the free list.
func (p *Pool) Release(ref Ref) {
	if !ref.Valid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := ref.Slot
	s.refcount--
	if s.refcount < 0 {
		s.refcount = 0
	}
	if s.refcount == 0 {
		if p.outHead != s {
			// Invariant violation: should be unreachable given FIFO-ordered
			// per-client release. Leave the slot queued rather than corrupt
			// the list; a future release of the true head will unwind it.
			return
		}
		p.popOutputHeadLocked()
		for p.outHead != nil && p.outHead.refcount == 0 {
			p.popOutputHeadLocked()
		}
	}
}

// ReleaseAll drains the entire output FIFO to the free list unconditionally
// (used on an explicit client Flush notification). It returns the slots that
// were queued so the caller can null out every client head pointer.
func (p *Pool) ReleaseAll() []*Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var drained []*Slot
	for p.outHead != nil {
		s, _ := p.popOutputHeadLocked()
		drained = append(drained, s)
	}
	return drained
}

// Head returns a Ref to the current output-queue head, or the zero Ref if
// the queue is empty.
func (p *Pool) Head() Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outHead == nil {
		return Ref{}
	}
	return Ref{Slot: p.outHead, Epoch: p.outHead.id}
}

// Stats reports the current free-list and output-queue lengths, satisfying
// the invariant |free| + |queued| <= configured pool size.
func (p *Pool) Stats() (free, queued, target int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCount, p.queuedCount, p.target
}

// TargetSize computes the pool size target: the larger of the largest
// requested buffer count across clients and DefaultSize, plus one spare slot
// per client.
func TargetSize(maxRequestedBuffers, numClients int) int {
	base := maxRequestedBuffers
	if base < DefaultSize {
		base = DefaultSize
	}
	return base + numClients
}
