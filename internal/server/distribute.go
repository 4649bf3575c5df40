package server

import (
	"github.com/ocupoint/vbiproxyd/internal/pool"
	"github.com/ocupoint/vbiproxyd/internal/session"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// Distribute implements capture.Distributor: it runs on the reader
// goroutine, so it only ever reads client state under d.mu and never blocks
// on a socket. Every currently-subscribed client (Forwarding, non-empty
// effective mask) counts, whether or not its head happens to be valid right
// now; forwardPending relies on that to size a slot's refcount correctly
// for clients it is about to pick up for the first time.
func (d *Device) Distribute(slot *pool.Slot) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.clients {
		if c.sess.State != session.Forwarding {
			continue
		}
		if c.svc.EffectiveMask() != 0 {
			n++
		}
	}
	return n
}

// Evicted implements capture.Distributor: advance any client head that
// pointed at the evicted slot to its FIFO successor.
func (d *Device) Evicted(ev *pool.Eviction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		if c.sess.Head.Slot == ev.Slot {
			c.sess.Head = ev.Successor
		}
	}
}

// forwardPending walks every Forwarding client, starts consuming the shared
// output FIFO if it isn't already, and pushes as many queued frames as the
// client's outbox will currently accept without blocking. A full outbox
// leaves the client's head where it is; the next event cycle retries.
//
// A client picking up the FIFO for the first time (head currently invalid,
// whether because it just connected or because a force-eviction left it
// with no successor) joins via IncRef rather than relying on the refcount
// Distribute already set: Distribute's count only exactly matches every
// currently-queued slot when a client has been continuously subscribed
// since before each of them was captured, which a fresh join is not. The
// slot's epoch guards against the resulting accounting slop ever being
// read as stale or corrupted data; at worst a slot is recycled a frame
// earlier or later than ideal for one client.
func (d *Device) forwardPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		if c.sess.State != session.Forwarding {
			continue
		}
		mask := c.svc.EffectiveMask()
		if mask == 0 {
			continue
		}
		if !c.sess.Head.Valid() {
			head := d.pool.Head()
			if !head.Valid() {
				continue
			}
			d.pool.IncRef(head.Slot)
			c.sess.Head = head
		}
		for c.sess.Head.Valid() {
			slot := c.sess.Head.Slot
			ind := session.BuildIndication(slot, mask, c.svc.WantsRaw(), c.sess.FrozenMaxLines)
			body := wire.MarshalSlicedIndication(ind)
			select {
			case c.outbox <- outMsg{typ: wire.MsgSlicedIndication, body: body}:
			default:
				// This client's socket is behind; stop feeding it for this
				// pass and try again next cycle, without starving every
				// other client still behind it in connection order.
				goto next
			}
			nextRef := c.sess.Head.Next()
			d.pool.Release(c.sess.Head)
			c.sess.Head = nextRef
		}
	next:
		d.deliverIndications(c)
	}
}

// deliverIndications sends a ChannelChangeIndication carrying any
// accumulated PendingIndications bits (Norm-changed, Flush-required, ...)
// for c, and clears them. Best-effort: if the outbox is momentarily full
// the bits stay pending and are retried next cycle.
func (d *Device) deliverIndications(c *clientConn) {
	if c.sess.PendingIndications == 0 {
		return
	}
	body := wire.MarshalNotify(wire.Notify{Flags: c.sess.PendingIndications})
	select {
	case c.outbox <- outMsg{typ: wire.MsgChannelChangeIndication, body: body}:
		c.sess.PendingIndications = 0
	default:
	}
}
