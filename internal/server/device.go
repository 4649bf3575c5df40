// Package server wires the capture, service aggregation, channel scheduling,
// and session packages together into one running daemon: one coordinator
// goroutine per device that serializes every state change, fed by a
// goroutine-per-client-connection transport layer and the device's capture
// reader.
package server

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocupoint/vbiproxyd/internal/capture"
	"github.com/ocupoint/vbiproxyd/internal/diag"
	"github.com/ocupoint/vbiproxyd/internal/monitor"
	"github.com/ocupoint/vbiproxyd/internal/pool"
	"github.com/ocupoint/vbiproxyd/internal/scheduler"
	"github.com/ocupoint/vbiproxyd/internal/services"
	"github.com/ocupoint/vbiproxyd/internal/session"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// outboxDepth bounds how many un-written frames/replies a client connection
// may have queued before the server starts treating it as not keeping up.
const outboxDepth = 8

type outMsg struct {
	typ  wire.MsgType
	body []byte
}

// clientConn is one connected client's transport-plus-protocol state, owned
// exclusively by the device's coordinator goroutine except for the fields
// Distribute/Evicted read under Device.mu.
type clientConn struct {
	id   uint64
	conn net.Conn
	sess *session.Session
	svc  *services.ClientService

	outbox chan outMsg

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *clientConn) send(typ wire.MsgType, body []byte) {
	select {
	case c.outbox <- outMsg{typ: typ, body: body}:
	default:
		// Outbox full: drop rather than block the coordinator. A dropped
		// message is not queued again and nothing here resends it.
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Device runs one capture device: its aggregator, scheduler, buffer pool,
// reader goroutine, and the set of clients currently connected to it.
type Device struct {
	Path string

	src   capture.Source
	pool  *pool.Pool
	agg   *services.Aggregator
	sched *scheduler.Scheduler
	rdr   *capture.Reader

	events chan event
	quit   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	clients []*clientConn
	nextID  uint64

	wantRaw    bool
	maxClients int // 0 means unbounded

	recorder     *diag.Recorder
	lastScanning uint32
}

// NewDevice constructs a Device around src, ready to Serve a listener.
func NewDevice(path string, src capture.Source) *Device {
	p := pool.New()
	p.Resize(pool.DefaultSize)
	d := &Device{
		Path:   path,
		src:    src,
		pool:   p,
		agg:    services.New(src, p),
		sched:  scheduler.New(),
		events: make(chan event, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	d.rdr = capture.NewReader(src, p, d, func() bool { return d.wantRaw })
	return d
}

// attachRecorder enables the flight recorder for this device; every
// subsequently captured frame is teed to it before distribution.
func (d *Device) attachRecorder(rec *diag.Recorder) {
	d.recorder = rec
	d.rdr.Tap = func(slot *pool.Slot) {
		if err := rec.Write(slot); err != nil {
			log.Printf("vbiproxyd: %s: flight recorder: %v", d.Path, err)
		}
	}
}

// Serve accepts connections from ln and runs the coordinator loop until
// Stop is called.
func (d *Device) Serve(ln net.Listener) {
	go d.acceptLoop(ln)
	go d.rdr.Run()
	d.run()
}

func (d *Device) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		select {
		case d.events <- connectEvent{conn: conn}:
		case <-d.quit:
			conn.Close()
			return
		}
	}
}

// Stop halts the coordinator, the reader goroutine, and every client
// connection.
func (d *Device) Stop() {
	close(d.quit)
	d.rdr.Stop()
	<-d.done
	if d.recorder != nil {
		if err := d.recorder.Close(); err != nil {
			log.Printf("vbiproxyd: %s: flight recorder close: %v", d.Path, err)
		}
	}
}

type event interface{ isEvent() }

type connectEvent struct{ conn net.Conn }
type msgEvent struct {
	id   uint64
	typ  wire.MsgType
	body []byte
	err  error
}
type disconnectEvent struct{ id uint64 }

func (connectEvent) isEvent()    {}
func (msgEvent) isEvent()        {}
func (disconnectEvent) isEvent() {}

func (d *Device) run() {
	defer close(d.done)
	for {
		var alarm <-chan time.Time
		if at := d.sched.NextAlarm(); !at.IsZero() {
			alarm = time.After(time.Until(at))
		}
		select {
		case <-d.quit:
			d.closeAll()
			return
		case ev := <-d.events:
			d.handle(ev)
			d.forwardPending()
		case <-d.rdr.Frames:
			d.forwardPending()
		case <-alarm:
			d.notifyTokenGranted(d.sched.Tick())
			d.forwardPending()
		}
	}
}

func (d *Device) closeAll() {
	d.mu.Lock()
	clients := append([]*clientConn(nil), d.clients...)
	d.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (d *Device) handle(ev event) {
	switch e := ev.(type) {
	case connectEvent:
		d.onConnect(e.conn)
	case msgEvent:
		d.onMessage(e)
	case disconnectEvent:
		d.onDisconnect(e.id)
	}
}

func (d *Device) findClient(id uint64) *clientConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (d *Device) onConnect(conn net.Conn) {
	d.mu.Lock()
	full := d.maxClients > 0 && len(d.clients) >= d.maxClients
	d.mu.Unlock()
	if full {
		conn.Close()
		return
	}

	d.nextID++
	id := d.nextID
	cc := &clientConn{
		id:     id,
		conn:   conn,
		outbox: make(chan outMsg, outboxDepth),
		closed: make(chan struct{}),
	}
	cc.sess = &session.Session{ID: id, UUID: uuid.New(), State: session.AwaitConnectReq}
	cc.svc = &services.ClientService{}

	d.mu.Lock()
	d.clients = append(d.clients, cc)
	d.mu.Unlock()

	go d.writeLoop(cc)
	go d.readLoop(cc)
}

// writeLoop drains cc.outbox to the socket until either the channel is
// closed (a graceful reply-then-close: every already-queued message is
// flushed first) or cc is hard-closed out from under it. Either way it
// always closes cc on exit, which in turn makes the paired readLoop's
// blocked Read fail and post a disconnectEvent for list/scheduler cleanup.
func (d *Device) writeLoop(cc *clientConn) {
	defer cc.close()
	for {
		select {
		case m, ok := <-cc.outbox:
			if !ok {
				return
			}
			if err := wire.WriteMessage(cc.conn, time.Now().Add(session.DefaultTimeout), m.typ, m.body); err != nil {
				return
			}
		case <-cc.closed:
			return
		}
	}
}

func (d *Device) readLoop(cc *clientConn) {
	for {
		deadline := cc.sess.Timeout(time.Now())
		typ, body, err := wire.ReadMessage(cc.conn, deadline)
		if err != nil {
			select {
			case d.events <- disconnectEvent{id: cc.id}:
			case <-d.quit:
			}
			return
		}
		select {
		case d.events <- msgEvent{id: cc.id, typ: typ, body: body}:
		case <-d.quit:
			return
		}
	}
}

func (d *Device) onDisconnect(id uint64) {
	cc := d.findClient(id)
	if cc == nil {
		return
	}
	cc.sess.ReleaseHead(d.pool)
	cc.close()

	d.mu.Lock()
	for i, c := range d.clients {
		if c.id == id {
			d.clients = append(d.clients[:i], d.clients[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	d.notifyTokenGranted(d.sched.RemoveClient(int(id)))
	d.recomputeServices()
}

// notifyTokenGranted tells a client the channel was just handed to it
// outside any TokenRequest/TokenConfirm round trip (the Background
// round-robin picking it after a Tick, a NotifyTokenReturned, or another
// client disconnecting): the None -> Grant -> Granted transition's
// "queue TokenGrant indication" side effect from §4.6. id is 0 when the
// scheduler call it wraps didn't hand the channel to anyone.
func (d *Device) notifyTokenGranted(id int) {
	if id == 0 {
		return
	}
	if cc := d.findClient(uint64(id)); cc != nil {
		cc.send(wire.MsgTokenIndication, nil)
	}
}

// serviceTables returns every connected client's ClientService in connection
// order, the shape Aggregator.Recompute requires.
func (d *Device) serviceTables() []*services.ClientService {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*services.ClientService, len(d.clients))
	for i, c := range d.clients {
		out[i] = c.svc
	}
	return out
}

// recomputeServices reruns the aggregator and, when the capture source
// reports a scanning system different from the last known value, marks
// every currently-connected, non-suppressed client for a NormChanged
// indication (§4.5's last paragraph). The very first successful open
// establishes the baseline without raising an indication for it.
func (d *Device) recomputeServices() {
	params, err := d.agg.Recompute(d.serviceTables())
	if err != nil {
		log.Printf("vbiproxyd: %s: service recompute: %v", d.Path, err)
		return
	}
	d.updateWantRaw()
	if params.Scanning == 0 || params.Scanning == d.lastScanning {
		return
	}
	changed := d.lastScanning != 0
	d.lastScanning = params.Scanning
	if !changed {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		if c.sess.ClientFlags&wire.ClientFlagSuppressStatusInd != 0 {
			continue
		}
		c.sess.PendingIndications |= wire.NotifyNormChanged
	}
}

// updateWantRaw recomputes whether any connected client's effective mask
// includes a raw-VBI bit, gating whether the reader acquires slots with a raw
// sub-buffer at all (§4.4: "add or drop the raw-sample sub-buffer according
// to whether raw services are active").
func (d *Device) updateWantRaw() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		if c.svc.WantsRaw() {
			d.wantRaw = true
			return
		}
	}
	d.wantRaw = false
}

// Snapshot summarizes this device's pool and session state for the
// telemetry hub. It reads the pool counters through pool.Stats, which takes
// and releases the pool's mutex, before it takes the client-list mutex, so
// the two locks are never held together and the lock-order inversion §5
// warns against (client-list always outermost) cannot arise here.
func (d *Device) Snapshot() monitor.DeviceSnapshot {
	free, queued, target := d.pool.Stats()
	d.mu.Lock()
	clients := make([]monitor.ClientSnapshot, len(d.clients))
	for i, c := range d.clients {
		clients[i] = monitor.ClientSnapshot{
			UUID:       c.sess.UUID.String(),
			Name:       c.sess.Name,
			Pid:        c.sess.Pid,
			State:      c.sess.State.String(),
			Services:   c.svc.EffectiveMask(),
			TokenState: d.sched.State(int(c.id)).String(),
			Priority:   d.sched.ClientPriority(int(c.id)).String(),
		}
	}
	d.mu.Unlock()

	return monitor.DeviceSnapshot{
		Path:      d.Path,
		Pool:      monitor.PoolSnapshot{Free: free, Queued: queued, Target: target},
		Clients:   clients,
		Timestamp: time.Now(),
	}
}
