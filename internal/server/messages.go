package server

import (
	"log"
	"os"
	"time"

	"github.com/ocupoint/vbiproxyd/internal/pool"
	"github.com/ocupoint/vbiproxyd/internal/scheduler"
	"github.com/ocupoint/vbiproxyd/internal/session"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

func (d *Device) onMessage(e msgEvent) {
	cc := d.findClient(e.id)
	if cc == nil {
		return
	}
	cc.sess.LastActivity = time.Now()

	if !session.Allowed(cc.sess.State, e.typ) {
		d.onDisconnect(cc.id)
		return
	}

	switch e.typ {
	case wire.MsgConnect:
		d.handleConnect(cc, e.body)
	case wire.MsgDaemonPidRequest:
		d.handleDaemonPidRequest(cc)
	case wire.MsgServiceRequest:
		d.handleServiceRequest(cc, e.body)
	case wire.MsgTokenRequest:
		d.handleTokenRequest(cc, e.body)
	case wire.MsgNotify:
		d.handleNotify(cc, e.body)
	case wire.MsgIoctlRequest:
		d.handleIoctl(cc, e.body)
	case wire.MsgSuspendRequest:
		// §9 Open Question: ChannelSuspend's semantics were never finished
		// in the source this protocol is drawn from; until they are, every
		// request is rejected rather than silently accepted or dropped.
		cc.send(wire.MsgSuspendReject, nil)
	case wire.MsgReclaimConfirm:
		d.sched.ReclaimConfirm(int(cc.id))
	case wire.MsgClose:
		cc.sess.State = session.Closed
		d.onDisconnect(cc.id)
	}
}

func (d *Device) handleConnect(cc *clientConn, body []byte) {
	req, err := wire.UnmarshalConnectReq(body)
	if err != nil {
		d.onDisconnect(cc.id)
		return
	}
	if _, cerr := wire.CheckConnectMessage(req); cerr != nil {
		reject := wire.NewConnectReject(cerr.Error())
		cc.sess.State = session.AwaitClose
		cc.send(wire.MsgConnectReject, wire.MarshalConnectReject(reject))
		close(cc.outbox)
		return
	}

	id := cc.sess.UUID
	*cc.sess = *session.New(cc.id, req)
	cc.sess.UUID = id
	cc.sess.State = session.Forwarding
	log.Printf("vbiproxyd: %s: session %s (%q, pid %d) connected", d.Path, cc.sess.UUID, cc.sess.Name, cc.sess.Pid)
	d.sched.AddClient(int(cc.id))

	// Apply the initial service request carried in Connect (§4.7) before the
	// capture source's sampling parameters are read back into the confirm,
	// so a first client's requested services are reflected immediately
	// rather than requiring a separate ServiceRequest round trip.
	cc.svc.BufferCount = req.BufferCount
	cc.svc.SetRequest(req.Services)
	d.recomputeServices()

	var confirm wire.ConnectConfirm
	wire.FillMagics(&confirm.Magics)
	copy(confirm.DevName[:], d.Path)
	confirm.Pid = uint32(os.Getpid())
	confirm.DriverAPIRev = 1
	confirm.Granted = cc.svc.Granted
	params := d.src.Params()
	cc.sess.FrozenMaxLines = params.MaxLinesClamped()
	confirm.SamplingScan = params.Scanning
	confirm.SamplingRate = params.SamplingRate
	confirm.StartLine = params.StartLine
	confirm.LineCount = params.LineCount
	confirm.RawLineWidth = wire.RawLineSize
	cc.send(wire.MsgConnectConfirm, wire.MarshalConnectConfirm(confirm))
}

// handleDaemonPidRequest serves the "ping" probe §4.7 allows before a real
// handshake (and that §6.4's bootstrap probe itself uses): reply with the
// daemon's PID, then close, matching the AwaitConnectReq -> AwaitClose
// transition rather than leaving the session open for a real Connect.
func (d *Device) handleDaemonPidRequest(cc *clientConn) {
	var reply wire.DaemonPid
	wire.FillMagics(&reply.Magics)
	reply.Pid = uint32(os.Getpid())
	cc.sess.State = session.AwaitClose
	cc.send(wire.MsgDaemonPidConfirm, wire.MarshalDaemonPid(reply))
	close(cc.outbox)
}

func (d *Device) handleServiceRequest(cc *clientConn, body []byte) {
	req, err := wire.UnmarshalServiceRequest(body)
	if err != nil {
		d.onDisconnect(cc.id)
		return
	}
	if req.Reset {
		cc.svc.SetRequest([wire.NumStrictnessLevels]uint32{})
	} else {
		cc.svc.SetRequest(req.Services)
	}
	if !req.Commit {
		return
	}

	d.recomputeServices()

	if cc.svc.EffectiveMask() == 0 {
		cc.send(wire.MsgServiceReject, wire.MarshalServiceReject(wire.NewServiceReject("no services granted")))
		return
	}
	params := d.src.Params()
	confirm := wire.ServiceConfirm{
		Granted:      cc.svc.Granted,
		SamplingScan: params.Scanning,
		SamplingRate: params.SamplingRate,
		LineCount:    params.LineCount,
	}
	cc.send(wire.MsgServiceConfirm, wire.MarshalServiceConfirm(confirm))
}

func (d *Device) handleTokenRequest(cc *clientConn, body []byte) {
	req, err := wire.UnmarshalTokenRequest(body)
	if err != nil {
		d.onDisconnect(cc.id)
		return
	}
	result := d.sched.RequestToken(int(cc.id), req.Profile)
	confirm := wire.TokenConfirm{
		GrantedNow:   result.GrantedNow,
		Permitted:    result.Permitted,
		NonExclusive: result.NonExclusive,
	}
	cc.send(wire.MsgTokenConfirm, wire.MarshalTokenConfirm(confirm))
	if result.NonExclusive {
		d.notifyReclaim(cc.id)
	}
}

// flushOthers implements the rest of the Notify{Flush} handling beyond the
// triggering client's own head (already released by the caller): drain the
// shared output FIFO, null every other client's head, and mark every
// non-suppressed client other than triggerID for a Flush indication on its
// next writable turn.
func (d *Device) flushOthers(triggerID uint64) {
	drained := d.pool.ReleaseAll()
	drainedSet := make(map[*pool.Slot]bool, len(drained))
	for _, s := range drained {
		drainedSet[s] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		if drainedSet[c.sess.Head.Slot] {
			c.sess.Head = pool.Ref{}
		}
		if c.id == triggerID || c.sess.ClientFlags&wire.ClientFlagSuppressStatusInd != 0 {
			continue
		}
		c.sess.PendingIndications |= wire.NotifyFlushRequired
	}
}

// notifyReclaim tells the previous channel owner (now in scheduler.Reclaim
// state) that it must return the channel, via the dedicated ReclaimRequest
// indication (§4.6 Granted -> Reclaim: "queue TokenReclaim indication"; §6.2
// enumerates ReclaimRequest for exactly this, answered by the client with
// ReclaimConfirm).
func (d *Device) notifyReclaim(newOwnerID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		if c.id == newOwnerID {
			continue
		}
		if d.sched.State(int(c.id)) == scheduler.Reclaim {
			c.send(wire.MsgReclaimRequest, nil)
		}
	}
}

func (d *Device) handleNotify(cc *clientConn, body []byte) {
	req, err := wire.UnmarshalNotify(body)
	if err != nil {
		d.onDisconnect(cc.id)
		return
	}
	// FailedToSwitch is treated as an immediate cycle-completion for this
	// client's scheduler token, freeing it exactly as a voluntary
	// TokenReturned would (Open Question resolution, see SPEC_FULL.md).
	if req.Flags&(wire.NotifyTokenReturned|wire.NotifyFailedToSwitch) != 0 {
		d.notifyTokenGranted(d.sched.NotifyTokenReturned(int(cc.id)))
	}
	if req.Flags&wire.NotifyFlushRequired != 0 {
		cc.sess.ReleaseHead(d.pool)
		d.flushOthers(cc.id)
	}
	params := d.src.Params()
	cc.send(wire.MsgNotifyConfirm, wire.MarshalNotifyConfirm(wire.NotifyConfirm{CurrentScanning: params.Scanning}))
}

func (d *Device) handleIoctl(cc *clientConn, body []byte) {
	req, err := wire.UnmarshalIoctlRequest(body)
	if err != nil {
		d.onDisconnect(cc.id)
		return
	}
	requiresPermission, known := d.src.IoctlRequiresPermission(req.RequestCode)
	if !known {
		cc.send(wire.MsgIoctlReject, nil)
		return
	}
	owns := d.sched.Owns(int(cc.id))
	clientPriority := d.sched.ClientPriority(int(cc.id))
	devicePriority, haveOwner := d.sched.OwnerPriority()
	if !haveOwner {
		devicePriority = wire.PriorityDefault
	}
	if !session.IoctlPermitted(requiresPermission, owns, clientPriority, devicePriority) {
		cc.send(wire.MsgIoctlReject, nil)
		return
	}

	confirm, ierr := d.src.Ioctl(req)
	if ierr != nil {
		cc.send(wire.MsgIoctlReject, nil)
		return
	}
	cc.send(wire.MsgIoctlConfirm, wire.MarshalIoctlConfirm(confirm))
}
