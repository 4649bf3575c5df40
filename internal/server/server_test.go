package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ocupoint/vbiproxyd/internal/capture"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// dialAndConnect opens a Unix socket to sockPath and performs the Connect
// handshake, returning the live connection and the daemon's ConnectConfirm.
func dialAndConnect(t *testing.T, sockPath, name string, services uint32) (net.Conn, wire.ConnectConfirm) {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var req wire.ConnectReq
	wire.FillMagics(&req.Magics)
	copy(req.ClientName[:], name)
	req.BufferCount = 5
	req.Services[wire.StrictnessIndex(0)] = services

	deadline := time.Now().Add(2 * time.Second)
	if err := wire.WriteMessage(conn, deadline, wire.MsgConnect, wire.MarshalConnectReq(req)); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	typ, body, err := wire.ReadMessage(conn, deadline)
	if err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if typ != wire.MsgConnectConfirm {
		t.Fatalf("expected ConnectConfirm, got %s", typ)
	}
	confirm, err := wire.UnmarshalConnectConfirm(body)
	if err != nil {
		t.Fatalf("unmarshal connect confirm: %v", err)
	}
	return conn, confirm
}

func readSlicedIndication(t *testing.T, conn net.Conn) wire.SlicedIndication {
	t.Helper()
	typ, body, err := wire.ReadMessage(conn, time.Now().Add(3*time.Second))
	if err != nil {
		t.Fatalf("read sliced indication: %v", err)
	}
	if typ != wire.MsgSlicedIndication {
		t.Fatalf("expected SlicedIndication, got %s", typ)
	}
	ind, err := wire.UnmarshalSlicedIndication(body)
	if err != nil {
		t.Fatalf("unmarshal sliced indication: %v", err)
	}
	return ind
}

func startTestDevice(t *testing.T) (sockPath string, dev *Device) {
	t.Helper()
	sockPath = filepath.Join(t.TempDir(), "vbi.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { os.Remove(sockPath) })

	dev = NewDevice("/dev/vbi-test", capture.NewSimulator(625))
	go dev.Serve(ln)
	t.Cleanup(dev.Stop)
	return sockPath, dev
}

// TestSingleClientForwarding is the S1 scenario: one client requesting a
// single service sees that service's lines flow through ConnectConfirm and
// subsequent SlicedIndications without interruption.
func TestSingleClientForwarding(t *testing.T) {
	sockPath, _ := startTestDevice(t)

	conn, confirm := dialAndConnect(t, sockPath, "alice", 0x01)
	defer conn.Close()
	if confirm.SamplingScan != 625 {
		t.Fatalf("expected scanning 625, got %d", confirm.SamplingScan)
	}
	if confirm.Granted[wire.StrictnessIndex(0)] != 0x01 {
		t.Fatalf("expected ConnectConfirm to grant the service requested in Connect, got %+v", confirm.Granted)
	}

	for i := 0; i < 3; i++ {
		ind := readSlicedIndication(t, conn)
		if ind.SlicedLineCount == 0 {
			t.Fatalf("expected at least one line in indication %d", i)
		}
		for _, l := range ind.Lines {
			if l.ServiceMask&0x01 == 0 {
				t.Fatalf("unexpected service bit leaked to client: %#x", l.ServiceMask)
			}
		}
	}
}

// TestTwoClientFanOut is the S2 scenario: a second client joining mid-stream
// does not interrupt the first client's flow, and both receive frames
// concurrently once both are subscribed.
func TestTwoClientFanOut(t *testing.T) {
	sockPath, _ := startTestDevice(t)

	connA, _ := dialAndConnect(t, sockPath, "A", 0x01)
	defer connA.Close()

	// Drain a couple of frames to confirm A is already flowing before B joins.
	readSlicedIndication(t, connA)
	readSlicedIndication(t, connA)

	connB, _ := dialAndConnect(t, sockPath, "B", 0x02)
	defer connB.Close()

	// B must start receiving frames shortly after connecting.
	indB := readSlicedIndication(t, connB)
	for _, l := range indB.Lines {
		if l.ServiceMask&0x02 == 0 {
			t.Fatalf("B received a line outside its requested service: %#x", l.ServiceMask)
		}
	}

	// A must remain uninterrupted.
	readSlicedIndication(t, connA)
}

// TestServiceRequestUpdatesGrant covers a live ServiceRequest after connect
// (spec.md §4.7's Forwarding -> Forwarding ServiceRequest transition).
func TestServiceRequestUpdatesGrant(t *testing.T) {
	sockPath, _ := startTestDevice(t)
	conn, _ := dialAndConnect(t, sockPath, "alice", 0x01)
	defer conn.Close()

	readSlicedIndication(t, conn)

	req := wire.ServiceRequest{Commit: true}
	req.Services[wire.StrictnessIndex(1)] = 0x02
	deadline := time.Now().Add(2 * time.Second)
	if err := wire.WriteMessage(conn, deadline, wire.MsgServiceRequest, wire.MarshalServiceRequest(req)); err != nil {
		t.Fatalf("write service request: %v", err)
	}
	typ, body, err := wire.ReadMessage(conn, deadline)
	if err != nil {
		t.Fatalf("read service reply: %v", err)
	}
	if typ != wire.MsgServiceConfirm {
		t.Fatalf("expected ServiceConfirm, got %s", typ)
	}
	confirm, err := wire.UnmarshalServiceConfirm(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if confirm.Granted[wire.StrictnessIndex(1)] != 0x02 {
		t.Fatalf("expected 0x02 granted at strictness level 1, got %+v", confirm.Granted)
	}
}

// TestTokenRequestGrantsImmediatelyToFirstClient exercises the channel
// scheduler end to end through the real wire protocol.
func TestTokenRequestGrantsImmediatelyToFirstClient(t *testing.T) {
	sockPath, _ := startTestDevice(t)
	conn, _ := dialAndConnect(t, sockPath, "alice", 0x01)
	defer conn.Close()

	req := wire.TokenRequest{Profile: wire.ChannelProfile{Priority: wire.PriorityInteractive}}
	deadline := time.Now().Add(2 * time.Second)
	if err := wire.WriteMessage(conn, deadline, wire.MsgTokenRequest, wire.MarshalTokenRequest(req)); err != nil {
		t.Fatalf("write token request: %v", err)
	}
	typ, body, err := wire.ReadMessage(conn, deadline)
	if err != nil {
		t.Fatalf("read token reply: %v", err)
	}
	if typ != wire.MsgTokenConfirm {
		t.Fatalf("expected TokenConfirm, got %s", typ)
	}
	confirm, err := wire.UnmarshalTokenConfirm(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !confirm.GrantedNow || !confirm.Permitted {
		t.Fatalf("expected immediate grant for the first requester, got %+v", confirm)
	}
}

// TestBackgroundHandoffSendsTokenIndication exercises the async side of the
// S4 scenario: when the Background round-robin timer reassigns the channel
// away from a loop iteration that isn't the waiting client's own
// TokenRequest, that client must still learn it now owns the channel via an
// unsolicited TokenIndication (§4.6's None -> Grant -> Granted transitions).
func TestBackgroundHandoffSendsTokenIndication(t *testing.T) {
	sockPath, _ := startTestDevice(t)
	first, _ := dialAndConnect(t, sockPath, "x", 0x01)
	defer first.Close()
	second, _ := dialAndConnect(t, sockPath, "y", 0x01)
	defer second.Close()

	profile := wire.ChannelProfile{Priority: wire.PriorityBackground, MinDurationMS: 50}
	deadline := time.Now().Add(2 * time.Second)

	if err := wire.WriteMessage(first, deadline, wire.MsgTokenRequest, wire.MarshalTokenRequest(wire.TokenRequest{Profile: profile})); err != nil {
		t.Fatalf("write token request (first): %v", err)
	}
	typ, body, err := wire.ReadMessage(first, deadline)
	if err != nil || typ != wire.MsgTokenConfirm {
		t.Fatalf("expected TokenConfirm for first, got %s, err=%v", typ, err)
	}
	if confirm, _ := wire.UnmarshalTokenConfirm(body); !confirm.GrantedNow {
		t.Fatalf("expected the first Background requester to be granted immediately, got %+v", confirm)
	}

	if err := wire.WriteMessage(second, deadline, wire.MsgTokenRequest, wire.MarshalTokenRequest(wire.TokenRequest{Profile: profile})); err != nil {
		t.Fatalf("write token request (second): %v", err)
	}
	typ, body, err = wire.ReadMessage(second, deadline)
	if err != nil || typ != wire.MsgTokenConfirm {
		t.Fatalf("expected TokenConfirm for second, got %s, err=%v", typ, err)
	}
	if confirm, _ := wire.UnmarshalTokenConfirm(body); confirm.GrantedNow {
		t.Fatalf("expected the second Background requester to wait its turn, got %+v", confirm)
	}

	// Once the first client's minimum slot duration elapses the scheduler's
	// alarm reassigns the channel to the second client with no further
	// message from either client; the only way the second client can learn
	// this is the unsolicited TokenIndication.
	indDeadline := time.Now().Add(3 * time.Second)
	for {
		typ, _, err := wire.ReadMessage(second, indDeadline)
		if err != nil {
			t.Fatalf("waiting for TokenIndication: %v", err)
		}
		if typ == wire.MsgTokenIndication {
			break
		}
		if typ != wire.MsgSlicedIndication {
			t.Fatalf("unexpected message while waiting for TokenIndication: %s", typ)
		}
	}
}

// TestInteractivePreemptionSendsReclaimRequest is the S3 scenario: a
// Background holder is told to give up the channel via the dedicated
// ReclaimRequest message, not a generic channel-change indication.
func TestInteractivePreemptionSendsReclaimRequest(t *testing.T) {
	sockPath, _ := startTestDevice(t)
	a, _ := dialAndConnect(t, sockPath, "a", 0x01)
	defer a.Close()
	b, _ := dialAndConnect(t, sockPath, "b", 0x01)
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	bgProfile := wire.ChannelProfile{Priority: wire.PriorityBackground, MinDurationMS: 60_000}
	if err := wire.WriteMessage(a, deadline, wire.MsgTokenRequest, wire.MarshalTokenRequest(wire.TokenRequest{Profile: bgProfile})); err != nil {
		t.Fatalf("write token request (a): %v", err)
	}
	if typ, _, err := wire.ReadMessage(a, deadline); err != nil || typ != wire.MsgTokenConfirm {
		t.Fatalf("expected TokenConfirm for a, got %s, err=%v", typ, err)
	}

	interactive := wire.ChannelProfile{Priority: wire.PriorityInteractive}
	if err := wire.WriteMessage(b, deadline, wire.MsgTokenRequest, wire.MarshalTokenRequest(wire.TokenRequest{Profile: interactive})); err != nil {
		t.Fatalf("write token request (b): %v", err)
	}
	if typ, body, err := wire.ReadMessage(b, deadline); err != nil || typ != wire.MsgTokenConfirm {
		t.Fatalf("expected TokenConfirm for b, got %s, err=%v", typ, err)
	} else if confirm, _ := wire.UnmarshalTokenConfirm(body); !confirm.GrantedNow {
		t.Fatalf("expected interactive fast path to grant b immediately, got %+v", confirm)
	}

	reclaimDeadline := time.Now().Add(3 * time.Second)
	for {
		typ, _, err := wire.ReadMessage(a, reclaimDeadline)
		if err != nil {
			t.Fatalf("waiting for ReclaimRequest: %v", err)
		}
		if typ == wire.MsgReclaimRequest {
			break
		}
		if typ != wire.MsgSlicedIndication {
			t.Fatalf("unexpected message while waiting for ReclaimRequest: %s", typ)
		}
	}
}

// TestBadMagicIsRejected is the S5 scenario: a well-framed Connect with a
// corrupted magic is answered with ConnectReject and the socket is closed
// without opening the capture device.
func TestBadMagicIsRejected(t *testing.T) {
	sockPath, _ := startTestDevice(t)
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var req wire.ConnectReq
	wire.FillMagics(&req.Magics)
	req.Magics.ProtocolMagic[0] = 'X'

	deadline := time.Now().Add(2 * time.Second)
	if err := wire.WriteMessage(conn, deadline, wire.MsgConnect, wire.MarshalConnectReq(req)); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	typ, body, err := wire.ReadMessage(conn, deadline)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if typ != wire.MsgConnectReject {
		t.Fatalf("expected ConnectReject, got %s", typ)
	}
	if _, err := wire.UnmarshalConnectReject(body); err != nil {
		t.Fatalf("unmarshal reject: %v", err)
	}

	// The daemon closes the socket right after the reject; the next read
	// must observe EOF rather than hang.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected socket closed after ConnectReject")
	}
}

// TestDaemonPidRequestBeforeHandshake covers the AwaitConnectReq "ping"
// allowance (spec.md §4.7).
func TestDaemonPidRequestBeforeHandshake(t *testing.T) {
	sockPath, _ := startTestDevice(t)
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var req wire.DaemonPid
	wire.FillMagics(&req.Magics)
	deadline := time.Now().Add(2 * time.Second)
	if err := wire.WriteMessage(conn, deadline, wire.MsgDaemonPidRequest, wire.MarshalDaemonPid(req)); err != nil {
		t.Fatalf("write pid request: %v", err)
	}
	typ, body, err := wire.ReadMessage(conn, deadline)
	if err != nil {
		t.Fatalf("read pid reply: %v", err)
	}
	if typ != wire.MsgDaemonPidConfirm {
		t.Fatalf("expected DaemonPidConfirm, got %s", typ)
	}
	if _, err := wire.UnmarshalDaemonPid(body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

// TestSuspendRequestIsAlwaysRejected covers the §9 Open Question resolution:
// ChannelSuspend's semantics were never finished upstream, so every request
// is rejected rather than silently accepted.
func TestSuspendRequestIsAlwaysRejected(t *testing.T) {
	sockPath, _ := startTestDevice(t)
	conn, _ := dialAndConnect(t, sockPath, "alice", 0x01)
	defer conn.Close()

	req := wire.SuspendRequest{Enable: true}
	deadline := time.Now().Add(2 * time.Second)
	if err := wire.WriteMessage(conn, deadline, wire.MsgSuspendRequest, wire.MarshalSuspendRequest(req)); err != nil {
		t.Fatalf("write suspend request: %v", err)
	}
	typ, _, err := wire.ReadMessage(conn, deadline)
	if err != nil {
		t.Fatalf("read suspend reply: %v", err)
	}
	if typ != wire.MsgSuspendReject {
		t.Fatalf("expected SuspendReject, got %s", typ)
	}
}

// TestRawServiceDeliversRawSamples covers §4.7's "including raw samples if
// the client subscribes to any raw service": a client requesting
// wire.SrvRaw625 alongside a decoded service must see Slot.Raw on the wire,
// while a client that only requested the decoded service must not.
func TestRawServiceDeliversRawSamples(t *testing.T) {
	sockPath, _ := startTestDevice(t)

	rawConn, _ := dialAndConnect(t, sockPath, "raw-client", wire.SrvTeletextB|wire.SrvRaw625)
	defer rawConn.Close()
	slicedOnlyConn, _ := dialAndConnect(t, sockPath, "sliced-client", wire.SrvTeletextB)
	defer slicedOnlyConn.Close()

	deadlineAt := time.Now().Add(3 * time.Second)
	for {
		ind := readSlicedIndication(t, rawConn)
		if ind.RawLineCount > 0 {
			if len(ind.Raw) != int(ind.RawLineCount)*wire.RawLineSize {
				t.Fatalf("raw payload length %d doesn't match RawLineCount %d", len(ind.Raw), ind.RawLineCount)
			}
			break
		}
		if time.Now().After(deadlineAt) {
			t.Fatalf("timed out waiting for a raw-carrying indication")
		}
	}

	ind := readSlicedIndication(t, slicedOnlyConn)
	if ind.RawLineCount != 0 || len(ind.Raw) != 0 {
		t.Fatalf("client that didn't request a raw service received raw samples: %+v", ind)
	}
}

// TestSnapshotReflectsConnectedClients exercises Device.Snapshot, the plumbing
// behind internal/monitor.
func TestSnapshotReflectsConnectedClients(t *testing.T) {
	sockPath, dev := startTestDevice(t)
	conn, _ := dialAndConnect(t, sockPath, "alice", 0x01)
	defer conn.Close()
	readSlicedIndication(t, conn)

	deadlineAt := time.Now().Add(2 * time.Second)
	for {
		snap := dev.Snapshot()
		if len(snap.Clients) == 1 && snap.Clients[0].Name == "alice" {
			if snap.Clients[0].Services != 0x01 {
				t.Fatalf("expected snapshot to report granted service 0x01, got %#x", snap.Clients[0].Services)
			}
			return
		}
		if time.Now().After(deadlineAt) {
			t.Fatalf("timed out waiting for snapshot to reflect connected client: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
