// Package session implements the per-client protocol state machine: the
// small set of allowed request/reply pairs and unsolicited indications, the
// AwaitConnectReq/AwaitClose/Forwarding/Closed lifecycle, and frame
// forwarding against the shared buffer pool.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/ocupoint/vbiproxyd/internal/pool"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// State is a client session's position in its connection lifecycle.
type State int

const (
	AwaitConnectReq State = iota
	Forwarding
	AwaitClose
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitConnectReq:
		return "AwaitConnectReq"
	case Forwarding:
		return "Forwarding"
	case AwaitClose:
		return "AwaitClose"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// DefaultTimeout is the stall/connect timeout a session enforces unless the
// client set ClientFlagNoTimeouts.
const DefaultTimeout = 60 * time.Second

// allowedFrom lists, for each state, the message types a client may send.
var allowedFrom = map[State]map[wire.MsgType]bool{
	AwaitConnectReq: {
		wire.MsgConnect:          true,
		wire.MsgDaemonPidRequest: true,
		wire.MsgClose:            true,
	},
	Forwarding: {
		wire.MsgServiceRequest: true,
		wire.MsgTokenRequest:   true,
		wire.MsgNotify:         true,
		wire.MsgIoctlRequest:   true,
		wire.MsgReclaimConfirm: true,
		wire.MsgSuspendRequest: true,
		wire.MsgClose:          true,
	},
	AwaitClose: {
		wire.MsgClose: true,
	},
}

// Allowed reports whether a client in state st may send message type t.
func Allowed(st State, t wire.MsgType) bool {
	return allowedFrom[st][t]
}

// Session holds one client connection's protocol-level state. It does not
// own the socket; internal/server drives I/O and owns the goroutine that
// calls into this type.
type Session struct {
	ID   uint64
	UUID uuid.UUID // identity used in log lines and status views; replaces the original's bare sock_fd as a log key
	Name string
	Pid  uint32

	ClientFlags uint32
	NoTimeouts  bool

	State State

	// Head is this client's position in the shared output FIFO (internal/pool).
	Head pool.Ref

	// FrozenMaxLines is the device's max-line count as of this session's
	// Connect, never widened afterward even if the device later reports a
	// larger count (§3: "the frozen VBI line-range this client sees ...
	// never widened thereafter, so a later device reconfiguration cannot
	// overflow the client's buffers"). BuildIndication truncates to this
	// many lines per frame for this client.
	FrozenMaxLines int

	ConnectedAt  time.Time
	LastActivity time.Time

	// PendingIndications accumulates NotifyFlags bits (NormChanged,
	// FlushRequired, ...) to deliver as the next ChannelChangeIndication.
	PendingIndications uint32
}

func New(id uint64, conn wire.ConnectReq) *Session {
	s := &Session{
		ID:          id,
		UUID:        uuid.New(),
		Pid:         conn.Pid,
		ClientFlags: conn.ClientFlags,
		NoTimeouts:  conn.ClientFlags&wire.ClientFlagNoTimeouts != 0,
		State:       AwaitConnectReq,
		ConnectedAt: time.Now(),
	}
	name := conn.ClientName[:]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	s.Name = string(name)
	return s
}

// Timeout returns the deadline for the session's next read, or the zero
// Time if timeouts are disabled for this client.
func (s *Session) Timeout(now time.Time) time.Time {
	if s.NoTimeouts {
		return time.Time{}
	}
	return now.Add(DefaultTimeout)
}

// Stalled reports whether the session has gone longer than DefaultTimeout
// since its last activity. internal/server does not call it: a connection's
// timeouts come only from the read deadline that Timeout supplies.
func (s *Session) Stalled(now time.Time) bool {
	if s.NoTimeouts {
		return false
	}
	return now.Sub(s.LastActivity) > DefaultTimeout
}

// ReleaseHead returns the session's current head slot (if any) to the pool
// and clears it, used on Close and on an explicit Flush notification.
func (s *Session) ReleaseHead(p *pool.Pool) {
	if s.Head.Valid() {
		p.Release(s.Head)
	}
	s.Head = pool.Ref{}
}
