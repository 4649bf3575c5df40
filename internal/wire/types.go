// Package wire implements the VBI proxy framed message protocol: a fixed
// 8-byte big-endian header ({length, type}) followed by a type-specific body.
// See proxy-msg.h in the original libzvbi sources for the wire layout this
// mirrors.
package wire

import "fmt"

// MsgType identifies the body layout that follows the header.
type MsgType uint32

const (
	MsgConnect MsgType = iota
	MsgConnectConfirm
	MsgConnectReject
	MsgClose
	MsgSlicedIndication
	MsgServiceRequest
	MsgServiceConfirm
	MsgServiceReject
	MsgTokenRequest
	MsgTokenConfirm
	MsgTokenIndication
	MsgNotify
	MsgNotifyConfirm
	MsgReclaimRequest
	MsgReclaimConfirm
	MsgSuspendRequest
	MsgSuspendConfirm
	MsgSuspendReject
	MsgIoctlRequest
	MsgIoctlConfirm
	MsgIoctlReject
	MsgChannelChangeIndication
	MsgDaemonPidRequest
	MsgDaemonPidConfirm

	msgCount
)

func (t MsgType) String() string {
	switch t {
	case MsgConnect:
		return "Connect"
	case MsgConnectConfirm:
		return "ConnectConfirm"
	case MsgConnectReject:
		return "ConnectReject"
	case MsgClose:
		return "Close"
	case MsgSlicedIndication:
		return "SlicedIndication"
	case MsgServiceRequest:
		return "ServiceRequest"
	case MsgServiceConfirm:
		return "ServiceConfirm"
	case MsgServiceReject:
		return "ServiceReject"
	case MsgTokenRequest:
		return "TokenRequest"
	case MsgTokenConfirm:
		return "TokenConfirm"
	case MsgTokenIndication:
		return "TokenIndication"
	case MsgNotify:
		return "Notify"
	case MsgNotifyConfirm:
		return "NotifyConfirm"
	case MsgReclaimRequest:
		return "ReclaimRequest"
	case MsgReclaimConfirm:
		return "ReclaimConfirm"
	case MsgSuspendRequest:
		return "SuspendRequest"
	case MsgSuspendConfirm:
		return "SuspendConfirm"
	case MsgSuspendReject:
		return "SuspendReject"
	case MsgIoctlRequest:
		return "IoctlRequest"
	case MsgIoctlConfirm:
		return "IoctlConfirm"
	case MsgIoctlReject:
		return "IoctlReject"
	case MsgChannelChangeIndication:
		return "ChannelChangeIndication"
	case MsgDaemonPidRequest:
		return "DaemonPidRequest"
	case MsgDaemonPidConfirm:
		return "DaemonPidConfirm"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// Protocol-wide constants, lifted verbatim from the original proxy-msg.h so
// that the byte layout this package reads and writes matches the reference
// implementation exactly.
const (
	HeaderSize = 8 // length(u32) + type(u32)

	MagicString  = "LIBZVBI VBIPROXY"
	MagicLen     = 16
	EndianMagic  = 0x11223344
	EndianSwap   = 0x44332211
	ProtocolVers = 0x00000100

	ClientNameMaxLen = 64
	DevNameMaxLen    = 128
	ErrorStrMaxLen   = 128

	// RawLineSize is the fixed byte width of one raw VBI scan line on the wire.
	RawLineSize = 2048

	// MaxSlicedLines bounds the per-frame sliced line count accepted in a
	// SlicedIndication; it matches the largest line count any supported
	// scanning system can produce (625-line systems, both fields).
	MaxSlicedLines = 64
	// SlicedPayloadSize is the fixed payload carried by one sliced line.
	SlicedPayloadSize = 56

	// MaxIoctlArgSize bounds the passthrough ioctl argument blob.
	MaxIoctlArgSize = 256
)

// Magics is the {protocol_magic, endian_magic} pair embedded in handshake
// messages.
type Magics struct {
	ProtocolMagic [MagicLen]byte
	EndianMagic   uint32
}

// FillMagics populates m with the canonical values this daemon emits.
func FillMagics(m *Magics) {
	copy(m.ProtocolMagic[:], MagicString)
	m.EndianMagic = EndianMagic
}

// CheckMagics validates m's protocol magic and reports whether the peer's
// endian magic is the byte-swapped form of ours.
func CheckMagics(m Magics) (swap bool, err error) {
	if string(m.ProtocolMagic[:len(MagicString)]) != MagicString {
		return false, fmt.Errorf("wire: bad protocol magic")
	}
	switch m.EndianMagic {
	case EndianMagic:
		return false, nil
	case EndianSwap:
		return true, nil
	default:
		return false, fmt.Errorf("wire: bad endian magic %#x", m.EndianMagic)
	}
}
