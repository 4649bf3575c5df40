package wire

// NumStrictnessLevels is the width of the per-client service request table.
// The strictness hint ranges over the closed interval [-1, +2] (four
// integers); StrictnessIndex/StrictnessValue convert between that signed
// range and a zero-based table index.
const NumStrictnessLevels = 4

// StrictnessIndex maps a strictness value in [-1, 2] to a table index in
// [0, NumStrictnessLevels).
func StrictnessIndex(strict int32) int { return int(strict) + 1 }

// StrictnessValue is the inverse of StrictnessIndex.
func StrictnessValue(index int) int32 { return int32(index) - 1 }

// ConnectReq is the body of a Connect request (client -> server).
type ConnectReq struct {
	Magics      Magics
	ClientName  [ClientNameMaxLen]byte
	Pid         uint32
	ClientFlags uint32
	ReqScanning uint32
	BufferCount uint32
	Services    [NumStrictnessLevels]uint32
}

// Client flag bits, carried in ConnectReq.ClientFlags.
const (
	ClientFlagSuppressStatusInd uint32 = 1 << 0
	ClientFlagNoTimeouts        uint32 = 1 << 1
)

// ConnectConfirm is the body of a successful Connect reply (server -> client).
type ConnectConfirm struct {
	Magics        Magics
	DevName       [DevNameMaxLen]byte
	Pid           uint32
	DriverAPIRev  uint32
	DaemonFlags   uint32
	Granted       [NumStrictnessLevels]uint32
	SamplingScan  uint32 // scanning system actually in effect (525 or 625)
	SamplingRate  uint32 // Hz
	StartLine     [2]uint32
	LineCount     [2]uint32
	RawLineWidth  uint32
}

// ConnectReject is the body of a rejected Connect (server -> client).
type ConnectReject struct {
	Magics  Magics
	ErrorStr [ErrorStrMaxLen]byte
}

// SlicedLineHeader precedes each sliced line's payload in a SlicedIndication.
type SlicedLineHeader struct {
	ServiceMask uint32
	Line        uint32
}

// SlicedIndication is the body of an unsolicited frame delivery. On the wire
// the SlicedLineHeader/payload pairs for SlicedLineCount lines are followed
// by RawLineCount raw lines of RawLineSize bytes each.
type SlicedIndication struct {
	Timestamp       float64
	SlicedLineCount uint32
	RawLineCount    uint32
	Lines           []SlicedLine
	Raw             []byte // RawLineCount * RawLineSize bytes, opaque
}

// SlicedLine is one decoded scan line: a service mask, its physical line
// number, and a fixed-size payload (only the first few bytes are meaningful
// for most services; the rest is padding copied as-is).
type SlicedLine struct {
	ServiceMask uint32
	Line        uint32
	Payload     [SlicedPayloadSize]byte
}

// ServiceRequest is the body of a client service (re)configuration request.
type ServiceRequest struct {
	Reset    bool
	Commit   bool
	Services [NumStrictnessLevels]uint32
}

// ServiceConfirm is the body of a successful ServiceRequest reply.
type ServiceConfirm struct {
	Granted      [NumStrictnessLevels]uint32
	SamplingScan uint32
	SamplingRate uint32
	LineCount    [2]uint32
}

// ServiceReject is the body of a rejected ServiceRequest.
type ServiceReject struct {
	ErrorStr [ErrorStrMaxLen]byte
}

// Service identifies one VBI data service as a single mask bit, the closed
// set named in the glossary. VBI_SLICED_VBI_525/625 (here SrvRaw525/625)
// don't name a decoded service at all — in the original protocol they mean
// "also deliver the raw samples for this norm", which is how a client opts
// into the raw-sample sidecar of a SlicedIndication (§4.4's "at least one
// client subscribes to a raw VBI service").
const (
	SrvTeletextA  uint32 = 1 << 0
	SrvTeletextB  uint32 = 1 << 1
	SrvTeletextC  uint32 = 1 << 2
	SrvTeletextD  uint32 = 1 << 3
	SrvVPS        uint32 = 1 << 4
	SrvWSS625     uint32 = 1 << 5
	SrvWSSCPR1204 uint32 = 1 << 6
	SrvCaption525 uint32 = 1 << 7
	SrvCaption625 uint32 = 1 << 8
	SrvRaw525     uint32 = 1 << 12
	SrvRaw625     uint32 = 1 << 13

	// SrvRawMask is the union of the two raw-sample bits; a client's
	// effective mask intersects this to decide whether it sees Slot.Raw.
	SrvRawMask = SrvRaw525 | SrvRaw625
)

// Priority levels for channel scheduling; numeric values match
// VBI_CHN_PRIO_{BACKGROUND,INTERACTIVE,RECORD} from the original protocol so
// that "higher wins" integer comparisons carry over unchanged.
type Priority uint32

const (
	PriorityBackground  Priority = 1
	PriorityInteractive Priority = 2
	PriorityDefault              = PriorityInteractive
	PriorityRecord      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "Background"
	case PriorityInteractive:
		return "Interactive"
	case PriorityRecord:
		return "Record"
	default:
		return "Unknown"
	}
}

// Recommended sub-priority bands for VBI_CHN_PRIO_BACKGROUND clients, kept as
// named constants for client libraries even though the scheduler only ever
// compares the raw byte.
const (
	SubPriorityMinimal uint8 = 0x00
	SubPriorityCheck   uint8 = 0x10
	SubPriorityUpdate  uint8 = 0x20
	SubPriorityInitial uint8 = 0x30
	SubPriorityVPSPDC  uint8 = 0x40
)

// ChannelProfile accompanies a TokenRequest.
type ChannelProfile struct {
	Priority        Priority
	SubPriority     uint8
	MinDurationMS   uint32
	ExpDurationMS   uint32
	AllowPreemption bool
}

// TokenRequest is the body of a channel-token request.
type TokenRequest struct {
	Profile ChannelProfile
}

// TokenConfirm is the body of the reply to a TokenRequest.
type TokenConfirm struct {
	GrantedNow  bool
	Permitted   bool
	NonExclusive bool
}

// Notify flag bits carried by a client's Notify message.
const (
	NotifyNormChanged    uint32 = 1 << 0
	NotifyFailedToSwitch uint32 = 1 << 1
	NotifyFlushRequired  uint32 = 1 << 2
	NotifyChannelReleased uint32 = 1 << 3
	NotifyTokenReturned  uint32 = 1 << 4
)

// Notify is the body of a client status notification.
type Notify struct {
	Flags       uint32
	NewScanning uint32
}

// NotifyConfirm is the body of the server's reply to Notify.
type NotifyConfirm struct {
	CurrentScanning uint32
}

// SuspendRequest is the body of a (de facto always-rejected) suspend toggle.
type SuspendRequest struct {
	Enable bool
	Cause  uint32
}

// IoctlRequest is the body of a passthrough ioctl call.
type IoctlRequest struct {
	RequestCode uint32
	ArgSize     uint32
	ArgBytes    []byte
}

// IoctlConfirm is the body of a successful passthrough ioctl reply.
type IoctlConfirm struct {
	Result   int32
	Errno    int32
	ArgSize  uint32
	ArgBytes []byte
}

// DaemonPid carries the daemon's magics and process ID (used by both
// DaemonPidRequest and DaemonPidConfirm).
type DaemonPid struct {
	Magics Magics
	Pid    uint32
}
