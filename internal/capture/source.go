// Package capture wraps a VBI capture device behind a small interface so the
// rest of the daemon never deals with device-specific I/O: a real character
// device opened with golang.org/x/sys/unix, or an in-process simulator used
// in tests and for development without hardware.
package capture

import (
	"errors"

	"github.com/ocupoint/vbiproxyd/internal/pool"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// ErrTransient marks a capture read that failed but may succeed on the next
// attempt (a single dropped field, a momentary driver hiccup). The frame is
// dropped; the device stays open.
var ErrTransient = errors.New("capture: transient read error")

// Params describes the sampling parameters currently in effect, as reported
// by the driver after an open or a service change.
type Params struct {
	Scanning     uint32 // 525 or 625
	SamplingRate uint32
	StartLine    [2]uint32
	LineCount    [2]uint32
	MaxLines     int // sum of LineCount, the slot sizing the pool must honor
}

// Source is the capability set a capture adaptor needs from a device driver.
// Implementations: Device (a real /dev character device) and Simulator (a
// synthetic generator used for tests and hardware-less development).
type Source interface {
	Open() (Params, error)
	Close() error

	// UpdateServices applies one client's requested service mask at one
	// strictness level. first/last bracket a batch of calls across every
	// client and level (see internal/services); the driver may defer actual
	// reconfiguration until the last call. It returns the services actually
	// granted, which can be a subset of requested.
	UpdateServices(first, last bool, requested uint32, strictness int32) (granted uint32, err error)

	// ReadSliced reads one field's decoded lines into slot, ignoring any raw
	// sample capture.
	ReadSliced(slot *pool.Slot) (lines int, err error)
	// ReadRawSliced reads one field's decoded lines and raw samples.
	ReadRawSliced(slot *pool.Slot) (lines int, err error)

	// Selectable reports whether Fd returns a descriptor usable with a
	// readiness primitive. When false, the caller must run the device on a
	// dedicated reader goroutine (see Reader).
	Selectable() bool
	Fd() int

	Params() Params
	Flush() error
	Ioctl(req wire.IoctlRequest) (wire.IoctlConfirm, error)

	// IoctlRequiresPermission reports, for a whitelisted request code,
	// whether the session layer must additionally confirm the caller owns
	// or outranks the channel before calling Ioctl. known is false for a
	// code the device doesn't admit at all.
	IoctlRequiresPermission(code uint32) (requires, known bool)
}

// MaxLinesClamped returns the current slot capacity implied by p, clamped to the
// protocol's hard limit.
func (p Params) MaxLinesClamped() int {
	if p.MaxLines > wire.MaxSlicedLines {
		return wire.MaxSlicedLines
	}
	return p.MaxLines
}
