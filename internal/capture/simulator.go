package capture

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/ocupoint/vbiproxyd/internal/pool"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// Simulator is an in-process Source used in tests and for running the
// daemon without a capture card attached. It generates synthetic teletext
// and captioning lines at a fixed field rate rather than reading a real
// device, the same role dummy-device generation plays in this daemon's
// hardware-free test path.
type Simulator struct {
	scanning     uint32
	samplingRate uint32
	granted      [wire.NumStrictnessLevels]uint32
	rng          *rand.Rand
	fieldNumber  uint64
}

func NewSimulator(scanning uint32) *Simulator {
	return &Simulator{
		scanning:     scanning,
		samplingRate: 27_000_000,
		rng:          rand.New(rand.NewSource(1)),
	}
}

func (s *Simulator) Open() (Params, error) {
	return s.Params(), nil
}

func (s *Simulator) Close() error { return nil }

func (s *Simulator) UpdateServices(first, last bool, requested uint32, strictness int32) (uint32, error) {
	_ = last
	if strictness < -1 || strictness > 2 {
		return 0, fmt.Errorf("capture: strictness %d out of range", strictness)
	}
	if first {
		s.granted = [wire.NumStrictnessLevels]uint32{}
	}
	s.granted[wire.StrictnessIndex(strictness)] |= requested
	return requested, nil
}

func (s *Simulator) lineRange() (start, count uint32) {
	if s.scanning == 525 {
		return 10, 21
	}
	return 6, 17
}

// ReadSliced synthesizes one field's worth of lines: each active service bit
// (aggregated across all strictness levels) gets one line per field, cycling
// through the scanning system's VBI line range the way a real decoder would
// walk lines in capture order.
func (s *Simulator) ReadSliced(slot *pool.Slot) (int, error) {
	return s.read(slot, false)
}

func (s *Simulator) ReadRawSliced(slot *pool.Slot) (int, error) {
	return s.read(slot, true)
}

func (s *Simulator) read(slot *pool.Slot, wantRaw bool) (int, error) {
	time.Sleep(time.Millisecond) // stand in for the real field interval

	var union uint32
	for _, g := range s.granted {
		union |= g
	}
	if union == 0 {
		slot.LineCount = 0
		return 0, nil
	}

	start, count := s.lineRange()
	n := 0
	for i := uint32(0); i < count && n < len(slot.Lines); i++ {
		bit := uint32(1) << (i % 32)
		if union&bit == 0 {
			continue
		}
		line := &slot.Lines[n]
		line.ServiceMask = bit & union
		line.Line = start + i
		s.rng.Read(line.Payload[:4])
		n++
	}
	slot.LineCount = n
	slot.Timestamp = float64(time.Now().UnixNano()) / 1e9
	s.fieldNumber++

	if wantRaw && len(slot.Raw) > 0 {
		s.rng.Read(slot.Raw)
	}
	if n == 0 {
		return 0, nil
	}
	return n, nil
}

func (s *Simulator) Selectable() bool { return false }
func (s *Simulator) Fd() int          { return -1 }

func (s *Simulator) Params() Params {
	start, count := s.lineRange()
	return Params{
		Scanning:     s.scanning,
		SamplingRate: s.samplingRate,
		StartLine:    [2]uint32{start, start},
		LineCount:    [2]uint32{count, count},
		MaxLines:     int(count) * 2,
	}
}

func (s *Simulator) Flush() error { return nil }

func (s *Simulator) Ioctl(req wire.IoctlRequest) (wire.IoctlConfirm, error) {
	switch req.RequestCode {
	case 0x5600: // VIDIOC_QUERYCAP
		return wire.IoctlConfirm{Result: 0, ArgSize: req.ArgSize, ArgBytes: make([]byte, req.ArgSize)}, nil
	default:
		return wire.IoctlConfirm{}, fmt.Errorf("capture: simulator does not implement ioctl %#x", req.RequestCode)
	}
}

func (s *Simulator) IoctlRequiresPermission(code uint32) (requires, known bool) {
	if code == 0x5600 {
		return false, true
	}
	return false, false
}
