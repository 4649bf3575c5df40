package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

func putMagics(buf []byte, m Magics) []byte {
	buf = append(buf, m.ProtocolMagic[:]...)
	return binary.BigEndian.AppendUint32(buf, m.EndianMagic)
}

func getMagics(buf []byte) (Magics, []byte, error) {
	if len(buf) < MagicLen+4 {
		return Magics{}, nil, fmt.Errorf("wire: short buffer reading magics")
	}
	var m Magics
	copy(m.ProtocolMagic[:], buf[:MagicLen])
	m.EndianMagic = binary.BigEndian.Uint32(buf[MagicLen : MagicLen+4])
	return m, buf[MagicLen+4:], nil
}

func putFixed(buf []byte, s []byte, width int) []byte {
	fixed := make([]byte, width)
	copy(fixed, s)
	return append(buf, fixed...)
}

func getFixed(buf []byte, width int) ([]byte, []byte, error) {
	if len(buf) < width {
		return nil, nil, fmt.Errorf("wire: short buffer reading fixed[%d]", width)
	}
	out := make([]byte, width)
	copy(out, buf[:width])
	return out, buf[width:], nil
}

func putBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func getBool(buf []byte) (bool, []byte, error) {
	if len(buf) < 1 {
		return false, nil, fmt.Errorf("wire: short buffer reading bool")
	}
	return buf[0] != 0, buf[1:], nil
}

func putU32(buf []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(buf, v) }

func getU32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("wire: short buffer reading u32")
	}
	return binary.BigEndian.Uint32(buf[:4]), buf[4:], nil
}

func putU32Array(buf []byte, a []uint32) []byte {
	for _, v := range a {
		buf = putU32(buf, v)
	}
	return buf
}

func getU32Array(buf []byte, n int) ([]uint32, []byte, error) {
	out := make([]uint32, n)
	for i := range out {
		var err error
		out[i], buf, err = getU32(buf)
		if err != nil {
			return nil, nil, err
		}
	}
	return out, buf, nil
}

func fixedString(s string, width int) []byte {
	b := make([]byte, width)
	copy(b, s)
	return b
}

func MarshalConnectReq(m ConnectReq) []byte {
	buf := make([]byte, 0, 64)
	buf = putMagics(buf, m.Magics)
	buf = putFixed(buf, m.ClientName[:], ClientNameMaxLen)
	buf = putU32(buf, m.Pid)
	buf = putU32(buf, m.ClientFlags)
	buf = putU32(buf, m.ReqScanning)
	buf = putU32(buf, m.BufferCount)
	buf = putU32Array(buf, m.Services[:])
	return buf
}

func UnmarshalConnectReq(buf []byte) (ConnectReq, error) {
	var m ConnectReq
	var err error
	if m.Magics, buf, err = getMagics(buf); err != nil {
		return m, err
	}
	var name []byte
	if name, buf, err = getFixed(buf, ClientNameMaxLen); err != nil {
		return m, err
	}
	copy(m.ClientName[:], name)
	if m.Pid, buf, err = getU32(buf); err != nil {
		return m, err
	}
	if m.ClientFlags, buf, err = getU32(buf); err != nil {
		return m, err
	}
	if m.ReqScanning, buf, err = getU32(buf); err != nil {
		return m, err
	}
	if m.BufferCount, buf, err = getU32(buf); err != nil {
		return m, err
	}
	services, _, err := getU32Array(buf, NumStrictnessLevels)
	if err != nil {
		return m, err
	}
	copy(m.Services[:], services)
	return m, nil
}

func MarshalConnectConfirm(m ConnectConfirm) []byte {
	buf := make([]byte, 0, 96)
	buf = putMagics(buf, m.Magics)
	buf = putFixed(buf, m.DevName[:], DevNameMaxLen)
	buf = putU32(buf, m.Pid)
	buf = putU32(buf, m.DriverAPIRev)
	buf = putU32(buf, m.DaemonFlags)
	buf = putU32Array(buf, m.Granted[:])
	buf = putU32(buf, m.SamplingScan)
	buf = putU32(buf, m.SamplingRate)
	buf = putU32(buf, m.StartLine[0])
	buf = putU32(buf, m.StartLine[1])
	buf = putU32(buf, m.LineCount[0])
	buf = putU32(buf, m.LineCount[1])
	buf = putU32(buf, m.RawLineWidth)
	return buf
}

func UnmarshalConnectConfirm(buf []byte) (ConnectConfirm, error) {
	var m ConnectConfirm
	var err error
	if m.Magics, buf, err = getMagics(buf); err != nil {
		return m, err
	}
	var dev []byte
	if dev, buf, err = getFixed(buf, DevNameMaxLen); err != nil {
		return m, err
	}
	copy(m.DevName[:], dev)
	fields := []*uint32{&m.Pid, &m.DriverAPIRev, &m.DaemonFlags}
	for _, f := range fields {
		if *f, buf, err = getU32(buf); err != nil {
			return m, err
		}
	}
	granted, buf, err := getU32Array(buf, NumStrictnessLevels)
	if err != nil {
		return m, err
	}
	copy(m.Granted[:], granted)
	rest := []*uint32{&m.SamplingScan, &m.SamplingRate, &m.StartLine[0], &m.StartLine[1], &m.LineCount[0], &m.LineCount[1], &m.RawLineWidth}
	for _, f := range rest {
		if *f, buf, err = getU32(buf); err != nil {
			return m, err
		}
	}
	return m, nil
}

func MarshalConnectReject(m ConnectReject) []byte {
	buf := make([]byte, 0, 32)
	buf = putMagics(buf, m.Magics)
	buf = putFixed(buf, m.ErrorStr[:], ErrorStrMaxLen)
	return buf
}

func NewConnectReject(errText string) ConnectReject {
	var m ConnectReject
	FillMagics(&m.Magics)
	copy(m.ErrorStr[:], fixedString(errText, ErrorStrMaxLen))
	return m
}

func UnmarshalConnectReject(buf []byte) (ConnectReject, error) {
	var m ConnectReject
	var err error
	if m.Magics, buf, err = getMagics(buf); err != nil {
		return m, err
	}
	var e []byte
	if e, _, err = getFixed(buf, ErrorStrMaxLen); err != nil {
		return m, err
	}
	copy(m.ErrorStr[:], e)
	return m, nil
}

func MarshalSlicedIndication(m SlicedIndication) []byte {
	buf := make([]byte, 0, 16+len(m.Lines)*(8+SlicedPayloadSize)+len(m.Raw))
	bits := make([]byte, 8)
	binary.BigEndian.PutUint64(bits, math.Float64bits(m.Timestamp))
	buf = append(buf, bits...)
	buf = putU32(buf, uint32(len(m.Lines)))
	buf = putU32(buf, uint32(len(m.Raw)/RawLineSize))
	for _, l := range m.Lines {
		buf = putU32(buf, l.ServiceMask)
		buf = putU32(buf, l.Line)
		buf = append(buf, l.Payload[:]...)
	}
	buf = append(buf, m.Raw...)
	return buf
}

func UnmarshalSlicedIndication(buf []byte) (SlicedIndication, error) {
	var m SlicedIndication
	if len(buf) < 16 {
		return m, fmt.Errorf("wire: sliced indication too short")
	}
	m.Timestamp = math.Float64frombits(binary.BigEndian.Uint64(buf[:8]))
	buf = buf[8:]
	var err error
	if m.SlicedLineCount, buf, err = getU32(buf); err != nil {
		return m, err
	}
	if m.RawLineCount, buf, err = getU32(buf); err != nil {
		return m, err
	}
	m.Lines = make([]SlicedLine, m.SlicedLineCount)
	for i := range m.Lines {
		if m.Lines[i].ServiceMask, buf, err = getU32(buf); err != nil {
			return m, err
		}
		if m.Lines[i].Line, buf, err = getU32(buf); err != nil {
			return m, err
		}
		var payload []byte
		if payload, buf, err = getFixed(buf, SlicedPayloadSize); err != nil {
			return m, err
		}
		copy(m.Lines[i].Payload[:], payload)
	}
	rawSize := int(m.RawLineCount) * RawLineSize
	if len(buf) < rawSize {
		return m, fmt.Errorf("wire: sliced indication raw payload short")
	}
	m.Raw = buf[:rawSize]
	return m, nil
}

func MarshalServiceRequest(m ServiceRequest) []byte {
	buf := make([]byte, 0, 24)
	buf = putBool(buf, m.Reset)
	buf = putBool(buf, m.Commit)
	buf = putU32Array(buf, m.Services[:])
	return buf
}

func UnmarshalServiceRequest(buf []byte) (ServiceRequest, error) {
	var m ServiceRequest
	var err error
	if m.Reset, buf, err = getBool(buf); err != nil {
		return m, err
	}
	if m.Commit, buf, err = getBool(buf); err != nil {
		return m, err
	}
	services, _, err := getU32Array(buf, NumStrictnessLevels)
	if err != nil {
		return m, err
	}
	copy(m.Services[:], services)
	return m, nil
}

func MarshalServiceConfirm(m ServiceConfirm) []byte {
	buf := make([]byte, 0, 32)
	buf = putU32Array(buf, m.Granted[:])
	buf = putU32(buf, m.SamplingScan)
	buf = putU32(buf, m.SamplingRate)
	buf = putU32(buf, m.LineCount[0])
	buf = putU32(buf, m.LineCount[1])
	return buf
}

func UnmarshalServiceConfirm(buf []byte) (ServiceConfirm, error) {
	var m ServiceConfirm
	granted, buf, err := getU32Array(buf, NumStrictnessLevels)
	if err != nil {
		return m, err
	}
	copy(m.Granted[:], granted)
	fields := []*uint32{&m.SamplingScan, &m.SamplingRate, &m.LineCount[0], &m.LineCount[1]}
	for _, f := range fields {
		if *f, buf, err = getU32(buf); err != nil {
			return m, err
		}
	}
	return m, nil
}

func MarshalServiceReject(m ServiceReject) []byte {
	return putFixed(nil, m.ErrorStr[:], ErrorStrMaxLen)
}

func NewServiceReject(errText string) ServiceReject {
	var m ServiceReject
	copy(m.ErrorStr[:], fixedString(errText, ErrorStrMaxLen))
	return m
}

func UnmarshalServiceReject(buf []byte) (ServiceReject, error) {
	var m ServiceReject
	e, _, err := getFixed(buf, ErrorStrMaxLen)
	if err != nil {
		return m, err
	}
	copy(m.ErrorStr[:], e)
	return m, nil
}

func MarshalTokenRequest(m TokenRequest) []byte {
	buf := make([]byte, 0, 16)
	buf = putU32(buf, uint32(m.Profile.Priority))
	buf = append(buf, m.Profile.SubPriority)
	buf = putU32(buf, m.Profile.MinDurationMS)
	buf = putU32(buf, m.Profile.ExpDurationMS)
	buf = putBool(buf, m.Profile.AllowPreemption)
	return buf
}

func UnmarshalTokenRequest(buf []byte) (TokenRequest, error) {
	var m TokenRequest
	var prio uint32
	var err error
	if prio, buf, err = getU32(buf); err != nil {
		return m, err
	}
	m.Profile.Priority = Priority(prio)
	if len(buf) < 1 {
		return m, fmt.Errorf("wire: short token request")
	}
	m.Profile.SubPriority = buf[0]
	buf = buf[1:]
	if m.Profile.MinDurationMS, buf, err = getU32(buf); err != nil {
		return m, err
	}
	if m.Profile.ExpDurationMS, buf, err = getU32(buf); err != nil {
		return m, err
	}
	if m.Profile.AllowPreemption, _, err = getBool(buf); err != nil {
		return m, err
	}
	return m, nil
}

func MarshalTokenConfirm(m TokenConfirm) []byte {
	buf := make([]byte, 0, 3)
	buf = putBool(buf, m.GrantedNow)
	buf = putBool(buf, m.Permitted)
	buf = putBool(buf, m.NonExclusive)
	return buf
}

func UnmarshalTokenConfirm(buf []byte) (TokenConfirm, error) {
	var m TokenConfirm
	var err error
	if m.GrantedNow, buf, err = getBool(buf); err != nil {
		return m, err
	}
	if m.Permitted, buf, err = getBool(buf); err != nil {
		return m, err
	}
	if m.NonExclusive, _, err = getBool(buf); err != nil {
		return m, err
	}
	return m, nil
}

func MarshalNotify(m Notify) []byte {
	buf := make([]byte, 0, 8)
	buf = putU32(buf, m.Flags)
	buf = putU32(buf, m.NewScanning)
	return buf
}

func UnmarshalNotify(buf []byte) (Notify, error) {
	var m Notify
	var err error
	if m.Flags, buf, err = getU32(buf); err != nil {
		return m, err
	}
	if m.NewScanning, _, err = getU32(buf); err != nil {
		return m, err
	}
	return m, nil
}

func MarshalNotifyConfirm(m NotifyConfirm) []byte {
	return putU32(nil, m.CurrentScanning)
}

func UnmarshalNotifyConfirm(buf []byte) (NotifyConfirm, error) {
	var m NotifyConfirm
	var err error
	m.CurrentScanning, _, err = getU32(buf)
	return m, err
}

func MarshalSuspendRequest(m SuspendRequest) []byte {
	buf := make([]byte, 0, 5)
	buf = putBool(buf, m.Enable)
	buf = putU32(buf, m.Cause)
	return buf
}

func UnmarshalSuspendRequest(buf []byte) (SuspendRequest, error) {
	var m SuspendRequest
	var err error
	if m.Enable, buf, err = getBool(buf); err != nil {
		return m, err
	}
	m.Cause, _, err = getU32(buf)
	return m, err
}

func MarshalIoctlRequest(m IoctlRequest) []byte {
	buf := make([]byte, 0, 8+len(m.ArgBytes))
	buf = putU32(buf, m.RequestCode)
	buf = putU32(buf, uint32(len(m.ArgBytes)))
	buf = append(buf, m.ArgBytes...)
	return buf
}

func UnmarshalIoctlRequest(buf []byte) (IoctlRequest, error) {
	var m IoctlRequest
	var err error
	if m.RequestCode, buf, err = getU32(buf); err != nil {
		return m, err
	}
	if m.ArgSize, buf, err = getU32(buf); err != nil {
		return m, err
	}
	if uint32(len(buf)) < m.ArgSize {
		return m, fmt.Errorf("wire: ioctl request arg_size mismatch")
	}
	m.ArgBytes = append([]byte(nil), buf[:m.ArgSize]...)
	return m, nil
}

func MarshalIoctlConfirm(m IoctlConfirm) []byte {
	buf := make([]byte, 0, 12+len(m.ArgBytes))
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.Result))
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.Errno))
	buf = putU32(buf, uint32(len(m.ArgBytes)))
	buf = append(buf, m.ArgBytes...)
	return buf
}

func UnmarshalIoctlConfirm(buf []byte) (IoctlConfirm, error) {
	var m IoctlConfirm
	if len(buf) < 12 {
		return m, fmt.Errorf("wire: ioctl confirm too short")
	}
	m.Result = int32(binary.BigEndian.Uint32(buf[0:4]))
	m.Errno = int32(binary.BigEndian.Uint32(buf[4:8]))
	m.ArgSize = binary.BigEndian.Uint32(buf[8:12])
	buf = buf[12:]
	if uint32(len(buf)) < m.ArgSize {
		return m, fmt.Errorf("wire: ioctl confirm arg_size mismatch")
	}
	m.ArgBytes = append([]byte(nil), buf[:m.ArgSize]...)
	return m, nil
}

func MarshalDaemonPid(m DaemonPid) []byte {
	buf := make([]byte, 0, MagicLen+8)
	buf = putMagics(buf, m.Magics)
	buf = putU32(buf, m.Pid)
	return buf
}

func UnmarshalDaemonPid(buf []byte) (DaemonPid, error) {
	var m DaemonPid
	var err error
	if m.Magics, buf, err = getMagics(buf); err != nil {
		return m, err
	}
	m.Pid, _, err = getU32(buf)
	return m, err
}
