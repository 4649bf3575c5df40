package wire

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func TestConnectReqRoundTrip(t *testing.T) {
	var req ConnectReq
	FillMagics(&req.Magics)
	copy(req.ClientName[:], "test-client")
	req.Pid = 4242
	req.ClientFlags = ClientFlagSuppressStatusInd
	req.ReqScanning = 625
	req.BufferCount = 5
	req.Services[StrictnessIndex(0)] = 0x01

	body := MarshalConnectReq(req)
	got, err := UnmarshalConnectReq(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Pid != req.Pid || got.ClientFlags != req.ClientFlags || got.ReqScanning != req.ReqScanning {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
	if got.Services[StrictnessIndex(0)] != 0x01 {
		t.Fatalf("service table mismatch: %+v", got.Services)
	}

	swap, err := CheckConnectMessage(got)
	if err != nil {
		t.Fatalf("check magics: %v", err)
	}
	if swap {
		t.Fatalf("expected no endian swap for native-order magic")
	}
}

func TestCheckMagicsRejectsBadMagic(t *testing.T) {
	var m Magics
	FillMagics(&m)
	m.ProtocolMagic[0] = 'X'
	if _, err := CheckMagics(m); err == nil {
		t.Fatalf("expected error for corrupted magic")
	}
}

func TestCheckMagicsDetectsEndianSwap(t *testing.T) {
	var m Magics
	FillMagics(&m)
	m.EndianMagic = EndianSwap
	swap, err := CheckMagics(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !swap {
		t.Fatalf("expected swap=true for the byte-reversed endian magic")
	}
}

func TestCheckConnectMessageRejectsEndianSwap(t *testing.T) {
	var req ConnectReq
	FillMagics(&req.Magics)
	req.Magics.EndianMagic = EndianSwap

	swap, err := CheckConnectMessage(req)
	if err == nil {
		t.Fatalf("expected a byte-order mismatch to be rejected, not silently swapped")
	}
	if !swap {
		t.Fatalf("expected swap=true reported alongside the rejection, for logging")
	}
}

func TestSlicedIndicationRoundTrip(t *testing.T) {
	ind := SlicedIndication{
		Timestamp: 1700000000.5,
		Lines: []SlicedLine{
			{ServiceMask: 0x01, Line: 7},
			{ServiceMask: 0x02, Line: 335},
		},
		Raw: make([]byte, RawLineSize),
	}
	ind.Lines[0].Payload[0] = 0xAA
	body := MarshalSlicedIndication(ind)
	got, err := UnmarshalSlicedIndication(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SlicedLineCount != 2 || got.RawLineCount != 1 {
		t.Fatalf("count mismatch: %+v", got)
	}
	if got.Lines[0].Payload[0] != 0xAA || got.Lines[1].Line != 335 {
		t.Fatalf("line content mismatch: %+v", got.Lines)
	}
	if got.Timestamp != ind.Timestamp {
		t.Fatalf("timestamp mismatch: got %v want %v", got.Timestamp, ind.Timestamp)
	}
}

func TestMessageOverMaxSizeIsProtocolError(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := ReadMessage(b, time.Now().Add(2*time.Second))
		done <- err
	}()

	// Only the header goes out: ReadMessage rejects the declared length
	// before reading any body, so a body write would block on the pipe.
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], HeaderSize+MessageMaxSize(MsgServiceRequest)+1)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(MsgServiceRequest))
	if _, err := a.Write(hdr[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := <-done
	if err == nil || !IsProtocolError(err) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	notify := Notify{Flags: NotifyFlushRequired, NewScanning: 625}
	go func() {
		WriteMessage(a, time.Time{}, MsgNotify, MarshalNotify(notify))
	}()

	typ, body, err := ReadMessage(b, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != MsgNotify {
		t.Fatalf("type mismatch: %v", typ)
	}
	got, err := UnmarshalNotify(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != notify {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, notify)
	}
}
