package services

import (
	"testing"

	"github.com/ocupoint/vbiproxyd/internal/capture"
	"github.com/ocupoint/vbiproxyd/internal/pool"
)

func TestRecomputeOpensDeviceOnFirstRequest(t *testing.T) {
	sim := capture.NewSimulator(625)
	p := pool.New()
	agg := New(sim, p)

	alice := &ClientService{}
	alice.SetRequest([4]uint32{0, 0x01, 0, 0})

	_, err := agg.Recompute([]*ClientService{alice})
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !agg.DeviceOpen() {
		t.Fatalf("expected device to be opened once a client requests services")
	}
	if alice.EffectiveMask() != 0x01 {
		t.Fatalf("expected alice granted 0x01, got %#x", alice.EffectiveMask())
	}
	if free, _, target := p.Stats(); free == 0 || target == 0 {
		t.Fatalf("expected pool resized, got free=%d target=%d", free, target)
	}
}

func TestRecomputeClosesDeviceWhenLastClientLeaves(t *testing.T) {
	sim := capture.NewSimulator(625)
	p := pool.New()
	agg := New(sim, p)

	alice := &ClientService{}
	alice.SetRequest([4]uint32{0, 0x01, 0, 0})
	if _, err := agg.Recompute([]*ClientService{alice}); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	alice.SetRequest([4]uint32{})
	if _, err := agg.Recompute([]*ClientService{alice}); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if agg.DeviceOpen() {
		t.Fatalf("expected device closed once no client requests anything")
	}
	if alice.EffectiveMask() != 0 {
		t.Fatalf("expected granted table cleared, got %#x", alice.EffectiveMask())
	}
}

func TestSetRequestKeepsHighestLevelOnDuplicateBit(t *testing.T) {
	c := &ClientService{}
	c.SetRequest([4]uint32{0x01, 0x01, 0, 0})
	if c.Requested[0] != 0 {
		t.Fatalf("expected level 0 to lose the duplicate bit, got %#x", c.Requested[0])
	}
	if c.Requested[1] != 0x01 {
		t.Fatalf("expected level 1 (the higher level) to keep the bit, got %#x", c.Requested[1])
	}
}

// TestRecomputeSizesPoolToLargestBufferCountHint covers §4.3's pool sizing
// formula: max(requested-buffer-count-of-any-client, default) + numClients.
func TestRecomputeSizesPoolToLargestBufferCountHint(t *testing.T) {
	sim := capture.NewSimulator(625)
	p := pool.New()
	agg := New(sim, p)

	alice := &ClientService{BufferCount: 20}
	alice.SetRequest([4]uint32{0, 0x01, 0, 0})
	bob := &ClientService{BufferCount: 2}
	bob.SetRequest([4]uint32{0, 0x02, 0, 0})

	if _, err := agg.Recompute([]*ClientService{alice, bob}); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if _, _, target := p.Stats(); target != 20+2 {
		t.Fatalf("expected pool target sized off the larger BufferCount hint (20)+2 clients, got %d", target)
	}
}

func TestRecomputeIsolatesSeparateClientGrants(t *testing.T) {
	sim := capture.NewSimulator(625)
	p := pool.New()
	agg := New(sim, p)

	alice := &ClientService{}
	alice.SetRequest([4]uint32{0, 0x01, 0, 0})
	bob := &ClientService{}
	bob.SetRequest([4]uint32{0, 0x02, 0, 0})

	if _, err := agg.Recompute([]*ClientService{alice, bob}); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if alice.EffectiveMask() != 0x01 || bob.EffectiveMask() != 0x02 {
		t.Fatalf("expected independent grants, got alice=%#x bob=%#x", alice.EffectiveMask(), bob.EffectiveMask())
	}
}
