// Package services implements the service aggregator: it reconciles every
// connected client's per-strictness-level service request against the
// single shared capture device, in connection order, and tracks what each
// client actually ends up receiving.
package services

import (
	"github.com/ocupoint/vbiproxyd/internal/capture"
	"github.com/ocupoint/vbiproxyd/internal/pool"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// ClientService holds one client's requested and granted service tables.
// Requested is kept even when the granted union is empty, so that a later
// norm change can re-grant previously-requested services without a new
// round trip to the client (see Aggregator.Recompute).
type ClientService struct {
	Requested [wire.NumStrictnessLevels]uint32
	Granted   [wire.NumStrictnessLevels]uint32

	// BufferCount is this client's requested queue-depth hint from Connect
	// (§3); Aggregator.Recompute folds the largest one across all connected
	// clients into the pool's target size (§4.3).
	BufferCount uint32
}

// EffectiveMask is the union of granted bits across every strictness level,
// used to filter a captured slot's lines down to what this client should
// receive.
func (c *ClientService) EffectiveMask() uint32 {
	var m uint32
	for _, g := range c.Granted {
		m |= g
	}
	return m
}

// WantsRaw reports whether this client's effective mask includes either raw
// VBI bit, i.e. whether it should receive Slot.Raw alongside sliced lines.
func (c *ClientService) WantsRaw() bool {
	return c.EffectiveMask()&wire.SrvRawMask != 0
}

// SetRequest installs a new per-level request table, enforcing that each
// service bit appears at exactly one level: if a bit is set at more than
// one level, the highest level's claim wins and the bit is cleared from the
// others (an explicit choice documented as an Open Question resolution —
// the wire table itself doesn't say which duplicate should win).
func (c *ClientService) SetRequest(table [wire.NumStrictnessLevels]uint32) {
	var seen uint32
	for i := wire.NumStrictnessLevels - 1; i >= 0; i-- {
		table[i] &^= seen
		seen |= table[i]
	}
	c.Requested = table
}

// Aggregator owns the reconciliation between a set of clients and one
// capture device.
type Aggregator struct {
	src    capture.Source
	pool   *pool.Pool
	opened bool
	probed bool
}

func New(src capture.Source, p *pool.Pool) *Aggregator {
	return &Aggregator{src: src, pool: p}
}

func (a *Aggregator) DeviceOpen() bool { return a.opened }

// Recompute runs the full reconciliation pass described for the aggregator:
// close the device if nobody wants anything; otherwise open it, walk every
// (level, client) pair in order, record what was granted, and resize the
// pool to match the resulting frame shape. clients must be in connection
// order (oldest first).
func (a *Aggregator) Recompute(clients []*ClientService) (params capture.Params, err error) {
	if !anyRequested(clients) {
		if a.opened {
			err = a.src.Close()
			a.opened = false
		} else if !a.probed {
			// Never opened: open once and immediately close. Nothing from
			// this probe open is kept; no driver API revision is recorded.
			if _, oerr := a.src.Open(); oerr == nil {
				a.src.Close()
			}
			a.probed = true
		}
		clearGranted(clients)
		return capture.Params{}, err
	}

	if !a.opened {
		if params, err = a.src.Open(); err != nil {
			return capture.Params{}, err
		}
		a.opened = true
		a.probed = true
	}

	lastNonEmpty := findLastNonEmpty(clients)
	first := true
	var union uint32
	for level := 0; level < wire.NumStrictnessLevels; level++ {
		for ci, c := range clients {
			requested := c.Requested[level]
			if requested == 0 {
				c.Granted[level] = 0
				continue
			}
			last :=ci == lastNonEmpty.client && level == lastNonEmpty.level
			granted, uerr := a.src.UpdateServices(first, last, requested, wire.StrictnessValue(level))
			if uerr != nil {
				return capture.Params{}, uerr
			}
			c.Granted[level] = granted
			union |= granted
			first = false
		}
	}

	if union == 0 {
		a.src.Close()
		a.opened = false
		return capture.Params{}, nil
	}

	params = a.src.Params()
	target := pool.TargetSize(maxBufferCount(clients), len(clients))
	a.pool.Resize(target)
	return params, nil
}

// maxBufferCount returns the largest BufferCount hint across clients, the
// "requested-buffer-count-of-any-client" term in §4.3's pool sizing formula.
func maxBufferCount(clients []*ClientService) int {
	max := 0
	for _, c := range clients {
		if n := int(c.BufferCount); n > max {
			max = n
		}
	}
	return max
}

func anyRequested(clients []*ClientService) bool {
	for _, c := range clients {
		for _, r := range c.Requested {
			if r != 0 {
				return true
			}
		}
	}
	return false
}

func clearGranted(clients []*ClientService) {
	for _, c := range clients {
		c.Granted = [wire.NumStrictnessLevels]uint32{}
	}
}

type clientLevel struct {
	client int
	level  int
}

func findLastNonEmpty(clients []*ClientService) clientLevel {
	var last clientLevel
	for level := 0; level < wire.NumStrictnessLevels; level++ {
		for ci, c := range clients {
			if c.Requested[level] != 0 {
				last = clientLevel{client: ci, level: level}
			}
		}
	}
	return last
}
