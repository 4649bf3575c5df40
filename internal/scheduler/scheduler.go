// Package scheduler implements the channel scheduler: which client, if any,
// currently holds permission to retune the shared channel, arbitrated by
// priority class and, within the Background class, a fair round-robin.
package scheduler

import (
	"time"

	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// TokenState is a client's position in the token state machine.
type TokenState int

const (
	None TokenState = iota
	Grant
	Granted
	Returned
	Reclaim
	Release
)

func (s TokenState) owning() bool { return s != None }

func (s TokenState) String() string {
	switch s {
	case None:
		return "None"
	case Grant:
		return "Grant"
	case Granted:
		return "Granted"
	case Returned:
		return "Returned"
	case Reclaim:
		return "Reclaim"
	case Release:
		return "Release"
	default:
		return "Unknown"
	}
}

// Result is the outcome of a RequestToken call.
type Result struct {
	GrantedNow   bool
	Permitted    bool
	NonExclusive bool
}

type client struct {
	id      int
	seq     int // connection order, the final tiebreak §8 testable property 4 requires
	profile wire.ChannelProfile
	state   TokenState

	cycleCount  int
	lastStart   time.Time
	everGranted bool
}

// Scheduler arbitrates one device's channel among its connected clients.
// Not safe for concurrent use; callers serialize access the same way the
// rest of the per-device state is serialized (see internal/server).
type Scheduler struct {
	clients map[int]*client
	ownerID int
	nextSeq int
	now     func() time.Time
}

func New() *Scheduler {
	return &Scheduler{clients: make(map[int]*client), now: time.Now}
}

func (s *Scheduler) register(id int) *client {
	c := &client{id: id, seq: s.nextSeq}
	s.nextSeq++
	s.clients[id] = c
	return c
}

// AddClient registers a client with no current token.
func (s *Scheduler) AddClient(id int) {
	if _, ok := s.clients[id]; !ok {
		s.register(id)
	}
}

// RemoveClient drops a disconnected client, releasing the channel and
// picking a new Background holder if it owned it. granted is the id of a
// client newly handed the channel as a result (0 if none), which the caller
// must notify with an unsolicited TokenIndication per §4.6's None -> Grant
// transition ("queue TokenGrant indication").
func (s *Scheduler) RemoveClient(id int) (granted int) {
	delete(s.clients, id)
	if s.ownerID == id {
		s.ownerID = 0
		return s.runBackgroundRoundRobin()
	}
	return 0
}

func (s *Scheduler) owner() *client {
	if s.ownerID == 0 {
		return nil
	}
	return s.clients[s.ownerID]
}

// RequestToken applies a client's channel-profile request per the priority
// rules: Record is never preempted; Interactive preempts any non-Record
// holder immediately; Background clients without an immediate grant join
// the round-robin pool and wait their turn.
func (s *Scheduler) RequestToken(id int, profile wire.ChannelProfile) Result {
	c, ok := s.clients[id]
	if !ok {
		c = s.register(id)
	}
	c.profile = profile

	owner := s.owner()
	if owner == nil {
		s.grant(c)
		return Result{GrantedNow: true, Permitted: true}
	}
	if owner.id == id {
		return Result{GrantedNow: true, Permitted: true}
	}

	if profile.Priority == wire.PriorityBackground {
		c.state = None
		return Result{GrantedNow: false, Permitted: true}
	}

	if owner.profile.Priority == wire.PriorityRecord {
		return Result{Permitted: false}
	}
	if profile.Priority < owner.profile.Priority {
		return Result{Permitted: false}
	}

	// Interactive/Record fast path: requester priority >= owner's. Reclaim
	// the old holder without waiting for its confirmation and grant the new
	// one now; the two are briefly non-exclusive until ReclaimConfirm.
	owner.state = Reclaim
	s.grant(c)
	return Result{GrantedNow: true, Permitted: true, NonExclusive: true}
}

func (s *Scheduler) grant(c *client) {
	c.state = Granted
	c.lastStart = s.now()
	s.ownerID = c.id
}

// ReclaimConfirm completes a reclaimed client's release, per the
// Reclaim -> Release -> None transition.
func (s *Scheduler) ReclaimConfirm(id int) {
	c, ok := s.clients[id]
	if !ok || c.state != Reclaim {
		return
	}
	c.state = None
	if s.ownerID == id {
		s.ownerID = 0
	}
}

// NotifyTokenReturned handles a client voluntarily releasing the channel
// (Notify{flag=TokenReturned}). granted is the id of a client newly handed
// the channel as a result (0 if none); see RemoveClient's doc comment.
func (s *Scheduler) NotifyTokenReturned(id int) (granted int) {
	c, ok := s.clients[id]
	if !ok || c.state != Granted {
		return 0
	}
	c.state = Returned
	if s.ownerID == id {
		s.ownerID = 0
	}
	s.completeBackgroundSlot(c)
	return s.runBackgroundRoundRobin()
}

// State reports a client's current token state.
func (s *Scheduler) State(id int) TokenState {
	if c, ok := s.clients[id]; ok {
		return c.state
	}
	return None
}

// Owns reports whether id currently owns the channel in any owning state,
// which is what ioctl admission (internal/session) checks against.
func (s *Scheduler) Owns(id int) bool {
	c, ok := s.clients[id]
	return ok && c.state.owning()
}

// OwnerPriority reports the current channel holder's priority class, used by
// internal/session's admission check for a non-owning ioctl caller. ok is
// false when nobody currently holds the channel.
func (s *Scheduler) OwnerPriority() (priority wire.Priority, ok bool) {
	owner := s.owner()
	if owner == nil {
		return 0, false
	}
	return owner.profile.Priority, true
}

// ClientPriority reports id's most recently requested channel priority, or
// PriorityDefault if it has never made a token request.
func (s *Scheduler) ClientPriority(id int) wire.Priority {
	c, ok := s.clients[id]
	if !ok || c.profile.Priority == 0 {
		return wire.PriorityDefault
	}
	return c.profile.Priority
}

// Tick runs the Background round-robin timer: if the active holder has used
// its minimum duration, its slot completes and the next candidate (if any)
// is granted. Called when the scheduler's alarm fires. granted is the id of
// a client newly handed the channel as a result (0 if none); see
// RemoveClient's doc comment.
func (s *Scheduler) Tick() (granted int) {
	owner := s.owner()
	if owner == nil || owner.profile.Priority != wire.PriorityBackground {
		return 0
	}
	if s.now().Sub(owner.lastStart) < time.Duration(owner.profile.MinDurationMS)*time.Millisecond {
		return 0
	}
	s.completeBackgroundSlot(owner)
	s.ownerID = 0
	return s.runBackgroundRoundRobin()
}

// NextAlarm returns when Tick should next be called, or the zero Time if no
// Background holder is active.
func (s *Scheduler) NextAlarm() time.Time {
	owner := s.owner()
	if owner == nil || owner.profile.Priority != wire.PriorityBackground {
		return time.Time{}
	}
	return owner.lastStart.Add(time.Duration(owner.profile.MinDurationMS) * time.Millisecond)
}

// completeBackgroundSlot advances c's cycle_count per the levelling rule: a
// client's first-ever completed slot jumps straight to 2 (so an existing
// peer sitting at 1 gets a turn before the newcomer gets a second one);
// later completions increment and saturate at 2. Once every Background
// client has reached 2, every counter is decremented together.
func (s *Scheduler) completeBackgroundSlot(c *client) {
	if c.profile.Priority != wire.PriorityBackground {
		return
	}
	if !c.everGranted {
		c.cycleCount = 2
		c.everGranted = true
	} else if c.cycleCount < 2 {
		c.cycleCount++
	}
	s.levelCycleCounts()
}

func (s *Scheduler) levelCycleCounts() {
	var anyBackground bool
	min := 2
	for _, c := range s.clients {
		if c.profile.Priority != wire.PriorityBackground || !c.everGranted {
			continue
		}
		anyBackground = true
		if c.cycleCount < min {
			min = c.cycleCount
		}
	}
	if anyBackground && min == 2 {
		for _, c := range s.clients {
			if c.profile.Priority == wire.PriorityBackground && c.everGranted {
				c.cycleCount--
			}
		}
	}
}

// runBackgroundRoundRobin grants the channel to the best-ranked waiting
// Background client, if the channel is currently free, ranked by better():
// lowest cycle_count first, then highest sub_priority, then the longest-idle
// candidate, then connection order. Clients in an owning token state are
// skipped, and a previous holder whose work is incomplete gets no
// preference over the other candidates. It returns the id of
// the client it granted (0 if the channel stayed free), which every caller
// must relay to the client as an unsolicited TokenIndication: this grant
// happens asynchronously, outside any TokenRequest/TokenConfirm round trip,
// so the client has no other way to learn it may now retune (§4.6).
func (s *Scheduler) runBackgroundRoundRobin() (granted int) {
	if s.ownerID != 0 {
		return 0
	}
	var best *client
	for _, c := range s.clients {
		if c.profile.Priority != wire.PriorityBackground || c.state.owning() {
			continue
		}
		if best == nil || better(c, best) {
			best = c
		}
	}
	if best == nil {
		return 0
	}
	s.grant(best)
	return best.id
}

// better reports whether a outranks b for the next Background grant: lowest
// cycle_count, then highest sub_priority, then longest idle (earliest
// lastStart), with connection order (seq) as the final tiebreak so the
// outcome never depends on Go's randomized map iteration order (§8 testable
// property 4: "ties ... broken only by connection-time").
func better(a, b *client) bool {
	if a.cycleCount != b.cycleCount {
		return a.cycleCount < b.cycleCount
	}
	if a.profile.SubPriority != b.profile.SubPriority {
		return a.profile.SubPriority > b.profile.SubPriority
	}
	if !a.lastStart.Equal(b.lastStart) {
		return a.lastStart.Before(b.lastStart)
	}
	return a.seq < b.seq
}
