package bridge

import (
	"time"

	"github.com/jonboulle/clockwork"

	appLog "epaperbridge/internal/log"
)

// Timing holds the settle windows observed by the refresh sequence.
type Timing struct {
	PowerOn       time.Duration
	RefreshSettle time.Duration
	PowerOff      time.Duration
	DeepSleep     time.Duration
}

// DefaultTiming matches the panel vendor's reference sequence.
var DefaultTiming = Timing{
	PowerOn:       300 * time.Millisecond,
	RefreshSettle: 300 * time.Millisecond,
	PowerOff:      300 * time.Millisecond,
	DeepSleep:     300 * time.Millisecond,
}

type refreshStep uint8

const (
	refreshDrain refreshStep = iota
	refreshPowerOn
	refreshStart
	refreshPollBusy
	refreshPowerOff
	refreshDeepSleep
	refreshHandshake
	refreshWait
	refreshDone
)

// Refresher sequences a full panel refresh once all planes are written:
// power on, refresh, wait for the busy line, power off, deep sleep, and
// finally the ready token to the host.
//
// Each Step call performs at most one bus command or one deadline check, so
// settle windows never stall the control loop. The busy poll has no timeout:
// a segment that never reports idle keeps the sequence in refreshPollBusy
// forever.
type Refresher struct {
	bus    Bus
	link   Link
	clock  clockwork.Clock
	timing Timing
	stats  *Stats

	step     refreshStep
	next     refreshStep
	deadline time.Time
}

func newRefresher(bus Bus, link Link, clock clockwork.Clock, timing Timing, stats *Stats) Refresher {
	return Refresher{
		bus:    bus,
		link:   link,
		clock:  clock,
		timing: timing,
		stats:  stats,
		step:   refreshDone,
	}
}

// Begin rewinds the sequence to its first step.
func (r *Refresher) Begin() {
	r.step = refreshDrain
}

// Waiting reports whether the sequence is sitting out a settle window.
func (r *Refresher) Waiting() bool {
	return r.step == refreshWait && r.clock.Now().Before(r.deadline)
}

// Step advances the sequence by one unit and reports whether it has
// completed, i.e. the ready token has been sent.
func (r *Refresher) Step() bool {
	switch r.step {
	case refreshDrain:
		if _, ok := r.link.Poll(); ok {
			r.stats.Stray++
		}
		r.step = refreshPowerOn
	case refreshPowerOn:
		Transmit(r.bus, Masters, CmdPowerOn)
		r.wait(r.timing.PowerOn, refreshStart)
	case refreshStart:
		Transmit(r.bus, All, CmdRefresh)
		r.step = refreshPollBusy
	case refreshPollBusy:
		Transmit(r.bus, TargetM1, CmdGetStatus)
		r.stats.BusyPolls++
		if r.bus.Ready(M1) {
			r.wait(r.timing.RefreshSettle, refreshPowerOff)
		}
	case refreshPowerOff:
		Transmit(r.bus, All, CmdPowerOff)
		r.wait(r.timing.PowerOff, refreshDeepSleep)
	case refreshDeepSleep:
		Transmit(r.bus, All, CmdDeepSleep, DeepSleepCheck)
		r.wait(r.timing.DeepSleep, refreshHandshake)
	case refreshHandshake:
		if err := r.link.Send(TokenReady); err != nil {
			appLog.Error("ready token not sent", err)
		}
		r.step = refreshDone
		return true
	case refreshWait:
		if r.clock.Now().Before(r.deadline) {
			return false
		}
		r.step = r.next
	case refreshDone:
		return true
	}
	return false
}

func (r *Refresher) wait(d time.Duration, next refreshStep) {
	r.deadline = r.clock.Now().Add(d)
	r.next = next
	r.step = refreshWait
}
