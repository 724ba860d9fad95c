package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	appLog "epaperbridge/internal/log"
)

// Step is the sub-state of a data phase.
type Step uint8

const (
	// StepSelectAndAddress selects the device and starts the plane command.
	StepSelectAndAddress Step = iota
	// StepAwaitAddressAck waits for the command byte to shift out.
	StepAwaitAddressAck
	// StepStreamOrIdle starts the next payload byte if one is buffered.
	StepStreamOrIdle
	// StepAwaitFinalAck waits for a payload byte to shift out.
	StepAwaitFinalAck
)

func (s Step) String() string {
	switch s {
	case StepSelectAndAddress:
		return "select-and-address"
	case StepAwaitAddressAck:
		return "await-address-ack"
	case StepStreamOrIdle:
		return "stream-or-idle"
	case StepAwaitFinalAck:
		return "await-final-ack"
	default:
		return "step?"
	}
}

// State is the schedule position.
type State struct {
	Phase     Phase
	Step      Step
	Remaining int
}

// Config parameterises a Scheduler. Zero fields take defaults.
type Config struct {
	Layout Layout
	Timing Timing
	Clock  clockwork.Clock

	// IdleSleep is slept by Run after a tick that found nothing to do while
	// waiting for a start token or a settle window. It is never applied
	// during data phases.
	IdleSleep time.Duration

	// OnPhase, if set, receives a stats snapshot on every phase change.
	OnPhase func(Stats)
}

// Scheduler is the control loop state machine. It owns the flow buffer and
// the schedule state; Bus and Link are borrowed.
type Scheduler struct {
	bus  Bus
	link Link
	cfg  Config

	buf     FlowBuffer
	state   State
	refresh Refresher
	stats   Stats

	idle          bool
	droppedBefore uint64
}

// New returns a Scheduler idling in PhaseAwaitStart.
func New(bus Bus, link Link, cfg Config) *Scheduler {
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout
	}
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	s := &Scheduler{
		bus:   bus,
		link:  link,
		cfg:   cfg,
		state: State{Phase: PhaseAwaitStart},
	}
	s.refresh = newRefresher(bus, link, cfg.Clock, cfg.Timing, &s.stats)
	return s
}

// State returns the current schedule position.
func (s *Scheduler) State() State {
	return s.state
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	st := s.stats
	st.Phase = s.state.Phase
	st.PhaseName = s.state.Phase.String()
	st.Buffered = s.buf.Len()
	st.Dropped = s.buf.Dropped()
	return st
}

// Idle reports whether the last tick found no work: no start token while
// waiting, or a settle window still running.
func (s *Scheduler) Idle() bool {
	return s.idle
}

// Run announces readiness to the host and ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.link.Send(TokenReady); err != nil {
		return fmt.Errorf("bridge: send ready token: %w", err)
	}
	appLog.Info("bridge ready", "frame_bytes", s.cfg.Layout.FrameBytes())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.Tick()
		if s.idle && s.cfg.IdleSleep > 0 {
			s.cfg.Clock.Sleep(s.cfg.IdleSleep)
		}
	}
}

// Tick performs one unit of work for the current phase.
func (s *Scheduler) Tick() {
	s.idle = false
	switch {
	case s.state.Phase.IsData():
		s.ingest()
		s.stream()
	case s.state.Phase == PhaseRefresh:
		if s.refresh.Step() {
			s.completeFrame()
		} else {
			s.idle = s.refresh.Waiting()
		}
	case s.state.Phase == PhaseAwaitStart:
		s.awaitStart()
	}
}

func (s *Scheduler) ingest() {
	if b, ok := s.link.Poll(); ok {
		s.buf.TryPush(b)
	}
}

func (s *Scheduler) stream() {
	dev := s.state.Phase.Device()
	t := dev.Target()

	switch s.state.Step {
	case StepSelectAndAddress:
		s.state.Remaining = s.cfg.Layout.PlaneBytes(dev)
		s.bus.Select(t)
		s.bus.Begin(s.state.Phase.Plane().Command())
		s.state.Step = StepAwaitAddressAck

	case StepAwaitAddressAck:
		if !s.bus.Done() {
			return
		}
		s.bus.Finish()
		s.bus.Release(t)
		s.state.Step = StepStreamOrIdle

	case StepStreamOrIdle:
		if s.state.Remaining == 0 {
			s.completePhase(t)
			return
		}
		s.sendNext(t)

	case StepAwaitFinalAck:
		if !s.bus.Done() {
			return
		}
		s.bus.Finish()
		s.bus.Deassert(t)
		if s.state.Remaining == 0 {
			s.completePhase(t)
			return
		}
		s.state.Step = StepStreamOrIdle
		s.sendNext(t)
	}
}

// sendNext starts the next payload byte if one is buffered. Otherwise the
// bus side waits in StepStreamOrIdle while ingestion carries on.
func (s *Scheduler) sendNext(t Target) {
	b, ok := s.buf.TryPop()
	if !ok {
		return
	}
	s.bus.Assert(t)
	s.bus.Begin(b)
	s.state.Remaining--
	s.stats.Forwarded++
	s.state.Step = StepAwaitFinalAck
}

func (s *Scheduler) completePhase(t Target) {
	s.bus.Release(t)
	next := s.state.Phase + 1
	s.state.Step = StepSelectAndAddress
	s.state.Remaining = 0
	if next == PhaseRefresh {
		s.refresh.Begin()
	}
	s.enter(next)
}

func (s *Scheduler) completeFrame() {
	s.stats.Frames++
	if d := s.buf.Dropped() - s.droppedBefore; d > 0 {
		appLog.Warn("flow buffer overflowed during frame", "dropped", d)
	}
	appLog.Info("frame displayed", "frames", s.stats.Frames, "busy_polls", s.stats.BusyPolls)
	s.enter(PhaseAwaitStart)
}

func (s *Scheduler) awaitStart() {
	b, ok := s.link.Poll()
	if !ok {
		s.idle = true
		return
	}
	if b != TokenReady {
		s.stats.Ignored++
		return
	}
	s.buf.Reset()
	s.droppedBefore = s.buf.Dropped()
	s.state = State{Phase: PhaseM1Primary, Step: StepSelectAndAddress}
	s.enter(PhaseM1Primary)
}

func (s *Scheduler) enter(p Phase) {
	s.state.Phase = p
	appLog.Debug("phase", "phase", p, "buffered", s.buf.Len())
	if s.cfg.OnPhase != nil {
		s.cfg.OnPhase(s.Stats())
	}
}
