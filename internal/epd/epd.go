// Package epd drives the command bus of the Waveshare 12.48" four-segment
// e-paper panel through periph.io: one SPI port shared by all segments, a
// chip-select line per segment, a data/command line and a reset line per
// half, and a busy input per segment.
//
// Dev implements bridge.Bus. SPI transfers run on a worker goroutine so that
// Begin returns immediately and the control loop polls Done.
package epd

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"epaperbridge/internal/bridge"
	appLog "epaperbridge/internal/log"
)

// PinMap holds BCM GPIO numbers, indexed by bridge.Device for per-segment
// lines and by half (0 = M1/S1, 1 = M2/S2) for shared lines.
type PinMap struct {
	CS    [4]int
	DC    [2]int
	Reset [2]int
	Busy  [4]int
}

// DefaultPinMap is the Waveshare HAT wiring on a Raspberry Pi.
var DefaultPinMap = PinMap{
	CS:    [4]int{8, 7, 17, 18},
	DC:    [2]int{13, 22},
	Reset: [2]int{6, 23},
	Busy:  [4]int{5, 19, 27, 24},
}

// Options configure Open.
type Options struct {
	// Port is the periph SPI port name; "" opens the first one.
	Port    string
	SpeedHz int64
	Pins    PinMap
	// ResetHold is the reset pulse settle time.
	ResetHold time.Duration
	Clock     clockwork.Clock
}

// Pins are the resolved GPIO lines of the panel.
type Pins struct {
	CS    [4]gpio.PinOut
	DC    [2]gpio.PinOut
	Reset [2]gpio.PinOut
	Busy  [4]gpio.PinIn
}

// Dev is the periph-backed panel bus.
type Dev struct {
	conn  spi.Conn
	port  spi.PortCloser
	pins  Pins
	clock clockwork.Clock
	hold  time.Duration

	req  chan byte
	resp chan byte
	wg   sync.WaitGroup

	inFlight bool
	done     bool
	last     byte

	errMu sync.Mutex
	err   error
}

// Open initializes periph, opens the SPI port, resolves all GPIO lines and
// returns a ready Dev.
func Open(opts Options) (*Dev, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open(opts.Port)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port: %w", err)
	}
	speed := opts.SpeedHz
	if speed <= 0 {
		speed = 2_000_000
	}
	conn, err := port.Connect(physic.Frequency(speed)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	pins, err := resolvePins(opts.Pins)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	d, err := New(conn, pins, opts.Clock)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	d.port = port
	if opts.ResetHold > 0 {
		d.hold = opts.ResetHold
	}
	return d, nil
}

func resolvePins(m PinMap) (Pins, error) {
	var p Pins
	byNum := func(num int) (gpio.PinIO, error) {
		name := fmt.Sprintf("GPIO%d", num)
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("epd: gpio %s not found", name)
		}
		return pin, nil
	}
	var err error
	for i, n := range m.CS {
		if p.CS[i], err = byNum(n); err != nil {
			return p, err
		}
	}
	for i, n := range m.DC {
		if p.DC[i], err = byNum(n); err != nil {
			return p, err
		}
	}
	for i, n := range m.Reset {
		if p.Reset[i], err = byNum(n); err != nil {
			return p, err
		}
	}
	for i, n := range m.Busy {
		if p.Busy[i], err = byNum(n); err != nil {
			return p, err
		}
	}
	return p, nil
}

// New wraps an already connected SPI conn and resolved pins. Chip-select and
// data/command lines start released, reset is held asserted until Reset.
func New(conn spi.Conn, pins Pins, clock clockwork.Clock) (*Dev, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	for i, p := range pins.CS {
		if err := p.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("epd: cs %d: %w", i, err)
		}
	}
	for i, p := range pins.DC {
		if err := p.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("epd: dc %d: %w", i, err)
		}
	}
	for i, p := range pins.Reset {
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("epd: reset %d: %w", i, err)
		}
	}
	for i, p := range pins.Busy {
		if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("epd: busy %d: %w", i, err)
		}
	}

	d := &Dev{
		conn:  conn,
		pins:  pins,
		clock: clock,
		hold:  200 * time.Millisecond,
		req:   make(chan byte, 1),
		resp:  make(chan byte, 1),
	}
	d.wg.Add(1)
	go d.shift()
	return d, nil
}

// shift performs queued transfers one at a time.
func (d *Dev) shift() {
	defer d.wg.Done()
	for b := range d.req {
		if err := d.conn.Tx([]byte{b}, nil); err != nil {
			d.setErr(err)
		}
		// The panel bus is write-only; nothing is clocked back.
		d.resp <- 0
	}
}

func (d *Dev) setErr(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.err == nil {
		d.err = err
		appLog.Error("spi transfer failed", err)
	}
}

// Err returns the first SPI error seen, if any.
func (d *Dev) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// Close stops the transfer worker and releases the SPI port.
func (d *Dev) Close() error {
	if d.inFlight {
		for !d.Done() {
		}
		d.Finish()
	}
	close(d.req)
	d.wg.Wait()
	if d.port != nil {
		return d.port.Close()
	}
	return nil
}

// Reset pulses both reset lines: release, assert, release, waiting the
// configured hold time around each edge.
func (d *Dev) Reset() {
	for _, p := range d.pins.Reset {
		_ = p.Out(gpio.High)
	}
	d.clock.Sleep(d.hold)
	for _, p := range d.pins.Reset {
		_ = p.Out(gpio.Low)
	}
	d.clock.Sleep(10 * time.Millisecond)
	for _, p := range d.pins.Reset {
		_ = p.Out(gpio.High)
	}
	d.clock.Sleep(d.hold)
}

func half(dev bridge.Device) int {
	return int(dev) / 2
}

func (d *Dev) Select(t bridge.Target) {
	for _, dev := range t.Devices() {
		_ = d.pins.DC[half(dev)].Out(gpio.Low)
		_ = d.pins.CS[dev].Out(gpio.Low)
	}
}

func (d *Dev) Release(t bridge.Target) {
	for _, dev := range t.Devices() {
		_ = d.pins.CS[dev].Out(gpio.High)
		_ = d.pins.DC[half(dev)].Out(gpio.High)
	}
}

func (d *Dev) Assert(t bridge.Target) {
	for _, dev := range t.Devices() {
		_ = d.pins.CS[dev].Out(gpio.Low)
	}
}

func (d *Dev) Deassert(t bridge.Target) {
	for _, dev := range t.Devices() {
		_ = d.pins.CS[dev].Out(gpio.High)
	}
}

// Begin queues b for transfer. Calling Begin with a transfer still in
// flight is a programming error.
func (d *Dev) Begin(b byte) {
	if d.inFlight {
		panic(errors.New("epd: Begin with a transfer in flight"))
	}
	d.inFlight = true
	d.done = false
	d.req <- b
}

func (d *Dev) Done() bool {
	if !d.inFlight {
		return false
	}
	if d.done {
		return true
	}
	select {
	case v := <-d.resp:
		d.last = v
		d.done = true
		return true
	default:
		return false
	}
}

func (d *Dev) Finish() byte {
	d.inFlight = false
	d.done = false
	return d.last
}

// Ready reports whether the busy line of dev is high (idle).
func (d *Dev) Ready(dev bridge.Device) bool {
	return d.pins.Busy[dev].Read() == gpio.High
}
