// Package bridge implements the forwarding and sequencing engine that relays
// a host byte stream onto the command bus of a four-segment e-paper panel.
//
// The engine is strictly cooperative: Scheduler.Tick performs one unit of
// work and returns. Host ingestion and bus shifting are interleaved tick by
// tick so that neither side ever blocks the other.
package bridge

import "strings"

// Device is one addressable panel segment. M1+S1 form the lower half of the
// panel, M2+S2 the upper half.
type Device uint8

const (
	M1 Device = iota
	S1
	M2
	S2
	numDevices
)

var deviceNames = [numDevices]string{"m1", "s1", "m2", "s2"}

func (d Device) String() string {
	if d < numDevices {
		return deviceNames[d]
	}
	return "device?"
}

// Target returns the single-device target set for d.
func (d Device) Target() Target {
	return Target(1) << d
}

// ParseDevice maps "m1", "s1", "m2", "s2" (case-insensitive) to a Device.
func ParseDevice(s string) (Device, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range deviceNames {
		if n == s {
			return Device(i), true
		}
	}
	return 0, false
}

// Target is a set of devices addressed together by one bus transaction.
// Broadcast commands select several chip-selects at once.
type Target uint8

const (
	TargetM1 = Target(1) << M1
	TargetS1 = Target(1) << S1
	TargetM2 = Target(1) << M2
	TargetS2 = Target(1) << S2

	// Masters is the paired form used for the power-on trigger.
	Masters = TargetM1 | TargetM2
	// All addresses every segment.
	All = TargetM1 | TargetS1 | TargetM2 | TargetS2
)

// Has reports whether d is part of t.
func (t Target) Has(d Device) bool {
	return t&d.Target() != 0
}

// Devices lists the members of t in M1, S1, M2, S2 order.
func (t Target) Devices() []Device {
	var out []Device
	for d := M1; d < numDevices; d++ {
		if t.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (t Target) String() string {
	if t == All {
		return "all"
	}
	var parts []string
	for _, d := range t.Devices() {
		parts = append(parts, d.String())
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Plane identifies one of the two bit-planes of a frame.
type Plane uint8

const (
	Primary Plane = iota
	Secondary
)

func (p Plane) String() string {
	if p == Primary {
		return "primary"
	}
	return "secondary"
}

// Command returns the data-start command selecting the plane register.
func (p Plane) Command() byte {
	if p == Primary {
		return CmdPrimaryPlane
	}
	return CmdSecondaryPlane
}

// Panel controller commands used by the core.
const (
	CmdPowerOn        byte = 0x04
	CmdRefresh        byte = 0x12
	CmdGetStatus      byte = 0x71
	CmdPowerOff       byte = 0x02
	CmdDeepSleep      byte = 0x07
	CmdPrimaryPlane   byte = 0x10
	CmdSecondaryPlane byte = 0x13
	DeepSleepCheck    byte = 0xa5
)

// TokenReady is the single handshake byte. The device sends it when ready
// for a frame; the host sends it to begin one.
const TokenReady byte = 'r'

// Phase is one step of the ten-phase frame schedule.
type Phase uint8

const (
	PhaseM1Primary Phase = iota
	PhaseM1Secondary
	PhaseS1Primary
	PhaseS1Secondary
	PhaseM2Primary
	PhaseM2Secondary
	PhaseS2Primary
	PhaseS2Secondary
	PhaseRefresh
	PhaseAwaitStart

	// DataPhases is the number of plane transfer phases.
	DataPhases = int(PhaseRefresh)
)

// IsData reports whether p streams plane bytes.
func (p Phase) IsData() bool {
	return p < PhaseRefresh
}

// Device returns the segment written during data phase p.
func (p Phase) Device() Device {
	return Device(p / 2)
}

// Plane returns the bit-plane written during data phase p.
func (p Phase) Plane() Plane {
	return Plane(p % 2)
}

func (p Phase) String() string {
	switch {
	case p.IsData():
		return p.Device().String() + "-" + p.Plane().String()
	case p == PhaseRefresh:
		return "refresh"
	case p == PhaseAwaitStart:
		return "await-start"
	default:
		return "phase?"
	}
}

// Layout holds the per-device plane byte counts. Masters and slaves split
// the pixel columns unequally, so counts differ per device.
type Layout [numDevices]int

// DefaultLayout is the 1304x984 panel: 492 rows per half, 81 bytes of
// columns for M1/S2 and 82 for S1/M2.
var DefaultLayout = Layout{
	M1: 492 * 81,
	S1: 492 * 82,
	M2: 492 * 82,
	S2: 492 * 81,
}

// PlaneBytes returns the byte count of one plane of d.
func (l Layout) PlaneBytes(d Device) int {
	return l[d]
}

// FrameBytes is the number of bytes the host sends per frame.
func (l Layout) FrameBytes() int {
	n := 0
	for _, c := range l {
		n += 2 * c
	}
	return n
}
