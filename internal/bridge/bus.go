package bridge

// Bus is the panel command bus: one shared synchronous shift register plus
// per-device chip-select lines and per-half data/command lines.
//
// A transfer is split in Begin, Done and Finish so that the control loop can
// keep servicing the host link while a byte is shifted out. Finish must be
// called exactly once per Begin, and only after Done reported true.
type Bus interface {
	// Select asserts chip-select and the command line for every device in
	// t. The next transfer is a command byte.
	Select(t Target)
	// Release deasserts chip-select and the command line for t. After an
	// address byte this switches t into payload mode; after payload it
	// deselects t.
	Release(t Target)
	// Assert lowers only chip-select for t, framing one payload byte.
	Assert(t Target)
	// Deassert raises only chip-select for t.
	Deassert(t Target)

	Begin(b byte)
	Done() bool
	Finish() byte

	// Ready reports whether the busy line of d reads idle.
	Ready(d Device) bool
}

// Link is the host byte stream.
type Link interface {
	// Poll returns a received byte if one is pending. It never blocks.
	Poll() (byte, bool)
	// Send transmits a single byte. It may block; it is only used for the
	// handshake token.
	Send(b byte) error
}

// Command is one bus command with its payload, addressed to a set of
// devices. Panel bring-up tables are lists of Commands.
type Command struct {
	Target Target
	Code   byte
	Data   []byte
}

// Transmit sends cmd followed by its payload to t and waits for every byte
// to be shifted out. It is used outside the streaming hot path: bring-up,
// refresh and status polling.
func Transmit(bus Bus, t Target, cmd byte, data ...byte) {
	bus.Select(t)
	transfer(bus, cmd)
	bus.Release(t)
	for _, b := range data {
		bus.Assert(t)
		transfer(bus, b)
		bus.Deassert(t)
	}
}

// Run sends c on bus.
func (c Command) Run(bus Bus) {
	Transmit(bus, c.Target, c.Code, c.Data...)
}

func transfer(bus Bus, b byte) byte {
	bus.Begin(b)
	for !bus.Done() {
	}
	return bus.Finish()
}
