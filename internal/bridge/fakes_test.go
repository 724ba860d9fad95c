package bridge

import "errors"

// fakeBus models chip-select and command lines per device and decodes the
// traffic into per-device command lists.
type fakeBus struct {
	// latency is the number of Done polls before a transfer completes.
	latency int
	// busyPolls is how many status queries report busy before idle.
	busyPolls int

	cs  [numDevices]bool
	cmd [numDevices]bool

	inFlight bool
	finished bool
	polls    int
	cur      byte

	log      [numDevices][]Command
	statuses int
	begins   int
	finishes int
	errs     []error
}

func (b *fakeBus) Select(t Target) {
	for _, d := range t.Devices() {
		b.cs[d] = true
		b.cmd[d] = true
	}
}

func (b *fakeBus) Release(t Target) {
	for _, d := range t.Devices() {
		b.cs[d] = false
		b.cmd[d] = false
	}
}

func (b *fakeBus) Assert(t Target) {
	for _, d := range t.Devices() {
		b.cs[d] = true
	}
}

func (b *fakeBus) Deassert(t Target) {
	for _, d := range t.Devices() {
		b.cs[d] = false
	}
}

func (b *fakeBus) Begin(v byte) {
	if b.inFlight {
		b.errs = append(b.errs, errors.New("begin while a transfer is in flight"))
	}
	b.inFlight = true
	b.finished = false
	b.polls = 0
	b.cur = v
	b.begins++

	for d := M1; d < numDevices; d++ {
		if !b.cs[d] {
			continue
		}
		if b.cmd[d] {
			b.log[d] = append(b.log[d], Command{Target: d.Target(), Code: v})
			if v == CmdGetStatus && d == M1 {
				b.statuses++
			}
			continue
		}
		n := len(b.log[d])
		if n == 0 {
			b.errs = append(b.errs, errors.New("payload before any command"))
			continue
		}
		b.log[d][n-1].Data = append(b.log[d][n-1].Data, v)
	}
}

func (b *fakeBus) Done() bool {
	if !b.inFlight {
		return false
	}
	if b.polls < b.latency {
		b.polls++
		return false
	}
	b.finished = true
	return true
}

func (b *fakeBus) Finish() byte {
	if !b.inFlight || !b.finished {
		b.errs = append(b.errs, errors.New("finish without completed transfer"))
	}
	b.inFlight = false
	b.finishes++
	return 0
}

func (b *fakeBus) Ready(d Device) bool {
	return b.statuses > b.busyPolls
}

// payload returns the data written after each occurrence of code on d.
func (b *fakeBus) payload(d Device, code byte) [][]byte {
	var out [][]byte
	for _, c := range b.log[d] {
		if c.Code == code {
			out = append(out, c.Data)
		}
	}
	return out
}

func (b *fakeBus) codes(d Device) []byte {
	var out []byte
	for _, c := range b.log[d] {
		out = append(out, c.Code)
	}
	return out
}

// fakeLink delivers at most one queued byte per Poll.
type fakeLink struct {
	rx   []byte
	sent []byte
	err  error
}

func (l *fakeLink) Poll() (byte, bool) {
	if len(l.rx) == 0 {
		return 0, false
	}
	b := l.rx[0]
	l.rx = l.rx[1:]
	return b, true
}

func (l *fakeLink) Send(b byte) error {
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, b)
	return nil
}

func (l *fakeLink) feed(b ...byte) {
	l.rx = append(l.rx, b...)
}

func sequence(n int, start byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = start + byte(i)
	}
	return out
}
