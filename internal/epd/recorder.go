package epd

import (
	"fmt"
	"os"
	"path/filepath"

	"epaperbridge/internal/bridge"
	appLog "epaperbridge/internal/log"
)

// Recorder is a software panel bus. Transfers complete immediately, the
// busy line of every segment reads idle after BusyPolls status queries, and
// the traffic is decoded into per-segment command logs. It backs the
// daemon's simulation mode and the package tests.
type Recorder struct {
	// BusyPolls is the number of status queries answered busy after each
	// refresh command.
	BusyPolls int
	// DumpDir, if set, receives the eight planes of every frame as
	// <phase>.bin when the refresh command is issued.
	DumpDir string

	cs  [4]bool
	cmd [4]bool
	cur byte

	log    [4][]bridge.Command
	polls  int
	frames int
}

func (r *Recorder) Select(t bridge.Target) {
	for _, d := range t.Devices() {
		r.cs[d] = true
		r.cmd[d] = true
	}
}

func (r *Recorder) Release(t bridge.Target) {
	for _, d := range t.Devices() {
		r.cs[d] = false
		r.cmd[d] = false
	}
}

func (r *Recorder) Assert(t bridge.Target) {
	for _, d := range t.Devices() {
		r.cs[d] = true
	}
}

func (r *Recorder) Deassert(t bridge.Target) {
	for _, d := range t.Devices() {
		r.cs[d] = false
	}
}

func (r *Recorder) Begin(b byte) {
	r.cur = b
	refresh := false
	for d := range r.cs {
		if !r.cs[d] {
			continue
		}
		if r.cmd[d] {
			if b == bridge.CmdPrimaryPlane && bridge.Device(d) == bridge.M1 {
				// A new frame starts; keep only its traffic.
				r.log = [4][]bridge.Command{}
			}
			r.log[d] = append(r.log[d], bridge.Command{Target: bridge.Device(d).Target(), Code: b})
			switch b {
			case bridge.CmdRefresh:
				refresh = true
			case bridge.CmdGetStatus:
				r.polls++
			}
			continue
		}
		if n := len(r.log[d]); n > 0 {
			r.log[d][n-1].Data = append(r.log[d][n-1].Data, b)
		}
	}
	if refresh {
		r.polls = 0
		r.frames++
		if r.DumpDir != "" {
			if err := r.dump(); err != nil {
				appLog.Error("plane dump failed", err, "dir", r.DumpDir)
			}
		}
	}
}

func (r *Recorder) Done() bool { return true }

func (r *Recorder) Finish() byte { return r.cur }

func (r *Recorder) Ready(bridge.Device) bool {
	return r.polls > r.BusyPolls
}

// Commands returns the commands d has received so far.
func (r *Recorder) Commands(d bridge.Device) []bridge.Command {
	return r.log[d]
}

// Plane returns the payload of the most recent plane command for phase p.
func (r *Recorder) Plane(p bridge.Phase) []byte {
	code := p.Plane().Command()
	cmds := r.log[p.Device()]
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].Code == code {
			return cmds[i].Data
		}
	}
	return nil
}

func (r *Recorder) dump() error {
	if err := os.MkdirAll(r.DumpDir, 0o755); err != nil {
		return err
	}
	for p := bridge.PhaseM1Primary; p < bridge.PhaseRefresh; p++ {
		name := filepath.Join(r.DumpDir, fmt.Sprintf("%d-%s.bin", int(p), p))
		if err := os.WriteFile(name, r.Plane(p), 0o644); err != nil {
			return err
		}
	}
	appLog.Info("frame planes dumped", "dir", r.DumpDir, "frame", r.frames)
	return nil
}
