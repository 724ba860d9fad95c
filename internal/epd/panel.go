package epd

import (
	"epaperbridge/internal/bridge"
	appLog "epaperbridge/internal/log"
)

// Initialize sends the bring-up sequence to bus. The caller resets the panel
// first. The tables are opaque to the bridge core.
func Initialize(bus bridge.Bus, seq []bridge.Command) {
	for _, c := range seq {
		c.Run(bus)
	}
	appLog.Info("panel initialized", "commands", len(seq))
}

func cmd(t bridge.Target, code byte, data ...byte) bridge.Command {
	return bridge.Command{Target: t, Code: code, Data: data}
}

const (
	m1 = bridge.TargetM1
	s1 = bridge.TargetS1
	m2 = bridge.TargetM2
	s2 = bridge.TargetS2
)

// Look-up tables for the waveform. 0x25 reuses the WW table.
var (
	lutVCOM = []byte{
		0x00, 0x10, 0x10, 0x01, 0x08, 0x01, 0x00, 0x06, 0x01, 0x06, 0x01, 0x05,
		0x00, 0x08, 0x01, 0x08, 0x01, 0x06, 0x00, 0x06, 0x01, 0x06, 0x01, 0x05,
		0x00, 0x05, 0x01, 0x1e, 0x0f, 0x06, 0x00, 0x05, 0x01, 0x1e, 0x0f, 0x01,
		0x00, 0x04, 0x05, 0x08, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	lutWW = []byte{
		0x91, 0x10, 0x10, 0x01, 0x08, 0x01, 0x04, 0x06, 0x01, 0x06, 0x01, 0x05,
		0x84, 0x08, 0x01, 0x08, 0x01, 0x06, 0x80, 0x06, 0x01, 0x06, 0x01, 0x05,
		0x00, 0x05, 0x01, 0x1e, 0x0f, 0x06, 0x00, 0x05, 0x01, 0x1e, 0x0f, 0x01,
		0x08, 0x04, 0x05, 0x08, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	lutBW = []byte{
		0xa8, 0x10, 0x10, 0x01, 0x08, 0x01, 0x84, 0x06, 0x01, 0x06, 0x01, 0x05,
		0x84, 0x08, 0x01, 0x08, 0x01, 0x06, 0x86, 0x06, 0x01, 0x06, 0x01, 0x05,
		0x8c, 0x05, 0x01, 0x1e, 0x0f, 0x06, 0x8c, 0x05, 0x01, 0x1e, 0x0f, 0x01,
		0xf0, 0x04, 0x05, 0x08, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	lutWB = lutWW
	lutBB = []byte{
		0x92, 0x10, 0x10, 0x01, 0x08, 0x01, 0x80, 0x06, 0x01, 0x06, 0x01, 0x05,
		0x84, 0x08, 0x01, 0x08, 0x01, 0x06, 0x04, 0x06, 0x01, 0x06, 0x01, 0x05,
		0x00, 0x05, 0x01, 0x1e, 0x0f, 0x06, 0x00, 0x05, 0x01, 0x1e, 0x0f, 0x01,
		0x01, 0x04, 0x05, 0x08, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// DefaultInitSequence configures the panel for two-plane black/white/red
// frames at 1304x984.
var DefaultInitSequence = []bridge.Command{
	// panel setting
	cmd(m1, 0x00, 0x2f),
	cmd(s1, 0x00, 0x2f),
	cmd(m2, 0x00, 0x23),
	cmd(s2, 0x00, 0x23),
	// power setting
	cmd(m1, 0x01, 0x07, 0x17, 0x3f, 0x3f, 0x0d),
	cmd(m2, 0x01, 0x07, 0x17, 0x3f, 0x3f, 0x0d),
	// booster soft start
	cmd(m1, 0x06, 0x17, 0x17, 0x39, 0x17),
	cmd(m2, 0x06, 0x17, 0x17, 0x39, 0x17),
	// resolution: 648 or 656 columns by 492 rows
	cmd(m1, 0x61, 0x02, 0x88, 0x01, 0xec),
	cmd(s1, 0x61, 0x02, 0x90, 0x01, 0xec),
	cmd(m2, 0x61, 0x02, 0x90, 0x01, 0xec),
	cmd(s2, 0x61, 0x02, 0x88, 0x01, 0xec),
	// DUSPI, PLL, VCOM and data interval, TCON
	cmd(bridge.All, 0x15, 0x20),
	cmd(bridge.All, 0x30, 0x08),
	cmd(bridge.All, 0x50, 0x31, 0x07),
	cmd(bridge.All, 0x60, 0x22),
	// cascade power setting
	cmd(m1, 0xe0, 0x01),
	cmd(m2, 0xe0, 0x01),
	cmd(bridge.All, 0xe3, 0x00),
	// VCOM DC
	cmd(m1, 0x82, 0x1c),
	cmd(m2, 0x82, 0x1c),
	cmd(bridge.All, 0x20, lutVCOM...),
	cmd(bridge.All, 0x21, lutWW...),
	cmd(bridge.All, 0x22, lutBW...),
	cmd(bridge.All, 0x23, lutWB...),
	cmd(bridge.All, 0x24, lutBB...),
	cmd(bridge.All, 0x25, lutWW...),
}
