package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"epaperbridge/internal/bridge"
	"epaperbridge/internal/epd"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := c.Layout(); got != bridge.DefaultLayout {
		t.Errorf("Layout() = %v, want %v", got, bridge.DefaultLayout)
	}
	if got := c.BridgeTiming(); got != bridge.DefaultTiming {
		t.Errorf("BridgeTiming() = %+v, want %+v", got, bridge.DefaultTiming)
	}
	if got := c.PinMap(); got != epd.DefaultPinMap {
		t.Errorf("PinMap() = %+v, want %+v", got, epd.DefaultPinMap)
	}
	if c.Serial.Baud != 2_000_000 || c.Serial.Device != "/dev/ttyAMA0" {
		t.Errorf("serial = %+v", c.Serial)
	}
	if c.ResetHold() != 200*time.Millisecond || c.IdleSleep() != 100*time.Microsecond {
		t.Errorf("reset hold %v, idle sleep %v", c.ResetHold(), c.IdleSleep())
	}
	seq, err := c.Sequence()
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != len(epd.DefaultInitSequence) {
		t.Errorf("Sequence() has %d commands, want the built-in %d", len(seq), len(epd.DefaultInitSequence))
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Panel.Rows != 492 {
		t.Errorf("rows = %d", c.Panel.Rows)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", st.Mode().Perm())
	}
}

func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
serial:
  device: /dev/ttyUSB1
panel:
  columns:
    s1: 80
timing:
  power_on_ms: 50
log_level: debug
status:
  listen: 127.0.0.1:9000
  basic_auth:
    username: admin
    password: ""
init_sequence:
  - targets: [m1, s2]
    command: 0x00
    data: [0x2f]
  - targets: [all]
    command: 0x50
    data: [0x31, 7]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Serial.Device != "/dev/ttyUSB1" || c.Serial.Baud != 2_000_000 {
		t.Errorf("serial = %+v", c.Serial)
	}
	if got := c.Layout().PlaneBytes(bridge.S1); got != 492*80 {
		t.Errorf("S1 plane = %d bytes", got)
	}
	if got := c.BridgeTiming().PowerOn; got != 50*time.Millisecond {
		t.Errorf("power on = %v", got)
	}
	if c.Status.BasicAuth != nil {
		t.Error("basic auth with empty password left enabled")
	}
	seq, err := c.Sequence()
	if err != nil {
		t.Fatal(err)
	}
	if len(seq) != 2 {
		t.Fatalf("Sequence() = %+v", seq)
	}
	if seq[0].Target != bridge.TargetM1|bridge.TargetS2 || seq[0].Code != 0x00 || seq[0].Data[0] != 0x2f {
		t.Errorf("first command = %+v", seq[0])
	}
	if seq[1].Target != bridge.All || seq[1].Code != 0x50 || len(seq[1].Data) != 2 || seq[1].Data[1] != 7 {
		t.Errorf("second command = %+v", seq[1])
	}
}

func TestZeroPinSelectsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
pins:
  m1_cs: 0
  s1_cs: 12
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	pins := c.PinMap()
	if pins.CS[bridge.M1] != epd.DefaultPinMap.CS[bridge.M1] {
		t.Errorf("m1_cs = %d, want default %d", pins.CS[bridge.M1], epd.DefaultPinMap.CS[bridge.M1])
	}
	if pins.CS[bridge.S1] != 12 {
		t.Errorf("s1_cs = %d, want 12", pins.CS[bridge.S1])
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	c := DefaultConfig()
	c.Status.Listen = ":8081"
	c.Pins.M1CS = 12
	if err := Save(path, c); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status.Listen != ":8081" || got.Pins.M1CS != 12 {
		t.Errorf("loaded %+v", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative baud", func(c *Config) { c.Serial.Baud = -1 }},
		{"negative rows", func(c *Config) { c.Panel.Rows = -1 }},
		{"negative columns", func(c *Config) { c.Panel.Columns.M2 = -82 }},
		{"negative timing", func(c *Config) { c.Timing.PowerOffMs = -1 }},
		{"duplicate pin", func(c *Config) { c.Pins.S2Busy = c.Pins.M1Busy }},
		{"unknown target", func(c *Config) {
			c.InitSequence = []InitCommand{{Targets: []string{"m3"}, Command: 1}}
		}},
		{"no targets", func(c *Config) {
			c.InitSequence = []InitCommand{{Command: 1}}
		}},
		{"data out of range", func(c *Config) {
			c.InitSequence = []InitCommand{{Targets: []string{"m1"}, Command: 1, Data: []int{256}}}
		}},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}
