package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"epaperbridge/internal/bridge"
	"epaperbridge/internal/epd"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/epaperbridge/config.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// SerialConfig describes the host link.
type SerialConfig struct {
	Device string `yaml:"device" json:"device"`
	Baud   int    `yaml:"baud" json:"baud"`
}

// SPIConfig describes the panel bus.
type SPIConfig struct {
	// Port is the periph SPI port name; empty selects the first port.
	Port    string `yaml:"port" json:"port"`
	SpeedHz int64  `yaml:"speed_hz" json:"speed_hz"`
}

// PinConfig holds BCM GPIO numbers. Zero means the HAT default, so GPIO0
// cannot be assigned to any line.
type PinConfig struct {
	M1CS    int `yaml:"m1_cs" json:"m1_cs"`
	S1CS    int `yaml:"s1_cs" json:"s1_cs"`
	M2CS    int `yaml:"m2_cs" json:"m2_cs"`
	S2CS    int `yaml:"s2_cs" json:"s2_cs"`
	M1S1DC  int `yaml:"m1s1_dc" json:"m1s1_dc"`
	M2S2DC  int `yaml:"m2s2_dc" json:"m2s2_dc"`
	M1S1RST int `yaml:"m1s1_rst" json:"m1s1_rst"`
	M2S2RST int `yaml:"m2s2_rst" json:"m2s2_rst"`
	M1Busy  int `yaml:"m1_busy" json:"m1_busy"`
	S1Busy  int `yaml:"s1_busy" json:"s1_busy"`
	M2Busy  int `yaml:"m2_busy" json:"m2_busy"`
	S2Busy  int `yaml:"s2_busy" json:"s2_busy"`
}

// Columns holds the plane width of each segment in bytes.
type Columns struct {
	M1 int `yaml:"m1" json:"m1"`
	S1 int `yaml:"s1" json:"s1"`
	M2 int `yaml:"m2" json:"m2"`
	S2 int `yaml:"s2" json:"s2"`
}

// PanelConfig describes the plane geometry.
type PanelConfig struct {
	Rows    int     `yaml:"rows" json:"rows"`
	Columns Columns `yaml:"columns" json:"columns"`
}

// TimingConfig holds the panel delays.
type TimingConfig struct {
	ResetMs         int `yaml:"reset_ms" json:"reset_ms"`
	PowerOnMs       int `yaml:"power_on_ms" json:"power_on_ms"`
	RefreshSettleMs int `yaml:"refresh_settle_ms" json:"refresh_settle_ms"`
	PowerOffMs      int `yaml:"power_off_ms" json:"power_off_ms"`
	DeepSleepMs     int `yaml:"deep_sleep_ms" json:"deep_sleep_ms"`
	// IdleSleepUs is the back-off of the control loop while it has nothing
	// to do outside data phases.
	IdleSleepUs int `yaml:"idle_sleep_us" json:"idle_sleep_us"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// StatusConfig configures the HTTP status server.
type StatusConfig struct {
	// Listen is the HTTP listen address; empty disables the server.
	Listen string `yaml:"listen" json:"listen"`
	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// InitCommand is one panel bring-up command.
type InitCommand struct {
	Targets []string `yaml:"targets" json:"targets"`
	Command int      `yaml:"command" json:"command"`
	Data    []int    `yaml:"data,omitempty" json:"data,omitempty"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Serial   SerialConfig `yaml:"serial" json:"serial"`
	SPI      SPIConfig    `yaml:"spi" json:"spi"`
	Pins     PinConfig    `yaml:"pins" json:"pins"`
	Panel    PanelConfig  `yaml:"panel" json:"panel"`
	Timing   TimingConfig `yaml:"timing" json:"timing"`
	Status   StatusConfig `yaml:"status" json:"status"`
	LogLevel string       `yaml:"log_level" json:"log_level"`

	// InitSequence replaces the built-in bring-up tables when non-empty.
	InitSequence []InitCommand `yaml:"init_sequence,omitempty" json:"init_sequence,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Serial.Device == "" {
		c.Serial.Device = "/dev/ttyAMA0"
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 2_000_000
	}
	if c.SPI.SpeedHz == 0 {
		c.SPI.SpeedHz = 2_000_000
	}

	p := epd.DefaultPinMap
	setDefault(&c.Pins.M1CS, p.CS[bridge.M1])
	setDefault(&c.Pins.S1CS, p.CS[bridge.S1])
	setDefault(&c.Pins.M2CS, p.CS[bridge.M2])
	setDefault(&c.Pins.S2CS, p.CS[bridge.S2])
	setDefault(&c.Pins.M1S1DC, p.DC[0])
	setDefault(&c.Pins.M2S2DC, p.DC[1])
	setDefault(&c.Pins.M1S1RST, p.Reset[0])
	setDefault(&c.Pins.M2S2RST, p.Reset[1])
	setDefault(&c.Pins.M1Busy, p.Busy[bridge.M1])
	setDefault(&c.Pins.S1Busy, p.Busy[bridge.S1])
	setDefault(&c.Pins.M2Busy, p.Busy[bridge.M2])
	setDefault(&c.Pins.S2Busy, p.Busy[bridge.S2])

	setDefault(&c.Panel.Rows, 492)
	setDefault(&c.Panel.Columns.M1, 81)
	setDefault(&c.Panel.Columns.S1, 82)
	setDefault(&c.Panel.Columns.M2, 82)
	setDefault(&c.Panel.Columns.S2, 81)

	setDefault(&c.Timing.ResetMs, 200)
	setDefault(&c.Timing.PowerOnMs, 300)
	setDefault(&c.Timing.RefreshSettleMs, 300)
	setDefault(&c.Timing.PowerOffMs, 300)
	setDefault(&c.Timing.DeepSleepMs, 300)
	setDefault(&c.Timing.IdleSleepUs, 100)

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	// Empty credentials disable auth.
	if a := c.Status.BasicAuth; a != nil && (a.Username == "" || a.Password == "") {
		c.Status.BasicAuth = nil
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate reports the first problem that would keep the daemon from
// driving the panel. The error wraps ErrInvalid.
func (c *Config) Validate() error {
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("%w: serial.baud must be positive, got %d", ErrInvalid, c.Serial.Baud)
	}
	if c.SPI.SpeedHz <= 0 {
		return fmt.Errorf("%w: spi.speed_hz must be positive, got %d", ErrInvalid, c.SPI.SpeedHz)
	}
	if c.Panel.Rows <= 0 {
		return fmt.Errorf("%w: panel.rows must be positive, got %d", ErrInvalid, c.Panel.Rows)
	}
	cols := c.columns()
	for d, n := range cols {
		if n <= 0 {
			return fmt.Errorf("%w: panel.columns.%s must be positive, got %d", ErrInvalid, bridge.Device(d), n)
		}
	}
	t := c.Timing
	for name, v := range map[string]int{
		"reset_ms":          t.ResetMs,
		"power_on_ms":       t.PowerOnMs,
		"refresh_settle_ms": t.RefreshSettleMs,
		"power_off_ms":      t.PowerOffMs,
		"deep_sleep_ms":     t.DeepSleepMs,
		"idle_sleep_us":     t.IdleSleepUs,
	} {
		if v < 0 {
			return fmt.Errorf("%w: timing.%s must not be negative", ErrInvalid, name)
		}
	}
	if err := c.validatePins(); err != nil {
		return err
	}
	if _, err := c.Sequence(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}

func (c *Config) validatePins() error {
	seen := map[int]string{}
	for _, p := range []struct {
		name string
		num  int
	}{
		{"m1_cs", c.Pins.M1CS}, {"s1_cs", c.Pins.S1CS}, {"m2_cs", c.Pins.M2CS}, {"s2_cs", c.Pins.S2CS},
		{"m1s1_dc", c.Pins.M1S1DC}, {"m2s2_dc", c.Pins.M2S2DC},
		{"m1s1_rst", c.Pins.M1S1RST}, {"m2s2_rst", c.Pins.M2S2RST},
		{"m1_busy", c.Pins.M1Busy}, {"s1_busy", c.Pins.S1Busy}, {"m2_busy", c.Pins.M2Busy}, {"s2_busy", c.Pins.S2Busy},
	} {
		if p.num < 0 {
			return fmt.Errorf("%w: pins.%s must not be negative", ErrInvalid, p.name)
		}
		if other, ok := seen[p.num]; ok {
			return fmt.Errorf("%w: pins.%s and pins.%s share GPIO%d", ErrInvalid, other, p.name, p.num)
		}
		seen[p.num] = p.name
	}
	return nil
}

func (c *Config) columns() [4]int {
	return [4]int{
		bridge.M1: c.Panel.Columns.M1,
		bridge.S1: c.Panel.Columns.S1,
		bridge.M2: c.Panel.Columns.M2,
		bridge.S2: c.Panel.Columns.S2,
	}
}

// Layout returns the plane byte count of every segment.
func (c *Config) Layout() bridge.Layout {
	var l bridge.Layout
	for d, n := range c.columns() {
		l[d] = c.Panel.Rows * n
	}
	return l
}

// BridgeTiming returns the refresh settle windows.
func (c *Config) BridgeTiming() bridge.Timing {
	return bridge.Timing{
		PowerOn:       ms(c.Timing.PowerOnMs),
		RefreshSettle: ms(c.Timing.RefreshSettleMs),
		PowerOff:      ms(c.Timing.PowerOffMs),
		DeepSleep:     ms(c.Timing.DeepSleepMs),
	}
}

// ResetHold returns the reset pulse settle time.
func (c *Config) ResetHold() time.Duration { return ms(c.Timing.ResetMs) }

// IdleSleep returns the control loop back-off.
func (c *Config) IdleSleep() time.Duration {
	return time.Duration(c.Timing.IdleSleepUs) * time.Microsecond
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// PinMap returns the GPIO wiring.
func (c *Config) PinMap() epd.PinMap {
	p := c.Pins
	return epd.PinMap{
		CS:    [4]int{p.M1CS, p.S1CS, p.M2CS, p.S2CS},
		DC:    [2]int{p.M1S1DC, p.M2S2DC},
		Reset: [2]int{p.M1S1RST, p.M2S2RST},
		Busy:  [4]int{p.M1Busy, p.S1Busy, p.M2Busy, p.S2Busy},
	}
}

// Sequence returns the panel bring-up commands: the configured list, or the
// built-in tables when none is configured.
func (c *Config) Sequence() ([]bridge.Command, error) {
	if len(c.InitSequence) == 0 {
		return epd.DefaultInitSequence, nil
	}
	out := make([]bridge.Command, 0, len(c.InitSequence))
	for i, ic := range c.InitSequence {
		var t bridge.Target
		for _, name := range ic.Targets {
			if strings.EqualFold(strings.TrimSpace(name), "all") {
				t |= bridge.All
				continue
			}
			d, ok := bridge.ParseDevice(name)
			if !ok {
				return nil, fmt.Errorf("%w: init_sequence[%d]: unknown target %q", ErrInvalid, i, name)
			}
			t |= d.Target()
		}
		if t == 0 {
			return nil, fmt.Errorf("%w: init_sequence[%d]: no targets", ErrInvalid, i)
		}
		code, err := toByte(ic.Command)
		if err != nil {
			return nil, fmt.Errorf("%w: init_sequence[%d].command: %v", ErrInvalid, i, err)
		}
		data := make([]byte, len(ic.Data))
		for j, v := range ic.Data {
			if data[j], err = toByte(v); err != nil {
				return nil, fmt.Errorf("%w: init_sequence[%d].data[%d]: %v", ErrInvalid, i, j, err)
			}
		}
		out = append(out, bridge.Command{Target: t, Code: code, Data: data})
	}
	return out, nil
}

func toByte(v int) (byte, error) {
	if v < 0 || v > 0xff {
		return 0, fmt.Errorf("%d out of byte range", v)
	}
	return byte(v), nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and returned.
//   - Otherwise the YAML is unmarshalled and defaults are filled in.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename, with 0600
// permissions. The parent directory is created (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config: path is empty")
	}
	if cfg == nil {
		return errors.New("config: nil config")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epaperbridge-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
