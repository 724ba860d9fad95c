// Package client drives the bridge from the host side.
//
// The bridge announces itself with a single 'r' once the panel is up and
// again after each displayed frame. A frame is sent as 'r' followed by the
// eight packed planes.
package client

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/tarm/serial"

	"epaperbridge/internal/bridge"
	"epaperbridge/internal/convert"
	appLog "epaperbridge/internal/log"
)

// ErrNotReady is returned when the bridge answers with anything but the
// ready token.
var ErrNotReady = errors.New("client: device not ready")

// pollInterval is the serial read timeout used while waiting for a token
// with an overall deadline.
const pollInterval = time.Second

// Client is a connection to a bridge that has announced itself ready.
type Client struct {
	rw      io.ReadWriteCloser
	timeout time.Duration
}

// Dial opens the serial device and waits for the bridge's ready token.
// timeout bounds every wait for a token; zero waits forever. With an empty
// device name the usual adapters are tried.
func Dial(device string, baud int, timeout time.Duration) (*Client, error) {
	var devices []string
	if device != "" {
		devices = append(devices, device)
	} else {
		switch runtime.GOOS {
		case "windows":
			devices = append(devices, "COM3")
		case "linux":
			devices = append(devices, "/dev/ttyACM0", "/dev/ttyUSB0")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("client: no device specified")
	}
	var firstErr error
	for _, dev := range devices {
		c := &serial.Config{Name: dev, Baud: baud}
		if timeout > 0 {
			c.ReadTimeout = pollInterval
		}
		p, err := serial.OpenPort(c)
		if err == nil {
			appLog.Debug("serial port open", "device", dev, "baud", baud)
			return New(p, timeout)
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("client: open %s: %w", dev, err)
		}
	}
	return nil, firstErr
}

// New waits for the ready token on rw. rw is closed if it never comes.
// With a non-zero timeout, empty reads ending in io.EOF or a nil error are
// retried until the timeout has passed, as a serial port with a read
// timeout reports an expired read either way.
func New(rw io.ReadWriteCloser, timeout time.Duration) (*Client, error) {
	c := &Client{rw: rw, timeout: timeout}
	if err := c.awaitReady(); err != nil {
		rw.Close()
		return nil, fmt.Errorf("client: initialization: %w", err)
	}
	return c, nil
}

// Send transmits one packed frame and waits until the bridge has displayed
// it.
func (c *Client) Send(frame []byte) error {
	if len(frame) == 0 {
		return errors.New("client: empty frame")
	}
	start := time.Now()
	if _, err := c.rw.Write([]byte{bridge.TokenReady}); err != nil {
		return fmt.Errorf("client: write start: %w", err)
	}
	if _, err := c.rw.Write(frame); err != nil {
		return fmt.Errorf("client: write frame: %w", err)
	}
	if err := c.awaitReady(); err != nil {
		return fmt.Errorf("client: frame not acknowledged: %w", err)
	}
	appLog.Info("frame displayed", "bytes", len(frame), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Show converts img and sends it.
func (c *Client) Show(img image.Image) error {
	frame, err := convert.Frame(img)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rw.Close()
}

// maxEmptyReads bounds consecutive (0, nil) reads when there is no timeout
// to stop them.
const maxEmptyReads = 100

func (c *Client) awaitReady() error {
	var b [1]byte
	deadline := time.Now().Add(c.timeout)
	empty := 0
	for {
		n, err := c.rw.Read(b[:])
		if n == 1 {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if c.timeout <= 0 {
			if err != nil {
				return fmt.Errorf("no response: %w", err)
			}
			if empty++; empty >= maxEmptyReads {
				return io.ErrNoProgress
			}
			continue
		}
		if time.Now().After(deadline) {
			if err == nil {
				err = os.ErrDeadlineExceeded
			}
			return fmt.Errorf("no response within %v: %w", c.timeout, err)
		}
	}
	if b[0] != bridge.TokenReady {
		return fmt.Errorf("%w: got %#x", ErrNotReady, b[0])
	}
	return nil
}
