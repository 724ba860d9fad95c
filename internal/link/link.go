// Package link carries the host byte stream over a serial port.
//
// A reader goroutine moves received bytes into a small queue so that Poll
// can answer without blocking, the same way a UART receive register is
// checked by polling its ready flag.
package link

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/tarm/serial"

	appLog "epaperbridge/internal/log"
)

// rxDepth bounds the bytes read from the port but not yet polled.
const rxDepth = 64

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("link: closed")

// Serial is a bridge.Link over any byte stream.
type Serial struct {
	rw io.ReadWriteCloser

	rx   chan byte
	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	err    error
	closed bool
}

// Open opens a serial device at baud, 8N1. With an empty device name the
// usual adapters for the platform are tried in order.
func Open(device string, baud int) (*Serial, error) {
	var devices []string
	if device != "" {
		devices = append(devices, device)
	} else {
		switch runtime.GOOS {
		case "windows":
			devices = append(devices, "COM3")
		case "linux":
			devices = append(devices, "/dev/ttyAMA0", "/dev/ttyACM0", "/dev/ttyUSB0")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("link: no device specified")
	}
	var firstErr error
	for _, dev := range devices {
		c := &serial.Config{Name: dev, Baud: baud}
		p, err := serial.OpenPort(c)
		if err == nil {
			appLog.Info("serial link open", "device", dev, "baud", baud)
			return New(p), nil
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("link: open %s: %w", dev, err)
		}
	}
	return nil, firstErr
}

// New starts polling rw.
func New(rw io.ReadWriteCloser) *Serial {
	s := &Serial{
		rw:   rw,
		rx:   make(chan byte, rxDepth),
		quit: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.read()
	return s
}

func (s *Serial) read() {
	defer s.wg.Done()
	var buf [256]byte
	for {
		n, err := s.rw.Read(buf[:])
		for _, b := range buf[:n] {
			select {
			case s.rx <- b:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
				appLog.Error("serial read failed", err)
			}
			s.mu.Unlock()
			return
		}
	}
}

// Poll returns the next received byte, if any.
func (s *Serial) Poll() (byte, bool) {
	select {
	case b := <-s.rx:
		return b, true
	default:
		return 0, false
	}
}

// Send writes a single byte.
func (s *Serial) Send(b byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := s.rw.Write([]byte{b}); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

// Err returns the error that stopped the reader, if any.
func (s *Serial) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the port and stops the reader.
func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	err := s.rw.Close()
	s.wg.Wait()
	return err
}
