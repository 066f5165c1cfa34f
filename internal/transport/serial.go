// Package transport provides the serial port adapter for inverter links.
package transport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.bug.st/serial"
)

// ErrReadTimeout is returned by ReadUntil when no terminator arrives within
// the deadline. A timeout does not imply the port is gone.
var ErrReadTimeout = errors.New("serial read timed out")

// PortOpenError indicates the device could not be opened.
type PortOpenError struct {
	Port string
	Err  error
}

func (e *PortOpenError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Port, e.Err)
}

func (e *PortOpenError) Unwrap() error {
	return e.Err
}

// PortIOError indicates I/O against an open port failed, typically because the
// device was removed. The owning session closes the port and reopens with
// backoff.
type PortIOError struct {
	Port string
	Err  error
}

func (e *PortIOError) Error() string {
	return fmt.Sprintf("I/O error on %s: %v", e.Port, e.Err)
}

func (e *PortIOError) Unwrap() error {
	return e.Err
}

// Port implements domain.SerialPort on top of a real serial device.
type Port struct {
	path string
	baud int
	port serial.Port
}

// NewPort creates an unopened serial port adapter.
func NewPort(path string, baud int) *Port {
	return &Port{path: path, baud: baud}
}

// Open opens the device in 8N1 mode at the configured baud rate.
func (p *Port) Open() error {
	mode := &serial.Mode{
		BaudRate: p.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	sp, err := serial.Open(p.path, mode)
	if err != nil {
		return &PortOpenError{Port: p.path, Err: err}
	}
	p.port = sp
	return nil
}

// Write sends raw bytes to the device.
func (p *Port) Write(data []byte) (int, error) {
	if p.port == nil {
		return 0, &PortIOError{Port: p.path, Err: errors.New("port not open")}
	}
	n, err := p.port.Write(data)
	if err != nil {
		return n, &PortIOError{Port: p.path, Err: err}
	}
	return n, nil
}

// ReadUntil accumulates bytes until the delimiter appears or the timeout
// elapses. Partial data received before a timeout is discarded by the caller;
// the inverter retransmits a full frame on the next query.
func (p *Port) ReadUntil(delim byte, timeout time.Duration) ([]byte, error) {
	if p.port == nil {
		return nil, &PortIOError{Port: p.path, Err: errors.New("port not open")}
	}

	// Poll in small slices so the overall deadline stays bounded.
	if err := p.port.SetReadTimeout(50 * time.Millisecond); err != nil {
		return nil, &PortIOError{Port: p.path, Err: err}
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)

	for {
		n, err := p.port.Read(chunk)
		if err != nil {
			return nil, &PortIOError{Port: p.path, Err: err}
		}
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for _, b := range chunk[:n] {
				if b == delim {
					return buf, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return nil, ErrReadTimeout
		}
	}
}

// SetControlLines drives the DTR and RTS lines.
func (p *Port) SetControlLines(dtr, rts bool) error {
	if p.port == nil {
		return &PortIOError{Port: p.path, Err: errors.New("port not open")}
	}
	if err := p.port.SetDTR(dtr); err != nil {
		return &PortIOError{Port: p.path, Err: err}
	}
	if err := p.port.SetRTS(rts); err != nil {
		return &PortIOError{Port: p.path, Err: err}
	}
	return nil
}

// Close closes the device. Safe to call on an unopened port.
func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

const byIDDir = "/dev/serial/by-id"

// PreferStablePath maps a raw device path like /dev/ttyUSB0 to its persistent
// /dev/serial/by-id symlink when one exists, so devices keep their identity
// across re-enumeration. Paths that are already stable, or that have no by-id
// entry, are returned unchanged.
func PreferStablePath(path string) string {
	if filepath.Dir(path) == byIDDir {
		return path
	}

	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}

	entries, err := os.ReadDir(byIDDir)
	if err != nil {
		return path
	}

	for _, entry := range entries {
		link := filepath.Join(byIDDir, entry.Name())
		target, err := filepath.EvalSymlinks(link)
		if err != nil {
			continue
		}
		if target == real {
			return link
		}
	}
	return path
}
