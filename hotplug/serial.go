package hotplug

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"

	"github.com/CK6170/teensyhost-go/errs"
)

// serialDevice is a CDC serial port seen by the enumerator.
type serialDevice struct {
	name    string
	vid     uint16
	pid     uint16
	serial  string
	product string
}

func newSerialDevice(p *enumerator.PortDetails) *serialDevice {
	d := &serialDevice{
		name:   p.Name,
		serial: p.SerialNumber,
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(p.VID), 16, 16); err == nil {
		d.vid = uint16(v)
	}
	if v, err := strconv.ParseUint(strings.TrimSpace(p.PID), 16, 16); err == nil {
		d.pid = uint16(v)
	}
	d.product = p.Product
	return d
}

// Location uses the port name: the OS keeps it stable for a given USB port,
// which is the best widely-available analog of a USB path for tty devices.
func (d *serialDevice) Location() string           { return "serial@" + d.name }
func (d *serialDevice) VID() uint16                { return d.vid }
func (d *serialDevice) PID() uint16                { return d.pid }
func (d *serialDevice) Type() DeviceType           { return DeviceSerial }
func (d *serialDevice) SerialNumberString() string { return d.serial }
func (d *serialDevice) ProductString() string      { return d.product }
func (d *serialDevice) UsagePage() uint16          { return 0 }
func (d *serialDevice) Usage() uint16              { return 0 }

func (d *serialDevice) Open() (Handle, error) {
	h := &serialHandle{name: d.name, baud: 115200}
	if err := h.open(); err != nil {
		return nil, err
	}
	return h, nil
}

// serialHandle wraps a tarm port. The line is reopened to change the
// baudrate, because the driver only applies settings at open time.
type serialHandle struct {
	mu   sync.Mutex
	name string
	baud int
	port *serial.Port
}

func (h *serialHandle) open() error {
	cfg := &serial.Config{
		Name:        h.name,
		Baud:        h.baud,
		Parity:      serial.ParityNone,
		Size:        8,
		StopBits:    serial.Stop1,
		ReadTimeout: 50 * time.Millisecond,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return errs.FromOS(err)
	}
	h.port = port
	return nil
}

func (h *serialHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port == nil {
		return nil
	}
	err := h.port.Close()
	h.port = nil
	return errs.FromOS(err)
}

// Read accumulates until data arrives or the timeout elapses. The underlying
// port uses a short read timeout, so the loop stays responsive.
func (h *serialHandle) Read(p []byte, timeout time.Duration) (int, error) {
	h.mu.Lock()
	port := h.port
	h.mu.Unlock()
	if port == nil {
		return 0, errs.New(errs.IO, "serial port %s is closed", h.name)
	}

	deadline := time.Now().Add(timeout)
	for {
		n, err := port.Read(p)
		if n > 0 {
			return n, nil
		}
		// The port uses a short driver-side read timeout, reported as EOF or
		// a timeout error depending on the platform; keep looping on those.
		if err != nil && !errors.Is(err, io.EOF) && !isTimeout(err) {
			return 0, errs.FromOS(err)
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return 0, nil
		}
	}
}

func (h *serialHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	port := h.port
	h.mu.Unlock()
	if port == nil {
		return 0, errs.New(errs.IO, "serial port %s is closed", h.name)
	}
	n, err := port.Write(p)
	return n, errs.FromOS(err)
}

func (h *serialHandle) SendFeatureReport(p []byte) (int, error) {
	return 0, errs.New(errs.Unsupported, "feature reports are not available on serial devices")
}

func (h *serialHandle) SetBaudrate(baud int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port != nil {
		_ = h.port.Close()
		h.port = nil
	}
	h.baud = baud
	return h.open()
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}

// listSerialPorts enumerates USB serial ports with their descriptors.
func listSerialPorts() ([]*enumerator.PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errs.FromOS(err)
	}
	out := ports[:0]
	for _, p := range ports {
		if p == nil || p.Name == "" || !p.IsUSB {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
