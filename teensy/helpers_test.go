package teensy

import (
	"sync"
	"time"

	"github.com/CK6170/teensyhost-go/errs"
	"github.com/CK6170/teensyhost-go/hotplug"
)

// fakeDevice is a scripted hotplug.Device.
type fakeDevice struct {
	location  string
	vid, pid  uint16
	typ       hotplug.DeviceType
	serial    string
	product   string
	usagePage uint16
	usage     uint16

	handle  *fakeHandle
	openErr error
}

func (d *fakeDevice) Location() string           { return d.location }
func (d *fakeDevice) VID() uint16                { return d.vid }
func (d *fakeDevice) PID() uint16                { return d.pid }
func (d *fakeDevice) Type() hotplug.DeviceType   { return d.typ }
func (d *fakeDevice) SerialNumberString() string { return d.serial }
func (d *fakeDevice) ProductString() string      { return d.product }
func (d *fakeDevice) UsagePage() uint16          { return d.usagePage }
func (d *fakeDevice) Usage() uint16              { return d.usage }

func (d *fakeDevice) Open() (hotplug.Handle, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	if d.handle == nil {
		d.handle = &fakeHandle{}
	}
	return d.handle, nil
}

// fakeHandle records transport traffic.
type fakeHandle struct {
	mu sync.Mutex

	writes   [][]byte
	features [][]byte
	bauds    []int
	readData []byte

	// writeErrs are returned by successive Write calls before they start
	// succeeding.
	writeErrs []error

	closed int
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *fakeHandle) Read(p []byte, timeout time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.readData) == 0 {
		return 0, nil
	}
	n := copy(p, h.readData)
	h.readData = h.readData[n:]
	return n, nil
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.writeErrs) > 0 {
		err := h.writeErrs[0]
		h.writeErrs = h.writeErrs[1:]
		return 0, err
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	h.writes = append(h.writes, buf)
	return len(p), nil
}

func (h *fakeHandle) SendFeatureReport(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	h.features = append(h.features, buf)
	return len(p), nil
}

func (h *fakeHandle) SetBaudrate(baud int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bauds = append(h.bauds, baud)
	return nil
}

func serialDev(location, serial string) *fakeDevice {
	return &fakeDevice{
		location: location,
		vid:      teensyVID,
		pid:      0x483,
		typ:      hotplug.DeviceSerial,
		serial:   serial,
		product:  "USB Serial",
	}
}

func bootloaderDev(location string, usage uint16, serial string) *fakeDevice {
	return &fakeDevice{
		location:  location,
		vid:       teensyVID,
		pid:       0x478,
		typ:       hotplug.DeviceHID,
		serial:    serial,
		usagePage: usagePageBootloader,
		usage:     usage,
	}
}

func seremuDev(location, serial string) *fakeDevice {
	return &fakeDevice{
		location:  location,
		vid:       teensyVID,
		pid:       0x487,
		typ:       hotplug.DeviceHID,
		serial:    serial,
		usagePage: usagePageSeremu,
	}
}

var errIO = errs.New(errs.IO, "bus glitch")
