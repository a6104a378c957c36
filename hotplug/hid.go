package hotplug

import (
	"sync"
	"time"

	"github.com/sstallion/go-hid"

	"github.com/CK6170/teensyhost-go/errs"
)

// hidDevice is one HID interface seen by hidapi.
type hidDevice struct {
	path      string
	vid       uint16
	pid       uint16
	serial    string
	product   string
	usagePage uint16
	usage     uint16
}

func newHIDDevice(info *hid.DeviceInfo) *hidDevice {
	return &hidDevice{
		path:      info.Path,
		vid:       info.VendorID,
		pid:       info.ProductID,
		serial:    info.SerialNbr,
		product:   info.ProductStr,
		usagePage: info.UsagePage,
		usage:     info.Usage,
	}
}

// Location is the hidapi path, which encodes the physical USB topology on
// every supported platform.
func (d *hidDevice) Location() string           { return "hid@" + d.path }
func (d *hidDevice) VID() uint16                { return d.vid }
func (d *hidDevice) PID() uint16                { return d.pid }
func (d *hidDevice) Type() DeviceType           { return DeviceHID }
func (d *hidDevice) SerialNumberString() string { return d.serial }
func (d *hidDevice) ProductString() string      { return d.product }
func (d *hidDevice) UsagePage() uint16          { return d.usagePage }
func (d *hidDevice) Usage() uint16              { return d.usage }

func (d *hidDevice) Open() (Handle, error) {
	dev, err := hid.OpenPath(d.path)
	if err != nil {
		return nil, errs.FromOS(err)
	}
	return &hidHandle{dev: dev}, nil
}

type hidHandle struct {
	mu  sync.Mutex
	dev *hid.Device
}

func (h *hidHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return nil
	}
	err := h.dev.Close()
	h.dev = nil
	return errs.FromOS(err)
}

func (h *hidHandle) Read(p []byte, timeout time.Duration) (int, error) {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return 0, errs.New(errs.IO, "hid device is closed")
	}
	n, err := dev.ReadWithTimeout(p, timeout)
	if err != nil {
		return 0, errs.Wrap(errs.IO, err)
	}
	return n, nil
}

func (h *hidHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return 0, errs.New(errs.IO, "hid device is closed")
	}
	n, err := dev.Write(p)
	if err != nil {
		return 0, errs.Wrap(errs.IO, err)
	}
	return n, nil
}

func (h *hidHandle) SendFeatureReport(p []byte) (int, error) {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return 0, errs.New(errs.IO, "hid device is closed")
	}
	n, err := dev.SendFeatureReport(p)
	if err != nil {
		return 0, errs.Wrap(errs.IO, err)
	}
	return n, nil
}

func (h *hidHandle) SetBaudrate(baud int) error {
	return errs.New(errs.Unsupported, "baudrate is not available on hid devices")
}

// listHIDDevices enumerates all HID interfaces.
func listHIDDevices() ([]*hid.DeviceInfo, error) {
	var infos []*hid.DeviceInfo
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(info *hid.DeviceInfo) error {
		c := *info
		infos = append(infos, &c)
		return nil
	})
	if err != nil {
		return nil, errs.FromOS(err)
	}
	return infos, nil
}
