package board

import (
	"sync"
	"time"

	"github.com/CK6170/teensyhost-go/hotplug"
)

// Handle aliases the transport handle so family implementations do not need a
// separate import for it.
type Handle = hotplug.Handle

// Interface is one USB endpoint of a board. The monitor owns interfaces while
// they are attached; the classifier (Family.LoadInterface) fills in the
// identity fields before the interface joins a board.
type Interface struct {
	// Dev is the device descriptor this interface was classified from. It is
	// also the interface's identity inside the monitor.
	Dev hotplug.Device

	// Model is the family's unknown placeholder until a bootloader interface
	// identifies the hardware.
	Model *Model
	// Serial is the parsed serial number, 0 when unknown.
	Serial uint64
	// Name is a short label: "Serial", "HalfKay", "RawHID", "Seremu".
	Name string

	Capabilities Capabilities

	family Family
	board  *Board

	// openMu guards openCount and handle. It is held only inside Open, Close
	// and Handle: opens nest and share one handle, and callers doing I/O on
	// that handle are not serialized against each other.
	openMu    sync.Mutex
	openCount int
	handle    hotplug.Handle
}

// NewInterface wraps a device descriptor for classification by f. The monitor
// builds interfaces itself; this entry point exists for family packages and
// their tests.
func NewInterface(dev hotplug.Device, f Family) *Interface {
	return &Interface{Dev: dev, family: f}
}

// Board returns the owning board, nil once the interface has been detached.
func (i *Interface) Board() *Board { return i.board }

// Family returns the family that claimed this interface.
func (i *Interface) Family() Family { return i.family }

// Open acquires the transport handle. Calls nest; the handle is closed when
// the last Close lands.
func (i *Interface) Open() error {
	i.openMu.Lock()
	defer i.openMu.Unlock()

	if i.openCount == 0 {
		h, err := i.family.OpenInterface(i)
		if err != nil {
			return err
		}
		i.handle = h
	}
	i.openCount++
	return nil
}

// Close releases one Open.
func (i *Interface) Close() {
	i.openMu.Lock()
	defer i.openMu.Unlock()

	if i.openCount == 0 {
		return
	}
	i.openCount--
	if i.openCount == 0 && i.handle != nil {
		_ = i.handle.Close()
		i.handle = nil
	}
}

// Handle returns the open transport handle. Only valid between Open and the
// matching Close.
func (i *Interface) Handle() hotplug.Handle {
	i.openMu.Lock()
	defer i.openMu.Unlock()
	return i.handle
}

// ReadSerial reads from the interface's serial channel.
func (i *Interface) ReadSerial(p []byte, timeout time.Duration) (int, error) {
	return i.family.ReadSerial(i, p, timeout)
}

// WriteSerial writes to the interface's serial channel.
func (i *Interface) WriteSerial(p []byte) (int, error) {
	return i.family.WriteSerial(i, p)
}
