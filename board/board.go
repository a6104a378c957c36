package board

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CK6170/teensyhost-go/errs"
	"github.com/CK6170/teensyhost-go/firmware"
)

// State is a board's lifecycle state.
type State int32

const (
	// StateOnline: at least one interface is attached.
	StateOnline State = iota
	// StateMissing: all interfaces disappeared; the board waits on the drop
	// queue for the grace period.
	StateMissing
	// StateDropped: the grace period elapsed. Terminal.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateMissing:
		return "missing"
	case StateDropped:
		return "dropped"
	}
	return "unknown"
}

// UploadFlags adjust Board.Upload.
type UploadFlags int

const (
	// UploadNoCheck skips the firmware/model compatibility check.
	UploadNoCheck UploadFlags = 1 << iota
)

// ProgressFunc observes an upload. It is called with 0 before the first block
// and with the running byte count after every block; a non-nil error aborts
// the upload and is returned to the caller.
type ProgressFunc func(b *Board, fw *firmware.Firmware, uploaded int) error

// Board is the logical device formed by every USB interface plugged in at one
// physical location. Boards survive mode changes (run <-> bootloader) and
// short disconnections.
type Board struct {
	monitor *Monitor
	family  Family

	id       string
	tag      string
	location string

	model       *Model
	serial      uint64
	vid, pid    uint16
	description string

	state atomic.Int32

	// ifaceMu guards the interface list, the capability map and the
	// capability set. External readers enumerating interfaces take it too.
	ifaceMu      sync.Mutex
	interfaces   []*Interface
	cap2iface    [capabilityCount]*Interface
	capabilities Capabilities

	// Drop-queue bookkeeping, touched only by the refresh thread.
	missingSince time.Time
	missingElem  *list.Element
}

// ID is "{serial}-{family}", fixed at creation.
func (b *Board) ID() string { return b.id }

// Tag starts equal to ID and may be rewritten by the application.
func (b *Board) Tag() string { return b.tag }

func (b *Board) SetTag(tag string) { b.tag = tag }

// Location is the stable hotplug location the board lives at.
func (b *Board) Location() string { return b.location }

func (b *Board) Model() *Model       { return b.model }
func (b *Board) Serial() uint64      { return b.serial }
func (b *Board) VID() uint16         { return b.vid }
func (b *Board) PID() uint16         { return b.pid }
func (b *Board) Description() string { return b.description }

// SetDescription is used by family implementations when an interface attaches.
func (b *Board) SetDescription(desc string) { b.description = desc }

func (b *Board) Monitor() *Monitor { return b.monitor }

func (b *Board) State() State { return State(b.state.Load()) }

func (b *Board) setState(s State) { b.state.Store(int32(s)) }

// Capabilities returns the union over the attached interfaces.
func (b *Board) Capabilities() Capabilities {
	b.ifaceMu.Lock()
	defer b.ifaceMu.Unlock()
	return b.capabilities
}

func (b *Board) HasCapability(c Capability) bool {
	return b.Capabilities().Has(c)
}

// Interfaces returns a snapshot of the attached interfaces.
func (b *Board) Interfaces() []*Interface {
	b.ifaceMu.Lock()
	defer b.ifaceMu.Unlock()
	out := make([]*Interface, len(b.interfaces))
	copy(out, b.interfaces)
	return out
}

// interfaceFor resolves the interface providing a capability, or a mode error
// when the board cannot do this right now.
func (b *Board) interfaceFor(c Capability) (*Interface, error) {
	b.ifaceMu.Lock()
	defer b.ifaceMu.Unlock()
	iface := b.cap2iface[c]
	if iface == nil {
		return nil, errs.New(errs.Mode, "board '%s' cannot %s in its current mode", b.tag, c)
	}
	return iface, nil
}

// ReadSerial reads from the board's serial channel (CDC or SEREMU).
func (b *Board) ReadSerial(p []byte, timeout time.Duration) (int, error) {
	iface, err := b.interfaceFor(CapabilitySerial)
	if err != nil {
		return 0, err
	}
	if err := iface.Open(); err != nil {
		return 0, err
	}
	defer iface.Close()
	return iface.ReadSerial(p, timeout)
}

// WriteSerial writes to the board's serial channel.
func (b *Board) WriteSerial(p []byte) (int, error) {
	iface, err := b.interfaceFor(CapabilitySerial)
	if err != nil {
		return 0, err
	}
	if err := iface.Open(); err != nil {
		return 0, err
	}
	defer iface.Close()
	return iface.WriteSerial(p)
}

// Upload streams fw to the bootloader. The firmware must fit the model's
// flash, and unless UploadNoCheck is set it must carry a signature matching
// the board's model when it carries any known signature at all.
func (b *Board) Upload(fw *firmware.Firmware, flags UploadFlags, pf ProgressFunc) error {
	iface, err := b.interfaceFor(CapabilityUpload)
	if err != nil {
		return err
	}

	model := b.model
	if fw.Size() > model.CodeSize {
		return errs.New(errs.Range, "firmware is too big for %s (%d > %d bytes)",
			model.Name, fw.Size(), model.CodeSize)
	}

	if flags&UploadNoCheck == 0 {
		guesses := b.family.GuessModels(fw, 8)
		if len(guesses) > 0 && !containsModel(guesses, model) {
			return errs.New(errs.Firmware, "firmware was compiled for %s, not %s",
				guesses[0].Name, model.Name)
		}
	}

	if err := iface.Open(); err != nil {
		return err
	}
	defer iface.Close()
	return b.family.Upload(iface, fw, pf)
}

// Reset asks the bootloader to start the current firmware.
func (b *Board) Reset() error {
	iface, err := b.interfaceFor(CapabilityReset)
	if err != nil {
		return err
	}
	if err := iface.Open(); err != nil {
		return err
	}
	defer iface.Close()
	return b.family.Reset(iface)
}

// Reboot asks running firmware to jump into the bootloader.
func (b *Board) Reboot() error {
	iface, err := b.interfaceFor(CapabilityReboot)
	if err != nil {
		return err
	}
	if err := iface.Open(); err != nil {
		return err
	}
	defer iface.Close()
	return b.family.Reboot(iface)
}

// WaitFor runs the monitor's wait loop until the board exposes the capability
// or the timeout elapses, and reports which of the two happened. It fails with
// a not-found error when the board is dropped while waiting. A negative
// timeout waits forever.
func (b *Board) WaitFor(c Capability, timeout time.Duration) (bool, error) {
	return b.monitor.Wait(func(*Monitor) (bool, error) {
		if b.State() == StateDropped {
			return false, errs.New(errs.NotFound, "board '%s' has disappeared", b.tag)
		}
		return b.HasCapability(c), nil
	}, timeout)
}

func containsModel(models []*Model, m *Model) bool {
	for _, cand := range models {
		if cand == m {
			return true
		}
	}
	return false
}
