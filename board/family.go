package board

import (
	"strings"
	"sync"
	"time"

	"github.com/CK6170/teensyhost-go/firmware"
)

// Family groups the models sharing identification and upload logic. A single
// family exists today; keeping the indirection means new hardware lines do not
// change the monitor or its callers.
type Family interface {
	Name() string
	Models() []*Model

	// LoadInterface inspects iface.Dev and, when the device belongs to this
	// family, fills in the interface's model, name, serial and capabilities
	// and returns true.
	LoadInterface(iface *Interface) (bool, error)
	// UpdateBoard merges interface-level identity into the board (description
	// and similar presentation fields) after the interface is attached.
	UpdateBoard(iface *Interface, b *Board) error

	// GuessModels scans a firmware image for embedded model signatures and
	// returns up to max candidates, best priority only.
	GuessModels(fw *firmware.Firmware, max int) []*Model

	// OpenInterface opens an exclusive transport handle for the interface.
	OpenInterface(iface *Interface) (Handle, error)

	ReadSerial(iface *Interface, p []byte, timeout time.Duration) (int, error)
	WriteSerial(iface *Interface, p []byte) (int, error)

	Upload(iface *Interface, fw *firmware.Firmware, pf ProgressFunc) error
	Reset(iface *Interface) error
	Reboot(iface *Interface) error
}

var (
	familyMu sync.RWMutex
	families []Family
)

// RegisterFamily adds a family to the process-wide table. Family packages
// call this from init; importing a family package enables its boards.
func RegisterFamily(f Family) {
	familyMu.Lock()
	defer familyMu.Unlock()
	families = append(families, f)
}

// Families returns the registered families in registration order.
func Families() []Family {
	familyMu.RLock()
	defer familyMu.RUnlock()
	out := make([]Family, len(families))
	copy(out, families)
	return out
}

// FindModel looks a model up by name or MCU identifier, case-insensitively.
func FindModel(name string) *Model {
	for _, f := range Families() {
		for _, m := range f.Models() {
			if strings.EqualFold(m.Name, name) || strings.EqualFold(m.MCU, name) {
				return m
			}
		}
	}
	return nil
}

// IdentifyFirmware scans fw against every registered family's signature table
// and returns the candidate models, highest signature priority only.
func IdentifyFirmware(fw *firmware.Firmware) []*Model {
	var out []*Model
	for _, f := range Families() {
		out = append(out, f.GuessModels(fw, 8)...)
	}
	return out
}
