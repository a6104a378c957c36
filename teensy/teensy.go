package teensy

import (
	"math"
	"strconv"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/hotplug"
)

// parseBootloaderSerial decodes the serial number string HalfKay reports.
//
// The bootloader formats the number as hexadecimal with leading zeros (which
// would suggest octal to a lenient parser). AVR boards report no string at
// all; they all share the placeholder 12345.
func parseBootloaderSerial(s string, avr bool) uint64 {
	if s == "" {
		if avr {
			return 12345
		}
		return 0
	}

	serial, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0
	}

	/* In run mode a decimal value is used, but Teensyduino 1.19 started
	   appending a 0 to numbers below 10000000 to work around a CDC-ACM host
	   driver bug; match that here so both modes agree.

	   Beta boards without a programmed serial number report 00000064 (100),
	   which identifies nothing. */
	if serial == 100 {
		return 0
	}
	if serial < 10000000 {
		serial *= 10
	}
	return serial
}

// parseRunningSerial decodes the serial number in run mode: plain decimal.
// The base is pinned so leading zeros are not taken for octal.
func parseRunningSerial(s string) uint64 {
	if s == "" {
		return 0
	}
	serial, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return serial
}

// identifyingSerial reports whether serial can tell boards apart. AVR boards
// all report 12345 and custom ARM boards without a MAC address report an
// all-ones value; neither identifies anything.
func identifyingSerial(serial uint64) bool {
	return serial != 0 && serial != 12345 && serial != math.MaxUint32
}

// LoadInterface classifies dev as a Teensy USB interface. Devices of other
// vendors, unrelated product ids and HID interfaces with foreign usage pages
// are not claimed.
func (family) LoadInterface(iface *board.Interface) (bool, error) {
	dev := iface.Dev

	if dev.VID() != teensyVID {
		return false, nil
	}
	switch dev.PID() {
	case 0x478, 0x482, 0x483, 0x484, 0x485, 0x486, 0x487, 0x488:
	default:
		return false, nil
	}

	switch dev.Type() {
	case hotplug.DeviceSerial:
		iface.Name = "Serial"
		iface.Capabilities.Add(board.CapabilityRun)
		iface.Capabilities.Add(board.CapabilitySerial)
		iface.Capabilities.Add(board.CapabilityReboot)
		iface.Serial = parseRunningSerial(dev.SerialNumberString())

	case hotplug.DeviceHID:
		switch dev.UsagePage() {
		case usagePageBootloader:
			iface.Name = "HalfKay"
			model := identifyModel(dev.Usage())
			if model == nil {
				return false, nil
			}
			iface.Model = model
			iface.Capabilities.Add(board.CapabilityUpload)
			iface.Capabilities.Add(board.CapabilityReset)
			iface.Serial = parseBootloaderSerial(dev.SerialNumberString(),
				model.Variant != board.VariantARM)

		case usagePageRawHID:
			iface.Name = "RawHID"
			iface.Capabilities.Add(board.CapabilityRun)
			iface.Serial = parseRunningSerial(dev.SerialNumberString())

		case usagePageSeremu:
			iface.Name = "Seremu"
			iface.Capabilities.Add(board.CapabilityRun)
			iface.Capabilities.Add(board.CapabilitySerial)
			iface.Capabilities.Add(board.CapabilityReboot)
			iface.Serial = parseRunningSerial(dev.SerialNumberString())

		default:
			return false, nil
		}
	}

	if iface.Model == nil {
		iface.Model = unknownModel
	}
	if identifyingSerial(iface.Serial) {
		iface.Capabilities.Add(board.CapabilityUnique)
	}
	return true, nil
}

// UpdateBoard refreshes the board's description from the interface that just
// attached. Bootloader interfaces keep whatever run-mode description exists.
func (family) UpdateBoard(iface *board.Interface, b *board.Board) error {
	if iface.Model.IsReal() {
		if b.Description() == "" {
			b.SetDescription("Teensy (HalfKay)")
		}
		return nil
	}

	desc := iface.Dev.ProductString()
	if desc == "" {
		desc = "Teensy"
	}
	b.SetDescription(desc)
	return nil
}

// OpenInterface opens the transport handle. A sane baudrate is restored on
// serial lines first: some systems keep tty settings around, and a leftover
// reboot baudrate would make the device reboot again on every open.
func (family) OpenInterface(iface *board.Interface) (board.Handle, error) {
	h, err := iface.Dev.Open()
	if err != nil {
		return nil, err
	}
	if iface.Dev.Type() == hotplug.DeviceSerial {
		_ = h.SetBaudrate(115200)
	}
	return h, nil
}
