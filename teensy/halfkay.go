package teensy

import (
	"os"
	"time"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/errs"
	"github.com/CK6170/teensyhost-go/firmware"
	"github.com/CK6170/teensyhost-go/hotplug"
)

const (
	// resetAddress triggers a reset when sent with an empty payload.
	resetAddress = 0xFFFFFF

	blockTimeout = 3000 * time.Millisecond
	resetTimeout = 250 * time.Millisecond

	// The first write triggers a full flash erase; later writes only need to
	// outpace the bootloader, which STALLs when pushed too hard.
	firstBlockPause = 200 * time.Millisecond
	blockPause      = 20 * time.Millisecond

	retryBackoff = 10 * time.Millisecond
)

// ExperimentalEnv enables upload and reset on experimental models when set to
// any value in the environment.
const ExperimentalEnv = "TY_EXPERIMENTAL_BOARDS"

// sleep is a hook so protocol tests do not pay the pacing delays.
var sleep = time.Sleep

// halfkayFrame builds one HID output report for the model's wire format.
// Addresses are absolute byte offsets into flash.
func halfkayFrame(model *board.Model, addr int, data []byte) []byte {
	var buf []byte
	switch model.Variant {
	case board.VariantAVRSmall:
		buf = make([]byte, model.BlockSize+3)
		buf[1] = byte(addr)
		buf[2] = byte(addr >> 8)
		copy(buf[3:], data)

	case board.VariantAVRLarge:
		buf = make([]byte, model.BlockSize+3)
		buf[1] = byte(addr >> 8)
		buf[2] = byte(addr >> 16)
		copy(buf[3:], data)

	case board.VariantARM:
		buf = make([]byte, model.BlockSize+65)
		buf[1] = byte(addr)
		buf[2] = byte(addr >> 8)
		buf[3] = byte(addr >> 16)
		copy(buf[65:], data)
	}
	return buf
}

// halfkaySend writes one block. The bootloader reports I/O errors while it is
// busy flashing, so those are retried with a short backoff until the deadline
// passes; anything else surfaces immediately.
func halfkaySend(iface *board.Interface, addr int, data []byte, timeout time.Duration) error {
	buf := halfkayFrame(iface.Model, addr, data)

	start := time.Now()
	for {
		_, err := iface.Handle().Write(buf)
		if err == nil {
			return nil
		}
		if !errs.Is(err, errs.IO) {
			return err
		}
		if time.Since(start) >= timeout {
			return err
		}
		sleep(retryBackoff)
	}
}

// testBootloaderSupport gates experimental models behind an explicit opt-in.
func testBootloaderSupport(model *board.Model) error {
	if model.Experimental && os.Getenv(ExperimentalEnv) == "" {
		return errs.New(errs.Unsupported,
			"support for %s boards is experimental, set %s to any value to enable it",
			model.Name, ExperimentalEnv)
	}
	return nil
}

// Upload streams fw block by block. Failures abort at the failing block; a
// partial upload is never reported as success.
func (family) Upload(iface *board.Interface, fw *firmware.Firmware, pf board.ProgressFunc) error {
	if err := testBootloaderSupport(iface.Model); err != nil {
		return err
	}

	image := fw.Image()
	b := iface.Board()

	if pf != nil {
		if err := pf(b, fw, 0); err != nil {
			return err
		}
	}

	blockSize := iface.Model.BlockSize
	for addr := 0; addr < len(image); addr += blockSize {
		n := blockSize
		if left := len(image) - addr; left < n {
			n = left
		}

		if err := halfkaySend(iface, addr, image[addr:addr+n], blockTimeout); err != nil {
			return err
		}

		if addr == 0 {
			sleep(firstBlockPause)
		} else {
			sleep(blockPause)
		}

		if pf != nil {
			if err := pf(b, fw, addr+n); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset is fire and forget; the device drops off the bus instead of
// acknowledging.
func (family) Reset(iface *board.Interface) error {
	if err := testBootloaderSupport(iface.Model); err != nil {
		return err
	}
	return halfkaySend(iface, resetAddress, nil, resetTimeout)
}

const rebootBaudrate = 134

var seremuRebootReport = []byte{0x00, 0xA9, 0x45, 0xC2, 0x6B}

// Reboot asks the running firmware to jump into HalfKay. CDC devices watch
// for the magic baudrate, SEREMU devices for a feature report.
func (family) Reboot(iface *board.Interface) error {
	h := iface.Handle()

	switch iface.Dev.Type() {
	case hotplug.DeviceSerial:
		if err := h.SetBaudrate(rebootBaudrate); err != nil {
			return err
		}
		/* Restore the default rate right away: some systems keep tty settings
		   around between opens, and a device that comes back to a line stuck
		   at the magic rate reboots forever. */
		_ = h.SetBaudrate(115200)
		return nil

	case hotplug.DeviceHID:
		n, err := h.SendFeatureReport(seremuRebootReport)
		if err != nil {
			return err
		}
		if n != len(seremuRebootReport) {
			return errs.New(errs.IO, "SEREMU reboot report was truncated (%d bytes)", n)
		}
		return nil
	}
	return errs.New(errs.Unsupported, "cannot reboot through this interface")
}
