package teensy

import (
	"bytes"
	"time"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/hotplug"
)

// SEREMU moves serial data over HID reports of fixed size.
const (
	seremuTXSize = 32
	seremuRXSize = 64
)

// ReadSerial reads from the CDC line or decodes one SEREMU report.
func (family) ReadSerial(iface *board.Interface, p []byte, timeout time.Duration) (int, error) {
	h := iface.Handle()

	switch iface.Dev.Type() {
	case hotplug.DeviceSerial:
		return h.Read(p, timeout)

	case hotplug.DeviceHID:
		buf := make([]byte, seremuRXSize+1)
		n, err := h.Read(buf, timeout)
		if err != nil {
			return 0, err
		}
		if n < 2 {
			return 0, nil
		}
		// Report id first, then NUL-padded text.
		payload := buf[1:n]
		if end := bytes.IndexByte(payload, 0); end >= 0 {
			payload = payload[:end]
		}
		return copy(p, payload), nil
	}
	return 0, nil
}

// WriteSerial writes to the CDC line or packs SEREMU reports. SEREMU treats
// NUL as end of data, so binary transfers are not possible there.
func (family) WriteSerial(iface *board.Interface, p []byte) (int, error) {
	h := iface.Handle()

	switch iface.Dev.Type() {
	case hotplug.DeviceSerial:
		return h.Write(p)

	case hotplug.DeviceHID:
		report := make([]byte, seremuTXSize+1)
		total := 0
		for total < len(p) {
			for i := range report {
				report[i] = 0
			}
			copy(report[1:], p[total:])

			w, err := h.Write(report)
			if err != nil {
				return total, err
			}
			if w == 0 {
				break
			}
			total += w - 1
		}
		if total > len(p) {
			total = len(p)
		}
		return total, nil
	}
	return 0, nil
}
