package board_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/errs"
	"github.com/CK6170/teensyhost-go/firmware"
)

// teensy30 on a fake bus: code size 131072, 1024-byte blocks.
func newBootloaderBoard(t *testing.T) *board.Board {
	t.Helper()
	m, src, _ := newTestMonitor(t)
	src.Plug(bootloaderDev("usb1", 0x1D, "0012D687"))
	require.NoError(t, m.Refresh())
	boards := m.BoardList()
	require.Len(t, boards, 1)
	return boards[0]
}

func TestUploadRejectsOversizedFirmware(t *testing.T) {
	b := newBootloaderBoard(t)
	fw := firmware.New("big", make([]byte, b.Model().CodeSize+1))

	err := b.Upload(fw, 0, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Range))
}

func TestUploadRejectsForeignFirmware(t *testing.T) {
	b := newBootloaderBoard(t)

	image := make([]byte, 2048)
	binary.BigEndian.PutUint64(image[512:], 0x0100002B88ED00E0) // not a 3.0 image

	err := b.Upload(firmware.New("foreign", image), 0, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Firmware))

	// The same image flashes with the check bypassed.
	err = b.Upload(firmware.New("foreign", image), board.UploadNoCheck, nil)
	assert.NoError(t, err)
}

func TestUploadMatchingFirmware(t *testing.T) {
	b := newBootloaderBoard(t)

	image := make([]byte, 2048)
	binary.BigEndian.PutUint64(image[512:], 0x38800440823F0400)

	var progress []int
	err := b.Upload(firmware.New("fw", image), 0, func(_ *board.Board, fw *firmware.Firmware, uploaded int) error {
		progress = append(progress, uploaded)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1024, 2048}, progress)
}

func TestUploadNeedsBootloaderMode(t *testing.T) {
	m, src, _ := newTestMonitor(t)
	src.Plug(serialDev("usb1", "123456780"))
	require.NoError(t, m.Refresh())
	b := m.BoardList()[0]

	err := b.Upload(firmware.New("fw", make([]byte, 16)), 0, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Mode))

	err = b.Reset()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Mode))
}

func TestRebootNeedsRunMode(t *testing.T) {
	b := newBootloaderBoard(t)
	err := b.Reboot()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Mode))

	_, err = b.ReadSerial(make([]byte, 4), 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Mode))
}
