package teensy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeremuWriteChunking(t *testing.T) {
	dev := seremuDev("usb1", "123456780")
	iface := classify(t, dev)
	require.NoError(t, iface.Open())
	defer iface.Close()

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	n, err := Family.WriteSerial(iface, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	require.Len(t, dev.handle.writes, 2)
	for _, w := range dev.handle.writes {
		assert.Len(t, w, seremuTXSize+1)
		assert.Equal(t, byte(0), w[0])
	}
	assert.Equal(t, payload[:32], dev.handle.writes[0][1:])
	assert.Equal(t, payload[32:], dev.handle.writes[1][1:9])
}

func TestSeremuReadStopsAtNUL(t *testing.T) {
	dev := seremuDev("usb1", "123456780")
	iface := classify(t, dev)
	require.NoError(t, iface.Open())
	defer iface.Close()

	report := make([]byte, seremuRXSize+1)
	copy(report[1:], "hello")
	dev.handle.readData = report

	buf := make([]byte, 64)
	n, err := Family.ReadSerial(iface, buf, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestSerialPassthrough(t *testing.T) {
	dev := serialDev("usb1", "123456780")
	iface := classify(t, dev)
	require.NoError(t, iface.Open())
	defer iface.Close()

	n, err := Family.WriteSerial(iface, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, dev.handle.writes, 1)
	assert.Equal(t, "ping", string(dev.handle.writes[0]))

	dev.handle.readData = []byte("pong")
	buf := make([]byte, 16)
	n, err = Family.ReadSerial(iface, buf, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}
