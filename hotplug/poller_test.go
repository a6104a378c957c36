package hotplug

import (
	"sync"
	"testing"
	"time"

	"github.com/sstallion/go-hid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

// fakeBuses lets a test control what each enumeration pass reports.
type fakeBuses struct {
	mu      sync.Mutex
	serials []*enumerator.PortDetails
	hids    []*hid.DeviceInfo
}

func (f *fakeBuses) serialPorts() ([]*enumerator.PortDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*enumerator.PortDetails(nil), f.serials...), nil
}

func (f *fakeBuses) hidDevices() ([]*hid.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*hid.DeviceInfo(nil), f.hids...), nil
}

func (f *fakeBuses) setSerials(ports ...*enumerator.PortDetails) {
	f.mu.Lock()
	f.serials = ports
	f.mu.Unlock()
}

func (f *fakeBuses) setHIDs(infos ...*hid.DeviceInfo) {
	f.mu.Lock()
	f.hids = infos
	f.mu.Unlock()
}

func newTestPoller(t *testing.T) (*Poller, *fakeBuses) {
	t.Helper()
	buses := &fakeBuses{}
	p := NewPoller(5 * time.Millisecond)
	p.serialPorts = buses.serialPorts
	p.hidDevices = buses.hidDevices
	p.skipHIDInit = true
	return p, buses
}

// drain collects events until the queue runs dry.
func drain(t *testing.T, p *Poller) map[string]Status {
	t.Helper()
	out := map[string]Status{}
	require.NoError(t, p.Refresh(func(dev Device, status Status) error {
		out[dev.Location()] = status
		return nil
	}))
	return out
}

func waitDescriptor(t *testing.T, p *Poller) {
	t.Helper()
	select {
	case <-p.Descriptor():
	case <-time.After(time.Second):
		t.Fatal("descriptor never signalled")
	}
}

// drainUntil keeps draining until an event for location arrives or the
// deadline passes. The descriptor channel is level-ish (one ping per scan
// batch), so tests poll instead of counting pings.
func drainUntil(t *testing.T, p *Poller, location string) (Device, Status) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var dev Device
		var status Status
		require.NoError(t, p.Refresh(func(d Device, s Status) error {
			if d.Location() == location {
				dev, status = d, s
			}
			return nil
		}))
		if dev != nil {
			return dev, status
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no event for %s", location)
	return nil, 0
}

func TestPollerInitialSnapshotIsListedNotQueued(t *testing.T) {
	p, buses := newTestPoller(t)
	buses.setSerials(&enumerator.PortDetails{
		Name: "/dev/ttyACM0", IsUSB: true, VID: "16C0", PID: "0483", SerialNumber: "123456780",
	})

	require.NoError(t, p.Start())
	defer p.Stop()

	var listed []Device
	require.NoError(t, p.List(func(dev Device, status Status) error {
		assert.Equal(t, StatusOnline, status)
		listed = append(listed, dev)
		return nil
	}))
	require.Len(t, listed, 1)
	assert.Equal(t, "serial@/dev/ttyACM0", listed[0].Location())
	assert.Equal(t, uint16(0x16C0), listed[0].VID())
	assert.Equal(t, uint16(0x483), listed[0].PID())

	assert.Empty(t, drain(t, p))
}

func TestPollerDiffsPlugAndUnplug(t *testing.T) {
	p, buses := newTestPoller(t)
	require.NoError(t, p.Start())
	defer p.Stop()

	buses.setHIDs(&hid.DeviceInfo{
		Path: "1-4:1.0", VendorID: 0x16C0, ProductID: 0x478,
		UsagePage: 0xFF9C, Usage: 0x1D, SerialNbr: "0012D687",
	})
	waitDescriptor(t, p)

	plugged, status := drainUntil(t, p, "hid@1-4:1.0")
	assert.Equal(t, StatusOnline, status)
	assert.Equal(t, uint16(0xFF9C), plugged.UsagePage())
	assert.Equal(t, DeviceHID, plugged.Type())

	buses.setHIDs()
	removed, status := drainUntil(t, p, "hid@1-4:1.0")
	assert.Equal(t, StatusDisconnected, status)
	// The removal event carries the same Device value that was added.
	assert.Same(t, plugged, removed)
}
