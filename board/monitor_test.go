package board_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CK6170/teensyhost-go/board"
	"github.com/CK6170/teensyhost-go/errs"
	"github.com/CK6170/teensyhost-go/hotplug"
	_ "github.com/CK6170/teensyhost-go/teensy"
)

const teensyVID = 0x16C0

// fakeDevice implements hotplug.Device for scripted hotplug scenarios.
type fakeDevice struct {
	location  string
	vid, pid  uint16
	typ       hotplug.DeviceType
	serial    string
	product   string
	usagePage uint16
	usage     uint16
}

func (d *fakeDevice) Location() string           { return d.location }
func (d *fakeDevice) VID() uint16                { return d.vid }
func (d *fakeDevice) PID() uint16                { return d.pid }
func (d *fakeDevice) Type() hotplug.DeviceType   { return d.typ }
func (d *fakeDevice) SerialNumberString() string { return d.serial }
func (d *fakeDevice) ProductString() string      { return d.product }
func (d *fakeDevice) UsagePage() uint16          { return d.usagePage }
func (d *fakeDevice) Usage() uint16              { return d.usage }

func (d *fakeDevice) Open() (hotplug.Handle, error) { return &fakeHandle{}, nil }

// fakeHandle is a transport stub that swallows everything.
type fakeHandle struct{}

func (h *fakeHandle) Close() error { return nil }
func (h *fakeHandle) Read(p []byte, timeout time.Duration) (int, error) {
	return 0, nil
}
func (h *fakeHandle) Write(p []byte) (int, error)             { return len(p), nil }
func (h *fakeHandle) SendFeatureReport(p []byte) (int, error) { return len(p), nil }
func (h *fakeHandle) SetBaudrate(baud int) error              { return nil }

type fakeEvent struct {
	dev    hotplug.Device
	status hotplug.Status
}

// fakeSource is a scripted hotplug source. Plug and Unplug queue events the
// way an OS notification would; List reports whatever is currently plugged.
type fakeSource struct {
	mu      sync.Mutex
	present []hotplug.Device
	queue   []fakeEvent
	desc    chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{desc: make(chan struct{}, 1)}
}

func (s *fakeSource) Start() error { return nil }
func (s *fakeSource) Stop()        {}

func (s *fakeSource) Descriptor() <-chan struct{} { return s.desc }

func (s *fakeSource) List(f hotplug.EnumFunc) error {
	s.mu.Lock()
	devs := append([]hotplug.Device(nil), s.present...)
	s.mu.Unlock()
	for _, dev := range devs {
		if err := f(dev, hotplug.StatusOnline); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) Refresh(f hotplug.EnumFunc) error {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		if err := f(ev.dev, ev.status); err != nil {
			return err
		}
	}
}

func (s *fakeSource) ping() {
	select {
	case s.desc <- struct{}{}:
	default:
	}
}

func (s *fakeSource) Plug(dev hotplug.Device) {
	s.mu.Lock()
	s.present = append(s.present, dev)
	s.queue = append(s.queue, fakeEvent{dev, hotplug.StatusOnline})
	s.mu.Unlock()
	s.ping()
}

func (s *fakeSource) Unplug(dev hotplug.Device) {
	s.mu.Lock()
	for i, cand := range s.present {
		if cand == dev {
			s.present = append(s.present[:i], s.present[i+1:]...)
			break
		}
	}
	s.queue = append(s.queue, fakeEvent{dev, hotplug.StatusDisconnected})
	s.mu.Unlock()
	s.ping()
}

func serialDev(location, serial string) *fakeDevice {
	return &fakeDevice{
		location: location,
		vid:      teensyVID,
		pid:      0x483,
		typ:      hotplug.DeviceSerial,
		serial:   serial,
		product:  "USB Serial",
	}
}

func seremuDev(location, serial string) *fakeDevice {
	return &fakeDevice{
		location:  location,
		vid:       teensyVID,
		pid:       0x483,
		typ:       hotplug.DeviceHID,
		serial:    serial,
		usagePage: 0xFFC9,
	}
}

func bootloaderDev(location string, usage uint16, serial string) *fakeDevice {
	return &fakeDevice{
		location:  location,
		vid:       teensyVID,
		pid:       0x478,
		typ:       hotplug.DeviceHID,
		serial:    serial,
		usagePage: 0xFF9C,
		usage:     usage,
	}
}

type recordedEvent struct {
	tag   string
	event board.Event
}

// newTestMonitor builds a serial-wait monitor over a fake source with a short
// drop delay, plus an event recorder.
func newTestMonitor(t *testing.T) (*board.Monitor, *fakeSource, *[]recordedEvent) {
	t.Helper()
	src := newFakeSource()
	m, err := board.NewMonitor(src, 0)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	m.SetDropDelay(100 * time.Millisecond)

	var events []recordedEvent
	m.RegisterCallback(func(b *board.Board, e board.Event) (bool, error) {
		events = append(events, recordedEvent{b.Tag(), e})
		return false, nil
	})
	return m, src, &events
}

func eventKinds(events []recordedEvent) []board.Event {
	out := make([]board.Event, len(events))
	for i, ev := range events {
		out[i] = ev.event
	}
	return out
}

func TestBoardAppearsInRunThenBootloaderMode(t *testing.T) {
	m, src, events := newTestMonitor(t)

	src.Plug(serialDev("usb1", "123456780"))
	require.NoError(t, m.Refresh())

	require.Equal(t, []board.Event{board.EventAdded}, eventKinds(*events))
	b := m.FindBoard("123456780-Teensy")
	require.NotNil(t, b)
	assert.Equal(t, board.StateOnline, b.State())
	assert.Equal(t, "Teensy", b.Model().Name)
	assert.Equal(t, uint64(123456780), b.Serial())
	assert.Equal(t, "USB Serial", b.Description())
	for _, c := range []board.Capability{board.CapabilityRun, board.CapabilitySerial, board.CapabilityReboot} {
		assert.True(t, b.HasCapability(c), c.String())
	}

	// The board reboots into HalfKay at the same port; the run-mode removal
	// notification was lost. Its bootloader reports the raw serial, which the
	// run-mode string carried with the padding applied.
	*events = nil
	src.Plug(bootloaderDev("usb1", 0x1D, "00BC614E"))
	require.NoError(t, m.Refresh())

	// The product id changed, so the stale interfaces are shed (disappeared)
	// before the change is announced.
	require.Equal(t, []board.Event{board.EventDisappeared, board.EventChanged}, eventKinds(*events))
	assert.Same(t, b, m.FindBoard("123456780-Teensy"))
	assert.Equal(t, "Teensy 3.0", b.Model().Name)
	assert.Equal(t, uint64(123456780), b.Serial())
	assert.Equal(t, board.StateOnline, b.State())
	for _, c := range []board.Capability{board.CapabilityUpload, board.CapabilityReset} {
		assert.True(t, b.HasCapability(c), c.String())
	}
}

func TestBoardReappearsWithinDropDelay(t *testing.T) {
	m, src, events := newTestMonitor(t)

	dev := serialDev("usb1", "123456780")
	src.Plug(dev)
	require.NoError(t, m.Refresh())
	b := m.BoardList()[0]

	*events = nil
	src.Unplug(dev)
	require.NoError(t, m.Refresh())
	require.Equal(t, []board.Event{board.EventDisappeared}, eventKinds(*events))
	assert.Equal(t, board.StateMissing, b.State())
	assert.Empty(t, b.Interfaces())

	time.Sleep(20 * time.Millisecond)
	src.Plug(dev)
	require.NoError(t, m.Refresh())
	require.Equal(t, []board.Event{board.EventDisappeared, board.EventChanged}, eventKinds(*events))
	assert.Equal(t, board.StateOnline, b.State())

	// Make sure the stale drop deadline does not fire later.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, m.Refresh())
	for _, ev := range *events {
		assert.NotEqual(t, board.EventDropped, ev.event)
	}
	assert.Equal(t, board.StateOnline, b.State())
}

func TestBoardDroppedAfterDelay(t *testing.T) {
	m, src, events := newTestMonitor(t)

	dev := serialDev("usb1", "123456780")
	src.Plug(dev)
	require.NoError(t, m.Refresh())
	b := m.BoardList()[0]

	src.Unplug(dev)
	start := time.Now()
	done, err := m.Wait(func(*board.Monitor) (bool, error) {
		return b.State() == board.StateDropped, nil
	}, time.Second)
	require.NoError(t, err)
	require.True(t, done)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 900*time.Millisecond)
	assert.Equal(t, board.EventDropped, (*events)[len(*events)-1].event)
	assert.Empty(t, m.BoardList())
}

func TestIdentityConflictDropsBoard(t *testing.T) {
	m, src, events := newTestMonitor(t)

	devA := serialDev("usb2", "100")
	src.Plug(devA)
	require.NoError(t, m.Refresh())
	old := m.BoardList()[0]

	*events = nil
	src.Plug(serialDev("usb2", "200"))
	require.NoError(t, m.Refresh())

	require.Equal(t, []board.Event{
		board.EventDisappeared, board.EventDropped, board.EventAdded,
	}, eventKinds(*events))
	assert.Equal(t, board.StateDropped, old.State())

	boards := m.BoardList()
	require.Len(t, boards, 1)
	assert.Equal(t, uint64(200), boards[0].Serial())
	assert.Equal(t, "usb2", boards[0].Location())
}

func TestCapabilitiesStayUnionOfInterfaces(t *testing.T) {
	m, src, _ := newTestMonitor(t)

	ser := serialDev("usb1", "123456780")
	sem := seremuDev("usb1", "123456780")
	src.Plug(ser)
	src.Plug(sem)
	require.NoError(t, m.Refresh())

	boards := m.BoardList()
	require.Len(t, boards, 1)
	b := boards[0]
	require.Len(t, b.Interfaces(), 2)

	union := func() board.Capabilities {
		var set board.Capabilities
		for _, iface := range b.Interfaces() {
			set |= iface.Capabilities
		}
		return set
	}
	assert.Equal(t, union(), b.Capabilities())

	src.Unplug(sem)
	require.NoError(t, m.Refresh())
	require.Len(t, b.Interfaces(), 1)
	assert.Equal(t, union(), b.Capabilities())
	assert.Equal(t, board.StateOnline, b.State())

	src.Unplug(ser)
	require.NoError(t, m.Refresh())
	assert.Empty(t, b.Interfaces())
	assert.Equal(t, board.Capabilities(0), b.Capabilities())
	assert.Equal(t, board.StateMissing, b.State())
}

func TestMissingBoardsDropInOrder(t *testing.T) {
	m, src, events := newTestMonitor(t)

	devA := serialDev("a", "111111110")
	devB := serialDev("b", "222222220")
	src.Plug(devA)
	src.Plug(devB)
	require.NoError(t, m.Refresh())

	src.Unplug(devA)
	require.NoError(t, m.Refresh())
	time.Sleep(30 * time.Millisecond)
	src.Unplug(devB)
	require.NoError(t, m.Refresh())

	done, err := m.Wait(func(m *board.Monitor) (bool, error) {
		return len(m.BoardList()) == 0, nil
	}, time.Second)
	require.NoError(t, err)
	require.True(t, done)

	var dropped []string
	for _, ev := range *events {
		if ev.event == board.EventDropped {
			dropped = append(dropped, ev.tag)
		}
	}
	assert.Equal(t, []string{"111111110-Teensy", "222222220-Teensy"}, dropped)
}

func TestInitialEnumeration(t *testing.T) {
	src := newFakeSource()
	src.Plug(serialDev("usb1", "123456780"))
	src.Plug(serialDev("usb9", "999999990"))
	// Drop the queued notifications: devices present before the first
	// refresh are found through enumeration, not events.
	src.queue = nil

	m, err := board.NewMonitor(src, 0)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Refresh())
	assert.Len(t, m.BoardList(), 2)

	var listed []string
	require.NoError(t, m.List(func(b *board.Board, e board.Event) error {
		assert.Equal(t, board.EventAdded, e)
		listed = append(listed, b.Tag())
		return nil
	}))
	assert.Len(t, listed, 2)
}

func TestForeignDevicesAreIgnored(t *testing.T) {
	m, src, events := newTestMonitor(t)

	src.Plug(&fakeDevice{location: "usb1", vid: 0x0403, pid: 0x6001, typ: hotplug.DeviceSerial})
	require.NoError(t, m.Refresh())
	assert.Empty(t, *events)
	assert.Empty(t, m.BoardList())

	// Unplugging a device that was never classified is a no-op too.
	src.Unplug(&fakeDevice{location: "usb1", vid: 0x0403, pid: 0x6001, typ: hotplug.DeviceSerial})
	require.NoError(t, m.Refresh())
	assert.Empty(t, *events)
}

func TestCallbackContract(t *testing.T) {
	m, src, _ := newTestMonitor(t)

	var once []board.Event
	m.RegisterCallback(func(b *board.Board, e board.Event) (bool, error) {
		once = append(once, e)
		return true, nil // drop after first delivery
	})

	abort := errs.New(errs.System, "subscriber gave up")
	var aborts int
	abortID := m.RegisterCallback(func(b *board.Board, e board.Event) (bool, error) {
		aborts++
		return false, abort
	})

	src.Plug(serialDev("usb1", "123456780"))
	err := m.Refresh()
	require.ErrorIs(t, err, abort)
	assert.Equal(t, []board.Event{board.EventAdded}, once)
	assert.Equal(t, 1, aborts)

	// The aggregator committed the change before dispatch.
	require.Len(t, m.BoardList(), 1)

	m.DeregisterCallback(abortID)
	m.DeregisterCallback(abortID) // idempotent

	src.Plug(serialDev("usb3", "333333330"))
	require.NoError(t, m.Refresh())
	// The self-dropping subscriber saw only the first event.
	assert.Len(t, once, 1)
}

func TestDeregisterDuringDispatch(t *testing.T) {
	m, src, _ := newTestMonitor(t)

	var secondCalls int
	var secondID int
	m.RegisterCallback(func(b *board.Board, e board.Event) (bool, error) {
		m.DeregisterCallback(secondID)
		return false, nil
	})
	secondID = m.RegisterCallback(func(b *board.Board, e board.Event) (bool, error) {
		secondCalls++
		return false, nil
	})

	src.Plug(serialDev("usb1", "123456780"))
	require.NoError(t, m.Refresh())
	assert.Zero(t, secondCalls)
}

func TestParallelWait(t *testing.T) {
	src := newFakeSource()
	m, err := board.NewMonitor(src, board.ParallelWait)
	require.NoError(t, err)
	defer m.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		src.Plug(serialDev("usb1", "123456780"))
		_ = m.Refresh()
	}()

	done, err := m.Wait(func(m *board.Monitor) (bool, error) {
		return m.FindBoard("123456780-Teensy") != nil, nil
	}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, done)

	// And the timeout path reports false without an error.
	done, err = m.Wait(func(m *board.Monitor) (bool, error) {
		return false, nil
	}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestWaitForCapability(t *testing.T) {
	m, src, _ := newTestMonitor(t)

	src.Plug(serialDev("usb1", "123456780"))
	require.NoError(t, m.Refresh())
	b := m.BoardList()[0]

	ok, err := b.WaitFor(board.CapabilitySerial, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.WaitFor(board.CapabilityUpload, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}
