package board

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/CK6170/teensyhost-go/errs"
	"github.com/CK6170/teensyhost-go/hotplug"
)

// Debug enables classification and identification logging.
var Debug bool

func debugf(format string, args ...interface{}) {
	if Debug {
		log.Printf("[board] "+format, args...)
	}
}

// DefaultDropDelay is how long a board may stay missing before it is dropped.
// Boards rebooting between run and bootloader mode disappear for a moment;
// the delay absorbs that and slow re-enumeration on loaded hubs.
const DefaultDropDelay = 15 * time.Second

// Event describes a board state change delivered to subscribers.
type Event int

const (
	// EventAdded: a board appeared at a new location.
	EventAdded Event = iota
	// EventChanged: the board's interfaces, mode or identity changed.
	EventChanged
	// EventDisappeared: the board lost its last interface.
	EventDisappeared
	// EventDropped: the board stayed missing past the drop delay. Terminal.
	EventDropped
)

func (e Event) String() string {
	switch e {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventDisappeared:
		return "disappeared"
	case EventDropped:
		return "dropped"
	}
	return "unknown"
}

// CallbackFunc observes board events. Returning unregister drops the
// subscription after this call; a non-nil error aborts the dispatch and
// propagates to whoever triggered it (usually Refresh or Wait).
type CallbackFunc func(b *Board, e Event) (unregister bool, err error)

type callback struct {
	id int
	f  CallbackFunc
}

// Flags adjust monitor behavior.
type Flags int

const (
	// ParallelWait: refreshing happens on a dedicated goroutine while other
	// goroutines block in Wait. Without it the waiter drives the refresh
	// cycle itself.
	ParallelWait Flags = 1 << iota
)

// Monitor fuses the hotplug event stream into a stable set of boards and
// fans out change events to subscribers.
//
// All aggregator state is single-writer: only the goroutine calling Refresh
// mutates it. Callbacks run on that goroutine with no aggregator lock held.
type Monitor struct {
	flags Flags
	src   hotplug.Source
	timer *dropTimer

	dropDelay  time.Duration
	enumerated bool

	cbMu      sync.Mutex
	callbacks []*callback
	nextCBID  int

	// refreshSignal is closed and replaced after every refresh; parallel
	// waiters snapshot it before evaluating their predicate.
	refreshMu     sync.Mutex
	refreshSignal chan struct{}

	boardsMu sync.RWMutex
	boards   []*Board

	// missing is the drop queue, ordered by missingSince ascending.
	missing *list.List

	// interfaces indexes every attached interface by device descriptor.
	interfaces map[hotplug.Device]*Interface
}

// NewMonitor starts src and wraps it in a monitor.
func NewMonitor(src hotplug.Source, flags Flags) (*Monitor, error) {
	if err := src.Start(); err != nil {
		return nil, err
	}
	return &Monitor{
		flags:         flags,
		src:           src,
		timer:         newDropTimer(),
		dropDelay:     DefaultDropDelay,
		refreshSignal: make(chan struct{}),
		missing:       list.New(),
		interfaces:    make(map[hotplug.Device]*Interface),
	}, nil
}

// Close stops the hotplug source and the drop timer. The monitor must not be
// used afterwards.
func (m *Monitor) Close() {
	m.timer.Stop()
	m.src.Stop()
}

// SetDropDelay changes the missing-board grace period. Call before the first
// Refresh.
func (m *Monitor) SetDropDelay(d time.Duration) { m.dropDelay = d }

func (m *Monitor) DropDelay() time.Duration { return m.dropDelay }

// RegisterCallback subscribes f to board events and returns a subscription id
// for DeregisterCallback.
func (m *Monitor) RegisterCallback(f CallbackFunc) int {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	id := m.nextCBID
	m.nextCBID++
	m.callbacks = append(m.callbacks, &callback{id: id, f: f})
	return id
}

// DeregisterCallback removes a subscription. Unknown ids are ignored, so the
// call is idempotent and safe from inside a callback.
func (m *Monitor) DeregisterCallback(id int) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	for i, cb := range m.callbacks {
		if cb.id == id {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			break
		}
	}
}

// triggerCallbacks dispatches one event. It iterates over a snapshot of
// subscription ids and re-resolves each before the call, so callbacks may
// deregister themselves or others mid-dispatch.
func (m *Monitor) triggerCallbacks(b *Board, e Event) error {
	m.cbMu.Lock()
	ids := make([]int, len(m.callbacks))
	for i, cb := range m.callbacks {
		ids[i] = cb.id
	}
	m.cbMu.Unlock()

	for _, id := range ids {
		m.cbMu.Lock()
		var cb *callback
		for _, cand := range m.callbacks {
			if cand.id == id {
				cb = cand
				break
			}
		}
		m.cbMu.Unlock()
		if cb == nil {
			continue
		}

		unregister, err := cb.f(b, e)
		if err != nil {
			return err
		}
		if unregister {
			m.DeregisterCallback(id)
		}
	}
	return nil
}

// BoardList returns a snapshot of the active boards (online and missing).
func (m *Monitor) BoardList() []*Board {
	m.boardsMu.RLock()
	defer m.boardsMu.RUnlock()
	out := make([]*Board, len(m.boards))
	copy(out, m.boards)
	return out
}

// FindBoard resolves a board by tag or id.
func (m *Monitor) FindBoard(tag string) *Board {
	m.boardsMu.RLock()
	defer m.boardsMu.RUnlock()
	for _, b := range m.boards {
		if b.tag == tag || b.id == tag {
			return b
		}
	}
	return nil
}

// List reports every online board as an added event, the way a fresh
// subscriber would have seen it. A non-nil error from f stops the walk.
func (m *Monitor) List(f func(b *Board, e Event) error) error {
	for _, b := range m.BoardList() {
		if b.State() != StateOnline {
			continue
		}
		if err := f(b, EventAdded); err != nil {
			return err
		}
	}
	return nil
}

// Descriptors returns the channels that signal pending work for Refresh:
// hotplug events and drop-timer expiry. Callers integrating the monitor into
// their own poll loop select on these and call Refresh when one fires.
func (m *Monitor) Descriptors() []<-chan struct{} {
	return []<-chan struct{}{m.src.Descriptor(), m.timer.Descriptor()}
}

// Refresh runs one cycle: drop expired missing boards, then pump hotplug
// events through the aggregator. The first call enumerates devices already
// present. Callback errors propagate unchanged.
func (m *Monitor) Refresh() error {
	if m.timer.Rearm() {
		m.drainDropQueue()
	}

	if !m.enumerated {
		m.enumerated = true
		if err := m.src.List(m.deviceCallback); err != nil {
			return err
		}
		m.broadcastRefresh()
		return nil
	}

	if err := m.src.Refresh(m.deviceCallback); err != nil {
		return err
	}

	m.broadcastRefresh()
	return nil
}

func (m *Monitor) broadcastRefresh() {
	m.refreshMu.Lock()
	close(m.refreshSignal)
	m.refreshSignal = make(chan struct{})
	m.refreshMu.Unlock()
}

// drainDropQueue drops every missing board whose grace period has elapsed and
// re-arms the timer for the next one in line.
func (m *Monitor) drainDropQueue() {
	for elem := m.missing.Front(); elem != nil; elem = m.missing.Front() {
		b := elem.Value.(*Board)
		left := adjustTimeout(m.dropDelay, b.missingSince)
		if left > 0 {
			m.timer.Set(left)
			return
		}
		m.dropBoard(b)
	}
}

func (m *Monitor) deviceCallback(dev hotplug.Device, status hotplug.Status) error {
	switch status {
	case hotplug.StatusOnline:
		return m.addInterface(dev)
	case hotplug.StatusDisconnected:
		return m.removeInterface(dev)
	}
	return nil
}

// openNewInterface classifies dev against the registered families. It returns
// nil when no family claims the device. Races where the device vanishes or is
// grabbed by another process before classification finishes are swallowed.
func (m *Monitor) openNewInterface(dev hotplug.Device) (*Interface, error) {
	for _, f := range Families() {
		iface := NewInterface(dev, f)
		ok, err := f.LoadInterface(iface)
		if err != nil {
			if errs.Is(err, errs.NotFound) || errs.Is(err, errs.Access) {
				return nil, nil
			}
			return nil, err
		}
		if ok {
			return iface, nil
		}
	}
	return nil, nil
}

func (m *Monitor) findBoard(location string) *Board {
	m.boardsMu.RLock()
	defer m.boardsMu.RUnlock()
	for _, b := range m.boards {
		if b.location == location {
			return b
		}
	}
	return nil
}

// ifaceCompatible applies the identity heuristics: device notifications may
// arrive out of order or get lost entirely, so a new interface that cannot
// belong to the board at the same location forces a board change.
func ifaceCompatible(iface *Interface, b *Board) bool {
	if iface.Model.IsReal() && b.model.IsReal() && iface.Model != b.model {
		return false
	}
	if iface.Serial != 0 && b.serial != 0 && iface.Serial != b.serial {
		// Firmware built before the serial padding fix reports the unpadded
		// number in run mode; treat it as the same board.
		return iface.Serial*10 == b.serial
	}
	return true
}

func (m *Monitor) addBoard(iface *Interface) *Board {
	b := &Board{
		monitor:  m,
		family:   iface.family,
		location: iface.Dev.Location(),
		model:    iface.Model,
		serial:   iface.Serial,
		vid:      iface.Dev.VID(),
		pid:      iface.Dev.PID(),
	}
	b.id = fmt.Sprintf("%d-%s", b.serial, iface.family.Name())
	b.tag = b.id

	m.boardsMu.Lock()
	m.boards = append(m.boards, b)
	m.boardsMu.Unlock()
	return b
}

func (m *Monitor) addInterface(dev hotplug.Device) error {
	// A device can be announced twice when it shows up both in the initial
	// enumeration and as a queued event; keep the attached interface.
	if m.interfaces[dev] != nil {
		return nil
	}

	iface, err := m.openNewInterface(dev)
	if err != nil || iface == nil {
		return err
	}

	b := m.findBoard(dev.Location())
	if b != nil && !ifaceCompatible(iface, b) {
		if b.State() == StateOnline {
			m.closeBoard(b)
		}
		m.dropBoard(b)
		b = nil
	}

	event := EventChanged
	if b != nil {
		if b.vid != dev.VID() || b.pid != dev.PID() {
			if b.State() == StateOnline {
				m.closeBoard(b)
			}
			b.vid = dev.VID()
			b.pid = dev.PID()
		}

		if iface.Model.IsReal() {
			b.model = iface.Model
		}
		if iface.Serial != 0 {
			if b.serial != 0 && iface.Serial*10 == b.serial {
				log.Printf("[board] board '%s' uses outdated firmware, upgrade it to fix serial number reporting", b.tag)
			} else {
				b.serial = iface.Serial
			}
		}
	} else {
		b = m.addBoard(iface)
		event = EventAdded
	}

	iface.board = b

	b.ifaceMu.Lock()
	b.interfaces = append(b.interfaces, iface)
	m.interfaces[dev] = iface
	for c := Capability(0); c < capabilityCount; c++ {
		if iface.Capabilities.Has(c) {
			b.cap2iface[c] = iface
		}
	}
	b.capabilities |= iface.Capabilities
	b.ifaceMu.Unlock()

	if err := iface.family.UpdateBoard(iface, b); err != nil {
		return err
	}

	if b.missingElem != nil {
		m.missing.Remove(b.missingElem)
		b.missingElem = nil
	}
	b.setState(StateOnline)

	debugf("interface %s (%s) attached to board '%s'", iface.Name, dev.Location(), b.tag)
	return m.triggerCallbacks(b, event)
}

func (m *Monitor) removeInterface(dev hotplug.Device) error {
	iface := m.interfaces[dev]
	if iface == nil {
		return nil
	}
	b := iface.board

	b.ifaceMu.Lock()
	delete(m.interfaces, dev)
	for i, cand := range b.interfaces {
		if cand == iface {
			b.interfaces = append(b.interfaces[:i], b.interfaces[i+1:]...)
			break
		}
	}

	// Rebuild the capability view from what is left.
	b.cap2iface = [capabilityCount]*Interface{}
	b.capabilities = 0
	for _, cand := range b.interfaces {
		for c := Capability(0); c < capabilityCount; c++ {
			if cand.Capabilities.Has(c) {
				b.cap2iface[c] = cand
			}
		}
		b.capabilities |= cand.Capabilities
	}
	empty := len(b.interfaces) == 0
	b.ifaceMu.Unlock()

	if empty {
		m.closeBoard(b)
		m.addMissingBoard(b)
		return nil
	}
	return m.triggerCallbacks(b, EventChanged)
}

// closeBoard detaches everything and announces the disappearance. Idempotent:
// a board already missing is left alone.
func (m *Monitor) closeBoard(b *Board) {
	if b.State() != StateOnline {
		return
	}

	b.ifaceMu.Lock()
	drained := b.interfaces
	b.interfaces = nil
	b.cap2iface = [capabilityCount]*Interface{}
	b.capabilities = 0
	b.ifaceMu.Unlock()

	b.setState(StateMissing)
	_ = m.triggerCallbacks(b, EventDisappeared)

	for _, iface := range drained {
		delete(m.interfaces, iface.Dev)
	}
}

// addMissingBoard queues b for dropping and arms the timer for the queue
// head. Queue order is missingSince order because boards are appended as they
// disappear.
func (m *Monitor) addMissingBoard(b *Board) {
	b.missingSince = time.Now()
	if b.missingElem != nil {
		m.missing.Remove(b.missingElem)
	}
	b.missingElem = m.missing.PushBack(b)

	head := m.missing.Front().Value.(*Board)
	m.timer.Set(adjustTimeout(m.dropDelay, head.missingSince))
}

// dropBoard finalizes b: out of the drop queue, out of the active list,
// terminal state.
func (m *Monitor) dropBoard(b *Board) {
	if b.missingElem != nil {
		m.missing.Remove(b.missingElem)
		b.missingElem = nil
	}

	b.setState(StateDropped)
	_ = m.triggerCallbacks(b, EventDropped)

	m.boardsMu.Lock()
	for i, cand := range m.boards {
		if cand == b {
			m.boards = append(m.boards[:i], m.boards[i+1:]...)
			break
		}
	}
	m.boardsMu.Unlock()
}

// Run drives the refresh cycle until ctx is cancelled: an immediate refresh
// to enumerate, then one per descriptor wakeup. This is the refresher
// goroutine to start when the monitor was created with ParallelWait. Errors
// from subscriber callbacks end the loop and are returned.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Refresh(); err != nil {
		return err
	}

	descs := m.Descriptors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-descs[0]:
		case <-descs[1]:
		}
		if err := m.Refresh(); err != nil {
			return err
		}
	}
}

// Wait blocks until the predicate returns true, an error occurs or the
// timeout elapses; it reports whether the predicate was satisfied. A negative
// timeout waits forever.
//
// Without ParallelWait the calling goroutine drives the refresh cycle itself.
// With it, the caller only watches refreshes performed elsewhere; a refresh
// goroutine must be running for progress.
func (m *Monitor) Wait(f func(*Monitor) (bool, error), timeout time.Duration) (bool, error) {
	start := time.Now()

	if m.flags&ParallelWait != 0 {
		for {
			m.refreshMu.Lock()
			signal := m.refreshSignal
			m.refreshMu.Unlock()

			if f != nil {
				done, err := f(m)
				if err != nil {
					return false, err
				}
				if done {
					return true, nil
				}
			}

			left := adjustTimeout(timeout, start)
			if left == 0 {
				return false, nil
			}
			var expired <-chan time.Time
			if left > 0 {
				t := time.NewTimer(left)
				expired = t.C
				select {
				case <-signal:
					t.Stop()
				case <-expired:
					return false, nil
				}
			} else {
				<-signal
			}
		}
	}

	for {
		if err := m.Refresh(); err != nil {
			return false, err
		}

		if f != nil {
			done, err := f(m)
			if err != nil {
				return false, err
			}
			if done {
				return true, nil
			}
		}

		if !m.poll(adjustTimeout(timeout, start)) {
			return false, nil
		}
	}
}

// poll waits for refresh work or the timeout; it returns false on timeout.
func (m *Monitor) poll(timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout == 0 {
		return false
	}
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-m.src.Descriptor():
		return true
	case <-m.timer.Descriptor():
		return true
	case <-expired:
		return false
	}
}
