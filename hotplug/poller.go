package hotplug

import (
	"sync"
	"time"

	"github.com/sstallion/go-hid"
	"go.bug.st/serial/enumerator"
)

// DefaultPollInterval is how often the Poller rescans the buses.
const DefaultPollInterval = 500 * time.Millisecond

type event struct {
	dev    Device
	status Status
}

// Poller is a Source that detects plug/unplug by periodically re-enumerating
// serial ports and HID interfaces and diffing the snapshots. No OS hotplug
// subscription is needed, at the cost of up to one poll interval of latency.
type Poller struct {
	interval time.Duration

	// Enumeration entry points, replaced in tests.
	serialPorts func() ([]*enumerator.PortDetails, error)
	hidDevices  func() ([]*hid.DeviceInfo, error)
	skipHIDInit bool

	mu      sync.Mutex
	devices map[string]Device // identity key -> live device
	queue   []event
	desc    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewPoller builds a Poller with the given scan interval; zero or negative
// means DefaultPollInterval.
func NewPoller(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		interval:    interval,
		serialPorts: listSerialPorts,
		hidDevices:  listHIDDevices,
		devices:     make(map[string]Device),
		desc:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start takes the initial snapshot and launches the scan loop. Devices present
// at Start are reported by List, not as events.
func (p *Poller) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if !p.skipHIDInit {
		_ = hid.Init()
	}
	p.scan(false)

	go p.loop()
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	if !p.skipHIDInit {
		_ = hid.Exit()
	}
}

func (p *Poller) Descriptor() <-chan struct{} { return p.desc }

func (p *Poller) loop() {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.scan(true)
		}
	}
}

// scan re-enumerates both buses and merges the result into the device map.
// With emit set, differences are queued as events and the descriptor pinged.
func (p *Poller) scan(emit bool) {
	seen := make(map[string]struct{})
	var added []Device

	merge := func(key string, make func() Device) {
		seen[key] = struct{}{}
		p.mu.Lock()
		_, ok := p.devices[key]
		if !ok {
			dev := make()
			p.devices[key] = dev
			added = append(added, dev)
		}
		p.mu.Unlock()
	}

	if ports, err := p.serialPorts(); err == nil {
		for _, port := range ports {
			port := port
			merge("serial:"+port.Name, func() Device { return newSerialDevice(port) })
		}
	}
	if infos, err := p.hidDevices(); err == nil {
		for _, info := range infos {
			info := info
			merge("hid:"+info.Path, func() Device { return newHIDDevice(info) })
		}
	}

	// Anything we knew about that the scan no longer reports is gone. The
	// original Device value is kept for the event so consumers can match it.
	p.mu.Lock()
	var removed []Device
	for key, dev := range p.devices {
		if _, ok := seen[key]; !ok {
			removed = append(removed, dev)
			delete(p.devices, key)
		}
	}
	if emit && (len(added) > 0 || len(removed) > 0) {
		for _, dev := range added {
			p.queue = append(p.queue, event{dev, StatusOnline})
		}
		for _, dev := range removed {
			p.queue = append(p.queue, event{dev, StatusDisconnected})
		}
		select {
		case p.desc <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()
}

// List reports every device currently known.
func (p *Poller) List(f EnumFunc) error {
	p.mu.Lock()
	devs := make([]Device, 0, len(p.devices))
	for _, dev := range p.devices {
		devs = append(devs, dev)
	}
	p.mu.Unlock()

	for _, dev := range devs {
		if err := f(dev, StatusOnline); err != nil {
			return err
		}
	}
	return nil
}

// Refresh drains queued events in arrival order.
func (p *Poller) Refresh(f EnumFunc) error {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		ev := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if err := f(ev.dev, ev.status); err != nil {
			return err
		}
	}
}
