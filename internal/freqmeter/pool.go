package freqmeter

import (
	"sort"
	"sync"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/devicecfg"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/fpawel/freqmeter/internal/transport"
	"github.com/powerman/structlog"
)

var ErrDeviceRemoved = merry.New("device file not found")

// Pool keeps one Device per document in the devices directory, so that every
// caller addressing a device by name shares its connection.
type Pool struct {
	dir string
	tc  transport.Config
	log *structlog.Logger

	mu      sync.Mutex
	devices map[string]*Device
	files   map[string]bool // devices loaded from the directory
}

func NewPool(dir string, tc transport.Config, log *structlog.Logger) *Pool {
	return &Pool{
		dir:     dir,
		tc:      tc,
		log:     pkg.UnitLogger(log, "pool"),
		devices: make(map[string]*Device),
		files:   make(map[string]bool),
	}
}

func (x *Pool) Dir() string {
	return x.dir
}

// Get returns the named device, loading its document on first use. A device
// whose file was removed is dropped from the pool.
func (x *Pool) Get(name string) (*Device, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if d, f := x.devices[name]; f && !x.files[name] {
		return d, nil
	}
	if !devicecfg.Exists(x.dir, name) {
		x.closeDevice(name)
		return nil, merry.Appendf(ErrDeviceRemoved, "%q in %s", name, x.dir)
	}
	if d, f := x.devices[name]; f {
		return d, nil
	}
	doc, err := devicecfg.Load(x.dir, name)
	if err != nil {
		return nil, err
	}
	d, err := New(doc, x.tc, x.log)
	if err != nil {
		return nil, err
	}
	x.devices[name] = d
	x.files[name] = true
	return d, nil
}

// Add registers a device built elsewhere, replacing one of the same name.
// Such a device is not tied to a file in the directory.
func (x *Pool) Add(d *Device) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closeDevice(d.Name())
	x.devices[d.Name()] = d
}

func (x *Pool) Remove(name string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closeDevice(name)
}

func (x *Pool) CloseAll() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for name := range x.devices {
		x.closeDevice(name)
	}
}

// Names lists the devices currently held by the pool.
func (x *Pool) Names() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	var xs []string
	for name := range x.devices {
		xs = append(xs, name)
	}
	sort.Strings(xs)
	return xs
}

func (x *Pool) closeDevice(name string) {
	d, f := x.devices[name]
	if !f {
		return
	}
	delete(x.devices, name)
	delete(x.files, name)
	if d.Connected() {
		x.log.ErrIfFail(d.Disconnect, "device", name)
	}
}
