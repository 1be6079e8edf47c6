// Package freqmeter drives frequency-meter instruments over a transport
// client and keeps their per-channel measurement history.
package freqmeter

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/devicecfg"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/fpawel/freqmeter/internal/transport"
	"github.com/powerman/structlog"
)

var (
	ErrNotConnected = merry.New("device is not connected")
	ErrNotReady     = merry.New("device connected but not responding ACK")
	ErrProtocol     = merry.New("unexpected reply")
	ErrChannel      = merry.New("channel out of range")
	ErrImpedance    = merry.New("impedance not supported")
	ErrNoCDT        = merry.New("code density test is not supported")
	ErrNoCoarse     = merry.New("coarse calibration is not supported")
	ErrNotMeasuring = merry.New("measurement not started")
)

// Sample is one fetched measurement: a value per signal of the device.
type Sample struct {
	Time    time.Time
	Channel int
	Signals []string
	Values  []float64
}

// Value returns the value of the named signal. An empty name selects the
// first signal.
func (s Sample) Value(signal string) (float64, bool) {
	if signal == "" {
		if len(s.Values) == 0 {
			return 0, false
		}
		return s.Values[0], true
	}
	for i, x := range s.Signals {
		if x == signal && i < len(s.Values) {
			return s.Values[i], true
		}
	}
	return 0, false
}

func (s Sample) clone() Sample {
	s.Signals = append([]string(nil), s.Signals...)
	s.Values = append([]float64(nil), s.Values...)
	return s
}

type Device struct {
	name    string
	profile *profile
	client  transport.Client
	log     *structlog.Logger
	now     func() time.Time

	// io serializes instrument exchanges, mu guards the state below
	io sync.Mutex

	mu        sync.Mutex
	connected bool
	ready     bool
	channel   int
	history   [][]Sample
	rnd       *rand.Rand
}

// New creates the device described by doc. The document protocol must be one
// the vendor speaks.
func New(doc devicecfg.Doc, base transport.Config, log *structlog.Logger) (*Device, error) {
	p, err := lookupProfile(Vendor(doc.General.Vendor))
	if err != nil {
		return nil, merry.Appendf(err, "device %q", doc.Name())
	}
	tc := doc.Transport(base)
	if !p.SupportsProtocol(tc.Protocol) {
		return nil, merry.Appendf(transport.ErrConfig, "device %q: vendor %s does not speak %q",
			doc.Name(), p.Vendor, tc.Protocol)
	}
	log = pkg.UnitLogger(log, "device").New("device", doc.Name())
	client, err := transport.New(tc, log)
	if err != nil {
		return nil, merry.Appendf(err, "device %q", doc.Name())
	}
	return newDevice(doc.Name(), p, client, log), nil
}

// NewWithClient creates a device of the given vendor over an existing client.
func NewWithClient(name string, vendor Vendor, client transport.Client, log *structlog.Logger) (*Device, error) {
	p, err := lookupProfile(vendor)
	if err != nil {
		return nil, err
	}
	return newDevice(name, p, client, pkg.UnitLogger(log, "device").New("device", name)), nil
}

func newDevice(name string, p *profile, client transport.Client, log *structlog.Logger) *Device {
	x := &Device{
		name:    name,
		profile: p,
		client:  client,
		log:     log,
		now:     time.Now,
		channel: -1,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	x.history = x.emptyHistory()
	return x
}

func (x *Device) Name() string {
	return x.name
}

func (x *Device) Vendor() Vendor {
	return x.profile.Vendor
}

func (x *Device) Descriptor() Descriptor {
	return x.profile.Descriptor.clone()
}

func (x *Device) String() string {
	return x.name + "(" + string(x.profile.Vendor) + ")"
}

func (x *Device) Connect(ctx context.Context) error {
	x.io.Lock()
	err := x.client.Connect(ctx)
	x.io.Unlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	x.connected = err == nil
	x.ready = false
	if err != nil {
		return merry.Appendf(err, "unable to connect to device %s", x.name)
	}
	return nil
}

func (x *Device) Disconnect() error {
	x.io.Lock()
	err := x.client.Disconnect()
	x.io.Unlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	x.connected = false
	x.ready = false
	x.channel = -1
	return err
}

func (x *Device) Connected() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.connected
}

// Ready reports whether the last IsReady check succeeded on this connection.
func (x *Device) Ready() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.connected && x.ready
}

// Idn returns the instrument identification reply.
func (x *Device) Idn() (string, error) {
	b, err := x.query("*IDN?")
	return string(b), err
}

// IsReady is the acknowledge check: it tells a socket that merely connected
// from an instrument that speaks the protocol.
func (x *Device) IsReady() error {
	if !x.Connected() {
		return merry.Appendf(ErrNotConnected, "%s", x.name)
	}
	_, err := x.Idn()
	x.mu.Lock()
	x.ready = err == nil
	x.mu.Unlock()
	if err != nil {
		return merry.Prepend(ErrNotReady.Here(), x.name+": "+err.Error())
	}
	return nil
}

func (x *Device) Reset() error {
	return x.send("*RST")
}

// StartMeasurement clears the history, fixes the active channel and arms
// acquisition with the given gate time. An empty impedance selects the first
// one the vendor supports.
func (x *Device) StartMeasurement(sampleTime time.Duration, channel int, impedance string) error {
	if !x.Ready() {
		return merry.Appendf(ErrNotReady, "%s: connect and acknowledge before measuring", x.name)
	}
	if channel < 0 || channel >= x.profile.Channels {
		return merry.Appendf(ErrChannel, "%s: channel %d, device has %d", x.name, channel, x.profile.Channels)
	}
	if impedance == "" {
		impedance = x.profile.Impedances[0]
	}
	if !x.profile.SupportsImpedance(impedance) {
		return merry.Appendf(ErrImpedance, "%s: %q", x.name, impedance)
	}

	x.mu.Lock()
	x.history = x.emptyHistory()
	x.channel = channel
	x.mu.Unlock()

	for _, c := range x.profile.start(sampleTime, channel, impedance) {
		if err := x.exec(c); err != nil {
			return merry.Appendf(err, "%s: start measurement", x.name)
		}
	}
	x.log.Info("measurement started", "channel", channel, "sample_time", sampleTime, "impedance", impedance)
	return nil
}

// ActiveChannel returns the channel fixed by the last StartMeasurement.
func (x *Device) ActiveChannel() (int, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.channel, x.channel >= 0
}

// StoreFreq fetches one sample and appends it to the history of the active
// channel. On any failure the history is left untouched.
func (x *Device) StoreFreq() (Sample, error) {
	x.mu.Lock()
	channel := x.channel
	x.mu.Unlock()
	if channel < 0 {
		return Sample{}, merry.Appendf(ErrNotMeasuring, "%s", x.name)
	}

	values, err := x.fetch()
	if err != nil {
		x.log.PrintErr("couldn't fetch frequency", "err", err)
		return Sample{}, merry.Appendf(err, "%s: fetch frequency", x.name)
	}
	s := Sample{
		Time:    x.now(),
		Channel: channel,
		Signals: x.profile.Signals,
		Values:  values,
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.channel != channel {
		// restarted while fetching
		return Sample{}, merry.Appendf(ErrNotMeasuring, "%s: measurement restarted", x.name)
	}
	x.history[channel] = append(x.history[channel], s)
	return s.clone(), nil
}

// History returns a copy of the samples stored for channel.
func (x *Device) History(channel int) []Sample {
	x.mu.Lock()
	defer x.mu.Unlock()
	if channel < 0 || channel >= len(x.history) {
		return nil
	}
	xs := make([]Sample, len(x.history[channel]))
	for i, s := range x.history[channel] {
		xs[i] = s.clone()
	}
	return xs
}

// SetCoarseCalibration writes the scale constant M to the coarse calibration
// register.
func (x *Device) SetCoarseCalibration(m float64) error {
	if !x.profile.Coarse {
		return merry.Appendf(ErrNoCoarse, "%s", x.name)
	}
	_, err := x.query("CAL:COARSE " + strconv.FormatFloat(m, 'g', 14, 64))
	if err != nil {
		return merry.Appendf(err, "%s: write coarse calibration", x.name)
	}
	x.log.Info("coarse calibration written", "M", m)
	return nil
}

func (x *Device) fetch() ([]float64, error) {
	if x.profile.simulate != nil {
		x.mu.Lock()
		defer x.mu.Unlock()
		return x.profile.simulate(x.rnd), nil
	}
	b, err := x.query(x.profile.fetch.text)
	if err != nil {
		return nil, err
	}
	return parseValues(string(b), len(x.profile.Signals))
}

func parseValues(reply string, count int) ([]float64, error) {
	fields := strings.Split(strings.TrimSpace(reply), ",")
	if len(fields) != count {
		return nil, merry.Appendf(ErrProtocol, "%q: expected %d comma separated values", reply, count)
	}
	values := make([]float64, count)
	for i, s := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, merry.Appendf(ErrProtocol, "%q: value %d: %v", reply, i+1, err)
		}
		values[i] = v
	}
	return values, nil
}

func (x *Device) exec(c command) error {
	if c.reply {
		_, err := x.query(c.text)
		return err
	}
	return x.send(c.text)
}

func (x *Device) send(cmd string) error {
	x.io.Lock()
	defer x.io.Unlock()
	return x.client.Write(cmd)
}

func (x *Device) query(cmd string) ([]byte, error) {
	x.io.Lock()
	defer x.io.Unlock()
	if err := x.client.Write(cmd); err != nil {
		return nil, err
	}
	b, err := x.client.Read()
	if err != nil {
		return nil, merry.Appendf(err, "reply to %q", cmd)
	}
	return b, nil
}

func (x *Device) emptyHistory() [][]Sample {
	return make([][]Sample, x.profile.Channels)
}
