// Package calib runs the two calibration phases of a frequency meter: the
// coarse gain calibration against a reference device and the fine
// calibration by the onboard code density test.
package calib

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/freqmeter"
	"github.com/fpawel/freqmeter/internal/measure"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/powerman/structlog"
)

// Device is what the controller needs from a frequency meter.
type Device interface {
	measure.Meter
	Ready() bool
	SetCoarseCalibration(m float64) error
	CDTStart(gateTime time.Duration, count int, channel int) error
	CDTPoll() (freqmeter.CDTStatus, error)
	CDTValues() (freqmeter.CDTResult, error)
}

// Recorder stores the outcome of finished sessions.
type Recorder interface {
	SaveCoarse(CoarseResult) error
	SaveFine(FineResult) error
}

// Events receives the messages shown to the operator.
type Events interface {
	Info(text string)
	Warn(text string)
	Err(err error)
}

type State int

const (
	Idle State = iota
	CoarseRunning
	FineRunning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CoarseRunning:
		return "coarse calibration"
	case FineRunning:
		return "fine calibration"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

var (
	ErrBusy         = merry.New("another calibration is in progress")
	ErrSameDevice   = merry.New("target and reference must be different devices")
	ErrNotConnected = merry.New("device is not connected or not acknowledged")
	ErrCount        = merry.New("number of measurements must be a positive integer")
	ErrNotRunning   = merry.New("calibration is not running")
)

type Options struct {
	Recorder Recorder
	Events   Events
	Sink     measure.Sink // receives coarse measurement batches
	Metrics  *measure.Metrics
}

// Controller is the calibration state machine. Coarse and fine sessions are
// mutually exclusive.
type Controller struct {
	cfg    Config
	log    *structlog.Logger
	opts   Options
	engine *measure.Engine
	now    func() time.Time

	mu         sync.Mutex
	state      State
	coarse     *coarseSession
	fine       *fineSession
	lastCoarse *CoarseResult
	lastFine   *FineResult
	queued     []func() // Events and Recorder calls, run by unlock
}

func New(c Config, log *structlog.Logger, opts Options) (*Controller, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	log = pkg.UnitLogger(log, "calib")
	return &Controller{
		cfg:    c,
		log:    log,
		opts:   opts,
		engine: measure.New(log),
		now:    time.Now,
	}, nil
}

func (x *Controller) Config() Config {
	return x.cfg
}

func (x *Controller) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Engine is the measurement engine of the coarse phase, for consumers of
// its sample batches.
func (x *Controller) Engine() *measure.Engine {
	return x.engine
}

// LastCoarse is the result of the last finished coarse session.
func (x *Controller) LastCoarse() (CoarseResult, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.lastCoarse == nil {
		return CoarseResult{}, false
	}
	return *x.lastCoarse, true
}

// LastFine is the result of the last finished fine session.
func (x *Controller) LastFine() (FineResult, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.lastFine == nil {
		return FineResult{}, false
	}
	r := *x.lastFine
	r.Values = cloneCDT(r.Values)
	return r, true
}

// ParseCount reads the measurement count of the fine phase as typed by the
// operator.
func ParseCount(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, merry.Appendf(ErrCount, "%q", s)
	}
	return n, nil
}

func (x *Controller) checkIdle() error {
	if x.state != Idle {
		return merry.Appendf(ErrBusy, "%s is running", x.state)
	}
	return nil
}

func (x *Controller) lock() {
	x.mu.Lock()
}

// unlock releases the controller, then runs the calls queued while it was
// held. Events and Recorder implementations may call back into the
// controller.
func (x *Controller) unlock() {
	queued := x.queued
	x.queued = nil
	x.mu.Unlock()
	for _, f := range queued {
		f()
	}
}

// later must be called with the controller locked.
func (x *Controller) later(f func()) {
	x.queued = append(x.queued, f)
}

func (x *Controller) info(text string) {
	x.log.Info(text)
	if ev := x.opts.Events; ev != nil {
		x.later(func() { ev.Info(text) })
	}
}

func (x *Controller) warn(text string) {
	x.log.Warn(text)
	if ev := x.opts.Events; ev != nil {
		x.later(func() { ev.Warn(text) })
	}
}

func (x *Controller) err(err error) {
	x.log.PrintErr(err)
	if ev := x.opts.Events; ev != nil {
		x.later(func() { ev.Err(err) })
	}
}

// reportErr is err for calls that run after unlock.
func (x *Controller) reportErr(err error) {
	x.log.PrintErr(err)
	if x.opts.Events != nil {
		x.opts.Events.Err(err)
	}
}

func checkReady(d Device) error {
	if !d.Ready() {
		return merry.Appendf(ErrNotConnected, "%s", d.Name())
	}
	return nil
}

func cloneCDT(r freqmeter.CDTResult) freqmeter.CDTResult {
	return freqmeter.CDTResult{
		CDT: append([]float64(nil), r.CDT...),
		DNL: append([]float64(nil), r.DNL...),
		INL: append([]float64(nil), r.INL...),
	}
}
