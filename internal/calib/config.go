package calib

import (
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/freqmeter"
	"github.com/fpawel/freqmeter/internal/measure"
)

type Config struct {
	// coarse phase
	SampleTime         time.Duration
	FetchPeriod        time.Duration
	DisplayPeriod      time.Duration
	StabilityThreshold float64 // Hz, population standard deviation of the target
	MinSamples         int
	MWindow            int // 0: M over all samples of the session, N: over the last N
	TargetSignal       string
	// empty: the target signal when the reference reports it, else the
	// first signal of the reference
	ReferenceSignal string
	Channel         int
	Impedance       string
	Threaded        bool

	// fine phase
	FineGateTime   time.Duration
	FinePollPeriod time.Duration
	FineChannel    int
}

func DefaultConfig() Config {
	return Config{
		SampleTime:         time.Second,
		FetchPeriod:        time.Second,
		DisplayPeriod:      500 * time.Millisecond,
		StabilityThreshold: 0.01,
		MinSamples:         10,
		TargetSignal:       freqmeter.SignalCoarse,
		Threaded:           true,
		FineGateTime:       time.Second,
		FinePollPeriod:     2 * time.Second,
	}
}

var ErrConfig = merry.New("invalid calibration parameters")

func (c Config) Validate() error {
	switch {
	case c.SampleTime <= 0:
		return merry.Appendf(ErrConfig, "sample time %v", c.SampleTime)
	case c.FetchPeriod <= 0:
		return merry.Appendf(ErrConfig, "fetch period %v", c.FetchPeriod)
	case c.DisplayPeriod < 0:
		return merry.Appendf(ErrConfig, "display period %v", c.DisplayPeriod)
	case c.StabilityThreshold <= 0:
		return merry.Appendf(ErrConfig, "stability threshold %v must be positive", c.StabilityThreshold)
	case c.MinSamples < 2:
		return merry.Appendf(ErrConfig, "min samples %d, at least 2 needed for a deviation", c.MinSamples)
	case c.MWindow < 0:
		return merry.Appendf(ErrConfig, "M window %d", c.MWindow)
	case c.Channel < 0 || c.FineChannel < 0:
		return merry.Append(ErrConfig, "negative channel")
	case c.FineGateTime <= 0:
		return merry.Appendf(ErrConfig, "fine gate time %v", c.FineGateTime)
	case c.FinePollPeriod <= 0:
		return merry.Appendf(ErrConfig, "fine poll period %v", c.FinePollPeriod)
	}
	return nil
}

func (c Config) engine(sink measure.Sink, metrics *measure.Metrics) measure.Config {
	return measure.Config{
		FetchPeriod: c.FetchPeriod,
		SampleTime:  c.SampleTime,
		Channel:     c.Channel,
		Impedance:   c.Impedance,
		Threaded:    c.Threaded,
		Sink:        sink,
		Metrics:     metrics,
	}
}

// Overrides changes single parameters of a Config for one run. Zero values
// keep the configured ones. Durations are in seconds.
type Overrides struct {
	SampleTime      float64
	FetchPeriod     float64
	Threshold       float64
	MinSamples      int
	MWindow         int
	Channel         *int
	Impedance       string
	TargetSignal    string
	ReferenceSignal string
	Threaded        *bool
	GateTime        float64
	PollPeriod      float64
}

func (c Config) Apply(o Overrides) Config {
	setDuration(&c.SampleTime, o.SampleTime)
	setDuration(&c.FetchPeriod, o.FetchPeriod)
	setDuration(&c.FineGateTime, o.GateTime)
	setDuration(&c.FinePollPeriod, o.PollPeriod)
	if o.Threshold > 0 {
		c.StabilityThreshold = o.Threshold
	}
	if o.MinSamples > 0 {
		c.MinSamples = o.MinSamples
	}
	if o.MWindow > 0 {
		c.MWindow = o.MWindow
	}
	if o.Channel != nil {
		c.Channel = *o.Channel
		c.FineChannel = *o.Channel
	}
	if o.Impedance != "" {
		c.Impedance = o.Impedance
	}
	if o.TargetSignal != "" {
		c.TargetSignal = o.TargetSignal
	}
	if o.ReferenceSignal != "" {
		c.ReferenceSignal = o.ReferenceSignal
	}
	if o.Threaded != nil {
		c.Threaded = *o.Threaded
	}
	return c
}

func setDuration(d *time.Duration, seconds float64) {
	if seconds > 0 {
		*d = time.Duration(seconds * float64(time.Second))
	}
}
