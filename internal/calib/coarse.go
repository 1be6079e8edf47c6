package calib

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/freqmeter"
	"github.com/fpawel/freqmeter/internal/measure"
)

// CoarseResult is the outcome of a coarse session. M is the last computed
// scale constant; it was written to the target only if Success.
type CoarseResult struct {
	Target    string
	Reference string
	M         float64
	StdDev    float64
	Samples   int
	Success   bool
	Started   time.Time
	Finished  time.Time
}

// CoarseProgress is the state of a coarse session after one batch.
type CoarseProgress struct {
	Tick    int
	M       float64
	StdDev  float64 // NaN until MinSamples target samples are collected
	Samples int
	Done    bool
	Success bool
}

type coarseSession struct {
	target, reference Device
	started           time.Time
	targetValues      []float64
	referenceValues   []float64
	m                 float64
	std               float64
	success           bool
	lastDisplay       time.Time
}

// StartCoarse writes M = 1 to the target and starts measuring the target and
// the reference. Any precondition failure leaves the controller idle.
func (x *Controller) StartCoarse(target, reference Device) error {
	x.lock()
	defer x.unlock()
	if err := x.checkIdle(); err != nil {
		return err
	}
	if target.Name() == reference.Name() {
		return merry.Appendf(ErrSameDevice, "%q", target.Name())
	}
	for _, d := range []Device{target, reference} {
		if err := checkReady(d); err != nil {
			return err
		}
	}
	if err := target.SetCoarseCalibration(1); err != nil {
		return merry.Append(err, "reset coarse calibration")
	}
	if err := x.engine.Start([]measure.Meter{target, reference}, x.cfg.engine(x.opts.Sink, x.opts.Metrics)); err != nil {
		return err
	}
	x.state = CoarseRunning
	x.coarse = &coarseSession{
		target:    target,
		reference: reference,
		started:   x.now(),
		m:         1,
		std:       math.NaN(),
	}
	x.info(fmt.Sprintf("coarse calibration started: target %s, reference %s", target.Name(), reference.Name()))
	return nil
}

// CoarseBatch feeds one measurement batch to the running session. On
// stability the final M is written to the target and the session stops.
func (x *Controller) CoarseBatch(b measure.Batch) (CoarseProgress, error) {
	x.lock()
	defer x.unlock()
	s := x.coarse
	if x.state != CoarseRunning || s == nil {
		return CoarseProgress{}, ErrNotRunning.Here()
	}
	if b.Err != nil {
		x.log.Warn("incomplete batch", "tick", b.Tick, "error", b.Err)
	}

	if v, ok := pickSignal(b.Samples, s.target.Name(), x.cfg.TargetSignal, ""); ok {
		s.targetValues = append(s.targetValues, v)
	}
	if v, ok := pickSignal(b.Samples, s.reference.Name(), x.cfg.ReferenceSignal, x.cfg.TargetSignal); ok {
		s.referenceValues = append(s.referenceValues, v)
	}

	meanT := mean(window(s.targetValues, x.cfg.MWindow))
	meanR := mean(window(s.referenceValues, x.cfg.MWindow))
	if meanT > 0 && len(s.referenceValues) > 0 {
		s.m = meanR / meanT
	}
	if n := x.cfg.MinSamples; len(s.targetValues) >= n {
		s.std = stdDev(s.targetValues[len(s.targetValues)-n:])
		if s.std < x.cfg.StabilityThreshold && len(s.referenceValues) > 0 {
			s.success = true
		}
	}

	p := CoarseProgress{
		Tick:    b.Tick,
		M:       s.m,
		StdDev:  s.std,
		Samples: len(s.targetValues),
	}
	if s.success {
		if err := s.target.SetCoarseCalibration(s.m); err != nil {
			s.success = false
			x.err(merry.Append(err, "write calibration constant"))
		}
		r := x.stopCoarse()
		p.Done, p.Success = true, r.Success
		return p, nil
	}

	now := x.now()
	if now.Sub(s.lastDisplay) >= x.cfg.DisplayPeriod {
		s.lastDisplay = now
		x.info(p.String())
	}
	return p, nil
}

// CoarseTick performs one engine tick in the caller's goroutine and feeds
// the batch to the session. Warm-up ticks return zero progress.
func (x *Controller) CoarseTick() (CoarseProgress, error) {
	b, err := x.engine.Tick()
	if err != nil {
		return CoarseProgress{}, err
	}
	if b == nil {
		return CoarseProgress{}, nil
	}
	return x.CoarseBatch(*b)
}

// StopCoarse ends the running session. A session stopped before reaching
// stability is a failure.
func (x *Controller) StopCoarse() (CoarseResult, error) {
	x.lock()
	defer x.unlock()
	if x.state != CoarseRunning {
		return CoarseResult{}, ErrNotRunning.Here()
	}
	return x.stopCoarse(), nil
}

func (x *Controller) stopCoarse() CoarseResult {
	s := x.coarse
	x.engine.Stop()
	r := CoarseResult{
		Target:    s.target.Name(),
		Reference: s.reference.Name(),
		M:         s.m,
		StdDev:    s.std,
		Samples:   len(s.targetValues),
		Success:   s.success,
		Started:   s.started,
		Finished:  x.now(),
	}
	x.state = Idle
	x.coarse = nil
	x.lastCoarse = &r
	if r.Success {
		x.info(fmt.Sprintf("coarse calibration of %s succeeded: M=%.14g", r.Target, r.M))
	} else {
		x.warn(fmt.Sprintf("coarse calibration of %s stopped without reaching stability", r.Target))
	}
	if rec := x.opts.Recorder; rec != nil {
		x.later(func() {
			if err := rec.SaveCoarse(r); err != nil {
				x.reportErr(merry.Append(err, "save coarse calibration"))
			}
		})
	}
	return r
}

// RunCoarse runs a whole coarse session until stability, a stop from
// elsewhere or the cancellation of ctx.
func (x *Controller) RunCoarse(ctx context.Context, target, reference Device) (CoarseResult, error) {
	if err := x.StartCoarse(target, reference); err != nil {
		return CoarseResult{}, err
	}
	if x.cfg.Threaded {
		x.runCoarseThreaded(ctx)
	} else {
		x.runCoarseSync(ctx)
	}
	if x.State() == CoarseRunning {
		return x.StopCoarse()
	}
	r, _ := x.LastCoarse()
	return r, nil
}

func (x *Controller) runCoarseThreaded(ctx context.Context) {
	ch := x.engine.Batches()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			if p, err := x.CoarseBatch(b); err != nil || p.Done {
				return
			}
		}
	}
}

func (x *Controller) runCoarseSync(ctx context.Context) {
	ticker := time.NewTicker(x.cfg.FetchPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p, err := x.CoarseTick()
			if err != nil || p.Done {
				return
			}
		}
	}
}

func (p CoarseProgress) String() string {
	if math.IsNaN(p.StdDev) {
		return fmt.Sprintf("tick %d: M=%.10g, %d samples", p.Tick, p.M, p.Samples)
	}
	return fmt.Sprintf("tick %d: M=%.10g, σ=%.4g Hz, %d samples", p.Tick, p.M, p.StdDev, p.Samples)
}

func pickSignal(samples map[string]freqmeter.Sample, device, signal, fallback string) (float64, bool) {
	s, f := samples[device]
	if !f {
		return 0, false
	}
	if signal != "" {
		return s.Value(signal)
	}
	if v, ok := s.Value(fallback); ok && fallback != "" {
		return v, true
	}
	return s.Value("")
}

func window(xs []float64, n int) []float64 {
	if n > 0 && len(xs) > n {
		return xs[len(xs)-n:]
	}
	return xs
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range xs {
		sum += v
	}
	return sum / float64(len(xs))
}

// stdDev is the population standard deviation.
func stdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := mean(xs)
	var sum float64
	for _, v := range xs {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(xs)))
}
