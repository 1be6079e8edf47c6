// Package measure polls a set of frequency meters on a shared period and
// hands the collected samples to a consumer in per-tick batches.
package measure

import (
	"context"
	"sync"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/freqmeter"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/hashicorp/go-multierror"
	"github.com/powerman/structlog"
)

// Meter is the part of a frequency meter the engine drives.
type Meter interface {
	Name() string
	StartMeasurement(sampleTime time.Duration, channel int, impedance string) error
	StoreFreq() (freqmeter.Sample, error)
}

// Sink receives every delivered batch, e.g. to persist it.
type Sink interface {
	SaveBatch(Batch) error
}

type Config struct {
	FetchPeriod time.Duration
	SampleTime  time.Duration
	Channel     int
	Impedance   string

	// Threaded runs the timer and the fetches on a dedicated worker.
	// Otherwise the caller drives ticks with Tick or Run.
	Threaded    bool
	BatchBuffer int // capacity of the Batches channel and of the pull buffer

	Sink    Sink
	Metrics *Metrics
}

const DefaultBatchBuffer = 16

// Batch is the result of one fetching tick. A batch is built fresh per tick
// and never modified after delivery; consumers must not modify it either.
type Batch struct {
	Tick    int
	Time    time.Time
	Samples map[string]freqmeter.Sample // by device name
	Err     error                       // fetch failures of this tick, *multierror.Error
}

// warmUpTicks is the number of leading ticks that fetch nothing: the first
// readings after arming are stale.
const warmUpTicks = 2

var (
	ErrRunning    = merry.New("measurement is already running")
	ErrNotRunning = merry.New("measurement is not running")
	ErrThreaded   = merry.New("ticks are driven by the engine worker")
	ErrConfig     = merry.New("invalid measurement parameters")
)

type Engine struct {
	log *structlog.Logger
	now func() time.Time

	tickMu sync.Mutex // one tick at a time

	mu       sync.Mutex
	starting bool // meters are being armed
	running  bool
	gen      int // incremented by Stop, fences deliveries of earlier runs
	meters   []Meter
	cfg      Config
	counter  int
	buffered []Batch
	bufCap   int
	ch       chan Batch
	ctx      context.Context
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

func New(log *structlog.Logger) *Engine {
	return &Engine{
		log: pkg.UnitLogger(log, "measure"),
		now: time.Now,
	}
}

// Start arms every meter and begins a run. In threaded mode it also spawns
// the worker. A failing meter aborts the start and leaves the engine idle.
func (x *Engine) Start(meters []Meter, c Config) error {
	if err := validate(meters, c); err != nil {
		return err
	}
	x.mu.Lock()
	if x.running || x.starting {
		x.mu.Unlock()
		return ErrRunning.Here()
	}
	x.starting = true
	x.mu.Unlock()

	err := arm(meters, c)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.starting = false
	if err != nil {
		return err
	}

	n := c.BatchBuffer
	if n <= 0 {
		n = DefaultBatchBuffer
	}
	x.running = true
	x.meters = append([]Meter(nil), meters...)
	x.cfg = c
	x.counter = -warmUpTicks
	x.buffered = nil
	x.bufCap = n
	x.ch = nil
	x.ctx, x.cancel = context.WithCancel(context.Background())

	x.log.Info("start", "devices", len(meters), "fetch_period", c.FetchPeriod,
		"sample_time", c.SampleTime, "channel", c.Channel, "threaded", c.Threaded)

	if c.Threaded {
		x.ch = make(chan Batch, n)
		x.wg.Add(1)
		go x.work(x.ctx, c.FetchPeriod)
	}
	return nil
}

// Stop ends the run. It returns after the worker has quit and a tick in
// flight has finished: a batch whose fetches were still running is dropped,
// one already past them is delivered before Stop returns. The Batches
// channel is closed. Stopping an idle engine does nothing.
func (x *Engine) Stop() {
	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return
	}
	x.running = false
	x.gen++
	x.cancel()
	ch := x.ch
	x.mu.Unlock()

	x.wg.Wait()
	x.tickMu.Lock()
	x.tickMu.Unlock()
	if ch != nil {
		close(ch)
	}
	x.log.Info("stop")
}

func (x *Engine) Running() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.running
}

// Batches is the push side of a threaded run; nil otherwise. The channel is
// closed by Stop. When the consumer lags, batches are dropped from the
// channel but the latest BatchBuffer of them remain available to
// TakeBuffered.
func (x *Engine) Batches() <-chan Batch {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ch
}

// TakeBuffered returns the batches delivered since the previous call and
// clears the buffer. The buffer keeps the latest BatchBuffer batches only.
func (x *Engine) TakeBuffered() []Batch {
	x.mu.Lock()
	defer x.mu.Unlock()
	xs := x.buffered
	x.buffered = nil
	return xs
}

// Tick performs one engine tick in the caller's goroutine. Warm-up ticks
// return a nil batch.
func (x *Engine) Tick() (*Batch, error) {
	x.mu.Lock()
	threaded := x.running && x.cfg.Threaded
	x.mu.Unlock()
	if threaded {
		return nil, ErrThreaded.Here()
	}
	return x.tick()
}

// Run drives ticks from a timer in the caller's goroutine until ctx is done
// or the engine is stopped. handle, if not nil, is called with every batch.
func (x *Engine) Run(ctx context.Context, handle func(Batch)) error {
	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return ErrNotRunning.Here()
	}
	if x.cfg.Threaded {
		x.mu.Unlock()
		return ErrThreaded.Here()
	}
	runCtx, period := x.ctx, x.cfg.FetchPeriod
	x.mu.Unlock()

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
			b, err := x.tick()
			if merry.Is(err, ErrNotRunning) {
				return nil
			}
			if b != nil && handle != nil {
				handle(*b)
			}
		}
	}
}

func (x *Engine) work(ctx context.Context, period time.Duration) {
	defer x.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := x.tick(); merry.Is(err, ErrNotRunning) {
				return
			}
		}
	}
}

func (x *Engine) tick() (*Batch, error) {
	x.tickMu.Lock()
	defer x.tickMu.Unlock()

	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return nil, ErrNotRunning.Here()
	}
	x.counter++
	n, gen, meters, sink, metrics := x.counter, x.gen, x.meters, x.cfg.Sink, x.cfg.Metrics
	x.mu.Unlock()
	metrics.tick()

	if n <= 0 {
		x.log.Debug("warm-up tick", "tick", n)
		return nil, nil
	}

	b := Batch{
		Tick:    n,
		Time:    x.now(),
		Samples: make(map[string]freqmeter.Sample, len(meters)),
	}
	var mErr *multierror.Error
	for _, m := range meters {
		s, err := m.StoreFreq()
		if err != nil {
			mErr = multierror.Append(mErr, merry.Append(err, m.Name()))
			metrics.fetchError(m.Name())
			continue
		}
		b.Samples[m.Name()] = s
	}
	fetchTime := x.now().Sub(b.Time)
	if err := mErr.ErrorOrNil(); err != nil {
		b.Err = err
		x.log.Warn("tick", "tick", n, "failed", len(mErr.Errors), "error", err)
	}

	x.mu.Lock()
	if !x.running || gen != x.gen {
		x.mu.Unlock()
		x.log.Debug("batch dropped after stop", "tick", n)
		return nil, ErrNotRunning.Here()
	}
	if len(x.buffered) >= x.bufCap {
		k := copy(x.buffered, x.buffered[len(x.buffered)-x.bufCap+1:])
		x.buffered = x.buffered[:k]
	}
	x.buffered = append(x.buffered, b)
	metrics.batch(fetchTime.Seconds())
	if x.ch != nil {
		select {
		case x.ch <- b:
		default:
			metrics.lagged()
			x.log.Warn("consumer lags, batch not pushed", "tick", n)
		}
	}
	x.mu.Unlock()

	if sink != nil {
		if err := sink.SaveBatch(b); err != nil {
			metrics.sinkError()
			x.log.PrintErr("save batch", "tick", n, "error", err)
		}
	}
	return &b, nil
}

func arm(meters []Meter, c Config) error {
	for _, m := range meters {
		if err := m.StartMeasurement(c.SampleTime, c.Channel, c.Impedance); err != nil {
			return merry.Append(err, "start measurement")
		}
	}
	return nil
}

func validate(meters []Meter, c Config) error {
	if len(meters) == 0 {
		return merry.Append(ErrConfig, "no devices")
	}
	if c.FetchPeriod <= 0 {
		return merry.Appendf(ErrConfig, "fetch period %v must be positive", c.FetchPeriod)
	}
	if c.SampleTime <= 0 {
		return merry.Appendf(ErrConfig, "sample time %v must be positive", c.SampleTime)
	}
	names := make(map[string]struct{}, len(meters))
	for _, m := range meters {
		if _, f := names[m.Name()]; f {
			return merry.Appendf(ErrConfig, "device %q listed twice", m.Name())
		}
		names[m.Name()] = struct{}{}
	}
	return nil
}
