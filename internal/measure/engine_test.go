package measure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/freqmeter"
	"github.com/fpawel/freqmeter/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMeter struct {
	name     string
	value    float64
	startErr error
	fetchErr error

	mu      sync.Mutex
	started int
	fetched int
}

func (x *fakeMeter) Name() string { return x.name }

func (x *fakeMeter) StartMeasurement(time.Duration, int, string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.started++
	return x.startErr
}

func (x *fakeMeter) StoreFreq() (freqmeter.Sample, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.fetchErr != nil {
		return freqmeter.Sample{}, x.fetchErr
	}
	x.fetched++
	return freqmeter.Sample{
		Time:    time.Now(),
		Signals: []string{freqmeter.SignalCoarse},
		Values:  []float64{x.value},
	}, nil
}

func (x *fakeMeter) fetchCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.fetched
}

func syncConfig() Config {
	return Config{FetchPeriod: time.Millisecond, SampleTime: time.Second}
}

func TestWarmUpSkip(t *testing.T) {
	for _, k := range []int{3, 4, 10} {
		a, b := &fakeMeter{name: "a", value: 10}, &fakeMeter{name: "b", value: 20}
		e := New(nil)
		require.NoError(t, e.Start([]Meter{a, b}, syncConfig()))
		for i := 0; i < k; i++ {
			_, err := e.Tick()
			require.NoError(t, err)
		}
		e.Stop()
		assert.Equal(t, k-2, a.fetchCount())
		assert.Equal(t, k-2, b.fetchCount())

		batches := e.TakeBuffered()
		require.Len(t, batches, k-2)
		assert.Equal(t, 1, batches[0].Tick)
		assert.Equal(t, 20.0, batches[0].Samples["b"].Values[0])
		assert.Empty(t, e.TakeBuffered())
	}
}

func TestWarmUpWithDeviceHistory(t *testing.T) {
	c := transport.NewTest()
	d, err := freqmeter.NewWithClient("sim", freqmeter.VendorTest, c, nil)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.IsReady())

	e := New(nil)
	require.NoError(t, e.Start([]Meter{d}, Config{FetchPeriod: time.Second, SampleTime: time.Second, Channel: 1}))
	for i := 0; i < 6; i++ {
		_, err := e.Tick()
		require.NoError(t, err)
	}
	e.Stop()
	assert.Len(t, d.History(1), 4)
}

func TestTickAggregatesErrors(t *testing.T) {
	good := &fakeMeter{name: "good", value: 1}
	bad := &fakeMeter{name: "bad", fetchErr: freqmeter.ErrProtocol.Here()}
	worse := &fakeMeter{name: "worse", fetchErr: transport.ErrTimeout.Here()}
	e := New(nil)
	require.NoError(t, e.Start([]Meter{good, bad, worse}, syncConfig()))
	defer e.Stop()

	var b *Batch
	for b == nil {
		var err error
		b, err = e.Tick()
		require.NoError(t, err)
	}
	assert.Len(t, b.Samples, 1)
	assert.Contains(t, b.Samples, "good")
	require.Error(t, b.Err)
	mErr, ok := b.Err.(*multierror.Error)
	require.True(t, ok)
	assert.Len(t, mErr.Errors, 2)
	assert.True(t, merry.Is(mErr.Errors[0], freqmeter.ErrProtocol))
	assert.True(t, merry.Is(mErr.Errors[1], transport.ErrTimeout))
}

func TestStartValidation(t *testing.T) {
	e := New(nil)
	assert.True(t, merry.Is(e.Start(nil, syncConfig()), ErrConfig))
	a := &fakeMeter{name: "a"}
	assert.True(t, merry.Is(e.Start([]Meter{a, a}, syncConfig()), ErrConfig))
	assert.True(t, merry.Is(e.Start([]Meter{a}, Config{SampleTime: time.Second}), ErrConfig))

	failing := &fakeMeter{name: "f", startErr: freqmeter.ErrNotReady.Here()}
	err := e.Start([]Meter{a, failing}, syncConfig())
	assert.True(t, merry.Is(err, freqmeter.ErrNotReady))
	assert.False(t, e.Running())

	require.NoError(t, e.Start([]Meter{a}, syncConfig()))
	assert.True(t, merry.Is(e.Start([]Meter{a}, syncConfig()), ErrRunning))
	e.Stop()
	e.Stop()
	_, err = e.Tick()
	assert.True(t, merry.Is(err, ErrNotRunning))
}

type sinkFunc func(Batch) error

func (f sinkFunc) SaveBatch(b Batch) error { return f(b) }

func TestThreaded(t *testing.T) {
	a := &fakeMeter{name: "a", value: 5}
	var (
		mu    sync.Mutex
		saved int
	)
	e := New(nil)
	require.NoError(t, e.Start([]Meter{a}, Config{
		FetchPeriod: 5 * time.Millisecond,
		SampleTime:  time.Second,
		Threaded:    true,
		BatchBuffer: 1000,
		Sink: sinkFunc(func(Batch) error {
			mu.Lock()
			saved++
			mu.Unlock()
			return nil
		}),
	}))
	_, err := e.Tick()
	assert.True(t, merry.Is(err, ErrThreaded))

	ch := e.Batches()
	require.NotNil(t, ch)
	var got []Batch
	for b := range ch {
		got = append(got, b)
		if len(got) == 3 {
			e.Stop()
		}
	}
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, 1, got[0].Tick)
	assert.Equal(t, 2, got[1].Tick)

	n := a.fetchCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, a.fetchCount(), "no fetches after stop")
	mu.Lock()
	assert.Equal(t, len(got), saved)
	mu.Unlock()
}

func TestRunSingleThreaded(t *testing.T) {
	a := &fakeMeter{name: "a", value: 5}
	e := New(nil)
	require.NoError(t, e.Start([]Meter{a}, syncConfig()))

	var ticks []int
	err := e.Run(context.Background(), func(b Batch) {
		ticks = append(ticks, b.Tick)
		if len(ticks) == 3 {
			e.Stop()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ticks)
	assert.Equal(t, 3, a.fetchCount())

	require.NoError(t, e.Start([]Meter{a}, syncConfig()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, e.Run(ctx, nil))
	e.Stop()
}

func TestStopWaitsForSinkDelivery(t *testing.T) {
	a := &fakeMeter{name: "a", value: 5}
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		saved int
	)
	c := syncConfig()
	c.Sink = sinkFunc(func(Batch) error {
		close(entered)
		<-release
		mu.Lock()
		saved++
		mu.Unlock()
		return nil
	})
	e := New(nil)
	require.NoError(t, e.Start([]Meter{a}, c))
	for i := 0; i < warmUpTicks; i++ {
		_, err := e.Tick()
		require.NoError(t, err)
	}

	go func() { _, _ = e.Tick() }()
	<-entered

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the batch was being saved")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
	mu.Lock()
	assert.Equal(t, 1, saved)
	mu.Unlock()
}

func TestPullBufferIsBounded(t *testing.T) {
	a := &fakeMeter{name: "a", value: 5}
	c := syncConfig()
	c.BatchBuffer = 3
	e := New(nil)
	require.NoError(t, e.Start([]Meter{a}, c))
	for i := 0; i < 20; i++ {
		_, err := e.Tick()
		require.NoError(t, err)
	}
	e.Stop()
	batches := e.TakeBuffered()
	require.Len(t, batches, 3)
	assert.Equal(t, []int{16, 17, 18}, []int{batches[0].Tick, batches[1].Tick, batches[2].Tick})
}

func TestThreadedConsumerDoesNotGrowBuffer(t *testing.T) {
	a := &fakeMeter{name: "a", value: 5}
	e := New(nil)
	require.NoError(t, e.Start([]Meter{a}, Config{
		FetchPeriod: time.Millisecond,
		SampleTime:  time.Second,
		Threaded:    true,
		BatchBuffer: 4,
	}))
	n := 0
	for range e.Batches() {
		n++
		if n == 50 {
			e.Stop()
		}
	}
	assert.LessOrEqual(t, len(e.TakeBuffered()), 4)
}

type slowMeter struct {
	fakeMeter
	arming  chan struct{}
	release chan struct{}
}

func (x *slowMeter) StartMeasurement(d time.Duration, channel int, impedance string) error {
	close(x.arming)
	<-x.release
	return x.fakeMeter.StartMeasurement(d, channel, impedance)
}

func TestStartArmsOutsideLock(t *testing.T) {
	m := &slowMeter{
		fakeMeter: fakeMeter{name: "slow"},
		arming:    make(chan struct{}),
		release:   make(chan struct{}),
	}
	e := New(nil)
	done := make(chan error, 1)
	go func() { done <- e.Start([]Meter{m}, syncConfig()) }()
	<-m.arming

	assert.False(t, e.Running())
	assert.Nil(t, e.Batches())
	assert.True(t, merry.Is(e.Start([]Meter{&fakeMeter{name: "b"}}, syncConfig()), ErrRunning))

	close(m.release)
	require.NoError(t, <-done)
	assert.True(t, e.Running())
	e.Stop()
}
