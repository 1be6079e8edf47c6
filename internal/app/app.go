// Package app wires the settings, the devices and the store into the
// commands of the freqmeter executable.
package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/calib"
	"github.com/fpawel/freqmeter/internal/cfg"
	"github.com/fpawel/freqmeter/internal/data"
	"github.com/fpawel/freqmeter/internal/freqmeter"
	"github.com/fpawel/freqmeter/internal/journal"
	"github.com/fpawel/freqmeter/internal/measure"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/fpawel/freqmeter/internal/pkg/logfile"
	"github.com/fpawel/freqmeter/internal/worklua"
	"github.com/powerman/structlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Commit string
	Date   string
	Time   string
}

// App is an opened working set: settings, device pool, database and journal.
type App struct {
	log     *structlog.Logger
	cfg     *cfg.File
	store   *data.Store
	journal *journal.Journal
	pool    *freqmeter.Pool
	reg     *prometheus.Registry
	metrics *measure.Metrics
	out     io.Writer
	closers []func() error
}

// Open reads the settings file and opens everything it names. Relative
// paths in the settings are taken from the directory of the settings file.
func Open(configFilename string, out io.Writer, log *structlog.Logger) (*App, error) {
	log = pkg.UnitLogger(log, "app")
	x := &App{log: log, out: out, reg: prometheus.NewRegistry()}
	var err error
	if x.metrics, err = measure.NewMetrics(x.reg); err != nil {
		return nil, err
	}

	f, err := cfg.Open(configFilename)
	if err != nil {
		return nil, merry.Prepend(err, "open settings")
	}
	x.cfg = f
	c := f.Get()
	dir := filepath.Dir(configFilename)

	dbFilename := resolve(dir, c.Database)
	log.Debug("open database", "filename", dbFilename)
	x.store, err = data.Open(dbFilename, log)
	if err != nil {
		return nil, err
	}
	x.closers = append(x.closers, x.store.Close)

	jrn, err := logfile.New(filepath.Join(dir, "logs"), ".journal")
	if err != nil {
		x.Close()
		return nil, merry.Prepend(err, "open journal")
	}
	x.closers = append(x.closers, jrn.Close)
	x.journal = journal.New(io.MultiWriter(jrn, out), log)
	x.journal.Notify(x.store.AddJournalRecord)

	x.pool = freqmeter.NewPool(resolve(dir, c.DevicesDir), c.TransportConfig(), log)
	x.closers = append(x.closers, func() error {
		x.pool.CloseAll()
		return nil
	})
	return x, nil
}

// Close releases everything Open acquired, in reverse order.
func (x *App) Close() {
	for i := len(x.closers) - 1; i >= 0; i-- {
		x.log.ErrIfFail(x.closers[i])
	}
	x.closers = nil
}

func (x *App) Config() cfg.Config {
	return x.cfg.Get()
}

func (x *App) Store() *data.Store {
	return x.store
}

func (x *App) Pool() *freqmeter.Pool {
	return x.pool
}

func (x *App) options() calib.Options {
	return calib.Options{
		Recorder: x.store,
		Events:   x.journal,
		Sink:     x.store,
		Metrics:  x.metrics,
	}
}

// Controller returns a calibration controller over the current settings
// with the results recorded in the database.
func (x *App) Controller(o calib.Overrides) (*calib.Controller, error) {
	return calib.New(x.Config().Calib().Apply(o), x.log, x.options())
}

// Device returns the named device, connected and acknowledged.
func (x *App) Device(ctx context.Context, name string) (*freqmeter.Device, error) {
	d, err := x.pool.Get(name)
	if err != nil {
		return nil, err
	}
	if !d.Connected() {
		if err := d.Connect(ctx); err != nil {
			return nil, err
		}
	}
	if err := d.IsReady(); err != nil {
		return nil, err
	}
	return d, nil
}

func (x *App) RunScript(ctx context.Context, filename string) error {
	return worklua.Run(ctx, x.log, worklua.Env{
		Pool:    x.pool,
		Config:  x.Config().Calib(),
		Options: x.options(),
	}, filename)
}

// ServeMetrics serves the engine metrics at http://addr/metrics until ctx is
// done.
func (x *App) ServeMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return merry.Prepend(err, "serve metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(x.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		x.log.ErrIfFail(srv.Close)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			x.log.PrintErr(merry.Append(err, "serve metrics"))
		}
	}()
	x.log.Info("serve metrics", "addr", ln.Addr().String())
	return nil
}

func (x *App) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(x.out, format, args...)
}

func resolve(dir, filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(dir, filename)
}

// interruptContext is cancelled on the first SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-done:
			log.Debug("system signal: " + sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(done)
	}()
	return ctx, cancel
}

var log = structlog.New()
