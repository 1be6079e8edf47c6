// Package worklua runs calibration scripts. A script drives the devices of
// the pool through the global table "go".
package worklua

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/calib"
	"github.com/fpawel/freqmeter/internal/freqmeter"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/powerman/structlog"
	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
	luar "layeh.com/gopher-luar"
)

// Env is what a script works with.
type Env struct {
	Pool    *freqmeter.Pool
	Config  calib.Config
	Options calib.Options
}

// Run executes the script file filename.
func Run(ctx context.Context, log *structlog.Logger, env Env, filename string) error {
	return run(ctx, log, env, func(l *lua.LState) error {
		return l.DoFile(filename)
	})
}

// RunString executes the script source.
func RunString(ctx context.Context, log *structlog.Logger, env Env, source string) error {
	return run(ctx, log, env, func(l *lua.LState) error {
		return l.DoString(source)
	})
}

func run(ctx context.Context, log *structlog.Logger, env Env, do func(*lua.LState) error) error {
	l := lua.NewState()
	defer l.Close()
	l.SetContext(ctx)
	imp := &Import{
		l:   l,
		ctx: ctx,
		log: pkg.UnitLogger(log, "lua"),
		env: env,
	}
	l.SetGlobal("go", luar.New(l, imp))
	err := do(l)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return merry.Wrap(err)
}

type Import struct {
	l   *lua.LState
	ctx context.Context
	log *structlog.Logger
	env Env
}

func (x *Import) Info(args ...lua.LValue) {
	xs := make([]string, len(args))
	for i, v := range args {
		xs[i] = stringify(v)
	}
	text := strings.Join(xs, " ")
	x.log.Info(text)
	if x.env.Options.Events != nil {
		x.env.Options.Events.Info(text)
	}
}

// Sleep pauses the script, e.g. go:Sleep("1m30s").
func (x *Import) Sleep(s string) {
	d, err := time.ParseDuration(s)
	x.check(err)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-x.ctx.Done():
		x.check(x.ctx.Err())
	}
}

func (x *Import) Vendors() *lua.LTable {
	t := x.l.NewTable()
	for _, d := range freqmeter.Vendors() {
		v := x.l.NewTable()
		v.RawSetString("vendor", lua.LString(d.Vendor))
		v.RawSetString("channels", lua.LNumber(d.Channels))
		signals := x.l.NewTable()
		for _, s := range d.Signals {
			signals.Append(lua.LString(s))
		}
		v.RawSetString("signals", signals)
		v.RawSetString("coarse", lua.LBool(d.Coarse))
		v.RawSetString("cdt", lua.LBool(d.CDT))
		t.Append(v)
	}
	return t
}

// Device returns the named device of the pool, connected and acknowledged.
func (x *Import) Device(name string) *luaDevice {
	if x.env.Pool == nil {
		x.l.RaiseError("no devices")
	}
	d, err := x.env.Pool.Get(name)
	x.check(err)
	if !d.Connected() {
		x.check(d.Connect(x.ctx))
	}
	x.check(d.IsReady())
	return &luaDevice{d: d, imp: x}
}

// Coarse runs a coarse session and returns M and whether it converged.
func (x *Import) Coarse(target, reference *luaDevice, opts ...*lua.LTable) (float64, bool) {
	ctl := x.controller(opts)
	r, err := ctl.RunCoarse(x.ctx, target.d, reference.d)
	x.check(err)
	x.check(x.ctx.Err())
	return r.M, r.Success
}

// Fine runs the code density test on target.
func (x *Import) Fine(target *luaDevice, count int, opts ...*lua.LTable) *calib.FineResult {
	ctl := x.controller(opts)
	r, err := ctl.RunFine(x.ctx, target.d, count)
	x.check(err)
	x.check(x.ctx.Err())
	return &r
}

func (x *Import) SaveCDT(r *calib.FineResult, filename string) {
	x.check(calib.SaveCDTFile(filename, *r))
}

func (x *Import) controller(opts []*lua.LTable) *calib.Controller {
	c := x.env.Config
	for _, t := range opts {
		if t == nil {
			continue
		}
		var o calib.Overrides
		x.check(gluamapper.Map(t, &o))
		c = c.Apply(o)
	}
	ctl, err := calib.New(c, x.log, x.env.Options)
	x.check(err)
	return ctl
}

func (x *Import) check(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		x.l.RaiseError("interrupted")
	}
	x.l.RaiseError("%s", err)
}

type luaDevice struct {
	d   *freqmeter.Device
	imp *Import
}

func (x *luaDevice) Name() string {
	return x.d.Name()
}

func (x *luaDevice) Vendor() string {
	return string(x.d.Vendor())
}

func (x *luaDevice) Idn() string {
	s, err := x.d.Idn()
	x.imp.check(err)
	return s
}

func (x *luaDevice) Reset() {
	x.imp.check(x.d.Reset())
}

// SetCoarse writes M to the coarse calibration register.
func (x *luaDevice) SetCoarse(m float64) {
	x.imp.check(x.d.SetCoarseCalibration(m))
}

func (x *luaDevice) Disconnect() {
	x.imp.check(x.d.Disconnect())
}
