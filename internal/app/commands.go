package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/calib"
	"github.com/fpawel/freqmeter/internal/devicecfg"
	"github.com/fpawel/freqmeter/internal/freqmeter"
	"github.com/fpawel/freqmeter/internal/measure"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/fpawel/freqmeter/internal/pkg/must"
	"github.com/spf13/pflag"
)

var commands = map[string]command{
	"vendors": {
		usage: "list the supported vendors",
		setup: func(*pflag.FlagSet) func(context.Context, *App, []string) error {
			return vendors
		},
	},
	"devices": {
		usage: "list the device documents",
		setup: func(*pflag.FlagSet) func(context.Context, *App, []string) error {
			return devices
		},
	},
	"describe": {
		usage: "<device>: show the document of a device and check that it answers",
		setup: func(*pflag.FlagSet) func(context.Context, *App, []string) error {
			return describe
		},
	},
	"config": {
		usage: "print the settings",
		setup: func(*pflag.FlagSet) func(context.Context, *App, []string) error {
			return func(_ context.Context, x *App, _ []string) error {
				x.printf("%s", x.Config().Yaml())
				return nil
			}
		},
	},
	"sample":  {usage: "--device a[,b]: fetch and print samples", setup: sampleCommand},
	"coarse":  {usage: "--target a --reference b: run the coarse calibration", setup: coarseCommand},
	"fine":    {usage: "--target a --count n: run the code density test", setup: fineCommand},
	"history": {usage: "print the calibration history", setup: historyCommand},
	"journal": {usage: "print the operator journal of a day", setup: journalCommand},
	"script": {
		usage: "<file.lua>: run a calibration script",
		setup: func(*pflag.FlagSet) func(context.Context, *App, []string) error {
			return func(ctx context.Context, x *App, args []string) error {
				if len(args) != 1 {
					return merry.Append(errUsage, "script file name expected")
				}
				return x.RunScript(ctx, args[0])
			}
		},
	},
}

func vendors(_ context.Context, x *App, _ []string) error {
	for _, d := range freqmeter.Vendors() {
		var protocols []string
		for _, p := range d.Protocols {
			protocols = append(protocols, string(p))
		}
		x.printf("%-8s channels=%d signals=%s protocols=%s coarse=%v cdt=%v\n",
			d.Vendor, d.Channels, strings.Join(d.Signals, ","), strings.Join(protocols, ","), d.Coarse, d.CDT)
	}
	return nil
}

func devices(_ context.Context, x *App, _ []string) error {
	names, err := devicecfg.List(x.pool.Dir())
	if err != nil {
		return err
	}
	for _, name := range names {
		x.printf("%s\n", name)
	}
	return nil
}

func describe(ctx context.Context, x *App, args []string) error {
	if len(args) != 1 {
		return merry.Append(errUsage, "device name expected")
	}
	doc, err := devicecfg.Load(x.pool.Dir(), args[0])
	if err != nil {
		return err
	}
	x.printf("%s", must.MarshalYaml(doc))
	d, err := x.Device(ctx, args[0])
	if err != nil {
		return err
	}
	idn, err := d.Idn()
	if err != nil {
		return err
	}
	x.printf("%s: ready, *IDN? %s\n", d, idn)
	return nil
}

func sampleCommand(flags *pflag.FlagSet) func(context.Context, *App, []string) error {
	var (
		names      = flags.StringSlice("device", nil, "devices to sample")
		period     = flags.Duration("period", 0, "fetch period, from settings when not set")
		sampleTime = flags.Duration("sample-time", 0, "gate time, from settings when not set")
		channel    = flags.Int("channel", 0, "input channel")
		count      = flags.Int("count", 10, "number of batches, 0 to run until interrupted")
	)
	return func(ctx context.Context, x *App, _ []string) error {
		if len(*names) == 0 {
			return merry.Append(errUsage, "--device is required")
		}
		var meters []measure.Meter
		for _, name := range *names {
			d, err := x.Device(ctx, name)
			if err != nil {
				return err
			}
			meters = append(meters, d)
		}
		c := x.Config().Coarse
		mc := measure.Config{
			FetchPeriod: c.FetchPeriod,
			SampleTime:  c.SampleTime,
			Channel:     *channel,
			Impedance:   c.Impedance,
			Threaded:    true,
			Sink:        x.store,
			Metrics:     x.metrics,
		}
		if *period > 0 {
			mc.FetchPeriod = *period
		}
		if *sampleTime > 0 {
			mc.SampleTime = *sampleTime
		}
		e := measure.New(x.log)
		if err := e.Start(meters, mc); err != nil {
			return err
		}
		defer e.Stop()

		n := 0
		for {
			select {
			case <-ctx.Done():
				return nil
			case b, ok := <-e.Batches():
				if !ok {
					return nil
				}
				x.printf("%s", formatBatch(b))
				n++
				if *count > 0 && n >= *count {
					return nil
				}
			}
		}
	}
}

func coarseCommand(flags *pflag.FlagSet) func(context.Context, *App, []string) error {
	var (
		target      = flags.String("target", "", "device to calibrate")
		reference   = flags.String("reference", "", "reference device")
		o           calib.Overrides
		synchronous bool
	)
	flags.Float64Var(&o.Threshold, "threshold", 0, "stability threshold, Hz")
	flags.IntVar(&o.MinSamples, "min-samples", 0, "samples in the stability window")
	flags.IntVar(&o.MWindow, "window", 0, "samples averaged for M, 0 for all")
	flags.StringVar(&o.TargetSignal, "signal", "", "signal of the target device")
	flags.BoolVar(&synchronous, "sync", false, "fetch in this goroutine instead of the engine worker")
	fetchPeriod := flags.Duration("period", 0, "fetch period")
	sampleTime := flags.Duration("sample-time", 0, "gate time")

	return func(ctx context.Context, x *App, _ []string) error {
		if *target == "" || *reference == "" {
			return merry.Append(errUsage, "--target and --reference are required")
		}
		o.FetchPeriod = fetchPeriod.Seconds()
		o.SampleTime = sampleTime.Seconds()
		if synchronous {
			threaded := false
			o.Threaded = &threaded
		}
		ctl, err := x.Controller(o)
		if err != nil {
			return err
		}
		t, err := x.Device(ctx, *target)
		if err != nil {
			return err
		}
		r, err := x.Device(ctx, *reference)
		if err != nil {
			return err
		}
		res, err := ctl.RunCoarse(ctx, t, r)
		if err != nil {
			return err
		}
		x.printf("%s\n", formatCoarse(res))
		if !res.Success {
			return merry.Errorf("%s: coarse calibration did not converge", res.Target)
		}
		return nil
	}
}

func fineCommand(flags *pflag.FlagSet) func(context.Context, *App, []string) error {
	var (
		target = flags.String("target", "", "device to calibrate")
		count  = flags.String("count", "", "number of measurements")
		out    = flags.String("out", "", "file to export the results to")
		o      calib.Overrides
	)
	gateTime := flags.Duration("gate-time", 0, "gate time of one measurement")
	pollPeriod := flags.Duration("poll", 0, "status poll period")

	return func(ctx context.Context, x *App, _ []string) error {
		if *target == "" {
			return merry.Append(errUsage, "--target is required")
		}
		n, err := calib.ParseCount(*count)
		if err != nil {
			return err
		}
		o.GateTime = gateTime.Seconds()
		o.PollPeriod = pollPeriod.Seconds()
		ctl, err := x.Controller(o)
		if err != nil {
			return err
		}
		d, err := x.Device(ctx, *target)
		if err != nil {
			return err
		}
		res, err := ctl.RunFine(ctx, d, n)
		if err != nil {
			return err
		}
		if !res.Success {
			return merry.Errorf("%s: code density test failed, %s", res.Target, res.Status)
		}
		x.printf("%s: code density test done, %d bins\n", res.Target, res.Values.Len())
		if *out != "" {
			if err := calib.SaveCDTFile(*out, res); err != nil {
				return err
			}
			x.printf("saved to %s\n", *out)
		}
		return nil
	}
}

func historyCommand(flags *pflag.FlagSet) func(context.Context, *App, []string) error {
	device := flags.String("device", "", "only this device")
	return func(ctx context.Context, x *App, _ []string) error {
		coarse, err := x.store.ListCoarse(ctx, *device)
		if err != nil {
			return err
		}
		for _, c := range coarse {
			x.printf("%s coarse %s/%s M=%s samples=%d success=%v\n",
				pkg.JulianToTime(c.FinishedAt).Format("2006-01-02 15:04:05"), c.Target, c.Reference,
				pkg.FormatFloat(c.M, 12), c.Samples, c.Success)
		}
		runs, err := x.store.ListCDT(ctx, *device)
		if err != nil {
			return err
		}
		for _, r := range runs {
			x.printf("%s cdt #%d %s count=%d polls=%d\n",
				r.Finished().Format("2006-01-02 15:04:05"), r.ID, r.Device, r.Measurements, r.Polls)
		}
		return nil
	}
}

func journalCommand(flags *pflag.FlagSet) func(context.Context, *App, []string) error {
	day := flags.String("day", "", "day as 2006-01-02, the latest day with records when not set")
	return func(ctx context.Context, x *App, _ []string) error {
		var t time.Time
		if *day != "" {
			var err error
			if t, err = time.ParseInLocation("2006-01-02", *day, time.UTC); err != nil {
				return merry.Append(errUsage, err.Error())
			}
		} else {
			days, err := x.store.ListJournalDays(ctx)
			if err != nil {
				return err
			}
			if len(days) == 0 {
				return nil
			}
			t = days[0]
		}
		xs, err := x.store.ListJournal(ctx, t)
		if err != nil {
			return err
		}
		for _, e := range xs {
			x.printf("%s\n", e.Record())
		}
		return nil
	}
}

func formatBatch(b measure.Batch) string {
	var names []string
	for name := range b.Samples {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		s := b.Samples[name]
		fmt.Fprintf(&sb, "%d %s %s", b.Tick, b.Time.Format("15:04:05.000"), name)
		for i, v := range s.Values {
			fmt.Fprintf(&sb, " %s=%s", s.Signals[i], pkg.FormatFloat(v, 12))
		}
		sb.WriteString("\n")
	}
	if b.Err != nil {
		fmt.Fprintf(&sb, "%d %s error: %v\n", b.Tick, b.Time.Format("15:04:05.000"), b.Err)
	}
	return sb.String()
}

func formatCoarse(r calib.CoarseResult) string {
	status := "not converged"
	if r.Success {
		status = "written"
	}
	return fmt.Sprintf("%s: M=%s std=%s samples=%d, %s in %v",
		r.Target, pkg.FormatFloat(r.M, 12), pkg.FormatFloat(r.StdDev, 4), r.Samples, status,
		r.Finished.Sub(r.Started).Round(time.Millisecond))
}
