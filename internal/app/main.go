package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/fpawel/freqmeter/internal/pkg/logfile"
	"github.com/joho/godotenv"
	"github.com/powerman/structlog"
	"github.com/spf13/pflag"
)

// Main runs the command line of the freqmeter executable and exits.
func Main(info BuildInfo) {
	if err := godotenv.Load(filepath.Join(filepath.Dir(os.Args[0]), ".env")); err != nil && !os.IsNotExist(err) {
		log.PrintErr(merry.Append(err, "load .env"))
	}
	logFile, err := logfile.New(logfile.DefaultDir(), ".freqmeter")
	if err != nil {
		log.PrintErr(merry.Append(err, "open log file"))
	} else {
		structlog.DefaultLogger.SetOutput(io.MultiWriter(os.Stderr, logFile))
	}
	log.Debug("start", "commit", info.Commit, "build_date", info.Date, "build_time", info.Time)

	ctx, cancel := interruptContext()
	err = Run(ctx, os.Args[1:], os.Stdout)
	cancel()
	if logFile != nil {
		log.ErrIfFail(logFile.Close)
	}
	if err != nil {
		if merry.Is(err, errUsage) {
			os.Exit(2)
		}
		log.PrintErr(err, "stack", pkg.FormatMerryStacktrace(err, " ⤥ "))
		fmt.Fprintln(os.Stderr, "freqmeter:", err)
		os.Exit(1)
	}
}

var errUsage = merry.New("usage")

// Environment variables, also read from .env next to the executable.
const (
	EnvConfig  = "FREQMETER_CONFIG"
	EnvMetrics = "FREQMETER_METRICS"
)

func defaultConfigFilename() string {
	if s := os.Getenv(EnvConfig); s != "" {
		return s
	}
	return filepath.Join(filepath.Dir(os.Args[0]), "freqmeter.yaml")
}

// Run executes one command line, e.g. "--config f.yaml coarse --target a --reference b".
func Run(ctx context.Context, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("freqmeter", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(out)
	configFilename := flags.String("config", defaultConfigFilename(), "settings file, $"+EnvConfig)
	metricsAddr := flags.String("metrics", os.Getenv(EnvMetrics), "serve metrics at this address, $"+EnvMetrics)
	flags.Usage = func() { printUsage(out, flags) }
	if err := flags.Parse(args); err != nil {
		return errUsage.Here()
	}
	if flags.NArg() == 0 {
		printUsage(out, flags)
		return errUsage.Here()
	}
	name, args := flags.Arg(0), flags.Args()[1:]
	c, ok := commands[name]
	if !ok {
		printUsage(out, flags)
		return merry.Appendf(errUsage, "unknown command %q", name)
	}

	x, err := Open(*configFilename, out, log)
	if err != nil {
		return err
	}
	defer x.Close()
	if *metricsAddr != "" {
		metricsCtx, stop := context.WithCancel(ctx)
		defer stop()
		if err := x.ServeMetrics(metricsCtx, *metricsAddr); err != nil {
			return err
		}
	}

	cmdFlags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cmdFlags.SetOutput(out)
	run := c.setup(cmdFlags)
	if err := cmdFlags.Parse(args); err != nil {
		return errUsage.Here()
	}
	return run(ctx, x, cmdFlags.Args())
}

type command struct {
	usage string
	setup func(*pflag.FlagSet) func(ctx context.Context, x *App, args []string) error
}

func printUsage(w io.Writer, flags *pflag.FlagSet) {
	_, _ = fmt.Fprintf(w, "Usage: freqmeter [--config file] <command> [flags]\n\nCommands:\n")
	var names []string
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].usage)
	}
	_, _ = fmt.Fprintf(w, "\nFlags:\n%s", flags.FlagUsages())
}
