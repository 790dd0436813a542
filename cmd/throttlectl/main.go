// Command throttlectl checks, pings and inspects throttles defined in a YAML
// policy file, and benchmarks the configured engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/config"
	"github.com/toolink/throttle/engine"
	"github.com/toolink/throttle/notify"
)

var errUsage = errors.New("usage")

type globalFlags struct {
	config   string
	logLevel string
}

func newFlagSet(name string, output io.Writer) (*flag.FlagSet, *globalFlags) {
	g := &globalFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&g.config, "config", "throttle.yaml", "policy file path")
	fs.StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.Usage = func() { printUsage(output) }
	return fs, g
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage")
	fmt.Fprintln(w, "  throttlectl [flags] <command> <throttle> [command flags] [discriminators...]")
	fmt.Fprintln(w, "  throttlectl [flags] watch")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands")
	fmt.Fprintln(w, "  check   add tokens (-n, default 1) and print the remaining capacity")
	fmt.Fprintln(w, "  ping    refresh the bucket without consuming capacity")
	fmt.Fprintln(w, "  status  print the lockout state without changing it")
	fmt.Fprintln(w, "  bench   run concurrent checks and report throughput")
	fmt.Fprintln(w, "  watch   print lockout events as they are published")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags")
	fmt.Fprintln(w, "  -config string     policy file path (default throttle.yaml)")
	fmt.Fprintln(w, "  -log-level string  log level (default info)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 on success, 1 on errors, 2 on usage
// errors and 3 when the identity is throttled.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("throttlectl", stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	level, err := zerolog.ParseLevel(g.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "invalid log level %q\n", g.logLevel)
		return 2
	}
	zerolog.SetGlobalLevel(level)

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	cfg, err := config.Load(g.config)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return 1
	}

	client := cfg.NewRedisClient()
	var (
		eng      engine.Engine
		notifier *notify.RedisNotifier
	)
	if client != nil {
		defer client.Close()
		notifier = notify.NewRedisNotifier(client)
		defer notifier.Close()
		eng, err = cfg.NewEngine(client)
	} else {
		eng, err = cfg.NewEngine(nil)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to create engine")
		return 1
	}

	command := rest[0]
	if command == "watch" {
		return exitCode(watch(ctx, notifier, stdout))
	}
	if len(rest) < 2 {
		printUsage(stderr)
		return 2
	}
	name := rest[1]
	policy, ok := cfg.Policy(name)
	if !ok {
		log.Error().Str("throttle", name).Str("config", g.config).Msg("throttle not defined")
		return 1
	}

	c := &cli{engine: eng, policy: policy, out: stdout, errOut: stderr}
	if notifier != nil {
		c.notifier = notifier
	}
	switch args := rest[2:]; command {
	case "check":
		err = c.check(ctx, args)
	case "ping":
		err = c.ping(ctx, args)
	case "status":
		err = c.status(ctx, args)
	case "bench":
		err = c.bench(ctx, args)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		printUsage(stderr)
		return 2
	}
	return exitCode(err)
}
