package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/toolink/throttle/config"
	"github.com/toolink/throttle/engine"
	"github.com/toolink/throttle/notify"
	"github.com/toolink/throttle/throttle"
)

type cli struct {
	engine   engine.Engine
	policy   *config.Policy
	notifier notify.Notifier // nil without Redis
	out      io.Writer
	errOut   io.Writer
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case throttle.IsThrottled(err):
		return 3
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return 2
	default:
		log.Error().Err(err).Msg("command failed")
		return 1
	}
}

func (c *cli) throttle(discriminators []string) (*throttle.Throttle, error) {
	var opts []throttle.Option
	if c.notifier != nil {
		opts = append(opts, throttle.WithNotifier(c.notifier))
	}
	th, err := throttle.New(c.engine, c.policy.Throttle(), opts...)
	if err != nil {
		return nil, err
	}
	for _, d := range discriminators {
		th.AddDiscriminator(d)
	}
	return th, nil
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	return fs
}

func (c *cli) check(ctx context.Context, args []string) error {
	fs := c.flagSet("check")
	n := fs.Float64("n", 1, "tokens to add, 0 pings, negative drains")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return c.apply(ctx, *n, fs.Args())
}

func (c *cli) ping(ctx context.Context, args []string) error {
	return c.apply(ctx, 0, args)
}

func (c *cli) apply(ctx context.Context, n float64, discriminators []string) error {
	th, err := c.throttle(discriminators)
	if err != nil {
		return err
	}

	remaining, err := th.CheckN(ctx, n)
	var throttled *throttle.Throttled
	if errors.As(err, &throttled) {
		fmt.Fprintf(c.out, "%s: %s\n", th.Name(), throttled.Error())
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: %.3f of %g remaining\n", th.Name(), remaining, th.Config().Limit)
	return nil
}

func (c *cli) status(ctx context.Context, args []string) error {
	th, err := c.throttle(args)
	if err != nil {
		return err
	}
	st, err := th.Status(ctx)
	if err != nil {
		return err
	}
	if st.Blocked {
		fmt.Fprintf(c.out, "%s: blocked for %s\n", th.Name(), st.Remaining.Round(time.Millisecond))
		return nil
	}
	fmt.Fprintf(c.out, "%s: not blocked\n", th.Name())
	return nil
}

type benchResult struct {
	allowed   atomic.Int64
	throttled atomic.Int64
	failed    atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (r *benchResult) record(d time.Duration, err error) {
	switch {
	case err == nil:
		r.allowed.Add(1)
	case throttle.IsThrottled(err):
		r.throttled.Add(1)
	default:
		r.failed.Add(1)
	}
	r.mu.Lock()
	r.latencies = append(r.latencies, d)
	r.mu.Unlock()
}

func (r *benchResult) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	i := int(p * float64(len(r.latencies)-1))
	return r.latencies[i]
}

func (c *cli) bench(ctx context.Context, args []string) error {
	fs := c.flagSet("bench")
	requests := fs.Int("requests", 10000, "total checks")
	concurrency := fs.Int("concurrency", 16, "concurrent workers")
	identities := fs.Int("identities", 1, "distinct identities to spread checks over")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *requests <= 0 || *concurrency <= 0 || *identities <= 0 {
		return fmt.Errorf("%w: requests, concurrency and identities must be positive", errUsage)
	}

	res := &benchResult{latencies: make([]time.Duration, 0, *requests)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)

	started := time.Now()
	for i := 0; i < *requests; i++ {
		if gctx.Err() != nil {
			break
		}
		identity := fmt.Sprintf("bench-%d", i%*identities)
		g.Go(func() error {
			th, err := c.throttle(append([]string{identity}, fs.Args()...))
			if err != nil {
				return err
			}
			t0 := time.Now()
			_, err = th.Check(gctx)
			res.record(time.Since(t0), err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(started)

	sort.Slice(res.latencies, func(i, j int) bool { return res.latencies[i] < res.latencies[j] })
	total := len(res.latencies)
	fmt.Fprintf(c.out, "throttle:    %s\n", c.policy.Name)
	fmt.Fprintf(c.out, "checks:      %d in %s (%.0f/s)\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Fprintf(c.out, "allowed:     %d\n", res.allowed.Load())
	fmt.Fprintf(c.out, "throttled:   %d\n", res.throttled.Load())
	fmt.Fprintf(c.out, "failed:      %d\n", res.failed.Load())
	fmt.Fprintf(c.out, "latency p50: %s\n", res.percentile(0.50))
	fmt.Fprintf(c.out, "latency p99: %s\n", res.percentile(0.99))

	if failed := res.failed.Load(); failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

// watch prints lockout events until ctx is done.
func watch(ctx context.Context, n *notify.RedisNotifier, out io.Writer) error {
	if n == nil {
		return fmt.Errorf("%w: watch needs a redis engine", errUsage)
	}
	events, err := n.Subscribe(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("channel", n.Channel()).Msg("watching lockout events")
	for ev := range events {
		fmt.Fprintf(out, "%s %s %s blocked for %s\n",
			ev.At.Format(time.RFC3339), ev.Throttle, ev.Identity, ev.RetryIn)
	}
	return nil
}
