// Command engine-demo drives the Scheduler Core end to end against a
// real directory tree: it watches --root for document lifecycle
// events, feeds them through the Document Event Bridge, and dispatches
// a synthetic Parse Task for every URL the Scheduler admits, rendering
// aggregate progress on the terminal.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/lci/internal/config"
	"github.com/standardbeagle/lci/internal/debug"
	"github.com/standardbeagle/lci/internal/docsource"
	"github.com/standardbeagle/lci/internal/doctracker"
	"github.com/standardbeagle/lci/internal/interner"
	"github.com/standardbeagle/lci/internal/metrics"
	"github.com/standardbeagle/lci/internal/parsetask"
	"github.com/standardbeagle/lci/internal/scheduler"
	"github.com/standardbeagle/lci/internal/workerpool"
)

func main() {
	app := &cli.App{
		Name:                   "engine-demo",
		Usage:                  "watch a directory and drive it through the scheduler core",
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "directory tree to watch and schedule",
				Value:   ".",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "directory to search for .lci-engine.kdl/.toml (defaults to --root)",
			},
			&cli.IntFlag{
				Name:  "threads",
				Usage: "worker thread count (overrides config and MAX_THREADS)",
			},
			&cli.IntFlag{
				Name:  "delay-ms",
				Usage: "coalescing delay in milliseconds (overrides config)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "HTTP listen address for Prometheus metrics (empty to disable)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("engine-demo: %v", err))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	pool := workerpool.New(cfg.Scheduler.ThreadCount + 1)

	var metricsBundle *metrics.Metrics
	if addr := c.String("metrics-addr"); addr != "" {
		metricsBundle = startMetricsServer(addr)
	}

	bar := newProgressBar()
	bSink := &barSink{bar: bar}
	var sink scheduler.ProgressSink = bSink
	if metricsBundle != nil {
		sink = multiSink{bSink, metrics.NewSchedulerSink(metricsBundle)}
	}

	lang := &demoLanguageRegistry{}
	sched := scheduler.New(pool, cfg.Scheduler, lang, demoProjectRegistry{}, sink)
	defer sched.Shutdown()

	in := interner.New()
	trackers := doctracker.NewRegistry()
	bridge := docsource.New(in, trackers, sched, docsource.DefaultOptions())

	src, err := docsource.NewFSSource(docsource.FSOptions{
		Root:       cfg.Project.Root,
		Include:    []string{"**/*"},
		Exclude:    []string{"**/.git/**"},
		DebounceMs: cfg.Scheduler.DelayMs,
	})
	if err != nil {
		return fmt.Errorf("failed to start document source for %s: %w", cfg.Project.Root, err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bridge.Run(ctx, src)
	}()

	fmt.Println(color.CyanString("watching %s (threads=%d delay=%dms)", cfg.Project.Root, cfg.Scheduler.ThreadCount, cfg.Scheduler.DelayMs))

	if metricsBundle != nil {
		go pollPoolMetrics(ctx, metricsBundle, pool, sched, in)
	}

	sig := <-sigChan
	debug.LogScheduler("received signal %v, shutting down", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sched.WaitForIdle(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, color.YellowString("shutdown: scheduler did not idle before timeout: %v", err))
	}
	wg.Wait()
	return nil
}

func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	root := c.String("root")
	searchRoot := root
	if cfgRoot := c.String("config"); cfgRoot != "" {
		searchRoot = cfgRoot
	}

	cfg, err := config.Load(searchRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", searchRoot, err)
	}

	if root != "" {
		cfg.Project.Root = root
	}
	if c.IsSet("threads") {
		cfg.Scheduler.ThreadCount = c.Int("threads")
	}
	if c.IsSet("delay-ms") {
		cfg.Scheduler.DelayMs = c.Int("delay-ms")
	}

	return cfg, nil
}

func startMetricsServer(addr string) *metrics.Metrics {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		debug.LogScheduler("metrics server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			debug.LogScheduler("metrics server error: %v", err)
		}
	}()

	return m
}

func pollPoolMetrics(ctx context.Context, m *metrics.Metrics, pool *workerpool.Pool, sched *scheduler.Scheduler, in *interner.Interner) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ObservePool(pool)
			m.ObserveInternerSize(in.Size())
			m.ObserveQueued(sched.QueuedCount())
		}
	}
}

func newProgressBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetDescription("indexing"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// barSink renders progress snapshots from the Scheduler onto a
// terminal bar; a Hidden snapshot (queue drained to zero) clears it.
type barSink struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func (s *barSink) OnProgress(snap scheduler.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Hidden {
		_ = s.bar.Clear()
		return
	}
	_ = s.bar.Set(int(snap.Fraction * 100))
}

// multiSink fans one progress snapshot out to several sinks, used
// here to drive the terminal bar and the Prometheus bundle together.
type multiSink []scheduler.ProgressSink

func (m multiSink) OnProgress(snap scheduler.Snapshot) {
	for _, s := range m {
		s.OnProgress(snap)
	}
}

// demoLanguageRegistry manufactures one synthetic Parse Task per URL:
// a short simulated analysis that reports fractional progress and
// occasionally fails, to exercise the Scheduler's failure path without
// a real language plugin.
type demoLanguageRegistry struct{}

func (demoLanguageRegistry) CreateTasks(url interner.Handle) []parsetask.Task {
	return []parsetask.Task{
		parsetask.NewFuncTask(url, func(ctx context.Context, url interner.Handle, report func(float64, string)) error {
			steps := 5
			for i := 1; i <= steps; i++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
				}
				report(float64(i)/float64(steps), "analyzing")
			}
			if rand.Intn(50) == 0 {
				return fmt.Errorf("simulated analysis failure for handle %d", url)
			}
			return nil
		}),
	}
}

// demoProjectRegistry reports no workspace ever loading, since this
// demo has no project-initialization phase of its own.
type demoProjectRegistry struct{}

func (demoProjectRegistry) AnyLoading() bool { return false }
