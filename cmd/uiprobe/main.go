// Command uiprobe runs visual-regression scenarios against a graphical
// application inside an isolated virtual display session.
//
// Usage:
//
//	uiprobe [flags] [scenario-name-substring]
//
// With no positional argument every discovered scenario runs; with one, only
// scenarios whose name contains the substring run. Exit codes: 0 all passed,
// 1 assertion failures, 2 infrastructure or setup failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/probelab/uiprobe/cmd/config"
	"github.com/probelab/uiprobe/lib/artifacts"
	"github.com/probelab/uiprobe/lib/display"
	"github.com/probelab/uiprobe/lib/history"
	"github.com/probelab/uiprobe/lib/inspect"
	"github.com/probelab/uiprobe/lib/logger"
	"github.com/probelab/uiprobe/lib/poll"
	"github.com/probelab/uiprobe/lib/runner"
	"github.com/probelab/uiprobe/lib/scenario"
	"github.com/probelab/uiprobe/lib/snapshot"
	"github.com/probelab/uiprobe/lib/xdo"
)

const (
	exitAllPassed = 0
	exitFailures  = 1
	exitInfra     = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listOnly = flag.Bool("list", false, "list discovered scenarios and exit")
		update   = flag.Bool("update", false, "accept candidate snapshots as new golden references")
		verbose  = flag.Bool("v", false, "enable debug logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: %s [flags] [scenario-name-substring]\n\nflags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 1 {
		flag.Usage()
		return exitInfra
	}
	filter := flag.Arg(0)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		return exitInfra
	}

	// context cancellation on SIGINT/SIGTERM; teardown still runs on abort
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.AddToContext(ctx, slogger)

	scenarios, err := scenario.Discover(filepath.Join(cfg.RepoRoot, cfg.ScenariosDir))
	if err != nil {
		slogger.Error("scenario discovery failed", "err", err)
		return exitInfra
	}
	if *listOnly {
		for _, sc := range scenarios {
			fmt.Println(sc.Name)
		}
		return exitAllPassed
	}

	// Acquire the display session. Teardown is deferred before readiness is
	// checked so every exit path below releases the display exactly once.
	sess, err := display.Start(ctx, display.Config{
		DisplayNum:   cfg.DisplayNum,
		Width:        cfg.ScreenWidth,
		Height:       cfg.ScreenHeight,
		Depth:        cfg.ScreenDepth,
		XvfbPath:     cfg.XvfbPath,
		WMPath:       cfg.WMPath,
		XauthPath:    cfg.XauthPath,
		XdpyinfoPath: cfg.XdpyinfoPath,
		WmctrlPath:   cfg.WmctrlPath,
		ReadyPoll:    poll.Config{Interval: cfg.PollInterval(), Timeout: cfg.ReadyTimeout()},
	})
	if sess != nil {
		defer sess.Teardown(context.WithoutCancel(ctx))
	}
	if err != nil {
		slogger.Error("display session start failed", "err", err)
		return exitInfra
	}
	if err := sess.WaitReady(ctx); err != nil {
		slogger.Error("display session never became ready", "err", err)
		return exitInfra
	}

	tool := xdo.NewXdoTool(cfg.XdotoolPath, sess.Addr, sess.Authority)
	inj := xdo.NewInjector(tool, sess,
		xdo.WithWindowPoll(poll.Config{Interval: cfg.PollInterval(), Timeout: cfg.WindowTimeout()}),
		xdo.WithWmctrl(cfg.WmctrlPath, sess.Addr, sess.Authority),
	)
	capturer := &snapshot.FFmpegCapturer{
		FFmpegPath: cfg.FFmpegPath,
		Display:    sess.Addr,
		Authority:  sess.Authority,
		Width:      cfg.ScreenWidth,
		Height:     cfg.ScreenHeight,
	}
	store := snapshot.NewStore(capturer, sess, filepath.Join(cfg.RepoRoot, cfg.GoldensDir))
	art := artifacts.New(filepath.Join(cfg.RepoRoot, cfg.ArtifactsDir))

	appEnv := sess.Env()
	if cfg.Backtrace != "" {
		appEnv = append(appEnv, "RUST_BACKTRACE="+cfg.Backtrace)
	}
	r := runner.New(scenarios, inj, store, art, runner.Options{
		AppPath:       cfg.AppPath,
		AppEnv:        appEnv,
		StepDelay:     cfg.StepDelay(),
		UpdateGoldens: *update,
	})

	// Results shared with the inspect server.
	var (
		mu      sync.Mutex
		summary = runner.NewSummary()
	)
	readSummary := func() runner.Summary {
		mu.Lock()
		defer mu.Unlock()
		return summary
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.InspectPort > 0 {
		srv := inspect.New(capturer, readSummary)
		addr := fmt.Sprintf(":%d", cfg.InspectPort)
		slogger.Info("inspect server starting", "addr", addr)
		g.Go(func() error {
			return inspect.Serve(gctx, addr, srv.Handler(slogger))
		})
	}

	result := r.RunAll(ctx, filter)
	mu.Lock()
	summary = result
	mu.Unlock()

	summary.Render(os.Stdout)
	if summary.Total() == 0 {
		slogger.Warn("no scenarios matched", "filter", filter)
	}

	if !summary.Clean() {
		if path, err := art.ExportBundle(); err != nil {
			slogger.Error("artifact export failed", "err", err)
		} else if path != "" {
			fmt.Printf("artifacts exported to %s\n", path)
		}
	}

	if cfg.ResultsDB != "" {
		if err := recordHistory(cfg.ResultsDB, summary); err != nil {
			slogger.Error("failed to record run history", "err", err)
		}
	}

	stop() // shut the inspect server down before computing the exit code
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slogger.Error("inspect server failed", "err", err)
	}

	if ctx.Err() != nil && summary.Clean() {
		// Interrupted before anything failed: report infra, not success.
		slogger.Warn("run interrupted")
		return exitInfra
	}
	return summary.ExitCode()
}

func recordHistory(path string, summary runner.Summary) error {
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RecordRun(summary)
}
