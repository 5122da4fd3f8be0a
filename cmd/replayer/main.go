package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/webtrace/internal/browser"
	"github.com/dgnsrekt/webtrace/internal/bundle"
	"github.com/dgnsrekt/webtrace/internal/cdp"
	"github.com/dgnsrekt/webtrace/internal/config"
	"github.com/dgnsrekt/webtrace/internal/netutil"
	"github.com/dgnsrekt/webtrace/internal/replay"
	"github.com/dgnsrekt/webtrace/internal/store"
	"github.com/dgnsrekt/webtrace/internal/urlnorm"
)

func main() {
	cfg, err := config.LoadReplayer()
	if err != nil {
		slog.Error("failed to load replayer config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	if cfg.BundleDir == "" {
		slog.Error("WEBTRACE_BUNDLE_DIR is required")
		os.Exit(1)
	}

	b, err := bundle.Open(cfg.BundleDir)
	if err != nil {
		slog.Error("failed to open bundle", "dir", cfg.BundleDir, "error", err)
		os.Exit(1)
	}
	entries, err := b.Entries()
	if err != nil {
		slog.Error("failed to load archive entries", "error", err)
		os.Exit(1)
	}

	strategy := urlnorm.DefaultStrategy()
	if cfg.StrategyFile != "" {
		strategy, err = urlnorm.LoadStrategy(cfg.StrategyFile)
		if err != nil {
			slog.Error("failed to load strategy file", "path", cfg.StrategyFile, "error", err)
			os.Exit(1)
		}
	}

	engine := replay.NewEngine(entries, replay.Options{
		Strategy:             strategy,
		AllowNetworkFallback: cfg.AllowNetworkFallback,
	})

	slog.Info("bundle loaded",
		"dir", cfg.BundleDir,
		"task_id", b.TaskID(),
		"entries", len(entries),
		"network_fallback", cfg.AllowNetworkFallback,
	)

	port, err := netutil.FreePort(cfg.CDPAddress)
	if err != nil {
		slog.Error("failed to pick a debug port", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launcher := browser.NewLauncher(browser.Config{
		CDPAddress:   cfg.CDPAddress,
		CDPPort:      port,
		StartURL:     "about:blank",
		ProfileDir:   cfg.ProfileDir,
		WindowSize:   cfg.WindowSize,
		Headless:     cfg.Headless,
		QuietNetwork: true,
	})
	if err := launcher.Launch(ctx); err != nil {
		slog.Error("browser launch failed", "error", err)
		os.Exit(1)
	}
	defer launcher.Stop()

	sess := cdp.NewSession(cdp.Config{
		BrowserURL: launcher.URL(),
		HandleRoute: func(r replay.Route) {
			if err := engine.Handle(r); err != nil {
				slog.Warn("route handling failed", "url", r.URL(), "error", err)
			}
		},
	})
	if err := sess.Connect(ctx); err != nil {
		slog.Error("browser attach failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := sess.Close(closeCtx); err != nil {
			slog.Debug("session close failed", "error", err)
		}
	}()

	page, err := sess.FirstPage()
	if err != nil {
		slog.Error("no page attached after launch", "error", err)
		os.Exit(1)
	}

	if statePath, ok := b.StorageStatePath(); ok {
		if err := sess.RestoreStorageState(ctx, page, statePath); err != nil {
			slog.Warn("storage state restore failed", "path", statePath, "error", err)
		}
	}

	startURL := cfg.StartURL
	if startURL == "" {
		startURL = b.GuessStartURL()
	}
	if startURL == "" {
		slog.Error("no start URL: bundle has no document entries and no override was given")
		os.Exit(1)
	}

	slog.Info("replay starting", "start_url", startURL)
	if err := page.Navigate(ctx, startURL); err != nil {
		slog.Error("initial navigation failed", "url", startURL, "error", err)
		os.Exit(1)
	}
	if err := page.WaitReady(ctx, "complete"); err != nil {
		slog.Warn("page never reached complete state", "error", err)
	}

	if cfg.ExecuteTrajectory {
		if err := runTrajectory(ctx, cfg, b.TaskID(), page); err != nil {
			slog.Error("trajectory execution failed", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	slog.Info("replay session running", "served", engine.ConsumedCount())
	<-sigCh
	slog.Info("shutdown signal received")

	reportDir := cfg.ReportDir
	if reportDir == "" {
		reportDir = filepath.Join(cfg.BundleDir, "replay_logs")
	}
	if err := engine.WriteLogs(reportDir); err != nil {
		slog.Error("failed to write replay logs", "dir", reportDir, "error", err)
	} else {
		slog.Info("replay logs written", "dir", reportDir)
	}
}

// runTrajectory replays the recorded input steps against page.
func runTrajectory(ctx context.Context, cfg *config.Replayer, taskID int64, page *cdp.Page) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Debug("store close failed", "error", err)
		}
	}()

	steps, err := st.StepsByTask(taskID)
	if err != nil {
		return err
	}
	slog.Info("executing trajectory", "task_id", taskID, "steps", len(steps), "human_pace", cfg.HumanPace)

	return replay.NewExecutor(steps, cfg.HumanPace).Run(ctx, page)
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
