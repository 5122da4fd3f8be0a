package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/webtrace/internal/api"
	"github.com/dgnsrekt/webtrace/internal/browser"
	"github.com/dgnsrekt/webtrace/internal/capture"
	"github.com/dgnsrekt/webtrace/internal/cdp"
	"github.com/dgnsrekt/webtrace/internal/config"
	"github.com/dgnsrekt/webtrace/internal/netutil"
	"github.com/dgnsrekt/webtrace/internal/notify"
	"github.com/dgnsrekt/webtrace/internal/recorder"
	"github.com/dgnsrekt/webtrace/internal/relay"
	"github.com/dgnsrekt/webtrace/internal/service"
	"github.com/dgnsrekt/webtrace/internal/snapshot"
	"github.com/dgnsrekt/webtrace/internal/store"
)

func main() {
	cfg, err := config.LoadRecorder()
	if err != nil {
		slog.Error("failed to load recorder config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("recorder config loaded",
		"cdp_address", cfg.CDPAddress,
		"cdp_port", cfg.CDPPort,
		"data_dir", cfg.DataDir,
		"bind_addr", cfg.BindAddr,
		"start_url", cfg.StartURL,
		"headless", cfg.Headless,
		"url_filter", cfg.URLFilter,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "webtrace.db"))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Debug("store close failed", "error", err)
		}
	}()

	broker := relay.NewBroker()
	pub := relay.NewPublisher(broker)

	var svc *service.Service
	svc = service.New(st, pub, func(ctx context.Context, task *store.Task) (*capture.Manager, error) {
		return startSession(ctx, cfg, st, pub, task, svc)
	})

	// A task seeded through the environment starts its session before the
	// API comes up.
	if cfg.TaskDescription != "" {
		if _, err := svc.CreateTask(context.Background(), cfg.TaskDescription, cfg.TaskType, "env", cfg.TaskWebsite); err != nil {
			slog.Error("failed to start boot task", "error", err)
			os.Exit(1)
		}
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.BindCandidates, cfg.AutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc, broker)}
	go func() {
		slog.Info("recorder API listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("recorder API server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Signal-driven finalization. Idempotent against a session already
	// finalized by the last page closing or the end-task endpoint.
	if status := svc.Status(ctx); status.Active && status.TaskID != nil {
		if _, err := svc.EndTask(ctx, *status.TaskID); err != nil {
			slog.Error("failed to end task at shutdown", "task_id", *status.TaskID, "error", err)
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("recorder API shutdown failed", "error", err)
	}
	slog.Info("recorder stopped")
}

// startSession launches a browser and stands up the capture pipeline for
// one task. The returned manager owns finalization of everything built
// here.
func startSession(ctx context.Context, cfg *config.Recorder, st *store.Store, pub *relay.Publisher, task *store.Task, svc *service.Service) (*capture.Manager, error) {
	launcher := browser.NewLauncher(browser.Config{
		CDPAddress: cfg.CDPAddress,
		CDPPort:    cfg.CDPPort,
		StartURL:   cfg.StartURL,
		ProfileDir: cfg.ProfileDir,
		WindowSize: cfg.WindowSize,
		Headless:   cfg.Headless,
	})
	if err := launcher.Launch(ctx); err != nil {
		return nil, fmt.Errorf("browser launch failed: %w", err)
	}

	var (
		sess    *cdp.Session
		rec     *recorder.Recorder
		netcap  *recorder.NetworkCapture
		manager *capture.Manager
	)

	manager, err := capture.NewManager(cfg.DataDir, task, capture.Hooks{
		SaveStorageState: func(ctx context.Context, path string) error {
			return sess.SaveStorageState(ctx, path)
		},
		ClosePages: func(ctx context.Context) error {
			return sess.ClosePages(ctx)
		},
		CloseContext: func(ctx context.Context) error {
			if err := rec.Close(); err != nil {
				slog.Debug("recorder close failed", "error", err)
			}
			netcap.Close()
			return sess.Close(ctx)
		},
		CloseBrowser: func(ctx context.Context) error {
			launcher.Stop()
			return nil
		},
		OnFinalized: func() {
			svc.OnSessionFinalized()
			if cfg.NotifyEndpoint != "" {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := notify.SendBundleFinalized(ctx, nil, cfg.NotifyEndpoint, task.ID, manager.Paths().Dir); err != nil {
					slog.Debug("finalization notification failed", "error", err)
				}
			}
		},
	})
	if err != nil {
		launcher.Stop()
		return nil, err
	}
	manager.SetLaunchMetadata(capture.LaunchMetadata{
		BrowserChannel: launcher.BrowserPath(),
		BrowserArgs:    launcher.Args(),
		UserDataDir:    launcher.ProfileDir(),
	})
	manager.SetContextOptions(map[string]any{
		"window_size": cfg.WindowSize,
		"headless":    cfg.Headless,
		"start_url":   cfg.StartURL,
	})

	screenshotDir := filepath.Join(manager.Paths().Dir, "screenshots")
	rec = recorder.New(st, task.ID, screenshotDir, recorder.Hooks{
		Screenshot: func(ctx context.Context) ([]byte, error) {
			page, err := sess.FirstPage()
			if err != nil {
				return nil, err
			}
			return page.Screenshot(ctx)
		},
		Snapshot: func(ctx context.Context) (*snapshot.Node, snapshot.PageInfo, error) {
			page, err := sess.FirstPage()
			if err != nil {
				return nil, snapshot.PageInfo{}, err
			}
			return page.Snapshot(ctx)
		},
	}, pub.PublishStep)

	netcap = recorder.NewNetworkCapture(st, task.ID, manager.Archive(), rec.CurrentStepID, func() string {
		return sess.CookieSnapshot()
	})

	sess = cdp.NewSession(cdp.Config{
		BrowserURL:  launcher.URL(),
		Recorder:    rec,
		Network:     netcap,
		OnPageCount: manager.PageCountChanged,
		URLFilter:   cfg.URLFilter,
	})
	if err := sess.Connect(ctx); err != nil {
		launcher.Stop()
		return nil, fmt.Errorf("browser attach failed: %w", err)
	}

	slog.Info("capture session started",
		"task_id", task.ID, "bundle_dir", manager.Paths().Dir, "pages", sess.OpenPageCount())
	return manager, nil
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
