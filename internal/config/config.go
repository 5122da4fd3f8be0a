package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Recorder holds configuration for the capture service.
type Recorder struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Browser launch settings
	StartURL   string
	ProfileDir string
	WindowSize string
	Headless   bool

	// Storage settings
	DataDir string

	// Control API bind address. Preferred is tried first; on conflict the
	// candidates are walked in order when AutoFallback is set.
	BindAddr       string
	BindCandidates []string
	AutoFallback   bool

	// Task seeded at boot when no task is created through the API.
	TaskDescription string
	TaskWebsite     string
	TaskType        string

	// Pages whose URL does not contain this substring are ignored.
	URLFilter string

	// NotifyEndpoint, when set, receives a plain-text message after each
	// bundle finalizes.
	NotifyEndpoint string

	LogLevel string
	LogFile  string
}

// LoadRecorder reads recorder configuration from environment variables and
// an optional .env file.
func LoadRecorder() (*Recorder, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Recorder{
		CDPAddress:      getEnvOrDefault("WEBTRACE_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:         getEnvIntOrDefault("WEBTRACE_CDP_PORT", 9222),
		StartURL:        getEnvOrDefault("WEBTRACE_START_URL", "about:blank"),
		ProfileDir:      getEnvOrDefault("WEBTRACE_PROFILE_DIR", ""),
		WindowSize:      getEnvOrDefault("WEBTRACE_WINDOW_SIZE", "1440,900"),
		Headless:        getEnvBoolOrDefault("WEBTRACE_HEADLESS", false),
		DataDir:         getEnvOrDefault("WEBTRACE_DATA_DIR", "./webtrace_data"),
		BindAddr:        getEnvOrDefault("WEBTRACE_BIND_ADDR", "127.0.0.1:8177"),
		BindCandidates:  splitList(getEnvOrDefault("WEBTRACE_BIND_CANDIDATES", "127.0.0.1:8178,127.0.0.1:8179")),
		AutoFallback:    getEnvBoolOrDefault("WEBTRACE_BIND_AUTO_FALLBACK", true),
		TaskDescription: getEnvOrDefault("WEBTRACE_TASK_DESCRIPTION", ""),
		TaskWebsite:     getEnvOrDefault("WEBTRACE_TASK_WEBSITE", ""),
		TaskType:        getEnvOrDefault("WEBTRACE_TASK_TYPE", "browsing"),
		URLFilter:       getEnvOrDefault("WEBTRACE_URL_FILTER", ""),
		NotifyEndpoint:  getEnvOrDefault("WEBTRACE_NOTIFY_ENDPOINT", ""),
		LogLevel:        strings.ToLower(getEnvOrDefault("WEBTRACE_LOG_LEVEL", "info")),
		LogFile:         getEnvOrDefault("WEBTRACE_LOG_FILE", "logs/recorder.log"),
	}

	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint used by the chromedp remote allocator.
func (c *Recorder) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

// Replayer holds configuration for the offline replay runner.
type Replayer struct {
	// BundleDir points at one capture bundle or its manifest file.
	BundleDir string

	// DBPath locates the task database holding the recorded trajectory.
	DBPath string

	// StartURL overrides the URL guessed from the bundle.
	StartURL string

	// StrategyFile points at a YAML file overriding the URL matching
	// heuristics. Empty uses the built-in defaults.
	StrategyFile string

	// AllowNetworkFallback lets unmatched requests reach the live network.
	AllowNetworkFallback bool

	// ExecuteTrajectory replays the recorded input steps after the page
	// loads. HumanPace slows execution to roughly human speed.
	ExecuteTrajectory bool
	HumanPace         bool

	// Browser launch settings. A free debug port is picked at runtime.
	CDPAddress string
	Headless   bool
	WindowSize string
	ProfileDir string

	// ReportDir receives the served/missed URL logs. Empty writes them
	// next to the bundle.
	ReportDir string

	LogLevel string
	LogFile  string
}

// LoadReplayer reads replayer configuration from environment variables and
// an optional .env file.
func LoadReplayer() (*Replayer, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Replayer{
		BundleDir:            getEnvOrDefault("WEBTRACE_BUNDLE_DIR", ""),
		DBPath:               getEnvOrDefault("WEBTRACE_DB_PATH", "./webtrace_data/webtrace.db"),
		StartURL:             getEnvOrDefault("WEBTRACE_REPLAY_START_URL", ""),
		StrategyFile:         getEnvOrDefault("WEBTRACE_STRATEGY_FILE", ""),
		AllowNetworkFallback: getEnvBoolOrDefault("WEBTRACE_NETWORK_FALLBACK", false),
		ExecuteTrajectory:    getEnvBoolOrDefault("WEBTRACE_EXECUTE_TRAJECTORY", false),
		HumanPace:            getEnvBoolOrDefault("WEBTRACE_HUMAN_PACE", false),
		CDPAddress:           getEnvOrDefault("WEBTRACE_CDP_ADDRESS", "127.0.0.1"),
		Headless:             getEnvBoolOrDefault("WEBTRACE_HEADLESS", false),
		WindowSize:           getEnvOrDefault("WEBTRACE_WINDOW_SIZE", "1440,900"),
		ProfileDir:           getEnvOrDefault("WEBTRACE_REPLAY_PROFILE_DIR", ""),
		ReportDir:            getEnvOrDefault("WEBTRACE_REPORT_DIR", ""),
		LogLevel:             strings.ToLower(getEnvOrDefault("WEBTRACE_LOG_LEVEL", "info")),
		LogFile:              getEnvOrDefault("WEBTRACE_REPLAY_LOG_FILE", "logs/replayer.log"),
	}

	return cfg, nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
