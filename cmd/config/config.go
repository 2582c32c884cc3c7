package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the harness.
type Config struct {
	// Display session
	DisplayNum   int `envconfig:"DISPLAY_NUM" default:"1"`
	ScreenWidth  int `envconfig:"SCREEN_WIDTH" default:"1024"`
	ScreenHeight int `envconfig:"SCREEN_HEIGHT" default:"768"`
	ScreenDepth  int `envconfig:"SCREEN_DEPTH" default:"24"`

	// External binaries. Relative values fall back to $PATH lookup.
	XvfbPath     string `envconfig:"XVFB_PATH" default:"Xvfb"`
	WMPath       string `envconfig:"WM_PATH" default:"openbox"`
	XdotoolPath  string `envconfig:"XDOTOOL_PATH" default:"xdotool"`
	WmctrlPath   string `envconfig:"WMCTRL_PATH" default:"wmctrl"`
	XdpyinfoPath string `envconfig:"XDPYINFO_PATH" default:"xdpyinfo"`
	XauthPath    string `envconfig:"XAUTH_PATH" default:"xauth"`
	FFmpegPath   string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// Application under test
	AppPath string `envconfig:"APP_PATH" required:"true"`
	// Backtrace verbosity passed through to the application's
	// environment, e.g. "1" or "full".
	Backtrace string `envconfig:"BACKTRACE" default:""`

	// Repository layout
	RepoRoot     string `envconfig:"REPO_ROOT" default:"."`
	ScenariosDir string `envconfig:"SCENARIOS_DIR" default:"scenarios"`
	GoldensDir   string `envconfig:"GOLDENS_DIR" default:"goldens"`
	ArtifactsDir string `envconfig:"ARTIFACTS_DIR" default:"artifacts"`

	// Bounded waits (milliseconds)
	ReadyTimeoutMs  int `envconfig:"READY_TIMEOUT_MS" default:"10000"`
	WindowTimeoutMs int `envconfig:"WINDOW_TIMEOUT_MS" default:"5000"`
	PollIntervalMs  int `envconfig:"POLL_INTERVAL_MS" default:"200"`
	StepDelayMs     int `envconfig:"STEP_DELAY_MS" default:"0"`

	// Optional collaborator-facing surfaces
	InspectPort int    `envconfig:"INSPECT_PORT" default:"0"`
	ResultsDB   string `envconfig:"RESULTS_DB" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("UIPROBE", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validate(config *Config) error {
	if config.DisplayNum < 0 {
		return fmt.Errorf("DISPLAY_NUM must be non-negative")
	}
	if config.ScreenWidth <= 0 || config.ScreenHeight <= 0 {
		return fmt.Errorf("SCREEN_WIDTH and SCREEN_HEIGHT must be positive")
	}
	if config.ScreenDepth != 8 && config.ScreenDepth != 16 && config.ScreenDepth != 24 {
		return fmt.Errorf("SCREEN_DEPTH must be one of 8, 16, 24")
	}
	if config.AppPath == "" {
		return fmt.Errorf("APP_PATH is required")
	}
	if config.ReadyTimeoutMs <= 0 || config.WindowTimeoutMs <= 0 || config.PollIntervalMs <= 0 {
		return fmt.Errorf("timeouts and poll interval must be positive")
	}
	if config.StepDelayMs < 0 {
		return fmt.Errorf("STEP_DELAY_MS must be non-negative")
	}
	if config.InspectPort < 0 || config.InspectPort > 65535 {
		return fmt.Errorf("INSPECT_PORT must be a valid port or 0")
	}
	return nil
}

// ReadyTimeout returns the session readiness budget.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMs) * time.Millisecond
}

// WindowTimeout returns the window-activation budget.
func (c *Config) WindowTimeout() time.Duration {
	return time.Duration(c.WindowTimeoutMs) * time.Millisecond
}

// PollInterval returns the probe interval shared by all bounded waits.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StepDelay returns the optional settle delay between scenario steps.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.StepDelayMs) * time.Millisecond
}
