package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name: "defaults (only the app path set)",
			env: map[string]string{
				"APP_PATH": "/opt/app/widgets",
			},
			wantCfg: &Config{
				DisplayNum:      1,
				ScreenWidth:     1024,
				ScreenHeight:    768,
				ScreenDepth:     24,
				XvfbPath:        "Xvfb",
				WMPath:          "openbox",
				XdotoolPath:     "xdotool",
				WmctrlPath:      "wmctrl",
				XdpyinfoPath:    "xdpyinfo",
				XauthPath:       "xauth",
				FFmpegPath:      "ffmpeg",
				AppPath:         "/opt/app/widgets",
				RepoRoot:        ".",
				ScenariosDir:    "scenarios",
				GoldensDir:      "goldens",
				ArtifactsDir:    "artifacts",
				ReadyTimeoutMs:  10000,
				WindowTimeoutMs: 5000,
				PollIntervalMs:  200,
			},
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"APP_PATH":      "/opt/app/widgets",
				"DISPLAY_NUM":   "2",
				"SCREEN_WIDTH":  "1920",
				"SCREEN_HEIGHT": "1080",
				"XVFB_PATH":     "/usr/bin/Xvfb",
				"STEP_DELAY_MS": "50",
				"INSPECT_PORT":  "10001",
				"RESULTS_DB":    "/tmp/results.db",
				"BACKTRACE":     "full",
			},
			wantCfg: &Config{
				DisplayNum:      2,
				ScreenWidth:     1920,
				ScreenHeight:    1080,
				ScreenDepth:     24,
				XvfbPath:        "/usr/bin/Xvfb",
				WMPath:          "openbox",
				XdotoolPath:     "xdotool",
				WmctrlPath:      "wmctrl",
				XdpyinfoPath:    "xdpyinfo",
				XauthPath:       "xauth",
				FFmpegPath:      "ffmpeg",
				AppPath:         "/opt/app/widgets",
				Backtrace:       "full",
				RepoRoot:        ".",
				ScenariosDir:    "scenarios",
				GoldensDir:      "goldens",
				ArtifactsDir:    "artifacts",
				ReadyTimeoutMs:  10000,
				WindowTimeoutMs: 5000,
				PollIntervalMs:  200,
				StepDelayMs:     50,
				InspectPort:     10001,
				ResultsDB:       "/tmp/results.db",
			},
		},
		{
			name:    "missing app path",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "negative display num",
			env: map[string]string{
				"APP_PATH":    "/opt/app/widgets",
				"DISPLAY_NUM": "-1",
			},
			wantErr: true,
		},
		{
			name: "unsupported screen depth",
			env: map[string]string{
				"APP_PATH":     "/opt/app/widgets",
				"SCREEN_DEPTH": "32",
			},
			wantErr: true,
		},
		{
			name: "zero ready timeout",
			env: map[string]string{
				"APP_PATH":         "/opt/app/widgets",
				"READY_TIMEOUT_MS": "0",
			},
			wantErr: true,
		},
		{
			name: "negative step delay",
			env: map[string]string{
				"APP_PATH":      "/opt/app/widgets",
				"STEP_DELAY_MS": "-10",
			},
			wantErr: true,
		},
		{
			name: "inspect port out of range",
			env: map[string]string{
				"APP_PATH":     "/opt/app/widgets",
				"INSPECT_PORT": "70000",
			},
			wantErr: true,
		},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				require.Equal(t, tc.wantCfg, cfg)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		ReadyTimeoutMs:  10000,
		WindowTimeoutMs: 5000,
		PollIntervalMs:  200,
		StepDelayMs:     50,
	}
	require.Equal(t, 10*time.Second, cfg.ReadyTimeout())
	require.Equal(t, 5*time.Second, cfg.WindowTimeout())
	require.Equal(t, 200*time.Millisecond, cfg.PollInterval())
	require.Equal(t, 50*time.Millisecond, cfg.StepDelay())
}
