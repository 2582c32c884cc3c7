package xdo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Tool runs an X11 automation command and returns its combined output.
// It exists so the injector can be exercised in tests without a display.
type Tool interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// XdoTool is a thin wrapper around the xdotool CLI utility. It ensures the
// DISPLAY and XAUTHORITY environment variables are set correctly when
// invoking xdotool.
//
// Usage:
//
//	output, err := tool.Run(ctx, "mousemove", "100", "100")
type XdoTool struct {
	bin       string
	display   string
	authority string
}

// NewXdoTool returns a new XdoTool configured to target the given X11
// display. The display string should be in the form ":<num>", e.g. ":1".
// authority may be empty when the display runs without access control.
func NewXdoTool(bin, display, authority string) *XdoTool {
	if bin == "" {
		bin = "xdotool"
	}
	return &XdoTool{bin: bin, display: display, authority: authority}
}

// Run executes xdotool with the provided arguments. DISPLAY and XAUTHORITY
// are injected ahead of the existing environment so that they always take
// precedence.
func (x *XdoTool) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, x.bin, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("DISPLAY=%s", x.display))
	if x.authority != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("XAUTHORITY=%s", x.authority))
	}
	return cmd.CombinedOutput()
}
