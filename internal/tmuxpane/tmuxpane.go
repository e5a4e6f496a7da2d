// Package tmuxpane implements the terminal backend's PaneWriter/PaneReader
// by shelling out to the tmux CLI: Write sends keystrokes into a pane with
// send-keys, ReadTail captures its scrollback with capture-pane.
package tmuxpane

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Driver talks to a tmux server via the tmux binary on PATH.
type Driver struct {
	// TmuxPath overrides the binary name/path; empty uses "tmux".
	TmuxPath string
}

// New returns a Driver using the tmux binary found on PATH.
func New() *Driver {
	return &Driver{TmuxPath: "tmux"}
}

func (d *Driver) bin() string {
	if d.TmuxPath != "" {
		return d.TmuxPath
	}
	return "tmux"
}

// Write sends text into paneID followed by Enter, the way a user typing the
// prompt and hitting return would.
func (d *Driver) Write(ctx context.Context, paneID, text string) error {
	cmd := exec.CommandContext(ctx, d.bin(), "send-keys", "-t", paneID, "-l", text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys: %w: %s", err, bytes.TrimSpace(out))
	}
	enter := exec.CommandContext(ctx, d.bin(), "send-keys", "-t", paneID, "Enter")
	if out, err := enter.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys Enter: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// ReadTail returns the trailing maxBytes of paneID's visible output plus
// scrollback history, via capture-pane -p -S -<history>.
func (d *Driver) ReadTail(ctx context.Context, paneID string, maxBytes int) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin(), "capture-pane", "-t", paneID, "-p", "-S", "-200")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	if maxBytes > 0 && len(out) > maxBytes {
		out = out[len(out)-maxBytes:]
	}
	return string(out), nil
}
