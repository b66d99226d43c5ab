package clipboard

import (
	"bytes"
	"errors"
	"os/exec"
	"runtime"
)

// ErrNoClipboardTool indicates no usable clipboard helper was found.
var ErrNoClipboardTool = errors.New("clipboard: no clipboard tool available")

type clipboardTool struct {
	readCmd  []string
	writeCmd []string
}

// candidateTools lists clipboard helpers in preference order for the
// current platform.
func candidateTools() []clipboardTool {
	switch runtime.GOOS {
	case "darwin":
		return []clipboardTool{
			{readCmd: []string{"pbpaste"}, writeCmd: []string{"pbcopy"}},
		}
	default:
		return []clipboardTool{
			{readCmd: []string{"wl-paste", "--no-newline"}, writeCmd: []string{"wl-copy"}},
			{readCmd: []string{"xclip", "-selection", "clipboard", "-o"}, writeCmd: []string{"xclip", "-selection", "clipboard"}},
			{readCmd: []string{"xsel", "--clipboard", "--output"}, writeCmd: []string{"xsel", "--clipboard", "--input"}},
		}
	}
}

// SystemClipboard reads and writes the OS clipboard through the platform's
// clipboard helper tool.
type SystemClipboard struct {
	tool clipboardTool
}

// NewSystemClipboard probes for a clipboard helper on PATH.
func NewSystemClipboard() (*SystemClipboard, error) {
	for _, tool := range candidateTools() {
		if _, err := exec.LookPath(tool.readCmd[0]); err != nil {
			continue
		}
		return &SystemClipboard{tool: tool}, nil
	}
	return nil, ErrNoClipboardTool
}

func (c *SystemClipboard) Read() (string, error) {
	cmd := exec.Command(c.tool.readCmd[0], c.tool.readCmd[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *SystemClipboard) Write(value string) error {
	cmd := exec.Command(c.tool.writeCmd[0], c.tool.writeCmd[1:]...)
	cmd.Stdin = bytes.NewBufferString(value)
	return cmd.Run()
}
