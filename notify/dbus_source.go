package notify

import (
	"bufio"
	"context"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// notifyMatchRule selects desktop notification calls on the session bus.
const notifyMatchRule = "interface='org.freedesktop.Notifications',member='Notify'"

// BusSource captures local desktop notifications by monitoring the session
// bus with dbus-monitor.
type BusSource struct {
	binary string
}

// NewSystemSource returns a notification source for this machine, or nil
// when the session bus cannot be monitored.
func NewSystemSource() Source {
	path, err := exec.LookPath("dbus-monitor")
	if err != nil {
		logrus.Debug("dbus-monitor not found, local notifications are not forwarded")
		return nil
	}
	return &BusSource{binary: path}
}

func (s *BusSource) Notifications(ctx context.Context) (<-chan Notification, error) {
	cmd := exec.CommandContext(ctx, s.binary, "--session", notifyMatchRule)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	stream := make(chan Notification, 16)
	go func() {
		defer close(stream)
		defer cmd.Wait()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var inCall bool
		var args []string
		flush := func() {
			if notification, ok := notificationFromArgs(args); ok {
				select {
				case stream <- notification:
				case <-ctx.Done():
				}
			}
			inCall = false
			args = nil
		}

		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(line, "member=Notify") {
				if inCall {
					flush()
				}
				inCall = true
				args = nil
				continue
			}
			if !inCall {
				continue
			}
			if value, ok := parseStringArg(line); ok {
				args = append(args, value)
				// app_name, app_icon, summary, body have all arrived.
				if len(args) == 4 {
					flush()
				}
			}
		}
	}()

	return stream, nil
}

// notificationFromArgs maps the Notify call's leading string arguments
// (app_name, app_icon, summary, body) to a Notification.
func notificationFromArgs(args []string) (Notification, bool) {
	if len(args) < 4 {
		return Notification{}, false
	}
	return Notification{
		AppName: args[0],
		Title:   args[2],
		Body:    args[3],
	}, true
}

// parseStringArg extracts the value of a dbus-monitor string argument line,
// which looks like `   string "value"`.
func parseStringArg(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, `string "`) {
		return "", false
	}
	value := strings.TrimPrefix(trimmed, `string "`)
	if !strings.HasSuffix(value, `"`) {
		return "", false
	}
	return strings.TrimSuffix(value, `"`), true
}
