package notify

import (
	"os/exec"

	"github.com/sirupsen/logrus"
)

// CommandSink shows remote notifications through notify-send. Machines
// without it fall back to LogSink.
type CommandSink struct {
	binary string
}

// NewSystemSink returns a desktop notification sink, or LogSink when no
// notification tool is available.
func NewSystemSink() Sink {
	path, err := exec.LookPath("notify-send")
	if err != nil {
		logrus.Debug("notify-send not found, showing notifications in the log")
		return LogSink{}
	}
	return &CommandSink{binary: path}
}

func (s *CommandSink) Show(notification Notification) error {
	title := notification.Title
	if notification.AppName != "" {
		title = notification.AppName + ": " + title
	}
	return exec.Command(s.binary, title, notification.Body).Run()
}
