// Package notify bridges notifications between this machine and paired
// devices: local notifications are forwarded out, remote ones are shown
// here.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Notification is one notification in either direction.
type Notification struct {
	AppName   string `json:"app_name"`
	Title     string `json:"summary"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// Source produces the machine's own notifications. A platform
// implementation hooks the desktop notification bus; tests feed a channel.
type Source interface {
	// Notifications streams local notifications until the context ends.
	// The implementation closes the returned channel when it stops.
	Notifications(ctx context.Context) (<-chan Notification, error)
}

// Sink displays a notification received from a paired device.
type Sink interface {
	Show(notification Notification) error
}

// LogSink displays remote notifications in the daemon log. It is the
// fallback when no desktop notification service is reachable.
type LogSink struct{}

func (LogSink) Show(notification Notification) error {
	logrus.WithFields(logrus.Fields{
		"app":   notification.AppName,
		"title": notification.Title,
	}).Info("notification from paired device")
	return nil
}

// Forwarder pumps local notifications from a Source onto its event channel
// for the connection layer to broadcast.
type Forwarder struct {
	source Source
	events chan Notification
}

// NewForwarder builds a forwarder over the given source.
func NewForwarder(source Source) (*Forwarder, error) {
	if source == nil {
		return nil, errors.New("notification source is required")
	}
	return &Forwarder{
		source: source,
		events: make(chan Notification, 16),
	}, nil
}

// Events is the stream of local notifications to share with peers.
func (f *Forwarder) Events() <-chan Notification {
	return f.events
}

// Run forwards until the context is canceled or the source closes its
// stream, then closes the event channel.
func (f *Forwarder) Run(ctx context.Context) error {
	defer close(f.events)

	stream, err := f.source.Notifications(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case notification, ok := <-stream:
			if !ok {
				return nil
			}
			if notification.Title == "" && notification.Body == "" {
				continue
			}
			if notification.Timestamp == 0 {
				notification.Timestamp = time.Now().UnixMilli()
			}
			select {
			case f.events <- notification:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
