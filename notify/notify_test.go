package notify

import (
	"context"
	"testing"
	"time"
)

type channelSource struct {
	stream chan Notification
}

func (s *channelSource) Notifications(ctx context.Context) (<-chan Notification, error) {
	return s.stream, nil
}

func TestForwarderPassesNotificationsThrough(t *testing.T) {
	source := &channelSource{stream: make(chan Notification, 4)}
	forwarder, err := NewForwarder(source)
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}

	done := make(chan struct{})
	go func() {
		forwarder.Run(context.Background())
		close(done)
	}()

	source.stream <- Notification{AppName: "mail", Title: "New message", Body: "hello", Timestamp: 42}

	select {
	case got := <-forwarder.Events():
		if got.Title != "New message" || got.Timestamp != 42 {
			t.Fatalf("forwarded notification = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never forwarded")
	}

	close(source.stream)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop when the source closed")
	}
	if _, open := <-forwarder.Events(); open {
		t.Fatal("events channel still open after Run returned")
	}
}

func TestForwarderSkipsEmptyAndStampsTime(t *testing.T) {
	source := &channelSource{stream: make(chan Notification, 4)}
	forwarder, err := NewForwarder(source)
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go forwarder.Run(ctx)

	source.stream <- Notification{AppName: "ghost"}
	source.stream <- Notification{AppName: "chat", Title: "ping"}

	select {
	case got := <-forwarder.Events():
		if got.AppName != "chat" {
			t.Fatalf("forwarded %q, want the non-empty notification", got.AppName)
		}
		if got.Timestamp == 0 {
			t.Fatal("missing timestamp was not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never forwarded")
	}

	select {
	case got := <-forwarder.Events():
		t.Fatalf("empty notification forwarded: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseStringArg(t *testing.T) {
	cases := []struct {
		line  string
		value string
		ok    bool
	}{
		{`   string "Telegram"`, "Telegram", true},
		{`string ""`, "", true},
		{`   uint32 0`, "", false},
		{`   string "unterminated`, "", false},
		{`member=Notify`, "", false},
	}
	for _, tc := range cases {
		value, ok := parseStringArg(tc.line)
		if value != tc.value || ok != tc.ok {
			t.Fatalf("parseStringArg(%q) = %q,%v want %q,%v", tc.line, value, ok, tc.value, tc.ok)
		}
	}
}

func TestNotificationFromArgs(t *testing.T) {
	notification, ok := notificationFromArgs([]string{"chat", "chat-icon", "New message", "hello there"})
	if !ok {
		t.Fatal("four string args should map to a notification")
	}
	if notification.AppName != "chat" || notification.Title != "New message" || notification.Body != "hello there" {
		t.Fatalf("mapped notification = %+v", notification)
	}
	if _, ok := notificationFromArgs([]string{"chat", "icon"}); ok {
		t.Fatal("short arg list should not map")
	}
}
