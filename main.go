package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ecosync/clipboard"
	"ecosync/config"
	"ecosync/discovery"
	"ecosync/network"
	"ecosync/notify"
	"ecosync/pairing"
	"ecosync/session"
	"ecosync/storage"
	"ecosync/transfer"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while loading config")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("database close error")
		}
	}()

	auth, err := pairing.New(store)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while preparing pairing")
	}

	registry := session.NewRegistry()

	transfers, err := transfer.NewManager(transfer.Options{
		ReceiveDir: cfg.ReceiveDir,
		Store:      store,
		OnProgress: func(progress transfer.Progress) {
			payload, err := network.EncodeJSON(network.TransferUpdate{
				Type:     network.TypeTransferUpdate,
				Transfer: progress,
			})
			if err != nil {
				return
			}
			registry.Broadcast(payload, "")
		},
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while preparing transfers")
	}
	defer transfers.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var poller *clipboard.Poller
	if systemClipboard, err := clipboard.NewSystemClipboard(); err != nil {
		logrus.WithError(err).Warn("clipboard sync disabled")
	} else {
		poller, err = clipboard.NewPoller(clipboard.PollerOptions{Clipboard: systemClipboard})
		if err != nil {
			logrus.WithError(err).Fatal("startup failed while preparing clipboard")
		}
		go poller.Run(ctx)
		go relayClipboard(registry, poller)
	}

	if source := notify.NewSystemSource(); source != nil {
		forwarder, err := notify.NewForwarder(source)
		if err != nil {
			logrus.WithError(err).Fatal("startup failed while preparing notifications")
		}
		go func() {
			if err := forwarder.Run(ctx); err != nil {
				logrus.WithError(err).Warn("notification forwarding stopped")
			}
		}()
		go relayNotifications(registry, forwarder)
	}

	dispatcher, err := network.NewDispatcher(network.DispatcherOptions{
		DeviceID:      cfg.DeviceID,
		DeviceName:    cfg.DeviceName,
		Registry:      registry,
		Authenticator: auth,
		Transfers:     transfers,
		Clipboard:     poller,
		Notifications: notify.NewSystemSink(),
		Store:         store,
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while wiring dispatcher")
	}

	server, err := network.NewServer(network.ServerOptions{
		ListenAddr: fmt.Sprintf(":%d", cfg.ListeningPort),
		Dispatcher: dispatcher,
		Registry:   registry,
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while building server")
	}
	if err := server.Start(); err != nil {
		logrus.WithError(err).Fatal("startup failed while binding listener")
	}

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		DeviceID:      cfg.DeviceID,
		DeviceName:    cfg.DeviceName,
		DeviceType:    cfg.DeviceType,
		ListeningPort: cfg.ListeningPort,
	})
	if err != nil {
		logrus.WithError(err).Warn("mDNS advertisement disabled")
	} else {
		defer broadcaster.Stop()
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Listening Port:  %d\n", cfg.ListeningPort)
	fmt.Printf("Pairing Code:    %s\n", auth.Code())
	fmt.Printf("Receive Dir:     %s\n", cfg.ReceiveDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("server shutdown incomplete")
		os.Exit(1)
	}
}

// relayNotifications turns captured local notifications into broadcast
// frames.
func relayNotifications(registry *session.Registry, forwarder *notify.Forwarder) {
	for notification := range forwarder.Events() {
		payload, err := network.EncodeJSON(network.NotificationFrame(notification))
		if err != nil {
			logrus.WithError(err).Error("encoding notification frame failed")
			continue
		}
		registry.Broadcast(payload, "")
	}
}

// relayClipboard turns local clipboard changes into broadcast frames.
func relayClipboard(registry *session.Registry, poller *clipboard.Poller) {
	for change := range poller.Events() {
		payload, err := network.EncodeJSON(network.ClipboardSync{
			Type: network.TypeClipboardSync,
			Text: change.Value,
		})
		if err != nil {
			logrus.WithError(err).Error("encoding clipboard frame failed")
			continue
		}
		registry.Broadcast(payload, "")
	}
}
