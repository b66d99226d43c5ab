package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ecosync/session"
)

// ServerOptions configures the connection server.
type ServerOptions struct {
	// ListenAddr is the host:port to bind, e.g. ":8765".
	ListenAddr string
	Dispatcher *Dispatcher
	Registry   *session.Registry
	// WriteTimeout defaults to DefaultWriteTimeout when zero.
	WriteTimeout time.Duration
	// PongTimeout defaults to DefaultPongTimeout when zero.
	PongTimeout time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	return o
}

// Server accepts WebSocket connections and runs one sequential read loop
// per connection, feeding every frame to the dispatcher.
type Server struct {
	options  ServerOptions
	upgrader websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer validates the options and returns an unstarted server.
func NewServer(options ServerOptions) (*Server, error) {
	options = options.withDefaults()
	if options.ListenAddr == "" {
		return nil, errors.New("listen address is required")
	}
	if options.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if options.Registry == nil {
		return nil, errors.New("session registry is required")
	}

	server := &Server{
		options: options,
		conns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Peers are native apps on the local network, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return server, nil
}

// Start binds the listen address and begins serving. The bind error is
// returned synchronously; accept errors after that are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.options.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.options.ListenAddr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("connection server stopped")
		}
	}()

	logrus.WithField("addr", listener.Addr().String()).Info("listening for device connections")
	return nil
}

// Addr returns the bound address, useful when ListenAddr used port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down and waits for connection loops to finish.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		// Shutdown does not touch hijacked connections; close them so the
		// read loops end.
		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	})
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("remote", r.RemoteAddr).WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveConnection(conn)
	}()
}

func (s *Server) serveConnection(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()

	wsc := &wsConnection{conn: conn, writeTimeout: s.options.WriteTimeout}
	sess := s.options.Registry.Connect(wsc)

	defer func() {
		s.options.Dispatcher.HandleDisconnect(sess.ID)
		conn.Close()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}()

	conn.SetReadLimit(MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
	})

	remote := conn.RemoteAddr().String()
	logrus.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"remote":     remote,
	}).Info("connection opened")

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"session_id": sess.ID,
					"remote":     remote,
				}).WithError(err).Debug("connection read failed")
			}
			logrus.WithField("session_id", sess.ID).Info("connection closed")
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
		s.options.Dispatcher.HandleFrame(sess, payload)
	}
}

// wsConnection adapts a websocket connection to the session sender
// interface. Writes are serialized; gorilla allows one concurrent writer.
type wsConnection struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (c *wsConnection) SendMessage(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
