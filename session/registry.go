// Package session tracks live client connections and maps them to device
// identities once the peer announces itself.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MessageSender delivers one encoded frame to a connected peer. Connection
// implementations satisfy it; tests substitute an in-memory fake.
type MessageSender interface {
	SendMessage(payload []byte) error
}

// ErrNotConnected indicates a send to a device without a live session.
var ErrNotConnected = errors.New("session: device not connected")

// Session is one live connection. Its device binding stays empty until the
// peer identifies itself through a pairing or announce frame, and can be
// displaced from another goroutine when the device reconnects, so it is
// only reachable through Device.
type Session struct {
	ID     string
	sender MessageSender

	mu       sync.Mutex
	deviceID string
}

// Device returns the device ID this session is bound to, or empty.
func (s *Session) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Session) setDevice(deviceID string) {
	s.mu.Lock()
	s.deviceID = deviceID
	s.mu.Unlock()
}

// Send writes a frame to this session's peer.
func (s *Session) Send(payload []byte) error {
	return s.sender.SendMessage(payload)
}

// Registry is the set of live sessions, indexed by session ID and, once
// bound, by device ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byDevice map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byDevice: make(map[string]*Session),
	}
}

// Connect registers a new anonymous session for a freshly accepted
// connection and returns it.
func (r *Registry) Connect(sender MessageSender) *Session {
	session := &Session{
		ID:     uuid.New().String(),
		sender: sender,
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	total := len(r.sessions)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session_id": session.ID,
		"sessions":   total,
	}).Debug("session connected")

	return session
}

// Bind attaches a device identity to a session. A device reconnecting on a
// new session displaces its previous binding so frames route to the live
// connection.
func (r *Registry) Bind(sessionID, deviceID string) {
	if deviceID == "" {
		return
	}

	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if previous, ok := r.byDevice[deviceID]; ok && previous.ID != sessionID {
		previous.setDevice("")
	}
	session.setDevice(deviceID)
	r.byDevice[deviceID] = session
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"device_id":  deviceID,
	}).Info("session bound to device")
}

// DeviceFor returns the device bound to a session, or empty when the
// session is unknown or unbound.
func (r *Registry) DeviceFor(sessionID string) string {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ""
	}
	return session.Device()
}

// Disconnect removes a session. It is safe to call more than once; the
// returned device ID is non-empty only on the call that actually removed a
// bound session.
func (r *Registry) Disconnect(sessionID string) (deviceID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ""
	}
	delete(r.sessions, sessionID)
	if bound := session.Device(); bound != "" {
		if current, ok := r.byDevice[bound]; ok && current.ID == sessionID {
			delete(r.byDevice, bound)
			deviceID = bound
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"device_id":  deviceID,
		"sessions":   total,
	}).Debug("session disconnected")

	return deviceID
}

// SendToDevice delivers a frame to the named device's live session. It
// reports ErrNotConnected when the device has no session.
func (r *Registry) SendToDevice(deviceID string, payload []byte) error {
	r.mu.RLock()
	session, ok := r.byDevice[deviceID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return session.Send(payload)
}

// Broadcast sends a frame to every session except the one named by
// excludeSessionID. Send failures are logged and do not stop the fanout.
func (r *Registry) Broadcast(payload []byte, excludeSessionID string) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session.ID == excludeSessionID {
			continue
		}
		targets = append(targets, session)
	}
	r.mu.RUnlock()

	for _, session := range targets {
		if err := session.Send(payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": session.ID,
				"device_id":  session.Device(),
			}).WithError(err).Warn("broadcast send failed")
		}
	}
}

// ConnectedDevices returns the device IDs of every bound session.
func (r *Registry) ConnectedDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]string, 0, len(r.byDevice))
	for deviceID := range r.byDevice {
		devices = append(devices, deviceID)
	}
	return devices
}

// IsConnected reports whether the device has a live bound session.
func (r *Registry) IsConnected(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byDevice[deviceID]
	return ok
}

// Count returns the number of live sessions, bound or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
