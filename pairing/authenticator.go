// Package pairing implements the pairing-code state machine: a single
// short-lived code authorizes a new device once, and every successful
// pairing rotates the code.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ecosync/storage"
)

const (
	// CodeLength is the fixed pairing code length.
	CodeLength = 6
	// codeAlphabet excludes nothing: codes are entered by hand but stay
	// short enough that the full uppercase-alphanumeric set is fine.
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrInvalidCode indicates a pairing attempt with a wrong or stale code.
// The message never contains the real code.
var ErrInvalidCode = errors.New("pairing: invalid pairing code")

// Authenticator validates pairing codes and owns their rotation.
//
// Validation and rotation are decoupled: a request is authorized against the
// code that was current when it arrived, and rotation happens once per code
// when the first authorized pairing completes. Requests authorized against
// the same code before that moment still complete, so several devices can
// pair concurrently on one code; any attempt arriving after rotation fails.
type Authenticator struct {
	store *storage.Store

	mu   sync.Mutex
	code string
}

// Grant is one authorized pairing attempt, bound to the code it validated
// against.
type Grant struct {
	auth *Authenticator
	code string
}

// New loads the persisted pairing code or generates and persists a fresh
// one.
func New(store *storage.Store) (*Authenticator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	a := &Authenticator{store: store}

	code, err := store.LoadPairingCode()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		code, err = generateCode()
		if err != nil {
			return nil, err
		}
		if err := store.SavePairingCode(code); err != nil {
			return nil, err
		}
	}
	a.code = code

	return a, nil
}

// Code returns the currently valid pairing code, for display to the user.
func (a *Authenticator) Code() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.code
}

// Authorize checks a presented code against the current one. On mismatch
// nothing is mutated and ErrInvalidCode is returned.
func (a *Authenticator) Authorize(code string) (*Grant, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))

	a.mu.Lock()
	defer a.mu.Unlock()
	if normalized == "" || normalized != a.code {
		return nil, ErrInvalidCode
	}

	return &Grant{auth: a, code: a.code}, nil
}

// Complete finishes an authorized pairing: the device record is upserted and
// persisted, then the code rotates if this grant's code is still current.
func (g *Grant) Complete(deviceID, deviceName, deviceType string) (*storage.Device, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}
	if deviceName == "" {
		deviceName = deviceID
	}

	device := storage.Device{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		DeviceType: deviceType,
		PairedAt:   time.Now().UnixMilli(),
	}
	if err := g.auth.store.UpsertDevice(device); err != nil {
		return nil, err
	}

	if err := g.auth.rotateFrom(g.code); err != nil {
		// The pairing already took effect; a rotation persistence failure
		// must not unwind it.
		logrus.WithError(err).Error("pairing code rotation failed")
	}

	logrus.WithFields(logrus.Fields{
		"device_id":   device.DeviceID,
		"device_name": device.DeviceName,
		"device_type": device.DeviceType,
	}).Info("device paired")

	return &device, nil
}

// Pair authorizes and completes in one step. This is what the dispatcher
// uses for a pairing_request frame.
func (a *Authenticator) Pair(code, deviceID, deviceName, deviceType string) (*storage.Device, error) {
	grant, err := a.Authorize(code)
	if err != nil {
		return nil, err
	}
	return grant.Complete(deviceID, deviceName, deviceType)
}

// IsPaired reports whether a device has a persisted pairing record.
func (a *Authenticator) IsPaired(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	_, err := a.store.GetDevice(deviceID)
	return err == nil
}

// Unpair removes a device's pairing record.
func (a *Authenticator) Unpair(deviceID string) error {
	if err := a.store.RemoveDevice(deviceID); err != nil {
		return err
	}
	logrus.WithField("device_id", deviceID).Info("device unpaired")
	return nil
}

// Devices lists every paired device.
func (a *Authenticator) Devices() ([]storage.Device, error) {
	return a.store.ListDevices()
}

// rotateFrom replaces the current code with a fresh draw, but only when the
// current code is the one the finished pairing validated against. The second
// of two pairings racing on one code must not rotate twice.
func (a *Authenticator) rotateFrom(usedCode string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.code != usedCode {
		return nil
	}

	fresh, err := generateCode()
	if err != nil {
		return err
	}
	if err := a.store.SavePairingCode(fresh); err != nil {
		return err
	}
	a.code = fresh

	logrus.Info("pairing code rotated")
	return nil
}

func generateCode() (string, error) {
	var builder strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		builder.WriteByte(codeAlphabet[n.Int64()])
	}
	return builder.String(), nil
}
