package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ecosync/notify"
	"ecosync/storage"
	"ecosync/transfer"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	// Transfer chunks are 64 KiB of ciphertext in base64, so this leaves
	// ample headroom.
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultWriteTimeout bounds each outgoing frame write.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultPongTimeout is how long a connection may stay silent before
	// it is considered dead.
	DefaultPongTimeout = 90 * time.Second
)

const (
	TypePairingRequest     = "pairing_request"
	TypePairingResponse    = "pairing_response"
	TypeClipboardSync      = "clipboard_sync"
	TypeNotification       = "notification"
	TypeFileTransferInit   = "file_transfer_init"
	TypeFileTransferReady  = "file_transfer_ready"
	TypeFileTransferChunk  = "file_transfer_chunk"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeAdminRequest       = "admin_request"
	TypeAdminResponse      = "admin_response"
	TypeStatusUpdate       = "status_update"
	TypeTransferUpdate     = "transfer_update"
	TypeDeviceConnected    = "device_connected"
	TypeDeviceDisconnected = "device_disconnected"
	TypeError              = "error"
)

var (
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// PairingRequest asks to join using the displayed pairing code.
type PairingRequest struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

// PairingResponse reports the pairing outcome. The real code is never
// included.
type PairingResponse struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ClipboardSync carries a clipboard value in either direction.
type ClipboardSync struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	DeviceID string `json:"device_id,omitempty"`
}

// NotificationMessage forwards a notification between devices.
type NotificationMessage struct {
	Type      string `json:"type"`
	AppName   string `json:"app_name"`
	Title     string `json:"summary"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"device_id,omitempty"`
}

// FileTransferInit announces a transfer. With a populated descriptor it is
// a push toward the receiver; with Request set it asks the host to resend
// the descriptor of a transfer prepared for this device.
type FileTransferInit struct {
	Type        string `json:"type"`
	FileID      string `json:"file_id"`
	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	Key         string `json:"key,omitempty"`
	IV          string `json:"iv,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	Request     bool   `json:"request,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

// FileTransferReady confirms the receiver opened its sink.
type FileTransferReady struct {
	Type     string `json:"type"`
	FileID   string `json:"file_id"`
	SavePath string `json:"save_path,omitempty"`
}

// FileTransferChunk is one ciphertext chunk, or, with empty ChunkData, a
// pull request for that chunk of an outbound transfer.
type FileTransferChunk struct {
	Type       string  `json:"type"`
	FileID     string  `json:"file_id"`
	ChunkIndex int     `json:"chunk_index"`
	ChunkData  string  `json:"chunk_data,omitempty"`
	FinalChunk bool    `json:"final_chunk,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
}

// PingMessage and PongMessage keep idle connections verified.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// AdminRequest is a control-surface command from a local UI client.
type AdminRequest struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	DeviceID string `json:"device_id,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	Key      string `json:"key,omitempty"`
	// Setting is the field name some clients use instead of key.
	Setting string `json:"setting,omitempty"`
	// Value is a string or a bool depending on the client.
	Value    any                   `json:"value,omitempty"`
	Limit    int                   `json:"limit,omitempty"`
	Password string                `json:"password,omitempty"`
	Export   *storage.SealedExport `json:"export,omitempty"`
}

// AdminResponse answers an AdminRequest.
type AdminResponse struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// StatusUpdate is the daemon snapshot pushed to admin clients.
type StatusUpdate struct {
	Type             string              `json:"type"`
	DeviceID         string              `json:"device_id"`
	DeviceName       string              `json:"device_name"`
	PairingCode      string              `json:"pairing_code"`
	ConnectedDevices []string            `json:"connected_devices"`
	Transfers        []transfer.Progress `json:"transfers"`
	Settings         map[string]string   `json:"settings,omitempty"`
}

// TransferUpdate broadcasts transfer progress.
type TransferUpdate struct {
	Type     string            `json:"type"`
	Transfer transfer.Progress `json:"transfer"`
}

// DeviceEvent announces a device session opening or closing.
type DeviceEvent struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

// ErrorMessage reports a recoverable protocol error on the connection.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NotificationFrame builds the wire form of a local notification.
func NotificationFrame(notification notify.Notification) NotificationMessage {
	return NotificationMessage{
		Type:      TypeNotification,
		AppName:   notification.AppName,
		Title:     notification.Title,
		Body:      notification.Body,
		Timestamp: notification.Timestamp,
	}
}

// DescriptorFrame builds the wire form of a transfer descriptor.
func DescriptorFrame(descriptor transfer.Descriptor) FileTransferInit {
	return FileTransferInit{
		Type:        TypeFileTransferInit,
		FileID:      descriptor.FileID,
		FileName:    descriptor.FileName,
		FileSize:    descriptor.FileSize,
		Key:         descriptor.Key,
		IV:          descriptor.IV,
		ContentHash: descriptor.ContentHash,
		ChunkSize:   descriptor.ChunkSize,
	}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}
