package storage

import (
	"errors"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

const (
	// TransferStatusCompleted marks a transfer that finished successfully.
	TransferStatusCompleted = "completed"
	// TransferStatusFailed marks a transfer that ended with an error.
	TransferStatusFailed = "failed"
	// TransferStatusCanceled marks a transfer canceled before completion.
	TransferStatusCanceled = "canceled"
)

// Device is one paired remote peer.
type Device struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	PairedAt   int64  `json:"paired_at"`
}

// TransferRecord is the persisted outcome of one finished file transfer.
type TransferRecord struct {
	FileID      string `json:"file_id"`
	DeviceID    string `json:"device_id"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	Direction   string `json:"direction"`
	Status      string `json:"status"`
	CompletedAt int64  `json:"completed_at"`
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
