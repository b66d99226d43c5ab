package transfer

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Direction says which way a transfer moves relative to this host.
type Direction string

const (
	// DirectionUpload reads a local file and serves encrypted chunks to a peer.
	DirectionUpload Direction = "upload"
	// DirectionDownload receives encrypted chunks and writes a local file.
	DirectionDownload Direction = "download"
)

// Status is the lifecycle state of one transfer. Transitions are monotonic:
// initializing -> in_progress -> completed | failed | canceled.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
)

// terminal reports whether no further status mutation is allowed.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// FileTransfer tracks one file moving between this host and a peer device.
type FileTransfer struct {
	mu sync.Mutex

	FileID    string
	Direction Direction
	Path      string
	FileName  string
	Size      int64
	DeviceID  string

	key []byte
	iv  []byte

	bytesTransferred int64
	status           Status
	startTime        time.Time
	lastUpdateTime   time.Time
	handle           *os.File
}

// Progress is a point-in-time snapshot of one transfer, safe to hand to
// callbacks and to serialize into status frames.
type Progress struct {
	FileID           string  `json:"file_id"`
	FileName         string  `json:"file_name"`
	Direction        string  `json:"direction"`
	Status           string  `json:"status"`
	Progress         float64 `json:"progress"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	SpeedBps         float64 `json:"speed_bps"`
	ETASeconds       float64 `json:"eta_seconds"`
	DeviceID         string  `json:"device_id,omitempty"`
}

func newFileTransfer(fileID, path, fileName string, size int64, direction Direction, deviceID string, key, iv []byte) *FileTransfer {
	now := time.Now()
	return &FileTransfer{
		FileID:         fileID,
		Direction:      direction,
		Path:           path,
		FileName:       fileName,
		Size:           size,
		DeviceID:       deviceID,
		key:            append([]byte(nil), key...),
		iv:             append([]byte(nil), iv...),
		status:         StatusInitializing,
		startTime:      now,
		lastUpdateTime: now,
	}
}

// openFile opens the handle for reading (upload) or writing (download) and
// moves the transfer to in_progress.
func (t *FileTransfer) openFile() error {
	if t.handle != nil {
		return nil
	}

	var (
		file *os.File
		err  error
	)
	if t.Direction == DirectionUpload {
		file, err = os.Open(t.Path)
	} else {
		file, err = os.OpenFile(t.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	}
	if err != nil {
		t.status = StatusFailed
		return fmt.Errorf("open transfer file %q: %w", t.Path, err)
	}

	t.handle = file
	if t.status == StatusInitializing {
		t.status = StatusInProgress
	}
	return nil
}

func (t *FileTransfer) closeFile() {
	if t.handle != nil {
		_ = t.handle.Close()
		t.handle = nil
	}
}

// updateProgress adds transferred bytes, capped so bytes_transferred never
// exceeds the declared size.
func (t *FileTransfer) updateProgress(n int64) {
	t.bytesTransferred += n
	if t.Size > 0 && t.bytesTransferred > t.Size {
		t.bytesTransferred = t.Size
	}
	t.lastUpdateTime = time.Now()
}

func (t *FileTransfer) snapshotLocked() Progress {
	percent := 0.0
	if t.Size > 0 {
		percent = float64(t.bytesTransferred) / float64(t.Size) * 100
	}

	elapsed := time.Since(t.startTime).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(t.bytesTransferred) / elapsed
	}

	eta := 0.0
	if speed > 0 && t.bytesTransferred < t.Size {
		eta = float64(t.Size-t.bytesTransferred) / speed
	}

	return Progress{
		FileID:           t.FileID,
		FileName:         t.FileName,
		Direction:        string(t.Direction),
		Status:           string(t.status),
		Progress:         percent,
		BytesTransferred: t.bytesTransferred,
		TotalBytes:       t.Size,
		SpeedBps:         speed,
		ETASeconds:       eta,
		DeviceID:         t.DeviceID,
	}
}

// Snapshot returns the current progress of the transfer.
func (t *FileTransfer) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}
