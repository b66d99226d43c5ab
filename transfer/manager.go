package transfer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appcrypto "ecosync/crypto"
	"ecosync/storage"
)

const (
	// DefaultChunkSize is the plaintext chunk size for file transfers (64 KB).
	DefaultChunkSize = 65536
	// DefaultCleanupDelay keeps terminal transfers queryable before removal.
	DefaultCleanupDelay = 60 * time.Second
)

var (
	// ErrUnknownTransfer indicates no active transfer exists for a file ID.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer id")
	// ErrWrongDirection indicates a chunk operation against the wrong transfer direction.
	ErrWrongDirection = errors.New("transfer: wrong transfer direction")
	// ErrTransferClosed indicates a chunk operation against a transfer in a terminal state.
	ErrTransferClosed = errors.New("transfer: transfer already finished")
)

// Descriptor is the side-channel metadata sent once at transfer init,
// before any chunk moves.
type Descriptor struct {
	FileID      string `json:"file_id"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	Key         string `json:"key"`
	IV          string `json:"iv"`
	ContentHash string `json:"content_hash"`
	ChunkSize   int    `json:"chunk_size"`
}

// ChunkResult is the outcome of reading one encrypted upload chunk.
type ChunkResult struct {
	FileID     string  `json:"file_id"`
	ChunkIndex int     `json:"chunk_index"`
	ChunkData  string  `json:"chunk_data"`
	FinalChunk bool    `json:"final_chunk"`
	Progress   float64 `json:"progress"`
}

// WriteResult is the outcome of writing one received download chunk.
type WriteResult struct {
	FileID        string  `json:"file_id"`
	ChunkIndex    int     `json:"chunk_index"`
	Status        string  `json:"status"`
	BytesReceived int64   `json:"bytes_received"`
	Progress      float64 `json:"progress"`
}

// ProgressFunc receives progress snapshots for a transfer.
type ProgressFunc func(Progress)

// Options configures a Manager.
type Options struct {
	// ReceiveDir is where downloaded files land.
	ReceiveDir string
	// CleanupDelay overrides the post-terminal retention period.
	CleanupDelay time.Duration
	// Store, when set, records terminal transfers into history.
	Store *storage.Store
	// OnProgress, when set, observes every progress update of every transfer.
	OnProgress ProgressFunc
}

// Manager owns every active FileTransfer and its progress callbacks.
type Manager struct {
	options Options

	mu        sync.Mutex
	transfers map[string]*FileTransfer
	callbacks map[string]ProgressFunc
	cleanups  map[string]*time.Timer
}

// NewManager creates a transfer manager and ensures the receive directory
// exists.
func NewManager(options Options) (*Manager, error) {
	if options.ReceiveDir == "" {
		return nil, errors.New("receive directory is required")
	}
	if options.CleanupDelay <= 0 {
		options.CleanupDelay = DefaultCleanupDelay
	}
	if err := os.MkdirAll(options.ReceiveDir, 0o700); err != nil {
		return nil, fmt.Errorf("create receive directory: %w", err)
	}

	return &Manager{
		options:   options,
		transfers: make(map[string]*FileTransfer),
		callbacks: make(map[string]ProgressFunc),
		cleanups:  make(map[string]*time.Timer),
	}, nil
}

// PrepareUpload registers a local file for chunked upload to a device and
// returns the init descriptor for the receiving side.
func (m *Manager) PrepareUpload(path, deviceID string) (*Descriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat upload source %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("upload source %q is a directory", path)
	}

	key, iv, err := appcrypto.GenerateTransferKey()
	if err != nil {
		return nil, err
	}

	contentHash, err := fileChecksumHex(path)
	if err != nil {
		return nil, err
	}

	t := newFileTransfer(uuid.NewString(), path, filepath.Base(path), info.Size(), DirectionUpload, deviceID, key, iv)

	m.mu.Lock()
	m.transfers[t.FileID] = t
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"file_id":   t.FileID,
		"file_name": t.FileName,
		"file_size": t.Size,
		"device_id": deviceID,
	}).Info("prepared upload transfer")

	return &Descriptor{
		FileID:      t.FileID,
		FileName:    t.FileName,
		FileSize:    t.Size,
		Key:         base64.StdEncoding.EncodeToString(key),
		IV:          base64.StdEncoding.EncodeToString(iv),
		ContentHash: contentHash,
		ChunkSize:   DefaultChunkSize,
	}, nil
}

// PrepareDownload registers an incoming transfer described by a peer's init
// descriptor, resolves a unique save path in the receive directory, and opens
// the sink.
func (m *Manager) PrepareDownload(descriptor Descriptor, deviceID string) (fileID, savePath string, err error) {
	if descriptor.FileID == "" || descriptor.FileName == "" || descriptor.Key == "" || descriptor.IV == "" {
		return "", "", errors.New("transfer: incomplete init descriptor")
	}

	key, err := base64.StdEncoding.DecodeString(descriptor.Key)
	if err != nil {
		return "", "", fmt.Errorf("decode transfer key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(descriptor.IV)
	if err != nil {
		return "", "", fmt.Errorf("decode transfer iv: %w", err)
	}

	savePath = m.resolveSavePath(descriptor.FileName)
	t := newFileTransfer(descriptor.FileID, savePath, descriptor.FileName, descriptor.FileSize, DirectionDownload, deviceID, key, iv)

	t.mu.Lock()
	err = t.openFile()
	t.mu.Unlock()
	if err != nil {
		return "", "", err
	}

	m.mu.Lock()
	m.transfers[t.FileID] = t
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"file_id":   t.FileID,
		"file_name": t.FileName,
		"save_path": savePath,
		"device_id": deviceID,
	}).Info("prepared download transfer")

	return t.FileID, savePath, nil
}

// ReadChunk reads, pads, and encrypts one chunk of an upload. An empty read
// on a non-zero index means the file is exhausted and completes the transfer.
func (m *Manager) ReadChunk(fileID string, chunkIndex, chunkSize int) (*ChunkResult, error) {
	t, err := m.lookup(fileID, DirectionUpload)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	t.mu.Lock()
	if t.status.terminal() {
		t.mu.Unlock()
		return nil, ErrTransferClosed
	}
	if err := t.openFile(); err != nil {
		t.mu.Unlock()
		m.finish(t, StatusFailed)
		return nil, err
	}

	offset := int64(chunkIndex) * int64(chunkSize)
	if _, err := t.handle.Seek(offset, io.SeekStart); err != nil {
		t.mu.Unlock()
		m.finish(t, StatusFailed)
		return nil, fmt.Errorf("seek chunk %d: %w", chunkIndex, err)
	}

	buffer := make([]byte, chunkSize)
	n, err := t.handle.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		t.mu.Unlock()
		m.finish(t, StatusFailed)
		return nil, fmt.Errorf("read chunk %d: %w", chunkIndex, err)
	}

	if n == 0 && chunkIndex > 0 {
		// Past end of file: the previous chunk was the last one.
		t.closeFile()
		progress := t.snapshotLocked().Progress
		t.mu.Unlock()
		m.finish(t, StatusCompleted)
		return &ChunkResult{
			FileID:     fileID,
			ChunkIndex: chunkIndex,
			ChunkData:  "",
			FinalChunk: true,
			Progress:   progress,
		}, nil
	}

	ciphertext, err := appcrypto.EncryptChunk(t.key, t.iv, buffer[:n])
	if err != nil {
		t.mu.Unlock()
		m.finish(t, StatusFailed)
		return nil, err
	}

	t.updateProgress(int64(n))
	finalChunk := int64(chunkIndex+1)*int64(chunkSize) >= t.Size
	if finalChunk {
		t.closeFile()
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	m.notifyProgress(t.FileID, snapshot)
	if finalChunk {
		m.finish(t, StatusCompleted)
	}

	return &ChunkResult{
		FileID:     fileID,
		ChunkIndex: chunkIndex,
		ChunkData:  base64.StdEncoding.EncodeToString(ciphertext),
		FinalChunk: finalChunk,
		Progress:   snapshot.Progress,
	}, nil
}

// WriteChunk decodes, decrypts, and appends one received chunk of a
// download. Unpadding only succeeds on the true final chunk; any other chunk
// keeps its raw decrypted bytes. The sender drives chunk ordering: bytes are
// appended at the current write offset without chunk_index bookkeeping.
func (m *Manager) WriteChunk(fileID, chunkB64 string, chunkIndex int, finalChunk bool) (*WriteResult, error) {
	t, err := m.lookup(fileID, DirectionDownload)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.status.terminal() {
		t.mu.Unlock()
		return nil, ErrTransferClosed
	}
	if err := t.openFile(); err != nil {
		t.mu.Unlock()
		m.failDownload(t)
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(chunkB64)
	if err != nil {
		t.mu.Unlock()
		m.failDownload(t)
		return nil, fmt.Errorf("decode chunk %d: %w", chunkIndex, err)
	}

	plaintext, err := appcrypto.DecryptChunkRaw(t.key, t.iv, ciphertext)
	if err != nil {
		t.mu.Unlock()
		m.failDownload(t)
		return nil, fmt.Errorf("decrypt chunk %d: %w", chunkIndex, err)
	}
	if unpadded, err := appcrypto.UnpadPKCS7(plaintext); err == nil {
		plaintext = unpadded
	}

	if _, err := t.handle.Write(plaintext); err != nil {
		t.mu.Unlock()
		m.failDownload(t)
		return nil, fmt.Errorf("write chunk %d: %w", chunkIndex, err)
	}

	t.updateProgress(int64(len(plaintext)))
	if finalChunk {
		t.closeFile()
	}
	snapshot := t.snapshotLocked()
	bytesReceived := t.bytesTransferred
	t.mu.Unlock()

	m.notifyProgress(t.FileID, snapshot)

	status := "received"
	if finalChunk {
		m.finish(t, StatusCompleted)
		status = "completed"
	}

	return &WriteResult{
		FileID:        fileID,
		ChunkIndex:    chunkIndex,
		Status:        status,
		BytesReceived: bytesReceived,
		Progress:      snapshot.Progress,
	}, nil
}

// Cancel stops a transfer, removing any partial download artifact. Canceling
// a transfer already in a terminal state is a no-op.
func (m *Manager) Cancel(fileID string) (*Progress, error) {
	m.mu.Lock()
	t := m.transfers[fileID]
	m.mu.Unlock()
	if t == nil {
		return nil, ErrUnknownTransfer
	}

	t.mu.Lock()
	if t.status.terminal() {
		snapshot := t.snapshotLocked()
		t.mu.Unlock()
		return &snapshot, nil
	}
	t.closeFile()
	t.mu.Unlock()

	m.finish(t, StatusCanceled)
	if t.Direction == DirectionDownload {
		if err := os.Remove(t.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logrus.WithError(err).WithField("file_id", fileID).Warn("failed to remove partial download")
		}
	}

	snapshot := t.Snapshot()
	return &snapshot, nil
}

// Info returns the progress snapshot for an active or recently finished
// transfer.
func (m *Manager) Info(fileID string) (*Progress, error) {
	m.mu.Lock()
	t := m.transfers[fileID]
	m.mu.Unlock()
	if t == nil {
		return nil, ErrUnknownTransfer
	}

	snapshot := t.Snapshot()
	return &snapshot, nil
}

// List returns progress snapshots for every tracked transfer.
func (m *Manager) List() []Progress {
	m.mu.Lock()
	transfers := make([]*FileTransfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		transfers = append(transfers, t)
	}
	m.mu.Unlock()

	snapshots := make([]Progress, 0, len(transfers))
	for _, t := range transfers {
		snapshots = append(snapshots, t.Snapshot())
	}
	return snapshots
}

// RegisterCallback attaches a progress hook to one transfer. The hook lives
// until the transfer record is cleaned up.
func (m *Manager) RegisterCallback(fileID string, fn ProgressFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[fileID]; !ok {
		return ErrUnknownTransfer
	}
	m.callbacks[fileID] = fn
	return nil
}

// Close releases every open handle and stops pending cleanups.
func (m *Manager) Close() {
	m.mu.Lock()
	transfers := make([]*FileTransfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		transfers = append(transfers, t)
	}
	for _, timer := range m.cleanups {
		timer.Stop()
	}
	m.cleanups = make(map[string]*time.Timer)
	m.mu.Unlock()

	for _, t := range transfers {
		t.mu.Lock()
		t.closeFile()
		t.mu.Unlock()
	}
}

func (m *Manager) lookup(fileID string, direction Direction) (*FileTransfer, error) {
	m.mu.Lock()
	t := m.transfers[fileID]
	m.mu.Unlock()
	if t == nil {
		return nil, ErrUnknownTransfer
	}
	if t.Direction != direction {
		return nil, fmt.Errorf("%w: transfer %q is a %s", ErrWrongDirection, fileID, t.Direction)
	}
	return t, nil
}

// finish moves a transfer into a terminal state once, records history, and
// schedules delayed cleanup. Later finish calls are ignored.
func (m *Manager) finish(t *FileTransfer, status Status) {
	t.mu.Lock()
	if t.status.terminal() {
		t.mu.Unlock()
		return
	}
	t.closeFile()
	t.status = status
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"file_id":   t.FileID,
		"file_name": t.FileName,
		"direction": t.Direction,
		"status":    status,
	}).Info("transfer finished")

	if m.options.Store != nil {
		err := m.options.Store.RecordTransfer(storage.TransferRecord{
			FileID:    t.FileID,
			DeviceID:  t.DeviceID,
			FileName:  t.FileName,
			FileSize:  t.Size,
			Direction: string(t.Direction),
			Status:    string(status),
		})
		if err != nil {
			logrus.WithError(err).WithField("file_id", t.FileID).Warn("failed to record transfer history")
		}
	}

	m.notifyProgress(t.FileID, snapshot)
	m.scheduleCleanup(t.FileID)
}

// failDownload marks a transfer failed and best-effort deletes the partial
// download artifact.
func (m *Manager) failDownload(t *FileTransfer) {
	m.finish(t, StatusFailed)
	if t.Direction == DirectionDownload {
		if err := os.Remove(t.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logrus.WithError(err).WithField("file_id", t.FileID).Warn("failed to remove partial download")
		}
	}
}

func (m *Manager) scheduleCleanup(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cleanups[fileID]; ok {
		return
	}
	m.cleanups[fileID] = time.AfterFunc(m.options.CleanupDelay, func() {
		m.removeTransfer(fileID)
	})
}

func (m *Manager) removeTransfer(fileID string) {
	m.mu.Lock()
	t := m.transfers[fileID]
	delete(m.transfers, fileID)
	delete(m.callbacks, fileID)
	delete(m.cleanups, fileID)
	m.mu.Unlock()

	if t != nil {
		t.mu.Lock()
		t.closeFile()
		t.mu.Unlock()
	}
}

func (m *Manager) notifyProgress(fileID string, snapshot Progress) {
	m.mu.Lock()
	callback := m.callbacks[fileID]
	m.mu.Unlock()

	if callback != nil {
		callback(snapshot)
	}
	if m.options.OnProgress != nil {
		m.options.OnProgress(snapshot)
	}
}

// resolveSavePath finds a non-colliding destination inside the receive
// directory, appending " (n)" before the extension as needed.
func (m *Manager) resolveSavePath(fileName string) string {
	base := filepath.Base(fileName)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}

	candidate := filepath.Join(m.options.ReceiveDir, base)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(m.options.ReceiveDir, fmt.Sprintf("%s (%d)%s", stem, counter, ext))
	}
}

func fileChecksumHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
