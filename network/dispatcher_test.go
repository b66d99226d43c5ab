package network

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"ecosync/clipboard"
	appcrypto "ecosync/crypto"
	"ecosync/notify"
	"ecosync/pairing"
	"ecosync/session"
	"ecosync/storage"
	"ecosync/transfer"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSender) SendMessage(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeSender) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *fakeSender) lastFrame(t *testing.T) []byte {
	t.Helper()
	frames := f.sent()
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	return frames[len(frames)-1]
}

type memClipboard struct {
	mu    sync.Mutex
	value string
}

func (c *memClipboard) Read() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

func (c *memClipboard) Write(value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	shown []notify.Notification
}

func (s *recordingSink) Show(notification notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, notification)
	return nil
}

type testHarness struct {
	dispatcher *Dispatcher
	registry   *session.Registry
	auth       *pairing.Authenticator
	transfers  *transfer.Manager
	clip       *memClipboard
	sink       *recordingSink
	store      *storage.Store
	receiveDir string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auth, err := pairing.New(store)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	receiveDir := t.TempDir()
	transfers, err := transfer.NewManager(transfer.Options{ReceiveDir: receiveDir, Store: store})
	if err != nil {
		t.Fatalf("new transfer manager: %v", err)
	}
	t.Cleanup(transfers.Close)

	clip := &memClipboard{}
	poller, err := clipboard.NewPoller(clipboard.PollerOptions{Clipboard: clip})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	registry := session.NewRegistry()
	sink := &recordingSink{}

	dispatcher, err := NewDispatcher(DispatcherOptions{
		DeviceID:      "host-1",
		DeviceName:    "Workstation",
		Registry:      registry,
		Authenticator: auth,
		Transfers:     transfers,
		Clipboard:     poller,
		Notifications: sink,
		Store:         store,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	return &testHarness{
		dispatcher: dispatcher,
		registry:   registry,
		auth:       auth,
		transfers:  transfers,
		clip:       clip,
		sink:       sink,
		store:      store,
		receiveDir: receiveDir,
	}
}

func (h *testHarness) connect(t *testing.T) (*session.Session, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	return h.registry.Connect(sender), sender
}

// pairedSession pairs a device through the real frame flow.
func (h *testHarness) pairedSession(t *testing.T, deviceID string) (*session.Session, *fakeSender) {
	t.Helper()
	sess, sender := h.connect(t)
	h.dispatch(t, sess, PairingRequest{
		Type:       TypePairingRequest,
		Code:       h.auth.Code(),
		DeviceID:   deviceID,
		DeviceName: deviceID,
		DeviceType: "android",
	})
	var response PairingResponse
	mustDecode(t, sender.lastFrame(t), &response)
	if response.Status != "success" {
		t.Fatalf("pairing failed: %+v", response)
	}
	return sess, sender
}

func (h *testHarness) dispatch(t *testing.T, sess *session.Session, message any) {
	t.Helper()
	payload, err := EncodeJSON(message)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	h.dispatcher.HandleFrame(sess, payload)
}

func mustDecode(t *testing.T, payload []byte, message any) {
	t.Helper()
	if err := json.Unmarshal(payload, message); err != nil {
		t.Fatalf("decode frame %s: %v", payload, err)
	}
}

func frameType(t *testing.T, payload []byte) string {
	t.Helper()
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		t.Fatalf("frame type of %s: %v", payload, err)
	}
	return msgType
}

func TestPairingSuccessBindsAndAnnounces(t *testing.T) {
	h := newTestHarness(t)
	_, otherSender := h.connect(t)

	sess, sender := h.connect(t)
	code := h.auth.Code()
	h.dispatch(t, sess, PairingRequest{
		Type:     TypePairingRequest,
		Code:     code,
		DeviceID: "phone-1", DeviceName: "Pixel", DeviceType: "android",
	})

	var response PairingResponse
	mustDecode(t, sender.lastFrame(t), &response)
	if response.Status != "success" || response.DeviceID != "host-1" {
		t.Fatalf("response = %+v", response)
	}
	if !h.registry.IsConnected("phone-1") {
		t.Fatal("session not bound to the paired device")
	}

	// Other sessions learn about the new device; the origin does not get
	// the announcement.
	frames := otherSender.sent()
	if len(frames) != 1 || frameType(t, frames[0]) != TypeDeviceConnected {
		t.Fatalf("other session frames = %v", frames)
	}
	for _, frame := range sender.sent() {
		if frameType(t, frame) == TypeDeviceConnected {
			t.Fatal("device_connected echoed to the pairing session")
		}
	}
}

func TestPairingFailureNeverEchoesCode(t *testing.T) {
	h := newTestHarness(t)
	sess, sender := h.connect(t)

	code := h.auth.Code()
	h.dispatch(t, sess, PairingRequest{
		Type: TypePairingRequest, Code: "NOPE99",
		DeviceID: "intruder", DeviceName: "X", DeviceType: "desktop",
	})

	raw := sender.lastFrame(t)
	var response PairingResponse
	mustDecode(t, raw, &response)
	if response.Status != "failed" {
		t.Fatalf("response = %+v", response)
	}
	if strings.Contains(string(raw), code) {
		t.Fatal("failure response leaks the real pairing code")
	}
	if h.auth.IsPaired("intruder") {
		t.Fatal("failed pairing recorded the device")
	}
	if h.auth.Code() != code {
		t.Fatal("failed pairing rotated the code")
	}
}

func TestClipboardFromUnpairedRejected(t *testing.T) {
	h := newTestHarness(t)
	sess, sender := h.connect(t)

	h.dispatch(t, sess, ClipboardSync{Type: TypeClipboardSync, Text: "stolen"})

	var errFrame ErrorMessage
	mustDecode(t, sender.lastFrame(t), &errFrame)
	if errFrame.Code != "not_paired" {
		t.Fatalf("error code = %q, want not_paired", errFrame.Code)
	}
	if value, _ := h.clip.Read(); value != "" {
		t.Fatalf("clipboard mutated by unpaired device: %q", value)
	}
}

func TestClipboardAppliedAndRelayed(t *testing.T) {
	h := newTestHarness(t)
	origin, originSender := h.pairedSession(t, "phone-1")
	_, peerSender := h.pairedSession(t, "laptop-1")

	originBefore := len(originSender.sent())
	h.dispatch(t, origin, ClipboardSync{Type: TypeClipboardSync, Text: "shared text"})

	if value, _ := h.clip.Read(); value != "shared text" {
		t.Fatalf("local clipboard = %q, want the synced value", value)
	}

	var relayed ClipboardSync
	mustDecode(t, peerSender.lastFrame(t), &relayed)
	if relayed.Type != TypeClipboardSync || relayed.Text != "shared text" {
		t.Fatalf("relayed frame = %+v", relayed)
	}
	if relayed.DeviceID != "phone-1" {
		t.Fatalf("relayed origin = %q, want phone-1", relayed.DeviceID)
	}
	if len(originSender.sent()) != originBefore {
		t.Fatal("clipboard_sync echoed back to its sender")
	}
}

func TestPairedDeviceRebindsOnReconnect(t *testing.T) {
	h := newTestHarness(t)
	first, _ := h.pairedSession(t, "phone-1")
	h.registry.Disconnect(first.ID)

	// A fresh connection from the same paired device resumes by naming
	// itself, without pairing again.
	sess, sender := h.connect(t)
	h.dispatch(t, sess, ClipboardSync{Type: TypeClipboardSync, Text: "resumed", DeviceID: "phone-1"})

	for _, frame := range sender.sent() {
		if frameType(t, frame) == TypeError {
			t.Fatalf("paired device rejected on reconnect: %s", frame)
		}
	}
	if !h.registry.IsConnected("phone-1") {
		t.Fatal("reconnecting paired device was not rebound")
	}
	if value, _ := h.clip.Read(); value != "resumed" {
		t.Fatalf("clipboard = %q, want the synced value", value)
	}

	// An unpaired device claiming an unknown id is still rejected.
	stranger, strangerSender := h.connect(t)
	h.dispatch(t, stranger, ClipboardSync{Type: TypeClipboardSync, Text: "spoof", DeviceID: "ghost"})
	var errFrame ErrorMessage
	mustDecode(t, strangerSender.lastFrame(t), &errFrame)
	if errFrame.Code != "not_paired" {
		t.Fatalf("error code = %q, want not_paired", errFrame.Code)
	}
}

func TestNotificationShownAndRelayed(t *testing.T) {
	h := newTestHarness(t)
	origin, _ := h.pairedSession(t, "phone-1")
	_, peerSender := h.pairedSession(t, "laptop-1")

	h.dispatch(t, origin, NotificationMessage{
		Type: TypeNotification, AppName: "chat", Title: "ping", Body: "hello", Timestamp: 7,
	})

	h.sink.mu.Lock()
	shown := len(h.sink.shown)
	h.sink.mu.Unlock()
	if shown != 1 {
		t.Fatalf("sink shown %d notifications, want 1", shown)
	}
	if frameType(t, peerSender.lastFrame(t)) != TypeNotification {
		t.Fatal("notification not relayed to the other device")
	}
}

func TestPingPong(t *testing.T) {
	h := newTestHarness(t)
	sess, sender := h.connect(t)

	h.dispatch(t, sess, PingMessage{Type: TypePing})
	if frameType(t, sender.lastFrame(t)) != TypePong {
		t.Fatal("ping did not produce a pong")
	}
}

func TestUnknownAndUnparseableFramesDropped(t *testing.T) {
	h := newTestHarness(t)
	sess, sender := h.connect(t)

	h.dispatcher.HandleFrame(sess, []byte(`{"type":"teleport"}`))
	h.dispatcher.HandleFrame(sess, []byte(`{not json`))
	h.dispatcher.HandleFrame(sess, []byte(`{"no_type":true}`))

	if frames := sender.sent(); len(frames) != 0 {
		t.Fatalf("dropped frames produced %d replies", len(frames))
	}
}

func TestInboundTransferWritesFile(t *testing.T) {
	h := newTestHarness(t)
	sess, sender := h.pairedSession(t, "phone-1")

	key := base64.StdEncoding.EncodeToString(make([]byte, appcrypto.KeySize))
	ivBytes := make([]byte, appcrypto.IVSize)
	for i := range ivBytes {
		ivBytes[i] = byte(i)
	}
	iv := base64.StdEncoding.EncodeToString(ivBytes)

	content := []byte("inbound file payload")
	h.dispatch(t, sess, FileTransferInit{
		Type:     TypeFileTransferInit,
		FileID:   "remote-file-1",
		FileName: "note.txt",
		FileSize: int64(len(content)),
		Key:      key,
		IV:       iv,
	})

	var ready FileTransferReady
	mustDecode(t, sender.lastFrame(t), &ready)
	if ready.Type != TypeFileTransferReady || ready.SavePath == "" {
		t.Fatalf("ready frame = %+v", ready)
	}

	keyBytes := make([]byte, appcrypto.KeySize)
	ciphertext, err := appcrypto.EncryptChunk(keyBytes, ivBytes, content)
	if err != nil {
		t.Fatalf("encrypt chunk: %v", err)
	}
	h.dispatch(t, sess, FileTransferChunk{
		Type:       TypeFileTransferChunk,
		FileID:     ready.FileID,
		ChunkIndex: 0,
		ChunkData:  base64.StdEncoding.EncodeToString(ciphertext),
		FinalChunk: true,
	})

	written, err := os.ReadFile(ready.SavePath)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if string(written) != string(content) {
		t.Fatalf("received %q, want %q", written, content)
	}
}

func TestTransferInitFromUnpairedRejected(t *testing.T) {
	h := newTestHarness(t)
	sess, sender := h.connect(t)

	h.dispatch(t, sess, FileTransferInit{Type: TypeFileTransferInit, FileID: "x", FileName: "a", FileSize: 1})

	var errFrame ErrorMessage
	mustDecode(t, sender.lastFrame(t), &errFrame)
	if errFrame.Code != "not_paired" {
		t.Fatalf("error code = %q, want not_paired", errFrame.Code)
	}
}

func TestChunkForUnknownTransfer(t *testing.T) {
	h := newTestHarness(t)
	sess, sender := h.pairedSession(t, "phone-1")

	h.dispatch(t, sess, FileTransferChunk{Type: TypeFileTransferChunk, FileID: "ghost", ChunkIndex: 0})

	var errFrame ErrorMessage
	mustDecode(t, sender.lastFrame(t), &errFrame)
	if errFrame.Code != "unknown_transfer" {
		t.Fatalf("error code = %q, want unknown_transfer", errFrame.Code)
	}
}

func TestAdminSendFileAndChunkPull(t *testing.T) {
	h := newTestHarness(t)
	device, deviceSender := h.pairedSession(t, "phone-1")
	admin, adminSender := h.connect(t)

	path := filepath.Join(t.TempDir(), "report.txt")
	content := []byte("outbound file payload")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	h.dispatch(t, admin, AdminRequest{
		Type: TypeAdminRequest, Action: "send_file",
		DeviceID: "phone-1", FilePath: path,
	})

	var response AdminResponse
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "ok" {
		t.Fatalf("send_file response = %+v", response)
	}

	// The target device received the descriptor.
	var init FileTransferInit
	mustDecode(t, deviceSender.lastFrame(t), &init)
	if init.Type != TypeFileTransferInit || init.FileName != "report.txt" {
		t.Fatalf("descriptor frame = %+v", init)
	}

	// The device pulls chunk 0 and gets ciphertext it can decrypt.
	h.dispatch(t, device, FileTransferChunk{Type: TypeFileTransferChunk, FileID: init.FileID, ChunkIndex: 0})

	var chunk FileTransferChunk
	mustDecode(t, deviceSender.lastFrame(t), &chunk)
	if !chunk.FinalChunk || chunk.ChunkData == "" {
		t.Fatalf("chunk frame = %+v", chunk)
	}

	keyBytes, err := base64.StdEncoding.DecodeString(init.Key)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(init.IV)
	if err != nil {
		t.Fatalf("decode iv: %v", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(chunk.ChunkData)
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	plaintext, err := appcrypto.DecryptChunk(keyBytes, ivBytes, ciphertext)
	if err != nil {
		t.Fatalf("decrypt chunk: %v", err)
	}
	if string(plaintext) != string(content) {
		t.Fatalf("decrypted %q, want %q", plaintext, content)
	}
}

func TestAdminDescriptorReRequest(t *testing.T) {
	h := newTestHarness(t)
	admin, adminSender := h.connect(t)

	path := filepath.Join(t.TempDir(), "later.txt")
	if err := os.WriteFile(path, []byte("queued payload"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	// The target device is paired but offline: the descriptor is queued.
	offline, _ := h.pairedSession(t, "phone-1")
	h.registry.Disconnect(offline.ID)

	h.dispatch(t, admin, AdminRequest{
		Type: TypeAdminRequest, Action: "send_file",
		DeviceID: "phone-1", FilePath: path,
	})
	var response AdminResponse
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "ok" {
		t.Fatalf("send_file response = %+v", response)
	}
	data, _ := response.Data.(map[string]any)
	if data["status"] != "queued" {
		t.Fatalf("send_file data = %v, want queued", response.Data)
	}
	fileID, _ := data["file_id"].(string)
	if fileID == "" {
		t.Fatal("send_file response has no file_id")
	}

	// The device reconnects and asks for the pending descriptor.
	sess, sender := h.pairedSession(t, "phone-1")
	h.dispatch(t, sess, FileTransferInit{Type: TypeFileTransferInit, FileID: fileID, Request: true})

	var init FileTransferInit
	mustDecode(t, sender.lastFrame(t), &init)
	if init.FileID != fileID || init.Key == "" {
		t.Fatalf("re-requested descriptor = %+v", init)
	}
}

func TestAdminStatusAndDevices(t *testing.T) {
	h := newTestHarness(t)
	h.pairedSession(t, "phone-1")
	admin, adminSender := h.connect(t)

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "get_status"})

	var status StatusUpdate
	mustDecode(t, adminSender.lastFrame(t), &status)
	if status.Type != TypeStatusUpdate || status.DeviceID != "host-1" {
		t.Fatalf("status = %+v", status)
	}
	if status.PairingCode != h.auth.Code() {
		t.Fatal("status does not carry the current pairing code")
	}
	if len(status.ConnectedDevices) != 1 || status.ConnectedDevices[0] != "phone-1" {
		t.Fatalf("connected devices = %v", status.ConnectedDevices)
	}

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "get_devices"})
	var response AdminResponse
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "ok" {
		t.Fatalf("get_devices response = %+v", response)
	}
}

func TestAdminUnpairAndSettings(t *testing.T) {
	h := newTestHarness(t)
	h.pairedSession(t, "phone-1")
	admin, adminSender := h.connect(t)

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "unpair_device", DeviceID: "phone-1"})
	var response AdminResponse
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "ok" {
		t.Fatalf("unpair response = %+v", response)
	}
	if h.auth.IsPaired("phone-1") {
		t.Fatal("device still paired after unpair_device")
	}

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "set_setting", Key: "receive_dir", Value: "/tmp/in"})
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "ok" {
		t.Fatalf("set_setting response = %+v", response)
	}
	value, err := h.store.GetSetting("receive_dir")
	if err != nil || value != "/tmp/in" {
		t.Fatalf("setting = %q, %v", value, err)
	}

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "reboot_moon"})
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "error" {
		t.Fatalf("unknown action response = %+v", response)
	}
}

func TestSetSettingAcceptsClientFieldNames(t *testing.T) {
	h := newTestHarness(t)
	admin, adminSender := h.connect(t)

	// GTK clients name the key "setting" and send the value as a bool.
	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "set_setting", Setting: "clipboard_sync", Value: false})

	var response AdminResponse
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "ok" {
		t.Fatalf("set_setting response = %+v", response)
	}
	value, err := h.store.GetSetting("clipboard_sync")
	if err != nil || value != "false" {
		t.Fatalf("setting = %q, %v", value, err)
	}

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "get_status"})
	var status StatusUpdate
	mustDecode(t, adminSender.lastFrame(t), &status)
	if status.Settings["clipboard_sync"] != "false" {
		t.Fatalf("status settings = %v", status.Settings)
	}
}

func TestDisabledClipboardSyncDropsFrames(t *testing.T) {
	h := newTestHarness(t)
	origin, _ := h.pairedSession(t, "phone-1")
	_, peerSender := h.pairedSession(t, "laptop-1")
	admin, _ := h.connect(t)

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "set_setting", Setting: "clipboard_sync", Value: false})

	peerBefore := len(peerSender.sent())
	h.dispatch(t, origin, ClipboardSync{Type: TypeClipboardSync, Text: "ignored"})

	if value, _ := h.clip.Read(); value != "" {
		t.Fatalf("clipboard applied while sync disabled: %q", value)
	}
	if len(peerSender.sent()) != peerBefore {
		t.Fatal("clipboard frame relayed while sync disabled")
	}

	// Re-enabling restores the flow.
	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "set_setting", Setting: "clipboard_sync", Value: true})
	h.dispatch(t, origin, ClipboardSync{Type: TypeClipboardSync, Text: "visible again"})
	if value, _ := h.clip.Read(); value != "visible again" {
		t.Fatalf("clipboard = %q after re-enable", value)
	}
}

func TestDisabledNotificationMirroringDropsFrames(t *testing.T) {
	h := newTestHarness(t)
	origin, _ := h.pairedSession(t, "phone-1")
	admin, _ := h.connect(t)

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "set_setting", Setting: "notification_mirroring", Value: false})
	h.dispatch(t, origin, NotificationMessage{Type: TypeNotification, AppName: "Mail", Title: "hi", Body: "there"})

	h.sink.mu.Lock()
	shown := len(h.sink.shown)
	h.sink.mu.Unlock()
	if shown != 0 {
		t.Fatal("notification shown while mirroring disabled")
	}
}

func TestAdminTransferHistory(t *testing.T) {
	h := newTestHarness(t)
	admin, adminSender := h.connect(t)

	records := []storage.TransferRecord{
		{FileID: "f-1", DeviceID: "phone-1", FileName: "a.txt", FileSize: 10, Direction: "upload", Status: storage.TransferStatusCompleted},
		{FileID: "f-2", DeviceID: "phone-1", FileName: "b.txt", FileSize: 20, Direction: "download", Status: storage.TransferStatusFailed},
	}
	for _, record := range records {
		if err := h.store.RecordTransfer(record); err != nil {
			t.Fatalf("record transfer: %v", err)
		}
	}

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "get_history"})

	var response AdminResponse
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "ok" {
		t.Fatalf("get_history response = %+v", response)
	}
	raw, err := json.Marshal(response.Data)
	if err != nil {
		t.Fatalf("re-encode history: %v", err)
	}
	var history []storage.TransferRecord
	mustDecode(t, raw, &history)
	if len(history) != 2 {
		t.Fatalf("history has %d records, want 2", len(history))
	}

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "get_history", Limit: 1})
	mustDecode(t, adminSender.lastFrame(t), &response)
	raw, _ = json.Marshal(response.Data)
	mustDecode(t, raw, &history)
	if len(history) != 1 {
		t.Fatalf("limited history has %d records, want 1", len(history))
	}
}

func TestAdminExportImportDevices(t *testing.T) {
	h := newTestHarness(t)
	h.pairedSession(t, "phone-1")
	admin, adminSender := h.connect(t)

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "export_devices", Password: "hunter2"})
	var response AdminResponse
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "ok" {
		t.Fatalf("export_devices response = %+v", response)
	}
	raw, err := json.Marshal(response.Data)
	if err != nil {
		t.Fatalf("re-encode export: %v", err)
	}
	var export storage.SealedExport
	mustDecode(t, raw, &export)
	if export.Data == "" || export.Salt == "" || export.IV == "" {
		t.Fatalf("export = %+v", export)
	}

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "unpair_device", DeviceID: "phone-1"})
	if h.auth.IsPaired("phone-1") {
		t.Fatal("device still paired after unpair_device")
	}

	// The wrong password must not restore anything.
	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "import_devices", Export: &export, Password: "wrong"})
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "error" {
		t.Fatalf("import with wrong password = %+v", response)
	}
	if h.auth.IsPaired("phone-1") {
		t.Fatal("wrong password restored the pairing")
	}

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "import_devices", Export: &export, Password: "hunter2"})
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "ok" {
		t.Fatalf("import_devices response = %+v", response)
	}
	if !h.auth.IsPaired("phone-1") {
		t.Fatal("imported device not paired")
	}

	h.dispatch(t, admin, AdminRequest{Type: TypeAdminRequest, Action: "export_devices"})
	mustDecode(t, adminSender.lastFrame(t), &response)
	if response.Status != "error" {
		t.Fatalf("export without password = %+v", response)
	}
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	h := newTestHarness(t)
	sess, _ := h.pairedSession(t, "phone-1")
	_, peerSender := h.pairedSession(t, "laptop-1")

	h.dispatcher.HandleDisconnect(sess.ID)

	var event DeviceEvent
	mustDecode(t, peerSender.lastFrame(t), &event)
	if event.Type != TypeDeviceDisconnected || event.DeviceID != "phone-1" {
		t.Fatalf("departure frame = %+v", event)
	}

	// A second disconnect of the same session stays silent.
	before := len(peerSender.sent())
	h.dispatcher.HandleDisconnect(sess.ID)
	if len(peerSender.sent()) != before {
		t.Fatal("idempotent disconnect broadcast again")
	}
}
