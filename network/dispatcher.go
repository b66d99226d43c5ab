package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ecosync/clipboard"
	"ecosync/notify"
	"ecosync/pairing"
	"ecosync/session"
	"ecosync/storage"
	"ecosync/transfer"
)

// DispatcherOptions wires the dispatcher to the daemon's subsystems.
type DispatcherOptions struct {
	DeviceID      string
	DeviceName    string
	Registry      *session.Registry
	Authenticator *pairing.Authenticator
	Transfers     *transfer.Manager
	Clipboard     *clipboard.Poller
	Notifications notify.Sink
	Store         *storage.Store
}

// Dispatcher routes every inbound frame of every connection to the right
// subsystem. Frames on one connection are handled strictly in order by that
// connection's read loop; connections run concurrently.
type Dispatcher struct {
	options DispatcherOptions

	offerMu sync.Mutex
	offers  map[string]FileTransferInit
}

// NewDispatcher validates the wiring and returns a dispatcher.
func NewDispatcher(options DispatcherOptions) (*Dispatcher, error) {
	if options.Registry == nil {
		return nil, errors.New("session registry is required")
	}
	if options.Authenticator == nil {
		return nil, errors.New("pairing authenticator is required")
	}
	if options.Transfers == nil {
		return nil, errors.New("transfer manager is required")
	}
	if options.Notifications == nil {
		options.Notifications = notify.LogSink{}
	}
	return &Dispatcher{
		options: options,
		offers:  make(map[string]FileTransferInit),
	}, nil
}

// HandleFrame processes one inbound frame. Unknown and unparseable frames
// are logged and dropped without a reply.
func (d *Dispatcher) HandleFrame(sess *session.Session, payload []byte) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		logrus.WithField("session_id", sess.ID).WithError(err).Warn("dropped unparseable frame")
		return
	}

	switch msgType {
	case TypePairingRequest:
		d.handlePairing(sess, payload)
	case TypeClipboardSync:
		d.handleClipboard(sess, payload)
	case TypeNotification:
		d.handleNotification(sess, payload)
	case TypeFileTransferInit:
		d.handleTransferInit(sess, payload)
	case TypeFileTransferChunk:
		d.handleTransferChunk(sess, payload)
	case TypePing:
		d.reply(sess, PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
	case TypeAdminRequest:
		d.handleAdmin(sess, payload)
	default:
		logrus.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"type":       msgType,
		}).Warn("dropped frame of unknown type")
	}
}

// HandleDisconnect tears down a closed connection's session state.
func (d *Dispatcher) HandleDisconnect(sessionID string) {
	deviceID := d.options.Registry.Disconnect(sessionID)
	if deviceID == "" {
		return
	}
	d.broadcast(DeviceEvent{Type: TypeDeviceDisconnected, DeviceID: deviceID}, "")
}

func (d *Dispatcher) handlePairing(sess *session.Session, payload []byte) {
	var request PairingRequest
	if !d.unmarshalFrame(sess, payload, &request) {
		return
	}

	device, err := d.options.Authenticator.Pair(request.Code, request.DeviceID, request.DeviceName, request.DeviceType)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"device_id":  request.DeviceID,
		}).Warn("pairing rejected")
		d.reply(sess, PairingResponse{
			Type:    TypePairingResponse,
			Status:  "failed",
			Message: "invalid pairing code",
		})
		return
	}

	d.options.Registry.Bind(sess.ID, device.DeviceID)
	d.reply(sess, PairingResponse{
		Type:       TypePairingResponse,
		Status:     "success",
		DeviceID:   d.options.DeviceID,
		DeviceName: d.options.DeviceName,
	})
	d.broadcast(DeviceEvent{
		Type:       TypeDeviceConnected,
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
	}, sess.ID)
}

func (d *Dispatcher) handleClipboard(sess *session.Session, payload []byte) {
	var clip ClipboardSync
	if !d.unmarshalFrame(sess, payload, &clip) {
		return
	}
	if !d.authorize(sess, clip.DeviceID) {
		d.reply(sess, ErrorMessage{Type: TypeError, Code: "not_paired", Message: "pair before syncing"})
		return
	}
	if !d.settingEnabled("clipboard_sync") {
		logrus.WithField("session_id", sess.ID).Debug("clipboard sync disabled, frame dropped")
		return
	}

	if d.options.Clipboard != nil {
		if err := d.options.Clipboard.Apply(clip.Text); err != nil {
			logrus.WithError(err).Warn("applying remote clipboard value failed")
		}
	}

	clip.DeviceID = sess.Device()
	d.broadcast(clip, sess.ID)
}

func (d *Dispatcher) handleNotification(sess *session.Session, payload []byte) {
	var notification NotificationMessage
	if !d.unmarshalFrame(sess, payload, &notification) {
		return
	}
	if !d.authorize(sess, notification.DeviceID) {
		d.reply(sess, ErrorMessage{Type: TypeError, Code: "not_paired", Message: "pair before syncing"})
		return
	}
	if !d.settingEnabled("notification_mirroring") {
		logrus.WithField("session_id", sess.ID).Debug("notification mirroring disabled, frame dropped")
		return
	}

	shown := notify.Notification{
		AppName:   notification.AppName,
		Title:     notification.Title,
		Body:      notification.Body,
		Timestamp: notification.Timestamp,
	}
	if err := d.options.Notifications.Show(shown); err != nil {
		logrus.WithError(err).Warn("showing remote notification failed")
	}
	d.broadcast(notification, sess.ID)
}

func (d *Dispatcher) handleTransferInit(sess *session.Session, payload []byte) {
	var init FileTransferInit
	if !d.unmarshalFrame(sess, payload, &init) {
		return
	}
	if !d.authorize(sess, init.DeviceID) {
		d.reply(sess, ErrorMessage{Type: TypeError, Code: "not_paired", Message: "pair before syncing"})
		return
	}

	if init.Request {
		d.offerMu.Lock()
		offer, ok := d.offers[init.FileID]
		d.offerMu.Unlock()
		if !ok {
			d.reply(sess, ErrorMessage{Type: TypeError, Code: "unknown_transfer", Message: "no pending transfer with that id"})
			return
		}
		d.reply(sess, offer)
		return
	}

	descriptor := transfer.Descriptor{
		FileID:      init.FileID,
		FileName:    init.FileName,
		FileSize:    init.FileSize,
		Key:         init.Key,
		IV:          init.IV,
		ContentHash: init.ContentHash,
		ChunkSize:   init.ChunkSize,
	}
	fileID, savePath, err := d.options.Transfers.PrepareDownload(descriptor, sess.Device())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"file_id":    init.FileID,
		}).WithError(err).Warn("rejected transfer init")
		d.reply(sess, ErrorMessage{Type: TypeError, Code: "transfer_failed", Message: "could not prepare transfer"})
		return
	}
	d.reply(sess, FileTransferReady{Type: TypeFileTransferReady, FileID: fileID, SavePath: savePath})
}

func (d *Dispatcher) handleTransferChunk(sess *session.Session, payload []byte) {
	var chunk FileTransferChunk
	if !d.unmarshalFrame(sess, payload, &chunk) {
		return
	}

	info, err := d.options.Transfers.Info(chunk.FileID)
	if err != nil {
		d.reply(sess, ErrorMessage{Type: TypeError, Code: "unknown_transfer", Message: "no transfer with that id"})
		return
	}

	switch transfer.Direction(info.Direction) {
	case transfer.DirectionDownload:
		if _, err := d.options.Transfers.WriteChunk(chunk.FileID, chunk.ChunkData, chunk.ChunkIndex, chunk.FinalChunk); err != nil {
			logrus.WithFields(logrus.Fields{
				"file_id":     chunk.FileID,
				"chunk_index": chunk.ChunkIndex,
			}).WithError(err).Warn("writing transfer chunk failed")
			d.reply(sess, ErrorMessage{Type: TypeError, Code: "transfer_failed", Message: "chunk write failed"})
		}
	case transfer.DirectionUpload:
		// A chunk frame without data is the receiver pulling the next
		// ciphertext chunk of an outbound transfer.
		chunkSize := d.offerChunkSize(chunk.FileID)
		result, err := d.options.Transfers.ReadChunk(chunk.FileID, chunk.ChunkIndex, chunkSize)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"file_id":     chunk.FileID,
				"chunk_index": chunk.ChunkIndex,
			}).WithError(err).Warn("reading transfer chunk failed")
			d.reply(sess, ErrorMessage{Type: TypeError, Code: "transfer_failed", Message: "chunk read failed"})
			return
		}
		d.reply(sess, FileTransferChunk{
			Type:       TypeFileTransferChunk,
			FileID:     result.FileID,
			ChunkIndex: result.ChunkIndex,
			ChunkData:  result.ChunkData,
			FinalChunk: result.FinalChunk,
			Progress:   result.Progress,
		})
	}
}

func (d *Dispatcher) handleAdmin(sess *session.Session, payload []byte) {
	var request AdminRequest
	if !d.unmarshalFrame(sess, payload, &request) {
		return
	}

	switch request.Action {
	case "get_status":
		d.reply(sess, StatusUpdate{
			Type:             TypeStatusUpdate,
			DeviceID:         d.options.DeviceID,
			DeviceName:       d.options.DeviceName,
			PairingCode:      d.options.Authenticator.Code(),
			ConnectedDevices: d.options.Registry.ConnectedDevices(),
			Transfers:        d.options.Transfers.List(),
			Settings:         d.settings(),
		})

	case "get_devices":
		devices, err := d.options.Authenticator.Devices()
		if err != nil {
			d.adminError(sess, request.Action, "listing devices failed")
			return
		}
		d.adminOK(sess, request.Action, devices)

	case "get_transfers":
		d.adminOK(sess, request.Action, d.options.Transfers.List())

	case "send_file":
		d.adminSendFile(sess, request)

	case "unpair_device":
		if err := d.options.Authenticator.Unpair(request.DeviceID); err != nil {
			d.adminError(sess, request.Action, "device not found")
			return
		}
		d.broadcast(DeviceEvent{Type: TypeDeviceDisconnected, DeviceID: request.DeviceID}, "")
		d.adminOK(sess, request.Action, nil)

	case "cancel_transfer":
		progress, err := d.options.Transfers.Cancel(request.FileID)
		if err != nil {
			d.adminError(sess, request.Action, "transfer not found")
			return
		}
		d.dropOffer(request.FileID)
		d.adminOK(sess, request.Action, progress)

	case "set_setting":
		key := request.Key
		if key == "" {
			key = request.Setting
		}
		if d.options.Store == nil || key == "" {
			d.adminError(sess, request.Action, "invalid setting")
			return
		}
		if err := d.options.Store.SetSetting(key, settingValue(request.Value)); err != nil {
			d.adminError(sess, request.Action, "persisting setting failed")
			return
		}
		d.adminOK(sess, request.Action, nil)

	case "get_history":
		if d.options.Store == nil {
			d.adminError(sess, request.Action, "no transfer history available")
			return
		}
		records, err := d.options.Store.ListTransfers(request.Limit)
		if err != nil {
			d.adminError(sess, request.Action, "listing transfer history failed")
			return
		}
		d.adminOK(sess, request.Action, records)

	case "export_devices":
		if d.options.Store == nil || request.Password == "" {
			d.adminError(sess, request.Action, "password is required")
			return
		}
		export, err := d.options.Store.ExportDevices(request.Password)
		if err != nil {
			d.adminError(sess, request.Action, "exporting devices failed")
			return
		}
		d.adminOK(sess, request.Action, export)

	case "import_devices":
		if d.options.Store == nil || request.Export == nil || request.Password == "" {
			d.adminError(sess, request.Action, "export payload and password are required")
			return
		}
		count, err := d.options.Store.ImportDevices(request.Export, request.Password)
		if err != nil {
			logrus.WithError(err).Warn("importing devices failed")
			d.adminError(sess, request.Action, "importing devices failed")
			return
		}
		d.adminOK(sess, request.Action, map[string]int{"imported": count})

	default:
		logrus.WithField("action", request.Action).Warn("unknown admin action")
		d.adminError(sess, request.Action, "unknown action")
	}
}

func (d *Dispatcher) adminSendFile(sess *session.Session, request AdminRequest) {
	if request.DeviceID == "" || request.FilePath == "" {
		d.adminError(sess, request.Action, "device_id and file_path are required")
		return
	}
	if !d.options.Authenticator.IsPaired(request.DeviceID) {
		d.adminError(sess, request.Action, "device is not paired")
		return
	}

	descriptor, err := d.options.Transfers.PrepareUpload(request.FilePath, request.DeviceID)
	if err != nil {
		logrus.WithField("path", request.FilePath).WithError(err).Warn("preparing upload failed")
		d.adminError(sess, request.Action, "could not prepare file")
		return
	}

	frame := DescriptorFrame(*descriptor)
	d.offerMu.Lock()
	d.offers[descriptor.FileID] = frame
	d.offerMu.Unlock()

	payload, err := EncodeJSON(frame)
	if err != nil {
		d.adminError(sess, request.Action, "encoding descriptor failed")
		return
	}
	status := "sent"
	if err := d.options.Registry.SendToDevice(request.DeviceID, payload); err != nil {
		// The descriptor stays queued; the device can request it when it
		// reconnects.
		status = "queued"
	}

	d.adminOK(sess, request.Action, map[string]string{
		"file_id": descriptor.FileID,
		"status":  status,
	})
}

// offerChunkSize returns the chunk size announced in the transfer's
// descriptor, or the default when the offer is gone.
func (d *Dispatcher) offerChunkSize(fileID string) int {
	d.offerMu.Lock()
	defer d.offerMu.Unlock()
	if offer, ok := d.offers[fileID]; ok && offer.ChunkSize > 0 {
		return offer.ChunkSize
	}
	return transfer.DefaultChunkSize
}

func (d *Dispatcher) dropOffer(fileID string) {
	d.offerMu.Lock()
	delete(d.offers, fileID)
	d.offerMu.Unlock()
}

// settingEnabled reports whether a sync feature is switched on. Settings
// default to enabled until a client turns them off.
func (d *Dispatcher) settingEnabled(name string) bool {
	if d.options.Store == nil {
		return true
	}
	value, err := d.options.Store.GetSetting(name)
	if err != nil {
		return true
	}
	return value != "false" && value != "0"
}

func (d *Dispatcher) settings() map[string]string {
	if d.options.Store == nil {
		return nil
	}
	settings, err := d.options.Store.AllSettings()
	if err != nil {
		logrus.WithError(err).Warn("listing settings failed")
		return nil
	}
	return settings
}

// settingValue normalizes a client-sent setting value. GTK clients send
// booleans, the CLI sends strings.
func settingValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// authorize gates a sync frame on pairing. A session already bound to a
// device passes on that binding; an unbound session naming a known paired
// device is bound to it here, which is how paired devices resume after a
// reconnect without pairing again.
func (d *Dispatcher) authorize(sess *session.Session, claimedDeviceID string) bool {
	if deviceID := sess.Device(); deviceID != "" {
		return d.options.Authenticator.IsPaired(deviceID)
	}
	if claimedDeviceID == "" || !d.options.Authenticator.IsPaired(claimedDeviceID) {
		return false
	}
	d.options.Registry.Bind(sess.ID, claimedDeviceID)
	d.broadcast(DeviceEvent{Type: TypeDeviceConnected, DeviceID: claimedDeviceID}, sess.ID)
	return true
}

func (d *Dispatcher) unmarshalFrame(sess *session.Session, payload []byte, message any) bool {
	if err := json.Unmarshal(payload, message); err != nil {
		logrus.WithField("session_id", sess.ID).WithError(err).Warn("dropped malformed frame")
		return false
	}
	return true
}

func (d *Dispatcher) reply(sess *session.Session, message any) {
	payload, err := EncodeJSON(message)
	if err != nil {
		logrus.WithError(err).Error("encoding reply failed")
		return
	}
	if err := sess.Send(payload); err != nil {
		logrus.WithField("session_id", sess.ID).WithError(err).Warn("sending reply failed")
	}
}

func (d *Dispatcher) broadcast(message any, excludeSessionID string) {
	payload, err := EncodeJSON(message)
	if err != nil {
		logrus.WithError(err).Error("encoding broadcast failed")
		return
	}
	d.options.Registry.Broadcast(payload, excludeSessionID)
}

func (d *Dispatcher) adminOK(sess *session.Session, action string, data any) {
	d.reply(sess, AdminResponse{Type: TypeAdminResponse, Action: action, Status: "ok", Data: data})
}

func (d *Dispatcher) adminError(sess *session.Session, action, message string) {
	d.reply(sess, AdminResponse{Type: TypeAdminResponse, Action: action, Status: "error", Message: message})
}
