package message

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/classify"
	"github.com/srg/blemsg/internal/device"
)

// LinkResolver gives the pipeline access to a device's live transport handle and
// catalog. A nil handle means the device is not connected.
type LinkResolver interface {
	Link(deviceID string) (device.Handle, device.Catalog)
}

// Write is a characteristic write to perform on behalf of a message.
type Write struct {
	MessageID          string
	DeviceID           string
	Handle             device.Handle
	ServiceUUID        string
	CharacteristicUUID string
	Data               []byte
	Mode               device.WriteMode
}

// Run performs the write on its handle.
func (w Write) Run(ctx context.Context) error {
	return w.Handle.WriteCharacteristic(ctx, w.ServiceUUID, w.CharacteristicUUID, w.Data, w.Mode)
}

// Options configures a Pipeline.
type Options struct {
	Links  LinkResolver
	Policy classify.Policy
	// Dispatch performs a write and must eventually call Complete with its result.
	// The default runs the write synchronously and completes inline.
	Dispatch func(ctx context.Context, w Write)
	// OnChange observes every stored message after it changes.
	OnChange func(Message)
	// OnLog receives user-visible operational entries (failures, retries).
	OnLog func(deviceID, text string, err error)
	// History caps the messages kept per device; 0 keeps everything.
	History int
	Now     func() time.Time
	Logger  *logrus.Logger
}

// Pipeline owns the per-device message lists. Lists are copy-on-write: every change
// builds a new slice, so slices returned by Messages are never modified afterwards.
type Pipeline struct {
	opts Options

	mu       sync.RWMutex
	messages map[string][]Message
	owner    map[string]string // message id -> device id
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	if opts.Policy == nil {
		opts.Policy = classify.Printable
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	p := &Pipeline{
		opts:     opts,
		messages: make(map[string][]Message),
		owner:    make(map[string]string),
	}
	if p.opts.Dispatch == nil {
		p.opts.Dispatch = func(ctx context.Context, w Write) {
			p.Complete(w.MessageID, w.Run(ctx))
		}
	}
	return p
}

func typeForMode(mode device.WriteMode) Type {
	if mode == device.WriteWithoutResponse {
		return TypeWriteNoResponse
	}
	return TypeWrite
}

func modeForType(t Type) device.WriteMode {
	if t == TypeWriteNoResponse {
		return device.WriteWithoutResponse
	}
	return device.WriteWithResponse
}

// Send validates the link, records the message in Sending and dispatches the write.
// Nothing is recorded when the device is not connected or has no write target.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (Message, error) {
	deviceID := device.NormalizeAddress(req.DeviceID)
	handle, catalog := p.opts.Links.Link(deviceID)
	if handle == nil {
		return Message{}, &device.ConnectionError{State: device.NotConnected, Msg: deviceID}
	}

	target, ok := catalog.FindWritable(req.CharacteristicUUID, req.ServiceUUID)
	if !ok {
		return Message{}, fmt.Errorf("%w on %s", ErrNoWriteTarget, deviceID)
	}

	var payload []byte
	content := req.Content
	if req.IsHex {
		payload = DecodeHex(req.Content)
		content = EncodeHex(payload)
	} else {
		payload = []byte(req.Content)
	}

	mode := target.Properties.WriteMode()
	msg := Message{
		ID:                 uuid.NewString(),
		DeviceID:           deviceID,
		Content:            content,
		IsHex:              req.IsHex,
		Direction:          Outgoing,
		Status:             Sending,
		CharacteristicUUID: target.UUID,
		ServiceUUID:        target.ServiceUUID,
		Type:               typeForMode(mode),
		Payload:            payload,
		Attempts:           1,
		Timestamp:          p.opts.Now(),
	}
	p.append(msg)

	p.opts.Logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"message_id": msg.ID,
		"char_uuid":  target.UUID,
		"mode":       mode.String(),
		"bytes":      len(payload),
	}).Debug("Sending message")

	p.opts.Dispatch(ctx, Write{
		MessageID:          msg.ID,
		DeviceID:           deviceID,
		Handle:             handle,
		ServiceUUID:        target.ServiceUUID,
		CharacteristicUUID: target.UUID,
		Data:               payload,
		Mode:               mode,
	})
	return msg, nil
}

// Complete resolves the current attempt of a Sending message. It returns false when
// the message is unknown or already resolved, so late completions are harmless.
func (p *Pipeline) Complete(id string, err error) bool {
	updated, ok := p.update(id, func(m *Message) bool {
		if m.Status != Sending {
			return false
		}
		if err != nil {
			m.Status = Failed
			m.Error = err.Error()
		} else {
			m.Status = Sent
			m.Error = ""
		}
		return true
	})
	if !ok {
		return false
	}

	fields := logrus.Fields{"device_id": updated.DeviceID, "message_id": id}
	if err != nil {
		p.opts.Logger.WithFields(fields).WithError(err).Warn("Message write failed")
		p.log(updated.DeviceID, fmt.Sprintf("Write to %s failed", updated.CharacteristicUUID), err)
	} else {
		p.opts.Logger.WithFields(fields).Debug("Message sent")
	}
	return true
}

// Retry re-sends a Failed message under the same id and target.
func (p *Pipeline) Retry(ctx context.Context, deviceID, id string) (Message, error) {
	deviceID = device.NormalizeAddress(deviceID)
	current, ok := p.Get(deviceID, id)
	if !ok {
		return Message{}, &device.NotFoundError{Resource: "message", IDs: []string{deviceID, id}}
	}
	if current.Status != Failed {
		return current, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, current.Status)
	}

	handle, _ := p.opts.Links.Link(deviceID)
	if handle == nil {
		return current, &device.ConnectionError{State: device.NotConnected, Msg: deviceID}
	}

	updated, ok := p.update(id, func(m *Message) bool {
		if m.Status != Failed {
			return false
		}
		m.Status = Sending
		m.Error = ""
		m.Attempts++
		m.Timestamp = p.opts.Now()
		return true
	})
	if !ok {
		return current, fmt.Errorf("%w: %s", ErrNotRetryable, id)
	}

	p.log(deviceID, fmt.Sprintf("Retrying message (attempt %d)", updated.Attempts), nil)
	p.opts.Logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"message_id": id,
		"attempt":    updated.Attempts,
	}).Info("Retrying message")

	p.opts.Dispatch(ctx, Write{
		MessageID:          id,
		DeviceID:           deviceID,
		Handle:             handle,
		ServiceUUID:        updated.ServiceUUID,
		CharacteristicUUID: updated.CharacteristicUUID,
		Data:               updated.Payload,
		Mode:               modeForType(updated.Type),
	})
	return updated, nil
}

// FailPending moves every Sending message of a device to Failed and returns how many
// were affected. Used when the link goes away under in-flight writes.
func (p *Pipeline) FailPending(deviceID string, reason error) int {
	deviceID = device.NormalizeAddress(deviceID)
	if reason == nil {
		reason = device.ErrNotConnected
	}

	p.mu.Lock()
	list := p.messages[deviceID]
	var changed []Message
	next := make([]Message, len(list))
	for i, m := range list {
		if m.Status == Sending {
			m.Status = Failed
			m.Error = reason.Error()
			changed = append(changed, m)
		}
		next[i] = m
	}
	if len(changed) > 0 {
		p.messages[deviceID] = next
	}
	p.mu.Unlock()

	for _, m := range changed {
		p.notify(m)
	}
	if len(changed) > 0 {
		p.log(deviceID, fmt.Sprintf("%d pending message(s) failed", len(changed)), reason)
	}
	return len(changed)
}

// Receive records an incoming notification or indication.
func (p *Pipeline) Receive(deviceID, charUUID string, data []byte, kind Type) Message {
	deviceID = device.NormalizeAddress(deviceID)
	charUUID = device.NormalizeUUID(charUUID)

	p.mu.RLock()
	policy := p.opts.Policy
	p.mu.RUnlock()

	msg := Message{
		ID:                 uuid.NewString(),
		DeviceID:           deviceID,
		Direction:          Incoming,
		Status:             Received,
		CharacteristicUUID: charUUID,
		Type:               kind,
		Payload:            append([]byte(nil), data...),
		Timestamp:          p.opts.Now(),
	}
	if policy.Classify(charUUID, data) == classify.Text {
		msg.Content = string(data)
	} else {
		msg.Content = EncodeHex(data)
		msg.IsHex = true
	}
	if decoded, ok := device.FormatCharacteristicValue(charUUID, data); ok {
		msg.Decoded = decoded
	}

	p.append(msg)
	return msg
}

// Get returns one message of a device.
func (p *Pipeline) Get(deviceID, id string) (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, m := range p.messages[device.NormalizeAddress(deviceID)] {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Messages returns the ordered message list of a device. The slice must not be modified.
func (p *Pipeline) Messages(deviceID string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messages[device.NormalizeAddress(deviceID)]
}

// All returns every device's message list.
func (p *Pipeline) All() map[string][]Message {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]Message, len(p.messages))
	for k, v := range p.messages {
		out[k] = v
	}
	return out
}

// Clear drops the history of a device.
func (p *Pipeline) Clear(deviceID string) {
	deviceID = device.NormalizeAddress(deviceID)

	p.mu.Lock()
	for _, m := range p.messages[deviceID] {
		delete(p.owner, m.ID)
	}
	delete(p.messages, deviceID)
	p.mu.Unlock()
}

func (p *Pipeline) append(msg Message) {
	p.mu.Lock()
	list := p.messages[msg.DeviceID]
	next := make([]Message, 0, len(list)+1)
	if p.opts.History > 0 && len(list) >= p.opts.History {
		drop := len(list) - p.opts.History + 1
		for _, m := range list[:drop] {
			delete(p.owner, m.ID)
		}
		list = list[drop:]
	}
	next = append(next, list...)
	next = append(next, msg)
	p.messages[msg.DeviceID] = next
	p.owner[msg.ID] = msg.DeviceID
	p.mu.Unlock()

	p.notify(msg)
}

// update applies fn to the stored message id on a fresh copy of its list. fn reports
// whether it changed anything.
func (p *Pipeline) update(id string, fn func(*Message) bool) (Message, bool) {
	p.mu.Lock()
	deviceID, ok := p.owner[id]
	if !ok {
		p.mu.Unlock()
		return Message{}, false
	}
	list := p.messages[deviceID]
	for i := range list {
		if list[i].ID != id {
			continue
		}
		m := list[i]
		if !fn(&m) {
			p.mu.Unlock()
			return Message{}, false
		}
		next := make([]Message, len(list))
		copy(next, list)
		next[i] = m
		p.messages[deviceID] = next
		p.mu.Unlock()

		p.notify(m)
		return m, true
	}
	p.mu.Unlock()
	return Message{}, false
}

func (p *Pipeline) notify(m Message) {
	if p.opts.OnChange != nil {
		p.opts.OnChange(m)
	}
}

func (p *Pipeline) log(deviceID, text string, err error) {
	if p.opts.OnLog != nil {
		p.opts.OnLog(deviceID, text, err)
	}
}
