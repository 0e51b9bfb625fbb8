package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/protocol"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusError     Status = "error"
)

// Item is one entry of a channel's message list. Provisional entries carry
// the TempID they were sent with; Message.ID is zero until confirmed and
// Message.SentAt is the client's clock until then.
type Item struct {
	TempID  string
	Status  Status
	Err     error
	Message models.Message
}

// Sender is what the reconciler sends through; *Manager implements it.
type Sender interface {
	SendMessage(ctx context.Context, args protocol.SendMessageArgs) (*models.Message, error)
}

type ReconcilerOption func(*Reconciler)

// WithOnChange registers fn to run after every change to the list. It runs
// without the reconciler's lock held.
func WithOnChange(fn func()) ReconcilerOption {
	return func(r *Reconciler) { r.onChange = fn }
}

// Reconciler keeps the message list of one channel, newest first. Each
// server message appears once no matter whether the send result or the
// broadcast echo arrives first.
type Reconciler struct {
	channelID uuid.UUID
	self      uuid.UUID
	sender    Sender
	onChange  func()
	now       func() time.Time

	mu    sync.Mutex
	items []Item
}

func NewReconciler(channelID, self uuid.UUID, sender Sender, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		channelID: channelID,
		self:      self,
		sender:    sender,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Items returns a copy of the list, newest first.
func (r *Reconciler) Items() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Item, len(r.items))
	copy(out, r.items)
	return out
}

// Send shows content immediately as pending, then sends it with the
// provisional's TempID as the idempotency key. The returned TempID
// identifies the entry for Retry and Dismiss whatever the outcome.
func (r *Reconciler) Send(ctx context.Context, content string, attachmentIDs []uuid.UUID) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", apperr.InvalidArg("content must not be empty")
	}
	tempID := uuid.NewString()

	r.mu.Lock()
	r.items = append([]Item{{
		TempID: tempID,
		Status: StatusPending,
		Message: models.Message{
			ChannelID:     r.channelID,
			SenderID:      r.self,
			Content:       content,
			SentAt:        r.now().UTC(),
			ClientMsgID:   tempID,
			AttachmentIDs: attachmentIDs,
		},
	}}, r.items...)
	r.mu.Unlock()
	r.changed()

	return tempID, r.deliver(ctx, tempID, content, attachmentIDs)
}

func (r *Reconciler) deliver(ctx context.Context, tempID, content string, attachmentIDs []uuid.UUID) error {
	msg, err := r.sender.SendMessage(ctx, protocol.SendMessageArgs{
		ChannelID:     r.channelID,
		Content:       content,
		AttachmentIDs: attachmentIDs,
		ClientMsgID:   tempID,
	})
	if err != nil {
		r.markFailed(tempID, err)
		return err
	}
	r.Receive(*msg)
	return nil
}

func (r *Reconciler) markFailed(tempID string, err error) {
	r.mu.Lock()
	idx := r.indexOfTemp(tempID)
	// The echo may have confirmed it already; a confirmed entry stays.
	if idx >= 0 && r.items[idx].Status == StatusPending {
		r.items[idx].Status = StatusError
		r.items[idx].Err = err
	}
	r.mu.Unlock()
	if idx >= 0 {
		r.changed()
	}
}

// Receive merges a server message into the list and reports whether the list
// changed. A message replaces the pending provisional carrying its
// client_msg_id or, for keyless messages, the oldest pending provisional
// from the same sender with the same content. Otherwise it is inserted
// at the top. Messages of other channels are ignored, as are messages
// already present unless they settle a pending provisional.
func (r *Reconciler) Receive(msg models.Message) bool {
	if msg.ChannelID != r.channelID || msg.ID == 0 {
		return false
	}

	r.mu.Lock()
	if r.indexOfID(msg.ID) >= 0 {
		// Listed already, usually via the echo of an earlier attempt. A
		// pending resend under the same key is settled by it.
		settled := false
		if i := r.indexOfPending(msg.ClientMsgID); i >= 0 {
			r.items = append(r.items[:i], r.items[i+1:]...)
			settled = true
		}
		r.mu.Unlock()
		if settled {
			r.changed()
		}
		return settled
	}

	idx := -1
	if msg.ClientMsgID != "" {
		idx = r.indexOfPending(msg.ClientMsgID)
	} else {
		// Newest first, so the oldest match is the last one.
		for i := len(r.items) - 1; i >= 0; i-- {
			it := r.items[i]
			if it.Status == StatusPending && it.Message.SenderID == msg.SenderID && it.Message.Content == msg.Content {
				idx = i
				break
			}
		}
	}

	if idx >= 0 {
		r.items[idx] = Item{TempID: r.items[idx].TempID, Status: StatusConfirmed, Message: msg}
	} else {
		r.items = append([]Item{{Status: StatusConfirmed, Message: msg}}, r.items...)
	}
	r.mu.Unlock()
	r.changed()
	return true
}

// Retry resends a failed provisional under its original TempID, so a send
// that reached the server before failing resolves to the row already
// written. The entry moves back to the top as pending.
func (r *Reconciler) Retry(ctx context.Context, tempID string) (string, error) {
	r.mu.Lock()
	idx := r.indexOfTemp(tempID)
	if idx < 0 || r.items[idx].Status != StatusError {
		r.mu.Unlock()
		return "", apperr.InvalidArg("no failed message " + tempID)
	}
	it := r.items[idx]
	it.Status = StatusPending
	it.Err = nil
	it.Message.SentAt = r.now().UTC()
	r.items = append(r.items[:idx], r.items[idx+1:]...)
	r.items = append([]Item{it}, r.items...)
	r.mu.Unlock()
	r.changed()

	return tempID, r.deliver(ctx, tempID, it.Message.Content, it.Message.AttachmentIDs)
}

// Dismiss drops a failed provisional.
func (r *Reconciler) Dismiss(tempID string) error {
	r.mu.Lock()
	idx := r.indexOfTemp(tempID)
	if idx < 0 || r.items[idx].Status != StatusError {
		r.mu.Unlock()
		return apperr.InvalidArg("no failed message " + tempID)
	}
	r.items = append(r.items[:idx], r.items[idx+1:]...)
	r.mu.Unlock()
	r.changed()
	return nil
}

// LoadHistory appends an older page (newest first, as the REST history
// returns it) below what is already listed, skipping known messages.
func (r *Reconciler) LoadHistory(page []models.Message) {
	r.mu.Lock()
	added := 0
	for _, msg := range page {
		if msg.ChannelID != r.channelID || r.indexOfID(msg.ID) >= 0 {
			continue
		}
		r.items = append(r.items, Item{Status: StatusConfirmed, Message: msg})
		added++
	}
	r.mu.Unlock()
	if added > 0 {
		r.changed()
	}
}

// Attach feeds the manager's MessageReceived events into r until the
// returned function is called.
func (r *Reconciler) Attach(m *Manager) (detach func()) {
	return m.Subscribe(func(ev Event) {
		if e, ok := ev.(MessageReceived); ok {
			r.Receive(e.Message)
		}
	})
}

func (r *Reconciler) indexOfTemp(tempID string) int {
	for i, it := range r.items {
		if it.TempID == tempID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexOfPending(key string) int {
	if key == "" {
		return -1
	}
	for i, it := range r.items {
		if it.Status == StatusPending && it.TempID == key {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexOfID(id int64) int {
	if id == 0 {
		return -1
	}
	for i, it := range r.items {
		if it.Status == StatusConfirmed && it.Message.ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}
