package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
)

// Server → client event names.
const (
	EventReceiveMessage    = "ReceiveMessage"
	EventUserJoinedChannel = "UserJoinedChannel"
	EventUserLeftChannel   = "UserLeftChannel"
)

func knownEvent(name string) bool {
	switch name {
	case EventReceiveMessage, EventUserJoinedChannel, EventUserLeftChannel:
		return true
	}
	return false
}

// Event is the closed set of things the hub pushes to clients. The unexported
// marker method keeps other packages from adding members, so a type switch
// over MessageReceived, UserJoined and UserLeft is exhaustive.
type Event interface {
	EventName() string
	ChannelOf() uuid.UUID
	isEvent()
}

// MessageReceived carries a persisted message; Data is the message itself.
type MessageReceived struct {
	Message models.Message
}

func (MessageReceived) EventName() string      { return EventReceiveMessage }
func (e MessageReceived) ChannelOf() uuid.UUID { return e.Message.ChannelID }
func (MessageReceived) isEvent()               {}

// Presence is the payload shared by join and leave notifications.
type Presence struct {
	UserID    uuid.UUID `json:"user_id"`
	ChannelID uuid.UUID `json:"channel_id"`
}

type UserJoined struct{ Presence }

func (UserJoined) EventName() string      { return EventUserJoinedChannel }
func (e UserJoined) ChannelOf() uuid.UUID { return e.ChannelID }
func (UserJoined) isEvent()               {}

type UserLeft struct{ Presence }

func (UserLeft) EventName() string      { return EventUserLeftChannel }
func (e UserLeft) ChannelOf() uuid.UUID { return e.ChannelID }
func (UserLeft) isEvent()               {}

// EncodeEvent produces the event frame for ev.
func EncodeEvent(ev Event) ([]byte, error) {
	var data any
	switch e := ev.(type) {
	case MessageReceived:
		data = e.Message
	case UserJoined:
		data = e.Presence
	case UserLeft:
		data = e.Presence
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventName(), err)
	}
	return json.Marshal(Frame{V: Version, Type: FrameEvent, Event: ev.EventName(), Data: raw})
}

// DecodeEvent turns an event frame into its typed form.
func DecodeEvent(f *Frame) (Event, error) {
	if f.Type != FrameEvent {
		return nil, apperr.InvalidArg(fmt.Sprintf("frame type %q is not an event", f.Type))
	}
	switch f.Event {
	case EventReceiveMessage:
		var m models.Message
		if err := strictUnmarshal(f.Data, &m); err != nil {
			return nil, apperr.Wrap(apperr.CodeInvalidArgument, "malformed message event", err)
		}
		if m.ID == 0 || m.Sender.ID == uuid.Nil {
			return nil, apperr.InvalidArg("message event without id or sender")
		}
		return MessageReceived{Message: m}, nil
	case EventUserJoinedChannel, EventUserLeftChannel:
		var p Presence
		if err := strictUnmarshal(f.Data, &p); err != nil {
			return nil, apperr.Wrap(apperr.CodeInvalidArgument, "malformed presence event", err)
		}
		if f.Event == EventUserJoinedChannel {
			return UserJoined{p}, nil
		}
		return UserLeft{p}, nil
	}
	return nil, apperr.InvalidArg(fmt.Sprintf("unknown event %q", f.Event))
}

// ChannelArgs is the argument of JoinChannel and LeaveChannel.
type ChannelArgs struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// SendMessageArgs is the argument of SendMessage and the body of
// POST /v1/message.
type SendMessageArgs struct {
	ChannelID     uuid.UUID   `json:"channel_id" binding:"required"`
	Content       string      `json:"content"`
	AttachmentIDs []uuid.UUID `json:"attachment_ids"`
	ClientMsgID   string      `json:"client_msg_id,omitempty"`
}
