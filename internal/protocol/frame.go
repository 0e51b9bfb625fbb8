// Package protocol is the one wire schema spoken between the hub and its
// clients. Every frame carries a version; decoding is strict, so a payload
// with unknown fields, another version or an unknown method/event is rejected
// at the connection boundary instead of being coerced into shape.
//
// Frame kinds:
//
//	client → server  {"v":1,"type":"invocation","id":"7","method":"SendMessage","args":{...}}
//	server → client  {"v":1,"type":"completion","id":"7","result":{...}}
//	server → client  {"v":1,"type":"completion","id":"7","error":{"code":"ACCESS_DENIED","message":"..."}}
//	server → client  {"v":1,"type":"event","event":"ReceiveMessage","data":{...}}
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lalith-99/huddle/internal/apperr"
)

// Version is the only schema version this build speaks.
const Version = 1

type FrameType string

const (
	FrameInvocation FrameType = "invocation"
	FrameCompletion FrameType = "completion"
	FrameEvent      FrameType = "event"
)

// Hub methods a client may invoke.
const (
	MethodJoinChannel  = "JoinChannel"
	MethodLeaveChannel = "LeaveChannel"
	MethodSendMessage  = "SendMessage"
)

func knownMethod(m string) bool {
	switch m {
	case MethodJoinChannel, MethodLeaveChannel, MethodSendMessage:
		return true
	}
	return false
}

type Frame struct {
	V      int             `json:"v"`
	Type   FrameType       `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Error is the wire form of an apperr.AppError.
type Error struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// Err converts the wire error back into an application error.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	return apperr.New(e.Code, e.Message)
}

// Decode parses and validates a single frame.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := strictUnmarshal(raw, &f); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "malformed frame", err)
	}
	if f.V != Version {
		return nil, apperr.InvalidArg(fmt.Sprintf("unsupported protocol version %d", f.V))
	}

	switch f.Type {
	case FrameInvocation:
		if f.ID == "" {
			return nil, apperr.InvalidArg("invocation without id")
		}
		if !knownMethod(f.Method) {
			return nil, apperr.InvalidArg(fmt.Sprintf("unknown method %q", f.Method))
		}
	case FrameCompletion:
		if f.ID == "" {
			return nil, apperr.InvalidArg("completion without id")
		}
	case FrameEvent:
		if !knownEvent(f.Event) {
			return nil, apperr.InvalidArg(fmt.Sprintf("unknown event %q", f.Event))
		}
	default:
		return nil, apperr.InvalidArg(fmt.Sprintf("unknown frame type %q", f.Type))
	}
	return &f, nil
}

// DecodeArgs unmarshals invocation arguments strictly into v.
func DecodeArgs(f *Frame, v any) error {
	if len(f.Args) == 0 {
		return apperr.InvalidArg("missing args")
	}
	if err := strictUnmarshal(f.Args, v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "malformed args", err)
	}
	return nil
}

// DecodeResult unmarshals a completion result into v. A completion with an
// error returns that error instead.
func DecodeResult(f *Frame, v any) error {
	if f.Error != nil {
		return f.Error.Err()
	}
	if v == nil || len(f.Result) == 0 {
		return nil
	}
	if err := strictUnmarshal(f.Result, v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "malformed result", err)
	}
	return nil
}

// NewInvocation encodes a client → server call.
func NewInvocation(id, method string, args any) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	return json.Marshal(Frame{V: Version, Type: FrameInvocation, ID: id, Method: method, Args: raw})
}

// NewCompletion encodes the reply to invocation id. A non-nil callErr is sent
// through apperr.Public so storage detail never reaches the client.
func NewCompletion(id string, result any, callErr error) ([]byte, error) {
	f := Frame{V: Version, Type: FrameCompletion, ID: id}
	if callErr != nil {
		code, msg := apperr.Public(callErr)
		f.Error = &Error{Code: code, Message: msg}
		return json.Marshal(f)
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		f.Result = raw
	}
	return json.Marshal(f)
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}
