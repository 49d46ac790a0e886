// ABOUTME: Tagged event variants for the chat stream and their JSON wire codec
// ABOUTME: Frames are decoded at the boundary so the reconciler only sees typed events

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/support-chat/internal/chat"
)

// EventType is the wire name of a stream event.
type EventType string

// Events consumed from the server.
const (
	EventNewMessage          EventType = "new_message"
	EventMessageDeleted      EventType = "message_deleted"
	EventConversationUpdated EventType = "conversation_updated"
	EventConversationClosed  EventType = "conversation_closed"
	EventMessagesRead        EventType = "messages_read"
	EventUserTyping          EventType = "user_typing"
	EventChatStatsUpdated    EventType = "chat_stats_updated"
)

// Handshake control frames.
const (
	EventConnected    EventType = "connected"
	EventConnectError EventType = "connect_error"
)

// CommandType is the wire name of a command sent to the server.
type CommandType string

const (
	CommandJoin        CommandType = "join_conversation"
	CommandLeave       CommandType = "leave_conversation"
	CommandTypingStart CommandType = "typing_start"
	CommandTypingStop  CommandType = "typing_stop"
)

// UpdateAction is the action carried by a conversation_updated event.
type UpdateAction string

const (
	ActionCreated     UpdateAction = "created"
	ActionUpdated     UpdateAction = "updated"
	ActionListUpdated UpdateAction = "list_updated"
)

// ErrUnknownEvent is returned by Decode for event names the core does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Frame is the JSON envelope of every message on the stream.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is one of the typed variants below.
type Event interface {
	Type() EventType
	isEvent()
}

// NewMessage announces a message appended to a conversation.
type NewMessage struct {
	ConversationID string       `json:"conversationId"`
	Message        chat.Message `json:"message"`
	Timestamp      time.Time    `json:"timestamp"`
}

// MessageDeleted announces an authoritative deletion.
type MessageDeleted struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationUpdated carries a partial conversation update.
type ConversationUpdated struct {
	ConversationID string                 `json:"conversationId"`
	Action         UpdateAction           `json:"action"`
	Patch          chat.ConversationPatch `json:"-"`
}

// ConversationClosed announces a conversation moving to closed.
type ConversationClosed struct {
	ConversationID string `json:"conversationId"`
}

// MessagesRead is a read receipt. ReaderRole is empty when the server does not
// say who read; such receipts come from the counterpart.
type MessagesRead struct {
	ConversationID string    `json:"conversationId"`
	ReaderRole     chat.Role `json:"readerRole,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserTyping reports a participant starting or stopping typing.
type UserTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ChatStatsUpdated carries the authoritative aggregate unread count.
type ChatStatsUpdated struct {
	UnreadMessages int `json:"unreadMessages"`
}

func (NewMessage) Type() EventType          { return EventNewMessage }
func (MessageDeleted) Type() EventType      { return EventMessageDeleted }
func (ConversationUpdated) Type() EventType { return EventConversationUpdated }
func (ConversationClosed) Type() EventType  { return EventConversationClosed }
func (MessagesRead) Type() EventType        { return EventMessagesRead }
func (UserTyping) Type() EventType          { return EventUserTyping }
func (ChatStatsUpdated) Type() EventType    { return EventChatStatsUpdated }

func (NewMessage) isEvent()          {}
func (MessageDeleted) isEvent()      {}
func (ConversationUpdated) isEvent() {}
func (ConversationClosed) isEvent()  {}
func (MessagesRead) isEvent()        {}
func (UserTyping) isEvent()          {}
func (ChatStatsUpdated) isEvent()    {}

// conversationUpdatedWire flattens the patch fields next to id and action.
type conversationUpdatedWire struct {
	ConversationID string       `json:"conversationId"`
	Action         UpdateAction `json:"action"`
	chat.ConversationPatch
}

// Decode parses a single frame into a typed event. Payloads missing the fields
// their handler keys on are rejected here rather than in the reconciler.
func Decode(data []byte) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return DecodeFrame(frame)
}

// DecodeFrame parses an already split envelope.
func DecodeFrame(frame Frame) (Event, error) {
	switch EventType(frame.Event) {
	case EventNewMessage:
		var ev NewMessage
		if err := unmarshalData(frame, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID == "" {
			ev.ConversationID = ev.Message.ConversationID
		}
		if ev.Message.ConversationID == "" {
			ev.Message.ConversationID = ev.ConversationID
		}
		if ev.Message.ID == "" || ev.ConversationID == "" {
			return nil, fmt.Errorf("decoding %s: message id and conversation id are required", frame.Event)
		}
		return ev, nil

	case EventMessageDeleted:
		var ev MessageDeleted
		if err := unmarshalData(frame, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" || ev.ConversationID == "" {
			return nil, fmt.Errorf("decoding %s: message id and conversation id are required", frame.Event)
		}
		return ev, nil

	case EventConversationUpdated:
		var wire conversationUpdatedWire
		if err := unmarshalData(frame, &wire); err != nil {
			return nil, err
		}
		if wire.Action == "" {
			wire.Action = ActionUpdated
		}
		if wire.ConversationID == "" && wire.Action != ActionListUpdated {
			return nil, fmt.Errorf("decoding %s: conversation id is required", frame.Event)
		}
		return ConversationUpdated{
			ConversationID: wire.ConversationID,
			Action:         wire.Action,
			Patch:          wire.ConversationPatch,
		}, nil

	case EventConversationClosed:
		var ev ConversationClosed
		if err := unmarshalData(frame, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID == "" {
			return nil, fmt.Errorf("decoding %s: conversation id is required", frame.Event)
		}
		return ev, nil

	case EventMessagesRead:
		var ev MessagesRead
		if err := unmarshalData(frame, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID == "" {
			return nil, fmt.Errorf("decoding %s: conversation id is required", frame.Event)
		}
		if ev.ReaderRole != "" && !ev.ReaderRole.Valid() {
			return nil, fmt.Errorf("decoding %s: unknown reader role %q", frame.Event, ev.ReaderRole)
		}
		return ev, nil

	case EventUserTyping:
		var ev UserTyping
		if err := unmarshalData(frame, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID == "" || ev.UserID == "" {
			return nil, fmt.Errorf("decoding %s: conversation id and user id are required", frame.Event)
		}
		return ev, nil

	case EventChatStatsUpdated:
		var ev ChatStatsUpdated
		if err := unmarshalData(frame, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
}

func unmarshalData(frame Frame, v any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("decoding %s: missing data", frame.Event)
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", frame.Event, err)
	}
	return nil
}

// Encode builds the frame for an event. Used by test servers and the mock transport.
func Encode(ev Event) ([]byte, error) {
	var payload any = ev
	if cu, ok := ev.(ConversationUpdated); ok {
		payload = conversationUpdatedWire{
			ConversationID:    cu.ConversationID,
			Action:            cu.Action,
			ConversationPatch: cu.Patch,
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", ev.Type(), err)
	}
	return json.Marshal(Frame{Event: string(ev.Type()), Data: data})
}

// Command is an instruction sent from the client to the stream server.
type Command struct {
	Type           CommandType
	ConversationID string
}

type commandData struct {
	ConversationID string `json:"conversationId"`
}

// MarshalJSON encodes the command as a frame.
func (c Command) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(commandData{ConversationID: c.ConversationID})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: string(c.Type), Data: data})
}

// UnmarshalJSON decodes a command frame.
func (c *Command) UnmarshalJSON(b []byte) error {
	var frame Frame
	if err := json.Unmarshal(b, &frame); err != nil {
		return err
	}
	var data commandData
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return err
		}
	}
	c.Type = CommandType(frame.Event)
	c.ConversationID = data.ConversationID
	return nil
}

// ConnectErrorData is the payload of a connect_error frame.
type ConnectErrorData struct {
	Message string `json:"message"`
}

// ConnectedData is the payload of the handshake ack.
type ConnectedData struct {
	UserID string `json:"userId"`
}
